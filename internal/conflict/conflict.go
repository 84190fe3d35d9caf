// Package conflict detects and resolves divergence between a client's and
// the server's version of the same record. Detection and resolution are
// pure: the resolver never touches storage or the network, so the same
// inputs always produce the same outputs. The sync engine feeds it
// conflicting records and acts on the returned resolution.
package conflict

import (
	"fmt"
	"reflect"
	"time"
)

// Strategy names how a conflict is settled.
type Strategy string

// Resolution strategies. Merge requires a registered MergeFunc; Manual
// produces no resolved data and leaves the action blocked until an
// external caller supplies one.
const (
	ServerWins Strategy = "server_wins"
	ClientWins Strategy = "client_wins"
	Merge      Strategy = "merge"
	Manual     Strategy = "manual"
)

// MergeFunc combines a server and a client value for one field. It must be
// pure and deterministic: no clocks, no randomness, no I/O.
type MergeFunc func(server, client any) any

// Versioned is one side of a potential conflict: the record's fields plus
// its update timestamp, zero when the backend does not track one.
type Versioned struct {
	Fields    map[string]any
	UpdatedAt time.Time
}

// Resolution describes a detected conflict and, unless the strategy is
// Manual, the data that settles it.
type Resolution struct {
	ActionID     string
	Table        string
	Strategy     Strategy
	ServerData   map[string]any
	ClientData   map[string]any
	ResolvedData map[string]any // nil when Strategy is Manual
}

// Detect reports whether server and client diverge. With both timestamps
// present the rule is purely temporal: the server having a strictly newer
// update wins detection. Without usable timestamps, any differing
// non-key field counts as divergence.
func Detect(server, client Versioned, keyFields []string) bool {
	if !server.UpdatedAt.IsZero() && !client.UpdatedAt.IsZero() {
		return server.UpdatedAt.After(client.UpdatedAt)
	}

	keys := make(map[string]bool, len(keyFields))

	for _, k := range keyFields {
		keys[k] = true
	}

	for field, sv := range server.Fields {
		if keys[field] {
			continue
		}

		cv, ok := client.Fields[field]
		if !ok || !reflect.DeepEqual(sv, cv) {
			return true
		}
	}

	for field := range client.Fields {
		if keys[field] {
			continue
		}

		if _, ok := server.Fields[field]; !ok {
			return true
		}
	}

	return false
}

// fieldRule is a per-(table, field) override.
type fieldRule struct {
	strategy Strategy
	merge    MergeFunc
}

// Resolver looks up resolution strategies per (table, field), falling back
// to a per-table default and finally to a global default of ServerWins.
type Resolver struct {
	defaultStrategy Strategy
	tableDefaults   map[string]Strategy
	fieldRules      map[string]map[string]fieldRule
}

// NewResolver creates a Resolver with the global default ServerWins.
func NewResolver() *Resolver {
	return &Resolver{
		defaultStrategy: ServerWins,
		tableDefaults:   make(map[string]Strategy),
		fieldRules:      make(map[string]map[string]fieldRule),
	}
}

// SetDefault overrides the global fallback strategy. Merge is not allowed
// as a record-level default because it needs a per-field merge function.
func (r *Resolver) SetDefault(s Strategy) error {
	if s == Merge {
		return fmt.Errorf("conflict: %s cannot be a record-level default", Merge)
	}

	r.defaultStrategy = s

	return nil
}

// SetTableDefault sets the whole-record strategy for one table.
func (r *Resolver) SetTableDefault(table string, s Strategy) error {
	if s == Merge {
		return fmt.Errorf("conflict: %s cannot be a record-level default", Merge)
	}

	r.tableDefaults[table] = s

	return nil
}

// SetFieldStrategy overrides the strategy for a single (table, field).
func (r *Resolver) SetFieldStrategy(table, field string, s Strategy) {
	r.fieldRule(table)[field] = fieldRule{strategy: s}
}

// SetFieldMerge registers a merge function for a single (table, field).
func (r *Resolver) SetFieldMerge(table, field string, fn MergeFunc) {
	r.fieldRule(table)[field] = fieldRule{strategy: Merge, merge: fn}
}

func (r *Resolver) fieldRule(table string) map[string]fieldRule {
	m, ok := r.fieldRules[table]
	if !ok {
		m = make(map[string]fieldRule)
		r.fieldRules[table] = m
	}

	return m
}

// recordStrategy returns the whole-record strategy for a table.
func (r *Resolver) recordStrategy(table string) Strategy {
	if s, ok := r.tableDefaults[table]; ok {
		return s
	}

	return r.defaultStrategy
}

// Resolve settles a detected conflict. The whole-record strategy picks the
// base record; field-level overrides then replace individual fields. A
// Manual record strategy returns a Resolution with nil ResolvedData — the
// caller must hold the action blocked until a resolution is supplied.
func (r *Resolver) Resolve(actionID, table string, server, client map[string]any) Resolution {
	res := Resolution{
		ActionID:   actionID,
		Table:      table,
		Strategy:   r.recordStrategy(table),
		ServerData: server,
		ClientData: client,
	}

	if res.Strategy == Manual {
		return res
	}

	base := server

	if res.Strategy == ClientWins {
		base = client
	}

	resolved := make(map[string]any, len(base))

	for k, v := range base {
		resolved[k] = v
	}

	for field, rule := range r.fieldRules[table] {
		sv, sok := server[field]
		cv, cok := client[field]

		if !sok && !cok {
			continue
		}

		switch rule.strategy {
		case ServerWins:
			if sok {
				resolved[field] = sv
			}
		case ClientWins:
			if cok {
				resolved[field] = cv
			}
		case Merge:
			resolved[field] = rule.merge(sv, cv)
		case Manual:
			// A single manual field escalates the whole record.
			res.Strategy = Manual
			res.ResolvedData = nil

			return res
		}
	}

	res.ResolvedData = resolved

	return res
}
