package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

// Record is a schemaless row from the backing store.
type Record map[string]any

// Key returns the record's "id" field, empty when absent.
func (r Record) Key() string {
	if v, ok := r["id"].(string); ok {
		return v
	}

	return ""
}

// UpdatedAt parses the record's "updatedAt" field. Returns the zero time
// when the field is absent or unparseable — the conflict detector then
// falls back to field comparison.
func (r Record) UpdatedAt() time.Time {
	v, ok := r["updatedAt"].(string)
	if !ok {
		return time.Time{}
	}

	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}
	}

	return t
}

// Store exposes the minimal record-store contract: insert, update, delete,
// and select-with-filter over JSON. Mutations carry an idempotency key so
// at-least-once delivery from the queue never double-applies.
type Store struct {
	client *Client
	logger *slog.Logger
}

// NewStore wraps a Client as a record store.
func NewStore(client *Client, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}

	return &Store{client: client, logger: logger}
}

// Insert creates a record and returns the server's version of it
// (including the server-assigned id).
func (s *Store) Insert(ctx context.Context, table string, payload json.RawMessage, idemKey string) (Record, error) {
	return s.mutate(ctx, http.MethodPost, "/"+url.PathEscape(table), payload, idemKey)
}

// Update patches a record by key. A 409 response surfaces as a
// *ConflictError carrying the server's current record.
func (s *Store) Update(ctx context.Context, table, key string, payload json.RawMessage, idemKey string) (Record, error) {
	return s.mutate(ctx, http.MethodPatch,
		"/"+url.PathEscape(table)+"/"+url.PathEscape(key), payload, idemKey)
}

// Delete removes a record by key. Deleting an already-absent record is
// treated as success — deletion is idempotent by nature.
func (s *Store) Delete(ctx context.Context, table, key, idemKey string) error {
	header := http.Header{idempotencyHeader: []string{idemKey}}

	resp, err := s.client.Do(ctx, http.MethodDelete,
		"/"+url.PathEscape(table)+"/"+url.PathEscape(key), nil, header)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}

		return err
	}

	resp.Body.Close()

	return nil
}

// Select returns records matching the filter (exact-match key=value
// pairs, backend-interpreted).
func (s *Store) Select(ctx context.Context, table string, filter map[string]string) ([]Record, error) {
	q := url.Values{}

	for k, v := range filter {
		q.Set(k, v)
	}

	path := "/" + url.PathEscape(table)
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	resp, err := s.client.Do(ctx, http.MethodGet, path, nil, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var records []Record

	if err := json.NewDecoder(resp.Body).Decode(&records); err != nil {
		return nil, fmt.Errorf("remote: decoding select response: %w", err)
	}

	return records, nil
}

// Ping issues a lightweight no-op request and returns the measured
// round-trip latency. The health monitor uses it as its probe.
func (s *Store) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()

	resp, err := s.client.Do(ctx, http.MethodHead, "/ping", nil, nil)
	if err != nil {
		return 0, err
	}

	resp.Body.Close()

	return time.Since(start), nil
}

// mutate executes a write and decodes the server's record from the
// response. A 409 is upgraded to *ConflictError with the server record
// parsed from the body.
func (s *Store) mutate(ctx context.Context, method, path string, payload json.RawMessage, idemKey string) (Record, error) {
	header := http.Header{}

	if idemKey != "" {
		header.Set(idempotencyHeader, idemKey)
	}

	resp, err := s.client.Do(ctx, method, path, bytes.NewReader(payload), header)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && errors.Is(apiErr, ErrConflict) {
			return nil, upgradeConflict(apiErr)
		}

		return nil, err
	}
	defer resp.Body.Close()

	var rec Record

	if err := json.NewDecoder(resp.Body).Decode(&rec); err != nil {
		return nil, fmt.Errorf("remote: decoding %s response: %w", method, err)
	}

	return rec, nil
}

// upgradeConflict parses the server's record out of a 409 body. The body
// may be the bare record or wrapped as {"server": {...}}.
func upgradeConflict(apiErr *APIError) error {
	var wrapper struct {
		Server Record `json:"server"`
	}

	if err := json.Unmarshal([]byte(apiErr.Message), &wrapper); err == nil && wrapper.Server != nil {
		return &ConflictError{Server: wrapper.Server, API: apiErr}
	}

	var rec Record

	if err := json.Unmarshal([]byte(apiErr.Message), &rec); err == nil && len(rec) > 0 {
		return &ConflictError{Server: rec, API: apiErr}
	}

	return &ConflictError{API: apiErr}
}
