// Package recordserver implements an in-memory reference server for the
// record-store protocol: schemaless JSON records grouped into tables,
// optimistic versioning with 409 conflict bodies, and idempotency-key
// replay. It backs the devserver command and the end-to-end tests.
package recordserver

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// idempotencyHeader mirrors the client's mutation header.
const idempotencyHeader = "Idempotency-Key"

// replay is a stored response for idempotency-key deduplication.
type replay struct {
	status int
	body   []byte
}

// failure is an injected error response, consumed by the next matching
// request. Tests use it to exercise retry and dead-letter paths.
type failure struct {
	status     int
	retryAfter string
	remaining  int
}

// Server is the in-memory record store.
type Server struct {
	logger *slog.Logger

	mu      sync.Mutex
	tables  map[string]map[string]map[string]any
	idem    map[string]replay
	token   string
	inject  *failure
	nowFunc func() time.Time
}

// New creates an empty server.
func New(logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	return &Server{
		logger:  logger,
		tables:  make(map[string]map[string]map[string]any),
		idem:    make(map[string]replay),
		nowFunc: time.Now,
	}
}

// RequireToken makes the server reject requests whose bearer token does
// not match. An empty token disables the check.
func (s *Server) RequireToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = token
}

// FailNext makes the next n requests fail with the given status.
// A non-empty retryAfter is sent as a Retry-After header.
func (s *Server) FailNext(status, n int, retryAfter string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inject = &failure{status: status, retryAfter: retryAfter, remaining: n}
}

// Seed stores a record directly, bypassing the HTTP surface. Records
// without an id get one assigned; version and updatedAt are stamped.
func (s *Server) Seed(table string, rec map[string]any) map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, _ := rec["id"].(string)
	if id == "" {
		id = uuid.NewString()
		rec["id"] = id
	}

	// Versions are stored as float64, matching JSON decoding.
	switch v := rec["version"].(type) {
	case float64:
	case int:
		rec["version"] = float64(v)
	default:
		rec["version"] = float64(1)
	}

	rec["updatedAt"] = s.nowFunc().UTC().Format(time.RFC3339Nano)

	if s.tables[table] == nil {
		s.tables[table] = make(map[string]map[string]any)
	}

	s.tables[table][id] = rec

	return rec
}

// Record returns a stored record by table and id.
func (s *Server) Record(table, id string) (map[string]any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.tables[table][id]

	return rec, ok
}

// Count returns the number of records in a table.
func (s *Server) Count(table string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.tables[table])
}

// Handler returns the HTTP surface: HEAD /ping plus CRUD on
// /{table} and /{table}/{key}.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.serve)
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()

	if s.inject != nil && s.inject.remaining > 0 {
		inj := s.inject
		inj.remaining--

		if inj.retryAfter != "" {
			w.Header().Set("Retry-After", inj.retryAfter)
		}

		s.mu.Unlock()
		writeError(w, inj.status, "injected failure")

		return
	}

	if s.token != "" && r.Header.Get("Authorization") != "Bearer "+s.token {
		s.mu.Unlock()
		writeError(w, http.StatusUnauthorized, "invalid token")

		return
	}

	s.mu.Unlock()

	s.logger.Debug("request",
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
	)

	if r.URL.Path == "/ping" {
		w.WriteHeader(http.StatusOK)

		return
	}

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")

	switch {
	case len(parts) == 1 && r.Method == http.MethodPost:
		s.handleInsert(w, r, parts[0])
	case len(parts) == 1 && r.Method == http.MethodGet:
		s.handleSelect(w, r, parts[0])
	case len(parts) == 2 && r.Method == http.MethodPatch:
		s.handleUpdate(w, r, parts[0], parts[1])
	case len(parts) == 2 && r.Method == http.MethodDelete:
		s.handleDelete(w, parts[0], parts[1])
	default:
		writeError(w, http.StatusNotFound, "no such route")
	}
}

func (s *Server) handleInsert(w http.ResponseWriter, r *http.Request, table string) {
	var rec map[string]any
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")

		return
	}

	idemKey := r.Header.Get(idempotencyHeader)

	s.mu.Lock()
	defer s.mu.Unlock()

	if idemKey != "" {
		if prior, ok := s.idem[idemKey]; ok {
			replayResponse(w, prior)

			return
		}
	}

	id := uuid.NewString()
	rec["id"] = id
	rec["version"] = float64(1)
	rec["updatedAt"] = s.nowFunc().UTC().Format(time.RFC3339Nano)

	if s.tables[table] == nil {
		s.tables[table] = make(map[string]map[string]any)
	}

	s.tables[table][id] = rec

	s.respond(w, http.StatusCreated, rec, idemKey)
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request, table, key string) {
	var patch map[string]any
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")

		return
	}

	idemKey := r.Header.Get(idempotencyHeader)

	s.mu.Lock()
	defer s.mu.Unlock()

	if idemKey != "" {
		if prior, ok := s.idem[idemKey]; ok {
			replayResponse(w, prior)

			return
		}
	}

	rec, ok := s.tables[table][key]
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("no record %s in %s", key, table))

		return
	}

	// Optimistic concurrency: a patch carrying a version must match the
	// stored version, otherwise the caller's base is stale.
	if base, ok := patch["version"].(float64); ok && base != rec["version"].(float64) {
		body, _ := json.Marshal(map[string]any{"server": rec})
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		w.Write(body)

		return
	}

	for k, v := range patch {
		if k == "id" || k == "version" || k == "updatedAt" {
			continue
		}

		rec[k] = v
	}

	rec["version"] = rec["version"].(float64) + 1
	rec["updatedAt"] = s.nowFunc().UTC().Format(time.RFC3339Nano)

	s.respond(w, http.StatusOK, rec, idemKey)
}

func (s *Server) handleDelete(w http.ResponseWriter, table, key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tables[table][key]; !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("no record %s in %s", key, table))

		return
	}

	delete(s.tables[table], key)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSelect(w http.ResponseWriter, r *http.Request, table string) {
	filter := map[string]string{}
	for k, vs := range r.URL.Query() {
		if len(vs) > 0 {
			filter[k] = vs[0]
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	records := make([]map[string]any, 0)

	for _, rec := range s.tables[table] {
		if matches(rec, filter) {
			records = append(records, rec)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(records)
}

// matches reports whether every filter pair equals the record's string
// form of that field.
func matches(rec map[string]any, filter map[string]string) bool {
	for k, want := range filter {
		v, ok := rec[k]
		if !ok {
			return false
		}

		if fmt.Sprintf("%v", v) != want {
			return false
		}
	}

	return true
}

// respond writes a JSON record and, when an idempotency key is present,
// remembers the response for replay. Caller holds the lock.
func (s *Server) respond(w http.ResponseWriter, status int, rec map[string]any, idemKey string) {
	body, err := json.Marshal(rec)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "encoding record")

		return
	}

	if idemKey != "" {
		s.idem[idemKey] = replay{status: status, body: body}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(body)
}

func replayResponse(w http.ResponseWriter, prior replay) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(prior.status)
	w.Write(prior.body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
