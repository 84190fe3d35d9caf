package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	_ "modernc.org/sqlite" // Pure Go SQLite driver, registers as "sqlite".
)

// ErrNotFound is returned when an action ID does not exist in the queue.
var ErrNotFound = errors.New("queue: action not found")

// walJournalSizeLimit caps WAL growth at 64 MiB.
const walJournalSizeLimit = 67108864

// metaKeyLastSync is the meta table key holding the last successful sync
// time (RFC3339Nano).
const metaKeyLastSync = "last_sync"

// Store is the durable action queue. A single process owns write access to
// its database file; WAL mode lets concurrent readers (status commands)
// observe it safely. Lifecycle of a row:
//
//	Enqueue → DequeueBatch (pending → dispatched) → Remove on success,
//	Reschedule on transient failure (dispatched → pending with a delay),
//	Block on manual conflict, MarkDead once the retry budget is spent.
type Store struct {
	db     *sql.DB
	logger *slog.Logger

	// nowFunc is injectable for tests.
	nowFunc func() time.Time
}

// Open opens (or creates) the queue database at dbPath, sets pragmas, and
// runs migrations. Use ":memory:" for tests.
func Open(dbPath string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	logger.Info("opening action queue database", slog.String("path", dbPath))

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("queue: open sqlite: %w", err)
	}

	// The queue is written from multiple goroutines in the engine; a single
	// connection serializes them without SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)

	if err := setPragmas(context.Background(), db); err != nil {
		db.Close()
		return nil, err
	}

	if err := runMigrations(context.Background(), db, logger); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db, logger: logger, nowFunc: time.Now}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// setPragmas configures SQLite for WAL mode and safety.
func setPragmas(ctx context.Context, db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = FULL",
		"PRAGMA foreign_keys = ON",
		fmt.Sprintf("PRAGMA journal_size_limit = %d", walJournalSizeLimit),
	}

	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("queue: set pragma %q: %w", p, err)
		}
	}

	return nil
}

// Enqueue assigns an ID, idempotency key, and timestamp, persists the
// action, and returns the ID without waiting on any network activity.
// A storage I/O failure surfaces as a *StorageError; by contract the caller
// logs it and continues rather than unwinding its own flow.
func (s *Store) Enqueue(ctx context.Context, a *Action) (string, error) {
	if !a.Type.Valid() {
		return "", fmt.Errorf("queue: invalid action type %q", a.Type)
	}

	if a.Table == "" {
		return "", errors.New("queue: action table must not be empty")
	}

	a.ID = uuid.NewString()
	a.EnqueuedAt = s.nowFunc()
	a.Status = StatusPending

	if a.IdempotencyKey == "" {
		a.IdempotencyKey = uuid.NewString()
	}

	if a.MaxRetries <= 0 {
		a.MaxRetries = 5
	}

	var depsJSON sql.NullString

	if len(a.DependsOn) > 0 {
		b, err := json.Marshal(a.DependsOn)
		if err != nil {
			return "", fmt.Errorf("queue: encoding dependencies: %w", err)
		}

		depsJSON = sql.NullString{String: string(b), Valid: true}
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO action_queue
			(id, action_type, tbl, record_key, payload, priority, retry_count,
			 max_retries, depends_on, idempotency_key, status, enqueued_at,
			 not_before, schema_version)
		 VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?, ?, ?, ?, 0, ?)`,
		a.ID, string(a.Type), a.Table, a.Key, []byte(a.Payload),
		a.Priority.Weight(), a.MaxRetries, depsJSON, a.IdempotencyKey,
		StatusPending, a.EnqueuedAt.UnixNano(), schemaVersion)
	if err != nil {
		return "", storageErr("enqueue", err)
	}

	s.logger.Debug("action enqueued",
		slog.String("id", a.ID),
		slog.String("type", string(a.Type)),
		slog.String("table", a.Table),
		slog.String("priority", string(a.Priority)),
	)

	return a.ID, nil
}

// DequeueBatch returns up to n dispatchable actions ordered by priority
// weight (high=3, medium=2, low=1) then insertion time (stable FIFO within
// a priority), marking each as dispatched. Actions are skipped while their
// reschedule gate is in the future, while they are blocked on a manual
// conflict, or while a dependency is still in the queue. An action whose
// dependency landed in the permanent-failure log is cascaded there too.
func (s *Store) DequeueBatch(ctx context.Context, n int) ([]Action, error) {
	if n <= 0 {
		return nil, nil
	}

	now := s.nowFunc().UnixNano()

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+actionColumns+` FROM action_queue
		 WHERE status = ? AND not_before <= ?
		 ORDER BY priority DESC, enqueued_at, id`,
		StatusPending, now)
	if err != nil {
		return nil, storageErr("dequeue", err)
	}

	candidates, err := scanActions(rows)
	if err != nil {
		return nil, storageErr("dequeue", err)
	}

	batch := make([]Action, 0, n)

	for i := range candidates {
		if len(batch) >= n {
			break
		}

		a := &candidates[i]

		ok, depErr := s.dependenciesMet(ctx, a)
		if depErr != nil {
			return nil, depErr
		}

		if !ok {
			continue
		}

		if _, err := s.db.ExecContext(ctx,
			`UPDATE action_queue SET status = ? WHERE id = ? AND status = ?`,
			StatusDispatched, a.ID, StatusPending); err != nil {
			return nil, storageErr("dequeue", err)
		}

		a.Status = StatusDispatched
		batch = append(batch, *a)
	}

	return batch, nil
}

// dependenciesMet reports whether all of a's dependencies have left the
// queue successfully. A dependency found in dead_actions cascades: a is
// moved to the permanent-failure log and reported as not dispatchable.
func (s *Store) dependenciesMet(ctx context.Context, a *Action) (bool, error) {
	for _, depID := range a.DependsOn {
		var inQueue int

		err := s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM action_queue WHERE id = ?`, depID).Scan(&inQueue)
		if err != nil {
			return false, storageErr("dependency check", err)
		}

		if inQueue > 0 {
			return false, nil
		}

		var dead int

		err = s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM dead_actions WHERE id = ?`, depID).Scan(&dead)
		if err != nil {
			return false, storageErr("dependency check", err)
		}

		if dead > 0 {
			s.logger.Warn("cascading permanent failure to dependent action",
				slog.String("id", a.ID),
				slog.String("dependency", depID),
			)

			if err := s.MarkDead(ctx, a, fmt.Sprintf("dependency %s failed permanently", depID)); err != nil {
				return false, err
			}

			return false, nil
		}
	}

	return true, nil
}

// Reschedule returns a dispatched action to the queue after a transient
// failure: the retry counter is incremented, the reschedule gate is set to
// now+delay, and the error message is recorded.
func (s *Store) Reschedule(ctx context.Context, id string, delay time.Duration, lastErr string) error {
	notBefore := s.nowFunc().Add(delay).UnixNano()

	res, err := s.db.ExecContext(ctx,
		`UPDATE action_queue
		 SET status = ?, retry_count = retry_count + 1, not_before = ?, last_error = ?
		 WHERE id = ?`,
		StatusPending, notBefore, lastErr, id)
	if err != nil {
		return storageErr("reschedule", err)
	}

	return requireRow(res, id)
}

// Remove deletes an action after successful execution or explicit
// resolution.
func (s *Store) Remove(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM action_queue WHERE id = ?`, id)
	if err != nil {
		return storageErr("remove", err)
	}

	return requireRow(res, id)
}

// Cancel removes an undispatched action outright. Once dispatched, the call
// only flags the row — an in-flight network call is not aborted — and
// returns removed=false.
func (s *Store) Cancel(ctx context.Context, id string) (removed bool, err error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM action_queue WHERE id = ? AND status IN (?, ?)`,
		id, StatusPending, StatusBlocked)
	if err != nil {
		return false, storageErr("cancel", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, storageErr("cancel", err)
	}

	if n > 0 {
		return true, nil
	}

	res, err = s.db.ExecContext(ctx,
		`UPDATE action_queue SET cancel_requested = 1 WHERE id = ?`, id)
	if err != nil {
		return false, storageErr("cancel", err)
	}

	return false, requireRow(res, id)
}

// Block holds a dispatched action pending manual conflict resolution.
// Blocked actions are skipped by DequeueBatch until Unblock supplies the
// resolved payload.
func (s *Store) Block(ctx context.Context, id, reason string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE action_queue SET status = ?, last_error = ? WHERE id = ?`,
		StatusBlocked, reason, id)
	if err != nil {
		return storageErr("block", err)
	}

	return requireRow(res, id)
}

// Unblock releases a blocked action with an externally supplied resolved
// payload, making it immediately eligible again.
func (s *Store) Unblock(ctx context.Context, id string, payload json.RawMessage) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE action_queue
		 SET status = ?, payload = ?, not_before = 0, last_error = ''
		 WHERE id = ? AND status = ?`,
		StatusPending, []byte(payload), id, StatusBlocked)
	if err != nil {
		return storageErr("unblock", err)
	}

	return requireRow(res, id)
}

// MarkDead moves an action to the permanent-failure log. The action is
// never silently lost: it stays queryable via ListDead and can be requeued.
func (s *Store) MarkDead(ctx context.Context, a *Action, finalErr string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("mark dead", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO dead_actions
			(id, action_type, tbl, record_key, payload, priority, retry_count,
			 max_retries, idempotency_key, enqueued_at, failed_at, final_error,
			 schema_version)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, string(a.Type), a.Table, a.Key, []byte(a.Payload),
		a.Priority.Weight(), a.RetryCount, a.MaxRetries, a.IdempotencyKey,
		a.EnqueuedAt.UnixNano(), s.nowFunc().UnixNano(), finalErr,
		schemaVersion); err != nil {
		return storageErr("mark dead", err)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM action_queue WHERE id = ?`, a.ID); err != nil {
		return storageErr("mark dead", err)
	}

	if err := tx.Commit(); err != nil {
		return storageErr("mark dead", err)
	}

	s.logger.Warn("action moved to permanent-failure log",
		slog.String("id", a.ID),
		slog.String("table", a.Table),
		slog.Int("retries", a.RetryCount),
		slog.String("error", finalErr),
	)

	return nil
}

// Get returns a single action by ID.
func (s *Store) Get(ctx context.Context, id string) (*Action, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+actionColumns+` FROM action_queue WHERE id = ?`, id)
	if err != nil {
		return nil, storageErr("get", err)
	}

	actions, err := scanActions(rows)
	if err != nil {
		return nil, storageErr("get", err)
	}

	if len(actions) == 0 {
		return nil, ErrNotFound
	}

	return &actions[0], nil
}

// List returns every live action, drain-ordered.
func (s *Store) List(ctx context.Context) ([]Action, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+actionColumns+` FROM action_queue
		 ORDER BY priority DESC, enqueued_at, id`)
	if err != nil {
		return nil, storageErr("list", err)
	}

	actions, err := scanActions(rows)
	if err != nil {
		return nil, storageErr("list", err)
	}

	return actions, nil
}

// ListDead returns the permanent-failure log, newest first.
func (s *Store) ListDead(ctx context.Context) ([]DeadAction, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, action_type, tbl, record_key, payload, priority,
			retry_count, max_retries, idempotency_key, enqueued_at,
			failed_at, final_error
		 FROM dead_actions ORDER BY failed_at DESC, id`)
	if err != nil {
		return nil, storageErr("list dead", err)
	}
	defer rows.Close()

	var dead []DeadAction

	for rows.Next() {
		var (
			d                    DeadAction
			weight               int
			enqueuedNS, failedNS int64
			payload              []byte
		)

		if err := rows.Scan(&d.Action.ID, (*string)(&d.Action.Type),
			&d.Action.Table, &d.Action.Key, &payload, &weight,
			&d.Action.RetryCount, &d.Action.MaxRetries,
			&d.Action.IdempotencyKey, &enqueuedNS, &failedNS,
			&d.FinalError); err != nil {
			return nil, storageErr("list dead", err)
		}

		d.Action.Payload = payload
		d.Action.Priority = priorityFromWeight(weight)
		d.Action.EnqueuedAt = time.Unix(0, enqueuedNS)
		d.FailedAt = time.Unix(0, failedNS)
		dead = append(dead, d)
	}

	if err := rows.Err(); err != nil {
		return nil, storageErr("list dead", err)
	}

	return dead, nil
}

// RequeueDead moves a permanently failed action back into the live queue
// with a fresh retry budget.
func (s *Store) RequeueDead(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("requeue dead", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO action_queue
			(id, action_type, tbl, record_key, payload, priority, retry_count,
			 max_retries, idempotency_key, status, enqueued_at, not_before,
			 schema_version)
		 SELECT id, action_type, tbl, record_key, payload, priority, 0,
			max_retries, idempotency_key, ?, ?, 0, schema_version
		 FROM dead_actions WHERE id = ?`,
		StatusPending, s.nowFunc().UnixNano(), id)
	if err != nil {
		return storageErr("requeue dead", err)
	}

	if err := requireRow(res, id); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM dead_actions WHERE id = ?`, id); err != nil {
		return storageErr("requeue dead", err)
	}

	if err := tx.Commit(); err != nil {
		return storageErr("requeue dead", err)
	}

	return nil
}

// ReclaimStale resets dispatched actions older than timeout back to
// pending. Called at engine startup so a crash mid-dispatch never strands
// actions.
func (s *Store) ReclaimStale(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE action_queue SET status = ? WHERE status = ?`,
		StatusPending, StatusDispatched)
	if err != nil {
		return 0, storageErr("reclaim stale", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, storageErr("reclaim stale", err)
	}

	if n > 0 {
		s.logger.Warn("reclaimed stale dispatched actions",
			slog.Int64("count", n),
		)
	}

	return int(n), nil
}

// Counts returns queue occupancy by status.
func (s *Store) Counts(ctx context.Context) (Counts, error) {
	var c Counts

	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM action_queue GROUP BY status`)
	if err != nil {
		return c, storageErr("counts", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			status string
			n      int
		)

		if err := rows.Scan(&status, &n); err != nil {
			return c, storageErr("counts", err)
		}

		switch status {
		case StatusPending:
			c.Pending = n
		case StatusDispatched:
			c.Dispatched = n
		case StatusBlocked:
			c.Blocked = n
		}
	}

	if err := rows.Err(); err != nil {
		return c, storageErr("counts", err)
	}

	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM dead_actions`).Scan(&c.Dead); err != nil {
		return c, storageErr("counts", err)
	}

	return c, nil
}

// SetLastSync records the time of the last fully successful sync cycle.
func (s *Store) SetLastSync(ctx context.Context, t time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO meta (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		metaKeyLastSync, t.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return storageErr("set last sync", err)
	}

	return nil
}

// LastSync returns the recorded last sync time, or the zero time when no
// sync has succeeded yet.
func (s *Store) LastSync(ctx context.Context) (time.Time, error) {
	var v string

	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM meta WHERE key = ?`, metaKeyLastSync).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}

	if err != nil {
		return time.Time{}, storageErr("last sync", err)
	}

	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("queue: parsing last sync time: %w", err)
	}

	return t, nil
}

// actionColumns is the shared column list for scanning live actions.
const actionColumns = `id, action_type, tbl, record_key, payload, priority,
	retry_count, max_retries, depends_on, idempotency_key, status,
	enqueued_at, not_before, last_error, cancel_requested`

// scanActions drains rows into Action values and closes the result set.
func scanActions(rows *sql.Rows) ([]Action, error) {
	defer rows.Close()

	var actions []Action

	for rows.Next() {
		var (
			a                      Action
			weight                 int
			depsJSON               sql.NullString
			enqueuedNS, notBefores int64
			payload                []byte
			cancelReq              int
		)

		if err := rows.Scan(&a.ID, (*string)(&a.Type), &a.Table, &a.Key,
			&payload, &weight, &a.RetryCount, &a.MaxRetries, &depsJSON,
			&a.IdempotencyKey, &a.Status, &enqueuedNS, &notBefores,
			&a.LastError, &cancelReq); err != nil {
			return nil, err
		}

		a.Payload = payload
		a.Priority = priorityFromWeight(weight)
		a.EnqueuedAt = time.Unix(0, enqueuedNS)
		a.CancelRequested = cancelReq != 0

		if notBefores > 0 {
			a.NotBefore = time.Unix(0, notBefores)
		}

		if depsJSON.Valid {
			if err := json.Unmarshal([]byte(depsJSON.String), &a.DependsOn); err != nil {
				return nil, fmt.Errorf("decoding dependencies for %s: %w", a.ID, err)
			}
		}

		actions = append(actions, a)
	}

	return actions, rows.Err()
}

// requireRow converts a zero-row update into ErrNotFound.
func requireRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return storageErr("rows affected", err)
	}

	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	return nil
}
