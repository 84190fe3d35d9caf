package queue

import (
	"context"
	"time"
)

// TabRow is a persisted snapshot of a tab's membership record. The
// coordinator writes only its own row; rows for other tabs arrive over the
// broadcast bus and are mirrored here for the status command.
type TabRow struct {
	TabID         string
	SessionID     string
	IsPrimary     bool
	LastHeartbeat time.Time
	IsActive      bool
}

// SaveTab upserts a tab registry row.
func (s *Store) SaveTab(ctx context.Context, row TabRow) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tab_registry
			(tab_id, session_id, is_primary, last_heartbeat, is_active, schema_version)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(tab_id) DO UPDATE SET
			session_id = excluded.session_id,
			is_primary = excluded.is_primary,
			last_heartbeat = excluded.last_heartbeat,
			is_active = excluded.is_active`,
		row.TabID, row.SessionID, boolInt(row.IsPrimary),
		row.LastHeartbeat.UnixNano(), boolInt(row.IsActive), schemaVersion)

	return storageErr("save tab", err)
}

// LoadTabs returns all registry rows ordered by tab ID.
func (s *Store) LoadTabs(ctx context.Context) ([]TabRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT tab_id, session_id, is_primary, last_heartbeat, is_active
		 FROM tab_registry ORDER BY tab_id`)
	if err != nil {
		return nil, storageErr("load tabs", err)
	}
	defer rows.Close()

	var out []TabRow

	for rows.Next() {
		var (
			row             TabRow
			primary, active int
			heartbeatNS     int64
		)

		if err := rows.Scan(&row.TabID, &row.SessionID, &primary,
			&heartbeatNS, &active); err != nil {
			return nil, storageErr("load tabs", err)
		}

		row.IsPrimary = primary != 0
		row.IsActive = active != 0
		row.LastHeartbeat = time.Unix(0, heartbeatNS)
		out = append(out, row)
	}

	if err := rows.Err(); err != nil {
		return nil, storageErr("load tabs", err)
	}

	return out, nil
}

// DeleteTab removes a tab's registry row (tab closed).
func (s *Store) DeleteTab(ctx context.Context, tabID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM tab_registry WHERE tab_id = ?`, tabID)

	return storageErr("delete tab", err)
}

// PruneTabs deletes rows whose heartbeat is older than cutoff. Returns the
// number of pruned rows.
func (s *Store) PruneTabs(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM tab_registry WHERE last_heartbeat < ?`, cutoff.UnixNano())
	if err != nil {
		return 0, storageErr("prune tabs", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, storageErr("prune tabs", err)
	}

	return int(n), nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}

	return 0
}
