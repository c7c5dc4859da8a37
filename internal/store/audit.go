package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// ConflictRow is one append-only audit entry for a resolved genuine
// conflict (both sides edited, outside the grace period, values differ).
type ConflictRow struct {
	ID              int64      `json:"id"`
	MemberID        string     `json:"member_id"`
	Field           string     `json:"field"`
	UpstreamValue   string     `json:"upstream_value"`
	DownstreamValue string     `json:"downstream_value"`
	UpstreamAt      *time.Time `json:"upstream_at,omitempty"`
	DownstreamAt    *time.Time `json:"downstream_at,omitempty"`
	Winner          string     `json:"winner"`
	Reason          string     `json:"reason"`
	RecordedAt      time.Time  `json:"recorded_at"`
}

// ChangeRow is one append-only audit entry for a detected downstream
// edit, one row per field that actually changed. SyncedAt marks when a
// downstream-to-upstream sync consumed it.
type ChangeRow struct {
	ID           int64      `json:"id"`
	MemberID     string     `json:"member_id"`
	Field        string     `json:"field"`
	OldValue     string     `json:"old_value"`
	NewValue     string     `json:"new_value"`
	DownstreamAt time.Time  `json:"downstream_at"`
	RunID        string     `json:"run_id"`
	SyncedAt     *time.Time `json:"synced_at,omitempty"`
}

// AppendConflicts appends conflict audit rows in one transaction.
func (s *Store) AppendConflicts(ctx context.Context, rows []ConflictRow) error {
	if len(rows) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, r := range rows {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO conflict_log
				(member_id, field, upstream_value, downstream_value,
				 upstream_modified_at, downstream_modified_at, winner, reason, recorded_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			`, r.MemberID, r.Field, r.UpstreamValue, r.DownstreamValue,
				fmtNullTime(r.UpstreamAt), fmtNullTime(r.DownstreamAt),
				r.Winner, r.Reason, fmtTime(r.RecordedAt))
			if err != nil {
				return fmt.Errorf("append conflict %s.%s: %w", r.MemberID, r.Field, err)
			}
		}
		return nil
	})
}

// Conflicts returns conflict audit rows, newest last, optionally
// filtered to one entity (empty memberID = all).
func (s *Store) Conflicts(ctx context.Context, memberID string) ([]ConflictRow, error) {
	query := `
		SELECT id, member_id, field, upstream_value, downstream_value,
		       upstream_modified_at, downstream_modified_at, winner, reason, recorded_at
		FROM conflict_log`
	args := []any{}
	if memberID != "" {
		query += ` WHERE member_id = ?`
		args = append(args, memberID)
	}
	query += ` ORDER BY id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query conflicts: %w", err)
	}
	defer rows.Close()

	var out []ConflictRow
	for rows.Next() {
		var r ConflictRow
		var upAt, downAt sql.NullString
		var recordedAt string
		if err := rows.Scan(&r.ID, &r.MemberID, &r.Field, &r.UpstreamValue, &r.DownstreamValue,
			&upAt, &downAt, &r.Winner, &r.Reason, &recordedAt); err != nil {
			return nil, fmt.Errorf("scan conflict: %w", err)
		}
		if r.UpstreamAt, err = parseNullTime(upAt); err != nil {
			return nil, err
		}
		if r.DownstreamAt, err = parseNullTime(downAt); err != nil {
			return nil, err
		}
		if r.RecordedAt, err = parseTime(recordedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conflicts: %w", err)
	}

	if out == nil {
		out = []ConflictRow{}
	}
	return out, nil
}

// RecordDownstreamChanges applies the outcome of detecting one entity's
// downstream edits as a single transaction: change audit rows, the
// refreshed mirror values and fingerprint, and downstream field
// timestamps for the changed fields.
func (s *Store) RecordDownstreamChanges(ctx context.Context, memberID string, changes []ChangeRow, mirror map[string]string, mirrorFP string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, c := range changes {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO change_log
				(member_id, field, old_value, new_value, downstream_modified_at, run_id)
				VALUES (?, ?, ?, ?, ?, ?)
			`, c.MemberID, c.Field, c.OldValue, c.NewValue, fmtTime(c.DownstreamAt), c.RunID)
			if err != nil {
				return fmt.Errorf("append change %s.%s: %w", c.MemberID, c.Field, err)
			}

			_, err = tx.ExecContext(ctx, `
				INSERT INTO field_timestamps (member_id, field, downstream_modified_at)
				VALUES (?, ?, ?)
				ON CONFLICT(member_id, field) DO UPDATE SET
					downstream_modified_at = excluded.downstream_modified_at
			`, c.MemberID, c.Field, fmtTime(c.DownstreamAt))
			if err != nil {
				return fmt.Errorf("stamp downstream %s.%s: %w", c.MemberID, c.Field, err)
			}
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE entities SET mirror_fingerprint = ? WHERE member_id = ?`,
			mirrorFP, memberID); err != nil {
			return fmt.Errorf("update mirror fingerprint %s: %w", memberID, err)
		}
		return replaceMirror(ctx, tx, memberID, mirror)
	})
}

// Changes returns change audit rows in insertion order.
// With unsyncedOnly=true, only rows not yet consumed by a reverse sync.
func (s *Store) Changes(ctx context.Context, unsyncedOnly bool) ([]ChangeRow, error) {
	query := `
		SELECT id, member_id, field, old_value, new_value, downstream_modified_at, run_id, synced_at
		FROM change_log`
	if unsyncedOnly {
		query += ` WHERE synced_at IS NULL`
	}
	query += ` ORDER BY id ASC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query changes: %w", err)
	}
	defer rows.Close()

	var out []ChangeRow
	for rows.Next() {
		var r ChangeRow
		var downAt string
		var syncedAt sql.NullString
		if err := rows.Scan(&r.ID, &r.MemberID, &r.Field, &r.OldValue, &r.NewValue,
			&downAt, &r.RunID, &syncedAt); err != nil {
			return nil, fmt.Errorf("scan change: %w", err)
		}
		if r.DownstreamAt, err = parseTime(downAt); err != nil {
			return nil, err
		}
		if r.SyncedAt, err = parseNullTime(syncedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate changes: %w", err)
	}

	if out == nil {
		out = []ChangeRow{}
	}
	return out, nil
}

// MarkChangesSynced stamps synced_at on consumed change rows.
func (s *Store) MarkChangesSynced(ctx context.Context, ids []int64, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, id := range ids {
			if _, err := tx.ExecContext(ctx,
				`UPDATE change_log SET synced_at = ? WHERE id = ?`,
				fmtTime(at), id); err != nil {
				return fmt.Errorf("mark change %d synced: %w", id, err)
			}
		}
		return nil
	})
}
