package store

import (
	"context"
	"database/sql"
	"fmt"
)

// Position is one tracked list membership for an entity.
//
// RemoteIndex is nil until the entry has actually been written to the
// remote array: a locally-inserted-but-unsynced row is treated exactly
// like "never seen" by reconciliation.
type Position struct {
	MemberID    string
	ListKey     string
	RemoteIndex *int
	Fingerprint string
	IsBackfill  bool
}

// PositionsFor returns all tracked positions for an entity, ordered by
// list key for reproducible iteration.
func (s *Store) PositionsFor(ctx context.Context, memberID string) ([]Position, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT member_id, list_key, remote_index, fingerprint, is_backfill
		FROM list_positions WHERE member_id = ?
		ORDER BY list_key ASC
	`, memberID)
	if err != nil {
		return nil, fmt.Errorf("query positions %s: %w", memberID, err)
	}
	defer rows.Close()

	var positions []Position
	for rows.Next() {
		var p Position
		var remoteIndex sql.NullInt64
		var isBackfill int
		if err := rows.Scan(&p.MemberID, &p.ListKey, &remoteIndex, &p.Fingerprint, &isBackfill); err != nil {
			return nil, fmt.Errorf("scan position %s: %w", memberID, err)
		}
		if remoteIndex.Valid {
			idx := int(remoteIndex.Int64)
			p.RemoteIndex = &idx
		}
		p.IsBackfill = isBackfill != 0
		positions = append(positions, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate positions %s: %w", memberID, err)
	}

	if positions == nil {
		positions = []Position{}
	}
	return positions, nil
}

// CommitPositions persists the outcome of one confirmed remote list
// write as a single transaction: confirmed additions (with their remote
// indices), deleted tracking rows for soft-closed entries, and updated
// fingerprints for force-refreshed entries.
//
// MUST be called only after the remote array write succeeded. A crash
// between the remote write and this call leaves the rows unconfirmed,
// which causes a retried (idempotent) reconciliation, never a silently
// accepted index.
func (s *Store) CommitPositions(ctx context.Context, memberID string, adds []Position, removeKeys []string, updates []Position) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, p := range adds {
			if p.RemoteIndex == nil {
				return fmt.Errorf("commit position %s/%s: missing remote index", memberID, p.ListKey)
			}
			_, err := tx.ExecContext(ctx, `
				INSERT INTO list_positions (member_id, list_key, remote_index, fingerprint, is_backfill)
				VALUES (?, ?, ?, ?, ?)
				ON CONFLICT(member_id, list_key) DO UPDATE SET
					remote_index = excluded.remote_index,
					fingerprint  = excluded.fingerprint,
					is_backfill  = excluded.is_backfill
			`, memberID, p.ListKey, *p.RemoteIndex, p.Fingerprint, boolToInt(p.IsBackfill))
			if err != nil {
				return fmt.Errorf("commit position %s/%s: %w", memberID, p.ListKey, err)
			}
		}

		for _, p := range updates {
			_, err := tx.ExecContext(ctx, `
				UPDATE list_positions SET fingerprint = ?
				WHERE member_id = ? AND list_key = ?
			`, p.Fingerprint, memberID, p.ListKey)
			if err != nil {
				return fmt.Errorf("update position %s/%s: %w", memberID, p.ListKey, err)
			}
		}

		// Soft-closed entries lose their tracking row so a later
		// reappearance is a fresh addition at a new index.
		for _, key := range removeKeys {
			_, err := tx.ExecContext(ctx,
				`DELETE FROM list_positions WHERE member_id = ? AND list_key = ?`,
				memberID, key)
			if err != nil {
				return fmt.Errorf("delete position %s/%s: %w", memberID, key, err)
			}
		}
		return nil
	})
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
