package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Checkpoint returns the reverse-detection checkpoint.
// ok=false means no detection pass has ever completed.
func (s *Store) Checkpoint(ctx context.Context) (since time.Time, ok bool, err error) {
	var raw string
	err = s.db.QueryRowContext(ctx,
		`SELECT detect_since FROM checkpoint WHERE id = 1`).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("read checkpoint: %w", err)
	}

	since, err = parseTime(raw)
	if err != nil {
		return time.Time{}, false, err
	}
	return since, true, nil
}

// SetCheckpoint persists the reverse-detection checkpoint.
// Called exactly once per detection pass, after processing completes.
func (s *Store) SetCheckpoint(ctx context.Context, since time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO checkpoint (id, detect_since) VALUES (1, ?)
		ON CONFLICT(id) DO UPDATE SET detect_since = excluded.detect_since
	`, fmtTime(since))
	if err != nil {
		return fmt.Errorf("set checkpoint: %w", err)
	}
	return nil
}
