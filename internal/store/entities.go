package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Mutation origins recorded on an entity. Reverse detection uses the
// origin to suppress our own forward writes from being reported as
// downstream edits.
const (
	OriginForwardSync = "forward_sync"
	OriginExternal    = "external"
)

// Entity is one tracked member row.
//
// An entity is dirty iff SourceFingerprint differs from
// LastSyncedFingerprint, including the case where the latter is empty
// (never synced, or remote reported missing).
type Entity struct {
	MemberID              string
	Payload               string // canonical JSON of tracked fields
	SourceFingerprint     string
	LastSyncedFingerprint string // empty = absent
	RemoteID              *int64 // nil until first successful create
	MutationOrigin        string
	MirrorFingerprint     string
	IsFormer              bool
	LastSeenAt            time.Time
	LastSyncedAt          *time.Time
}

// Dirty reports whether the entity needs a sync pass.
func (e *Entity) Dirty() bool {
	return e.LastSyncedFingerprint == "" || e.LastSyncedFingerprint != e.SourceFingerprint
}

// FieldStamp holds the two per-field last-modified timestamps.
// A nil timestamp means no recorded history before tracking began and
// is treated as infinitely old, never as "now".
type FieldStamp struct {
	Upstream   *time.Time
	Downstream *time.Time
}

// ObservedUpsert is one entity update derived from a snapshot pass.
// StampUpstream lists the tracked fields whose value changed relative
// to the previously stored payload; their upstream timestamps are set
// to ObservedAt in the same transaction as the payload write.
type ObservedUpsert struct {
	Entity        Entity
	StampUpstream []string
	ObservedAt    time.Time
}

// ApplySnapshot applies one snapshot ingestion as a single transaction:
// all observed upserts plus marking disappeared entities as former.
// Never touches last_synced_fingerprint or remote identity.
func (s *Store) ApplySnapshot(ctx context.Context, ups []ObservedUpsert, former []string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, up := range ups {
			e := up.Entity
			_, err := tx.ExecContext(ctx, `
				INSERT INTO entities (member_id, payload, source_fingerprint, last_seen_at)
				VALUES (?, ?, ?, ?)
				ON CONFLICT(member_id) DO UPDATE SET
					payload            = excluded.payload,
					source_fingerprint = excluded.source_fingerprint,
					last_seen_at       = excluded.last_seen_at,
					is_former          = 0
			`, e.MemberID, e.Payload, e.SourceFingerprint, fmtTime(up.ObservedAt))
			if err != nil {
				return fmt.Errorf("upsert entity %s: %w", e.MemberID, err)
			}

			for _, field := range up.StampUpstream {
				_, err := tx.ExecContext(ctx, `
					INSERT INTO field_timestamps (member_id, field, upstream_modified_at)
					VALUES (?, ?, ?)
					ON CONFLICT(member_id, field) DO UPDATE SET
						upstream_modified_at = excluded.upstream_modified_at
				`, e.MemberID, field, fmtTime(up.ObservedAt))
				if err != nil {
					return fmt.Errorf("stamp upstream %s.%s: %w", e.MemberID, field, err)
				}
			}
		}

		for _, id := range former {
			if _, err := tx.ExecContext(ctx,
				`UPDATE entities SET is_former = 1 WHERE member_id = ?`, id); err != nil {
				return fmt.Errorf("mark former %s: %w", id, err)
			}
		}
		return nil
	})
}

const entityColumns = `member_id, payload, source_fingerprint, last_synced_fingerprint,
	remote_id, mutation_origin, mirror_fingerprint, is_former, last_seen_at, last_synced_at`

// GetEntity returns one entity by member ID.
// Returns ErrNotFound if the entity is not tracked.
func (s *Store) GetEntity(ctx context.Context, memberID string) (*Entity, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+entityColumns+` FROM entities WHERE member_id = ?`, memberID)
	e, err := scanEntity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("entity %s: %w", memberID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return e, nil
}

// ListDirty returns entities needing a sync pass, ordered by member ID
// for reproducible batch ordering. With all=true the dirty filter is
// bypassed and every non-former entity is returned (full resync).
func (s *Store) ListDirty(ctx context.Context, all bool) ([]Entity, error) {
	query := `SELECT ` + entityColumns + ` FROM entities WHERE is_former = 0`
	if !all {
		query += ` AND (last_synced_fingerprint IS NULL OR last_synced_fingerprint != source_fingerprint)`
	}
	query += ` ORDER BY member_id ASC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query dirty entities: %w", err)
	}
	defer rows.Close()

	var entities []Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		entities = append(entities, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dirty entities: %w", err)
	}

	if entities == nil {
		entities = []Entity{}
	}
	return entities, nil
}

// MarkSynced records a confirmed downstream write as one transaction:
// last synced fingerprint, remote identity, mirror values, mirror
// fingerprint, and the forward-sync mutation origin.
//
// Idempotent: repeating the call with the same fingerprint rewrites the
// same values and is a safe no-op.
func (s *Store) MarkSynced(ctx context.Context, memberID, fingerprint string, remoteID int64, mirror map[string]string, mirrorFP string, at time.Time) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE entities SET
				last_synced_fingerprint = ?,
				remote_id               = ?,
				mutation_origin         = ?,
				mirror_fingerprint      = ?,
				last_synced_at          = ?
			WHERE member_id = ?
		`, fingerprint, remoteID, OriginForwardSync, mirrorFP, fmtTime(at), memberID)
		if err != nil {
			return fmt.Errorf("mark synced %s: %w", memberID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("mark synced %s: rows affected: %w", memberID, err)
		}
		if n == 0 {
			return fmt.Errorf("mark synced %s: %w", memberID, ErrNotFound)
		}

		return replaceMirror(ctx, tx, memberID, mirror)
	})
}

// MarkRemoteMissing clears the synced fingerprint and remote identity
// so the entity takes the create path on its next pass. Used only when
// the downstream system reports the record gone, never on transient
// write failures.
func (s *Store) MarkRemoteMissing(ctx context.Context, memberID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE entities SET last_synced_fingerprint = NULL, remote_id = NULL
		WHERE member_id = ?
	`, memberID)
	if err != nil {
		return fmt.Errorf("mark remote missing %s: %w", memberID, err)
	}
	return nil
}

// SetMutationOrigin updates the entity's recorded mutation origin.
func (s *Store) SetMutationOrigin(ctx context.Context, memberID, origin string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE entities SET mutation_origin = ? WHERE member_id = ?`, origin, memberID)
	if err != nil {
		return fmt.Errorf("set mutation origin %s: %w", memberID, err)
	}
	return nil
}

// Mirror returns the last known downstream values per tracked field.
func (s *Store) Mirror(ctx context.Context, memberID string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT field, value FROM mirror_fields WHERE member_id = ?`, memberID)
	if err != nil {
		return nil, fmt.Errorf("query mirror %s: %w", memberID, err)
	}
	defer rows.Close()

	mirror := make(map[string]string)
	for rows.Next() {
		var field, value string
		if err := rows.Scan(&field, &value); err != nil {
			return nil, fmt.Errorf("scan mirror %s: %w", memberID, err)
		}
		mirror[field] = value
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate mirror %s: %w", memberID, err)
	}
	return mirror, nil
}

// FieldTimes returns per-field modification timestamps for an entity.
// Fields with no row have no recorded history on either side.
func (s *Store) FieldTimes(ctx context.Context, memberID string) (map[string]FieldStamp, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT field, upstream_modified_at, downstream_modified_at
		FROM field_timestamps WHERE member_id = ?
	`, memberID)
	if err != nil {
		return nil, fmt.Errorf("query field times %s: %w", memberID, err)
	}
	defer rows.Close()

	stamps := make(map[string]FieldStamp)
	for rows.Next() {
		var field string
		var up, down sql.NullString
		if err := rows.Scan(&field, &up, &down); err != nil {
			return nil, fmt.Errorf("scan field times %s: %w", memberID, err)
		}
		upT, err := parseNullTime(up)
		if err != nil {
			return nil, err
		}
		downT, err := parseNullTime(down)
		if err != nil {
			return nil, err
		}
		stamps[field] = FieldStamp{Upstream: upT, Downstream: downT}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate field times %s: %w", memberID, err)
	}
	return stamps, nil
}

func replaceMirror(ctx context.Context, tx *sql.Tx, memberID string, mirror map[string]string) error {
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM mirror_fields WHERE member_id = ?`, memberID); err != nil {
		return fmt.Errorf("clear mirror %s: %w", memberID, err)
	}
	for field, value := range mirror {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO mirror_fields (member_id, field, value) VALUES (?, ?, ?)
		`, memberID, field, value); err != nil {
			return fmt.Errorf("write mirror %s.%s: %w", memberID, field, err)
		}
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntity(row rowScanner) (*Entity, error) {
	var e Entity
	var lastSynced sql.NullString
	var remoteID sql.NullInt64
	var isFormer int
	var lastSeen string
	var lastSyncedAt sql.NullString

	err := row.Scan(&e.MemberID, &e.Payload, &e.SourceFingerprint, &lastSynced,
		&remoteID, &e.MutationOrigin, &e.MirrorFingerprint, &isFormer, &lastSeen, &lastSyncedAt)
	if err != nil {
		return nil, err
	}

	if lastSynced.Valid {
		e.LastSyncedFingerprint = lastSynced.String
	}
	if remoteID.Valid {
		id := remoteID.Int64
		e.RemoteID = &id
	}
	e.IsFormer = isFormer != 0

	if e.LastSeenAt, err = parseTime(lastSeen); err != nil {
		return nil, err
	}
	if e.LastSyncedAt, err = parseNullTime(lastSyncedAt); err != nil {
		return nil, err
	}
	return &e, nil
}
