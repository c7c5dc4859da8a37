// Package remote defines the boundary to the downstream profile store.
// The engine drives these interfaces but performs no network I/O
// itself; implementations own transport, authentication, and paging.
package remote

import (
	"context"
	"time"

	"github.com/quorumtools/rostersync/internal/member"
)

// Contact is the downstream system's view of one member after field
// translation: tracked-field string values keyed by our field names,
// plus the downstream modification timestamps.
type Contact struct {
	RemoteID   int64
	MemberID   string // stable external identity, empty if untagged
	ModifiedAt time.Time
	Fields     map[string]string
	// FieldModifiedAt carries per-field timestamps where the
	// downstream system exposes them; fields without an entry fall
	// back to no recorded history.
	FieldModifiedAt map[string]time.Time
}

// RoleItem is one entry of the downstream ordered role-history array.
// Items are only ever appended or mutated in place, never spliced out:
// positions are referenced elsewhere by index.
type RoleItem struct {
	Group     string `yaml:"group"`
	Role      string `yaml:"role"`
	Active    bool   `yaml:"active"`
	StartDate string `yaml:"start_date,omitempty"` // ISO date, empty when unknown or backfilled
	EndDate   string `yaml:"end_date,omitempty"`   // ISO date, set when soft-closed
}

// Upstream supplies the authoritative member roster, one full or
// partial snapshot per call.
type Upstream interface {
	Snapshot(ctx context.Context) ([]member.Record, error)
}

// Downstream is the profile-store API surface the sync engine drives.
//
// All write methods are expected to be idempotent for identical
// payloads; the engine may retry after partial failure.
type Downstream interface {
	// FetchContact reads the current downstream record by remote ID.
	// Returns a *Error with StatusNotFound when the record no longer
	// exists (e.g. manual deletion).
	FetchContact(ctx context.Context, remoteID int64) (*Contact, error)

	// CreateContact creates a new downstream record tagged with the
	// member's stable external identity and returns its remote ID.
	CreateContact(ctx context.Context, memberID string, fields map[string]string) (int64, error)

	// UpdateContact overwrites the given tracked fields on an
	// existing downstream record.
	UpdateContact(ctx context.Context, remoteID int64, fields map[string]string) error

	// ModifiedSince returns one page of downstream records modified
	// after the given instant, ordered by remote ID, starting at
	// offset. A page shorter than limit marks the end of the result
	// set. limit <= 0 means no page bound.
	ModifiedSince(ctx context.Context, since time.Time, offset, limit int) ([]Contact, error)

	// FetchRoleList reads the full ordered role-history array.
	FetchRoleList(ctx context.Context, remoteID int64) ([]RoleItem, error)

	// WriteRoleList writes the full reconciled role-history array back
	// as one field update.
	WriteRoleList(ctx context.Context, remoteID int64, items []RoleItem) error
}
