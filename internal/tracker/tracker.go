// Package tracker maintains per-entity sync state: the current content
// fingerprint, the fingerprint last confirmed written downstream, and
// the timestamps that drive the "which entities need a sync pass"
// decision.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/quorumtools/rostersync/internal/canon"
	"github.com/quorumtools/rostersync/internal/member"
	"github.com/quorumtools/rostersync/internal/store"
)

// SyncPolicy carries run-wide sync options. Passed down explicitly
// instead of threading force booleans through call sites.
type SyncPolicy struct {
	// ForceAll bypasses the dirty filter: every tracked entity is
	// returned for a full resync pass.
	ForceAll bool
}

// Tracker implements sync-state bookkeeping over the store.
type Tracker struct {
	store  *store.Store
	fields *member.FieldSet
	now    func() time.Time
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithNow overrides the wall clock. Used in tests.
func WithNow(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// New creates a Tracker over the given store and tracked field set.
func New(s *store.Store, fields *member.FieldSet, opts ...Option) *Tracker {
	t := &Tracker{
		store:  s,
		fields: fields,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// SnapshotStats summarizes one snapshot ingestion.
type SnapshotStats struct {
	Observed int
	Former   int
}

// IngestSnapshot records one upstream snapshot pass as a single
// transaction: payloads, fingerprints, last_seen_at, and upstream
// field-timestamp stamps for fields whose value actually changed.
//
// Never touches last_synced_fingerprint or remote identity, so the
// dirty computation stays a pure fingerprint comparison.
//
// With sweepFormer=true (full snapshots) tracked entities absent from
// the snapshot are marked former rather than deleted; reappearance is
// then an ordinary dirty-fingerprint update, not a fresh create.
func (t *Tracker) IngestSnapshot(ctx context.Context, recs []member.Record, sweepFormer bool) (SnapshotStats, error) {
	observedAt := t.now()

	seen := make(map[string]bool, len(recs))
	ups := make([]store.ObservedUpsert, 0, len(recs))
	for i := range recs {
		rec := &recs[i]
		up, err := t.observe(ctx, rec, observedAt)
		if err != nil {
			return SnapshotStats{}, err
		}
		ups = append(ups, up)
		seen[rec.MemberID] = true
	}

	var former []string
	if sweepFormer {
		known, err := t.store.ListDirty(ctx, true)
		if err != nil {
			return SnapshotStats{}, fmt.Errorf("list known entities: %w", err)
		}
		for _, e := range known {
			if !seen[e.MemberID] {
				former = append(former, e.MemberID)
			}
		}
	}

	if err := t.store.ApplySnapshot(ctx, ups, former); err != nil {
		return SnapshotStats{}, err
	}
	return SnapshotStats{Observed: len(ups), Former: len(former)}, nil
}

// UpsertObserved records a single observed record. Recomputes the
// fingerprint and overwrites payload and last_seen_at; never touches
// last_synced_fingerprint.
func (t *Tracker) UpsertObserved(ctx context.Context, rec *member.Record) error {
	up, err := t.observe(ctx, rec, t.now())
	if err != nil {
		return err
	}
	return t.store.ApplySnapshot(ctx, []store.ObservedUpsert{up}, nil)
}

// observe builds the ObservedUpsert for one record, diffing against
// the previously stored payload to decide which upstream field
// timestamps to stamp. First observation stamps nothing: absence of
// history is treated as infinitely old, never as "now".
func (t *Tracker) observe(ctx context.Context, rec *member.Record, observedAt time.Time) (store.ObservedUpsert, error) {
	payload := rec.Payload(t.fields)
	payloadJSON, err := canon.Marshal(payload)
	if err != nil {
		return store.ObservedUpsert{}, fmt.Errorf("canonicalize %s: %w", rec.MemberID, err)
	}
	fp, err := canon.Fingerprint(rec.MemberID, payload)
	if err != nil {
		return store.ObservedUpsert{}, err
	}

	var stamp []string
	prev, err := t.store.GetEntity(ctx, rec.MemberID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		// First observation: no history stamps.
	case err != nil:
		return store.ObservedUpsert{}, err
	default:
		stamp, err = t.changedFields(rec, prev)
		if err != nil {
			return store.ObservedUpsert{}, err
		}
	}

	return store.ObservedUpsert{
		Entity: store.Entity{
			MemberID:          rec.MemberID,
			Payload:           string(payloadJSON),
			SourceFingerprint: fp,
		},
		StampUpstream: stamp,
		ObservedAt:    observedAt,
	}, nil
}

func (t *Tracker) changedFields(rec *member.Record, prev *store.Entity) ([]string, error) {
	prevValues, err := member.FieldValuesFromPayload(prev.Payload, t.fields)
	if err != nil {
		return nil, fmt.Errorf("parse previous payload %s: %w", rec.MemberID, err)
	}
	newValues, err := rec.FieldValues(t.fields)
	if err != nil {
		return nil, err
	}

	var changed []string
	for _, f := range t.fields.Fields {
		if prevValues[f] != newValues[f] {
			changed = append(changed, f)
		}
	}
	return changed, nil
}

// EntitiesNeedingSync returns entities whose fingerprint differs from
// the last synced fingerprint (or that were never synced), ordered by
// member ID. Under ForceAll every non-former entity is returned without
// any special-casing downstream.
func (t *Tracker) EntitiesNeedingSync(ctx context.Context, policy SyncPolicy) ([]store.Entity, error) {
	return t.store.ListDirty(ctx, policy.ForceAll)
}

// MarkSynced records a confirmed downstream write. Idempotent: calling
// again with the same fingerprint is a no-op in effect.
func (t *Tracker) MarkSynced(ctx context.Context, memberID, fingerprint string, remoteID int64, mirror map[string]string) error {
	mirrorFP, err := canon.MirrorFingerprint(memberID, mirror)
	if err != nil {
		return err
	}
	return t.store.MarkSynced(ctx, memberID, fingerprint, remoteID, mirror, mirrorFP, t.now())
}

// MarkRemoteMissing clears synced state so the entity is recreated on
// its next pass. Only for a downstream "does not exist" report, never
// for transient write failures.
func (t *Tracker) MarkRemoteMissing(ctx context.Context, memberID string) error {
	return t.store.MarkRemoteMissing(ctx, memberID)
}

// Get returns one tracked entity.
func (t *Tracker) Get(ctx context.Context, memberID string) (*store.Entity, error) {
	return t.store.GetEntity(ctx, memberID)
}
