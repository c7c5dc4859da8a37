// Package reverse discovers downstream human edits made since the last
// detection pass and records them as per-field change entries for a
// separate reverse-sync consumer.
package reverse

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/quorumtools/rostersync/internal/canon"
	"github.com/quorumtools/rostersync/internal/member"
	"github.com/quorumtools/rostersync/internal/remote"
	"github.com/quorumtools/rostersync/internal/store"
)

// FetchFunc returns downstream records modified after since. The caller
// owns pagination and transport; the detector never performs I/O
// beyond invoking this.
type FetchFunc func(ctx context.Context, since time.Time) ([]remote.Contact, error)

// Detector implements reverse change detection over the store.
type Detector struct {
	store  *store.Store
	fields *member.FieldSet
	now    func() time.Time
	runID  func() string
}

// Option configures a Detector.
type Option func(*Detector)

// WithNow overrides the wall clock. Used in tests.
func WithNow(now func() time.Time) Option {
	return func(d *Detector) { d.now = now }
}

// WithRunID overrides detection-run ID generation. Used in tests.
func WithRunID(gen func() string) Option {
	return func(d *Detector) { d.runID = gen }
}

// New creates a Detector.
func New(s *store.Store, fields *member.FieldSet, opts ...Option) *Detector {
	d := &Detector{
		store:  s,
		fields: fields,
		now:    time.Now,
		runID:  func() string { return uuid.Must(uuid.NewV7()).String() },
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Detect runs one detection pass and returns the change records it
// appended.
//
// The checkpoint is advanced exactly once, after processing completes,
// to the wall-clock time at invocation START: edits racing the fetch
// window are re-examined next pass instead of being missed, and the
// mirror comparison makes that re-examination a no-op.
func (d *Detector) Detect(ctx context.Context, fetch FetchFunc) ([]store.ChangeRow, error) {
	startedAt := d.now()
	runID := d.runID()

	since, ok, err := d.store.Checkpoint(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		// First pass: nothing before tracking began counts as an edit.
		since = time.Time{}
	}

	contacts, err := fetch(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("fetch modified since %s: %w", since.Format(time.RFC3339), err)
	}

	slog.Debug("reverse detection pass",
		"run_id", runID,
		"since", since,
		"fetched", len(contacts),
	)

	var detected []store.ChangeRow
	for i := range contacts {
		rows, err := d.detectContact(ctx, &contacts[i], runID)
		if err != nil {
			return nil, err
		}
		detected = append(detected, rows...)
	}

	if err := d.store.SetCheckpoint(ctx, startedAt); err != nil {
		return nil, err
	}

	slog.Info("reverse detection complete",
		"run_id", runID,
		"fetched", len(contacts),
		"changes", len(detected),
	)
	return detected, nil
}

func (d *Detector) detectContact(ctx context.Context, c *remote.Contact, runID string) ([]store.ChangeRow, error) {
	if c.MemberID == "" {
		return nil, nil
	}

	entity, err := d.store.GetEntity(ctx, c.MemberID)
	if errors.Is(err, store.ErrNotFound) {
		// Reverse detection only tracks entities the forward sync
		// already knows about; unknown records are never created here.
		slog.Debug("skipping unknown downstream record",
			"member_id", c.MemberID, "remote_id", c.RemoteID)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if entity.MutationOrigin == store.OriginForwardSync {
		// The downstream edit is our own last forward write, not a
		// human edit. Reporting it would feed the change back upstream
		// in a loop. Consume the suppression so the next genuine edit
		// is detected normally.
		slog.Debug("suppressing self-write",
			"member_id", c.MemberID, "remote_id", c.RemoteID)
		if err := d.store.SetMutationOrigin(ctx, c.MemberID, store.OriginExternal); err != nil {
			return nil, err
		}
		return nil, nil
	}

	tracked := make(map[string]string, len(d.fields.Fields))
	for _, f := range d.fields.Fields {
		tracked[f] = c.Fields[f]
	}

	fp, err := canon.MirrorFingerprint(c.MemberID, tracked)
	if err != nil {
		return nil, err
	}
	if fp == entity.MirrorFingerprint {
		// Downstream timestamp moved but tracked content did not.
		return nil, nil
	}

	mirror, err := d.store.Mirror(ctx, c.MemberID)
	if err != nil {
		return nil, err
	}

	// One change row per field that actually differs, never per entity.
	var rows []store.ChangeRow
	for _, f := range d.fields.Fields {
		if tracked[f] == mirror[f] {
			continue
		}
		rows = append(rows, store.ChangeRow{
			MemberID:     c.MemberID,
			Field:        f,
			OldValue:     mirror[f],
			NewValue:     tracked[f],
			DownstreamAt: fieldModifiedAt(c, f),
			RunID:        runID,
		})
	}
	if len(rows) == 0 {
		return nil, nil
	}

	if err := d.store.RecordDownstreamChanges(ctx, c.MemberID, rows, tracked, fp); err != nil {
		return nil, err
	}
	return rows, nil
}

func fieldModifiedAt(c *remote.Contact, field string) time.Time {
	if at, ok := c.FieldModifiedAt[field]; ok {
		return at
	}
	return c.ModifiedAt
}
