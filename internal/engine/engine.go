package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/quorumtools/rostersync/internal/listsync"
	"github.com/quorumtools/rostersync/internal/member"
	"github.com/quorumtools/rostersync/internal/remote"
	"github.com/quorumtools/rostersync/internal/resolver"
	"github.com/quorumtools/rostersync/internal/reverse"
	"github.com/quorumtools/rostersync/internal/store"
	"github.com/quorumtools/rostersync/internal/tracker"
)

// Engine orchestrates the three sync passes over one store and one
// downstream profile API: forward record sync, role-list
// reconciliation, and reverse change detection.
//
// ERROR HANDLING: entity failures are classified, logged, collected on
// the run summary, and the pass continues with the next entity. Only
// store-open-level failures and snapshot ingestion abort a run.
type Engine struct {
	store      *store.Store
	tracker    *tracker.Tracker
	lists      *listsync.Reconciler
	downstream remote.Downstream
	fields     *member.FieldSet

	grace time.Duration
	now   func() time.Time
	sleep sleepFunc
	runID func() string
	log   *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithGrace overrides the near-simultaneous-edit grace window used by
// per-field conflict resolution.
func WithGrace(grace time.Duration) Option {
	return func(e *Engine) { e.grace = grace }
}

// WithNow overrides the wall clock. Used in tests.
func WithNow(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithSleep overrides the retry backoff sleep. Used in tests.
func WithSleep(sleep sleepFunc) Option {
	return func(e *Engine) { e.sleep = sleep }
}

// WithRunID overrides run token generation. Used in tests.
func WithRunID(gen func() string) Option {
	return func(e *Engine) { e.runID = gen }
}

// WithLogger overrides the engine logger.
func WithLogger(log *slog.Logger) Option {
	return func(e *Engine) { e.log = log }
}

// New creates an Engine over the given store, tracked field set, and
// downstream API client.
func New(s *store.Store, fields *member.FieldSet, downstream remote.Downstream, opts ...Option) *Engine {
	e := &Engine{
		store:      s,
		downstream: downstream,
		fields:     fields,
		grace:      resolver.DefaultGrace,
		now:        time.Now,
		sleep:      defaultSleep,
		runID:      func() string { return uuid.Must(uuid.NewV7()).String() },
		log:        slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.tracker = tracker.New(s, fields, tracker.WithNow(e.now))
	e.lists = listsync.New(s, listsync.WithNow(e.now))
	return e
}

// ForwardOptions carries per-run forward sync policy.
type ForwardOptions struct {
	// ForceAll syncs every live entity regardless of dirty state.
	ForceAll bool
	// SweepFormer marks known entities absent from this snapshot as
	// former members. Off for partial snapshots.
	SweepFormer bool
}

// Summary is the outcome of one forward sync pass.
type Summary struct {
	RunID     string       `json:"run_id"`
	Observed  int          `json:"observed"`
	Former    int          `json:"former"`
	Created   int          `json:"created"`
	Updated   int          `json:"updated"`
	Skipped   int          `json:"skipped"`
	Failed    int          `json:"failed"`
	Conflicts int          `json:"conflicts"`
	Errors    []*SyncError `json:"errors,omitempty"`
}

// fail records one entity-scoped failure on the summary.
func (s *Summary) fail(err *SyncError) {
	s.Failed++
	s.Errors = append(s.Errors, err)
}

// SyncForward runs one forward pass: ingest the source snapshot, find
// entities whose content fingerprint moved, and push each to the
// downstream API. Per-field merge decides what is written when a
// tracked downstream record exists.
func (e *Engine) SyncForward(ctx context.Context, recs []member.Record, opts ForwardOptions) (*Summary, error) {
	sum := &Summary{RunID: e.runID()}
	log := e.log.With(slog.String("run_id", sum.RunID))
	log.Info("forward sync starting", slog.Int("records", len(recs)))

	valid := make([]member.Record, 0, len(recs))
	for i := range recs {
		if err := recs[i].Validate(); err != nil {
			syncErr := NewValidationError(recs[i].MemberID, err)
			log.Warn("record rejected", slog.String("member_id", recs[i].MemberID), slog.Any("error", err))
			sum.fail(syncErr)
			continue
		}
		valid = append(valid, recs[i])
	}

	stats, err := e.tracker.IngestSnapshot(ctx, valid, opts.SweepFormer)
	if err != nil {
		return sum, fmt.Errorf("ingest snapshot: %w", err)
	}
	sum.Observed = stats.Observed
	sum.Former = stats.Former

	dirty, err := e.tracker.EntitiesNeedingSync(ctx, tracker.SyncPolicy{ForceAll: opts.ForceAll})
	if err != nil {
		return sum, fmt.Errorf("list entities needing sync: %w", err)
	}
	sum.Skipped = stats.Observed - len(dirty)
	if sum.Skipped < 0 {
		sum.Skipped = 0
	}

	for i := range dirty {
		ent := &dirty[i]
		created, conflicts, err := e.syncEntity(ctx, ent)
		if err != nil {
			syncErr := classifyRemote(ent.MemberID, err)
			log.Error("entity sync failed",
				slog.String("member_id", ent.MemberID),
				slog.String("code", string(syncErr.Code)),
				slog.Any("error", err),
			)
			sum.fail(syncErr)
			continue
		}
		if created {
			sum.Created++
		} else {
			sum.Updated++
		}
		sum.Conflicts += conflicts
	}

	log.Info("forward sync finished",
		slog.Int("observed", sum.Observed),
		slog.Int("created", sum.Created),
		slog.Int("updated", sum.Updated),
		slog.Int("skipped", sum.Skipped),
		slog.Int("failed", sum.Failed),
		slog.Int("conflicts", sum.Conflicts),
	)
	return sum, nil
}

// syncEntity pushes one dirty entity downstream. Returns whether the
// downstream record was created (vs updated) and how many genuine
// conflicts were audited.
func (e *Engine) syncEntity(ctx context.Context, ent *store.Entity) (created bool, conflicts int, err error) {
	upstream, err := member.FieldValuesFromPayload(ent.Payload, e.fields)
	if err != nil {
		return false, 0, fmt.Errorf("decode payload %s: %w", ent.MemberID, err)
	}

	if ent.RemoteID == nil {
		return true, 0, e.createEntity(ctx, ent, upstream)
	}
	return e.updateEntity(ctx, ent, upstream)
}

// createEntity handles the no-tracked-remote path: create downstream,
// then record the synced state as one transaction.
func (e *Engine) createEntity(ctx context.Context, ent *store.Entity, upstream map[string]string) error {
	var remoteID int64
	err := e.withRetry(ctx, "create_contact", func() error {
		var cerr error
		remoteID, cerr = e.downstream.CreateContact(ctx, ent.MemberID, upstream)
		return cerr
	})
	if err != nil {
		return err
	}

	e.log.Info("downstream record created",
		slog.String("member_id", ent.MemberID),
		slog.Int64("remote_id", remoteID),
	)
	return e.tracker.MarkSynced(ctx, ent.MemberID, ent.SourceFingerprint, remoteID, upstream)
}

// updateEntity handles the tracked-remote path: fetch current
// downstream state, merge per field, write only the fields upstream
// wins, and audit genuine conflicts.
//
// A downstream record that vanished (manual deletion) clears the
// tracked remote state and falls through to the create path in the
// same pass.
func (e *Engine) updateEntity(ctx context.Context, ent *store.Entity, upstream map[string]string) (created bool, conflicts int, err error) {
	var contact *remote.Contact
	err = e.withRetry(ctx, "fetch_contact", func() error {
		var ferr error
		contact, ferr = e.downstream.FetchContact(ctx, *ent.RemoteID)
		return ferr
	})
	if remote.IsNotFound(err) {
		e.log.Warn("downstream record missing, recreating",
			slog.String("member_id", ent.MemberID),
			slog.Int64("remote_id", *ent.RemoteID),
		)
		if merr := e.tracker.MarkRemoteMissing(ctx, ent.MemberID); merr != nil {
			return false, 0, merr
		}
		return true, 0, e.createEntity(ctx, ent, upstream)
	}
	if err != nil {
		return false, 0, err
	}

	stamps, err := e.store.FieldTimes(ctx, ent.MemberID)
	if err != nil {
		return false, 0, err
	}
	times := make(map[string]resolver.FieldTimes, len(stamps))
	for field, st := range stamps {
		times[field] = resolver.FieldTimes{Upstream: st.Upstream, Downstream: st.Downstream}
	}

	result := resolver.Resolve(ent.MemberID, e.fields.Fields, upstream, contact.Fields, times, e.grace)

	// Only fields the upstream side wins are written; a downstream win
	// leaves the remote value in place and the reverse pass carries it
	// back. The mirror records the converged value either way.
	writes := make(map[string]string)
	mirror := make(map[string]string, len(result.Resolutions))
	for field, res := range result.Resolutions {
		mirror[field] = res.Value
		if res.Winner == resolver.WinnerUpstream && upstream[field] != contact.Fields[field] {
			writes[field] = res.Value
		}
	}

	if len(writes) > 0 {
		err = e.withRetry(ctx, "update_contact", func() error {
			return e.downstream.UpdateContact(ctx, *ent.RemoteID, writes)
		})
		if err != nil {
			return false, 0, err
		}
	}

	if len(result.Conflicts) > 0 {
		rows := make([]store.ConflictRow, 0, len(result.Conflicts))
		recordedAt := e.now().UTC()
		for _, c := range result.Conflicts {
			e.log.Warn("conflict resolved",
				slog.String("member_id", c.MemberID),
				slog.String("field", c.Field),
				slog.String("winner", string(c.Winner)),
				slog.String("reason", string(c.Reason)),
			)
			rows = append(rows, store.ConflictRow{
				MemberID:        c.MemberID,
				Field:           c.Field,
				UpstreamValue:   c.UpstreamValue,
				DownstreamValue: c.DownstreamValue,
				UpstreamAt:      c.UpstreamAt,
				DownstreamAt:    c.DownstreamAt,
				Winner:          string(c.Winner),
				Reason:          string(c.Reason),
				RecordedAt:      recordedAt,
			})
		}
		if aerr := e.store.AppendConflicts(ctx, rows); aerr != nil {
			return false, 0, aerr
		}
	}

	if err := e.tracker.MarkSynced(ctx, ent.MemberID, ent.SourceFingerprint, *ent.RemoteID, mirror); err != nil {
		return false, 0, err
	}
	return false, len(result.Conflicts), nil
}

// ListSummary is the outcome of one role-list reconciliation pass.
type ListSummary struct {
	RunID     string       `json:"run_id"`
	Entities  int          `json:"entities"`
	Additions int          `json:"additions"`
	Closures  int          `json:"closures"`
	Updates   int          `json:"updates"`
	Failed    int          `json:"failed"`
	Errors    []*SyncError `json:"errors,omitempty"`
}

// SyncLists reconciles each record's role assignments against the
// downstream ordered role-history array. Only entities with a tracked
// downstream record participate; run SyncForward first.
func (e *Engine) SyncLists(ctx context.Context, recs []member.Record, opts listsync.Options) (*ListSummary, error) {
	sum := &ListSummary{RunID: e.runID()}
	log := e.log.With(slog.String("run_id", sum.RunID))

	for i := range recs {
		rec := &recs[i]
		if err := e.syncEntityLists(ctx, rec, opts, sum); err != nil {
			syncErr := classifyRemote(rec.MemberID, err)
			log.Error("list sync failed",
				slog.String("member_id", rec.MemberID),
				slog.String("code", string(syncErr.Code)),
				slog.Any("error", err),
			)
			sum.Failed++
			sum.Errors = append(sum.Errors, syncErr)
		}
	}

	log.Info("list sync finished",
		slog.Int("entities", sum.Entities),
		slog.Int("additions", sum.Additions),
		slog.Int("closures", sum.Closures),
		slog.Int("updates", sum.Updates),
		slog.Int("failed", sum.Failed),
	)
	return sum, nil
}

func (e *Engine) syncEntityLists(ctx context.Context, rec *member.Record, opts listsync.Options, sum *ListSummary) error {
	ent, err := e.tracker.Get(ctx, rec.MemberID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	if ent.RemoteID == nil || ent.IsFormer {
		return nil
	}
	sum.Entities++

	var items []remote.RoleItem
	err = e.withRetry(ctx, "fetch_role_list", func() error {
		var ferr error
		items, ferr = e.downstream.FetchRoleList(ctx, *ent.RemoteID)
		return ferr
	})
	if err != nil {
		return err
	}

	plan, err := e.lists.Plan(ctx, rec.MemberID, rec.Roles, items, opts)
	if err != nil {
		return err
	}
	if plan.Empty() {
		return nil
	}

	// Remote write first, bookkeeping commit second. A crash between
	// the two retries the reconciliation instead of accepting an
	// unconfirmed index.
	err = e.withRetry(ctx, "write_role_list", func() error {
		return e.downstream.WriteRoleList(ctx, *ent.RemoteID, plan.Items)
	})
	if err != nil {
		return err
	}
	if err := e.lists.Commit(ctx, plan); err != nil {
		return err
	}

	sum.Additions += len(plan.Additions)
	sum.Closures += len(plan.Closures)
	sum.Updates += len(plan.Updates)
	return nil
}

// detectPageSize bounds one ModifiedSince page during reverse
// detection.
const detectPageSize = 200

// DetectReverse runs one reverse detection pass: fetch downstream
// records modified since the stored checkpoint and record per-field
// change audit rows for externally edited tracked entities.
func (e *Engine) DetectReverse(ctx context.Context) ([]store.ChangeRow, error) {
	det := reverse.New(e.store, e.fields,
		reverse.WithNow(e.now),
		reverse.WithRunID(e.runID),
	)
	return det.Detect(ctx, e.fetchModified)
}

// fetchModified drains every ModifiedSince page into one slice. A page
// shorter than detectPageSize ends the scan.
func (e *Engine) fetchModified(ctx context.Context, since time.Time) ([]remote.Contact, error) {
	var all []remote.Contact
	for offset := 0; ; offset += detectPageSize {
		var pg []remote.Contact
		err := e.withRetry(ctx, "modified_since", func() error {
			var ferr error
			pg, ferr = e.downstream.ModifiedSince(ctx, since, offset, detectPageSize)
			return ferr
		})
		if err != nil {
			return nil, err
		}
		all = append(all, pg...)
		if len(pg) < detectPageSize {
			return all, nil
		}
	}
}
