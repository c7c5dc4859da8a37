// Package harness executes YAML sync scenarios against a real state
// database and an in-memory downstream store, producing a
// deterministic text trace for golden-file comparison.
//
// Determinism comes from a fixed scenario clock (advanced only by
// explicit step directives), sequential run tokens, and sorted
// rendering of all unordered collections. Traces deliberately contain
// no content hashes or absolute timestamps.
package harness

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/quorumtools/rostersync/internal/engine"
	"github.com/quorumtools/rostersync/internal/listsync"
	"github.com/quorumtools/rostersync/internal/member"
	"github.com/quorumtools/rostersync/internal/store"
	"github.com/quorumtools/rostersync/internal/testutil"
)

// BaseTime is the scenario clock origin.
var BaseTime = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

// Result carries the rendered trace of one scenario run.
type Result struct {
	Trace []byte
}

// Run executes a scenario in dir (which receives the SQLite state
// database) and renders its trace.
func Run(scenario *Scenario, dir string) (*Result, error) {
	st, err := store.Open(filepath.Join(dir, "state.db"))
	if err != nil {
		return nil, err
	}
	defer st.Close()

	fields := member.DefaultFieldSet()
	if len(scenario.Fields) > 0 {
		fields = &member.FieldSet{Version: 1, Fields: scenario.Fields}
	}

	now := BaseTime
	runSeq := 0
	fake := testutil.NewFakeDownstream()
	fake.Now = func() time.Time { return now }

	eng := engine.New(st, fields, fake,
		engine.WithNow(func() time.Time { return now }),
		engine.WithSleep(func(context.Context, time.Duration) error { return nil }),
		engine.WithRunID(func() string {
			runSeq++
			return fmt.Sprintf("run-%04d", runSeq)
		}),
	)

	ctx := context.Background()
	var trace strings.Builder
	fmt.Fprintf(&trace, "scenario: %s\n", scenario.Name)

	members := map[string]bool{}

	for i, step := range scenario.Steps {
		if step.Advance != "" {
			d, err := time.ParseDuration(step.Advance)
			if err != nil {
				return nil, fmt.Errorf("steps[%d]: bad advance %q: %w", i, step.Advance, err)
			}
			now = now.Add(d)
		}

		switch {
		case step.Forward != nil:
			noteMembers(members, step.Forward.Snapshot)
			sum, err := eng.SyncForward(ctx, step.Forward.Snapshot, engine.ForwardOptions{
				ForceAll:    step.Forward.Force,
				SweepFormer: !step.Forward.Partial,
			})
			if err != nil {
				return nil, fmt.Errorf("steps[%d] forward: %w", i, err)
			}
			fmt.Fprintf(&trace, "step %d forward: observed=%d created=%d updated=%d skipped=%d former=%d conflicts=%d failed=%d\n",
				i, sum.Observed, sum.Created, sum.Updated, sum.Skipped, sum.Former, sum.Conflicts, sum.Failed)
			for _, e := range sum.Errors {
				fmt.Fprintf(&trace, "  error code=%s member=%s\n", e.Code, e.MemberID)
			}

		case step.Lists != nil:
			noteMembers(members, step.Lists.Snapshot)
			sum, err := eng.SyncLists(ctx, step.Lists.Snapshot, listsync.Options{
				ForceRefresh: step.Lists.Force,
				Backfill:     step.Lists.Backfill,
			})
			if err != nil {
				return nil, fmt.Errorf("steps[%d] lists: %w", i, err)
			}
			fmt.Fprintf(&trace, "step %d lists: entities=%d additions=%d closures=%d updates=%d failed=%d\n",
				i, sum.Entities, sum.Additions, sum.Closures, sum.Updates, sum.Failed)
			for _, e := range sum.Errors {
				fmt.Fprintf(&trace, "  error code=%s member=%s\n", e.Code, e.MemberID)
			}

		case step.Detect != nil:
			changes, err := eng.DetectReverse(ctx)
			if err != nil {
				return nil, fmt.Errorf("steps[%d] detect: %w", i, err)
			}
			sort.Slice(changes, func(a, b int) bool {
				if changes[a].MemberID != changes[b].MemberID {
					return changes[a].MemberID < changes[b].MemberID
				}
				return changes[a].Field < changes[b].Field
			})
			fmt.Fprintf(&trace, "step %d detect: changes=%d\n", i, len(changes))
			for _, c := range changes {
				fmt.Fprintf(&trace, "  change member=%s field=%s old=%q new=%q\n",
					c.MemberID, c.Field, c.OldValue, c.NewValue)
			}

		case step.Edit != nil:
			if err := applyEdit(ctx, st, fake, step.Edit, now); err != nil {
				return nil, fmt.Errorf("steps[%d] edit: %w", i, err)
			}
			fmt.Fprintf(&trace, "step %d edit: member=%s\n", i, step.Edit.MemberID)
		}
	}

	if err := renderDownstream(&trace, fake); err != nil {
		return nil, err
	}
	if err := renderConflicts(ctx, &trace, st, members); err != nil {
		return nil, err
	}
	return &Result{Trace: []byte(trace.String())}, nil
}

func noteMembers(seen map[string]bool, recs []member.Record) {
	for _, r := range recs {
		if r.MemberID != "" {
			seen[r.MemberID] = true
		}
	}
}

// applyEdit merges fields into the member's downstream contact and
// stamps them with the scenario clock, the way a human edit in the
// downstream UI would.
func applyEdit(ctx context.Context, st *store.Store, fake *testutil.FakeDownstream, edit *EditStep, at time.Time) error {
	ent, err := st.GetEntity(ctx, edit.MemberID)
	if err != nil {
		return err
	}
	if ent.RemoteID == nil {
		return fmt.Errorf("member %s has no downstream record", edit.MemberID)
	}
	contact := fake.Contact(*ent.RemoteID)
	if contact == nil {
		return fmt.Errorf("downstream contact %d missing", *ent.RemoteID)
	}

	stamps := contact.FieldModifiedAt
	if stamps == nil {
		stamps = map[string]time.Time{}
	}
	for k, v := range edit.Fields {
		contact.Fields[k] = v
		stamps[k] = at
	}
	fake.Seed(testutil.StoredContact{
		RemoteID:        contact.RemoteID,
		MemberID:        contact.MemberID,
		ModifiedAt:      at,
		Fields:          contact.Fields,
		FieldModifiedAt: stamps,
		Roles:           contact.Roles,
	})
	return nil
}

func renderDownstream(trace *strings.Builder, fake *testutil.FakeDownstream) error {
	contacts, err := fake.ModifiedSince(context.Background(), time.Time{}, 0, 0)
	if err != nil {
		return err
	}

	fmt.Fprintln(trace, "downstream:")
	for _, c := range contacts {
		fmt.Fprintf(trace, "  contact %d member=%s\n", c.RemoteID, c.MemberID)
		keys := make([]string, 0, len(c.Fields))
		for k := range c.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(trace, "    %s=%q\n", k, c.Fields[k])
		}
		stored := fake.Contact(c.RemoteID)
		for _, r := range stored.Roles {
			fmt.Fprintf(trace, "    role group=%s role=%s active=%t start=%q end=%q\n",
				r.Group, r.Role, r.Active, r.StartDate, r.EndDate)
		}
	}
	return nil
}

func renderConflicts(ctx context.Context, trace *strings.Builder, st *store.Store, members map[string]bool) error {
	ids := make([]string, 0, len(members))
	for id := range members {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var rows []store.ConflictRow
	for _, id := range ids {
		got, err := st.Conflicts(ctx, id)
		if err != nil {
			return err
		}
		rows = append(rows, got...)
	}

	fmt.Fprintf(trace, "conflicts: %d\n", len(rows))
	for _, r := range rows {
		fmt.Fprintf(trace, "  member=%s field=%s winner=%s reason=%s\n",
			r.MemberID, r.Field, r.Winner, r.Reason)
	}
	return nil
}
