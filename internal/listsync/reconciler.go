// Package listsync reconciles one entity's current role assignments
// against the downstream ordered role-history array.
//
// The remote array is position-addressed: entries are referenced
// elsewhere by index, so the array only ever grows. New memberships are
// appended, ended memberships are soft-closed in place (inactive plus
// an end date), and nothing is ever spliced out.
package listsync

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/quorumtools/rostersync/internal/canon"
	"github.com/quorumtools/rostersync/internal/member"
	"github.com/quorumtools/rostersync/internal/remote"
	"github.com/quorumtools/rostersync/internal/store"
)

// Options carries per-run reconciliation policy.
type Options struct {
	// ForceRefresh rewrites metadata on already-tracked unchanged
	// entries, used to propagate corrected role facts onto a position
	// without changing its add/remove status.
	ForceRefresh bool
	// Backfill marks an initial bulk load: positions are flagged and
	// no start date is stamped on appended items.
	Backfill bool
}

// Key builds the list-semantic key for a role assignment.
func Key(group, role string) string {
	return group + "|" + role
}

// Addition is one planned append to the remote array.
type Addition struct {
	ListKey string
	Index   int
	Item    remote.RoleItem
}

// Closure is one planned in-place soft-close.
type Closure struct {
	ListKey string
	Index   int
}

// Update is one planned in-place metadata refresh.
type Update struct {
	ListKey string
	Index   int
	Item    remote.RoleItem
}

// Plan is the computed reconciliation for one entity. Items holds the
// full post-reconciliation array to write downstream as one field
// update.
type Plan struct {
	MemberID  string
	Backfill  bool
	Additions []Addition
	Closures  []Closure
	Updates   []Update
	Items     []remote.RoleItem
}

// Empty reports whether the plan requires no remote write.
func (p *Plan) Empty() bool {
	return len(p.Additions) == 0 && len(p.Closures) == 0 && len(p.Updates) == 0
}

// Reconciler computes and commits list reconciliation plans.
type Reconciler struct {
	store *store.Store
	now   func() time.Time
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithNow overrides the wall clock. Used in tests.
func WithNow(now func() time.Time) Option {
	return func(r *Reconciler) { r.now = now }
}

// New creates a Reconciler over the given store.
func New(s *store.Store, opts ...Option) *Reconciler {
	r := &Reconciler{store: s, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Plan computes additions, soft-closures, and in-place updates for one
// entity given its current desired assignments and the fetched remote
// array. Only positions with a confirmed remote index count as
// tracked: a locally-recorded-but-unconfirmed entry is a candidate for
// addition, exactly like one never seen.
func (r *Reconciler) Plan(ctx context.Context, memberID string, current []member.RoleAssignment, remoteItems []remote.RoleItem, opts Options) (*Plan, error) {
	positions, err := r.store.PositionsFor(ctx, memberID)
	if err != nil {
		return nil, err
	}

	tracked := make(map[string]store.Position, len(positions))
	for _, p := range positions {
		if p.RemoteIndex != nil {
			tracked[p.ListKey] = p
		}
	}

	desired := make(map[string]member.RoleAssignment, len(current))
	var order []string
	for _, a := range current {
		key := Key(a.Group, a.Role)
		if _, dup := desired[key]; dup {
			continue
		}
		desired[key] = a
		order = append(order, key)
	}
	sort.Strings(order)

	plan := &Plan{
		MemberID: memberID,
		Backfill: opts.Backfill,
		Items:    append([]remote.RoleItem(nil), remoteItems...),
	}
	today := r.now().UTC().Format(time.DateOnly)

	// Additions: desired keys without a confirmed position. The append
	// index starts at the current remote length and grows within this
	// pass; mid-array insertion is never attempted.
	for _, key := range order {
		if _, ok := tracked[key]; ok {
			continue
		}
		a := desired[key]
		item := remote.RoleItem{
			Group:     a.Group,
			Role:      a.Role,
			Active:    true,
			StartDate: a.Since,
		}
		if item.StartDate == "" && !opts.Backfill {
			item.StartDate = today
		}
		idx := len(plan.Items)
		plan.Items = append(plan.Items, item)
		plan.Additions = append(plan.Additions, Addition{ListKey: key, Index: idx, Item: item})
	}

	// Closures: confirmed positions no longer desired. Soft-close in
	// place; removing would shift every later index.
	closureKeys := make([]string, 0)
	for key := range tracked {
		if _, ok := desired[key]; !ok {
			closureKeys = append(closureKeys, key)
		}
	}
	sort.Strings(closureKeys)
	for _, key := range closureKeys {
		idx := *tracked[key].RemoteIndex
		if idx < 0 || idx >= len(plan.Items) {
			return nil, fmt.Errorf("position %s/%s: recorded index %d outside remote array of %d items",
				memberID, key, idx, len(remoteItems))
		}
		plan.Items[idx].Active = false
		plan.Items[idx].EndDate = today
		plan.Closures = append(plan.Closures, Closure{ListKey: key, Index: idx})
	}

	// Unchanged: touched only under the explicit force policy.
	if opts.ForceRefresh {
		for _, key := range order {
			p, ok := tracked[key]
			if !ok {
				continue
			}
			a := desired[key]
			idx := *p.RemoteIndex
			if idx < 0 || idx >= len(plan.Items) {
				return nil, fmt.Errorf("position %s/%s: recorded index %d outside remote array of %d items",
					memberID, key, idx, len(remoteItems))
			}
			item := plan.Items[idx]
			item.Group = a.Group
			item.Role = a.Role
			item.Active = true
			if a.Since != "" {
				item.StartDate = a.Since
			}
			if item != plan.Items[idx] {
				plan.Items[idx] = item
				plan.Updates = append(plan.Updates, Update{ListKey: key, Index: idx, Item: item})
			}
		}
	}

	return plan, nil
}

// Commit persists the position bookkeeping for a plan whose remote
// write SUCCEEDED. Calling order is a contract: remote write first,
// Commit second, so a crash between them retries the reconciliation
// instead of silently accepting an unconfirmed index.
func (r *Reconciler) Commit(ctx context.Context, plan *Plan) error {
	adds := make([]store.Position, 0, len(plan.Additions))
	for _, a := range plan.Additions {
		idx := a.Index
		adds = append(adds, store.Position{
			MemberID:    plan.MemberID,
			ListKey:     a.ListKey,
			RemoteIndex: &idx,
			Fingerprint: canon.PositionFingerprint(plan.MemberID, a.ListKey, true),
			IsBackfill:  plan.Backfill,
		})
	}

	removeKeys := make([]string, 0, len(plan.Closures))
	for _, c := range plan.Closures {
		removeKeys = append(removeKeys, c.ListKey)
	}

	updates := make([]store.Position, 0, len(plan.Updates))
	for _, u := range plan.Updates {
		updates = append(updates, store.Position{
			MemberID:    plan.MemberID,
			ListKey:     u.ListKey,
			Fingerprint: canon.PositionFingerprint(plan.MemberID, u.ListKey, true),
		})
	}

	return r.store.CommitPositions(ctx, plan.MemberID, adds, removeKeys, updates)
}
