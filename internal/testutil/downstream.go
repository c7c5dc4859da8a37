// Package testutil provides in-memory test doubles shared by engine,
// cli, and harness tests.
package testutil

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/quorumtools/rostersync/internal/remote"
)

// StoredContact is one record held by the fake downstream API.
type StoredContact struct {
	RemoteID        int64
	MemberID        string
	ModifiedAt      time.Time
	Fields          map[string]string
	FieldModifiedAt map[string]time.Time
	Roles           []remote.RoleItem
}

// FakeDownstream is an in-memory remote.Downstream with failure
// injection and write recording.
//
// Thread-safety: all methods are safe for concurrent use via internal
// mutex, matching the real client's contract.
type FakeDownstream struct {
	mu       sync.Mutex
	nextID   int64
	contacts map[int64]*StoredContact

	// Now supplies ModifiedAt stamps for writes. Defaults to a fixed
	// instant so traces stay deterministic.
	Now func() time.Time

	// FailWith, when non-nil, is returned by every call until cleared.
	FailWith error
	// FailTimes limits FailWith to the next N calls, then clears it.
	// Zero means unlimited.
	FailTimes int

	// Write log, in call order.
	Creates []int64
	Updates []map[string]string
	ListWrites [][]remote.RoleItem
}

// NewFakeDownstream creates an empty fake with IDs starting at 1000.
func NewFakeDownstream() *FakeDownstream {
	return &FakeDownstream{
		nextID:   1000,
		contacts: make(map[int64]*StoredContact),
		Now: func() time.Time {
			return time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
		},
	}
}

// Seed inserts a contact directly, bypassing the write log.
// Returns the assigned remote ID.
func (f *FakeDownstream) Seed(c StoredContact) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c.RemoteID == 0 {
		f.nextID++
		c.RemoteID = f.nextID
	}
	if c.Fields == nil {
		c.Fields = map[string]string{}
	}
	f.contacts[c.RemoteID] = &c
	return c.RemoteID
}

// Contact returns a copy of the stored contact, or nil.
func (f *FakeDownstream) Contact(remoteID int64) *StoredContact {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.contacts[remoteID]
	if !ok {
		return nil
	}
	cp := *c
	cp.Fields = copyFields(c.Fields)
	cp.Roles = append([]remote.RoleItem(nil), c.Roles...)
	return &cp
}

// Delete removes a contact, simulating manual downstream deletion.
func (f *FakeDownstream) Delete(remoteID int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.contacts, remoteID)
}

// Fail arms failure injection for the next n calls (0 = until cleared).
func (f *FakeDownstream) Fail(err error, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.FailWith = err
	f.FailTimes = n
}

func (f *FakeDownstream) injected() error {
	if f.FailWith == nil {
		return nil
	}
	err := f.FailWith
	if f.FailTimes > 0 {
		f.FailTimes--
		if f.FailTimes == 0 {
			f.FailWith = nil
		}
	}
	return err
}

func (f *FakeDownstream) FetchContact(_ context.Context, remoteID int64) (*remote.Contact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.injected(); err != nil {
		return nil, err
	}
	c, ok := f.contacts[remoteID]
	if !ok {
		return nil, remote.NotFound(fmt.Sprintf("contact %d", remoteID))
	}
	return &remote.Contact{
		RemoteID:        c.RemoteID,
		MemberID:        c.MemberID,
		ModifiedAt:      c.ModifiedAt,
		Fields:          copyFields(c.Fields),
		FieldModifiedAt: copyTimes(c.FieldModifiedAt),
	}, nil
}

func (f *FakeDownstream) CreateContact(_ context.Context, memberID string, fields map[string]string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.injected(); err != nil {
		return 0, err
	}
	f.nextID++
	f.contacts[f.nextID] = &StoredContact{
		RemoteID:   f.nextID,
		MemberID:   memberID,
		ModifiedAt: f.Now(),
		Fields:     copyFields(fields),
	}
	f.Creates = append(f.Creates, f.nextID)
	return f.nextID, nil
}

func (f *FakeDownstream) UpdateContact(_ context.Context, remoteID int64, fields map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.injected(); err != nil {
		return err
	}
	c, ok := f.contacts[remoteID]
	if !ok {
		return remote.NotFound(fmt.Sprintf("contact %d", remoteID))
	}
	for k, v := range fields {
		c.Fields[k] = v
	}
	c.ModifiedAt = f.Now()
	f.Updates = append(f.Updates, copyFields(fields))
	return nil
}

func (f *FakeDownstream) ModifiedSince(_ context.Context, since time.Time, offset, limit int) ([]remote.Contact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.injected(); err != nil {
		return nil, err
	}
	var all []remote.Contact
	for _, c := range f.contacts {
		if c.ModifiedAt.After(since) {
			all = append(all, remote.Contact{
				RemoteID:        c.RemoteID,
				MemberID:        c.MemberID,
				ModifiedAt:      c.ModifiedAt,
				Fields:          copyFields(c.Fields),
				FieldModifiedAt: copyTimes(c.FieldModifiedAt),
			})
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].RemoteID < all[j].RemoteID })
	if offset >= len(all) {
		return nil, nil
	}
	all = all[offset:]
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func (f *FakeDownstream) FetchRoleList(_ context.Context, remoteID int64) ([]remote.RoleItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.injected(); err != nil {
		return nil, err
	}
	c, ok := f.contacts[remoteID]
	if !ok {
		return nil, remote.NotFound(fmt.Sprintf("contact %d", remoteID))
	}
	return append([]remote.RoleItem(nil), c.Roles...), nil
}

func (f *FakeDownstream) WriteRoleList(_ context.Context, remoteID int64, items []remote.RoleItem) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.injected(); err != nil {
		return err
	}
	c, ok := f.contacts[remoteID]
	if !ok {
		return remote.NotFound(fmt.Sprintf("contact %d", remoteID))
	}
	c.Roles = append([]remote.RoleItem(nil), items...)
	c.ModifiedAt = f.Now()
	f.ListWrites = append(f.ListWrites, append([]remote.RoleItem(nil), items...))
	return nil
}

func copyFields(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copyTimes(m map[string]time.Time) map[string]time.Time {
	if m == nil {
		return nil
	}
	out := make(map[string]time.Time, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
