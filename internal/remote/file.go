package remote

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// fileDoc is the on-disk shape of a file-backed downstream store.
type fileDoc struct {
	NextID   int64         `yaml:"next_id"`
	Contacts []fileContact `yaml:"contacts"`
}

type fileContact struct {
	RemoteID        int64                `yaml:"remote_id"`
	MemberID        string               `yaml:"member_id,omitempty"`
	ModifiedAt      time.Time            `yaml:"modified_at"`
	Fields          map[string]string    `yaml:"fields"`
	FieldModifiedAt map[string]time.Time `yaml:"field_modified_at,omitempty"`
	Roles           []RoleItem           `yaml:"roles,omitempty"`
}

// FileDownstream is a Downstream backed by a YAML document on disk.
// It stands in for the profile-store API in offline runs and harness
// scenarios; every write is flushed to the file before returning so a
// crashed run never acknowledges an unpersisted write.
type FileDownstream struct {
	mu   sync.Mutex
	path string
	doc  fileDoc
	now  func() time.Time
}

var _ Downstream = (*FileDownstream)(nil)

// FileOption configures a FileDownstream.
type FileOption func(*FileDownstream)

// WithFileNow overrides the modification-stamp clock. Used in tests
// and harness scenarios.
func WithFileNow(now func() time.Time) FileOption {
	return func(f *FileDownstream) { f.now = now }
}

// OpenFile loads a file-backed downstream store, creating an empty one
// when the file does not exist yet.
func OpenFile(path string, opts ...FileOption) (*FileDownstream, error) {
	f := &FileDownstream{path: path, now: time.Now}
	for _, opt := range opts {
		opt(f)
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		f.doc = fileDoc{NextID: 1000}
		return f, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read downstream store %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &f.doc); err != nil {
		return nil, fmt.Errorf("parse downstream store %s: %w", path, err)
	}
	if f.doc.NextID == 0 {
		f.doc.NextID = 1000
		for _, c := range f.doc.Contacts {
			if c.RemoteID > f.doc.NextID {
				f.doc.NextID = c.RemoteID
			}
		}
	}
	return f, nil
}

// flush persists the document. Caller holds the mutex.
func (f *FileDownstream) flush() error {
	sort.Slice(f.doc.Contacts, func(i, j int) bool {
		return f.doc.Contacts[i].RemoteID < f.doc.Contacts[j].RemoteID
	})
	data, err := yaml.Marshal(&f.doc)
	if err != nil {
		return fmt.Errorf("encode downstream store: %w", err)
	}
	if err := os.WriteFile(f.path, data, 0o644); err != nil {
		return fmt.Errorf("write downstream store %s: %w", f.path, err)
	}
	return nil
}

func (f *FileDownstream) find(remoteID int64) *fileContact {
	for i := range f.doc.Contacts {
		if f.doc.Contacts[i].RemoteID == remoteID {
			return &f.doc.Contacts[i]
		}
	}
	return nil
}

func (f *FileDownstream) FetchContact(_ context.Context, remoteID int64) (*Contact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.find(remoteID)
	if c == nil {
		return nil, NotFound(fmt.Sprintf("contact %d", remoteID))
	}
	return c.toContact(), nil
}

func (f *FileDownstream) CreateContact(_ context.Context, memberID string, fields map[string]string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.doc.NextID++
	f.doc.Contacts = append(f.doc.Contacts, fileContact{
		RemoteID:   f.doc.NextID,
		MemberID:   memberID,
		ModifiedAt: f.now().UTC(),
		Fields:     copyStrings(fields),
	})
	if err := f.flush(); err != nil {
		return 0, err
	}
	return f.doc.NextID, nil
}

func (f *FileDownstream) UpdateContact(_ context.Context, remoteID int64, fields map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.find(remoteID)
	if c == nil {
		return NotFound(fmt.Sprintf("contact %d", remoteID))
	}
	if c.Fields == nil {
		c.Fields = map[string]string{}
	}
	for k, v := range fields {
		c.Fields[k] = v
	}
	c.ModifiedAt = f.now().UTC()
	return f.flush()
}

func (f *FileDownstream) ModifiedSince(_ context.Context, since time.Time, offset, limit int) ([]Contact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var all []Contact
	for i := range f.doc.Contacts {
		if f.doc.Contacts[i].ModifiedAt.After(since) {
			all = append(all, *f.doc.Contacts[i].toContact())
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].RemoteID < all[j].RemoteID })
	return page(all, offset, limit), nil
}

// page slices one offset/limit window out of the full ordered result.
func page(all []Contact, offset, limit int) []Contact {
	if offset >= len(all) {
		return nil
	}
	out := all[offset:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (f *FileDownstream) FetchRoleList(_ context.Context, remoteID int64) ([]RoleItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.find(remoteID)
	if c == nil {
		return nil, NotFound(fmt.Sprintf("contact %d", remoteID))
	}
	return append([]RoleItem(nil), c.Roles...), nil
}

func (f *FileDownstream) WriteRoleList(_ context.Context, remoteID int64, items []RoleItem) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.find(remoteID)
	if c == nil {
		return NotFound(fmt.Sprintf("contact %d", remoteID))
	}
	c.Roles = append([]RoleItem(nil), items...)
	c.ModifiedAt = f.now().UTC()
	return f.flush()
}

func (c *fileContact) toContact() *Contact {
	return &Contact{
		RemoteID:        c.RemoteID,
		MemberID:        c.MemberID,
		ModifiedAt:      c.ModifiedAt,
		Fields:          copyStrings(c.Fields),
		FieldModifiedAt: copyTimes(c.FieldModifiedAt),
	}
}

func copyStrings(m map[string]string) map[string]string {
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
