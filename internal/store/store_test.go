package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpen_CreatesNewDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer s.Close()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Error("database file was not created")
	}
}

func TestOpen_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	for i := 0; i < 3; i++ {
		s, err := Open(path)
		if err != nil {
			t.Fatalf("Open() iteration %d failed: %v", i, err)
		}
		s.Close()
	}

	s, err := Open(path)
	if err != nil {
		t.Fatalf("final Open() failed: %v", err)
	}
	defer s.Close()

	tables := []string{"entities", "mirror_fields", "field_timestamps",
		"list_positions", "conflict_log", "change_log", "checkpoint"}
	for _, table := range tables {
		var name string
		err := s.db.QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?",
			table,
		).Scan(&name)
		if err != nil {
			t.Errorf("table %q not found after idempotent opens: %v", table, err)
		}
	}
}

func TestOpen_SchemaVersionSet(t *testing.T) {
	s := openTestStore(t)

	var version int
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		t.Fatalf("read user_version: %v", err)
	}
	if version != currentSchemaVersion {
		t.Errorf("user_version = %d, want %d", version, currentSchemaVersion)
	}
}

func TestClose_NilDB(t *testing.T) {
	s := &Store{db: nil}
	if err := s.Close(); err != nil {
		t.Errorf("Close() on nil db should not error: %v", err)
	}
}

func TestApplySnapshot_UpsertAndDirty(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	up := ObservedUpsert{
		Entity: Entity{
			MemberID:          "M-1",
			Payload:           `{"email":"old@x.com"}`,
			SourceFingerprint: "fp1",
		},
		StampUpstream: []string{"email"},
		ObservedAt:    now,
	}
	if err := s.ApplySnapshot(ctx, []ObservedUpsert{up}, nil); err != nil {
		t.Fatalf("ApplySnapshot() failed: %v", err)
	}

	e, err := s.GetEntity(ctx, "M-1")
	if err != nil {
		t.Fatalf("GetEntity() failed: %v", err)
	}
	if !e.Dirty() {
		t.Error("new entity should be dirty")
	}
	if e.SourceFingerprint != "fp1" {
		t.Errorf("SourceFingerprint = %q, want fp1", e.SourceFingerprint)
	}
	if !e.LastSeenAt.Equal(now) {
		t.Errorf("LastSeenAt = %v, want %v", e.LastSeenAt, now)
	}

	stamps, err := s.FieldTimes(ctx, "M-1")
	if err != nil {
		t.Fatalf("FieldTimes() failed: %v", err)
	}
	if stamps["email"].Upstream == nil || !stamps["email"].Upstream.Equal(now) {
		t.Errorf("upstream stamp = %v, want %v", stamps["email"].Upstream, now)
	}
	if stamps["email"].Downstream != nil {
		t.Errorf("downstream stamp should be absent, got %v", stamps["email"].Downstream)
	}
}

func TestApplySnapshot_NeverTouchesSyncState(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	seed := ObservedUpsert{
		Entity:     Entity{MemberID: "M-1", Payload: `{}`, SourceFingerprint: "fp1"},
		ObservedAt: now,
	}
	if err := s.ApplySnapshot(ctx, []ObservedUpsert{seed}, nil); err != nil {
		t.Fatalf("ApplySnapshot() failed: %v", err)
	}
	if err := s.MarkSynced(ctx, "M-1", "fp1", 42, map[string]string{"email": "a@x.com"}, "mfp", now); err != nil {
		t.Fatalf("MarkSynced() failed: %v", err)
	}

	// Re-observe with a new fingerprint: sync state must survive.
	seed.Entity.SourceFingerprint = "fp2"
	if err := s.ApplySnapshot(ctx, []ObservedUpsert{seed}, nil); err != nil {
		t.Fatalf("second ApplySnapshot() failed: %v", err)
	}

	e, err := s.GetEntity(ctx, "M-1")
	if err != nil {
		t.Fatalf("GetEntity() failed: %v", err)
	}
	if e.LastSyncedFingerprint != "fp1" {
		t.Errorf("LastSyncedFingerprint = %q, want fp1", e.LastSyncedFingerprint)
	}
	if e.RemoteID == nil || *e.RemoteID != 42 {
		t.Errorf("RemoteID = %v, want 42", e.RemoteID)
	}
	if !e.Dirty() {
		t.Error("entity with changed fingerprint should be dirty")
	}
}

func TestMarkSynced_Idempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	seed := ObservedUpsert{
		Entity:     Entity{MemberID: "M-1", Payload: `{}`, SourceFingerprint: "fp1"},
		ObservedAt: now,
	}
	if err := s.ApplySnapshot(ctx, []ObservedUpsert{seed}, nil); err != nil {
		t.Fatalf("ApplySnapshot() failed: %v", err)
	}

	mirror := map[string]string{"email": "a@x.com"}
	for i := 0; i < 2; i++ {
		if err := s.MarkSynced(ctx, "M-1", "fp1", 42, mirror, "mfp", now); err != nil {
			t.Fatalf("MarkSynced() call %d failed: %v", i, err)
		}
	}

	e, err := s.GetEntity(ctx, "M-1")
	if err != nil {
		t.Fatalf("GetEntity() failed: %v", err)
	}
	if e.Dirty() {
		t.Error("synced entity should not be dirty")
	}
	if e.MutationOrigin != OriginForwardSync {
		t.Errorf("MutationOrigin = %q, want %q", e.MutationOrigin, OriginForwardSync)
	}

	got, err := s.Mirror(ctx, "M-1")
	if err != nil {
		t.Fatalf("Mirror() failed: %v", err)
	}
	if got["email"] != "a@x.com" {
		t.Errorf("mirror email = %q, want a@x.com", got["email"])
	}
}

func TestMarkSynced_UnknownEntity(t *testing.T) {
	s := openTestStore(t)
	err := s.MarkSynced(context.Background(), "missing", "fp", 1, nil, "", time.Now())
	if err == nil {
		t.Fatal("expected error for unknown entity")
	}
}

func TestMarkRemoteMissing(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	seed := ObservedUpsert{
		Entity:     Entity{MemberID: "M-1", Payload: `{}`, SourceFingerprint: "fp1"},
		ObservedAt: now,
	}
	if err := s.ApplySnapshot(ctx, []ObservedUpsert{seed}, nil); err != nil {
		t.Fatalf("ApplySnapshot() failed: %v", err)
	}
	if err := s.MarkSynced(ctx, "M-1", "fp1", 42, nil, "", now); err != nil {
		t.Fatalf("MarkSynced() failed: %v", err)
	}
	if err := s.MarkRemoteMissing(ctx, "M-1"); err != nil {
		t.Fatalf("MarkRemoteMissing() failed: %v", err)
	}

	e, err := s.GetEntity(ctx, "M-1")
	if err != nil {
		t.Fatalf("GetEntity() failed: %v", err)
	}
	if e.RemoteID != nil {
		t.Errorf("RemoteID = %v, want nil", e.RemoteID)
	}
	if e.LastSyncedFingerprint != "" {
		t.Errorf("LastSyncedFingerprint = %q, want empty", e.LastSyncedFingerprint)
	}
	if !e.Dirty() {
		t.Error("remote-missing entity should be dirty (needs create)")
	}
}

func TestListDirty_OrderedAndFiltered(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	ups := []ObservedUpsert{
		{Entity: Entity{MemberID: "M-3", Payload: `{}`, SourceFingerprint: "c"}, ObservedAt: now},
		{Entity: Entity{MemberID: "M-1", Payload: `{}`, SourceFingerprint: "a"}, ObservedAt: now},
		{Entity: Entity{MemberID: "M-2", Payload: `{}`, SourceFingerprint: "b"}, ObservedAt: now},
	}
	if err := s.ApplySnapshot(ctx, ups, nil); err != nil {
		t.Fatalf("ApplySnapshot() failed: %v", err)
	}
	if err := s.MarkSynced(ctx, "M-2", "b", 2, nil, "", now); err != nil {
		t.Fatalf("MarkSynced() failed: %v", err)
	}

	dirty, err := s.ListDirty(ctx, false)
	if err != nil {
		t.Fatalf("ListDirty() failed: %v", err)
	}
	if len(dirty) != 2 {
		t.Fatalf("len(dirty) = %d, want 2", len(dirty))
	}
	if dirty[0].MemberID != "M-1" || dirty[1].MemberID != "M-3" {
		t.Errorf("dirty order = [%s %s], want [M-1 M-3]", dirty[0].MemberID, dirty[1].MemberID)
	}

	all, err := s.ListDirty(ctx, true)
	if err != nil {
		t.Fatalf("ListDirty(all) failed: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("len(all) = %d, want 3", len(all))
	}
}

func TestApplySnapshot_MarkFormer(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	seed := ObservedUpsert{
		Entity:     Entity{MemberID: "M-1", Payload: `{}`, SourceFingerprint: "a"},
		ObservedAt: now,
	}
	if err := s.ApplySnapshot(ctx, []ObservedUpsert{seed}, nil); err != nil {
		t.Fatalf("ApplySnapshot() failed: %v", err)
	}
	if err := s.ApplySnapshot(ctx, nil, []string{"M-1"}); err != nil {
		t.Fatalf("ApplySnapshot(former) failed: %v", err)
	}

	e, err := s.GetEntity(ctx, "M-1")
	if err != nil {
		t.Fatalf("GetEntity() failed: %v", err)
	}
	if !e.IsFormer {
		t.Error("entity should be former")
	}

	dirty, err := s.ListDirty(ctx, false)
	if err != nil {
		t.Fatalf("ListDirty() failed: %v", err)
	}
	if len(dirty) != 0 {
		t.Errorf("former entity should not need sync, got %d", len(dirty))
	}

	// Reappearance clears former and is a normal dirty update.
	if err := s.ApplySnapshot(ctx, []ObservedUpsert{seed}, nil); err != nil {
		t.Fatalf("reappearance ApplySnapshot() failed: %v", err)
	}
	e, err = s.GetEntity(ctx, "M-1")
	if err != nil {
		t.Fatalf("GetEntity() failed: %v", err)
	}
	if e.IsFormer {
		t.Error("reappeared entity should not be former")
	}
}

func TestGetEntity_NotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.GetEntity(context.Background(), "nope")
	if err == nil {
		t.Fatal("expected ErrNotFound")
	}
}

func TestCheckpoint_RoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, ok, err := s.Checkpoint(ctx)
	if err != nil {
		t.Fatalf("Checkpoint() failed: %v", err)
	}
	if ok {
		t.Error("fresh store should have no checkpoint")
	}

	want := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	if err := s.SetCheckpoint(ctx, want); err != nil {
		t.Fatalf("SetCheckpoint() failed: %v", err)
	}

	got, ok, err := s.Checkpoint(ctx)
	if err != nil {
		t.Fatalf("Checkpoint() failed: %v", err)
	}
	if !ok || !got.Equal(want) {
		t.Errorf("checkpoint = %v ok=%v, want %v", got, ok, want)
	}

	// Singleton row: setting again overwrites.
	later := want.Add(time.Hour)
	if err := s.SetCheckpoint(ctx, later); err != nil {
		t.Fatalf("second SetCheckpoint() failed: %v", err)
	}
	got, _, err = s.Checkpoint(ctx)
	if err != nil {
		t.Fatalf("Checkpoint() failed: %v", err)
	}
	if !got.Equal(later) {
		t.Errorf("checkpoint = %v, want %v", got, later)
	}
}
