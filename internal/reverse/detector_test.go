package reverse

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quorumtools/rostersync/internal/member"
	"github.com/quorumtools/rostersync/internal/remote"
	"github.com/quorumtools/rostersync/internal/store"
	"github.com/quorumtools/rostersync/internal/tracker"
)

var detectStart = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type fixture struct {
	store    *store.Store
	tracker  *tracker.Tracker
	detector *Detector
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	fields := member.DefaultFieldSet()
	seq := 0
	return &fixture{
		store:   s,
		tracker: tracker.New(s, fields),
		detector: New(s, fields,
			WithNow(func() time.Time { return detectStart }),
			WithRunID(func() string { seq++; return "run-1" }),
		),
	}
}

// seedSynced tracks a member and marks it synced with the given mirror,
// then resets the mutation origin to external (simulating the one
// detection pass that consumes the self-write suppression).
func (f *fixture) seedSynced(t *testing.T, id string, mirror map[string]string, external bool) {
	t.Helper()
	ctx := context.Background()
	email := mirror["email"]
	rec := member.Record{MemberID: id, FirstName: "Ada", Email: &email}
	require.NoError(t, f.tracker.UpsertObserved(ctx, &rec))
	e, err := f.tracker.Get(ctx, id)
	require.NoError(t, err)
	require.NoError(t, f.tracker.MarkSynced(ctx, id, e.SourceFingerprint, 42, mirror))
	if external {
		require.NoError(t, f.store.SetMutationOrigin(ctx, id, store.OriginExternal))
	}
}

func fullMirror(email string) map[string]string {
	return map[string]string{
		"first_name": "Ada",
		"last_name":  "",
		"email":      email,
		"phone":      "",
		"status":     "",
		"contacts":   "",
	}
}

func contact(id string, remoteID int64, modified time.Time, fields map[string]string) remote.Contact {
	return remote.Contact{
		RemoteID:   remoteID,
		MemberID:   id,
		ModifiedAt: modified,
		Fields:     fields,
	}
}

func fetchReturning(contacts ...remote.Contact) FetchFunc {
	return func(ctx context.Context, since time.Time) ([]remote.Contact, error) {
		return contacts, nil
	}
}

func TestDetectEmitsOneRecordPerChangedField(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedSynced(t, "M-1", fullMirror("a@x.com"), true)

	edited := fullMirror("b@x.com")
	edited["status"] = "lapsed"
	changes, err := f.detector.Detect(ctx, fetchReturning(
		contact("M-1", 42, detectStart.Add(-time.Hour), edited)))
	require.NoError(t, err)

	// One downstream edit touching two fields yields two records.
	require.Len(t, changes, 2)
	byField := map[string]store.ChangeRow{}
	for _, c := range changes {
		byField[c.Field] = c
	}
	assert.Equal(t, "a@x.com", byField["email"].OldValue)
	assert.Equal(t, "b@x.com", byField["email"].NewValue)
	assert.Equal(t, "", byField["status"].OldValue)
	assert.Equal(t, "lapsed", byField["status"].NewValue)
	assert.Equal(t, "run-1", byField["email"].RunID)
}

func TestDetectSuppressesSelfWrites(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	// Origin left as forward_sync: the fetched record is our own write.
	f.seedSynced(t, "M-1", fullMirror("a@x.com"), false)

	changes, err := f.detector.Detect(ctx, fetchReturning(
		contact("M-1", 42, detectStart.Add(-time.Minute), fullMirror("a@x.com"))))
	require.NoError(t, err)
	assert.Empty(t, changes)

	// Suppression is consumed: a genuine edit on the next pass is seen.
	e, err := f.store.GetEntity(ctx, "M-1")
	require.NoError(t, err)
	assert.Equal(t, store.OriginExternal, e.MutationOrigin)

	changes, err = f.detector.Detect(ctx, fetchReturning(
		contact("M-1", 42, detectStart, fullMirror("b@x.com"))))
	require.NoError(t, err)
	assert.Len(t, changes, 1)
}

func TestDetectSkipsUnchangedContent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedSynced(t, "M-1", fullMirror("a@x.com"), true)

	// Timestamp moved, tracked content identical: no records.
	changes, err := f.detector.Detect(ctx, fetchReturning(
		contact("M-1", 42, detectStart.Add(-time.Second), fullMirror("a@x.com"))))
	require.NoError(t, err)
	assert.Empty(t, changes)
}

func TestDetectSkipsUnknownEntities(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	changes, err := f.detector.Detect(ctx, fetchReturning(
		contact("M-99", 7, detectStart, fullMirror("x@x.com"))))
	require.NoError(t, err)
	assert.Empty(t, changes)

	// Unknown entities are skipped, not created.
	_, err = f.store.GetEntity(ctx, "M-99")
	assert.Error(t, err)
}

func TestDetectAdvancesCheckpointToStartTime(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.detector.Detect(ctx, fetchReturning())
	require.NoError(t, err)

	cp, ok, err := f.store.Checkpoint(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, cp.Equal(detectStart))
}

func TestDetectStampsDownstreamTimestamps(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedSynced(t, "M-1", fullMirror("a@x.com"), true)

	editedAt := detectStart.Add(-30 * time.Minute)
	c := contact("M-1", 42, editedAt, fullMirror("b@x.com"))
	c.FieldModifiedAt = map[string]time.Time{"email": editedAt}

	_, err := f.detector.Detect(ctx, fetchReturning(c))
	require.NoError(t, err)

	stamps, err := f.store.FieldTimes(ctx, "M-1")
	require.NoError(t, err)
	require.Contains(t, stamps, "email")
	assert.True(t, stamps["email"].Downstream.Equal(editedAt))
}

func TestDetectUpdatesMirror(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedSynced(t, "M-1", fullMirror("a@x.com"), true)

	_, err := f.detector.Detect(ctx, fetchReturning(
		contact("M-1", 42, detectStart, fullMirror("b@x.com"))))
	require.NoError(t, err)

	// Re-detecting the same content is a no-op: the mirror caught up.
	changes, err := f.detector.Detect(ctx, fetchReturning(
		contact("M-1", 42, detectStart, fullMirror("b@x.com"))))
	require.NoError(t, err)
	assert.Empty(t, changes)
}
