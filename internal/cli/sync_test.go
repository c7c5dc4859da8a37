package cli

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quorumtools/rostersync/internal/remote"
)

func zeroTime() time.Time { return time.Time{} }

func todayStamp() string { return time.Now().UTC().Format(time.DateOnly) }

const testSnapshot = `
version: 1
members:
  - member_id: M-1
    first_name: Ada
    last_name: Byron
    email: ada@example.org
    roles:
      - group: board
        role: member
        since: "2023-01-01"
  - member_id: M-2
    first_name: Grace
    last_name: Hopper
`

// execute runs a fresh root command with the given args and returns
// the captured stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestSyncCommandEndToEnd(t *testing.T) {
	dir := t.TempDir()
	db := filepath.Join(dir, "state.db")
	ds := filepath.Join(dir, "downstream.yaml")
	snapshot := writeFile(t, "roster.yaml", testSnapshot)

	out, err := execute(t, "sync", "--db", db, "--downstream", ds, snapshot)
	require.NoError(t, err)
	assert.Contains(t, out, "created:   2")
	assert.Contains(t, out, "additions: 1")

	// Downstream file holds both contacts and the role entry.
	down, err := remote.OpenFile(ds)
	require.NoError(t, err)
	contacts, err := down.ModifiedSince(context.Background(), zeroTime(), 0, 0)
	require.NoError(t, err)
	assert.Len(t, contacts, 2)

	// Converged: second run creates and updates nothing.
	out, err = execute(t, "sync", "--db", db, "--downstream", ds, snapshot)
	require.NoError(t, err)
	assert.Contains(t, out, "created:   0")
	assert.Contains(t, out, "updated:   0")
	assert.Contains(t, out, "skipped:   2")
}

func TestSyncCommandRequiresDownstream(t *testing.T) {
	_, err := execute(t, "sync", "--db", "state.db", "roster.yaml")
	require.Error(t, err)
}

func TestStatusCommandAfterSync(t *testing.T) {
	dir := t.TempDir()
	db := filepath.Join(dir, "state.db")
	ds := filepath.Join(dir, "downstream.yaml")
	snapshot := writeFile(t, "roster.yaml", testSnapshot)

	_, err := execute(t, "sync", "--db", db, "--downstream", ds, snapshot)
	require.NoError(t, err)

	out, err := execute(t, "status", "--db", db)
	require.NoError(t, err)
	assert.Contains(t, out, "Dirty entities: 0")
	assert.Contains(t, out, "Checkpoint: never run")
}

func TestDetectCommandAdvancesCheckpoint(t *testing.T) {
	dir := t.TempDir()
	db := filepath.Join(dir, "state.db")
	ds := filepath.Join(dir, "downstream.yaml")
	snapshot := writeFile(t, "roster.yaml", testSnapshot)

	_, err := execute(t, "sync", "--db", db, "--downstream", ds, snapshot)
	require.NoError(t, err)

	out, err := execute(t, "detect", "--db", db, "--downstream", ds)
	require.NoError(t, err)
	// First detection sees only our own writes; all suppressed.
	assert.Contains(t, out, "No downstream changes detected")

	status, err := execute(t, "status", "--db", db)
	require.NoError(t, err)
	assert.Contains(t, status, "Checkpoint: 20")
}

func TestBackfillCommand(t *testing.T) {
	dir := t.TempDir()
	db := filepath.Join(dir, "state.db")
	ds := filepath.Join(dir, "downstream.yaml")
	snapshot := writeFile(t, "roster.yaml", testSnapshot)

	_, err := execute(t, "backfill", "--db", db, "--downstream", ds, snapshot)
	require.NoError(t, err)

	// Backfilled role entries carry no start date.
	down, err := remote.OpenFile(ds)
	require.NoError(t, err)
	contacts, err := down.ModifiedSince(context.Background(), zeroTime(), 0, 0)
	require.NoError(t, err)
	require.Len(t, contacts, 2)
	for _, c := range contacts {
		roles, err := down.FetchRoleList(context.Background(), c.RemoteID)
		require.NoError(t, err)
		for _, r := range roles {
			// Dated assignments keep their own date, undated ones
			// stay empty instead of being stamped "today".
			assert.NotEqual(t, todayStamp(), r.StartDate)
		}
	}
}
