package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quorumtools/rostersync/internal/member"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadSnapshot(t *testing.T) {
	path := writeFile(t, "roster.yaml", `
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
`)

	recs, err := LoadSnapshot(path)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "M-1", recs[0].MemberID)
	require.NotNil(t, recs[0].Email)
	assert.Equal(t, "ada@example.org", *recs[0].Email)
	require.Len(t, recs[0].Roles, 1)
	assert.Equal(t, "board", recs[0].Roles[0].Group)

	// Absent optional fields stay nil, distinct from empty.
	assert.Nil(t, recs[1].Email)
}

func TestLoadSnapshotRejectsUnknownVersion(t *testing.T) {
	path := writeFile(t, "roster.yaml", "version: 9\nmembers: []\n")
	_, err := LoadSnapshot(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported version")
}

func TestLoadSnapshotMissingFile(t *testing.T) {
	_, err := LoadSnapshot(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestLoadFieldsDefault(t *testing.T) {
	fs, err := loadFields("")
	require.NoError(t, err)
	assert.Equal(t, member.DefaultFieldSet().Fields, fs.Fields)
}

func TestLoadFieldsFromFile(t *testing.T) {
	path := writeFile(t, "fields.yaml", `
version: 1
fields:
  - first_name
  - last_name
  - email
`)
	fs, err := loadFields(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"first_name", "last_name", "email"}, fs.Fields)
}
