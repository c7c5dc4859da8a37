package member

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quorumtools/rostersync/internal/canon"
)

func strptr(s string) *string { return &s }

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		rec     Record
		wantErr bool
	}{
		{"valid", Record{MemberID: "M-1", FirstName: "Ada"}, false},
		{"missing id", Record{FirstName: "Ada"}, true},
		{"missing names", Record{MemberID: "M-1"}, true},
		{"last name only", Record{MemberID: "M-1", LastName: "Lovelace"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.rec.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestFingerprintStableAcrossCalls(t *testing.T) {
	rec := Record{
		MemberID:  "M-1001",
		FirstName: "Ada",
		LastName:  "Lovelace",
		Email:     strptr("ada@x.com"),
		Contacts: []Contact{
			{Type: "home", Value: "ada@x.com"},
			{Type: "work", Value: "ada@work.com"},
		},
	}
	fs := DefaultFieldSet()

	fp1, err := rec.Fingerprint(fs)
	require.NoError(t, err)
	fp2, err := rec.Fingerprint(fs)
	require.NoError(t, err)
	assert.Equal(t, fp1, fp2)
}

func TestFingerprintSensitiveToTrackedFields(t *testing.T) {
	fs := DefaultFieldSet()
	base := Record{MemberID: "M-1", FirstName: "Ada", Email: strptr("old@x.com")}
	changed := Record{MemberID: "M-1", FirstName: "Ada", Email: strptr("new@x.com")}

	fp1, err := base.Fingerprint(fs)
	require.NoError(t, err)
	fp2, err := changed.Fingerprint(fs)
	require.NoError(t, err)
	assert.NotEqual(t, fp1, fp2)
}

func TestFingerprintIgnoresRoles(t *testing.T) {
	// Role assignments run through the list reconciler, independent of
	// the fingerprint cycle.
	fs := DefaultFieldSet()
	base := Record{MemberID: "M-1", FirstName: "Ada"}
	withRoles := Record{
		MemberID:  "M-1",
		FirstName: "Ada",
		Roles:     []RoleAssignment{{Group: "membership", Role: "chair"}},
	}

	fp1, err := base.Fingerprint(fs)
	require.NoError(t, err)
	fp2, err := withRoles.Fingerprint(fs)
	require.NoError(t, err)
	assert.Equal(t, fp1, fp2)
}

func TestAbsentEmailDistinctFromEmpty(t *testing.T) {
	fs := DefaultFieldSet()
	absent := Record{MemberID: "M-1", FirstName: "Ada"}
	empty := Record{MemberID: "M-1", FirstName: "Ada", Email: strptr("")}

	fp1, err := absent.Fingerprint(fs)
	require.NoError(t, err)
	fp2, err := empty.Fingerprint(fs)
	require.NoError(t, err)
	assert.NotEqual(t, fp1, fp2)
}

func TestFieldValuesRoundTripThroughPayload(t *testing.T) {
	fs := DefaultFieldSet()
	rec := Record{
		MemberID:  "M-1",
		FirstName: "Ada",
		LastName:  "Lovelace",
		Email:     strptr("ada@x.com"),
		Status:    "active",
		Contacts:  []Contact{{Type: "home", Value: "ada@x.com"}},
	}

	direct, err := rec.FieldValues(fs)
	require.NoError(t, err)

	payload, err := canon.Marshal(rec.Payload(fs))
	require.NoError(t, err)
	stored, err := FieldValuesFromPayload(string(payload), fs)
	require.NoError(t, err)

	assert.Equal(t, direct, stored)
	assert.Equal(t, "ada@x.com", direct[FieldEmail])
	assert.Equal(t, `[{"type":"home","value":"ada@x.com"}]`, direct[FieldContacts])
}

func TestLoadFieldSet(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fields.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"version: 2\nfields:\n  - email\n  - status\n"), 0o644))

	fs, err := LoadFieldSet(path)
	require.NoError(t, err)
	assert.Equal(t, 2, fs.Version)
	assert.True(t, fs.Contains("email"))
	assert.False(t, fs.Contains("phone"))
}

func TestLoadFieldSetRejectsUnknownField(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fields.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"version: 1\nfields:\n  - email\n  - favorite_color\n"), 0o644))

	_, err := LoadFieldSet(path)
	assert.Error(t, err)
}

func TestLoadFieldSetRejectsDuplicates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fields.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"version: 1\nfields:\n  - email\n  - email\n"), 0o644))

	_, err := LoadFieldSet(path)
	assert.Error(t, err)
}
