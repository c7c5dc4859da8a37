package member

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Tracked field names. The set participating in a deployment is
// explicit and versioned (see FieldSet), never auto-discovered.
const (
	FieldFirstName = "first_name"
	FieldLastName  = "last_name"
	FieldEmail     = "email"
	FieldPhone     = "phone"
	FieldStatus    = "status"
	FieldContacts  = "contacts"
)

// FieldSet is the versioned list of fields participating in
// fingerprinting, conflict resolution, and reverse detection.
type FieldSet struct {
	Version int      `yaml:"version"`
	Fields  []string `yaml:"fields"`
}

// DefaultFieldSet returns the built-in tracked field set.
func DefaultFieldSet() *FieldSet {
	return &FieldSet{
		Version: 1,
		Fields: []string{
			FieldFirstName,
			FieldLastName,
			FieldEmail,
			FieldPhone,
			FieldStatus,
			FieldContacts,
		},
	}
}

// LoadFieldSet reads a tracked-field configuration from a YAML file.
func LoadFieldSet(path string) (*FieldSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read field set: %w", err)
	}

	var fs FieldSet
	if err := yaml.Unmarshal(data, &fs); err != nil {
		return nil, fmt.Errorf("parse field set %s: %w", path, err)
	}
	if err := fs.validate(); err != nil {
		return nil, fmt.Errorf("field set %s: %w", path, err)
	}
	return &fs, nil
}

func (fs *FieldSet) validate() error {
	if fs.Version < 1 {
		return fmt.Errorf("version must be >= 1, got %d", fs.Version)
	}
	if len(fs.Fields) == 0 {
		return fmt.Errorf("fields list is empty")
	}

	known := map[string]bool{
		FieldFirstName: true,
		FieldLastName:  true,
		FieldEmail:     true,
		FieldPhone:     true,
		FieldStatus:    true,
		FieldContacts:  true,
	}
	seen := make(map[string]bool, len(fs.Fields))
	for _, f := range fs.Fields {
		if !known[f] {
			return fmt.Errorf("unknown tracked field %q", f)
		}
		if seen[f] {
			return fmt.Errorf("duplicate tracked field %q", f)
		}
		seen[f] = true
	}
	return nil
}

// Contains reports whether name is part of the tracked set.
func (fs *FieldSet) Contains(name string) bool {
	for _, f := range fs.Fields {
		if f == name {
			return true
		}
	}
	return false
}
