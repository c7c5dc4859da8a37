package cli

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/quorumtools/rostersync/internal/member"
	"github.com/quorumtools/rostersync/internal/remote"
)

// snapshotDoc is the on-disk shape of an upstream roster snapshot.
type snapshotDoc struct {
	Version int             `yaml:"version"`
	Members []member.Record `yaml:"members"`
}

// fileUpstream is a remote.Upstream backed by a snapshot YAML file.
type fileUpstream struct {
	path string
}

func (u fileUpstream) Snapshot(_ context.Context) ([]member.Record, error) {
	return LoadSnapshot(u.path)
}

// LoadSnapshot reads an upstream roster snapshot file.
func LoadSnapshot(path string) ([]member.Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read snapshot %s: %w", path, err)
	}
	var doc snapshotDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse snapshot %s: %w", path, err)
	}
	if doc.Version != 1 {
		return nil, fmt.Errorf("snapshot %s: unsupported version %d", path, doc.Version)
	}
	return doc.Members, nil
}

// loadFields resolves the tracked-field configuration: an explicit
// config file when given, the built-in default set otherwise.
func loadFields(path string) (*member.FieldSet, error) {
	if path == "" {
		return member.DefaultFieldSet(), nil
	}
	return member.LoadFieldSet(path)
}

var _ remote.Upstream = fileUpstream{}
