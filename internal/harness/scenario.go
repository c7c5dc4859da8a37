package harness

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/quorumtools/rostersync/internal/member"
)

// Scenario defines a conformance test scenario: an ordered sequence of
// sync passes and downstream edits over one fresh state database and
// one in-memory downstream store.
type Scenario struct {
	// Name uniquely identifies this scenario; it names the golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Fields optionally narrows the tracked field set. Empty means the
	// built-in default set.
	Fields []string `yaml:"fields,omitempty"`

	// Steps is the ordered pass sequence.
	Steps []Step `yaml:"steps"`
}

// Step is one scenario step. Exactly one of the step kinds must be
// set; Advance shifts the scenario clock before the step executes.
type Step struct {
	// Advance is a duration string (e.g. "1h") applied to the scenario
	// clock before this step runs.
	Advance string `yaml:"advance,omitempty"`

	Forward *ForwardStep `yaml:"forward,omitempty"`
	Lists   *ListsStep   `yaml:"lists,omitempty"`
	Detect  *DetectStep  `yaml:"detect,omitempty"`
	Edit    *EditStep    `yaml:"edit,omitempty"`
}

// ForwardStep runs one forward sync pass from an inline snapshot.
type ForwardStep struct {
	Snapshot []member.Record `yaml:"snapshot"`
	Force    bool            `yaml:"force,omitempty"`
	Partial  bool            `yaml:"partial,omitempty"`
}

// ListsStep runs one role-list reconciliation pass.
type ListsStep struct {
	Snapshot []member.Record `yaml:"snapshot"`
	Force    bool            `yaml:"force,omitempty"`
	Backfill bool            `yaml:"backfill,omitempty"`
}

// DetectStep runs one reverse detection pass.
type DetectStep struct{}

// EditStep simulates a human edit in the downstream store: the given
// fields are merged into the member's contact and stamped with the
// current scenario clock.
type EditStep struct {
	MemberID string            `yaml:"member_id"`
	Fields   map[string]string `yaml:"fields"`
}

// LoadScenario reads and parses a scenario YAML file. Unknown fields
// are rejected so typos fail loudly instead of silently skipping
// assertions.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario file: %w", err)
	}

	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("parse scenario %s: %w", path, err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario %s: %w", path, err)
	}
	return &scenario, nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}

	for i, step := range s.Steps {
		kinds := 0
		if step.Forward != nil {
			kinds++
			if len(step.Forward.Snapshot) == 0 {
				return fmt.Errorf("steps[%d].forward: snapshot is required", i)
			}
		}
		if step.Lists != nil {
			kinds++
			if len(step.Lists.Snapshot) == 0 {
				return fmt.Errorf("steps[%d].lists: snapshot is required", i)
			}
		}
		if step.Detect != nil {
			kinds++
		}
		if step.Edit != nil {
			kinds++
			if step.Edit.MemberID == "" {
				return fmt.Errorf("steps[%d].edit: member_id is required", i)
			}
			if len(step.Edit.Fields) == 0 {
				return fmt.Errorf("steps[%d].edit: fields is required", i)
			}
		}
		if kinds != 1 {
			return fmt.Errorf("steps[%d]: exactly one of forward, lists, detect, edit is required", i)
		}
	}
	return nil
}
