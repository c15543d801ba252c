package harness

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Scenario defines a kernel scenario: a schema, a sequence of changes
// and assertions on the resulting graph.
type Scenario struct {
	// Name uniquely identifies this scenario. It names the golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Schema is inline CUE declaring attributes and entity types on top of
	// the built-in ones.
	Schema string `yaml:"schema,omitempty"`

	// StorageKey tags created entities. Defaults to "main".
	StorageKey string `yaml:"storage_key,omitempty"`

	// Steps run in order, one change each.
	Steps []Step `yaml:"steps"`

	// RoundTrip reloads the final graph from its durable snapshot and
	// asserts again on the reloaded graph.
	RoundTrip bool `yaml:"round_trip,omitempty"`

	// Assertions validate the final graph.
	Assertions []Assertion `yaml:"assertions"`
}

// Step is one change. Exactly one field is set.
type Step struct {
	Create  *CreateStep `yaml:"create,omitempty"`
	Add     *FactStep   `yaml:"add,omitempty"`
	Retract *FactStep   `yaml:"retract,omitempty"`
	// Delete retracts the entity with this uid and every reference to it.
	Delete string `yaml:"delete,omitempty"`
	// Tag adds the storage key to the entity with this uid.
	Tag string `yaml:"tag,omitempty"`
	// Untag removes the storage key from the entity with this uid.
	Untag string `yaml:"untag,omitempty"`

	// ExpectError, when set, requires the change to fail with an error
	// containing this text. The failed change commits nothing.
	ExpectError string `yaml:"expect_error,omitempty"`
}

// Op names the step's operation.
func (s Step) Op() string {
	switch {
	case s.Create != nil:
		return OpCreate
	case s.Add != nil:
		return OpAdd
	case s.Retract != nil:
		return OpRetract
	case s.Delete != "":
		return OpDelete
	case s.Tag != "":
		return OpTag
	case s.Untag != "":
		return OpUntag
	default:
		return ""
	}
}

func (s Step) ops() int {
	n := 0
	for _, set := range []bool{s.Create != nil, s.Add != nil, s.Retract != nil, s.Delete != "", s.Tag != "", s.Untag != ""} {
		if set {
			n++
		}
	}
	return n
}

// Step operations.
const (
	OpCreate  = "create"
	OpAdd     = "add"
	OpRetract = "retract"
	OpDelete  = "delete"
	OpTag     = "tag"
	OpUntag   = "untag"
)

// CreateStep mints a tagged entity.
type CreateStep struct {
	UID   string         `yaml:"uid"`
	Type  string         `yaml:"type,omitempty"`
	Attrs map[string]any `yaml:"attrs,omitempty"`
	// Untagged skips the storage key.
	Untagged bool `yaml:"untagged,omitempty"`
}

// FactStep addresses one attribute value of an entity.
type FactStep struct {
	Entity string `yaml:"entity"`
	Attr   string `yaml:"attr"`
	Value  any    `yaml:"value"`
}

// Assertion validates the final graph.
type Assertion struct {
	// Type is one of fact, absent, exists, missing, count.
	Type string `yaml:"type"`

	// Entity is the uid addressed by fact, absent, exists and missing.
	Entity string `yaml:"entity,omitempty"`

	// Attr and Value are checked by fact and absent. A nil Value matches
	// any value.
	Attr  string `yaml:"attr,omitempty"`
	Value any    `yaml:"value,omitempty"`

	// EntityType and Count are checked by count.
	EntityType string `yaml:"entity_type,omitempty"`
	Count      int    `yaml:"count,omitempty"`
}

// Assertion type constants.
const (
	AssertFact    = "fact"
	AssertAbsent  = "absent"
	AssertExists  = "exists"
	AssertMissing = "missing"
	AssertCount   = "count"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	// Strict field validation catches typos like "assertion:" vs "assertions:"
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
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
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	for i, step := range s.Steps {
		if n := step.ops(); n != 1 {
			return fmt.Errorf("steps[%d]: exactly one operation is required, found %d", i, n)
		}
		switch {
		case step.Create != nil && step.Create.UID == "":
			return fmt.Errorf("steps[%d]: create.uid is required", i)
		case step.Add != nil && (step.Add.Entity == "" || step.Add.Attr == "" || step.Add.Value == nil):
			return fmt.Errorf("steps[%d]: add needs entity, attr and value", i)
		case step.Retract != nil && (step.Retract.Entity == "" || step.Retract.Attr == ""):
			return fmt.Errorf("steps[%d]: retract needs entity and attr", i)
		}
	}

	for i, a := range s.Assertions {
		switch a.Type {
		case AssertFact, AssertAbsent:
			if a.Entity == "" || a.Attr == "" {
				return fmt.Errorf("assertions[%d]: %s needs entity and attr", i, a.Type)
			}
		case AssertExists, AssertMissing:
			if a.Entity == "" {
				return fmt.Errorf("assertions[%d]: %s needs entity", i, a.Type)
			}
		case AssertCount:
			if a.EntityType == "" {
				return fmt.Errorf("assertions[%d]: count needs entity_type", i)
			}
		case "":
			return fmt.Errorf("assertions[%d]: type is required", i)
		default:
			return fmt.Errorf("assertions[%d]: unknown type %q", i, a.Type)
		}
	}
	return nil
}
