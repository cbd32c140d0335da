package harness

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/roach88/chronicle/internal/ir"
)

// Scenario is a sequence of units of work followed by history assertions.
type Scenario struct {
	Name        string      `yaml:"name"`
	Description string      `yaml:"description"`
	Units       []Unit      `yaml:"units"`
	Assertions  []Assertion `yaml:"assertions"`
}

// Unit is one unit of work, committed in its own transaction.
type Unit struct {
	Actor      string            `yaml:"actor,omitempty"`
	RemoteAddr string            `yaml:"remote_addr,omitempty"`
	Metadata   map[string]string `yaml:"metadata,omitempty"`
	Steps      []Step            `yaml:"steps"`

	// ExpectError is the error code the commit must fail with.
	ExpectError ir.ErrorCode `yaml:"expect_error,omitempty"`
}

// Step is a single entity mutation inside a unit.
type Step struct {
	Op     ir.Operation   `yaml:"op"`
	Entity string         `yaml:"entity"`
	Key    map[string]any `yaml:"key"`

	// Fields are the non-key fields. For update they are merged into the
	// live entity.
	Fields map[string]any `yaml:"fields,omitempty"`

	// Unset removes fields from the live entity (update only).
	Unset []string `yaml:"unset,omitempty"`
}

// Assertion validates history after all units ran.
type Assertion struct {
	Type   string         `yaml:"type"`
	Entity string         `yaml:"entity,omitempty"`
	Key    map[string]any `yaml:"key,omitempty"`

	// Operations is the expected operation sequence (versions).
	Operations []ir.Operation `yaml:"operations,omitempty"`

	// AsOf is the transaction id to query (state_at, not_found_at).
	AsOf int64 `yaml:"as_of,omitempty"`

	// Expect is the expected field map (state_at) or per-field old/new
	// pairs (diff).
	Expect map[string]any `yaml:"expect,omitempty"`

	// From, To, IncludeFrom and ExcludeTo select the diff range.
	From        int64 `yaml:"from,omitempty"`
	To          int64 `yaml:"to,omitempty"`
	IncludeFrom bool  `yaml:"include_from,omitempty"`
	ExcludeTo   bool  `yaml:"exclude_to,omitempty"`

	// ID, Actor, EntityTypes and Count describe a transaction.
	ID          int64             `yaml:"id,omitempty"`
	Actor       string            `yaml:"actor,omitempty"`
	Metadata    map[string]string `yaml:"metadata,omitempty"`
	EntityTypes []string          `yaml:"entity_types,omitempty"`
	Count       *int              `yaml:"count,omitempty"`
}

// Assertion type constants.
const (
	AssertVersions    = "versions"
	AssertStateAt     = "state_at"
	AssertNotFoundAt  = "not_found_at"
	AssertDiff        = "diff"
	AssertTransaction = "transaction"
)

// LoadScenario reads and parses a scenario YAML file.
// Unknown fields are rejected so typos surface as errors.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
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

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return errors.New("name is required")
	}
	if len(s.Units) == 0 {
		return errors.New("units list is required and must be non-empty")
	}

	for i, u := range s.Units {
		if len(u.Steps) == 0 {
			return fmt.Errorf("units[%d]: steps list is required and must be non-empty", i)
		}
		for j, step := range u.Steps {
			if err := validateStep(step); err != nil {
				return fmt.Errorf("units[%d].steps[%d]: %w", i, j, err)
			}
		}
	}

	for i, a := range s.Assertions {
		if err := validateAssertion(a); err != nil {
			return fmt.Errorf("assertions[%d]: %w", i, err)
		}
	}
	return nil
}

func validateStep(step Step) error {
	if !step.Op.Valid() {
		return fmt.Errorf("unknown op %q", step.Op)
	}
	if step.Entity == "" {
		return errors.New("entity is required")
	}
	if len(step.Key) == 0 {
		return errors.New("key is required")
	}
	for name := range step.Fields {
		if _, ok := step.Key[name]; ok {
			return fmt.Errorf("field %q is part of the key", name)
		}
	}
	if len(step.Unset) > 0 && step.Op != ir.OpUpdate {
		return fmt.Errorf("unset is only valid for update")
	}
	return nil
}

func validateAssertion(a Assertion) error {
	switch a.Type {
	case AssertVersions, AssertStateAt, AssertNotFoundAt, AssertDiff:
		if a.Entity == "" || len(a.Key) == 0 {
			return fmt.Errorf("entity and key are required for %s", a.Type)
		}
	case AssertTransaction:
		if a.ID < 1 {
			return errors.New("id is required for transaction")
		}
	case "":
		return errors.New("type is required")
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}

	switch a.Type {
	case AssertStateAt:
		if a.Expect == nil {
			return errors.New("expect is required for state_at")
		}
	case AssertDiff:
		if a.From > a.To {
			return fmt.Errorf("diff range is reversed: from %d > to %d", a.From, a.To)
		}
	}
	return nil
}
