package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultActor records steps that name no actor.
const DefaultActor = "harness"

// Scenario is one ledger scenario.
type Scenario struct {
	// Name identifies the scenario and its golden file.
	Name        string `yaml:"name"`
	Description string `yaml:"description"`

	// Subsystem selects the projection, e.g. "tasks".
	Subsystem string `yaml:"subsystem"`

	// Actor records every step that does not set its own.
	Actor string `yaml:"actor,omitempty"`

	Steps      []Step      `yaml:"steps"`
	Assertions []Assertion `yaml:"assertions"`
}

// Step records one event.
type Step struct {
	Event   string         `yaml:"event"`
	Subject string         `yaml:"subject,omitempty"`
	Payload map[string]any `yaml:"payload,omitempty"`
	Actor   string         `yaml:"actor,omitempty"`

	// Pending appends the event without applying it.
	Pending bool `yaml:"pending,omitempty"`

	// Expect checks the outcome. A nil Expect means the step must succeed.
	Expect *Expect `yaml:"expect,omitempty"`
}

// Expect describes a step outcome.
type Expect struct {
	// Error is the expected error code, e.g. E_VALIDATION. Empty means
	// success.
	Error string `yaml:"error,omitempty"`
	// Contains must appear in the error message.
	Contains string `yaml:"contains,omitempty"`
	// Subject is the id the event resolved to, for merges.
	Subject string `yaml:"subject,omitempty"`
	// Action is the projection's description of what it did.
	Action string `yaml:"action,omitempty"`
}

// Assertion checks the final state.
type Assertion struct {
	// Type is one of row, row_count, ledger_count.
	Type string `yaml:"type"`

	// Table is the projection table (row, row_count).
	Table string `yaml:"table,omitempty"`

	// Where selects rows by exact column match (row, row_count).
	Where map[string]any `yaml:"where,omitempty"`

	// Expect is a subset of columns the selected row must have (row).
	// A column mapped to null must be NULL.
	Expect map[string]any `yaml:"expect,omitempty"`

	// Count is the expected number of rows or ledger lines.
	Count *int `yaml:"count,omitempty"`
}

// Assertion types.
const (
	AssertRow         = "row"
	AssertRowCount    = "row_count"
	AssertLedgerCount = "ledger_count"
)

// LoadScenario reads and validates a scenario file. Unknown fields are
// rejected so that typos fail loudly.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario decodes and validates a scenario document.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario %q: %w", scenario.Name, err)
	}
	return &scenario, nil
}

// Discover returns the scenario files under each of paths in lexical
// order. A path that is a file is returned as is.
func Discover(paths ...string) ([]string, error) {
	var found []string
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, fmt.Errorf("scenario path %s: %w", p, err)
		}
		if !info.IsDir() {
			found = append(found, p)
			continue
		}
		err = filepath.WalkDir(p, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.IsDir() && (strings.HasSuffix(path, ".yaml") || strings.HasSuffix(path, ".yml")) {
				found = append(found, path)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("walk %s: %w", p, err)
		}
	}
	slices.Sort(found)
	return slices.Compact(found), nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if s.Subsystem == "" {
		return fmt.Errorf("subsystem is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}

	for i, step := range s.Steps {
		if step.Event == "" {
			return fmt.Errorf("steps[%d]: event is required", i)
		}
		if step.Expect != nil && step.Expect.Error == "" && step.Expect.Contains != "" {
			return fmt.Errorf("steps[%d].expect: contains requires error", i)
		}
	}

	for i, a := range s.Assertions {
		if err := validateAssertion(i, &a); err != nil {
			return err
		}
	}
	return nil
}

func validateAssertion(index int, a *Assertion) error {
	switch a.Type {
	case "":
		return fmt.Errorf("assertions[%d]: type is required", index)
	case AssertRow:
		if a.Table == "" {
			return fmt.Errorf("assertions[%d]: table is required for row", index)
		}
		if len(a.Where) == 0 || len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: where and expect are required for row", index)
		}
	case AssertRowCount:
		if a.Table == "" {
			return fmt.Errorf("assertions[%d]: table is required for row_count", index)
		}
		if a.Count == nil || *a.Count < 0 {
			return fmt.Errorf("assertions[%d]: a non-negative count is required for row_count", index)
		}
	case AssertLedgerCount:
		if a.Count == nil || *a.Count < 0 {
			return fmt.Errorf("assertions[%d]: a non-negative count is required for ledger_count", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
