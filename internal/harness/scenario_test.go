package harness

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/chronicle/internal/ir"
)

func TestLoadScenario(t *testing.T) {
	s, err := LoadScenario(filepath.Join("testdata", "scenarios", "account_lifecycle.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "account_lifecycle", s.Name)
	require.Len(t, s.Units, 3)
	assert.Equal(t, "alice", s.Units[0].Actor)
	assert.Equal(t, map[string]string{"reason": "signup"}, s.Units[0].Metadata)

	step := s.Units[0].Steps[0]
	assert.Equal(t, ir.OpCreate, step.Op)
	assert.Equal(t, "account", step.Entity)
	assert.Equal(t, map[string]any{"id": 1}, step.Key)
	assert.Equal(t, map[string]any{"name": "A", "balance": 100}, step.Fields)

	require.Len(t, s.Assertions, 6)
	assert.Equal(t, AssertVersions, s.Assertions[0].Type)
	assert.Equal(t, []ir.Operation{ir.OpCreate, ir.OpUpdate, ir.OpDelete}, s.Assertions[0].Operations)
	require.NotNil(t, s.Assertions[5].Count)
	assert.Equal(t, 1, *s.Assertions[5].Count)
}

func TestLoadScenario_MissingFile(t *testing.T) {
	_, err := LoadScenario(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.ErrorContains(t, err, "failed to read scenario file")
}

func TestParseScenario_Invalid(t *testing.T) {
	const unit = `
units:
  - steps:
      - op: create
        entity: account
        key: { id: 1 }
`
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"unknown field", "name: x\nunitz: []\n", "failed to parse YAML"},
		{"missing name", unit, "name is required"},
		{"no units", "name: x\n", "units list is required"},
		{"empty steps", "name: x\nunits:\n  - actor: a\n", "steps list is required"},
		{"bad op", "name: x\nunits:\n  - steps:\n      - { op: upsert, entity: a, key: { id: 1 } }\n", `unknown op "upsert"`},
		{"no entity", "name: x\nunits:\n  - steps:\n      - { op: create, key: { id: 1 } }\n", "entity is required"},
		{"no key", "name: x\nunits:\n  - steps:\n      - { op: create, entity: a }\n", "key is required"},
		{"key in fields", "name: x\nunits:\n  - steps:\n      - { op: create, entity: a, key: { id: 1 }, fields: { id: 2 } }\n", `field "id" is part of the key`},
		{"unset on create", "name: x\nunits:\n  - steps:\n      - { op: create, entity: a, key: { id: 1 }, unset: [b] }\n", "unset is only valid for update"},
		{"assertion type", "name: x" + unit + "assertions:\n  - { type: bogus }\n", `unknown assertion type "bogus"`},
		{"assertion no type", "name: x" + unit + "assertions:\n  - { entity: a }\n", "type is required"},
		{"assertion no key", "name: x" + unit + "assertions:\n  - { type: versions, entity: a }\n", "entity and key are required"},
		{"state without expect", "name: x" + unit + "assertions:\n  - { type: state_at, entity: a, key: { id: 1 }, as_of: 1 }\n", "expect is required"},
		{"reversed diff", "name: x" + unit + "assertions:\n  - { type: diff, entity: a, key: { id: 1 }, from: 3, to: 1 }\n", "diff range is reversed"},
		{"transaction without id", "name: x" + unit + "assertions:\n  - { type: transaction }\n", "id is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseScenario([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
