package ir

import (
	"maps"
	"slices"
	"unicode/utf16"
)

// Fields maps field names to values: a row snapshot or a primary key.
// Use SortedKeys() for deterministic iteration.
type Fields map[string]Value

// Pair is a named value for ergonomic Fields construction.
// Example: NewFields(F("id", Int(1)), F("name", String("A")))
type Pair struct {
	Name  string
	Value Value
}

// F builds a Pair.
func F(name string, value Value) Pair {
	return Pair{Name: name, Value: value}
}

// NewFields creates Fields from pairs.
func NewFields(pairs ...Pair) Fields {
	f := make(Fields, len(pairs))
	for _, p := range pairs {
		f[p.Name] = p.Value
	}
	return f
}

// FieldsFromMap converts a map of Go values (e.g. decoded YAML) into Fields.
func FieldsFromMap(m map[string]any) (Fields, error) {
	f := make(Fields, len(m))
	for k, v := range m {
		val, err := FromGo(v)
		if err != nil {
			return nil, &fieldError{field: k, err: err}
		}
		f[k] = val
	}
	return f, nil
}

// SortedKeys returns keys in RFC 8785 canonical order (UTF-16 code units).
// CRITICAL: Go's sort.Strings uses UTF-8 which produces DIFFERENT order.
func (f Fields) SortedKeys() []string {
	return sortedKeys(f)
}

// Clone returns a shallow copy. Values are immutable so this is a full copy.
func (f Fields) Clone() Fields {
	if f == nil {
		return Fields{}
	}
	return maps.Clone(f)
}

// IsEmpty reports whether there are no fields.
func (f Fields) IsEmpty() bool {
	return len(f) == 0
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, compareKeysRFC8785)
	return keys
}

// compareKeysRFC8785 compares strings using UTF-16 code unit ordering
// as required by RFC 8785 (Canonical JSON).
func compareKeysRFC8785(a, b string) int {
	a16 := utf16.Encode([]rune(a))
	b16 := utf16.Encode([]rune(b))

	minLen := min(len(a16), len(b16))
	for i := 0; i < minLen; i++ {
		if a16[i] != b16[i] {
			if a16[i] < b16[i] {
				return -1
			}
			return 1
		}
	}

	// If all compared units are equal, shorter string comes first
	switch {
	case len(a16) < len(b16):
		return -1
	case len(a16) > len(b16):
		return 1
	}
	return 0
}

type fieldError struct {
	field string
	err   error
}

func (e *fieldError) Error() string {
	return "field " + e.field + ": " + e.err.Error()
}

func (e *fieldError) Unwrap() error {
	return e.err
}
