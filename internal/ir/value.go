package ir

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/cockroachdb/apd/v3"
)

// Value is a sealed interface representing a typed field value.
// Only Null, Absent, String, Int, Bool, Decimal, Time and Bytes implement it.
// There is no float variant: binary floats are converted to Decimal on entry.
type Value interface {
	// Type returns the self-describing type tag used in persisted payloads.
	Type() ValueType

	irValue() // Sealed - only these types implement it
}

// ValueType is the type tag written next to every persisted value.
type ValueType string

const (
	TypeNull    ValueType = "null"
	TypeAbsent  ValueType = "absent"
	TypeString  ValueType = "string"
	TypeInt     ValueType = "int"
	TypeBool    ValueType = "bool"
	TypeDecimal ValueType = "decimal"
	TypeTime    ValueType = "time"
	TypeBytes   ValueType = "bytes"
)

// Null represents a SQL NULL column value.
type Null struct{}

func (Null) Type() ValueType { return TypeNull }
func (Null) irValue()        {}

// Absent marks a field that does not exist on one side of a change.
// It never appears inside a snapshot, only inside deltas.
type Absent struct{}

func (Absent) Type() ValueType { return TypeAbsent }
func (Absent) irValue()        {}

// String represents a textual value.
type String string

func (String) Type() ValueType { return TypeString }
func (String) irValue()        {}

// Int represents an integer value.
type Int int64

func (Int) Type() ValueType { return TypeInt }
func (Int) irValue()        {}

// Bool represents a boolean value.
type Bool bool

func (Bool) Type() ValueType { return TypeBool }
func (Bool) irValue()        {}

// Decimal represents an arbitrary-precision numeric value.
// The original textual representation is preserved; comparisons are by value.
type Decimal struct {
	d *apd.Decimal
}

func (Decimal) Type() ValueType { return TypeDecimal }
func (Decimal) irValue()        {}

// Time represents an instant, stored in UTC with nanosecond precision.
type Time struct {
	t time.Time
}

func (Time) Type() ValueType { return TypeTime }
func (Time) irValue()        {}

// Bytes represents a binary value.
type Bytes []byte

func (Bytes) Type() ValueType { return TypeBytes }
func (Bytes) irValue()        {}

// NewDecimal parses a decimal from its textual form ("100", "1.50", "-3e2").
func NewDecimal(s string) (Decimal, error) {
	d, _, err := apd.NewFromString(s)
	if err != nil {
		return Decimal{}, fmt.Errorf("parse decimal %q: %w", s, err)
	}
	return Decimal{d: d}, nil
}

// MustDecimal is like NewDecimal but panics on error.
// Use only in tests or when inputs are known to be valid.
func MustDecimal(s string) Decimal {
	d, err := NewDecimal(s)
	if err != nil {
		panic(err)
	}
	return d
}

// DecimalFromInt returns the decimal with the given integer value.
func DecimalFromInt(n int64) Decimal {
	return Decimal{d: apd.New(n, 0)}
}

// DecimalFromFloat converts a binary float to its shortest decimal form.
func DecimalFromFloat(f float64) (Decimal, error) {
	d, err := new(apd.Decimal).SetFloat64(f)
	if err != nil {
		return Decimal{}, fmt.Errorf("convert float %v: %w", f, err)
	}
	return Decimal{d: d}, nil
}

// String returns the decimal as written, without exponent notation.
func (v Decimal) String() string {
	if v.d == nil {
		return "0"
	}
	return v.d.Text('f')
}

// Normalized returns the value with trailing zeros removed ("1.50" -> "1.5").
func (v Decimal) Normalized() string {
	if v.d == nil {
		return "0"
	}
	var r apd.Decimal
	r.Reduce(v.d)
	return r.Text('f')
}

// Cmp compares two decimals by numeric value.
func (v Decimal) Cmp(other Decimal) int {
	a, b := v.d, other.d
	if a == nil {
		a = apd.New(0, 0)
	}
	if b == nil {
		b = apd.New(0, 0)
	}
	return a.Cmp(b)
}

// NewTime wraps an instant, normalizing it to UTC.
func NewTime(t time.Time) Time {
	return Time{t: t.UTC()}
}

// Time returns the wrapped instant in UTC.
func (v Time) Time() time.Time {
	return v.t
}

// FromGo converts a Go value to a Value.
// Supported: nil, Value, string, bool, all int widths, float32/float64
// (as Decimal), time.Time, []byte, *apd.Decimal.
func FromGo(v any) (Value, error) {
	switch val := v.(type) {
	case nil:
		return Null{}, nil
	case Value:
		return val, nil
	case string:
		return String(val), nil
	case bool:
		return Bool(val), nil
	case int:
		return Int(val), nil
	case int8:
		return Int(val), nil
	case int16:
		return Int(val), nil
	case int32:
		return Int(val), nil
	case int64:
		return Int(val), nil
	case uint8:
		return Int(val), nil
	case uint16:
		return Int(val), nil
	case uint32:
		return Int(val), nil
	case float32:
		return DecimalFromFloat(float64(val))
	case float64:
		return DecimalFromFloat(val)
	case time.Time:
		return NewTime(val), nil
	case []byte:
		return Bytes(bytes.Clone(val)), nil
	case *apd.Decimal:
		if val == nil {
			return Null{}, nil
		}
		return Decimal{d: new(apd.Decimal).Set(val)}, nil
	default:
		return nil, fmt.Errorf("unsupported field value type: %T", v)
	}
}

// MustFromGo is like FromGo but panics on error.
// Use only in tests or when inputs are known to be valid.
func MustFromGo(v any) Value {
	val, err := FromGo(v)
	if err != nil {
		panic(err)
	}
	return val
}

// Format renders a value for human-readable output (CLI text mode, logs).
func Format(v Value) string {
	switch val := v.(type) {
	case nil:
		return "<nil>"
	case Null:
		return "null"
	case Absent:
		return "<absent>"
	case String:
		return fmt.Sprintf("%q", string(val))
	case Int:
		return fmt.Sprintf("%d", int64(val))
	case Bool:
		return fmt.Sprintf("%t", bool(val))
	case Decimal:
		return val.String()
	case Time:
		return val.t.Format(time.RFC3339Nano)
	case Bytes:
		return "base64:" + base64.StdEncoding.EncodeToString(val)
	default:
		return fmt.Sprintf("%v", v)
	}
}
