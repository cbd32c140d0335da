package ir

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// Persisted payloads are self-describing and independent of the live entity
// schema, so historical records stay readable after schema changes:
//
//	value:    {"type":"int","value":100}
//	fields:   [{"name":"balance","type":"int","value":100}, ...]
//	delta:    [{"name":"balance","new":{...},"old":{...}}, ...]
//
// Object keys are emitted in RFC 8785 order, strings without HTML escaping,
// fields sorted by name. The same input always produces the same bytes,
// which is what checksums are computed over.

// MarshalValue encodes a single value in its self-describing form.
func MarshalValue(v Value) ([]byte, error) {
	var buf bytes.Buffer
	if err := writeValue(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// MarshalFields encodes a snapshot as a name-sorted array of typed triples.
func MarshalFields(f Fields) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, name := range f.SortedKeys() {
		if i > 0 {
			buf.WriteByte(',')
		}
		val := f[name]
		if _, ok := val.(Absent); ok {
			return nil, fmt.Errorf("field %q: absent is not allowed in a snapshot", name)
		}
		buf.WriteString(`{"name":`)
		writeString(&buf, name)
		buf.WriteByte(',')
		if err := writeTypeAndValue(&buf, val); err != nil {
			return nil, fmt.Errorf("field %q: %w", name, err)
		}
		buf.WriteByte('}')
	}
	buf.WriteByte(']')
	return buf.Bytes(), nil
}

// MarshalDelta encodes a delta as a name-sorted array of old/new pairs.
func MarshalDelta(d Delta) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, name := range d.SortedKeys() {
		if i > 0 {
			buf.WriteByte(',')
		}
		ch := d[name]
		buf.WriteString(`{"name":`)
		writeString(&buf, name)
		buf.WriteString(`,"new":`)
		if err := writeValue(&buf, ch.New); err != nil {
			return nil, fmt.Errorf("field %q new: %w", name, err)
		}
		buf.WriteString(`,"old":`)
		if err := writeValue(&buf, ch.Old); err != nil {
			return nil, fmt.Errorf("field %q old: %w", name, err)
		}
		buf.WriteByte('}')
	}
	buf.WriteByte(']')
	return buf.Bytes(), nil
}

// KeyOf derives the canonical entity key from primary key fields.
// The key is compact canonical JSON of raw values, e.g. {"id":1}.
// Strings are NFC normalized so that visually identical keys collide.
func KeyOf(pk Fields) (Key, error) {
	if len(pk) == 0 {
		return "", errors.New("primary key has no fields")
	}
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, name := range pk.SortedKeys() {
		if i > 0 {
			buf.WriteByte(',')
		}
		writeString(&buf, norm.NFC.String(name))
		buf.WriteByte(':')
		switch val := pk[name].(type) {
		case String:
			writeString(&buf, norm.NFC.String(string(val)))
		case Int:
			buf.WriteString(strconv.FormatInt(int64(val), 10))
		case Bool:
			buf.WriteString(strconv.FormatBool(bool(val)))
		case Decimal:
			writeString(&buf, val.Normalized())
		case Time:
			writeString(&buf, val.t.Format(time.RFC3339Nano))
		case Bytes:
			writeString(&buf, base64.StdEncoding.EncodeToString(val))
		default:
			return "", fmt.Errorf("primary key field %q: %T is not a valid key value", name, pk[name])
		}
	}
	buf.WriteByte('}')
	return Key(buf.String()), nil
}

// MustKeyOf is like KeyOf but panics on error.
// Use only in tests or when inputs are known to be valid.
func MustKeyOf(pk Fields) Key {
	k, err := KeyOf(pk)
	if err != nil {
		panic(err)
	}
	return k
}

// ParseKey canonicalizes a key written as a JSON object of raw primary key
// values, e.g. {"id": 1}. Integral numbers become Int, other numbers Decimal.
func ParseKey(s string) (Key, error) {
	var raw map[string]any
	if err := decodeStrict([]byte(s), &raw); err != nil {
		return "", fmt.Errorf("parse key %q: %w", s, err)
	}
	pk := make(Fields, len(raw))
	for name, v := range raw {
		switch val := v.(type) {
		case json.Number:
			if i, err := strconv.ParseInt(string(val), 10, 64); err == nil {
				pk[name] = Int(i)
				continue
			}
			d, err := NewDecimal(string(val))
			if err != nil {
				return "", fmt.Errorf("parse key %q: field %q: %w", s, name, err)
			}
			pk[name] = d
		case string:
			pk[name] = String(val)
		case bool:
			pk[name] = Bool(val)
		default:
			return "", fmt.Errorf("parse key %q: field %q: %T is not a valid key value", s, name, v)
		}
	}
	return KeyOf(pk)
}

func writeValue(buf *bytes.Buffer, v Value) error {
	buf.WriteByte('{')
	if err := writeTypeAndValue(buf, v); err != nil {
		return err
	}
	buf.WriteByte('}')
	return nil
}

// writeTypeAndValue writes `"type":...,"value":...` without braces so the
// pair can be embedded in a field triple.
func writeTypeAndValue(buf *bytes.Buffer, v Value) error {
	if v == nil {
		return errors.New("nil value (use Null or Absent)")
	}
	buf.WriteString(`"type":`)
	writeString(buf, string(v.Type()))

	switch val := v.(type) {
	case Null, Absent:
		return nil
	case String:
		buf.WriteString(`,"value":`)
		writeString(buf, string(val))
	case Int:
		buf.WriteString(`,"value":`)
		buf.WriteString(strconv.FormatInt(int64(val), 10))
	case Bool:
		buf.WriteString(`,"value":`)
		buf.WriteString(strconv.FormatBool(bool(val)))
	case Decimal:
		buf.WriteString(`,"value":`)
		writeString(buf, val.String())
	case Time:
		buf.WriteString(`,"value":`)
		writeString(buf, val.t.Format(time.RFC3339Nano))
	case Bytes:
		buf.WriteString(`,"value":`)
		writeString(buf, base64.StdEncoding.EncodeToString(val))
	default:
		return fmt.Errorf("unknown value type: %T", v)
	}
	return nil
}

// writeString writes an RFC 8785 JSON string: only quote, backslash and
// control characters are escaped; <, >, & and U+2028/U+2029 are literal.
func writeString(buf *bytes.Buffer, s string) {
	const hex = "0123456789abcdef"
	buf.WriteByte('"')
	for _, r := range s {
		switch {
		case r == '"':
			buf.WriteString(`\"`)
		case r == '\\':
			buf.WriteString(`\\`)
		case r == '\b':
			buf.WriteString(`\b`)
		case r == '\f':
			buf.WriteString(`\f`)
		case r == '\n':
			buf.WriteString(`\n`)
		case r == '\r':
			buf.WriteString(`\r`)
		case r == '\t':
			buf.WriteString(`\t`)
		case r < 0x20:
			buf.WriteString(`\u00`)
			buf.WriteByte(hex[r>>4])
			buf.WriteByte(hex[r&0xF])
		case r == utf8.RuneError:
			buf.WriteRune(utf8.RuneError)
		default:
			buf.WriteRune(r)
		}
	}
	buf.WriteByte('"')
}

// wireValue is the decoded form of {"type":..,"value":..}.
type wireValue struct {
	Type  ValueType       `json:"type"`
	Value json.RawMessage `json:"value,omitempty"`
}

type wireField struct {
	Name  string          `json:"name"`
	Type  ValueType       `json:"type"`
	Value json.RawMessage `json:"value,omitempty"`
}

type wireChange struct {
	Name string    `json:"name"`
	Old  wireValue `json:"old"`
	New  wireValue `json:"new"`
}

// UnmarshalValue decodes a self-describing value.
func UnmarshalValue(data []byte) (Value, error) {
	var w wireValue
	if err := decodeStrict(data, &w); err != nil {
		return nil, fmt.Errorf("unmarshal value: %w", err)
	}
	return w.decode()
}

// UnmarshalFields decodes a snapshot payload.
func UnmarshalFields(data []byte) (Fields, error) {
	var ws []wireField
	if err := decodeStrict(data, &ws); err != nil {
		return nil, fmt.Errorf("unmarshal fields: %w", err)
	}
	f := make(Fields, len(ws))
	for _, w := range ws {
		v, err := wireValue{Type: w.Type, Value: w.Value}.decode()
		if err != nil {
			return nil, fmt.Errorf("unmarshal fields: field %q: %w", w.Name, err)
		}
		if _, dup := f[w.Name]; dup {
			return nil, fmt.Errorf("unmarshal fields: duplicate field %q", w.Name)
		}
		f[w.Name] = v
	}
	return f, nil
}

// UnmarshalDelta decodes a delta payload.
func UnmarshalDelta(data []byte) (Delta, error) {
	var ws []wireChange
	if err := decodeStrict(data, &ws); err != nil {
		return nil, fmt.Errorf("unmarshal delta: %w", err)
	}
	d := make(Delta, len(ws))
	for _, w := range ws {
		oldVal, err := w.Old.decode()
		if err != nil {
			return nil, fmt.Errorf("unmarshal delta: field %q old: %w", w.Name, err)
		}
		newVal, err := w.New.decode()
		if err != nil {
			return nil, fmt.Errorf("unmarshal delta: field %q new: %w", w.Name, err)
		}
		d[w.Name] = Change{Old: oldVal, New: newVal}
	}
	return d, nil
}

// decodeStrict decodes with UseNumber so large integers keep full precision.
func decodeStrict(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func (w wireValue) decode() (Value, error) {
	switch w.Type {
	case TypeNull:
		return Null{}, nil
	case TypeAbsent:
		return Absent{}, nil
	}

	if len(w.Value) == 0 {
		return nil, fmt.Errorf("type %q requires a value", w.Type)
	}

	switch w.Type {
	case TypeString:
		var s string
		if err := json.Unmarshal(w.Value, &s); err != nil {
			return nil, err
		}
		return String(s), nil

	case TypeInt:
		var n json.Number
		if err := decodeStrict(w.Value, &n); err != nil {
			return nil, err
		}
		i, err := strconv.ParseInt(string(n), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("int value %s: %w", n, err)
		}
		return Int(i), nil

	case TypeBool:
		var b bool
		if err := json.Unmarshal(w.Value, &b); err != nil {
			return nil, err
		}
		return Bool(b), nil

	case TypeDecimal:
		var s string
		if err := json.Unmarshal(w.Value, &s); err != nil {
			return nil, err
		}
		return NewDecimal(s)

	case TypeTime:
		var s string
		if err := json.Unmarshal(w.Value, &s); err != nil {
			return nil, err
		}
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return nil, err
		}
		return NewTime(t), nil

	case TypeBytes:
		var s string
		if err := json.Unmarshal(w.Value, &s); err != nil {
			return nil, err
		}
		b, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, err
		}
		return Bytes(b), nil

	default:
		return nil, fmt.Errorf("unknown value type %q", w.Type)
	}
}

// MarshalJSON implements json.Marshaler using the self-describing payload form.
func (f Fields) MarshalJSON() ([]byte, error) {
	return MarshalFields(f)
}

// UnmarshalJSON implements json.Unmarshaler for the self-describing payload form.
func (f *Fields) UnmarshalJSON(data []byte) error {
	decoded, err := UnmarshalFields(data)
	if err != nil {
		return err
	}
	*f = decoded
	return nil
}

// MarshalJSON implements json.Marshaler using the self-describing payload form.
func (d Delta) MarshalJSON() ([]byte, error) {
	return MarshalDelta(d)
}

// UnmarshalJSON implements json.Unmarshaler for the self-describing payload form.
func (d *Delta) UnmarshalJSON(data []byte) error {
	decoded, err := UnmarshalDelta(data)
	if err != nil {
		return err
	}
	*d = decoded
	return nil
}
