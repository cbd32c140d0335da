package ir

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalValue(t *testing.T) {
	tests := []struct {
		name     string
		input    Value
		expected string
	}{
		{"null", Null{}, `{"type":"null"}`},
		{"absent", Absent{}, `{"type":"absent"}`},
		{"string", String("hello"), `{"type":"string","value":"hello"}`},
		{"empty string", String(""), `{"type":"string","value":""}`},
		{"html not escaped", String("a<b>&c"), `{"type":"string","value":"a<b>&c"}`},
		{"control chars", String("x\n\"\\\x01"), `{"type":"string","value":"x\n\"\\\u0001"}`},
		{"line separator literal", String("a\u2028b"), "{\"type\":\"string\",\"value\":\"a\u2028b\"}"},
		{"int", Int(42), `{"type":"int","value":42}`},
		{"max int64", Int(9223372036854775807), `{"type":"int","value":9223372036854775807}`},
		{"min int64", Int(-9223372036854775808), `{"type":"int","value":-9223372036854775808}`},
		{"bool", Bool(true), `{"type":"bool","value":true}`},
		{"decimal keeps scale", MustDecimal("1.50"), `{"type":"decimal","value":"1.50"}`},
		{"time", NewTime(time.Date(2024, 1, 2, 3, 4, 5, 500000000, time.UTC)), `{"type":"time","value":"2024-01-02T03:04:05.5Z"}`},
		{"bytes", Bytes{1, 2, 3}, `{"type":"bytes","value":"AQID"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := MarshalValue(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, string(result))
		})
	}
}

func TestMarshalValueNil(t *testing.T) {
	_, err := MarshalValue(nil)
	require.Error(t, err)
}

func TestValueRoundTrip(t *testing.T) {
	values := []Value{
		Null{},
		Absent{},
		String("héllo   <tag>"),
		Int(-9223372036854775808),
		Int(9007199254740993), // beyond float64 precision
		Bool(false),
		MustDecimal("12345678901234567890.000001"),
		NewTime(time.Date(2024, 1, 2, 3, 4, 5, 123456789, time.UTC)),
		Bytes{0x00, 0xff},
	}

	for _, v := range values {
		t.Run(string(v.Type()), func(t *testing.T) {
			data, err := MarshalValue(v)
			require.NoError(t, err)

			decoded, err := UnmarshalValue(data)
			require.NoError(t, err)

			again, err := MarshalValue(decoded)
			require.NoError(t, err)
			assert.Equal(t, string(data), string(again))
			assert.Equal(t, v.Type(), decoded.Type())
		})
	}
}

func TestUnmarshalValueKeepsIntPrecision(t *testing.T) {
	v, err := UnmarshalValue([]byte(`{"type":"int","value":9007199254740993}`))
	require.NoError(t, err)
	assert.Equal(t, Int(9007199254740993), v)
}

func TestUnmarshalValueErrors(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"unknown type", `{"type":"float","value":1.5}`},
		{"missing value", `{"type":"int"}`},
		{"int with fraction", `{"type":"int","value":1.5}`},
		{"int overflow", `{"type":"int","value":9223372036854775808}`},
		{"bad decimal", `{"type":"decimal","value":"abc"}`},
		{"bad time", `{"type":"time","value":"yesterday"}`},
		{"bad base64", `{"type":"bytes","value":"!!"}`},
		{"unknown field", `{"type":"null","extra":1}`},
		{"not json", `{`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := UnmarshalValue([]byte(tt.input))
			assert.Error(t, err)
		})
	}
}

func TestMarshalFieldsSortedAndCompact(t *testing.T) {
	f := NewFields(
		F("name", String("A")),
		F("id", Int(1)),
		F("balance", Int(100)),
	)

	result, err := MarshalFields(f)
	require.NoError(t, err)
	assert.Equal(t,
		`[{"name":"balance","type":"int","value":100},{"name":"id","type":"int","value":1},{"name":"name","type":"string","value":"A"}]`,
		string(result))
}

func TestMarshalFieldsEmpty(t *testing.T) {
	result, err := MarshalFields(nil)
	require.NoError(t, err)
	assert.Equal(t, "[]", string(result))

	decoded, err := UnmarshalFields(result)
	require.NoError(t, err)
	assert.True(t, decoded.IsEmpty())
}

func TestMarshalFieldsRejectsAbsent(t *testing.T) {
	_, err := MarshalFields(NewFields(F("gone", Absent{})))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "gone")
}

func TestUnmarshalFieldsRejectsDuplicates(t *testing.T) {
	_, err := UnmarshalFields([]byte(`[{"name":"a","type":"null"},{"name":"a","type":"null"}]`))
	require.Error(t, err)
}

func TestFieldsRoundTrip(t *testing.T) {
	f := NewFields(
		F("id", Int(1)),
		F("name", String("A")),
		F("balance", MustDecimal("100.50")),
		F("note", Null{}),
	)

	data, err := MarshalFields(f)
	require.NoError(t, err)

	decoded, err := UnmarshalFields(data)
	require.NoError(t, err)

	assert.Equal(t, f.SortedKeys(), decoded.SortedKeys())
	assert.Equal(t, Int(1), decoded["id"])
	assert.Equal(t, String("A"), decoded["name"])
	assert.Equal(t, Null{}, decoded["note"])
	assert.Equal(t, "100.50", decoded["balance"].(Decimal).String())
}

func TestDeltaRoundTrip(t *testing.T) {
	d := Delta{
		"balance":  {Old: Int(100), New: Int(150)},
		"nickname": {Old: Absent{}, New: String("Al")},
		"legacy":   {Old: String("x"), New: Absent{}},
	}

	data, err := MarshalDelta(d)
	require.NoError(t, err)

	decoded, err := UnmarshalDelta(data)
	require.NoError(t, err)
	assert.Equal(t, d, decoded)
}

func TestFieldsAndDeltaImplementJSON(t *testing.T) {
	rec := VersionRecord{
		EntityType:    "account",
		EntityKey:     `{"id":1}`,
		TransactionID: 2,
		Version:       2,
		Segment:       1,
		Operation:     OpUpdate,
		Delta:         Delta{"balance": {Old: Int(100), New: Int(150)}},
		Snapshot:      NewFields(F("id", Int(1)), F("balance", Int(150))),
		Checksum:      "abc",
	}

	data, err := json.Marshal(rec)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"delta":[{"name":"balance","new":{"type":"int","value":150},"old":{"type":"int","value":100}}]`)

	var decoded VersionRecord
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, rec, decoded)
}

func TestKeyOf(t *testing.T) {
	tests := []struct {
		name string
		pk   Fields
		want Key
	}{
		{"single int", NewFields(F("id", Int(1))), `{"id":1}`},
		{"composite sorted", NewFields(F("b", Int(2)), F("a", String("x"))), `{"a":"x","b":2}`},
		{"decimal normalized", NewFields(F("n", MustDecimal("1.50"))), `{"n":"1.5"}`},
		{"bool", NewFields(F("flag", Bool(true))), `{"flag":true}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			k, err := KeyOf(tt.pk)
			require.NoError(t, err)
			assert.Equal(t, tt.want, k)
		})
	}
}

func TestKeyOfNFC(t *testing.T) {
	composed := MustKeyOf(NewFields(F("code", String("\u00e9"))))
	decomposed := MustKeyOf(NewFields(F("code", String("e\u0301"))))

	assert.Equal(t, composed, decomposed)
}

func TestKeyOfRejectsInvalid(t *testing.T) {
	_, err := KeyOf(nil)
	require.Error(t, err)

	_, err = KeyOf(NewFields(F("id", Null{})))
	require.Error(t, err)

	_, err = KeyOf(NewFields(F("id", Absent{})))
	require.Error(t, err)
}

func TestPayloadGolden(t *testing.T) {
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)

	snapshot := NewFields(
		F("id", Int(1)),
		F("name", String("A")),
		F("balance", MustDecimal("100.50")),
		F("active", Bool(true)),
		F("note", Null{}),
		F("opened", NewTime(time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC))),
	)
	snapshotJSON, err := MarshalFields(snapshot)
	require.NoError(t, err)
	g.Assert(t, "snapshot_payload", snapshotJSON)

	delta := Delta{
		"balance":  {Old: Int(100), New: Int(150)},
		"nickname": {Old: Absent{}, New: String("Al")},
	}
	deltaJSON, err := MarshalDelta(delta)
	require.NoError(t, err)
	g.Assert(t, "delta_payload", deltaJSON)
}

func TestParseKey(t *testing.T) {
	tests := []struct {
		input    string
		expected Key
	}{
		{`{"id":1}`, `{"id":1}`},
		{` { "tenant" : "acme", "id" : 7 } `, `{"id":7,"tenant":"acme"}`},
		{`{"code":"x","active":true}`, `{"active":true,"code":"x"}`},
		{`{"amount":1.50}`, `{"amount":"1.5"}`},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseKey(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestParseKeyErrors(t *testing.T) {
	for _, input := range []string{``, `1`, `{}`, `{"id":null}`, `{"id":[1]}`, `{"id":1`} {
		_, err := ParseKey(input)
		assert.Error(t, err, input)
	}
}
