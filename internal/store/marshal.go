package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/roach88/chronicle/internal/ir"
)

// marshalSnapshot converts a snapshot to its self-describing JSON TEXT form.
func marshalSnapshot(f ir.Fields) (string, error) {
	data, err := ir.MarshalFields(f)
	if err != nil {
		return "", fmt.Errorf("marshal snapshot: %w", err)
	}
	return string(data), nil
}

// marshalDelta converts a delta to its self-describing JSON TEXT form.
func marshalDelta(d ir.Delta) (string, error) {
	data, err := ir.MarshalDelta(d)
	if err != nil {
		return "", fmt.Errorf("marshal delta: %w", err)
	}
	return string(data), nil
}

// marshalMetadata converts transaction metadata to JSON TEXT.
// Uses json.Encoder with HTML escaping disabled so reasons like "a<b" stay readable.
// Go's json encoder sorts map keys, so output is deterministic.
func marshalMetadata(m map[string]string) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(m); err != nil {
		return "", fmt.Errorf("marshal metadata: %w", err)
	}
	// Encoder adds a trailing newline, remove it
	return strings.TrimSpace(buf.String()), nil
}

func unmarshalSnapshot(data string) (ir.Fields, error) {
	f, err := ir.UnmarshalFields([]byte(data))
	if err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return f, nil
}

func unmarshalDelta(data string) (ir.Delta, error) {
	d, err := ir.UnmarshalDelta([]byte(data))
	if err != nil {
		return nil, fmt.Errorf("unmarshal delta: %w", err)
	}
	return d, nil
}

func unmarshalMetadata(data string) (map[string]string, error) {
	if data == "" || data == "{}" {
		return nil, nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(data), &m); err != nil {
		return nil, fmt.Errorf("unmarshal metadata: %w", err)
	}
	return m, nil
}

// Timestamps are stored as unix microseconds: portable across dialects,
// index friendly and free of driver time zone handling.
func toMicros(t time.Time) int64 {
	return t.UnixMicro()
}

func fromMicros(us int64) time.Time {
	return time.UnixMicro(us).UTC()
}
