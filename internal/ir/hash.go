package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content checksums.
// Version suffix enables future algorithm migration.
const (
	DomainSnapshot = "chronicle/snapshot/v1"
	DomainDelta    = "chronicle/delta/v1"
)

// hashWithDomain computes SHA-256 hash with domain separation.
// Format: SHA256(domain + 0x00 + data)
// The null byte (0x00) separator prevents domain/data boundary ambiguity.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// SnapshotChecksum computes the checksum stored on a version record.
// It covers the entity identity, the version number and the encoded snapshot,
// so a record cannot be moved to another entity or position undetected.
func SnapshotChecksum(entityType string, key Key, version int64, snapshot Fields) (string, error) {
	encoded, err := MarshalFields(snapshot)
	if err != nil {
		return "", fmt.Errorf("SnapshotChecksum: failed to marshal: %w", err)
	}
	var buf []byte
	buf = fmt.Appendf(buf, "%s\x00%s\x00%d\x00", entityType, key, version)
	buf = append(buf, encoded...)
	return hashWithDomain(DomainSnapshot, buf), nil
}

// DeltaChecksum computes a content hash of a delta.
// Used by verification to compare recomputed deltas with stored ones.
func DeltaChecksum(d Delta) (string, error) {
	encoded, err := MarshalDelta(d)
	if err != nil {
		return "", fmt.Errorf("DeltaChecksum: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainDelta, encoded), nil
}

// MustSnapshotChecksum is like SnapshotChecksum but panics on error.
// Use only in tests or when inputs are known to be valid.
func MustSnapshotChecksum(entityType string, key Key, version int64, snapshot Fields) string {
	sum, err := SnapshotChecksum(entityType, key, version, snapshot)
	if err != nil {
		panic(err)
	}
	return sum
}
