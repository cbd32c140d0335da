// Package ir provides the canonical value and record types for chronicle.
//
// This package contains type definitions, the self-describing payload
// encoding and content checksums. All other internal packages import ir;
// ir imports nothing internal.
//
// Key design constraints:
//   - Field values are a sealed set of tagged variants (Value), never `any`
//   - Absent is distinct from Null: it marks a field missing on one side of a change
//   - Numbers are Int or Decimal; there is no binary float variant
//   - Transaction ids are the only ordering used by history queries
//   - All JSON tags use snake_case
package ir
