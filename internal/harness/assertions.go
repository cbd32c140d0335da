package harness

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/roach88/chronicle/internal/diff"
	"github.com/roach88/chronicle/internal/ir"
	"github.com/roach88/chronicle/internal/reconstruct"
)

// AssertionContext provides what assertions query.
type AssertionContext struct {
	Reader *reconstruct.Reader
	Ctx    context.Context
}

// AssertionError is returned when an assertion fails.
type AssertionError struct {
	Type     string
	Subject  string
	Expected string
	Actual   string
}

func (e *AssertionError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "Assertion failed: %s", e.Type)
	if e.Subject != "" {
		fmt.Fprintf(&buf, " (%s)", e.Subject)
	}
	fmt.Fprintf(&buf, "\n  Expected: %s\n  Actual: %s", e.Expected, e.Actual)
	return buf.String()
}

// EvaluateAssertions runs every assertion and returns failure messages.
func EvaluateAssertions(assertions []Assertion, actx *AssertionContext) []string {
	var errs []string
	for i, a := range assertions {
		if err := evaluate(a, actx); err != nil {
			errs = append(errs, fmt.Sprintf("assertions[%d]: %v", i, err))
		}
	}
	return errs
}

func evaluate(a Assertion, actx *AssertionContext) error {
	switch a.Type {
	case AssertVersions:
		return assertVersions(a, actx)
	case AssertStateAt:
		return assertStateAt(a, actx)
	case AssertNotFoundAt:
		return assertNotFoundAt(a, actx)
	case AssertDiff:
		return assertDiff(a, actx)
	case AssertTransaction:
		return assertTransaction(a, actx)
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
}

func assertionKey(a Assertion) (ir.Key, error) {
	pk, err := ir.FieldsFromMap(a.Key)
	if err != nil {
		return "", fmt.Errorf("key: %w", err)
	}
	return ir.KeyOf(pk)
}

func assertVersions(a Assertion, actx *AssertionContext) error {
	key, err := assertionKey(a)
	if err != nil {
		return err
	}
	versions, err := actx.Reader.Versions(actx.Ctx, a.Entity, key)
	if err != nil {
		return err
	}
	ops := make([]ir.Operation, len(versions))
	for i, v := range versions {
		ops[i] = v.Operation
	}
	if !slices.Equal(ops, a.Operations) {
		return &AssertionError{
			Type:     AssertVersions,
			Subject:  a.Entity + string(key),
			Expected: fmt.Sprint(a.Operations),
			Actual:   fmt.Sprint(ops),
		}
	}
	return nil
}

func assertStateAt(a Assertion, actx *AssertionContext) error {
	key, err := assertionKey(a)
	if err != nil {
		return err
	}
	expected, err := ir.FieldsFromMap(a.Expect)
	if err != nil {
		return fmt.Errorf("expect: %w", err)
	}

	state, found, err := actx.Reader.StateAt(actx.Ctx, a.Entity, key, ir.AtTransaction(ir.TransactionID(a.AsOf)))
	if err != nil {
		return err
	}
	subject := fmt.Sprintf("%s%s as of %d", a.Entity, key, a.AsOf)
	if !found {
		return &AssertionError{Type: AssertStateAt, Subject: subject, Expected: formatFields(expected), Actual: "not found"}
	}
	if !diff.FieldsEqual(expected, state.Fields) {
		return &AssertionError{Type: AssertStateAt, Subject: subject, Expected: formatFields(expected), Actual: formatFields(state.Fields)}
	}
	return nil
}

func assertNotFoundAt(a Assertion, actx *AssertionContext) error {
	key, err := assertionKey(a)
	if err != nil {
		return err
	}
	state, found, err := actx.Reader.StateAt(actx.Ctx, a.Entity, key, ir.AtTransaction(ir.TransactionID(a.AsOf)))
	if err != nil {
		return err
	}
	if found {
		return &AssertionError{
			Type:     AssertNotFoundAt,
			Subject:  fmt.Sprintf("%s%s as of %d", a.Entity, key, a.AsOf),
			Expected: "not found",
			Actual:   formatFields(state.Fields),
		}
	}
	return nil
}

func assertDiff(a Assertion, actx *AssertionContext) error {
	key, err := assertionKey(a)
	if err != nil {
		return err
	}
	expected, err := expectedDelta(a.Expect)
	if err != nil {
		return fmt.Errorf("expect: %w", err)
	}

	got, err := actx.Reader.DiffVersions(actx.Ctx, a.Entity, key,
		ir.TransactionID(a.From), ir.TransactionID(a.To),
		reconstruct.DiffOptions{IncludeFrom: a.IncludeFrom, ExcludeTo: a.ExcludeTo})
	if err != nil {
		return err
	}
	if !deltaEqual(expected, got) {
		return &AssertionError{
			Type:     AssertDiff,
			Subject:  fmt.Sprintf("%s%s from %d to %d", a.Entity, key, a.From, a.To),
			Expected: formatDelta(expected),
			Actual:   formatDelta(got),
		}
	}
	return nil
}

func assertTransaction(a Assertion, actx *AssertionContext) error {
	txn, versions, found, err := actx.Reader.Transaction(actx.Ctx, ir.TransactionID(a.ID))
	if err != nil {
		return err
	}
	subject := fmt.Sprintf("transaction %d", a.ID)
	if !found {
		return &AssertionError{Type: AssertTransaction, Subject: subject, Expected: "found", Actual: "not found"}
	}
	if a.Actor != "" && txn.Actor != a.Actor {
		return &AssertionError{Type: AssertTransaction, Subject: subject, Expected: "actor " + a.Actor, Actual: "actor " + txn.Actor}
	}
	for k, v := range a.Metadata {
		if txn.Metadata[k] != v {
			return &AssertionError{
				Type:     AssertTransaction,
				Subject:  subject,
				Expected: fmt.Sprintf("metadata %s=%s", k, v),
				Actual:   fmt.Sprintf("metadata %s=%s", k, txn.Metadata[k]),
			}
		}
	}
	if a.EntityTypes != nil && !slices.Equal(a.EntityTypes, txn.EntityTypes) {
		return &AssertionError{
			Type:     AssertTransaction,
			Subject:  subject,
			Expected: fmt.Sprintf("entity types %v", a.EntityTypes),
			Actual:   fmt.Sprintf("entity types %v", txn.EntityTypes),
		}
	}
	if a.Count != nil && len(versions) != *a.Count {
		return &AssertionError{
			Type:     AssertTransaction,
			Subject:  subject,
			Expected: fmt.Sprintf("%d versions", *a.Count),
			Actual:   fmt.Sprintf("%d versions", len(versions)),
		}
	}
	return nil
}

// expectedDelta converts {field: {old: x, new: y}} into a Delta. A missing
// side is Absent; an explicit null is Null.
func expectedDelta(m map[string]any) (ir.Delta, error) {
	d := make(ir.Delta, len(m))
	for name, raw := range m {
		pair, ok := raw.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("field %q: expected a map with old and new", name)
		}
		var ch ir.Change
		var err error
		if ch.Old, err = side(pair, "old"); err != nil {
			return nil, fmt.Errorf("field %q: %w", name, err)
		}
		if ch.New, err = side(pair, "new"); err != nil {
			return nil, fmt.Errorf("field %q: %w", name, err)
		}
		for k := range pair {
			if k != "old" && k != "new" {
				return nil, fmt.Errorf("field %q: unknown key %q", name, k)
			}
		}
		d[name] = ch
	}
	return d, nil
}

func side(pair map[string]any, name string) (ir.Value, error) {
	v, ok := pair[name]
	if !ok {
		return ir.Absent{}, nil
	}
	return ir.FromGo(v)
}

func deltaEqual(a, b ir.Delta) bool {
	if len(a) != len(b) {
		return false
	}
	for name, ca := range a {
		cb, ok := b[name]
		if !ok || !diff.Equal(ca.Old, cb.Old) || !diff.Equal(ca.New, cb.New) {
			return false
		}
	}
	return true
}

func formatFields(f ir.Fields) string {
	parts := make([]string, 0, len(f))
	for _, name := range f.SortedKeys() {
		parts = append(parts, name+"="+ir.Format(f[name]))
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

func formatDelta(d ir.Delta) string {
	parts := make([]string, 0, len(d))
	for _, name := range d.SortedKeys() {
		ch := d[name]
		parts = append(parts, fmt.Sprintf("%s: %s -> %s", name, ir.Format(ch.Old), ir.Format(ch.New)))
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

// verifyHistory checks every stored entity type for consistency, then checks
// that point-in-time reads agree with a replay of each entity's versions.
func verifyHistory(ctx context.Context, actx *AssertionContext) []string {
	types, err := actx.Reader.EntityTypes(ctx)
	if err != nil {
		return []string{fmt.Sprintf("verify: %v", err)}
	}
	var errs []string
	for _, entityType := range types {
		report, err := actx.Reader.Verify(ctx, entityType)
		if err != nil {
			errs = append(errs, fmt.Sprintf("verify %s: %v", entityType, err))
			continue
		}
		for _, issue := range report.Issues {
			errs = append(errs, "verify: "+issue.String())
		}

		keys, err := actx.Reader.Entities(ctx, entityType)
		if err != nil {
			errs = append(errs, fmt.Sprintf("verify %s: %v", entityType, err))
			continue
		}
		for _, key := range keys {
			errs = append(errs, checkStateReads(ctx, actx.Reader, ir.EntityRef{Type: entityType, Key: key})...)
		}
	}
	return errs
}

// checkStateReads compares StateAt at every transaction that touched ref with
// the snapshot its version list puts in effect there.
func checkStateReads(ctx context.Context, r *reconstruct.Reader, ref ir.EntityRef) []string {
	versions, err := r.Versions(ctx, ref.Type, ref.Key)
	if err != nil {
		return []string{fmt.Sprintf("verify %s: %v", ref, err)}
	}
	var errs []string
	for _, v := range versions {
		want, wantFound := reconstruct.FieldsAt(versions, v.TransactionID)
		state, found, err := r.StateAt(ctx, ref.Type, ref.Key, ir.AtTransaction(v.TransactionID))
		switch {
		case err != nil:
			errs = append(errs, fmt.Sprintf("verify %s at tx %d: %v", ref, v.TransactionID, err))
		case found != wantFound:
			errs = append(errs, fmt.Sprintf("verify %s at tx %d: state found=%t, history says %t", ref, v.TransactionID, found, wantFound))
		case found && !diff.FieldsEqual(state.Fields, want):
			errs = append(errs, fmt.Sprintf("verify %s at tx %d: state %s, history says %s", ref, v.TransactionID, formatFields(state.Fields), formatFields(want)))
		}
	}
	return errs
}
