package reconstruct

import (
	"bytes"
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/chronicle/internal/diff"
	"github.com/roach88/chronicle/internal/ir"
)

// verifyParallelism bounds concurrent entity reads during Verify.
const verifyParallelism = 8

// Issue is one inconsistency found in stored history.
type Issue struct {
	EntityType    string           `json:"entity_type"`
	EntityKey     ir.Key           `json:"entity_key"`
	Version       int64            `json:"version"`
	TransactionID ir.TransactionID `json:"transaction_id"`
	Problem       string           `json:"problem"`
}

func (i Issue) String() string {
	return fmt.Sprintf("%s%s v%d (tx %d): %s", i.EntityType, i.EntityKey, i.Version, i.TransactionID, i.Problem)
}

// Report summarizes a verification run over one entity type.
type Report struct {
	EntityType string  `json:"entity_type"`
	Entities   int     `json:"entities"`
	Versions   int     `json:"versions"`
	Issues     []Issue `json:"issues"`
}

// OK reports whether no issues were found.
func (r Report) OK() bool {
	return len(r.Issues) == 0
}

// Verify checks the stored history of every entity of entityType.
// Entities are read in parallel. Issues are sorted by entity key then version.
func (r *Reader) Verify(ctx context.Context, entityType string) (Report, error) {
	ctx, span := r.tracer.Start(ctx, "reconstruct.Verify",
		trace.WithAttributes(attribute.String("entity.type", entityType)),
	)
	defer span.End()

	keys, err := r.st.ListEntities(ctx, entityType)
	if err != nil {
		return Report{}, spanError(span, err)
	}

	report := Report{EntityType: entityType, Entities: len(keys), Issues: []Issue{}}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(verifyParallelism)
	for _, key := range keys {
		g.Go(func() error {
			records, err := r.st.ReadVersions(gctx, entityType, key)
			if err != nil {
				return fmt.Errorf("verify %s%s: %w", entityType, key, err)
			}
			issues := VerifyHistory(entityType, key, records)

			mu.Lock()
			report.Versions += len(records)
			report.Issues = append(report.Issues, issues...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Report{}, spanError(span, err)
	}

	slices.SortFunc(report.Issues, func(a, b Issue) int {
		if c := cmp.Compare(a.EntityKey, b.EntityKey); c != 0 {
			return c
		}
		return cmp.Compare(a.Version, b.Version)
	})
	span.SetAttributes(
		attribute.Int("verify.entities", report.Entities),
		attribute.Int("verify.issues", len(report.Issues)),
	)
	return report, nil
}

// VerifyHistory checks one entity's versions, in ascending transaction
// order, for:
//   - strictly increasing transaction ids
//   - versions numbered 1..n and segments following the lifecycle
//   - Apply(previous snapshot, delta) reproducing each snapshot exactly,
//     value representation included
//   - the stored delta matching the delta recomputed from the snapshots
//   - checksums matching the stored snapshots
func VerifyHistory(entityType string, key ir.Key, records []ir.VersionRecord) []Issue {
	var issues []Issue
	report := func(rec ir.VersionRecord, format string, args ...any) {
		issues = append(issues, Issue{
			EntityType:    entityType,
			EntityKey:     key,
			Version:       rec.Version,
			TransactionID: rec.TransactionID,
			Problem:       fmt.Sprintf(format, args...),
		})
	}

	lc := NewLifecycle(entityType, key)
	var previous ir.Fields
	var lastTx ir.TransactionID

	for _, rec := range records {
		if rec.TransactionID <= lastTx {
			report(rec, "transaction id %d does not follow %d", rec.TransactionID, lastTx)
		}
		lastTx = rec.TransactionID

		next, err := lc.Next(rec.Operation)
		if err != nil {
			report(rec, "%v", err)
			// Resynchronize on the stored record so later checks stay meaningful.
			next = LifecycleOf(rec)
		}
		if rec.Version != next.Version {
			report(rec, "version %d, expected %d", rec.Version, next.Version)
		}
		if rec.Segment != next.Segment {
			report(rec, "segment %d, expected %d", rec.Segment, next.Segment)
		}
		lc = LifecycleOf(rec)

		if (rec.Operation == ir.OpDelete) != rec.Snapshot.IsEmpty() {
			report(rec, "%s with %d snapshot fields", rec.Operation, len(rec.Snapshot))
		}
		if rec.Operation == ir.OpUpdate && len(rec.Delta) == 0 {
			report(rec, "update with empty delta")
		}
		if same, err := sameEncoding(diff.Apply(previous, rec.Delta), rec.Snapshot); err != nil {
			report(rec, "encode snapshot: %v", err)
		} else if !same {
			report(rec, "snapshot does not equal previous snapshot with delta applied")
		}
		if _, recomputed := diff.Diff(previous, rec.Snapshot); !sameDelta(recomputed, rec.Delta) {
			report(rec, "stored delta does not match the snapshots")
		}

		sum, err := ir.SnapshotChecksum(entityType, key, rec.Version, rec.Snapshot)
		switch {
		case err != nil:
			report(rec, "checksum: %v", err)
		case sum != rec.Checksum:
			report(rec, "checksum mismatch")
		}

		previous = rec.Snapshot
	}
	return issues
}

// sameEncoding compares two snapshots by their canonical payload bytes, so
// Int(100) and Decimal("100.00") count as different.
func sameEncoding(a, b ir.Fields) (bool, error) {
	ea, err := ir.MarshalFields(a)
	if err != nil {
		return false, err
	}
	eb, err := ir.MarshalFields(b)
	if err != nil {
		return false, err
	}
	return bytes.Equal(ea, eb), nil
}

func sameDelta(a, b ir.Delta) bool {
	sa, errA := ir.DeltaChecksum(a)
	sb, errB := ir.DeltaChecksum(b)
	return errA == nil && errB == nil && sa == sb
}
