package reconstruct

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/roach88/chronicle/internal/diff"
	"github.com/roach88/chronicle/internal/ir"
)

// DiffOptions adjusts the range bounds of DiffVersions.
// The zero value selects versions with from < transaction id <= to.
type DiffOptions struct {
	// IncludeFrom also includes the version written at from.
	IncludeFrom bool

	// ExcludeTo leaves out the version written at to.
	ExcludeTo bool
}

// DiffVersions composes the deltas of an entity's versions between two
// transactions into one net delta: per field the earliest old value and the
// latest new value. Fields that changed and changed back are left out.
func (r *Reader) DiffVersions(ctx context.Context, entityType string, key ir.Key, from, to ir.TransactionID, opts DiffOptions) (ir.Delta, error) {
	ctx, span := r.tracer.Start(ctx, "reconstruct.DiffVersions",
		trace.WithAttributes(
			attribute.String("entity.type", entityType),
			attribute.String("entity.key", string(key)),
			attribute.Int64("diff.from", int64(from)),
			attribute.Int64("diff.to", int64(to)),
		),
	)
	defer span.End()
	defer r.observe("diff", time.Now())

	if from > to {
		return nil, spanError(span, ir.NewProtocolError("diff range is reversed: from %d > to %d", from, to))
	}

	lo, hi := from+1, to
	if opts.IncludeFrom {
		lo = from
	}
	if opts.ExcludeTo {
		hi = to - 1
	}
	if lo > hi {
		return ir.Delta{}, nil
	}

	versions, err := r.st.VersionsBetween(ctx, entityType, key, lo, hi)
	if err != nil {
		return nil, spanError(span, err)
	}

	deltas := make([]ir.Delta, len(versions))
	for i, v := range versions {
		deltas[i] = v.Delta
	}
	span.SetAttributes(attribute.Int("diff.versions", len(versions)))
	return diff.Compose(deltas...), nil
}
