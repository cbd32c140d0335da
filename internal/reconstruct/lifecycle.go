package reconstruct

import "github.com/roach88/chronicle/internal/ir"

// Phase is where an entity stands in its lifecycle.
type Phase string

const (
	PhaseAbsent  Phase = "absent"
	PhaseCreated Phase = "created"
	PhaseUpdated Phase = "updated"
	PhaseDeleted Phase = "deleted"
)

// Lifecycle tracks one entity through
//
//	absent -> created -> updated* -> deleted -> (absent | recreated)
//
// A create after a delete starts a new segment. Version numbers continue
// across segments.
type Lifecycle struct {
	EntityType string
	Key        ir.Key
	Phase      Phase
	Version    int64
	Segment    int64
}

// NewLifecycle returns the lifecycle of an entity with no history.
func NewLifecycle(entityType string, key ir.Key) Lifecycle {
	return Lifecycle{EntityType: entityType, Key: key, Phase: PhaseAbsent}
}

// LifecycleOf returns the lifecycle after rec was written.
func LifecycleOf(rec ir.VersionRecord) Lifecycle {
	l := Lifecycle{
		EntityType: rec.EntityType,
		Key:        rec.EntityKey,
		Version:    rec.Version,
		Segment:    rec.Segment,
	}
	switch rec.Operation {
	case ir.OpCreate:
		l.Phase = PhaseCreated
	case ir.OpUpdate:
		l.Phase = PhaseUpdated
	case ir.OpDelete:
		l.Phase = PhaseDeleted
	default:
		l.Phase = PhaseAbsent
	}
	return l
}

// Live reports whether the entity currently exists.
func (l Lifecycle) Live() bool {
	return l.Phase == PhaseCreated || l.Phase == PhaseUpdated
}

// Next validates op against the current phase and returns the lifecycle
// after it. The receiver is unchanged.
func (l Lifecycle) Next(op ir.Operation) (Lifecycle, error) {
	next := l
	next.Version = l.Version + 1

	switch op {
	case ir.OpCreate:
		if l.Live() {
			return l, l.invalid(op)
		}
		next.Phase = PhaseCreated
		next.Segment = l.Segment + 1
	case ir.OpUpdate, ir.OpDelete:
		if !l.Live() {
			return l, l.invalid(op)
		}
		next.Phase = PhaseUpdated
		if op == ir.OpDelete {
			next.Phase = PhaseDeleted
		}
	default:
		return l, ir.NewProtocolError("unknown operation %q", op)
	}
	return next, nil
}

func (l Lifecycle) invalid(op ir.Operation) error {
	return ir.NewInvalidLifecycleTransitionError(l.EntityType, l.Key, string(l.Phase), op)
}
