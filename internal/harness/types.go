package harness

import (
	"time"

	"github.com/roach88/chronicle/internal/engine"
	"github.com/roach88/chronicle/internal/ir"
)

// TraceEvent records the outcome of one unit of work.
type TraceEvent struct {
	Unit          int               `json:"unit"`
	TransactionID ir.TransactionID  `json:"transaction_id,omitempty"`
	IssuedAt      string            `json:"issued_at,omitempty"`
	Actor         string            `json:"actor,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	Versions      []TraceVersion    `json:"versions,omitempty"`
	Suppressed    []ir.EntityRef    `json:"suppressed,omitempty"`

	// Error is the error code of a unit that failed to commit.
	Error ir.ErrorCode `json:"error,omitempty"`
}

// TraceVersion is the part of a version record that goes into traces.
type TraceVersion struct {
	EntityType string       `json:"entity_type"`
	EntityKey  ir.Key       `json:"entity_key"`
	Version    int64        `json:"version"`
	Segment    int64        `json:"segment"`
	Operation  ir.Operation `json:"operation"`
	Delta      ir.Delta     `json:"delta"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true when every unit behaved as expected and every assertion held.
	Pass bool `json:"pass"`

	Trace  []TraceEvent `json:"trace"`
	Errors []string     `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// addCommit appends the trace of a committed (or empty) unit.
func (r *Result) addCommit(unit int, res engine.Result) {
	ev := TraceEvent{Unit: unit, Suppressed: res.Suppressed}
	if !res.Empty() {
		ev.TransactionID = res.Transaction.ID
		ev.IssuedAt = res.Transaction.IssuedAt.UTC().Format(time.RFC3339Nano)
		ev.Actor = res.Transaction.Actor
		ev.Metadata = res.Transaction.Metadata
		for _, v := range res.Versions {
			ev.Versions = append(ev.Versions, TraceVersion{
				EntityType: v.EntityType,
				EntityKey:  v.EntityKey,
				Version:    v.Version,
				Segment:    v.Segment,
				Operation:  v.Operation,
				Delta:      v.Delta,
			})
		}
	}
	r.Trace = append(r.Trace, ev)
}

func (r *Result) addFailure(unit int, code ir.ErrorCode) {
	r.Trace = append(r.Trace, TraceEvent{Unit: unit, Error: code})
}
