package engine

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/roach88/chronicle/internal/metrics"
	"github.com/roach88/chronicle/internal/reconstruct"
)

// Consistency selects how history commits relative to business data.
type Consistency int

const (
	// Strict writes history inside the caller's transaction.
	Strict Consistency = iota

	// Degraded allows writing history after the host committed.
	Degraded
)

func (c Consistency) String() string {
	switch c {
	case Strict:
		return "strict"
	case Degraded:
		return "degraded"
	default:
		return fmt.Sprintf("consistency(%d)", int(c))
	}
}

// ParseConsistency parses "strict" or "degraded".
func ParseConsistency(s string) (Consistency, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "strict":
		return Strict, nil
	case "degraded":
		return Degraded, nil
	default:
		return Strict, fmt.Errorf("unknown consistency mode %q (expected strict or degraded)", s)
	}
}

// Option configures an Engine.
type Option func(*Engine)

// WithConsistency sets the consistency mode. Default: Strict.
func WithConsistency(c Consistency) Option {
	return func(e *Engine) {
		e.consistency = c
	}
}

// WithClock sets the wall clock stamped on transactions. Default: time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// WithLogger sets the structured logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// WithMetrics records commit and query metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithTracer sets the tracer for Finalize and query spans.
func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) {
		e.tracer = t
	}
}

// WithCache enables the reconstruction cache. Ignored in degraded mode.
func WithCache(c reconstruct.Cache) Option {
	return func(e *Engine) {
		e.cache = c
	}
}
