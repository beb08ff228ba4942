package logger

import (
	"context"
	"time"
)

// contextKey is a private type for context keys to avoid collisions
type contextKey struct{}

// logContextKey is the key for LogContext in context.Context
var logContextKey = contextKey{}

// LogContext holds request-scoped logging context for a data-plane operation.
type LogContext struct {
	TraceID    string    // distributed trace ID, if tracing is wired in by a caller
	SpanID     string    // distributed span ID
	Nexus      string    // nexus name the operation is acting on
	Child      string    // child URI, when the operation is child-scoped
	Pool       string    // pool name, when the operation is pool-scoped
	RebuildJob string    // rebuild job ID, when the operation is rebuild-scoped
	Reactor    string    // reactor/core identifier the operation is pinned to
	StartTime  time.Time // for duration calculation
}

// WithContext returns a new context with the given LogContext
func WithContext(ctx context.Context, lc *LogContext) context.Context {
	return context.WithValue(ctx, logContextKey, lc)
}

// FromContext retrieves the LogContext from context, or nil if not present
func FromContext(ctx context.Context) *LogContext {
	if ctx == nil {
		return nil
	}
	lc, _ := ctx.Value(logContextKey).(*LogContext)
	return lc
}

// NewLogContext creates a new LogContext scoped to a nexus.
func NewLogContext(nexus string) *LogContext {
	return &LogContext{
		Nexus:     nexus,
		StartTime: time.Now(),
	}
}

// Clone creates a copy of the LogContext
func (lc *LogContext) Clone() *LogContext {
	if lc == nil {
		return nil
	}
	return &LogContext{
		TraceID:    lc.TraceID,
		SpanID:     lc.SpanID,
		Nexus:      lc.Nexus,
		Child:      lc.Child,
		Pool:       lc.Pool,
		RebuildJob: lc.RebuildJob,
		Reactor:    lc.Reactor,
		StartTime:  lc.StartTime,
	}
}

// WithChild returns a copy with the child URI set
func (lc *LogContext) WithChild(child string) *LogContext {
	clone := lc.Clone()
	if clone != nil {
		clone.Child = child
	}
	return clone
}

// WithPool returns a copy with the pool name set
func (lc *LogContext) WithPool(pool string) *LogContext {
	clone := lc.Clone()
	if clone != nil {
		clone.Pool = pool
	}
	return clone
}

// WithRebuildJob returns a copy with the rebuild job ID set
func (lc *LogContext) WithRebuildJob(jobID string) *LogContext {
	clone := lc.Clone()
	if clone != nil {
		clone.RebuildJob = jobID
	}
	return clone
}

// WithReactor returns a copy with the reactor identifier set
func (lc *LogContext) WithReactor(reactor string) *LogContext {
	clone := lc.Clone()
	if clone != nil {
		clone.Reactor = reactor
	}
	return clone
}

// WithTrace returns a copy with trace info set
func (lc *LogContext) WithTrace(traceID, spanID string) *LogContext {
	clone := lc.Clone()
	if clone != nil {
		clone.TraceID = traceID
		clone.SpanID = spanID
	}
	return clone
}

// DurationMs returns the duration since StartTime in milliseconds
func (lc *LogContext) DurationMs() float64 {
	if lc == nil || lc.StartTime.IsZero() {
		return 0
	}
	return float64(time.Since(lc.StartTime).Microseconds()) / 1000.0
}
