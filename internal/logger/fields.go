package logger

import (
	"log/slog"
)

// Standard field keys for structured logging across the data-plane engine.
// Use these keys consistently across all log statements for log aggregation
// and querying.
const (
	// ========================================================================
	// Distributed Tracing
	// ========================================================================
	KeyTraceID = "trace_id" // trace ID for request correlation, if tracing is wired in
	KeySpanID  = "span_id"  // span ID for operation tracking

	// ========================================================================
	// Nexus & Children
	// ========================================================================
	KeyNexus     = "nexus"      // nexus name
	KeyChild     = "child"      // child URI
	KeyChildIdx  = "child_idx"  // child's position in the nexus children list
	KeyState     = "state"      // child or nexus state name
	KeyReason    = "reason"     // fault reason

	// ========================================================================
	// Pool & Replica
	// ========================================================================
	KeyPool    = "pool"    // pool name
	KeyReplica = "replica" // replica name
	KeyUUID    = "uuid"    // pool/replica/nexus UUID

	// ========================================================================
	// I/O
	// ========================================================================
	KeyOffset       = "offset"        // byte offset
	KeyLength       = "length"        // byte length
	KeyBytesRead    = "bytes_read"    // actual bytes read
	KeyBytesWritten = "bytes_written" // actual bytes written

	// ========================================================================
	// Rebuild
	// ========================================================================
	KeyRebuildJob  = "rebuild_job"  // rebuild job ID
	KeySegment     = "segment"      // segment index
	KeySegmentsTot = "segments"     // total segments
	KeyProgress    = "progress_pct" // rebuild progress percentage
	KeyPartial     = "partial"      // whether the rebuild is partial

	// ========================================================================
	// Reactor & runtime
	// ========================================================================
	KeyReactor = "reactor" // reactor/core identifier
	KeyCore    = "core"    // CPU core index

	// ========================================================================
	// Operation Metadata
	// ========================================================================
	KeyDurationMs = "duration_ms" // operation duration in milliseconds
	KeyError      = "error"       // error message
	KeyErrorCode  = "error_code"  // numeric/kind error code
	KeyOperation  = "operation"   // sub-operation type for complex operations
	KeyAttempt    = "attempt"     // retry attempt number
)

// ----------------------------------------------------------------------------
// Distributed Tracing
// ----------------------------------------------------------------------------

func TraceID(id string) slog.Attr { return slog.String(KeyTraceID, id) }
func SpanID(id string) slog.Attr  { return slog.String(KeySpanID, id) }

// ----------------------------------------------------------------------------
// Nexus & Children
// ----------------------------------------------------------------------------

func Nexus(name string) slog.Attr    { return slog.String(KeyNexus, name) }
func Child(uri string) slog.Attr     { return slog.String(KeyChild, uri) }
func ChildIdx(idx int) slog.Attr     { return slog.Int(KeyChildIdx, idx) }
func State(state string) slog.Attr   { return slog.String(KeyState, state) }
func Reason(reason string) slog.Attr { return slog.String(KeyReason, reason) }

// ----------------------------------------------------------------------------
// Pool & Replica
// ----------------------------------------------------------------------------

func Pool(name string) slog.Attr    { return slog.String(KeyPool, name) }
func Replica(name string) slog.Attr { return slog.String(KeyReplica, name) }
func UUID(id string) slog.Attr      { return slog.String(KeyUUID, id) }

// ----------------------------------------------------------------------------
// I/O
// ----------------------------------------------------------------------------

func Offset(off uint64) slog.Attr      { return slog.Uint64(KeyOffset, off) }
func Length(l uint64) slog.Attr        { return slog.Uint64(KeyLength, l) }
func BytesRead(n int) slog.Attr        { return slog.Int(KeyBytesRead, n) }
func BytesWritten(n int) slog.Attr     { return slog.Int(KeyBytesWritten, n) }

// ----------------------------------------------------------------------------
// Rebuild
// ----------------------------------------------------------------------------

func RebuildJob(id string) slog.Attr   { return slog.String(KeyRebuildJob, id) }
func Segment(idx uint64) slog.Attr     { return slog.Uint64(KeySegment, idx) }
func SegmentsTotal(n uint64) slog.Attr { return slog.Uint64(KeySegmentsTot, n) }
func Progress(pct float64) slog.Attr   { return slog.Float64(KeyProgress, pct) }
func Partial(p bool) slog.Attr         { return slog.Bool(KeyPartial, p) }

// ----------------------------------------------------------------------------
// Reactor & runtime
// ----------------------------------------------------------------------------

func Reactor(name string) slog.Attr { return slog.String(KeyReactor, name) }
func Core(idx int) slog.Attr        { return slog.Int(KeyCore, idx) }

// ----------------------------------------------------------------------------
// Operation Metadata
// ----------------------------------------------------------------------------

func DurationMs(ms float64) slog.Attr { return slog.Float64(KeyDurationMs, ms) }

func Err(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String(KeyError, err.Error())
}

func ErrorCode(code string) slog.Attr { return slog.String(KeyErrorCode, code) }
func Operation(op string) slog.Attr   { return slog.String(KeyOperation, op) }
func Attempt(n int) slog.Attr         { return slog.Int(KeyAttempt, n) }
