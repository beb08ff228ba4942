// Package nexuserr provides the error taxonomy shared across the data-plane
// engine: reactor, DMA pool, block devices, pools, nexuses, and the rebuild
// engine all report failures through the same ErrorCode/Error pair so
// callers can branch on error kind without caring which component raised it.
package nexuserr

import (
	"fmt"
)

// ErrorCode classifies the kind of failure that occurred.
type ErrorCode int

const (
	// NotFound indicates the requested pool, replica, nexus, or child does
	// not exist.
	NotFound ErrorCode = iota + 1

	// AlreadyExists indicates a create/import call named a resource that
	// is already registered.
	AlreadyExists

	// InvalidArgument indicates a malformed request: misaligned offset,
	// a range past the end of a device, an unparseable URI, and similar.
	InvalidArgument

	// Claimed indicates a disk or replica is already claimed by another
	// pool or nexus and cannot be attached a second time.
	Claimed

	// NoSpace indicates a pool has insufficient free clusters to satisfy
	// a replica create or resize.
	NoSpace

	// IoError indicates the underlying device returned an I/O error.
	IoError

	// Timeout indicates an operation did not complete within its deadline
	// (device probe, rebuild segment copy, NVMe-oF connect).
	Timeout

	// WrongState indicates the operation is not valid for the resource's
	// current state (e.g. add_child on a nexus that is still initializing).
	WrongState

	// Faulted indicates the operation targeted a child or nexus that has
	// already transitioned to a terminal fault state.
	Faulted

	// Unsupported indicates the operation or I/O type is not advertised
	// by this backend.
	Unsupported

	// Internal indicates an invariant violation or unexpected internal
	// failure that is not attributable to caller input or device state.
	Internal
)

// String returns a human-readable name for the error code.
func (c ErrorCode) String() string {
	switch c {
	case NotFound:
		return "NotFound"
	case AlreadyExists:
		return "AlreadyExists"
	case InvalidArgument:
		return "InvalidArgument"
	case Claimed:
		return "Claimed"
	case NoSpace:
		return "NoSpace"
	case IoError:
		return "IoError"
	case Timeout:
		return "Timeout"
	case WrongState:
		return "WrongState"
	case Faulted:
		return "Faulted"
	case Unsupported:
		return "Unsupported"
	case Internal:
		return "Internal"
	default:
		return fmt.Sprintf("Unknown(%d)", int(c))
	}
}

// Error is the concrete error type returned by every package in the engine.
// Resource names the pool, replica, nexus, or child URI the error concerns,
// and is empty for errors that are not resource-scoped.
type Error struct {
	Code     ErrorCode
	Message  string
	Resource string
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Resource != "" {
		return fmt.Sprintf("%s: %s (resource: %s)", e.Code, e.Message, e.Resource)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is reports whether target carries the same ErrorCode, so callers can use
// errors.Is(err, nexuserr.New(nexuserr.NotFound, "")) for matching.
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == other.Code
}

// New constructs an Error that is not scoped to a specific resource.
func New(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// NewResource constructs an Error scoped to a named resource.
func NewResource(code ErrorCode, resource, message string) *Error {
	return &Error{Code: code, Message: message, Resource: resource}
}

// NotFoundf creates a NotFound error for resource.
func NotFoundf(resource, format string, args ...any) *Error {
	return &Error{Code: NotFound, Message: fmt.Sprintf(format, args...), Resource: resource}
}

// AlreadyExistsf creates an AlreadyExists error for resource.
func AlreadyExistsf(resource, format string, args ...any) *Error {
	return &Error{Code: AlreadyExists, Message: fmt.Sprintf(format, args...), Resource: resource}
}

// InvalidArgumentf creates an InvalidArgument error.
func InvalidArgumentf(format string, args ...any) *Error {
	return &Error{Code: InvalidArgument, Message: fmt.Sprintf(format, args...)}
}

// Claimedf creates a Claimed error for resource.
func Claimedf(resource, format string, args ...any) *Error {
	return &Error{Code: Claimed, Message: fmt.Sprintf(format, args...), Resource: resource}
}

// NoSpacef creates a NoSpace error for resource.
func NoSpacef(resource, format string, args ...any) *Error {
	return &Error{Code: NoSpace, Message: fmt.Sprintf(format, args...), Resource: resource}
}

// IoErrorf creates an IoError for resource, wrapping the underlying cause.
func IoErrorf(resource string, cause error) *Error {
	msg := "I/O error"
	if cause != nil {
		msg = cause.Error()
	}
	return &Error{Code: IoError, Message: msg, Resource: resource}
}

// Timeoutf creates a Timeout error for resource.
func Timeoutf(resource, format string, args ...any) *Error {
	return &Error{Code: Timeout, Message: fmt.Sprintf(format, args...), Resource: resource}
}

// WrongStatef creates a WrongState error describing the offending state.
func WrongStatef(resource, format string, args ...any) *Error {
	return &Error{Code: WrongState, Message: fmt.Sprintf(format, args...), Resource: resource}
}

// Faultedf creates a Faulted error naming the fault reason.
func Faultedf(resource, reason string) *Error {
	return &Error{Code: Faulted, Message: reason, Resource: resource}
}

// Unsupportedf creates an Unsupported error.
func Unsupportedf(format string, args ...any) *Error {
	return &Error{Code: Unsupported, Message: fmt.Sprintf(format, args...)}
}

// Internalf creates an Internal error.
func Internalf(format string, args ...any) *Error {
	return &Error{Code: Internal, Message: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the ErrorCode from err. If err is not an *Error (or is
// nil), it returns a zero code and ok is false.
func CodeOf(err error) (code ErrorCode, ok bool) {
	e, isErr := err.(*Error)
	if !isErr {
		return 0, false
	}
	return e.Code, true
}

// Is returns true if err is a non-nil *Error with the given code.
func Is(err error, code ErrorCode) bool {
	c, ok := CodeOf(err)
	return ok && c == code
}
