package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/smithy-go"
)

// ErrorSource identifies the lifecycle operation during which a failure was
// observed. It is carried verbatim on every [Error] fanned out to the error
// registry so handlers can distinguish, say, a failed activation from a
// watchdog-induced stop.
type ErrorSource int

const (
	SourceActivating ErrorSource = iota
	SourceComputing
	SourceTimeout
	SourceWaiting
	SourceStopping
	SourceDeactivating
)

// String returns the upper-case name of the source.
func (s ErrorSource) String() string {
	switch s {
	case SourceActivating:
		return "ACTIVATING"
	case SourceComputing:
		return "COMPUTING"
	case SourceTimeout:
		return "TIMEOUT"
	case SourceWaiting:
		return "WAITING"
	case SourceStopping:
		return "STOPPING"
	case SourceDeactivating:
		return "DEACTIVATING"
	default:
		return "UNKNOWN"
	}
}

// Error is the record delivered through a service's error registry. It
// implements both error and [Input] so the registry can copy it before
// fan-out.
type Error struct {
	// Cause is the underlying failure.
	Cause error

	// Source names the lifecycle operation that classified the failure.
	Source ErrorSource

	// Tag is the opaque correlation string the caller supplied to the
	// operation, propagated verbatim.
	Tag string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("service: %s (tag %q): %v", e.Source, e.Tag, e.Cause)
}

// Unwrap exposes the cause chain to errors.Is/As.
func (e *Error) Unwrap() error { return e.Cause }

// SourceTag implements [Input].
func (e *Error) SourceTag() string { return e.Tag }

// Copy implements [Input]. The cause is shared; error values are treated as
// immutable.
func (e *Error) Copy() Input {
	cp := *e
	return &cp
}

// severity is the classifier's verdict for a failure.
type severity int

const (
	// severityCancelled marks cooperative or SDK-originated cancellation.
	// Logged quietly, never fanned out.
	severityCancelled severity = iota

	// severityOperational marks genuine failures: I/O, provider errors,
	// invariant breaches. Fanned out to the error registry, not re-raised.
	severityOperational

	// severityFatal is reserved for failures that should be re-raised to the
	// caller. The current classifier never returns it.
	severityFatal
)

// classify inspects the cause chain of err and decides how the service core
// reacts. This is the single classification point for every hook failure.
func classify(err error) severity {
	if IsCancellation(err) {
		return severityCancelled
	}
	return severityOperational
}

// IsCancellation reports whether err carries a cooperative cancellation
// anywhere in its cause chain: a context cancellation or an AWS SDK
// operation-cancelled error.
func IsCancellation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return true
	}
	var ce *smithy.CanceledError
	return errors.As(err, &ce)
}
