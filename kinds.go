package conduit

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a failed downstream attempt. The retry policy and the
// circuit breaker both key off the kind, never off the raw error.
type Kind string

const (
	// KindTimeout means the downstream call exceeded its hard timeout.
	// Retriable.
	KindTimeout Kind = "timeout"
	// KindRejected means the downstream rejected the payload itself
	// (a 4xx-equivalent). Retrying cannot help.
	KindRejected Kind = "rejected"
	// KindTransient covers everything that may succeed on a later attempt:
	// 5xx responses, connection resets, DNS hiccups. Retriable.
	KindTransient Kind = "transient"
	// KindCircuitOpen marks a synthetic attempt that never reached the
	// network because the circuit breaker denied it. Retriable, and it
	// still consumes an attempt slot so a permanently open breaker cannot
	// retry forever.
	KindCircuitOpen Kind = "circuit_open"
)

// DownstreamError wraps a downstream failure with its classification.
type DownstreamError struct {
	Kind Kind
	Err  error
}

// Error implements the error interface.
func (e *DownstreamError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("conduit: downstream failure (%s)", e.Kind)
	}
	return fmt.Sprintf("conduit: downstream failure (%s): %v", e.Kind, e.Err)
}

// Unwrap returns the underlying cause.
func (e *DownstreamError) Unwrap() error { return e.Err }

// NewDownstreamError wraps err with the given kind.
func NewDownstreamError(kind Kind, err error) *DownstreamError {
	return &DownstreamError{Kind: kind, Err: err}
}

// KindOf extracts the failure kind from an error. Context deadline expiry
// maps to KindTimeout; anything unclassified is treated as transient so an
// unknown failure mode errs on the side of retrying.
func KindOf(err error) Kind {
	var de *DownstreamError
	if errors.As(err, &de) {
		return de.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindTransient
}
