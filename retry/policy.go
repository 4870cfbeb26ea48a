// Package retry expresses the dispatcher's retry decision logic as an
// explicit, unit-testable value object instead of decorator magic at the
// call site. A Policy answers two questions per failed attempt: should we
// try again, and how long should we wait first.
package retry

import (
	"time"

	"github.com/xraph/conduit"
	"github.com/xraph/conduit/backoff"
)

// ClassifyFunc maps a downstream error to its failure kind. It is
// injectable so deployments can tune which failure modes are considered
// permanent without forking the dispatch loop.
type ClassifyFunc func(err error) conduit.Kind

// Policy decides whether and when a failed attempt is retried.
// The zero value is not usable; construct with NewPolicy.
type Policy struct {
	// MaxAttempts bounds the total number of attempts, including the
	// first call and any synthetic circuit-open attempts.
	MaxAttempts int

	// Backoff computes the delay before each retry.
	Backoff backoff.Strategy

	// Classify maps errors to kinds. Defaults to conduit.KindOf.
	Classify ClassifyFunc
}

// NewPolicy creates a Policy with the given attempt bound and backoff.
// A nil strategy falls back to backoff.DefaultStrategy().
func NewPolicy(maxAttempts int, bo backoff.Strategy) Policy {
	if bo == nil {
		bo = backoff.DefaultStrategy()
	}
	return Policy{
		MaxAttempts: maxAttempts,
		Backoff:     bo,
		Classify:    conduit.KindOf,
	}
}

// ShouldRetry reports whether another attempt is warranted after attempt
// number n (1-indexed) failed with the given kind. It is false once the
// attempt bound is reached and false for non-retriable kinds. Circuit-open
// attempts are retriable but still count against MaxAttempts, so a breaker
// that never recovers cannot keep a task alive forever.
func (p Policy) ShouldRetry(attempt int, kind conduit.Kind) bool {
	if attempt >= p.MaxAttempts {
		return false
	}
	return kind != conduit.KindRejected
}

// NextDelay returns the backoff delay to apply before retry attempt n.
func (p Policy) NextDelay(attempt int) time.Duration {
	return p.Backoff.Delay(attempt)
}

// ClassifyErr maps an error to its kind using the configured classifier,
// falling back to conduit.KindOf when none is set.
func (p Policy) ClassifyErr(err error) conduit.Kind {
	if p.Classify != nil {
		return p.Classify(err)
	}
	return conduit.KindOf(err)
}
