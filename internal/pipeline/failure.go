// Package pipeline defines the shared failure taxonomy and the retry/backoff
// policy used by the worker, the sweeper, and the transition operations.
//
// Every processing-phase error is classified into exactly one Kind. The Kind
// decides whether a failed attempt sends the job back to pending (retryable)
// or straight to error (fatal), independent of the remaining retry budget.
package pipeline

import (
	"errors"
	"fmt"
)

// Kind classifies a processing failure.
type Kind string

const (
	// KindValidation rejects bad enqueue input before a job is created.
	KindValidation Kind = "validation"
	// KindTransient covers network errors and timeouts. Retryable.
	KindTransient Kind = "transient"
	// KindRateLimited means a downstream returned 429. Retryable with a
	// widened backoff.
	KindRateLimited Kind = "rate_limited"
	// KindDownstreamUnavailable means a downstream returned 5xx. Retryable.
	KindDownstreamUnavailable Kind = "downstream_unavailable"
	// KindFatal covers authorization and programmer errors. Never retried.
	KindFatal Kind = "fatal"
	// KindConsistency is an invariant violation such as an attempted
	// duplicate published_ref. Always fatal, logged as a defect, never
	// silently retried.
	KindConsistency Kind = "consistency"
)

// Retryable reports whether a failure of this kind may send the job back to
// pending for another attempt.
func (k Kind) Retryable() bool {
	switch k {
	case KindTransient, KindRateLimited, KindDownstreamUnavailable:
		return true
	default:
		return false
	}
}

// Failure is a typed processing error carrying its taxonomy kind and the
// pipeline phase that produced it.
type Failure struct {
	Kind  Kind
	Phase string // "generate", "publish", "store", "dedupe"
	Err   error
}

func (f *Failure) Error() string {
	if f.Err == nil {
		return fmt.Sprintf("%s failure in %s phase", f.Kind, f.Phase)
	}
	return fmt.Sprintf("%s: %s: %v", f.Phase, f.Kind, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

// NewFailure wraps err with a kind and phase.
func NewFailure(kind Kind, phase string, err error) *Failure {
	return &Failure{Kind: kind, Phase: phase, Err: err}
}

// Classify extracts the Kind from err. Errors that do not carry a *Failure
// anywhere in their chain are treated as transient — the safe default for
// unknown faults from external calls.
func Classify(err error) Kind {
	var f *Failure
	if errors.As(err, &f) {
		return f.Kind
	}
	return KindTransient
}

// Summary renders err as the human-readable string stored in jobs.last_error.
func Summary(err error) string {
	var f *Failure
	if errors.As(err, &f) {
		return fmt.Sprintf("[%s/%s] %v", f.Phase, f.Kind, f.Err)
	}
	return err.Error()
}
