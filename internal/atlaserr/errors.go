// Package atlaserr defines the error taxonomy shared across the daemon.
//
// Errors are classified by Kind so that retry and surfacing decisions are
// made close to the failing call (pipeline, coordinator) while the RPC
// layer only maps the outermost kind to a response code. Wrapping keeps
// the operation and the chunk/source id in the chain.
package atlaserr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for retry and surfacing decisions.
type Kind int

const (
	// KindValidation is bad input: unknown capability, malformed query.
	// Never retried.
	KindValidation Kind = iota
	// KindTransient is a timeout, 5xx, or connection reset. Retried with
	// backoff; surfaced only on retry exhaustion.
	KindTransient
	// KindCapabilityUnavailable means no backend satisfies a required
	// capability. Surfaced immediately; callers may downgrade.
	KindCapabilityUnavailable
	// KindDivergence is a cross-tier inconsistency (vector hit without a
	// metadata row, or the reverse). Treated as absent; triggers reconcile.
	KindDivergence
	// KindCorruption is a payload that fails schema validation. The chunk
	// is quarantined, not served.
	KindCorruption
	// KindCancelled is caller-driven cancellation. Never retried.
	KindCancelled
	// KindFatalInit is an unrecoverable startup failure: schema not
	// creatable, config invalid. The daemon refuses to start.
	KindFatalInit
	// KindInternal is everything else.
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindTransient:
		return "transient"
	case KindCapabilityUnavailable:
		return "capability_unavailable"
	case KindDivergence:
		return "divergence"
	case KindCorruption:
		return "corruption"
	case KindCancelled:
		return "cancelled"
	case KindFatalInit:
		return "fatal_init"
	default:
		return "internal"
	}
}

// Error is a classified error with an operation context.
type Error struct {
	Kind Kind
	Op   string // e.g. "coordinator.upsert", "backend.resolve"
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err with a kind and operation. A nil err yields a bare
// classified error so callers can always return *Error.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Newf is New with fmt.Errorf semantics.
func Newf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf reports the kind of err, unwrapping as needed.
// Unclassified errors are KindInternal.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindInternal
}

// IsTransient reports whether err should be retried with backoff.
func IsTransient(err error) bool { return KindOf(err) == KindTransient }

// CapabilityUnavailable builds the typed error for an unsatisfiable capability.
func CapabilityUnavailable(capability string) *Error {
	return Newf(KindCapabilityUnavailable, "backend.resolve", "no backend available for capability %q", capability)
}
