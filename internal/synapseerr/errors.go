// Package synapseerr defines the error-kind taxonomy shared by every
// component, per §7: callers branch on Kind rather than on error strings
// or concrete types from individual packages.
package synapseerr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for policy purposes (retry, penalize, fail
// fatally, drop silently) without callers needing to know which package
// raised it.
type Kind int

const (
	// KindValidation covers signature mismatch, id mismatch, dimension
	// mismatch, and malformed payloads. Reject, penalize the remote
	// sender if one exists, surface to the local caller.
	KindValidation Kind = iota
	// KindStorage covers disk I/O, constraint violations, and migration
	// failures. Fail the operation; fatal only if the store cannot be
	// opened at all.
	KindStorage
	// KindIndex covers vector dimension mismatch and index-full. The
	// insert fails and the store rolls back.
	KindIndex
	// KindNetwork covers connection failure, timeout, and peer reset.
	// Retried with exponential backoff before the peer is marked failed.
	KindNetwork
	// KindCrypto covers key load failure, sign failure, and
	// decapsulation failure. Aborts the session, not the process.
	KindCrypto
	// KindRateLimit covers per-peer caps exceeded. Silent drop plus a
	// reputation penalty.
	KindRateLimit
	// KindOverload covers a full queue. Drop-oldest plus a penalty.
	KindOverload
	// KindConfig covers invalid configuration. Fatal at startup.
	KindConfig
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindStorage:
		return "storage"
	case KindIndex:
		return "index"
	case KindNetwork:
		return "network"
	case KindCrypto:
		return "crypto"
	case KindRateLimit:
		return "rate_limit"
	case KindOverload:
		return "overload"
	case KindConfig:
		return "config"
	default:
		return "unknown"
	}
}

// Error wraps an underlying error with a Kind and the operation that
// produced it, so the orchestrator boundary can report structured
// results instead of uncaught faults.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a structured error for the given kind and operation.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Is reports whether err is a *Error of the given kind, unwrapping
// through any wrapper chain.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
