package rpc

import (
	"errors"

	"github.com/concoursedb/concourse/internal/engine"
)

// wire error kinds, stable across client/server versions independent
// of engine.Kind's own iota ordering.
const (
	wireInvariantViolation byte = iota + 1
	wireTransactionConflict
	wireTimeout
	wireCancelled
	wireIOCorruption
	wireAuth
	wireUnknown
)

func kindToWire(k engine.Kind) byte {
	switch k {
	case engine.InvariantViolation:
		return wireInvariantViolation
	case engine.TransactionConflict:
		return wireTransactionConflict
	case engine.Timeout:
		return wireTimeout
	case engine.Cancelled:
		return wireCancelled
	case engine.IOCorruption:
		return wireIOCorruption
	case engine.Auth:
		return wireAuth
	default:
		return wireUnknown
	}
}

func wireToKind(b byte) engine.Kind {
	switch b {
	case wireInvariantViolation:
		return engine.InvariantViolation
	case wireTransactionConflict:
		return engine.TransactionConflict
	case wireTimeout:
		return engine.Timeout
	case wireCancelled:
		return engine.Cancelled
	case wireIOCorruption:
		return engine.IOCorruption
	case wireAuth:
		return engine.Auth
	default:
		return 0
	}
}

// Error is what a Client returns for a non-ok response: the engine
// error Kind the server reported, reconstructed on this side of the
// wire without needing the server's concrete error value.
type Error struct {
	Kind engine.Kind
	Msg  string
}

func (e *Error) Error() string { return "rpc: " + e.Kind.String() + ": " + e.Msg }

// IsKind reports whether err is an *Error of kind k.
func IsKind(err error, k engine.Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == k
	}
	return false
}

// errAuth is returned by the server for a missing/invalid session
// token, before any verb-specific work runs.
var errAuth = &engine.Error{Kind: engine.Auth}

func toWireError(err error) (byte, string) {
	var ee *engine.Error
	if errors.As(err, &ee) {
		return kindToWire(ee.Kind), ee.Error()
	}
	return wireUnknown, err.Error()
}
