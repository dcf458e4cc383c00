// Package status classifies errors into the kinds clients and peers see.
//
// Errors are marked with one of the kind sentinels using errors.Mark, so the
// original message survives for logs while Of returns the client status.
package status

import (
	"github.com/cockroachdb/errors"
)

// Code is the structured status returned to clients.
type Code uint8

const (
	Success Code = iota
	BadRequest
	Unauthorized
	TooManyRequests
	InternalError
)

func (c Code) String() string {
	switch c {
	case Success:
		return "success"
	case BadRequest:
		return "bad-request"
	case Unauthorized:
		return "unauthorized"
	case TooManyRequests:
		return "too-many-requests"
	case InternalError:
		return "internal-error"
	default:
		return "unknown"
	}
}

// Kind markers.
var (
	ErrBadRequest      = errors.New("bad request")
	ErrUnauthorized    = errors.New("unauthorized")
	ErrTooManyRequests = errors.New("too many requests")
	ErrInternal        = errors.New("internal error")

	// ErrProtocol marks ordering problems that are fixed by resynchronising.
	ErrProtocol = errors.New("protocol error")

	// ErrStorage marks persistence failures. They are fatal for the node.
	ErrStorage = errors.New("storage error")
)

// Invalid marks err as a validation failure.
func Invalid(err error) error { return errors.Mark(err, ErrBadRequest) }

// Invalidf builds a validation failure.
func Invalidf(format string, args ...any) error {
	return errors.Mark(errors.Newf(format, args...), ErrBadRequest)
}

// Denied marks err as an authorization failure.
func Denied(err error) error { return errors.Mark(err, ErrUnauthorized) }

// Throttled marks err as a rate limit failure.
func Throttled(err error) error { return errors.Mark(err, ErrTooManyRequests) }

// Protocol marks err as a recoverable ordering failure.
func Protocol(err error) error { return errors.Mark(err, ErrProtocol) }

// Storage marks err as a persistence failure. A nil err stays nil.
func Storage(err error) error {
	if err == nil {
		return nil
	}
	return errors.Mark(err, ErrStorage)
}

// Of maps err to the client visible code. Unmarked errors are internal.
func Of(err error) Code {
	switch {
	case err == nil:
		return Success
	case errors.Is(err, ErrBadRequest):
		return BadRequest
	case errors.Is(err, ErrUnauthorized):
		return Unauthorized
	case errors.Is(err, ErrTooManyRequests):
		return TooManyRequests
	default:
		return InternalError
	}
}

// Message returns the text safe to send to an untrusted caller.
func Message(err error) string {
	switch Of(err) {
	case Success:
		return ""
	case InternalError:
		return "internal error"
	default:
		return err.Error()
	}
}
