package halcmd

import (
	"errors"
	"fmt"
)

// ErrorType classifies errors returned by the dispatch layer.
type ErrorType int

const (
	ErrorTypeTransport ErrorType = iota
	ErrorTypeDecode
	ErrorTypeAlreadyRegistered
	ErrorTypeNotFound
	ErrorTypeTimeout
	ErrorTypeOutOfMemory
	ErrorTypeOutOfSlots
	ErrorTypeInvalidOperation
	ErrorTypeCancelled
	ErrorTypeClosed
	ErrorTypeParse
	ErrorTypeCommandFailed
	ErrorTypeTooManyFragments
	ErrorTypeAccumulatorClosed
	ErrorTypeNotSupported
)

// String returns the error type name
func (t ErrorType) String() string {
	switch t {
	case ErrorTypeTransport:
		return "transport"
	case ErrorTypeDecode:
		return "decode"
	case ErrorTypeAlreadyRegistered:
		return "already registered"
	case ErrorTypeNotFound:
		return "not found"
	case ErrorTypeTimeout:
		return "timeout"
	case ErrorTypeOutOfMemory:
		return "out of memory"
	case ErrorTypeOutOfSlots:
		return "out of slots"
	case ErrorTypeInvalidOperation:
		return "invalid operation"
	case ErrorTypeCancelled:
		return "cancelled"
	case ErrorTypeClosed:
		return "closed"
	case ErrorTypeParse:
		return "parse"
	case ErrorTypeCommandFailed:
		return "command failed"
	case ErrorTypeTooManyFragments:
		return "too many fragments"
	case ErrorTypeAccumulatorClosed:
		return "accumulator closed"
	case ErrorTypeNotSupported:
		return "not supported"
	default:
		return fmt.Sprintf("unknown(%d)", int(t))
	}
}

// Error is the error returned by every dispatch operation.
type Error struct {
	Type    ErrorType
	Op      string // operation that failed, e.g. "register"
	Code    int32  // errno for ErrorTypeCommandFailed
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Type.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Type == ErrorTypeCommandFailed {
		msg = fmt.Sprintf("%s (code %d)", msg, e.Code)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same Type, so the sentinels below work with
// errors.Is regardless of Op, Message or wrapped cause.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Type == e.Type
}

// Sentinels for errors.Is.
var (
	ErrTransport         = &Error{Type: ErrorTypeTransport}
	ErrDecode            = &Error{Type: ErrorTypeDecode}
	ErrAlreadyRegistered = &Error{Type: ErrorTypeAlreadyRegistered}
	ErrNotFound          = &Error{Type: ErrorTypeNotFound}
	ErrTimeout           = &Error{Type: ErrorTypeTimeout}
	ErrOutOfMemory       = &Error{Type: ErrorTypeOutOfMemory}
	ErrOutOfSlots        = &Error{Type: ErrorTypeOutOfSlots}
	ErrInvalidOperation  = &Error{Type: ErrorTypeInvalidOperation}
	ErrCancelled         = &Error{Type: ErrorTypeCancelled}
	ErrClosed            = &Error{Type: ErrorTypeClosed}
	ErrParse             = &Error{Type: ErrorTypeParse}
	ErrCommandFailed     = &Error{Type: ErrorTypeCommandFailed}
	ErrTooManyFragments  = &Error{Type: ErrorTypeTooManyFragments}
	ErrAccumulatorClosed = &Error{Type: ErrorTypeAccumulatorClosed}
	ErrNotSupported      = &Error{Type: ErrorTypeNotSupported}
)

// ErrStopDispatch is returned by a Handler to stop the fan-out of the
// current message to the remaining matching subscriptions. It is not logged.
var ErrStopDispatch = errors.New("stop dispatch")

func newError(t ErrorType, op, format string, args ...interface{}) *Error {
	return &Error{Type: t, Op: op, Message: fmt.Sprintf(format, args...)}
}

func wrapError(t ErrorType, op string, err error) *Error {
	return &Error{Type: t, Op: op, Err: err}
}

// commandFailed builds the error surfaced for a negative acknowledgement.
func commandFailed(op string, code int32) *Error {
	return &Error{Type: ErrorTypeCommandFailed, Op: op, Code: code}
}

// IsTransient reports whether the failed operation may succeed if retried by
// the caller. The core itself never retries.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrOutOfSlots)
}

// IsFatal reports whether the error means the whole dispatch layer is gone.
func IsFatal(err error) bool {
	return errors.Is(err, ErrTransport) || errors.Is(err, ErrClosed)
}
