// Package errs defines the shard's enumerated error kinds and the status
// codes that travel on the wire in every response.
package errs

import "fmt"

// Status is the framework-wide error/status enumeration. User-defined ADO
// status codes start at ErrorBase and count downward so they never collide
// with framework codes.
type Status int32

const (
	OK        Status = 0
	OKCreated Status = 1

	Fail                 Status = -1
	Inval                Status = -2
	Locked               Status = -3
	KeyNotFound          Status = -4
	TooLarge             Status = -5
	AlreadyExists        Status = -6
	InsufficientSpace    Status = -7
	AlreadyOpen          Status = -8
	Busy                 Status = -9
	NotImpl              Status = -10
	NotSupported         Status = -11
	OutOfBounds          Status = -12
	MaxReached           Status = -13
	PoolError            Status = -14

	// ErrorBase is the floor below which no framework status code is ever
	// assigned; ADO plugins are free to return any status <= ErrorBase as a
	// plugin-defined ("User0..UserN") code.
	ErrorBase Status = -1000
)

func (s Status) String() string {
	switch s {
	case OK:
		return "OK"
	case OKCreated:
		return "OK_CREATED"
	case Fail:
		return "FAIL"
	case Inval:
		return "INVAL"
	case Locked:
		return "LOCKED"
	case KeyNotFound:
		return "KEY_NOT_FOUND"
	case TooLarge:
		return "TOO_LARGE"
	case AlreadyExists:
		return "ALREADY_EXISTS"
	case InsufficientSpace:
		return "INSUFFICIENT_SPACE"
	case AlreadyOpen:
		return "ALREADY_OPEN"
	case Busy:
		return "BUSY"
	case NotImpl:
		return "NOT_IMPL"
	case NotSupported:
		return "NOT_SUPPORTED"
	case OutOfBounds:
		return "OUT_OF_BOUNDS"
	case MaxReached:
		return "MAX_REACHED"
	case PoolError:
		return "POOL_ERROR"
	default:
		if s <= ErrorBase {
			return fmt.Sprintf("USER(%d)", ErrorBase-s)
		}
		return fmt.Sprintf("UNKNOWN(%d)", int32(s))
	}
}

// Error wraps a Status with a message, for use as a normal Go error at
// component boundaries (backend, transport, ado). Handlers at the dispatch
// layer unwrap it back to a Status for the wire response; anything that
// isn't an *Error maps to Fail.
type Error struct {
	Status Status
	Msg    string
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return e.Status.String()
	}
	return fmt.Sprintf("%s: %s", e.Status, e.Msg)
}

func New(status Status, msg string) *Error {
	return &Error{Status: status, Msg: msg}
}

func Newf(status Status, format string, args ...interface{}) *Error {
	return &Error{Status: status, Msg: fmt.Sprintf(format, args...)}
}

// ToStatus converts any error into a wire Status. nil becomes OK.
func ToStatus(err error) Status {
	if err == nil {
		return OK
	}
	if e, ok := err.(*Error); ok {
		return e.Status
	}
	return Fail
}

// Retryable reports whether a handler should leave the request on the
// session's inbound queue for the next tick instead of consuming it. This
// is the shard's backpressure mechanism (spec.md §4.1 step 5, §7): resource
// unavailability never produces a response.
func Retryable(err error) bool {
	e, ok := err.(*Error)
	return ok && e.Status == Busy
}
