package errcode

import "errors"

// Code is a stable, log- and report-facing error identifier.
// It is a string newtype, comparable, allocation-free, and implements error.
type Code string

func (c Code) Error() string { return string(c) }
func (c Code) Code() Code     { return c }

// Canonical codes (short, stable).
const (
	OK            Code = "ok"
	Busy          Code = "busy"
	InvalidParams Code = "invalid_params"
	NotFound      Code = "not_found"
	Timeout       Code = "timeout"

	// Event bus
	QueueFull        Code = "queue_full"
	ListenerCapacity Code = "listener_capacity"

	// Connectivity / binding
	NotConnected  Code = "not_connected"
	NoBindSession Code = "no_bind_session"
	BindExpired   Code = "bind_expired"

	// OTA
	LowBattery       Code = "low_battery"
	NoUpdate         Code = "no_update"
	SessionActive    Code = "session_active"
	IncompleteImage  Code = "incomplete_image"
	ChecksumMismatch Code = "checksum_mismatch"

	Error Code = "error" // generic fallback
)

// Optional wrapper when we want to keep context and a cause.
type E struct {
	C   Code
	Op  string
	Msg string
	Err error
}

func (e *E) Error() string {
	s := string(e.C)
	if e.Op != "" {
		s = e.Op + ": " + s
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}
func (e *E) Unwrap() error { return e.Err }
func (e *E) Code() Code    { return e.C }

// Is lets errors.Is(err, code) match a wrapped *E by its code.
func (e *E) Is(target error) bool {
	c, ok := target.(Code)
	return ok && c == e.C
}

// Wrap builds an *E for op with cause err.
func Wrap(c Code, op string, err error) *E {
	return &E{C: c, Op: op, Err: err}
}

// Of extracts a Code from err or anything it wraps, defaulting to Error.
func Of(err error) Code {
	if err == nil {
		return OK
	}
	var x interface{ Code() Code }
	if errors.As(err, &x) {
		return x.Code()
	}
	return Error
}
