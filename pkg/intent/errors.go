package intent

import (
	"errors"
	"fmt"
)

// MsgInvalidAccessKey is the message reported when no access key is supplied.
const MsgInvalidAccessKey = "Invalid AccessKey"

// Kind classifies an [*Error] into one of the four failure categories callers
// are expected to branch on.
type Kind int

const (
	// KindInit covers failures while loading assets or creating an engine
	// handle: bad parameters, rejected access keys, unreadable models.
	KindInit Kind = iota

	// KindProcess covers failures while consuming a frame: wrong frame
	// length, released handle, runtime errors inside the engine.
	KindProcess

	// KindInvalidState covers commands issued in a state that does not permit
	// them, for example processing before initialisation.
	KindInvalidState

	// KindIO covers failures reading an audio source or fetching an asset.
	KindIO
)

// String returns the lower-case wire name of k.
func (k Kind) String() string {
	switch k {
	case KindInit:
		return "init"
	case KindProcess:
		return "process"
	case KindInvalidState:
		return "invalid_state"
	case KindIO:
		return "io"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Status is a fine-grained engine status code carried alongside a Kind.
type Status int

const (
	StatusSuccess Status = iota
	StatusOutOfMemory
	StatusIOError
	StatusInvalidArgument
	StatusStopIteration
	StatusKeyError
	StatusInvalidState
	StatusRuntimeError
	StatusActivationError
	StatusActivationLimitReached
	StatusActivationThrottled
	StatusActivationRefused
)

var statusNames = [...]string{
	StatusSuccess:                "SUCCESS",
	StatusOutOfMemory:            "OUT_OF_MEMORY",
	StatusIOError:                "IO_ERROR",
	StatusInvalidArgument:        "INVALID_ARGUMENT",
	StatusStopIteration:          "STOP_ITERATION",
	StatusKeyError:               "KEY_ERROR",
	StatusInvalidState:           "INVALID_STATE",
	StatusRuntimeError:           "RUNTIME_ERROR",
	StatusActivationError:        "ACTIVATION_ERROR",
	StatusActivationLimitReached: "ACTIVATION_LIMIT_REACHED",
	StatusActivationThrottled:    "ACTIVATION_THROTTLED",
	StatusActivationRefused:      "ACTIVATION_REFUSED",
}

// String returns the upper-case status name, e.g. "INVALID_ARGUMENT".
func (s Status) String() string {
	if s >= 0 && int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("STATUS(%d)", int(s))
}

// Sentinel errors that match any [*Error] of the corresponding kind under
// [errors.Is].
var (
	ErrInit         = errors.New("intent: init error")
	ErrProcess      = errors.New("intent: process error")
	ErrInvalidState = errors.New("intent: invalid state")
	ErrIO           = errors.New("intent: io error")
)

// Error is the single error type produced by engines, the session worker and
// the controller.
type Error struct {
	Kind    Kind
	Status  Status
	Message string

	// Fatal marks errors after which the handle that produced them must not be
	// used again.
	Fatal bool

	// Err is the underlying cause, if any.
	Err error
}

// Errorf builds an [*Error] with a formatted message.
func Errorf(kind Kind, status Status, format string, args ...any) *Error {
	return &Error{Kind: kind, Status: status, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an [*Error] of kind around cause. When cause is already an
// [*Error] it is returned unchanged so the original classification survives.
func Wrap(kind Kind, status Status, msg string, cause error) *Error {
	var ie *Error
	if errors.As(cause, &ie) {
		return ie
	}
	return &Error{Kind: kind, Status: status, Message: msg, Err: cause}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("intent: %s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("intent: %s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// Is matches the kind sentinels so callers can write
// errors.Is(err, intent.ErrInvalidState).
func (e *Error) Is(target error) bool {
	switch target {
	case ErrInit:
		return e.Kind == KindInit
	case ErrProcess:
		return e.Kind == KindProcess
	case ErrInvalidState:
		return e.Kind == KindInvalidState
	case ErrIO:
		return e.Kind == KindIO
	}
	return false
}

// AsFatal returns a copy of e with Fatal set.
func (e *Error) AsFatal() *Error {
	cp := *e
	cp.Fatal = true
	return &cp
}

// KindOf reports the Kind of err. ok is false when err is not an [*Error].
func KindOf(err error) (kind Kind, ok bool) {
	var ie *Error
	if errors.As(err, &ie) {
		return ie.Kind, true
	}
	return 0, false
}

// IsFatal reports whether err is an [*Error] marked Fatal.
func IsFatal(err error) bool {
	var ie *Error
	return errors.As(err, &ie) && ie.Fatal
}

// AsError converts err into an [*Error], wrapping foreign errors as kind.
// It returns nil for a nil err.
func AsError(err error, kind Kind) *Error {
	if err == nil {
		return nil
	}
	return Wrap(kind, StatusRuntimeError, err.Error(), err)
}
