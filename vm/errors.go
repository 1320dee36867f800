package vm

import (
	"errors"
	"fmt"
)

// Error kinds. Every failure reported by the VM wraps exactly one of these,
// so hosts can branch with errors.Is.
var (
	ErrInvalidType        = errors.New("invalid type")
	ErrWrongArgumentCount = errors.New("wrong number of parameters")
	ErrInvalidKey         = errors.New("invalid key")
	ErrKeyNotFound        = errors.New("key not found")
	ErrDelegateCycle      = errors.New("delegate cycle")
	ErrClassLocked        = errors.New("class locked")
	ErrInvalidBase        = errors.New("invalid base")
	ErrTypeMismatch       = errors.New("parameter type mismatch")
	ErrNotCallable        = errors.New("not callable")
	ErrInvalidTailCall    = errors.New("invalid tail call")
	ErrNotSuspended       = errors.New("not suspended")
	ErrNotResumable       = errors.New("not resumable")
	ErrInvalidContext     = errors.New("invalid context")
	ErrUnserializable     = errors.New("unserializable")
	ErrIO                 = errors.New("io error")
	ErrWrongTypeTag       = errors.New("wrong type tag")
	ErrWrongType          = errors.New("wrong type")
	ErrInvalidOperation   = errors.New("invalid operation")
	ErrIndexOutOfRange    = errors.New("index out of range")
	ErrStackOverflow      = errors.New("stack overflow")
	ErrRuntime            = errors.New("runtime error")
)

// ScriptError is the error type returned by every fallible VM operation.
// Message is the text that also becomes the thread's last error.
type ScriptError struct {
	Kind    error
	Message string
}

func (e *ScriptError) Error() string {
	return e.Message
}

func (e *ScriptError) Unwrap() error {
	return e.Kind
}

func newError(kind error, format string, args ...any) *ScriptError {
	return &ScriptError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// errKind extracts the kind of err, defaulting to ErrRuntime.
func errKind(err error) error {
	var se *ScriptError
	if errors.As(err, &se) && se.Kind != nil {
		return se.Kind
	}
	return ErrRuntime
}

func errIndex(key Value) *ScriptError {
	return newError(ErrKeyNotFound, "the index '%s' does not exist", key)
}
