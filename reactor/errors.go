package reactor

import (
	"errors"
	"fmt"
)

var (
	ErrResourceExhausted     = errors.New("reactor: resource exhausted")
	ErrInvalidDescriptor     = errors.New("reactor: invalid descriptor")
	ErrNotRegistered         = errors.New("reactor: descriptor not registered")
	ErrAlreadyRegistered     = errors.New("reactor: descriptor already has a handler")
	ErrDuplicateRegistration = errors.New("reactor: duplicate registration")
	ErrWaitInterrupted       = errors.New("reactor: wait interrupted")
	ErrRegistryClosed        = errors.New("reactor: registry closed")
	ErrHandleClosed          = errors.New("reactor: wakeup handle closed")
	ErrAlreadyRunning        = errors.New("reactor: loop already running")
	ErrLoopStopped           = errors.New("reactor: loop stopped")
	ErrInvalidDelta          = errors.New("reactor: invalid signal delta")
	ErrCounterSaturated      = errors.New("reactor: wakeup counter saturated")
	ErrNilHandler            = errors.New("reactor: nil handler")
)

// PanicError carries the value recovered from a panicking handler.
type PanicError struct {
	Value any
}

func (e PanicError) Error() string {
	return fmt.Sprintf("reactor: handler panicked: %v", e.Value)
}

// Unwrap returns the panic value when it is an error.
func (e PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

// HandlerError is returned from Run when a handler failed.
type HandlerError struct {
	Descriptor Descriptor
	Err        error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("reactor: handler for %s: %v", e.Descriptor, e.Err)
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}

// IsTemporary reports whether err is worth retrying as is.
func IsTemporary(err error) bool {
	return errors.Is(err, ErrWaitInterrupted)
}
