package core

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownDescriptor means no factory is registered for a descriptor.
	ErrUnknownDescriptor = errors.New("unknown actor descriptor")

	// ErrEmptyIdentity is returned when an operation is given an empty identity.
	ErrEmptyIdentity = errors.New("actor identity must not be empty")

	// ErrEvicted is returned by a Container that the sweeper or Clear removed.
	// Going back through the Registry yields a fresh container.
	ErrEvicted = errors.New("actor container was evicted")

	// ErrRegistryClosed is returned by a Registry after Close.
	ErrRegistryClosed = errors.New("actor registry is closed")

	// ErrBodyClosed is returned by a request body read after the response to
	// that request was finished.
	ErrBodyClosed = errors.New("request body closed: response already finished")

	// ErrDuplicateDescriptor is returned by Manifest.Register.
	ErrDuplicateDescriptor = errors.New("descriptor already registered")

	errNilInstance = errors.New("factory returned a nil actor")
)

// ResolutionError reports that a descriptor could not be mapped to a factory.
type ResolutionError struct {
	Descriptor Descriptor
	Err        error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("resolve %s: %v", e.Descriptor, e.Err)
}

func (e *ResolutionError) Unwrap() error {
	return e.Err
}

// ConstructionError reports that a factory failed while waking an actor.
// No instance is kept after it; the next request retries construction.
type ConstructionError struct {
	Identity   string
	Descriptor Descriptor
	Err        error
}

func (e *ConstructionError) Error() string {
	return fmt.Sprintf("construct actor %q (%s): %v", e.Identity, e.Descriptor, e.Err)
}

func (e *ConstructionError) Unwrap() error {
	return e.Err
}

// HandlerError reports that an actor's Handle returned an error or panicked.
type HandlerError struct {
	Identity string
	Err      error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("actor %q handler: %v", e.Identity, e.Err)
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}

// PanicError carries a value recovered from an actor or factory panic.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}
