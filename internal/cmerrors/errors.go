// Package cmerrors defines the typed error kinds shared by the dependency
// and component packages, modeled on the NotFoundError / Is* predicate
// pattern used elsewhere in this codebase for resource-scoped errors.
package cmerrors

import (
	"errors"
	"fmt"
)

// InvalidStateError reports a mutation rejected because of the current
// enabled/disabled state of a Service Dependency or Component Manager, or a
// lookup against an unknown dependency UUID.
type InvalidStateError struct {
	Component string
	UUID      string
	Reason    string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("%s %s: invalid state: %s", e.Component, e.UUID, e.Reason)
}

// IsInvalidState reports whether err is, or wraps, an *InvalidStateError.
func IsInvalidState(err error) bool {
	var e *InvalidStateError
	return errors.As(err, &e)
}

// ReentrantError reports that disable() or remove_service_dependency was
// invoked from within a callback of the same component manager.
type ReentrantError struct {
	Component string
	UUID      string
	Operation string
}

func (e *ReentrantError) Error() string {
	return fmt.Sprintf("%s %s: %s called reentrantly from its own callback", e.Component, e.UUID, e.Operation)
}

// IsReentrant reports whether err is, or wraps, a *ReentrantError.
func IsReentrant(err error) bool {
	var e *ReentrantError
	return errors.As(err, &e)
}

// RegistryUnavailableError reports that a tracker could not subscribe to
// the registry. The owning SD remains configured but unresolved, and the
// subscription is retried on the next enable.
type RegistryUnavailableError struct {
	Component string
	UUID      string
	Err       error
}

func (e *RegistryUnavailableError) Error() string {
	return fmt.Sprintf("%s %s: registry unavailable: %v", e.Component, e.UUID, e.Err)
}

func (e *RegistryUnavailableError) Unwrap() error { return e.Err }

// IsRegistryUnavailable reports whether err is, or wraps, a
// *RegistryUnavailableError.
func IsRegistryUnavailable(err error) bool {
	var e *RegistryUnavailableError
	return errors.As(err, &e)
}

// CallbackPanicError represents a recovered user-callback panic. Per the
// propagation policy, it is logged at the point of recovery and must never
// be surfaced to a caller — a component must not be able to tear down its
// owning Dependency Manager by panicking.
type CallbackPanicError struct {
	Component string
	UUID      string
	Phase     string
	Recovered any
}

func (e *CallbackPanicError) Error() string {
	return fmt.Sprintf("%s %s: callback %q panicked: %v", e.Component, e.UUID, e.Phase, e.Recovered)
}
