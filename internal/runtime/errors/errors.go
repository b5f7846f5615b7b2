package errors

import (
	sterrors "errors"
	"fmt"
	"strings"
)

var (
	ErrConfigRequired             = sterrors.New("muflow: configuration is required")
	ErrLoggerRequired             = sterrors.New("muflow: logger is required")
	ErrNoProviderFound            = sterrors.New("muflow: no provider found")
	ErrCircularDependency         = sterrors.New("muflow: circular dependency")
	ErrCircularDependencyAsync    = sterrors.New("muflow: circular dependency (async)")
	ErrAsyncProviderInSyncContext = sterrors.New("muflow: async provider resolved in sync context")
	ErrConnectionScopeRequired    = sterrors.New("muflow: connection-scoped provider requires a connection id")
	ErrUnknownConnection          = sterrors.New("muflow: unknown connection")
	ErrInvalidProvider            = sterrors.New("muflow: invalid provider")
	ErrInvalidModule              = sterrors.New("muflow: invalid module")
	ErrInvalidHandler             = sterrors.New("muflow: invalid handler")
	ErrDuplicateHandler           = sterrors.New("muflow: duplicate handler")
	ErrHandlerNotFound            = sterrors.New("muflow: handler not found")
	ErrHandlerInvocationFailed    = sterrors.New("muflow: handler invocation failed")
	ErrConnectionClosed           = sterrors.New("muflow: connection is closed")
	ErrMalformedMessage           = sterrors.New("muflow: malformed message")
	ErrNotInitialized             = sterrors.New("muflow: application is not initialised")

	// ErrForbidden is the guard denial. Its text is what clients receive.
	ErrForbidden = sterrors.New("Forbidden")
)

// NoProviderError reports a token with no definition that cannot be constructed on its own.
type NoProviderError struct {
	Token string
}

func (e *NoProviderError) Error() string {
	return "No provider found for " + e.Token
}

func (e *NoProviderError) Unwrap() error { return ErrNoProviderFound }

// CircularDependencyError carries the resolution stack that closed the cycle.
type CircularDependencyError struct {
	Token string
	Path  []string
	Async bool
}

func (e *CircularDependencyError) Error() string {
	msg := "Circular dependency detected for " + e.Token
	if e.Async {
		msg += " (async)"
	}
	if len(e.Path) > 0 {
		msg += ": " + strings.Join(e.Path, " -> ")
	}
	return msg
}

func (e *CircularDependencyError) Unwrap() error {
	if e.Async {
		return ErrCircularDependencyAsync
	}
	return ErrCircularDependency
}

// DependencyError wraps a failure to build one constructor or factory argument.
type DependencyError struct {
	Owner string
	Slot  int
	Token string
	Err   error
}

func (e *DependencyError) Error() string {
	return fmt.Sprintf("Failed to resolve dependency for parameter #%d of %s: %s: %v", e.Slot, e.Owner, e.Token, e.Err)
}

func (e *DependencyError) Unwrap() error { return e.Err }

// DuplicateHandlerError names both declarations of the same fully-qualified event.
type DuplicateHandlerError struct {
	Event              string
	Controller         string
	Method             string
	ExistingController string
	ExistingMethod     string
}

func (e *DuplicateHandlerError) Error() string {
	return fmt.Sprintf("Duplicate handler for event %q detected. Check controller: %s method: %s (already declared by %s method: %s)",
		e.Event, e.Controller, e.Method, e.ExistingController, e.ExistingMethod)
}

func (e *DuplicateHandlerError) Unwrap() error { return ErrDuplicateHandler }

// HandlerNotFoundError is produced for messages whose type has no route.
type HandlerNotFoundError struct {
	Type string
}

func (e *HandlerNotFoundError) Error() string {
	return "No handler found for message type: " + e.Type
}

func (e *HandlerNotFoundError) Unwrap() error { return ErrHandlerNotFound }

// HandlerInvocationError wraps anything raised while extracting parameters,
// running guards, interceptors or the handler itself.
type HandlerInvocationError struct {
	Event string
	Err   error
}

func (e *HandlerInvocationError) Error() string {
	return fmt.Sprintf("muflow: handler invocation failed for %q: %v", e.Event, e.Err)
}

func (e *HandlerInvocationError) Unwrap() []error {
	return []error{ErrHandlerInvocationFailed, e.Err}
}

// ConfigValidationError groups configuration problems found by Validate.
type ConfigValidationError struct {
	Err error
}

func (e ConfigValidationError) Error() string {
	return "muflow: invalid configuration: " + e.Err.Error()
}

func (e ConfigValidationError) Unwrap() error { return e.Err }

// NewConfigValidationError returns nil when err is nil.
func NewConfigValidationError(err error) error {
	if err == nil {
		return nil
	}
	return ConfigValidationError{Err: err}
}
