package errdefs

import (
	"errors"
	"fmt"
)

// Sentinel errors for the control plane's failure taxonomy. Callers wrap
// these with context via fmt.Errorf("...: %w", ...) and classify with the
// Is* predicates.
var (
	// ErrNotFound indicates the referenced entity is absent.
	ErrNotFound = errors.New("not found")

	// ErrIllegalState indicates the operation is incompatible with the
	// cluster's current state. Collisions with a transient state are
	// caller-retryable.
	ErrIllegalState = errors.New("illegal state")

	// ErrConflict indicates a uniqueness violation (name, port, path).
	ErrConflict = errors.New("conflict")

	// ErrResourceExhausted indicates a pool ran dry (ports, disk).
	ErrResourceExhausted = errors.New("resource exhausted")

	// ErrRuntime is a generic container runtime failure carrying exit
	// code and stderr tail in its message.
	ErrRuntime = errors.New("runtime error")

	// ErrRuntimeTimeout indicates a runtime call exceeded its wall-clock bound.
	ErrRuntimeTimeout = errors.New("runtime timeout")

	// ErrRuntimeUnavailable indicates the runtime daemon is unreachable.
	// Retryable.
	ErrRuntimeUnavailable = errors.New("runtime unavailable")

	// ErrRuntimeNotFound indicates the container does not exist in the runtime.
	ErrRuntimeNotFound = errors.New("container not found")

	// ErrIntegrity indicates a backup checksum mismatch.
	ErrIntegrity = errors.New("integrity error")

	// ErrUnauthorized indicates the principal may not act on the entity.
	ErrUnauthorized = errors.New("unauthorized")
)

// NotFound wraps ErrNotFound with a formatted message.
func NotFound(format string, args ...any) error {
	return wrap(ErrNotFound, format, args...)
}

// IllegalState wraps ErrIllegalState with a formatted message.
func IllegalState(format string, args ...any) error {
	return wrap(ErrIllegalState, format, args...)
}

// Conflict wraps ErrConflict with a formatted message.
func Conflict(format string, args ...any) error {
	return wrap(ErrConflict, format, args...)
}

// ResourceExhausted wraps ErrResourceExhausted with a formatted message.
func ResourceExhausted(format string, args ...any) error {
	return wrap(ErrResourceExhausted, format, args...)
}

// Runtime wraps ErrRuntime with a formatted message.
func Runtime(format string, args ...any) error {
	return wrap(ErrRuntime, format, args...)
}

// RuntimeTimeout wraps ErrRuntimeTimeout with a formatted message.
func RuntimeTimeout(format string, args ...any) error {
	return wrap(ErrRuntimeTimeout, format, args...)
}

// RuntimeUnavailable wraps ErrRuntimeUnavailable with a formatted message.
func RuntimeUnavailable(format string, args ...any) error {
	return wrap(ErrRuntimeUnavailable, format, args...)
}

// RuntimeNotFound wraps ErrRuntimeNotFound with a formatted message.
func RuntimeNotFound(format string, args ...any) error {
	return wrap(ErrRuntimeNotFound, format, args...)
}

// Integrity wraps ErrIntegrity with a formatted message.
func Integrity(format string, args ...any) error {
	return wrap(ErrIntegrity, format, args...)
}

// Unauthorized wraps ErrUnauthorized with a formatted message.
func Unauthorized(format string, args ...any) error {
	return wrap(ErrUnauthorized, format, args...)
}

func wrap(sentinel error, format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), sentinel)
}

func IsNotFound(err error) bool           { return errors.Is(err, ErrNotFound) }
func IsIllegalState(err error) bool       { return errors.Is(err, ErrIllegalState) }
func IsConflict(err error) bool           { return errors.Is(err, ErrConflict) }
func IsResourceExhausted(err error) bool  { return errors.Is(err, ErrResourceExhausted) }
func IsRuntime(err error) bool            { return errors.Is(err, ErrRuntime) }
func IsRuntimeTimeout(err error) bool     { return errors.Is(err, ErrRuntimeTimeout) }
func IsRuntimeUnavailable(err error) bool { return errors.Is(err, ErrRuntimeUnavailable) }
func IsRuntimeNotFound(err error) bool    { return errors.Is(err, ErrRuntimeNotFound) }
func IsIntegrity(err error) bool          { return errors.Is(err, ErrIntegrity) }
func IsUnauthorized(err error) bool       { return errors.Is(err, ErrUnauthorized) }

// Retryable reports whether the failure is transient from the caller's
// perspective: transient-state collisions and an unreachable runtime daemon.
func Retryable(err error) bool {
	return errors.Is(err, ErrIllegalState) || errors.Is(err, ErrRuntimeUnavailable)
}
