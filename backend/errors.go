package backend

import (
	"fmt"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Kinds of errors returned by the package. Use errors.Is(err, ErrFeed) to test for them: every error returned
// wraps exactly one kind, plus the native driver error that caused it, if any.
var (
	// ErrDevice is returned when device selection, context creation or context activation fails.
	ErrDevice = errors.New("device error")

	// ErrFeed is returned when stream creation, destruction or synchronization fails.
	ErrFeed = errors.New("feed error")

	// ErrInvalidOperation is returned when an empty (moved-from or destroyed) Feed is used, on pin/unpin misuse,
	// and on invalid arguments to the memory, copy and kernel functions.
	ErrInvalidOperation = errors.New("invalid operation")
)

// Error is the error type returned by the package.
type Error struct {
	// Kind is one of ErrDevice, ErrFeed or ErrInvalidOperation.
	Kind error

	// Op is the operation that failed, e.g. "Feed.Synchronize".
	Op string

	// Msg describes the failure, if Cause is not enough.
	Msg string

	// Cause is the native driver error, if any.
	Cause error
}

// Error implements error.
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %v", e.Op, e.Kind)
	if e.Msg != "" {
		msg += ": " + e.Msg
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap returns the kind and the cause, so errors.Is works for both.
func (e *Error) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Cause}
}

// newError returns an *Error of the given kind wrapping cause, with a stack trace.
func newError(kind error, op string, cause error) error {
	return errors.WithStack(&Error{Kind: kind, Op: op, Cause: cause})
}

// newErrorf returns an *Error of the given kind with a formatted message, with a stack trace.
func newErrorf(kind error, op string, format string, args ...any) error {
	return errors.WithStack(&Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)})
}

// withCleanupError attaches the error of a cleanup step (e.g. deactivating a context) to the main error.
// If there is no main error, the cleanup error is returned.
func withCleanupError(err, cleanupErr error) error {
	if cleanupErr == nil {
		return err
	}
	if err == nil {
		return cleanupErr
	}
	return errors.WithMessagef(err, "(cleanup also failed: %v)", cleanupErr)
}

// FinalizeErrorHandler is called with the errors of releases that have no caller to return them to: the
// garbage collection cleanups of forgotten Device, Feed, DeviceArray and Module objects.
//
// It defaults to logging the error with klog.Errorf. Programs that prefer to abort can set it to a function
// that calls klog.Fatalf. It must be set before any object is created.
var FinalizeErrorHandler = func(err error) {
	klog.Errorf("aura: release of forgotten resource failed: %+v", err)
}
