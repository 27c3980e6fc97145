// Package quilterr defines the error taxonomy shared by every core
// component: Validation, NotFound, Runtime, Network, Readiness, Timeout,
// Cleanup, and Storage, per the error handling design.
package quilterr

import "errors"

// Kind categorizes a failure so callers (and the CLI's exit-code mapping)
// can distinguish retryable/operator-visible failures from programmer
// errors without parsing message text.
type Kind string

const (
	Validation  Kind = "validation"
	NotFound    Kind = "not_found"
	Runtime     Kind = "runtime"
	Network     Kind = "network"
	Readiness   Kind = "readiness"
	Timeout     Kind = "timeout"
	Cleanup     Kind = "cleanup"
	Storage     Kind = "storage"
	RootfsSetup Kind = "rootfs_setup"
	ImageMissing Kind = "image_missing"
)

// Error wraps an underlying cause with a Kind, so errors.Is/errors.As work
// across package boundaries without every caller needing its own sentinel.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Op + ": " + string(e.Kind)
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// Is allows errors.Is(err, quilterr.ErrValidation) style checks by comparing
// Kind values wrapped in a bare *Error.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Err != nil {
		return false
	}
	return e.Kind == t.Kind
}

// New constructs a *Error for the given kind, wrapping err.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// sentinel helpers so callers can write errors.Is(err, quilterr.ErrValidation)
// to test for a Kind without constructing an *Error by hand each time.
var (
	ErrValidation = &Error{Kind: Validation}
	ErrNotFound   = &Error{Kind: NotFound}
	ErrRuntime    = &Error{Kind: Runtime}
	ErrNetwork    = &Error{Kind: Network}
	ErrReadiness  = &Error{Kind: Readiness}
	ErrTimeout    = &Error{Kind: Timeout}
	ErrCleanup    = &Error{Kind: Cleanup}
	ErrStorage    = &Error{Kind: Storage}
	ErrRootfsSetup  = &Error{Kind: RootfsSetup}
	ErrImageMissing = &Error{Kind: ImageMissing}
)

// KindOf returns the Kind of err if it (or something it wraps) is a
// *Error, and ok=false otherwise.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}
