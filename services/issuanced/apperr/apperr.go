package apperr

import "errors"

// Kind sentinels classify failures so transports can map them without knowing
// every package-level error.
var (
	ErrValidation    = errors.New("validation error")
	ErrPolicy        = errors.New("policy violation")
	ErrAuthorization = errors.New("authorization error")
	ErrUnavailable   = errors.New("external service unavailable")
	ErrInvariant     = errors.New("invariant violation")
	ErrFatalBreach   = errors.New("fatal invariant breach")
	ErrNotFound      = errors.New("not found")

	// ErrContract marks caller bugs such as skipping a required precheck.
	// These are never retried.
	ErrContract = errors.New("contract violation")
)

var kinds = []error{
	ErrFatalBreach,
	ErrContract,
	ErrValidation,
	ErrPolicy,
	ErrAuthorization,
	ErrUnavailable,
	ErrInvariant,
	ErrNotFound,
}

// Error is a classified sentinel. errors.Is matches both the error itself and
// its kind.
type Error struct {
	kind error
	msg  string
}

// New declares a sentinel of the supplied kind.
func New(kind error, msg string) *Error {
	return &Error{kind: kind, msg: msg}
}

func (e *Error) Error() string { return e.msg }

// Is reports whether target is this error's kind.
func (e *Error) Is(target error) bool {
	return target == e.kind
}

// Kind returns the classification sentinel.
func (e *Error) Kind() error { return e.kind }

// KindOf walks the chain and returns the first matching kind, or nil.
func KindOf(err error) error {
	if err == nil {
		return nil
	}
	for _, kind := range kinds {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}
