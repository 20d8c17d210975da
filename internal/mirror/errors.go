package mirror

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidInput      = errors.New("invalid input")
	ErrMissingNativeID   = errors.New("missing native id")
	ErrMalformedEnvelope = errors.New("malformed envelope")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrRateLimited       = errors.New("rate limited")
	ErrNotImplemented    = errors.New("not implemented")
)

// SkipError marks an entity that was dropped without being written.
type SkipError struct {
	Kind   Kind
	Reason string
	Err    error
}

func (e *SkipError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("skip %s: %s: %v", e.Kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("skip %s: %s", e.Kind, e.Reason)
}

func (e *SkipError) Unwrap() error {
	return e.Err
}

// IsPermanent reports whether retrying the operation that produced err can
// never succeed.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrMissingNativeID) ||
		errors.Is(err, ErrMalformedEnvelope) ||
		errors.Is(err, ErrInvalidInput)
}
