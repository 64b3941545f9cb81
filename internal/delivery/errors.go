package delivery

import (
	"errors"
	"fmt"
)

// TransientError is a failed attempt worth retrying.
type TransientError struct {
	Reason     string
	StatusCode int
	Err        error
}

func (e *TransientError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transient delivery failure (%s): %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("transient delivery failure (%s)", e.Reason)
}

func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError is a failed attempt that retrying cannot fix.
type PermanentError struct {
	Reason     string
	StatusCode int
	Err        error
}

func (e *PermanentError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("permanent delivery failure (%s): %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("permanent delivery failure (%s)", e.Reason)
}

func (e *PermanentError) Unwrap() error { return e.Err }

// IsTransient reports whether err carries a TransientError.
func IsTransient(err error) bool {
	var t *TransientError
	return errors.As(err, &t)
}

// IsPermanent reports whether err carries a PermanentError.
func IsPermanent(err error) bool {
	var p *PermanentError
	return errors.As(err, &p)
}
