package sync

import (
	"errors"
	"fmt"
)

// AuthError reports credentials rejected by the provider or the credential
// service. It aborts the sync cycle and is surfaced distinctly so the
// caller can prompt for reconnection.
type AuthError struct {
	Provider  ProviderName
	UserEmail string
	Err       error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s auth failed for %s: %v", e.Provider, e.UserEmail, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// TransientError reports a provider failure (network, 5xx) expected to
// clear on its own. The cycle aborts; the next cycle's window re-covers
// the gap.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient provider error during %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// IsAuth reports whether err is (or wraps) an AuthError.
func IsAuth(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// IsTransient reports whether err is (or wraps) a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
