// Package account provides connected IMAP/SMTP sessions to executing
// tasks: per-account configuration lookup, credential resolution,
// circuit breaking around connection establishment, and the session
// operations task types build on.
package account

import (
	"errors"
	"fmt"
)

// AuthError indicates the server rejected the account's credentials.
// Task types translate it into a permanent failure.
type AuthError struct {
	AccountID string
	Message   string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth error (%s): %s", e.AccountID, e.Message)
}

// IsAuthError reports whether err (or any error in its chain) is an
// AuthError.
func IsAuthError(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}

// UnavailableError indicates the account cannot be used at all: it is
// unknown or disabled in configuration. Task types translate it into
// a permanent failure. An open circuit breaker is not unavailability;
// it surfaces as a transient connect failure instead.
type UnavailableError struct {
	AccountID string
	Reason    string
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("account %s unavailable: %s", e.AccountID, e.Reason)
}

// IsUnavailable reports whether err marks a disabled or unknown
// account.
func IsUnavailable(err error) bool {
	var ue *UnavailableError
	return errors.As(err, &ue)
}
