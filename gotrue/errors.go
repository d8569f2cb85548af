package gotrue

import (
	"errors"
	"fmt"
)

var (
	// ErrTokenAlreadyConsumed is returned by Verify when a one-time token
	// has been redeemed before (the service answers with code 404).
	ErrTokenAlreadyConsumed = errors.New("one-time token already consumed")
)

// AuthenticationError is the token endpoint rejecting a grant: bad
// credentials on a password grant, or a stale token on a refresh grant.
type AuthenticationError struct {
	Description string
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("authentication failed: %s", e.Description)
}

// SignupError carries the service-side validation message for a rejected
// signup, verbatim, for the caller's UI.
type SignupError struct {
	Msg string
}

func (e *SignupError) Error() string {
	return fmt.Sprintf("signup rejected: %s", e.Msg)
}
