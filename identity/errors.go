package identity

import "errors"

var (
	// ErrNotAuthenticated means an operation requiring a session was
	// attempted without one. This is a programmer error at the call site,
	// not a service condition, and fails fast.
	ErrNotAuthenticated = errors.New("not authenticated")
)
