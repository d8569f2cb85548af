package identity

// User is the profile object returned by the identity service's user
// endpoint. The service owns its shape, so it stays an open map with typed
// accessors for the fields the manager itself needs.
type User map[string]any

func (u User) str(key string) string {
	value, _ := u[key].(string)
	return value
}

// ID returns the account's unique identifier.
func (u User) ID() string { return u.str("id") }

// Email returns the account's confirmed email address.
func (u User) Email() string { return u.str("email") }

// NewEmail returns the address an in-flight email change is moving to, or
// "" when no change is pending.
func (u User) NewEmail() string { return u.str("new_email") }

// ConfirmedAt returns the service's confirmation timestamp, or "" for an
// unconfirmed account.
func (u User) ConfirmedAt() string { return u.str("confirmed_at") }

// Merge returns a copy of u with fields laid over it, one level deep.
// Partial update responses only carry the fields that changed; merging
// keeps previously known fields alive.
func (u User) Merge(fields map[string]any) User {
	merged := make(User, len(u)+len(fields))
	for k, v := range u {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return merged
}
