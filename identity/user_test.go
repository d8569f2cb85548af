package identity_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jon-sully/netlify-identity-go/identity"
)

func TestUser_Merge(t *testing.T) {
	original := identity.User{
		"id":            "user-1",
		"email":         "jane@example.com",
		"user_metadata": map[string]any{"full_name": "Jane"},
	}

	merged := original.Merge(map[string]any{
		"user_metadata": map[string]any{"full_name": "Jane X"},
	})

	// A partial response only overwrites the fields it carries.
	require.Equal(t, "user-1", merged.ID())
	require.Equal(t, "jane@example.com", merged.Email())
	require.Equal(t, map[string]any{"full_name": "Jane X"}, merged["user_metadata"])

	// The original is left alone.
	require.Equal(t, map[string]any{"full_name": "Jane"}, original["user_metadata"])
}

func TestUser_Accessors(t *testing.T) {
	u := identity.User{
		"email":        "jane@example.com",
		"new_email":    "jane.new@example.com",
		"confirmed_at": "2023-01-01T00:00:00Z",
	}
	require.Equal(t, "jane@example.com", u.Email())
	require.Equal(t, "jane.new@example.com", u.NewEmail())
	require.Equal(t, "2023-01-01T00:00:00Z", u.ConfirmedAt())

	var empty identity.User
	require.Equal(t, "", empty.Email())
	require.Equal(t, "", empty.NewEmail())
}
