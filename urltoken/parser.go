package urltoken

import (
	"regexp"
	"strings"
)

// Kind identifies the action a one-time token was issued for.
type Kind string

const (
	KindConfirmation Kind = "confirmation"
	KindInvite       Kind = "invite"
	KindRecovery     Kind = "recovery"
	KindEmailChange  Kind = "email_change"
	KindAccess       Kind = "access"

	// KindPasswordRecovery is never parsed from a URL. The session manager
	// synthesizes it after a recovery token has been exchanged, marking the
	// session as waiting for the user to submit a new password.
	KindPasswordRecovery Kind = "passwordRecovery"
)

// Token is a one-time action token lifted out of a URL fragment. Params holds
// every key=value pair found in the fragment, including unrecognized ones.
type Token struct {
	Kind   Kind
	Value  string
	Params map[string]string
}

// History abstracts the browsing context's address bar. ReplaceState strips
// the fragment from the visible URL without triggering navigation; Location
// returns the full current URL for environments where ReplaceState is
// unsupported.
type History interface {
	ReplaceState() error
	Location() string
}

// NopHistory satisfies History for non-browser embedders (CLIs, servers)
// where there is no address bar to scrub.
type NopHistory struct{}

func (NopHistory) ReplaceState() error { return nil }
func (NopHistory) Location() string    { return "" }

var (
	actionPattern = regexp.MustCompile(`(confirmation|invite|recovery|email_change|access)_token=([^&]+)`)
	hashPrefix    = regexp.MustCompile(`^#?/?`)
)

// Parse extracts a one-time action token from a location fragment (the text
// after "#", with or without the "#" itself; a leading "/" left behind by
// hash routers is tolerated). It returns nil when the fragment is empty or
// contains no recognized token kind.
//
// Parsing also scrubs the fragment from the visible URL through history,
// so a second call on the live location sees no fragment; Parse is meant to
// run exactly once per page load. A failing ReplaceState is not an error:
// the parser falls back to locating the fragment delimiter in the raw URL
// and otherwise carries on.
func Parse(fragment string, history History) *Token {
	if fragment == "" {
		return nil
	}
	hash := hashPrefix.ReplaceAllString(fragment, "")

	if history == nil {
		history = NopHistory{}
	}
	if err := history.ReplaceState(); err != nil {
		// Informational only. Some embedders cannot rewrite the address
		// bar; the fragment offset is all that can be reported.
		_ = strings.Index(history.Location(), "#")
	}

	matches := actionPattern.FindStringSubmatch(hash)
	if matches == nil {
		return nil
	}

	params := make(map[string]string)
	for _, pair := range strings.Split(hash, "&") {
		key, value, found := strings.Cut(pair, "=")
		if !found {
			continue
		}
		params[key] = value
	}

	return &Token{
		Kind:   Kind(matches[1]),
		Value:  matches[2],
		Params: params,
	}
}
