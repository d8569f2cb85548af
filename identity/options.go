package identity

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/jon-sully/netlify-identity-go/gotrue"
	"github.com/jon-sully/netlify-identity-go/urltoken"
)

// Option modifies a Manager during construction.
type Option func(*Manager)

// WithHTTPClient replaces the transport used for every identity request,
// including AuthorizedFetch.
func WithHTTPClient(d gotrue.Doer) Option {
	return func(m *Manager) {
		if d != nil {
			m.doer = d
		}
	}
}

// WithLogger attaches a logger. The default discards everything.
func WithLogger(log zerolog.Logger) Option {
	return func(m *Manager) {
		m.log = log
	}
}

// WithNowTime sets the clock function (primarily for testing).
func WithNowTime(nowFunc func() time.Time) Option {
	return func(m *Manager) {
		m.nowTime = nowFunc
	}
}

// WithRefreshLeadTime sets how long before token expiry the scheduled
// refresh fires. Tokens already inside the window refresh immediately.
func WithRefreshLeadTime(lead time.Duration) Option {
	return func(m *Manager) {
		m.leadTime = lead
	}
}

// WithOnChange registers a callback invoked after every observable session
// change, for bridging into a view layer's own subscription mechanism. It
// is called outside the manager's lock; reading session state from inside
// it is safe.
func WithOnChange(fn func()) Option {
	return func(m *Manager) {
		m.onChange = fn
	}
}

// WithHistory supplies the address-bar capability handed to the URL token
// parser. Non-browser embedders can leave the default no-op in place.
func WithHistory(h urltoken.History) Option {
	return func(m *Manager) {
		if h != nil {
			m.history = h
		}
	}
}
