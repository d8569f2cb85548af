// Package identity manages a client-side session against a GoTrue-style
// hosted identity service: it owns the token and user profile, persists
// them write-through to an injected store, consumes one-time action tokens
// delivered via URL fragments, and keeps the access token refreshed ahead
// of expiry.
package identity

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/jon-sully/netlify-identity-go/gotrue"
	"github.com/jon-sully/netlify-identity-go/internal/utils"
	"github.com/jon-sully/netlify-identity-go/store"
	"github.com/jon-sully/netlify-identity-go/token"
	"github.com/jon-sully/netlify-identity-go/urltoken"
)

const (
	tokenStorageKey = "gotrue.session.token"
	userStorageKey  = "gotrue.session.user"

	// DefaultRefreshLeadTime is how far ahead of expiry the scheduled
	// refresh fires when the embedder does not choose its own lead.
	DefaultRefreshLeadTime = 60 * time.Second
)

// Manager owns the session. All public methods are safe for concurrent
// use; every state transition happens under one lock, and results of
// network calls are applied only after re-checking that the session they
// were started for still exists.
type Manager struct {
	api     *gotrue.Client
	store   store.Store
	doer    gotrue.Doer
	history urltoken.History
	log     zerolog.Logger

	nowTime   func() time.Time
	afterFunc func(time.Duration, func()) *time.Timer
	leadTime  time.Duration
	onChange  func()

	mu                sync.Mutex
	token             *token.Token
	user              User
	provisionalUser   User
	urlToken          *urltoken.Token
	pendingUpdate     map[string]any
	refreshTimer      *time.Timer
	userFetchInFlight bool

	// epoch increments whenever the session identity changes (logout or a
	// token adoption). In-flight work captures it before suspending and
	// discards its result if the session moved on in the meantime.
	epoch int64
}

// adoptAnyEpoch marks a token adoption that establishes a new session
// (a user-initiated action), as opposed to one continuing the session a
// network call was started for.
const adoptAnyEpoch int64 = -1

// New builds a Manager for the identity service hosted by siteURL. The
// store is required; it receives every session mutation write-through and
// is cleared on logout.
func New(siteURL string, st store.Store, options ...Option) (*Manager, error) {
	if st == nil {
		return nil, errors.New("[New] store is required")
	}

	m := &Manager{
		store:     st,
		doer:      http.DefaultClient,
		history:   urltoken.NopHistory{},
		log:       zerolog.Nop(),
		nowTime:   time.Now,
		afterFunc: time.AfterFunc,
		leadTime:  DefaultRefreshLeadTime,
	}
	for _, opt := range options {
		opt(m)
	}

	api, err := gotrue.NewClient(siteURL, gotrue.WithHTTPClient(m.doer), gotrue.WithLogger(m.log))
	if err != nil {
		return nil, errors.Wrap(err, "[New]")
	}
	m.api = api
	return m, nil
}

// Start brings the manager to its initial state: the persisted session is
// loaded (corrupt state counts as logged out and is purged), the location
// fragment is parsed for a one-time action token, and the token-consumption
// flow runs. Meant to be called exactly once, before any other method.
func (m *Manager) Start(ctx context.Context, fragment string) error {
	if err := m.loadPersistedSession(ctx); err != nil {
		return err
	}

	m.mu.Lock()
	m.urlToken = urltoken.Parse(fragment, m.history)
	m.mu.Unlock()

	if err := m.consumeURLToken(ctx); err != nil {
		return err
	}

	if err := m.ensureUser(ctx); err != nil {
		return err
	}
	return m.dispatchDeferred(ctx)
}

// Login exchanges credentials through the password grant and adopts the
// resulting token. The profile is fetched right after; the session is
// observable as token-only in between.
func (m *Manager) Login(ctx context.Context, email, password string) error {
	resp, err := m.api.TokenByPassword(ctx, email, password)
	if err != nil {
		return errors.Wrap(err, "[Login]")
	}
	if err := m.adoptTokenResponse(ctx, resp, true, adoptAnyEpoch); err != nil {
		return errors.Wrap(err, "[Login]")
	}
	return m.ensureUser(ctx)
}

// Logout clears the session, the persisted storage keys, and any pending
// refresh timer, whether or not a session was active. The parsed URL token
// survives: a forced logout is part of consuming one.
func (m *Manager) Logout(ctx context.Context) error {
	m.mu.Lock()
	m.logoutLocked()
	m.mu.Unlock()
	m.notify()
	return errors.Wrap(m.clearStorage(ctx), "[Logout]")
}

// Signup registers a new account. On sites with auto-confirm enabled the
// service answers with an already-confirmed account and Signup chains
// straight into Login with the same credentials; otherwise the response is
// held as the provisional user so a UI can show "check your email".
func (m *Manager) Signup(ctx context.Context, props map[string]any) error {
	provisional, err := m.api.Signup(ctx, props)
	if err != nil {
		return errors.Wrap(err, "[Signup]")
	}

	if confirmed, _ := provisional["confirmed_at"].(string); confirmed != "" {
		email, _ := props["email"].(string)
		password, _ := props["password"].(string)
		return m.Login(ctx, email, password)
	}

	m.mu.Lock()
	m.provisionalUser = User(provisional)
	m.mu.Unlock()
	m.notify()
	return nil
}

// Update sends a partial profile update and merges the response into the
// current user. A caller-supplied user_metadata key is renamed to the
// service's data key. JWT claims can depend on profile fields, so a
// successful update forces an immediate token refresh.
func (m *Manager) Update(ctx context.Context, props map[string]any) error {
	m.mu.Lock()
	if m.token == nil {
		m.mu.Unlock()
		return errors.Wrap(ErrNotAuthenticated, "[Update]")
	}
	access := m.token.AccessToken
	epoch := m.epoch
	m.mu.Unlock()

	updated, err := m.api.UpdateUser(ctx, access, translateUpdateProps(props))
	if err != nil {
		return errors.Wrap(err, "[Update]")
	}

	m.mu.Lock()
	if m.epoch != epoch || m.token == nil {
		m.mu.Unlock()
		return nil
	}
	m.user = m.user.Merge(updated)
	perr := m.persistUserLocked(ctx)
	m.mu.Unlock()
	m.notify()
	if perr != nil {
		return errors.Wrap(perr, "[Update]")
	}

	return errors.Wrap(m.refreshNow(ctx), "[Update]")
}

// SendPasswordRecovery asks the service to email a recovery link. It never
// touches session state; the raw response is handed to the caller to
// interpret (and close).
func (m *Manager) SendPasswordRecovery(ctx context.Context, email string) (*http.Response, error) {
	resp, err := m.api.Recover(ctx, email)
	return resp, errors.Wrap(err, "[SendPasswordRecovery]")
}

// CompleteURLTokenTwoStep finishes the flows where the UI has to collect a
// new password after a link was followed. Under a passwordRecovery token it
// queues a password-only update; under an invite token it redeems the
// invite with the password in one verify call and queues the remaining
// fields as profile metadata once the session is fully formed. With no
// eligible URL token pending it is a no-op.
func (m *Manager) CompleteURLTokenTwoStep(ctx context.Context, password string, rest map[string]any) error {
	m.mu.Lock()
	ut := m.urlToken
	m.mu.Unlock()
	if ut == nil {
		m.log.Debug().Msg("two-step completion called with no url token pending")
		return nil
	}

	switch ut.Kind {
	case urltoken.KindPasswordRecovery:
		m.mu.Lock()
		m.pendingUpdate = map[string]any{"password": password}
		m.urlToken = nil
		m.mu.Unlock()
		m.notify()
		if err := m.ensureUser(ctx); err != nil {
			return errors.Wrap(err, "[CompleteURLTokenTwoStep]")
		}
		return m.dispatchDeferred(ctx)

	case urltoken.KindInvite:
		resp, err := m.api.Verify(ctx, gotrue.VerifyTypeSignup, ut.Value, password)
		if errors.Is(err, gotrue.ErrTokenAlreadyConsumed) {
			m.clearURLToken()
			return nil
		}
		if err != nil {
			return errors.Wrap(err, "[CompleteURLTokenTwoStep] invite")
		}
		m.mu.Lock()
		if len(rest) > 0 {
			m.pendingUpdate = map[string]any{"data": rest}
		}
		m.urlToken = nil
		m.mu.Unlock()
		if err := m.adoptTokenResponse(ctx, resp, true, adoptAnyEpoch); err != nil {
			return errors.Wrap(err, "[CompleteURLTokenTwoStep] invite")
		}
		return m.ensureUser(ctx)
	}

	m.log.Debug().Str("kind", string(ut.Kind)).Msg("two-step completion called for non-two-step url token")
	return nil
}

// AuthorizedFetch performs req with the current access token attached as a
// bearer Authorization header. It does not refresh inline: keeping the
// token fresh is the scheduled refresh's job, so a single fetch stays a
// single request.
func (m *Manager) AuthorizedFetch(req *http.Request) (*http.Response, error) {
	m.mu.Lock()
	tok := m.token
	m.mu.Unlock()
	if tok == nil {
		return nil, errors.Wrap(ErrNotAuthenticated, "[AuthorizedFetch]")
	}

	req.Header.Set("Authorization", "Bearer "+tok.AccessToken)
	resp, err := m.doer.Do(req)
	return resp, errors.Wrap(err, "[AuthorizedFetch]")
}

// RefreshUser forces an immediate token refresh followed by an
// unconditional profile refetch, for when the user record changed outside
// this session (a serverless function, an admin console).
func (m *Manager) RefreshUser(ctx context.Context) error {
	if err := m.refreshNow(ctx); err != nil {
		return errors.Wrap(err, "[RefreshUser]")
	}

	m.mu.Lock()
	if m.token == nil {
		m.mu.Unlock()
		return errors.Wrap(ErrNotAuthenticated, "[RefreshUser]")
	}
	access := m.token.AccessToken
	epoch := m.epoch
	m.mu.Unlock()

	fetched, err := m.api.GetUser(ctx, access)
	if err != nil {
		return errors.Wrap(err, "[RefreshUser]")
	}

	m.mu.Lock()
	if m.epoch != epoch || m.token == nil {
		m.mu.Unlock()
		return nil
	}
	m.user = User(fetched)
	perr := m.persistUserLocked(ctx)
	m.mu.Unlock()
	m.notify()
	return errors.Wrap(perr, "[RefreshUser]")
}

// User returns the current profile, or nil when logged out or while the
// post-login fetch is still in flight. Callers must treat it as read-only.
func (m *Manager) User() User {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.user
}

// ProvisionalUser returns the signup response held while the account waits
// for email confirmation. It is never persisted.
func (m *Manager) ProvisionalUser() User {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.provisionalUser
}

// URLToken returns the one-time action token still awaiting its follow-up,
// if any.
func (m *Manager) URLToken() *urltoken.Token {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.urlToken
}

// SessionToken returns a copy of the current token pair, or nil when
// logged out.
func (m *Manager) SessionToken() *token.Token {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.token == nil {
		return nil
	}
	t := *m.token
	return &t
}

// LoggedIn reports whether a token is held. The profile may still be
// loading when this turns true.
func (m *Manager) LoggedIn() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.token != nil
}

// PendingEmailUpdate reports whether the profile carries a new_email that
// has not been confirmed yet. Derived from the user on every call, never
// stored.
func (m *Manager) PendingEmailUpdate() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.user == nil {
		return false
	}
	newEmail := m.user.NewEmail()
	return newEmail != "" && newEmail != m.user.Email()
}

// ---- session loading ----

func (m *Manager) loadPersistedSession(ctx context.Context) error {
	raw, err := m.store.Get(ctx, tokenStorageKey)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "[Start] reading persisted token")
	}

	var tok token.Token
	if err := json.Unmarshal([]byte(raw), &tok); err != nil || tok.AccessToken == "" {
		// Unreadable persisted state is treated as logged out, not as a
		// fatal condition; the broken keys are purged so the next start is
		// clean.
		m.log.Warn().Msg("persisted session unreadable; starting logged out")
		return errors.Wrap(m.clearStorage(ctx), "[Start] purging unreadable session")
	}

	var usr User
	if rawUser, err := m.store.Get(ctx, userStorageKey); err == nil {
		var fields map[string]any
		if err := json.Unmarshal([]byte(rawUser), &fields); err == nil {
			usr = User(fields)
		}
	}

	m.mu.Lock()
	m.token = &tok
	m.user = usr
	m.provisionalUser = nil
	m.epoch++
	m.scheduleRefreshLocked()
	m.mu.Unlock()
	m.notify()
	return nil
}

// ---- one-time token consumption ----

// consumeURLToken is the transition table over the parsed URL token kind.
// confirmation and recovery exchange immediately; email_change waits for a
// full session; invite waits for the two-step completion call.
func (m *Manager) consumeURLToken(ctx context.Context) error {
	m.mu.Lock()
	ut := m.urlToken
	active := m.token != nil
	m.mu.Unlock()
	if ut == nil {
		return nil
	}

	switch ut.Kind {
	case urltoken.KindConfirmation, urltoken.KindRecovery, urltoken.KindInvite:
		if active {
			// The one-time action always wins over whatever session was
			// lying around; acting on the stale session would attach the
			// action to the wrong account.
			if err := m.Logout(ctx); err != nil {
				return err
			}
		}
	}

	switch ut.Kind {
	case urltoken.KindConfirmation:
		resp, err := m.api.Verify(ctx, gotrue.VerifyTypeSignup, ut.Value, "")
		if errors.Is(err, gotrue.ErrTokenAlreadyConsumed) {
			m.clearURLToken()
			return nil
		}
		if err != nil {
			return errors.Wrap(err, "[consumeURLToken] confirmation")
		}
		if err := m.adoptTokenResponse(ctx, resp, true, adoptAnyEpoch); err != nil {
			return errors.Wrap(err, "[consumeURLToken] confirmation")
		}
		m.clearURLToken()

	case urltoken.KindRecovery:
		resp, err := m.api.Verify(ctx, gotrue.VerifyTypeRecovery, ut.Value, "")
		if errors.Is(err, gotrue.ErrTokenAlreadyConsumed) {
			m.clearURLToken()
			return nil
		}
		if err != nil {
			return errors.Wrap(err, "[consumeURLToken] recovery")
		}
		if err := m.adoptTokenResponse(ctx, resp, true, adoptAnyEpoch); err != nil {
			return errors.Wrap(err, "[consumeURLToken] recovery")
		}
		// Not cleared: the session is live but still needs a new password.
		// The synthesized kind tells the UI (and the two-step completion)
		// which state it is in.
		m.mu.Lock()
		m.urlToken = &urltoken.Token{Kind: urltoken.KindPasswordRecovery, Value: ut.Value, Params: ut.Params}
		m.mu.Unlock()
		m.notify()

	case urltoken.KindEmailChange, urltoken.KindInvite, urltoken.KindAccess:
		// email_change applies once token and user both exist (see
		// dispatchDeferred); invite waits for CompleteURLTokenTwoStep;
		// access tokens are the caller's business.
	}
	return nil
}

// dispatchDeferred runs the actions that need a fully formed session:
// the email_change exchange and any queued partial update. Safe to call
// whenever the session might have just become (token, user).
func (m *Manager) dispatchDeferred(ctx context.Context) error {
	m.mu.Lock()
	ready := m.token != nil && m.user != nil
	var emailChange *urltoken.Token
	if ready && m.urlToken != nil && m.urlToken.Kind == urltoken.KindEmailChange {
		emailChange = m.urlToken
		m.urlToken = nil
	}
	var pending map[string]any
	if ready && m.pendingUpdate != nil {
		pending = m.pendingUpdate
		m.pendingUpdate = nil
	}
	m.mu.Unlock()
	if !ready {
		return nil
	}

	if emailChange != nil {
		m.notify()
		if err := m.Update(ctx, map[string]any{"email_change_token": emailChange.Value}); err != nil {
			return errors.Wrap(err, "[dispatchDeferred] email change")
		}
	}
	if pending != nil {
		if err := m.Update(ctx, pending); err != nil {
			return errors.Wrap(err, "[dispatchDeferred] queued update")
		}
	}
	return nil
}

// ---- token lifecycle ----

// adoptTokenResponse makes the exchanged token pair the session's token:
// expiry is derived from the JWT exp claim, the pair is persisted
// write-through, and the refresh timer is re-armed (cancelling any
// outstanding one). freshAuthentication drops the current profile, since a
// newly authenticated token may belong to a different account than the
// profile on hand. expectEpoch guards adoptions that continue an earlier
// suspension; adoptAnyEpoch skips the guard.
func (m *Manager) adoptTokenResponse(ctx context.Context, resp *gotrue.TokenResponse, freshAuthentication bool, expectEpoch int64) error {
	tok, err := token.New(utils.Value(resp.AccessToken), utils.Value(resp.RefreshToken))
	if err != nil {
		return err
	}

	m.mu.Lock()
	if expectEpoch != adoptAnyEpoch && m.epoch != expectEpoch {
		m.mu.Unlock()
		return nil
	}
	m.token = tok
	m.epoch++
	if freshAuthentication {
		m.user = nil
	}
	m.scheduleRefreshLocked()

	raw, merr := json.Marshal(tok)
	var serr error
	if merr == nil {
		serr = m.store.Set(ctx, tokenStorageKey, string(raw))
	}
	var uerr error
	if freshAuthentication {
		uerr = m.store.Remove(ctx, userStorageKey)
	}
	m.mu.Unlock()
	m.notify()

	if merr != nil {
		return errors.Wrap(merr, "encoding token")
	}
	if serr != nil {
		return errors.Wrap(serr, "persisting token")
	}
	return errors.Wrap(uerr, "clearing persisted user")
}

// refreshNow is the explicit refresh: it supersedes and cancels any
// scheduled refresh, exchanges the refresh token once, and re-arms the
// schedule from the new token. Any failure tears the session down; a token
// the server will not ratify only yields stale bearers.
func (m *Manager) refreshNow(ctx context.Context) error {
	m.mu.Lock()
	m.stopRefreshTimerLocked()
	if m.token == nil {
		m.mu.Unlock()
		return errors.Wrap(ErrNotAuthenticated, "[refreshNow]")
	}
	refreshToken := m.token.RefreshToken
	epoch := m.epoch
	m.mu.Unlock()

	resp, err := m.api.TokenByRefresh(ctx, refreshToken)
	if err != nil {
		m.teardownIfCurrent(ctx, epoch)
		return errors.Wrap(err, "[refreshNow]")
	}

	return errors.Wrap(m.adoptTokenResponse(ctx, resp, false, epoch), "[refreshNow]")
}

// backgroundRefresh is the timer callback. Mid-session there is no
// user-visible error channel; on failure refreshNow has already dropped
// the session, so all that is left is a log line.
func (m *Manager) backgroundRefresh() {
	ctx := context.Background()
	if err := m.refreshNow(ctx); err != nil {
		m.log.Warn().Err(err).Msg("scheduled token refresh failed; session dropped")
		return
	}
	if err := m.ensureUser(ctx); err != nil {
		m.log.Warn().Err(err).Msg("profile fetch after scheduled refresh failed")
	}
}

// scheduleRefreshLocked arms the one-shot refresh timer for the current
// token, replacing whatever timer was pending. Two tokens adopted in quick
// succession therefore never leave two timers alive. Caller holds the lock.
func (m *Manager) scheduleRefreshLocked() {
	m.stopRefreshTimerLocked()
	if m.token == nil {
		return
	}
	delay := m.token.RefreshIn(m.nowTime(), m.leadTime)
	m.refreshTimer = m.afterFunc(delay, m.backgroundRefresh)
}

func (m *Manager) stopRefreshTimerLocked() {
	if m.refreshTimer != nil {
		m.refreshTimer.Stop()
		m.refreshTimer = nil
	}
}

// ---- profile lifecycle ----

// ensureUser resolves the transient (token, no user) state by fetching the
// profile. Re-entrant calls while a fetch is in flight do not issue a
// second one, and a result arriving after the session changed is dropped.
// A token whose profile cannot be loaded never becomes a full session; the
// session is torn down instead.
func (m *Manager) ensureUser(ctx context.Context) error {
	m.mu.Lock()
	if m.token == nil || m.user != nil || m.userFetchInFlight {
		m.mu.Unlock()
		return nil
	}
	m.userFetchInFlight = true
	access := m.token.AccessToken
	epoch := m.epoch
	m.mu.Unlock()

	fetched, err := m.api.GetUser(ctx, access)

	m.mu.Lock()
	m.userFetchInFlight = false
	if m.epoch != epoch || m.token == nil {
		m.mu.Unlock()
		return nil
	}
	if err != nil {
		m.logoutLocked()
		m.mu.Unlock()
		m.notify()
		if cerr := m.clearStorage(ctx); cerr != nil {
			m.log.Warn().Err(cerr).Msg("clearing storage after failed profile fetch")
		}
		return errors.Wrap(err, "[ensureUser]")
	}
	m.user = User(fetched)
	perr := m.persistUserLocked(ctx)
	m.mu.Unlock()
	m.notify()
	if perr != nil {
		return errors.Wrap(perr, "[ensureUser]")
	}

	return m.dispatchDeferred(ctx)
}

// ---- internals ----

// logoutLocked clears the in-memory session. The URL token survives a
// logout on purpose; the queued update does not, since it belonged to the
// session being dropped. Caller holds the lock.
func (m *Manager) logoutLocked() {
	m.stopRefreshTimerLocked()
	m.token = nil
	m.user = nil
	m.pendingUpdate = nil
	m.epoch++
}

// teardownIfCurrent drops the session, but only if it is still the one the
// caller captured; a session established in the meantime is left alone.
func (m *Manager) teardownIfCurrent(ctx context.Context, epoch int64) {
	m.mu.Lock()
	if m.epoch != epoch || m.token == nil {
		m.mu.Unlock()
		return
	}
	m.logoutLocked()
	m.mu.Unlock()
	m.notify()
	if err := m.clearStorage(ctx); err != nil {
		m.log.Warn().Err(err).Msg("clearing storage on session teardown")
	}
}

func (m *Manager) clearURLToken() {
	m.mu.Lock()
	m.urlToken = nil
	m.mu.Unlock()
	m.notify()
}

// persistUserLocked writes the profile through to storage. Caller holds
// the lock.
func (m *Manager) persistUserLocked(ctx context.Context) error {
	if m.user == nil {
		return m.store.Remove(ctx, userStorageKey)
	}
	raw, err := json.Marshal(m.user)
	if err != nil {
		return errors.Wrap(err, "encoding user")
	}
	return m.store.Set(ctx, userStorageKey, string(raw))
}

func (m *Manager) clearStorage(ctx context.Context) error {
	tokenErr := m.store.Remove(ctx, tokenStorageKey)
	userErr := m.store.Remove(ctx, userStorageKey)
	if tokenErr != nil {
		return tokenErr
	}
	return userErr
}

func (m *Manager) notify() {
	if m.onChange != nil {
		m.onChange()
	}
}

// translateUpdateProps renames the caller-friendly user_metadata key to the
// data key the service expects. Other fields pass through untouched.
func translateUpdateProps(props map[string]any) map[string]any {
	metadata, ok := props["user_metadata"]
	if !ok {
		return props
	}
	translated := make(map[string]any, len(props))
	for k, v := range props {
		if k == "user_metadata" {
			continue
		}
		translated[k] = v
	}
	translated["data"] = metadata
	return translated
}
