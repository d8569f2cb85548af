// Package gotrue is a thin HTTP client for a GoTrue-style identity service,
// the REST backend Netlify Identity exposes under <siteURL>/.netlify/identity.
// It speaks the wire formats only; session state lives in package identity.
package gotrue

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// BasePath is where the hosted identity service lives relative to the site.
const BasePath = "/.netlify/identity"

// VerifyType selects which one-time token flow a /verify call completes.
type VerifyType string

const (
	VerifyTypeSignup   VerifyType = "signup"
	VerifyTypeRecovery VerifyType = "recovery"
)

// Doer performs a single HTTP request. *http.Client satisfies it; tests and
// embedders may substitute their own transport.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// TokenResponse is the JSON answer from the /token and /verify endpoints.
// On success it carries the token pair; on failure either the OAuth2 error
// fields (token endpoint) or a code/msg pair (verify endpoint) are set.
type TokenResponse struct {
	AccessToken  *string `json:"access_token,omitempty"`
	TokenType    string  `json:"token_type,omitempty"`
	ExpiresIn    int     `json:"expires_in,omitempty"`
	RefreshToken *string `json:"refresh_token,omitempty"`

	Error            string `json:"error,omitempty"`
	ErrorDescription string `json:"error_description,omitempty"`

	Code int    `json:"code,omitempty"`
	Msg  string `json:"msg,omitempty"`
}

// Client calls the identity service. Every request is attempted exactly
// once; retry policy belongs to the caller.
type Client struct {
	baseURL string
	http    Doer
	log     zerolog.Logger
}

// ClientOption modifies a Client during construction.
type ClientOption func(*Client)

// WithHTTPClient replaces the transport used for every request.
func WithHTTPClient(d Doer) ClientOption {
	return func(c *Client) {
		if d != nil {
			c.http = d
		}
	}
}

// WithLogger attaches a logger; requests are traced at debug level.
func WithLogger(log zerolog.Logger) ClientOption {
	return func(c *Client) {
		c.log = log
	}
}

// NewClient builds a Client for the identity service hosted by siteURL
// (scheme and host, no trailing slash, e.g. "https://example.com").
func NewClient(siteURL string, options ...ClientOption) (*Client, error) {
	if strings.TrimSpace(siteURL) == "" {
		return nil, errors.New("[NewClient] siteURL is required")
	}

	client := &Client{
		baseURL: strings.TrimRight(siteURL, "/") + BasePath,
		http:    http.DefaultClient,
		log:     zerolog.Nop(),
	}
	for _, opt := range options {
		opt(client)
	}
	return client, nil
}

// TokenByPassword exchanges credentials through the OAuth2 password grant.
// A response carrying an error description is returned as an
// *AuthenticationError.
func (c *Client) TokenByPassword(ctx context.Context, email, password string) (*TokenResponse, error) {
	form := url.Values{}
	form.Set("grant_type", "password")
	form.Set("username", email)
	form.Set("password", password)
	return c.tokenRequest(ctx, form)
}

// TokenByRefresh exchanges a refresh token for a fresh token pair.
func (c *Client) TokenByRefresh(ctx context.Context, refreshToken string) (*TokenResponse, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	return c.tokenRequest(ctx, form)
}

func (c *Client) tokenRequest(ctx context.Context, form url.Values) (*TokenResponse, error) {
	body, err := c.do(ctx, http.MethodPost, "/token", "application/x-www-form-urlencoded", strings.NewReader(form.Encode()), "")
	if err != nil {
		return nil, errors.Wrap(err, "[tokenRequest]")
	}

	var tr TokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, errors.Wrap(err, "[tokenRequest] decoding response")
	}
	if tr.ErrorDescription != "" {
		return nil, &AuthenticationError{Description: tr.ErrorDescription}
	}
	return &tr, nil
}

// Verify redeems a one-time token. The optional password is only sent for
// invite completion, where the initial verify call also sets the account
// password. A code-404 response means the token was consumed before and is
// reported as ErrTokenAlreadyConsumed.
func (c *Client) Verify(ctx context.Context, verifyType VerifyType, tokenValue, password string) (*TokenResponse, error) {
	payload := map[string]any{
		"token": tokenValue,
		"type":  string(verifyType),
	}
	if password != "" {
		payload["password"] = password
	}

	body, err := c.postJSON(ctx, "/verify", payload)
	if err != nil {
		return nil, errors.Wrap(err, "[Verify]")
	}

	var tr TokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, errors.Wrap(err, "[Verify] decoding response")
	}
	if tr.Code == http.StatusNotFound {
		return nil, ErrTokenAlreadyConsumed
	}
	if tr.Msg != "" && tr.AccessToken == nil {
		return nil, errors.Errorf("[Verify] service error: %s", tr.Msg)
	}
	return &tr, nil
}

// Signup registers a new account. The returned object is the provisional
// user record; a session only exists once the confirmation token from the
// resulting email is redeemed (or immediately, on auto-confirm sites).
// Service-side validation failures come back as a *SignupError.
func (c *Client) Signup(ctx context.Context, props map[string]any) (map[string]any, error) {
	body, err := c.postJSON(ctx, "/signup", props)
	if err != nil {
		return nil, errors.Wrap(err, "[Signup]")
	}

	var user map[string]any
	if err := json.Unmarshal(body, &user); err != nil {
		return nil, errors.Wrap(err, "[Signup] decoding response")
	}
	if msg, ok := user["msg"].(string); ok && msg != "" {
		return nil, &SignupError{Msg: msg}
	}
	return user, nil
}

// GetUser fetches the full profile of the account the access token
// authenticates.
func (c *Client) GetUser(ctx context.Context, accessToken string) (map[string]any, error) {
	body, err := c.do(ctx, http.MethodGet, "/user", "", nil, accessToken)
	if err != nil {
		return nil, errors.Wrap(err, "[GetUser]")
	}
	return decodeUser(body, "[GetUser]")
}

// UpdateUser sends a partial profile update. The response is the updated
// user object as the service now sees it.
func (c *Client) UpdateUser(ctx context.Context, accessToken string, props map[string]any) (map[string]any, error) {
	payload, err := json.Marshal(props)
	if err != nil {
		return nil, errors.Wrap(err, "[UpdateUser] encoding request")
	}

	body, err := c.do(ctx, http.MethodPut, "/user", "application/json", bytes.NewReader(payload), accessToken)
	if err != nil {
		return nil, errors.Wrap(err, "[UpdateUser]")
	}
	return decodeUser(body, "[UpdateUser]")
}

// Recover asks the service to email a password-recovery link. The raw
// response is handed back untouched; recovery has no session effect and the
// caller decides what the answer means. The caller owns closing the body.
func (c *Client) Recover(ctx context.Context, email string) (*http.Response, error) {
	payload, err := json.Marshal(map[string]any{"email": email})
	if err != nil {
		return nil, errors.Wrap(err, "[Recover] encoding request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/recover", bytes.NewReader(payload))
	if err != nil {
		return nil, errors.Wrap(err, "[Recover] building request")
	}
	req.Header.Set("Content-Type", "application/json")

	c.log.Debug().Str("request_id", uuid.New().String()).Str("endpoint", "/recover").Msg("identity request")
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "[Recover]")
	}
	return resp, nil
}

func (c *Client) postJSON(ctx context.Context, path string, payload any) ([]byte, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrap(err, "encoding request")
	}
	return c.do(ctx, http.MethodPost, path, "application/json", bytes.NewReader(encoded), "")
}

func (c *Client) do(ctx context.Context, method, path, contentType string, body io.Reader, accessToken string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, errors.Wrap(err, "building request")
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+accessToken)
	}

	requestID := uuid.New().String()
	c.log.Debug().Str("request_id", requestID).Str("method", method).Str("endpoint", path).Msg("identity request")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "%s %s", method, path)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s %s response", method, path)
	}

	c.log.Debug().Str("request_id", requestID).Int("status", resp.StatusCode).Msg("identity response")
	return raw, nil
}

func decodeUser(body []byte, op string) (map[string]any, error) {
	var user map[string]any
	if err := json.Unmarshal(body, &user); err != nil {
		return nil, errors.Wrapf(err, "%s decoding response", op)
	}
	if msg, ok := user["msg"].(string); ok && msg != "" {
		if _, hasCode := user["code"]; hasCode {
			return nil, errors.Errorf("%s service error: %s", op, msg)
		}
	}
	return user, nil
}
