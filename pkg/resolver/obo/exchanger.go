// Package obo exchanges a validated user token for a downstream-scoped
// access token using the OAuth 2.0 on-behalf-of grant.
package obo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/dvgate/dvgate/pkg/logger"
)

const (
	// grantTypeJWTBearer is the assertion grant the on-behalf-of flow uses.
	//nolint:gosec // OAuth2 URN identifier, not a credential
	grantTypeJWTBearer = "urn:ietf:params:oauth:grant-type:jwt-bearer"

	// requestedTokenUse marks the assertion as an on-behalf-of exchange.
	requestedTokenUse = "on_behalf_of"

	// maxResponseBodySize limits token endpoint response bodies (1 MB).
	maxResponseBodySize = 1 << 20
)

// Exchange failure kinds.
var (
	// ErrExchangeFailed is returned when the provider rejects the exchange.
	// This is an authentication failure of the presented assertion, not an
	// internal error, and the exchanger never retries it: replaying a
	// rejected delegated assertion invites provider-side throttling.
	ErrExchangeFailed = errors.New("token exchange failed")

	// ErrConnectFailed is returned when the token endpoint is unreachable.
	ErrConnectFailed = errors.New("token endpoint unreachable")
)

// oauthError is an OAuth 2.0 error response (RFC 6749 section 5.2).
type oauthError struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
	StatusCode       int    `json:"-"`
}

func (e *oauthError) String() string {
	return fmt.Sprintf("OAuth error %q (status %d)", e.Error, e.StatusCode)
}

func parseOAuthError(statusCode int, body []byte) *oauthError {
	var oe oauthError
	if err := json.Unmarshal(body, &oe); err != nil || oe.Error == "" {
		return nil
	}
	oe.StatusCode = statusCode
	return &oe
}

// tokenResponse decodes the token endpoint response.
type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
	Scope       string `json:"scope"`
}

// Config configures an Exchanger.
type Config struct {
	// TokenURL is the tenant's OAuth2 token endpoint.
	TokenURL string

	// ClientID and ClientSecret are the gateway's confidential client
	// credential presented alongside the user assertion.
	ClientID     string
	ClientSecret string

	// Scopes are the downstream scopes to request, typically the
	// environment's .default scope.
	Scopes []string

	// Timeout bounds one exchange call.
	Timeout time.Duration
}

// Validate checks that the required fields are present.
func (c *Config) Validate() error {
	if c.TokenURL == "" {
		return fmt.Errorf("TokenURL is required")
	}
	if _, err := url.Parse(c.TokenURL); err != nil {
		return fmt.Errorf("TokenURL is not a valid URL: %w", err)
	}
	if c.ClientID == "" {
		return fmt.Errorf("ClientID is required")
	}
	if c.ClientSecret == "" {
		return fmt.Errorf("ClientSecret is required")
	}
	return nil
}

// Exchanger performs on-behalf-of exchanges with a shared confidential
// client credential. The exchanger itself is reused across requests; the
// tokens it obtains are not cached, so every downstream call presents a
// token valid for that call's execution window.
type Exchanger struct {
	conf   Config
	client *http.Client
}

// NewExchanger creates an Exchanger.
func NewExchanger(cfg Config) (*Exchanger, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid exchanger config: %w", err)
	}
	return &Exchanger{
		conf:   cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

// TokenSource returns an oauth2.TokenSource bound to the given user
// assertion. Token re-performs the exchange on every call.
func (e *Exchanger) TokenSource(ctx context.Context, userAssertion string) oauth2.TokenSource {
	return &tokenSource{ctx: ctx, exchanger: e, assertion: userAssertion}
}

type tokenSource struct {
	ctx       context.Context
	exchanger *Exchanger
	assertion string
}

func (ts *tokenSource) Token() (*oauth2.Token, error) {
	return ts.exchanger.Exchange(ts.ctx, ts.assertion)
}

// Exchange presents the user assertion to the token endpoint and returns
// the downstream-scoped token. A provider rejection surfaces as
// ErrExchangeFailed and is not retried.
func (e *Exchanger) Exchange(ctx context.Context, userAssertion string) (*oauth2.Token, error) {
	if userAssertion == "" {
		return nil, fmt.Errorf("%w: empty user assertion", ErrExchangeFailed)
	}

	data := url.Values{}
	data.Set("grant_type", grantTypeJWTBearer)
	data.Set("assertion", userAssertion)
	data.Set("requested_token_use", requestedTokenUse)
	data.Set("client_id", e.conf.ClientID)
	data.Set("client_secret", e.conf.ClientSecret)
	if len(e.conf.Scopes) > 0 {
		data.Set("scope", strings.Join(e.conf.Scopes, " "))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.conf.TokenURL, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build exchange request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectFailed, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodySize))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrConnectFailed, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if oe := parseOAuthError(resp.StatusCode, body); oe != nil {
			logger.Debugw("on-behalf-of exchange rejected",
				"error", oe.Error, "description", oe.ErrorDescription)
			return nil, fmt.Errorf("%w: %s", ErrExchangeFailed, oe)
		}
		return nil, fmt.Errorf("%w: HTTP %d", ErrExchangeFailed, resp.StatusCode)
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, fmt.Errorf("%w: unparseable token response", ErrExchangeFailed)
	}
	if tr.AccessToken == "" {
		return nil, fmt.Errorf("%w: server returned empty access_token", ErrExchangeFailed)
	}

	tok := &oauth2.Token{
		AccessToken: tr.AccessToken,
		TokenType:   tr.TokenType,
	}
	if tr.ExpiresIn > 0 {
		tok.Expiry = time.Now().Add(time.Duration(tr.ExpiresIn) * time.Second)
	}
	return tok, nil
}
