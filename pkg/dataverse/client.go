// Package dataverse is a client for the Dataverse Web API.
//
// Two connection kinds exist: a client-credentials connection the gateway
// holds as itself (used for application-user queries and impersonation)
// and a per-request delegated connection whose token source yields
// downstream-scoped user tokens. Both speak the same OData surface.
package dataverse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

const apiPath = "/api/data/v9.2"

// maxResponseSize limits Web API response bodies (4 MB).
const maxResponseSize = 4 << 20

// ErrUnavailable is returned when the Dataverse environment cannot be
// reached or rejects a request. Token acquisition failures from the
// connection's own token source pass through unwrapped.
var ErrUnavailable = errors.New("dataverse unavailable")

// ConnectionConfig configures a client-credentials connection.
type ConnectionConfig struct {
	// BaseURL is the Dataverse environment URL, without trailing slash.
	BaseURL string

	// TokenURL is the tenant's OAuth2 token endpoint.
	TokenURL string

	// ClientID and ClientSecret are the gateway's own credential.
	ClientID     string
	ClientSecret string

	// Timeout bounds each Web API call.
	Timeout time.Duration
}

// Connection is an authenticated handle to a Dataverse environment.
// A Connection is safe for concurrent use; WithCallerID derives
// impersonating copies without mutating the original.
type Connection struct {
	baseURL     string
	tokenSource oauth2.TokenSource
	client      *http.Client

	// callerID, when set, is sent as MSCRMCallerID so calls execute as
	// that systemuser.
	callerID string
}

// NewClientCredentialsConnection creates the gateway's own service
// connection. Tokens are acquired and refreshed by the client-credentials
// grant; the connection performs no I/O until first use.
func NewClientCredentialsConnection(cfg ConnectionConfig) *Connection {
	cc := &clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     cfg.TokenURL,
		Scopes:       []string{cfg.BaseURL + "/.default"},
	}
	return &Connection{
		baseURL:     cfg.BaseURL,
		tokenSource: cc.TokenSource(context.Background()),
		client:      &http.Client{Timeout: cfg.Timeout},
	}
}

// NewDelegatedConnection creates a per-request connection using an
// externally supplied token source, typically one performing on-behalf-of
// exchange on every call.
func NewDelegatedConnection(baseURL string, ts oauth2.TokenSource, timeout time.Duration) *Connection {
	return &Connection{
		baseURL:     baseURL,
		tokenSource: ts,
		client:      &http.Client{Timeout: timeout},
	}
}

// WithCallerID returns a copy of the connection that impersonates the given
// systemuser on every call.
func (c *Connection) WithCallerID(id uuid.UUID) *Connection {
	derived := *c
	derived.callerID = id.String()
	return &derived
}

// BaseURL returns the environment URL this connection targets.
func (c *Connection) BaseURL() string {
	return c.baseURL
}

// WhoAmIResponse mirrors the Dataverse WhoAmI payload.
type WhoAmIResponse struct {
	UserID         uuid.UUID `json:"UserId"`
	BusinessUnitID uuid.UUID `json:"BusinessUnitId"`
	OrganizationID uuid.UUID `json:"OrganizationId"`
}

// WhoAmI executes the WhoAmI function under the connection's identity.
func (c *Connection) WhoAmI(ctx context.Context) (*WhoAmIResponse, error) {
	var out WhoAmIResponse
	if err := c.get(ctx, apiPath+"/WhoAmI", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ApplicationUser is a systemuser record provisioned for an app registration.
type ApplicationUser struct {
	SystemUserID  uuid.UUID `json:"systemuserid"`
	FullName      string    `json:"fullname"`
	ApplicationID uuid.UUID `json:"applicationid"`
}

// FindApplicationUsers queries systemusers whose applicationid equals the
// given app registration id, in the order the environment returns them.
func (c *Connection) FindApplicationUsers(ctx context.Context, appID uuid.UUID) ([]ApplicationUser, error) {
	query := url.Values{}
	query.Set("$select", "systemuserid,fullname,applicationid")
	query.Set("$filter", fmt.Sprintf("applicationid eq %s", appID))

	var out struct {
		Value []ApplicationUser `json:"value"`
	}
	if err := c.get(ctx, apiPath+"/systemusers?"+query.Encode(), &out); err != nil {
		return nil, err
	}
	return out.Value, nil
}

func (c *Connection) get(ctx context.Context, path string, out any) error {
	tok, err := c.tokenSource.Token()
	if err != nil {
		// Not a Dataverse failure; the caller classifies it.
		return fmt.Errorf("acquire token: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	tok.SetAuthHeader(req)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("OData-MaxVersion", "4.0")
	req.Header.Set("OData-Version", "4.0")
	if c.callerID != "" {
		req.Header.Set("MSCRMCallerID", c.callerID)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return fmt.Errorf("%w: read response: %v", ErrUnavailable, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: %s", ErrUnavailable, odataError(resp.StatusCode, body))
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: unexpected response: %v", ErrUnavailable, err)
	}
	return nil
}

// odataError summarizes a Web API error response without echoing the body
// wholesale.
func odataError(status int, body []byte) string {
	var envelope struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		return fmt.Sprintf("HTTP %d: %s", status, envelope.Error.Message)
	}
	return fmt.Sprintf("HTTP %d", status)
}
