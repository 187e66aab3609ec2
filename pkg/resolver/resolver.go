// Package resolver turns an authenticated request into an executable
// downstream identity.
//
// Two flows exist. The delegated flow exchanges the caller's bearer token
// on-behalf-of the signed-in user and yields a connection acting as that
// user. The application flow maps the calling service's client id to the
// application user provisioned for it and yields the gateway's own
// connection impersonating that user.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dvgate/dvgate/pkg/dataverse"
	"github.com/dvgate/dvgate/pkg/resolver/obo"
	"github.com/dvgate/dvgate/pkg/resolver/s2s"
	"github.com/dvgate/dvgate/pkg/telemetry"
)

// ErrUnauthenticated is returned when a resolution request carries no token.
var ErrUnauthenticated = errors.New("request is not authenticated")

// Failure kinds surfaced by resolution, re-exported so callers can map
// outcomes without importing every flow package.
var (
	// ErrTokenExchangeFailed means the provider rejected the on-behalf-of
	// exchange. The caller's credential is at fault, not the gateway.
	ErrTokenExchangeFailed = obo.ErrExchangeFailed

	// ErrClientIDNotFound means no usable client id could be read from the
	// service token.
	ErrClientIDNotFound = s2s.ErrClientIDNotFound

	// ErrIdentityNotFound means no application user is provisioned for the
	// calling service.
	ErrIdentityNotFound = s2s.ErrIdentityNotFound

	// ErrDownstreamUnavailable means Dataverse could not be reached or
	// answered with an error.
	ErrDownstreamUnavailable = dataverse.ErrUnavailable
)

// Flow labels used in telemetry.
const (
	flowDelegated   = "delegated"
	flowApplication = "application"
)

// Request selects the resolution flow for a single call. Construct values
// with Delegated or ServiceToService.
type Request struct {
	delegated bool
	token     string
}

// Delegated requests resolution on behalf of the signed-in user carried by
// the given assertion token.
func Delegated(userAssertion string) Request {
	return Request{delegated: true, token: userAssertion}
}

// ServiceToService requests resolution of the calling application's own
// downstream identity from the given service token.
func ServiceToService(serviceToken string) Request {
	return Request{token: serviceToken}
}

// Identity is an executable downstream identity. It is one of
// *DelegatedIdentity or *ApplicationIdentity.
type Identity interface {
	// Dataverse returns a connection whose calls run as the resolved
	// identity.
	Dataverse() *dataverse.Connection
}

// DelegatedIdentity acts as the signed-in user via an exchanged token.
type DelegatedIdentity struct {
	conn *dataverse.Connection
}

// Dataverse returns a connection authenticated with on-behalf-of tokens.
// Each call re-runs the exchange, so a long-lived identity never presents
// an expired downstream token.
func (d *DelegatedIdentity) Dataverse() *dataverse.Connection { return d.conn }

// ApplicationIdentity acts as the application user provisioned for the
// calling service, over the gateway's own connection with impersonation.
type ApplicationIdentity struct {
	// UserID is the impersonated application user's systemuser id.
	UserID uuid.UUID

	// FullName is the application user's display name.
	FullName string

	conn *dataverse.Connection
}

// Dataverse returns the gateway's service connection impersonating the
// resolved application user.
func (a *ApplicationIdentity) Dataverse() *dataverse.Connection { return a.conn }

// Router dispatches resolution requests to the delegated or application
// flow.
type Router struct {
	exchanger         *obo.Exchanger
	apps              *s2s.Resolver
	serviceConn       *dataverse.Connection
	dataverseURL      string
	downstreamTimeout time.Duration
	metrics           *telemetry.Metrics

	now func() time.Time
}

// RouterConfig collects the router's collaborators.
type RouterConfig struct {
	// Exchanger performs the on-behalf-of exchange for delegated requests.
	Exchanger *obo.Exchanger

	// Applications resolves service client ids to application users.
	Applications *s2s.Resolver

	// ServiceConnection is the gateway's client-credentials connection,
	// used with impersonation for application identities.
	ServiceConnection *dataverse.Connection

	// DataverseURL is the downstream environment base URL.
	DataverseURL string

	// DownstreamTimeout bounds calls made over delegated connections.
	DownstreamTimeout time.Duration

	// Metrics receives resolution outcomes. May be nil.
	Metrics *telemetry.Metrics
}

// NewRouter creates a Router.
func NewRouter(cfg RouterConfig) (*Router, error) {
	if cfg.Exchanger == nil {
		return nil, fmt.Errorf("exchanger is required")
	}
	if cfg.Applications == nil {
		return nil, fmt.Errorf("application resolver is required")
	}
	if cfg.ServiceConnection == nil {
		return nil, fmt.Errorf("service connection is required")
	}
	if cfg.DataverseURL == "" {
		return nil, fmt.Errorf("dataverse URL is required")
	}
	return &Router{
		exchanger:         cfg.Exchanger,
		apps:              cfg.Applications,
		serviceConn:       cfg.ServiceConnection,
		dataverseURL:      cfg.DataverseURL,
		downstreamTimeout: cfg.DownstreamTimeout,
		metrics:           cfg.Metrics,
		now:               time.Now,
	}, nil
}

// Resolve runs the flow selected by req and returns the resulting identity.
// Resolution failures never carry token material in their messages.
func (r *Router) Resolve(ctx context.Context, req Request) (Identity, error) {
	if req.token == "" {
		return nil, ErrUnauthenticated
	}

	flow := flowApplication
	if req.delegated {
		flow = flowDelegated
	}
	start := r.now()

	var (
		identity Identity
		err      error
	)
	if req.delegated {
		identity, err = r.resolveDelegated(ctx, req.token)
	} else {
		identity, err = r.resolveApplication(ctx, req.token)
	}

	r.metrics.RecordResolution(flow, outcomeFor(err), r.now().Sub(start).Seconds())
	return identity, err
}

// resolveDelegated exchanges the assertion once to authenticate it, then
// builds a connection whose token source re-exchanges on every call.
func (r *Router) resolveDelegated(ctx context.Context, assertion string) (Identity, error) {
	if _, err := r.exchanger.Exchange(ctx, assertion); err != nil {
		return nil, fmt.Errorf("delegated resolution: %w", err)
	}
	ts := r.exchanger.TokenSource(ctx, assertion)
	conn := dataverse.NewDelegatedConnection(r.dataverseURL, ts, r.downstreamTimeout)
	return &DelegatedIdentity{conn: conn}, nil
}

func (r *Router) resolveApplication(ctx context.Context, serviceToken string) (Identity, error) {
	user, err := r.apps.Resolve(ctx, serviceToken)
	if err != nil {
		return nil, fmt.Errorf("application resolution: %w", err)
	}
	return &ApplicationIdentity{
		UserID:   user.SystemUserID,
		FullName: user.FullName,
		conn:     r.serviceConn.WithCallerID(user.SystemUserID),
	}, nil
}

func outcomeFor(err error) string {
	switch {
	case err == nil:
		return telemetry.OutcomeAccepted
	case errors.Is(err, ErrTokenExchangeFailed),
		errors.Is(err, ErrClientIDNotFound),
		errors.Is(err, ErrIdentityNotFound),
		errors.Is(err, ErrUnauthenticated):
		return telemetry.OutcomeRejected
	default:
		return telemetry.OutcomeError
	}
}
