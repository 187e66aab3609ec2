// Package s2s resolves a calling application's downstream identity.
//
// A validated service token identifies the caller's app registration; the
// resolver looks up the application user provisioned for it in Dataverse
// over the gateway's own client-credentials connection and yields that
// user's id for impersonation.
package s2s

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/dvgate/dvgate/pkg/auth/token"
	"github.com/dvgate/dvgate/pkg/dataverse"
	"github.com/dvgate/dvgate/pkg/logger"
)

// Resolution failure kinds.
var (
	// ErrClientIDNotFound is returned when no usable client id can be
	// extracted from the service token's claims.
	ErrClientIDNotFound = errors.New("client id not found in token claims")

	// ErrIdentityNotFound is returned when no application user exists for
	// the extracted client id.
	ErrIdentityNotFound = errors.New("no application user for client id")
)

// Directory is the downstream query surface the resolver needs.
// *dataverse.Connection implements it.
type Directory interface {
	FindApplicationUsers(ctx context.Context, appID uuid.UUID) ([]dataverse.ApplicationUser, error)
}

// Resolver maps app registration client ids to Dataverse application users,
// with a bounded-TTL cache in front of the downstream query. Cache misses
// and stale entries always fall through to a fresh query; the cache alone
// never fails a lookup.
type Resolver struct {
	directory Directory
	cacheTTL  time.Duration

	mu    sync.Mutex
	cache map[uuid.UUID]cacheEntry

	now func() time.Time
}

type cacheEntry struct {
	user      dataverse.ApplicationUser
	fetchedAt time.Time
}

// NewResolver creates a Resolver over the given directory. A zero cacheTTL
// disables caching.
func NewResolver(directory Directory, cacheTTL time.Duration) *Resolver {
	return &Resolver{
		directory: directory,
		cacheTTL:  cacheTTL,
		cache:     make(map[uuid.UUID]cacheEntry),
		now:       time.Now,
	}
}

// Resolve extracts the calling application's client id from the service
// token and returns the matching application user. The token's signature
// is not re-verified here; validation already happened upstream.
func (r *Resolver) Resolve(ctx context.Context, serviceToken string) (*dataverse.ApplicationUser, error) {
	clientID, err := extractClientID(serviceToken)
	if err != nil {
		return nil, err
	}

	appID, err := uuid.Parse(clientID)
	if err != nil {
		// A non-GUID client id can never match an applicationid.
		return nil, fmt.Errorf("%w: %q is not a valid application id", ErrClientIDNotFound, clientID)
	}

	if user, ok := r.cached(appID); ok {
		return user, nil
	}

	users, err := r.directory.FindApplicationUsers(ctx, appID)
	if err != nil {
		return nil, fmt.Errorf("application user lookup: %w", err)
	}
	if len(users) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrIdentityNotFound, appID)
	}
	if len(users) > 1 {
		logger.Warnw("multiple application users for client id, using the first",
			"client_id", appID.String(), "count", len(users))
	}

	user := users[0]
	r.store(appID, user)
	return &user, nil
}

func (r *Resolver) cached(appID uuid.UUID) (*dataverse.ApplicationUser, bool) {
	if r.cacheTTL <= 0 {
		return nil, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.cache[appID]
	if !ok || r.now().Sub(entry.fetchedAt) >= r.cacheTTL {
		return nil, false
	}
	user := entry.user
	return &user, true
}

func (r *Resolver) store(appID uuid.UUID, user dataverse.ApplicationUser) {
	if r.cacheTTL <= 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache[appID] = cacheEntry{user: user, fetchedAt: r.now()}
}

// extractClientID decodes the token without verification and reads the
// client id claims in priority order: azp, then appid, then aud. The aud
// fallback names the token's target rather than its caller; it is kept for
// managed-identity callers whose tokens carry neither azp nor appid, but a
// managed identity's audience may not equal its own client id.
func extractClientID(serviceToken string) (string, error) {
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(serviceToken, claims); err != nil {
		return "", fmt.Errorf("%w: %v", ErrClientIDNotFound, err)
	}

	if azp, ok := claims[token.ClaimAuthorizedParty].(string); ok && azp != "" {
		return azp, nil
	}
	if appid, ok := claims[token.ClaimAppID].(string); ok && appid != "" {
		return appid, nil
	}
	if auds, err := claims.GetAudience(); err == nil && len(auds) > 0 && auds[0] != "" {
		return auds[0], nil
	}
	return "", fmt.Errorf("%w: token carries no azp, appid, or aud claim", ErrClientIDNotFound)
}
