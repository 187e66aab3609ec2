// Package oidc fetches and caches OpenID Connect provider metadata.
//
// The cache owns the provider's discovery document and signing-key set. It
// refreshes on expiry or on demand (a token may carry a key id that was
// rotated in after the last fetch), and coalesces concurrent refreshes so
// that at most one outbound fetch is in flight at any time.
package oidc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/lestrrat-go/jwx/v3/jwk"
	"golang.org/x/sync/singleflight"

	"github.com/dvgate/dvgate/pkg/logger"
)

// UserAgent is the user agent for metadata requests.
const UserAgent = "dvgate/1.0"

// maxResponseSize limits discovery and JWKS response bodies (1 MB).
const maxResponseSize = 1 << 20

// fetchMaxTries bounds the retry of a single metadata refresh.
const fetchMaxTries = 3

// Common errors.
var (
	// ErrMetadataUnavailable is returned when provider metadata cannot be
	// fetched and no acceptably fresh cached value exists.
	ErrMetadataUnavailable = errors.New("provider metadata unavailable")

	// ErrKeyNotFound is returned when a signing key id is absent from the
	// provider's key set even after a forced refresh.
	ErrKeyNotFound = errors.New("signing key not found in provider key set")
)

// DiscoveryDocument is the subset of the OIDC discovery document the
// gateway consumes.
type DiscoveryDocument struct {
	Issuer        string `json:"issuer"`
	TokenEndpoint string `json:"token_endpoint"`
	JWKSURI       string `json:"jwks_uri"`
}

// Metadata is a snapshot of the provider's published configuration.
// Values are immutable once returned; the cache replaces the whole snapshot
// on refresh rather than mutating it.
type Metadata struct {
	Issuer        string
	TokenEndpoint string
	Keys          jwk.Set
	FetchedAt     time.Time
	ExpiresAt     time.Time
}

// CacheConfig configures a metadata Cache.
type CacheConfig struct {
	// MetadataURL is the OpenID Connect discovery endpoint.
	MetadataURL string

	// TTL is how long a fetched snapshot stays fresh.
	TTL time.Duration

	// StaleCeiling is the hard age limit for serving an expired snapshot
	// when a refresh fails. Past it the cache fails closed.
	StaleCeiling time.Duration

	// FetchTimeout bounds one refresh attempt.
	FetchTimeout time.Duration

	// HTTPClient is used for outbound fetches. Defaults to a client with
	// FetchTimeout applied.
	HTTPClient *http.Client
}

// Cache fetches and caches provider metadata with single-flight refresh.
type Cache struct {
	metadataURL  string
	ttl          time.Duration
	staleCeiling time.Duration
	fetchTimeout time.Duration
	client       *http.Client

	group singleflight.Group

	mu      sync.RWMutex
	current *Metadata

	// now is replaceable in tests.
	now func() time.Time
}

// NewCache creates a metadata cache. It performs no network I/O; the first
// GetMetadata call populates the cache.
func NewCache(cfg CacheConfig) (*Cache, error) {
	if cfg.MetadataURL == "" {
		return nil, fmt.Errorf("metadata URL is required")
	}
	if cfg.TTL <= 0 {
		return nil, fmt.Errorf("metadata TTL must be positive")
	}

	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.FetchTimeout}
	}

	return &Cache{
		metadataURL:  cfg.MetadataURL,
		ttl:          cfg.TTL,
		staleCeiling: cfg.StaleCeiling,
		fetchTimeout: cfg.FetchTimeout,
		client:       client,
		now:          time.Now,
	}, nil
}

// GetMetadata returns the current metadata snapshot, refreshing it first if
// it is missing or expired. Concurrent callers during a refresh block until
// the one in-flight fetch completes and share its result.
func (c *Cache) GetMetadata(ctx context.Context) (*Metadata, error) {
	c.mu.RLock()
	current := c.current
	c.mu.RUnlock()

	if current != nil && c.now().Before(current.ExpiresAt) {
		return current, nil
	}
	return c.refresh(ctx)
}

// Refresh forces a metadata fetch regardless of freshness. Used when a token
// carries an unknown key id that a recent key rotation may explain.
// Refreshes are still coalesced with any concurrent callers.
func (c *Cache) Refresh(ctx context.Context) (*Metadata, error) {
	return c.refresh(ctx)
}

// SigningKey resolves a key id to raw public key material. An unknown id
// triggers one forced refresh before giving up.
func (c *Cache) SigningKey(ctx context.Context, kid string) (any, error) {
	md, err := c.GetMetadata(ctx)
	if err != nil {
		return nil, err
	}

	if key, ok := md.Keys.LookupKeyID(kid); ok {
		return exportKey(key)
	}

	md, err = c.Refresh(ctx)
	if err != nil {
		return nil, err
	}
	if key, ok := md.Keys.LookupKeyID(kid); ok {
		return exportKey(key)
	}
	return nil, fmt.Errorf("%w: kid %q", ErrKeyNotFound, kid)
}

func exportKey(key jwk.Key) (any, error) {
	var raw any
	if err := jwk.Export(key, &raw); err != nil {
		return nil, fmt.Errorf("failed to export raw key: %w", err)
	}
	return raw, nil
}

func (c *Cache) refresh(ctx context.Context) (*Metadata, error) {
	ch := c.group.DoChan("refresh", func() (any, error) {
		// The fetch is shared between callers, so it must not die with the
		// first caller that gives up. It gets its own timeout instead.
		fetchCtx := context.WithoutCancel(ctx)
		if c.fetchTimeout > 0 {
			var cancel context.CancelFunc
			fetchCtx, cancel = context.WithTimeout(fetchCtx, c.fetchTimeout)
			defer cancel()
		}

		md, err := c.fetch(fetchCtx)
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		c.current = md
		c.mu.Unlock()
		return md, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return c.serveStale(res.Err)
		}
		return res.Val.(*Metadata), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// serveStale applies the availability policy: if the refresh failed but the
// previous snapshot is younger than the stale ceiling, serve it with a
// warning; otherwise fail closed.
func (c *Cache) serveStale(fetchErr error) (*Metadata, error) {
	c.mu.RLock()
	current := c.current
	c.mu.RUnlock()

	if current != nil && c.staleCeiling > 0 {
		age := c.now().Sub(current.FetchedAt)
		if age < c.staleCeiling {
			logger.Warnw("metadata refresh failed, serving stale snapshot",
				"age", age.String(), "error", fetchErr.Error())
			return current, nil
		}
	}
	return nil, fmt.Errorf("%w: %v", ErrMetadataUnavailable, fetchErr)
}

// fetch retrieves the discovery document and its key set, retrying
// transient failures a bounded number of times.
func (c *Cache) fetch(ctx context.Context) (*Metadata, error) {
	return backoff.Retry(ctx, func() (*Metadata, error) {
		return c.fetchOnce(ctx)
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(fetchMaxTries))
}

func (c *Cache) fetchOnce(ctx context.Context) (*Metadata, error) {
	var doc DiscoveryDocument
	if err := c.getJSON(ctx, c.metadataURL, &doc); err != nil {
		return nil, fmt.Errorf("discovery document: %w", err)
	}
	if doc.Issuer == "" {
		return nil, fmt.Errorf("discovery document missing issuer")
	}
	if doc.JWKSURI == "" {
		return nil, fmt.Errorf("discovery document missing jwks_uri")
	}

	body, err := c.getBody(ctx, doc.JWKSURI)
	if err != nil {
		return nil, fmt.Errorf("jwks fetch: %w", err)
	}
	keys, err := jwk.Parse(body)
	if err != nil {
		return nil, fmt.Errorf("jwks parse: %w", err)
	}

	fetched := c.now()
	return &Metadata{
		Issuer:        doc.Issuer,
		TokenEndpoint: doc.TokenEndpoint,
		Keys:          keys,
		FetchedAt:     fetched,
		ExpiresAt:     fetched.Add(c.ttl),
	}, nil
}

func (c *Cache) getJSON(ctx context.Context, url string, out any) error {
	body, err := c.getBody(ctx, url)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%s: unexpected response: %w", url, err)
	}
	return nil
}

func (c *Cache) getBody(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", UserAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s: HTTP %d", url, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", url, err)
	}
	return body, nil
}
