// Package config loads and validates the dvgate configuration.
//
// All configuration is collapsed into a single immutable Config value at
// startup and passed by reference into component constructors. No component
// reads environment variables or viper keys on its own.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Default values for optional settings.
const (
	DefaultAddress              = ":8080"
	DefaultMetadataTTL          = 1 * time.Hour
	DefaultMetadataStaleCeiling = 24 * time.Hour
	DefaultMetadataTimeout      = 10 * time.Second
	DefaultExchangeTimeout      = 10 * time.Second
	DefaultDownstreamTimeout    = 30 * time.Second
	DefaultClockSkew            = 5 * time.Minute
	DefaultIdentityCacheTTL     = 5 * time.Minute
)

// Config holds all settings for the gateway. It is constructed once at
// startup and never mutated afterwards.
type Config struct {
	// Address is the listen address for the HTTP server.
	Address string

	// TenantID is the Entra ID tenant the gateway trusts.
	TenantID string

	// ClientID and ClientSecret identify this gateway's own app registration,
	// used both as the expected token audience and as the confidential client
	// credential for token exchange and S2S connections.
	ClientID     string
	ClientSecret string

	// DataverseURL is the base URL of the downstream Dataverse environment,
	// e.g. https://org.crm.dynamics.com.
	DataverseURL string

	// AcceptedScopes and AcceptedRoles are the authorization allow-lists.
	// Empty lists are permissive (any valid token of that kind passes).
	AcceptedScopes []string
	AcceptedRoles  []string

	// AcceptedIssuers overrides the issuers derived from TenantID.
	AcceptedIssuers []string

	// AcceptedAudiences overrides the audiences derived from ClientID.
	AcceptedAudiences []string

	// MetadataURL overrides the OpenID Connect discovery endpoint derived
	// from TenantID. Used by tests and sovereign clouds.
	MetadataURL string

	// MetadataTTL is how long fetched provider metadata stays fresh.
	// MetadataStaleCeiling is the hard age limit past which an expired value
	// may no longer be served when a refresh fails.
	MetadataTTL          time.Duration
	MetadataStaleCeiling time.Duration

	// ClockSkew is the allowance applied to token lifetime checks.
	ClockSkew time.Duration

	// Outbound timeouts. An unresponsive identity provider or downstream
	// system fails the call, it never stalls it.
	MetadataTimeout   time.Duration
	ExchangeTimeout   time.Duration
	DownstreamTimeout time.Duration

	// IdentityCacheTTL bounds staleness of the application-identity mapping
	// cache. Zero disables the cache.
	IdentityCacheTTL time.Duration
}

// Load builds a Config from viper. Flags must already be bound by the
// command layer; env vars use the DVGATE_ prefix.
func Load() (*Config, error) {
	v := viper.GetViper()
	v.SetEnvPrefix("DVGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	cfg := &Config{
		Address:              stringOr(v, "address", DefaultAddress),
		TenantID:             v.GetString("tenant-id"),
		ClientID:             v.GetString("client-id"),
		ClientSecret:         v.GetString("client-secret"),
		DataverseURL:         strings.TrimRight(v.GetString("dataverse-url"), "/"),
		AcceptedScopes:       v.GetStringSlice("accepted-scopes"),
		AcceptedRoles:        v.GetStringSlice("accepted-roles"),
		AcceptedIssuers:      v.GetStringSlice("accepted-issuers"),
		AcceptedAudiences:    v.GetStringSlice("accepted-audiences"),
		MetadataURL:          v.GetString("metadata-url"),
		MetadataTTL:          durationOr(v, "metadata-ttl", DefaultMetadataTTL),
		MetadataStaleCeiling: durationOr(v, "metadata-stale-ceiling", DefaultMetadataStaleCeiling),
		ClockSkew:            durationOr(v, "clock-skew", DefaultClockSkew),
		MetadataTimeout:      durationOr(v, "metadata-timeout", DefaultMetadataTimeout),
		ExchangeTimeout:      durationOr(v, "exchange-timeout", DefaultExchangeTimeout),
		DownstreamTimeout:    durationOr(v, "downstream-timeout", DefaultDownstreamTimeout),
		IdentityCacheTTL:     durationOr(v, "identity-cache-ttl", DefaultIdentityCacheTTL),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the required settings are present.
func (c *Config) Validate() error {
	if c.TenantID == "" {
		return fmt.Errorf("tenant-id is required")
	}
	if c.ClientID == "" {
		return fmt.Errorf("client-id is required")
	}
	if c.ClientSecret == "" {
		return fmt.Errorf("client-secret is required")
	}
	if c.DataverseURL == "" {
		return fmt.Errorf("dataverse-url is required")
	}
	return nil
}

// Issuers returns the accepted issuer set. Unless overridden, the three
// variants Entra ID emits for one tenant are accepted: the v2.0 form, the
// legacy sts.windows.net form, and the form managed identity tokens carry.
func (c *Config) Issuers() []string {
	if len(c.AcceptedIssuers) > 0 {
		return c.AcceptedIssuers
	}
	return []string{
		fmt.Sprintf("https://login.microsoftonline.com/%s/v2.0", c.TenantID),
		fmt.Sprintf("https://sts.windows.net/%s/", c.TenantID),
		fmt.Sprintf("https://login.microsoftonline.com/%s/", c.TenantID),
	}
}

// Audiences returns the accepted audience set. Unless overridden, both the
// bare client id and the api:// resource URI form are accepted, since v1.0
// and v2.0 tokens format the audience differently.
func (c *Config) Audiences() []string {
	if len(c.AcceptedAudiences) > 0 {
		return c.AcceptedAudiences
	}
	return []string{c.ClientID, "api://" + c.ClientID}
}

// TokenEndpoint returns the tenant's OAuth2 v2.0 token endpoint, used for
// both the on-behalf-of exchange and the gateway's own client-credentials
// grant.
func (c *Config) TokenEndpoint() string {
	return fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/token", c.TenantID)
}

// MetadataEndpoint returns the OpenID Connect discovery URL for the tenant.
func (c *Config) MetadataEndpoint() string {
	if c.MetadataURL != "" {
		return c.MetadataURL
	}
	return fmt.Sprintf("https://login.microsoftonline.com/%s/v2.0/.well-known/openid-configuration", c.TenantID)
}

// DownstreamScope returns the scope requested during token exchange: the
// .default scope of the Dataverse environment.
func (c *Config) DownstreamScope() string {
	return c.DataverseURL + "/.default"
}

func stringOr(v *viper.Viper, key, fallback string) string {
	if s := v.GetString(key); s != "" {
		return s
	}
	return fallback
}

func durationOr(v *viper.Viper, key string, fallback time.Duration) time.Duration {
	if d := v.GetDuration(key); d > 0 {
		return d
	}
	return fallback
}
