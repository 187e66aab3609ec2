// Package token validates bearer tokens against cached provider metadata.
package token

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/dvgate/dvgate/pkg/auth/oidc"
)

// Validation failure kinds. Each check failure maps to exactly one of these;
// callers match with errors.Is, never by message.
var (
	ErrMalformed         = errors.New("malformed token")
	ErrUnknownSigningKey = errors.New("unknown signing key")
	ErrSignatureInvalid  = errors.New("token signature invalid")
	ErrIssuerMismatch    = errors.New("token issuer not accepted")
	ErrAudienceMismatch  = errors.New("token audience not accepted")
	ErrExpired           = errors.New("token expired")
	ErrNotYetValid       = errors.New("token not yet valid")
)

// ValidatorConfig configures a Validator.
type ValidatorConfig struct {
	// Issuers is the accepted issuer set. A tenant typically has several
	// issuer URL variants depending on which credential flow minted the
	// token; all of them must be listed.
	Issuers []string

	// Audiences is the accepted audience set, covering both the bare
	// client id and the api://-prefixed resource form.
	Audiences []string

	// ClockSkew is the allowance applied to lifetime checks.
	ClockSkew time.Duration
}

// Validator verifies a bearer token's signature, issuer, audience, and
// lifetime, and extracts its claims. Signing keys come from the metadata
// cache; an unknown key id triggers one cache refresh before failing, since
// the provider may have rotated keys since the last fetch.
type Validator struct {
	metadata  *oidc.Cache
	issuers   []string
	audiences []string
	skew      time.Duration

	now func() time.Time
}

// NewValidator creates a token validator backed by the given metadata cache.
func NewValidator(metadata *oidc.Cache, cfg ValidatorConfig) *Validator {
	return &Validator{
		metadata:  metadata,
		issuers:   cfg.Issuers,
		audiences: cfg.Audiences,
		skew:      cfg.ClockSkew,
		now:       time.Now,
	}
}

// Validate verifies the token and returns its claims. On any failure it
// returns one distinct error kind and no claims; a partial ValidatedClaims
// is never produced.
func (v *Validator) Validate(ctx context.Context, tokenString string) (*ValidatedClaims, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{"RS256"}),
		// Lifetime is checked below so that expiry and not-before report
		// distinct kinds and honor the configured skew.
		jwt.WithoutClaimsValidation(),
	)

	tok, err := parser.Parse(tokenString, func(t *jwt.Token) (any, error) {
		return v.signingKey(ctx, t)
	})
	if err != nil {
		return nil, classifyParseError(err)
	}

	claims, ok := tok.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected claims type", ErrMalformed)
	}

	issuer, err := v.checkIssuer(claims)
	if err != nil {
		return nil, err
	}
	audience, err := v.checkAudience(claims)
	if err != nil {
		return nil, err
	}
	if err := v.checkLifetime(claims); err != nil {
		return nil, err
	}

	subject, _ := claims["sub"].(string)
	return &ValidatedClaims{
		Subject:  subject,
		Issuer:   issuer,
		Audience: audience,
		Scopes:   scopesFromClaims(claims),
		Roles:    rolesFromClaims(claims),
		Raw:      claims,
	}, nil
}

func (v *Validator) signingKey(ctx context.Context, tok *jwt.Token) (any, error) {
	kid, ok := tok.Header["kid"].(string)
	if !ok || kid == "" {
		return nil, fmt.Errorf("%w: token header missing kid", ErrUnknownSigningKey)
	}

	raw, err := v.metadata.SigningKey(ctx, kid)
	if err != nil {
		if errors.Is(err, oidc.ErrKeyNotFound) {
			return nil, fmt.Errorf("%w: %v", ErrUnknownSigningKey, err)
		}
		// Metadata unavailability is not a property of the token.
		return nil, err
	}
	return raw, nil
}

// classifyParseError maps golang-jwt parse failures onto the validator's
// error kinds. Errors already carrying one of our kinds (or a metadata
// error) pass through unchanged.
func classifyParseError(err error) error {
	switch {
	case errors.Is(err, ErrUnknownSigningKey),
		errors.Is(err, oidc.ErrMetadataUnavailable):
		return err
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	default:
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
}

func (v *Validator) checkIssuer(claims jwt.MapClaims) (string, error) {
	issuer, err := claims.GetIssuer()
	if err != nil || issuer == "" {
		return "", fmt.Errorf("%w: missing issuer claim", ErrIssuerMismatch)
	}
	for _, accepted := range v.issuers {
		if issuer == accepted {
			return issuer, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrIssuerMismatch, issuer)
}

func (v *Validator) checkAudience(claims jwt.MapClaims) (string, error) {
	audiences, err := claims.GetAudience()
	if err != nil || len(audiences) == 0 {
		return "", fmt.Errorf("%w: missing audience claim", ErrAudienceMismatch)
	}
	for _, aud := range audiences {
		for _, accepted := range v.audiences {
			if aud == accepted {
				return aud, nil
			}
		}
	}
	return "", fmt.Errorf("%w: %v", ErrAudienceMismatch, []string(audiences))
}

func (v *Validator) checkLifetime(claims jwt.MapClaims) error {
	now := v.now()

	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return fmt.Errorf("%w: missing expiry claim", ErrExpired)
	}
	if now.After(exp.Add(v.skew)) {
		return fmt.Errorf("%w: expired at %s", ErrExpired, exp.Format(time.RFC3339))
	}

	nbf, err := claims.GetNotBefore()
	if err == nil && nbf != nil && now.Before(nbf.Add(-v.skew)) {
		return fmt.Errorf("%w: valid from %s", ErrNotYetValid, nbf.Format(time.RFC3339))
	}
	return nil
}

// scopesFromClaims splits the space-separated scp claim, preserving order.
func scopesFromClaims(claims jwt.MapClaims) []string {
	scp, ok := claims[ClaimScope].(string)
	if !ok || scp == "" {
		return nil
	}
	return strings.Fields(scp)
}

// rolesFromClaims reads the roles claim, which Entra ID emits as an array.
func rolesFromClaims(claims jwt.MapClaims) []string {
	switch v := claims[ClaimRoles].(type) {
	case []any:
		roles := make([]string, 0, len(v))
		for _, r := range v {
			if s, ok := r.(string); ok && s != "" {
				roles = append(roles, s)
			}
		}
		return roles
	case []string:
		return v
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	default:
		return nil
	}
}
