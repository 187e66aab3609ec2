package token

import (
	"context"

	"github.com/golang-jwt/jwt/v5"
)

// Recognized claim names. Anything else in the claim set is carried in Raw
// but ignored by validation and authorization.
const (
	// ClaimScope is the delegated-permission claim: a space-separated
	// string of scopes granted to the calling user.
	ClaimScope = "scp"

	// ClaimRoles is the application-permission claim: an array of app
	// roles granted to the calling service principal.
	ClaimRoles = "roles"

	// ClaimAuthorizedParty identifies the client application a v2.0 token
	// was issued to.
	ClaimAuthorizedParty = "azp"

	// ClaimAppID identifies the client application on v1.0 tokens.
	ClaimAppID = "appid"
)

// ValidatedClaims is the outcome of a successful validation. A value of
// this type exists only for tokens that passed signature, issuer, audience,
// and lifetime checks. It is never mutated after creation.
type ValidatedClaims struct {
	// Subject is the token's sub claim.
	Subject string

	// Issuer is the token's issuer, already checked against the accepted set.
	Issuer string

	// Audience is the accepted audience the token matched.
	Audience string

	// Scopes are the delegated scopes from the scp claim, in token order.
	// Empty for application tokens.
	Scopes []string

	// Roles are the application roles from the roles claim. Empty for
	// delegated tokens without app roles.
	Roles []string

	// Raw is the full claim set for callers that need claims outside the
	// recognized ones.
	Raw jwt.MapClaims
}

// ClaimsContextKey is the key used to store ValidatedClaims in the request
// context. An empty struct key cannot collide with keys from other packages.
type ClaimsContextKey struct{}

// WithClaims stores validated claims in the context.
func WithClaims(ctx context.Context, claims *ValidatedClaims) context.Context {
	if claims == nil {
		return ctx
	}
	return context.WithValue(ctx, ClaimsContextKey{}, claims)
}

// ClaimsFromContext retrieves validated claims from the context.
func ClaimsFromContext(ctx context.Context) (*ValidatedClaims, bool) {
	claims, ok := ctx.Value(ClaimsContextKey{}).(*ValidatedClaims)
	return claims, ok
}
