// Package authz decides whether validated claims are allowed to proceed.
package authz

import (
	"github.com/dvgate/dvgate/pkg/auth/token"
)

// Decision is the outcome of an authorization check. It is a pure value:
// given identical claims and allow-lists, Authorize always produces an
// identical Decision.
type Decision struct {
	// Accepted reports whether the token may proceed.
	Accepted bool

	// Matched is the scope or role that satisfied the allow-list, if one did.
	Matched string

	// Reason is a human-readable rejection reason, set only when rejected.
	// It never contains token material.
	Reason string
}

// Authorizer checks validated claims against scope and role allow-lists.
// Empty allow-lists are deliberately permissive: an unconfigured gateway
// performs bare validation only.
type Authorizer struct {
	acceptedScopes []string
	acceptedRoles  []string
}

// New creates an Authorizer with the given allow-lists.
func New(acceptedScopes, acceptedRoles []string) *Authorizer {
	return &Authorizer{
		acceptedScopes: acceptedScopes,
		acceptedRoles:  acceptedRoles,
	}
}

// Authorize evaluates the policy:
//
//  1. A token carrying scopes is judged on scopes alone: it passes if the
//     scope allow-list is empty or intersects its scopes. It never falls
//     through to the role check.
//  2. Otherwise a token carrying roles passes if the role allow-list is
//     empty or intersects its roles.
//  3. A token with neither scopes nor roles passes only when neither
//     allow-list is configured.
//  4. Anything else is rejected.
func (a *Authorizer) Authorize(claims *token.ValidatedClaims) Decision {
	if len(claims.Scopes) > 0 {
		if len(a.acceptedScopes) == 0 {
			return Decision{Accepted: true}
		}
		if matched, ok := intersect(claims.Scopes, a.acceptedScopes); ok {
			return Decision{Accepted: true, Matched: matched}
		}
		return Decision{Reason: "token scopes do not include an accepted scope"}
	}

	if len(claims.Roles) > 0 {
		if len(a.acceptedRoles) == 0 {
			return Decision{Accepted: true}
		}
		if matched, ok := intersect(claims.Roles, a.acceptedRoles); ok {
			return Decision{Accepted: true, Matched: matched}
		}
		return Decision{Reason: "token roles do not include an accepted role"}
	}

	if len(a.acceptedScopes) == 0 && len(a.acceptedRoles) == 0 {
		return Decision{Accepted: true}
	}
	return Decision{Reason: "token carries neither a scope nor a role claim"}
}

// intersect returns the first member of values present in accepted,
// preserving the order of values.
func intersect(values, accepted []string) (string, bool) {
	for _, v := range values {
		for _, a := range accepted {
			if v == a {
				return v, true
			}
		}
	}
	return "", false
}
