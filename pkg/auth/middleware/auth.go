// Package middleware provides HTTP bearer-token authentication middleware.
package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/dvgate/dvgate/pkg/auth/authz"
	"github.com/dvgate/dvgate/pkg/auth/oidc"
	"github.com/dvgate/dvgate/pkg/auth/token"
	"github.com/dvgate/dvgate/pkg/logger"
	"github.com/dvgate/dvgate/pkg/telemetry"
)

// BearerContextKey is the key under which the raw bearer token is stored in
// the request context. The delegated resolution path presents it downstream
// as the user assertion.
type BearerContextKey struct{}

// BearerFromContext retrieves the raw bearer token from the context.
func BearerFromContext(ctx context.Context) (string, bool) {
	bearer, ok := ctx.Value(BearerContextKey{}).(string)
	return bearer, ok
}

// errorBody is the JSON error envelope returned on rejections.
type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// WriteError writes a JSON error response. The message must never contain
// token or secret material.
func WriteError(w http.ResponseWriter, status int, errName, message string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{Error: errName, Message: message})
}

// TokenMiddleware validates the bearer token on every request and applies
// the claims authorizer, then stores the validated claims and the raw token
// in the request context. Any validation or authorization failure ends the
// request with 401; failures are terminal and never retried.
func TokenMiddleware(validator *token.Validator, authorizer *authz.Authorizer, metrics *telemetry.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				metrics.RecordAuth(telemetry.OutcomeRejected)
				WriteError(w, http.StatusUnauthorized, "Unauthorized", "Missing Authorization header")
				return
			}
			if !strings.HasPrefix(authHeader, "Bearer ") {
				metrics.RecordAuth(telemetry.OutcomeRejected)
				WriteError(w, http.StatusUnauthorized, "Unauthorized", "Invalid Authorization header format")
				return
			}
			bearer := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))

			claims, err := validator.Validate(r.Context(), bearer)
			if err != nil {
				if errors.Is(err, oidc.ErrMetadataUnavailable) {
					metrics.RecordAuth(telemetry.OutcomeError)
					logger.Errorf("token validation unavailable: %v", err)
					WriteError(w, http.StatusInternalServerError, "Internal Server Error", "Unable to validate token")
					return
				}
				metrics.RecordAuth(telemetry.OutcomeRejected)
				logger.Debugf("token rejected: %v", err)
				WriteError(w, http.StatusUnauthorized, "Unauthorized", "Invalid token: "+err.Error())
				return
			}

			decision := authorizer.Authorize(claims)
			if !decision.Accepted {
				metrics.RecordAuth(telemetry.OutcomeRejected)
				logger.Debugw("token not authorized", "reason", decision.Reason, "subject", claims.Subject)
				WriteError(w, http.StatusUnauthorized, "Unauthorized", decision.Reason)
				return
			}

			metrics.RecordAuth(telemetry.OutcomeAccepted)
			ctx := token.WithClaims(r.Context(), claims)
			ctx = context.WithValue(ctx, BearerContextKey{}, bearer)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
