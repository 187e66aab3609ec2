// Package v1 contains the gateway's versioned HTTP handlers.
package v1

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/dvgate/dvgate/pkg/auth/middleware"
	"github.com/dvgate/dvgate/pkg/logger"
	"github.com/dvgate/dvgate/pkg/resolver"
)

// WhoAmIRouter creates the routes answering identity probes against the
// downstream environment. Both paths expect the auth middleware to have run.
func WhoAmIRouter(identities *resolver.Router) http.Handler {
	routes := &whoAmIRoutes{identities: identities}

	r := chi.NewRouter()
	r.Get("/whoami", handle(routes.delegated))
	r.Get("/whoami/s2s", handle(routes.serviceToService))
	return r
}

type whoAmIRoutes struct {
	identities *resolver.Router
}

// delegated answers as the signed-in user behind the bearer token, proving
// the on-behalf-of exchange end to end.
func (h *whoAmIRoutes) delegated(w http.ResponseWriter, r *http.Request) error {
	bearer, ok := middleware.BearerFromContext(r.Context())
	if !ok {
		return resolver.ErrUnauthenticated
	}

	identity, err := h.identities.Resolve(r.Context(), resolver.Delegated(bearer))
	if err != nil {
		return err
	}
	return h.respond(w, r, identity)
}

// serviceToService answers as the application user provisioned for the
// calling service, via impersonation on the gateway's own connection.
func (h *whoAmIRoutes) serviceToService(w http.ResponseWriter, r *http.Request) error {
	bearer, ok := middleware.BearerFromContext(r.Context())
	if !ok {
		return resolver.ErrUnauthenticated
	}

	identity, err := h.identities.Resolve(r.Context(), resolver.ServiceToService(bearer))
	if err != nil {
		return err
	}
	return h.respond(w, r, identity)
}

func (h *whoAmIRoutes) respond(w http.ResponseWriter, r *http.Request, identity resolver.Identity) error {
	who, err := identity.Dataverse().WhoAmI(r.Context())
	if err != nil {
		return err
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	return json.NewEncoder(w).Encode(who)
}

// handle adapts an error-returning handler, translating resolution and
// downstream failures into the JSON error envelope.
func handle(fn func(http.ResponseWriter, *http.Request) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := fn(w, r)
		if err == nil {
			return
		}

		switch {
		case errors.Is(err, resolver.ErrUnauthenticated),
			errors.Is(err, resolver.ErrTokenExchangeFailed):
			logger.Debugf("identity resolution rejected: %v", err)
			middleware.WriteError(w, http.StatusUnauthorized, "Unauthorized",
				"Downstream authentication failed")
		case errors.Is(err, resolver.ErrClientIDNotFound),
			errors.Is(err, resolver.ErrIdentityNotFound):
			logger.Infof("identity resolution found no match: %v", err)
			middleware.WriteError(w, http.StatusNotFound, "Not Found",
				"No downstream identity for the calling application")
		default:
			logger.Errorf("request failed: %v", err)
			middleware.WriteError(w, http.StatusInternalServerError, "Internal Server Error",
				"Failed to execute the downstream request")
		}
	}
}
