// Package api contains the REST API for the Dataverse gateway.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	v1 "github.com/dvgate/dvgate/pkg/api/v1"
	"github.com/dvgate/dvgate/pkg/auth/authz"
	authmw "github.com/dvgate/dvgate/pkg/auth/middleware"
	"github.com/dvgate/dvgate/pkg/auth/token"
	"github.com/dvgate/dvgate/pkg/logger"
	"github.com/dvgate/dvgate/pkg/resolver"
	"github.com/dvgate/dvgate/pkg/telemetry"
)

const (
	middlewareTimeout = 60 * time.Second
	readHeaderTimeout = 10 * time.Second
	gracefulTimeout   = 30 * time.Second
)

// Deps are the collaborators the API serves with.
type Deps struct {
	Validator  *token.Validator
	Authorizer *authz.Authorizer
	Identities *resolver.Router
	Metrics    *telemetry.Metrics
}

func headersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/api/") {
			w.Header().Set("Content-Type", "application/json")
		}
		next.ServeHTTP(w, r)
	})
}

// Router assembles the full route tree. Everything under /api/v1 sits behind
// bearer-token authentication; /health and /metrics do not.
func Router(deps Deps) chi.Router {
	r := chi.NewRouter()
	r.Use(
		chimw.RequestID,
		chimw.Recoverer,
		chimw.Timeout(middlewareTimeout),
		headersMiddleware,
	)

	r.Mount("/health", v1.HealthcheckRouter())
	if deps.Metrics != nil {
		r.Mount("/metrics", deps.Metrics.Handler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(authmw.TokenMiddleware(deps.Validator, deps.Authorizer, deps.Metrics))
		r.Mount("/", v1.WhoAmIRouter(deps.Identities))
	})

	return r
}

// Serve starts the server on the given address and serves the API until ctx
// is cancelled. It is assumed that the caller sets up appropriate signal
// handling.
func Serve(ctx context.Context, address string, deps Deps) error {
	srv := &http.Server{
		BaseContext:       func(net.Listener) context.Context { return ctx },
		Addr:              address,
		Handler:           Router(deps),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	listener, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", address, err)
	}

	logger.Infof("starting HTTP server on %s", address)

	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Panicf("server stopped with error: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), gracefulTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	logger.Info("HTTP server stopped")
	return nil
}
