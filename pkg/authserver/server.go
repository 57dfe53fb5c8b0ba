// Package authserver assembles the DIRAC authorization server: configuration,
// key material, the flow store backend, the upstream identity providers, the
// token issuer and the HTTP surface.
package authserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-jose/go-jose/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/diracgrid/diracx-auth/pkg/authserver/crypto"
	"github.com/diracgrid/diracx-auth/pkg/authserver/flow"
	"github.com/diracgrid/diracx-auth/pkg/authserver/handlers"
	"github.com/diracgrid/diracx-auth/pkg/authserver/token"
	"github.com/diracgrid/diracx-auth/pkg/authserver/upstream"
	"github.com/diracgrid/diracx-auth/pkg/config"
	"github.com/diracgrid/diracx-auth/pkg/logger"
)

const (
	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 10 * time.Second
)

// Server is the assembled authorization server.
type Server struct {
	cfg     *config.Config
	secrets *config.Secrets
	store   flow.Store
	router  chi.Router
}

// New builds a Server from a validated configuration.
func New(ctx context.Context, cfg *config.Config) (*Server, error) {
	secrets, err := config.LoadSecrets(cfg.Signing)
	if err != nil {
		return nil, err
	}

	store, err := newStore(ctx, cfg.Storage)
	if err != nil {
		return nil, err
	}

	issuer, err := token.NewIssuer(cfg, secrets)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	codec, err := crypto.NewStateCodec(secrets.StateKey)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	s := &Server{
		cfg:     cfg,
		secrets: secrets,
		store:   store,
	}
	s.router = s.buildRouter(handlers.New(cfg, store, upstream.NewRegistry(cfg.IdPs), issuer, codec))
	return s, nil
}

func newStore(ctx context.Context, cfg config.StorageConfig) (flow.Store, error) {
	switch cfg.Backend {
	case "", "memory":
		return flow.NewMemoryStore(), nil
	case "redis":
		return flow.NewRedisStore(ctx, &redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

func (s *Server) buildRouter(h *handlers.Handler) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Mount("/", h.Routes())
	r.Get("/healthz", s.healthz)
	r.Get("/.well-known/jwks.json", s.jwks)
	r.Handle("/metrics", promhttp.Handler())

	return r
}

// Router exposes the HTTP handler, mainly for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// healthz reports liveness of the server and its flow store backend.
func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Health(r.Context()); err != nil {
		logger.Errorw("flow store unhealthy", "error", err)
		http.Error(w, "unhealthy", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// jwks publishes the public signing key so downstream services can verify
// issued tokens offline.
func (s *Server) jwks(w http.ResponseWriter, _ *http.Request) {
	set := jose.JSONWebKeySet{
		Keys: []jose.JSONWebKey{{
			Key:       s.secrets.Key.Public(),
			KeyID:     s.secrets.KeyID,
			Algorithm: string(s.secrets.Algorithm),
			Use:       "sig",
		}},
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(set); err != nil {
		logger.Errorw("failed to write jwks", "error", err)
	}
}

// Serve runs the HTTP server until the context is cancelled, then shuts down
// gracefully and closes the flow store.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infow("authorization server listening", "addr", s.cfg.Listen, "issuer", s.cfg.Issuer)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		_ = s.store.Close()
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	logger.Info("shutting down authorization server")
	err := srv.Shutdown(shutdownCtx)
	if closeErr := s.store.Close(); err == nil {
		err = closeErr
	}
	return err
}
