// Package handlers implements the HTTP surface of the DIRAC authorization
// server: the device and authorization-code grant endpoints, the token
// endpoint and the configuration endpoint.
package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/diracgrid/diracx-auth/pkg/auth"
	"github.com/diracgrid/diracx-auth/pkg/authserver/crypto"
	"github.com/diracgrid/diracx-auth/pkg/authserver/flow"
	"github.com/diracgrid/diracx-auth/pkg/authserver/token"
	"github.com/diracgrid/diracx-auth/pkg/authserver/upstream"
	"github.com/diracgrid/diracx-auth/pkg/config"
	"github.com/diracgrid/diracx-auth/pkg/logger"
)

// Handler carries the shared dependencies of all endpoints.
type Handler struct {
	cfg      *config.Config
	store    flow.Store
	upstream *upstream.Registry
	issuer   *token.Issuer
	codec    *crypto.StateCodec
}

// New assembles the handler from its dependencies.
func New(cfg *config.Config, store flow.Store, registry *upstream.Registry,
	issuer *token.Issuer, codec *crypto.StateCodec) *Handler {
	return &Handler{
		cfg:      cfg,
		store:    store,
		upstream: registry,
		issuer:   issuer,
		codec:    codec,
	}
}

// Routes mounts the authorization endpoints. The flow endpoints are
// unauthenticated; the configuration endpoint requires a token carrying
// NormalUser.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Route("/auth/{vo}", func(r chi.Router) {
		r.Post("/device", h.InitiateDeviceFlow)
		r.Get("/device", h.DoDeviceFlow)
		r.Get("/device/complete", h.FinishDeviceFlow)
		r.Get("/device/complete/finished", h.FinishedPage)
		r.Get("/authorize", h.InitiateAuthorizationFlow)
		r.Get("/authorize/complete", h.FinishAuthorizationFlow)
		r.Post("/token", h.Token)
	})

	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(h.issuer))
		r.Use(auth.RequireProperties(config.Has(config.NormalUser)))
		r.Get("/api/config/{vo}", h.Configuration)
	})

	return r
}

// vo extracts the virtual organisation from the URL and checks it is known.
func (h *Handler) vo(r *http.Request) (string, error) {
	vo := chi.URLParam(r, "vo")
	if _, ok := h.cfg.Registry.VO(vo); !ok {
		return "", fmt.Errorf("unknown vo %q", vo)
	}
	return vo, nil
}

// baseURL is the externally visible base of this server, used to build the
// callback URLs registered with the upstream identity provider.
func (h *Handler) baseURL(r *http.Request) string {
	if h.cfg.ExternalURL != "" {
		return strings.TrimSuffix(h.cfg.ExternalURL, "/")
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if forwarded := r.Header.Get("X-Forwarded-Proto"); forwarded != "" {
		scheme = forwarded
	}
	return scheme + "://" + r.Host
}

// newUpstreamVerifier returns the PKCE verifier used on the upstream leg.
// It travels inside the sealed state parameter, never through the client.
func (h *Handler) newUpstreamVerifier() string {
	return crypto.GenerateHexVerifier()
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Errorw("failed to write response", "error", err)
	}
}

// oauthErrorResponse is the RFC 6749 error body.
type oauthErrorResponse struct {
	Error       string `json:"error"`
	Description string `json:"error_description,omitempty"`
}

func oauthError(w http.ResponseWriter, status int, code, description string) {
	writeJSON(w, status, oauthErrorResponse{Error: code, Description: description})
}

// upstreamError maps upstream failures onto the browser-facing error page.
// Provider outages yield 502, everything else is treated as a bad request.
func (h *Handler) upstreamError(w http.ResponseWriter, err error) {
	upstreamFailures.Inc()
	logger.Warnw("upstream callback failed", "error", err)
	switch {
	case errors.Is(err, upstream.ErrUpstreamUnavailable):
		h.errorPage(w, http.StatusBadGateway, "The identity provider is currently unavailable. Please retry later.")
	case errors.Is(err, upstream.ErrInvalidCode), errors.Is(err, upstream.ErrInvalidIDToken):
		h.errorPage(w, http.StatusUnauthorized, "Authentication with the identity provider failed.")
	default:
		h.errorPage(w, http.StatusBadRequest, "The authorization flow could not be completed.")
	}
}
