package handlers

import (
	"errors"
	"net/http"
	"net/url"

	"github.com/diracgrid/diracx-auth/pkg/authserver/crypto"
	"github.com/diracgrid/diracx-auth/pkg/authserver/flow"
	"github.com/diracgrid/diracx-auth/pkg/authserver/scope"
	"github.com/diracgrid/diracx-auth/pkg/logger"
)

// InitiateAuthorizationFlow starts an authorization-code grant with PKCE.
// The request is validated up front; nothing is ever redirected to an
// unregistered redirect URI.
func (h *Handler) InitiateAuthorizationFlow(w http.ResponseWriter, r *http.Request) {
	vo, err := h.vo(r)
	if err != nil {
		oauthError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	q := r.URL.Query()

	if q.Get("response_type") != "code" {
		oauthError(w, http.StatusBadRequest, "unsupported_response_type", "only response_type=code is supported")
		return
	}

	clientID := q.Get("client_id")
	redirectURI := q.Get("redirect_uri")
	if !h.cfg.RedirectAllowed(clientID, redirectURI) {
		oauthError(w, http.StatusBadRequest, "invalid_request", "unknown client_id or unregistered redirect_uri")
		return
	}

	challenge := q.Get("code_challenge")
	if q.Get("code_challenge_method") != crypto.ChallengeMethodS256 || challenge == "" {
		oauthError(w, http.StatusBadRequest, "invalid_request", "PKCE with S256 is required")
		return
	}

	rawScope := q.Get("scope")
	if _, err := scope.ParseAndValidate(rawScope, vo, h.cfg.Registry); err != nil {
		oauthError(w, http.StatusBadRequest, "invalid_scope", err.Error())
		return
	}

	id, err := h.store.InsertAuthorizationFlow(r.Context(), clientID, rawScope, q.Get("audience"),
		challenge, crypto.ChallengeMethodS256, redirectURI)
	if err != nil {
		logger.Errorw("failed to create authorization flow", "error", err)
		oauthError(w, http.StatusInternalServerError, "server_error", "")
		return
	}

	provider, err := h.upstream.For(vo)
	if err != nil {
		oauthError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	verifier := h.newUpstreamVerifier()
	state, err := h.codec.Encode(map[string]string{
		"flow":         string(flow.KindAuthorization),
		"vo":           vo,
		"uuid":         id,
		"verifier":     verifier,
		"client_state": q.Get("state"),
	})
	if err != nil {
		logger.Errorw("failed to seal state", "error", err)
		oauthError(w, http.StatusInternalServerError, "server_error", "")
		return
	}

	authURL, err := provider.AuthorizationURL(r.Context(), h.authorizeCallbackURL(r, vo), state, verifier)
	if err != nil {
		h.upstreamError(w, err)
		return
	}

	flowsStarted.WithLabelValues("authorization").Inc()
	logger.Infow("authorization flow started", "vo", vo, "client_id", clientID)

	http.Redirect(w, r, authURL, http.StatusFound)
}

// FinishAuthorizationFlow is the upstream callback of the authorization-code
// grant. It redeems the upstream code, marks the flow ready and sends the
// browser back to the client with the authorization code.
func (h *Handler) FinishAuthorizationFlow(w http.ResponseWriter, r *http.Request) {
	vo, err := h.vo(r)
	if err != nil {
		h.errorPage(w, http.StatusNotFound, "Unknown virtual organisation.")
		return
	}

	state, err := h.codec.Decode(r.URL.Query().Get("state"))
	if err != nil || state["flow"] != string(flow.KindAuthorization) || state["vo"] != vo {
		h.errorPage(w, http.StatusBadRequest, "Invalid state parameter.")
		return
	}

	provider, err := h.upstream.For(vo)
	if err != nil {
		h.errorPage(w, http.StatusNotFound, "Unknown virtual organisation.")
		return
	}

	rawIDToken, err := provider.Exchange(r.Context(), r.URL.Query().Get("code"),
		state["verifier"], h.authorizeCallbackURL(r, vo))
	if err != nil {
		h.upstreamError(w, err)
		return
	}

	claims, err := provider.VerifyIDToken(r.Context(), rawIDToken)
	if err != nil {
		h.upstreamError(w, err)
		return
	}

	code, redirectURI, err := h.store.AuthorizationFlowAttachIDToken(r.Context(), state["uuid"],
		claims, h.cfg.AuthorizationFlowLifetime)
	switch {
	case errors.Is(err, flow.ErrNotFound):
		h.errorPage(w, http.StatusBadRequest, "The authorization flow expired. Please restart it.")
		return
	case errors.Is(err, flow.ErrWrongStatus):
		h.errorPage(w, http.StatusBadRequest, "The authorization flow was already completed.")
		return
	case err != nil:
		logger.Errorw("failed to complete authorization flow", "error", err)
		h.errorPage(w, http.StatusInternalServerError, "Internal error.")
		return
	}

	target, err := url.Parse(redirectURI)
	if err != nil {
		h.errorPage(w, http.StatusInternalServerError, "Internal error.")
		return
	}
	params := target.Query()
	params.Set("code", code)
	params.Set("state", state["client_state"])
	target.RawQuery = params.Encode()

	logger.Infow("authorization flow authenticated", "vo", vo, "subject", claims["sub"])
	http.Redirect(w, r, target.String(), http.StatusFound)
}

func (h *Handler) authorizeCallbackURL(r *http.Request, vo string) string {
	return h.baseURL(r) + "/auth/" + vo + "/authorize/complete"
}
