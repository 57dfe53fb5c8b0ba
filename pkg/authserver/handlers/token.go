package handlers

import (
	"errors"
	"net/http"

	"github.com/diracgrid/diracx-auth/pkg/authserver/crypto"
	"github.com/diracgrid/diracx-auth/pkg/authserver/flow"
	"github.com/diracgrid/diracx-auth/pkg/authserver/scope"
	"github.com/diracgrid/diracx-auth/pkg/authserver/token"
	"github.com/diracgrid/diracx-auth/pkg/logger"
)

// GrantTypeDeviceCode is the RFC 8628 device grant type identifier.
const GrantTypeDeviceCode = "urn:ietf:params:oauth:grant-type:device_code"

// GrantTypeAuthorizationCode is the RFC 6749 authorization code grant type.
const GrantTypeAuthorizationCode = "authorization_code"

// tokenResponse is the access token response. No refresh token is issued.
type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	State       string `json:"state"`
}

// Token is the token endpoint. It redeems a device code or an authorization
// code for a signed DIRAC token.
func (h *Handler) Token(w http.ResponseWriter, r *http.Request) {
	vo, err := h.vo(r)
	if err != nil {
		oauthError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if err := r.ParseForm(); err != nil {
		oauthError(w, http.StatusBadRequest, "invalid_request", "malformed request body")
		return
	}

	var (
		row   *flow.Row
		grant = r.PostForm.Get("grant_type")
	)
	switch grant {
	case GrantTypeDeviceCode:
		row = h.redeemDeviceCode(w, r)
	case GrantTypeAuthorizationCode:
		row = h.redeemAuthorizationCode(w, r)
	default:
		oauthError(w, http.StatusNotImplemented, "unsupported_grant_type",
			"only device_code and authorization_code grants are supported")
		return
	}
	if row == nil {
		// The redeem helper already wrote the error response.
		return
	}

	// The scope was checked at initiation but the registry decides;
	// re-validate so the group and properties issued reflect it now.
	info, err := scope.ParseAndValidate(row.Scope, vo, h.cfg.Registry)
	if err != nil {
		oauthError(w, http.StatusBadRequest, "invalid_scope", err.Error())
		return
	}

	accessToken, err := h.issuer.Issue(info.Group, row.IDToken)
	switch {
	case errors.Is(err, token.ErrUnknownUser), errors.Is(err, token.ErrInvalidGroup):
		oauthError(w, http.StatusBadRequest, "invalid_grant", err.Error())
		return
	case err != nil:
		logger.Errorw("failed to issue token", "error", err)
		oauthError(w, http.StatusInternalServerError, "server_error", "")
		return
	}

	tokensIssued.WithLabelValues(grantLabel(grant)).Inc()
	logger.Infow("token issued", "vo", vo, "group", info.Group, "client_id", row.ClientID)

	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken: accessToken,
		ExpiresIn:   int64(h.issuer.Lifetime().Seconds()),
		State:       "None",
	})
}

// redeemDeviceCode consumes a ready device flow row. It writes the error
// response and returns nil when the row cannot be redeemed; polling clients
// key on the error code to keep waiting or give up.
func (h *Handler) redeemDeviceCode(w http.ResponseWriter, r *http.Request) *flow.Row {
	row, err := h.store.GetDeviceFlow(r.Context(), r.PostForm.Get("device_code"), h.cfg.DeviceFlowLifetime)
	switch {
	case errors.Is(err, flow.ErrPendingAuthorization):
		oauthError(w, http.StatusBadRequest, "authorization_pending", "")
		return nil
	case errors.Is(err, flow.ErrExpiredFlow):
		oauthError(w, http.StatusBadRequest, "expired_token", "")
		return nil
	case errors.Is(err, flow.ErrNotFound):
		oauthError(w, http.StatusBadRequest, "invalid_grant", "unknown device_code")
		return nil
	case err != nil:
		logger.Errorw("failed to redeem device code", "error", err)
		oauthError(w, http.StatusInternalServerError, "server_error", "")
		return nil
	}

	if row.ClientID != r.PostForm.Get("client_id") {
		oauthError(w, http.StatusBadRequest, "invalid_grant", "device_code was issued to another client")
		return nil
	}
	return row
}

// redeemAuthorizationCode consumes a ready authorization flow row, binding
// the redemption to the initiating client, redirect URI and PKCE verifier.
func (h *Handler) redeemAuthorizationCode(w http.ResponseWriter, r *http.Request) *flow.Row {
	row, err := h.store.GetAuthorizationFlow(r.Context(), r.PostForm.Get("code"), h.cfg.AuthorizationFlowLifetime)
	switch {
	case errors.Is(err, flow.ErrPendingAuthorization):
		oauthError(w, http.StatusBadRequest, "authorization_pending", "")
		return nil
	case errors.Is(err, flow.ErrExpiredFlow):
		oauthError(w, http.StatusBadRequest, "expired_token", "")
		return nil
	case errors.Is(err, flow.ErrNotFound):
		oauthError(w, http.StatusBadRequest, "invalid_grant", "unknown authorization code")
		return nil
	case err != nil:
		logger.Errorw("failed to redeem authorization code", "error", err)
		oauthError(w, http.StatusInternalServerError, "server_error", "")
		return nil
	}

	if row.ClientID != r.PostForm.Get("client_id") {
		oauthError(w, http.StatusBadRequest, "invalid_grant", "code was issued to another client")
		return nil
	}
	if row.RedirectURI != r.PostForm.Get("redirect_uri") {
		oauthError(w, http.StatusBadRequest, "invalid_grant", "redirect_uri does not match the authorization request")
		return nil
	}
	if !crypto.VerifyChallenge(r.PostForm.Get("code_verifier"), row.CodeChallenge) {
		oauthError(w, http.StatusBadRequest, "invalid_grant", "code_verifier does not match the challenge")
		return nil
	}
	return row
}

func grantLabel(grant string) string {
	if grant == GrantTypeDeviceCode {
		return "device_code"
	}
	return "authorization_code"
}
