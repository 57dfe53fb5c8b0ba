package handlers

import (
	"errors"
	"net/http"
	"net/url"

	"github.com/diracgrid/diracx-auth/pkg/authserver/flow"
	"github.com/diracgrid/diracx-auth/pkg/authserver/scope"
	"github.com/diracgrid/diracx-auth/pkg/logger"
)

// deviceFlowResponse is the RFC 8628 device authorization response.
type deviceFlowResponse struct {
	UserCode                string `json:"user_code"`
	DeviceCode              string `json:"device_code"`
	VerificationURI         string `json:"verification_uri"`
	VerificationURIComplete string `json:"verification_uri_complete"`
	ExpiresIn               int64  `json:"expires_in"`
}

// InitiateDeviceFlow starts a device grant: it validates the client and the
// requested scope and returns the codes the device displays and polls with.
func (h *Handler) InitiateDeviceFlow(w http.ResponseWriter, r *http.Request) {
	vo, err := h.vo(r)
	if err != nil {
		oauthError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if err := r.ParseForm(); err != nil {
		oauthError(w, http.StatusBadRequest, "invalid_request", "malformed request body")
		return
	}

	clientID := r.PostForm.Get("client_id")
	if _, ok := h.cfg.Client(clientID); !ok {
		oauthError(w, http.StatusBadRequest, "invalid_client", "unknown client_id")
		return
	}

	rawScope := r.PostForm.Get("scope")
	if _, err := scope.ParseAndValidate(rawScope, vo, h.cfg.Registry); err != nil {
		oauthError(w, http.StatusBadRequest, "invalid_scope", err.Error())
		return
	}

	userCode, deviceCode, err := h.store.InsertDeviceFlow(r.Context(), clientID, rawScope, r.PostForm.Get("audience"))
	if err != nil {
		logger.Errorw("failed to create device flow", "error", err)
		oauthError(w, http.StatusInternalServerError, "server_error", "")
		return
	}

	flowsStarted.WithLabelValues("device").Inc()
	logger.Infow("device flow started", "vo", vo, "client_id", clientID, "user_code", userCode)

	verificationURI := h.baseURL(r) + "/auth/" + vo + "/device"
	writeJSON(w, http.StatusOK, deviceFlowResponse{
		UserCode:                userCode,
		DeviceCode:              deviceCode,
		VerificationURI:         verificationURI,
		VerificationURIComplete: verificationURI + "?user_code=" + url.QueryEscape(userCode),
		ExpiresIn:               int64(h.cfg.DeviceFlowLifetime.Seconds()),
	})
}

// DoDeviceFlow is the verification URI the user opens in a browser. It binds
// the user code to a fresh upstream login and redirects to the identity
// provider.
func (h *Handler) DoDeviceFlow(w http.ResponseWriter, r *http.Request) {
	vo, err := h.vo(r)
	if err != nil {
		h.errorPage(w, http.StatusNotFound, "Unknown virtual organisation.")
		return
	}

	userCode := r.URL.Query().Get("user_code")
	if userCode == "" {
		h.errorPage(w, http.StatusBadRequest, "Missing user code.")
		return
	}

	if err := h.store.ValidateUserCode(r.Context(), userCode, h.cfg.DeviceFlowLifetime); err != nil {
		h.errorPage(w, http.StatusBadRequest, "Unknown or expired user code.")
		return
	}

	provider, err := h.upstream.For(vo)
	if err != nil {
		h.errorPage(w, http.StatusNotFound, "Unknown virtual organisation.")
		return
	}

	verifier := h.newUpstreamVerifier()
	state, err := h.codec.Encode(map[string]string{
		"flow":      string(flow.KindDevice),
		"vo":        vo,
		"user_code": userCode,
		"verifier":  verifier,
	})
	if err != nil {
		logger.Errorw("failed to seal state", "error", err)
		h.errorPage(w, http.StatusInternalServerError, "Internal error.")
		return
	}

	authURL, err := provider.AuthorizationURL(r.Context(), h.deviceCallbackURL(r, vo), state, verifier)
	if err != nil {
		h.upstreamError(w, err)
		return
	}

	h.loginPage(w, authURL)
}

// FinishDeviceFlow is the upstream callback of the device grant. It redeems
// the upstream code, verifies the ID token and marks the flow ready for the
// polling device.
func (h *Handler) FinishDeviceFlow(w http.ResponseWriter, r *http.Request) {
	vo, err := h.vo(r)
	if err != nil {
		h.errorPage(w, http.StatusNotFound, "Unknown virtual organisation.")
		return
	}

	state, err := h.codec.Decode(r.URL.Query().Get("state"))
	if err != nil || state["flow"] != string(flow.KindDevice) || state["vo"] != vo {
		h.errorPage(w, http.StatusBadRequest, "Invalid state parameter.")
		return
	}

	provider, err := h.upstream.For(vo)
	if err != nil {
		h.errorPage(w, http.StatusNotFound, "Unknown virtual organisation.")
		return
	}

	rawIDToken, err := provider.Exchange(r.Context(), r.URL.Query().Get("code"),
		state["verifier"], h.deviceCallbackURL(r, vo))
	if err != nil {
		h.upstreamError(w, err)
		return
	}

	claims, err := provider.VerifyIDToken(r.Context(), rawIDToken)
	if err != nil {
		h.upstreamError(w, err)
		return
	}

	err = h.store.DeviceFlowAttachIDToken(r.Context(), state["user_code"], claims, h.cfg.DeviceFlowLifetime)
	switch {
	case errors.Is(err, flow.ErrNotFound):
		h.errorPage(w, http.StatusBadRequest, "The device flow expired. Please restart it.")
		return
	case errors.Is(err, flow.ErrWrongStatus):
		h.errorPage(w, http.StatusBadRequest, "The device flow was already completed.")
		return
	case err != nil:
		logger.Errorw("failed to complete device flow", "error", err)
		h.errorPage(w, http.StatusInternalServerError, "Internal error.")
		return
	}

	logger.Infow("device flow authenticated", "vo", vo, "subject", claims["sub"])
	http.Redirect(w, r, h.baseURL(r)+"/auth/"+vo+"/device/complete/finished", http.StatusFound)
}

func (h *Handler) deviceCallbackURL(r *http.Request, vo string) string {
	return h.baseURL(r) + "/auth/" + vo + "/device/complete"
}
