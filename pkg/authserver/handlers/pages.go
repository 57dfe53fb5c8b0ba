package handlers

import (
	"html/template"
	"net/http"

	"github.com/diracgrid/diracx-auth/pkg/logger"
)

// Minimal browser-facing pages. The flows are driven by CLI clients; the
// browser is only involved for the upstream login, so a bare confirmation is
// all that is needed.
var pageTemplate = template.Must(template.New("page").Parse(`<!DOCTYPE html>
<html>
<head><title>DIRAC Authorization</title></head>
<body>
<h1>{{.Title}}</h1>
<p>{{.Message}}</p>
</body>
</html>
`))

type pageData struct {
	Title   string
	Message string
}

// loginTemplate sends the user to the identity provider. Rendered as a page
// with an explicit link so the navigation is user initiated.
var loginTemplate = template.Must(template.New("login").Parse(`<!DOCTYPE html>
<html>
<head><title>DIRAC Authorization</title></head>
<body>
<a href="{{.}}">Click here to login with your identity provider</a>
</body>
</html>
`))

func (h *Handler) loginPage(w http.ResponseWriter, authURL string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := loginTemplate.Execute(w, authURL); err != nil {
		logger.Errorw("failed to render page", "error", err)
	}
}

func (h *Handler) renderPage(w http.ResponseWriter, status int, data pageData) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := pageTemplate.Execute(w, data); err != nil {
		logger.Errorw("failed to render page", "error", err)
	}
}

func (h *Handler) errorPage(w http.ResponseWriter, status int, message string) {
	h.renderPage(w, status, pageData{Title: "Authorization failed", Message: message})
}

// FinishedPage tells the user the device flow completed in this browser and
// the terminal will pick it up on its next poll.
func (h *Handler) FinishedPage(w http.ResponseWriter, _ *http.Request) {
	h.renderPage(w, http.StatusOK, pageData{
		Title:   "Authentication successful",
		Message: "Please close the window.",
	})
}
