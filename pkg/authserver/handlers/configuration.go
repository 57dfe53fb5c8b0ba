package handlers

import (
	"net/http"

	"github.com/diracgrid/diracx-auth/pkg/config"
)

// voConfiguration is the client-visible configuration of one virtual
// organisation.
type voConfiguration struct {
	VO           string             `json:"vo"`
	DefaultGroup string             `json:"default_group"`
	Groups       map[string]voGroup `json:"groups"`
	IdP          voIdentityProvider `json:"idp"`
}

type voGroup struct {
	Properties []config.SecurityProperty `json:"properties"`
	Users      []string                  `json:"users"`
}

type voIdentityProvider struct {
	Issuer   string `json:"issuer"`
	ClientID string `json:"client_id"`
}

// Configuration serves the registry snapshot of a virtual organisation.
// Clients poll this endpoint frequently, so it honors conditional requests:
// the snapshot checksum is the ETag and the load time is Last-Modified.
func (h *Handler) Configuration(w http.ResponseWriter, r *http.Request) {
	vo, err := h.vo(r)
	if err != nil {
		http.Error(w, "unknown virtual organisation", http.StatusNotFound)
		return
	}
	entry, _ := h.cfg.Registry.VO(vo)

	etag := `"` + h.cfg.Checksum + `"`
	w.Header().Set("ETag", etag)
	w.Header().Set("Last-Modified", h.cfg.ModifiedAt.UTC().Format(http.TimeFormat))
	w.Header().Set("Cache-Control", "no-cache")

	if h.notModified(r, etag) {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	groups := make(map[string]voGroup, len(entry.Groups))
	for name, g := range entry.Groups {
		groups[name] = voGroup{Properties: g.Properties, Users: g.Users}
	}

	writeJSON(w, http.StatusOK, voConfiguration{
		VO:           vo,
		DefaultGroup: entry.DefaultGroup,
		Groups:       groups,
		IdP: voIdentityProvider{
			Issuer:   h.cfg.IdPs[vo].Issuer,
			ClientID: h.cfg.IdPs[vo].ClientID,
		},
	})
}

// notModified implements the conditional request logic. If-None-Match takes
// precedence over If-Modified-Since, per RFC 9110.
func (h *Handler) notModified(r *http.Request, etag string) bool {
	if match := r.Header.Get("If-None-Match"); match != "" {
		return match == etag || match == "*"
	}
	if since := r.Header.Get("If-Modified-Since"); since != "" {
		t, err := http.ParseTime(since)
		if err != nil {
			return false
		}
		return !h.cfg.ModifiedAt.Truncate(0).UTC().After(t)
	}
	return false
}
