// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-linkproof.
//
// go-linkproof is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

package rest

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/jeremyhahn/go-linkproof/pkg/adapters/logger"
	"github.com/jeremyhahn/go-linkproof/pkg/registry"
)

// CreateSiteHandler handles POST /api/v1/admin/sites requests. A
// duplicate hostname returns 409 without touching the existing site.
// The response carries the plaintext Site Access Token exactly once.
func (h *HandlerContext) CreateSiteHandler(w http.ResponseWriter, r *http.Request) {
	var req CreateSiteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, ErrInvalidRequest, http.StatusBadRequest)
		return
	}

	site, token, err := h.registry.Create(r.Context(), registry.CreateParams{
		Hostname:          req.Hostname,
		OriginBaseURL:     req.OriginBaseURL,
		PathAllowlist:     req.PathAllowlist,
		QueryAllowlist:    req.QueryAllowlist,
		RequireHumanProof: req.RequireHumanProof,
	})
	if err != nil {
		handleError(w, err)
		return
	}

	h.logger.Info("site created",
		logger.String("site_id", site.ID),
		logger.String("hostname", site.Hostname))

	writeJSON(w, CreateSiteResponse{
		Site:        site,
		AccessToken: token,
	}, http.StatusCreated)
}

// ListSitesHandler handles GET /api/v1/admin/sites requests.
func (h *HandlerContext) ListSitesHandler(w http.ResponseWriter, r *http.Request) {
	sites, err := h.registry.List(r.Context())
	if err != nil {
		handleError(w, err)
		return
	}

	writeJSON(w, ListSitesResponse{
		Sites: sites,
		Count: len(sites),
	}, http.StatusOK)
}

// GetSiteHandler handles GET /api/v1/admin/sites/{hostname} requests.
func (h *HandlerContext) GetSiteHandler(w http.ResponseWriter, r *http.Request) {
	hostname := chi.URLParam(r, "hostname")

	site, err := h.registry.GetByHostname(r.Context(), registry.NormalizeHostname(hostname))
	if err != nil {
		handleError(w, err)
		return
	}

	writeJSON(w, site, http.StatusOK)
}

// RotateTokenHandler handles POST /api/v1/admin/sites/{id}/rotate
// requests. The prior token is invalid the moment this responds; the
// new plaintext is shown once and only its hash is retained.
func (h *HandlerContext) RotateTokenHandler(w http.ResponseWriter, r *http.Request) {
	siteID := chi.URLParam(r, "id")

	token, err := h.registry.RotateAccessToken(r.Context(), siteID)
	if err != nil {
		handleError(w, err)
		return
	}

	h.logger.Info("access token rotated", logger.String("site_id", siteID))

	writeJSON(w, RotateTokenResponse{
		SiteID:      siteID,
		AccessToken: token,
	}, http.StatusOK)
}
