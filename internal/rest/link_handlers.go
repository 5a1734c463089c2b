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
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/jeremyhahn/go-linkproof/pkg/adapters/logger"
	"github.com/jeremyhahn/go-linkproof/pkg/proof"
	"github.com/jeremyhahn/go-linkproof/pkg/registry"
)

// LinkHandler handles GET requests on the protected-link path. It
// resolves the site by Host header, opens or reuses the continuity
// session, mints a fresh nonce, and renders the interstitial. A GET
// never redeems anything: no attestation is minted and no redeemed
// event is ever written here, no matter how often the link is fetched.
func (h *HandlerContext) LinkHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	hostname := registry.NormalizeHostname(r.Host)

	site, err := h.registry.GetByHostname(ctx, hostname)
	if err != nil {
		handleError(w, err)
		return
	}

	sess, reused, err := h.sessions.OpenOrReuse(w, r, hostname)
	if err != nil {
		h.logger.WithError(err).Error("session open failed",
			logger.String("hostname", hostname))
		writeError(w, ErrInternalError, http.StatusInternalServerError)
		return
	}

	requestedPath := "/" + chi.URLParam(r, "*")
	minted, err := h.coordinator.Mint(ctx, site, sess, requestedPath, r.URL.Query())
	if err != nil {
		// Tenant errors deny before any nonce exists.
		handleError(w, err)
		return
	}

	h.logger.Debug("nonce minted",
		logger.String("hostname", hostname),
		logger.String("path", requestedPath),
		logger.Bool("session_reused", reused))

	// The page carries the precomputed signature: the session id lives
	// in an HttpOnly cookie, so page script could not compute the hash
	// itself. Possession of the rendered values is the proof.
	data := &interstitialData{
		Hostname:  hostname,
		ActionURL: "/redeem/" + minted.Value,
		Nonce:     minted.Value,
		ProofSeed: minted.ProofSeed,
		Signature: proof.Signature(sess.ID, minted.Value, minted.ProofSeed),
		CSRFToken: h.sessions.CSRFToken(sess),
	}
	if site.RequireHumanProof {
		data.TurnstileSiteKey = h.turnstileSiteKey
	}

	if err := renderInterstitial(w, data); err != nil {
		h.logger.WithError(err).Error("interstitial render failed",
			logger.String("hostname", hostname))
	}
}
