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
	"context"
	"net/http"
	"time"
)

// HealthHandler handles GET /health requests.
func (h *HandlerContext) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, HealthResponse{
		Status:  "ok",
		Version: h.version,
	}, http.StatusOK)
}

// LivenessHandler handles GET /health/live requests. Liveness only
// fails when the process is unrecoverable, so this always reports
// healthy while the handler can run at all.
func (h *HandlerContext) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, HealthResponse{Status: "ok"}, http.StatusOK)
}

// ReadinessHandler handles GET /health/ready requests. Readiness
// exercises the ledger, since a gateway that cannot audit transitions
// should not take traffic.
func (h *HandlerContext) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if _, err := h.ledger.Summarize(ctx, "readiness-probe", nil); err != nil {
		writeJSON(w, HealthResponse{Status: "unavailable"}, http.StatusServiceUnavailable)
		return
	}

	writeJSON(w, HealthResponse{Status: "ok"}, http.StatusOK)
}
