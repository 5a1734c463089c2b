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
	"strconv"
	"time"

	"github.com/jeremyhahn/go-linkproof/pkg/ledger"
)

// defaultListLimit bounds unfiltered receipt listings.
const defaultListLimit = 100

// parseReceiptsQuery builds a ledger query from request parameters:
// action (repeatable), since (RFC 3339), and limit.
func parseReceiptsQuery(r *http.Request) (*ledger.Query, error) {
	query := &ledger.Query{}

	for _, action := range r.URL.Query()["action"] {
		query.Actions = append(query.Actions, ledger.Action(action))
	}

	if since := r.URL.Query().Get("since"); since != "" {
		ts, err := time.Parse(time.RFC3339, since)
		if err != nil {
			return nil, ErrInvalidRequest
		}
		query.Since = &ts
	}

	if limit := r.URL.Query().Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 1 {
			return nil, ErrInvalidRequest
		}
		query.Limit = n
	}

	return query, nil
}

// ListReceiptsHandler handles GET /api/v1/receipts requests. Events
// are scoped to the authenticated site and returned newest first.
func (h *HandlerContext) ListReceiptsHandler(w http.ResponseWriter, r *http.Request) {
	site := siteFromContext(r.Context())

	query, err := parseReceiptsQuery(r)
	if err != nil {
		handleError(w, err)
		return
	}
	if query.Limit == 0 {
		query.Limit = defaultListLimit
	}

	events, err := h.ledger.List(r.Context(), site.ID, query)
	if err != nil {
		handleError(w, err)
		return
	}

	writeJSON(w, ListReceiptsResponse{
		Events: events,
		Count:  len(events),
	}, http.StatusOK)
}

// ExportReceiptsHandler handles GET /api/v1/receipts/export requests.
// It honors the same filters as listing but applies no default limit.
func (h *HandlerContext) ExportReceiptsHandler(w http.ResponseWriter, r *http.Request) {
	site := siteFromContext(r.Context())

	query, err := parseReceiptsQuery(r)
	if err != nil {
		handleError(w, err)
		return
	}

	events, err := h.ledger.List(r.Context(), site.ID, query)
	if err != nil {
		handleError(w, err)
		return
	}

	writeJSON(w, ListReceiptsResponse{
		Events: events,
		Count:  len(events),
	}, http.StatusOK)
}

// SummarizeReceiptsHandler handles GET /api/v1/receipts/summary
// requests, aggregating the site's events by action and reason code.
func (h *HandlerContext) SummarizeReceiptsHandler(w http.ResponseWriter, r *http.Request) {
	site := siteFromContext(r.Context())

	var since *time.Time
	if raw := r.URL.Query().Get("since"); raw != "" {
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			handleError(w, ErrInvalidRequest)
			return
		}
		since = &ts
	}

	summary, err := h.ledger.Summarize(r.Context(), site.ID, since)
	if err != nil {
		handleError(w, err)
		return
	}

	writeJSON(w, SummaryResponse{
		Summary: summary,
		Since:   since,
	}, http.StatusOK)
}
