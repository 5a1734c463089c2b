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
	"time"

	"github.com/jeremyhahn/go-linkproof/pkg/ledger"
	"github.com/jeremyhahn/go-linkproof/pkg/registry"
)

// ErrorResponse is the structured error body returned on every
// non-success response.
type ErrorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
	Code   int    `json:"code"`
}

// HealthResponse is returned by the health endpoints.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
}

// CreateSiteRequest registers a new protected site.
type CreateSiteRequest struct {
	Hostname          string   `json:"hostname"`
	OriginBaseURL     string   `json:"origin_base_url"`
	PathAllowlist     []string `json:"path_allowlist"`
	QueryAllowlist    []string `json:"query_allowlist"`
	RequireHumanProof bool     `json:"require_human_proof"`
}

// CreateSiteResponse returns the created site and its Site Access
// Token. The plaintext token appears here once; only its hash is
// retained.
type CreateSiteResponse struct {
	Site        *registry.Site `json:"site"`
	AccessToken string         `json:"access_token"`
}

// ListSitesResponse lists registered sites.
type ListSitesResponse struct {
	Sites []*registry.Site `json:"sites"`
	Count int              `json:"count"`
}

// RotateTokenResponse returns the replacement Site Access Token. The
// prior token is invalid as of this response.
type RotateTokenResponse struct {
	SiteID      string `json:"site_id"`
	AccessToken string `json:"access_token"`
}

// ListReceiptsResponse returns ledger events for the authenticated
// site, newest first.
type ListReceiptsResponse struct {
	Events []*ledger.Event `json:"events"`
	Count  int             `json:"count"`
}

// SummaryResponse aggregates ledger events by action and reason.
type SummaryResponse struct {
	Summary *ledger.Summary `json:"summary"`
	Since   *time.Time      `json:"since,omitempty"`
}
