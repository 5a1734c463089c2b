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
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/jeremyhahn/go-linkproof/pkg/adapters/logger"
	"github.com/jeremyhahn/go-linkproof/pkg/ledger"
	"github.com/jeremyhahn/go-linkproof/pkg/nonce"
	"github.com/jeremyhahn/go-linkproof/pkg/registry"
	"github.com/jeremyhahn/go-linkproof/pkg/session"
)

// siteContextKey carries the authenticated site through receipts
// requests.
type siteContextKey struct{}

// HandlerContext holds the dependencies shared by all HTTP handlers.
type HandlerContext struct {
	registry         registry.Registry
	sessions         *session.Manager
	coordinator      *nonce.Coordinator
	ledger           ledger.Ledger
	operatorToken    string
	turnstileSiteKey string
	version          string
	logger           logger.Logger
}

// NewHandlerContext creates the handler context from the server
// configuration.
func NewHandlerContext(cfg *Config, log logger.Logger) *HandlerContext {
	return &HandlerContext{
		registry:         cfg.Registry,
		sessions:         cfg.Sessions,
		coordinator:      cfg.Coordinator,
		ledger:           cfg.Ledger,
		operatorToken:    cfg.OperatorToken,
		turnstileSiteKey: cfg.TurnstileSiteKey,
		version:          cfg.Version,
		logger:           log,
	}
}

// bearerToken extracts the credential from an Authorization header.
func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header == "" {
		return ""
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}

// SiteAuthMiddleware authenticates receipts requests with a Site
// Access Token and stores the resolved site in the request context.
// Failures are a uniform 401; the response never distinguishes a wrong
// token from a missing one.
func (h *HandlerContext) SiteAuthMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			if token == "" {
				writeError(w, ErrUnauthorized, http.StatusUnauthorized)
				return
			}

			site, err := h.registry.Authenticate(r.Context(), token)
			if err != nil {
				writeError(w, ErrUnauthorized, http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), siteContextKey{}, site)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// OperatorAuthMiddleware authenticates admin requests with the
// operator credential. Like the receipts surface, every failure is a
// uniform 401.
func (h *HandlerContext) OperatorAuthMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			if subtle.ConstantTimeCompare([]byte(token), []byte(h.operatorToken)) != 1 {
				writeError(w, ErrUnauthorized, http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// siteFromContext returns the site authenticated by SiteAuthMiddleware.
func siteFromContext(ctx context.Context) *registry.Site {
	site, _ := ctx.Value(siteContextKey{}).(*registry.Site)
	return site
}
