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

// Package registry holds the registered tenant sites. A Site maps a
// protected hostname to its real origin, the path prefixes a link may
// target, the query parameters that survive into the destination, and
// the hashed Site Access Token used to read that site's receipts.
//
// Sites are populated at startup from durable storage and mutated only
// through the admin surface.
package registry

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"time"
)

var (
	// ErrSiteNotFound is returned when no site matches the lookup.
	ErrSiteNotFound = errors.New("registry: site not found")

	// ErrHostnameExists is returned when creating a site whose hostname
	// is already registered.
	ErrHostnameExists = errors.New("registry: hostname already registered")

	// ErrPathNotAllowed is returned when a requested path matches no
	// allow-listed prefix.
	ErrPathNotAllowed = errors.New("registry: path not allowed")

	// ErrInvalidToken is returned when a Site Access Token does not
	// authenticate any site.
	ErrInvalidToken = errors.New("registry: invalid access token")

	// ErrInvalidOrigin is returned when the origin base URL is malformed.
	ErrInvalidOrigin = errors.New("registry: invalid origin base URL")

	// ErrOriginNotAllowed is returned when the origin host falls outside
	// the configured host suffix allow-list.
	ErrOriginNotAllowed = errors.New("registry: origin host not allowed")
)

// Site represents a registered tenant.
type Site struct {
	// ID is an opaque unique identifier.
	ID string `json:"site_id"`

	// Hostname is the protected hostname, stored lowercase. Unique.
	Hostname string `json:"hostname"`

	// OriginBaseURL is the real destination origin, e.g. "https://app.example.com".
	OriginBaseURL string `json:"origin_base_url"`

	// PathAllowlist is the ordered set of path prefixes a link may target.
	PathAllowlist []string `json:"path_allowlist"`

	// QueryAllowlist is the set of query parameter names forwarded to
	// the destination. Everything else is dropped.
	QueryAllowlist []string `json:"query_allowlist"`

	// AccessTokenHash is the argon2id hash of the current Site Access
	// Token. The plaintext is shown exactly once at create/rotate time.
	AccessTokenHash string `json:"-"`

	// RequireHumanProof controls whether redemption requires a passing
	// human-verification challenge verdict.
	RequireHumanProof bool `json:"require_human_proof"`

	// CreatedAt is the creation timestamp.
	CreatedAt time.Time `json:"created_at"`
}

// CreateParams holds the inputs for registering a site.
type CreateParams struct {
	Hostname          string
	OriginBaseURL     string
	PathAllowlist     []string
	QueryAllowlist    []string
	RequireHumanProof bool
}

// SeedSite describes a site restored from configuration at startup. The
// access token hash is the stored argon2id hash, so previously issued
// Site Access Tokens keep authenticating across restarts; a seed with
// an empty hash has no receipts access until its token is rotated.
type SeedSite struct {
	ID                string
	Hostname          string
	OriginBaseURL     string
	PathAllowlist     []string
	QueryAllowlist    []string
	RequireHumanProof bool
	AccessTokenHash   string
}

// Registry is the tenant store. All implementations must be thread-safe.
type Registry interface {
	// Create registers a new site and returns it together with the
	// plaintext Site Access Token. Returns ErrHostnameExists if the
	// hostname is taken.
	Create(ctx context.Context, params CreateParams) (*Site, string, error)

	// GetByHostname looks up a site by hostname (case-insensitive).
	GetByHostname(ctx context.Context, hostname string) (*Site, error)

	// GetByID looks up a site by its opaque ID.
	GetByID(ctx context.Context, siteID string) (*Site, error)

	// RotateAccessToken replaces the site's access token and returns the
	// new plaintext. The previous token is invalid immediately.
	RotateAccessToken(ctx context.Context, siteID string) (string, error)

	// Authenticate resolves a Site Access Token to its site. Returns
	// ErrInvalidToken on any failure.
	Authenticate(ctx context.Context, token string) (*Site, error)

	// List returns all registered sites.
	List(ctx context.Context) ([]*Site, error)
}

// AllowsPath reports whether the requested path matches one of the
// site's allow-listed prefixes.
func (s *Site) AllowsPath(path string) bool {
	for _, prefix := range s.PathAllowlist {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// Resolve computes the destination URL for a requested path and query.
// The path must match an allow-listed prefix; query parameters outside
// the allow-list are dropped silently, so the destination is always
// derived from registered state and never from an opaque caller URL.
func (s *Site) Resolve(path string, query url.Values) (string, error) {
	if !s.AllowsPath(path) {
		return "", ErrPathNotAllowed
	}

	base, err := url.Parse(s.OriginBaseURL)
	if err != nil {
		return "", ErrInvalidOrigin
	}

	dest := *base
	dest.Path = strings.TrimSuffix(base.Path, "/") + "/" + strings.TrimPrefix(path, "/")

	filtered := url.Values{}
	for _, name := range s.QueryAllowlist {
		if vals, ok := query[name]; ok {
			for _, v := range vals {
				filtered.Add(name, v)
			}
		}
	}
	dest.RawQuery = filtered.Encode()

	return dest.String(), nil
}

// validateOrigin checks that an origin base URL is an absolute http(s)
// URL and, when a suffix allow-list is configured, that its host falls
// inside it.
func validateOrigin(origin string, allowedSuffixes []string) error {
	u, err := url.Parse(origin)
	if err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
		return ErrInvalidOrigin
	}

	if len(allowedSuffixes) == 0 {
		return nil
	}
	host := strings.ToLower(u.Hostname())
	for _, suffix := range allowedSuffixes {
		suffix = strings.ToLower(suffix)
		if host == strings.TrimPrefix(suffix, ".") || strings.HasSuffix(host, suffix) {
			return nil
		}
	}
	return ErrOriginNotAllowed
}

// NormalizeHostname lowercases and trims a hostname for lookup.
func NormalizeHostname(hostname string) string {
	host := strings.ToLower(strings.TrimSpace(hostname))
	// Strip a port if present (Host headers may carry one).
	if i := strings.LastIndex(host, ":"); i > 0 && !strings.Contains(host[i:], "]") {
		host = host[:i]
	}
	return host
}
