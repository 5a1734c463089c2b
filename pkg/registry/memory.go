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

package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRegistry is an in-memory Registry implementation. Thread-safe
// using a read-write mutex. Suitable for development, testing, and
// single-node deployments seeded from configuration via Seed at
// startup; runtime mutations do not survive a restart unless written
// back into the configuration.
type MemoryRegistry struct {
	mu              sync.RWMutex
	byID            map[string]*Site
	byHost          map[string]*Site
	allowedSuffixes []string
	nowFunc         func() time.Time
}

// NewMemoryRegistry creates a new in-memory registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		byID:    make(map[string]*Site),
		byHost:  make(map[string]*Site),
		nowFunc: time.Now,
	}
}

// AllowOriginSuffixes restricts the origin hosts of newly created sites
// to the given suffixes. Empty means any origin host.
func (m *MemoryRegistry) AllowOriginSuffixes(suffixes []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.allowedSuffixes = append([]string(nil), suffixes...)
}

// Create registers a new site. Hostname uniqueness is enforced under the
// write lock, so concurrent creates for the same hostname observe a
// single winner.
func (m *MemoryRegistry) Create(ctx context.Context, params CreateParams) (*Site, string, error) {
	hostname := NormalizeHostname(params.Hostname)

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.byHost[hostname]; exists {
		return nil, "", ErrHostnameExists
	}

	if err := validateOrigin(params.OriginBaseURL, m.allowedSuffixes); err != nil {
		return nil, "", err
	}

	site := &Site{
		ID:                uuid.New().String(),
		Hostname:          hostname,
		OriginBaseURL:     params.OriginBaseURL,
		PathAllowlist:     append([]string(nil), params.PathAllowlist...),
		QueryAllowlist:    append([]string(nil), params.QueryAllowlist...),
		RequireHumanProof: params.RequireHumanProof,
		CreatedAt:         m.nowFunc(),
	}

	plaintext, hash, err := NewAccessToken(site.ID)
	if err != nil {
		return nil, "", err
	}
	site.AccessTokenHash = hash

	m.byID[site.ID] = site
	m.byHost[hostname] = site

	return cloneSite(site), plaintext, nil
}

// Seed restores sites from configuration. Hashes are carried over
// verbatim, so tokens issued before a restart keep authenticating.
// Seeding an already-registered hostname is an error.
func (m *MemoryRegistry) Seed(ctx context.Context, seeds []SeedSite) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, seed := range seeds {
		hostname := NormalizeHostname(seed.Hostname)
		if _, exists := m.byHost[hostname]; exists {
			return fmt.Errorf("%w: %s", ErrHostnameExists, hostname)
		}
		if err := validateOrigin(seed.OriginBaseURL, m.allowedSuffixes); err != nil {
			return fmt.Errorf("seed %s: %w", hostname, err)
		}

		id := seed.ID
		if id == "" {
			id = uuid.New().String()
		}
		site := &Site{
			ID:                id,
			Hostname:          hostname,
			OriginBaseURL:     seed.OriginBaseURL,
			PathAllowlist:     append([]string(nil), seed.PathAllowlist...),
			QueryAllowlist:    append([]string(nil), seed.QueryAllowlist...),
			AccessTokenHash:   seed.AccessTokenHash,
			RequireHumanProof: seed.RequireHumanProof,
			CreatedAt:         m.nowFunc(),
		}
		m.byID[site.ID] = site
		m.byHost[hostname] = site
	}
	return nil
}

// GetByHostname looks up a site by hostname.
func (m *MemoryRegistry) GetByHostname(ctx context.Context, hostname string) (*Site, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	site, ok := m.byHost[NormalizeHostname(hostname)]
	if !ok {
		return nil, ErrSiteNotFound
	}
	return cloneSite(site), nil
}

// GetByID looks up a site by ID.
func (m *MemoryRegistry) GetByID(ctx context.Context, siteID string) (*Site, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	site, ok := m.byID[siteID]
	if !ok {
		return nil, ErrSiteNotFound
	}
	return cloneSite(site), nil
}

// RotateAccessToken replaces the site's access token hash. The previous
// token stops authenticating the moment the hash is swapped.
func (m *MemoryRegistry) RotateAccessToken(ctx context.Context, siteID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	site, ok := m.byID[siteID]
	if !ok {
		return "", ErrSiteNotFound
	}

	plaintext, hash, err := NewAccessToken(site.ID)
	if err != nil {
		return "", err
	}
	site.AccessTokenHash = hash

	return plaintext, nil
}

// Authenticate resolves a Site Access Token to its site.
func (m *MemoryRegistry) Authenticate(ctx context.Context, token string) (*Site, error) {
	siteID, secret, err := ParseAccessToken(token)
	if err != nil {
		return nil, ErrInvalidToken
	}

	m.mu.RLock()
	site, ok := m.byID[siteID]
	var clone *Site
	if ok {
		clone = cloneSite(site)
	}
	m.mu.RUnlock()

	// The argon2id verification runs outside the lock against the
	// cloned hash, so a concurrent rotation can invalidate the token
	// but never tear the read.
	if !ok || !VerifySecret(secret, clone.AccessTokenHash) {
		return nil, ErrInvalidToken
	}
	return clone, nil
}

// List returns all registered sites ordered by hostname.
func (m *MemoryRegistry) List(ctx context.Context) ([]*Site, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sites := make([]*Site, 0, len(m.byID))
	for _, site := range m.byID {
		sites = append(sites, cloneSite(site))
	}
	sort.Slice(sites, func(i, j int) bool {
		return sites[i].Hostname < sites[j].Hostname
	})
	return sites, nil
}

// cloneSite returns a copy so callers cannot mutate registry state.
func cloneSite(s *Site) *Site {
	clone := *s
	clone.PathAllowlist = append([]string(nil), s.PathAllowlist...)
	clone.QueryAllowlist = append([]string(nil), s.QueryAllowlist...)
	return &clone
}
