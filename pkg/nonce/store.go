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

package nonce

import (
	"context"
	"sync"
	"time"
)

// Store persists nonces and applies state transitions. Transition is a
// compare-and-set: it succeeds only when the nonce is currently in the
// expected state, which is what makes the fresh state observable by at
// most one caller even when the coordinator's serialization is bypassed.
type Store interface {

	// Create persists a new nonce in its initial state.
	Create(ctx context.Context, n *Nonce) error

	// Get returns the nonce for a value, or ErrNonceNotFound.
	Get(ctx context.Context, value string) (*Nonce, error)

	// Transition atomically moves a nonce from one state to another.
	// It returns false without error when the nonce is no longer in
	// the from state.
	Transition(ctx context.Context, value string, from, to State) (bool, error)

	// ExpiredFresh returns fresh nonces whose TTL elapsed before the
	// given instant, for the background sweeper.
	ExpiredFresh(ctx context.Context, now time.Time) ([]*Nonce, error)
}

// MemoryStore is an in-memory Store guarded by a mutex. Nonces live
// only as long as the process; a restart invalidates outstanding
// interstitials, which simply expire from the visitor's point of view.
type MemoryStore struct {
	mu     sync.RWMutex
	nonces map[string]*Nonce
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		nonces: make(map[string]*Nonce),
	}
}

func (s *MemoryStore) Create(_ context.Context, n *Nonce) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.nonces[n.Value]; exists {
		return ErrNonceExists
	}
	clone := *n
	s.nonces[n.Value] = &clone
	return nil
}

func (s *MemoryStore) Get(_ context.Context, value string) (*Nonce, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n, ok := s.nonces[value]
	if !ok {
		return nil, ErrNonceNotFound
	}
	clone := *n
	return &clone, nil
}

func (s *MemoryStore) Transition(_ context.Context, value string, from, to State) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.nonces[value]
	if !ok {
		return false, ErrNonceNotFound
	}
	if n.State != from {
		return false, nil
	}
	n.State = to
	return true, nil
}

func (s *MemoryStore) ExpiredFresh(_ context.Context, now time.Time) ([]*Nonce, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var expired []*Nonce
	for _, n := range s.nonces {
		if n.State == StateFresh && n.Expired(now) {
			clone := *n
			expired = append(expired, &clone)
		}
	}
	return expired, nil
}

// Purge removes terminal nonces older than the cutoff, bounding memory
// growth. Fresh nonces are never purged.
func (s *MemoryStore) Purge(_ context.Context, cutoff time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	purged := 0
	for value, n := range s.nonces {
		if n.State != StateFresh && n.ExpiresAt.Before(cutoff) {
			delete(s.nonces, value)
			purged++
		}
	}
	return purged
}
