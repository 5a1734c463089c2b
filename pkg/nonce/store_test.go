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
	"errors"
	"fmt"
	"testing"
	"time"
)

func testNonce(value string, state State, expiresAt time.Time) *Nonce {
	now := time.Now().UTC()
	return &Nonce{
		Value:       value,
		ProofSeed:   "seed-" + value,
		SessionID:   "sess-1",
		SiteID:      "site-1",
		Hostname:    "links.example.com",
		Destination: "https://httpbin.org/anything",
		State:       state,
		CreatedAt:   now,
		ExpiresAt:   expiresAt,
	}
}

func TestMemoryStore_CreateAndGet(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	n := testNonce("n1", StateFresh, time.Now().UTC().Add(time.Minute))
	if err := store.Create(ctx, n); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	got, err := store.Get(ctx, "n1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Destination != n.Destination {
		t.Errorf("Unexpected destination: %s", got.Destination)
	}

	// The store hands out copies
	got.State = StateRedeemed
	again, _ := store.Get(ctx, "n1")
	if again.State != StateFresh {
		t.Error("Mutating a returned nonce must not affect the store")
	}
}

func TestMemoryStore_CreateDuplicate(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	n := testNonce("n1", StateFresh, time.Now().UTC().Add(time.Minute))
	if err := store.Create(ctx, n); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := store.Create(ctx, n); !errors.Is(err, ErrNonceExists) {
		t.Errorf("Expected ErrNonceExists, got %v", err)
	}
}

func TestMemoryStore_GetNotFound(t *testing.T) {
	store := NewMemoryStore()
	if _, err := store.Get(context.Background(), "missing"); !errors.Is(err, ErrNonceNotFound) {
		t.Errorf("Expected ErrNonceNotFound, got %v", err)
	}
}

func TestMemoryStore_Transition(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	n := testNonce("n1", StateFresh, time.Now().UTC().Add(time.Minute))
	if err := store.Create(ctx, n); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	applied, err := store.Transition(ctx, "n1", StateFresh, StateRedeemed)
	if err != nil {
		t.Fatalf("Transition failed: %v", err)
	}
	if !applied {
		t.Fatal("Expected the fresh->redeemed transition to apply")
	}

	// A second attempt from fresh loses the compare-and-set
	applied, err = store.Transition(ctx, "n1", StateFresh, StateExpired)
	if err != nil {
		t.Fatalf("Transition failed: %v", err)
	}
	if applied {
		t.Error("Transition from a stale state must not apply")
	}

	got, _ := store.Get(ctx, "n1")
	if got.State != StateRedeemed {
		t.Errorf("Expected redeemed, got %s", got.State)
	}
}

func TestMemoryStore_TransitionUnknownNonce(t *testing.T) {
	store := NewMemoryStore()
	_, err := store.Transition(context.Background(), "missing", StateFresh, StateRedeemed)
	if !errors.Is(err, ErrNonceNotFound) {
		t.Errorf("Expected ErrNonceNotFound, got %v", err)
	}
}

func TestMemoryStore_ExpiredFresh(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	stale := testNonce("stale", StateFresh, now.Add(-time.Minute))
	live := testNonce("live", StateFresh, now.Add(time.Minute))
	spent := testNonce("spent", StateRedeemed, now.Add(-time.Minute))
	for _, n := range []*Nonce{stale, live, spent} {
		if err := store.Create(ctx, n); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
	}

	expired, err := store.ExpiredFresh(ctx, now)
	if err != nil {
		t.Fatalf("ExpiredFresh failed: %v", err)
	}
	if len(expired) != 1 || expired[0].Value != "stale" {
		t.Errorf("Expected only the stale fresh nonce, got %d", len(expired))
	}
}

func TestMemoryStore_Purge(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	old := testNonce("old", StateRedeemed, now.Add(-2*time.Hour))
	fresh := testNonce("fresh", StateFresh, now.Add(-2*time.Hour))
	if err := store.Create(ctx, old); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := store.Create(ctx, fresh); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if purged := store.Purge(ctx, now.Add(-time.Hour)); purged != 1 {
		t.Errorf("Expected 1 purged nonce, got %d", purged)
	}

	if _, err := store.Get(ctx, "old"); !errors.Is(err, ErrNonceNotFound) {
		t.Error("Expected the terminal nonce to be purged")
	}
	if _, err := store.Get(ctx, "fresh"); err != nil {
		t.Error("Fresh nonces must survive the purge regardless of age")
	}
}

func TestMemoryStore_ConcurrentTransitions(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	const nonces = 8
	for i := 0; i < nonces; i++ {
		n := testNonce(fmt.Sprintf("n%d", i), StateFresh, time.Now().UTC().Add(time.Minute))
		if err := store.Create(ctx, n); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
	}

	// 16 racing workers per nonce; exactly one wins each compare-and-set
	wins := make(chan string, nonces*16)
	done := make(chan struct{})
	for i := 0; i < nonces; i++ {
		value := fmt.Sprintf("n%d", i)
		for j := 0; j < 16; j++ {
			go func() {
				applied, err := store.Transition(ctx, value, StateFresh, StateRedeemed)
				if err == nil && applied {
					wins <- value
				}
				done <- struct{}{}
			}()
		}
	}
	for i := 0; i < nonces*16; i++ {
		<-done
	}
	close(wins)

	seen := make(map[string]int)
	for value := range wins {
		seen[value]++
	}
	for i := 0; i < nonces; i++ {
		value := fmt.Sprintf("n%d", i)
		if seen[value] != 1 {
			t.Errorf("Nonce %s had %d transition winners, expected 1", value, seen[value])
		}
	}
}
