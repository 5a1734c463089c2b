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
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/jeremyhahn/go-linkproof/pkg/adapters/logger"
	"github.com/jeremyhahn/go-linkproof/pkg/attestation"
	"github.com/jeremyhahn/go-linkproof/pkg/metrics"
	"github.com/jeremyhahn/go-linkproof/pkg/ledger"
	"github.com/jeremyhahn/go-linkproof/pkg/proof"
	"github.com/jeremyhahn/go-linkproof/pkg/registry"
	"github.com/jeremyhahn/go-linkproof/pkg/session"
)

type fixture struct {
	coordinator *Coordinator
	sessions    *session.Manager
	receipts    *ledger.MemoryLedger
	site        *registry.Site
	session     *session.Session
}

func newFixture(t *testing.T, humans proof.HumanVerifier) *fixture {
	t.Helper()

	sessions, err := session.NewManager(&session.Config{
		Secret: []byte("0123456789abcdef0123456789abcdef"),
	})
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}

	minter, err := attestation.NewMinter(nil)
	if err != nil {
		t.Fatalf("NewMinter failed: %v", err)
	}

	receipts := ledger.NewMemoryLedger()
	coordinator := NewCoordinator(&Config{
		Store:    NewMemoryStore(),
		Sessions: sessions,
		Humans:   humans,
		Minter:   minter,
		Ledger:   receipts,
		Logger:   logger.NewSlogAdapter(&logger.SlogConfig{Level: logger.LevelError}),
		TTL:      10 * time.Minute,
	})

	return &fixture{
		coordinator: coordinator,
		sessions:    sessions,
		receipts:    receipts,
		site: &registry.Site{
			ID:             "site-1",
			Hostname:       "links.example.com",
			OriginBaseURL:  "https://httpbin.org",
			PathAllowlist:  []string{"/anything"},
			QueryAllowlist: []string{"token"},
		},
		session: &session.Session{
			ID:        "test-session",
			Hostname:  "links.example.com",
			CreatedAt: time.Now().UTC(),
		},
	}
}

// mint mints a nonce for the fixture's site and session.
func (f *fixture) mint(t *testing.T, path string, query url.Values) *Nonce {
	t.Helper()
	n, err := f.coordinator.Mint(context.Background(), f.site, f.session, path, query)
	if err != nil {
		t.Fatalf("Mint failed: %v", err)
	}
	return n
}

// redeemRequest builds a fully valid redemption for the nonce.
func (f *fixture) redeemRequest(n *Nonce) *RedeemRequest {
	return &RedeemRequest{
		Value:     n.Value,
		Signature: proof.Signature(f.session.ID, n.Value, n.ProofSeed),
		ProofSeed: n.ProofSeed,
		Session:   f.session,
		CSRFToken: f.sessions.CSRFToken(f.session),
	}
}

// actionsFor lists the ledger actions recorded for a nonce.
func (f *fixture) actionsFor(t *testing.T, value string) []ledger.Action {
	t.Helper()
	events, err := f.receipts.List(context.Background(), "site-1", nil)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	var actions []ledger.Action
	// List is newest first; reverse into chronological order
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].Nonce == value {
			actions = append(actions, events[i].Action)
		}
	}
	return actions
}

func TestMint(t *testing.T) {
	f := newFixture(t, nil)

	query := url.Values{}
	query.Set("token", "hello123")
	n := f.mint(t, "/anything", query)

	if n.State != StateFresh {
		t.Errorf("Expected fresh state, got %s", n.State)
	}
	if n.SessionID != "test-session" {
		t.Error("Nonce not bound to the minting session")
	}
	if n.Destination != "https://httpbin.org/anything?token=hello123" {
		t.Errorf("Unexpected destination: %s", n.Destination)
	}
	if n.Value == "" || n.ProofSeed == "" {
		t.Error("Expected random nonce and proof seed")
	}
	if n.Value == n.ProofSeed {
		t.Error("Nonce and proof seed must be independent")
	}

	actions := f.actionsFor(t, n.Value)
	if len(actions) != 1 || actions[0] != ledger.ActionIssued {
		t.Errorf("Expected a single issued event, got %v", actions)
	}
}

func TestMint_PathNotAllowed(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.coordinator.Mint(context.Background(), f.site, f.session, "/admin", nil)
	if err == nil {
		t.Fatal("Expected a denial for a disallowed path")
	}

	events, _ := f.receipts.List(context.Background(), "site-1", nil)
	if len(events) != 0 {
		t.Error("No event may be ledgered when no nonce was minted")
	}
}

func TestMint_DropsUnlistedQueryParams(t *testing.T) {
	f := newFixture(t, nil)

	query := url.Values{}
	query.Set("token", "hello123")
	query.Set("redirect", "https://evil.example.com")
	query.Set("utm_campaign", "spray")

	n := f.mint(t, "/anything", query)
	if n.Destination != "https://httpbin.org/anything?token=hello123" {
		t.Errorf("Unlisted query params leaked into destination: %s", n.Destination)
	}
}

func TestRedeem(t *testing.T) {
	f := newFixture(t, nil)
	n := f.mint(t, "/anything", nil)

	result, err := f.coordinator.Redeem(context.Background(), f.redeemRequest(n))
	if err != nil {
		t.Fatalf("Redeem failed: %v", err)
	}
	if result.Destination != n.Destination {
		t.Errorf("Unexpected destination: %s", result.Destination)
	}
	if result.Credential == "" {
		t.Error("Expected an attestation credential")
	}

	actions := f.actionsFor(t, n.Value)
	if len(actions) != 2 || actions[1] != ledger.ActionRedeemed {
		t.Errorf("Expected issued then redeemed, got %v", actions)
	}
}

func TestRedeem_ExactlyOnceUnderConcurrency(t *testing.T) {
	f := newFixture(t, nil)
	n := f.mint(t, "/anything", nil)

	const attempts = 32
	var wg sync.WaitGroup
	wg.Add(attempts)

	results := make(chan error, attempts)
	for i := 0; i < attempts; i++ {
		go func() {
			defer wg.Done()
			_, err := f.coordinator.Redeem(context.Background(), f.redeemRequest(n))
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var successes, replays int
	for err := range results {
		if err == nil {
			successes++
			continue
		}
		reason, ok := DenialReason(err)
		if !ok {
			t.Fatalf("Unexpected non-denial error: %v", err)
		}
		if reason != ReasonReplay {
			t.Errorf("Expected replay denial, got %s", reason)
		}
		replays++
	}

	if successes != 1 {
		t.Fatalf("Expected exactly 1 successful redemption, got %d", successes)
	}
	if replays != attempts-1 {
		t.Fatalf("Expected %d replay denials, got %d", attempts-1, replays)
	}
}

func TestRedeem_Replay(t *testing.T) {
	f := newFixture(t, nil)
	n := f.mint(t, "/anything", nil)

	if _, err := f.coordinator.Redeem(context.Background(), f.redeemRequest(n)); err != nil {
		t.Fatalf("Redeem failed: %v", err)
	}

	_, err := f.coordinator.Redeem(context.Background(), f.redeemRequest(n))
	reason, ok := DenialReason(err)
	if !ok || reason != ReasonReplay {
		t.Fatalf("Expected replay denial, got %v", err)
	}

	actions := f.actionsFor(t, n.Value)
	if len(actions) != 3 || actions[2] != ledger.ActionDenied {
		t.Errorf("Expected the replay to be ledgered, got %v", actions)
	}
}

func TestRedeem_UnknownNonce(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.coordinator.Redeem(context.Background(), &RedeemRequest{
		Value:   "no-such-nonce",
		Session: f.session,
	})
	reason, ok := DenialReason(err)
	if !ok || reason != ReasonUnknownNonce {
		t.Fatalf("Expected unknown_nonce denial, got %v", err)
	}
}

func TestRedeem_Expired(t *testing.T) {
	f := newFixture(t, nil)
	n := f.mint(t, "/anything", nil)

	// Jump past the TTL
	f.coordinator.nowFunc = func() time.Time {
		return time.Now().UTC().Add(11 * time.Minute)
	}

	_, err := f.coordinator.Redeem(context.Background(), f.redeemRequest(n))
	reason, ok := DenialReason(err)
	if !ok || reason != ReasonExpired {
		t.Fatalf("Expected expired denial, got %v", err)
	}

	actions := f.actionsFor(t, n.Value)
	if len(actions) != 2 || actions[1] != ledger.ActionExpired {
		t.Errorf("Expected issued then expired, got %v", actions)
	}

	// A later attempt observes the terminal state; it is denied again
	// but the expired transition is never re-ledgered
	_, err = f.coordinator.Redeem(context.Background(), f.redeemRequest(n))
	reason, ok = DenialReason(err)
	if !ok || reason != ReasonExpired {
		t.Fatalf("Expected expired denial on replay, got %v", err)
	}
	actions = f.actionsFor(t, n.Value)
	if len(actions) != 3 || actions[2] != ledger.ActionDenied {
		t.Errorf("Expected a denied event for the replay, got %v", actions)
	}
}

func TestRedeem_MissingContinuity(t *testing.T) {
	f := newFixture(t, nil)
	n := f.mint(t, "/anything", nil)

	t.Run("no session", func(t *testing.T) {
		req := f.redeemRequest(n)
		req.Session = nil
		_, err := f.coordinator.Redeem(context.Background(), req)
		reason, ok := DenialReason(err)
		if !ok || reason != ReasonMissingContinuity {
			t.Fatalf("Expected missing_continuity denial, got %v", err)
		}
	})

	t.Run("wrong session", func(t *testing.T) {
		req := f.redeemRequest(n)
		req.Session = &session.Session{ID: "other-session"}
		_, err := f.coordinator.Redeem(context.Background(), req)
		reason, ok := DenialReason(err)
		if !ok || reason != ReasonMissingContinuity {
			t.Fatalf("Expected missing_continuity denial, got %v", err)
		}
	})

	// The nonce is not burned by a continuity failure; the legitimate
	// browser can still redeem
	if _, err := f.coordinator.Redeem(context.Background(), f.redeemRequest(n)); err != nil {
		t.Fatalf("Legitimate redemption after continuity denial failed: %v", err)
	}
}

func TestRedeem_CSRFMismatch(t *testing.T) {
	f := newFixture(t, nil)
	n := f.mint(t, "/anything", nil)

	req := f.redeemRequest(n)
	req.CSRFToken = "forged"
	_, err := f.coordinator.Redeem(context.Background(), req)
	reason, ok := DenialReason(err)
	if !ok || reason != ReasonCSRFMismatch {
		t.Fatalf("Expected csrf_mismatch denial, got %v", err)
	}
}

func TestRedeem_TurnstileFailed(t *testing.T) {
	f := newFixture(t, proof.StaticVerifier(false))
	f.site.RequireHumanProof = true
	n := f.mint(t, "/anything", nil)

	_, err := f.coordinator.Redeem(context.Background(), f.redeemRequest(n))
	reason, ok := DenialReason(err)
	if !ok || reason != ReasonTurnstileFailed {
		t.Fatalf("Expected turnstile_failed denial, got %v", err)
	}
}

func TestRedeem_HumanProofNotRequired(t *testing.T) {
	// The verifier would deny everything, but the site does not require
	// human proof, so it is never consulted
	f := newFixture(t, proof.StaticVerifier(false))
	n := f.mint(t, "/anything", nil)

	if _, err := f.coordinator.Redeem(context.Background(), f.redeemRequest(n)); err != nil {
		t.Fatalf("Redeem failed: %v", err)
	}
}

func TestRedeem_SignatureMismatch(t *testing.T) {
	f := newFixture(t, nil)
	n := f.mint(t, "/anything", nil)

	req := f.redeemRequest(n)
	req.Signature = proof.Signature("other-session", n.Value, n.ProofSeed)
	_, err := f.coordinator.Redeem(context.Background(), req)
	reason, ok := DenialReason(err)
	if !ok || reason != ReasonSignatureMismatch {
		t.Fatalf("Expected signature_mismatch denial, got %v", err)
	}

	// A forged signature burns the nonce: the legitimate values are no
	// longer redeemable
	_, err = f.coordinator.Redeem(context.Background(), f.redeemRequest(n))
	reason, ok = DenialReason(err)
	if !ok || reason != ReasonReplay {
		t.Fatalf("Expected replay denial after a signature burn, got %v", err)
	}
}

func TestLifecycleEventsRecorded(t *testing.T) {
	f := newFixture(t, nil)

	issued := metrics.LifecycleEventsTotal.WithLabelValues("issued", "", "links.example.com")
	redeemed := metrics.LifecycleEventsTotal.WithLabelValues("redeemed", "", "links.example.com")
	denied := metrics.LifecycleEventsTotal.WithLabelValues("denied", string(ReasonReplay), "links.example.com")

	issuedBefore := testutil.ToFloat64(issued)
	redeemedBefore := testutil.ToFloat64(redeemed)
	deniedBefore := testutil.ToFloat64(denied)

	n := f.mint(t, "/anything", nil)
	if _, err := f.coordinator.Redeem(context.Background(), f.redeemRequest(n)); err != nil {
		t.Fatalf("Redeem failed: %v", err)
	}
	if _, err := f.coordinator.Redeem(context.Background(), f.redeemRequest(n)); err == nil {
		t.Fatal("Expected a replay denial")
	}

	if got := testutil.ToFloat64(issued) - issuedBefore; got != 1 {
		t.Errorf("Expected 1 issued event recorded, got %v", got)
	}
	if got := testutil.ToFloat64(redeemed) - redeemedBefore; got != 1 {
		t.Errorf("Expected 1 redeemed event recorded, got %v", got)
	}
	if got := testutil.ToFloat64(denied) - deniedBefore; got != 1 {
		t.Errorf("Expected 1 replay denial recorded, got %v", got)
	}
}

func TestRedeem_DenialNeverDisclosesDestination(t *testing.T) {
	f := newFixture(t, nil)
	n := f.mint(t, "/anything", nil)

	req := f.redeemRequest(n)
	req.CSRFToken = "forged"
	result, err := f.coordinator.Redeem(context.Background(), req)
	if err == nil {
		t.Fatal("Expected a denial")
	}
	if result != nil {
		t.Error("A denial must not return a result")
	}
}
