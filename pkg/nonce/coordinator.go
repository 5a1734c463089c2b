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
	"time"

	"github.com/google/uuid"
	"github.com/jeremyhahn/go-linkproof/pkg/adapters/logger"
	"github.com/jeremyhahn/go-linkproof/pkg/attestation"
	"github.com/jeremyhahn/go-linkproof/pkg/correlation"
	"github.com/jeremyhahn/go-linkproof/pkg/ledger"
	"github.com/jeremyhahn/go-linkproof/pkg/metrics"
	"github.com/jeremyhahn/go-linkproof/pkg/proof"
	"github.com/jeremyhahn/go-linkproof/pkg/registry"
	"github.com/jeremyhahn/go-linkproof/pkg/session"
)

// DefaultTTL is the nonce lifetime when none is configured.
const DefaultTTL = 10 * time.Minute

// RedeemRequest carries everything the browser submitted for a
// redemption attempt. Session is nil when no valid continuity cookie
// accompanied the request.
type RedeemRequest struct {
	Value          string
	Signature      string
	ProofSeed      string
	Session        *session.Session
	CSRFToken      string
	ChallengeToken string
	RemoteIP       string
}

// RedeemResult is a successful redemption. Credential may be empty if
// attestation minting failed; the redirect is never withheld for it.
type RedeemResult struct {
	Destination string
	Credential  string
}

// Config configures the coordinator.
type Config struct {
	Store    Store
	Sessions *session.Manager
	Humans   proof.HumanVerifier
	Minter   *attestation.Minter
	Ledger   ledger.Ledger
	Logger   logger.Logger

	// TTL is the nonce lifetime. Defaults to DefaultTTL.
	TTL time.Duration
}

// Coordinator owns every nonce state transition. All redemption
// attempts for a given value are serialized through a per-nonce lock,
// so the check-then-transition sequence observes exactly one winner;
// the store's compare-and-set backs this up at the persistence layer.
type Coordinator struct {
	store    Store
	sessions *session.Manager
	humans   proof.HumanVerifier
	minter   *attestation.Minter
	ledger   ledger.Ledger
	logger   logger.Logger
	ttl      time.Duration
	locks    keyedMutex
	nowFunc  func() time.Time
}

// NewCoordinator creates the lifecycle coordinator.
func NewCoordinator(cfg *Config) *Coordinator {
	ttl := cfg.TTL
	if ttl == 0 {
		ttl = DefaultTTL
	}
	return &Coordinator{
		store:    cfg.Store,
		sessions: cfg.Sessions,
		humans:   cfg.Humans,
		minter:   cfg.Minter,
		ledger:   cfg.Ledger,
		logger:   cfg.Logger,
		ttl:      ttl,
		nowFunc:  func() time.Time { return time.Now().UTC() },
	}
}

// Mint resolves the destination against the site's allowlists, creates
// a fresh nonce bound to the session, and ledgers an issued event. The
// returned nonce and proof seed are embedded once into the rendered
// page and are never re-derivable afterward.
func (c *Coordinator) Mint(ctx context.Context, site *registry.Site,
	sess *session.Session, requestedPath string, requestedQuery url.Values) (*Nonce, error) {

	destination, err := site.Resolve(requestedPath, requestedQuery)
	if err != nil {
		return nil, err
	}

	value, err := randomValue()
	if err != nil {
		return nil, err
	}
	proofSeed, err := randomValue()
	if err != nil {
		return nil, err
	}

	now := c.nowFunc()
	n := &Nonce{
		Value:             value,
		ProofSeed:         proofSeed,
		SessionID:         sess.ID,
		SiteID:            site.ID,
		Hostname:          site.Hostname,
		Destination:       destination,
		State:             StateFresh,
		RequireHumanProof: site.RequireHumanProof,
		CreatedAt:         now,
		ExpiresAt:         now.Add(c.ttl),
	}
	if err := c.store.Create(ctx, n); err != nil {
		return nil, err
	}

	c.appendEvent(ctx, n, ledger.ActionIssued, "", "")
	return n, nil
}

// Redeem runs the redemption checks under the per-nonce lock and, when
// every check passes, performs the single fresh to redeemed transition
// and mints the attestation. Every failure returns a DenialError; a
// denial never discloses the destination.
func (c *Coordinator) Redeem(ctx context.Context, req *RedeemRequest) (*RedeemResult, error) {
	unlock := c.locks.lock(req.Value)
	defer unlock()

	n, err := c.store.Get(ctx, req.Value)
	if err != nil {
		if err == ErrNonceNotFound {
			return nil, Deny(ReasonUnknownNonce)
		}
		return nil, err
	}

	// Exactly-once enforcement: anything past fresh is terminal.
	if n.State != StateFresh {
		reason := ReasonReplay
		if n.State == StateExpired {
			reason = ReasonExpired
		}
		c.appendEvent(ctx, n, ledger.ActionDenied, reason, "")
		return nil, Deny(reason)
	}

	now := c.nowFunc()
	if n.Expired(now) {
		// Lazy expiry. The sweeper may have won the race; only the
		// transition winner ledgers the expired event.
		applied, err := c.store.Transition(ctx, n.Value, StateFresh, StateExpired)
		if err != nil {
			return nil, err
		}
		if applied {
			c.appendEvent(ctx, n, ledger.ActionExpired, ReasonExpired, "TTL expired")
		}
		return nil, Deny(ReasonExpired)
	}

	if req.Session == nil || req.Session.ID != n.SessionID {
		c.appendEvent(ctx, n, ledger.ActionDenied, ReasonMissingContinuity, "")
		return nil, Deny(ReasonMissingContinuity)
	}

	if !c.sessions.ValidateCSRF(req.Session, req.CSRFToken) {
		c.appendEvent(ctx, n, ledger.ActionDenied, ReasonCSRFMismatch, "")
		return nil, Deny(ReasonCSRFMismatch)
	}

	if c.requiresHumanProof(n) {
		if !c.humans.Verify(ctx, req.ChallengeToken, req.RemoteIP) {
			// Fail closed: a verifier error or timeout is a denial,
			// never a retry.
			c.appendEvent(ctx, n, ledger.ActionDenied, ReasonTurnstileFailed, "")
			return nil, Deny(ReasonTurnstileFailed)
		}
	}

	if !proof.VerifySignature(n.SessionID, n.Value, n.ProofSeed, req.Signature) {
		// A forged signature burns the nonce. Only the holder of the
		// rendered page can compute it, so a mismatch means the value
		// leaked; the legitimate copy must not remain redeemable.
		applied, terr := c.store.Transition(ctx, n.Value, StateFresh, StateDenied)
		if terr != nil {
			return nil, terr
		}
		if !applied {
			c.appendEvent(ctx, n, ledger.ActionDenied, ReasonReplay, "")
			return nil, Deny(ReasonReplay)
		}
		c.appendEvent(ctx, n, ledger.ActionDenied, ReasonSignatureMismatch, "")
		return nil, Deny(ReasonSignatureMismatch)
	}

	applied, err := c.store.Transition(ctx, n.Value, StateFresh, StateRedeemed)
	if err != nil {
		return nil, err
	}
	if !applied {
		c.appendEvent(ctx, n, ledger.ActionDenied, ReasonReplay, "")
		return nil, Deny(ReasonReplay)
	}

	eventID := c.appendEvent(ctx, n, ledger.ActionRedeemed, "", "")

	credential := ""
	if c.minter != nil {
		credential, err = c.minter.Mint(eventID, n.SiteID, n.Destination)
		if err != nil {
			// The transition is committed; the redirect is never
			// withheld for an attestation failure.
			c.logger.WithError(err).Error("attestation minting failed",
				logger.String("site_id", n.SiteID))
			credential = ""
		}
	}

	return &RedeemResult{
		Destination: n.Destination,
		Credential:  credential,
	}, nil
}

// requiresHumanProof reports whether the human-verification step runs
// for this nonce's site.
func (c *Coordinator) requiresHumanProof(n *Nonce) bool {
	return c.humans != nil && n.RequireHumanProof
}

// appendEvent writes one ledger event and returns its id, which on a
// redemption doubles as the attestation's credential id.
func (c *Coordinator) appendEvent(ctx context.Context, n *Nonce,
	action ledger.Action, reason Reason, note string) string {

	event := &ledger.Event{
		ID:            uuid.New().String(),
		Nonce:         n.Value,
		SiteID:        n.SiteID,
		Hostname:      n.Hostname,
		Action:        action,
		Reason:        string(reason),
		Note:          note,
		CorrelationID: correlation.GetCorrelationID(ctx),
		Timestamp:     c.nowFunc(),
	}
	if err := c.ledger.Append(ctx, event); err != nil {
		c.logger.WithError(err).Error("ledger append failed",
			logger.String("action", string(action)),
			logger.String("site_id", n.SiteID))
	}
	metrics.RecordLifecycleEvent(string(action), string(reason), n.Hostname)
	return event.ID
}

// keyedMutex serializes callers holding the same key while letting
// distinct keys proceed in parallel. Entries are reference counted and
// removed when the last holder releases.
type keyedMutex struct {
	mu      sync.Mutex
	entries map[string]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	if k.entries == nil {
		k.entries = make(map[string]*keyedEntry)
	}
	entry, ok := k.entries[key]
	if !ok {
		entry = &keyedEntry{}
		k.entries[key] = entry
	}
	entry.refs++
	k.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		k.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(k.entries, key)
		}
		k.mu.Unlock()
	}
}
