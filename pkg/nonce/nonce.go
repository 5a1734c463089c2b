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

// Package nonce implements the single-use redemption state machine. A
// nonce is minted when a protected link is rendered and redeemed at
// most once; every other path to a terminal state is a denial. The
// coordinator owns all state transitions.
package nonce

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"
)

// State is the lifecycle state of a nonce. Fresh is the only
// non-terminal state.
type State string

const (
	StateFresh    State = "fresh"
	StateRedeemed State = "redeemed"
	StateExpired  State = "expired"
	StateDenied   State = "denied"
)

// Reason identifies why a redemption was denied.
type Reason string

const (
	ReasonUnknownNonce      Reason = "unknown_nonce"
	ReasonReplay            Reason = "replay"
	ReasonExpired           Reason = "expired"
	ReasonMissingContinuity Reason = "missing_continuity"
	ReasonCSRFMismatch      Reason = "csrf_mismatch"
	ReasonTurnstileFailed   Reason = "turnstile_failed"
	ReasonSignatureMismatch Reason = "signature_mismatch"
)

var (
	// ErrNonceNotFound is returned by stores when no nonce exists for
	// a value.
	ErrNonceNotFound = errors.New("nonce: not found")

	// ErrNonceExists is returned on a value collision at creation.
	ErrNonceExists = errors.New("nonce: already exists")
)

// DenialError is the terminal outcome of a failed redemption. It
// carries the reason code that is ledgered and returned to the caller;
// it never carries the destination.
type DenialError struct {
	Reason Reason
}

func (e *DenialError) Error() string {
	return fmt.Sprintf("nonce: redemption denied: %s", e.Reason)
}

// Deny builds a denial for the given reason.
func Deny(reason Reason) *DenialError {
	return &DenialError{Reason: reason}
}

// DenialReason extracts the reason code from a redemption error,
// returning false when the error is not a denial.
func DenialReason(err error) (Reason, bool) {
	var denial *DenialError
	if errors.As(err, &denial) {
		return denial.Reason, true
	}
	return "", false
}

// Nonce is one link-visit instance. Destination is resolved at mint
// time and immutable; it is never taken from the redemption request.
type Nonce struct {
	Value             string
	ProofSeed         string
	SessionID         string
	SiteID            string
	Hostname          string
	Destination       string
	State             State
	RequireHumanProof bool
	CreatedAt         time.Time
	ExpiresAt         time.Time
}

// Expired reports whether the nonce's TTL has elapsed at the given
// instant.
func (n *Nonce) Expired(now time.Time) bool {
	return now.After(n.ExpiresAt)
}

// randomValue returns a 256-bit random value encoded for use in URLs
// and form fields.
func randomValue() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("nonce: random source failed: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
