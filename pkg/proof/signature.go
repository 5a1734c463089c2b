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

// Package proof verifies the redemption proofs: the page-binding
// signature and the external human-verification verdict. Pure
// functions and a call-out capability; no persisted state.
package proof

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
)

// Signature computes the redemption signature over the session, nonce
// and proof seed. The proof seed is only ever exposed in the one
// rendering of the interstitial, so a matching signature proves the
// redeeming browser saw that rendering under that session.
func Signature(sessionID, nonce, proofSeed string) string {
	sum := sha256.Sum256([]byte(sessionID + ":" + nonce + ":" + proofSeed))
	return hex.EncodeToString(sum[:])
}

// VerifySignature recomputes the expected signature and compares it to
// the submission in constant time.
func VerifySignature(sessionID, nonce, proofSeed, submitted string) bool {
	expected := Signature(sessionID, nonce, proofSeed)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(submitted)) == 1
}
