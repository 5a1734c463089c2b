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

package attestation

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// Verifier validates credentials minted by a Minter. It shares the
// minter's key ring, so rotation is transparent to verification.
type Verifier struct {
	minter *Minter
}

// NewVerifier creates a verifier backed by the minter's key ring.
func NewVerifier(minter *Minter) *Verifier {
	return &Verifier{minter: minter}
}

// Verify parses and validates a credential, returning its claims.
// Expired credentials, credentials signed by an unknown key, and
// credentials using any algorithm other than EdDSA are rejected.
func (v *Verifier) Verify(credential string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(credential, claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, fmt.Errorf("%w: unexpected signing method %s",
				ErrInvalidCredential, token.Method.Alg())
		}
		kid, ok := token.Header["kid"].(string)
		if !ok {
			return nil, fmt.Errorf("%w: missing key id", ErrInvalidCredential)
		}
		return v.minter.publicKey(kid)
	},
		jwt.WithIssuer(v.minter.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithValidMethods([]string{"EdDSA"}))
	if err != nil {
		if errors.Is(err, ErrUnknownKey) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}
	if !token.Valid {
		return nil, ErrInvalidCredential
	}
	return claims, nil
}
