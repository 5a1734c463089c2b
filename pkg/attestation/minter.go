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

// Package attestation mints and verifies the short-lived signed
// credential produced by a successful redemption. The credential is a
// bearer value handed to the caller on the redirect; it is never
// persisted, and downstream services can verify it offline.
package attestation

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	// ErrInvalidCredential is returned when a credential fails
	// verification for any reason.
	ErrInvalidCredential = errors.New("attestation: invalid credential")

	// ErrUnknownKey is returned when a credential was signed by a key
	// this verifier has never held.
	ErrUnknownKey = errors.New("attestation: unknown signing key")
)

// Claims asserts that a destination was legitimately redeemed. The JWT
// ID (jti) is the ledger event id of the redemption.
type Claims struct {
	jwt.RegisteredClaims

	SiteID      string `json:"site_id"`
	Destination string `json:"dest"`
}

// retiredKey is a previous signing key kept for verification until
// every credential it signed has expired.
type retiredKey struct {
	public    ed25519.PublicKey
	retiredAt time.Time
}

// Minter signs redemption attestations with an Ed25519 key held only
// by this component. Rotation retires the current key but keeps its
// public half so outstanding credentials stay verifiable for their
// maximum lifetime.
type Minter struct {
	mu      sync.RWMutex
	keyID   string
	private ed25519.PrivateKey
	retired map[string]retiredKey

	issuer string
	ttl    time.Duration
}

// Config configures the minter.
type Config struct {
	// Issuer is the iss claim. Defaults to "linkproof".
	Issuer string

	// TTL is the credential lifetime. Defaults to 5 minutes.
	TTL time.Duration

	// PrivateKey seeds the signer. Generated if nil.
	PrivateKey ed25519.PrivateKey
}

// NewMinter creates a minter, generating a signing key if none is
// provided.
func NewMinter(cfg *Config) (*Minter, error) {
	if cfg == nil {
		cfg = &Config{}
	}

	private := cfg.PrivateKey
	if private == nil {
		_, generated, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("attestation: key generation failed: %w", err)
		}
		private = generated
	}

	issuer := cfg.Issuer
	if issuer == "" {
		issuer = "linkproof"
	}
	ttl := cfg.TTL
	if ttl == 0 {
		ttl = 5 * time.Minute
	}

	return &Minter{
		keyID:   uuid.New().String(),
		private: private,
		retired: make(map[string]retiredKey),
		issuer:  issuer,
		ttl:     ttl,
	}, nil
}

// Mint issues a signed credential asserting that the destination was
// redeemed for the given ledger event id.
func (m *Minter) Mint(eventID, siteID, destination string) (string, error) {
	m.mu.RLock()
	keyID, private := m.keyID, m.private
	m.mu.RUnlock()

	now := time.Now().UTC()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        eventID,
			Issuer:    m.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
		},
		SiteID:      siteID,
		Destination: destination,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	token.Header["kid"] = keyID

	signed, err := token.SignedString(private)
	if err != nil {
		return "", fmt.Errorf("attestation: signing failed: %w", err)
	}
	return signed, nil
}

// Rotate swaps in a fresh signing key. The outgoing public key is
// retained so credentials signed under it verify until they expire;
// keys retired longer than the credential lifetime ago are pruned.
func (m *Minter) Rotate() error {
	_, private, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("attestation: key generation failed: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	m.retired[m.keyID] = retiredKey{
		public:    m.private.Public().(ed25519.PublicKey),
		retiredAt: now,
	}
	for kid, retired := range m.retired {
		if now.Sub(retired.retiredAt) > m.ttl {
			delete(m.retired, kid)
		}
	}

	m.keyID = uuid.New().String()
	m.private = private
	return nil
}

// publicKey resolves a key id to a verification key, consulting the
// current key and then the retired set.
func (m *Minter) publicKey(kid string) (ed25519.PublicKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if kid == m.keyID {
		return m.private.Public().(ed25519.PublicKey), nil
	}
	if retired, ok := m.retired[kid]; ok {
		return retired.public, nil
	}
	return nil, ErrUnknownKey
}
