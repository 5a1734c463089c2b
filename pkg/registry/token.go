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
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

// Site Access Tokens are "sat_<siteID>_<secret>". Embedding the site ID
// lets Authenticate verify a single argon2 hash instead of scanning
// every tenant. Only the secret half is hashed.
const tokenPrefix = "sat"

// Argon2id parameters for access token hashing.
const (
	argonTime    = 1
	argonMemory  = 64 * 1024 // KiB
	argonThreads = 4
	argonKeyLen  = 32
	argonSaltLen = 16
)

// NewAccessToken generates a plaintext Site Access Token for the given
// site and the argon2id hash to retain.
func NewAccessToken(siteID string) (plaintext, hash string, err error) {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return "", "", fmt.Errorf("failed to generate access token: %w", err)
	}

	encoded := base64.RawURLEncoding.EncodeToString(secret)
	plaintext = fmt.Sprintf("%s_%s_%s", tokenPrefix, siteID, encoded)

	hash, err = HashSecret(encoded)
	if err != nil {
		return "", "", err
	}
	return plaintext, hash, nil
}

// ParseAccessToken splits a plaintext token into site ID and secret.
func ParseAccessToken(token string) (siteID, secret string, err error) {
	parts := strings.SplitN(token, "_", 3)
	if len(parts) != 3 || parts[0] != tokenPrefix || parts[1] == "" || parts[2] == "" {
		return "", "", ErrInvalidToken
	}
	return parts[1], parts[2], nil
}

// HashSecret derives an argon2id hash of a token secret, encoded with
// its salt as "argon2id$<salt>$<digest>".
func HashSecret(secret string) (string, error) {
	salt := make([]byte, argonSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}

	digest := argon2.IDKey([]byte(secret), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
	return fmt.Sprintf("argon2id$%s$%s",
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(digest)), nil
}

// VerifySecret checks a token secret against a stored hash in constant
// time.
func VerifySecret(secret, hash string) bool {
	parts := strings.SplitN(hash, "$", 3)
	if len(parts) != 3 || parts[0] != "argon2id" {
		return false
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[1])
	if err != nil {
		return false
	}
	want, err := base64.RawStdEncoding.DecodeString(parts[2])
	if err != nil {
		return false
	}

	got := argon2.IDKey([]byte(secret), salt, argonTime, argonMemory, argonThreads, uint32(len(want)))
	return subtle.ConstantTimeCompare(got, want) == 1
}
