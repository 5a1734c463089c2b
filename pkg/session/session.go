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

// Package session implements the continuity session that ties the
// browser which viewed an interstitial to the browser that later
// redeems it. Sessions live entirely in an HMAC-signed cookie; the
// server keeps no session table. A session is never mutated after
// creation, and each nonce is bound to exactly one session at mint
// time.
package session

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"
)

const (
	// CookieName is the continuity session cookie.
	CookieName = "lp_session"

	// CSRFCookieName carries the session-bound CSRF token. HttpOnly so
	// injected script cannot read it; the token also rides in the
	// rendered page, and redemption must present both.
	CSRFCookieName = "lp_csrf"
)

var (
	// ErrNoSession is returned when no valid continuity cookie is present.
	ErrNoSession = errors.New("session: no valid continuity cookie")

	// ErrBadSignature is returned when a cookie fails HMAC verification.
	ErrBadSignature = errors.New("session: cookie signature mismatch")
)

// Session is the browser-bound continuity identity.
type Session struct {
	// ID is a random, unguessable identifier.
	ID string `json:"id"`

	// Hostname is the protected hostname the session was opened for.
	Hostname string `json:"hostname"`

	// CreatedAt is the creation timestamp.
	CreatedAt time.Time `json:"created_at"`
}

// Manager issues and validates continuity sessions and their CSRF
// tokens. Cookies are signed with an HMAC-SHA256 over the payload.
type Manager struct {
	secret []byte
	maxAge time.Duration
	secure bool
}

// Config configures the session manager.
type Config struct {
	// Secret is the HMAC signing secret (required, >= 32 bytes).
	Secret []byte

	// MaxAge bounds the cookie lifetime. Defaults to 24h.
	MaxAge time.Duration

	// Secure marks cookies Secure (HTTPS-only deployments).
	Secure bool
}

// NewManager creates a session manager.
func NewManager(cfg *Config) (*Manager, error) {
	if cfg == nil || len(cfg.Secret) < 32 {
		return nil, errors.New("session: signing secret of at least 32 bytes is required")
	}
	maxAge := cfg.MaxAge
	if maxAge == 0 {
		maxAge = 24 * time.Hour
	}
	return &Manager{
		secret: cfg.Secret,
		maxAge: maxAge,
		secure: cfg.Secure,
	}, nil
}

// OpenOrReuse returns the session carried by the request cookies if it
// is valid for the hostname, otherwise mints a new one and sets the
// continuity and CSRF cookies. The returned bool reports whether an
// existing session was reused.
func (m *Manager) OpenOrReuse(w http.ResponseWriter, r *http.Request, hostname string) (*Session, bool, error) {
	if sess, err := m.FromRequest(r); err == nil && sess.Hostname == hostname {
		return sess, true, nil
	}

	id, err := randomID()
	if err != nil {
		return nil, false, err
	}
	sess := &Session{
		ID:        id,
		Hostname:  hostname,
		CreatedAt: time.Now().UTC(),
	}

	payload, err := json.Marshal(sess)
	if err != nil {
		return nil, false, err
	}
	value := base64.RawURLEncoding.EncodeToString(payload) + "." + m.sign(payload)

	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    value,
		Path:     "/",
		MaxAge:   int(m.maxAge.Seconds()),
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: http.SameSiteLaxMode,
	})
	http.SetCookie(w, &http.Cookie{
		Name:     CSRFCookieName,
		Value:    m.CSRFToken(sess),
		Path:     "/",
		MaxAge:   int(m.maxAge.Seconds()),
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: http.SameSiteLaxMode,
	})

	return sess, false, nil
}

// FromRequest extracts and verifies the continuity session from request
// cookies without setting anything.
func (m *Manager) FromRequest(r *http.Request) (*Session, error) {
	cookie, err := r.Cookie(CookieName)
	if err != nil {
		return nil, ErrNoSession
	}

	parts := strings.SplitN(cookie.Value, ".", 2)
	if len(parts) != 2 {
		return nil, ErrBadSignature
	}

	payload, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, ErrBadSignature
	}
	if subtle.ConstantTimeCompare([]byte(m.sign(payload)), []byte(parts[1])) != 1 {
		return nil, ErrBadSignature
	}

	var sess Session
	if err := json.Unmarshal(payload, &sess); err != nil {
		return nil, ErrBadSignature
	}
	if sess.ID == "" {
		return nil, ErrNoSession
	}
	if time.Since(sess.CreatedAt) > m.maxAge {
		return nil, ErrNoSession
	}
	return &sess, nil
}

// CSRFToken derives the CSRF token bound to a session. Deterministic,
// so validation is a recompute instead of a lookup.
func (m *Manager) CSRFToken(sess *Session) string {
	mac := hmac.New(sha256.New, m.secret)
	mac.Write([]byte("csrf:" + sess.ID))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// ValidateCSRF checks a submitted CSRF token against the session in
// constant time.
func (m *Manager) ValidateCSRF(sess *Session, submitted string) bool {
	if sess == nil || submitted == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(m.CSRFToken(sess)), []byte(submitted)) == 1
}

// sign computes the cookie HMAC.
func (m *Manager) sign(payload []byte) string {
	mac := hmac.New(sha256.New, m.secret)
	mac.Write(payload)
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// randomID returns a 256-bit random identifier.
func randomID() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
