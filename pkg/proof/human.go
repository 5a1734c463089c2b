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

package proof

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jeremyhahn/go-linkproof/pkg/adapters/logger"
)

// HumanVerifier validates a human-verification challenge token. The
// widget itself is an external collaborator; only the verdict is
// consumed here.
type HumanVerifier interface {
	// Verify returns true only on a positive verdict from the
	// challenge service. Any transport error, timeout, or malformed
	// response is a negative verdict: the verifier fails closed.
	Verify(ctx context.Context, token, remoteIP string) bool
}

// DefaultTurnstileEndpoint is Cloudflare's siteverify endpoint.
const DefaultTurnstileEndpoint = "https://challenges.cloudflare.com/turnstile/v0/siteverify"

// TurnstileVerifier verifies Cloudflare Turnstile tokens.
type TurnstileVerifier struct {
	secret   string
	endpoint string
	client   *http.Client
	logger   logger.Logger
}

// TurnstileConfig configures the Turnstile verifier.
type TurnstileConfig struct {
	// Secret is the site's Turnstile secret key (required).
	Secret string

	// Endpoint overrides the siteverify URL (tests).
	Endpoint string

	// Timeout bounds the verification call. Defaults to 5s. A timeout
	// is a denial, not a retryable condition.
	Timeout time.Duration

	// Logger for verification failures.
	Logger logger.Logger
}

// NewTurnstileVerifier creates a Turnstile verifier.
func NewTurnstileVerifier(cfg *TurnstileConfig) *TurnstileVerifier {
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = DefaultTurnstileEndpoint
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	return &TurnstileVerifier{
		secret:   cfg.Secret,
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
		logger:   cfg.Logger,
	}
}

// Verify posts the token to siteverify and returns the verdict.
func (t *TurnstileVerifier) Verify(ctx context.Context, token, remoteIP string) bool {
	if token == "" {
		return false
	}

	form := url.Values{}
	form.Set("secret", t.secret)
	form.Set("response", token)
	if remoteIP != "" {
		form.Set("remoteip", remoteIP)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint,
		strings.NewReader(form.Encode()))
	if err != nil {
		return false
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := t.client.Do(req)
	if err != nil {
		t.logger.Warn("Human verification call failed", logger.Error(err))
		return false
	}
	defer resp.Body.Close()

	var verdict struct {
		Success    bool     `json:"success"`
		ErrorCodes []string `json:"error-codes"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&verdict); err != nil {
		t.logger.Warn("Human verification response malformed", logger.Error(err))
		return false
	}
	if !verdict.Success {
		t.logger.Debug("Human verification rejected",
			logger.Any("error_codes", verdict.ErrorCodes))
	}
	return verdict.Success
}

// StaticVerifier returns a fixed verdict. Test helper.
type StaticVerifier bool

// Verify returns the fixed verdict.
func (s StaticVerifier) Verify(ctx context.Context, token, remoteIP string) bool {
	return bool(s)
}
