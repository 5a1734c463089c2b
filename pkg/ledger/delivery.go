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

package ledger

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"time"

	"github.com/jeremyhahn/go-linkproof/pkg/adapters/logger"
)

// Deliverer pushes ledger events to an external receiver (CRM,
// webhook). Delivery is fire-and-forget: a failure must never affect
// the redemption decision or the ledger write that triggered it.
type Deliverer interface {
	Deliver(event *Event)
}

// NopDeliverer discards events.
type NopDeliverer struct{}

// Deliver does nothing.
func (NopDeliverer) Deliver(event *Event) {}

// WebhookDeliverer POSTs events as JSON to a configured endpoint,
// signing the body with HMAC-SHA256 so the receiver can authenticate
// the origin.
type WebhookDeliverer struct {
	url    string
	secret []byte
	client *http.Client
	logger logger.Logger
}

// SignatureHeader carries the hex HMAC-SHA256 of the request body.
const SignatureHeader = "X-Linkproof-Signature"

// NewWebhookDeliverer creates a webhook deliverer.
func NewWebhookDeliverer(url string, secret []byte, log logger.Logger) *WebhookDeliverer {
	return &WebhookDeliverer{
		url:    url,
		secret: secret,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: log,
	}
}

// Deliver posts the event in a detached goroutine. Best effort only.
func (d *WebhookDeliverer) Deliver(event *Event) {
	clone := *event
	go d.post(&clone)
}

func (d *WebhookDeliverer) post(event *Event) {
	body, err := json.Marshal(event)
	if err != nil {
		d.logger.Warn("Receipt delivery marshal failed", logger.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(body))
	if err != nil {
		d.logger.Warn("Receipt delivery request failed", logger.Error(err))
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if len(d.secret) > 0 {
		mac := hmac.New(sha256.New, d.secret)
		mac.Write(body)
		req.Header.Set(SignatureHeader, hex.EncodeToString(mac.Sum(nil)))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		d.logger.Warn("Receipt delivery failed",
			logger.String("event_id", event.ID),
			logger.Error(err))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		d.logger.Warn("Receipt delivery rejected",
			logger.String("event_id", event.ID),
			logger.Int("status", resp.StatusCode))
	}
}

// DeliveringLedger decorates a Ledger so every successful append also
// fans out to a Deliverer.
type DeliveringLedger struct {
	Ledger

	deliverer Deliverer
}

// NewDeliveringLedger wraps a ledger with best-effort delivery.
func NewDeliveringLedger(inner Ledger, deliverer Deliverer) *DeliveringLedger {
	return &DeliveringLedger{Ledger: inner, deliverer: deliverer}
}

// Append records the event and, on success, hands it to the deliverer.
func (d *DeliveringLedger) Append(ctx context.Context, event *Event) error {
	if err := d.Ledger.Append(ctx, event); err != nil {
		return err
	}
	d.deliverer.Deliver(event)
	return nil
}
