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
	"context"
	"time"

	"github.com/jeremyhahn/go-linkproof/pkg/adapters/logger"
	"github.com/jeremyhahn/go-linkproof/pkg/metrics"
)

// RetryingLedger wraps a Ledger so a transient append failure never
// blocks the caller: the state transition is the source of truth and
// the ledger is a derived audit trail, so the write is retried with
// backoff in the background rather than rolled back. Failures are
// always logged; the ledger never fails silently.
type RetryingLedger struct {
	Ledger

	logger   logger.Logger
	attempts int
	backoff  time.Duration
}

// NewRetryingLedger wraps a ledger with background append retry.
func NewRetryingLedger(inner Ledger, log logger.Logger) *RetryingLedger {
	return &RetryingLedger{
		Ledger:   inner,
		logger:   log,
		attempts: 5,
		backoff:  250 * time.Millisecond,
	}
}

// Append tries the write synchronously once and falls back to
// background retry with exponential backoff.
func (r *RetryingLedger) Append(ctx context.Context, event *Event) error {
	if err := r.Ledger.Append(ctx, event); err == nil {
		return nil
	} else {
		r.logger.Warn("Ledger append failed, retrying in background",
			logger.String("event_id", event.ID),
			logger.String("action", string(event.Action)),
			logger.Error(err))
	}

	go r.retry(event)
	return nil
}

// retry re-attempts the append detached from the request context.
func (r *RetryingLedger) retry(event *Event) {
	backoff := r.backoff
	for i := 0; i < r.attempts; i++ {
		time.Sleep(backoff)
		backoff *= 2

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := r.Ledger.Append(ctx, event)
		cancel()
		if err == nil {
			return
		}
		r.logger.Warn("Ledger append retry failed",
			logger.String("event_id", event.ID),
			logger.Int("attempt", i+1),
			logger.Error(err))
	}
	metrics.RecordLedgerFailure()
	r.logger.Error("Ledger append exhausted retries, event lost",
		logger.String("event_id", event.ID),
		logger.String("action", string(event.Action)),
		logger.String("nonce", event.Nonce))
}
