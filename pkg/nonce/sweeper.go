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
	"time"

	"github.com/jeremyhahn/go-linkproof/pkg/adapters/logger"
	"github.com/jeremyhahn/go-linkproof/pkg/ledger"
)

// DefaultSweepInterval is how often the sweeper scans for expired
// fresh nonces when no interval is configured.
const DefaultSweepInterval = time.Minute

// Sweeper expires abandoned nonces in the background. Lazy expiry at
// redemption time and this sweep both funnel through the same
// compare-and-set, so whichever runs first wins and the other is a
// no-op; a nonce is never double-ledgered as expired.
type Sweeper struct {
	coordinator *Coordinator
	interval    time.Duration
	logger      logger.Logger
}

// NewSweeper creates a sweeper over the coordinator's store.
func NewSweeper(coordinator *Coordinator, interval time.Duration, log logger.Logger) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Sweeper{
		coordinator: coordinator,
		interval:    interval,
		logger:      log,
	}
}

// Run sweeps on the configured interval until the context is
// cancelled. It is intended to run in its own goroutine.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

// sweep expires every fresh nonce whose TTL has elapsed.
func (s *Sweeper) sweep(ctx context.Context) {
	c := s.coordinator
	now := c.nowFunc()

	expired, err := c.store.ExpiredFresh(ctx, now)
	if err != nil {
		s.logger.WithError(err).Error("expired nonce scan failed")
		return
	}

	swept := 0
	for _, n := range expired {
		unlock := c.locks.lock(n.Value)
		applied, err := c.store.Transition(ctx, n.Value, StateFresh, StateExpired)
		if err == nil && applied {
			c.appendEvent(ctx, n, ledger.ActionExpired, ReasonExpired, "TTL expired")
			swept++
		}
		unlock()
		if err != nil {
			s.logger.WithError(err).Error("expiry transition failed",
				logger.String("site_id", n.SiteID))
		}
	}

	if swept > 0 {
		s.logger.Debug("swept expired nonces", logger.Int("count", swept))
	}
}
