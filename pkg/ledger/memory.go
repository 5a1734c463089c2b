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
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryLedger implements Ledger with in-memory storage. Thread-safe.
// Events are lost on process restart; use the postgres store when the
// audit trail must survive.
type MemoryLedger struct {
	mu     sync.RWMutex
	events []*Event
}

// NewMemoryLedger creates a new in-memory ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		events: make([]*Event, 0, 1024),
	}
}

// Append records an event. The stored copy is private to the ledger so
// later caller mutations cannot rewrite history.
func (m *MemoryLedger) Append(ctx context.Context, event *Event) error {
	if event == nil {
		return ErrNilEvent
	}

	stored := *event
	if stored.ID == "" {
		stored.ID = uuid.New().String()
		event.ID = stored.ID
	}
	if stored.Timestamp.IsZero() {
		stored.Timestamp = time.Now().UTC()
		event.Timestamp = stored.Timestamp
	}

	m.mu.Lock()
	m.events = append(m.events, &stored)
	m.mu.Unlock()

	return nil
}

// List returns the site's events matching the query, newest first.
func (m *MemoryLedger) List(ctx context.Context, siteID string, query *Query) ([]*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	results := make([]*Event, 0)
	for i := len(m.events) - 1; i >= 0; i-- {
		event := m.events[i]
		if event.SiteID != siteID {
			continue
		}
		if !matches(event, query) {
			continue
		}
		clone := *event
		results = append(results, &clone)
		if query != nil && query.Limit > 0 && len(results) >= query.Limit {
			break
		}
	}
	return results, nil
}

// Summarize returns counts by action and reason for the site.
func (m *MemoryLedger) Summarize(ctx context.Context, siteID string, since *time.Time) (*Summary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	summary := &Summary{
		ByAction: make(map[Action]int64),
		ByReason: make(map[string]int64),
	}
	for _, event := range m.events {
		if event.SiteID != siteID {
			continue
		}
		if since != nil && event.Timestamp.Before(*since) {
			continue
		}
		summary.Total++
		summary.ByAction[event.Action]++
		if event.Reason != "" {
			summary.ByReason[event.Reason]++
		}
	}
	return summary, nil
}
