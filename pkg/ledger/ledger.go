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

// Package ledger is the append-only receipts store. Every nonce
// lifecycle outcome (issued, redeemed, denied, expired) is recorded as
// an Event. Events are write-once: nothing in this package updates or
// deletes a row, and nothing else may.
package ledger

import (
	"context"
	"errors"
	"time"
)

// Action categorizes a ledger event.
type Action string

const (
	ActionIssued   Action = "issued"
	ActionRedeemed Action = "redeemed"
	ActionDenied   Action = "denied"
	ActionExpired  Action = "expired"
)

var (
	// ErrNilEvent is returned when appending a nil event.
	ErrNilEvent = errors.New("ledger: event cannot be nil")

	// ErrEventNotFound is returned when an event lookup misses.
	ErrEventNotFound = errors.New("ledger: event not found")
)

// Event is a single receipts ledger entry.
type Event struct {
	// ID is the event's unique identifier. For redeemed events it is
	// also embedded in the attestation credential as the correlation id.
	ID string `json:"event_id"`

	// Nonce is the nonce value the event concerns.
	Nonce string `json:"nonce"`

	// SiteID identifies the tenant. Empty for events on unknown nonces.
	SiteID string `json:"site_id,omitempty"`

	// Hostname is the tenant hostname at event time.
	Hostname string `json:"hostname,omitempty"`

	// Action is the lifecycle outcome.
	Action Action `json:"action"`

	// Reason carries the denial reason code. Empty for issued/redeemed.
	Reason string `json:"reason,omitempty"`

	// Note is free text, e.g. "TTL expired".
	Note string `json:"note,omitempty"`

	// CorrelationID ties the event to the request that produced it.
	CorrelationID string `json:"correlation_id,omitempty"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`
}

// Query filters ledger reads. All queries are additionally scoped to a
// site by the caller.
type Query struct {
	// Actions filters by action; empty means all.
	Actions []Action

	// Since filters events at or after this time.
	Since *time.Time

	// Limit caps the number of results; 0 means no cap.
	Limit int
}

// Summary aggregates event counts over a window.
type Summary struct {
	Total    int64            `json:"total"`
	ByAction map[Action]int64 `json:"by_action"`
	ByReason map[string]int64 `json:"by_reason"`
}

// Ledger is the receipts store. Implementations must be thread-safe and
// append-only.
type Ledger interface {
	// Append records an event. Implementations never mutate existing
	// rows; an Append failure is surfaced to the caller, never swallowed.
	Append(ctx context.Context, event *Event) error

	// List returns the site's events matching the query, newest first.
	List(ctx context.Context, siteID string, query *Query) ([]*Event, error)

	// Summarize returns counts by action and reason for the site since
	// the given time (all time if nil).
	Summarize(ctx context.Context, siteID string, since *time.Time) (*Summary, error)
}

// matches reports whether an event satisfies a query.
func matches(event *Event, query *Query) bool {
	if query == nil {
		return true
	}
	if len(query.Actions) > 0 {
		found := false
		for _, a := range query.Actions {
			if event.Action == a {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if query.Since != nil && event.Timestamp.Before(*query.Since) {
		return false
	}
	return true
}
