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

// Package metrics provides Prometheus instrumentation for the link
// redemption gateway. It tracks lifecycle outcomes, redemption
// latencies, and HTTP request metrics.
package metrics

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	// Namespace is the Prometheus namespace for all gateway metrics
	Namespace = "linkproof"

	// Label names
	LabelAction     = "action"
	LabelReason     = "reason"
	LabelHostname   = "hostname"
	LabelMethod     = "method"
	LabelStatusCode = "status_code"
)

var (
	// LifecycleEventsTotal counts nonce lifecycle outcomes by action and
	// reason code. Issued and redeemed events carry an empty reason.
	LifecycleEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "lifecycle_events_total",
			Help:      "Total nonce lifecycle events by action, reason, and hostname",
		},
		[]string{LabelAction, LabelReason, LabelHostname},
	)

	// RedeemDuration tracks end-to-end redemption handling latency in
	// seconds, including the external human-verification call.
	RedeemDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "redeem_duration_seconds",
			Help:      "Duration of redemption requests in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
	)

	// LedgerAppendFailuresTotal counts ledger writes that failed after
	// all retries.
	LedgerAppendFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "ledger_append_failures_total",
			Help:      "Total ledger append operations that exhausted retries",
		},
	)

	// HTTPRequestsTotal tracks the total number of HTTP requests by method and status code.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests by method and status code",
		},
		[]string{LabelMethod, LabelStatusCode},
	)

	// HTTPRequestDuration tracks the duration of HTTP requests in seconds.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{LabelMethod},
	)

	// ActiveRequests tracks in-flight HTTP requests.
	ActiveRequests = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "http",
			Name:      "active_requests",
			Help:      "Number of HTTP requests currently being served",
		},
	)

	enabled atomic.Bool
)

func init() {
	enabled.Store(true)
}

// RecordLifecycleEvent increments the lifecycle counter for one
// outcome.
func RecordLifecycleEvent(action, reason, hostname string) {
	if !IsEnabled() {
		return
	}
	LifecycleEventsTotal.WithLabelValues(action, reason, hostname).Inc()
}

// RecordRedeemDuration observes one redemption's handling latency.
func RecordRedeemDuration(seconds float64) {
	if !IsEnabled() {
		return
	}
	RedeemDuration.Observe(seconds)
}

// RecordLedgerFailure increments the exhausted-retry counter.
func RecordLedgerFailure() {
	if !IsEnabled() {
		return
	}
	LedgerAppendFailuresTotal.Inc()
}

// RecordHTTPRequest records one completed HTTP request.
func RecordHTTPRequest(method, statusCode string, duration float64) {
	if !IsEnabled() {
		return
	}
	HTTPRequestsTotal.WithLabelValues(method, statusCode).Inc()
	HTTPRequestDuration.WithLabelValues(method).Observe(duration)
}

// Enable turns metric recording on.
func Enable() {
	enabled.Store(true)
}

// Disable turns metric recording off. Collectors stay registered but
// the Record helpers become no-ops.
func Disable() {
	enabled.Store(false)
}

// IsEnabled reports whether metric recording is active.
func IsEnabled() bool {
	return enabled.Load()
}
