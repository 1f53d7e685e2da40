// Package metrics provides Prometheus metrics for snapbot.
// Counters and histograms for inbound events, submissions, platform calls,
// image downloads and health.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ─── Events ─────────────────────────────────────────────────────────────────

// EventsReceived tracks inbound platform events by kind.
var EventsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "snapbot",
	Name:      "events_total",
	Help:      "Total inbound events by kind.",
}, []string{"kind"})

// EventsDropped tracks events discarded before dispatch (duplicate, busy, bad signature).
var EventsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "snapbot",
	Name:      "events_dropped_total",
	Help:      "Total inbound events dropped before dispatch.",
}, []string{"reason"})

// DispatchLatency tracks how long one event takes to handle end to end.
var DispatchLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "snapbot",
	Name:      "dispatch_latency_seconds",
	Help:      "Event dispatch duration in seconds.",
	Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
}, []string{"kind"})

// DispatchInFlight tracks events currently being handled.
var DispatchInFlight = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "snapbot",
	Name:      "dispatch_in_flight",
	Help:      "Number of events currently being dispatched.",
})

// ─── Submissions ────────────────────────────────────────────────────────────

// Submissions tracks photo submissions by outcome
// (accepted, duplicate, malformed, expired, not_started, not_authorized, failed).
var Submissions = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "snapbot",
	Name:      "submissions_total",
	Help:      "Total photo submissions by outcome.",
}, []string{"outcome"})

// ─── Platform ───────────────────────────────────────────────────────────────

// PlatformErrors tracks failed Slack Web API calls.
var PlatformErrors = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "snapbot",
	Name:      "platform_errors_total",
	Help:      "Total failed platform API calls.",
}, []string{"method", "code"})

// PlatformLatency tracks Slack Web API call duration.
var PlatformLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "snapbot",
	Name:      "platform_call_seconds",
	Help:      "Platform API call duration in seconds.",
	Buckets:   prometheus.DefBuckets,
}, []string{"method"})

// ─── Images ─────────────────────────────────────────────────────────────────

// ImageDownloadSeconds tracks image download duration.
var ImageDownloadSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
	Namespace: "snapbot",
	Name:      "image_download_seconds",
	Help:      "Submitted image download duration in seconds.",
	Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
})

// ImageBytes tracks stored image sizes.
var ImageBytes = promauto.NewHistogram(prometheus.HistogramOpts{
	Namespace: "snapbot",
	Name:      "image_bytes",
	Help:      "Size of stored submission images in bytes.",
	Buckets:   prometheus.ExponentialBuckets(64*1024, 2, 10),
})

// ─── Roster ─────────────────────────────────────────────────────────────────

// RosterSize tracks the number of members registered by the last sync.
var RosterSize = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "snapbot",
	Name:      "roster_members",
	Help:      "Members registered by the last roster sync.",
})

// WelcomesSent tracks welcome messages by result (sent, failed).
var WelcomesSent = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "snapbot",
	Name:      "welcomes_total",
	Help:      "Total welcome messages by result.",
}, []string{"result"})

// ─── Health ─────────────────────────────────────────────────────────────────

// HealthStatus tracks health check results (1=healthy, 0=unhealthy).
var HealthStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "snapbot",
	Name:      "health_status",
	Help:      "Health check status (1=healthy, 0=unhealthy).",
}, []string{"check"})
