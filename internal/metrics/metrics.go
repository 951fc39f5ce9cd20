// Package metrics defines the broker's Prometheus metrics. They register with
// the default registry on import and are served on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "broker"

// ── Connection metrics ────────────────────────────────────────────────────────

// ConnectionsActive tracks admitted connections.
// Label:
//   - role: console, desktop, web or api
var ConnectionsActive = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "connections_active",
		Help:      "Current number of admitted connections, by role.",
	},
	[]string{"role"},
)

// AdmissionsTotal counts admission outcomes.
// Labels:
//   - role: the declared role, or "unknown"
//   - result: "admitted" or "rejected"
var AdmissionsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "admissions_total",
		Help:      "Total number of connection admission attempts, by role and result.",
	},
	[]string{"role", "result"},
)

// EvictionsTotal counts web entries replaced by a newer connection of the same user.
var EvictionsTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "web_evictions_total",
		Help:      "Total number of web entries evicted by a newer connection for the same user.",
	},
)

// StatusNoticesTotal counts console-status notices delivered to web peers.
// Label:
//   - online: "true" or "false"
var StatusNoticesTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "status_notices_total",
		Help:      "Total number of console-status notices delivered, by transition.",
	},
	[]string{"online"},
)

// ── Relay metrics ─────────────────────────────────────────────────────────────

// SessionsActive tracks open terminal sessions.
var SessionsActive = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "terminal_sessions_active",
		Help:      "Current number of open terminal sessions.",
	},
)

// SessionsClosedTotal counts terminal session teardowns.
// Label:
//   - reason: the session end reason (e.g. "web-disconnect", "superseded")
var SessionsClosedTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "terminal_sessions_closed_total",
		Help:      "Total number of terminal sessions closed, by end reason.",
	},
	[]string{"reason"},
)

// RelayedFramesTotal counts frames forwarded by terminal sessions.
// Label:
//   - event: the relayed event name
var RelayedFramesTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "relayed_frames_total",
		Help:      "Total number of frames forwarded between session peers, by event.",
	},
	[]string{"event"},
)

// ── Operation metrics ─────────────────────────────────────────────────────────

// OperationsTotal counts dispatcher operations.
// Labels:
//   - operation: e.g. "get-status", "shutdown", "open-terminal-session"
//   - result: "ok", "unavailable", "timeout", "forbidden" or "error"
var OperationsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "operations_total",
		Help:      "Total number of dispatched operations, by operation and result.",
	},
	[]string{"operation", "result"},
)

// PeerRequestDuration measures how long peers take to answer requests.
// Label:
//   - event: the request event
var PeerRequestDuration = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "peer_request_duration_seconds",
		Help:      "Duration from sending a request frame to receiving its reply.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"event"},
)

// HTTPRequestsTotal counts HTTP requests handled by the router.
// Labels:
//   - method, route, status
var HTTPRequestsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "Total number of HTTP requests, by method, route and status code.",
	},
	[]string{"method", "route", "status"},
)
