// Package metrics exposes Prometheus instrumentation for the pairing server:
// connection and room gauges, match and relay counters, and the health of
// the shared store.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Connections is the number of WebSocket connections on this process.
	Connections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pairchat_connections",
		Help: "Current number of WebSocket connections on this process",
	})

	// Online mirrors the last stats snapshot.
	Online = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pairchat_online_clients",
		Help: "Clients online across all processes",
	})

	// Waiting mirrors the last stats snapshot.
	Waiting = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pairchat_waiting_clients",
		Help: "Clients waiting in the match queue",
	})

	// ActiveRooms mirrors the last stats snapshot.
	ActiveRooms = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pairchat_active_rooms",
		Help: "Rooms currently tracked",
	})

	// MatchesTotal counts match outcomes: "interest", "random", "waiting",
	// "claim_lost", "already_paired".
	MatchesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pairchat_matches_total",
		Help: "Match attempts by outcome",
	}, []string{"outcome"})

	// RelayedTotal counts forwarded payloads by kind, plus "blocked" and
	// "dropped".
	RelayedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pairchat_relayed_total",
		Help: "Relayed signaling and text payloads",
	}, []string{"kind"})

	// ReportsTotal counts accepted reports; BansTotal counts bans applied.
	ReportsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pairchat_reports_total",
		Help: "Accepted abuse reports",
	})
	BansTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pairchat_bans_total",
		Help: "Bans applied after crossing the report threshold",
	})

	// RateLimitedTotal counts rejected actions by rule.
	RateLimitedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pairchat_rate_limited_total",
		Help: "Actions rejected by the rate limiter",
	}, []string{"rule"})

	// SweptRoomsTotal counts rooms torn down by the reconciliation sweeper.
	SweptRoomsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pairchat_swept_rooms_total",
		Help: "Rooms destroyed by the sweeper",
	})

	// MatchDuration records the time from find_match to matched.
	MatchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "pairchat_match_duration_seconds",
		Help:    "Time from enqueue to match",
		Buckets: []float64{.01, .1, .5, 1, 2, 5, 10, 30, 60, 300},
	})

	// StoreDegraded is 1 while the shared store is unreachable and the
	// process runs on its in-memory fallback.
	StoreDegraded = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pairchat_store_degraded",
		Help: "1 while running on the in-memory fallback store",
	})
)

func init() {
	prometheus.MustRegister(
		Connections,
		Online,
		Waiting,
		ActiveRooms,
		MatchesTotal,
		RelayedTotal,
		ReportsTotal,
		BansTotal,
		RateLimitedTotal,
		SweptRoomsTotal,
		MatchDuration,
		StoreDegraded,
	)
}

// SetStoreDegraded is a store.WithStateHook callback.
func SetStoreDegraded(degraded bool) {
	if degraded {
		StoreDegraded.Set(1)
		return
	}
	StoreDegraded.Set(0)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
