package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	MatchesTotal   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "taxi_dispatch", Name: "matches_total", Help: "Total number of successful matches"})
	NoMatchTotal   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "taxi_dispatch", Name: "no_match_total", Help: "Match attempts that found no viable driver"})
	ClaimConflicts = promauto.NewCounter(prometheus.CounterOpts{Namespace: "taxi_dispatch", Name: "claim_conflicts_total", Help: "Driver claims lost to a concurrent match"})
	MatchLatency   = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: "taxi_dispatch", Name: "match_latency_seconds", Help: "Match latency seconds"})

	LocationUpdates       = promauto.NewCounter(prometheus.CounterOpts{Namespace: "taxi_dispatch", Name: "location_updates_total", Help: "Driver location pings accepted"})
	LocationPersistErrors = promauto.NewCounter(prometheus.CounterOpts{Namespace: "taxi_dispatch", Name: "location_persist_errors_total", Help: "Best-effort durable location writes that failed"})
	DriversTracked        = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "taxi_dispatch", Name: "drivers_tracked", Help: "Drivers currently held in the location cache"})
	SweepEvictions        = promauto.NewCounter(prometheus.CounterOpts{Namespace: "taxi_dispatch", Name: "sweep_evictions_total", Help: "Cache entries evicted by the staleness sweep"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "taxi_dispatch", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "taxi_dispatch",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
