package cachefirst

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// Request results, used as the "result" label.
const (
	resultHit    = "hit"
	resultMiss   = "miss"
	resultBypass = "bypass"
	resultMethod = "method"
)

type metrics struct {
	requests      *prometheus.CounterVec
	fetchErrors   prometheus.Counter
	storeWrites   *prometheus.CounterVec
	evictions     prometheus.Counter
	storesDeleted prometheus.Counter
}

func newMetrics(reg prometheus.Registerer, logger zerolog.Logger) *metrics {
	m := &metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cachefirst",
			Name:      "requests_total",
			Help:      "Handled requests by result (hit, miss, bypass, method).",
		}, []string{"result"}),
		fetchErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cachefirst",
			Name:      "fetch_errors_total",
			Help:      "Network fetches that failed without a stored response to fall back on.",
		}),
		storeWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cachefirst",
			Name:      "store_writes_total",
			Help:      "Background store writes by outcome (ok, error, incomplete).",
		}, []string{"outcome"}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cachefirst",
			Name:      "evictions_total",
			Help:      "Entries removed to keep the active store within its bound.",
		}),
		storesDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cachefirst",
			Name:      "stores_deleted_total",
			Help:      "Obsolete generation stores deleted during activation.",
		}),
	}
	if reg != nil {
		for _, c := range []prometheus.Collector{m.requests, m.fetchErrors, m.storeWrites, m.evictions, m.storesDeleted} {
			if err := reg.Register(c); err != nil {
				logger.Warn().Err(err).Msg("Could not register metric")
			}
		}
	}
	return m
}
