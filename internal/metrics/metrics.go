// Package metrics holds the prometheus collectors of the IDR pipeline.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for stage executions. A nil *Metrics is a
// valid no-op.
type Metrics struct {
	// Upstream match API requests by api and HTTP status
	APIRequests *prometheus.CounterVec

	// Upstream match API latency by api
	APILatency *prometheus.HistogramVec

	// Entity settlements by try and final state
	EntityOutcomes *prometheus.CounterVec

	// Time to settle one chunk of entities
	ChunkDuration prometheus.Histogram

	// Error-ledger rows written by api
	APIErrors *prometheus.CounterVec
}

// New registers the pipeline collectors with reg. Pass
// prometheus.DefaultRegisterer in production and a fresh registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		APIRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "apihub_idr_api_requests_total",
			Help: "Match API requests by api and HTTP status",
		}, []string{"api", "status"}),

		APILatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "apihub_idr_api_request_duration_seconds",
			Help:    "Duration of match API requests including rate-limit wait",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"api"}),

		EntityOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "apihub_idr_entity_outcomes_total",
			Help: "Entity settlements by try and state",
		}, []string{"try", "state"}),

		ChunkDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "apihub_idr_chunk_duration_seconds",
			Help:    "Duration of one chunk settlement",
			Buckets: []float64{0.5, 1, 5, 10, 30, 60, 120, 300},
		}),

		APIErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "apihub_idr_api_errors_total",
			Help: "Error ledger rows written by api",
		}, []string{"api"}),
	}
}

// ObserveRequest records one upstream request. status 0 means transport failure.
func (m *Metrics) ObserveRequest(api string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.APIRequests.WithLabelValues(api, strconv.Itoa(status)).Inc()
	m.APILatency.WithLabelValues(api).Observe(d.Seconds())
}

// IncrementOutcome records one entity settlement.
func (m *Metrics) IncrementOutcome(try, state string) {
	if m != nil {
		m.EntityOutcomes.WithLabelValues(try, state).Inc()
	}
}

// ObserveChunk records the settlement duration of one chunk.
func (m *Metrics) ObserveChunk(d time.Duration) {
	if m != nil {
		m.ChunkDuration.Observe(d.Seconds())
	}
}

// IncrementAPIError records one error-ledger row.
func (m *Metrics) IncrementAPIError(api string) {
	if m != nil {
		m.APIErrors.WithLabelValues(api).Inc()
	}
}
