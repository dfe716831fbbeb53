package gateway

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metricsOnce ensures metrics are only registered once.
var metricsOnce sync.Once

// metricsInstance is the singleton gateway metrics.
var metricsInstance *Metrics

// Metrics holds all Prometheus metrics for the gateway.
type Metrics struct {
	RequestsTotal   *prometheus.CounterVec   // groupvault_requests_total{operation,status}
	RequestDuration *prometheus.HistogramVec // groupvault_request_duration_seconds{operation}

	GrantsIssued *prometheus.CounterVec // groupvault_grants_issued_total{kind}
	NameProbes   prometheus.Counter     // groupvault_name_probes_total

	ArchivesTotal prometheus.Counter // groupvault_archives_total
	PurgesTotal   prometheus.Counter // groupvault_purges_total
}

// InitMetrics initializes gateway metrics. Metrics are registered once;
// subsequent calls return the same instance.
func InitMetrics(registry prometheus.Registerer) *Metrics {
	metricsOnce.Do(func() {
		if registry == nil {
			registry = prometheus.DefaultRegisterer
		}
		metricsInstance = &Metrics{
			RequestsTotal: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
				Name: "groupvault_requests_total",
				Help: "Total gateway requests by operation and status",
			}, []string{"operation", "status"}),

			RequestDuration: promauto.With(registry).NewHistogramVec(prometheus.HistogramOpts{
				Name:    "groupvault_request_duration_seconds",
				Help:    "Gateway request duration in seconds",
				Buckets: prometheus.DefBuckets,
			}, []string{"operation"}),

			GrantsIssued: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
				Name: "groupvault_grants_issued_total",
				Help: "Signed URL grants issued by kind",
			}, []string{"kind"}),

			NameProbes: promauto.With(registry).NewCounter(prometheus.CounterOpts{
				Name: "groupvault_name_probes_total",
				Help: "Existence probes performed for unique naming",
			}),

			ArchivesTotal: promauto.With(registry).NewCounter(prometheus.CounterOpts{
				Name: "groupvault_archives_total",
				Help: "Objects archived",
			}),

			PurgesTotal: promauto.With(registry).NewCounter(prometheus.CounterOpts{
				Name: "groupvault_purges_total",
				Help: "Objects purged",
			}),
		}
	})
	return metricsInstance
}

// RecordRequest records one API request.
func (m *Metrics) RecordRequest(operation, status string, durationSeconds float64) {
	m.RequestsTotal.WithLabelValues(operation, status).Inc()
	m.RequestDuration.WithLabelValues(operation).Observe(durationSeconds)
}

// RecordGrant records one issued grant.
func (m *Metrics) RecordGrant(kind string) {
	m.GrantsIssued.WithLabelValues(kind).Inc()
}
