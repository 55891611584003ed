package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const defaultService = "omemostore"

var (
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"service", "method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"service", "method", "path"},
	)

	// HTTPRequestsTotal and HTTPRequestDurationSeconds carry the service label
	// already; callers supply method, path (and status).
	HTTPRequestsTotal          = httpRequests.MustCurryWith(prometheus.Labels{"service": defaultService})
	HTTPRequestDurationSeconds = httpDuration.MustCurryWith(prometheus.Labels{"service": defaultService})

	LifecycleOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "omemo_lifecycle_operations_total",
			Help: "Lifecycle operations by outcome.",
		},
		[]string{"operation", "result"},
	)

	PreKeysGeneratedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "omemo_prekeys_generated_total",
			Help: "One-time pre-keys generated.",
		},
	)

	CorruptedKeysTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "omemo_corrupted_keys_total",
			Help: "Stored key records that failed to decode.",
		},
		[]string{"kind"},
	)

	RecordsPurgedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "omemo_records_purged_total",
			Help: "Rows removed by account purges, by record kind.",
		},
		[]string{"kind"},
	)
)

var registerOnce sync.Once

// MustRegister curries the HTTP metrics with the service name and registers
// everything with the default registry. Later calls are no-ops.
func MustRegister(serviceName string) {
	registerOnce.Do(func() {
		HTTPRequestsTotal = httpRequests.MustCurryWith(prometheus.Labels{"service": serviceName})
		HTTPRequestDurationSeconds = httpDuration.MustCurryWith(prometheus.Labels{"service": serviceName})

		prometheus.MustRegister(
			httpRequests,
			httpDuration,
			LifecycleOperationsTotal,
			PreKeysGeneratedTotal,
			CorruptedKeysTotal,
			RecordsPurgedTotal,
		)
	})
}

// ObserveOperation counts one lifecycle operation.
func ObserveOperation(operation string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	LifecycleOperationsTotal.WithLabelValues(operation, result).Inc()
}
