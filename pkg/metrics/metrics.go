// Package metrics holds the Prometheus collectors of the engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "argus"

var (
	QueriesDeployed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queries_deployed_total",
			Help:      "Total query deployments by mode and status.",
		},
		[]string{"mode", "status"},
	)
	PartitionsCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "partitions_created_total",
			Help:      "Total partition clones created by query.",
		},
		[]string{"query"},
	)
	PartitionsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "partitions_active",
			Help:      "Live partition clones by query.",
		},
		[]string{"query"},
	)
	EventsDispatched = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dispatched_total",
			Help:      "Total events dispatched to partition clones by query.",
		},
		[]string{"query"},
	)
	DispatchErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_errors_total",
			Help:      "Total failed partition dispatches by query.",
		},
		[]string{"query"},
	)
	TransportMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transport_messages_total",
			Help:      "NATS messages by direction and status.",
		},
		[]string{"direction", "status"},
	)
	ArchivedBatches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "archived_batches_total",
			Help:      "Event batches written to blob storage by status.",
		},
		[]string{"status"},
	)
)

func init() {
	prometheus.MustRegister(
		QueriesDeployed,
		PartitionsCreated,
		PartitionsActive,
		EventsDispatched,
		DispatchErrors,
		TransportMessages,
		ArchivedBatches,
	)
}

// Status returns the status label for err.
func Status(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
