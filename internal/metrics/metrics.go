// Package metrics defines the Prometheus collectors exposed on /metrics.
// Collectors register on the default registry; call sites are the job
// lifecycle, the scheduler tick, the webhook dispatcher and the client
// hub.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "sceneforge"

var (
	jobTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "jobs",
		Name:      "transitions_total",
		Help:      "Job state transitions grouped by resulting status.",
	}, []string{"status"})

	dispatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "scheduler",
		Name:      "dispatches_total",
		Help:      "Dispatch attempts grouped by outcome.",
	}, []string{"outcome"})

	queueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "scheduler",
		Name:      "queue_depth",
		Help:      "Jobs per queue bucket as of the last scheduler tick.",
	}, []string{"bucket"})

	webhookDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "webhooks",
		Name:      "deliveries_total",
		Help:      "Webhook delivery attempts grouped by outcome.",
	}, []string{"outcome"})

	connectedClients = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "ws",
		Name:      "connected_clients",
		Help:      "Currently connected client WebSocket sessions.",
	})
)

// JobTransition records one completed state transition.
func JobTransition(status string) {
	jobTransitions.WithLabelValues(status).Inc()
}

// Dispatch records a dispatch attempt outcome: assigned, no_worker,
// quota_blocked or failed.
func Dispatch(outcome string) {
	dispatches.WithLabelValues(outcome).Inc()
}

// SetQueueDepth publishes the scheduler's per-tick queue snapshot.
func SetQueueDepth(queued, running, scheduled int) {
	queueDepth.WithLabelValues("queued").Set(float64(queued))
	queueDepth.WithLabelValues("running").Set(float64(running))
	queueDepth.WithLabelValues("scheduled").Set(float64(scheduled))
}

// WebhookDelivery records one delivery attempt outcome: delivered,
// retrying or failed.
func WebhookDelivery(outcome string) {
	webhookDeliveries.WithLabelValues(outcome).Inc()
}

// SetConnectedClients publishes the hub's connection count.
func SetConnectedClients(n int) {
	connectedClients.Set(float64(n))
}

// RegisterWorkerGauge exposes the bridge's connected worker count as a
// gauge evaluated at scrape time.
func RegisterWorkerGauge(count func() int) {
	promauto.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "bridge",
		Name:      "connected_workers",
		Help:      "Render workers with an open bridge session.",
	}, func() float64 {
		return float64(count())
	})
}
