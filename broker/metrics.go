package broker

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the broker's Prometheus instrumentation. Registered against
// a private registry rather than prometheus.DefaultRegisterer so multiple
// Broker instances (e.g. in tests) never collide on metric registration.
type Metrics struct {
	registry *prometheus.Registry

	ConnectionsActive  prometheus.Gauge
	ConnectionsTotal   prometheus.Counter
	SessionsActive     prometheus.Gauge
	SubscriptionsTotal prometheus.Gauge
	PublishesRouted    prometheus.Counter
	PublishesDropped   *prometheus.CounterVec
	QueueDepth         prometheus.Gauge
	ClusterClientNodes prometheus.Gauge
	ClusterTopicNodes  prometheus.Gauge
	StoreOpDuration    *prometheus.HistogramVec
	StoreOpErrors      *prometheus.CounterVec
}

// NewMetrics constructs and registers every broker metric.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		ConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "axmq", Name: "connections_active", Help: "Currently connected clients.",
		}),
		ConnectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "axmq", Name: "connections_total", Help: "Total accepted connections.",
		}),
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "axmq", Name: "sessions_active", Help: "Sessions currently held in memory.",
		}),
		SubscriptionsTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "axmq", Name: "subscriptions_total", Help: "Total active subscriptions.",
		}),
		PublishesRouted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "axmq", Name: "publishes_routed_total", Help: "PUBLISH packets accepted into the router.",
		}),
		PublishesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "axmq", Name: "publishes_dropped_total", Help: "Publishes dropped by outcome reason.",
		}, []string{"reason"}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "axmq", Name: "offline_queue_depth", Help: "Sum of offline queue depth across clients sampled at scrape time.",
		}),
		ClusterClientNodes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "axmq", Name: "cluster_client_map_size", Help: "Entries in the replicated clientId->nodeId map.",
		}),
		ClusterTopicNodes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "axmq", Name: "cluster_topic_filters", Help: "Distinct topic filters in the replicated topic->nodeSet map.",
		}),
		StoreOpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "axmq", Name: "store_op_duration_seconds", Help: "Store operation latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"store", "op"}),
		StoreOpErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "axmq", Name: "store_op_errors_total", Help: "Store operation errors by backend and op.",
		}, []string{"store", "op"}),
	}

	reg.MustRegister(
		m.ConnectionsActive, m.ConnectionsTotal, m.SessionsActive, m.SubscriptionsTotal,
		m.PublishesRouted, m.PublishesDropped, m.QueueDepth, m.ClusterClientNodes,
		m.ClusterTopicNodes, m.StoreOpDuration, m.StoreOpErrors,
	)

	return m
}

// ObserveStoreOp records the latency and, on error, the failure count for a
// single store round trip.
func (m *Metrics) ObserveStoreOp(store, op string, seconds float64, err error) {
	m.StoreOpDuration.WithLabelValues(store, op).Observe(seconds)
	if err != nil {
		m.StoreOpErrors.WithLabelValues(store, op).Inc()
	}
}

// Handler returns the HTTP handler serving this registry's metrics in the
// Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve starts a small HTTP server exposing /metrics and blocks until ctx
// is cancelled.
func Serve(ctx context.Context, addr string, m *Metrics) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	srv := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		return srv.Close()
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
