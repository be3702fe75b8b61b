package broker

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the broker hub's Prometheus instrumentation. A fresh
// registry-less set of collectors is created per hub by default; callers
// that run more than one hub in a process should register each set under
// a distinct registry to avoid a duplicate-collector panic.
type Metrics struct {
	Connections         prometheus.Gauge
	Subscriptions       prometheus.Gauge
	MessagesRoutedTotal prometheus.Counter
	QueueDropsTotal     prometheus.Counter
	QuotaExceededTotal  prometheus.Counter
	TakeoversTotal      prometheus.Counter
}

// NewMetrics constructs a Metrics set. Register attaches it to a
// Prometheus registry; callers that don't care about scraping can leave
// it unregistered and the gauges/counters still work as plain
// accumulators.
func NewMetrics() *Metrics {
	return &Metrics{
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "mqtt",
			Subsystem: "broker",
			Name:      "connections",
			Help:      "Number of currently registered sessions.",
		}),
		Subscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "mqtt",
			Subsystem: "broker",
			Name:      "subscriptions",
			Help:      "Number of active topic filter subscriptions.",
		}),
		MessagesRoutedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mqtt",
			Subsystem: "broker",
			Name:      "messages_routed_total",
			Help:      "Total PUBLISH messages successfully enqueued to a subscriber.",
		}),
		QueueDropsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mqtt",
			Subsystem: "broker",
			Name:      "queue_drops_total",
			Help:      "Total QoS-0 messages dropped due to a full outbound queue.",
		}),
		QuotaExceededTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mqtt",
			Subsystem: "broker",
			Name:      "quota_exceeded_total",
			Help:      "Total subscribers disconnected for exceeding their outbound queue quota.",
		}),
		TakeoversTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mqtt",
			Subsystem: "broker",
			Name:      "session_takeovers_total",
			Help:      "Total sessions evicted by a new CONNECT sharing their client_id.",
		}),
	}
}

// Register attaches every collector in m to reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		m.Connections, m.Subscriptions, m.MessagesRoutedTotal,
		m.QueueDropsTotal, m.QuotaExceededTotal, m.TakeoversTotal,
	} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
