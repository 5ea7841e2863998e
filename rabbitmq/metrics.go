package rabbitmq

import "github.com/prometheus/client_golang/prometheus"

var (
	connectAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fanout_connect_attempts_total",
			Help: "Number of broker connection attempts by result.",
		},
		[]string{"result"},
	)
	connectionState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fanout_connection_state",
			Help: "Current broker connection state (0 disconnected, 1 connecting, 2 healthy, 3 failed).",
		},
	)
	asyncDisconnectsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fanout_async_disconnects_total",
			Help: "Number of broker-initiated connection or channel closures after a healthy period.",
		},
	)

	publishedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fanout_published_total",
			Help: "Number of notifications accepted by the local channel.",
		},
	)
	publishRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fanout_publish_rejected_total",
			Help: "Number of rejected publish calls by reason.",
		},
		[]string{"reason"},
	)

	deliveredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fanout_delivered_total",
			Help: "Number of messages delivered to a subscriber.",
		},
		[]string{"subscriber"},
	)
	handlerFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fanout_handler_failures_total",
			Help: "Number of delivered messages whose handler failed. These messages are lost.",
		},
		[]string{"subscriber"},
	)
	handlerDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fanout_handler_duration_seconds",
			Help:    "Time spent in subscriber handlers.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"subscriber"},
	)
)

func init() {
	prometheus.MustRegister(
		connectAttemptsTotal,
		connectionState,
		asyncDisconnectsTotal,
		publishedTotal,
		publishRejectedTotal,
		deliveredTotal,
		handlerFailuresTotal,
		handlerDuration,
	)
}
