package sandbox

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "mrd_sandbox"

// metrics records what the sandbox served.
type metrics struct {
	requests      *prometheus.CounterVec
	duration      *prometheus.HistogramVec
	injected      *prometheus.CounterVec
	bytesReceived prometheus.Counter
	bytesSent     prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	factory := promauto.With(reg)
	return &metrics{
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Requests served, by method, route and status code.",
		}, []string{"method", "route", "code"}),
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Time spent serving requests, injected latency included.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		injected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "injected_failures_total",
			Help:      "Requests answered with an injected failure, by status code.",
		}, []string{"code"}),
		bytesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "request_bytes_total",
			Help:      "Request body bytes received.",
		}),
		bytesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "response_bytes_total",
			Help:      "Response body bytes sent.",
		}),
	}
}
