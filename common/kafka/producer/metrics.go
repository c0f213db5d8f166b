// common/kafka/producer/metrics.go
package producer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var serviceLabel = "unknown"

// SetServiceLabel вызывается из common.InitServiceName(..) один раз при старте.
func SetServiceLabel(name string) { serviceLabel = name }

func newCounter(name, help string) *prometheus.CounterVec {
	return promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "common", Subsystem: "kafka_producer", Name: name, Help: help,
	}, []string{"service"})
}

var producerMetrics = struct {
	ConnectAttempts *prometheus.CounterVec
	ConnectErrors   *prometheus.CounterVec
	PublishSuccess  *prometheus.CounterVec
	PublishErrors   *prometheus.CounterVec
	PublishLatency  *prometheus.HistogramVec
	PingErrors      *prometheus.CounterVec
}{
	ConnectAttempts: newCounter("connect_attempts_total", "Kafka producer connect attempts"),
	ConnectErrors:   newCounter("connect_errors_total", "Kafka producer connect errors"),
	PublishSuccess:  newCounter("publish_success_total", "Successful publishes"),
	PublishErrors:   newCounter("publish_errors_total", "Publish errors"),
	PublishLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "common", Subsystem: "kafka_producer", Name: "publish_latency_seconds",
		Help:    "Publish latency (seconds)",
		Buckets: prometheus.DefBuckets,
	}, []string{"service"}),
	PingErrors: newCounter("ping_errors_total", "Ping errors"),
}
