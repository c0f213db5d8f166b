// internal/metrics/metrics.go
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "streamer"

var (
	once sync.Once

	// FramesTotal: число бинарных сообщений транспорта (бандлов).
	FramesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "ws", Name: "frames_total",
		Help: "Total number of binary bundles received from the streaming socket",
	})

	// MessagesTotal: декодированные сообщения по формату payload.
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "codec", Name: "messages_total",
		Help: "Decoded messages by payload format",
	}, []string{"format"})

	// DecodeErrors: отброшенные записи по причине.
	DecodeErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "codec", Name: "decode_errors_total",
		Help: "Records dropped during decoding, by reason",
	}, []string{"reason"})

	// ControlMessages: управляющие сообщения по reference id.
	ControlMessages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "session", Name: "control_messages_total",
		Help: "Control messages received, by control reference id",
	}, []string{"kind"})

	// UnroutedMessages: данные с reference id, которого нет в реестре.
	UnroutedMessages = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "session", Name: "unrouted_messages_total",
		Help: "Data messages whose reference id is not tracked",
	})

	// ReconnectAttempts: попытки переподключения по результату.
	ReconnectAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "session", Name: "reconnect_attempts_total",
		Help: "Reconnect bursts by result",
	}, []string{"result"})

	// ConnectionState: текущее состояние соединения (числовой код State).
	ConnectionState = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "session", Name: "connection_state",
		Help: "Connection state: 0 unconnected, 1 connecting, 2 open, 3 closing, 4 closed, 5 reconnecting",
	})

	// SubscriptionRequests: REST-вызовы подписок по операции и статусу.
	SubscriptionRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "openapi", Name: "subscription_requests_total",
		Help: "Subscription REST calls by operation and outcome",
	}, []string{"op", "status"})

	// RequestLatency: латентность REST-вызовов.
	RequestLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace, Subsystem: "openapi", Name: "request_latency_seconds",
		Help:    "Subscription REST call latency (seconds)",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})

	// ActiveSubscriptions: подписки с серверной регистрацией.
	ActiveSubscriptions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "subscription", Name: "active",
		Help: "Subscriptions that currently have a server-side registration",
	})

	// UnhealthyTicks: тики монитора без трафика.
	UnhealthyTicks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "subscription", Name: "unhealthy_ticks_total",
		Help: "Monitor ticks that observed no traffic, by subscription",
	}, []string{"subscription"})

	// SinkPublishErrors: ошибки публикации в Kafka.
	SinkPublishErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "sink", Name: "publish_errors_total",
		Help: "Messages that could not be forwarded to Kafka",
	})

	// CheckpointFlushes: сохранения resume-токена по результату.
	CheckpointFlushes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "checkpoint", Name: "flushes_total",
		Help: "Resume token flushes by result",
	}, []string{"result"})
)

// Register регистрирует все метрики в заданном реестре.
// Без аргументов используется DefaultRegisterer.
func Register(registerers ...prometheus.Registerer) {
	once.Do(func() {
		var reg prometheus.Registerer = prometheus.DefaultRegisterer
		if len(registerers) > 0 && registerers[0] != nil {
			reg = registerers[0]
		}
		reg.MustRegister(
			FramesTotal,
			MessagesTotal,
			DecodeErrors,
			ControlMessages,
			UnroutedMessages,
			ReconnectAttempts,
			ConnectionState,
			SubscriptionRequests,
			RequestLatency,
			ActiveSubscriptions,
			UnhealthyTicks,
			SinkPublishErrors,
			CheckpointFlushes,
		)
	})
}
