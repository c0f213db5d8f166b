// Package sink пересылает декодированные сообщения подписок дальше.
package sink

import (
	"context"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	commonkafka "github.com/YaganovValera/openapi-streamer/common/kafka"
	"github.com/YaganovValera/openapi-streamer/common/logger"
	"github.com/YaganovValera/openapi-streamer/internal/metrics"
	"github.com/YaganovValera/openapi-streamer/internal/subscription"
)

// Envelope: запись в Kafka. sequence_id строкой: значения выходят за 2^53.
type Envelope struct {
	SequenceID   uint64          `json:"sequence_id,string"`
	ReferenceID  string          `json:"reference_id"`
	Subscription string          `json:"subscription"`
	Format       string          `json:"format"`
	Snapshot     bool            `json:"snapshot,omitempty"`
	ReceivedAt   time.Time       `json:"received_at"`
	Payload      json.RawMessage `json:"payload"`
}

// NewEnvelope собирает конверт из доставки.
func NewEnvelope(d subscription.Delivery) Envelope {
	return Envelope{
		SequenceID:   d.Message.SequenceID,
		ReferenceID:  d.Message.ReferenceID,
		Subscription: d.Subscription,
		Format:       d.Message.Format.String(),
		Snapshot:     d.Message.Snapshot,
		ReceivedAt:   d.ReceivedAt.UTC(),
		Payload:      d.Message.Payload,
	}
}

// Kafka публикует каждую доставку в топик с ключом по имени подписки.
type Kafka struct {
	producer commonkafka.Producer
	topic    string
	timeout  time.Duration
	log      *logger.Logger
}

// NewKafka создаёт sink. timeout ограничивает одну публикацию вместе с ретраями.
func NewKafka(p commonkafka.Producer, topic string, timeout time.Duration, log *logger.Logger) *Kafka {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Kafka{producer: p, topic: topic, timeout: timeout, log: log.Named("sink")}
}

// Handle: subscription.Handler. Ошибки публикации логируются и
// не прерывают обработку потока.
func (k *Kafka) Handle(ctx context.Context, d subscription.Delivery) {
	value, err := json.Marshal(NewEnvelope(d))
	if err != nil {
		metrics.SinkPublishErrors.Inc()
		k.log.Error("marshal envelope", zap.String("reference_id", d.Message.ReferenceID), zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()
	err = k.producer.Publish(ctx, k.topic, []byte(d.Subscription), value,
		commonkafka.Header{Key: "reference_id", Value: []byte(d.Message.ReferenceID)},
		commonkafka.Header{Key: "format", Value: []byte(d.Message.Format.String())},
		commonkafka.Header{Key: "content-type", Value: []byte("application/json")},
	)
	if err != nil {
		metrics.SinkPublishErrors.Inc()
		k.log.Warn("forward failed",
			zap.String("subscription", d.Subscription),
			zap.Uint64("sequence_id", d.Message.SequenceID),
			zap.Error(err))
	}
}

// Log пишет каждую доставку в debug-лог.
func Log(log *logger.Logger) subscription.Handler {
	l := log.Named("messages")
	return func(_ context.Context, d subscription.Delivery) {
		l.Debug("message",
			zap.String("subscription", d.Subscription),
			zap.String("reference_id", d.Message.ReferenceID),
			zap.Uint64("sequence_id", d.Message.SequenceID),
			zap.Bool("snapshot", d.Message.Snapshot),
			zap.ByteString("payload", d.Message.Payload),
		)
	}
}

// Fanout вызывает обработчики по порядку. nil пропускаются.
func Fanout(hs ...subscription.Handler) subscription.Handler {
	var live []subscription.Handler
	for _, h := range hs {
		if h != nil {
			live = append(live, h)
		}
	}
	return func(ctx context.Context, d subscription.Delivery) {
		for _, h := range live {
			h(ctx, d)
		}
	}
}
