package sink

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YaganovValera/openapi-streamer/common/backoff"
	"github.com/YaganovValera/openapi-streamer/common/kafka/producer"
	"github.com/YaganovValera/openapi-streamer/common/logger"
	"github.com/YaganovValera/openapi-streamer/internal/codec"
	"github.com/YaganovValera/openapi-streamer/internal/subscription"
)

var fastBackoff = backoff.Config{
	InitialInterval: time.Millisecond, Multiplier: 1, MaxInterval: time.Millisecond, MaxAttempts: 2,
}

func delivery() subscription.Delivery {
	return subscription.Delivery{
		Subscription: "prices",
		ReceivedAt:   time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
		Message: codec.Message{
			SequenceID:  math.MaxUint64,
			ReferenceID: "prices-3",
			Format:      codec.FormatProtobuf,
			Payload:     json.RawMessage(`{"Bid":1.25}`),
		},
	}
}

func TestKafka_PublishesEnvelope(t *testing.T) {
	mp := mocks.NewSyncProducer(t, sarama.NewConfig())
	mp.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		if msg.Topic != "streamer.messages" {
			return errors.New("wrong topic " + msg.Topic)
		}
		key, _ := msg.Key.Encode()
		if string(key) != "prices" {
			return errors.New("wrong key " + string(key))
		}
		if len(msg.Headers) != 3 || string(msg.Headers[0].Value) != "prices-3" {
			return errors.New("wrong headers")
		}
		return nil
	})

	mp.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var env map[string]any
		if err := json.Unmarshal(val, &env); err != nil {
			return err
		}
		if env["snapshot"] != true || env["sequence_id"] != "18446744073709551615" {
			return errors.New("unexpected envelope " + string(val))
		}
		return nil
	})

	prod := producer.NewFromSyncProducer(mp, nil, fastBackoff, logger.Nop())
	k := NewKafka(prod, "streamer.messages", time.Second, logger.Nop())
	k.Handle(context.Background(), delivery())

	d := delivery()
	d.Message.Snapshot = true
	k.Handle(context.Background(), d)
	require.NoError(t, mp.Close())
}

func TestEnvelope_JSON(t *testing.T) {
	b, err := json.Marshal(NewEnvelope(delivery()))
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"sequence_id":"18446744073709551615",
		"reference_id":"prices-3",
		"subscription":"prices",
		"format":"protobuf",
		"received_at":"2024-05-01T10:00:00Z",
		"payload":{"Bid":1.25}
	}`, string(b))
}

func TestKafka_PublishErrorDoesNotPanic(t *testing.T) {
	mp := mocks.NewSyncProducer(t, sarama.NewConfig())
	mp.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)
	mp.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	prod := producer.NewFromSyncProducer(mp, nil, fastBackoff, logger.Nop())
	NewKafka(prod, "t", time.Second, logger.Nop()).Handle(context.Background(), delivery())
	require.NoError(t, mp.Close())
}

func TestFanoutOrder(t *testing.T) {
	var order []string
	h := Fanout(
		func(context.Context, subscription.Delivery) { order = append(order, "a") },
		nil,
		func(context.Context, subscription.Delivery) { order = append(order, "b") },
		Log(logger.Nop()),
	)
	h(context.Background(), delivery())
	assert.Equal(t, []string{"a", "b"}, order)
}
