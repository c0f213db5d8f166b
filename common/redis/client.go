// common/redis/client.go
package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/YaganovValera/openapi-streamer/common/backoff"
	"github.com/YaganovValera/openapi-streamer/common/logger"
)

var tracer = otel.Tracer("common/redis")

// Nil: ответ Redis "ключ отсутствует".
const Nil = redis.Nil

// New парсит URL, создаёт клиент и проверяет соединение PING'ом с ретраями.
func New(ctx context.Context, cfg Config, log *logger.Logger) (*redis.Client, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	log = log.Named("redis")

	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("redis: parse URL: %w", err)
	}
	client := redis.NewClient(opts)

	ping := func(ctx context.Context) error {
		pctx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
		defer cancel()
		return client.Ping(pctx).Err()
	}
	ctxConn, span := tracer.Start(ctx, "Connect", trace.WithAttributes(attribute.String("addr", opts.Addr)))
	defer span.End()
	if err := backoff.Execute(ctxConn, cfg.Backoff, log, ping); err != nil {
		span.RecordError(err)
		_ = client.Close()
		return nil, fmt.Errorf("redis connect: %w", err)
	}
	log.Info("redis: connected", zap.String("addr", opts.Addr), zap.Int("db", opts.DB))
	return client, nil
}
