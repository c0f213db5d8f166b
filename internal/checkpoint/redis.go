package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/YaganovValera/openapi-streamer/common/telemetry"
)

const keyPrefix = "streamer:checkpoint:"

// Redis: Store поверх go-redis. Значение хранится десятичной строкой uint64.
type Redis struct {
	client redis.Cmdable
	ttl    time.Duration
	closer func() error
	tracer trace.Tracer
}

// NewRedis оборачивает клиент. ttl 0 означает без истечения.
// Если client реализует Close, Close закрывает и его.
func NewRedis(client redis.Cmdable, ttl time.Duration) *Redis {
	r := &Redis{client: client, ttl: ttl, tracer: telemetry.Tracer("checkpoint")}
	if c, ok := client.(interface{ Close() error }); ok {
		r.closer = c.Close
	}
	return r
}

func key(contextID string) string { return keyPrefix + contextID }

func (r *Redis) Load(ctx context.Context, contextID string) (uint64, error) {
	ctx, span := r.tracer.Start(ctx, "checkpoint.Load", trace.WithAttributes(attribute.String("context_id", contextID)))
	defer span.End()

	s, err := r.client.Get(ctx, key(contextID)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, ErrNotFound
	}
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("checkpoint: redis get: %w", err)
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("checkpoint: corrupt value %q: %w", s, err)
	}
	return v, nil
}

func (r *Redis) Save(ctx context.Context, contextID string, seq uint64) error {
	ctx, span := r.tracer.Start(ctx, "checkpoint.Save", trace.WithAttributes(attribute.String("context_id", contextID)))
	defer span.End()

	if err := r.client.Set(ctx, key(contextID), strconv.FormatUint(seq, 10), r.ttl).Err(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("checkpoint: redis set: %w", err)
	}
	return nil
}

func (r *Redis) Delete(ctx context.Context, contextID string) error {
	if err := r.client.Del(ctx, key(contextID)).Err(); err != nil {
		return fmt.Errorf("checkpoint: redis del: %w", err)
	}
	return nil
}

func (r *Redis) Close() error {
	if r.closer == nil {
		return nil
	}
	return r.closer()
}
