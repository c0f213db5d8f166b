// Package app собирает streamer из компонентов и управляет их жизненным циклом.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/YaganovValera/openapi-streamer/common"
	"github.com/YaganovValera/openapi-streamer/common/httpserver"
	commonkafka "github.com/YaganovValera/openapi-streamer/common/kafka"
	producer "github.com/YaganovValera/openapi-streamer/common/kafka/producer"
	"github.com/YaganovValera/openapi-streamer/common/logger"
	"github.com/YaganovValera/openapi-streamer/common/middleware"
	commonredis "github.com/YaganovValera/openapi-streamer/common/redis"
	"github.com/YaganovValera/openapi-streamer/common/shutdown"
	"github.com/YaganovValera/openapi-streamer/common/telemetry"
	"github.com/YaganovValera/openapi-streamer/internal/api"
	"github.com/YaganovValera/openapi-streamer/internal/checkpoint"
	"github.com/YaganovValera/openapi-streamer/internal/codec"
	"github.com/YaganovValera/openapi-streamer/internal/config"
	"github.com/YaganovValera/openapi-streamer/internal/metrics"
	"github.com/YaganovValera/openapi-streamer/internal/openapi"
	"github.com/YaganovValera/openapi-streamer/internal/session"
	"github.com/YaganovValera/openapi-streamer/internal/sink"
	"github.com/YaganovValera/openapi-streamer/internal/subscription"
	"github.com/YaganovValera/openapi-streamer/internal/transport"
)

const closeTimeout = 5 * time.Second

// Run запускает streamer и блокируется до отмены ctx или завершения сессии.
func Run(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	common.InitServiceName(cfg.ServiceName)
	metrics.Register()

	shutdownTracer, err := telemetry.InitTracer(ctx, cfg.Telemetry, log)
	if err != nil {
		return fmt.Errorf("init tracer: %w", err)
	}
	defer shutdown.Graceful("telemetry", closeTimeout, shutdownTracer, log)

	tokens := tokenSource(cfg.Streaming)

	client, err := openapi.NewClient(cfg.Streaming.APIBaseURL, tokens, log,
		openapi.WithTimeout(cfg.Streaming.RequestTimeout))
	if err != nil {
		return fmt.Errorf("openapi client init: %w", err)
	}

	policy, err := session.ParsePolicy(cfg.Streaming.Reconnect.Policy, cfg.Streaming.Reconnect.MaxRounds)
	if err != nil {
		return err
	}

	ctrl, orch, err := newSession(cfg.Streaming, tokens, client, policy, log)
	if err != nil {
		return err
	}
	ctx = logger.ContextWithContextID(ctx, ctrl.ContextID())
	log = log.WithContext(ctx)

	// checkpoint
	store, err := openStore(ctx, cfg.Checkpoint, log)
	if err != nil {
		return fmt.Errorf("checkpoint init: %w", err)
	}
	if store != nil {
		defer shutdown.Graceful("checkpoint", closeTimeout, shutdown.Close(store.Close), log)
		if cfg.Streaming.Resume {
			resume(ctx, store, ctrl, log)
		}
	}

	// sink
	handler := sink.Log(log)
	var prod commonkafka.Producer
	if cfg.Kafka.Enabled {
		prod, err = producer.New(ctx, cfg.Kafka.Config, log)
		if err != nil {
			return fmt.Errorf("kafka producer init: %w", err)
		}
		defer shutdown.Graceful("kafka-producer", closeTimeout, shutdown.Close(prod.Close), log)
		handler = sink.Fanout(handler, sink.NewKafka(prod, cfg.Kafka.Topic, cfg.Kafka.Timeout, log).Handle)
	}

	// HTTP
	readiness := func() error {
		if !ctrl.Ready() {
			return fmt.Errorf("stream is %s", ctrl.State())
		}
		if prod != nil {
			return prod.Ping(ctx)
		}
		return nil
	}
	srv, err := httpserver.New(cfg.HTTP, readiness, log,
		middleware.RequestID(),
		middleware.Metrics(),
		httpserver.Recover(log),
		httpserver.CORS(),
	)
	if err != nil {
		return fmt.Errorf("httpserver init: %w", err)
	}
	api.NewHandler(ctrl, orch, log).Mount(srv.Router())

	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	g, gctx := errgroup.WithContext(runCtx)

	g.Go(func() error {
		// сессия завершилась, останавливаем остальное
		defer stop()
		return ctrl.Run(gctx)
	})
	g.Go(func() error { return srv.Start(gctx) })
	g.Go(func() error {
		subscribeAll(gctx, orch, cfg.Subscriptions, handler, log)
		return nil
	})
	if store != nil {
		flusher := checkpoint.NewFlusher(store, ctrl.ContextID(), ctrl.LastSequence,
			cfg.Checkpoint.FlushInterval, log)
		g.Go(func() error { return flusher.Run(gctx) })
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("streamer stopped", zap.String("state", ctrl.State().String()))
	return nil
}

// newSession создаёт контроллер соединения и оркестратор подписок.
func newSession(s config.Streaming, tokens openapi.TokenSource, rest session.API,
	policy session.ReconnectPolicy, log *logger.Logger,
) (*session.Controller, *session.Orchestrator, error) {
	ctrl, err := session.NewController(session.Config{
		URL:       s.WSURL,
		ContextID: s.ContextID,
		Resume:    s.Resume,
		Reconnect: s.Reconnect,
	}, session.Deps{
		Dialer:  transport.NewDialer(s.Transport, log),
		Tokens:  tokens,
		Policy:  policy,
		Schemas: codec.NewProtoSchemas(),
	}, log)
	if err != nil {
		return nil, nil, fmt.Errorf("session init: %w", err)
	}
	return ctrl, session.NewOrchestrator(ctrl, rest, log), nil
}

func tokenSource(s config.Streaming) openapi.TokenSource {
	if s.TokenFile != "" {
		return openapi.FileToken{Path: s.TokenFile}
	}
	return openapi.StaticToken(s.Token)
}

func openStore(ctx context.Context, cfg config.Checkpoint, log *logger.Logger) (checkpoint.Store, error) {
	switch cfg.Backend {
	case "redis":
		client, err := commonredis.New(ctx, cfg.Config, log)
		if err != nil {
			return nil, err
		}
		return checkpoint.NewRedis(client, cfg.TTL), nil
	case "memory":
		return checkpoint.NewMemory(), nil
	default:
		return nil, nil
	}
}

// resume продолжает поток с сохранённой позиции.
func resume(ctx context.Context, store checkpoint.Store, ctrl *session.Controller, log *logger.Logger) {
	seq, err := store.Load(ctx, ctrl.ContextID())
	switch {
	case errors.Is(err, checkpoint.ErrNotFound):
		return
	case err != nil:
		log.Warn("checkpoint load failed, starting from live edge", zap.Error(err))
		return
	}
	ctrl.ResumeFrom(seq)
	log.Info("resuming stream", zap.Uint64("sequence_id", seq))
}

// subscribeAll создаёт подписки из конфига. Create открывает соединение, если его нет;
// ошибка одной подписки не мешает остальным.
func subscribeAll(ctx context.Context, orch *session.Orchestrator, subs []config.Subscription, h subscription.Handler, log *logger.Logger) {
	for _, s := range subs {
		params, err := s.Params()
		if err != nil {
			log.Error("skip subscription", zap.String("subscription", s.Name), zap.Error(err))
			continue
		}
		ref, err := orch.Create(ctx, s.Name, params, h)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error("create subscription failed", zap.String("subscription", s.Name), zap.Error(err))
			continue
		}
		log.Info("subscription created", zap.String("subscription", s.Name), zap.String("reference_id", ref))
	}
}
