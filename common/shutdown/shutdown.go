// common/shutdown/shutdown.go
package shutdown

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/YaganovValera/openapi-streamer/common/logger"
)

// SignalContext возвращает контекст, который отменяется по SIGINT/SIGTERM.
// Полученный сигнал пишется в лог.
func SignalContext(parent context.Context, log *logger.Logger) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		defer signal.Stop(sigCh)
		select {
		case sig := <-sigCh:
			log.Info("shutdown: signal received", zap.String("signal", sig.String()))
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// Graceful выполняет shutdown-функцию с собственным таймаутом,
// независимым от уже отменённого рабочего контекста.
func Graceful(name string, timeout time.Duration, fn func(ctx context.Context) error, log *logger.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	log.Info("shutdown: stopping " + name)
	if err := fn(ctx); err != nil {
		log.Error("shutdown: error in "+name, zap.Error(err))
		return
	}
	log.Info("shutdown: " + name + " stopped cleanly")
}

// Close адаптирует io.Closer-подобную функцию к сигнатуре Graceful.
func Close(fn func() error) func(context.Context) error {
	return func(context.Context) error { return fn() }
}
