package checkpoint

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/YaganovValera/openapi-streamer/common/logger"
	"github.com/YaganovValera/openapi-streamer/internal/metrics"
)

// Source отдаёт текущую позицию потока.
type Source func() (seq uint64, ok bool)

// Flusher периодически сохраняет позицию, если она изменилась.
type Flusher struct {
	store     Store
	contextID string
	source    Source
	interval  time.Duration
	log       *logger.Logger

	saved    uint64
	hasSaved bool
}

func NewFlusher(store Store, contextID string, src Source, interval time.Duration, log *logger.Logger) *Flusher {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Flusher{
		store:     store,
		contextID: contextID,
		source:    src,
		interval:  interval,
		log:       log.Named("checkpoint"),
	}
}

// Run сохраняет позицию каждые interval и один раз при остановке.
func (f *Flusher) Run(ctx context.Context) error {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			fctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			f.Flush(fctx)
			cancel()
			return nil
		case <-ticker.C:
			f.Flush(ctx)
		}
	}
}

// Flush сохраняет позицию немедленно. Ошибка логируется, повтор на следующем тике.
func (f *Flusher) Flush(ctx context.Context) {
	seq, ok := f.source()
	if !ok || (f.hasSaved && seq == f.saved) {
		return
	}
	if err := f.store.Save(ctx, f.contextID, seq); err != nil {
		metrics.CheckpointFlushes.WithLabelValues("error").Inc()
		f.log.Warn("checkpoint flush failed", zap.Uint64("sequence_id", seq), zap.Error(err))
		return
	}
	metrics.CheckpointFlushes.WithLabelValues("ok").Inc()
	f.saved, f.hasSaved = seq, true
	f.log.Debug("checkpoint saved", zap.Uint64("sequence_id", seq))
}
