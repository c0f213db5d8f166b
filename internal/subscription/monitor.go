package subscription

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/YaganovValera/openapi-streamer/common/logger"
	"github.com/YaganovValera/openapi-streamer/internal/metrics"
)

// TickFunc получает результат каждой проверки.
type TickFunc func(info Info, h Health)

type watcher struct {
	ticker   *time.Ticker
	interval time.Duration
	stop     chan struct{}
	done     chan struct{}
}

// Monitor держит по одному таймеру на слот. Таймер создаётся при первом
// создании подписки и переживает replace; меняется только его период.
type Monitor struct {
	reg    *Registry
	log    *logger.Logger
	onTick TickFunc

	mu       sync.Mutex
	watchers map[string]*watcher
}

// NewMonitor создаёт монитор поверх реестра. onTick может быть nil.
func NewMonitor(reg *Registry, log *logger.Logger, onTick TickFunc) *Monitor {
	return &Monitor{
		reg:      reg,
		log:      log.Named("monitor"),
		onTick:   onTick,
		watchers: make(map[string]*watcher),
	}
}

// Ensure запускает таймер слота, если его ещё нет, иначе подстраивает период.
func (m *Monitor) Ensure(name string, interval time.Duration) {
	if interval <= 0 {
		m.log.Warn("non-positive inactivity timeout, monitor not started",
			zap.String("subscription", name), zap.Duration("interval", interval))
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if w, ok := m.watchers[name]; ok {
		if w.interval != interval {
			w.ticker.Reset(interval)
			w.interval = interval
			m.log.Debug("monitor interval changed",
				zap.String("subscription", name), zap.Duration("interval", interval))
		}
		return
	}

	w := &watcher{
		ticker:   time.NewTicker(interval),
		interval: interval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	m.watchers[name] = w
	go m.loop(name, w)
	m.log.Debug("monitor started",
		zap.String("subscription", name), zap.Duration("interval", interval))
}

func (m *Monitor) loop(name string, w *watcher) {
	defer close(w.done)
	defer w.ticker.Stop()
	for {
		select {
		case <-w.stop:
			return
		case <-w.ticker.C:
			m.check(name)
		}
	}
}

func (m *Monitor) check(name string) {
	info, h := m.reg.Tick(name)
	switch h {
	case HealthHealthy:
		m.log.Debug("subscription healthy", zap.String("subscription", name))
	case HealthUnhealthy:
		metrics.UnhealthyTicks.WithLabelValues(name).Inc()
		m.log.Warn("no data since last check",
			zap.String("subscription", name),
			zap.String("reference_id", info.ReferenceID),
			zap.Duration("inactivity_timeout", info.InactivityTimeout))
	default:
		return
	}
	if m.onTick != nil {
		m.onTick(info, h)
	}
}

// Stop останавливает таймер слота и ждёт выхода его горутины.
func (m *Monitor) Stop(name string) {
	m.mu.Lock()
	w, ok := m.watchers[name]
	if ok {
		delete(m.watchers, name)
	}
	m.mu.Unlock()
	if ok {
		close(w.stop)
		<-w.done
	}
}

// StopAll останавливает все таймеры (штатный disconnect).
func (m *Monitor) StopAll() {
	m.mu.Lock()
	ws := m.watchers
	m.watchers = make(map[string]*watcher)
	m.mu.Unlock()
	for _, w := range ws {
		close(w.stop)
		<-w.done
	}
	if len(ws) > 0 {
		m.log.Debug("monitors stopped", zap.Int("count", len(ws)))
	}
}

// Running сообщает, есть ли у слота таймер, и его период.
func (m *Monitor) Running(name string) (time.Duration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.watchers[name]
	if !ok {
		return 0, false
	}
	return w.interval, true
}
