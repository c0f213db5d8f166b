package subscription

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YaganovValera/openapi-streamer/common/logger"
)

type tickLog struct {
	mu  sync.Mutex
	got []Health
}

func (l *tickLog) add(_ Info, h Health) {
	l.mu.Lock()
	l.got = append(l.got, h)
	l.mu.Unlock()
}

func (l *tickLog) snapshot() []Health {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Health(nil), l.got...)
}

func TestMonitor_ReportsUnhealthy(t *testing.T) {
	r := NewRegistry()
	newActive(t, r, "prices")

	var ticks tickLog
	m := NewMonitor(r, logger.Nop(), ticks.add)
	defer m.StopAll()

	m.Ensure("prices", 10*time.Millisecond)
	require.Eventually(t, func() bool {
		for _, h := range ticks.snapshot() {
			if h == HealthUnhealthy {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
}

func TestMonitor_EnsureIsIdempotent(t *testing.T) {
	r := NewRegistry()
	newActive(t, r, "prices")
	m := NewMonitor(r, logger.Nop(), nil)
	defer m.StopAll()

	m.Ensure("prices", time.Hour)
	m.Ensure("prices", time.Hour)
	iv, ok := m.Running("prices")
	require.True(t, ok)
	assert.Equal(t, time.Hour, iv)

	m.Ensure("prices", 30*time.Minute)
	iv, _ = m.Running("prices")
	assert.Equal(t, 30*time.Minute, iv)

	m.Ensure("other", 0)
	_, ok = m.Running("other")
	assert.False(t, ok)
}

func TestMonitor_StopAllSilences(t *testing.T) {
	r := NewRegistry()
	newActive(t, r, "a")
	newActive(t, r, "b")

	var ticks tickLog
	m := NewMonitor(r, logger.Nop(), ticks.add)
	m.Ensure("a", 5*time.Millisecond)
	m.Ensure("b", 5*time.Millisecond)

	m.StopAll()
	_, ok := m.Running("a")
	assert.False(t, ok)

	n := len(ticks.snapshot())
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, n, len(ticks.snapshot()), "no ticks after StopAll")

	m.Stop("a") // уже остановлен
}

func TestMonitor_InactiveSlotNotReported(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Upsert("idle", jsonParams(), nil))

	var ticks tickLog
	m := NewMonitor(r, logger.Nop(), ticks.add)
	m.Ensure("idle", 5*time.Millisecond)
	time.Sleep(40 * time.Millisecond)
	m.Stop("idle")

	assert.Empty(t, ticks.snapshot())
}
