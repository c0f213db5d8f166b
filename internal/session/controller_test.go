package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YaganovValera/openapi-streamer/common/logger"
	"github.com/YaganovValera/openapi-streamer/internal/openapi"
	"github.com/YaganovValera/openapi-streamer/internal/subscription"
	"github.com/YaganovValera/openapi-streamer/internal/transport"
)

func TestNewController_Validation(t *testing.T) {
	_, err := NewController(Config{}, Deps{}, logger.Nop())
	assert.Error(t, err)

	_, err = NewController(Config{URL: "wss://x", ContextID: "_reserved"}, Deps{}, logger.Nop())
	assert.Error(t, err)

	c, err := NewController(Config{URL: "wss://x"}, Deps{}, logger.Nop())
	require.NoError(t, err)
	assert.Len(t, c.ContextID(), 32)
	assert.Equal(t, StateUnconnected, c.State())
}

func TestConnect_NoTransportIsCapabilityError(t *testing.T) {
	events := &eventLog{}
	c, err := NewController(Config{URL: "wss://x"}, Deps{Reporter: events}, logger.Nop())
	require.NoError(t, err)

	err = c.Connect(context.Background())
	require.ErrorIs(t, err, ErrTransportUnavailable)
	assert.True(t, events.has(EventTransportUnavailable))
	assert.Equal(t, StateClosed, c.State())

	// AwaitOpen сразу возвращает терминальную ошибку
	assert.ErrorIs(t, c.AwaitOpen(context.Background()), ErrTransportUnavailable)
	assert.ErrorIs(t, c.Connect(context.Background()), ErrAlreadyStarted)
}

func TestConnect_UnsupportedSchemeNotRetried(t *testing.T) {
	h := newHarness(t, 0)
	h.dialer.err = transport.ErrUnsupported

	err := h.ctrl.Connect(context.Background())
	require.ErrorIs(t, err, ErrTransportUnavailable)
	assert.Equal(t, 1, h.dialer.dialCount())
}

func TestConnect_HeadersAndURL(t *testing.T) {
	h := newHarness(t, 1)
	h.start()

	d := h.dialer.dial(0)
	assert.Equal(t, "Bearer tok", d.header.Get("Authorization"))
	assert.Contains(t, d.url, "contextId=ctx1")
	assert.NotContains(t, d.url, "messageid")
	assert.True(t, h.ctrl.Ready())
	assert.True(t, h.events.has(EventConnected))
}

// connect → create A → heartbeat по A → следующий тик: healthy.
func TestHeartbeatMarksSubscriptionHealthy(t *testing.T) {
	h := newHarness(t, 1)
	h.start()
	ref := h.create("A")
	require.Equal(t, "A-1", ref)

	_, health := h.ctrl.Registry().Tick("A")
	require.Equal(t, subscription.HealthUnhealthy, health)

	h.send(0, jsonRec(7, "_heartbeat",
		`[{"ReferenceId":"_heartbeat","Heartbeats":[{"OriginatingReferenceId":"A-1","Reason":"NoNewData"}]}]`))

	require.Eventually(t, func() bool {
		info, _ := h.ctrl.Registry().Get("A")
		return info.RecentData
	}, time.Second, 5*time.Millisecond)

	_, health = h.ctrl.Registry().Tick("A")
	assert.Equal(t, subscription.HealthHealthy, health)
	seq, ok := h.ctrl.LastSequence()
	assert.True(t, ok)
	assert.Equal(t, uint64(7), seq)
}

func TestDataRoutedInOrder(t *testing.T) {
	h := newHarness(t, 1)
	h.start()

	var mu sync.Mutex
	var got []uint64
	_, err := h.orch.Create(context.Background(), "A", params(), func(_ context.Context, d subscription.Delivery) {
		mu.Lock()
		got = append(got, d.Message.SequenceID)
		mu.Unlock()
		assert.Equal(t, "A", d.Subscription)
	})
	require.NoError(t, err)

	h.send(0,
		jsonRec(1, "A-1", `{"Quote":{"Bid":1}}`),
		jsonRec(2, "A-1", `{broken`),
		jsonRec(3, "unknown-1", `{}`),
		jsonRec(4, "A-1", `{"Quote":{"Bid":2}}`),
	)
	h.send(0, jsonRec(5, "A-1", `{}`))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 3
	}, time.Second, 5*time.Millisecond)
	mu.Lock()
	assert.Equal(t, []uint64{1, 4, 5}, got)
	mu.Unlock()
	assert.True(t, h.events.has(EventDecodeError))
}

func TestSnapshotDeliveredBeforeStream(t *testing.T) {
	h := newHarness(t, 1)
	h.api.snapshot = []byte(`{"Quote":{"Bid":1.5}}`)
	h.start()

	snaps := make(chan subscription.Delivery, 1)
	_, err := h.orch.Create(context.Background(), "A", params(), func(_ context.Context, d subscription.Delivery) {
		if d.Message.Snapshot {
			snaps <- d
		}
	})
	require.NoError(t, err)

	select {
	case d := <-snaps:
		assert.JSONEq(t, `{"Quote":{"Bid":1.5}}`, string(d.Message.Payload))
		assert.Equal(t, "A-1", d.Message.ReferenceID)
	case <-time.After(time.Second):
		t.Fatal("snapshot not delivered")
	}
}

// _resetsubscriptions при активных A и B: обе пересоздаются, неактивная C нет.
func TestResetRecreatesActiveOnly(t *testing.T) {
	h := newHarness(t, 1)
	h.start()
	h.create("A")
	h.create("B")
	require.NoError(t, h.ctrl.Registry().Upsert("C", params(), nil))

	h.send(0, jsonRec(10, "_resetsubscriptions", `{"ReferenceId":"_resetsubscriptions"}`))

	require.Eventually(t, func() bool { return h.api.count("create") == 4 }, time.Second, 5*time.Millisecond)
	calls := h.api.snapshotCalls()
	replaced := map[string]string{}
	for _, c := range calls[2:] {
		replaced[c.req.ReplaceReferenceID] = c.ref
	}
	assert.Equal(t, map[string]string{"A-1": "A-2", "B-1": "B-2"}, replaced)
	assert.True(t, h.events.has(EventResetSubscriptions))

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 4, h.api.count("create"), "inactive C must not be created")
}

func TestResetWithTargets(t *testing.T) {
	h := newHarness(t, 1)
	h.start()
	h.create("A")
	h.create("B")

	h.send(0, jsonRec(10, "_resetsubscriptions", `{"ReferenceId":"_resetsubscriptions","TargetReferenceIds":["B-1"]}`))

	require.Eventually(t, func() bool { return h.api.count("create") == 3 }, time.Second, 5*time.Millisecond)
	last := h.api.snapshotCalls()[2]
	assert.Equal(t, "B-1", last.req.ReplaceReferenceID)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 3, h.api.count("create"))
}

// Нечистое закрытие с истёкшим токеном: переподключения нет.
func TestUncleanCloseWithExpiredToken(t *testing.T) {
	h := newHarness(t, 2)
	h.start()
	h.create("A")

	h.expiry.Store(0)
	h.conn(0).end(transport.CloseStatus{Code: 1006, Err: errors.New("eof")})

	err := h.wait()
	require.ErrorIs(t, err, ErrCredentialExpired)
	var de *DisconnectError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, KindCredentialExpired, de.Kind)
	assert.Equal(t, 1006, de.Code)

	assert.Equal(t, 1, h.dialer.dialCount(), "must not reconnect")
	assert.True(t, h.events.has(EventCredentialExpired))
	assert.False(t, h.events.has(EventReconnecting))
	_, running := h.ctrl.Monitor().Running("A")
	assert.False(t, running)
	assert.ErrorIs(t, h.ctrl.AwaitOpen(context.Background()), ErrCredentialExpired)
}

// Нечистое закрытие с живым токеном: переподключение, resume и свежие create.
func TestUncleanCloseReconnectsAndRecreates(t *testing.T) {
	h := newHarness(t, 2, func(c *Config, _ *Deps) { c.Resume = true })
	h.start()
	h.create("A")
	h.create("B")
	h.send(0, jsonRec(42, "A-1", `{}`))
	require.Eventually(t, func() bool {
		seq, _ := h.ctrl.LastSequence()
		return seq == 42
	}, time.Second, 5*time.Millisecond)

	h.conn(0).end(transport.CloseStatus{Code: 1006, Err: errors.New("reset by peer")})

	require.Eventually(t, func() bool { return h.api.count("create") == 4 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, StateOpen, h.ctrl.State())
	assert.Equal(t, 2, h.dialer.dialCount())
	assert.Contains(t, h.dialer.dial(1).url, "messageid=42")

	for _, c := range h.api.snapshotCalls()[2:] {
		assert.Empty(t, c.req.ReplaceReferenceID, "fresh create after reconnect")
	}
	assert.Len(t, h.ctrl.Registry().Active(), 2)
	assert.True(t, h.events.has(EventReconnected))
	assert.Equal(t, 1, h.ctrl.Info().Reconnects)

	// новое соединение обрабатывает кадры
	h.send(1, jsonRec(43, "A-2", `{}`))
	require.Eventually(t, func() bool {
		seq, _ := h.ctrl.LastSequence()
		return seq == 43
	}, time.Second, 5*time.Millisecond)
}

// Первый create, прерванный обрывом соединения, повторяется после переподключения.
func TestUncleanCloseRetriesInterruptedCreate(t *testing.T) {
	h := newHarness(t, 2)
	h.start()

	entered := make(chan struct{})
	release := make(chan struct{})
	h.api.createFn = func(_ context.Context, req openapi.CreateRequest) (*openapi.CreateResponse, error) {
		if req.ReferenceID == "A-1" {
			close(entered)
			<-release
		}
		return &openapi.CreateResponse{ReferenceID: req.ReferenceID, InactivityTimeout: 60}, nil
	}

	errc := make(chan error, 1)
	go func() {
		_, err := h.orch.Create(context.Background(), "A", params(), nil)
		errc <- err
	}()
	<-entered

	h.conn(0).end(transport.CloseStatus{Code: 1006, Err: errors.New("reset by peer")})
	require.Eventually(t, func() bool {
		return h.dialer.dialCount() == 2 && h.ctrl.State() == StateOpen
	}, 2*time.Second, 5*time.Millisecond)
	close(release)
	require.ErrorIs(t, <-errc, ErrStaleResponse)

	require.Eventually(t, func() bool {
		info, _ := h.ctrl.Registry().Get("A")
		return info.Active
	}, 2*time.Second, 5*time.Millisecond)
	info, _ := h.ctrl.Registry().Get("A")
	assert.Equal(t, "A-2", info.ReferenceID)
	_, running := h.ctrl.Monitor().Running("A")
	assert.True(t, running)
}

func TestReconnectDeclinedByPolicy(t *testing.T) {
	h := newHarness(t, 2, func(_ *Config, d *Deps) { d.Policy = NeverReconnect() })
	h.start()

	h.conn(0).end(transport.CloseStatus{Code: 1011})
	err := h.wait()
	require.ErrorIs(t, err, ErrReconnectDeclined)
	assert.Equal(t, 1, h.dialer.dialCount())
	assert.True(t, h.events.has(EventReconnectDeclined))
}

// Бюджет серии исчерпан → cooldown → политика больше не разрешает.
func TestReconnectBudgetAndCooldown(t *testing.T) {
	var rounds []int
	var mu sync.Mutex
	h := newHarness(t, 1, func(_ *Config, d *Deps) {
		d.Policy = PolicyFunc(func(_ context.Context, _ *DisconnectError, round int) bool {
			mu.Lock()
			rounds = append(rounds, round)
			mu.Unlock()
			return round <= 2
		})
	})
	h.start()

	h.conn(0).end(transport.CloseStatus{Code: 1006})
	err := h.wait()
	require.ErrorIs(t, err, ErrReconnectDeclined)

	// 1 исходное подключение + 2 серии по MaxAttempts=2
	assert.Equal(t, 1+2*2, h.dialer.dialCount())
	mu.Lock()
	assert.Equal(t, []int{1, 2, 3}, rounds)
	mu.Unlock()
	assert.True(t, h.events.has(EventReconnectFailed))
}

func TestServerDisconnectIsTerminal(t *testing.T) {
	h := newHarness(t, 2)
	h.start()
	h.create("A")

	h.send(0, jsonRec(3, "_disconnect", `{"ReferenceId":"_disconnect"}`))
	err := h.wait()
	require.ErrorIs(t, err, ErrSessionTerminated)

	assert.Equal(t, 1000, h.conn(0).closedWith())
	assert.Equal(t, 1, h.dialer.dialCount())
	assert.Empty(t, h.ctrl.Registry().Active())
	_, running := h.ctrl.Monitor().Running("A")
	assert.False(t, running)

	_, err = h.orch.Create(context.Background(), "B", params(), nil)
	assert.ErrorIs(t, err, ErrSessionTerminated)
}

func TestCleanCloseIsTerminalWithoutReconnect(t *testing.T) {
	h := newHarness(t, 2)
	h.start()
	h.create("A")

	h.conn(0).end(transport.CloseStatus{Code: 1000, Text: "bye", Clean: true})
	require.NoError(t, h.wait())
	assert.Equal(t, 1, h.dialer.dialCount())
	assert.Equal(t, StateClosed, h.ctrl.State())
	assert.ErrorIs(t, h.ctrl.AwaitOpen(context.Background()), ErrConnectionClosed)
}

func TestDisconnectStopsMonitors(t *testing.T) {
	h := newHarness(t, 1)
	h.start()
	h.create("A")
	_, running := h.ctrl.Monitor().Running("A")
	require.True(t, running)

	require.NoError(t, h.ctrl.Disconnect(context.Background()))
	require.NoError(t, h.wait())

	assert.Equal(t, 1000, h.conn(0).closedWith())
	_, running = h.ctrl.Monitor().Running("A")
	assert.False(t, running)
	info, _ := h.ctrl.Registry().Get("A")
	assert.False(t, info.Active)
	assert.Equal(t, StateClosed, h.ctrl.State())
	assert.ErrorIs(t, h.ctrl.Disconnect(context.Background()), ErrNotConnected)
}

func TestCancelClosesConnection(t *testing.T) {
	h := newHarness(t, 1)
	h.start()
	h.cancel()
	require.NoError(t, h.wait())
	assert.Equal(t, 1000, h.conn(0).closedWith())
}

func TestEventString(t *testing.T) {
	e := Event{Kind: EventSubscriptionError, ReferenceID: "A-1", Status: 429, Err: errors.New("throttled")}
	s := e.String()
	for _, want := range []string{"subscription_error", "A-1", "429", "throttled"} {
		assert.True(t, strings.Contains(s, want), "%q missing %q", s, want)
	}
	assert.Contains(t, Event{Kind: EventDisconnected, Code: 1006}.String(), "close_code=1006")
}
