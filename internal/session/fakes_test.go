package session

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/YaganovValera/openapi-streamer/common/backoff"
	"github.com/YaganovValera/openapi-streamer/common/logger"
	"github.com/YaganovValera/openapi-streamer/internal/frame"
	"github.com/YaganovValera/openapi-streamer/internal/openapi"
	"github.com/YaganovValera/openapi-streamer/internal/subscription"
	"github.com/YaganovValera/openapi-streamer/internal/transport"
)

// ---- transport ----

type fakeConn struct {
	frames chan []byte
	done   chan struct{}
	once   sync.Once

	mu     sync.Mutex
	status transport.CloseStatus
	closed int // код из Close
}

func newFakeConn() *fakeConn {
	return &fakeConn{frames: make(chan []byte, 16), done: make(chan struct{})}
}

func (f *fakeConn) Frames() <-chan []byte { return f.frames }
func (f *fakeConn) Done() <-chan struct{} { return f.done }

func (f *fakeConn) Status() transport.CloseStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeConn) Close(code int, text string) error {
	f.mu.Lock()
	f.closed = code
	f.mu.Unlock()
	f.end(transport.CloseStatus{Code: code, Text: text, Clean: code == 1000})
	return nil
}

func (f *fakeConn) closedWith() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// end завершает соединение со стороны сервера.
func (f *fakeConn) end(st transport.CloseStatus) {
	f.once.Do(func() {
		f.mu.Lock()
		f.status = st
		f.mu.Unlock()
		close(f.frames)
		close(f.done)
	})
}

type dialRecord struct {
	url    string
	header http.Header
}

type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
	next  int
	dials []dialRecord
	err   error         // если conns исчерпаны
	block chan struct{} // если задан, Dial ждёт его закрытия
}

func (d *fakeDialer) Dial(_ context.Context, url string, header http.Header) (transport.Conn, error) {
	d.mu.Lock()
	d.dials = append(d.dials, dialRecord{url: url, header: header})
	block := d.block
	d.mu.Unlock()
	if block != nil {
		<-block
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.next < len(d.conns) {
		c := d.conns[d.next]
		d.next++
		return c, nil
	}
	if d.err != nil {
		return nil, d.err
	}
	return nil, errors.New("connection refused")
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.dials)
}

func (d *fakeDialer) dial(i int) dialRecord {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials[i]
}

// ---- REST ----

type apiCall struct {
	op   string // create | delete
	path string
	req  openapi.CreateRequest
	ref  string
}

type fakeAPI struct {
	mu       sync.Mutex
	calls    []apiCall
	timeout  int
	snapshot []byte
	createFn func(ctx context.Context, req openapi.CreateRequest) (*openapi.CreateResponse, error)
	deleteFn func(ref string) error

	inflight    atomic.Int32
	maxInflight atomic.Int32
}

func (a *fakeAPI) CreateSubscription(ctx context.Context, path string, req openapi.CreateRequest) (*openapi.CreateResponse, error) {
	n := a.inflight.Add(1)
	defer a.inflight.Add(-1)
	for {
		m := a.maxInflight.Load()
		if n <= m || a.maxInflight.CompareAndSwap(m, n) {
			break
		}
	}

	a.mu.Lock()
	a.calls = append(a.calls, apiCall{op: "create", path: path, req: req, ref: req.ReferenceID})
	fn, timeout, snap := a.createFn, a.timeout, a.snapshot
	a.mu.Unlock()

	if fn != nil {
		return fn(ctx, req)
	}
	if timeout == 0 {
		timeout = 3600
	}
	return &openapi.CreateResponse{ReferenceID: req.ReferenceID, InactivityTimeout: timeout, Snapshot: snap}, nil
}

func (a *fakeAPI) DeleteSubscription(_ context.Context, path, _ string, ref string) error {
	a.mu.Lock()
	a.calls = append(a.calls, apiCall{op: "delete", path: path, ref: ref})
	fn := a.deleteFn
	a.mu.Unlock()
	if fn != nil {
		return fn(ref)
	}
	return nil
}

func (a *fakeAPI) snapshotCalls() []apiCall {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]apiCall(nil), a.calls...)
}

func (a *fakeAPI) count(op string) int {
	n := 0
	for _, c := range a.snapshotCalls() {
		if c.op == op {
			n++
		}
	}
	return n
}

// ---- events ----

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) Report(e Event) {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
}

func (l *eventLog) has(kind EventKind) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.events {
		if e.Kind == kind {
			return true
		}
	}
	return false
}

type expiryFunc func(string) int64

func (f expiryFunc) SecondsUntilExpiry(tok string) int64 { return f(tok) }

// ---- harness ----

type harness struct {
	t      *testing.T
	ctrl   *Controller
	orch   *Orchestrator
	api    *fakeAPI
	dialer *fakeDialer
	events *eventLog
	expiry atomic.Int64

	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

func fastRetry() RetryConfig {
	return RetryConfig{
		MaxAttempts: 2,
		Cooldown:    5 * time.Millisecond,
		Backoff:     backoff.Config{InitialInterval: time.Millisecond, MaxInterval: time.Millisecond, Multiplier: 1},
	}
}

func newHarness(t *testing.T, conns int, tweak ...func(*Config, *Deps)) *harness {
	t.Helper()
	h := &harness{
		t:      t,
		api:    &fakeAPI{},
		dialer: &fakeDialer{},
		events: &eventLog{},
		done:   make(chan struct{}),
	}
	h.expiry.Store(3600)
	for i := 0; i < conns; i++ {
		h.dialer.conns = append(h.dialer.conns, newFakeConn())
	}

	cfg := Config{URL: "wss://stream.example/streamingws/connect", ContextID: "ctx1", Reconnect: fastRetry()}
	deps := Deps{
		Dialer:   h.dialer,
		Tokens:   openapi.StaticToken("tok"),
		Expiry:   expiryFunc(func(string) int64 { return h.expiry.Load() }),
		Reporter: h.events,
	}
	for _, fn := range tweak {
		fn(&cfg, &deps)
	}
	ctrl, err := NewController(cfg, deps, logger.Nop())
	require.NoError(t, err)
	h.ctrl = ctrl
	h.orch = NewOrchestrator(ctrl, h.api, logger.Nop())
	return h
}

func (h *harness) start() {
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() {
		h.err = h.ctrl.Run(ctx)
		close(h.done)
	}()

	actx, acancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer acancel()
	require.NoError(h.t, h.ctrl.AwaitOpen(actx))
	h.t.Cleanup(func() {
		cancel()
		select {
		case <-h.done:
		case <-time.After(2 * time.Second):
		}
	})
}

func (h *harness) conn(i int) *fakeConn { return h.dialer.conns[i] }

func (h *harness) send(i int, recs ...frame.Record) {
	h.t.Helper()
	buf, err := frame.Encode(recs...)
	require.NoError(h.t, err)
	h.conn(i).frames <- buf
}

func (h *harness) wait() error {
	h.t.Helper()
	select {
	case <-h.done:
		return h.err
	case <-time.After(3 * time.Second):
		h.t.Fatal("Run did not return")
		return nil
	}
}

func (h *harness) create(name string) string {
	h.t.Helper()
	ref, err := h.orch.Create(context.Background(), name, params(), nil)
	require.NoError(h.t, err)
	return ref
}

func params() subscription.Params {
	return subscription.Params{Path: "/trade/v1/infoprices/subscriptions", Arguments: map[string]any{"Uic": 21}}
}

func jsonRec(seq uint64, ref, payload string) frame.Record {
	return frame.Record{SequenceID: seq, ReferenceID: ref, Format: 0, Payload: []byte(payload)}
}
