// Package session держит одно потоковое соединение: жизненный цикл,
// управляющие сообщения, переподключение и подписки поверх него.
package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/YaganovValera/openapi-streamer/common/backoff"
	"github.com/YaganovValera/openapi-streamer/common/logger"
	"github.com/YaganovValera/openapi-streamer/common/telemetry"
	"github.com/YaganovValera/openapi-streamer/internal/codec"
	"github.com/YaganovValera/openapi-streamer/internal/metrics"
	"github.com/YaganovValera/openapi-streamer/internal/openapi"
	"github.com/YaganovValera/openapi-streamer/internal/subscription"
	"github.com/YaganovValera/openapi-streamer/internal/transport"
)

// Config: параметры соединения.
type Config struct {
	URL       string
	ContextID string
	Resume    bool
	Reconnect RetryConfig
}

// Deps: внешние зависимости контроллера. Dialer и Tokens обязательны
// для подключения; остальное имеет значения по умолчанию.
type Deps struct {
	Dialer   transport.Dialer
	Tokens   openapi.TokenSource
	Expiry   openapi.ExpiryOracle
	Policy   ReconnectPolicy
	Reporter Reporter
	Schemas  codec.SchemaDecoder
	Registry *subscription.Registry
}

// Info: снимок состояния сессии для admin API.
type Info struct {
	State        State     `json:"state"`
	ContextID    string    `json:"context_id"`
	LastSequence uint64    `json:"last_sequence"`
	HasSequence  bool      `json:"has_sequence"`
	Since        time.Time `json:"since"`
	Reconnects   int       `json:"reconnects"`
	Error        string    `json:"error,omitempty"`
}

// NewContextID генерирует context id (32 hex-символа).
func NewContextID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Controller владеет соединением. Кадры обрабатываются строго по одному
// в цикле Run; вызовы обработчиков подписок не пересекаются.
type Controller struct {
	cfg      Config
	dialer   transport.Dialer
	tokens   openapi.TokenSource
	expiry   openapi.ExpiryOracle
	policy   ReconnectPolicy
	reporter Reporter

	reg     *subscription.Registry
	mon     *subscription.Monitor
	decoder *codec.Decoder
	orch    *Orchestrator

	log    *logger.Logger
	tracer trace.Tracer

	local chan codec.Message // снапшоты из ответов REST
	wg    sync.WaitGroup     // фоновые пересоздания

	mu         sync.Mutex
	state      State
	changed    chan struct{}
	since      time.Time
	conn       transport.Conn
	closing    bool
	terminal   error
	lastSeq    uint64
	hasSeq     bool
	reconnects int
	loopDone   chan struct{} // закрыт, когда цикл Run завершён
}

// NewController создаёт контроллер в состоянии Unconnected.
func NewController(cfg Config, deps Deps, log *logger.Logger) (*Controller, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("session: streaming url is required")
	}
	if cfg.ContextID == "" {
		cfg.ContextID = NewContextID()
	}
	if codec.IsControlReferenceID(cfg.ContextID) || len(cfg.ContextID) > 50 {
		return nil, fmt.Errorf("session: invalid context id %q", cfg.ContextID)
	}
	cfg.Reconnect.applyDefaults()

	c := &Controller{
		cfg:      cfg,
		dialer:   deps.Dialer,
		tokens:   deps.Tokens,
		expiry:   deps.Expiry,
		policy:   deps.Policy,
		reporter: deps.Reporter,
		reg:      deps.Registry,
		log:      log.Named("session").With(zap.String("context_id", cfg.ContextID)),
		tracer:   telemetry.Tracer("session"),
		local:    make(chan codec.Message, 64),
		changed:  make(chan struct{}),
		since:    time.Now(),
	}
	if c.expiry == nil {
		c.expiry = openapi.JWTExpiry{}
	}
	if c.policy == nil {
		c.policy = AlwaysReconnect(cfg.Reconnect.MaxRounds)
	}
	if c.reporter == nil {
		c.reporter = LogReporter(log)
	}
	if c.reg == nil {
		c.reg = subscription.NewRegistry()
	}
	c.mon = subscription.NewMonitor(c.reg, log, func(info subscription.Info, h subscription.Health) {
		if h == subscription.HealthUnhealthy {
			c.report(Event{Kind: EventSubscriptionUnhealthy, Subscription: info.Name, ReferenceID: info.ReferenceID})
		}
	})
	c.decoder = codec.NewDecoder(deps.Schemas, log, func(e *codec.DecodeError) {
		c.report(Event{Kind: EventDecodeError, ReferenceID: e.ReferenceID, Err: e})
	})
	return c, nil
}

// ContextID: идентификатор контекста соединения.
func (c *Controller) ContextID() string { return c.cfg.ContextID }

// Registry: реестр подписок соединения.
func (c *Controller) Registry() *subscription.Registry { return c.reg }

// Monitor: монитор активности подписок.
func (c *Controller) Monitor() *subscription.Monitor { return c.mon }

// Decoder: декодер кадров соединения.
func (c *Controller) Decoder() *codec.Decoder { return c.decoder }

// State возвращает текущее состояние.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Info возвращает снимок состояния.
func (c *Controller) Info() Info {
	c.mu.Lock()
	defer c.mu.Unlock()
	info := Info{
		State:        c.state,
		ContextID:    c.cfg.ContextID,
		LastSequence: c.lastSeq,
		HasSequence:  c.hasSeq,
		Since:        c.since,
		Reconnects:   c.reconnects,
	}
	if c.terminal != nil {
		info.Error = c.terminal.Error()
	}
	return info
}

// LastSequence: последний полученный sequence id.
func (c *Controller) LastSequence() (uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSeq, c.hasSeq
}

// ResumeFrom задаёт sequence id, с которого продолжить поток при подключении.
func (c *Controller) ResumeFrom(seq uint64) {
	c.mu.Lock()
	c.lastSeq, c.hasSeq = seq, true
	c.mu.Unlock()
}

// Ready: соединение открыто.
func (c *Controller) Ready() bool { return c.State() == StateOpen }

// AwaitOpen ждёт состояния Open. Возвращает ошибку, если соединение
// завершилось терминально или отменён ctx.
func (c *Controller) AwaitOpen(ctx context.Context) error {
	for {
		c.mu.Lock()
		st, ch, term := c.state, c.changed, c.terminal
		c.mu.Unlock()
		if st == StateOpen {
			return nil
		}
		if term != nil {
			return term
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setStateLocked(s)
}

func (c *Controller) setStateLocked(s State) {
	if c.state == s {
		return
	}
	c.log.Debug("state changed", zap.Stringer("from", c.state), zap.Stringer("to", s))
	c.state = s
	c.since = time.Now()
	metrics.ConnectionState.Set(float64(s))
	close(c.changed)
	c.changed = make(chan struct{})
}

func (c *Controller) fail(err error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.terminal == nil {
		c.terminal = err
	}
	c.setStateLocked(StateClosed)
	return err
}

func (c *Controller) report(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	c.reporter.Report(e)
}

// Connect переводит Unconnected → Connecting → Open. Попытки подключения
// ограничены бюджетом серии; без транспорта ошибка сразу.
func (c *Controller) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateUnconnected {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	c.setStateLocked(StateConnecting)
	c.mu.Unlock()

	if c.dialer == nil || c.tokens == nil {
		c.report(Event{Kind: EventTransportUnavailable, Err: ErrTransportUnavailable})
		return c.fail(ErrTransportUnavailable)
	}

	conn, err := c.connectBurst(ctx)
	if err != nil {
		if errors.Is(err, ErrTransportUnavailable) {
			c.report(Event{Kind: EventTransportUnavailable, Err: err})
		}
		return c.fail(fmt.Errorf("session: connect: %w", err))
	}
	c.attach(conn)
	c.report(Event{Kind: EventConnected})
	return nil
}

// startConnect запускает подключение в фоне, если соединение ещё не
// создавалось. Кадры начнёт разбирать Run.
func (c *Controller) startConnect(ctx context.Context) {
	if c.State() != StateUnconnected {
		return
	}
	ctx = context.WithoutCancel(ctx)
	go func() {
		if err := c.Connect(ctx); err != nil && !errors.Is(err, ErrAlreadyStarted) {
			c.log.Error("connect on subscribe", zap.Error(err))
		}
	}()
}

func (c *Controller) attach(conn transport.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn = conn
	c.closing = false
	c.setStateLocked(StateOpen)
}

// connectBurst: одна серия попыток подключения.
func (c *Controller) connectBurst(ctx context.Context) (transport.Conn, error) {
	ctx, span := c.tracer.Start(ctx, "session.Connect")
	defer span.End()

	var conn transport.Conn
	err := backoff.Execute(ctx, c.cfg.Reconnect.burst(), c.log, func(ctx context.Context) error {
		cn, err := c.dial(ctx)
		if err != nil {
			return transport.AsRetry(err)
		}
		conn = cn
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return conn, nil
}

func (c *Controller) dial(ctx context.Context) (transport.Conn, error) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	target, err := c.streamURL()
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	conn, err := c.dialer.Dial(ctx, target, header)
	if err != nil {
		if errors.Is(err, transport.ErrUnsupported) {
			return nil, fmt.Errorf("%w: %w", ErrTransportUnavailable, err)
		}
		return nil, err
	}
	c.log.Info("connected", zap.String("url", redactURL(target)))
	return conn, nil
}

func (c *Controller) streamURL() (string, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTransportUnavailable, err)
	}
	q := u.Query()
	q.Set("contextId", c.cfg.ContextID)
	if seq, ok := c.LastSequence(); ok && c.cfg.Resume {
		q.Set("messageid", strconv.FormatUint(seq, 10))
	} else {
		q.Del("messageid")
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func redactURL(s string) string {
	if i := strings.IndexByte(s, '?'); i >= 0 {
		return s[:i]
	}
	return s
}

// Run подключается (если ещё не подключён) и обрабатывает кадры до
// отмены ctx, штатного закрытия или терминальной ошибки.
// Отмена ctx закрывает соединение и возвращает nil.
func (c *Controller) Run(ctx context.Context) error {
	loopDone := make(chan struct{})
	c.mu.Lock()
	c.loopDone = loopDone
	c.mu.Unlock()
	defer func() {
		close(loopDone)
		c.wg.Wait()
	}()

	if c.State() == StateUnconnected {
		if err := c.Connect(ctx); err != nil && !errors.Is(err, ErrAlreadyStarted) {
			return err
		}
	}
	// соединение могло быть начато оркестратором
	if err := c.AwaitOpen(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}

	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return ErrNotConnected
		}

		err := c.process(ctx, conn)
		switch {
		case ctx.Err() != nil:
			c.shutdown(conn)
			return nil
		case errors.Is(err, ErrSessionTerminated):
			return err
		}

		<-conn.Done()
		c.mu.Lock()
		closing := c.closing
		c.mu.Unlock()
		if closing {
			return nil
		}
		if err := c.handleClose(ctx, conn.Status()); err != nil {
			if errors.Is(err, ErrConnectionClosed) || ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

func (c *Controller) process(ctx context.Context, conn transport.Conn) error {
	frames := conn.Frames()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case data, ok := <-frames:
			if !ok {
				return nil
			}
			if err := c.handleFrame(ctx, data); err != nil {
				return err
			}
		case m := <-c.local:
			c.dispatch(ctx, m)
		}
	}
}

func (c *Controller) handleFrame(ctx context.Context, data []byte) error {
	for _, m := range c.decoder.DecodeFrame(data) {
		c.mu.Lock()
		c.lastSeq, c.hasSeq = m.SequenceID, true
		c.mu.Unlock()

		if m.IsControl() {
			if err := c.handleControl(ctx, m); err != nil {
				return err
			}
			continue
		}
		c.dispatch(ctx, m)
	}
	return nil
}

func (c *Controller) handleControl(ctx context.Context, m codec.Message) error {
	switch m.ReferenceID {
	case codec.HeartbeatReferenceID:
		metrics.ControlMessages.WithLabelValues("heartbeat").Inc()
		hbs, err := parseHeartbeats(m)
		if err != nil {
			c.log.Warn("bad heartbeat", zap.Error(err))
			return nil
		}
		for _, hb := range hbs {
			if !c.reg.MarkAlive(hb.OriginatingReferenceID) {
				c.log.Debug("heartbeat for unknown reference id",
					zap.String("reference_id", hb.OriginatingReferenceID), zap.String("reason", hb.Reason))
			}
		}

	case codec.ResetSubscriptionsReferenceID:
		metrics.ControlMessages.WithLabelValues("reset").Inc()
		targets := parseResetTargets(m)
		c.report(Event{Kind: EventResetSubscriptions, ReferenceID: strings.Join(targets, ",")})
		c.recreateAsync(ctx, targets, true)

	case codec.DisconnectReferenceID:
		metrics.ControlMessages.WithLabelValues("disconnect").Inc()
		c.report(Event{Kind: EventSessionTerminated, Err: ErrSessionTerminated})
		c.mu.Lock()
		c.closing = true
		conn := c.conn
		c.mu.Unlock()
		c.setState(StateClosing)
		if err := conn.Close(websocket.CloseNormalClosure, "server disconnect"); err != nil {
			c.log.Warn("close after server disconnect", zap.Error(err))
		}
		c.teardown()
		return c.fail(&DisconnectError{
			Code: websocket.CloseNormalClosure, Clean: true, Kind: KindServerDisconnect, Err: ErrSessionTerminated,
		})

	default:
		metrics.ControlMessages.WithLabelValues("unknown").Inc()
		c.log.Warn("unknown control message", zap.String("reference_id", m.ReferenceID))
	}
	return nil
}

func (c *Controller) dispatch(ctx context.Context, m codec.Message) {
	name, h, ok := c.reg.Route(m.ReferenceID)
	if !ok {
		metrics.UnroutedMessages.Inc()
		c.log.Debug("message for untracked reference id",
			zap.String("reference_id", m.ReferenceID), zap.Uint64("sequence_id", m.SequenceID))
		return
	}
	if h == nil {
		return
	}
	h(ctx, subscription.Delivery{Subscription: name, Message: m, ReceivedAt: time.Now()})
}

// enqueue передаёт сообщение в цикл обработки (снапшоты из ответов REST).
func (c *Controller) enqueue(ctx context.Context, m codec.Message) {
	c.mu.Lock()
	loopDone := c.loopDone
	c.mu.Unlock()
	if loopDone == nil {
		select {
		case c.local <- m:
		default:
			c.log.Warn("snapshot dropped, processing loop not running", zap.String("reference_id", m.ReferenceID))
		}
		return
	}
	select {
	case c.local <- m:
	case <-loopDone:
	case <-ctx.Done():
	}
}

func (c *Controller) recreateAsync(ctx context.Context, targets []string, replace bool) {
	if c.orch == nil {
		c.log.Warn("no orchestrator attached, subscriptions not recreated")
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := c.orch.recreate(ctx, targets, replace); err != nil && ctx.Err() == nil {
			c.log.Error("recreate subscriptions", zap.Error(err))
		}
	}()
}

// handleClose решает судьбу соединения после закрытия транспортом.
// nil означает, что соединение восстановлено.
func (c *Controller) handleClose(ctx context.Context, st transport.CloseStatus) error {
	c.setState(StateClosed)
	de := &DisconnectError{Code: st.Code, Text: st.Text, Clean: st.Clean, Err: st.Err}

	if st.Clean {
		de.Kind = KindClean
		c.log.Info("connection closed cleanly", zap.Int("code", st.Code), zap.String("text", st.Text))
		c.teardown()
		c.report(Event{Kind: EventDisconnected, Code: st.Code})
		c.fail(fmt.Errorf("%w: %w", ErrConnectionClosed, de))
		return ErrConnectionClosed
	}

	// ответы на запросы, отправленные в старый контекст, больше не действительны
	c.reg.Invalidate()

	if c.credentialExpired(ctx) {
		de.Kind = KindCredentialExpired
		return c.expired(de)
	}
	de.Kind = KindTransient
	c.report(Event{Kind: EventDisconnected, Code: st.Code, Err: st.Err})
	return c.reconnect(ctx, de)
}

func (c *Controller) credentialExpired(ctx context.Context) bool {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return false
	}
	return c.expiry.SecondsUntilExpiry(token) <= 0
}

func (c *Controller) expired(de *DisconnectError) error {
	c.teardown()
	c.report(Event{Kind: EventCredentialExpired, Code: de.Code, Err: ErrCredentialExpired})
	return c.fail(fmt.Errorf("%w: %w", ErrCredentialExpired, de))
}

// reconnect: серии попыток с cooldown между ними, пока политика разрешает.
func (c *Controller) reconnect(ctx context.Context, de *DisconnectError) error {
	for round := 1; ; round++ {
		if !c.policy.ShouldReconnect(ctx, de, round) {
			c.teardown()
			c.report(Event{Kind: EventReconnectDeclined, Code: de.Code, Attempt: round})
			return c.fail(fmt.Errorf("%w: %w", ErrReconnectDeclined, de))
		}
		c.setState(StateReconnecting)
		c.report(Event{Kind: EventReconnecting, Code: de.Code, Attempt: round})

		conn, err := c.connectBurst(ctx)
		if err == nil {
			metrics.ReconnectAttempts.WithLabelValues("success").Inc()
			c.mu.Lock()
			c.reconnects++
			c.mu.Unlock()
			c.attach(conn)
			c.report(Event{Kind: EventReconnected, Attempt: round})
			// старый контекст на сервере снят вместе с соединением
			c.recreateAsync(ctx, nil, false)
			return nil
		}
		if ctx.Err() != nil {
			c.teardown()
			return ctx.Err()
		}
		metrics.ReconnectAttempts.WithLabelValues("failure").Inc()
		c.report(Event{Kind: EventReconnectFailed, Attempt: round, Status: handshakeStatus(err), Err: err})
		if errors.Is(err, ErrTransportUnavailable) {
			c.teardown()
			return c.fail(err)
		}
		if c.credentialExpired(ctx) {
			de.Kind = KindCredentialExpired
			return c.expired(de)
		}

		c.log.Warn("reconnect burst failed, cooling down",
			zap.Int("round", round), zap.Duration("cooldown", c.cfg.Reconnect.Cooldown))
		if err := backoff.Sleep(ctx, c.cfg.Reconnect.Cooldown); err != nil {
			c.teardown()
			return err
		}
	}
}

func handshakeStatus(err error) int {
	var he *transport.HandshakeError
	if errors.As(err, &he) {
		return he.Status
	}
	return 0
}

// teardown останавливает мониторы и снимает флаги active.
func (c *Controller) teardown() {
	c.mon.StopAll()
	c.reg.DeactivateAll()
}

// Disconnect закрывает соединение кодом 1000: Open → Closing → Closed.
// Мониторы подписок останавливаются и не восстанавливаются.
func (c *Controller) Disconnect(ctx context.Context) error {
	_, span := c.tracer.Start(ctx, "session.Disconnect",
		trace.WithAttributes(attribute.String("context_id", c.cfg.ContextID)))
	defer span.End()

	c.mu.Lock()
	if c.state != StateOpen || c.conn == nil {
		c.mu.Unlock()
		return ErrNotConnected
	}
	c.closing = true
	conn := c.conn
	c.setStateLocked(StateClosing)
	c.mu.Unlock()

	c.mon.StopAll()
	err := conn.Close(websocket.CloseNormalClosure, "client disconnect")
	c.reg.DeactivateAll()
	c.fail(ErrConnectionClosed)
	c.report(Event{Kind: EventDisconnected, Code: websocket.CloseNormalClosure})
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("session: disconnect: %w", err)
	}
	return nil
}

func (c *Controller) shutdown(conn transport.Conn) {
	c.mu.Lock()
	already := c.closing
	c.closing = true
	c.mu.Unlock()
	if already {
		return
	}
	c.setState(StateClosing)
	c.mon.StopAll()
	if err := conn.Close(websocket.CloseNormalClosure, "shutdown"); err != nil {
		c.log.Warn("close on shutdown", zap.Error(err))
	}
	c.reg.DeactivateAll()
	c.fail(ErrConnectionClosed)
}
