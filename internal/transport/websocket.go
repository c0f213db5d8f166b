package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/YaganovValera/openapi-streamer/common/logger"
	"github.com/YaganovValera/openapi-streamer/internal/metrics"
)

// WSDialer: Dialer на gorilla/websocket.
type WSDialer struct {
	cfg    Config
	log    *logger.Logger
	dialer *websocket.Dialer
}

// NewDialer создаёт WSDialer.
func NewDialer(cfg Config, log *logger.Logger) *WSDialer {
	cfg.applyDefaults()
	return &WSDialer{
		cfg: cfg,
		log: log.Named("transport"),
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
	}
}

// Dial открывает соединение и запускает чтение и ping.
func (d *WSDialer) Dial(ctx context.Context, rawURL string, header http.Header) (Conn, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupported, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("%w: scheme %q", ErrUnsupported, u.Scheme)
	}

	ws, resp, err := d.dialer.DialContext(ctx, rawURL, header)
	if err != nil {
		if resp != nil {
			return nil, &HandshakeError{Status: resp.StatusCode, Err: err}
		}
		return nil, fmt.Errorf("transport: dial: %w", err)
	}
	ws.SetReadLimit(d.cfg.ReadLimit)

	c := &wsConn{
		ws:     ws,
		cfg:    d.cfg,
		log:    d.log,
		frames: make(chan []byte, d.cfg.BufferSize),
		done:   make(chan struct{}),
		stop:   make(chan struct{}),
	}
	go c.readLoop()
	go c.pingLoop()
	return c, nil
}

type wsConn struct {
	ws  *websocket.Conn
	cfg Config
	log *logger.Logger

	frames chan []byte
	done   chan struct{}
	stop   chan struct{}

	writeMu   sync.Mutex
	closeOnce sync.Once

	mu     sync.Mutex
	local  bool
	status CloseStatus
}

func (c *wsConn) Frames() <-chan []byte { return c.frames }
func (c *wsConn) Done() <-chan struct{} { return c.done }

func (c *wsConn) Status() CloseStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *wsConn) readLoop() {
	defer close(c.done)
	defer close(c.frames)
	defer c.ws.Close()

	_ = c.ws.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
	})

	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			c.finish(err)
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
		if mt != websocket.BinaryMessage {
			c.log.Debug("non-binary message ignored", zap.Int("type", mt), zap.Int("size", len(data)))
			continue
		}
		metrics.FramesTotal.Inc()
		select {
		case c.frames <- data:
		case <-c.stop:
			c.finish(nil)
			return
		}
	}
}

// finish фиксирует итог соединения.
func (c *wsConn) finish(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.local {
		// закрыли сами: итог уже записан в Close
		return
	}
	var ce *websocket.CloseError
	switch {
	case errors.As(err, &ce):
		c.status = CloseStatus{Code: ce.Code, Text: ce.Text, Clean: ce.Code == websocket.CloseNormalClosure}
	case err != nil:
		c.status = CloseStatus{Code: websocket.CloseAbnormalClosure, Err: err}
	default:
		c.status = CloseStatus{Code: websocket.CloseNormalClosure, Clean: true}
	}
	c.log.Info("connection closed", zap.Stringer("status", c.status))
}

func (c *wsConn) pingLoop() {
	ticker := time.NewTicker(c.cfg.ReadTimeout / 3)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.WriteTimeout))
			c.writeMu.Unlock()
			if err != nil {
				c.log.Warn("ping failed", zap.Error(err))
			}
		}
	}
}

// Close отправляет close-фрейм и ждёт завершения чтения.
func (c *wsConn) Close(code int, text string) error {
	var err error
	c.closeOnce.Do(func() {
		select {
		case <-c.done:
			return
		default:
		}
		c.mu.Lock()
		c.local = true
		c.status = CloseStatus{Code: code, Text: text, Clean: code == websocket.CloseNormalClosure}
		c.mu.Unlock()

		c.writeMu.Lock()
		err = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, text), time.Now().Add(c.cfg.WriteTimeout))
		c.writeMu.Unlock()
		close(c.stop)

		select {
		case <-c.done:
		case <-time.After(c.cfg.WriteTimeout):
			_ = c.ws.Close()
			<-c.done
		}
	})
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		return fmt.Errorf("transport: close: %w", err)
	}
	return nil
}
