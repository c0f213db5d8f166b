// Package transport даёт дуплексный байтовый поток поверх gorilla/websocket.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/YaganovValera/openapi-streamer/common/backoff"
)

// ErrUnsupported: адрес или среда не дают нужных примитивов транспорта.
var ErrUnsupported = errors.New("transport: binary websocket transport unavailable")

// Config: параметры соединения.
type Config struct {
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	ReadTimeout      time.Duration `mapstructure:"read_timeout"`
	WriteTimeout     time.Duration `mapstructure:"write_timeout"`
	BufferSize       int           `mapstructure:"buffer_size"`
	ReadLimit        int64         `mapstructure:"read_limit"`
}

func (c *Config) applyDefaults() {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 60 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.BufferSize <= 0 {
		c.BufferSize = 256
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = 16 << 20
	}
}

// CloseStatus описывает, как завершилось соединение.
// Clean: получен close-фрейм 1000 либо соединение закрыто нами.
type CloseStatus struct {
	Code  int
	Text  string
	Clean bool
	Err   error
}

func (s CloseStatus) String() string {
	if s.Err != nil {
		return fmt.Sprintf("code=%d clean=%t err=%v", s.Code, s.Clean, s.Err)
	}
	return fmt.Sprintf("code=%d clean=%t text=%q", s.Code, s.Clean, s.Text)
}

// Conn: открытое соединение. Frames закрывается, когда соединение
// завершено, после этого Status возвращает итог.
type Conn interface {
	Frames() <-chan []byte
	Done() <-chan struct{}
	Status() CloseStatus
	Close(code int, text string) error
}

// Dialer открывает соединения.
type Dialer interface {
	Dial(ctx context.Context, url string, header http.Header) (Conn, error)
}

// HandshakeError: сервер отверг upgrade с HTTP-статусом.
type HandshakeError struct {
	Status int
	Err    error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("transport: handshake rejected: status %d: %v", e.Status, e.Err)
}

func (e *HandshakeError) Unwrap() error { return e.Err }

// Retryable: 401/403 и прочие 4xx повторять бессмысленно.
func (e *HandshakeError) Retryable() bool {
	return e.Status == 0 || e.Status == http.StatusTooManyRequests || e.Status >= 500
}

// AsRetry помечает ошибку подключения как постоянную для backoff.Execute,
// если повтор заведомо не поможет.
func AsRetry(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrUnsupported) {
		return backoff.Permanent(err)
	}
	var he *HandshakeError
	if errors.As(err, &he) && !he.Retryable() {
		return backoff.Permanent(err)
	}
	return err
}
