package session

import (
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/YaganovValera/openapi-streamer/common/logger"
)

// EventKind: класс события для оператора.
type EventKind string

const (
	EventConnected             EventKind = "connected"
	EventDisconnected          EventKind = "disconnected"
	EventReconnecting          EventKind = "reconnecting"
	EventReconnected           EventKind = "reconnected"
	EventReconnectFailed       EventKind = "reconnect_failed"
	EventReconnectDeclined     EventKind = "reconnect_declined"
	EventCredentialExpired     EventKind = "credential_expired"
	EventSessionTerminated     EventKind = "session_terminated"
	EventTransportUnavailable  EventKind = "transport_unavailable"
	EventResetSubscriptions    EventKind = "reset_subscriptions"
	EventSubscriptionUnhealthy EventKind = "subscription_unhealthy"
	EventSubscriptionError     EventKind = "subscription_error"
	EventDecodeError           EventKind = "decode_error"
)

// Event: отчёт для оператора. Поля, не относящиеся к событию, пустые.
type Event struct {
	Kind         EventKind
	Time         time.Time
	Subscription string
	ReferenceID  string
	Status       int // HTTP
	Code         int // websocket close code
	Attempt      int
	Err          error
}

func (e Event) String() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Subscription != "" {
		fmt.Fprintf(&b, " subscription=%s", e.Subscription)
	}
	if e.ReferenceID != "" {
		fmt.Fprintf(&b, " reference_id=%s", e.ReferenceID)
	}
	if e.Status != 0 {
		fmt.Fprintf(&b, " http_status=%d", e.Status)
	}
	if e.Code != 0 {
		fmt.Fprintf(&b, " close_code=%d", e.Code)
	}
	if e.Attempt != 0 {
		fmt.Fprintf(&b, " attempt=%d", e.Attempt)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

// Reporter получает события сессии. Вызывается синхронно, не должен блокировать.
type Reporter interface {
	Report(Event)
}

// ReporterFunc адаптирует функцию к Reporter.
type ReporterFunc func(Event)

func (f ReporterFunc) Report(e Event) { f(e) }

// MultiReporter рассылает событие всем получателям.
type MultiReporter []Reporter

func (m MultiReporter) Report(e Event) {
	for _, r := range m {
		if r != nil {
			r.Report(e)
		}
	}
}

type logReporter struct{ log *logger.Logger }

// LogReporter пишет события в лог с уровнем по тяжести.
func LogReporter(log *logger.Logger) Reporter {
	return logReporter{log: log.Named("events")}
}

func (r logReporter) Report(e Event) {
	fields := []zap.Field{zap.String("event", string(e.Kind))}
	if e.Subscription != "" {
		fields = append(fields, zap.String("subscription", e.Subscription))
	}
	if e.ReferenceID != "" {
		fields = append(fields, zap.String("reference_id", e.ReferenceID))
	}
	if e.Status != 0 {
		fields = append(fields, zap.Int("http_status", e.Status))
	}
	if e.Code != 0 {
		fields = append(fields, zap.Int("close_code", e.Code))
	}
	if e.Attempt != 0 {
		fields = append(fields, zap.Int("attempt", e.Attempt))
	}
	if e.Err != nil {
		fields = append(fields, zap.Error(e.Err))
	}

	switch e.Kind {
	case EventCredentialExpired, EventSessionTerminated, EventTransportUnavailable,
		EventReconnectDeclined, EventReconnectFailed:
		r.log.Error(e.String(), fields...)
	case EventDisconnected, EventSubscriptionUnhealthy, EventSubscriptionError,
		EventDecodeError, EventResetSubscriptions:
		r.log.Warn(e.String(), fields...)
	default:
		r.log.Info(e.String(), fields...)
	}
}
