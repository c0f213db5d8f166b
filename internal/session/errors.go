package session

import (
	"errors"
	"fmt"
)

var (
	// ErrTransportUnavailable: нет примитивов транспорта (dialer не задан,
	// схема адреса не websocket). Не ретраится.
	ErrTransportUnavailable = errors.New("session: streaming transport unavailable")
	// ErrCredentialExpired: соединение потеряно, а токен уже истёк.
	// Нужна новая аутентификация, переподключение не выполняется.
	ErrCredentialExpired = errors.New("session: access token expired")
	// ErrSessionTerminated: сервер прислал _disconnect.
	ErrSessionTerminated = errors.New("session: terminated by server, re-authentication required")
	// ErrReconnectDeclined: политика переподключения ответила «нет».
	ErrReconnectDeclined = errors.New("session: reconnect declined")
	// ErrConnectionClosed: соединение штатно закрыто.
	ErrConnectionClosed = errors.New("session: connection closed")
	// ErrNotConnected: операция требует открытого соединения.
	ErrNotConnected = errors.New("session: not connected")
	// ErrAlreadyStarted: Connect вызван повторно.
	ErrAlreadyStarted = errors.New("session: already started")
	// ErrUnknownSubscription: reference id или имя не отслеживаются.
	ErrUnknownSubscription = errors.New("session: unknown subscription")
	// ErrStaleResponse: ответ на создание пришёл после того, как слот
	// был удалён или переиздан; регистрация отброшена.
	ErrStaleResponse = errors.New("session: stale subscription response")
)

// Виды закрытия соединения.
const (
	KindClean             = "clean"
	KindTransient         = "transient"
	KindCredentialExpired = "credential_expired"
	KindServerDisconnect  = "server_disconnect"
)

// DisconnectError описывает закрытие соединения.
type DisconnectError struct {
	Code  int
	Text  string
	Clean bool
	Kind  string
	Err   error
}

func (e *DisconnectError) Error() string {
	s := fmt.Sprintf("session: connection closed (%s): code %d", e.Kind, e.Code)
	if e.Text != "" {
		s += " " + e.Text
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *DisconnectError) Unwrap() error { return e.Err }
