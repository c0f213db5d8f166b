package openapi

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrNoToken: источник токена вернул пустую строку.
var ErrNoToken = errors.New("openapi: empty access token")

// RequestError: REST-вызов подписки завершился не-2xx статусом.
type RequestError struct {
	Op          string // create | delete
	ReferenceID string
	Status      int
	Body        string
}

func (e *RequestError) Error() string {
	msg := e.Body
	if msg == "" {
		msg = http.StatusText(e.Status)
	}
	return fmt.Sprintf("openapi: %s subscription %q: status %d: %s", e.Op, e.ReferenceID, e.Status, msg)
}

// Unauthorized: сервер отверг токен.
func (e *RequestError) Unauthorized() bool {
	return e.Status == http.StatusUnauthorized || e.Status == http.StatusForbidden
}

// Throttled: превышен лимит запросов контекста.
func (e *RequestError) Throttled() bool { return e.Status == http.StatusTooManyRequests }

// StatusOf возвращает HTTP-статус из цепочки ошибок или 0.
func StatusOf(err error) int {
	var re *RequestError
	if errors.As(err, &re) {
		return re.Status
	}
	return 0
}
