// Package subscription хранит состояние логических подписок одного соединения
// и следит за их активностью.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/YaganovValera/openapi-streamer/internal/codec"
)

var (
	// ErrInvalidName: имя слота не годится как префикс reference id.
	ErrInvalidName = errors.New("subscription: invalid name")
	// ErrNotFound: слот с таким именем не зарегистрирован.
	ErrNotFound = errors.New("subscription: not found")
)

// имя слота становится префиксом reference id: "<name>-<n>", всего ≤ 50 символов
var nameRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,39}$`)

// ValidateName проверяет имя слота.
func ValidateName(name string) error {
	if !nameRe.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

// Params: всё, что нужно, чтобы заново создать серверную подписку.
type Params struct {
	Path        string         `json:"path"`
	Format      codec.Format   `json:"format"`
	RefreshRate int            `json:"refresh_rate,omitempty"` // ms
	Tag         string         `json:"tag,omitempty"`
	Arguments   map[string]any `json:"arguments,omitempty"`
}

// Validate проверяет обязательные поля.
func (p Params) Validate() error {
	if p.Path == "" {
		return errors.New("subscription: path is required")
	}
	if !p.Format.Valid() {
		return fmt.Errorf("subscription: %w: %d", codec.ErrUnknownFormat, uint8(p.Format))
	}
	if p.RefreshRate < 0 {
		return errors.New("subscription: refresh rate must be ≥ 0")
	}
	return nil
}

// Delivery: сообщение, доставленное обработчику подписки.
type Delivery struct {
	Subscription string
	Message      codec.Message
	ReceivedAt   time.Time
}

// Handler обрабатывает сообщения одной подписки. Вызывается последовательно
// из единственного цикла обработки соединения.
type Handler func(ctx context.Context, d Delivery)

// Health: результат последней проверки монитора.
type Health uint8

const (
	HealthUnknown Health = iota
	HealthHealthy
	HealthUnhealthy
	HealthInactive
)

func (h Health) String() string {
	switch h {
	case HealthHealthy:
		return "healthy"
	case HealthUnhealthy:
		return "unhealthy"
	case HealthInactive:
		return "inactive"
	default:
		return "unknown"
	}
}

// MarshalText нужен для JSON-представления в admin API.
func (h Health) MarshalText() ([]byte, error) { return []byte(h.String()), nil }

// Info: снимок состояния подписки.
type Info struct {
	Name              string        `json:"name"`
	ReferenceID       string        `json:"reference_id,omitempty"`
	Active            bool          `json:"active"`
	RecentData        bool          `json:"recent_data"`
	Health            Health        `json:"health"`
	InactivityTimeout time.Duration `json:"inactivity_timeout"`
	SchemaName        string        `json:"schema_name,omitempty"`
	Generation        uint64        `json:"generation"`
	Registrations     int           `json:"registrations"`
	LastMessageAt     time.Time     `json:"last_message_at"`
	Params            Params        `json:"params"`
}
