package codec

import (
	"strings"

	"github.com/goccy/go-json"
)

// Зарезервированные reference id управляющего канала.
const (
	HeartbeatReferenceID          = "_heartbeat"
	ResetSubscriptionsReferenceID = "_resetsubscriptions"
	DisconnectReferenceID         = "_disconnect"
)

// Message: декодированная запись.
// Payload всегда JSON: бинарные записи переводятся в JSON через схему.
type Message struct {
	SequenceID  uint64
	ReferenceID string
	Format      Format
	Payload     json.RawMessage
	// Snapshot отмечает начальное состояние из ответа на создание подписки.
	Snapshot bool
}

// IsControl: сообщение управляющего канала (reference id начинается с "_").
func (m Message) IsControl() bool { return IsControlReferenceID(m.ReferenceID) }

// Unmarshal разбирает payload в v.
func (m Message) Unmarshal(v any) error { return json.Unmarshal(m.Payload, v) }

// IsControlReferenceID: префикс "_" зарезервирован за управляющими сообщениями.
func IsControlReferenceID(id string) bool { return strings.HasPrefix(id, "_") }
