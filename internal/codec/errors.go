package codec

import (
	"errors"
	"fmt"

	"github.com/YaganovValera/openapi-streamer/internal/frame"
)

var (
	// ErrUnknownFormat: тег формата не 0 и не 1.
	ErrUnknownFormat = errors.New("codec: unknown payload format")
	// ErrMalformedJSON: payload формата JSON не является валидным UTF-8 JSON.
	ErrMalformedJSON = errors.New("codec: malformed JSON payload")
	// ErrSchemaNotRegistered: бинарное сообщение пришло до регистрации схемы.
	ErrSchemaNotRegistered = errors.New("codec: schema not registered")
	// ErrInvalidSchema: blob схемы не разобран.
	ErrInvalidSchema = errors.New("codec: invalid schema")
	// ErrNoSchemaDecoder: декодер собран без поддержки бинарных схем.
	ErrNoSchemaDecoder = errors.New("codec: no schema decoder configured")
)

// DecodeError описывает одну отброшенную запись бандла.
type DecodeError struct {
	SequenceID  uint64
	ReferenceID string
	Format      Format
	Err         error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s message %d for %q: %v", e.Format, e.SequenceID, e.ReferenceID, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Reason: короткая метка причины для метрик.
func (e *DecodeError) Reason() string {
	switch {
	case errors.Is(e.Err, ErrUnknownFormat):
		return "unknown_format"
	case errors.Is(e.Err, ErrMalformedJSON):
		return "malformed_json"
	case errors.Is(e.Err, ErrSchemaNotRegistered):
		return "schema_not_registered"
	case errors.Is(e.Err, ErrNoSchemaDecoder):
		return "no_schema_decoder"
	case errors.Is(e.Err, frame.ErrTruncated):
		return "truncated"
	default:
		return "binary_decode"
	}
}
