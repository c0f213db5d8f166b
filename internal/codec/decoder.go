package codec

import (
	"fmt"
	"sync"
	"unicode/utf8"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/YaganovValera/openapi-streamer/common/logger"
	"github.com/YaganovValera/openapi-streamer/internal/frame"
	"github.com/YaganovValera/openapi-streamer/internal/metrics"
)

// ErrorHandler получает каждую отброшенную запись бандла.
type ErrorHandler func(*DecodeError)

// Decoder превращает бандлы транспорта в сообщения.
// Ошибка в одной записи не влияет на остальные записи бандла.
type Decoder struct {
	schemas SchemaDecoder
	log     *logger.Logger
	onError ErrorHandler

	mu       sync.RWMutex
	bindings map[string]string // reference id → schema name
}

// NewDecoder создаёт Decoder. schemas может быть nil, тогда бинарные
// записи отбрасываются с ErrNoSchemaDecoder; onError может быть nil.
func NewDecoder(schemas SchemaDecoder, log *logger.Logger, onError ErrorHandler) *Decoder {
	return &Decoder{
		schemas:  schemas,
		log:      log.Named("codec"),
		onError:  onError,
		bindings: make(map[string]string),
	}
}

// RegisterSchema регистрирует схему из ответа на создание подписки.
func (d *Decoder) RegisterSchema(name string, blob []byte) error {
	if d.schemas == nil {
		return ErrNoSchemaDecoder
	}
	return d.schemas.RegisterSchema(name, blob)
}

// Bind связывает reference id подписки со схемой её бинарных сообщений.
func (d *Decoder) Bind(referenceID, schema string) {
	d.mu.Lock()
	d.bindings[referenceID] = schema
	d.mu.Unlock()
}

// Unbind удаляет связь reference id со схемой.
func (d *Decoder) Unbind(referenceID string) {
	d.mu.Lock()
	delete(d.bindings, referenceID)
	d.mu.Unlock()
}

// SchemaFor возвращает схему, привязанную к reference id.
func (d *Decoder) SchemaFor(referenceID string) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	s, ok := d.bindings[referenceID]
	return s, ok
}

// DecodePayload декодирует payload формата format; для бинарного формата
// используется схема schema.
func (d *Decoder) DecodePayload(format Format, data []byte, schema string) (json.RawMessage, error) {
	switch format {
	case FormatJSON:
		if !utf8.Valid(data) || !json.Valid(data) {
			return nil, ErrMalformedJSON
		}
		return json.RawMessage(data), nil
	case FormatProtobuf:
		if d.schemas == nil {
			return nil, ErrNoSchemaDecoder
		}
		if schema == "" {
			return nil, ErrSchemaNotRegistered
		}
		out, err := d.schemas.Decode(schema, data)
		if err != nil {
			return nil, err
		}
		return json.RawMessage(out), nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownFormat, uint8(format))
	}
}

// DecodeFrame разбирает бандл и декодирует каждую запись по порядку.
// Записи с неизвестным форматом, битым JSON или без схемы пропускаются,
// следующие за ними записи декодируются как обычно.
func (d *Decoder) DecodeFrame(buf []byte) []Message {
	records, splitErr := frame.Split(buf)

	msgs := make([]Message, 0, len(records))
	for _, rec := range records {
		format := Format(rec.Format)
		schema, _ := d.SchemaFor(rec.ReferenceID)

		payload, err := d.DecodePayload(format, rec.Payload, schema)
		if err != nil {
			d.drop(&DecodeError{
				SequenceID:  rec.SequenceID,
				ReferenceID: rec.ReferenceID,
				Format:      format,
				Err:         err,
			})
			continue
		}
		metrics.MessagesTotal.WithLabelValues(format.String()).Inc()
		msgs = append(msgs, Message{
			SequenceID:  rec.SequenceID,
			ReferenceID: rec.ReferenceID,
			Format:      format,
			Payload:     payload,
		})
	}

	if splitErr != nil {
		d.drop(&DecodeError{Err: splitErr})
	}
	return msgs
}

func (d *Decoder) drop(e *DecodeError) {
	reason := e.Reason()
	metrics.DecodeErrors.WithLabelValues(reason).Inc()
	d.log.Warn("message dropped",
		zap.String("reason", reason),
		zap.String("reference_id", e.ReferenceID),
		zap.Uint64("sequence_id", e.SequenceID),
		zap.Stringer("format", e.Format),
		zap.Error(e.Err),
	)
	if d.onError != nil {
		d.onError(e)
	}
}
