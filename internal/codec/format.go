package codec

import (
	"fmt"
	"strings"
)

// Format: тег формата payload из заголовка записи.
type Format uint8

const (
	// FormatJSON: UTF-8 JSON текст.
	FormatJSON Format = 0
	// FormatProtobuf: запись, закодированная по схеме из ответа на создание подписки.
	FormatProtobuf Format = 1
)

// Valid сообщает, известен ли формат декодеру.
func (f Format) Valid() bool { return f == FormatJSON || f == FormatProtobuf }

func (f Format) String() string {
	switch f {
	case FormatJSON:
		return "json"
	case FormatProtobuf:
		return "protobuf"
	default:
		return fmt.Sprintf("format(%d)", uint8(f))
	}
}

// MediaType: значение поля Format в запросе создания подписки.
// Для JSON сервер использует формат по умолчанию, поэтому строка пустая.
func (f Format) MediaType() string {
	if f == FormatProtobuf {
		return "application/x-protobuf"
	}
	return ""
}

// ParseFormat принимает "json" | "protobuf" (и media type), регистр не важен.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "json", "application/json":
		return FormatJSON, nil
	case "protobuf", "proto", "application/x-protobuf":
		return FormatProtobuf, nil
	default:
		return 0, fmt.Errorf("codec: unknown payload format %q", s)
	}
}

// UnmarshalText позволяет задавать формат строкой в конфиге.
func (f *Format) UnmarshalText(b []byte) error {
	v, err := ParseFormat(string(b))
	if err != nil {
		return err
	}
	*f = v
	return nil
}

// MarshalText: обратное к UnmarshalText.
func (f Format) MarshalText() ([]byte, error) { return []byte(f.String()), nil }
