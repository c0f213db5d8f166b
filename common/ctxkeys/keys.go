// common/ctxkeys/keys.go
//
// Пакет ctxkeys держит единственный набор ключей context.Value,
// которые разделяют логгер, HTTP-middleware и streaming-сессия.
package ctxkeys

// Key: тип ключей контекста.
type Key string

const (
	TraceIDKey   Key = "trace_id"
	RequestIDKey Key = "request_id"
	// ContextIDKey: streaming context id, общий для всех подписок одного соединения.
	ContextIDKey Key = "context_id"
)

// String возвращает имя ключа, оно же имя поля в логах.
func (k Key) String() string { return string(k) }
