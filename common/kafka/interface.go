// common/kafka/interface.go
//
// Пакет kafka задаёт контракт публикации сообщений и не зависит от Sarama.
package kafka

import "context"

// Header: заголовок записи Kafka.
type Header struct {
	Key   string
	Value []byte
}

// Producer публикует сообщения в Kafka.
type Producer interface {
	// Publish доставляет запись согласно политике RequiredAcks;
	// транзиентные ошибки повторяются по стратегии back-off.
	Publish(ctx context.Context, topic string, key, value []byte, headers ...Header) error
	// Ping проверяет достижимость кластера (обновление метаданных).
	Ping(ctx context.Context) error
	Close() error
}
