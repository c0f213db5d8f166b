// common/service.go
package common

import (
	"github.com/YaganovValera/openapi-streamer/common/backoff"
	producer "github.com/YaganovValera/openapi-streamer/common/kafka/producer"
)

// ServiceNameKey: ключ лейбла для метрик всех подсистем.
const ServiceNameKey = "service"

// InitServiceName задаёт единое имя сервиса для метрик backoff и Kafka-producer.
// Вызывается в начале app.Run до первых ретраев и публикаций.
func InitServiceName(name string) {
	backoff.SetServiceLabel(name)
	producer.SetServiceLabel(name)
}
