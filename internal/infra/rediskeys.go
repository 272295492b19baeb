package infra

import "fmt"

const (
	// RedisNamespace Базовый префикс для изоляции данных проекта в Redis
	RedisNamespace = "vault"
)

// Каналы Pub/Sub (события)
const (
	// RedisChanEvents: общий канал: все записанные журналом события
	RedisChanEvents = RedisNamespace + ":events"
	// RedisChanPause: аварийный стоп от оператора: "registry:on", "all:off"
	RedisChanPause = RedisNamespace + ":control:pause"
)

// GetEventChannel: канал событий одного компонента (registry, collateral, ...)
func GetEventChannel(source string) string {
	return fmt.Sprintf("%s:events:%s", RedisNamespace, source)
}
