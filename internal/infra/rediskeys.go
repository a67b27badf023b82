package infra

import "fmt"

const (
	// RedisNamespace — базовый префикс для изоляции данных проекта в Redis
	RedisNamespace = "maocore"
)

// Ключи для Sets (состояние)
const (
	RedisKeyBlockedActors    = RedisNamespace + ":actors:blocked_set"
	RedisKeyLockBlockedWarm  = RedisNamespace + ":lock:warmup:blocked_actors"
	RedisKeyLockRegistryWarm = RedisNamespace + ":lock:warmup:registry"
)

// Каналы Pub/Sub (события)
const (
	// RedisChanActorBlock — трансляция блокировок/разблокировок акторов:
	// формат сообщения "actorID:true" / "actorID:false".
	RedisChanActorBlock = RedisNamespace + ":actors:block-signal"

	// RedisChanRegistryReload — сигнал соседним инстансам перечитать
	// манифест агента ("agentName:true") либо снять его ("agentName:false").
	RedisChanRegistryReload = RedisNamespace + ":registry:reload-signal"

	// RedisChanKeyChange — изменение API-ключа консолью:
	// "keyID:true" — выдан/ротирован, "keyID:false" — отозван.
	RedisChanKeyChange = RedisNamespace + ":keys:change-signal"
)

// GetWarmupLockKey — генератор ключей для блокировок (если нужны динамические)
func GetWarmupLockKey(resource string) string {
	return fmt.Sprintf("%s:lock:warmup:%s", RedisNamespace, resource)
}
