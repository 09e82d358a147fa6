package infra

import "fmt"

const (
	// RedisNamespace Базовый префикс для изоляции данных проекта в Redis
	RedisNamespace = "agenshield"
)

// Каналы Pub/Sub (события)
const (
	// RedisChanPolicyUpdate: сигнал "перечитай правила". Все демоны вызовут Enforcer.Refresh().
	RedisChanPolicyUpdate = RedisNamespace + ":policy-update"
	// RedisChanLifecycle: завершение сессий и процессов: "session:<id>" или "process:<pid>".
	RedisChanLifecycle = RedisNamespace + ":lifecycle"
	// RedisChanGraphDormant: рубильник узлов графа: "<node_id>:on" усыпляет узел, "<node_id>:off" будит.
	RedisChanGraphDormant = RedisNamespace + ":graph-dormant"
	// RedisChanGraphTopology: изменения ребер графа: "<edge_id>:added" или "<edge_id>:removed".
	// Демоны над общим хранилищем досыпают ребро из БД или снимают его с арены.
	RedisChanGraphTopology = RedisNamespace + ":graph-topology"
)

// Ключи состояния
const (
	// RedisKeyDormantSet: множество спящих узлов, источник правды для рестарта демонов
	RedisKeyDormantSet = RedisNamespace + ":graph:dormant_set"
	// RedisKeyDormantWarmupLock: лок прогрева множества из БД (один инстанс на кластер)
	RedisKeyDormantWarmupLock = RedisNamespace + ":graph:dormant_warmup_lock"
)

// LifecycleSessionSignal формирует payload сигнала о завершении сессии.
func LifecycleSessionSignal(sessionID string) string {
	return fmt.Sprintf("session:%s", sessionID)
}

// LifecycleProcessSignal формирует payload сигнала о завершении процесса.
func LifecycleProcessSignal(pid int) string {
	return fmt.Sprintf("process:%d", pid)
}

// DormantSignal формирует payload рубильника узла.
func DormantSignal(nodeID string, dormant bool) string {
	if dormant {
		return nodeID + ":on"
	}
	return nodeID + ":off"
}

// TopologySignal формирует payload изменения ребра.
func TopologySignal(edgeID string, added bool) string {
	if added {
		return edgeID + ":added"
	}
	return edgeID + ":removed"
}
