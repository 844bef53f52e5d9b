// Package cluster — идентичность шарда и детерминированное разбиение
// пользователей между шардами. Формула разбиения совпадает с шардированием
// каналов на стороне чат-платформы: (id >> 22) mod N, поэтому пользователь
// и его каналы почти всегда обслуживаются одним шардом.
package cluster

import "strconv"

// LeaderShard — номер шарда, выполняющего обязанности лидера:
// персист каталога, рассылку версии игры и прогрев эмодзи.
const LeaderShard = 0

// Identity описывает место процесса в кластере.
type Identity struct {
	ShardID    int // номер этого шарда, 0-based
	ShardCount int // всего шардов в кластере
}

// NewIdentity нормализует параметры: count меньше единицы означает
// одиночный процесс.
func NewIdentity(shardID, shardCount int) Identity {
	if shardCount < 1 {
		shardCount = 1
	}
	if shardID < 0 || shardID >= shardCount {
		shardID = 0
	}
	return Identity{ShardID: shardID, ShardCount: shardCount}
}

// IsLeader сообщает, несёт ли этот шард обязанности лидера.
func (id Identity) IsLeader() bool { return id.ShardID == LeaderShard }

// Single сообщает, работает ли процесс вне кластера.
func (id Identity) Single() bool { return id.ShardCount <= 1 }

// String отдаёт идентичность в виде "2/4" для логов и статуса.
func (id Identity) String() string {
	return strconv.Itoa(id.ShardID) + "/" + strconv.Itoa(id.ShardCount)
}

// PartitionOf возвращает номер шарда, владеющего сущностью с данным id.
func (id Identity) PartitionOf(entityID int64) int {
	return PartitionOf(entityID, id.ShardCount)
}

// Owns сообщает, принадлежит ли сущность этому шарду.
func (id Identity) Owns(entityID int64) bool {
	return id.PartitionOf(entityID) == id.ShardID
}

// PartitionOf распределяет снежинку по count шардам. Сдвиг на 22 отбрасывает
// миллисекундную часть снежинки, оставляя стабильный worker id, поэтому
// распределение совпадает с шардированием чат-платформы.
func PartitionOf(entityID int64, count int) int {
	if count <= 1 {
		return 0
	}
	return int((entityID >> 22) % int64(count))
}

// ParsePartition — то же для строковой снежинки. Нечисловой id уходит на
// нулевой шард: такие идентификаторы от платформы не приходят, но терять
// пользователя из-за мусорной записи нельзя.
func ParsePartition(entityID string, count int) int {
	if count <= 1 {
		return 0
	}
	n, err := strconv.ParseInt(entityID, 10, 64)
	if err != nil {
		return 0
	}
	return PartitionOf(n, count)
}

// OwnsID сообщает, принадлежит ли строковая снежинка этому шарду.
func (id Identity) OwnsID(entityID string) bool {
	return ParsePartition(entityID, id.ShardCount) == id.ShardID
}
