// 文件: pkg/liquidation/index.go
// 风险等级索引

package liquidation

import (
	"sync"
	"sync/atomic"
)

// =============================================================================
// CowMap - Copy-on-Write Map
// =============================================================================

// CowMap Copy-on-Write Map
//
// 核心特性:
// 1. 读操作完全无锁
// 2. 写操作加锁，但不阻塞读操作
// 3. 适用于读多写少的场景
//
// 工作原理:
// - 内部维护一个指向 Map 的原子指针
// - 读取时直接原子加载指针
// - 写入时复制一份旧 Map，在副本上修改，然后原子替换指针
//
// 注意事项:
// - 写操作会复制整个 Map，适合高风险账户这种规模不大的集合
type CowMap struct {
	// data: 原子指针，指向当前的 Map
	data atomic.Pointer[map[Key]UserRiskData]

	// writeMu: 只保护写操作之间的互斥
	writeMu sync.Mutex
}

// NewCowMap 创建新的 CowMap
func NewCowMap() *CowMap {
	m := &CowMap{}
	emptyMap := make(map[Key]UserRiskData)
	m.data.Store(&emptyMap)
	return m
}

// =============================================================================
// 读操作 (无锁!)
// =============================================================================

// Get 获取指定账户的风险数据
//
// 读取的是调用时的快照，即使同时有写操作也不受影响
func (m *CowMap) Get(key Key) (UserRiskData, bool) {
	currentMap := m.data.Load()
	data, ok := (*currentMap)[key]
	return data, ok
}

// GetAll 获取所有账户的风险数据
func (m *CowMap) GetAll() []UserRiskData {
	currentMap := m.data.Load()

	result := make([]UserRiskData, 0, len(*currentMap))
	for _, v := range *currentMap {
		result = append(result, v)
	}
	return result
}

// Len 获取 Map 的大小
func (m *CowMap) Len() int {
	currentMap := m.data.Load()
	return len(*currentMap)
}

// Contains 检查账户是否存在
func (m *CowMap) Contains(key Key) bool {
	currentMap := m.data.Load()
	_, ok := (*currentMap)[key]
	return ok
}

// BatchUpdate 批量更新
//
// 工作流程:
//  1. 加写锁
//  2. 复制当前 Map
//  3. 在新 Map 上先删除再更新
//  4. 原子替换指针
//
// 读者要么看到旧数据，要么看到新数据，不会看到中间状态
func (m *CowMap) BatchUpdate(updates []UserRiskData, removes []Key) {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	oldMap := m.data.Load()
	newMap := make(map[Key]UserRiskData, len(*oldMap)+len(updates))
	for k, v := range *oldMap {
		newMap[k] = v
	}

	// 先删除再更新，避免删除新增的数据
	for _, key := range removes {
		delete(newMap, key)
	}
	for _, data := range updates {
		newMap[data.Key] = data
	}

	m.data.Store(&newMap)
}

// Set 设置单个账户数据
//
// 频繁调用会产生大量复制，推荐使用 BatchUpdate
func (m *CowMap) Set(data UserRiskData) {
	m.BatchUpdate([]UserRiskData{data}, nil)
}

// Remove 删除单个账户
func (m *CowMap) Remove(key Key) {
	m.BatchUpdate(nil, []Key{key})
}

// =============================================================================
// RiskLevelIndex - 风险等级索引
// =============================================================================

// RiskLevelIndex 风险等级索引
//
// 结构:
//
//	levels[0] = Warning  (1.25 <= HF < 1.5)
//	levels[1] = Danger   (1.1  <= HF < 1.25)
//	levels[2] = Critical (1.0  <= HF < 1.1)
//
// Safe 和 Liquidate 不存储:
//   - Safe: 数量多，交给全量扫描
//   - Liquidate: 直接进入清算队列
type RiskLevelIndex struct {
	levels [3]*CowMap

	// reserveToUsers: 储备 → 持有该储备的高风险账户
	// 价格变动时只需检查相关账户
	reserveToUsers atomic.Pointer[map[ReserveKey][]Key]

	// userLevelIndex: 账户 → 等级，GetUser O(1)
	userLevelIndex atomic.Pointer[map[Key]RiskLevel]

	// indexMu: 保护 reserveToUsers 和 userLevelIndex 的更新
	indexMu sync.Mutex
}

// NewRiskLevelIndex 创建新的风险等级索引
func NewRiskLevelIndex() *RiskLevelIndex {
	idx := &RiskLevelIndex{
		levels: [3]*CowMap{
			NewCowMap(), // Warning
			NewCowMap(), // Danger
			NewCowMap(), // Critical
		},
	}

	emptyReserveMap := make(map[ReserveKey][]Key)
	idx.reserveToUsers.Store(&emptyReserveMap)

	emptyUserLevelMap := make(map[Key]RiskLevel)
	idx.userLevelIndex.Store(&emptyUserLevelMap)

	return idx
}

// levelToIndex 将 RiskLevel 转换为 levels 数组的索引
func levelToIndex(level RiskLevel) int {
	switch level {
	case RiskLevelWarning:
		return 0
	case RiskLevelDanger:
		return 1
	case RiskLevelCritical:
		return 2
	default:
		return -1 // Safe 或 Liquidate，不存储
	}
}

// GetByLevel 获取指定等级的所有账户
func (idx *RiskLevelIndex) GetByLevel(level RiskLevel) []UserRiskData {
	i := levelToIndex(level)
	if i < 0 {
		return nil
	}
	return idx.levels[i].GetAll()
}

// CountByLevel 指定等级的账户数
func (idx *RiskLevelIndex) CountByLevel(level RiskLevel) int {
	i := levelToIndex(level)
	if i < 0 {
		return 0
	}
	return idx.levels[i].Len()
}

// GetUser 获取指定账户（从所有等级中查找）
func (idx *RiskLevelIndex) GetUser(key Key) (UserRiskData, bool) {
	levelMap := idx.userLevelIndex.Load()
	level, ok := (*levelMap)[key]
	if !ok {
		return UserRiskData{}, false
	}
	i := levelToIndex(level)
	if i < 0 {
		return UserRiskData{}, false
	}
	return idx.levels[i].Get(key)
}

// UpdateUser 更新账户数据（自动处理等级变化）
//
// 等级按 HealthFactor 重新计算；进入 Safe 或 Liquidate 时从索引移除
func (idx *RiskLevelIndex) UpdateUser(data UserRiskData) RiskLevel {
	newLevel := CalculateRiskLevel(data.HealthFactor)
	newIndex := levelToIndex(newLevel)

	for i, level := range idx.levels {
		if i != newIndex && level.Contains(data.Key) {
			level.Remove(data.Key)
		}
	}

	idx.setUserLevel(data.Key, newLevel)
	if newIndex >= 0 {
		data.Level = newLevel
		idx.levels[newIndex].Set(data)
	}
	return newLevel
}

// RemoveUser 从所有等级移除
func (idx *RiskLevelIndex) RemoveUser(key Key) {
	for _, level := range idx.levels {
		if level.Contains(key) {
			level.Remove(key)
		}
	}
	idx.setUserLevel(key, RiskLevelSafe)
}

func (idx *RiskLevelIndex) setUserLevel(key Key, level RiskLevel) {
	idx.indexMu.Lock()
	defer idx.indexMu.Unlock()

	oldMap := idx.userLevelIndex.Load()
	newMap := make(map[Key]RiskLevel, len(*oldMap)+1)
	for k, v := range *oldMap {
		newMap[k] = v
	}

	if levelToIndex(level) < 0 {
		delete(newMap, key)
	} else {
		newMap[key] = level
	}

	idx.userLevelIndex.Store(&newMap)
}

// BatchUpdateLevel 批量替换指定等级的数据
//
// 用于全量扫描后的批量更新
func (idx *RiskLevelIndex) BatchUpdateLevel(level RiskLevel, users []UserRiskData) {
	i := levelToIndex(level)
	if i < 0 {
		return
	}

	// 现在在这个等级，但不在新数据中的账户
	currentUsers := idx.levels[i].GetAll()
	newUserSet := make(map[Key]struct{}, len(users))
	for _, u := range users {
		newUserSet[u.Key] = struct{}{}
	}

	var removes []Key
	for _, u := range currentUsers {
		if _, exists := newUserSet[u.Key]; !exists {
			removes = append(removes, u.Key)
		}
	}

	idx.levels[i].BatchUpdate(users, removes)
}

// GetUsersByReserve 获取持有指定储备的高风险账户
func (idx *RiskLevelIndex) GetUsersByReserve(key ReserveKey) []Key {
	reserveMap := idx.reserveToUsers.Load()
	if users, ok := (*reserveMap)[key]; ok {
		return users
	}
	return nil
}

// RebuildLookup 全量扫描后重建储备索引和等级索引
func (idx *RiskLevelIndex) RebuildLookup(allUsers []UserRiskData) {
	idx.indexMu.Lock()
	defer idx.indexMu.Unlock()

	reserveMap := make(map[ReserveKey][]Key)
	levelMap := make(map[Key]RiskLevel, len(allUsers))
	for _, user := range allUsers {
		for _, r := range user.Reserves {
			rk := ReserveKey{Spoke: user.Spoke, Reserve: r}
			reserveMap[rk] = append(reserveMap[rk], user.Key)
		}
		levelMap[user.Key] = user.Level
	}

	idx.reserveToUsers.Store(&reserveMap)
	idx.userLevelIndex.Store(&levelMap)
}

// TotalCount 获取所有等级的账户总数
func (idx *RiskLevelIndex) TotalCount() int {
	total := 0
	for _, level := range idx.levels {
		total += level.Len()
	}
	return total
}
