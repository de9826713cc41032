package liquidation

import (
	"sync"
	"testing"
	"time"

	"hubspoke.com/pkg/spoke"
)

func key(u spoke.UserID) Key { return Key{Spoke: "spoke-a", User: u} }

// riskData 指定健康因子的风险数据
func riskData(u spoke.UserID, hf float64, reserves ...spoke.ReserveID) UserRiskData {
	return UserRiskData{
		Key:          key(u),
		HealthFactor: hf,
		Level:        CalculateRiskLevel(hf),
		UpdatedAt:    time.Now().UnixNano(),
		Reserves:     reserves,
	}
}

// =============================================================================
// CowMap 单元测试
// =============================================================================

func TestCowMap_BasicOperations(t *testing.T) {
	m := NewCowMap()

	if m.Len() != 0 {
		t.Errorf("new CowMap should be empty, got len=%d", m.Len())
	}

	m.Set(riskData(1001, 1.3))
	if m.Len() != 1 {
		t.Errorf("after Set, len should be 1, got %d", m.Len())
	}

	got, ok := m.Get(key(1001))
	if !ok {
		t.Fatal("Get should return ok=true for existing account")
	}
	if got.HealthFactor != 1.3 {
		t.Errorf("Get returned wrong data: %+v", got)
	}

	// 同一用户在另一个 Spoke 是另一个账户
	if _, ok := m.Get(Key{Spoke: "spoke-b", User: 1001}); ok {
		t.Error("Get should not match a different spoke")
	}

	if !m.Contains(key(1001)) || m.Contains(key(9999)) {
		t.Error("Contains returned wrong result")
	}

	m.Remove(key(1001))
	if m.Len() != 0 {
		t.Errorf("after Remove, len should be 0, got %d", m.Len())
	}
}

func TestCowMap_BatchUpdate(t *testing.T) {
	m := NewCowMap()
	m.BatchUpdate([]UserRiskData{riskData(1, 1.3), riskData(2, 1.3), riskData(3, 1.3)}, nil)
	if m.Len() != 3 {
		t.Fatalf("len = %d, want 3", m.Len())
	}

	// 删除 1，更新 2，新增 4
	m.BatchUpdate([]UserRiskData{riskData(2, 1.2), riskData(4, 1.4)}, []Key{key(1)})
	if m.Len() != 3 {
		t.Errorf("len = %d, want 3", m.Len())
	}
	if m.Contains(key(1)) {
		t.Error("account 1 should be removed")
	}
	if got, _ := m.Get(key(2)); got.HealthFactor != 1.2 {
		t.Errorf("account 2 not updated: %+v", got)
	}
}

func TestCowMap_ConcurrentReadWrite(t *testing.T) {
	m := NewCowMap()
	var wg sync.WaitGroup

	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				m.Set(riskData(spoke.UserID(w*1000+i), 1.3))
			}
		}(w)
	}
	for r := 0; r < 8; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				_ = m.GetAll()
				_, _ = m.Get(key(spoke.UserID(i)))
			}
		}()
	}
	wg.Wait()

	if m.Len() != 400 {
		t.Errorf("len = %d, want 400 (写操作之间不能丢数据)", m.Len())
	}
}

// =============================================================================
// RiskLevelIndex 单元测试
// =============================================================================

func TestRiskLevelIndex_UpdateUser_LevelChange(t *testing.T) {
	idx := NewRiskLevelIndex()

	if lvl := idx.UpdateUser(riskData(1, 1.4)); lvl != RiskLevelWarning {
		t.Fatalf("level = %s, want WARNING", lvl)
	}
	if idx.CountByLevel(RiskLevelWarning) != 1 {
		t.Error("account should be in WARNING")
	}

	// 降到临界区，从预警区移除
	idx.UpdateUser(riskData(1, 1.05))
	if idx.CountByLevel(RiskLevelWarning) != 0 || idx.CountByLevel(RiskLevelCritical) != 1 {
		t.Errorf("warning=%d critical=%d", idx.CountByLevel(RiskLevelWarning), idx.CountByLevel(RiskLevelCritical))
	}
	got, ok := idx.GetUser(key(1))
	if !ok || got.Level != RiskLevelCritical {
		t.Errorf("GetUser = %+v, %v", got, ok)
	}

	// 恢复安全，完全移出索引
	idx.UpdateUser(riskData(1, 2.0))
	if idx.TotalCount() != 0 {
		t.Errorf("TotalCount = %d, want 0", idx.TotalCount())
	}
	if _, ok := idx.GetUser(key(1)); ok {
		t.Error("safe account should not be found")
	}
}

func TestRiskLevelIndex_RemoveUser(t *testing.T) {
	idx := NewRiskLevelIndex()
	idx.UpdateUser(riskData(1, 1.2))
	idx.RemoveUser(key(1))

	if idx.TotalCount() != 0 {
		t.Errorf("TotalCount = %d", idx.TotalCount())
	}
	if _, ok := idx.GetUser(key(1)); ok {
		t.Error("removed account should not be found")
	}
}

func TestRiskLevelIndex_BatchUpdateLevel(t *testing.T) {
	idx := NewRiskLevelIndex()
	idx.BatchUpdateLevel(RiskLevelDanger, []UserRiskData{riskData(1, 1.2), riskData(2, 1.15)})
	idx.BatchUpdateLevel(RiskLevelDanger, []UserRiskData{riskData(2, 1.12), riskData(3, 1.11)})

	users := idx.GetByLevel(RiskLevelDanger)
	if len(users) != 2 {
		t.Fatalf("danger users = %d, want 2", len(users))
	}
	for _, u := range users {
		if u.User == 1 {
			t.Error("account 1 should be replaced by the batch")
		}
	}

	// Safe / Liquidate 不存储
	idx.BatchUpdateLevel(RiskLevelSafe, []UserRiskData{riskData(9, 3)})
	if idx.GetByLevel(RiskLevelSafe) != nil {
		t.Error("SAFE level should not be stored")
	}
}

func TestRiskLevelIndex_ReserveLookup(t *testing.T) {
	idx := NewRiskLevelIndex()
	users := []UserRiskData{
		riskData(1, 1.05, 0, 1),
		riskData(2, 1.3, 1),
		riskData(3, 1.2, 2),
	}
	for _, u := range users {
		idx.UpdateUser(u)
	}
	idx.RebuildLookup(users)

	got := idx.GetUsersByReserve(ReserveKey{Spoke: "spoke-a", Reserve: 1})
	if len(got) != 2 {
		t.Errorf("reserve 1 holders = %v, want 2 accounts", got)
	}
	if got := idx.GetUsersByReserve(ReserveKey{Spoke: "spoke-b", Reserve: 1}); got != nil {
		t.Errorf("other spoke should have no holders, got %v", got)
	}
	if u, ok := idx.GetUser(key(3)); !ok || u.Level != RiskLevelDanger {
		t.Errorf("GetUser after rebuild = %+v, %v", u, ok)
	}
}
