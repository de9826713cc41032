// 文件: pkg/engine/snapshot.go
// 账户快照 (原子发布)
//
// 主循环在每条修改命令之后重算相关账户，发布到 SnapshotStore，
// 清算监控直接读指针，不进主循环也不加锁。

package engine

import (
	"sort"
	"sync/atomic"
	"time"

	"hubspoke.com/pkg/hub"
	"hubspoke.com/pkg/spoke"
)

// AccountKey 快照键
type AccountKey struct {
	Spoke hub.SpokeID
	User  spoke.UserID
}

// AccountSnapshot 账户快照 (只读)
type AccountSnapshot struct {
	Spoke     hub.SpokeID
	UserID    spoke.UserID
	Data      spoke.AccountData
	Positions []spoke.PositionView
	UpdatedAt time.Time
}

// HasDebt 是否有未还债务
func (s *AccountSnapshot) HasDebt() bool {
	return s.Data.TotalDebtValue != nil && !s.Data.TotalDebtValue.IsZero()
}

// =============================================================================
// SnapshotStore
// =============================================================================

// SnapshotStore 写时复制的快照表
type SnapshotStore struct {
	snapshots atomic.Pointer[map[AccountKey]*AccountSnapshot]
}

// NewSnapshotStore 创建快照存储
func NewSnapshotStore() *SnapshotStore {
	store := &SnapshotStore{}
	empty := make(map[AccountKey]*AccountSnapshot)
	store.snapshots.Store(&empty)
	return store
}

// Get 获取账户快照 (无锁)
func (s *SnapshotStore) Get(sp hub.SpokeID, user spoke.UserID) *AccountSnapshot {
	m := s.snapshots.Load()
	return (*m)[AccountKey{Spoke: sp, User: user}]
}

// Update 批量更新，一次替换指针
func (s *SnapshotStore) Update(snaps ...*AccountSnapshot) {
	if len(snaps) == 0 {
		return
	}
	for {
		old := s.snapshots.Load()
		newMap := make(map[AccountKey]*AccountSnapshot, len(*old)+len(snaps))
		for k, v := range *old {
			newMap[k] = v
		}
		for _, snap := range snaps {
			newMap[AccountKey{Spoke: snap.Spoke, User: snap.UserID}] = snap
		}
		if s.snapshots.CompareAndSwap(old, &newMap) {
			return
		}
	}
}

// All 全部快照，按 (Spoke, User) 排序
func (s *SnapshotStore) All() []*AccountSnapshot {
	m := s.snapshots.Load()
	out := make([]*AccountSnapshot, 0, len(*m))
	for _, v := range *m {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Spoke != out[j].Spoke {
			return out[i].Spoke < out[j].Spoke
		}
		return out[i].UserID < out[j].UserID
	})
	return out
}

// Len 快照数
func (s *SnapshotStore) Len() int {
	return len(*s.snapshots.Load())
}
