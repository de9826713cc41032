// 文件: pkg/spoke/views.go
// Spoke 只读视图
//
// 视图在事务拷贝上结算溢价后估值，不提交

package spoke

import (
	"fmt"
	"sort"

	"github.com/holiman/uint256"

	"hubspoke.com/pkg/logger"
	"hubspoke.com/pkg/wadray"
)

// =============================================================================
// 账户视图
// =============================================================================

// GetUserAccountData 账户汇总
func (s *Spoke) GetUserAccountData(user UserID) (AccountData, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t := s.begin()
	acc := t.account(user)
	if err := t.touch(acc); err != nil {
		return AccountData{}, err
	}
	return t.evaluate(acc)
}

// GetUserDebt 用户在储备上的 (基础债务, 溢价债务)
func (s *Spoke) GetUserDebt(id ReserveID, user UserID) (base, premium *uint256.Int, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t := s.begin()
	r, err := t.reserve(id)
	if err != nil {
		return nil, nil, err
	}
	acc := t.account(user)
	p, ok := acc.Positions[id]
	if !ok {
		return new(uint256.Int), new(uint256.Int), nil
	}
	return t.debtOf(r, p)
}

// PositionView 单个仓位的估值 (价值单位: 基础货币 wad)
//
// 零价储备的价值记为 0，不报错
type PositionView struct {
	ReserveID         ReserveID
	Supplied          *uint256.Int
	UsingAsCollateral bool
	BaseDebt          *uint256.Int
	PremiumDebt       *uint256.Int
	CollateralValue   *uint256.Int
	DebtValue         *uint256.Int
	DynamicConfigKey  uint32
}

// GetUserPositions 用户全部仓位，按储备编号排序
func (s *Spoke) GetUserPositions(user UserID) ([]PositionView, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t := s.begin()
	acc := t.account(user)
	out := make([]PositionView, 0, len(acc.Positions))
	for _, id := range acc.ReserveIDs() {
		p := acc.Positions[id]
		r, err := t.reserve(id)
		if err != nil {
			return nil, err
		}
		supplied, err := s.hub.ConvertToSuppliedAssets(r.AssetID, &p.SuppliedShares, wadray.Floor)
		if err != nil {
			return nil, err
		}
		base, premium, err := t.debtOf(r, p)
		if err != nil {
			return nil, err
		}
		price, err := t.price(id)
		if err != nil {
			return nil, err
		}

		v := PositionView{
			ReserveID:         id,
			Supplied:          supplied,
			UsingAsCollateral: p.UsingAsCollateral,
			BaseDebt:          base,
			PremiumDebt:       premium,
			CollateralValue:   new(uint256.Int),
			DebtValue:         new(uint256.Int),
			DynamicConfigKey:  p.DynamicConfigKey,
		}
		if p.UsingAsCollateral {
			if v.CollateralValue, err = toValue(supplied, price, r.Decimals, wadray.Floor); err != nil {
				return nil, err
			}
		}
		if v.DebtValue, err = toValue(new(uint256.Int).Add(base, premium), price, r.Decimals, wadray.Ceil); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// GetUserTotalDebt 基础 + 溢价
func (s *Spoke) GetUserTotalDebt(id ReserveID, user UserID) (*uint256.Int, error) {
	base, premium, err := s.GetUserDebt(id, user)
	if err != nil {
		return nil, err
	}
	return wadray.Add(base, premium)
}

// GetUserSuppliedAssets 用户存款额 (向下取整)
func (s *Spoke) GetUserSuppliedAssets(id ReserveID, user UserID) (*uint256.Int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if int(id) >= len(s.reserves) {
		return nil, fmt.Errorf("%w: %d", ErrReserveNotListed, id)
	}
	acc, ok := s.accounts[user]
	if !ok {
		return new(uint256.Int), nil
	}
	p, ok := acc.Positions[id]
	if !ok {
		return new(uint256.Int), nil
	}
	return s.hub.ConvertToSuppliedAssets(s.reserves[id].AssetID, &p.SuppliedShares, wadray.Floor)
}

// GetPosition 仓位拷贝 (未结算溢价)
func (s *Spoke) GetPosition(id ReserveID, user UserID) (UserPosition, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	acc, ok := s.accounts[user]
	if !ok {
		return UserPosition{}, false
	}
	p, ok := acc.Positions[id]
	if !ok {
		return UserPosition{}, false
	}
	return *p, true
}

// GetUserRiskPremium 上次结算的风险溢价
func (s *Spoke) GetUserRiskPremium(user UserID) uint32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if acc, ok := s.accounts[user]; ok {
		return acc.RiskPremium
	}
	return 0
}

// UserIDs 有仓位的用户，按编号排序
func (s *Spoke) UserIDs() []UserID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]UserID, 0, len(s.accounts))
	for u := range s.accounts {
		ids = append(ids, u)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// =============================================================================
// 储备视图
// =============================================================================

// ReserveCount 储备数
func (s *Spoke) ReserveCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.reserves)
}

// GetReserve 储备拷贝
func (s *Spoke) GetReserve(id ReserveID) (Reserve, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if int(id) >= len(s.reserves) {
		return Reserve{}, fmt.Errorf("%w: %d", ErrReserveNotListed, id)
	}
	return *s.reserves[id].clone(), nil
}

// ReserveForAsset Hub 资产对应的储备
func (s *Spoke) ReserveForAsset(assetID uint32) (ReserveID, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.assetReserve[assetID]
	return id, ok
}

// GetLiquidationConfig 清算参数
func (s *Spoke) GetLiquidationConfig() LiquidationConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.liqConfig
}

// Treasury 清算费接收账户
func (s *Spoke) Treasury() UserID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.treasury
}

// =============================================================================
// 不变量
// =============================================================================

// CheckInvariants 用户份额之和等于 Hub 上本 Spoke 的份额，加权平均的权重等于债务份额之和
func (s *Spoke) CheckInvariants() error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for i := range s.reserves {
		r := &s.reserves[i]
		supplied, drawn := new(uint256.Int), new(uint256.Int)
		for _, acc := range s.accounts {
			p, ok := acc.Positions[r.ID]
			if !ok {
				continue
			}
			supplied.Add(supplied, &p.SuppliedShares)
			drawn.Add(drawn, &p.DrawnShares)
		}

		sd, err := s.hub.GetSpoke(r.AssetID, s.id)
		if err != nil {
			return err
		}
		if !supplied.Eq(&sd.SuppliedShares) {
			return fmt.Errorf("reserve %d: user supplied shares %s, hub %s", r.ID, supplied.Dec(), sd.SuppliedShares.Dec())
		}
		if !drawn.Eq(&sd.DrawnShares) {
			return fmt.Errorf("reserve %d: user drawn shares %s, hub %s", r.ID, drawn.Dec(), sd.DrawnShares.Dec())
		}
		if !drawn.Eq(&r.PremiumAverage.SumWeight) {
			return fmt.Errorf("reserve %d: premium weight %s, drawn shares %s", r.ID, r.PremiumAverage.SumWeight.Dec(), drawn.Dec())
		}
	}
	return nil
}

// =============================================================================
// 导出 / 导入
// =============================================================================

// Export 导出全部状态，账户按编号排序
func (s *Spoke) Export() State {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := State{
		Reserves:          make([]Reserve, len(s.reserves)),
		LiquidationConfig: s.liqConfig,
		Treasury:          s.treasury,
	}
	for i := range s.reserves {
		st.Reserves[i] = *s.reserves[i].clone()
	}

	ids := make([]UserID, 0, len(s.accounts))
	for u := range s.accounts {
		ids = append(ids, u)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, u := range ids {
		st.Accounts = append(st.Accounts, *s.accounts[u].clone())
	}
	return st
}

// Import 用快照替换全部状态
func (s *Spoke) Import(st State) error {
	if err := st.LiquidationConfig.Validate(); err != nil {
		return err
	}
	reserves := make([]Reserve, len(st.Reserves))
	assetReserve := make(map[uint32]ReserveID, len(st.Reserves))
	for i := range st.Reserves {
		r := st.Reserves[i].clone()
		if r.ID != ReserveID(i) {
			return fmt.Errorf("%w: reserve ids not contiguous at %d", ErrReserveNotListed, i)
		}
		if _, err := r.Dynamic(r.DynamicConfigKey); err != nil {
			return err
		}
		if _, dup := assetReserve[r.AssetID]; dup {
			return fmt.Errorf("%w: asset %d", ErrReserveAlreadyListed, r.AssetID)
		}
		assetReserve[r.AssetID] = r.ID
		reserves[i] = *r
	}

	accounts := make(map[UserID]*Account, len(st.Accounts))
	for i := range st.Accounts {
		acc := st.Accounts[i].clone()
		for id := range acc.Positions {
			if int(id) >= len(reserves) {
				return fmt.Errorf("%w: user %d reserve %d", ErrReserveNotListed, acc.UserID, id)
			}
		}
		accounts[acc.UserID] = acc
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.reserves = reserves
	s.assetReserve = assetReserve
	s.accounts = accounts
	s.liqConfig = st.LiquidationConfig
	s.treasury = st.Treasury

	s.log.WithFields(logger.Fields{
		"reserves": len(reserves),
		"accounts": len(accounts),
	}).Info("[Spoke] state imported")
	return nil
}
