// 文件: pkg/spoke/position.go
// 仓位估值: 溢价结算、风险溢价、健康因子
//
// 两层债务共用 Hub 的债务指数作为时钟:
//
//	base    = drawnShares ⊗↑ index
//	premium = realizedPremium + (base - premiumOffset) × riskPremium (向上)
//
// 溢价只跟指数增量有关，不直接依赖墙钟时间。

package spoke

import (
	"fmt"

	"github.com/holiman/uint256"

	"hubspoke.com/pkg/event"
	"hubspoke.com/pkg/wadray"
)

// PriceDecimals 价格小数位
const PriceDecimals = 8

// =============================================================================
// 价值换算
// =============================================================================

// toValue 数量 -> 基础货币价值 (wad)
//
//	value = amount × price × 1e18 / 10^(decimals+8)
func toValue(amount, price *uint256.Int, decimals uint8, r wadray.Rounding) (*uint256.Int, error) {
	priceWad, err := wadray.Mul(price, wadray.WAD())
	if err != nil {
		return nil, err
	}
	return wadray.MulDiv(amount, priceWad, wadray.Pow10(decimals+PriceDecimals), r)
}

// fromValue 基础货币价值 (wad) -> 数量
func fromValue(value, price *uint256.Int, decimals uint8, r wadray.Rounding) (*uint256.Int, error) {
	if price.IsZero() {
		return nil, ErrZeroPrice
	}
	priceWad, err := wadray.Mul(price, wadray.WAD())
	if err != nil {
		return nil, err
	}
	return wadray.MulDiv(value, wadray.Pow10(decimals+PriceDecimals), priceWad, r)
}

// =============================================================================
// 溢价
// =============================================================================

// debtOf 仓位当前的基础债务和溢价债务
func (t *stx) debtOf(r *Reserve, p *UserPosition) (base, premium *uint256.Int, err error) {
	idx, err := t.index(r.AssetID)
	if err != nil {
		return nil, nil, err
	}
	base, err = wadray.RayMulUp(&p.DrawnShares, idx)
	if err != nil {
		return nil, nil, err
	}
	pending, err := wadray.PercentMulUp(wadray.SubFloor(base, &p.PremiumOffset), uint64(p.RiskPremium))
	if err != nil {
		return nil, nil, err
	}
	premium, err = wadray.Add(&p.RealizedPremium, pending)
	if err != nil {
		return nil, nil, err
	}
	return base, premium, nil
}

// accruePremium 把基础债务增量对应的溢价结算进 RealizedPremium
func (t *stx) accruePremium(r *Reserve, p *UserPosition) error {
	base, premium, err := t.debtOf(r, p)
	if err != nil {
		return err
	}
	p.RealizedPremium.Set(premium)
	p.PremiumOffset.Set(base)
	return nil
}

// touch 结算账户所有有债务仓位的溢价
func (t *stx) touch(a *Account) error {
	for _, id := range a.ReserveIDs() {
		p := a.Positions[id]
		if p.DrawnShares.IsZero() {
			continue
		}
		r, err := t.reserve(id)
		if err != nil {
			return err
		}
		if err := t.accruePremium(r, p); err != nil {
			return err
		}
	}
	return nil
}

// setDebt 修改债务份额或溢价率
//
// 储备的加权平均先撤销旧的 (rate, shares)，再加入新的，两边始终一一对应
func (t *stx) setDebt(r *Reserve, p *UserPosition, drawnShares *uint256.Int, rate uint32) error {
	idx, err := t.index(r.AssetID)
	if err != nil {
		return err
	}
	avg := r.PremiumAverage
	if err := avg.Remove(uint256.NewInt(uint64(p.RiskPremium)), &p.DrawnShares); err != nil {
		return err
	}
	if err := avg.Add(uint256.NewInt(uint64(rate)), drawnShares); err != nil {
		return err
	}
	premiumShares, err := wadray.PercentMulUp(drawnShares, uint64(rate))
	if err != nil {
		return err
	}
	offset, err := wadray.RayMulUp(drawnShares, idx)
	if err != nil {
		return err
	}

	r.PremiumAverage = avg
	p.DrawnShares.Set(drawnShares)
	p.RiskPremium = rate
	p.PremiumDrawnShares.Set(premiumShares)
	p.PremiumOffset.Set(offset)
	return nil
}

// =============================================================================
// 账户估值
// =============================================================================

// evaluate 账户汇总与风险溢价
//
// 抵押品按仓位记录的动态配置 key 取抵押率；零价抵押品不计入，
// 零价债务直接报错
func (t *stx) evaluate(a *Account) (AccountData, error) {
	data := AccountData{
		TotalCollateralValue:    new(uint256.Int),
		WeightedCollateralValue: new(uint256.Int),
		TotalDebtValue:          new(uint256.Int),
	}
	var risk wadray.WeightedAverage

	for _, id := range a.ReserveIDs() {
		p := a.Positions[id]
		r, err := t.reserve(id)
		if err != nil {
			return AccountData{}, err
		}

		if p.UsingAsCollateral && !p.SuppliedShares.IsZero() {
			price, err := t.price(id)
			if err != nil {
				return AccountData{}, err
			}
			if !price.IsZero() {
				amount, err := t.s.hub.ConvertToSuppliedAssets(r.AssetID, &p.SuppliedShares, wadray.Floor)
				if err != nil {
					return AccountData{}, err
				}
				value, err := toValue(amount, price, r.Decimals, wadray.Floor)
				if err != nil {
					return AccountData{}, err
				}
				dyn, err := r.Dynamic(p.DynamicConfigKey)
				if err != nil {
					return AccountData{}, err
				}
				weighted, err := wadray.PercentMulDown(value, uint64(dyn.CollateralFactor))
				if err != nil {
					return AccountData{}, err
				}
				data.TotalCollateralValue.Add(data.TotalCollateralValue, value)
				data.WeightedCollateralValue.Add(data.WeightedCollateralValue, weighted)
				if err := risk.Add(uint256.NewInt(uint64(r.Config.CollateralRisk)), value); err != nil {
					return AccountData{}, err
				}
				data.ActiveCollateralCount++
			}
		}

		if p.HasDebt() {
			base, premium, err := t.debtOf(r, p)
			if err != nil {
				return AccountData{}, err
			}
			price, err := t.price(id)
			if err != nil {
				return AccountData{}, err
			}
			if price.IsZero() {
				return AccountData{}, ErrZeroPrice
			}
			value, err := toValue(new(uint256.Int).Add(base, premium), price, r.Decimals, wadray.Ceil)
			if err != nil {
				return AccountData{}, err
			}
			data.TotalDebtValue.Add(data.TotalDebtValue, value)
			data.BorrowedCount++
		}
	}

	data.RiskPremium = uint32(risk.Average().Uint64())
	if data.TotalDebtValue.IsZero() {
		data.HealthFactor = wadray.MaxUint256()
		return data, nil
	}
	hf, err := wadray.WadDivDown(data.WeightedCollateralValue, data.TotalDebtValue)
	if err != nil {
		return AccountData{}, err
	}
	data.HealthFactor = hf
	return data, nil
}

// requireHealthy 有债务时健康因子必须 >= 1.0
func (t *stx) requireHealthy(a *Account) (AccountData, error) {
	data, err := t.evaluate(a)
	if err != nil {
		return AccountData{}, err
	}
	if data.HealthFactor.Lt(wadray.WAD()) {
		return data, errHealthFactor(data.HealthFactor)
	}
	return data, nil
}

// refreshRiskPremium 按当前抵押品重算风险溢价，并写到所有有债务的仓位
//
// 调用前必须先 touch，保证旧溢价率已经结算到当前指数
func (t *stx) refreshRiskPremium(a *Account) (AccountData, error) {
	data, err := t.evaluate(a)
	if err != nil {
		return AccountData{}, err
	}
	for _, id := range a.ReserveIDs() {
		p := a.Positions[id]
		if p.DrawnShares.IsZero() && p.RiskPremium == data.RiskPremium {
			continue
		}
		r, err := t.reserve(id)
		if err != nil {
			return AccountData{}, err
		}
		drawn := new(uint256.Int).Set(&p.DrawnShares)
		if err := t.setDebt(r, p, drawn, data.RiskPremium); err != nil {
			return AccountData{}, err
		}
	}
	if a.RiskPremium != data.RiskPremium {
		e := event.New(event.TypeUserRiskPremiumUpdated, "spoke:"+string(t.s.id))
		e.Spoke = string(t.s.id)
		e.User = int64(a.UserID)
		e.OnBehalfOf = int64(a.UserID)
		t.emit(e.
			With("old_risk_premium", fmt.Sprintf("%d", a.RiskPremium)).
			With("risk_premium", fmt.Sprintf("%d", data.RiskPremium)))
	}
	a.RiskPremium = data.RiskPremium
	return data, nil
}

// refreshDynamicConfig 把账户所有仓位迁移到储备当前的动态配置
func (t *stx) refreshDynamicConfig(a *Account) (bool, error) {
	changed := false
	for _, id := range a.ReserveIDs() {
		r, err := t.reserve(id)
		if err != nil {
			return false, err
		}
		p := a.Positions[id]
		if p.DynamicConfigKey != r.DynamicConfigKey {
			p.DynamicConfigKey = r.DynamicConfigKey
			changed = true
		}
	}
	return changed, nil
}
