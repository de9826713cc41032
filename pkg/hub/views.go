// 文件: pkg/hub/views.go
// Hub 只读视图
//
// 视图在当前时钟下预演计息 (不落盘)，所以和紧接着的写操作看到的价格一致

package hub

import (
	"fmt"
	"sort"

	"github.com/holiman/uint256"

	"hubspoke.com/pkg/irm"
	"hubspoke.com/pkg/logger"
	"hubspoke.com/pkg/shares"
	"hubspoke.com/pkg/wadray"
)

// preview 预演计息后的事务 (不提交)，调用方持有读锁
func (h *Hub) preview(id AssetID) (*txn, error) {
	t, err := h.begin(id)
	if err != nil {
		return nil, err
	}
	if err := t.accrue(); err != nil {
		return nil, err
	}
	return t, nil
}

// previewSpoke 预演后的 Spoke 记录
func (h *Hub) previewSpoke(id AssetID, spoke SpokeID) (*txn, *SpokeData, error) {
	t, err := h.preview(id)
	if err != nil {
		return nil, nil, err
	}
	sd, err := t.spoke(spoke)
	if err != nil {
		return nil, nil, err
	}
	return t, sd, nil
}

// =============================================================================
// 换算
// =============================================================================

// ConvertToSuppliedShares 资产 -> 存款份额
func (h *Hub) ConvertToSuppliedShares(id AssetID, assets *uint256.Int, r wadray.Rounding) (*uint256.Int, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	t, err := h.preview(id)
	if err != nil {
		return nil, err
	}
	total, err := t.asset.TotalSupplied()
	if err != nil {
		return nil, err
	}
	return shares.ToShares(assets, total, &t.asset.SuppliedShares, r)
}

// ConvertToSuppliedAssets 存款份额 -> 资产
func (h *Hub) ConvertToSuppliedAssets(id AssetID, s *uint256.Int, r wadray.Rounding) (*uint256.Int, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	t, err := h.preview(id)
	if err != nil {
		return nil, err
	}
	total, err := t.asset.TotalSupplied()
	if err != nil {
		return nil, err
	}
	return shares.ToAssets(s, total, &t.asset.SuppliedShares, r)
}

// ConvertToDrawnShares 债务 -> 债务份额
func (h *Hub) ConvertToDrawnShares(id AssetID, assets *uint256.Int, r wadray.Rounding) (*uint256.Int, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	t, err := h.preview(id)
	if err != nil {
		return nil, err
	}
	return wadray.RayDiv(assets, &t.asset.DrawnIndex, r)
}

// ConvertToDrawnAssets 债务份额 -> 债务
func (h *Hub) ConvertToDrawnAssets(id AssetID, s *uint256.Int, r wadray.Rounding) (*uint256.Int, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	t, err := h.preview(id)
	if err != nil {
		return nil, err
	}
	return wadray.RayMul(s, &t.asset.DrawnIndex, r)
}

// =============================================================================
// 资产视图
// =============================================================================

// AssetCount 已上架资产数
func (h *Hub) AssetCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.assets)
}

// GetAsset 预演计息后的资产记录
func (h *Hub) GetAsset(id AssetID) (Asset, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	t, err := h.preview(id)
	if err != nil {
		return Asset{}, err
	}
	return t.asset, nil
}

// TotalSuppliedAssets 存款总额
func (h *Hub) TotalSuppliedAssets(id AssetID) (*uint256.Int, error) {
	a, err := h.GetAsset(id)
	if err != nil {
		return nil, err
	}
	return a.TotalSupplied()
}

// TotalDrawnAssets 基础债务总额
func (h *Hub) TotalDrawnAssets(id AssetID) (*uint256.Int, error) {
	a, err := h.GetAsset(id)
	if err != nil {
		return nil, err
	}
	return a.TotalDrawn()
}

// AvailableLiquidity 可用资金
func (h *Hub) AvailableLiquidity(id AssetID) (*uint256.Int, error) {
	a, err := h.GetAsset(id)
	if err != nil {
		return nil, err
	}
	return new(uint256.Int).Set(&a.Liquidity), nil
}

// DrawnIndex 当前债务指数 (ray)
func (h *Hub) DrawnIndex(id AssetID) (*uint256.Int, error) {
	a, err := h.GetAsset(id)
	if err != nil {
		return nil, err
	}
	return new(uint256.Int).Set(&a.DrawnIndex), nil
}

// DrawnRate 当前借款利率 (ray，年化)
func (h *Hub) DrawnRate(id AssetID) (*uint256.Int, error) {
	a, err := h.GetAsset(id)
	if err != nil {
		return nil, err
	}
	return new(uint256.Int).Set(&a.DrawnRate), nil
}

// Decimals 资产精度
func (h *Hub) Decimals(id AssetID) (uint8, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if int(id) >= len(h.assets) {
		return 0, fmt.Errorf("%w: %d", ErrAssetNotListed, id)
	}
	return h.assets[id].Decimals, nil
}

// =============================================================================
// Spoke 视图
// =============================================================================

// GetSpoke 预演计息后的 Spoke 记录 (手续费接收方含未落盘的手续费份额)
func (h *Hub) GetSpoke(id AssetID, spoke SpokeID) (SpokeData, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, sd, err := h.previewSpoke(id, spoke)
	if err != nil {
		return SpokeData{}, err
	}
	return *sd, nil
}

// SpokeSuppliedAssets Spoke 存款额 (向下取整)
func (h *Hub) SpokeSuppliedAssets(id AssetID, spoke SpokeID) (*uint256.Int, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	t, sd, err := h.previewSpoke(id, spoke)
	if err != nil {
		return nil, err
	}
	total, err := t.asset.TotalSupplied()
	if err != nil {
		return nil, err
	}
	return shares.ToAssetsDown(&sd.SuppliedShares, total, &t.asset.SuppliedShares)
}

// SpokeDrawnAssets Spoke 基础债务 (向上取整)
func (h *Hub) SpokeDrawnAssets(id AssetID, spoke SpokeID) (*uint256.Int, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	t, sd, err := h.previewSpoke(id, spoke)
	if err != nil {
		return nil, err
	}
	return wadray.RayMulUp(&sd.DrawnShares, &t.asset.DrawnIndex)
}

// SpokeIDs 资产下登记的 Spoke，按登记顺序
func (h *Hub) SpokeIDs(id AssetID) ([]SpokeID, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if int(id) >= len(h.assets) {
		return nil, fmt.Errorf("%w: %d", ErrAssetNotListed, id)
	}
	out := make([]SpokeID, len(h.spokeOrder[id]))
	copy(out, h.spokeOrder[id])
	return out, nil
}

// =============================================================================
// 不变量
// =============================================================================

// CheckInvariants 校验份额守恒与指数下界
func (h *Hub) CheckInvariants(id AssetID) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if int(id) >= len(h.assets) {
		return fmt.Errorf("%w: %d", ErrAssetNotListed, id)
	}
	a := &h.assets[id]

	supplied, drawn := new(uint256.Int), new(uint256.Int)
	for _, sd := range h.spokes[id] {
		supplied.Add(supplied, &sd.SuppliedShares)
		drawn.Add(drawn, &sd.DrawnShares)
	}
	if !supplied.Eq(&a.SuppliedShares) {
		return fmt.Errorf("%w: asset %d supplied shares %s, spokes sum %s",
			ErrInvariantViolation, id, a.SuppliedShares.Dec(), supplied.Dec())
	}
	if !drawn.Eq(&a.DrawnShares) {
		return fmt.Errorf("%w: asset %d drawn shares %s, spokes sum %s",
			ErrInvariantViolation, id, a.DrawnShares.Dec(), drawn.Dec())
	}
	if a.DrawnIndex.Lt(wadray.RAY()) {
		return fmt.Errorf("%w: asset %d drawn index %s below 1.0",
			ErrInvariantViolation, id, a.DrawnIndex.Dec())
	}
	return nil
}

// =============================================================================
// 导出 / 导入
// =============================================================================

// Export 导出已落盘的全部记录 (不预演计息)
func (h *Hub) Export() State {
	h.mu.RLock()
	defer h.mu.RUnlock()

	st := State{
		Assets: make([]Asset, len(h.assets)),
		Rates:  make([]irm.InterestRateData, len(h.assets)),
	}
	copy(st.Assets, h.assets)
	for i := range h.assets {
		if d, err := h.strategy.GetInterestRateData(AssetID(i)); err == nil {
			st.Rates[i] = d
		}
		for _, sid := range h.spokeOrder[i] {
			st.Spokes = append(st.Spokes, SpokeEntry{
				AssetID: AssetID(i),
				Spoke:   sid,
				Data:    *h.spokes[i][sid],
			})
		}
	}
	return st
}

// Import 用快照替换全部状态，利率参数一并写回策略
func (h *Hub) Import(st State) error {
	sorted := make([]Asset, len(st.Assets))
	copy(sorted, st.Assets)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })
	for i := range sorted {
		if sorted[i].ID != AssetID(i) {
			return fmt.Errorf("%w: asset ids not contiguous at %d", ErrInvariantViolation, i)
		}
	}

	spokes := make([]map[SpokeID]*SpokeData, len(sorted))
	order := make([][]SpokeID, len(sorted))
	for i := range spokes {
		spokes[i] = make(map[SpokeID]*SpokeData)
	}
	for _, e := range st.Spokes {
		if int(e.AssetID) >= len(sorted) {
			return fmt.Errorf("%w: spoke %s on asset %d", ErrAssetNotListed, e.Spoke, e.AssetID)
		}
		if _, dup := spokes[e.AssetID][e.Spoke]; dup {
			return fmt.Errorf("%w: %s", ErrSpokeAlreadyListed, e.Spoke)
		}
		data := e.Data
		spokes[e.AssetID][e.Spoke] = &data
		order[e.AssetID] = append(order[e.AssetID], e.Spoke)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	for i := range sorted {
		if i < len(st.Rates) && st.Rates[i] != (irm.InterestRateData{}) {
			if err := h.strategy.SetInterestRateData(h.id, AssetID(i), st.Rates[i]); err != nil {
				return err
			}
		}
	}
	h.assets = sorted
	h.spokes = spokes
	h.spokeOrder = order

	h.log.WithFields(logger.Fields{
		"assets": len(sorted),
		"spokes": len(st.Spokes),
	}).Info("[Hub] state imported")
	return nil
}
