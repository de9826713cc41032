// 文件: pkg/hub/ops.go
// Hub 资金操作: Add / Remove / Draw / Restore
//
// 调用方是 Spoke。取整方向总是对协议有利:
// - Add     份额向下取整
// - Remove  销毁份额向上取整
// - Draw    债务份额向上取整
// - Restore 销毁债务份额向下取整

package hub

import (
	"fmt"

	"github.com/holiman/uint256"

	"hubspoke.com/pkg/event"
	"hubspoke.com/pkg/shares"
	"hubspoke.com/pkg/wadray"
)

// checkAsset 资产资格
func (t *txn) checkAsset(allowFrozen bool) error {
	cfg := t.asset.Config
	switch {
	case !cfg.Active:
		return fmt.Errorf("%w: %d", ErrAssetNotActive, t.asset.ID)
	case cfg.Paused:
		return fmt.Errorf("%w: %d", ErrAssetPaused, t.asset.ID)
	case cfg.Frozen && !allowFrozen:
		return fmt.Errorf("%w: %d", ErrAssetFrozen, t.asset.ID)
	}
	return nil
}

// caller 取调用方 Spoke 并检查资格
func (t *txn) caller(id SpokeID) (*SpokeData, error) {
	sd, err := t.spoke(id)
	if err != nil {
		return nil, err
	}
	if !sd.Config.Active {
		return nil, fmt.Errorf("%w: %s", ErrSpokeNotActive, id)
	}
	if sd.Config.Paused {
		return nil, fmt.Errorf("%w: %s", ErrSpokePaused, id)
	}
	return sd, nil
}

func validAmount(amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return ErrInvalidAmount
	}
	return nil
}

// =============================================================================
// Add
// =============================================================================

// Add 存入资金，返回铸造的份额
//
// Spoke 与资产总量记入同一份额数，保持两边求和相等
func (h *Hub) Add(id AssetID, caller SpokeID, amount *uint256.Int, from Address) (*uint256.Int, error) {
	if err := validAmount(amount); err != nil {
		return nil, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	t, err := h.begin(id)
	if err != nil {
		return nil, err
	}
	if err := t.accrue(); err != nil {
		return nil, err
	}
	if err := t.checkAsset(false); err != nil {
		return nil, err
	}
	sd, err := t.caller(caller)
	if err != nil {
		return nil, err
	}

	a := &t.asset
	total, err := a.TotalSupplied()
	if err != nil {
		return nil, err
	}
	minted, err := shares.ToSharesDown(amount, total, &a.SuppliedShares)
	if err != nil {
		return nil, err
	}
	if minted.IsZero() {
		return nil, ErrInvalidShares
	}

	if !sd.Config.SupplyCap.IsZero() {
		current, err := shares.ToAssetsDown(&sd.SuppliedShares, total, &a.SuppliedShares)
		if err != nil {
			return nil, err
		}
		after, err := wadray.Add(current, amount)
		if err != nil {
			return nil, err
		}
		if after.Gt(&sd.Config.SupplyCap) {
			return nil, fmt.Errorf("%w: %s > %s", ErrSupplyCapExceeded, after.Dec(), sd.Config.SupplyCap.Dec())
		}
	}

	if err := addShares(&sd.SuppliedShares, minted); err != nil {
		return nil, err
	}
	if err := addShares(&a.SuppliedShares, minted); err != nil {
		return nil, err
	}
	if err := addShares(&a.Liquidity, amount); err != nil {
		return nil, err
	}
	if err := t.updateRate(); err != nil {
		return nil, err
	}

	if err := h.transfer.TransferFrom(a.Underlying, from, h.pool, amount); err != nil {
		return nil, err
	}

	t.emit(h.flowEvent(event.TypeAdd, id, caller, from, amount, minted))
	t.commit()
	return minted, nil
}

// =============================================================================
// Remove
// =============================================================================

// Remove 取出资金，返回销毁的份额
func (h *Hub) Remove(id AssetID, caller SpokeID, amount *uint256.Int, to Address) (*uint256.Int, error) {
	if err := validAmount(amount); err != nil {
		return nil, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	t, err := h.begin(id)
	if err != nil {
		return nil, err
	}
	if err := t.accrue(); err != nil {
		return nil, err
	}
	if err := t.checkAsset(true); err != nil {
		return nil, err
	}
	sd, err := t.caller(caller)
	if err != nil {
		return nil, err
	}

	a := &t.asset
	total, err := a.TotalSupplied()
	if err != nil {
		return nil, err
	}
	available, err := shares.ToAssetsDown(&sd.SuppliedShares, total, &a.SuppliedShares)
	if err != nil {
		return nil, err
	}
	if available.Lt(amount) {
		return nil, fmt.Errorf("%w: has %s, wants %s", ErrInsufficientSupply, available.Dec(), amount.Dec())
	}
	if a.Liquidity.Lt(amount) {
		return nil, fmt.Errorf("%w: has %s, wants %s", ErrInsufficientLiquidity, a.Liquidity.Dec(), amount.Dec())
	}
	burned, err := shares.ToSharesUp(amount, total, &a.SuppliedShares)
	if err != nil {
		return nil, err
	}
	if burned.Gt(&sd.SuppliedShares) {
		return nil, fmt.Errorf("%w: burns %s of %s shares", ErrInsufficientSupply, burned.Dec(), sd.SuppliedShares.Dec())
	}

	sd.SuppliedShares.Sub(&sd.SuppliedShares, burned)
	a.SuppliedShares.Sub(&a.SuppliedShares, burned)
	a.Liquidity.Sub(&a.Liquidity, amount)
	if err := t.updateRate(); err != nil {
		return nil, err
	}

	if err := h.transfer.Transfer(a.Underlying, h.pool, to, amount); err != nil {
		return nil, err
	}

	t.emit(h.flowEvent(event.TypeRemove, id, caller, to, amount, burned))
	t.commit()
	return burned, nil
}

// =============================================================================
// Draw
// =============================================================================

// Draw 借出资金，返回铸造的债务份额
func (h *Hub) Draw(id AssetID, caller SpokeID, amount *uint256.Int, to Address) (*uint256.Int, error) {
	if err := validAmount(amount); err != nil {
		return nil, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	t, err := h.begin(id)
	if err != nil {
		return nil, err
	}
	if err := t.accrue(); err != nil {
		return nil, err
	}
	if err := t.checkAsset(false); err != nil {
		return nil, err
	}
	sd, err := t.caller(caller)
	if err != nil {
		return nil, err
	}

	a := &t.asset
	if a.Liquidity.Lt(amount) {
		return nil, fmt.Errorf("%w: has %s, wants %s", ErrInsufficientLiquidity, a.Liquidity.Dec(), amount.Dec())
	}
	minted, err := wadray.RayDivUp(amount, &a.DrawnIndex)
	if err != nil {
		return nil, err
	}

	after, err := wadray.Add(&sd.DrawnShares, minted)
	if err != nil {
		return nil, err
	}
	if !sd.Config.DrawCap.IsZero() {
		drawn, err := wadray.RayMulUp(after, &a.DrawnIndex)
		if err != nil {
			return nil, err
		}
		if drawn.Gt(&sd.Config.DrawCap) {
			return nil, fmt.Errorf("%w: %s > %s", ErrDrawCapExceeded, drawn.Dec(), sd.Config.DrawCap.Dec())
		}
	}

	sd.DrawnShares.Set(after)
	if err := addShares(&a.DrawnShares, minted); err != nil {
		return nil, err
	}
	a.Liquidity.Sub(&a.Liquidity, amount)
	if err := t.updateRate(); err != nil {
		return nil, err
	}

	if err := h.transfer.Transfer(a.Underlying, h.pool, to, amount); err != nil {
		return nil, err
	}

	t.emit(h.flowEvent(event.TypeDraw, id, caller, to, amount, minted))
	t.commit()
	return minted, nil
}

// =============================================================================
// Restore
// =============================================================================

// Restore 归还基础债务与溢价，返回销毁的债务份额
//
// 溢价不在 Hub 记份额，只作为现金进入可用资金 (存款人收益)
func (h *Hub) Restore(id AssetID, caller SpokeID, baseAmount, premiumAmount *uint256.Int, from Address) (*uint256.Int, error) {
	if baseAmount == nil {
		baseAmount = new(uint256.Int)
	}
	if premiumAmount == nil {
		premiumAmount = new(uint256.Int)
	}
	paid, err := wadray.Add(baseAmount, premiumAmount)
	if err != nil {
		return nil, err
	}
	if paid.IsZero() {
		return nil, ErrInvalidAmount
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	t, err := h.begin(id)
	if err != nil {
		return nil, err
	}
	if err := t.accrue(); err != nil {
		return nil, err
	}
	if err := t.checkAsset(true); err != nil {
		return nil, err
	}
	sd, err := t.caller(caller)
	if err != nil {
		return nil, err
	}

	a := &t.asset
	owed, err := wadray.RayMulUp(&sd.DrawnShares, &a.DrawnIndex)
	if err != nil {
		return nil, err
	}
	if baseAmount.Gt(owed) {
		return nil, fmt.Errorf("%w: owes %s, restores %s", ErrSurplusRestore, owed.Dec(), baseAmount.Dec())
	}
	burned, err := wadray.RayDivDown(baseAmount, &a.DrawnIndex)
	if err != nil {
		return nil, err
	}
	if burned.Gt(&sd.DrawnShares) {
		burned.Set(&sd.DrawnShares)
	}

	sd.DrawnShares.Sub(&sd.DrawnShares, burned)
	a.DrawnShares.Sub(&a.DrawnShares, burned)
	if err := addShares(&a.Liquidity, paid); err != nil {
		return nil, err
	}
	if err := t.updateRate(); err != nil {
		return nil, err
	}

	if err := h.transfer.TransferFrom(a.Underlying, from, h.pool, paid); err != nil {
		return nil, err
	}

	e := h.flowEvent(event.TypeRestore, id, caller, from, baseAmount, burned)
	t.emit(e.With("premium", premiumAmount.Dec()))
	t.commit()
	return burned, nil
}

func (h *Hub) flowEvent(typ event.Type, id AssetID, spoke SpokeID, counterparty Address, amount, shareDelta *uint256.Int) event.Event {
	e := h.newEvent(typ, id)
	e.Spoke = string(spoke)
	e.Counterparty = string(counterparty)
	e.Amount = amount.Dec()
	e.Shares = shareDelta.Dec()
	return e
}
