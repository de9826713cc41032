// 文件: pkg/engine/api.go
// 引擎对外接口
//
// 所有方法都经主循环执行，调用方可以并发调用。

package engine

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/holiman/uint256"

	"hubspoke.com/pkg/hub"
	"hubspoke.com/pkg/logger"
	"hubspoke.com/pkg/spoke"
)

// Submit 提交命令并等待结果
//
// ctx 没有截止时间时使用 Config.DefaultTimeout。返回 ErrCommandTimeout 时命令一定没有执行；
// 超时前主循环已开始执行的命令，等它执行完返回真实结果。
func (e *Engine) Submit(ctx context.Context, cmd Command) (Result, error) {
	if !e.running.Load() {
		return Result{}, ErrEngineClosed
	}
	if cmd.Result == nil {
		cmd.Result = make(chan Result, 1)
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.DefaultTimeout)
		defer cancel()
	}
	cmd.ctx = ctx
	cmd.claimed = new(atomic.Bool)

	select {
	case e.cmdCh <- cmd:
	case <-e.ctx.Done():
		return Result{}, ErrEngineClosed
	case <-ctx.Done():
		return Result{}, fmt.Errorf("%w: enqueue %s: %v", ErrCommandTimeout, cmd.Type, ctx.Err())
	}

	select {
	case res := <-cmd.Result:
		return res, res.Err
	case <-ctx.Done():
		if cmd.claimed.CompareAndSwap(false, true) {
			return Result{}, fmt.Errorf("%w: %s: %v", ErrCommandTimeout, cmd.Type, ctx.Err())
		}
		// 主循环已在执行
		res := <-cmd.Result
		return res, res.Err
	}
}

// Query 在主循环上执行只读闭包，闭包内看到的是一致的全局状态
func (e *Engine) Query(ctx context.Context, fn func() error) error {
	_, err := e.Submit(ctx, Command{Type: CmdQuery, fn: fn})
	return err
}

// =============================================================================
// 用户操作
// =============================================================================

// Supply 存款，返回份额
func (e *Engine) Supply(ctx context.Context, cmdID string, sp hub.SpokeID, reserve spoke.ReserveID, user spoke.UserID, amount *uint256.Int) (*uint256.Int, error) {
	res, err := e.Submit(ctx, Command{
		Type: CmdSupply, CmdID: cmdID, Spoke: sp, Reserve: reserve, User: user, Amount: amount,
	})
	return res.Shares, err
}

// Withdraw 取款，amount = MaxUint256 表示全部取出
func (e *Engine) Withdraw(ctx context.Context, cmdID string, sp hub.SpokeID, reserve spoke.ReserveID, user spoke.UserID, amount *uint256.Int) (*uint256.Int, error) {
	res, err := e.Submit(ctx, Command{
		Type: CmdWithdraw, CmdID: cmdID, Spoke: sp, Reserve: reserve, User: user, Amount: amount,
	})
	return res.Amount, err
}

// Borrow 借款，返回债务份额
func (e *Engine) Borrow(ctx context.Context, cmdID string, sp hub.SpokeID, reserve spoke.ReserveID, user spoke.UserID, amount *uint256.Int) (*uint256.Int, error) {
	res, err := e.Submit(ctx, Command{
		Type: CmdBorrow, CmdID: cmdID, Spoke: sp, Reserve: reserve, User: user, Amount: amount,
	})
	return res.Shares, err
}

// Repay 还款，返回实际还款额
func (e *Engine) Repay(ctx context.Context, cmdID string, sp hub.SpokeID, reserve spoke.ReserveID, user spoke.UserID, amount *uint256.Int) (*uint256.Int, error) {
	res, err := e.Submit(ctx, Command{
		Type: CmdRepay, CmdID: cmdID, Spoke: sp, Reserve: reserve, User: user, Amount: amount,
	})
	return res.Amount, err
}

// SetUsingAsCollateral 开关抵押
func (e *Engine) SetUsingAsCollateral(ctx context.Context, cmdID string, sp hub.SpokeID, reserve spoke.ReserveID, user spoke.UserID, enabled bool) error {
	_, err := e.Submit(ctx, Command{
		Type: CmdSetCollateral, CmdID: cmdID, Spoke: sp, Reserve: reserve, User: user, Enabled: enabled,
	})
	return err
}

// Liquidate 清算 user 在 debt 储备上的债务，扣押 coll 储备的抵押品
//
// 满足 liquidation.Executor
func (e *Engine) Liquidate(ctx context.Context, cmdID string, sp hub.SpokeID, coll, debt spoke.ReserveID, user spoke.UserID, amount *uint256.Int, liquidator spoke.UserID) (spoke.LiquidationResult, error) {
	res, err := e.Submit(ctx, Command{
		Type:              CmdLiquidate,
		CmdID:             cmdID,
		Spoke:             sp,
		Reserve:           debt,
		CollateralReserve: coll,
		User:              user,
		Amount:            amount,
		Liquidator:        liquidator,
	})
	return res.Liquidation, err
}

// UpdateUserRiskPremium 重算风险溢价
func (e *Engine) UpdateUserRiskPremium(ctx context.Context, sp hub.SpokeID, user spoke.UserID) (uint32, error) {
	res, err := e.Submit(ctx, Command{Type: CmdUpdateRiskPremium, Spoke: sp, User: user})
	return res.RiskPremium, err
}

// UpdateUserDynamicConfig 迁移到当前动态配置
func (e *Engine) UpdateUserDynamicConfig(ctx context.Context, sp hub.SpokeID, user spoke.UserID) error {
	_, err := e.Submit(ctx, Command{Type: CmdUpdateDynamicConfig, Spoke: sp, User: user})
	return err
}

// Accrue 全部资产计息并重算快照
func (e *Engine) Accrue(ctx context.Context) error {
	_, err := e.Submit(ctx, Command{Type: CmdAccrue})
	return err
}

// Refresh 价格变动后重算全部快照
func (e *Engine) Refresh(ctx context.Context) error {
	_, err := e.Submit(ctx, Command{Type: CmdRefresh})
	return err
}

// Account 在主循环上重算账户，返回最新快照 (不发布)
func (e *Engine) Account(ctx context.Context, sp hub.SpokeID, user spoke.UserID) (*AccountSnapshot, error) {
	var snap *AccountSnapshot
	err := e.Query(ctx, func() error {
		s, ok := e.spokes[sp]
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownSpoke, sp)
		}
		data, err := s.GetUserAccountData(user)
		if err != nil {
			return err
		}
		positions, err := s.GetUserPositions(user)
		if err != nil {
			return err
		}
		snap = &AccountSnapshot{Spoke: sp, UserID: user, Data: data, Positions: positions, UpdatedAt: time.Now()}
		return nil
	})
	return snap, err
}

// =============================================================================
// 检查点
// =============================================================================

// Checkpoint 在主循环上导出状态，然后写入存储
func (e *Engine) Checkpoint(ctx context.Context) error {
	if e.checkpointer == nil {
		return nil
	}
	var (
		hs  hub.State
		ids []hub.SpokeID
		ss  = make(map[hub.SpokeID]spoke.State, len(e.spokes))
	)
	err := e.Query(ctx, func() error {
		hs = e.hub.Export()
		ids = e.SpokeIDs()
		for _, id := range ids {
			ss[id] = e.spokes[id].Export()
		}
		return nil
	})
	if err == nil {
		err = e.save(ctx, hs, ids, ss)
	}

	e.metrics.ObserveCheckpoint(err)
	if err != nil {
		e.log.WithError(err).Error("[Engine] checkpoint failed")
		return err
	}
	e.stats.checkpoints.Add(1)
	e.log.WithFields(logger.Fields{"spokes": len(ids)}).Debug("[Engine] checkpoint written")
	return nil
}

func (e *Engine) save(ctx context.Context, hs hub.State, ids []hub.SpokeID, ss map[hub.SpokeID]spoke.State) error {
	if err := e.checkpointer.SaveHub(ctx, hs); err != nil {
		return fmt.Errorf("save hub: %w", err)
	}
	for _, id := range ids {
		if err := e.checkpointer.SaveSpoke(ctx, id, ss[id]); err != nil {
			return fmt.Errorf("save spoke %s: %w", id, err)
		}
	}
	return nil
}

// StartCheckpointLoop 启动定期检查点，引擎停止时退出
func (e *Engine) StartCheckpointLoop(interval time.Duration) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				_ = e.Checkpoint(e.ctx)
			case <-e.ctx.Done():
				return
			}
		}
	}()
}
