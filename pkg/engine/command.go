// 文件: pkg/engine/command.go
// 命令定义
//
// 所有状态修改都封装为 Command，经 Channel 交给主循环串行执行。
// CmdID 作为幂等键，同一 CmdID 只生效一次。

package engine

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/holiman/uint256"

	"hubspoke.com/pkg/hub"
	"hubspoke.com/pkg/spoke"
)

// =============================================================================
// 错误定义
// =============================================================================

var (
	ErrEngineClosed     = errors.New("engine is closed")
	ErrCommandTimeout   = errors.New("command timeout")
	ErrDuplicateCommand = errors.New("duplicate command (idempotency)")
	ErrUnknownSpoke     = errors.New("unknown spoke")
	ErrUnknownCommand   = errors.New("unknown command type")
)

// =============================================================================
// 命令类型
// =============================================================================

// CmdType 命令类型
type CmdType uint8

const (
	CmdSupply              CmdType = iota + 1 // 存款
	CmdWithdraw                               // 取款
	CmdBorrow                                 // 借款
	CmdRepay                                  // 还款
	CmdSetCollateral                          // 开关抵押
	CmdLiquidate                              // 清算
	CmdUpdateRiskPremium                      // 重算风险溢价
	CmdUpdateDynamicConfig                    // 迁移动态配置
	CmdAccrue                                 // 全部资产计息
	CmdRefresh                                // 重算全部账户快照 (价格变动后)
	CmdQuery                                  // 在主循环上执行只读闭包
)

var cmdNames = map[CmdType]string{
	CmdSupply:              "supply",
	CmdWithdraw:            "withdraw",
	CmdBorrow:              "borrow",
	CmdRepay:               "repay",
	CmdSetCollateral:       "set_collateral",
	CmdLiquidate:           "liquidate",
	CmdUpdateRiskPremium:   "update_risk_premium",
	CmdUpdateDynamicConfig: "update_dynamic_config",
	CmdAccrue:              "accrue",
	CmdRefresh:             "refresh",
	CmdQuery:               "query",
}

func (t CmdType) String() string {
	if s, ok := cmdNames[t]; ok {
		return s
	}
	return "unknown"
}

// mutates 成功后是否需要刷新账户快照
func (t CmdType) mutates() bool {
	switch t {
	case CmdAccrue, CmdRefresh, CmdQuery:
		return false
	}
	return true
}

// Command 命令
type Command struct {
	Type  CmdType
	CmdID string // 幂等键，空串不做幂等检查

	Spoke             hub.SpokeID
	Reserve           spoke.ReserveID // 操作的储备；清算时为债务储备
	CollateralReserve spoke.ReserveID // 清算专用
	User              spoke.UserID    // 调用方；清算时为被清算人
	OnBehalfOf        spoke.UserID    // 0 表示与 User 相同
	Liquidator        spoke.UserID
	Amount            *uint256.Int
	Enabled           bool // SetCollateral 专用

	fn func() error // Query 专用

	// 结果回传，Submit 会自动创建
	Result chan Result

	// 提交方的 ctx；claimed 由主循环和放弃等待的 Submit 争抢，先到者决定命令执行与否
	ctx     context.Context
	claimed *atomic.Bool
}

// claim 抢占命令，返回 false 表示另一方已经抢到
func (c Command) claim() bool {
	return c.claimed == nil || c.claimed.CompareAndSwap(false, true)
}

// Result 命令结果
type Result struct {
	Amount      *uint256.Int // Withdraw/Repay 的实际数额
	Shares      *uint256.Int // Supply/Borrow 记入仓位的份额
	RiskPremium uint32       // UpdateRiskPremium 的新溢价
	Liquidation spoke.LiquidationResult
	Err         error
}
