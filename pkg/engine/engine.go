// 文件: pkg/engine/engine.go
// 定序器 - 单 goroutine 独占 Hub 和全部 Spoke
//
// 核心设计:
// 1. 单线程模型: 所有修改命令经 cmdCh 串行执行，全局只有一个顺序
// 2. 幂等: 成功命令的 CmdID 记入 applied，重复提交直接拒绝
// 3. 原子快照: 命令完成后重算相关账户，发布到 SnapshotStore 供清算监控无锁读取
// 4. 检查点: 在主循环上导出状态，循环外写库
//
//   外部调用 (API / 清算 Keeper)
//          │  Submit
//          ▼
//   ┌──────────────────────┐
//   │   Engine.processLoop │ ── Hub / Spoke
//   └──────────────────────┘
//          │
//   SnapshotStore (无锁读) ──▶ 清算监控

package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"hubspoke.com/pkg/hub"
	"hubspoke.com/pkg/logger"
	"hubspoke.com/pkg/metrics"
	"hubspoke.com/pkg/spoke"
)

// =============================================================================
// 配置
// =============================================================================

// Config 引擎配置
type Config struct {
	// CommandQueueLen 命令队列长度，队列满时 Submit 阻塞
	CommandQueueLen int

	// DefaultTimeout ctx 没有截止时间时使用的超时
	DefaultTimeout time.Duration

	// CheckpointInterval 定期检查点间隔，0 表示不启用
	CheckpointInterval time.Duration
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		CommandQueueLen: 10000,
		DefaultTimeout:  time.Second,
	}
}

// Checkpointer 状态落盘
type Checkpointer interface {
	SaveHub(ctx context.Context, st hub.State) error
	SaveSpoke(ctx context.Context, id hub.SpokeID, st spoke.State) error
}

// Loader 状态恢复
type Loader interface {
	LoadHub(ctx context.Context) (hub.State, bool, error)
	LoadSpoke(ctx context.Context, id hub.SpokeID) (spoke.State, bool, error)
}

// Option 引擎选项
type Option func(*Engine)

// WithMetrics 启用指标
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithCheckpointer 指定检查点存储
func WithCheckpointer(c Checkpointer) Option {
	return func(e *Engine) { e.checkpointer = c }
}

// =============================================================================
// Engine
// =============================================================================

// Engine 定序器
//
// 使用示例:
//
//	e := engine.New(h, engine.DefaultConfig())
//	e.AddSpoke(sp)
//	e.Start()
//	defer e.Stop()
//
//	shares, err := e.Supply(ctx, cmdID, "spoke-main", reserve, user, amount)
//	snap := e.Snapshot("spoke-main", user)
type Engine struct {
	cfg Config

	hub    *hub.Hub
	spokes map[hub.SpokeID]*spoke.Spoke

	// ===== 幂等性 =====
	// 只由主循环读写
	applied map[string]struct{}

	// ===== 命令队列 =====
	cmdCh chan Command

	snapshots    *SnapshotStore
	checkpointer Checkpointer
	metrics      *metrics.Metrics
	log          *logger.Entry

	// ===== 生命周期 =====
	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	stats counters
}

type counters struct {
	total        atomic.Uint64
	rejected     atomic.Uint64
	duplicate    atomic.Uint64
	liquidations atomic.Uint64
	checkpoints  atomic.Uint64
}

// Stats 引擎统计信息 (监控用)
type Stats struct {
	TotalCommands    uint64 // 处理的命令总数
	RejectCount      uint64 // 执行失败
	DuplicateCount   uint64 // 重复命令
	LiquidationCount uint64 // 成功清算
	CheckpointCount  uint64 // 成功检查点
	SnapshotCount    int    // 已发布的账户快照
	QueueLen         int    // 排队中的命令
}

// New 创建引擎，Spoke 需在 Start 之前通过 AddSpoke 注册
func New(h *hub.Hub, cfg Config, opts ...Option) *Engine {
	if cfg.CommandQueueLen <= 0 {
		cfg.CommandQueueLen = 10000
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		cfg:       cfg,
		hub:       h,
		spokes:    make(map[hub.SpokeID]*spoke.Spoke),
		applied:   make(map[string]struct{}),
		cmdCh:     make(chan Command, cfg.CommandQueueLen),
		snapshots: NewSnapshotStore(),
		log:       logger.GetLogger().WithComponent("Engine"),
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// AddSpoke 注册 Spoke
func (e *Engine) AddSpoke(sp *spoke.Spoke) error {
	if e.running.Load() {
		return fmt.Errorf("add spoke %s: engine already running", sp.ID())
	}
	if _, ok := e.spokes[sp.ID()]; ok {
		return fmt.Errorf("add spoke %s: already registered", sp.ID())
	}
	e.spokes[sp.ID()] = sp
	return nil
}

// Hub 底层 Hub (只读查询用)
func (e *Engine) Hub() *hub.Hub { return e.hub }

// Spoke 按 ID 取 Spoke
func (e *Engine) Spoke(id hub.SpokeID) (*spoke.Spoke, bool) {
	sp, ok := e.spokes[id]
	return sp, ok
}

// SpokeIDs 已注册的 Spoke，按 ID 排序
func (e *Engine) SpokeIDs() []hub.SpokeID {
	ids := make([]hub.SpokeID, 0, len(e.spokes))
	for id := range e.spokes {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// =============================================================================
// 生命周期
// =============================================================================

// Recover 启动前从存储恢复 Hub 和 Spoke 状态
func (e *Engine) Recover(ctx context.Context, l Loader) error {
	if e.running.Load() {
		return fmt.Errorf("recover: engine already running")
	}
	hs, ok, err := l.LoadHub(ctx)
	if err != nil {
		return fmt.Errorf("load hub: %w", err)
	}
	if ok {
		if err := e.hub.Import(hs); err != nil {
			return fmt.Errorf("import hub: %w", err)
		}
	}
	for _, id := range e.SpokeIDs() {
		ss, ok, err := l.LoadSpoke(ctx, id)
		if err != nil {
			return fmt.Errorf("load spoke %s: %w", id, err)
		}
		if !ok {
			continue
		}
		if err := e.spokes[id].Import(ss); err != nil {
			return fmt.Errorf("import spoke %s: %w", id, err)
		}
	}
	e.refreshAll()
	e.log.WithFields(logger.Fields{
		"spokes":   len(e.spokes),
		"accounts": e.snapshots.Len(),
	}).Info("[Engine] state recovered")
	return nil
}

// Start 启动主循环
func (e *Engine) Start() {
	if e.running.Swap(true) {
		return
	}
	e.wg.Add(1)
	go e.processLoop()

	if e.cfg.CheckpointInterval > 0 && e.checkpointer != nil {
		e.StartCheckpointLoop(e.cfg.CheckpointInterval)
	}
	e.log.WithFields(logger.Fields{
		"spokes":    len(e.spokes),
		"queue_len": e.cfg.CommandQueueLen,
	}).Info("[Engine] started")
}

// Stop 停止引擎，处理完队列中剩余命令后返回
func (e *Engine) Stop() {
	if !e.running.Swap(false) {
		return
	}
	e.cancel()
	e.wg.Wait()
	e.log.Info("[Engine] stopped")
}

// processLoop 命令处理主循环 (单线程)
func (e *Engine) processLoop() {
	defer e.wg.Done()

	for {
		select {
		case <-e.ctx.Done():
			e.drainQueue()
			return

		case cmd := <-e.cmdCh:
			e.handleCommand(cmd)
		}
	}
}

// drainQueue 关闭时处理剩余命令
func (e *Engine) drainQueue() {
	for {
		select {
		case cmd := <-e.cmdCh:
			e.handleCommand(cmd)
		default:
			return
		}
	}
}

// =============================================================================
// 命令处理
// =============================================================================

// handleCommand 处理单个命令
//
// 快照先于结果发布，Submit 返回后即可读到新快照
func (e *Engine) handleCommand(cmd Command) {
	e.stats.total.Add(1)

	// 0. 提交方已放弃等待的命令不执行
	if !cmd.claim() {
		e.stats.rejected.Add(1)
		e.log.WithFields(logger.Fields{
			"type":   cmd.Type.String(),
			"cmd_id": cmd.CmdID,
		}).Debug("[Engine] command abandoned by caller")
		return
	}
	if cmd.ctx != nil && cmd.ctx.Err() != nil {
		e.stats.rejected.Add(1)
		e.sendResult(cmd, Result{Err: fmt.Errorf("%w: %s: %v", ErrCommandTimeout, cmd.Type, cmd.ctx.Err())})
		return
	}

	// 1. 幂等性检查
	if cmd.CmdID != "" {
		if _, exists := e.applied[cmd.CmdID]; exists {
			e.stats.duplicate.Add(1)
			e.sendResult(cmd, Result{Err: ErrDuplicateCommand})
			return
		}
	}

	// 2. 执行
	start := time.Now()
	res := e.apply(cmd)
	e.metrics.ObserveCommand(cmd.Type.String(), time.Since(start), res.Err)

	if res.Err != nil {
		e.stats.rejected.Add(1)
		e.log.WithFields(logger.Fields{
			"type":   cmd.Type.String(),
			"cmd_id": cmd.CmdID,
			"spoke":  cmd.Spoke,
			"user":   cmd.User,
		}).WithError(res.Err).Debug("[Engine] command rejected")
	} else if cmd.CmdID != "" {
		// 3. 记录幂等键
		e.applied[cmd.CmdID] = struct{}{}
	}

	// 4. 更新快照
	if res.Err == nil && cmd.Type.mutates() {
		e.afterCommand(cmd)
	}

	// 5. 返回结果
	e.sendResult(cmd, res)
}

// apply 执行命令
func (e *Engine) apply(cmd Command) Result {
	switch cmd.Type {
	case CmdQuery:
		if cmd.fn == nil {
			return Result{}
		}
		return Result{Err: cmd.fn()}
	case CmdAccrue:
		return Result{Err: e.accrueAll()}
	case CmdRefresh:
		e.refreshAll()
		return Result{}
	}

	sp, ok := e.spokes[cmd.Spoke]
	if !ok {
		return Result{Err: fmt.Errorf("%w: %s", ErrUnknownSpoke, cmd.Spoke)}
	}
	onBehalfOf := cmd.OnBehalfOf
	if onBehalfOf == 0 {
		onBehalfOf = cmd.User
	}

	var res Result
	switch cmd.Type {
	case CmdSupply:
		res.Shares, res.Err = sp.Supply(cmd.User, cmd.Reserve, cmd.Amount, onBehalfOf)
	case CmdWithdraw:
		res.Amount, res.Err = sp.Withdraw(cmd.User, cmd.Reserve, cmd.Amount, onBehalfOf)
	case CmdBorrow:
		res.Shares, res.Err = sp.Borrow(cmd.User, cmd.Reserve, cmd.Amount, onBehalfOf)
	case CmdRepay:
		res.Amount, res.Err = sp.Repay(cmd.User, cmd.Reserve, cmd.Amount, onBehalfOf)
	case CmdSetCollateral:
		res.Err = sp.SetUsingAsCollateral(cmd.User, cmd.Reserve, cmd.Enabled, onBehalfOf)
	case CmdLiquidate:
		res.Liquidation, res.Err = sp.Liquidate(cmd.CollateralReserve, cmd.Reserve, cmd.User, cmd.Amount, cmd.Liquidator)
		e.observeLiquidation(sp, cmd, res)
	case CmdUpdateRiskPremium:
		res.RiskPremium, res.Err = sp.UpdateUserRiskPremium(cmd.User)
	case CmdUpdateDynamicConfig:
		res.Err = sp.UpdateUserDynamicConfig(cmd.User)
	default:
		res.Err = fmt.Errorf("%w: %d", ErrUnknownCommand, cmd.Type)
	}
	return res
}

func (e *Engine) observeLiquidation(sp *spoke.Spoke, cmd Command, res Result) {
	if res.Err == nil {
		e.stats.liquidations.Add(1)
	}
	if e.metrics == nil {
		return
	}
	r, err := sp.GetReserve(cmd.Reserve)
	if err != nil {
		e.metrics.ObserveLiquidation(string(sp.ID()), cmd.Reserve, 0, nil, res.Err)
		return
	}
	e.metrics.ObserveLiquidation(string(sp.ID()), cmd.Reserve, r.Decimals, res.Liquidation.DebtRepaid, res.Err)
}

// sendResult 发送命令结果
func (e *Engine) sendResult(cmd Command, res Result) {
	if cmd.Result != nil {
		select {
		case cmd.Result <- res:
		default:
			// 调用方未等待结果，丢弃
		}
	}
}

// accrueAll 全部资产计息，之后所有账户的债务都变了
func (e *Engine) accrueAll() error {
	for i := 0; i < e.hub.AssetCount(); i++ {
		if err := e.hub.Accrue(hub.AssetID(i)); err != nil {
			return fmt.Errorf("accrue asset %d: %w", i, err)
		}
		e.observeAsset(hub.AssetID(i))
	}
	e.refreshAll()
	return nil
}

// =============================================================================
// 快照
// =============================================================================

// afterCommand 重算命令涉及的账户与资产
func (e *Engine) afterCommand(cmd Command) {
	sp := e.spokes[cmd.Spoke]
	users := []spoke.UserID{cmd.User}
	if cmd.OnBehalfOf != 0 {
		users = append(users, cmd.OnBehalfOf)
	}
	reserves := []spoke.ReserveID{cmd.Reserve}
	if cmd.Type == CmdLiquidate {
		users = append(users, cmd.Liquidator, sp.Treasury())
		reserves = append(reserves, cmd.CollateralReserve)
	}

	seen := make(map[spoke.UserID]struct{}, len(users))
	snaps := make([]*AccountSnapshot, 0, len(users))
	for _, u := range users {
		if _, dup := seen[u]; dup {
			continue
		}
		seen[u] = struct{}{}
		if snap := e.buildSnapshot(sp, u); snap != nil {
			snaps = append(snaps, snap)
		}
	}
	e.snapshots.Update(snaps...)

	for _, id := range reserves {
		if r, err := sp.GetReserve(id); err == nil {
			e.observeAsset(r.AssetID)
		}
	}
}

// refreshAll 重算全部账户快照
func (e *Engine) refreshAll() {
	var snaps []*AccountSnapshot
	for _, id := range e.SpokeIDs() {
		sp := e.spokes[id]
		for _, u := range sp.UserIDs() {
			if snap := e.buildSnapshot(sp, u); snap != nil {
				snaps = append(snaps, snap)
			}
		}
	}
	e.snapshots.Update(snaps...)
}

// buildSnapshot 账户估值失败 (如债务零价) 时保留旧快照
func (e *Engine) buildSnapshot(sp *spoke.Spoke, u spoke.UserID) *AccountSnapshot {
	data, err := sp.GetUserAccountData(u)
	if err != nil {
		e.log.WithFields(logger.Fields{"spoke": sp.ID(), "user": u}).
			WithError(err).Warn("[Engine] account snapshot skipped")
		return nil
	}
	positions, err := sp.GetUserPositions(u)
	if err != nil {
		e.log.WithFields(logger.Fields{"spoke": sp.ID(), "user": u}).
			WithError(err).Warn("[Engine] account snapshot skipped")
		return nil
	}
	return &AccountSnapshot{
		Spoke:     sp.ID(),
		UserID:    u,
		Data:      data,
		Positions: positions,
		UpdatedAt: time.Now(),
	}
}

func (e *Engine) observeAsset(id hub.AssetID) {
	if e.metrics == nil {
		return
	}
	index, err := e.hub.DrawnIndex(id)
	if err != nil {
		return
	}
	rate, err := e.hub.DrawnRate(id)
	if err != nil {
		return
	}
	liquidity, err := e.hub.AvailableLiquidity(id)
	if err != nil {
		return
	}
	decimals, err := e.hub.Decimals(id)
	if err != nil {
		return
	}
	e.metrics.SetAsset(id, decimals, index, rate, liquidity)
}

// Snapshot 账户快照 (无锁，可能为 nil)
func (e *Engine) Snapshot(sp hub.SpokeID, user spoke.UserID) *AccountSnapshot {
	return e.snapshots.Get(sp, user)
}

// Snapshots 全部账户快照
func (e *Engine) Snapshots() []*AccountSnapshot {
	return e.snapshots.All()
}

// GetStats 统计信息
func (e *Engine) GetStats() Stats {
	return Stats{
		TotalCommands:    e.stats.total.Load(),
		RejectCount:      e.stats.rejected.Load(),
		DuplicateCount:   e.stats.duplicate.Load(),
		LiquidationCount: e.stats.liquidations.Load(),
		CheckpointCount:  e.stats.checkpoints.Load(),
		SnapshotCount:    e.snapshots.Len(),
		QueueLen:         len(e.cmdCh),
	}
}
