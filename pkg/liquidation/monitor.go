// 文件: pkg/liquidation/monitor.go
// 清算监控

package liquidation

import (
	"context"
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

const (
	// Level 检查间隔
	CheckIntervalWarning  = 5 * time.Second        // 预警区: 每 5 秒
	CheckIntervalDanger   = 2 * time.Second        // 危险区: 每 2 秒
	CheckIntervalCritical = 500 * time.Millisecond // 临界区: 每 500ms

	// 清算执行器配置
	LiquidationWorkers   = 4   // Worker 数量
	LiquidationQueueSize = 100 // 任务队列大小

	// DefaultExecuteTimeout 单个任务的执行超时
	DefaultExecuteTimeout = 5 * time.Second
)

// Config 监控配置，零值字段取默认值
type Config struct {
	ScanInterval          time.Duration
	NumShards             int
	CheckIntervalWarning  time.Duration
	CheckIntervalDanger   time.Duration
	CheckIntervalCritical time.Duration
	Workers               int
	QueueSize             int
	ExecuteTimeout        time.Duration
}

func (c Config) withDefaults() Config {
	if c.ScanInterval <= 0 {
		c.ScanInterval = DefaultScanInterval
	}
	if c.NumShards <= 0 {
		c.NumShards = DefaultNumShards
	}
	if c.CheckIntervalWarning <= 0 {
		c.CheckIntervalWarning = CheckIntervalWarning
	}
	if c.CheckIntervalDanger <= 0 {
		c.CheckIntervalDanger = CheckIntervalDanger
	}
	if c.CheckIntervalCritical <= 0 {
		c.CheckIntervalCritical = CheckIntervalCritical
	}
	if c.Workers <= 0 {
		c.Workers = LiquidationWorkers
	}
	if c.QueueSize <= 0 {
		c.QueueSize = LiquidationQueueSize
	}
	if c.ExecuteTimeout <= 0 {
		c.ExecuteTimeout = DefaultExecuteTimeout
	}
	return c
}

// Executor 清算执行器
//
// Monitor 只负责调度，Keeper 是基于引擎的实现
type Executor interface {
	Execute(ctx context.Context, task LiquidationTask) LiquidationResult
}

// =============================================================================
// Monitor
// =============================================================================

// Monitor 清算监控
//
// 负责:
// 1. 管理风险等级索引
// 2. 启动和协调扫描器、各级检查器
// 3. 价格变动时检查持有该储备的高风险账户
// 4. 管理清算任务队列和 Worker Pool
//
//	┌─────────────────────────────────────────────────┐
//	│                    Monitor                      │
//	│  ┌─────────┐  ┌─────────┐  ┌─────────┐          │
//	│  │ Scanner │  │ Checkers│  │ Workers │─▶ Executor│
//	│  └────┬────┘  └────┬────┘  └────┬────┘          │
//	│       └────────────┴────────────┘               │
//	│              RiskLevelIndex                     │
//	└─────────────────────────────────────────────────┘
type Monitor struct {
	cfg Config

	index    *RiskLevelIndex
	scanner  *Scanner
	provider AccountProvider
	executor Executor
	metrics  *metrics.Metrics
	log      *logger.Entry

	// ========== 清算任务 ==========
	queue chan LiquidationTask

	// taskMu 保护 pending 和 closed，closed 之后不再向 queue 发送
	taskMu  sync.Mutex
	pending map[Key]struct{}
	closed  bool

	// ========== 生命周期 ==========
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex

	stats monitorCounters
}

type monitorCounters struct {
	dispatched atomic.Uint64
	dropped    atomic.Uint64
	succeeded  atomic.Uint64
	failed     atomic.Uint64
}

// NewMonitor 创建清算监控
func NewMonitor(provider AccountProvider, executor Executor, cfg Config) *Monitor {
	cfg = cfg.withDefaults()
	m := &Monitor{
		cfg:      cfg,
		index:    NewRiskLevelIndex(),
		provider: provider,
		executor: executor,
		log:      logger.GetLogger().WithComponent("Liquidation"),
		queue:    make(chan LiquidationTask, cfg.QueueSize),
		pending:  make(map[Key]struct{}),
		stopCh:   make(chan struct{}),
	}
	m.scanner = NewScanner(m.index, provider, m.triggerLiquidation)
	m.scanner.SetNumShards(cfg.NumShards)
	m.scanner.SetScanInterval(cfg.ScanInterval)
	return m
}

// SetMetrics 启用指标
func (m *Monitor) SetMetrics(mt *metrics.Metrics) {
	m.metrics = mt
	m.scanner.SetMetrics(mt)
}

// Index 风险等级索引
func (m *Monitor) Index() *RiskLevelIndex { return m.index }

// Scanner 全量扫描器
func (m *Monitor) Scanner() *Scanner { return m.scanner }

// =============================================================================
// 生命周期
// =============================================================================

// Start 启动扫描器、三级检查器和 Worker Pool
func (m *Monitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})

	m.startWorkers()
	m.scanner.Start()
	m.startChecker(RiskLevelWarning, m.cfg.CheckIntervalWarning)
	m.startChecker(RiskLevelDanger, m.cfg.CheckIntervalDanger)
	m.startChecker(RiskLevelCritical, m.cfg.CheckIntervalCritical)

	m.log.WithFields(logger.Fields{"workers": m.cfg.Workers}).Info("[Liquidation] monitor started")
}

// Stop 停止监控，等待进行中的任务完成
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return
	}

	close(m.stopCh)
	m.scanner.Stop()

	m.taskMu.Lock()
	m.closed = true
	close(m.queue)
	m.taskMu.Unlock()

	m.wg.Wait()
	m.running = false
	m.log.Info("[Liquidation] monitor stopped")
}

// =============================================================================
// 检查器
// =============================================================================

func (m *Monitor) startChecker(level RiskLevel, interval time.Duration) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.checkLevel(context.Background(), level)
			}
		}
	}()
}

// checkLevel 重新估值指定等级的所有账户，处理升降级
func (m *Monitor) checkLevel(ctx context.Context, level RiskLevel) {
	for _, user := range m.index.GetByLevel(level) {
		m.recheck(ctx, user.Key, "checker")
	}
}

// recheck 取最新估值并更新索引
func (m *Monitor) recheck(ctx context.Context, key Key, trigger string) {
	snap, err := m.provider.Account(ctx, key.Spoke, key.User)
	if err != nil {
		m.log.WithFields(logger.Fields{"spoke": key.Spoke, "user": key.User}).
			WithError(err).Warn("[Liquidation] recheck failed")
		return
	}
	old, _ := m.index.GetUser(key)
	data := FromSnapshot(snap, time.Now().UnixNano())
	m.handleLevelChange(old, data, trigger)
}

// handleLevelChange 处理账户等级变化
func (m *Monitor) handleLevelChange(old, data UserRiskData, trigger string) {
	if old.Level != data.Level && old.Level != RiskLevelSafe {
		m.log.WithFields(logger.Fields{
			"spoke":         data.Spoke,
			"user":          data.User,
			"from":          old.Level.String(),
			"to":            data.Level.String(),
			"health_factor": data.HealthFactor,
		}).Info("[Liquidation] level changed")
	}

	switch data.Level {
	case RiskLevelLiquidate:
		m.index.RemoveUser(data.Key)
		m.triggerLiquidation(LiquidationTask{
			Key:          data.Key,
			HealthFactor: data.HealthFactor,
			Trigger:      trigger,
			CreatedAt:    time.Now(),
			Priority:     data.DebtValue,
		})
	case RiskLevelSafe:
		m.index.RemoveUser(data.Key)
	default:
		m.index.UpdateUser(data)
	}
}

// =============================================================================
// 价格触发
// =============================================================================

// OnPriceChange 储备价格变动后检查持有它的高风险账户
//
// 由价格源调用；估值直接读预言机，不等待下一次扫描
func (m *Monitor) OnPriceChange(sp hub.SpokeID, reserve spoke.ReserveID) {
	keys := m.index.GetUsersByReserve(ReserveKey{Spoke: sp, Reserve: reserve})
	if len(keys) == 0 {
		return
	}
	ctx := context.Background()
	for _, key := range keys {
		m.recheck(ctx, key, "price")
	}
}

// =============================================================================
// 清算任务
// =============================================================================

// triggerLiquidation 非阻塞入队，同一账户同时只有一个任务
func (m *Monitor) triggerLiquidation(task LiquidationTask) {
	m.taskMu.Lock()
	defer m.taskMu.Unlock()

	if m.closed {
		return
	}
	if _, ok := m.pending[task.Key]; ok {
		return
	}

	select {
	case m.queue <- task:
		m.pending[task.Key] = struct{}{}
		m.stats.dispatched.Add(1)
		m.log.WithFields(logger.Fields{
			"spoke":         task.Spoke,
			"user":          task.User,
			"health_factor": task.HealthFactor,
			"trigger":       task.Trigger,
		}).Info("[Liquidation] task queued")
	default:
		m.stats.dropped.Add(1)
		m.log.WithFields(logger.Fields{"spoke": task.Spoke, "user": task.User}).
			Warn("[Liquidation] queue full, task dropped")
	}
}

func (m *Monitor) done(key Key) {
	m.taskMu.Lock()
	delete(m.pending, key)
	m.taskMu.Unlock()
}

// =============================================================================
// Worker Pool
// =============================================================================

func (m *Monitor) startWorkers() {
	for i := 0; i < m.cfg.Workers; i++ {
		m.wg.Add(1)
		go func(workerID int) {
			defer m.wg.Done()
			m.runWorker(workerID)
		}(i)
	}
}

// runWorker 失败的任务不重试，等下一轮扫描或检查重新发现
func (m *Monitor) runWorker(workerID int) {
	for task := range m.queue {
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ExecuteTimeout)
		result := m.executor.Execute(ctx, task)
		cancel()
		m.done(task.Key)

		entry := m.log.WithFields(logger.Fields{
			"worker": workerID,
			"spoke":  task.Spoke,
			"user":   task.User,
		})
		if result.Success {
			m.stats.succeeded.Add(1)
			entry.WithFields(logger.Fields{
				"debt_reserve":       result.Details.DebtReserve,
				"collateral_reserve": result.Details.CollateralReserve,
				"health_factor":      result.Details.HealthFactorAfter,
			}).Info("[Liquidation] executed")
		} else {
			m.stats.failed.Add(1)
			entry.WithError(result.Error).Warn("[Liquidation] execution failed")
		}
	}
}

// =============================================================================
// 监控接口
// =============================================================================

// Stats 监控统计信息
type Stats struct {
	TotalHighRiskUsers int
	WarningUsers       int
	DangerUsers        int
	CriticalUsers      int
	QueuedTasks        int
	Dispatched         uint64
	Dropped            uint64
	Succeeded          uint64
	Failed             uint64
}

// GetStats 获取统计信息
func (m *Monitor) GetStats() Stats {
	return Stats{
		TotalHighRiskUsers: m.index.TotalCount(),
		WarningUsers:       m.index.CountByLevel(RiskLevelWarning),
		DangerUsers:        m.index.CountByLevel(RiskLevelDanger),
		CriticalUsers:      m.index.CountByLevel(RiskLevelCritical),
		QueuedTasks:        len(m.queue),
		Dispatched:         m.stats.dispatched.Load(),
		Dropped:            m.stats.dropped.Load(),
		Succeeded:          m.stats.succeeded.Load(),
		Failed:             m.stats.failed.Load(),
	}
}
