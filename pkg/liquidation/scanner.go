// 文件: pkg/liquidation/scanner.go
// 全量扫描器

package liquidation

import (
	"context"
	"sort"
	"sync"
	"time"

	"hubspoke.com/pkg/engine"
	"hubspoke.com/pkg/hub"
	"hubspoke.com/pkg/logger"
	"hubspoke.com/pkg/metrics"
	"hubspoke.com/pkg/spoke"
)

// =============================================================================
// 配置常量
// =============================================================================

const (
	// DefaultScanInterval 默认全量扫描间隔
	DefaultScanInterval = 5 * time.Second

	// DefaultNumShards 默认分片数量
	DefaultNumShards = 4

	// DefaultShardCapacity 每个分片 Map 的预分配容量
	DefaultShardCapacity = 1024
)

// =============================================================================
// 对象池
// =============================================================================

var shardResultPool = sync.Pool{
	New: func() interface{} {
		return make(map[Key]UserRiskData, DefaultShardCapacity)
	},
}

func getShardResultMap() map[Key]UserRiskData {
	return shardResultPool.Get().(map[Key]UserRiskData)
}

// putShardResultMap 归还前清空
func putShardResultMap(m map[Key]UserRiskData) {
	clear(m)
	shardResultPool.Put(m)
}

// =============================================================================
// 接口定义
// =============================================================================

// AccountProvider 账户数据来源，*engine.Engine 满足该接口
type AccountProvider interface {
	// Refresh 价格可能已变，重算全部快照
	Refresh(ctx context.Context) error

	// Snapshots 全部账户快照 (无锁)
	Snapshots() []*engine.AccountSnapshot

	// Account 单个账户的最新估值
	Account(ctx context.Context, sp hub.SpokeID, user spoke.UserID) (*engine.AccountSnapshot, error)
}

// =============================================================================
// Scanner 扫描器
// =============================================================================

// Scanner 风险扫描器
//
// 职责:
// 1. 定期刷新并读取全部账户快照
// 2. 按健康因子把账户分配到风险等级索引
// 3. 清算区账户生成任务交给 dispatch
//
// 全量扫描作为兜底，增量检查由 Monitor 的检查器和价格触发完成
type Scanner struct {
	index        *RiskLevelIndex
	provider     AccountProvider
	dispatch     func(LiquidationTask)
	metrics      *metrics.Metrics
	numShards    int
	scanInterval time.Duration
	log          *logger.Entry

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// ScanResult 一次扫描的统计
type ScanResult struct {
	Users     int
	Warning   int
	Danger    int
	Critical  int
	Liquidate int
	Tasks     []LiquidationTask
	Elapsed   time.Duration
}

// NewScanner 创建新的扫描器，dispatch 可为 nil
func NewScanner(index *RiskLevelIndex, provider AccountProvider, dispatch func(LiquidationTask)) *Scanner {
	return &Scanner{
		index:        index,
		provider:     provider,
		dispatch:     dispatch,
		numShards:    DefaultNumShards,
		scanInterval: DefaultScanInterval,
		log:          logger.GetLogger().WithComponent("Scanner"),
		stopCh:       make(chan struct{}),
	}
}

// SetNumShards 设置分片数量
func (s *Scanner) SetNumShards(n int) {
	if n > 0 {
		s.numShards = n
	}
}

// SetScanInterval 设置扫描间隔
func (s *Scanner) SetScanInterval(d time.Duration) {
	if d > 0 {
		s.scanInterval = d
	}
}

// SetMetrics 启用指标
func (s *Scanner) SetMetrics(m *metrics.Metrics) {
	s.metrics = m
}

// =============================================================================
// 扫描器生命周期
// =============================================================================

// Start 启动扫描器，后台定期执行全量扫描
func (s *Scanner) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runLoop()
	}()

	s.log.WithFields(logger.Fields{
		"interval": s.scanInterval.String(),
		"shards":   s.numShards,
	}).Info("[Scanner] started")
}

// Stop 停止扫描器
func (s *Scanner) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	close(s.stopCh)
	s.wg.Wait()
	s.running = false
	s.log.Info("[Scanner] stopped")
}

// runLoop 扫描主循环
func (s *Scanner) runLoop() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-s.stopCh
		cancel()
	}()

	// 启动时立即执行一次扫描
	s.Scan(ctx)

	ticker := time.NewTicker(s.scanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.Scan(ctx)
		}
	}
}

// =============================================================================
// 核心扫描逻辑
// =============================================================================

// Scan 执行一次全量扫描
//
// 步骤:
// 1. 刷新快照并读取
// 2. 按用户分片，并行计算风险数据
// 3. 合并结果，按等级分组
// 4. 批量更新索引
// 5. 清算区账户派发任务
func (s *Scanner) Scan(ctx context.Context) ScanResult {
	startTime := time.Now()

	if err := s.provider.Refresh(ctx); err != nil {
		// 刷新失败仍用现有快照扫描
		s.log.WithError(err).Warn("[Scanner] refresh snapshots failed")
	}
	snaps := s.provider.Snapshots()

	scanTime := startTime.UnixNano()
	results := s.processShards(ctx, s.shardAccounts(snaps), scanTime)

	var (
		levelWarning  []UserRiskData
		levelDanger   []UserRiskData
		levelCritical []UserRiskData
		res           = ScanResult{Users: len(snaps)}
	)
	for _, result := range results {
		for _, data := range result {
			switch data.Level {
			case RiskLevelWarning:
				levelWarning = append(levelWarning, data)
			case RiskLevelDanger:
				levelDanger = append(levelDanger, data)
			case RiskLevelCritical:
				levelCritical = append(levelCritical, data)
			case RiskLevelLiquidate:
				res.Tasks = append(res.Tasks, LiquidationTask{
					Key:          data.Key,
					HealthFactor: data.HealthFactor,
					Trigger:      "scan",
					CreatedAt:    startTime,
					Priority:     data.DebtValue,
				})
			}
		}
		putShardResultMap(result)
	}

	s.index.BatchUpdateLevel(RiskLevelWarning, levelWarning)
	s.index.BatchUpdateLevel(RiskLevelDanger, levelDanger)
	s.index.BatchUpdateLevel(RiskLevelCritical, levelCritical)

	all := make([]UserRiskData, 0, len(levelWarning)+len(levelDanger)+len(levelCritical))
	all = append(all, levelWarning...)
	all = append(all, levelDanger...)
	all = append(all, levelCritical...)
	s.index.RebuildLookup(all)

	// 大额债务优先
	sort.Slice(res.Tasks, func(i, j int) bool { return res.Tasks[i].Priority > res.Tasks[j].Priority })
	if s.dispatch != nil {
		for _, task := range res.Tasks {
			s.dispatch(task)
		}
	}

	res.Warning, res.Danger, res.Critical, res.Liquidate =
		len(levelWarning), len(levelDanger), len(levelCritical), len(res.Tasks)
	res.Elapsed = time.Since(startTime)

	s.metrics.SetAccountsByLevel(RiskLevelWarning.String(), res.Warning)
	s.metrics.SetAccountsByLevel(RiskLevelDanger.String(), res.Danger)
	s.metrics.SetAccountsByLevel(RiskLevelCritical.String(), res.Critical)
	s.metrics.SetAccountsByLevel(RiskLevelLiquidate.String(), res.Liquidate)

	s.log.WithFields(logger.Fields{
		"users":     res.Users,
		"warning":   res.Warning,
		"danger":    res.Danger,
		"critical":  res.Critical,
		"liquidate": res.Liquidate,
		"elapsed":   res.Elapsed.String(),
	}).Debug("[Scanner] scan completed")
	return res
}

// shardAccounts 按 UserID 取模分片，同一用户始终在同一分片
func (s *Scanner) shardAccounts(snaps []*engine.AccountSnapshot) [][]*engine.AccountSnapshot {
	shards := make([][]*engine.AccountSnapshot, s.numShards)
	for i := range shards {
		shards[i] = make([]*engine.AccountSnapshot, 0, len(snaps)/s.numShards+1)
	}
	for _, snap := range snaps {
		idx := int64(snap.UserID) % int64(s.numShards)
		if idx < 0 {
			idx = -idx
		}
		shards[idx] = append(shards[idx], snap)
	}
	return shards
}

// processShards 每个分片一个 goroutine
func (s *Scanner) processShards(ctx context.Context, shards [][]*engine.AccountSnapshot, scanTime int64) []map[Key]UserRiskData {
	results := make([]map[Key]UserRiskData, len(shards))
	var wg sync.WaitGroup

	for i, shard := range shards {
		wg.Add(1)
		go func(shardIdx int, snaps []*engine.AccountSnapshot) {
			defer wg.Done()
			results[shardIdx] = s.processShard(ctx, snaps, scanTime)
		}(i, shard)
	}

	wg.Wait()
	return results
}

// processShard 只保留有债务且不安全的账户
func (s *Scanner) processShard(ctx context.Context, snaps []*engine.AccountSnapshot, scanTime int64) map[Key]UserRiskData {
	result := getShardResultMap()

	for _, snap := range snaps {
		select {
		case <-ctx.Done():
			return result
		default:
		}
		if !snap.HasDebt() {
			continue
		}
		data := FromSnapshot(snap, scanTime)
		if data.Level != RiskLevelSafe {
			result[data.Key] = data
		}
	}

	return result
}
