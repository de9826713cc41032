package liquidation

import (
	"context"
	"math/rand"
	"sync/atomic"
	"testing"
	"time"

	"hubspoke.com/pkg/engine"
	"hubspoke.com/pkg/hub"
	"hubspoke.com/pkg/spoke"
)

// =============================================================================
// 大规模性能测试 Mock
// =============================================================================

// largeScaleProvider 预生成快照的账户数据源
type largeScaleProvider struct {
	snaps []*engine.AccountSnapshot
}

// newLargeScaleProvider total 个有债务账户，其中 highRisk 个分布在四个高风险等级
func newLargeScaleProvider(total, highRisk int) *largeScaleProvider {
	rnd := rand.New(rand.NewSource(time.Now().UnixNano()))
	spokes := []hub.SpokeID{"spoke-a", "spoke-b"}
	p := &largeScaleProvider{snaps: make([]*engine.AccountSnapshot, 0, total)}

	for i := 0; i < total; i++ {
		var hfMilli uint64
		if i < highRisk {
			switch i % 4 {
			case 0:
				hfMilli = 1_250 + uint64(rnd.Intn(250)) // Warning
			case 1:
				hfMilli = 1_100 + uint64(rnd.Intn(150)) // Danger
			case 2:
				hfMilli = 1_000 + uint64(rnd.Intn(100)) // Critical
			case 3:
				hfMilli = 800 + uint64(rnd.Intn(200)) // Liquidate
			}
		} else {
			hfMilli = 1_500 + uint64(rnd.Intn(3_000))
		}
		reserve := spoke.ReserveID(i % 5)
		p.snaps = append(p.snaps, mockSnapshot(spokes[i%len(spokes)], spoke.UserID(i+1), hfMilli, reserve))
	}
	return p
}

func (p *largeScaleProvider) Refresh(context.Context) error { return nil }

func (p *largeScaleProvider) Snapshots() []*engine.AccountSnapshot { return p.snaps }

func (p *largeScaleProvider) Account(_ context.Context, _ hub.SpokeID, user spoke.UserID) (*engine.AccountSnapshot, error) {
	return p.snaps[int(user)-1], nil
}

// noOpExecutor 空操作执行器
type noOpExecutor struct {
	calls atomic.Int64
}

func (e *noOpExecutor) Execute(_ context.Context, task LiquidationTask) LiquidationResult {
	e.calls.Add(1)
	return LiquidationResult{Key: task.Key, Success: true}
}

// =============================================================================
// Benchmark: 扫描性能
// =============================================================================

// BenchmarkScanner_Scan_200K 全量扫描 20万有债务账户
func BenchmarkScanner_Scan_200K(b *testing.B) {
	provider := newLargeScaleProvider(200_000, 20_000)
	scanner := NewScanner(NewRiskLevelIndex(), provider, nil)
	scanner.SetNumShards(8)
	ctx := context.Background()

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		scanner.Scan(ctx)
	}
	b.ReportMetric(float64(len(provider.snaps)), "users/scan")
}

// BenchmarkScanner_Scan_20K 只有高风险账户
func BenchmarkScanner_Scan_20K(b *testing.B) {
	provider := newLargeScaleProvider(20_000, 20_000)
	scanner := NewScanner(NewRiskLevelIndex(), provider, nil)
	ctx := context.Background()

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		scanner.Scan(ctx)
	}
}

// =============================================================================
// Benchmark: CowMap 性能
// =============================================================================

func fillCowMap(n int) *CowMap {
	m := NewCowMap()
	batch := make([]UserRiskData, 0, n)
	for i := 1; i <= n; i++ {
		batch = append(batch, riskData(spoke.UserID(i), 1.0+float64(i%50)/100))
	}
	m.BatchUpdate(batch, nil)
	return m
}

// BenchmarkCowMap_ConcurrentRead 并发读
func BenchmarkCowMap_ConcurrentRead(b *testing.B) {
	m := fillCowMap(20_000)

	b.ResetTimer()
	b.ReportAllocs()
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			i++
			m.Get(key(spoke.UserID(i%20_000 + 1)))
		}
	})
}

// BenchmarkCowMap_GetAll 2万账户
func BenchmarkCowMap_GetAll(b *testing.B) {
	m := fillCowMap(20_000)

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		_ = m.GetAll()
	}
}

// BenchmarkCowMap_BatchUpdate 每批 1000 个账户
func BenchmarkCowMap_BatchUpdate(b *testing.B) {
	m := fillCowMap(20_000)
	batch := make([]UserRiskData, 1_000)
	for i := range batch {
		batch[i] = riskData(spoke.UserID(i+1), 1.2)
	}

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		m.BatchUpdate(batch, nil)
	}
}

// =============================================================================
// Benchmark: 价格触发
// =============================================================================

// BenchmarkMonitor_OnPriceChange 一个储备的持有者全部重新估值
func BenchmarkMonitor_OnPriceChange(b *testing.B) {
	provider := newLargeScaleProvider(20_000, 20_000)
	m := NewMonitor(provider, &noOpExecutor{}, Config{QueueSize: 100_000})
	m.Scanner().Scan(context.Background())

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		m.OnPriceChange("spoke-a", 0)
	}
}
