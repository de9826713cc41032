package liquidation

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"hubspoke.com/pkg/spoke"
)

// =============================================================================
// Mock Executor
// =============================================================================

// MockExecutor 模拟清算执行器
type MockExecutor struct {
	ExecutedTasks []LiquidationTask
	mu            sync.Mutex

	// Fail 为 true 时返回失败结果
	Fail bool

	// ExecuteDelay 模拟执行耗时
	ExecuteDelay time.Duration

	ExecuteCalls int32
}

func (m *MockExecutor) Execute(ctx context.Context, task LiquidationTask) LiquidationResult {
	atomic.AddInt32(&m.ExecuteCalls, 1)

	m.mu.Lock()
	m.ExecutedTasks = append(m.ExecutedTasks, task)
	m.mu.Unlock()

	if m.ExecuteDelay > 0 {
		time.Sleep(m.ExecuteDelay)
	}
	if m.Fail {
		return LiquidationResult{Key: task.Key, Error: errors.New("execution failed"), ExecutedAt: time.Now()}
	}
	return LiquidationResult{
		Key:        task.Key,
		Success:    true,
		ExecutedAt: time.Now(),
		Details:    LiquidationDetails{CollateralReserve: 0, DebtReserve: 1, HealthFactorAfter: 1.05},
	}
}

func (m *MockExecutor) GetExecutedTasks() []LiquidationTask {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]LiquidationTask, len(m.ExecutedTasks))
	copy(result, m.ExecutedTasks)
	return result
}

func task(u spoke.UserID) LiquidationTask {
	return LiquidationTask{Key: key(u), HealthFactor: 0.9, Trigger: "test", CreatedAt: time.Now()}
}

// =============================================================================
// Monitor 单元测试
// =============================================================================

func TestMonitor_NewMonitorDefaults(t *testing.T) {
	m := NewMonitor(newMockProvider(), &MockExecutor{}, Config{})

	if m.Index() == nil || m.Scanner() == nil {
		t.Fatal("index and scanner should be initialized")
	}
	if m.cfg.Workers != LiquidationWorkers || m.cfg.QueueSize != LiquidationQueueSize {
		t.Errorf("defaults not applied: %+v", m.cfg)
	}
	if cap(m.queue) != LiquidationQueueSize {
		t.Errorf("queue cap = %d", cap(m.queue))
	}
	if m.cfg.CheckIntervalCritical != CheckIntervalCritical || m.cfg.ExecuteTimeout != DefaultExecuteTimeout {
		t.Errorf("interval defaults not applied: %+v", m.cfg)
	}
}

func TestMonitor_HandleLevelChange(t *testing.T) {
	m := NewMonitor(newMockProvider(), &MockExecutor{}, Config{})

	// 进入危险区
	m.handleLevelChange(UserRiskData{}, riskData(1, 1.2, 0), "test")
	if m.index.CountByLevel(RiskLevelDanger) != 1 {
		t.Fatal("account should be indexed as DANGER")
	}

	// 降到清算区: 移出索引并入队
	old, _ := m.index.GetUser(key(1))
	m.handleLevelChange(old, riskData(1, 0.95, 0), "test")
	if m.index.TotalCount() != 0 {
		t.Errorf("liquidatable account should leave the index")
	}
	if len(m.queue) != 1 {
		t.Errorf("queue len = %d, want 1", len(m.queue))
	}

	// 恢复安全: 只移出索引
	m.handleLevelChange(UserRiskData{}, riskData(2, 1.3), "test")
	m.handleLevelChange(UserRiskData{Level: RiskLevelWarning}, riskData(2, 1.8), "test")
	if m.index.TotalCount() != 0 || len(m.queue) != 1 {
		t.Errorf("safe account: count=%d queue=%d", m.index.TotalCount(), len(m.queue))
	}
}

func TestMonitor_TriggerLiquidation_Dedupe(t *testing.T) {
	m := NewMonitor(newMockProvider(), &MockExecutor{}, Config{})

	m.triggerLiquidation(task(1))
	m.triggerLiquidation(task(1))
	m.triggerLiquidation(task(2))

	if len(m.queue) != 2 {
		t.Errorf("queue len = %d, want 2 (同一账户只排队一次)", len(m.queue))
	}
	if stats := m.GetStats(); stats.Dispatched != 2 || stats.QueuedTasks != 2 {
		t.Errorf("stats = %+v", stats)
	}

	// 完成后可以再次入队
	<-m.queue
	m.done(key(1))
	m.triggerLiquidation(task(1))
	if len(m.queue) != 2 {
		t.Errorf("queue len = %d, want 2", len(m.queue))
	}
}

func TestMonitor_TriggerLiquidation_QueueFull(t *testing.T) {
	m := NewMonitor(newMockProvider(), &MockExecutor{}, Config{QueueSize: 2})

	for u := spoke.UserID(1); u <= 5; u++ {
		m.triggerLiquidation(task(u))
	}

	stats := m.GetStats()
	if stats.Dispatched != 2 || stats.Dropped != 3 {
		t.Errorf("dispatched=%d dropped=%d, want 2/3", stats.Dispatched, stats.Dropped)
	}

	// 丢弃的账户没有占住 pending，下一轮可以重新入队
	<-m.queue
	m.done(key(1))
	m.triggerLiquidation(task(3))
	if m.GetStats().Dispatched != 3 {
		t.Error("dropped account should be dispatchable later")
	}
}

func TestMonitor_OnPriceChange(t *testing.T) {
	p := newMockProvider()
	m := NewMonitor(p, &MockExecutor{}, Config{})

	// 两个账户持有储备 1，一个只持有储备 0
	p.set(mockSnapshot("spoke-a", 1, 1_200, 1))
	p.set(mockSnapshot("spoke-a", 2, 1_300, 0, 1))
	p.set(mockSnapshot("spoke-a", 3, 1_200, 0))
	m.scanner.Scan(context.Background())
	before := p.accountCalls.Load()

	// 储备 1 价格下跌: 账户 1 跌破清算线，账户 2 进入临界区
	p.set(mockSnapshot("spoke-a", 1, 980, 1))
	p.set(mockSnapshot("spoke-a", 2, 1_050, 0, 1))
	m.OnPriceChange("spoke-a", 1)

	if got := p.accountCalls.Load() - before; got != 2 {
		t.Errorf("Account calls = %d, want 2 (只检查持有该储备的账户)", got)
	}
	if len(m.queue) != 1 {
		t.Fatalf("queue len = %d, want 1", len(m.queue))
	}
	queued := <-m.queue
	if queued.User != 1 || queued.Trigger != "price" {
		t.Errorf("queued task = %+v", queued)
	}
	if u, ok := m.index.GetUser(key(2)); !ok || u.Level != RiskLevelCritical {
		t.Errorf("account 2 = %+v, %v", u, ok)
	}

	// 无人持有的储备
	m.OnPriceChange("spoke-a", 9)
	if got := p.accountCalls.Load() - before; got != 2 {
		t.Errorf("unexpected Account calls: %d", got)
	}
}

func TestMonitor_CheckLevel(t *testing.T) {
	p := newMockProvider()
	m := NewMonitor(p, &MockExecutor{}, Config{})

	p.set(mockSnapshot("spoke-a", 1, 1_400, 0))
	m.scanner.Scan(context.Background())

	p.set(mockSnapshot("spoke-a", 1, 1_150, 0))
	m.checkLevel(context.Background(), RiskLevelWarning)

	if m.index.CountByLevel(RiskLevelWarning) != 0 || m.index.CountByLevel(RiskLevelDanger) != 1 {
		t.Errorf("account should move WARNING -> DANGER, stats=%+v", m.GetStats())
	}
}

func TestMonitor_RecheckMissingAccount(t *testing.T) {
	m := NewMonitor(newMockProvider(), &MockExecutor{}, Config{})
	m.index.UpdateUser(riskData(1, 1.2))

	m.recheck(context.Background(), key(1), "checker")

	// 读取失败保留原有等级
	if m.index.CountByLevel(RiskLevelDanger) != 1 {
		t.Error("failed recheck should keep the account indexed")
	}
}

func TestMonitor_WorkersExecuteTasks(t *testing.T) {
	p := newMockProvider()
	exec := &MockExecutor{}
	m := NewMonitor(p, exec, Config{Workers: 2, ScanInterval: time.Hour})

	p.set(mockSnapshot("spoke-a", 1, 900, 0))
	p.set(mockSnapshot("spoke-a", 2, 950, 0))
	p.set(mockSnapshot("spoke-a", 3, 1_400, 0))

	m.Start()
	deadline := time.Now().Add(2 * time.Second)
	for atomic.LoadInt32(&exec.ExecuteCalls) < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	m.Stop()

	tasks := exec.GetExecutedTasks()
	if len(tasks) != 2 {
		t.Fatalf("executed %d tasks, want 2", len(tasks))
	}
	stats := m.GetStats()
	if stats.Succeeded != 2 || stats.Failed != 0 {
		t.Errorf("stats = %+v", stats)
	}
	if stats.WarningUsers != 1 {
		t.Errorf("warning users = %d, want 1", stats.WarningUsers)
	}
	if len(m.pending) != 0 {
		t.Errorf("pending should be empty after execution, got %d", len(m.pending))
	}
}

func TestMonitor_FailedTaskCounted(t *testing.T) {
	exec := &MockExecutor{Fail: true}
	m := NewMonitor(newMockProvider(), exec, Config{Workers: 1, ScanInterval: time.Hour})

	m.Start()
	m.triggerLiquidation(task(1))
	deadline := time.Now().Add(2 * time.Second)
	for m.GetStats().Failed == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	m.Stop()

	if stats := m.GetStats(); stats.Failed != 1 || stats.Succeeded != 0 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestMonitor_StopWaitsForInflight(t *testing.T) {
	exec := &MockExecutor{ExecuteDelay: 30 * time.Millisecond}
	m := NewMonitor(newMockProvider(), exec, Config{Workers: 1, ScanInterval: time.Hour})

	m.Start()
	m.Start()
	m.triggerLiquidation(task(1))
	m.triggerLiquidation(task(2))
	m.Stop()
	m.Stop()

	// 关闭前已入队的任务都执行完
	if got := atomic.LoadInt32(&exec.ExecuteCalls); got != 2 {
		t.Errorf("ExecuteCalls = %d, want 2", got)
	}

	// 停止后不再接收任务
	m.triggerLiquidation(task(3))
	if m.GetStats().Dispatched != 2 {
		t.Error("task accepted after Stop")
	}
}
