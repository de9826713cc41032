package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hubspoke.com/pkg/hub"
	"hubspoke.com/pkg/irm"
	"hubspoke.com/pkg/metrics"
	"hubspoke.com/pkg/oracle"
	"hubspoke.com/pkg/spoke"
	"hubspoke.com/pkg/token"
	"hubspoke.com/pkg/wadray"
)

const (
	mainSpoke = hub.SpokeID("spoke-main")
	treasury  = spoke.UserID(99)

	alice = spoke.UserID(1)
	bob   = spoke.UserID(2)
	carol = spoke.UserID(3)
)

type fixture struct {
	engine *Engine
	hub    *hub.Hub
	spoke  *spoke.Spoke
	oracle *oracle.Static
	ledger *token.Ledger
	clock  *hub.ManualClock

	dai, weth spoke.ReserveID
}

func units(n uint64) *uint256.Int {
	return new(uint256.Int).Mul(uint256.NewInt(n), wadray.WAD())
}

func usd(n uint64) *uint256.Int {
	return new(uint256.Int).Mul(uint256.NewInt(n), uint256.NewInt(100_000_000))
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		oracle: oracle.NewStatic(),
		ledger: token.NewLedger(),
		clock:  hub.NewManualClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)),
	}
	f.hub = hub.New("main", irm.NewStrategy("main"), f.ledger, hub.WithClock(f.clock))
	f.spoke = spoke.New(mainSpoke, f.hub, f.oracle, spoke.WithTreasury(treasury))

	rate := irm.InterestRateData{OptimalUsageRatio: 5_000, VariableRateSlope1: 500, VariableRateSlope2: 500}
	daiAsset, err := f.hub.AddAsset("DAI", 18, "treasury", rate)
	require.NoError(t, err)
	wethAsset, err := f.hub.AddAsset("WETH", 18, "treasury", rate)
	require.NoError(t, err)
	require.NoError(t, f.hub.AddSpoke(daiAsset, mainSpoke, hub.DefaultSpokeConfig()))
	require.NoError(t, f.hub.AddSpoke(wethAsset, mainSpoke, hub.DefaultSpokeConfig()))

	f.dai, err = f.spoke.AddReserve(daiAsset, "DAI/USD",
		spoke.ReserveConfig{Borrowable: true},
		spoke.DynamicReserveConfig{CollateralFactor: 8_000, LiquidationBonus: 10_500, LiquidationFee: 1_000})
	require.NoError(t, err)
	f.weth, err = f.spoke.AddReserve(wethAsset, "WETH/USD",
		spoke.ReserveConfig{Borrowable: true, CollateralRisk: 5_000},
		spoke.DynamicReserveConfig{CollateralFactor: 7_500, LiquidationBonus: 11_000, LiquidationFee: 1_000})
	require.NoError(t, err)
	f.oracle.SetPrice(f.dai, usd(1))
	f.oracle.SetPrice(f.weth, usd(2000))

	f.engine = New(f.hub, DefaultConfig(), opts...)
	require.NoError(t, f.engine.AddSpoke(f.spoke))
	f.engine.Start()
	t.Cleanup(f.engine.Stop)
	return f
}

// position alice 提供 DAI 流动性，bob 抵押 1 WETH 借 1400 DAI
func (f *fixture) position(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.ledger.Mint("DAI", spoke.UserAddress(alice), units(5000)))
	require.NoError(t, f.ledger.Mint("WETH", spoke.UserAddress(bob), units(1)))

	_, err := f.engine.Supply(ctx, "s-alice", mainSpoke, f.dai, alice, units(5000))
	require.NoError(t, err)
	_, err = f.engine.Supply(ctx, "s-bob", mainSpoke, f.weth, bob, units(1))
	require.NoError(t, err)
	require.NoError(t, f.engine.SetUsingAsCollateral(ctx, "c-bob", mainSpoke, f.weth, bob, true))
	_, err = f.engine.Borrow(ctx, "b-bob", mainSpoke, f.dai, bob, units(1400))
	require.NoError(t, err)
}

func (f *fixture) checkInvariants(t *testing.T) {
	t.Helper()
	require.NoError(t, f.engine.Query(context.Background(), func() error {
		if err := f.spoke.CheckInvariants(); err != nil {
			return err
		}
		for i := 0; i < f.hub.AssetCount(); i++ {
			if err := f.hub.CheckInvariants(hub.AssetID(i)); err != nil {
				return err
			}
		}
		return nil
	}))
}

// =============================================================================
// 命令执行与快照
// =============================================================================

func TestEngineSnapshotsAfterCommands(t *testing.T) {
	f := newFixture(t)
	f.position(t)

	snap := f.engine.Snapshot(mainSpoke, bob)
	require.NotNil(t, snap)
	assert.True(t, snap.HasDebt())
	// 2000 × 0.75 / 1400
	assert.Equal(t, "1071428571428571428", snap.Data.HealthFactor.Dec())
	require.Len(t, snap.Positions, 2)
	assert.Equal(t, f.dai, snap.Positions[0].ReserveID)
	assert.Equal(t, units(1400), snap.Positions[0].DebtValue)
	assert.True(t, snap.Positions[1].UsingAsCollateral)
	assert.Equal(t, units(2000), snap.Positions[1].CollateralValue)

	lender := f.engine.Snapshot(mainSpoke, alice)
	require.NotNil(t, lender)
	assert.False(t, lender.HasDebt())
	assert.True(t, wadray.IsMax(lender.Data.HealthFactor))

	stats := f.engine.GetStats()
	assert.Equal(t, uint64(4), stats.TotalCommands)
	assert.Equal(t, 2, stats.SnapshotCount)
	f.checkInvariants(t)
}

func TestEngineIdempotency(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.ledger.Mint("DAI", spoke.UserAddress(alice), units(10)))

	_, err := f.engine.Supply(ctx, "dup", mainSpoke, f.dai, alice, units(5))
	require.NoError(t, err)
	_, err = f.engine.Supply(ctx, "dup", mainSpoke, f.dai, alice, units(5))
	assert.ErrorIs(t, err, ErrDuplicateCommand)
	assert.Equal(t, units(5), f.ledger.BalanceOf("DAI", spoke.UserAddress(alice)))

	// 失败的命令不占用幂等键
	_, err = f.engine.Borrow(ctx, "retry", mainSpoke, f.dai, alice, units(1))
	require.Error(t, err)
	require.NoError(t, f.engine.SetUsingAsCollateral(ctx, "col", mainSpoke, f.dai, alice, true))
	_, err = f.engine.Borrow(ctx, "retry", mainSpoke, f.dai, alice, units(1))
	require.NoError(t, err)

	stats := f.engine.GetStats()
	assert.Equal(t, uint64(1), stats.DuplicateCount)
	assert.Equal(t, uint64(1), stats.RejectCount)
}

func TestEngineUnknownSpoke(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.Supply(context.Background(), "", "nope", f.dai, alice, units(1))
	assert.ErrorIs(t, err, ErrUnknownSpoke)
}

func TestEngineConcurrentSubmit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	const users = 20
	var wg sync.WaitGroup
	errs := make(chan error, users)
	for i := 1; i <= users; i++ {
		u := spoke.UserID(100 + i)
		require.NoError(t, f.ledger.Mint("DAI", spoke.UserAddress(u), units(100)))
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.engine.Supply(ctx, fmt.Sprintf("supply-%d", u), mainSpoke, f.dai, u, units(100))
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	total, err := f.hub.TotalSuppliedAssets(0)
	require.NoError(t, err)
	assert.Equal(t, units(100*users), total)
	assert.Equal(t, users, f.engine.GetStats().SnapshotCount)
	f.checkInvariants(t)
}

func TestEngineStopRejectsCommands(t *testing.T) {
	f := newFixture(t)
	f.engine.Stop()

	_, err := f.engine.Supply(context.Background(), "", mainSpoke, f.dai, alice, units(1))
	assert.ErrorIs(t, err, ErrEngineClosed)

	// 重复 Stop 无副作用
	f.engine.Stop()
}

func TestEngineContextCanceled(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// 即使入队，主循环也不会执行已取消的命令
	ran := false
	_, err := f.engine.Submit(ctx, Command{Type: CmdQuery, fn: func() error { ran = true; return nil }})
	assert.ErrorIs(t, err, ErrCommandTimeout)
	require.NoError(t, f.engine.Query(context.Background(), func() error { return nil }))
	assert.False(t, ran)
}

// 主循环被占住时超时返回的命令之后也不会生效
func TestEngineTimedOutCommandNotApplied(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.ledger.Mint("DAI", spoke.UserAddress(alice), units(10)))

	started := make(chan struct{})
	release := make(chan struct{})
	blocked := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		blocked <- f.engine.Query(ctx, func() error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := f.engine.Supply(ctx, "late", mainSpoke, f.dai, alice, units(10))
	assert.ErrorIs(t, err, ErrCommandTimeout)

	close(release)
	require.NoError(t, <-blocked)

	var supplied *uint256.Int
	require.NoError(t, f.engine.Query(context.Background(), func() error {
		var err error
		supplied, err = f.spoke.GetUserSuppliedAssets(f.dai, alice)
		return err
	}))
	assert.True(t, supplied.IsZero(), supplied.Dec())
	assert.Equal(t, units(10), f.ledger.BalanceOf("DAI", spoke.UserAddress(alice)))
	assert.Equal(t, uint64(1), f.engine.GetStats().RejectCount)

	// 幂等键没有被占用，重试生效
	_, err = f.engine.Supply(context.Background(), "late", mainSpoke, f.dai, alice, units(10))
	require.NoError(t, err)
	assert.True(t, f.ledger.BalanceOf("DAI", spoke.UserAddress(alice)).IsZero())
	f.checkInvariants(t)
}

// =============================================================================
// 计息与清算
// =============================================================================

func TestEngineAccrueRefreshesSnapshots(t *testing.T) {
	f := newFixture(t)
	f.position(t)
	before := f.engine.Snapshot(mainSpoke, bob)

	f.clock.Advance(365 * 24 * time.Hour)
	require.NoError(t, f.engine.Accrue(context.Background()))

	after := f.engine.Snapshot(mainSpoke, bob)
	require.NotNil(t, after)
	assert.True(t, after.Data.TotalDebtValue.Gt(before.Data.TotalDebtValue))
	assert.True(t, after.Data.HealthFactor.Lt(before.Data.HealthFactor))
	f.checkInvariants(t)
}

func TestEngineLiquidation(t *testing.T) {
	reg := prometheus.NewRegistry()
	f := newFixture(t, WithMetrics(metrics.New(reg)))
	f.position(t)
	ctx := context.Background()

	// 价格变动不经过引擎，Refresh 后快照才反映
	f.oracle.SetPrice(f.weth, usd(1800))
	assert.False(t, f.engine.Snapshot(mainSpoke, bob).Data.HealthFactor.Lt(wadray.WAD()))
	require.NoError(t, f.engine.Refresh(ctx))
	assert.True(t, f.engine.Snapshot(mainSpoke, bob).Data.HealthFactor.Lt(wadray.WAD()))

	require.NoError(t, f.ledger.Mint("DAI", spoke.UserAddress(carol), units(2000)))
	res, err := f.engine.Liquidate(ctx, "liq-1", mainSpoke, f.weth, f.dai, bob, wadray.MaxUint256(), carol)
	require.NoError(t, err)
	assert.True(t, res.DebtRepaid.Gt(units(495)) && res.DebtRepaid.Lt(units(496)), res.DebtRepaid.Dec())

	snap := f.engine.Snapshot(mainSpoke, bob)
	assert.Equal(t, res.HealthFactor, snap.Data.HealthFactor)
	require.NotNil(t, f.engine.Snapshot(mainSpoke, carol))
	require.NotNil(t, f.engine.Snapshot(mainSpoke, treasury))
	assert.Equal(t, uint64(1), f.engine.GetStats().LiquidationCount)

	_, err = f.engine.Liquidate(ctx, "liq-2", mainSpoke, f.weth, f.dai, bob, units(1), carol)
	assert.ErrorIs(t, err, spoke.ErrHealthyPosition)
	f.checkInvariants(t)
}

func TestEngineAccount(t *testing.T) {
	f := newFixture(t)
	f.position(t)

	snap, err := f.engine.Account(context.Background(), mainSpoke, bob)
	require.NoError(t, err)
	assert.Equal(t, f.engine.Snapshot(mainSpoke, bob).Data.HealthFactor, snap.Data.HealthFactor)

	_, err = f.engine.Account(context.Background(), "nope", bob)
	assert.ErrorIs(t, err, ErrUnknownSpoke)
}

// =============================================================================
// 检查点
// =============================================================================

type memCheckpointer struct {
	mu     sync.Mutex
	hub    *hub.State
	spokes map[hub.SpokeID]spoke.State
	fail   error
}

func (m *memCheckpointer) SaveHub(_ context.Context, st hub.State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	m.hub = &st
	return nil
}

func (m *memCheckpointer) SaveSpoke(_ context.Context, id hub.SpokeID, st spoke.State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.spokes == nil {
		m.spokes = make(map[hub.SpokeID]spoke.State)
	}
	m.spokes[id] = st
	return nil
}

func (m *memCheckpointer) LoadHub(context.Context) (hub.State, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.hub == nil {
		return hub.State{}, false, nil
	}
	return *m.hub, true, nil
}

func (m *memCheckpointer) LoadSpoke(_ context.Context, id hub.SpokeID) (spoke.State, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.spokes[id]
	return st, ok, nil
}

func TestEngineCheckpointAndRecover(t *testing.T) {
	cp := &memCheckpointer{}
	f := newFixture(t, WithCheckpointer(cp))
	f.position(t)
	ctx := context.Background()

	require.NoError(t, f.engine.Checkpoint(ctx))
	require.NotNil(t, cp.hub)
	require.Contains(t, cp.spokes, mainSpoke)
	assert.Equal(t, uint64(1), f.engine.GetStats().CheckpointCount)

	// 同样的上架配置，空状态，从检查点恢复
	g := newFixture(t)
	g.engine.Stop()
	e := New(g.hub, DefaultConfig())
	require.NoError(t, e.AddSpoke(g.spoke))
	require.NoError(t, e.Recover(ctx, cp))

	snap := e.Snapshot(mainSpoke, bob)
	require.NotNil(t, snap)
	assert.Equal(t, f.engine.Snapshot(mainSpoke, bob).Data.HealthFactor, snap.Data.HealthFactor)

	debt, err := g.spoke.GetUserTotalDebt(g.dai, bob)
	require.NoError(t, err)
	assert.Equal(t, units(1400), debt)
}

func TestEngineCheckpointFailure(t *testing.T) {
	cp := &memCheckpointer{fail: errors.New("db down")}
	f := newFixture(t, WithCheckpointer(cp))

	err := f.engine.Checkpoint(context.Background())
	assert.Error(t, err)
	assert.Equal(t, uint64(0), f.engine.GetStats().CheckpointCount)
}

func TestEngineCheckpointLoop(t *testing.T) {
	cp := &memCheckpointer{}
	f := newFixture(t, WithCheckpointer(cp))
	f.engine.StartCheckpointLoop(10 * time.Millisecond)

	require.Eventually(t, func() bool {
		return f.engine.GetStats().CheckpointCount > 0
	}, time.Second, 5*time.Millisecond)
}

func TestAddSpokeAfterStart(t *testing.T) {
	f := newFixture(t)
	assert.Error(t, f.engine.AddSpoke(f.spoke))
}
