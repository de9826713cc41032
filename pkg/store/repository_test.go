package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"hubspoke.com/pkg/engine"
	"hubspoke.com/pkg/hub"
	"hubspoke.com/pkg/irm"
	"hubspoke.com/pkg/oracle"
	"hubspoke.com/pkg/spoke"
	"hubspoke.com/pkg/token"
	"hubspoke.com/pkg/wadray"
)

const mainSpoke = hub.SpokeID("spoke-main")

var (
	_ engine.Checkpointer = (*Repository)(nil)
	_ engine.Loader       = (*Repository)(nil)
)

// =============================================================================
// 测试辅助
// =============================================================================

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	return db
}

func setupRepo(t *testing.T) *Repository {
	t.Helper()
	repo := NewRepository(setupTestDB(t))
	require.NoError(t, repo.AutoMigrate())
	return repo
}

type world struct {
	hub    *hub.Hub
	spoke  *spoke.Spoke
	ledger *token.Ledger
	clock  *hub.ManualClock
	oracle *oracle.Static

	dai, weth spoke.ReserveID
}

func units(n uint64) *uint256.Int {
	return new(uint256.Int).Mul(uint256.NewInt(n), wadray.WAD())
}

// newWorld 两个资产、一个 Spoke，尚无仓位
func newWorld(t *testing.T) *world {
	t.Helper()
	w := &world{
		ledger: token.NewLedger(),
		clock:  hub.NewManualClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)),
		oracle: oracle.NewStatic(),
	}
	w.hub = hub.New("main", irm.NewStrategy("main"), w.ledger, hub.WithClock(w.clock))
	w.spoke = spoke.New(mainSpoke, w.hub, w.oracle, spoke.WithTreasury(99))

	rate := irm.InterestRateData{OptimalUsageRatio: 8_000, BaseVariableBorrowRate: 100, VariableRateSlope1: 400, VariableRateSlope2: 6_000}
	dai, err := w.hub.AddAsset("DAI", 18, "treasury", rate)
	require.NoError(t, err)
	weth, err := w.hub.AddAsset("WETH", 18, "treasury", rate)
	require.NoError(t, err)

	capped := hub.DefaultSpokeConfig()
	capped.SupplyCap.Set(units(1_000_000))
	require.NoError(t, w.hub.AddSpoke(dai, mainSpoke, capped))
	require.NoError(t, w.hub.AddSpoke(weth, mainSpoke, hub.DefaultSpokeConfig()))

	w.dai, err = w.spoke.AddReserve(dai, "DAI/USD",
		spoke.ReserveConfig{Borrowable: true},
		spoke.DynamicReserveConfig{CollateralFactor: 8_000, LiquidationBonus: 10_500, LiquidationFee: 1_000})
	require.NoError(t, err)
	w.weth, err = w.spoke.AddReserve(weth, "WETH/USD",
		spoke.ReserveConfig{Borrowable: true, CollateralRisk: 1_500},
		spoke.DynamicReserveConfig{CollateralFactor: 7_500, LiquidationBonus: 11_000, LiquidationFee: 1_000})
	require.NoError(t, err)
	w.oracle.SetPrice(w.dai, uint256.NewInt(100_000_000))
	w.oracle.SetPrice(w.weth, uint256.NewInt(200_000_000_000))
	return w
}

// populate 存款、抵押、借款并计息一段时间
func (w *world) populate(t *testing.T) {
	t.Helper()
	require.NoError(t, w.ledger.Mint("DAI", spoke.UserAddress(1), units(5000)))
	require.NoError(t, w.ledger.Mint("WETH", spoke.UserAddress(2), units(2)))

	_, err := w.spoke.Supply(1, w.dai, units(5000), 1)
	require.NoError(t, err)
	_, err = w.spoke.Supply(2, w.weth, units(2), 2)
	require.NoError(t, err)
	require.NoError(t, w.spoke.SetUsingAsCollateral(2, w.weth, true, 2))
	_, err = w.spoke.Borrow(2, w.dai, units(1500), 2)
	require.NoError(t, err)

	// 新版动态配置，旧仓位仍指向 key 0
	_, err = w.spoke.AddDynamicReserveConfig(w.weth,
		spoke.DynamicReserveConfig{CollateralFactor: 7_000, LiquidationBonus: 11_000, LiquidationFee: 500})
	require.NoError(t, err)

	w.clock.Advance(30 * 24 * time.Hour)
	require.NoError(t, w.hub.Accrue(0))
}

// =============================================================================
// 测试用例
// =============================================================================

func TestLoadEmpty(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()

	_, ok, err := repo.LoadHub(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = repo.LoadSpoke(ctx, mainSpoke)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHubRoundTrip(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()
	w := newWorld(t)
	w.populate(t)

	want := w.hub.Export()
	require.NoError(t, repo.SaveHub(ctx, want))

	got, ok, err := repo.LoadHub(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, want, got)

	// 同样的上架顺序，导入后完全一致
	other := newWorld(t)
	require.NoError(t, other.hub.Import(got))
	assert.Equal(t, want, other.hub.Export())
	require.NoError(t, other.hub.CheckInvariants(0))
}

func TestSpokeRoundTrip(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()
	w := newWorld(t)
	w.populate(t)

	want := w.spoke.Export()
	require.NoError(t, repo.SaveSpoke(ctx, mainSpoke, want))

	got, ok, err := repo.LoadSpoke(ctx, mainSpoke)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, want, got)
	require.Len(t, got.Reserves[w.weth].DynamicConfigs, 2)
	assert.Equal(t, spoke.UserID(99), got.Treasury)

	_, ok, err = repo.LoadSpoke(ctx, "other")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSaveOverwrites(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()
	w := newWorld(t)
	w.populate(t)

	require.NoError(t, repo.SaveHub(ctx, w.hub.Export()))
	require.NoError(t, repo.SaveSpoke(ctx, mainSpoke, w.spoke.Export()))

	// 还清后仓位变化，第二次保存整体覆盖
	require.NoError(t, w.ledger.Mint("DAI", spoke.UserAddress(2), units(2000)))
	_, err := w.spoke.Repay(2, w.dai, wadray.MaxUint256(), 2)
	require.NoError(t, err)
	w.clock.Advance(time.Hour)
	require.NoError(t, w.hub.Accrue(0))

	require.NoError(t, repo.SaveHub(ctx, w.hub.Export()))
	require.NoError(t, repo.SaveSpoke(ctx, mainSpoke, w.spoke.Export()))

	hs, _, err := repo.LoadHub(ctx)
	require.NoError(t, err)
	assert.Equal(t, w.hub.Export(), hs)
	ss, _, err := repo.LoadSpoke(ctx, mainSpoke)
	require.NoError(t, err)
	assert.Equal(t, w.spoke.Export(), ss)
}

func TestLoadCorruptRecord(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()
	w := newWorld(t)
	require.NoError(t, repo.SaveHub(ctx, w.hub.Export()))

	require.NoError(t, repo.db.Model(&AssetRecord{}).Where("asset_id = ?", 0).
		Update("drawn_index", "not-a-number").Error)

	_, _, err := repo.LoadHub(ctx)
	assert.ErrorIs(t, err, ErrCorruptRecord)
}

func TestEngineRecoverFromStore(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()

	w := newWorld(t)
	e := engine.New(w.hub, engine.DefaultConfig(), engine.WithCheckpointer(repo))
	require.NoError(t, e.AddSpoke(w.spoke))
	e.Start()
	w.populate(t)
	require.NoError(t, e.Checkpoint(ctx))
	e.Stop()

	fresh := newWorld(t)
	recovered := engine.New(fresh.hub, engine.DefaultConfig())
	require.NoError(t, recovered.AddSpoke(fresh.spoke))
	require.NoError(t, recovered.Recover(ctx, repo))

	assert.Equal(t, w.spoke.Export(), fresh.spoke.Export())
	snap := recovered.Snapshot(mainSpoke, 2)
	require.NotNil(t, snap)
	assert.True(t, snap.HasDebt())
}
