package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScale(t *testing.T) {
	ray, _ := uint256.FromDecimal("1050000000000000000000000000")
	assert.InDelta(t, 1.05, Scale(ray, 27), 1e-12)
	assert.InDelta(t, 2.5, Scale(uint256.NewInt(2_500_000), 6), 1e-12)
	assert.Equal(t, 0.0, Scale(nil, 18))
}

func TestCommandCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveCommand("supply", time.Millisecond, nil)
	m.ObserveCommand("supply", time.Millisecond, nil)
	m.ObserveCommand("borrow", time.Millisecond, errors.New("boom"))

	assert.Equal(t, 2.0, testutil.ToFloat64(m.commands.WithLabelValues("supply", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.commands.WithLabelValues("borrow", "error")))

	n, err := testutil.GatherAndCount(reg, "hubspoke_commands_total")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestLiquidationAndAssetGauges(t *testing.T) {
	m := New(prometheus.NewRegistry())

	repaid := new(uint256.Int).Mul(uint256.NewInt(495), uint256.NewInt(1e18))
	m.ObserveLiquidation("spoke-main", 1, 18, repaid, nil)
	m.ObserveLiquidation("spoke-main", 1, 18, nil, errors.New("healthy"))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.liquidations.WithLabelValues("spoke-main", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.liquidations.WithLabelValues("spoke-main", "error")))
	assert.InDelta(t, 495.0, testutil.ToFloat64(m.debtRepaid.WithLabelValues("spoke-main", "1")), 1e-9)

	index, _ := uint256.FromDecimal("1000000000000000000000000000")
	m.SetAsset(0, 6, index, new(uint256.Int), uint256.NewInt(5_000_000))
	assert.InDelta(t, 1.0, testutil.ToFloat64(m.drawnIndex.WithLabelValues("0")), 1e-12)
	assert.InDelta(t, 5.0, testutil.ToFloat64(m.liquidity.WithLabelValues("0")), 1e-12)
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveCommand("supply", time.Second, nil)
	m.SetAccountsByLevel("SAFE", 3)
	m.ObserveCheckpoint(nil)
}
