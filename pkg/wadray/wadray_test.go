package wadray

import (
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dec(s string) *uint256.Int { return MustFromDecimal(s) }

func TestMulDivRounding(t *testing.T) {
	// 10 * 1 / 3 = 3.33...
	down, err := MulDivDown(uint256.NewInt(10), uint256.NewInt(1), uint256.NewInt(3))
	require.NoError(t, err)
	up, err := MulDivUp(uint256.NewInt(10), uint256.NewInt(1), uint256.NewInt(3))
	require.NoError(t, err)
	assert.Equal(t, uint64(3), down.Uint64())
	assert.Equal(t, uint64(4), up.Uint64())

	// 整除时两个方向一致
	exact, err := MulDivUp(uint256.NewInt(9), uint256.NewInt(1), uint256.NewInt(3))
	require.NoError(t, err)
	assert.Equal(t, uint64(3), exact.Uint64())
}

func TestMulDivErrors(t *testing.T) {
	_, err := MulDivDown(uint256.NewInt(1), uint256.NewInt(1), new(uint256.Int))
	assert.ErrorIs(t, err, ErrDivisionByZero)

	_, err = WadMulDown(MaxUint256(), uint256.NewInt(2))
	assert.ErrorIs(t, err, ErrMulOverflow)

	_, err = RayMulUp(MaxUint256(), RAY())
	assert.ErrorIs(t, err, ErrMulOverflow)
}

func TestWadRay(t *testing.T) {
	// 1.5 wad * 2 wad = 3 wad
	a := dec("1500000000000000000")
	b := dec("2000000000000000000")
	got, err := WadMulDown(a, b)
	require.NoError(t, err)
	assert.Equal(t, "3000000000000000000", got.Dec())

	// 1 ray / 3 ray
	down, err := RayDivDown(RAY(), dec("3000000000000000000000000000"))
	require.NoError(t, err)
	up, err := RayDivUp(RAY(), dec("3000000000000000000000000000"))
	require.NoError(t, err)
	assert.Equal(t, "333333333333333333333333333", down.Dec())
	assert.Equal(t, "333333333333333333333333334", up.Dec())

	r, err := WadToRay(WAD())
	require.NoError(t, err)
	assert.True(t, r.Eq(RAY()))
	assert.True(t, RayToWadDown(RAY()).Eq(WAD()))
}

func TestPercentMath(t *testing.T) {
	v := uint256.NewInt(1001)

	down, err := PercentMulDown(v, 5000)
	require.NoError(t, err)
	up, err := PercentMulUp(v, 5000)
	require.NoError(t, err)
	assert.Equal(t, uint64(500), down.Uint64())
	assert.Equal(t, uint64(501), up.Uint64())

	div, err := PercentDivDown(uint256.NewInt(500), 5000)
	require.NoError(t, err)
	assert.Equal(t, uint64(1000), div.Uint64())

	// 5% = 0.05 ray
	assert.Equal(t, "50000000000000000000000000", BpsToRay(500).Dec())
	assert.Equal(t, "50000000000000000", BpsToWad(500).Dec())
}

func TestLinearInterest(t *testing.T) {
	// 8% 年化，7 年 -> 1.56
	rate := dec("80000000000000000000000000")
	factor, err := LinearInterest(rate, 7*SecondsPerYear)
	require.NoError(t, err)
	assert.Equal(t, "1560000000000000000000000000", factor.Dec())

	// elapsed = 0 -> 1.0
	factor, err = LinearInterest(rate, 0)
	require.NoError(t, err)
	assert.True(t, factor.Eq(RAY()))

	// 5% 一年 -> 1.05
	factor, err = LinearInterest(BpsToRay(500), SecondsPerYear)
	require.NoError(t, err)
	assert.Equal(t, "1050000000000000000000000000", factor.Dec())
}

func TestWeightedAverage(t *testing.T) {
	var w WeightedAverage
	assert.True(t, w.Average().IsZero())

	// 0% 与 50% 等权 -> 25%
	require.NoError(t, w.Add(uint256.NewInt(0), uint256.NewInt(1000)))
	require.NoError(t, w.Add(uint256.NewInt(5000), uint256.NewInt(1000)))
	assert.Equal(t, uint64(2500), w.Average().Uint64())

	// 精确撤销
	require.NoError(t, w.Remove(uint256.NewInt(5000), uint256.NewInt(1000)))
	assert.Equal(t, uint64(0), w.Average().Uint64())
	require.NoError(t, w.Remove(uint256.NewInt(0), uint256.NewInt(1000)))
	assert.True(t, w.IsEmpty())
}

func TestWeightedAverageRemoveUnderflow(t *testing.T) {
	var w WeightedAverage
	require.NoError(t, w.Add(uint256.NewInt(100), uint256.NewInt(10)))

	before := w
	err := w.Remove(uint256.NewInt(200), uint256.NewInt(10))
	assert.ErrorIs(t, err, ErrWeightedAverageUnderflow)
	// 失败不修改状态
	assert.Equal(t, before, w)

	err = w.Remove(uint256.NewInt(1), uint256.NewInt(11))
	assert.ErrorIs(t, err, ErrWeightedAverageUnderflow)
}

func TestHelpers(t *testing.T) {
	a, b := uint256.NewInt(3), uint256.NewInt(7)
	assert.Equal(t, uint64(3), Min(a, b).Uint64())
	assert.Equal(t, uint64(7), Max(a, b).Uint64())
	assert.True(t, SubFloor(a, b).IsZero())
	assert.Equal(t, uint64(4), SubFloor(b, a).Uint64())
	assert.Equal(t, "1000000000000000000", Pow10(18).Dec())
	assert.True(t, IsMax(MaxUint256()))
	assert.Equal(t, uint64(1), One().Uint64())
	assert.Equal(t, WAD(), MustFromDecimal("1000000000000000000"))
	assert.Panics(t, func() { MustFromDecimal("1.5") })

	_, err := Add(MaxUint256(), uint256.NewInt(1))
	assert.ErrorIs(t, err, ErrAddOverflow)
}
