package shares

import (
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hubspoke.com/pkg/wadray"
)

func TestEmptyPoolOneToOne(t *testing.T) {
	amount := uint256.MustFromDecimal("100000000000000000000") // 100e18
	zero := new(uint256.Int)

	down, err := ToSharesDown(amount, zero, zero)
	require.NoError(t, err)
	up, err := ToSharesUp(amount, zero, zero)
	require.NoError(t, err)
	assert.True(t, down.Eq(amount))
	assert.True(t, up.Eq(amount))
}

func TestRoundTrip(t *testing.T) {
	// 价格 > 1 的池子: 1050 资产 / 1000 份额
	totalAssets := uint256.NewInt(1_050_000_000)
	totalShares := uint256.NewInt(1_000_000_000)

	for _, a := range []uint64{1, 7, 999, 123_456, 1_000_000_007} {
		amount := uint256.NewInt(a)

		// down 再 down -> 不多于原值
		s, err := ToSharesDown(amount, totalAssets, totalShares)
		require.NoError(t, err)
		back, err := ToAssetsDown(s, totalAssets, totalShares)
		require.NoError(t, err)
		assert.False(t, back.Gt(amount), "a=%d back=%s", a, back.Dec())

		// up 再 up -> 不少于原值
		s, err = ToSharesUp(amount, totalAssets, totalShares)
		require.NoError(t, err)
		back, err = ToAssetsUp(s, totalAssets, totalShares)
		require.NoError(t, err)
		assert.False(t, back.Lt(amount), "a=%d back=%s", a, back.Dec())
	}
}

func TestRoundingDirection(t *testing.T) {
	totalAssets := uint256.NewInt(3_000_000)
	totalShares := uint256.NewInt(1_000_000)

	down, err := ToShares(uint256.NewInt(10), totalAssets, totalShares, wadray.Floor)
	require.NoError(t, err)
	up, err := ToShares(uint256.NewInt(10), totalAssets, totalShares, wadray.Ceil)
	require.NoError(t, err)

	// (10 * 2e6) / 4e6 = 5 整除
	assert.Equal(t, uint64(5), down.Uint64())
	assert.Equal(t, uint64(5), up.Uint64())

	down, err = ToShares(uint256.NewInt(11), totalAssets, totalShares, wadray.Floor)
	require.NoError(t, err)
	up, err = ToShares(uint256.NewInt(11), totalAssets, totalShares, wadray.Ceil)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), down.Uint64())
	assert.Equal(t, uint64(6), up.Uint64())
}

func TestOverflow(t *testing.T) {
	_, err := ToSharesDown(wadray.MaxUint256(), uint256.NewInt(1), uint256.NewInt(1))
	assert.ErrorIs(t, err, wadray.ErrMulOverflow)

	_, err = ToSharesDown(uint256.NewInt(1), wadray.MaxUint256(), uint256.NewInt(1))
	assert.ErrorIs(t, err, wadray.ErrAddOverflow)
}
