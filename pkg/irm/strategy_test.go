package irm

import (
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hubspoke.com/pkg/wadray"
)

const testHub = "hub.main"

func newTestStrategy(t *testing.T) *Strategy {
	s := NewStrategy(testHub)
	require.NoError(t, s.SetInterestRateData(testHub, 1, DefaultInterestRateData()))
	return s
}

func TestOnlyHub(t *testing.T) {
	s := NewStrategy(testHub)
	err := s.SetInterestRateData("spoke.evil", 1, DefaultInterestRateData())
	assert.ErrorIs(t, err, ErrOnlyHub)

	_, err = s.CalculateInterestRate(1, uint256.NewInt(1), uint256.NewInt(1), new(uint256.Int))
	assert.ErrorIs(t, err, ErrAssetNotListed)
}

func TestValidate(t *testing.T) {
	d := DefaultInterestRateData()

	bad := d
	bad.OptimalUsageRatio = 50
	assert.ErrorIs(t, bad.Validate(), ErrInvalidOptimalUsageRatio)

	bad = d
	bad.OptimalUsageRatio = 9_950
	assert.ErrorIs(t, bad.Validate(), ErrInvalidOptimalUsageRatio)

	bad = d
	bad.VariableRateSlope2 = 100
	assert.ErrorIs(t, bad.Validate(), ErrSlope2BelowSlope1)

	bad = d
	bad.BaseVariableBorrowRate = 90_000
	bad.VariableRateSlope2 = 10_000
	assert.ErrorIs(t, bad.Validate(), ErrInvalidMaxRate)

	assert.NoError(t, d.Validate())
}

func TestKinkedCurve(t *testing.T) {
	s := newTestStrategy(t)
	zero := new(uint256.Int)

	// 无借款 -> base
	rate, err := s.CalculateInterestRate(1, uint256.NewInt(100), zero, zero)
	require.NoError(t, err)
	assert.True(t, rate.IsZero())

	// 利用率正好 80% -> base + slope1 = 4%
	rate, err = s.CalculateInterestRate(1, uint256.NewInt(20), uint256.NewInt(80), zero)
	require.NoError(t, err)
	assert.Equal(t, wadray.BpsToRay(400).Dec(), rate.Dec())

	// 利用率 100% -> 79%
	rate, err = s.CalculateInterestRate(1, zero, uint256.NewInt(80), zero)
	require.NoError(t, err)
	assert.Equal(t, wadray.BpsToRay(7_900).Dec(), rate.Dec())

	// 利用率 40% -> 2%
	rate, err = s.CalculateInterestRate(1, uint256.NewInt(60), uint256.NewInt(40), zero)
	require.NoError(t, err)
	assert.Equal(t, wadray.BpsToRay(200).Dec(), rate.Dec())

	// 利用率 90% -> 4% + 75% * 0.5 = 41.5%
	rate, err = s.CalculateInterestRate(1, uint256.NewInt(10), uint256.NewInt(60), uint256.NewInt(30))
	require.NoError(t, err)
	assert.Equal(t, wadray.BpsToRay(4_150).Dec(), rate.Dec())
}

func TestMaxVariableBorrowRate(t *testing.T) {
	s := newTestStrategy(t)
	max, err := s.MaxVariableBorrowRate(1)
	require.NoError(t, err)
	assert.Equal(t, wadray.BpsToRay(7_900).Dec(), max.Dec())
}
