package token

import (
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLedgerTransfer(t *testing.T) {
	l := NewLedger()
	require.NoError(t, l.Mint("USDC", "alice", uint256.NewInt(100)))

	require.NoError(t, l.TransferFrom("USDC", "alice", "pool", uint256.NewInt(60)))
	assert.Equal(t, uint64(40), l.BalanceOf("USDC", "alice").Uint64())
	assert.Equal(t, uint64(60), l.BalanceOf("USDC", "pool").Uint64())

	require.NoError(t, l.Transfer("USDC", "pool", "bob", uint256.NewInt(10)))
	assert.Equal(t, uint64(10), l.BalanceOf("USDC", "bob").Uint64())
	assert.Equal(t, uint64(50), l.BalanceOf("USDC", "pool").Uint64())

	// 其他币种互不影响
	assert.True(t, l.BalanceOf("WETH", "alice").IsZero())
}

func TestLedgerErrors(t *testing.T) {
	l := NewLedger()
	require.NoError(t, l.Mint("USDC", "alice", uint256.NewInt(5)))

	err := l.TransferFrom("USDC", "alice", "pool", uint256.NewInt(6))
	assert.ErrorIs(t, err, ErrInsufficientBalance)
	// 失败不改余额
	assert.Equal(t, uint64(5), l.BalanceOf("USDC", "alice").Uint64())
	assert.True(t, l.BalanceOf("USDC", "pool").IsZero())

	assert.ErrorIs(t, l.Transfer("USDC", "alice", "bob", new(uint256.Int)), ErrInvalidAmount)
	assert.ErrorIs(t, l.Mint("USDC", "alice", nil), ErrInvalidAmount)
}
