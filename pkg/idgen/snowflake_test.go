package idgen

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRejectsNodeOutOfRange(t *testing.T) {
	_, err := New(-1)
	assert.ErrorIs(t, err, ErrInvalidNode)
	_, err = New(MaxNode + 1)
	assert.ErrorIs(t, err, ErrInvalidNode)

	g, err := New(MaxNode)
	require.NoError(t, err)
	assert.Equal(t, int64(MaxNode), g.Node())
}

func TestNextUniqueAndCarriesNode(t *testing.T) {
	g, err := New(7)
	require.NoError(t, err)

	seen := make(map[int64]struct{}, 1000)
	for i := 0; i < 1000; i++ {
		id := g.Next()
		_, dup := seen[id]
		require.False(t, dup)
		seen[id] = struct{}{}
	}

	info := Parse(g.Next())
	assert.Equal(t, int64(7), info.Node)
	assert.WithinDuration(t, time.Now(), info.Time, time.Minute)
}

func TestCmdIDPrefix(t *testing.T) {
	g, err := New(1)
	require.NoError(t, err)
	a, b := g.CmdID("liq"), g.CmdID("liq")
	assert.True(t, strings.HasPrefix(a, "liq-"), a)
	assert.NotEqual(t, a, b)
}

func TestInitReplacesDefault(t *testing.T) {
	assert.Error(t, Init(MaxNode+1))

	require.NoError(t, Init(3))
	assert.Equal(t, int64(3), Default().Node())
	assert.Equal(t, int64(3), Parse(NextID()).Node)
	assert.NotEmpty(t, NextString())
}
