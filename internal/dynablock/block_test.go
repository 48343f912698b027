package dynablock

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBlock_LifecycleReadyAndRetired(t *testing.T) {
	b := NewBlock(0x1000)
	require.False(t, b.Ready())
	require.False(t, b.Retired())

	b.markReady()
	require.True(t, b.Ready())

	b.markStale()
	require.False(t, b.Ready())

	b.markReady()
	b.retired = true
	require.True(t, b.Retired())
	require.False(t, b.Ready(), "a retired block is never Ready even if valid was left set")
}

func TestBlock_Sentinel(t *testing.T) {
	b := NewBlock(0x1000)
	require.True(t, b.Sentinel())
	b.GuestSize = 4
	require.False(t, b.Sentinel())
}

func TestBlock_GuestRange(t *testing.T) {
	b := NewBlock(0x2000)
	b.GuestSize = 32
	require.Equal(t, NewRange(0x2000, 32), b.GuestRange())
}
