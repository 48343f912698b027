package dynablock

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestArena_AllocWriteMakeExecutableFree(t *testing.T) {
	a := NewArena()

	r, err := a.AllocNative(37)
	require.NoError(t, err)
	require.NotZero(t, r.Base)
	require.GreaterOrEqual(t, r.Size, uint32(37))
	require.EqualValues(t, 0, uintptr(r.Base)%pageSize, "mmap'd regions must be page-aligned")

	buf := pointerBytes(r)
	for i := range buf {
		buf[i] = 0xc3 // x86 RET, arbitrary writeable-phase content
	}

	require.NoError(t, a.MakeExecutable(r))
	require.NotPanics(t, func() { a.ClearICache(r) })

	a.FreeNative(r)
}

func TestArena_ZeroSizeAllocIsNoop(t *testing.T) {
	a := NewArena()
	r, err := a.AllocNative(0)
	require.NoError(t, err)
	require.Zero(t, r)
	require.NoError(t, a.MakeExecutable(r))
	require.NotPanics(t, func() { a.FreeNative(r) })
}

func TestArena_DistinctAllocationsDoNotOverlap(t *testing.T) {
	a := NewArena()
	r1, err := a.AllocNative(4096)
	require.NoError(t, err)
	r2, err := a.AllocNative(4096)
	require.NoError(t, err)
	defer a.FreeNative(r1)
	defer a.FreeNative(r2)

	require.NotEqual(t, r1.Base, r2.Base)
}
