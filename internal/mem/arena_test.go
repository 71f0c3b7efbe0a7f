package mem

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestArenaBumpAndFlatten(t *testing.T) {
	pool := NewBlockPool(1024, 4, nil)
	a := NewArena(pool)

	p1 := a.NewPtr(100)
	copy(p1, []byte("abc"))
	p2 := a.NewPtr(50)
	copy(p2, []byte("xyz"))

	flat := a.Flatten()
	require.Len(t, flat, 150)
	require.Equal(t, byte('a'), flat[0])
	require.Equal(t, byte('x'), flat[100])
}

func TestArenaSpansBlocks(t *testing.T) {
	pool := NewBlockPool(64, 4, nil)
	a := NewArena(pool)
	a.NewPtr(40)
	a.NewPtr(40) // does not fit remaining 24 bytes of block 1, allocates block 2
	require.Len(t, a.blocks, 2)
}

func TestArenaNonpooledEscape(t *testing.T) {
	pool := NewBlockPool(64, 4, nil)
	a := NewArena(pool)
	big := a.NewPtr(1000)
	require.Len(t, big, 1000)
	require.Len(t, a.nonpooled, 1)
}

func TestArenaResetReturnsBlocks(t *testing.T) {
	pool := NewBlockPool(64, 4, nil)
	a := NewArena(pool)
	a.NewPtr(40)
	a.NewPtr(40)
	a.NewPtr(40)
	require.Len(t, a.blocks, 3)
	a.Reset()
	require.Len(t, a.blocks, 1)
	require.Equal(t, int32(0), a.blocks[0].cursor)
}
