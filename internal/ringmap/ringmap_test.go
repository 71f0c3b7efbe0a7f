package ringmap

import (
	"testing"

	"github.com/spaolacci/murmur3"
	"github.com/stretchr/testify/require"
)

func strHash(s string) uint64 { return murmur3.Sum64([]byte(s)) }

func TestMapSetGet(t *testing.T) {
	m := New[string, int](LtCompact, strHash)
	m.Set("alice", 1)
	m.Set("bob", 2)

	v, ok := m.Get("alice")
	require.True(t, ok)
	require.Equal(t, 1, v)

	_, ok = m.Get("carol")
	require.False(t, ok)
	require.Equal(t, 2, m.Len())
}

func TestMapFindMatchesSet(t *testing.T) {
	m := New[string, int](LtCompact, strHash)
	m.Set("k", 42)
	it, ok := m.Find("k")
	require.True(t, ok)
	require.Equal(t, "k", it.Key())
	require.Equal(t, 42, it.Value())
}

func TestMapEraseDecrementsSizeOnce(t *testing.T) {
	m := New[string, int](LtCompact, strHash)
	m.Set("k", 1)
	require.Equal(t, 1, m.Len())
	require.True(t, m.Erase("k"))
	require.Equal(t, 0, m.Len())
	require.False(t, m.Erase("k"))
	require.Equal(t, 0, m.Len())
}

func TestMapGrowsAcrossManyEntries(t *testing.T) {
	m := New[int, int](LtCompact, func(k int) uint64 { return uint64(k) })
	for i := 0; i < 5000; i++ {
		m.Set(i, i*2)
	}
	require.Equal(t, 5000, m.Len())
	for i := 0; i < 5000; i++ {
		v, ok := m.Get(i)
		require.True(t, ok)
		require.Equal(t, i*2, v)
	}
}

func TestMapRangeVisitsAllLiveEntries(t *testing.T) {
	m := New[int, int](LtCompact, func(k int) uint64 { return uint64(k) })
	for i := 0; i < 50; i++ {
		m.Set(i, i)
	}
	m.Erase(10)
	seen := map[int]bool{}
	m.Range(func(k, v int) bool {
		seen[k] = true
		return true
	})
	require.Len(t, seen, 49)
	require.False(t, seen[10])
}
