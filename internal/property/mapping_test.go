package property

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAcquireSubsetRefcountConvergesToZero(t *testing.T) {
	c := NewCatalog()
	_, err := c.Register("country", TypeText, false, true)
	require.NoError(t, err)
	_, err = c.Register("plan", TypeText, false, true)
	require.NoError(t, err)

	m := NewMapping(c)
	for i := 0; i < 3; i++ {
		sub := m.AcquireSubset([]string{"country", "plan"})
		require.Equal(t, 2, sub.Len())
		m.Release(sub)
	}
	require.Equal(t, 0, m.Len())
}

func TestAcquireSubsetSharesStructurallyIdenticalMaps(t *testing.T) {
	c := NewCatalog()
	_, _ = c.Register("country", TypeText, false, true)
	_, _ = c.Register("plan", TypeText, false, true)

	m := NewMapping(c)
	a := m.AcquireSubset([]string{"country", "plan"})
	b := m.AcquireSubset([]string{"plan", "country"})
	require.Same(t, a, b)
	require.Equal(t, 1, m.Len())
}

func TestAcquireFullCoversAllLiveProperties(t *testing.T) {
	c := NewCatalog()
	_, _ = c.Register("country", TypeText, false, true)
	id2, _ := c.Register("temp", TypeBool, false, false)
	require.NoError(t, c.Delete(id2))

	m := NewMapping(c)
	full := m.AcquireFull()
	_, hasCountry := full.LocalIndex(func() int32 { p, _ := c.Lookup("country"); return p.ID }())
	require.True(t, hasCountry)
	_, hasTemp := full.LocalIndex(id2)
	require.False(t, hasTemp)
}

func TestLocalIndexRoundTripsPropertyID(t *testing.T) {
	c := NewCatalog()
	id, _ := c.Register("country", TypeText, false, true)

	m := NewMapping(c)
	full := m.AcquireFull()
	idx, ok := full.LocalIndex(id)
	require.True(t, ok)
	require.Equal(t, id, full.PropertyID(idx))
}
