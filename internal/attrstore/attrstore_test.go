package attrstore

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/opensetdb/core/internal/mem"
	"github.com/opensetdb/core/internal/property"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	pool := mem.NewBucketPool(16, 16384)
	catalog := property.NewCatalog()
	return New(pool, catalog, 4)
}

func TestMarkDirtyAndFlushSetsBit(t *testing.T) {
	s := newTestStore(t)
	s.MarkDirty(7, property.ReservedMax, 42, true)
	require.NoError(t, s.FlushDirty())

	b, err := s.GetBits(property.ReservedMax, 42)
	require.NoError(t, err)
	require.True(t, b.Test(7))
}

func TestMarkDirtySkipsStampColumn(t *testing.T) {
	s := newTestStore(t)
	s.MarkDirty(1, property.Stamp, 1000, true)
	require.NoError(t, s.FlushDirty())

	b, err := s.GetBits(property.Stamp, 1000)
	require.NoError(t, err)
	require.Equal(t, 0, b.Population())
}

func TestMarkDirtyIdempotentForSameLinearIDAndSet(t *testing.T) {
	s := newTestStore(t)
	s.MarkDirty(3, property.ReservedMax, 1, true)
	s.MarkDirty(3, property.ReservedMax, 1, true)
	require.Len(t, s.changeLog[Key{PropID: property.ReservedMax, Val: 1}], 1)
}

func TestFlushDirtyThenEvictionRoundTripsThroughCompression(t *testing.T) {
	s := newTestStore(t)
	// capacity 4; touch 5 distinct keys to force an eviction + recompress.
	for i := int64(0); i < 5; i++ {
		s.MarkDirty(int32(i), property.ReservedMax, i, true)
	}
	require.NoError(t, s.FlushDirty())
	for i := int64(0); i < 5; i++ {
		b, err := s.GetBits(property.ReservedMax, i)
		require.NoError(t, err)
		require.True(t, b.Test(uint32(i)))
	}
}

func TestStoreTextRoundTripsAndDedupsIdenticalStrings(t *testing.T) {
	s := newTestStore(t)
	a := s.StoreText(property.ReservedMax, "hello")
	b := s.StoreText(property.ReservedMax, "hello")
	require.Equal(t, a, b)
}

func TestGetPropertyValuesEQShortCircuits(t *testing.T) {
	s := newTestStore(t)
	s.MarkDirty(1, property.ReservedMax, 9, true)
	require.NoError(t, s.FlushDirty())

	entries, err := s.GetPropertyValues(property.ReservedMax, EQ, 9)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.True(t, entries[0].Bitmap.Test(1))
}

func TestGetPropertyValuesGTFiltersByValue(t *testing.T) {
	s := newTestStore(t)
	s.MarkDirty(1, property.ReservedMax, 1, true)
	s.MarkDirty(2, property.ReservedMax, 5, true)
	s.MarkDirty(3, property.ReservedMax, 10, true)
	require.NoError(t, s.FlushDirty())

	entries, err := s.GetPropertyValues(property.ReservedMax, GT, 4)
	require.NoError(t, err)
	require.Len(t, entries, 2)
}

func TestIndexDiffingOnlyMarksFlippedEntries(t *testing.T) {
	s := newTestStore(t)
	s.MarkDirty(1, property.ReservedMax, 100, true)
	require.NoError(t, s.FlushDirty())

	diff := NewIndexDiffing()
	diff.Before(property.ReservedMax, 100)
	diff.After(property.ReservedMax, 100)  // unchanged
	diff.After(property.ReservedMax, 200)  // newly present
	diff.Apply(s, 1)
	require.NoError(t, s.FlushDirty())

	b100, _ := s.GetBits(property.ReservedMax, 100)
	require.True(t, b100.Test(1))
	b200, _ := s.GetBits(property.ReservedMax, 200)
	require.True(t, b200.Test(1))
}
