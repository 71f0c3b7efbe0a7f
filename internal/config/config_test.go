package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultMatchesNamedFigures(t *testing.T) {
	c := Default()
	require.EqualValues(t, 1000, c.SideLogMinRetention)
	require.Equal(t, 60, int(c.SideLogTrimInterval.Seconds()))
	require.Equal(t, 50, c.LiveBitsCapacity)
}

func TestAutoSizeGuardsFloorAndCeiling(t *testing.T) {
	base := Default()
	scaled := AutoSize(base)
	require.GreaterOrEqual(t, scaled.LiveBitsCapacity, 50)
	require.LessOrEqual(t, scaled.LiveBitsCapacity, 5000)
	require.LessOrEqual(t, scaled.BucketPoolMaxSize, 64*1024*1024+base.BucketPoolMaxSize)
}

func TestSnapshotSwapIncrementsVersion(t *testing.T) {
	s := NewSnapshot(Default())
	v1 := s.Current().Version()
	s.Swap(Default())
	v2 := s.Current().Version()
	require.Equal(t, v1+1, v2)
}
