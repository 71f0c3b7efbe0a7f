package bitmap

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/opensetdb/core/internal/mem"
)

func TestBitSetTestClear(t *testing.T) {
	b := New()
	b.BitSet(3)
	b.BitSet(130)
	require.True(t, b.Test(3))
	require.True(t, b.Test(130))
	require.False(t, b.Test(4))
	require.Equal(t, 2, b.Population())

	b.BitClear(3)
	require.False(t, b.Test(3))
	require.Equal(t, 1, b.Population())
}

func TestOpAndTruncatesToShorterOperand(t *testing.T) {
	a := New()
	a.BitSet(1)
	a.BitSet(200)
	other := New()
	other.BitSet(1)

	a.OpAnd(other)
	require.True(t, a.Test(1))
	require.False(t, a.Test(200))
}

func TestOpOrExtendsReceiver(t *testing.T) {
	a := New()
	a.BitSet(1)
	other := New()
	other.BitSet(500)

	a.OpOr(other)
	require.True(t, a.Test(1))
	require.True(t, a.Test(500))
}

func TestOpAndNotClearsOverlap(t *testing.T) {
	a := New()
	a.BitSet(1)
	a.BitSet(2)
	other := New()
	other.BitSet(2)

	a.OpAndNot(other)
	require.True(t, a.Test(1))
	require.False(t, a.Test(2))
}

func TestOpNotComplementsResidentSpan(t *testing.T) {
	a := New()
	a.BitSet(0)
	a.OpNot()
	require.False(t, a.Test(0))
	for i := uint32(1); i < 64; i++ {
		require.True(t, a.Test(i))
	}
}

func TestStoreMountRoundTrip(t *testing.T) {
	pool := mem.NewBucketPool(16, 16384)
	b := New()
	b.BitSet(5)
	b.BitSet(70)
	b.BitSet(4000)

	res := b.Store(pool)
	mounted, err := Mount(res.Buffer.Data, res.UncompressedWordCount, res.FirstSetOffset, res.FirstSetLen)
	require.NoError(t, err)

	require.True(t, mounted.Test(5))
	require.True(t, mounted.Test(70))
	require.True(t, mounted.Test(4000))
	require.Equal(t, b.Population(), mounted.Population())
}

func TestStoreMountEmptyBitmap(t *testing.T) {
	pool := mem.NewBucketPool(16, 16384)
	b := New()
	res := b.Store(pool)
	require.EqualValues(t, 0, res.FirstSetLen)

	mounted, err := Mount(res.Buffer.Data, res.UncompressedWordCount, res.FirstSetOffset, res.FirstSetLen)
	require.NoError(t, err)
	require.Equal(t, 0, mounted.Population())
}

func TestSegmentEvaluateAndOrAndNot(t *testing.T) {
	a := New()
	a.BitSet(1)
	a.BitSet(2)
	a.BitSet(3)
	c := New()
	c.BitSet(2)
	c.BitSet(4)

	and := Evaluate(And(Leaf(a), Leaf(c)))
	require.True(t, and.Test(2))
	require.Equal(t, 1, and.Population())

	or := Evaluate(Or(Leaf(a), Leaf(c)))
	require.Equal(t, 4, or.Population())

	andNot := Evaluate(AndNot(Leaf(a), Leaf(c)))
	require.True(t, andNot.Test(1))
	require.True(t, andNot.Test(3))
	require.False(t, andNot.Test(2))
}
