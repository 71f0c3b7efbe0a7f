package sidelog

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestReadNeverReturnsAnEntryTwice(t *testing.T) {
	l := New()
	reader := ReaderKey{TableID: 1, Partition: 0}
	for i := 0; i < 10; i++ {
		l.Append(int64(i), 99, 0, []byte("x"))
	}

	first := l.Read(reader, 4)
	require.Len(t, first, 4)
	require.Equal(t, int64(1), first[0].Seq)

	second := l.Read(reader, 100)
	require.Len(t, second, 6)
	require.Equal(t, int64(5), second[0].Seq)

	require.Empty(t, l.Read(reader, 10))
}

func TestTrimRespectsMinCursorAcrossReaders(t *testing.T) {
	l := New()
	slow := ReaderKey{TableID: 1, Partition: 0}
	fast := ReaderKey{TableID: 1, Partition: 1}
	l.RegisterReader(slow)
	l.RegisterReader(fast)

	for i := 0; i < SoftMinRetention+500; i++ {
		l.Append(int64(i), 1, 0, nil)
	}
	l.Read(fast, SoftMinRetention+500)
	l.Read(slow, 100)

	// slow's cursor lands on entry Seq=100 (already consumed); only
	// entries strictly before it (Seq 1..99) are eligible for removal.
	removed := l.Trim(time.Unix(0, 0))
	require.Equal(t, 99, removed)
	require.Equal(t, SoftMinRetention+401, l.Len())
}

func TestTrimNeverDropsBelowSoftMinRetention(t *testing.T) {
	l := New()
	reader := ReaderKey{TableID: 1, Partition: 0}
	for i := 0; i < SoftMinRetention+10; i++ {
		l.Append(int64(i), 1, 0, nil)
	}
	l.Read(reader, SoftMinRetention+10)

	removed := l.Trim(time.Unix(0, 0))
	require.Equal(t, 10, removed)
	require.Equal(t, SoftMinRetention, l.Len())
}

func TestTrimIsRateLimited(t *testing.T) {
	l := New()
	reader := ReaderKey{TableID: 1, Partition: 0}
	for i := 0; i < SoftMinRetention+10; i++ {
		l.Append(int64(i), 1, 0, nil)
	}
	l.Read(reader, SoftMinRetention+10)

	now := time.Unix(1000, 0)
	require.Equal(t, 10, l.Trim(now))
	require.Equal(t, 0, l.Trim(now.Add(time.Second)))
	require.Equal(t, 0, l.Trim(now.Add(TrimInterval-time.Second)))
}

func TestCheckpointRestoreResetsCursorsToHead(t *testing.T) {
	l := New()
	reader := ReaderKey{TableID: 1, Partition: 0}
	for i := 0; i < 5; i++ {
		l.Append(int64(i), 1, 0, []byte("x"))
	}
	l.Read(reader, 3)

	snap := l.Checkpoint()
	require.Len(t, snap, 5)

	restored := Restore(snap)
	require.Equal(t, 5, restored.Len())
	all := restored.Read(reader, 100)
	require.Len(t, all, 5, "a reader reconstructed after restore has no prior cursor, so replay covers every preserved entry")
}

// TestLargeLogSingleReaderRespectsFloorThenHoldsAtFloor exercises spec.md
// §8 scenario 6's setup (2 000 entries, a reader consuming 1 999 then the
// last one): the first trim is capped at SoftMinRetention even though
// every one of the entries it could drop has already been consumed, and a
// later trim -- once the reader is fully caught up -- removes nothing
// further, since SoftMinRetention is an absolute floor on live entries,
// not merely a protection for still-unread ones.
func TestLargeLogSingleReaderRespectsFloorThenHoldsAtFloor(t *testing.T) {
	l := New()
	reader := ReaderKey{TableID: 7, Partition: 0}
	l.RegisterReader(reader)
	for i := 0; i < 2000; i++ {
		l.Append(int64(i), 7, 0, nil)
	}

	l.Read(reader, 1999)
	removed := l.Trim(time.Unix(0, 0))
	require.Equal(t, SoftMinRetention, removed)
	require.Equal(t, SoftMinRetention, l.Len())

	got := l.Read(reader, 10)
	require.Len(t, got, 1, "entry #2000 is still unread and must have survived the trim")
	require.Equal(t, int64(2000), got[0].Seq)

	removed = l.Trim(time.Unix(0, 0).Add(TrimInterval))
	require.Zero(t, removed, "the floor holds even once every reader has caught up")
	require.Equal(t, SoftMinRetention, l.Len())
}
