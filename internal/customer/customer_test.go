package customer

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/opensetdb/core/internal/ringmap"
)

func TestGetOrCreateIsIdempotent(t *testing.T) {
	tbl := NewTable(ringmap.LtCompact)
	r1, created1 := tbl.GetOrCreate("alice")
	require.True(t, created1)
	r2, created2 := tbl.GetOrCreate("alice")
	require.False(t, created2)
	require.Same(t, r1, r2)
}

func TestGetOrCreateIsCaseInsensitive(t *testing.T) {
	tbl := NewTable(ringmap.LtCompact)
	r1, _ := tbl.GetOrCreate("Alice")
	r2, found := tbl.Get("alice")
	require.True(t, found)
	require.Same(t, r1, r2)
}

func TestDropReusesLinearID(t *testing.T) {
	tbl := NewTable(ringmap.LtCompact)
	alice, _ := tbl.GetOrCreate("alice")
	require.True(t, tbl.Drop("alice"))
	require.Nil(t, tbl.GetByLinearID(alice.LinearID))

	bob, _ := tbl.GetOrCreate("bob")
	require.Equal(t, alice.LinearID, bob.LinearID)
}

func TestDropUnknownUIDReturnsFalse(t *testing.T) {
	tbl := NewTable(ringmap.LtCompact)
	require.False(t, tbl.Drop("nobody"))
}

func TestRangeVisitsOnlyLiveRecords(t *testing.T) {
	tbl := NewTable(ringmap.LtCompact)
	tbl.GetOrCreate("alice")
	tbl.GetOrCreate("bob")
	tbl.Drop("alice")

	var seen []string
	tbl.Range(func(r *Record) bool {
		seen = append(seen, r.UID)
		return true
	})
	require.Equal(t, []string{"bob"}, seen)
}
