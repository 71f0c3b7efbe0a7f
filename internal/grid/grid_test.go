package grid

import (
	"testing"

	"github.com/spaolacci/murmur3"
	"github.com/stretchr/testify/require"

	"github.com/opensetdb/core/internal/attrstore"
	"github.com/opensetdb/core/internal/customer"
	"github.com/opensetdb/core/internal/mem"
	"github.com/opensetdb/core/internal/property"
)

func eventHash(name string) int64 { return int64(murmur3.Sum64([]byte(name))) }

type testEnv struct {
	catalog *property.Catalog
	mapping *property.Mapping
	attrs   *attrstore.Store
	pool    *mem.BucketPool
	sku     int32
	amount  int32
	country int32
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	catalog := property.NewCatalog()
	pool := mem.NewBucketPool(16, 16384)
	attrs := attrstore.New(pool, catalog, 50)
	sku, err := catalog.Register("sku", property.TypeText, false, false)
	require.NoError(t, err)
	amount, err := catalog.Register("amount", property.TypeDouble, false, false)
	require.NoError(t, err)
	country, err := catalog.Register("country", property.TypeText, false, true)
	require.NoError(t, err)
	return &testEnv{
		catalog: catalog,
		mapping: property.NewMapping(catalog),
		attrs:   attrs,
		pool:    pool,
		sku:     sku,
		amount:  amount,
		country: country,
	}
}

func (e *testEnv) newGrid() *Grid {
	g := New(e.catalog, e.mapping, e.attrs, e.pool, 0)
	g.MapSchema(nil)
	return g
}

func freshRecord(linearID int32) *customer.Record {
	return &customer.Record{LinearID: linearID, UID: "alice"}
}

func TestInsertEventThenCommitThenPrepareRoundTrips(t *testing.T) {
	env := newTestEnv(t)
	g := env.newGrid()
	g.Mount(1, freshRecord(1))
	require.NoError(t, g.Prepare())

	err := g.InsertEvent(EventRow{
		Stamp: 1704067200000,
		Values: map[int32]int64{
			property.EventName: eventHash("view"),
			env.sku:            eventHash("A"),
		},
	})
	require.NoError(t, err)
	require.Len(t, g.Rows(), 1)

	rec, err := g.Commit()
	require.NoError(t, err)

	g2 := env.newGrid()
	g2.Mount(1, rec)
	require.NoError(t, g2.Prepare())
	require.Len(t, g2.Rows(), 1)
	require.Equal(t, int64(1704067200000), g2.Rows()[0].Stamp)
}

func TestInsertSameEventTwiceIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	g := env.newGrid()
	g.Mount(1, freshRecord(1))
	require.NoError(t, g.Prepare())

	row := EventRow{
		Stamp: 1704067200000,
		Values: map[int32]int64{
			property.EventName: eventHash("view"),
			env.sku:            eventHash("A"),
		},
	}
	require.NoError(t, g.InsertEvent(row))
	require.NoError(t, g.InsertEvent(row))
	require.Len(t, g.Rows(), 1)
}

func TestInsertDifferentContentAtSameStampAddsRow(t *testing.T) {
	env := newTestEnv(t)
	g := env.newGrid()
	g.Mount(1, freshRecord(1))
	require.NoError(t, g.Prepare())

	require.NoError(t, g.InsertEvent(EventRow{
		Stamp: 1704067200000,
		Values: map[int32]int64{
			property.EventName: eventHash("buy"),
			env.amount:         ScaledInt(1.50),
		},
	}))
	require.NoError(t, g.InsertEvent(EventRow{
		Stamp: 1704067200000,
		Values: map[int32]int64{
			property.EventName: eventHash("buy"),
			env.amount:         ScaledInt(2.50),
		},
	}))
	require.Len(t, g.Rows(), 2)

	var sum int64
	for _, r := range g.Rows() {
		sum += r.Values[env.amount]
	}
	require.Equal(t, ScaledInt(4.00), sum)
}

func TestInsertEventIndexesEventPropertyBit(t *testing.T) {
	env := newTestEnv(t)
	g := env.newGrid()
	g.Mount(3, freshRecord(3))
	require.NoError(t, g.Prepare())

	skuVal := eventHash("A")
	require.NoError(t, g.InsertEvent(EventRow{
		Stamp: 1,
		Values: map[int32]int64{
			property.EventName: eventHash("view"),
			env.sku:            skuVal,
		},
	}))

	b, err := env.attrs.GetBits(env.sku, skuVal)
	require.NoError(t, err)
	require.True(t, b.Test(3))
}

func TestSetCustomerPropertyFlipsIndexBits(t *testing.T) {
	env := newTestEnv(t)
	g := env.newGrid()
	g.Mount(5, freshRecord(5))
	require.NoError(t, g.Prepare())

	caHash := eventHash("CA")
	usHash := eventHash("US")
	require.NoError(t, g.SetCustomerProps(map[int32]Value{env.country: Text("CA")}))
	b, _ := env.attrs.GetBits(env.country, caHash)
	require.True(t, b.Test(5))

	require.NoError(t, g.SetCustomerProps(map[int32]Value{env.country: Text("US")}))
	bCA, _ := env.attrs.GetBits(env.country, caHash)
	require.False(t, bCA.Test(5))
	bUS, _ := env.attrs.GetBits(env.country, usHash)
	require.True(t, bUS.Test(5))
	bPresent, _ := env.attrs.GetBits(env.country, attrstore.NIL)
	require.True(t, bPresent.Test(5))
}

func TestInsertEventWithoutEventNameIsRejected(t *testing.T) {
	env := newTestEnv(t)
	g := env.newGrid()
	g.Mount(1, freshRecord(1))
	require.NoError(t, g.Prepare())

	err := g.InsertEvent(EventRow{Stamp: 1, Values: map[int32]int64{env.sku: 1}})
	require.ErrorIs(t, err, ErrNoEventProperty)
}

func TestCullDropsExcessRowsAndClearsBits(t *testing.T) {
	env := newTestEnv(t)
	g := env.newGrid()
	g.Mount(1, freshRecord(1))
	require.NoError(t, g.Prepare())

	skuVal := eventHash("only-in-oldest")
	require.NoError(t, g.InsertEvent(EventRow{
		Stamp: 1,
		Values: map[int32]int64{property.EventName: eventHash("view"), env.sku: skuVal},
	}))
	for i := int64(2); i <= 5; i++ {
		require.NoError(t, g.InsertEvent(EventRow{
			Stamp:  i,
			Values: map[int32]int64{property.EventName: eventHash("view"), env.sku: eventHash("other")},
		}))
	}
	require.Len(t, g.Rows(), 5)

	did, err := g.Cull(3, 1000*3600*24*365, 100)
	require.NoError(t, err)
	require.True(t, did)
	require.Len(t, g.Rows(), 3)

	b, err := env.attrs.GetBits(env.sku, skuVal)
	require.NoError(t, err)
	require.False(t, b.Test(1))
}

func TestCullReturnsFalseWhenWithinBounds(t *testing.T) {
	env := newTestEnv(t)
	g := env.newGrid()
	g.Mount(1, freshRecord(1))
	require.NoError(t, g.Prepare())
	require.NoError(t, g.InsertEvent(EventRow{
		Stamp:  100,
		Values: map[int32]int64{property.EventName: eventHash("view")},
	}))

	did, err := g.Cull(50, 1000*3600, 200)
	require.NoError(t, err)
	require.False(t, did)
}
