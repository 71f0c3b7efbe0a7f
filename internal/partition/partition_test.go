package partition

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/opensetdb/core/internal/bitmap"
	"github.com/opensetdb/core/internal/config"
	"github.com/opensetdb/core/internal/grid"
	"github.com/opensetdb/core/internal/mem"
	"github.com/opensetdb/core/internal/property"
)

func newTestPartition(t *testing.T) *Partition {
	t.Helper()
	catalog := property.NewCatalog()
	pool := mem.NewBucketPool(16, 16384)
	cfg := config.NewSnapshot(config.Default())
	return New(0, 1, catalog, pool, cfg, nil)
}

func TestSubmitInsertThenDrainBuildsGrid(t *testing.T) {
	p := newTestPartition(t)
	p.SubmitInsert([]byte(`{"uid":"alice","stamp":1704067200000,"event":"view","fields":{"sku":"A"}}`))

	n, err := p.drainSideLog(10)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	linearID, ok := p.GetCustomer("alice")
	require.True(t, ok)

	g, err := p.ReadGrid(linearID, nil)
	require.NoError(t, err)
	defer g.Release()
	require.Len(t, g.Rows(), 1)
}

func TestDrainIsIdempotentOnReplayedEntry(t *testing.T) {
	p := newTestPartition(t)
	payload := []byte(`{"uid":"alice","stamp":1704067200000,"event":"view","fields":{"sku":"A"}}`)
	p.SubmitInsert(payload)
	p.SubmitInsert(payload)

	n, err := p.drainSideLog(10)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	linearID, _ := p.GetCustomer("alice")
	g, err := p.ReadGrid(linearID, nil)
	require.NoError(t, err)
	defer g.Release()
	require.Len(t, g.Rows(), 1, "replaying the same (stamp,event,contents) replaces in place")
}

func TestApplyEntryCullsRowsToEventMax(t *testing.T) {
	catalog := property.NewCatalog()
	pool := mem.NewBucketPool(16, 16384)
	cfg := config.Default()
	cfg.EventMax = 3
	p := New(0, 1, catalog, pool, config.NewSnapshot(cfg), nil)

	for i := 0; i < 5; i++ {
		payload := []byte(fmt.Sprintf(`{"uid":"alice","stamp":%d,"event":"view","fields":{"sku":"A%d"}}`, int64(i+1)*1000, i))
		p.SubmitInsert(payload)
	}
	n, err := p.drainSideLog(10)
	require.NoError(t, err)
	require.Equal(t, 5, n)

	linearID, ok := p.GetCustomer("alice")
	require.True(t, ok)
	g, err := p.ReadGrid(linearID, nil)
	require.NoError(t, err)
	defer g.Release()
	require.Len(t, g.Rows(), 3, "applyEntry must cull down to EventMax on every commit")
}

func TestIterateCustomersVisitsEverySetBit(t *testing.T) {
	p := newTestPartition(t)
	p.SubmitInsert([]byte(`{"uid":"alice","stamp":1,"event":"view"}`))
	p.SubmitInsert([]byte(`{"uid":"bob","stamp":1,"event":"view"}`))
	_, err := p.drainSideLog(10)
	require.NoError(t, err)

	aliceID, _ := p.GetCustomer("alice")
	bobID, _ := p.GetCustomer("bob")

	all := bitmap.New()
	all.BitSet(uint32(aliceID))
	all.BitSet(uint32(bobID))

	var visited []int32
	err = p.IterateCustomers(all, nil, func(linearID int32, g *grid.Grid) bool {
		visited = append(visited, linearID)
		return true
	})
	require.NoError(t, err)
	require.ElementsMatch(t, []int32{aliceID, bobID}, visited)
}

func TestCheckpointRestoreRoundTripsCustomersAndAttributes(t *testing.T) {
	p := newTestPartition(t)
	p.SubmitInsert([]byte(`{"uid":"alice","stamp":1,"event":"view","fields":{"sku":"A"}}`))
	_, err := p.drainSideLog(10)
	require.NoError(t, err)
	aliceID, _ := p.GetCustomer("alice")

	path := filepath.Join(t.TempDir(), "partition.chk")
	require.NoError(t, p.Checkpoint(path))
	_, statErr := os.Stat(path)
	require.NoError(t, statErr)

	fresh := newTestPartition(t)
	fresh.catalog = p.catalog // share the catalog so property ids line up, as a restore into a fresh partition of the same table would
	require.NoError(t, fresh.Restore(path))

	restoredID, ok := fresh.GetCustomer("alice")
	require.True(t, ok)
	require.Equal(t, aliceID, restoredID)

	skuProp, ok := p.catalog.Lookup("sku")
	require.True(t, ok)
	skuVal := grid.Text("A").IndexInt64()
	b, err := fresh.attrs.GetBits(skuProp.ID, skuVal)
	require.NoError(t, err)
	require.True(t, b.Test(uint32(restoredID)))
}

func TestRunProcessesScheduledDrainCell(t *testing.T) {
	p := newTestPartition(t)
	p.SubmitInsert([]byte(`{"uid":"carol","stamp":1,"event":"view"}`))

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		_, ok := p.GetCustomer("carol")
		return ok
	}, 150*time.Millisecond, 5*time.Millisecond)

	cancel()
	<-done
}
