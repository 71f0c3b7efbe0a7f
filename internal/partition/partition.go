// Copyright 2024 The Erigon Authors
// This file is part of Erigon.
//
// Erigon is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// Erigon is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with Erigon. If not, see <http://www.gnu.org/licenses/>.

// Package partition implements the Partition Runtime of spec.md §4.J: a
// single goroutine owning one CustomerTable, AttributeStore, and
// PropertyMapping, driven by a cooperative cell scheduler, exposing the
// external interfaces of spec.md §6.
package partition

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/opensetdb/core/internal/attrstore"
	"github.com/opensetdb/core/internal/bitmap"
	"github.com/opensetdb/core/internal/checkpoint"
	"github.com/opensetdb/core/internal/config"
	"github.com/opensetdb/core/internal/customer"
	"github.com/opensetdb/core/internal/grid"
	"github.com/opensetdb/core/internal/mem"
	"github.com/opensetdb/core/internal/obs"
	"github.com/opensetdb/core/internal/property"
	"github.com/opensetdb/core/internal/ringmap"
	"github.com/opensetdb/core/internal/sidelog"
)

// ErrRetry signals a condition a cell should retry later (e.g. allocation
// pressure under load shedding) rather than treat as fatal, per spec.md
// §7's "Runtime/logic errors... propagate as structured results" note
// extended to the partition loop itself.
var ErrRetry = errors.New("partition: retryable condition")

// Partition owns one shard's worth of core state. Run's loop goroutine
// mutates it from its cells and from functions queued with Dispatch; the
// exported methods below (SubmitInsert, GetCustomer, ReadGrid, ...) are
// called directly on the caller's goroutine (see Run).
type Partition struct {
	id      int32
	catalog *property.Catalog
	mapping *property.Mapping
	pool    *mem.BucketPool
	cfg     *config.Snapshot
	log     *zap.Logger

	customers *customer.Table
	attrs     *attrstore.Store
	sideLog   *sidelog.Log
	reader    sidelog.ReaderKey

	segments map[string]*bitmap.Segment // named trigger/segment definitions

	sched   *scheduler
	backoff func() backoff.BackOff
	inbox   chan func()

	metrics  *obs.Metrics
	tableStr string // string(tableID), cached for metrics labels
}

// New builds a Partition. tableID identifies the logical table this
// partition's SideLog reader cursor is scoped to.
func New(id int32, tableID int64, catalog *property.Catalog, pool *mem.BucketPool, cfg *config.Snapshot, log *zap.Logger) *Partition {
	if log == nil {
		log = zap.NewNop()
	}
	p := &Partition{
		id:        id,
		catalog:   catalog,
		mapping:   property.NewMapping(catalog),
		pool:      pool,
		cfg:       cfg,
		log:       log,
		customers: customer.NewTable(ringmap.Lt1M),
		attrs:     attrstore.New(pool, catalog, uint32(cfg.Current().LiveBitsCapacity)),
		sideLog:   sidelog.NewWithConfig(cfg.Current().SideLogMinRetention, cfg.Current().SideLogTrimInterval),
		reader:    sidelog.ReaderKey{TableID: tableID, Partition: id},
		segments:  make(map[string]*bitmap.Segment),
		sched:     newScheduler(),
		backoff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 50 * time.Millisecond
			b.MaxInterval = 5 * time.Second
			return b
		},
		inbox:    make(chan func(), 256),
		tableStr: strconv.FormatInt(tableID, 10),
	}
	p.sideLog.RegisterReader(p.reader)
	return p
}

// SetMetrics attaches a Metrics set that the drain cell, the Run loop's
// task-lag gauge and the AttributeStore report gauges and counters to. Optional: a Partition with
// no Metrics attached simply skips the instrumentation.
func (p *Partition) SetMetrics(m *obs.Metrics) {
	p.metrics = m
	p.attrs.SetMetrics(m)
}

// insertEvent is the JSON shape a SideLog entry's payload decodes into.
type insertEvent struct {
	UID    string                 `json:"uid"`
	Stamp  int64                  `json:"stamp"`
	Event  string                 `json:"event"`
	Fields map[string]interface{} `json:"fields"`
	Props  map[string]interface{} `json:"props"`
}

// SubmitInsert appends json to the SideLog and returns immediately;
// durability is "this call returned", per spec.md §6.
func (p *Partition) SubmitInsert(payload []byte) int64 {
	var ev insertEvent
	tableHash := int64(0)
	if err := json.Unmarshal(payload, &ev); err == nil {
		tableHash = int64(len(ev.UID)) // best-effort shard key placeholder; real sharding lives in the RPC layer
	}
	return p.sideLog.Append(time.Now().UnixMilli(), tableHash, p.id, payload)
}

// drainSideLog drains the SideLog reader cursor, decoding each entry into a
// Grid mutation. drainCell (the loop's primary cell) and DrainOnce call it.
func (p *Partition) drainSideLog(batch int) (int, error) {
	entries := p.sideLog.Read(p.reader, batch)
	for _, e := range entries {
		if err := p.applyEntry(e); err != nil {
			p.log.Warn("dropping malformed side-log entry", zap.Int64("seq", e.Seq), zap.Error(err))
		}
	}
	return len(entries), nil
}

// applyEntry decodes one SideLog entry, mounts the target customer's Grid,
// inserts the event, and culls it against cfg.Current().EventMax/EventTTL
// before recompressing, so the Data Model invariant (at most eventMax rows
// and, when EventTTL is positive, none older than now-eventTTL) holds after
// every commit rather than only when something else happens to call Cull.
func (p *Partition) applyEntry(e *sidelog.Entry) error {
	var ev insertEvent
	if err := json.Unmarshal(e.JSON, &ev); err != nil {
		return errors.Wrap(err, "parse event json")
	}
	if ev.Stamp < 0 {
		return errors.New("negative stamp")
	}
	if ev.Event == "" {
		return grid.ErrNoEventProperty
	}

	rec, _ := p.customers.GetOrCreate(ev.UID)
	g := p.newGrid()
	defer g.Release()
	g.Mount(rec.LinearID, rec)
	if err := g.Prepare(); err != nil {
		return errors.Wrap(err, "prepare grid")
	}

	row := grid.EventRow{Stamp: ev.Stamp, Values: map[int32]int64{}, Sets: map[int32][]int64{}}
	if name, ok := p.catalog.Lookup("event"); ok {
		row.Values[name.ID] = grid.Text(ev.Event).IndexInt64()
	}
	for k, v := range ev.Fields {
		if err := p.indexField(&row, k, v); err != nil {
			return err
		}
	}
	if len(ev.Props) > 0 {
		props := make(map[int32]grid.Value, len(ev.Props))
		for k, v := range ev.Props {
			id, err := p.resolveProperty(k, v)
			if err != nil {
				return err
			}
			props[id] = toGridValue(v)
		}
		row.CustomerProps = props
	}

	if err := g.InsertEvent(row); err != nil {
		return errors.Wrap(err, "insert event")
	}
	cur := p.cfg.Current()
	if _, err := g.Cull(cur.EventMax, cur.EventTTL.Milliseconds(), time.Now().UnixMilli()); err != nil {
		return errors.Wrap(err, "cull grid")
	}
	newRec, err := g.Commit()
	if err != nil {
		return errors.Wrap(err, "commit grid")
	}
	p.customers.Replace(newRec)
	return nil
}

func (p *Partition) indexField(row *grid.EventRow, name string, v interface{}) error {
	id, err := p.resolveProperty(name, v)
	if err != nil {
		return err
	}
	row.Values[id] = toGridValue(v).IndexInt64()
	return nil
}

func (p *Partition) resolveProperty(name string, v interface{}) (int32, error) {
	typ := property.TypeText
	switch v.(type) {
	case bool:
		typ = property.TypeBool
	case float64:
		typ = property.TypeDouble
	}
	return p.catalog.Register(name, typ, false, false)
}

func toGridValue(v interface{}) grid.Value {
	switch t := v.(type) {
	case bool:
		return grid.Bool(t)
	case float64:
		return grid.F64(t)
	case string:
		return grid.Text(t)
	default:
		return grid.None()
	}
}

func (p *Partition) newGrid() *grid.Grid {
	sessionGap := p.cfg.Current().SessionGap.Milliseconds()
	g := grid.New(p.catalog, p.mapping, p.attrs, p.pool, sessionGap)
	g.MapSchema(nil)
	return g
}

// Dispatch queues fn to run inside this partition's loop goroutine. Per
// spec.md §5, cross-partition calls that need to mutate state must be
// messages into the target partition's loop rather than direct calls;
// this is that message-send primitive. fn runs with the same exclusivity
// as a scheduled Cell.
func (p *Partition) Dispatch(fn func()) {
	p.inbox <- fn
}

// DrainOnce synchronously applies up to batch pending SideLog entries,
// without starting the full cooperative loop. Used by callers (e.g. a
// one-shot CLI command) that want to submit an event and observe its
// effect in the same process invocation, outside of Run's goroutine.
func (p *Partition) DrainOnce(batch int) (int, error) {
	return p.drainSideLog(batch)
}

// GetCustomer resolves uid to its linearId.
func (p *Partition) GetCustomer(uid string) (int32, bool) {
	rec, ok := p.customers.Get(uid)
	if !ok {
		return 0, false
	}
	return rec.LinearID, true
}

// ReadGrid prepares a read-only Grid view for linearId. propertySubset,
// if non-empty, restricts the schema projection per spec.md §6.
func (p *Partition) ReadGrid(linearID int32, propertySubset []string) (*grid.Grid, error) {
	rec := p.customers.GetByLinearID(linearID)
	if rec == nil {
		return nil, errors.Errorf("partition: unknown linearId %d", linearID)
	}
	g := grid.New(p.catalog, p.mapping, p.attrs, p.pool, p.cfg.Current().SessionGap.Milliseconds())
	g.MapSchema(propertySubset)
	g.Mount(linearID, rec)
	if err := g.Prepare(); err != nil {
		return nil, err
	}
	return g, nil
}

// DefineSegment stores a segment expression under name in the
// partition's segment table. EvaluateSegment and IterateCustomers take
// their expression or Bitmap as an argument and do not read this table.
func (p *Partition) DefineSegment(name string, expr *bitmap.Segment) {
	p.segments[name] = expr
}

// EvaluateSegment evaluates an AND/OR/NOT/ANDNOT expression over the
// Bitmaps at its leaves, per spec.md §6.
func (p *Partition) EvaluateSegment(expr *bitmap.Segment) *bitmap.Bitmap {
	return bitmap.Evaluate(expr)
}

// IterateCustomers invokes visitor once per set bit in b, with a prepared
// read-only Grid for that linear-id. Stops early if visitor returns false.
func (p *Partition) IterateCustomers(b *bitmap.Bitmap, propertySubset []string, visitor func(linearID int32, g *grid.Grid) bool) error {
	var firstErr error
	b.Each(func(linearID uint32) bool {
		g, err := p.ReadGrid(int32(linearID), propertySubset)
		if err != nil {
			firstErr = err
			return false
		}
		keepGoing := visitor(int32(linearID), g)
		g.Release()
		return keepGoing
	})
	return firstErr
}

// Checkpoint writes this partition's state to path, per spec.md §6.
func (p *Partition) Checkpoint(path string) error {
	return checkpoint.WriteFile(path, p.attrs, p.customers, p.sideLog)
}

// Restore rebuilds a Partition's AttributeStore, CustomerTable, and
// SideLog from a checkpoint file written by Checkpoint.
func (p *Partition) Restore(path string) error {
	snap, err := checkpoint.ReadFile(path)
	if err != nil {
		return err
	}
	cur := p.cfg.Current()
	attrs, people, log := checkpoint.Restore(snap, p.pool, p.catalog, uint32(cur.LiveBitsCapacity), ringmap.Lt1M, cur.SideLogMinRetention, cur.SideLogTrimInterval)
	p.attrs = attrs
	p.customers = people
	if log != nil {
		p.sideLog = log
	}
	p.sideLog.RegisterReader(p.reader)
	return nil
}

// drainCell is the scheduler cell that pulls a batch of SideLog entries
// each time it runs, rescheduling immediately while there's backlog and
// backing off via cenkalti/backoff when the store signals retry pressure
// (e.g. allocation load shedding), per spec.md §5's cancellation model.
type drainCell struct {
	p     *Partition
	boff  backoff.BackOff
	batch int
}

func (c *drainCell) Name() string { return "sidelog-drain" }

func (c *drainCell) Run(now time.Time) CellResult {
	n, err := c.p.drainSideLog(c.batch)
	if c.p.metrics != nil {
		partStr := strconv.Itoa(int(c.p.id))
		c.p.metrics.SideLogSize.WithLabelValues(c.p.tableStr, partStr).Set(float64(c.p.sideLog.Len()))
	}
	if errors.Is(err, ErrRetry) {
		d := c.boff.NextBackOff()
		if d == backoff.Stop {
			c.boff.Reset()
			return CellResult{Status: RescheduleNow}
		}
		return CellResult{Status: RescheduleAt, At: now.Add(d)}
	}
	c.boff.Reset()
	if n > 0 {
		return CellResult{Status: RescheduleNow}
	}
	return CellResult{Status: RescheduleAt, At: now.Add(100 * time.Millisecond)}
}

// trimCell runs SideLog.Trim at its own cadence, independent of drain.
type trimCell struct{ p *Partition }

func (c *trimCell) Name() string { return "sidelog-trim" }

func (c *trimCell) Run(now time.Time) CellResult {
	c.p.sideLog.Trim(now)
	return CellResult{Status: RescheduleAt, At: now.Add(c.p.cfg.Current().SideLogTrimInterval)}
}

// Run starts the partition's cooperative task loop and blocks until ctx is
// canceled. Per spec.md §4.J, all mutation of partition state happens
// inside this loop; Submit/Get/Read/Evaluate/Iterate above either touch
// only immutable/read-only state or should be dispatched through Dispatch in
// a fuller deployment (the single-process demonstration here calls them
// directly, since cmd/partitiond runs one partition per goroutine with no
// concurrent external callers).
func (p *Partition) Run(ctx context.Context) {
	p.sched.push(&drainCell{p: p, boff: p.backoff(), batch: 256}, time.Now())
	p.sched.push(&trimCell{p: p}, time.Now().Add(p.cfg.Current().SideLogTrimInterval))

	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-p.inbox:
			fn()
			continue
		default:
		}

		entry, ok := p.sched.peek()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case fn := <-p.inbox:
				fn()
			case <-time.After(10 * time.Millisecond):
			}
			continue
		}

		now := time.Now()
		if entry.due.After(now) {
			select {
			case <-ctx.Done():
				return
			case fn := <-p.inbox:
				fn()
			case <-time.After(entry.due.Sub(now)):
			}
			continue
		}

		p.sched.pop()
		if p.metrics != nil {
			lag := now.Sub(entry.due).Seconds()
			if lag < 0 {
				lag = 0
			}
			p.metrics.PartitionTaskLagS.WithLabelValues(strconv.Itoa(int(p.id))).Set(lag)
		}
		result := entry.cell.Run(now)
		switch result.Status {
		case Done:
		case RescheduleNow:
			p.sched.push(entry.cell, now)
		case RescheduleAt:
			p.sched.push(entry.cell, result.At)
		}
	}
}
