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

package grid

import (
	"sort"

	"github.com/pierrec/lz4/v4"
	"github.com/pkg/errors"
	"github.com/spaolacci/murmur3"

	"github.com/opensetdb/core/internal/attrstore"
	"github.com/opensetdb/core/internal/customer"
	"github.com/opensetdb/core/internal/mem"
	"github.com/opensetdb/core/internal/property"
)

// DefaultSessionGapMillis is spec.md §4.G's default synthetic-session
// boundary: a gap between consecutive stamps longer than this starts a
// new session.
const DefaultSessionGapMillis = 30 * 60 * 1000

// ErrNoEventProperty is returned by InsertEvent when a row carries only
// customer-property updates and no event column, per spec.md §4.G step 1.
var ErrNoEventProperty = errors.New("grid: row has no event property")

// Row is one event row in a customer's timeline. Values/Sets are keyed
// by global property id rather than the PropertyMap's local dense index,
// a map-based layout in place of spec.md §3's literal
// fixed-width-array-plus-setData one.
type Row struct {
	Stamp       int64
	ZOrder      int
	ContentHash uint64
	Values      map[int32]int64
	Sets        map[int32][]int64
}

func contentHash(stamp int64, values map[int32]int64, sets map[int32][]int64) uint64 {
	h := murmur3.New64()
	var b [8]byte
	writeI64 := func(v int64) {
		for i := 0; i < 8; i++ {
			b[i] = byte(v >> (8 * i))
		}
		h.Write(b[:])
	}
	writeI64(stamp)

	ids := make([]int32, 0, len(values)+len(sets))
	for id := range values {
		ids = append(ids, id)
	}
	for id := range sets {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		writeI64(int64(id))
		if s, ok := sets[id]; ok {
			sorted := append([]int64(nil), s...)
			sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
			for _, v := range sorted {
				writeI64(v)
			}
			continue
		}
		writeI64(values[id])
	}
	return h.Sum64()
}

// Grid is the per-customer working set of spec.md §4.G, owned by the
// thread running the current task on its partition.
type Grid struct {
	catalog *property.Catalog
	mapping *property.Mapping
	attrs   *attrstore.Store
	pool    *mem.BucketPool

	sessionGapMillis int64
	sessionPropID    int32 // <0 if the schema has no session column

	propMap *property.Map

	linearID int32
	record   *customer.Record

	propsBag  map[int32]Value
	propsHash uint64
	rows      []*Row
}

// New builds an empty Grid bound to a partition's shared catalog,
// mapping, attribute store, and allocator.
func New(catalog *property.Catalog, mapping *property.Mapping, attrs *attrstore.Store, pool *mem.BucketPool, sessionGapMillis int64) *Grid {
	if sessionGapMillis == 0 {
		sessionGapMillis = DefaultSessionGapMillis
	}
	g := &Grid{catalog: catalog, mapping: mapping, attrs: attrs, pool: pool, sessionGapMillis: sessionGapMillis, sessionPropID: -1}
	return g
}

// MapSchema acquires a PropertyMap: the full schema if names is empty, or
// a subset map for exactly those property names otherwise. Releases any
// previously held map first.
func (g *Grid) MapSchema(names []string) {
	if g.propMap != nil {
		g.mapping.Release(g.propMap)
	}
	if len(names) == 0 {
		g.propMap = g.mapping.AcquireFull()
	} else {
		g.propMap = g.mapping.AcquireSubset(names)
	}
	g.sessionPropID = -1
	if p, ok := g.catalog.Lookup("session"); ok {
		if _, has := g.propMap.LocalIndex(p.ID); has {
			g.sessionPropID = p.ID
		}
	}
}

// Release drops the Grid's held PropertyMap.
func (g *Grid) Release() {
	if g.propMap != nil {
		g.mapping.Release(g.propMap)
		g.propMap = nil
	}
}

// Mount remembers record (and the linearID it belongs to) without
// decompressing anything yet, per spec.md §4.G.
func (g *Grid) Mount(linearID int32, record *customer.Record) {
	g.linearID = linearID
	g.record = record
	g.rows = nil
	g.propsBag = nil
}

// Prepare LZ4-decompresses the mounted record's event stream and property
// bag into working rows, per spec.md §4.G.
func (g *Grid) Prepare() error {
	if g.record == nil {
		return errors.New("grid: Prepare called before Mount")
	}
	propsBag := map[int32]Value{}
	if len(g.record.Props) > 0 {
		decoded, err := DecodePackedProps(g.record.Props)
		if err != nil {
			return errors.Wrap(err, "grid: decode packed props")
		}
		propsBag = decoded
	}
	g.propsBag = propsBag
	g.propsHash = hashPropsBag(propsBag)

	g.rows = nil
	if g.record.CompBytes == 0 {
		return nil
	}
	raw := make([]byte, g.record.RawBytes)
	if g.record.CompBytes == g.record.RawBytes {
		// Commit's raw-fallback convention: lz4 found the stream
		// incompressible and stored it verbatim.
		copy(raw, g.record.CompressedEvents)
	} else {
		n, err := lz4.UncompressBlock(g.record.CompressedEvents, raw)
		if err != nil {
			return errors.Wrap(err, "grid: lz4 decompress events")
		}
		if int32(n) != g.record.RawBytes {
			return errors.Errorf("grid: decompressed %d bytes, want %d", n, g.record.RawBytes)
		}
	}

	setProps := g.setPropIDs()
	tuples, err := DecodePackedEvents(raw, setProps)
	if err != nil {
		return errors.Wrap(err, "grid: decode packed events")
	}
	g.rows = make([]*Row, 0, len(tuples))
	var lastStamp int64
	var sessionCounter int64
	for i, row := range tuples {
		values := make(map[int32]int64, len(row))
		var sets map[int32][]int64
		var stamp int64
		for _, t := range row {
			if t.Set != nil {
				if sets == nil {
					sets = make(map[int32][]int64)
				}
				sets[t.PropID] = t.Set
				continue
			}
			if t.PropID == property.Stamp {
				stamp = t.Value
				continue
			}
			values[t.PropID] = t.Value
		}
		if g.sessionPropID >= 0 {
			if i > 0 && stamp-lastStamp > g.sessionGapMillis {
				sessionCounter++
			}
			values[g.sessionPropID] = sessionCounter
		}
		lastStamp = stamp
		nameHash := values[property.EventName]
		g.rows = append(g.rows, &Row{
			Stamp:       stamp,
			ZOrder:      int(nameHash % 100),
			ContentHash: contentHash(stamp, values, sets),
			Values:      values,
			Sets:        sets,
		})
	}
	return nil
}

func (g *Grid) setPropIDs() map[int32]bool {
	out := make(map[int32]bool)
	if g.propMap == nil {
		return out
	}
	for i := 0; i < g.propMap.Len(); i++ {
		id := g.propMap.PropertyID(i)
		if p, ok := g.catalog.Get(id); ok && p.IsSet {
			out[id] = true
		}
	}
	return out
}

func hashPropsBag(bag map[int32]Value) uint64 {
	ids := make([]int32, 0, len(bag))
	for id := range bag {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	h := murmur3.New64()
	var b [8]byte
	for _, id := range ids {
		for i := 0; i < 4; i++ {
			b[i] = byte(id >> (8 * i))
		}
		h.Write(b[:4])
		hv := bag[id].Hash()
		for i := 0; i < 8; i++ {
			b[i] = byte(hv >> (8 * i))
		}
		h.Write(b[:])
	}
	return h.Sum64()
}

// SetCustomerProps merges newProps into the customer's property bag,
// diffing against the prior state and marking dirty bits only for
// (propId,val) pairs whose presence flipped, per spec.md §4.G's
// getProps/setProps contract. A no-op merge (identical bag hash) costs
// nothing beyond the hash comparison.
func (g *Grid) SetCustomerProps(newProps map[int32]Value) error {
	if len(newProps) == 0 {
		return nil
	}
	merged := make(map[int32]Value, len(g.propsBag)+len(newProps))
	for k, v := range g.propsBag {
		merged[k] = v
	}
	for k, v := range newProps {
		merged[k] = v
	}
	newHash := hashPropsBag(merged)
	if newHash == g.propsHash {
		return nil
	}

	diffing := attrstore.NewIndexDiffing()
	for id, v := range g.propsBag {
		if !g.catalog.IsIndexable(id) {
			continue
		}
		diffing.Before(id, v.IndexInt64())
		diffing.Before(id, attrstore.NIL)
	}
	for id, v := range merged {
		if !g.catalog.IsIndexable(id) {
			continue
		}
		diffing.After(id, v.IndexInt64())
		diffing.After(id, attrstore.NIL)
	}
	diffing.Apply(g.attrs, g.linearID)
	if err := g.attrs.FlushDirty(); err != nil {
		return err
	}
	g.propsBag = merged
	g.propsHash = newHash
	return nil
}

// EventRow is the caller-parsed form of one JSON input row: stamp
// already normalized to epoch milliseconds, values/sets keyed by global
// property id. A row with no property.EventName entry in Values is a
// pure customer-property update and is rejected by InsertEvent per
// spec.md §4.G step 1 (CustomerProps is still applied).
type EventRow struct {
	Stamp         int64
	Values        map[int32]int64
	Sets          map[int32][]int64
	CustomerProps map[int32]Value
}

// InsertEvent parses, orders, and merge-inserts one event row following
// spec.md §4.G's five-step algorithm.
func (g *Grid) InsertEvent(ev EventRow) error {
	if len(ev.CustomerProps) > 0 {
		if err := g.SetCustomerProps(ev.CustomerProps); err != nil {
			return err
		}
	}
	if _, hasEvent := ev.Values[property.EventName]; !hasEvent {
		return ErrNoEventProperty
	}
	if ev.Stamp < 0 {
		return errors.New("grid: negative stamp dropped")
	}

	zOrder := int(ev.Values[property.EventName] % 100)
	newRow := &Row{
		Stamp:       ev.Stamp,
		ZOrder:      zOrder,
		ContentHash: contentHash(ev.Stamp, ev.Values, ev.Sets),
		Values:      ev.Values,
		Sets:        ev.Sets,
	}

	// step 3: binary search for the first row with stamp >= ev.Stamp.
	pos := sort.Search(len(g.rows), func(i int) bool { return g.rows[i].Stamp >= ev.Stamp })
	// step 4: within the matching stamp, walk forward while zOrder is less.
	for pos < len(g.rows) && g.rows[pos].Stamp == ev.Stamp && g.rows[pos].ZOrder < zOrder {
		pos++
	}
	// step 5: within the same (stamp,zOrder), look for a content-hash match
	// to replace; otherwise insert before the first strictly-greater row.
	var before *Row
	insertAt := pos
	for insertAt < len(g.rows) && g.rows[insertAt].Stamp == ev.Stamp && g.rows[insertAt].ZOrder == zOrder {
		if g.rows[insertAt].ContentHash == newRow.ContentHash {
			before = g.rows[insertAt]
			break
		}
		insertAt++
	}

	diffing := attrstore.NewIndexDiffing()
	if before != nil {
		diffRowInto(diffing, g.catalog, before, true)
		diffRowInto(diffing, g.catalog, newRow, false)
		g.rows[insertAt] = newRow
	} else {
		diffRowInto(diffing, g.catalog, newRow, false)
		g.rows = append(g.rows, nil)
		copy(g.rows[insertAt+1:], g.rows[insertAt:])
		g.rows[insertAt] = newRow
	}
	diffing.Apply(g.attrs, g.linearID)
	return g.attrs.FlushDirty()
}

// diffRowInto records r's indexable (propId,val) pairs (plus NIL
// presence) as "before" state if before is true, "after" state otherwise.
func diffRowInto(d *attrstore.IndexDiffing, catalog *property.Catalog, r *Row, before bool) {
	record := d.After
	if before {
		record = d.Before
	}
	for id, v := range r.Values {
		if !catalog.IsIndexable(id) {
			continue
		}
		record(id, v)
		record(id, attrstore.NIL)
	}
	for id, vs := range r.Sets {
		if !catalog.IsIndexable(id) {
			continue
		}
		for _, v := range vs {
			record(id, v)
		}
		record(id, attrstore.NIL)
	}
}

// Commit serializes rows back to the packed tuple stream, LZ4-compresses
// it, and returns a fresh CustomerRecord for the CustomerTable to install
// in place of the mounted one, per spec.md §4.G.
func (g *Grid) Commit() (*customer.Record, error) {
	var tuples [][]EventTuple
	for _, r := range g.rows {
		row := make([]EventTuple, 0, len(r.Values)+len(r.Sets)+1)
		row = append(row, EventTuple{PropID: property.Stamp, Value: r.Stamp})
		for id, v := range r.Values {
			if id == property.Stamp || id == g.sessionPropID {
				continue
			}
			row = append(row, EventTuple{PropID: id, Value: v})
		}
		for id, vs := range r.Sets {
			row = append(row, EventTuple{PropID: id, Set: vs})
		}
		tuples = append(tuples, row)
	}
	raw := EncodePackedEvents(tuples)

	bound := lz4.CompressBlockBound(len(raw))
	buf := g.pool.GetPtr(bound)
	var c lz4.Compressor
	n, err := c.CompressBlock(raw, buf.Data)
	var compressed []byte
	if err != nil || n == 0 {
		compressed = append([]byte(nil), raw...)
		n = 0 // marks "stored raw" via rawBytes == compBytes convention below
	} else {
		compressed = append([]byte(nil), buf.Data[:n]...)
	}
	g.pool.FreePtr(buf)

	packedProps, err := EncodePackedProps(g.propsBag)
	if err != nil {
		return nil, errors.Wrap(err, "grid: encode packed props")
	}

	compBytes := int32(len(compressed))
	if n == 0 {
		compBytes = int32(len(raw)) // raw fallback: CompBytes == RawBytes signals "stored uncompressed"
	}
	return &customer.Record{
		LinearID:         g.linearID,
		HashedID:         g.record.HashedID,
		UID:              g.record.UID,
		RawBytes:         int32(len(raw)),
		CompBytes:        compBytes,
		CompressedEvents: compressed,
		Props:            packedProps,
	}, nil
}

// Cull drops rows beyond eventMax (oldest first) and rows older than
// now-eventTTL, clearing index bits for any (propId,val) pair no longer
// present in any remaining row. An eventTTLMillis of 0 or less disables
// the age bound. Returns false (no work done) if neither bound is
// exceeded, per spec.md §4.G.
func (g *Grid) Cull(eventMax int, eventTTLMillis, now int64) (bool, error) {
	if len(g.rows) == 0 {
		return false, nil
	}
	cutoff := now - eventTTLMillis
	if eventTTLMillis <= 0 {
		cutoff = -1 // stamps are never negative, so no row is past this
	}
	withinCount := len(g.rows) <= eventMax
	withinAge := g.rows[0].Stamp > cutoff
	if withinCount && withinAge {
		return false, nil
	}

	diffing := attrstore.NewIndexDiffing()
	for _, r := range g.rows {
		diffRowInto(diffing, g.catalog, r, true)
	}

	kept := g.rows
	if len(kept) > eventMax {
		kept = kept[len(kept)-eventMax:]
	}
	trimmed := kept[:0:0]
	for _, r := range kept {
		if r.Stamp <= cutoff {
			continue
		}
		trimmed = append(trimmed, r)
	}
	g.rows = trimmed

	for _, r := range g.rows {
		diffRowInto(diffing, g.catalog, r, false)
	}
	diffing.Apply(g.attrs, g.linearID)
	if err := g.attrs.FlushDirty(); err != nil {
		return false, err
	}
	return true, nil
}

// Rows exposes the current working set for read paths (readGrid,
// iterateCustomers).
func (g *Grid) Rows() []*Row { return g.rows }

// CustomerProps exposes the decoded customer property bag.
func (g *Grid) CustomerProps() map[int32]Value { return g.propsBag }
