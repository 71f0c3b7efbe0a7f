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

// Package attrstore implements the AttributeStore of spec.md §4.F: the
// (propId,val) -> compressed Bitmap index, a bounded LRU of live,
// decompressed Bitmaps, dirty-change batching, and a per-customer-property
// secondary index.
package attrstore

import (
	"bytes"
	"encoding/binary"
	"sync"

	"github.com/elastic/go-freelru"
	"github.com/spaolacci/murmur3"

	"github.com/opensetdb/core/internal/bitmap"
	"github.com/opensetdb/core/internal/mem"
	"github.com/opensetdb/core/internal/obs"
	"github.com/opensetdb/core/internal/property"
	"github.com/opensetdb/core/internal/ringmap"
	"github.com/opensetdb/core/internal/trie"
)

// NIL is the sentinel value used for a property's "presence" Bitmap: the
// bit is set at (propId, NIL) whenever the customer has any value on that
// property at all, regardless of which value.
const NIL int64 = 0x7fffffffffffffff

// Key identifies one (property, value) slot in the index.
type Key struct {
	PropID int32
	Val    int64
}

func hashKey(k Key) uint32 {
	var b [12]byte
	binary.LittleEndian.PutUint32(b[0:4], uint32(k.PropID))
	binary.LittleEndian.PutUint64(b[4:12], uint64(k.Val))
	return uint32(murmur3.Sum64(b[:]))
}

func hashBlobKey(k blobKey) uint64 {
	var b [12]byte
	binary.LittleEndian.PutUint32(b[0:4], uint32(k.PropID))
	binary.LittleEndian.PutUint64(b[4:12], k.Hash)
	return murmur3.Sum64(b[:])
}

type blobKey struct {
	PropID int32
	Hash   uint64
}

// AttrRecord is the compressed-at-rest form of one indexed Bitmap, per
// spec.md §3.
type AttrRecord struct {
	Text                  []byte // nullable; set only for text-valued keys worth interning separately
	UncompressedWordCount int32
	CompBytes             int32
	FirstSetBit           int64
	FirstSetOffset        int32
	FirstSetLen           int32
	CompressedBits        []byte
}

type change struct {
	linearID int32
	set      bool
}

// Store is the per-partition AttributeStore.
type Store struct {
	pool    *mem.BucketPool
	catalog *property.Catalog

	mu            sync.Mutex
	propertyIndex *ringmap.Map[Key, *AttrRecord]
	blob          *ringmap.Map[blobKey, []byte]
	liveBits      *freelru.LRU[Key, *bitmap.Bitmap]
	metrics       *obs.Metrics

	changeMu  sync.Mutex
	changeLog map[Key][]change
	seen      map[Key]map[int32]bool // dedup: (key) -> linearId -> last set value recorded

	customerPropIndex map[int32]*trie.Trie[int32] // propId -> trie((customerId,val) -> linearId), customer-indexed props only
}

// LiveBitsCapacity is the design-tunable LRU size noted in spec.md §4.F.
const LiveBitsCapacity = 50

// New builds an empty AttributeStore backed by pool and catalog.
func New(pool *mem.BucketPool, catalog *property.Catalog, capacity uint32) *Store {
	if capacity == 0 {
		capacity = LiveBitsCapacity
	}
	s := &Store{
		pool:              pool,
		catalog:           catalog,
		propertyIndex:     ringmap.New[Key, *AttrRecord](ringmap.Lt1M, func(k Key) uint64 { return uint64(hashKey(k)) }),
		blob:              ringmap.New[blobKey, []byte](ringmap.LtCompact, hashBlobKey),
		changeLog:         make(map[Key][]change),
		seen:              make(map[Key]map[int32]bool),
		customerPropIndex: make(map[int32]*trie.Trie[int32]),
	}
	lru, err := freelru.New[Key, *bitmap.Bitmap](capacity, hashKey)
	if err != nil {
		panic(err) // capacity is always > 0 here; freelru only errors on cap == 0
	}
	lru.SetOnEvict(s.onEvict)
	s.liveBits = lru
	return s
}

// SetMetrics attaches a Metrics set that GetBits reports LRU hit/miss
// counts to. Optional: a Store with no Metrics attached simply skips the
// counters.
func (s *Store) SetMetrics(m *obs.Metrics) { s.metrics = m }

// onEvict re-compresses an evicted Bitmap and replaces its AttrRecord in
// place, per spec.md §4.F's getBits contract.
func (s *Store) onEvict(key Key, b *bitmap.Bitmap) {
	s.storeCompressed(key, b)
}

func (s *Store) storeCompressed(key Key, b *bitmap.Bitmap) {
	res := b.Store(s.pool)
	rec, ok := s.propertyIndex.Get(key)
	if !ok {
		rec = &AttrRecord{}
		s.propertyIndex.Set(key, rec)
	}
	rec.UncompressedWordCount = res.UncompressedWordCount
	rec.CompBytes = res.CompressedBytes
	rec.FirstSetBit = res.FirstSetBit
	rec.FirstSetOffset = res.FirstSetOffset
	rec.FirstSetLen = res.FirstSetLen
	rec.CompressedBits = res.Buffer.Data
}

// GetBits returns a live, mutable Bitmap for (propId,val). On an LRU
// miss it mounts from the AttrRecord (or builds an empty Bitmap if the
// key has never been indexed). Mutating the returned Bitmap does not
// re-compress until eviction or FlushDirty's own getBits calls settle.
func (s *Store) GetBits(propID int32, val int64) (*bitmap.Bitmap, error) {
	key := Key{PropID: propID, Val: val}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getBitsLocked(key)
}

func (s *Store) getBitsLocked(key Key) (*bitmap.Bitmap, error) {
	if b, ok := s.liveBits.Get(key); ok {
		if s.metrics != nil {
			s.metrics.AttrLRUHits.Inc()
		}
		return b, nil
	}
	if s.metrics != nil {
		s.metrics.AttrLRUMisses.Inc()
	}
	rec, ok := s.propertyIndex.Get(key)
	if !ok {
		b := bitmap.New()
		s.liveBits.Add(key, b)
		return b, nil
	}
	b, err := bitmap.Mount(rec.CompressedBits, rec.UncompressedWordCount, rec.FirstSetOffset, rec.FirstSetLen)
	if err != nil {
		return nil, err
	}
	s.liveBits.Add(key, b)
	return b, nil
}

// MarkDirty queues a change, idempotent for the same (linearId,set) pair
// within a given (propId,val) key. Properties in property.OmitFirst..
// property.OmitLast and the stamp column are silently skipped. Also
// updates customerPropIndex for customer-indexed properties.
func (s *Store) MarkDirty(linearID int32, propID int32, val int64, set bool) {
	if !property.Indexable(propID) {
		return
	}
	key := Key{PropID: propID, Val: val}

	s.changeMu.Lock()
	last, ok := s.seen[key]
	if !ok {
		last = make(map[int32]bool)
		s.seen[key] = last
	}
	if prev, recorded := last[linearID]; recorded && prev == set {
		s.changeMu.Unlock()
		return
	}
	last[linearID] = set
	s.changeLog[key] = append(s.changeLog[key], change{linearID: linearID, set: set})
	s.changeMu.Unlock()

	if p, ok := s.catalog.Get(propID); ok && p.IsCustomerProperty {
		s.markCustomerPropIndex(propID, linearID, val, set)
	}
}

func (s *Store) markCustomerPropIndex(propID, linearID int32, val int64, set bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tr, ok := s.customerPropIndex[propID]
	if !ok {
		tr = trie.NewTrie16[int32]()
		s.customerPropIndex[propID] = tr
	}
	k := encodeCustomerPropKey(linearID, val)
	if set {
		tr.Set(k, linearID)
	}
	// clearing leaves the stale entry in the trie by design: the trie has
	// no delete operation (spec.md §4.C exposes set/get/exists only); a
	// cleared (customerId,val) pair simply stops being written, and reads
	// always cross-check against the live Bitmap for ground truth.
}

func encodeCustomerPropKey(linearID int32, val int64) []byte {
	b := make([]byte, 12)
	binary.BigEndian.PutUint32(b[0:4], uint32(linearID))
	binary.BigEndian.PutUint64(b[4:12], uint64(val))
	return b
}

// FlushDirty applies every queued (propId,val) mutation in log order and
// clears the change log. No compression occurs here.
func (s *Store) FlushDirty() error {
	s.changeMu.Lock()
	log := s.changeLog
	s.changeLog = make(map[Key][]change)
	s.seen = make(map[Key]map[int32]bool)
	s.changeMu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	for key, changes := range log {
		b, err := s.getBitsLocked(key)
		if err != nil {
			return err
		}
		if _, ok := s.propertyIndex.Get(key); !ok {
			// register the slot so GetPropertyValues can enumerate it
			// before its first eviction writes the at-rest record
			s.propertyIndex.Set(key, &AttrRecord{})
		}
		for _, c := range changes {
			if c.set {
				b.BitSet(uint32(c.linearID))
			} else {
				b.BitClear(uint32(c.linearID))
			}
		}
	}
	return nil
}

// Mode selects the comparison getPropertyValues applies against val.
type Mode int

const (
	EQ Mode = iota
	NEQ
	GT
	GTE
	LT
	LTE
	PRESENT
)

// Entry is one (value, Bitmap) pair returned by GetPropertyValues.
type Entry struct {
	Val    int64
	Bitmap *bitmap.Bitmap
}

// GetPropertyValues enumerates (propId,*) entries in the index according
// to mode. EQ short-circuits to a single lookup; NEQ and the range modes
// walk every (propId,*) entry, and NEQ returns one entry per other value
// rather than a single lookup. PRESENT returns all non-NIL entries.
func (s *Store) GetPropertyValues(propID int32, mode Mode, val int64) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if mode == EQ {
		b, err := s.getBitsLocked(Key{PropID: propID, Val: val})
		if err != nil {
			return nil, err
		}
		return []Entry{{Val: val, Bitmap: b}}, nil
	}

	var out []Entry
	s.propertyIndex.Range(func(k Key, _ *AttrRecord) bool {
		if k.PropID != propID {
			return true
		}
		switch mode {
		case NEQ:
			if k.Val == val {
				return true
			}
		case GT:
			if !(k.Val > val) {
				return true
			}
		case GTE:
			if !(k.Val >= val) {
				return true
			}
		case LT:
			if !(k.Val < val) {
				return true
			}
		case LTE:
			if !(k.Val <= val) {
				return true
			}
		case PRESENT:
			if k.Val == NIL {
				return true
			}
		}
		b, err := s.getBitsLocked(k)
		if err != nil {
			return true
		}
		out = append(out, Entry{Val: k.Val, Bitmap: b})
		return true
	})
	return out, nil
}

// FlushAll applies every queued mutation (FlushDirty) and then forces
// every live, decompressed Bitmap back into its AttrRecord via eviction,
// so Range afterwards observes every index slot in its at-rest form.
// Used before a checkpoint write, per spec.md §6.
func (s *Store) FlushAll() error {
	if err := s.FlushDirty(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.liveBits.Purge()
	return nil
}

// Range visits every indexed (propId,val) slot in its at-rest form. Call
// FlushAll first if live, uncompressed Bitmaps must be included.
func (s *Store) Range(visit func(propID int32, val int64, rec AttrRecord) bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.propertyIndex.Range(func(k Key, rec *AttrRecord) bool {
		return visit(k.PropID, k.Val, *rec)
	})
}

// Restore rebuilds a Store's propertyIndex from checkpoint-decoded
// records, per spec.md §6 (blockType=1). Customer-property secondary
// indexing is not part of the wire format; it repopulates lazily as
// MarkDirty is called on subsequent writes.
func Restore(pool *mem.BucketPool, catalog *property.Catalog, capacity uint32, records []Record) *Store {
	s := New(pool, catalog, capacity)
	for _, r := range records {
		key := Key{PropID: r.PropID, Val: r.Val}
		s.propertyIndex.Set(key, &AttrRecord{
			Text:                  r.Text,
			UncompressedWordCount: r.UncompressedWordCount,
			CompBytes:             r.CompBytes,
			FirstSetBit:           r.FirstSetBit,
			FirstSetOffset:        r.FirstSetOffset,
			FirstSetLen:           r.FirstSetLen,
			CompressedBits:        r.CompressedBits,
		})
	}
	return s
}

// Record is the checkpoint-decoded form of one indexed slot, the shape
// internal/checkpoint hands to Restore without either package importing
// the other's wire-format types.
type Record struct {
	PropID                int32
	Val                   int64
	Text                  []byte
	UncompressedWordCount int32
	CompBytes             int32
	FirstSetBit           int64
	FirstSetOffset        int32
	FirstSetLen           int32
	CompressedBits        []byte
}

// StoreText stores a copy of str in the blob table keyed by
// (propId, hash(str)), returning the stable stored copy. Hash collisions
// with a different string re-hash by incrementing the key, per spec.md
// §4.F.
func (s *Store) StoreText(propID int32, str string) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	h := murmur3.Sum64([]byte(str))
	raw := []byte(str)
	for {
		key := blobKey{PropID: propID, Hash: h}
		existing, ok := s.blob.Get(key)
		if !ok {
			stored := append([]byte(nil), raw...)
			s.blob.Set(key, stored)
			return stored
		}
		if bytes.Equal(existing, raw) {
			return existing
		}
		h++
	}
}
