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

package property

import (
	"sort"
	"strconv"
	"strings"
)

// Map is an immutable, shared, refcounted projection of the global
// Catalog into a local dense index, per spec.md §3's PropertyMap. Two
// Maps built from the same set of property ids are structurally
// interchangeable; Mapping deduplicates them by that set's hash.
type Map struct {
	ids  []int32 // local index -> property id, ascending
	byID map[int32]int
	hash uint64
	refs int
	full bool
}

// Len returns the number of properties this map projects.
func (m *Map) Len() int { return len(m.ids) }

// LocalIndex returns the dense local column for a property id.
func (m *Map) LocalIndex(id int32) (int, bool) {
	i, ok := m.byID[id]
	return i, ok
}

// PropertyID returns the property id at local index i.
func (m *Map) PropertyID(i int) int32 { return m.ids[i] }

// Full reports whether this is the catalog's full-schema projection.
func (m *Map) Full() bool { return m.full }

func newMap(ids []int32, full bool) *Map {
	sorted := append([]int32(nil), ids...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	m := &Map{ids: sorted, byID: make(map[int32]int, len(sorted)), full: full}
	var key strings.Builder
	for i, id := range sorted {
		m.byID[id] = i
		key.WriteString(strconv.FormatInt(int64(id), 10))
		key.WriteByte(',')
	}
	m.hash = stringHash(key.String())
	return m
}

// Mapping is the per-catalog registry of live PropertyMaps: one full-schema
// map plus arbitrary subsets keyed by their property-id-set hash, per
// spec.md §4.G's mapSchema and §8's refcount property.
type Mapping struct {
	catalog *Catalog
	full    *Map
	subsets map[uint64]*Map
}

// NewMapping builds a Mapping bound to catalog.
func NewMapping(catalog *Catalog) *Mapping {
	return &Mapping{catalog: catalog, subsets: make(map[uint64]*Map)}
}

// AcquireFull returns the full-schema PropertyMap, covering every
// currently-registered, non-deleted property, incrementing its refcount.
func (pm *Mapping) AcquireFull() *Map {
	ids := pm.liveIDs()
	if pm.full == nil || !sameIDSet(pm.full.ids, ids) {
		pm.full = newMap(ids, true)
	}
	pm.full.refs++
	return pm.full
}

// AcquireSubset returns a PropertyMap over exactly the given property
// names, resolving each through the catalog. Unknown names are skipped
// (schema errors are the caller's concern via a prior Lookup). Built maps
// are cached by their id-set hash and their refcount is incremented;
// repeated Acquire/Release of the same set converges to zero extra
// entries beyond the full-schema map (spec.md §8, property 4).
func (pm *Mapping) AcquireSubset(names []string) *Map {
	if len(names) == 0 {
		return pm.AcquireFull()
	}
	ids := make([]int32, 0, len(names))
	for _, n := range names {
		if p, ok := pm.catalog.Lookup(n); ok && !p.Deleted {
			ids = append(ids, p.ID)
		}
	}
	probe := newMap(ids, false)
	if existing, ok := pm.subsets[probe.hash]; ok {
		existing.refs++
		return existing
	}
	probe.refs = 1
	pm.subsets[probe.hash] = probe
	return probe
}

// Release decrements m's refcount, evicting subset maps that drop to
// zero. The full-schema map is never evicted.
func (pm *Mapping) Release(m *Map) {
	if m == nil || m.full {
		if m != nil && m.refs > 0 {
			m.refs--
		}
		return
	}
	m.refs--
	if m.refs <= 0 {
		delete(pm.subsets, m.hash)
	}
}

// Len reports how many non-full maps are currently live, for spec.md §8
// property 4 ("leaves the PropertyMapping with zero entries besides the
// full-schema map").
func (pm *Mapping) Len() int { return len(pm.subsets) }

func (pm *Mapping) liveIDs() []int32 {
	var ids []int32
	pm.catalog.mu.Lock()
	for id, p := range pm.catalog.byID {
		if p.Name != "" && !p.Deleted {
			ids = append(ids, int32(id))
		}
	}
	pm.catalog.mu.Unlock()
	return ids
}

func sameIDSet(a, b []int32) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
