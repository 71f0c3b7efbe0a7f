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

package attrstore

// IndexDiffing accumulates the (propId,val) pairs observed before and
// after a mutation (a Grid commit or a customer-property set), per
// spec.md §4.F. Apply calls MarkDirty only for entries whose presence
// flipped, so a row that is rewritten unchanged costs nothing.
type IndexDiffing struct {
	before map[Key]bool
	after  map[Key]bool
}

// NewIndexDiffing returns an empty diff accumulator.
func NewIndexDiffing() *IndexDiffing {
	return &IndexDiffing{before: make(map[Key]bool), after: make(map[Key]bool)}
}

// Before records that (propID,val) was present before the mutation.
func (d *IndexDiffing) Before(propID int32, val int64) {
	d.before[Key{PropID: propID, Val: val}] = true
}

// After records that (propID,val) is present after the mutation.
func (d *IndexDiffing) After(propID int32, val int64) {
	d.after[Key{PropID: propID, Val: val}] = true
}

// Apply marks newly-present entries set and newly-absent entries clear
// against store, for linearID.
func (d *IndexDiffing) Apply(store *Store, linearID int32) {
	for k := range d.after {
		if !d.before[k] {
			store.MarkDirty(linearID, k.PropID, k.Val, true)
		}
	}
	for k := range d.before {
		if !d.after[k] {
			store.MarkDirty(linearID, k.PropID, k.Val, false)
		}
	}
}
