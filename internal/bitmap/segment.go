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

package bitmap

import "github.com/RoaringBitmap/roaring/v2"

// ToRoaring converts the bitmap to a roaring.Bitmap, used when the core
// needs to combine several live Bitmaps through an arbitrary AND/OR/NOT
// expression tree (segment evaluation, spec.md §7) rather than the fixed
// binary ops above.
func (b *Bitmap) ToRoaring() *roaring.Bitmap {
	rb := roaring.New()
	b.Each(func(i uint32) bool {
		rb.Add(i)
		return true
	})
	return rb
}

// FromRoaring builds a Bitmap from a roaring.Bitmap, the inverse of
// ToRoaring.
func FromRoaring(rb *roaring.Bitmap) *Bitmap {
	b := New()
	it := rb.Iterator()
	for it.HasNext() {
		b.BitSet(it.Next())
	}
	return b
}

// SegmentOp is one node of a segment expression tree (spec.md §7):
// AND/OR/ANDNOT combine two subexpressions, NOT negates one, and Leaf
// wraps a resident Bitmap.
type SegmentOp int

const (
	OpLeaf SegmentOp = iota
	OpAnd
	OpOr
	OpAndNot
	OpNot
)

// Segment is one node of a segment-evaluation expression tree.
type Segment struct {
	Op       SegmentOp
	Leaf     *Bitmap
	Children []*Segment
}

// Leaf builds a Segment wrapping a single resident Bitmap.
func Leaf(b *Bitmap) *Segment { return &Segment{Op: OpLeaf, Leaf: b} }

// And, Or, AndNot, Not build interior Segment nodes.
func And(a, b *Segment) *Segment    { return &Segment{Op: OpAnd, Children: []*Segment{a, b}} }
func Or(a, b *Segment) *Segment     { return &Segment{Op: OpOr, Children: []*Segment{a, b}} }
func AndNot(a, b *Segment) *Segment { return &Segment{Op: OpAndNot, Children: []*Segment{a, b}} }
func Not(a *Segment) *Segment       { return &Segment{Op: OpNot, Children: []*Segment{a}} }

// Evaluate walks the expression tree, converting each live Bitmap leaf to
// a roaring.Bitmap and combining through roaring's set algebra before
// converting the result back, per spec.md §7's segment-evaluation note.
func Evaluate(s *Segment) *Bitmap {
	return FromRoaring(evalRoaring(s))
}

func evalRoaring(s *Segment) *roaring.Bitmap {
	switch s.Op {
	case OpLeaf:
		return s.Leaf.ToRoaring()
	case OpAnd:
		return roaring.And(evalRoaring(s.Children[0]), evalRoaring(s.Children[1]))
	case OpOr:
		return roaring.Or(evalRoaring(s.Children[0]), evalRoaring(s.Children[1]))
	case OpAndNot:
		return roaring.AndNot(evalRoaring(s.Children[0]), evalRoaring(s.Children[1]))
	case OpNot:
		// NOT has no fixed universe in this representation; flip bits only
		// up to the operand's own resident span.
		rb := evalRoaring(s.Children[0])
		out := roaring.New()
		max := rb.Maximum()
		for i := uint32(0); i <= max; i++ {
			if !rb.Contains(i) {
				out.Add(i)
			}
		}
		return out
	default:
		return roaring.New()
	}
}
