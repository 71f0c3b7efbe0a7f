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

// Package grid implements the per-customer working set of spec.md §4.G:
// decompress -> mutate -> recompress, ordered merge-insert, and the
// property bag.
package grid

import (
	"sort"

	"github.com/spaolacci/murmur3"
)

// Kind tags a Value's active variant. This is the "cvar" of spec.md §9,
// re-expressed as an explicit Go sum type instead of a C union with
// operator overloads.
type Kind int

const (
	KindNone Kind = iota
	KindBool
	KindI64
	KindF64
	KindText
	KindList
	KindSet
	KindDict
)

// Value is a dynamically typed scalar or container, used both in a
// customer's property bag and as an event row's field. Exactly one field
// is meaningful per Kind.
type Value struct {
	Kind Kind
	B    bool
	I    int64
	F    float64
	S    string
	List []Value
	Set  []Value
	Dict map[string]Value
}

// None, Bool, I64, F64, Text, NewList, NewSet, NewDict are the
// constructors replacing the original's implicit-conversion constructors.
func None() Value                      { return Value{Kind: KindNone} }
func Bool(b bool) Value                { return Value{Kind: KindBool, B: b} }
func I64(i int64) Value                { return Value{Kind: KindI64, I: i} }
func F64(f float64) Value              { return Value{Kind: KindF64, F: f} }
func Text(s string) Value              { return Value{Kind: KindText, S: s} }
func NewList(v []Value) Value          { return Value{Kind: KindList, List: v} }
func NewSet(v []Value) Value           { return Value{Kind: KindSet, Set: v} }
func NewDict(m map[string]Value) Value { return Value{Kind: KindDict, Dict: m} }

// IsContainer reports whether the value is List, Set, or Dict.
func (v Value) IsContainer() bool {
	return v.Kind == KindList || v.Kind == KindSet || v.Kind == KindDict
}

// Contains reports whether a Set or List value contains target, compared
// by Hash equality (scalar Values compare by value; containers compare
// structurally via their own Hash).
func (v Value) Contains(target Value) bool {
	var items []Value
	switch v.Kind {
	case KindSet:
		items = v.Set
	case KindList:
		items = v.List
	default:
		return false
	}
	h := target.Hash()
	for _, it := range items {
		if it.Hash() == h {
			return true
		}
	}
	return false
}

// Hash returns a stable 64-bit digest of the value. Spec.md §9 requires
// this to be preserved bit-for-bit across the tagged-union redesign since
// it backs the property-bag digest (hashPropsBag) that SetCustomerProps
// compares;
// a scalar's hash therefore folds in its Kind tag so differently-typed
// values with coincidentally equal bit patterns never collide.
func (v Value) Hash() uint64 {
	h := murmur3.New64()
	writeByte := func(b byte) { h.Write([]byte{b}) }
	writeU64 := func(u uint64) {
		var b [8]byte
		for i := 0; i < 8; i++ {
			b[i] = byte(u >> (8 * i))
		}
		h.Write(b[:])
	}
	writeByte(byte(v.Kind))
	switch v.Kind {
	case KindNone:
	case KindBool:
		if v.B {
			writeByte(1)
		} else {
			writeByte(0)
		}
	case KindI64:
		writeU64(uint64(v.I))
	case KindF64:
		writeU64(doubleBits(v.F))
	case KindText:
		h.Write([]byte(v.S))
	case KindList:
		for _, e := range v.List {
			writeU64(e.Hash())
		}
	case KindSet:
		// order-independent: sort the element hashes first so two sets
		// built in different insertion orders hash identically.
		hashes := make([]uint64, len(v.Set))
		for i, e := range v.Set {
			hashes[i] = e.Hash()
		}
		sort.Slice(hashes, func(i, j int) bool { return hashes[i] < hashes[j] })
		for _, hv := range hashes {
			writeU64(hv)
		}
	case KindDict:
		keys := make([]string, 0, len(v.Dict))
		for k := range v.Dict {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			h.Write([]byte(k))
			writeU64(v.Dict[k].Hash())
		}
	}
	return h.Sum64()
}

func doubleBits(f float64) uint64 {
	// scaled ×10000 per spec.md §3's double encoding, applied uniformly so
	// Hash matches the int64 representation stored on disk.
	return uint64(int64(f * 10000))
}

// ScaledInt converts a double property value to its stored int64
// representation (×10000), per spec.md §3.
func ScaledInt(f float64) int64 { return int64(f * 10000) }

// UnscaledFloat is ScaledInt's inverse.
func UnscaledFloat(i int64) float64 { return float64(i) / 10000 }

// IndexInt64 returns the int64 a Value is keyed by in the attribute
// index: the value itself for ints, the ×10000-scaled value for doubles,
// 0/1 for bools, and the 64-bit hash of the string for text, per
// spec.md §3.
func (v Value) IndexInt64() int64 {
	switch v.Kind {
	case KindBool:
		if v.B {
			return 1
		}
		return 0
	case KindI64:
		return v.I
	case KindF64:
		return ScaledInt(v.F)
	case KindText:
		return int64(murmur3.Sum64([]byte(v.S)))
	default:
		return 0
	}
}
