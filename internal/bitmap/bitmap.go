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

// Package bitmap implements the word-array bitset of spec.md §4.E: an
// ordered set of non-negative integers (customer linear-ids), physically
// an array of 64-bit words, LZ4-compressed at rest with a skip header
// that lets a mount avoid materializing leading all-zero words.
package bitmap

import (
	"encoding/binary"
	"math/bits"

	"github.com/pierrec/lz4/v4"
	"github.com/pkg/errors"

	"github.com/opensetdb/core/internal/mem"
)

// rawMarker / lz4Marker prefix the stored byte stream so Mount knows
// whether the payload needed LZ4 at all: pierrec/lz4's block compressor
// returns a zero-length result for inputs too short to benefit, and the
// stored form must round-trip regardless.
const (
	rawMarker byte = 0
	lz4Marker byte = 1
)

// Bitmap is a mutable, resident bitset over non-negative integer
// positions (linear-ids).
type Bitmap struct {
	words []uint64
}

// New returns an empty Bitmap.
func New() *Bitmap { return &Bitmap{} }

func (b *Bitmap) growTo(wordLen int) {
	if wordLen <= len(b.words) {
		return
	}
	grown := make([]uint64, wordLen)
	copy(grown, b.words)
	b.words = grown
}

// BitSet sets bit i.
func (b *Bitmap) BitSet(i uint32) {
	w := int(i / 64)
	b.growTo(w + 1)
	b.words[w] |= 1 << (i % 64)
}

// BitClear clears bit i.
func (b *Bitmap) BitClear(i uint32) {
	w := int(i / 64)
	if w >= len(b.words) {
		return
	}
	b.words[w] &^= 1 << (i % 64)
}

// Test reports whether bit i is set.
func (b *Bitmap) Test(i uint32) bool {
	w := int(i / 64)
	if w >= len(b.words) {
		return false
	}
	return b.words[w]&(1<<(i%64)) != 0
}

// Each visits every set bit in ascending order, stopping early if visit
// returns false. Used by ToRoaring and by partition.IterateCustomers to
// walk a segment Bitmap's linear-ids, per spec.md §6.
func (b *Bitmap) Each(visit func(i uint32) bool) {
	for w, word := range b.words {
		for word != 0 {
			bit := bits.TrailingZeros64(word)
			if !visit(uint32(w*64 + bit)) {
				return
			}
			word &^= 1 << uint(bit)
		}
	}
}

// Population returns the number of set bits.
func (b *Bitmap) Population() int {
	n := 0
	for _, w := range b.words {
		n += bits.OnesCount64(w)
	}
	return n
}

// OpCopy replaces the receiver's contents with other's.
func (b *Bitmap) OpCopy(other *Bitmap) {
	b.words = append(b.words[:0], other.words...)
}

// OpAnd intersects the receiver with other, in place. Per spec.md §4.E,
// binary ops operate word-wise up to the shorter of the two logical
// lengths; any position beyond other's length is logically ANDed with an
// implicit zero, so it is cleared.
func (b *Bitmap) OpAnd(other *Bitmap) {
	if len(b.words) < len(other.words) {
		b.growTo(len(other.words))
	}
	m := len(other.words)
	for i := 0; i < len(b.words); i++ {
		if i < m {
			b.words[i] &= other.words[i]
		} else {
			b.words[i] = 0
		}
	}
}

// OpOr unions the receiver with other, in place, extending the receiver
// with zeros first if it is shorter.
func (b *Bitmap) OpOr(other *Bitmap) {
	b.growTo(len(other.words))
	for i, w := range other.words {
		b.words[i] |= w
	}
}

// OpAndNot clears from the receiver every bit set in other, in place.
// Positions beyond other's length are untouched (ANDNOT with an implicit
// zero is a no-op).
func (b *Bitmap) OpAndNot(other *Bitmap) {
	m := len(other.words)
	if m > len(b.words) {
		m = len(b.words)
	}
	for i := 0; i < m; i++ {
		b.words[i] &^= other.words[i]
	}
}

// OpNot complements every word the receiver currently holds. The
// complement is over the receiver's own resident word span -- there is no
// fixed universe size in this representation.
func (b *Bitmap) OpNot() {
	for i := range b.words {
		b.words[i] = ^b.words[i]
	}
}

// skipHeader finds the first and last nonzero words, returning the bit
// position of the very first set bit, the word offset to skip to, and the
// number of words from there through the last nonzero word.
func skipHeader(words []uint64) (firstSetBit int64, offset, length int32) {
	first, last := -1, -1
	for i, w := range words {
		if w != 0 {
			if first < 0 {
				first = i
			}
			last = i
		}
	}
	if first < 0 {
		return -1, 0, 0
	}
	return int64(first)*64 + int64(bits.TrailingZeros64(words[first])), int32(first), int32(last - first + 1)
}

// StoreResult is the compressed-at-rest form of a Bitmap, matching the
// AttrRecord fields of spec.md §3.
type StoreResult struct {
	Buffer                *mem.Buf
	CompressedBytes       int32
	UncompressedWordCount int32
	FirstSetBit           int64
	FirstSetOffset        int32
	FirstSetLen           int32
}

func wordsToBytes(words []uint64) []byte {
	out := make([]byte, len(words)*8)
	for i, w := range words {
		binary.LittleEndian.PutUint64(out[i*8:], w)
	}
	return out
}

func bytesToWords(buf []byte) []uint64 {
	out := make([]uint64, len(buf)/8)
	for i := range out {
		out[i] = binary.LittleEndian.Uint64(buf[i*8:])
	}
	return out
}

// Store compresses the bitmap into a BucketPool-rented buffer and
// recomputes the firstSet* skip header, matching spec.md §4.E.
func (b *Bitmap) Store(pool *mem.BucketPool) StoreResult {
	firstSetBit, offset, length := skipHeader(b.words)
	if length == 0 {
		return StoreResult{
			Buffer:                pool.GetPtr(1),
			CompressedBytes:       0,
			UncompressedWordCount: int32(len(b.words)),
			FirstSetBit:           -1,
		}
	}
	payload := wordsToBytes(b.words[offset : offset+length])
	bound := lz4.CompressBlockBound(len(payload))
	buf := pool.GetPtr(bound + 1)
	var c lz4.Compressor
	n, err := c.CompressBlock(payload, buf.Data[1:])
	if err != nil || n == 0 {
		// incompressible or too short for LZ4's block format; store raw.
		buf = pool.GetPtr(len(payload) + 1)
		buf.Data[0] = rawMarker
		copy(buf.Data[1:], payload)
		return StoreResult{
			Buffer:                buf,
			CompressedBytes:       int32(len(buf.Data)),
			UncompressedWordCount: int32(len(b.words)),
			FirstSetBit:           firstSetBit,
			FirstSetOffset:        offset,
			FirstSetLen:           length,
		}
	}
	buf.Data[0] = lz4Marker
	buf.Data = buf.Data[:n+1]
	return StoreResult{
		Buffer:                buf,
		CompressedBytes:       int32(len(buf.Data)),
		UncompressedWordCount: int32(len(b.words)),
		FirstSetBit:           firstSetBit,
		FirstSetOffset:        offset,
		FirstSetLen:           length,
	}
}

// Mount is Store's inverse: it reconstructs a Bitmap of
// uncompressedWordCount words, zero everywhere except the decompressed
// payload at [firstSetOffset, firstSetOffset+firstSetLen).
func Mount(compressed []byte, uncompressedWordCount int32, firstSetOffset, firstSetLen int32) (*Bitmap, error) {
	words := make([]uint64, uncompressedWordCount)
	if firstSetLen == 0 {
		return &Bitmap{words: words}, nil
	}
	if len(compressed) == 0 {
		return nil, errors.New("bitmap: empty compressed payload for nonzero firstSetLen")
	}
	marker := compressed[0]
	body := compressed[1:]
	payloadLen := int(firstSetLen) * 8
	var payload []byte
	switch marker {
	case rawMarker:
		if len(body) != payloadLen {
			return nil, errors.Errorf("bitmap: raw payload length mismatch: got %d want %d", len(body), payloadLen)
		}
		payload = body
	case lz4Marker:
		payload = make([]byte, payloadLen)
		n, err := lz4.UncompressBlock(body, payload)
		if err != nil {
			return nil, errors.Wrap(err, "bitmap: lz4 decompress")
		}
		if n != payloadLen {
			return nil, errors.Errorf("bitmap: decompressed length mismatch: got %d want %d", n, payloadLen)
		}
	default:
		return nil, errors.Errorf("bitmap: unknown storage marker %d", marker)
	}
	decoded := bytesToWords(payload)
	copy(words[firstSetOffset:], decoded)
	return &Bitmap{words: words}, nil
}
