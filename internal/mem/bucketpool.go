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

package mem

import (
	"math"
	"sync"
)

const numClasses = 33

// classHeap and classFreed are the sentinel "poolIndex" tags from
// spec.md §4.B, kept as an explicit struct field per the re-architecture
// note in spec.md §9 rather than a header byte aliased in front of a raw
// pointer.
const (
	classHeap  = -1
	classFreed = -2
)

// Buf is a handle to a pool- or heap-allocated byte buffer. Its Class
// field is the explicit "allocation header" the original keeps in the
// four bytes preceding the pointer.
type Buf struct {
	Data  []byte
	class int32
}

// BucketPool is a thread-safe small-object pool with 33 size classes,
// geometrically spaced across [16, 16384] bytes (spec.md §4.B). Allocations
// larger than the largest class escape directly to the heap.
type BucketPool struct {
	classSize [numClasses]int
	mu        [numClasses]sync.Mutex
	free      [numClasses][][]byte
}

// NewBucketPool builds the size-class table in [lo, hi] bytes.
func NewBucketPool(lo, hi int) *BucketPool {
	p := &BucketPool{}
	logLo, logHi := math.Log(float64(lo)), math.Log(float64(hi))
	for i := 0; i < numClasses; i++ {
		t := float64(i) / float64(numClasses-1)
		// geometric spacing behaves like the "roughly spaced by squares"
		// description in spec.md §4.B while guaranteeing class 0 == lo
		// and class numClasses-1 == hi exactly.
		size := int(math.Round(math.Exp(logLo + t*(logHi-logLo))))
		if i > 0 && size <= p.classSize[i-1] {
			size = p.classSize[i-1] + 1
		}
		p.classSize[i] = size
	}
	p.classSize[numClasses-1] = hi
	return p
}

// classFor returns the smallest class index whose size is >= n, or -1 if
// n exceeds the largest class (caller should heap-allocate).
func (p *BucketPool) classFor(n int) int {
	lo, hi := 0, numClasses-1
	if n > p.classSize[hi] {
		return -1
	}
	for lo < hi {
		mid := (lo + hi) / 2
		if p.classSize[mid] >= n {
			hi = mid
		} else {
			lo = mid + 1
		}
	}
	return lo
}

// GetPtr rounds size up to the smallest fitting class and pops from that
// class's free list, falling back to a direct heap allocation tagged
// classHeap when size exceeds every class.
func (p *BucketPool) GetPtr(size int) *Buf {
	class := p.classFor(size)
	if class < 0 {
		return &Buf{Data: make([]byte, size), class: classHeap}
	}
	p.mu[class].Lock()
	n := len(p.free[class])
	if n == 0 {
		p.mu[class].Unlock()
		return &Buf{Data: make([]byte, p.classSize[class])[:size], class: int32(class)}
	}
	buf := p.free[class][n-1]
	p.free[class] = p.free[class][:n-1]
	p.mu[class].Unlock()
	return &Buf{Data: buf[:size], class: int32(class)}
}

// FreePtr returns b to its class free list. Double-frees are silently
// ignored (the classFreed sentinel), matching spec.md §4.B's stated aid to
// debugging: a second call is a no-op rather than corrupting the list.
func (p *BucketPool) FreePtr(b *Buf) {
	if b == nil || b.class == classFreed {
		return
	}
	if b.class == classHeap {
		b.class = classFreed
		b.Data = nil
		return
	}
	class := int(b.class)
	full := cap(b.Data)
	if full < p.classSize[class] {
		full = p.classSize[class]
	}
	back := b.Data[:full:full]
	p.mu[class].Lock()
	p.free[class] = append(p.free[class], back)
	p.mu[class].Unlock()
	b.class = classFreed
	b.Data = nil
}
