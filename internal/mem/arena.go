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

// Package mem is the allocator stack every other subsystem rents memory
// from: a pooled block arena (bump allocator, spec.md §4.A) and a
// size-bucketed small-object pool (spec.md §4.B). Arena is move-only in
// spirit -- callers should pass it by pointer and never copy a live one.
package mem

import (
	"sync"

	mmap "github.com/edsrzf/mmap-go"
	"go.uber.org/zap"
)

// block is one contiguous allocation unit. It is backed by an anonymous
// mmap region when the platform supports it (so Arena.Flatten can hand
// back page-aligned memory cheaply); on mmap failure it falls back to a
// plain heap slice, logged once.
type block struct {
	mm     mmap.MMap
	buf    []byte
	cursor int32
}

var mmapWarnOnce sync.Once

func newBlock(size int, log *zap.Logger) *block {
	m, err := mmap.MapRegion(nil, size, mmap.RDWR, mmap.ANON, 0)
	if err != nil {
		if log != nil {
			mmapWarnOnce.Do(func() {
				log.Warn("mem: mmap block allocation failed, falling back to heap", zap.Error(err), zap.Int("size", size))
			})
		}
		return &block{buf: make([]byte, size)}
	}
	return &block{mm: m, buf: []byte(m)}
}

func (b *block) release() {
	if b.mm != nil {
		_ = b.mm.Unmap()
		b.mm = nil
	}
	b.buf = nil
}

func (b *block) reset() { b.cursor = 0 }

// blockPool is the process-wide, capacity-bounded free pool of blocks that
// every Arena returns retired blocks to and borrows fresh ones from. The
// critical section on each operation is a slice pop/push, matching the
// "2-3 instruction spinlock" shape described in spec.md §5; we use a
// sync.Mutex, the idiomatic Go equivalent for a critical section this
// short.
type blockPool struct {
	mu        sync.Mutex
	free      []*block
	maxFree   int
	blockSize int
	log       *zap.Logger
}

// NewBlockPool constructs a shared pool. One instance is typically shared
// by every partition's Arena in a process.
func NewBlockPool(blockSize, maxFree int, log *zap.Logger) *BlockPool {
	return &BlockPool{p: &blockPool{maxFree: maxFree, blockSize: blockSize, log: log}}
}

// BlockPool is the public handle to a shared block free-list.
type BlockPool struct{ p *blockPool }

func (bp *BlockPool) get() *block {
	bp.p.mu.Lock()
	if n := len(bp.p.free); n > 0 {
		b := bp.p.free[n-1]
		bp.p.free = bp.p.free[:n-1]
		bp.p.mu.Unlock()
		b.reset()
		return b
	}
	bp.p.mu.Unlock()
	return newBlock(bp.p.blockSize, bp.p.log)
}

func (bp *BlockPool) put(b *block) {
	bp.p.mu.Lock()
	defer bp.p.mu.Unlock()
	if len(bp.p.free) >= bp.p.maxFree {
		b.release()
		return
	}
	bp.p.free = append(bp.p.free, b)
}

// Arena is an append-only bump allocator over a chain of blocks borrowed
// from a BlockPool. It is not safe for concurrent use -- each partition
// (or the single-threaded cell it is currently servicing) owns one.
type Arena struct {
	pool      *BlockPool
	blockSize int
	blocks    []*block
	// nonpooled holds allocations that escaped to direct heap because they
	// exceeded a single block's payload (spec.md §4.A "nonpooled, tagged").
	nonpooled [][]byte
}

// NewArena creates an arena renting blocks from pool.
func NewArena(pool *BlockPool) *Arena {
	return &Arena{pool: pool, blockSize: pool.p.blockSize}
}

// NewPtr returns a fresh, zero-on-allocate buffer of size bytes. Large
// allocations (bigger than a block) escape directly to the heap and are
// tracked as nonpooled so Reset/Flatten still see them.
func (a *Arena) NewPtr(size int) []byte {
	if size <= 0 {
		return nil
	}
	if size > a.blockSize {
		buf := make([]byte, size)
		a.nonpooled = append(a.nonpooled, buf)
		return buf
	}
	if len(a.blocks) == 0 || int(a.blocks[len(a.blocks)-1].cursor)+size > len(a.blocks[len(a.blocks)-1].buf) {
		a.blocks = append(a.blocks, a.pool.get())
	}
	cur := a.blocks[len(a.blocks)-1]
	start := cur.cursor
	cur.cursor += int32(size)
	buf := cur.buf[start:cur.cursor]
	for i := range buf {
		buf[i] = 0
	}
	return buf
}

// Reset returns all but the first block to the pool and rewinds the first
// block's cursor to zero, matching spec.md §4.A.
func (a *Arena) Reset() {
	a.nonpooled = nil
	if len(a.blocks) == 0 {
		return
	}
	for _, b := range a.blocks[1:] {
		a.pool.put(b)
	}
	a.blocks[0].reset()
	a.blocks = a.blocks[:1]
}

// Flatten copies every live block's used bytes, in block order, followed
// by every nonpooled allocation, into a single contiguous buffer. The caller owns the result; it
// is plain heap memory (no pooled release is required in the Go port,
// unlike the C++ releaseFlatPtr counterpart named in spec.md §4.A).
func (a *Arena) Flatten() []byte {
	total := 0
	for _, b := range a.blocks {
		total += int(b.cursor)
	}
	for _, n := range a.nonpooled {
		total += len(n)
	}
	out := make([]byte, 0, total)
	for _, b := range a.blocks {
		out = append(out, b.buf[:b.cursor]...)
	}
	for _, n := range a.nonpooled {
		out = append(out, n...)
	}
	return out
}

// Release returns every block this arena holds to its pool. Call when the
// arena itself is being discarded, not merely reset for reuse.
func (a *Arena) Release() {
	for _, b := range a.blocks {
		a.pool.put(b)
	}
	a.blocks = nil
	a.nonpooled = nil
}
