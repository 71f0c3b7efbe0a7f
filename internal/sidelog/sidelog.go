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

// Package sidelog implements the transaction log of spec.md §4.I: an
// append-only list whose entries carry their (tableHash, partition), with
// per-reader cursors keyed by (tableId, partitionId) and min-cursor
// trimming. The
// live entries are kept in a btree ordered by append sequence rather
// than the original's intrusive linked list, so Read's "strictly after
// cursor" scan and Trim's "strictly before min cursor" sweep are both
// range queries instead of full walks.
package sidelog

import (
	"sync"
	"time"

	"github.com/google/btree"
)

// Entry is one appended transaction-log record, per spec.md §4.I.
type Entry struct {
	Seq       int64 // monotonic position; also the btree ordering key
	Stamp     int64
	TableHash int64
	Partition int32
	JSON      []byte
}

func entryLess(a, b *Entry) bool { return a.Seq < b.Seq }

// ReaderKey identifies one cursor: insert workers and replication each
// track their own position per (tableId, partitionId).
type ReaderKey struct {
	TableID   int64
	Partition int32
}

// SoftMinRetention is the floor below which trimming never removes
// entries, even if every cursor has passed them, per spec.md §4.I.
const SoftMinRetention = 1000

// TrimInterval bounds how often Trim actually does work when called
// opportunistically from a partition's yield points.
const TrimInterval = 60 * time.Second

// Log is one SideLog. Nothing limits how many exist: partition.New builds
// one for each partition.
type Log struct {
	mu       sync.Mutex
	entries  *btree.BTreeG[*Entry]
	cursors  map[ReaderKey]int64 // last consumed Seq; 0 means "start" (never consumed)
	nextSeq  int64
	count    int
	lastTrim time.Time

	minRetention int
	trimInterval time.Duration
}

// New builds an empty SideLog using the package defaults
// (SoftMinRetention, TrimInterval).
func New() *Log {
	return NewWithConfig(SoftMinRetention, TrimInterval)
}

// NewWithConfig builds an empty SideLog with retention/cadence pulled from
// config.Config's SideLogMinRetention/SideLogTrimInterval, per SPEC_FULL.md
// §6: the original (src/sidelog.h) treats these as file-scope consts, but
// since it already exposes them as tunables rather than magic numbers we
// thread them through config instead of hardcoding.
func NewWithConfig(minRetention int, trimInterval time.Duration) *Log {
	return &Log{
		entries:      btree.NewG(32, entryLess),
		cursors:      make(map[ReaderKey]int64),
		minRetention: minRetention,
		trimInterval: trimInterval,
	}
}

// Append adds one entry for (tableHash,partition) and returns its Seq.
// Durability for the caller is "this call returned", per spec.md §6's
// submitInsert contract.
func (l *Log) Append(stamp, tableHash int64, partition int32, json []byte) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextSeq++
	seq := l.nextSeq
	l.entries.ReplaceOrInsert(&Entry{Seq: seq, Stamp: stamp, TableHash: tableHash, Partition: partition, JSON: json})
	l.count++
	return seq
}

// Read returns up to limit entries strictly after reader's cursor and
// advances it. Entries are always returned in append order and a cursor
// never sees the same entry twice.
func (l *Log) Read(reader ReaderKey, limit int) []*Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	cursor := l.cursors[reader]

	out := make([]*Entry, 0, limit)
	l.entries.AscendGreaterOrEqual(&Entry{Seq: cursor + 1}, func(e *Entry) bool {
		if len(out) >= limit {
			return false
		}
		out = append(out, e)
		cursor = e.Seq
		return true
	})
	l.cursors[reader] = cursor
	return out
}

// RegisterReader ensures reader has a cursor (defaulting to "start") so
// it participates in the minimum-cursor computation even before its
// first Read.
func (l *Log) RegisterReader(reader ReaderKey) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.cursors[reader]; !ok {
		l.cursors[reader] = 0
	}
}

// minCursor returns the minimum Seq across all registered readers, or
// the current head Seq if there are no readers (nothing to protect).
func (l *Log) minCursor() int64 {
	min := l.nextSeq
	for _, c := range l.cursors {
		if c < min {
			min = c
		}
	}
	return min
}

// Trim runs at most once per the log's trim interval (TrimInterval by
// default): entries strictly before the minimum referenced cursor, and
// beyond the log's minimum retention (SoftMinRetention by default) from
// the head, are freed. Returns the number of entries removed.
func (l *Log) Trim(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.lastTrim.IsZero() && now.Sub(l.lastTrim) < l.trimInterval {
		return 0
	}
	l.lastTrim = now

	min := l.minCursor()
	removable := l.count - l.minRetention
	if removable <= 0 {
		return 0
	}

	var toRemove []*Entry
	l.entries.Ascend(func(e *Entry) bool {
		if len(toRemove) >= removable || e.Seq >= min {
			return false
		}
		toRemove = append(toRemove, e)
		return true
	})
	for _, e := range toRemove {
		l.entries.Delete(e)
		l.count--
	}
	return len(toRemove)
}

// Len reports the number of live entries, the size metric surfaced for
// insert-dispatch backpressure per spec.md §5.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count
}

// Checkpoint serializes every live entry in append order.
func (l *Log) Checkpoint() []*Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*Entry, 0, l.count)
	l.entries.Ascend(func(e *Entry) bool {
		out = append(out, e)
		return true
	})
	return out
}

// Restore rebuilds the log from a checkpoint's entries. Per spec.md
// §4.I, every reader cursor resets to the head so replay covers the
// entire preserved range.
func Restore(entries []*Entry) *Log {
	return RestoreWithConfig(entries, SoftMinRetention, TrimInterval)
}

// RestoreWithConfig is Restore with an explicit retention/cadence, used
// when the owning partition carries a non-default config.Config.
func RestoreWithConfig(entries []*Entry, minRetention int, trimInterval time.Duration) *Log {
	l := NewWithConfig(minRetention, trimInterval)
	for _, e := range entries {
		l.entries.ReplaceOrInsert(e)
		l.count++
		if e.Seq > l.nextSeq {
			l.nextSeq = e.Seq
		}
	}
	return l
}
