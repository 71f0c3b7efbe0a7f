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

// Package checkpoint implements the little-endian, block-typed partition
// snapshot format of spec.md §6: an ATTRIBUTES block, a PEOPLE block, and
// an optional SIDELOG block written/read in that order.
package checkpoint

import (
	"bytes"
	"encoding/binary"
	"io"
	"os"
	"time"

	"github.com/gofrs/flock"
	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"

	"github.com/opensetdb/core/internal/attrstore"
	"github.com/opensetdb/core/internal/customer"
	"github.com/opensetdb/core/internal/mem"
	"github.com/opensetdb/core/internal/property"
	"github.com/opensetdb/core/internal/ringmap"
	"github.com/opensetdb/core/internal/sidelog"
)

// Block type tags, per spec.md §6.
const (
	blockAttributes = 1
	blockPeople     = 2
	blockSideLog    = 3
)

var errTruncated = errors.New("checkpoint: truncated section")

// AttributeRecord is one (propId,val) slot as it appears on the wire,
// mirroring attrstore.AttrRecord plus the Key it was stored at.
type AttributeRecord struct {
	PropID                int32
	ValueHash             int64
	UncompressedWordCount int32
	Text                  []byte
	CompBytes             int32
	FirstSetBit           int64
	FirstSetOffset        int32
	FirstSetLen           int32
	CompressedBits        []byte
}

// PeopleRecord is one CustomerRecord as it appears on the wire. Props is
// not part of the wire format (spec.md §6 calls it a "ptr-placeholder,
// ignored on read"), matching customer.Record's own in-memory-only Props
// field.
type PeopleRecord struct {
	HashedID         int64
	LinearID         int32
	RawBytes         int32
	CompBytes        int32
	UID              string
	CompressedEvents []byte
}

// Snapshot is the decoded form of one checkpoint, independent of the
// in-memory Store/Table/Log types that produce or consume it.
type Snapshot struct {
	Attributes []AttributeRecord
	People     []PeopleRecord
	SideLog    []*sidelog.Entry // nil if the block was omitted
}

// Write serializes a partition's state to w, in ATTRIBUTES, PEOPLE,
// SIDELOG block order. log may be nil to omit the optional SIDELOG block.
func Write(w io.Writer, attrs *attrstore.Store, people *customer.Table, log *sidelog.Log) error {
	if err := attrs.FlushAll(); err != nil {
		return errors.Wrap(err, "checkpoint: flush attribute store")
	}

	if err := writeAttributesBlock(w, attrs); err != nil {
		return err
	}
	if err := writePeopleBlock(w, people); err != nil {
		return err
	}
	if log != nil {
		if err := writeSideLogBlock(w, log); err != nil {
			return err
		}
	}
	return nil
}

func writeAttributesBlock(w io.Writer, attrs *attrstore.Store) error {
	var body bytes.Buffer
	var count int64
	attrs.Range(func(propID int32, val int64, rec attrstore.AttrRecord) bool {
		count++
		writeI32(&body, propID)
		writeI64(&body, val)
		writeI32(&body, rec.UncompressedWordCount)
		writeI32(&body, int32(len(rec.Text)))
		writeI32(&body, rec.CompBytes)
		writeI64(&body, rec.FirstSetBit)
		writeI32(&body, rec.FirstSetOffset)
		writeI32(&body, rec.FirstSetLen)
		body.Write(rec.Text)
		body.Write(rec.CompressedBits[:rec.CompBytes])
		return true
	})
	_ = count // section length is the body's byte length, not the record count

	if err := writeU64(w, blockAttributes); err != nil {
		return err
	}
	if err := writeI64(w, int64(body.Len())); err != nil {
		return err
	}
	_, err := w.Write(body.Bytes())
	return err
}

func writePeopleBlock(w io.Writer, people *customer.Table) error {
	var body bytes.Buffer
	people.Range(func(rec *customer.Record) bool {
		writeI64(&body, rec.HashedID)
		writeI32(&body, rec.LinearID)
		writeI32(&body, rec.RawBytes)
		writeI32(&body, int32(len(rec.CompressedEvents)))
		writeI16(&body, int16(len(rec.UID)))
		writeI64(&body, 0) // ptr-placeholder, ignored on read
		body.WriteString(rec.UID)
		body.Write(rec.CompressedEvents)
		return true
	})

	if err := writeU64(w, blockPeople); err != nil {
		return err
	}
	if err := writeI64(w, int64(body.Len())); err != nil {
		return err
	}
	_, err := w.Write(body.Bytes())
	return err
}

// writeSideLogBlock zstd-frames the JSON payloads: spec.md's SPEC_FULL
// domain-stack wiring uses klauspost/compress/zstd for this bulk/cold
// block, distinct from the hot-path LZ4 used by Bitmap/Grid.
func writeSideLogBlock(w io.Writer, log *sidelog.Log) error {
	entries := log.Checkpoint()

	var raw bytes.Buffer
	writeI64(&raw, int64(len(entries)))
	for _, e := range entries {
		writeI64(&raw, e.Stamp)
		writeI64(&raw, e.TableHash)
		writeI32(&raw, e.Partition)
		writeI32(&raw, int32(len(e.JSON)))
		raw.Write(e.JSON)
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return errors.Wrap(err, "checkpoint: zstd writer")
	}
	compressed := enc.EncodeAll(raw.Bytes(), nil)
	_ = enc.Close()

	if err := writeU64(w, blockSideLog); err != nil {
		return err
	}
	if err := writeI64(w, int64(len(compressed))); err != nil {
		return err
	}
	_, err = w.Write(compressed)
	return err
}

// WriteFile writes a checkpoint to path under an advisory file lock, so
// two processes (a live partition and, e.g., a backup job) never interleave
// writes to the same checkpoint file. The lock is released when the write
// completes or fails.
func WriteFile(path string, attrs *attrstore.Store, people *customer.Table, log *sidelog.Log) error {
	lock := flock.New(path + ".lock")
	if err := lock.Lock(); err != nil {
		return errors.Wrap(err, "checkpoint: acquire write lock")
	}
	defer lock.Unlock()

	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "checkpoint: create file")
	}
	defer f.Close()

	if err := Write(f, attrs, people, log); err != nil {
		return err
	}
	return f.Sync()
}

// ReadFile reads a checkpoint previously written by WriteFile/Write.
func ReadFile(path string) (*Snapshot, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "checkpoint: open file")
	}
	defer f.Close()
	return Read(f)
}

// Read deserializes a checkpoint written by Write. The SIDELOG field of
// the returned Snapshot is nil if that block was not present.
func Read(r io.Reader) (*Snapshot, error) {
	snap := &Snapshot{}

	blockType, err := readU64(r)
	if err != nil {
		return nil, err
	}
	if blockType != blockAttributes {
		return nil, errors.Errorf("checkpoint: expected ATTRIBUTES block, got %d", blockType)
	}
	attrs, err := readAttributesBlock(r)
	if err != nil {
		return nil, err
	}
	snap.Attributes = attrs

	blockType, err = readU64(r)
	if err != nil {
		return nil, err
	}
	if blockType != blockPeople {
		return nil, errors.Errorf("checkpoint: expected PEOPLE block, got %d", blockType)
	}
	people, err := readPeopleBlock(r)
	if err != nil {
		return nil, err
	}
	snap.People = people

	blockType, err = readU64(r)
	if err == io.EOF {
		return snap, nil
	}
	if err != nil {
		return nil, err
	}
	if blockType != blockSideLog {
		return nil, errors.Errorf("checkpoint: expected SIDELOG block, got %d", blockType)
	}
	entries, err := readSideLogBlock(r)
	if err != nil {
		return nil, err
	}
	snap.SideLog = entries
	return snap, nil
}

// Restore rebuilds a partition's AttributeStore, CustomerTable, and
// (if present) SideLog from a decoded Snapshot. sideLogMinRetention and
// sideLogTrimInterval carry the owning partition's config.Config values
// forward across the checkpoint boundary, rather than resetting a
// restored SideLog to the package defaults.
func Restore(snap *Snapshot, pool *mem.BucketPool, catalog *property.Catalog, attrCapacity uint32, customerProfile ringmap.Profile, sideLogMinRetention int, sideLogTrimInterval time.Duration) (*attrstore.Store, *customer.Table, *sidelog.Log) {
	attrRecords := make([]attrstore.Record, len(snap.Attributes))
	for i, a := range snap.Attributes {
		attrRecords[i] = attrstore.Record{
			PropID:                a.PropID,
			Val:                   a.ValueHash,
			Text:                  a.Text,
			UncompressedWordCount: a.UncompressedWordCount,
			CompBytes:             a.CompBytes,
			FirstSetBit:           a.FirstSetBit,
			FirstSetOffset:        a.FirstSetOffset,
			FirstSetLen:           a.FirstSetLen,
			CompressedBits:        a.CompressedBits,
		}
	}
	attrs := attrstore.Restore(pool, catalog, attrCapacity, attrRecords)

	peopleRecords := make([]customer.RestoreRecord, len(snap.People))
	for i, p := range snap.People {
		peopleRecords[i] = customer.RestoreRecord{
			HashedID:         p.HashedID,
			LinearID:         p.LinearID,
			RawBytes:         p.RawBytes,
			CompBytes:        p.CompBytes,
			UID:              p.UID,
			CompressedEvents: p.CompressedEvents,
		}
	}
	people := customer.Restore(customerProfile, peopleRecords)

	var log *sidelog.Log
	if snap.SideLog != nil {
		log = sidelog.RestoreWithConfig(snap.SideLog, sideLogMinRetention, sideLogTrimInterval)
	}
	return attrs, people, log
}

func readAttributesBlock(r io.Reader) ([]AttributeRecord, error) {
	sectionLen, err := readI64(r)
	if err != nil {
		return nil, err
	}
	body := io.LimitReader(r, sectionLen)

	var out []AttributeRecord
	for {
		propID, err := readI32(body)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		val, err := readI64(body)
		if err != nil {
			return nil, err
		}
		words, err := readI32(body)
		if err != nil {
			return nil, err
		}
		textLen, err := readI32(body)
		if err != nil {
			return nil, err
		}
		compBytes, err := readI32(body)
		if err != nil {
			return nil, err
		}
		firstSetBit, err := readI64(body)
		if err != nil {
			return nil, err
		}
		firstSetOffset, err := readI32(body)
		if err != nil {
			return nil, err
		}
		firstSetLen, err := readI32(body)
		if err != nil {
			return nil, err
		}
		text := make([]byte, textLen)
		if _, err := io.ReadFull(body, text); err != nil {
			return nil, errors.Wrap(errTruncated, err.Error())
		}
		bits := make([]byte, compBytes)
		if _, err := io.ReadFull(body, bits); err != nil {
			return nil, errors.Wrap(errTruncated, err.Error())
		}
		out = append(out, AttributeRecord{
			PropID:                propID,
			ValueHash:             val,
			UncompressedWordCount: words,
			Text:                  text,
			CompBytes:             compBytes,
			FirstSetBit:           firstSetBit,
			FirstSetOffset:        firstSetOffset,
			FirstSetLen:           firstSetLen,
			CompressedBits:        bits,
		})
	}
	return out, nil
}

func readPeopleBlock(r io.Reader) ([]PeopleRecord, error) {
	sectionLen, err := readI64(r)
	if err != nil {
		return nil, err
	}
	body := io.LimitReader(r, sectionLen)

	var out []PeopleRecord
	for {
		hashedID, err := readI64(body)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		linearID, err := readI32(body)
		if err != nil {
			return nil, err
		}
		rawBytes, err := readI32(body)
		if err != nil {
			return nil, err
		}
		compBytes, err := readI32(body)
		if err != nil {
			return nil, err
		}
		idBytes, err := readI16(body)
		if err != nil {
			return nil, err
		}
		if _, err := readI64(body); err != nil { // ptr-placeholder, ignored
			return nil, err
		}
		uid := make([]byte, idBytes)
		if _, err := io.ReadFull(body, uid); err != nil {
			return nil, errors.Wrap(errTruncated, err.Error())
		}
		events := make([]byte, compBytes)
		if _, err := io.ReadFull(body, events); err != nil {
			return nil, errors.Wrap(errTruncated, err.Error())
		}
		out = append(out, PeopleRecord{
			HashedID:         hashedID,
			LinearID:         linearID,
			RawBytes:         rawBytes,
			CompBytes:        compBytes,
			UID:              string(uid),
			CompressedEvents: events,
		})
	}
	return out, nil
}

func readSideLogBlock(r io.Reader) ([]*sidelog.Entry, error) {
	compressedLen, err := readI64(r)
	if err != nil {
		return nil, err
	}
	compressed := make([]byte, compressedLen)
	if _, err := io.ReadFull(r, compressed); err != nil {
		return nil, errors.Wrap(errTruncated, err.Error())
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, errors.Wrap(err, "checkpoint: zstd reader")
	}
	defer dec.Close()
	raw, err := dec.DecodeAll(compressed, nil)
	if err != nil {
		return nil, errors.Wrap(err, "checkpoint: zstd decode")
	}

	body := bytes.NewReader(raw)
	count, err := readI64(body)
	if err != nil {
		return nil, err
	}
	entries := make([]*sidelog.Entry, 0, count)
	for i := int64(0); i < count; i++ {
		stamp, err := readI64(body)
		if err != nil {
			return nil, err
		}
		tableHash, err := readI64(body)
		if err != nil {
			return nil, err
		}
		partition, err := readI32(body)
		if err != nil {
			return nil, err
		}
		jsonLen, err := readI32(body)
		if err != nil {
			return nil, err
		}
		json := make([]byte, jsonLen)
		if _, err := io.ReadFull(body, json); err != nil {
			return nil, errors.Wrap(errTruncated, err.Error())
		}
		entries = append(entries, &sidelog.Entry{Stamp: stamp, TableHash: tableHash, Partition: partition, JSON: json})
	}
	return entries, nil
}

func writeU64(w io.Writer, v uint64) error { return binary.Write(w, binary.LittleEndian, v) }
func writeI64(w io.Writer, v int64) error  { return binary.Write(w, binary.LittleEndian, v) }
func writeI32(w io.Writer, v int32) error  { return binary.Write(w, binary.LittleEndian, v) }
func writeI16(w io.Writer, v int16) error  { return binary.Write(w, binary.LittleEndian, v) }

func readU64(r io.Reader) (uint64, error) {
	var v uint64
	err := binary.Read(r, binary.LittleEndian, &v)
	return v, err
}
func readI64(r io.Reader) (int64, error) {
	var v int64
	err := binary.Read(r, binary.LittleEndian, &v)
	return v, err
}
func readI32(r io.Reader) (int32, error) {
	var v int32
	err := binary.Read(r, binary.LittleEndian, &v)
	return v, err
}
func readI16(r io.Reader) (int16, error) {
	var v int16
	err := binary.Read(r, binary.LittleEndian, &v)
	return v, err
}
