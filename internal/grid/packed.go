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

package grid

import (
	"bytes"
	"encoding/binary"
	"io"
	"sort"

	"github.com/pkg/errors"
)

// Scalar encoding tags, per spec.md §3's "variable-length integers in
// 1/2/4/8 byte slots tagged by a leading size byte".
const (
	tagNone byte = 0
	tagBool byte = 1
	tagInt1 byte = 2
	tagInt2 byte = 3
	tagInt4 byte = 4
	tagInt8 byte = 5
	tagText byte = 6
	tagSet  byte = 7
)

func encodeScalar(w *bytes.Buffer, v Value) error {
	switch v.Kind {
	case KindNone:
		w.WriteByte(tagNone)
	case KindBool:
		w.WriteByte(tagBool)
		if v.B {
			w.WriteByte(1)
		} else {
			w.WriteByte(0)
		}
	case KindI64:
		encodeInt(w, v.I)
	case KindF64:
		encodeInt(w, ScaledInt(v.F))
	case KindText:
		w.WriteByte(tagText)
		var lb [2]byte
		binary.LittleEndian.PutUint16(lb[:], uint16(len(v.S)))
		w.Write(lb[:])
		w.WriteString(v.S)
	default:
		return errors.Errorf("grid: cannot encode container kind %d as a scalar", v.Kind)
	}
	return nil
}

func encodeInt(w *bytes.Buffer, i int64) {
	switch {
	case i >= -128 && i <= 127:
		w.WriteByte(tagInt1)
		w.WriteByte(byte(int8(i)))
	case i >= -32768 && i <= 32767:
		w.WriteByte(tagInt2)
		var b [2]byte
		binary.LittleEndian.PutUint16(b[:], uint16(int16(i)))
		w.Write(b[:])
	case i >= -2147483648 && i <= 2147483647:
		w.WriteByte(tagInt4)
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], uint32(int32(i)))
		w.Write(b[:])
	default:
		w.WriteByte(tagInt8)
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], uint64(i))
		w.Write(b[:])
	}
}

func decodeScalar(r *bytes.Reader) (Value, error) {
	tag, err := r.ReadByte()
	if err != nil {
		return Value{}, err
	}
	switch tag {
	case tagNone:
		return None(), nil
	case tagBool:
		b, err := r.ReadByte()
		if err != nil {
			return Value{}, err
		}
		return Bool(b != 0), nil
	case tagInt1:
		b, err := r.ReadByte()
		if err != nil {
			return Value{}, err
		}
		return I64(int64(int8(b))), nil
	case tagInt2:
		var b [2]byte
		if _, err := r.Read(b[:]); err != nil {
			return Value{}, err
		}
		return I64(int64(int16(binary.LittleEndian.Uint16(b[:])))), nil
	case tagInt4:
		var b [4]byte
		if _, err := r.Read(b[:]); err != nil {
			return Value{}, err
		}
		return I64(int64(int32(binary.LittleEndian.Uint32(b[:])))), nil
	case tagInt8:
		var b [8]byte
		if _, err := r.Read(b[:]); err != nil {
			return Value{}, err
		}
		return I64(int64(binary.LittleEndian.Uint64(b[:]))), nil
	case tagText:
		var lb [2]byte
		if _, err := r.Read(lb[:]); err != nil {
			return Value{}, err
		}
		n := binary.LittleEndian.Uint16(lb[:])
		buf := make([]byte, n)
		if _, err := r.Read(buf); err != nil {
			return Value{}, err
		}
		return Text(string(buf)), nil
	default:
		return Value{}, errors.Errorf("grid: unknown scalar tag %d", tag)
	}
}

// EncodePackedProps serializes a customer property bag: u16 count |
// { u16 propId, value-encoded }*, per spec.md §3.
func EncodePackedProps(props map[int32]Value) ([]byte, error) {
	ids := make([]int32, 0, len(props))
	for id := range props {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var buf bytes.Buffer
	var cb [2]byte
	binary.LittleEndian.PutUint16(cb[:], uint16(len(ids)))
	buf.Write(cb[:])
	for _, id := range ids {
		var pb [2]byte
		binary.LittleEndian.PutUint16(pb[:], uint16(id))
		buf.Write(pb[:])
		v := props[id]
		if v.Kind == KindSet {
			buf.WriteByte(tagSet)
			var nb [2]byte
			binary.LittleEndian.PutUint16(nb[:], uint16(len(v.Set)))
			buf.Write(nb[:])
			for _, el := range v.Set {
				if err := encodeScalar(&buf, el); err != nil {
					return nil, err
				}
			}
			continue
		}
		if err := encodeScalar(&buf, v); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// DecodePackedProps is EncodePackedProps's inverse.
func DecodePackedProps(data []byte) (map[int32]Value, error) {
	r := bytes.NewReader(data)
	var cb [2]byte
	if _, err := r.Read(cb[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return map[int32]Value{}, nil
		}
		return nil, err
	}
	count := binary.LittleEndian.Uint16(cb[:])
	out := make(map[int32]Value, count)
	for i := uint16(0); i < count; i++ {
		var pb [2]byte
		if _, err := r.Read(pb[:]); err != nil {
			return nil, err
		}
		propID := int32(binary.LittleEndian.Uint16(pb[:]))

		peek, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		if peek == tagSet {
			var nb [2]byte
			if _, err := r.Read(nb[:]); err != nil {
				return nil, err
			}
			n := binary.LittleEndian.Uint16(nb[:])
			set := make([]Value, n)
			for j := uint16(0); j < n; j++ {
				v, err := decodeScalar(r)
				if err != nil {
					return nil, err
				}
				set[j] = v
			}
			out[propID] = NewSet(set)
			continue
		}
		if err := r.UnreadByte(); err != nil {
			return nil, err
		}
		v, err := decodeScalar(r)
		if err != nil {
			return nil, err
		}
		out[propID] = v
	}
	return out, nil
}

// EventTuple is one {propId,value} pair of an uncompressed event row
// stream, per spec.md §3's PackedEvents.
type EventTuple struct {
	PropID int32
	Value  int64
	Set    []int64 // non-nil for inline set-valued columns
}

// rowTerminator is the propId sentinel ending one row's tuple stream.
const rowTerminator int32 = -1

// EncodePackedEvents serializes rows (each a slice of EventTuple) into
// the uncompressed tuple stream; LZ4 framing happens separately at
// commit time so intermediate buffers can be pooled.
func EncodePackedEvents(rows [][]EventTuple) []byte {
	var buf bytes.Buffer
	for _, row := range rows {
		for _, t := range row {
			writeI16(&buf, int16(t.PropID))
			if t.Set != nil {
				var nb [2]byte
				binary.LittleEndian.PutUint16(nb[:], uint16(len(t.Set)))
				buf.Write(nb[:])
				for _, v := range t.Set {
					writeI64(&buf, v)
				}
				continue
			}
			writeI64(&buf, t.Value)
		}
		writeI16(&buf, int16(rowTerminator))
	}
	return buf.Bytes()
}

func writeI16(buf *bytes.Buffer, v int16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], uint16(v))
	buf.Write(b[:])
}

func writeI64(buf *bytes.Buffer, v int64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(v))
	buf.Write(b[:])
}

// DecodePackedEvents parses the uncompressed tuple stream back into rows.
// setProps tells the decoder which propIds are set-valued (their tuple
// carries a count + array instead of a single value).
func DecodePackedEvents(data []byte, setProps map[int32]bool) ([][]EventTuple, error) {
	r := bytes.NewReader(data)
	var rows [][]EventTuple
	var row []EventTuple
	for r.Len() > 0 {
		var pb [2]byte
		if _, err := r.Read(pb[:]); err != nil {
			return nil, err
		}
		propID := int32(int16(binary.LittleEndian.Uint16(pb[:])))
		if propID == rowTerminator {
			rows = append(rows, row)
			row = nil
			continue
		}
		if setProps[propID] {
			var nb [2]byte
			if _, err := r.Read(nb[:]); err != nil {
				return nil, err
			}
			n := binary.LittleEndian.Uint16(nb[:])
			vals := make([]int64, n)
			for i := uint16(0); i < n; i++ {
				var vb [8]byte
				if _, err := r.Read(vb[:]); err != nil {
					return nil, err
				}
				vals[i] = int64(binary.LittleEndian.Uint64(vb[:]))
			}
			row = append(row, EventTuple{PropID: propID, Set: vals})
			continue
		}
		var vb [8]byte
		if _, err := r.Read(vb[:]); err != nil {
			return nil, err
		}
		row = append(row, EventTuple{PropID: propID, Value: int64(binary.LittleEndian.Uint64(vb[:]))})
	}
	return rows, nil
}
