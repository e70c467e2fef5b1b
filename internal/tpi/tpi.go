// Copyright 2021 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

// Package tpi parses the Type Program Info (TPI) sub-stream and
// implements the §4.3 type-size oracle: given a CodeView type index,
// return the byte size of one instance of that type.
package tpi

import (
	"errors"
	"sync"

	"github.com/saferwall/sizer/internal/bufreader"
	"github.com/saferwall/sizer/internal/sizerlog"
)

// ErrTooShort is returned when the stream is shorter than the fixed
// TPI header.
var ErrTooShort = errors.New("tpi: stream shorter than fixed header")

const headerSize = 56

// header is the fixed portion of the TPI stream.
type header struct {
	Version                 uint32
	HeaderSize              uint32
	TypeIndexBegin          uint32
	TypeIndexEnd            uint32
	TypeRecordBytes         uint32
	HashStreamIndex         uint16
	HashAuxStreamIndex      uint16
	HashKeySize             uint32
	NumHashBuckets          uint32
	HashValueBufferOffset   int32
	HashValueBufferLength   uint32
	IndexOffsetBufferOffset int32
	IndexOffsetBufferLength uint32
	HashAdjBufferOffset     int32
	HashAdjBufferLength     uint32
}

// recordKind identifies a CodeView type record.
type recordKind uint16

// Record kinds this oracle needs to dispatch on.
const (
	lfModifier  recordKind = 0x1001
	lfPointer   recordKind = 0x1002
	lfProcedure recordKind = 0x1008
	lfBitfield  recordKind = 0x1205
	lfArray     recordKind = 0x1503
	lfClass     recordKind = 0x1504
	lfStructure recordKind = 0x1505
	lfUnion     recordKind = 0x1506
	lfEnum      recordKind = 0x1507
)

// Numeric leaf tags used by the variable-length length field.
const (
	lfNumeric   recordKind = 0x8000
	lfChar      recordKind = 0x8000
	lfShort     recordKind = 0x8001
	lfUShort    recordKind = 0x8002
	lfLong      recordKind = 0x8003
	lfULong     recordKind = 0x8004
	lfQuadword  recordKind = 0x8009
	lfUQuadword recordKind = 0x800a
)

const cvPtr64 = 0x0c

// Stream is the parsed TPI sub-stream: a coalesced byte buffer plus
// an index of record offsets, so that a type index resolves to its
// record in O(1) the way the reference implementation's one-pass
// walk-then-array-of-pointers does.
type Stream struct {
	r              *bufreader.Reader
	typeIndexBegin uint32
	typeIndexEnd   uint32
	offsets        []uint32 // offsets[i] is the record for type typeIndexBegin+i

	mu    sync.Mutex
	sizes map[uint32]uint32
	log   *sizerlog.Helper
}

// ParseStream parses the raw TPI stream bytes.
func ParseStream(data []byte, log *sizerlog.Helper) (*Stream, error) {
	if uint32(len(data)) < headerSize {
		return nil, ErrTooShort
	}

	r := bufreader.New(data)
	var h header
	if err := r.Unpack(&h, 0, headerSize); err != nil {
		return nil, err
	}

	s := &Stream{
		r:              bufreader.New(data[h.HeaderSize:]),
		typeIndexBegin: h.TypeIndexBegin,
		typeIndexEnd:   h.TypeIndexEnd,
		sizes:          make(map[uint32]uint32),
		log:            log,
	}

	count := h.TypeIndexEnd - h.TypeIndexBegin
	s.offsets = make([]uint32, 0, count)

	cursor := uint32(0)
	total := s.r.Len()
	for cursor+4 <= total {
		length, err := s.r.Uint16(cursor)
		if err != nil {
			break
		}
		recordStart := cursor + 2
		s.offsets = append(s.offsets, recordStart)
		cursor = recordStart + uint32(length)
	}

	return s, nil
}

// FirstTypeIndex returns the first user-defined type index; indices
// below this are basic types resolved by table.
func (s *Stream) FirstTypeIndex() uint32 {
	return s.typeIndexBegin
}

func (s *Stream) recordAt(typeIndex uint32) (recordKind, []byte, bool) {
	if typeIndex < s.typeIndexBegin {
		return 0, nil, false
	}
	i := typeIndex - s.typeIndexBegin
	if int(i) >= len(s.offsets) {
		return 0, nil, false
	}
	off := s.offsets[i]
	kind, err := s.r.Uint16(off)
	if err != nil {
		return 0, nil, false
	}
	data, err := s.r.BytesAt(off, s.r.Len()-off)
	if err != nil {
		return 0, nil, false
	}
	return recordKind(kind), data, true
}

func extractLength(r *bufreader.Reader, offset uint32) uint64 {
	tag, err := r.Uint16(offset)
	if err != nil {
		return 0
	}
	kind := recordKind(tag)
	if kind < lfNumeric {
		return uint64(tag)
	}

	valOff := offset + 2
	switch kind {
	case lfChar:
		v, _ := r.Uint8(valOff)
		return uint64(v)
	case lfShort:
		v16, _ := r.Uint16(valOff)
		return uint64(int16(v16))
	case lfUShort:
		v, _ := r.Uint16(valOff)
		return uint64(v)
	case lfLong:
		v, _ := r.Int32(valOff)
		return uint64(v)
	case lfULong:
		v, _ := r.Uint32(valOff)
		return uint64(v)
	case lfQuadword:
		v, _ := r.Uint64(valOff)
		return v
	case lfUQuadword:
		v, _ := r.Uint64(valOff)
		return v
	default:
		return 0
	}
}

// basicTypeSize resolves one of the fixed-table basic types below
// typeIndexBegin, per §4.3. Basic type indices encode a pointer mode
// in the high byte (0x04 = 32-bit pointer, 0x06 = 64-bit pointer, 0
// = direct value) and the base type in the low byte.
func basicTypeSize(typeIndex uint32) uint32 {
	mode := (typeIndex >> 8) & 0xFF
	basic := typeIndex & 0xFF

	switch mode {
	case 0x04, 0x05: // 32-bit near/far pointer
		return 4
	case 0x06: // 64-bit pointer
		return 8
	}

	switch basic {
	case 0x03: // void
		return 0
	case 0x08: // HRESULT
		return 4
	case 0x10, 0x20, 0x30, 0x68, 0x69: // char, uchar, bool8, int8, uint8
		return 1
	case 0x11, 0x21, 0x31, 0x71, 0x72, 0x73: // short, ushort, bool16, wchar, char16-ish, 16-bit int
		return 2
	case 0x12, 0x22, 0x32, 0x40, 0x74, 0x75: // long, ulong, bool32, real32, int32, uint32
		return 4
	case 0x13, 0x23, 0x33, 0x41, 0x76, 0x77: // quad, uquad, bool64, real64, int64, uint64
		return 8
	default:
		return 0
	}
}

// Size returns the byte size of one instance of typeIndex, 0 if
// unknown. Results for user-defined types are memoized.
func (s *Stream) Size(typeIndex uint32) uint32 {
	if typeIndex < s.typeIndexBegin {
		return basicTypeSize(typeIndex)
	}

	s.mu.Lock()
	if sz, ok := s.sizes[typeIndex]; ok {
		s.mu.Unlock()
		return sz
	}
	s.mu.Unlock()

	sz := s.computeSize(typeIndex)

	s.mu.Lock()
	s.sizes[typeIndex] = sz
	s.mu.Unlock()
	return sz
}

func (s *Stream) computeSize(typeIndex uint32) uint32 {
	kind, data, ok := s.recordAt(typeIndex)
	if !ok {
		return 0
	}
	r := bufreader.New(data)

	switch kind {
	case lfModifier:
		underlying, err := r.Uint32(2)
		if err != nil {
			return 0
		}
		return s.Size(underlying)

	case lfPointer:
		attr, err := r.Uint32(6)
		if err != nil {
			return 0
		}
		if attr&0x1F == cvPtr64 {
			return 8
		}
		return 4

	case lfProcedure:
		return 0

	case lfBitfield:
		underlying, err := r.Uint32(2)
		if err != nil {
			return 0
		}
		return s.Size(underlying)

	case lfArray:
		return uint32(extractLength(r, 10))

	case lfClass, lfStructure:
		return uint32(extractLength(r, 18))

	case lfUnion:
		return uint32(extractLength(r, 10))

	case lfEnum:
		underlying, err := r.Uint32(6)
		if err != nil {
			return 0
		}
		return s.Size(underlying)

	default:
		if s.log != nil {
			s.log.WarnOnce(kind.String(), "tpi: unrecognized record kind 0x%04x for type index %d", uint16(kind), typeIndex)
		}
		return 0
	}
}

func (k recordKind) String() string {
	return "0x" + hex(uint16(k))
}

func hex(v uint16) string {
	const digits = "0123456789abcdef"
	b := [4]byte{}
	for i := 3; i >= 0; i-- {
		b[i] = digits[v&0xF]
		v >>= 4
	}
	return string(b[:])
}
