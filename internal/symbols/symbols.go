// Copyright 2021 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

// Package symbols decodes CodeView symbol records out of a PDB's
// per-module symbol streams and its global/public hash streams. Only
// the eight record kinds the report cares about — procedures and
// data, local and global, plus their _ID variants — are turned into
// domain values; every other kind (including S_PUB32) is skipped.
package symbols

import (
	"errors"

	"github.com/saferwall/sizer/internal/bufreader"
)

// Kind identifies a CodeView symbol record.
type Kind uint16

// The symbol record kinds this package recognizes. The constant table
// is wider than what gets decoded, matching how a CodeView reader
// names the whole family even though only a handful are dispatched on.
const (
	SPub32        Kind = 0x110e
	SLData32      Kind = 0x110c
	SGData32      Kind = 0x110d
	SLProc32      Kind = 0x110f
	SGProc32      Kind = 0x1110
	SLThread32    Kind = 0x1112
	SGThread32    Kind = 0x1113
	SCompile3     Kind = 0x113c
	SLProc32ID    Kind = 0x1146
	SGProc32ID    Kind = 0x1147
	SBuildInfo    Kind = 0x114c
	SConstant     Kind = 0x1107
	SUDT          Kind = 0x1108
	SObjName      Kind = 0x1101
	SLocal        Kind = 0x113e
)

// Errors surfaced while decoding a symbol stream.
var (
	ErrUnexpectedEnd       = errors.New("symbols: unexpected end of record data")
	ErrInvalidSymbolRecord = errors.New("symbols: invalid symbol record")
)

// Record is one raw symbol record: its kind and the bytes following
// the kind field.
type Record struct {
	Kind Kind
	Data []byte
}

// ParseRecord parses a single symbol record from the front of data,
// returning the record and the total number of bytes it occupies
// (length field included).
func ParseRecord(data []byte) (*Record, int, error) {
	if len(data) < 4 {
		return nil, 0, ErrUnexpectedEnd
	}
	r := bufreader.New(data)

	length, err := r.Uint16(0)
	if err != nil {
		return nil, 0, err
	}
	kind, err := r.Uint16(2)
	if err != nil {
		return nil, 0, err
	}

	totalSize := int(length) + 2
	if totalSize > len(data) || totalSize < 4 {
		return nil, 0, ErrInvalidSymbolRecord
	}

	return &Record{Kind: Kind(kind), Data: data[4:totalSize]}, totalSize, nil
}

// Iterator walks consecutive symbol records in a byte stream, the way
// both a module's private symbol sub-stream and the globals/publics
// hash streams' underlying record stream are laid out.
type Iterator struct {
	data   []byte
	offset int
}

// NewIterator wraps data for sequential record iteration.
func NewIterator(data []byte) *Iterator {
	return &Iterator{data: data}
}

// Next returns the next record, or nil when the stream is exhausted.
func (it *Iterator) Next() (*Record, error) {
	if it.offset >= len(it.data) {
		return nil, nil
	}
	rec, size, err := ParseRecord(it.data[it.offset:])
	if err != nil {
		return nil, err
	}
	it.offset += size
	return rec, nil
}

// ProcFlags are the CV_PROCFLAGS bits of a procedure symbol.
type ProcFlags uint8

// ProcSym is the decoded body of S_LPROC32/S_GPROC32/S_LPROC32_ID/S_GPROC32_ID.
type ProcSym struct {
	PtrParent    uint32
	PtrEnd       uint32
	PtrNext      uint32
	CodeSize     uint32
	DbgStart     uint32
	DbgEnd       uint32
	FunctionType uint32
	CodeOffset   uint32
	Segment      uint16
	Flags        ProcFlags
	Name         string
}

// ParseProcSym decodes the body of a procedure symbol record.
func ParseProcSym(data []byte) (*ProcSym, error) {
	r := bufreader.New(data)

	ptrParent, err := r.Uint32(0)
	if err != nil {
		return nil, err
	}
	ptrEnd, err := r.Uint32(4)
	if err != nil {
		return nil, err
	}
	ptrNext, err := r.Uint32(8)
	if err != nil {
		return nil, err
	}
	codeSize, err := r.Uint32(12)
	if err != nil {
		return nil, err
	}
	dbgStart, err := r.Uint32(16)
	if err != nil {
		return nil, err
	}
	dbgEnd, err := r.Uint32(20)
	if err != nil {
		return nil, err
	}
	funcType, err := r.Uint32(24)
	if err != nil {
		return nil, err
	}
	codeOffset, err := r.Uint32(28)
	if err != nil {
		return nil, err
	}
	segment, err := r.Uint16(32)
	if err != nil {
		return nil, err
	}
	flags, err := r.Uint8(34)
	if err != nil {
		return nil, err
	}
	name, _, err := r.CString(35)
	if err != nil {
		return nil, err
	}

	return &ProcSym{
		PtrParent:    ptrParent,
		PtrEnd:       ptrEnd,
		PtrNext:      ptrNext,
		CodeSize:     codeSize,
		DbgStart:     dbgStart,
		DbgEnd:       dbgEnd,
		FunctionType: funcType,
		CodeOffset:   codeOffset,
		Segment:      segment,
		Flags:        ProcFlags(flags),
		Name:         name,
	}, nil
}

// DataSym is the decoded body of S_LDATA32/S_GDATA32/S_LTHREAD32/S_GTHREAD32.
type DataSym struct {
	Type    uint32
	Offset  uint32
	Segment uint16
	Name    string
}

// ParseDataSym decodes the body of a data or thread-local symbol record.
func ParseDataSym(data []byte) (*DataSym, error) {
	r := bufreader.New(data)

	typ, err := r.Uint32(0)
	if err != nil {
		return nil, err
	}
	offset, err := r.Uint32(4)
	if err != nil {
		return nil, err
	}
	segment, err := r.Uint16(8)
	if err != nil {
		return nil, err
	}
	name, _, err := r.CString(10)
	if err != nil {
		return nil, err
	}

	return &DataSym{Type: typ, Offset: offset, Segment: segment, Name: name}, nil
}

// IsProc reports whether kind is one of the four procedure kinds this
// pipeline decodes.
func (k Kind) IsProc() bool {
	switch k {
	case SLProc32, SGProc32, SLProc32ID, SGProc32ID:
		return true
	}
	return false
}

// IsData reports whether kind is one of the four data/TLS kinds this
// pipeline decodes. S_PUB32 is deliberately excluded: publics carry no
// type index and are never decoded into a domain symbol.
func (k Kind) IsData() bool {
	switch k {
	case SLData32, SGData32, SLThread32, SGThread32:
		return true
	}
	return false
}

// IsGlobal reports whether kind is a global-scope variant, as opposed
// to a module-local one. The symbol collector's RVA deduplication
// does not consult it and applies to local and global kinds alike.
func (k Kind) IsGlobal() bool {
	switch k {
	case SGProc32, SGProc32ID, SGData32, SGThread32:
		return true
	}
	return false
}
