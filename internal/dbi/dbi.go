// Copyright 2021 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

// Package dbi parses the DBI (Debug Information) sub-stream of a
// PDB: the module list, the section-contribution list, the section
// map, and the optional-stream index table (globals/publics/symbol
// record stream indices among them).
package dbi

import (
	"errors"

	"github.com/saferwall/sizer/internal/bufreader"
)

// Errors surfaced while parsing the DBI stream.
var (
	ErrTooShort      = errors.New("dbi: stream shorter than fixed header")
	ErrBadSignature  = errors.New("dbi: unrecognized version signature")
	ErrBadSectionContribVersion = errors.New("dbi: unrecognized section contribution substream version")
)

// Section-contribution substream version tags.
const (
	sectionContribVer60 = 0xF13151F5
	sectionContribVer2  = 0xF12EBA2D
)

const headerSize = 64

// Header is the fixed 64-byte DBI stream header.
type Header struct {
	VersionSignature        int32
	VersionHeader            uint32
	Age                      uint32
	GlobalStreamIndex        uint16
	BuildNumber              uint16
	PublicStreamIndex        uint16
	PdbDllVersion            uint16
	SymRecordStreamIndex     uint16
	PdbDllRbld               uint16
	ModInfoSize              int32
	SectionContributionSize  int32
	SectionMapSize           int32
	SourceInfoSize           int32
	TypeServerSize           int32
	MFCTypeServerIndex       uint32
	OptionalDbgHeaderSize    int32
	ECSubstreamSize          int32
	Flags                    uint16
	Machine                  uint16
	Padding                  uint32
}

// IsIncrementallyLinked reports DBI header flag bit 0.
func (h *Header) IsIncrementallyLinked() bool { return h.Flags&0x01 != 0 }

// IsStripped reports DBI header flag bit 1 (private symbols stripped).
func (h *Header) IsStripped() bool { return h.Flags&0x02 != 0 }

// HasConflictingTypes reports DBI header flag bit 2.
func (h *Header) HasConflictingTypes() bool { return h.Flags&0x04 != 0 }

// ModuleInfo describes one compiland (translation unit) and where its
// private symbol stream lives.
type ModuleInfo struct {
	ModuleName   string
	ObjectFile   string
	SymStreamIndex uint16
	SymByteSize    uint32
}

// SectionContribution is one compiland's contribution to a section of
// the final image.
type SectionContribution struct {
	Section         uint16
	Offset          uint32
	Size            uint32
	Characteristics uint32
	ModuleIndex     uint16
	DataCrc         uint32
	RelocCrc        uint32
}

// SectionMapEntry describes one entry of the section map substream.
// The entries are parsed and kept on Stream; RVA resolution does not
// read them.
type SectionMapEntry struct {
	Flags          uint16
	Ovl            uint16
	Group          uint16
	Frame          uint16
	SectionName    uint16
	ClassName      uint16
	Offset         uint32
	SectionLength  uint32
}

// OptionalDbgHeader is the trailing array of stream indices for
// optional debug sub-streams (FPO, exception, etc.); only the first
// entries matter to this pipeline and the array may be shorter than
// expected in an older PDB, so each read degrades to 0xFFFF.
type OptionalDbgHeader struct {
	FPOStreamIndex            uint16
	ExceptionStreamIndex      uint16
	FixupStreamIndex          uint16
	OmapToSrcStreamIndex      uint16
	OmapFromSrcStreamIndex    uint16
	SectionHdrStreamIndex     uint16
	TokenRidMapStreamIndex    uint16
	XdataStreamIndex          uint16
	PdataStreamIndex          uint16
	NewFPOStreamIndex         uint16
	SectionHdrOrigStreamIndex uint16
}

// Stream is the parsed DBI sub-stream.
type Stream struct {
	Header               Header
	Modules              []ModuleInfo
	SectionContributions []SectionContribution
	SectionMap           []SectionMapEntry
	OptionalDbgHeader    OptionalDbgHeader
}

// ParseStream parses the raw DBI stream bytes.
func ParseStream(data []byte) (*Stream, error) {
	if uint32(len(data)) < headerSize {
		return nil, ErrTooShort
	}

	r := bufreader.New(data)
	s := &Stream{}
	if err := r.Unpack(&s.Header, 0, headerSize); err != nil {
		return nil, err
	}

	cursor := uint32(headerSize)

	modEnd := cursor + uint32(s.Header.ModInfoSize)
	mods, err := parseModuleInfo(r, cursor, modEnd)
	if err != nil {
		return nil, err
	}
	s.Modules = mods
	cursor = modEnd

	scEnd := cursor + uint32(s.Header.SectionContributionSize)
	contribs, err := parseSectionContributions(r, cursor, scEnd)
	if err != nil {
		return nil, err
	}
	s.SectionContributions = contribs
	cursor = scEnd

	smEnd := cursor + uint32(s.Header.SectionMapSize)
	sm, err := parseSectionMap(r, cursor, smEnd)
	if err != nil {
		return nil, err
	}
	s.SectionMap = sm
	cursor = smEnd

	// Source-info substream is skipped; nothing downstream needs it.
	cursor += uint32(s.Header.SourceInfoSize)
	// Type-server substream likewise skipped.
	cursor += uint32(s.Header.TypeServerSize)
	// EC (edit-and-continue) substream skipped.
	ecEnd := cursor + uint32(s.Header.ECSubstreamSize)
	cursor = ecEnd

	dbgEnd := cursor + uint32(s.Header.OptionalDbgHeaderSize)
	s.OptionalDbgHeader = parseOptionalDbgHeader(r, cursor, dbgEnd)

	return s, nil
}

func parseModuleInfo(r *bufreader.Reader, start, end uint32) ([]ModuleInfo, error) {
	var mods []ModuleInfo
	cursor := start
	for cursor < end {
		// Fixed portion: 2 module-pointer placeholders, SectionContribution
		// sub-record (same layout, with a version-less 24-byte shape since
		// the embedded contribution inside ModuleInfo omits the version
		// tag), flags, symbol stream index, sym byte sizes, then two
		// NUL-terminated names.
		if cursor+64 > end {
			break
		}
		symStreamOff := cursor + 4 + 4 + 12 + 4 + 4 + 2 + 2
		symStreamIndex, err := r.Uint16(symStreamOff)
		if err != nil {
			return nil, err
		}
		symByteSize, err := r.Uint32(symStreamOff + 2)
		if err != nil {
			return nil, err
		}
		// Skip past the two uint32 byte sizes that follow SymByteSize
		// (C13 line info size, unused here) plus the remaining fixed
		// fields up to the module-name string.
		fixedEnd := symStreamOff + 2 + 4 + 4 + 4 + 2 + 2 + 4
		moduleName, afterModule, err := r.CString(fixedEnd)
		if err != nil {
			return nil, err
		}
		objectFile, afterObject, err := r.CString(afterModule)
		if err != nil {
			return nil, err
		}

		mods = append(mods, ModuleInfo{
			ModuleName:     moduleName,
			ObjectFile:     objectFile,
			SymStreamIndex: symStreamIndex,
			SymByteSize:    symByteSize,
		})

		// Each module record is padded to a 4-byte boundary.
		next := align4(afterObject)
		if next <= cursor {
			break
		}
		cursor = next
	}
	return mods, nil
}

func align4(off uint32) uint32 {
	return (off + 3) &^ 3
}

func parseSectionContributions(r *bufreader.Reader, start, end uint32) ([]SectionContribution, error) {
	if start >= end {
		return nil, nil
	}

	version, err := r.Uint32(start)
	if err != nil {
		return nil, err
	}

	var entrySize uint32
	var cursor uint32
	switch version {
	case sectionContribVer60:
		entrySize = 28
		cursor = start + 4
	case sectionContribVer2:
		entrySize = 32
		cursor = start + 4
	default:
		// Some older PDBs omit the version tag entirely; fall back to
		// treating the whole substream as unversioned v60-shaped
		// records.
		entrySize = 28
		cursor = start
	}

	var out []SectionContribution
	for cursor+entrySize <= end {
		var sc SectionContribution
		sc.Section, err = r.Uint16(cursor)
		if err != nil {
			return nil, err
		}
		sc.Offset, err = r.Uint32(cursor + 4)
		if err != nil {
			return nil, err
		}
		sc.Size, err = r.Uint32(cursor + 8)
		if err != nil {
			return nil, err
		}
		sc.Characteristics, err = r.Uint32(cursor + 12)
		if err != nil {
			return nil, err
		}
		modIdx, err := r.Uint16(cursor + 16)
		if err != nil {
			return nil, err
		}
		sc.ModuleIndex = modIdx
		sc.DataCrc, err = r.Uint32(cursor + 20)
		if err != nil {
			return nil, err
		}
		sc.RelocCrc, err = r.Uint32(cursor + 24)
		if err != nil {
			return nil, err
		}
		out = append(out, sc)
		cursor += entrySize
	}
	return out, nil
}

func parseSectionMap(r *bufreader.Reader, start, end uint32) ([]SectionMapEntry, error) {
	if start >= end {
		return nil, nil
	}
	count, err := r.Uint16(start)
	if err != nil {
		return nil, err
	}
	cursor := start + 4 // count + logical-count, both uint16
	var out []SectionMapEntry
	const entrySize = 20
	for i := uint16(0); i < count && cursor+entrySize <= end; i++ {
		var e SectionMapEntry
		if err := r.Unpack(&e, cursor, entrySize); err != nil {
			return nil, err
		}
		out = append(out, e)
		cursor += entrySize
	}
	return out, nil
}

// parseOptionalDbgHeader reads as many of the eleven stream-index
// fields as the substream has room for; a PDB with a shorter or
// absent substream leaves the remaining fields at the 0xFFFF
// "no stream" sentinel.
func parseOptionalDbgHeader(r *bufreader.Reader, start, end uint32) OptionalDbgHeader {
	var h OptionalDbgHeader
	fields := []*uint16{
		&h.FPOStreamIndex, &h.ExceptionStreamIndex, &h.FixupStreamIndex,
		&h.OmapToSrcStreamIndex, &h.OmapFromSrcStreamIndex, &h.SectionHdrStreamIndex,
		&h.TokenRidMapStreamIndex, &h.XdataStreamIndex, &h.PdataStreamIndex,
		&h.NewFPOStreamIndex, &h.SectionHdrOrigStreamIndex,
	}
	for i, sentinel := range fields {
		*sentinel = 0xFFFF
		off := start + uint32(i)*2
		if off+2 > end {
			continue
		}
		v, err := r.Uint16(off)
		if err != nil {
			continue
		}
		*sentinel = v
	}
	return h
}
