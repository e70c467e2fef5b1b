// Copyright 2021 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

// Package pdb ties the MSF container, the DBI stream, the TPI
// stream, and CodeView symbol decoding into the single read-only
// contract the report driver needs: open a PDB, reject what it can't
// safely handle, and walk every function and data symbol record.
package pdb

import (
	"errors"
	"fmt"
	"sync"

	"github.com/saferwall/sizer/internal/dbi"
	"github.com/saferwall/sizer/internal/msf"
	"github.com/saferwall/sizer/internal/sizerlog"
	"github.com/saferwall/sizer/internal/symbols"
	"github.com/saferwall/sizer/internal/tpi"
)

// ErrFastLinkUnsupported is returned by Validate when the PDB was
// produced with /DEBUG:FASTLINK; such a PDB has no section
// contributions or private symbols of its own and cannot be sized.
var ErrFastLinkUnsupported = errors.New("pdb: fastlink PDBs are not supported")

// featureCodeMinimalDebugInfo is the PDB Info stream feature code a
// fastlink PDB advertises: the four-byte code 'M','T','O','G' read as
// a little-endian uint32.
const featureCodeMinimalDebugInfo = 0x474f544d

// Info is the small fixed PDB Info stream header.
type Info struct {
	Version   uint32
	Signature uint32
	Age       uint32
	GUID      [16]byte
}

// File is an opened PDB, lazily decoding each sub-stream on first use
// and caching the result the way a long-lived reader should.
type File struct {
	msf *msf.File
	log *sizerlog.Helper

	info     *Info
	infoOnce sync.Once
	infoErr  error

	dbiStream *dbi.Stream
	dbiOnce   sync.Once
	dbiErr    error

	tpiStream *tpi.Stream
	tpiOnce   sync.Once
	tpiErr    error

	fastLink     bool
	fastLinkOnce sync.Once
}

// Open parses data (typically a read-only memory mapping) as a PDB.
func Open(data []byte, log *sizerlog.Helper) (*File, error) {
	m, err := msf.NewFile(data)
	if err != nil {
		return nil, fmt.Errorf("pdb: %w", err)
	}
	return &File{msf: m, log: log}, nil
}

// Validate rejects PDBs this pipeline cannot safely size: fastlink
// PDBs outright, and it warns (without rejecting) about incremental
// links and stripped private symbols since those still produce a
// usable, if less precise, report.
func (f *File) Validate() error {
	isFastLink, err := f.isFastLink()
	if err != nil {
		return err
	}
	if isFastLink {
		return ErrFastLinkUnsupported
	}

	d, err := f.getDBI()
	if err != nil {
		return err
	}
	if d.Header.IsIncrementallyLinked() {
		f.log.Warnf("pdb: image was incrementally linked; section contributions may be imprecise")
	}
	if d.Header.IsStripped() {
		f.log.Warnf("pdb: private symbols appear stripped; sizes will rely on publics and contributions only")
	}
	return nil
}

func (f *File) isFastLink() (bool, error) {
	var result bool
	var err error
	f.fastLinkOnce.Do(func() {
		info, infoErr := f.Info()
		if infoErr != nil {
			err = infoErr
			return
		}
		_ = info
		result = f.hasMinimalDebugInfoFeature()
	})
	if err != nil {
		return false, err
	}
	return result, nil
}

// hasMinimalDebugInfoFeature scans the PDB Info stream's feature-code
// list (a trailing array of uint32 codes after the named-stream hash
// table) for the code a fastlink PDB always carries. Any structural
// failure while scanning is treated as "not fastlink" rather than an
// error, since the feature list is itself optional in older PDBs.
func (f *File) hasMinimalDebugInfoFeature() bool {
	data, err := f.msf.ReadStream(msf.StreamPDBInfo)
	if err != nil {
		return false
	}
	// The feature list trails the PDB Info stream after the header,
	// the named-stream map, and an optional hash table; scanning every
	// aligned uint32 from a conservative start for the known feature
	// code is sufficient here since this pipeline never needs any
	// other field of that map.
	const scanStart = 28
	for off := scanStart; off+4 <= len(data); off += 4 {
		v := uint32(data[off]) | uint32(data[off+1])<<8 | uint32(data[off+2])<<16 | uint32(data[off+3])<<24
		if v == featureCodeMinimalDebugInfo {
			return true
		}
	}
	return false
}

// Info returns the PDB Info stream header.
func (f *File) Info() (*Info, error) {
	f.infoOnce.Do(func() {
		f.info, f.infoErr = f.loadInfo()
	})
	return f.info, f.infoErr
}

func (f *File) loadInfo() (*Info, error) {
	data, err := f.msf.ReadStream(msf.StreamPDBInfo)
	if err != nil {
		return nil, fmt.Errorf("pdb: failed to read PDB info stream: %w", err)
	}
	if len(data) < 28 {
		return nil, fmt.Errorf("pdb: PDB info stream shorter than its fixed header")
	}
	info := &Info{}
	info.Version = le32(data, 0)
	info.Signature = le32(data, 4)
	info.Age = le32(data, 8)
	copy(info.GUID[:], data[12:28])
	return info, nil
}

func le32(b []byte, off int) uint32 {
	return uint32(b[off]) | uint32(b[off+1])<<8 | uint32(b[off+2])<<16 | uint32(b[off+3])<<24
}

func (f *File) getDBI() (*dbi.Stream, error) {
	f.dbiOnce.Do(func() {
		data, err := f.msf.ReadStream(msf.StreamDBI)
		if err != nil {
			f.dbiErr = fmt.Errorf("pdb: failed to read DBI stream: %w", err)
			return
		}
		f.dbiStream, f.dbiErr = dbi.ParseStream(data)
	})
	return f.dbiStream, f.dbiErr
}

// DBI returns the parsed DBI stream.
func (f *File) DBI() (*dbi.Stream, error) {
	return f.getDBI()
}

func (f *File) getTPI() (*tpi.Stream, error) {
	f.tpiOnce.Do(func() {
		data, err := f.msf.ReadStream(msf.StreamTPI)
		if err != nil {
			f.tpiErr = fmt.Errorf("pdb: failed to read TPI stream: %w", err)
			return
		}
		f.tpiStream, f.tpiErr = tpi.ParseStream(data, f.log)
	})
	return f.tpiStream, f.tpiErr
}

// Types returns the parsed TPI stream, exposing the type-size oracle.
func (f *File) Types() (*tpi.Stream, error) {
	return f.getTPI()
}

// SectionVirtualAddresses returns the image-section virtual address
// table found in the DBI optional debug header's section-header
// stream: index 0 of the returned slice is 1-based section 1, and so
// on. This is the PDB-native route to an RVA resolver; the report
// driver uses it whether it was given a PDB or a PE image.
func (f *File) SectionVirtualAddresses() ([]uint32, error) {
	d, err := f.getDBI()
	if err != nil {
		return nil, err
	}
	idx := d.OptionalDbgHeader.SectionHdrStreamIndex
	if idx == 0xFFFF {
		return nil, fmt.Errorf("pdb: no section-header stream recorded")
	}
	data, err := f.msf.ReadStream(uint32(idx))
	if err != nil {
		return nil, fmt.Errorf("pdb: failed to read section-header stream: %w", err)
	}

	const sectionHeaderSize = 40
	const virtualAddressOffset = 12
	n := len(data) / sectionHeaderSize
	out := make([]uint32, n)
	for i := 0; i < n; i++ {
		off := i*sectionHeaderSize + virtualAddressOffset
		out[i] = le32(data, off)
	}
	return out, nil
}

// ModuleSymbols returns the raw symbol-record bytes of one module's
// private symbol stream, or nil if the module has none.
func (f *File) ModuleSymbols(streamIndex uint16) ([]byte, error) {
	if streamIndex == 0xFFFF {
		return nil, nil
	}
	return f.msf.ReadStream(uint32(streamIndex))
}

// GlobalSymbols returns the symbol-record stream referenced by the
// DBI header's SymRecordStreamIndex, which both the globals hash
// stream and the publics hash stream index into by offset.
func (f *File) GlobalSymbols() ([]byte, error) {
	d, err := f.getDBI()
	if err != nil {
		return nil, err
	}
	if d.Header.SymRecordStreamIndex == 0xFFFF {
		return nil, nil
	}
	return f.msf.ReadStream(uint32(d.Header.SymRecordStreamIndex))
}

// AllSymbolRecords decodes every S_*PROC32(_ID) and S_*DATA32/S_*THREAD32
// record reachable from the module list and the global symbol-record
// stream, in that order, skipping every other kind including S_PUB32.
func (f *File) AllSymbolRecords() ([]*symbols.Record, error) {
	d, err := f.getDBI()
	if err != nil {
		return nil, err
	}

	var out []*symbols.Record
	for _, mod := range d.Modules {
		data, err := f.ModuleSymbols(mod.SymStreamIndex)
		if err != nil || data == nil {
			continue
		}
		// The per-module stream opens with a 4-byte signature (the
		// symbol-stream version marker) ahead of the record list.
		if len(data) < 4 {
			continue
		}
		recs, err := decodeRelevant(data[4:])
		if err != nil {
			f.log.Warnf("pdb: module %q symbol stream truncated: %v", mod.ModuleName, err)
			continue
		}
		out = append(out, recs...)
	}

	global, err := f.GlobalSymbols()
	if err == nil && global != nil {
		recs, err := decodeRelevant(global)
		if err != nil {
			f.log.Warnf("pdb: global symbol-record stream truncated: %v", err)
		} else {
			out = append(out, recs...)
		}
	}

	return out, nil
}

func decodeRelevant(data []byte) ([]*symbols.Record, error) {
	it := symbols.NewIterator(data)
	var out []*symbols.Record
	for {
		rec, err := it.Next()
		if err != nil {
			return out, err
		}
		if rec == nil {
			break
		}
		if rec.Kind.IsProc() || rec.Kind.IsData() {
			out = append(out, rec)
		}
	}
	return out, nil
}
