// Copyright 2021 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package dbi

import (
	"encoding/binary"
	"testing"

	"github.com/saferwall/sizer/internal/bufreader"
)

type dbiBuf struct {
	b []byte
}

func (x *dbiBuf) grow(n int) {
	if len(x.b) < n {
		x.b = append(x.b, make([]byte, n-len(x.b))...)
	}
}

func (x *dbiBuf) u16(off int, v uint16) {
	x.grow(off + 2)
	binary.LittleEndian.PutUint16(x.b[off:], v)
}

func (x *dbiBuf) u32(off int, v uint32) {
	x.grow(off + 4)
	binary.LittleEndian.PutUint32(x.b[off:], v)
}

func (x *dbiBuf) i32(off int, v int32) { x.u32(off, uint32(v)) }

func (x *dbiBuf) cstr(off int, s string) {
	x.grow(off + len(s) + 1)
	copy(x.b[off:], s)
	x.b[off+len(s)] = 0
}

// buildDBI lays out a minimal DBI stream: one module, one section
// contribution (v60-tagged), an empty section map, and an
// optional-debug-header substream with only SectionHdrStreamIndex set.
func buildDBI() []byte {
	const modInfoSize = 64
	const sectionContribSize = 32
	const optionalDbgSize = 22

	x := &dbiBuf{}

	x.i32(0, -1)                          // VersionSignature
	x.u32(4, 20091201)                    // VersionHeader
	x.u32(8, 1)                           // Age
	x.u16(12, 0)                          // GlobalStreamIndex
	x.u16(14, 0)                          // BuildNumber
	x.u16(16, 0)                          // PublicStreamIndex
	x.u16(18, 0)                          // PdbDllVersion
	x.u16(20, 0)                          // SymRecordStreamIndex
	x.u16(22, 0)                          // PdbDllRbld
	x.i32(24, modInfoSize)                // ModInfoSize
	x.i32(28, sectionContribSize)         // SectionContributionSize
	x.i32(32, 0)                          // SectionMapSize
	x.i32(36, 0)                          // SourceInfoSize
	x.i32(40, 0)                          // TypeServerSize
	x.u32(44, 0)                          // MFCTypeServerIndex
	x.i32(48, optionalDbgSize)            // OptionalDbgHeaderSize
	x.i32(52, 0)                          // ECSubstreamSize
	x.u16(56, 0x0001)                     // Flags: incrementally linked
	x.u16(58, 0x8664)                     // Machine
	x.u32(60, 0)                          // Padding

	modStart := headerSize
	x.u16(modStart+32, 5)   // SymStreamIndex
	x.u32(modStart+34, 100) // SymByteSize
	x.cstr(modStart+54, "m1")
	x.cstr(modStart+57, "a.obj")
	x.grow(modStart + modInfoSize)

	scStart := modStart + modInfoSize
	x.u32(scStart, sectionContribVer60)
	entry := scStart + 4
	x.u16(entry, 1)        // Section
	x.u32(entry+4, 0x100)  // Offset
	x.u32(entry+8, 0x200)  // Size
	x.u32(entry+12, 0x20)  // Characteristics: CODE
	x.u16(entry+16, 0)     // ModuleIndex
	x.u32(entry+20, 0)     // DataCrc
	x.u32(entry+24, 0)     // RelocCrc

	dbgStart := scStart + sectionContribSize
	x.u16(dbgStart+10, 7) // SectionHdrStreamIndex is the 6th uint16 field
	x.grow(dbgStart + optionalDbgSize)

	return x.b
}

func TestParseStream(t *testing.T) {
	data := buildDBI()

	s, err := ParseStream(data)
	if err != nil {
		t.Fatalf("ParseStream failed: %v", err)
	}

	if !s.Header.IsIncrementallyLinked() {
		t.Errorf("IsIncrementallyLinked() = false, want true")
	}
	if s.Header.IsStripped() {
		t.Errorf("IsStripped() = true, want false")
	}

	if len(s.Modules) != 1 {
		t.Fatalf("got %d modules, want 1", len(s.Modules))
	}
	m := s.Modules[0]
	if m.ModuleName != "m1" || m.ObjectFile != "a.obj" {
		t.Errorf("module = %+v, want ModuleName=m1 ObjectFile=a.obj", m)
	}
	if m.SymStreamIndex != 5 || m.SymByteSize != 100 {
		t.Errorf("module sym fields = %+v, want SymStreamIndex=5 SymByteSize=100", m)
	}

	if len(s.SectionContributions) != 1 {
		t.Fatalf("got %d section contributions, want 1", len(s.SectionContributions))
	}
	sc := s.SectionContributions[0]
	if sc.Section != 1 || sc.Offset != 0x100 || sc.Size != 0x200 || sc.Characteristics != 0x20 {
		t.Errorf("section contribution = %+v, unexpected", sc)
	}

	if s.OptionalDbgHeader.SectionHdrStreamIndex != 7 {
		t.Errorf("SectionHdrStreamIndex = %d, want 7", s.OptionalDbgHeader.SectionHdrStreamIndex)
	}
}

func TestParseStreamTooShort(t *testing.T) {
	if _, err := ParseStream(make([]byte, 10)); err != ErrTooShort {
		t.Errorf("ParseStream on a too-short buffer err = %v, want ErrTooShort", err)
	}
}

func TestParseSectionContributionsUnversionedFallback(t *testing.T) {
	// A substream with no recognized version tag at its head is
	// treated as a sequence of unversioned (28-byte) v60 records.
	x := &dbiBuf{}
	x.u16(0, 2)       // Section (not a recognized version magic)
	x.u32(4, 0x10)    // Offset
	x.u32(8, 0x20)    // Size
	x.u32(12, 0x40)   // Characteristics: initialized data
	x.u16(16, 3)      // ModuleIndex
	x.u32(20, 0)
	x.u32(24, 0)
	x.grow(28)

	out, err := parseSectionContributions(bufreader.New(x.b), 0, uint32(len(x.b)))
	if err != nil {
		t.Fatalf("parseSectionContributions failed: %v", err)
	}
	if len(out) != 1 || out[0].Section != 2 || out[0].ModuleIndex != 3 {
		t.Errorf("got %+v, want one entry with Section=2 ModuleIndex=3", out)
	}
}
