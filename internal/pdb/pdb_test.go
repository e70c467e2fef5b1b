// Copyright 2021 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package pdb

import (
	"encoding/binary"
	"testing"

	"github.com/saferwall/sizer/internal/sizerlog"
)

// --- a minimal from-scratch MSF container builder, local to this
// package's tests so pdb's integration tests don't depend on msf's
// unexported test helpers. ---

func u32le(v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return b
}

var msfMagic = [32]byte{
	'M', 'i', 'c', 'r', 'o', 's', 'o', 'f', 't', ' ', 'C', '/', 'C', '+', '+',
	' ', 'M', 'S', 'F', ' ', '7', '.', '0', '0', '\r', '\n', 0x1a, 'D', 'S', 0, 0, 0,
}

func buildMSF(streams [][]byte) []byte {
	const bs = 512

	next := uint32(4)
	blockNums := make([][]uint32, len(streams))
	for i, data := range streams {
		if len(data) == 0 {
			continue
		}
		n := (len(data) + bs - 1) / bs
		bns := make([]uint32, n)
		for j := 0; j < n; j++ {
			bns[j] = next
			next++
		}
		blockNums[i] = bns
	}
	total := next

	out := make([]byte, total*bs)
	copy(out[0:32], msfMagic[:])
	binary.LittleEndian.PutUint32(out[32:], bs)
	binary.LittleEndian.PutUint32(out[36:], 1)
	binary.LittleEndian.PutUint32(out[40:], total)
	binary.LittleEndian.PutUint32(out[52:], 3)

	var dir []byte
	dir = append(dir, u32le(uint32(len(streams)))...)
	for _, data := range streams {
		dir = append(dir, u32le(uint32(len(data)))...)
	}
	for i := range streams {
		for _, bn := range blockNums[i] {
			dir = append(dir, u32le(bn)...)
		}
	}
	binary.LittleEndian.PutUint32(out[44:], uint32(len(dir)))
	copy(out[2*bs:], dir)
	binary.LittleEndian.PutUint32(out[3*bs:], 2)

	for i, data := range streams {
		for j, bn := range blockNums[i] {
			start := j * bs
			end := start + bs
			if end > len(data) {
				end = len(data)
			}
			copy(out[int(bn)*bs:], data[start:end])
		}
	}
	return out
}

type pdbBuf struct{ b []byte }

func (x *pdbBuf) grow(n int) {
	if len(x.b) < n {
		x.b = append(x.b, make([]byte, n-len(x.b))...)
	}
}
func (x *pdbBuf) u16(off int, v uint16) {
	x.grow(off + 2)
	binary.LittleEndian.PutUint16(x.b[off:], v)
}
func (x *pdbBuf) u32(off int, v uint32) {
	x.grow(off + 4)
	binary.LittleEndian.PutUint32(x.b[off:], v)
}
func (x *pdbBuf) cstr(off int, s string) {
	x.grow(off + len(s) + 1)
	copy(x.b[off:], s)
	x.b[off+len(s)] = 0
}

func buildInfoStream() []byte {
	x := &pdbBuf{}
	x.u32(0, 20000404) // Version
	x.u32(4, 0xCAFEBABE)
	x.u32(8, 1) // Age
	x.grow(28)
	return x.b
}

func buildTPIStreamNoRecords() []byte {
	x := &pdbBuf{}
	x.u32(4, 56)      // HeaderSize
	x.u32(8, 0x1000)  // TypeIndexBegin
	x.u32(12, 0x1000) // TypeIndexEnd (empty range: no user-defined types)
	x.grow(56)
	return x.b
}

const sectionContribVer60 = 0xF13151F5

func buildDBIStream() []byte {
	const modInfoSize = 64
	const sectionContribSize = 32
	const optionalDbgSize = 22

	x := &pdbBuf{}
	x.u32(24, modInfoSize)
	x.u32(28, sectionContribSize)
	x.u32(32, 0)  // SectionMapSize
	x.u32(36, 0)  // SourceInfoSize
	x.u32(40, 0)  // TypeServerSize
	x.u32(48, optionalDbgSize)
	x.u32(52, 0) // ECSubstreamSize
	x.u16(20, 5) // SymRecordStreamIndex: global symbol stream
	x.u16(56, 0) // Flags: clean link, not stripped
	x.u16(58, 0x8664)
	x.grow(64)

	modStart := 64
	x.u16(modStart+32, 4) // SymStreamIndex: module symbol stream
	x.u32(modStart+34, 0)
	x.cstr(modStart+54, "m1")
	x.cstr(modStart+57, "a.obj")
	x.grow(modStart + modInfoSize)

	scStart := modStart + modInfoSize
	x.u32(scStart, sectionContribVer60)
	entry := scStart + 4
	x.u16(entry, 1)       // Section
	x.u32(entry+4, 0x10)  // Offset
	x.u32(entry+8, 0x50)  // Size
	x.u32(entry+12, 0x20) // Characteristics: CODE
	x.u16(entry+16, 0)    // ModuleIndex

	dbgStart := scStart + sectionContribSize
	x.u16(dbgStart+10, 6) // SectionHdrStreamIndex
	x.grow(dbgStart + optionalDbgSize)

	return x.b
}

func buildModuleSymbolStream() []byte {
	x := &pdbBuf{}
	x.grow(4) // leading signature word, unused

	body := make([]byte, 35+len("main")+1)
	binary.LittleEndian.PutUint32(body[12:], 0x50)   // CodeSize
	binary.LittleEndian.PutUint32(body[28:], 0x10)    // CodeOffset
	binary.LittleEndian.PutUint16(body[32:], 1)       // Segment
	copy(body[35:], "main")

	rec := make([]byte, 4+len(body))
	binary.LittleEndian.PutUint16(rec[2:], 0x110f) // S_LPROC32
	copy(rec[4:], body)
	binary.LittleEndian.PutUint16(rec[0:], uint16(2+len(body)))

	x.b = append(x.b, rec...)
	return x.b
}

func buildGlobalSymbolStream() []byte {
	body := make([]byte, 10+len("g_var")+1)
	binary.LittleEndian.PutUint32(body[0:], 0)      // Type
	binary.LittleEndian.PutUint32(body[4:], 0x80)   // Offset
	binary.LittleEndian.PutUint16(body[8:], 1)      // Segment
	copy(body[10:], "g_var")

	rec := make([]byte, 4+len(body))
	binary.LittleEndian.PutUint16(rec[2:], 0x110d) // S_GDATA32
	copy(rec[4:], body)
	binary.LittleEndian.PutUint16(rec[0:], uint16(2+len(body)))

	return rec
}

func buildSectionHeaderStream() []byte {
	x := &pdbBuf{}
	x.grow(40)
	binary.LittleEndian.PutUint32(x.b[12:], 0x401000) // VirtualAddress
	return x.b
}

func buildPDB() []byte {
	streams := [][]byte{
		{},                         // 0: reserved
		buildInfoStream(),          // 1: StreamPDBInfo
		buildTPIStreamNoRecords(),  // 2: StreamTPI
		buildDBIStream(),           // 3: StreamDBI
		buildModuleSymbolStream(),  // 4: module private symbols
		buildGlobalSymbolStream(),  // 5: global symbol-record stream
		buildSectionHeaderStream(), // 6: section-header stream
	}
	return buildMSF(streams)
}

func testLog() *sizerlog.Helper {
	return sizerlog.NewHelper(sizerlog.NewFilter(sizerlog.NewStdLogger(discardWriter{}), sizerlog.LevelError))
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestOpenAndValidate(t *testing.T) {
	data := buildPDB()
	f, err := Open(data, testLog())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := f.Validate(); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
}

func TestInfo(t *testing.T) {
	f, err := Open(buildPDB(), testLog())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	info, err := f.Info()
	if err != nil {
		t.Fatalf("Info() failed: %v", err)
	}
	if info.Age != 1 {
		t.Errorf("Info().Age = %d, want 1", info.Age)
	}
}

func TestDBIAndSectionVirtualAddresses(t *testing.T) {
	f, err := Open(buildPDB(), testLog())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	d, err := f.DBI()
	if err != nil {
		t.Fatalf("DBI() failed: %v", err)
	}
	if len(d.Modules) != 1 || d.Modules[0].ObjectFile != "a.obj" {
		t.Errorf("DBI().Modules = %+v, want one module from a.obj", d.Modules)
	}
	if len(d.SectionContributions) != 1 {
		t.Fatalf("got %d section contributions, want 1", len(d.SectionContributions))
	}

	vas, err := f.SectionVirtualAddresses()
	if err != nil {
		t.Fatalf("SectionVirtualAddresses() failed: %v", err)
	}
	if len(vas) != 1 || vas[0] != 0x401000 {
		t.Errorf("SectionVirtualAddresses() = %#x, want [0x401000]", vas)
	}
}

func TestAllSymbolRecords(t *testing.T) {
	f, err := Open(buildPDB(), testLog())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	recs, err := f.AllSymbolRecords()
	if err != nil {
		t.Fatalf("AllSymbolRecords() failed: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("got %d records, want 2 (one proc, one data)", len(recs))
	}

	var sawProc, sawData bool
	for _, r := range recs {
		if r.Kind.IsProc() {
			sawProc = true
		}
		if r.Kind.IsData() {
			sawData = true
		}
	}
	if !sawProc || !sawData {
		t.Errorf("AllSymbolRecords() = %+v, want one proc and one data record", recs)
	}
}

func TestFastLinkDetection(t *testing.T) {
	info := buildInfoStream()
	// Append the fastlink feature code right after the 28-byte header,
	// at the conservative scan start, so hasMinimalDebugInfoFeature
	// finds it.
	info = append(info, u32le(featureCodeMinimalDebugInfo)...)

	streams := [][]byte{
		{}, info, buildTPIStreamNoRecords(), buildDBIStream(),
		buildModuleSymbolStream(), buildGlobalSymbolStream(), buildSectionHeaderStream(),
	}
	f, err := Open(buildMSF(streams), testLog())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	if err := f.Validate(); err != ErrFastLinkUnsupported {
		t.Errorf("Validate() on a fastlink PDB = %v, want ErrFastLinkUnsupported", err)
	}
}
