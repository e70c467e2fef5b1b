// Copyright 2021 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

// Package pe implements the PE locator of §4.1: given the bytes of a
// memory-mapped Portable Executable image, it finds the path to the
// image's companion PDB by walking the IMAGE_DEBUG_DIRECTORY array
// and decoding the RSDS/NB10 CodeView record it names.
package pe

import (
	"github.com/saferwall/sizer/internal/bufreader"
)

// Signatures and fixed header offsets.
const (
	imageDOSSignature   = 0x5A4D // MZ
	imageNTSignature    = 0x00004550 // PE\0\0
	dosHeaderLfanewOff  = 0x3C
	imageDebugTypeCodeView = 2

	// CVSignatureRSDS is the CodeView signature for a PDB 7.0 record.
	CVSignatureRSDS = 0x53445352
	// CVSignatureNB10 is the CodeView signature for a PDB 2.0 record.
	CVSignatureNB10 = 0x3031424e
)

// imageDebugDirectory mirrors IMAGE_DEBUG_DIRECTORY.
type imageDebugDirectory struct {
	Characteristics  uint32
	TimeDateStamp    uint32
	MajorVersion     uint16
	MinorVersion     uint16
	Type             uint32
	SizeOfData       uint32
	AddressOfRawData uint32
	PointerToRawData uint32
}

// sectionHeader is the slice of IMAGE_SECTION_HEADER this locator
// needs: name, virtual address/size, and the raw-data pointer/size
// used to translate an RVA to a file offset.
type sectionHeader struct {
	Name                 [8]byte
	VirtualSize          uint32
	VirtualAddress       uint32
	SizeOfRawData        uint32
	PointerToRawData     uint32
	PointerToRelocations uint32
	PointerToLineNumbers uint32
	NumberOfRelocations  uint16
	NumberOfLineNumbers  uint16
	Characteristics      uint32
}

// GetPDBPath returns the PDB file name named by the CodeView debug
// directory entry of the PE image in data, or "" on any structural
// anomaly. It never reads past len(data).
func GetPDBPath(data []byte) string {
	r := bufreader.New(data)

	magic, err := r.Uint16(0)
	if err != nil || magic != imageDOSSignature {
		return ""
	}

	lfanew, err := r.Uint32(dosHeaderLfanewOff)
	if err != nil {
		return ""
	}

	sig, err := r.Uint32(lfanew)
	if err != nil || sig != imageNTSignature {
		return ""
	}

	fileHeaderOff := lfanew + 4
	numberOfSections, err := r.Uint16(fileHeaderOff + 2)
	if err != nil {
		return ""
	}
	sizeOfOptionalHeader, err := r.Uint16(fileHeaderOff + 16)
	if err != nil {
		return ""
	}
	optionalHeaderOff := fileHeaderOff + 20

	magic16, err := r.Uint16(optionalHeaderOff)
	if err != nil {
		return ""
	}
	var is64 bool
	switch magic16 {
	case 0x10b: // PE32
		is64 = false
	case 0x20b: // PE32+
		is64 = true
	default:
		return ""
	}

	// NumberOfRvaAndSizes lives right before the data directory array;
	// its offset differs between PE32 and PE32+ by 16 bytes (PE32+
	// widens ImageBase and the four stack/heap size fields to 64 bits
	// and drops the 32-bit BaseOfData field).
	var dataDirOff uint32
	if is64 {
		dataDirOff = optionalHeaderOff + 112
	} else {
		dataDirOff = optionalHeaderOff + 96
	}

	// Entry 6 is IMAGE_DIRECTORY_ENTRY_DEBUG.
	debugDirEntryOff := dataDirOff + 6*8
	debugRVA, err := r.Uint32(debugDirEntryOff)
	if err != nil {
		return ""
	}
	debugSize, err := r.Uint32(debugDirEntryOff + 4)
	if err != nil || debugRVA == 0 || debugSize == 0 {
		return ""
	}

	sectionTableOff := optionalHeaderOff + uint32(sizeOfOptionalHeader)
	sections := make([]sectionHeader, 0, numberOfSections)
	const sectionHeaderSize = 40
	for i := uint16(0); i < numberOfSections; i++ {
		var sh sectionHeader
		off := sectionTableOff + uint32(i)*sectionHeaderSize
		if err := r.Unpack(&sh, off, sectionHeaderSize); err != nil {
			return ""
		}
		sections = append(sections, sh)
	}

	rvaToOffset := func(rva uint32) (uint32, bool) {
		for _, s := range sections {
			if rva >= s.VirtualAddress && rva < s.VirtualAddress+s.SizeOfRawData {
				return s.PointerToRawData + (rva - s.VirtualAddress), true
			}
		}
		return 0, false
	}

	debugFileOff, ok := rvaToOffset(debugRVA)
	if !ok {
		return ""
	}

	const debugDirSize = 28
	count := debugSize / debugDirSize
	for i := uint32(0); i < count; i++ {
		var dd imageDebugDirectory
		off := debugFileOff + i*debugDirSize
		if err := r.Unpack(&dd, off, debugDirSize); err != nil {
			return ""
		}
		if dd.Type != imageDebugTypeCodeView {
			continue
		}

		sig, err := r.Uint32(dd.PointerToRawData)
		if err != nil {
			continue
		}

		switch sig {
		case CVSignatureRSDS:
			// Signature(4) + GUID(16) + Age(4) = 24 bytes before the name.
			nameOff := dd.PointerToRawData + 24
			name, err := readPDBName(r, nameOff)
			if err != nil {
				continue
			}
			return name
		case CVSignatureNB10:
			// Signature(4) + Offset(4) + Timestamp(4) + Age(4) = 16.
			nameOff := dd.PointerToRawData + 16
			name, err := readPDBName(r, nameOff)
			if err != nil {
				continue
			}
			return name
		}
	}

	return ""
}

// readPDBName reads the PdbFileName field at nameOff. Most linkers
// emit a plain ANSI C string, but some emit UTF-16LE instead; the
// two are disambiguated by looksUTF16LE before falling back to the
// common C-string path.
func readPDBName(r *bufreader.Reader, nameOff uint32) (string, error) {
	if looksUTF16LE(r, nameOff) {
		end := nameOff
		for {
			lo, err := r.Uint8(end)
			if err != nil {
				return "", err
			}
			hi, err := r.Uint8(end + 1)
			if err != nil {
				return "", err
			}
			if lo == 0 && hi == 0 {
				break
			}
			end += 2
		}
		b, err := r.BytesAt(nameOff, end-nameOff)
		if err != nil {
			return "", err
		}
		return bufreader.DecodeUTF16String(b)
	}
	name, _, err := r.CString(nameOff)
	return name, err
}

// looksUTF16LE reports whether the two code units at offset look
// like UTF-16LE text in the ASCII range: a non-zero low byte
// followed by a zero high byte, twice in a row. A plain C string
// fails this on its second byte unless the name is a single
// character, which real PDB names never are.
func looksUTF16LE(r *bufreader.Reader, offset uint32) bool {
	for i := uint32(0); i < 2; i++ {
		lo, err := r.Uint8(offset + i*2)
		if err != nil {
			return false
		}
		hi, err := r.Uint8(offset + i*2 + 1)
		if err != nil {
			return false
		}
		if lo == 0 || hi != 0 {
			return false
		}
	}
	return true
}

// HasPEExtension reports whether path looks like a PE image by its
// suffix, checked case-insensitively the way the original CLI driver
// checked ".exe"/".dll" in all four case variants.
func HasPEExtension(path string) bool {
	n := len(path)
	if n < 4 {
		return false
	}
	suffix := toLower(path[n-4:])
	return suffix == ".exe" || suffix == ".dll"
}

func toLower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}
