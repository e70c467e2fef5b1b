// Copyright 2021 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

// Package bufreader provides bounds-checked little-endian readers
// over an in-memory byte slice. It generalizes the ReadUint*/
// structUnpack/ReadBytesAtOffset family from the PE parser this
// module is descended from to the byte layouts a PDB's Multi-Stream
// File, DBI stream, TPI stream, and CodeView symbol records need.
package bufreader

import (
	"bytes"
	"encoding/binary"
	"errors"

	"golang.org/x/text/encoding/unicode"
)

// ErrOutsideBoundary is returned whenever a read would reach past the
// end of the underlying buffer, whether from a bad offset, a bad
// declared length, or integer overflow in offset+length.
var ErrOutsideBoundary = errors.New("bufreader: read outside buffer boundary")

// Reader is a bounds-checked cursor over a byte slice.
type Reader struct {
	data []byte
}

// New wraps data for bounds-checked reading.
func New(data []byte) *Reader {
	return &Reader{data: data}
}

// Len returns the total buffer length.
func (r *Reader) Len() uint32 {
	return uint32(len(r.data))
}

// Bytes returns the underlying buffer. Callers must not mutate it.
func (r *Reader) Bytes() []byte {
	return r.data
}

func boundsCheck(bufLen, offset, size uint32) error {
	total := offset + size
	// integer overflow: total didn't grow the way size implies.
	if (total > offset) != (size > 0) {
		return ErrOutsideBoundary
	}
	if offset > bufLen || total > bufLen {
		return ErrOutsideBoundary
	}
	return nil
}

// Uint8 reads a byte at offset.
func (r *Reader) Uint8(offset uint32) (uint8, error) {
	if err := boundsCheck(r.Len(), offset, 1); err != nil {
		return 0, err
	}
	return r.data[offset], nil
}

// Uint16 reads a little-endian uint16 at offset.
func (r *Reader) Uint16(offset uint32) (uint16, error) {
	if err := boundsCheck(r.Len(), offset, 2); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(r.data[offset:]), nil
}

// Uint32 reads a little-endian uint32 at offset.
func (r *Reader) Uint32(offset uint32) (uint32, error) {
	if err := boundsCheck(r.Len(), offset, 4); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(r.data[offset:]), nil
}

// Uint64 reads a little-endian uint64 at offset.
func (r *Reader) Uint64(offset uint32) (uint64, error) {
	if err := boundsCheck(r.Len(), offset, 8); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(r.data[offset:]), nil
}

// Int32 reads a little-endian int32 at offset.
func (r *Reader) Int32(offset uint32) (int32, error) {
	v, err := r.Uint32(offset)
	return int32(v), err
}

// BytesAt returns a sub-slice [offset, offset+size) after a bounds check.
func (r *Reader) BytesAt(offset, size uint32) ([]byte, error) {
	if err := boundsCheck(r.Len(), offset, size); err != nil {
		return nil, err
	}
	return r.data[offset : offset+size], nil
}

// Unpack decodes a fixed-size little-endian struct at offset into v,
// which must be a pointer to a struct of only fixed-size fields.
func (r *Reader) Unpack(v interface{}, offset, size uint32) error {
	buf, err := r.BytesAt(offset, size)
	if err != nil {
		return err
	}
	return binary.Read(bytes.NewReader(buf), binary.LittleEndian, v)
}

// CString reads a NUL-terminated string starting at offset, returning
// the string and the offset just past the terminator. It never reads
// past the buffer even when no terminator is found.
func (r *Reader) CString(offset uint32) (string, uint32, error) {
	if offset > r.Len() {
		return "", offset, ErrOutsideBoundary
	}
	end := offset
	for end < r.Len() && r.data[end] != 0 {
		end++
	}
	if end >= r.Len() {
		return "", offset, ErrOutsideBoundary
	}
	return string(r.data[offset:end]), end + 1, nil
}

// DecodeUTF16String decodes a NUL-terminated UTF-16LE string from b,
// used for the rare PdbFileName emitted as UTF-16 by some linkers.
func DecodeUTF16String(b []byte) (string, error) {
	n := len(b)
	for i := 0; i+1 < len(b); i += 2 {
		if b[i] == 0 && b[i+1] == 0 {
			n = i
			break
		}
	}
	if n == 0 {
		return "", nil
	}
	decoder := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewDecoder()
	s, err := decoder.Bytes(b[:n])
	if err != nil {
		return "", err
	}
	return string(s), nil
}
