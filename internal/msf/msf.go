// Copyright 2021 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

// Package msf implements the Multi-Stream File container that
// underlies a PDB: a superblock naming a block size and a root
// directory, a free-block bitmap, and a root directory listing each
// stream's size and block numbers. Streams are read by gathering
// their blocks into one contiguous buffer.
package msf

import (
	"encoding/binary"
	"errors"

	"github.com/saferwall/sizer/internal/bufreader"
)

// Fixed stream indices reserved by the PDB format.
const (
	StreamPDBInfo = 1
	StreamTPI     = 2
	StreamDBI     = 3
	StreamIPI     = 4
)

var magic = [32]byte{
	'M', 'i', 'c', 'r', 'o', 's', 'o', 'f', 't', ' ', 'C', '/', 'C', '+', '+',
	' ', 'M', 'S', 'F', ' ', '7', '.', '0', '0', '\r', '\n', 0x1a, 'D', 'S', 0, 0, 0,
}

// Errors reported while validating or reading the container.
var (
	ErrBadMagic        = errors.New("msf: bad superblock signature")
	ErrBadBlockSize    = errors.New("msf: block size is not a supported power of two")
	ErrInvalidStream   = errors.New("msf: invalid stream index")
	ErrStreamNotPresent = errors.New("msf: stream not present")
)

// superblock is the fixed MSF header (post 32-byte magic).
type superblock struct {
	BlockSize         uint32
	FreeBlockMapBlock uint32
	NumBlocks         uint32
	NumDirectoryBytes uint32
	Unknown           uint32
	BlockMapAddr      uint32
}

// File is an opened MSF container over an in-memory byte buffer
// (normally a read-only memory mapping owned by the top-level driver,
// per §5's shared-resource rule).
type File struct {
	data  []byte
	r     *bufreader.Reader
	super superblock

	streamSizes []uint32
	streamBlocks [][]uint32
}

func validBlockSize(n uint32) bool {
	switch n {
	case 512, 1024, 2048, 4096:
		return true
	}
	return false
}

// NewFile parses the MSF container from data.
func NewFile(data []byte) (*File, error) {
	r := bufreader.New(data)

	magicBuf, err := r.BytesAt(0, 32)
	if err != nil {
		return nil, err
	}
	for i, b := range magicBuf {
		if b != magic[i] {
			return nil, ErrBadMagic
		}
	}

	f := &File{data: data, r: r}
	if err := r.Unpack(&f.super, 32, 24); err != nil {
		return nil, err
	}
	if !validBlockSize(f.super.BlockSize) {
		return nil, ErrBadBlockSize
	}

	if err := f.readStreamDirectory(); err != nil {
		return nil, err
	}
	return f, nil
}

// numDirectoryBlocks is how many block-size blocks are needed to hold
// the NumDirectoryBytes bytes of the stream directory itself.
func (f *File) numDirectoryBlocks() uint32 {
	bs := f.super.BlockSize
	return (f.super.NumDirectoryBytes + bs - 1) / bs
}

func (f *File) readBlock(blockNum uint32) ([]byte, error) {
	bs := f.super.BlockSize
	return f.r.BytesAt(blockNum*bs, bs)
}

// gatherBlocks concatenates size bytes starting at the blocks named
// in blockNums, each blockSize bytes long except possibly the last.
func (f *File) gatherBlocks(blockNums []uint32, size uint32) ([]byte, error) {
	bs := f.super.BlockSize
	out := make([]byte, 0, size)
	remaining := size
	for _, bn := range blockNums {
		n := bs
		if remaining < n {
			n = remaining
		}
		blk, err := f.r.BytesAt(bn*bs, n)
		if err != nil {
			return nil, err
		}
		out = append(out, blk...)
		remaining -= n
		if remaining == 0 {
			break
		}
	}
	return out, nil
}

// readStreamDirectory reads the block map for the stream directory
// (indirected through BlockMapAddr, since the directory itself can
// span more than one block), then the directory contents: a stream
// count, a size array, and a block-number array per stream.
func (f *File) readStreamDirectory() error {
	dirBlockCount := f.numDirectoryBlocks()
	bs := f.super.BlockSize

	// BlockMapAddr points at an array of dirBlockCount uint32 block
	// numbers, themselves possibly spanning multiple blocks.
	indirectSize := dirBlockCount * 4
	indirectBlockCount := (indirectSize + bs - 1) / bs
	indirectBlocks := make([]uint32, indirectBlockCount)
	base := f.super.BlockMapAddr * bs
	for i := range indirectBlocks {
		v, err := f.r.Uint32(base + uint32(i)*4)
		if err != nil {
			return err
		}
		indirectBlocks[i] = v
	}

	dirBlockNums := make([]uint32, dirBlockCount)
	raw, err := f.gatherBlocks(indirectBlocks, indirectSize)
	if err != nil {
		return err
	}
	for i := uint32(0); i < dirBlockCount; i++ {
		dirBlockNums[i] = binary.LittleEndian.Uint32(raw[i*4:])
	}

	dir, err := f.gatherBlocks(dirBlockNums, f.super.NumDirectoryBytes)
	if err != nil {
		return err
	}

	dr := bufreader.New(dir)
	numStreams, err := dr.Uint32(0)
	if err != nil {
		return err
	}

	sizes := make([]uint32, numStreams)
	off := uint32(4)
	for i := uint32(0); i < numStreams; i++ {
		sz, err := dr.Uint32(off)
		if err != nil {
			return err
		}
		sizes[i] = sz
		off += 4
	}

	blocks := make([][]uint32, numStreams)
	for i := uint32(0); i < numStreams; i++ {
		sz := sizes[i]
		if sz == 0xFFFFFFFF {
			blocks[i] = nil
			continue
		}
		nblocks := (sz + bs - 1) / bs
		bn := make([]uint32, nblocks)
		for j := uint32(0); j < nblocks; j++ {
			v, err := dr.Uint32(off)
			if err != nil {
				return err
			}
			bn[j] = v
			off += 4
		}
		blocks[i] = bn
	}

	f.streamSizes = sizes
	f.streamBlocks = blocks
	return nil
}

// NumStreams returns the number of streams in the directory.
func (f *File) NumStreams() uint32 {
	return uint32(len(f.streamSizes))
}

// BlockSize returns the container's block size.
func (f *File) BlockSize() uint32 {
	return f.super.BlockSize
}

// StreamExists reports whether the given stream index is present
// (not the 0xFFFFFFFF "nonexistent" sentinel size).
func (f *File) StreamExists(index uint32) bool {
	if index >= uint32(len(f.streamSizes)) {
		return false
	}
	return f.streamSizes[index] != 0xFFFFFFFF
}

// ReadStream reads and returns the full contents of one stream.
func (f *File) ReadStream(index uint32) ([]byte, error) {
	if index >= uint32(len(f.streamSizes)) {
		return nil, ErrInvalidStream
	}
	size := f.streamSizes[index]
	if size == 0xFFFFFFFF {
		return nil, ErrStreamNotPresent
	}
	if size == 0 {
		return []byte{}, nil
	}
	return f.gatherBlocks(f.streamBlocks[index], size)
}
