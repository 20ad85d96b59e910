// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package falcon models the microcontroller resources used by the secure
// co-processor driver and the HS entry sequence: data and instruction
// memories, IMEM block tags and the CSB register space.
package falcon

import (
	"encoding/binary"
	"errors"
	"io"
)

// Space selects the memory a DMA address refers to.
type Space int

const (
	DMEM Space = iota
	IMEM
)

func (s Space) String() string {
	switch s {
	case DMEM:
		return "dmem"
	case IMEM:
		return "imem"
	default:
		return "invalid"
	}
}

// Memory is a byte addressable memory, offsets are physical addresses.
type Memory interface {
	io.ReaderAt
	io.WriterAt
}

var ErrOutOfRange = errors.New("address out of range")

// RAM represents a Falcon data or instruction memory.
type RAM struct {
	buf []byte
}

// NewRAM allocates a zeroed memory of the given size.
func NewRAM(size int) *RAM {
	return &RAM{
		buf: make([]byte, size),
	}
}

// Size returns the memory size in bytes.
func (r *RAM) Size() int {
	return len(r.buf)
}

func (r *RAM) ReadAt(p []byte, off int64) (n int, err error) {
	if off < 0 || off+int64(len(p)) > int64(len(r.buf)) {
		return 0, ErrOutOfRange
	}

	return copy(p, r.buf[off:]), nil
}

func (r *RAM) WriteAt(p []byte, off int64) (n int, err error) {
	if off < 0 || off+int64(len(p)) > int64(len(r.buf)) {
		return 0, ErrOutOfRange
	}

	return copy(r.buf[off:], p), nil
}

// Read32 reads a little-endian 32-bit word.
func (r *RAM) Read32(addr uint32) uint32 {
	return binary.LittleEndian.Uint32(r.buf[addr:])
}

// Write32 writes a little-endian 32-bit word.
func (r *RAM) Write32(addr uint32, val uint32) {
	binary.LittleEndian.PutUint32(r.buf[addr:], val)
}

// Zero clears the [from, to) address range, clamped to the memory size.
func (r *RAM) Zero(from uint32, to uint32) {
	if to > uint32(len(r.buf)) {
		to = uint32(len(r.buf))
	}

	if from >= to {
		return
	}

	clear(r.buf[from:to])
}
