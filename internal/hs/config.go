// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package hs

import (
	"time"

	"github.com/usbarmory/scp-hs/internal/signature"
)

// DefaultPollTimeout bounds register polls performed by the sequence.
const DefaultPollTimeout = 10 * time.Millisecond

// Image represents an authenticated memory range.
type Image struct {
	Addr uint32
	Size uint32
}

func (i Image) contains(start uint32, end uint32) bool {
	return start < i.Addr+i.Size && end > i.Addr
}

// Config holds the compiled-in parameters of an HS image.
type Config struct {
	// required revocation version declared by the image
	Revocation uint32
	// overall firmware version bound to the signatures
	Version uint32
	// firmware identifier bound to the signatures
	FirmwareID uint32
	// HS image revision, matched against the value expected by LS
	Revision uint32
	// expected chip identifier
	ChipID uint32
	// debug signed image
	Debug bool

	IMEM Image
	DMEM Image

	IMEMSignatures signature.Table
	DMEMSignatures signature.Table

	// DMEM layout, all buffers are 16 bytes aligned

	// engine scrub buffer (16 bytes)
	Scratch uint32
	// hashing and RNG work area (signature.BufSize bytes)
	Work uint32
	// stack protector guard word
	Canary uint32
	// HS revision expected by LS
	RevisionAddr uint32
	// start of the area erased on exit, up to the entry stack pointer
	ScrubFrom uint32

	PollTimeout time.Duration
}

// Caller represents the less secure context requesting HS entry.
type Caller struct {
	// IMEM address execution returns to, expected to hold two dummy jumps
	ReturnAddr uint32
	// LS privilege level granted on exit
	Level uint32
}
