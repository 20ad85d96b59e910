// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package scp implements a driver for the Secure Co-Processor (SCP), a
// fixed-function AES-128 and random number engine programmed through a small
// instruction set, trapped DMA transfers and a trace sequencer.
package scp

import (
	"errors"
	"fmt"

	"github.com/usbarmory/scp-hs/internal/falcon"
)

// AES block size, all DMA transfers are a multiple of it.
const BlockSize = 16

// Maximum DMA transfer size and trace iteration count.
const (
	MaxTransferSize = 256
	MaxIterations   = MaxTransferSize / BlockSize
)

var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrTimeout         = errors.New("engine timeout")
	ErrPermission      = errors.New("register access not permitted")
)

// Register is one of the engine general purpose registers.
type Register uint8

// Engine registers
const (
	R0 Register = iota
	R1
	R2
	R3
	R4
	R5
	R6
	R7

	NumRegisters = 8
)

func (r Register) String() string {
	return fmt.Sprintf("r%d", uint8(r))
}

// TrapMode selects how trapped DMA transfers reach the engine.
type TrapMode int

const (
	// transfers move 16 bytes between memory and a register
	TrapDirect TrapMode = iota
	// transfers feed the trace sequencer push/fetch queues
	TrapSuppressed
)

// Direction of a DMA transfer.
type Direction int

const (
	// memory to engine (dmwrite)
	ToEngine Direction = iota
	// engine to memory (dmread)
	FromEngine
)

// DMA describes a trapped transfer between memory and the engine.
type DMA struct {
	Dir  Direction
	Size int
	// physical address
	Addr uint32
	// target register, ignored in TrapSuppressed mode
	Reg Register
	// output is written directly to memory, FromEngine only
	Shortcut bool
	// source memory, IMEM is valid only for ToEngine transfers
	Space falcon.Space
}

// Valid reports whether the descriptor size and alignment are supported.
func (d DMA) Valid() bool {
	if d.Size < BlockSize || d.Size > MaxTransferSize || d.Size&(d.Size-1) != 0 {
		return false
	}

	if d.Addr%uint32(d.Size) != 0 {
		return false
	}

	if d.Dir == FromEngine && d.Space == falcon.IMEM {
		return false
	}

	return d.Reg < NumRegisters
}

// RNGConfig holds the hardware random number generator parameters.
type RNGConfig struct {
	// delay between samples
	Holdoff uint16
	// entropy source selection
	Source uint8
	// deterministic output, debug and simulation only
	Fake bool
}

// DefaultRNG is the configuration used by the HS sequence.
var DefaultRNG = RNGConfig{
	Holdoff: 0x03ff,
	Source:  1,
}

// Engine represents the co-processor command interface. Implementations are
// not safe for concurrent use, the Driver serializes access.
type Engine interface {
	// ArmTrap redirects subsequent DMA transfers into the engine.
	ArmTrap(mode TrapMode)
	// DisarmTrap restores regular DMA transfers.
	DisarmTrap()
	// Transfer performs a trapped DMA transfer.
	Transfer(d DMA) error
	// Issue executes, or records while a trace is being loaded, one
	// instruction.
	Issue(i Instruction) error
	// Idle reports the engine idle status bit.
	Idle() bool

	// StartRNG configures and enables the random number generator.
	StartRNG(conf RNGConfig) error
	// StopRNG disables the random number generator.
	StopRNG()
}
