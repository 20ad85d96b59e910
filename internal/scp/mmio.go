// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package scp

import (
	"fmt"
	mbits "math/bits"

	"github.com/usbarmory/tamago/bits"

	"github.com/usbarmory/scp-hs/internal/falcon"
)

// SCP trap register
const (
	TRAP_ARM      = 0
	TRAP_SUPPRESS = 1
)

// SCP DMA command register
const (
	DMA_CMD_DIR      = 0
	DMA_CMD_SIZE     = 1
	DMA_CMD_REG      = 4
	DMA_CMD_SHORTCUT = 7
	DMA_CMD_GO       = 31

	DMA_SRC_IMEM = 0
)

// SCP status register
const (
	STATUS_IDLE      = 0
	STATUS_RNG_READY = 1
)

// SCP RNG control register
const (
	RNG_CTL_EN      = 0
	RNG_CTL_FAKE    = 1
	RNG_CTL_SOURCE  = 4
	RNG_CTL_HOLDOFF = 16
)

// regmap describes the register offsets and command field layout of an
// engine integration.
type regmap struct {
	ccr     uint32
	trap    uint32
	dmaAddr uint32
	dmaCmd  uint32
	dmaSrc  uint32
	status  uint32
	rngCtl  uint32

	op      int
	x       int
	y       int
	imm     int
	immMask int
}

// Falcon cores reach the engine through the CCR command register in their
// own CSB space.
var falconRegs = regmap{
	ccr:     0x1c00,
	trap:    0x1c04,
	dmaAddr: 0x1c08,
	dmaCmd:  0x1c0c,
	dmaSrc:  0x1c10,
	status:  0x1c14,
	rngCtl:  0x1c18,

	op:      24,
	x:       8,
	y:       0,
	imm:     12,
	immMask: 0x3f,
}

// RISC-V cores reach the engine through a dedicated register block.
var riscvRegs = regmap{
	ccr:     0x2200,
	trap:    0x2210,
	dmaAddr: 0x2220,
	dmaCmd:  0x2224,
	dmaSrc:  0x2228,
	status:  0x2230,
	rngCtl:  0x2240,

	op:      0,
	x:       16,
	y:       20,
	imm:     8,
	immMask: 0xff,
}

// MMIO is an Engine driven through memory mapped command registers.
type MMIO struct {
	Bus falcon.Bus

	regs  regmap
	space falcon.Space
}

// NewFalcon returns the engine of a Falcon core.
func NewFalcon(bus falcon.Bus) *MMIO {
	return &MMIO{
		Bus:  bus,
		regs: falconRegs,
	}
}

// NewRISCV returns the engine of a RISC-V core.
func NewRISCV(bus falcon.Bus) *MMIO {
	return &MMIO{
		Bus:  bus,
		regs: riscvRegs,
	}
}

// Encode returns the command register value for an instruction.
func (m *MMIO) Encode(i Instruction) (cmd uint32) {
	bits.SetN(&cmd, m.regs.op, 0x1f, uint32(i.Op))
	bits.SetN(&cmd, m.regs.x, 0x7, uint32(i.X))
	bits.SetN(&cmd, m.regs.y, 0x7, uint32(i.Y))
	bits.SetN(&cmd, m.regs.imm, m.regs.immMask, uint32(i.Imm))
	return
}

func (m *MMIO) ArmTrap(mode TrapMode) {
	var val uint32

	bits.Set(&val, TRAP_ARM)

	if mode == TrapSuppressed {
		bits.Set(&val, TRAP_SUPPRESS)
	}

	m.Bus.Write32(m.regs.trap, val)
}

func (m *MMIO) DisarmTrap() {
	m.Bus.Write32(m.regs.trap, 0)
}

func (m *MMIO) Transfer(d DMA) (err error) {
	var cmd uint32

	if !d.Valid() {
		return fmt.Errorf("%w, dma size:%d addr:%#x", ErrInvalidArgument, d.Size, d.Addr)
	}

	if d.Space != m.space {
		var src uint32

		if d.Space == falcon.IMEM {
			bits.Set(&src, DMA_SRC_IMEM)
		}

		m.Bus.Write32(m.regs.dmaSrc, src)
		m.space = d.Space
	}

	if d.Dir == FromEngine {
		bits.Set(&cmd, DMA_CMD_DIR)
	}

	if d.Shortcut {
		bits.Set(&cmd, DMA_CMD_SHORTCUT)
	}

	bits.SetN(&cmd, DMA_CMD_SIZE, 0x7, uint32(mbits.TrailingZeros(uint(d.Size/BlockSize))))
	bits.SetN(&cmd, DMA_CMD_REG, 0x7, uint32(d.Reg))
	bits.Set(&cmd, DMA_CMD_GO)

	m.Bus.Write32(m.regs.dmaAddr, d.Addr)
	m.Bus.Write32(m.regs.dmaCmd, cmd)

	return
}

func (m *MMIO) Issue(i Instruction) error {
	if i.X >= NumRegisters || i.Y >= NumRegisters {
		return ErrInvalidArgument
	}

	m.Bus.Write32(m.regs.ccr, m.Encode(i))

	return nil
}

func (m *MMIO) Idle() bool {
	status := m.Bus.Read32(m.regs.status)
	return bits.IsSet(&status, STATUS_IDLE)
}

func (m *MMIO) StartRNG(conf RNGConfig) error {
	var ctl uint32

	bits.Set(&ctl, RNG_CTL_EN)

	if conf.Fake {
		bits.Set(&ctl, RNG_CTL_FAKE)
	}

	bits.SetN(&ctl, RNG_CTL_SOURCE, 0x3, uint32(conf.Source))
	bits.SetN(&ctl, RNG_CTL_HOLDOFF, 0xffff, uint32(conf.Holdoff))

	m.Bus.Write32(m.regs.rngCtl, ctl)

	return nil
}

func (m *MMIO) StopRNG() {
	m.Bus.Write32(m.regs.rngCtl, 0)
}
