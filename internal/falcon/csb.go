// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package falcon

import (
	"sync"

	"github.com/usbarmory/tamago/bits"
)

// Falcon CSB registers
const (
	FALCON_MAILBOX0 = 0x0040
	FALCON_MAILBOX1 = 0x0044

	FALCON_CPUCTL_ALIAS = 0x0130
	CPUCTL_ALIAS_EN     = 6

	FALCON_SCTL           = 0x0240
	SCTL_LSMODE           = 0
	SCTL_HSMODE           = 1
	SCTL_LSMODE_LEVEL     = 4
	SCTL_DEBUG_PRIV_LEVEL = 8
	SCTL_AUTH_EN          = 14
	// set when the unit is not production fused
	SCTL_DEBUG_MODE = 20

	FALCON_IMEM_PLM   = 0x0380
	FALCON_DMEM_PLM   = 0x0384
	FALCON_CPUCTL_PLM = 0x0388
	FALCON_SCTL_PLM   = 0x038c
	FALCON_RESET_PLM  = 0x0390

	PLM_READ_PROTECTION  = 0
	PLM_WRITE_PROTECTION = 4
	PLM_READ_VIOLATION   = 8
	PLM_WRITE_VIOLATION  = 9
)

// Privilege level masks, bit n grants access to privilege level n.
const (
	PLM_ALL_LEVELS = 0b1111
	PLM_LEVEL3     = 0b1000
	PLM_LEVEL_MASK = 0b1111
)

// Bus represents a 32-bit register space.
type Bus interface {
	Read32(addr uint32) uint32
	Write32(addr uint32, val uint32)
}

// CSB is an in-memory register file implementing Bus.
type CSB struct {
	sync.Mutex

	regs map[uint32]uint32
	// Writes records every register write in order.
	Writes []Access
}

// Access represents a register write.
type Access struct {
	Addr uint32
	Val  uint32
}

func (c *CSB) Read32(addr uint32) uint32 {
	c.Lock()
	defer c.Unlock()

	return c.regs[addr]
}

func (c *CSB) Write32(addr uint32, val uint32) {
	c.Lock()
	defer c.Unlock()

	if c.regs == nil {
		c.regs = make(map[uint32]uint32)
	}

	c.regs[addr] = val
	c.Writes = append(c.Writes, Access{addr, val})
}

// PLM encodes a privilege level mask register value.
func PLM(read uint32, write uint32) (val uint32) {
	bits.SetN(&val, PLM_READ_PROTECTION, PLM_LEVEL_MASK, read)
	bits.SetN(&val, PLM_WRITE_PROTECTION, PLM_LEVEL_MASK, write)
	return
}

// PLMLevels decodes a privilege level mask register value.
func PLMLevels(val uint32) (read uint32, write uint32) {
	read = bits.Get(&val, PLM_READ_PROTECTION, PLM_LEVEL_MASK)
	write = bits.Get(&val, PLM_WRITE_PROTECTION, PLM_LEVEL_MASK)
	return
}
