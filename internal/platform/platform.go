// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package platform provides access to the chip registers and fuses consumed
// by the HS sequence.
package platform

import (
	"errors"
	"fmt"
	mbits "math/bits"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/usbarmory/tamago/bits"

	"github.com/usbarmory/scp-hs/internal/falcon"
)

// Chip registers
const (
	PMC_BOOT_42  = 0x00000a00
	BOOT_42_CHIP = 20

	FUSE_OPT_PRIV_SEC_EN = 0x00021434
	// non-programmable fuse revocation version
	FUSE_OPT_HS_REV = 0x00021328
	FUSE_HS_REV     = 0
	FUSE_HS_REV_MSK = 0xff

	// field programmable fuse revocation version, thermometer encoded
	FPF_HS_REV = 0x00820140
)

var (
	ErrReadback = errors.New("fuse readback mismatch")
	ErrTimeout  = errors.New("register poll timeout")
)

// PollMode selects the Poll32 completion condition.
type PollMode int

const (
	PollEqual PollMode = iota
	PollNotEqual
)

// Platform represents the chip facilities external to the processor.
type Platform interface {
	Read32(addr uint32) uint32
	Write32(addr uint32, val uint32)
	// Poll32 waits until the masked register value matches want, as
	// selected by mode.
	Poll32(addr uint32, mask uint32, want uint32, timeout time.Duration, mode PollMode) error

	FuseRevocation() (uint32, error)
	FPFRevocation() (uint32, error)
	ChipID() (uint32, error)
	PrivSecEnabled() (bool, error)

	// VAToPA translates a DMEM virtual address to a physical one.
	VAToPA(va uint32) uint32
}

// Poll32 waits on a bus register.
func Poll32(bus falcon.Bus, addr uint32, mask uint32, want uint32, timeout time.Duration, mode PollMode) (err error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Microsecond
	b.MaxInterval = time.Millisecond
	b.MaxElapsedTime = timeout

	err = backoff.Retry(func() error {
		val := bus.Read32(addr) & mask

		if (val == want) == (mode == PollEqual) {
			return nil
		}

		return fmt.Errorf("%#x:%#x", addr, val)
	}, b)

	if err != nil {
		return fmt.Errorf("%w, %v", ErrTimeout, err)
	}

	return
}

// Registers implements Platform over a register bus.
type Registers struct {
	Bus falcon.Bus
	// DMEM virtual address base
	VABase uint32
}

func (r *Registers) Read32(addr uint32) uint32 {
	return r.Bus.Read32(addr)
}

func (r *Registers) Write32(addr uint32, val uint32) {
	r.Bus.Write32(addr, val)
}

func (r *Registers) Poll32(addr uint32, mask uint32, want uint32, timeout time.Duration, mode PollMode) error {
	return Poll32(r.Bus, addr, mask, want, timeout, mode)
}

// fuse reads a fuse register twice, a glitched read fails closed.
func (r *Registers) fuse(addr uint32) (val uint32, err error) {
	val = r.Bus.Read32(addr)

	if res := r.Bus.Read32(addr); res != val {
		return 0, fmt.Errorf("%w, addr:%#x val:%#x res:%#x", ErrReadback, addr, val, res)
	}

	return
}

func (r *Registers) FuseRevocation() (rev uint32, err error) {
	val, err := r.fuse(FUSE_OPT_HS_REV)

	if err != nil {
		return
	}

	return bits.Get(&val, FUSE_HS_REV, FUSE_HS_REV_MSK), nil
}

func (r *Registers) FPFRevocation() (rev uint32, err error) {
	val, err := r.fuse(FPF_HS_REV)

	if err != nil {
		return
	}

	return uint32(mbits.Len32(val)), nil
}

func (r *Registers) ChipID() (id uint32, err error) {
	val, err := r.fuse(PMC_BOOT_42)

	if err != nil {
		return
	}

	return bits.Get(&val, BOOT_42_CHIP, 0xfff), nil
}

func (r *Registers) PrivSecEnabled() (en bool, err error) {
	val, err := r.fuse(FUSE_OPT_PRIV_SEC_EN)
	return bits.IsSet(&val, 0), err
}

func (r *Registers) VAToPA(va uint32) uint32 {
	return va - r.VABase
}
