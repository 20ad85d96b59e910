// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package scp

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/golang/glog"

	"github.com/usbarmory/scp-hs/internal/falcon"
)

// DefaultTimeout bounds the engine idle poll.
const DefaultTimeout = 500 * time.Millisecond

var errBusy = errors.New("engine busy")

// Driver serializes access to a co-processor engine, which is a single
// global resource whose registers persist across calls.
type Driver struct {
	sync.Mutex

	Engine Engine

	// DMEM address of a 16 bytes aligned buffer used for scrubbing
	Scratch uint32
	// VAToPA translates DMEM virtual addresses, identity when nil
	VAToPA func(va uint32) uint32
	// Timeout bounds WaitIdle, DefaultTimeout when zero
	Timeout time.Duration
	// Debug allows fake RNG configurations
	Debug bool

	rng bool
}

func (d *Driver) pa(va uint32) uint32 {
	if d.VAToPA == nil {
		return va
	}

	return d.VAToPA(va)
}

func aligned(addr uint32) bool {
	return addr%BlockSize == 0
}

// Run executes fn with exclusive access to the engine, registers are
// scrubbed once fn returns regardless of its outcome.
func (d *Driver) Run(fn func(e Engine) error) (err error) {
	d.Lock()
	defer d.Unlock()

	defer func() {
		if serr := d.scrub(); err == nil {
			err = serr
		}
	}()

	return fn(d.Engine)
}

// WaitIdle polls the engine idle status, a timeout leaves the engine in an
// unknown state and must not be retried.
func (d *Driver) WaitIdle() (err error) {
	timeout := d.Timeout

	if timeout == 0 {
		timeout = DefaultTimeout
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Microsecond
	b.MaxInterval = 10 * time.Millisecond
	b.MaxElapsedTime = timeout

	err = backoff.Retry(func() error {
		if !d.Engine.Idle() {
			return errBusy
		}

		return nil
	}, b)

	if err != nil {
		glog.Errorf("scp: engine not idle after %v", timeout)
		return fmt.Errorf("%w after %v", ErrTimeout, timeout)
	}

	return
}

// transfer performs a trapped DMA transfer followed by an idle wait.
func (d *Driver) transfer(dma DMA) (err error) {
	if dma.Space == falcon.DMEM {
		dma.Addr = d.pa(dma.Addr)
	}

	if !dma.Valid() {
		return fmt.Errorf("%w, dma size:%d addr:%#x", ErrInvalidArgument, dma.Size, dma.Addr)
	}

	glog.V(2).Infof("scp: dma dir:%d size:%d addr:%#x reg:%s space:%s", dma.Dir, dma.Size, dma.Addr, dma.Reg, dma.Space)

	if err = d.Engine.Transfer(dma); err != nil {
		return
	}

	return d.WaitIdle()
}

// Load performs a trapped 16 bytes DMA transfer from memory into reg.
func (d *Driver) Load(reg Register, addr uint32) error {
	return d.transfer(DMA{Dir: ToEngine, Size: BlockSize, Addr: addr, Reg: reg})
}

// Store performs a trapped 16 bytes DMA transfer from reg into memory.
func (d *Driver) Store(reg Register, addr uint32) error {
	return d.transfer(DMA{Dir: FromEngine, Size: BlockSize, Addr: addr, Reg: reg})
}

// LoadFrom is like Load with an explicit source memory.
func (d *Driver) LoadFrom(dma DMA) error {
	dma.Dir = ToEngine
	return d.transfer(dma)
}

// Issue executes instructions in order, it must be called within Run.
func Issue(e Engine, insns ...Instruction) (err error) {
	for _, i := range insns {
		glog.V(2).Infof("scp: %s", i)

		if err = e.Issue(i); err != nil {
			return fmt.Errorf("%s: %w", i, err)
		}
	}

	return
}

// Scrub overwrites all engine registers with a non-secret value and then
// clears them.
func (d *Driver) Scrub() error {
	d.Lock()
	defer d.Unlock()

	return d.scrub()
}

func (d *Driver) scrub() (err error) {
	if !aligned(d.Scratch) {
		return fmt.Errorf("%w, scratch buffer alignment", ErrInvalidArgument)
	}

	d.Engine.ArmTrap(TrapDirect)
	defer d.Engine.DisarmTrap()

	// The DMA load gives r0 the fetchable attribute, which mov then
	// propagates to all other registers. A failed load still clears every
	// register, the first error is returned.
	err = d.Load(R0, d.Scratch)

	for r := R1; r < NumRegisters; r++ {
		if ierr := Issue(d.Engine, Mov(R0, r)); err == nil {
			err = ierr
		}
	}

	for r := R0; r < NumRegisters; r++ {
		if ierr := Issue(d.Engine, Xor(r, r)); err == nil {
			err = ierr
		}
	}

	return
}

// deriveKey leaves in r3 the encryption of the salt with a hardware secret.
func (d *Driver) deriveKey(s Secret, salt uint32) (err error) {
	secret, err := LoadSecret(s, R2)

	if err != nil {
		return
	}

	d.Engine.ArmTrap(TrapDirect)
	defer d.Engine.DisarmTrap()

	if err = d.Load(R1, salt); err != nil {
		return
	}

	return Issue(d.Engine,
		secret,
		Key(R2),
		Encrypt(R1, R3),
	)
}

func exported(s Secret) bool {
	return s == SecretGFEKEK || s == SecretIndex10
}

// owned returns an error unless e is the engine handed out by Run.
func (d *Driver) owned(e Engine) error {
	if e != d.Engine {
		return fmt.Errorf("%w, foreign engine", ErrPermission)
	}

	if d.TryLock() {
		d.Unlock()
		return fmt.Errorf("%w, engine not owned, use Run", ErrPermission)
	}

	return nil
}

// DeriveKey loads in r3 a key derived by encrypting the 16 bytes salt, at
// DMEM address salt, with one of the general purpose hardware secrets. The
// engine must be the one passed by Run so that the derived key is consumed
// before registers are scrubbed.
func (d *Driver) DeriveKey(e Engine, s Secret, salt uint32) (err error) {
	if !exported(s) {
		return fmt.Errorf("%w, secret %s not allowed", ErrInvalidArgument, s)
	}

	return d.DeriveSecretKey(e, s, salt)
}

// DeriveSecretKey is like DeriveKey but accepts any sanctioned secret, it is
// meant for signature derivation only.
func (d *Driver) DeriveSecretKey(e Engine, s Secret, salt uint32) (err error) {
	if !aligned(salt) {
		return fmt.Errorf("%w, salt alignment", ErrInvalidArgument)
	}

	if err = d.owned(e); err != nil {
		return
	}

	return d.deriveKey(s, salt)
}
