// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package scp

import (
	"fmt"
)

// StartRNG configures and enables the hardware random number generator,
// Random128 can only be used between StartRNG and StopRNG.
func (d *Driver) StartRNG(conf RNGConfig) (err error) {
	if conf.Fake && !d.Debug {
		return fmt.Errorf("%w, fake RNG requires debug mode", ErrInvalidArgument)
	}

	d.Lock()
	defer d.Unlock()

	if err = d.Engine.StartRNG(conf); err != nil {
		return
	}

	d.rng = true

	return
}

// StopRNG disables the hardware random number generator.
func (d *Driver) StopRNG() {
	d.Lock()
	defer d.Unlock()

	d.Engine.StopRNG()
	d.rng = false
}

// Random128 writes 16 random bytes at DMEM address dst. Two hardware draws
// are whitened by encrypting one under the other, the optional 16 bytes
// blocks at the mix addresses are folded in before whitening.
func (d *Driver) Random128(dst uint32, mix ...uint32) (err error) {
	if !aligned(dst) {
		return fmt.Errorf("%w, buffer alignment", ErrInvalidArgument)
	}

	for _, addr := range mix {
		if !aligned(addr) {
			return fmt.Errorf("%w, buffer alignment", ErrInvalidArgument)
		}
	}

	return d.Run(func(e Engine) (err error) {
		if !d.rng {
			return fmt.Errorf("%w, RNG not started", ErrInvalidArgument)
		}

		e.ArmTrap(TrapDirect)
		defer e.DisarmTrap()

		if err = Issue(e, Rand(R3)); err != nil {
			return
		}

		// draws must be separated by at least one busy period
		if err = d.WaitIdle(); err != nil {
			return
		}

		if err = Issue(e, Rand(R4)); err != nil {
			return
		}

		for _, addr := range mix {
			if err = d.Load(R2, addr); err != nil {
				return
			}

			if err = Issue(e, Xor(R2, R3)); err != nil {
				return
			}
		}

		if err = Issue(e, Key(R4), Encrypt(R3, R3)); err != nil {
			return
		}

		return d.Store(R3, dst)
	})
}
