// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package scp

import (
	"fmt"
)

// KeySource selects the AES-128 key of a bulk operation.
type KeySource struct {
	// DMEM address of the raw key, or of the salt when Derived is set
	Addr uint32
	// key is derived from Secret and the salt at Addr
	Derived bool
	Secret  Secret
}

// RawKey selects the 16 bytes key at DMEM address addr.
func RawKey(addr uint32) KeySource {
	return KeySource{Addr: addr}
}

// DerivedKey selects the key derived from a hardware secret and the 16 bytes
// salt at DMEM address salt.
func DerivedKey(s Secret, salt uint32) KeySource {
	return KeySource{Addr: salt, Derived: true, Secret: s}
}

// CBC trace bodies, r2 holds the chaining value.
var (
	cbcEncryptTrace = []Instruction{
		Push(R3),
		Xor(R2, R3),
		Encrypt(R3, R5),
		Mov(R5, R2),
		Fetch(R5),
	}

	cbcDecryptTrace = []Instruction{
		Push(R3),
		Decrypt(R3, R5),
		Xor(R2, R5),
		Mov(R3, R2),
		Fetch(R5),
	}
)

// CTR trace body, r2 holds the counter.
var ctrTrace = []Instruction{
	Push(R3),
	Encrypt(R2, R5),
	Xor(R3, R5),
	Add(1, R2),
	Fetch(R5),
}

func checkArgs(k KeySource, src uint32, size int, dst uint32, iv uint32) error {
	if k.Derived && !exported(k.Secret) {
		return fmt.Errorf("%w, secret %s not allowed", ErrInvalidArgument, k.Secret)
	}

	if size <= 0 || size%BlockSize != 0 {
		return fmt.Errorf("%w, size %d", ErrInvalidArgument, size)
	}

	if !aligned(k.Addr) || !aligned(src) || !aligned(dst) || !aligned(iv) {
		return fmt.Errorf("%w, buffer alignment", ErrInvalidArgument)
	}

	return nil
}

// loadKey leaves the selected key in r3.
func (d *Driver) loadKey(k KeySource) (err error) {
	if k.Derived {
		return d.deriveKey(k.Secret, k.Addr)
	}

	d.Engine.ArmTrap(TrapDirect)
	defer d.Engine.DisarmTrap()

	return d.Load(R3, k.Addr)
}

// program loads the key, the IV and the trace for a bulk operation.
func (d *Driver) program(k KeySource, iv uint32, round Instruction, body []Instruction) (err error) {
	if err = d.loadKey(k); err != nil {
		return
	}

	d.Engine.ArmTrap(TrapDirect)
	err = d.Load(R2, iv)
	d.Engine.DisarmTrap()

	if err != nil {
		return
	}

	insns := []Instruction{
		round,
		Key(R4),
		LoadTrace(uint8(len(body))),
	}

	return Issue(d.Engine, append(insns, body...)...)
}

// CBC performs AES-128-CBC encryption or decryption of size bytes from src
// to dst. All addresses must be 16 bytes aligned and size a non-zero multiple
// of 16. With shortcut set the engine output is written directly to memory.
func (d *Driver) CBC(k KeySource, encrypt bool, shortcut bool, src uint32, size int, dst uint32, iv uint32) error {
	if err := checkArgs(k, src, size, dst, iv); err != nil {
		return err
	}

	return d.Run(func(e Engine) (err error) {
		round := Mov(R3, R4)
		body := cbcEncryptTrace

		if !encrypt {
			// decryption runs the inverse cipher from the last round key
			round = RKey10(R3, R4)
			body = cbcDecryptTrace
		}

		if err = d.program(k, iv, round, body); err != nil {
			return
		}

		return d.crypt(src, size, dst, shortcut)
	})
}

// CTR performs AES-128-CTR encryption, or the identical decryption, of size
// bytes from src to dst. The 16 bytes initial counter block at iv is
// incremented by the engine after each block.
func (d *Driver) CTR(k KeySource, shortcut bool, src uint32, size int, dst uint32, iv uint32) error {
	if err := checkArgs(k, src, size, dst, iv); err != nil {
		return err
	}

	return d.Run(func(e Engine) (err error) {
		if err = d.program(k, iv, Mov(R3, R4), ctrTrace); err != nil {
			return
		}

		return d.crypt(src, size, dst, shortcut)
	})
}

// chunkIterations returns the number of trace iterations, each consuming one
// block, for the next transfer. The sequencer only supports power of two
// loop counts, any other count falls back to a single iteration rather than
// being split into smaller powers of two.
func chunkIterations(remaining int, src uint32, dst uint32) (n int) {
	n = remaining / BlockSize

	if n > MaxIterations {
		n = MaxIterations
	}

	if n&(n-1) != 0 {
		n = 1
	}

	size := uint32(n * BlockSize)

	if src%size != 0 || dst%size != 0 {
		n = 1
	}

	return
}

// crypt runs the loaded trace over the whole buffer.
func (d *Driver) crypt(src uint32, size int, dst uint32, shortcut bool) (err error) {
	for size > 0 {
		n := chunkIterations(size, d.pa(src), d.pa(dst))
		chunk := n * BlockSize

		if err = Issue(d.Engine, LoopTrace(uint8(n))); err != nil {
			return
		}

		d.Engine.ArmTrap(TrapSuppressed)

		err = d.transfer(DMA{Dir: ToEngine, Size: chunk, Addr: src})

		if err == nil {
			err = d.transfer(DMA{Dir: FromEngine, Size: chunk, Addr: dst, Shortcut: shortcut})
		}

		d.Engine.DisarmTrap()

		if err != nil {
			return
		}

		src += uint32(chunk)
		dst += uint32(chunk)
		size -= chunk
	}

	return
}
