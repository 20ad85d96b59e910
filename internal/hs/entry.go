// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package hs

import (
	"github.com/usbarmory/scp-hs/internal/falcon"
)

// Number of dummy jumps expected at the return address.
const dummyJumps = 2

// MaxLevel is the highest LS privilege level.
const MaxLevel = 3

func usable(b falcon.BlockStatus) bool {
	return b.Valid && !b.Pending && !b.Secure && !b.Miss && !b.Multihit
}

// validEntry checks that the return address, and the dummy jumps following
// it, resolve to resident non-secure code. Otherwise a caller could return
// into the secure image or rewrite the jumps once checked.
func validEntry(cpu falcon.CPU, c Caller) bool {
	tags := cpu.Tags()
	imem := cpu.Memory(falcon.IMEM)

	if c.Level > MaxLevel {
		return false
	}

	end := c.ReturnAddr + dummyJumps*falcon.JMP_SIZE - 1

	if end < c.ReturnAddr || end >= uint32(imem.Size()) {
		return false
	}

	if !usable(tags.Lookup(c.ReturnAddr)) || !usable(tags.Lookup(end)) {
		return false
	}

	for i := uint32(0); i < dummyJumps; i++ {
		target, ok := falcon.DecodeJump(imem.Read32(c.ReturnAddr + i*falcon.JMP_SIZE))

		if !ok || !usable(tags.Lookup(target)) {
			return false
		}
	}

	return true
}
