// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package scp

import (
	"crypto/cipher"
	"fmt"

	"github.com/usbarmory/scp-hs/internal/falcon"
)

type scpCipher struct {
	d   *Driver
	mem falcon.Memory

	key uint32
	buf uint32
}

// NewBlock creates and returns a new cipher.Block performing AES-128 through
// the engine with the raw key at DMEM address key.
//
// The buf argument must point to 32 bytes of 16 bytes aligned DMEM, used to
// stage each block and a zero IV.
func NewBlock(d *Driver, mem falcon.Memory, key uint32, buf uint32) (c cipher.Block, err error) {
	if !aligned(key) || !aligned(buf) {
		return nil, fmt.Errorf("%w, buffer alignment", ErrInvalidArgument)
	}

	c = &scpCipher{
		d:   d,
		mem: mem,
		key: key,
		buf: buf,
	}

	return
}

// BlockSize returns the AES block size in bytes.
func (c *scpCipher) BlockSize() int {
	return BlockSize
}

func (c *scpCipher) crypt(dst []byte, src []byte, encrypt bool) {
	iv := c.buf + BlockSize

	if _, err := c.mem.WriteAt(src[:BlockSize], int64(c.buf)); err != nil {
		panic(err)
	}

	if _, err := c.mem.WriteAt(make([]byte, BlockSize), int64(iv)); err != nil {
		panic(err)
	}

	// a single block CBC operation with a zero IV is ECB
	if err := c.d.CBC(RawKey(c.key), encrypt, false, c.buf, BlockSize, c.buf, iv); err != nil {
		panic(err)
	}

	if _, err := c.mem.ReadAt(dst[:BlockSize], int64(c.buf)); err != nil {
		panic(err)
	}
}

// Encrypt encrypts the first block in src into dst.
func (c *scpCipher) Encrypt(dst []byte, src []byte) {
	c.crypt(dst, src, true)
}

// Decrypt decrypts the first block in src into dst.
func (c *scpCipher) Decrypt(dst []byte, src []byte) {
	c.crypt(dst, src, false)
}
