// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package signature implements the chained hash signature scheme used to
// authenticate firmware images with the secure co-processor.
//
// The hash is a Davies-Meyer compression over 16 bytes blocks:
//
//	H(i) = H(i-1) ^ AES-128(key = m(i), H(i-1))
//
// the final hash is then encrypted under a key derived from a hardware
// secret and the firmware identifier.
package signature

import (
	"encoding/binary"
	"fmt"

	"github.com/golang/glog"

	"github.com/usbarmory/scp-hs/internal/falcon"
	"github.com/usbarmory/scp-hs/internal/scp"
)

// Salt is XORed with the firmware identifier to derive the signing key.
var Salt = [scp.BlockSize]byte{
	0xb6, 0xc2, 0x31, 0xe9, 0x03, 0xb2, 0x77, 0xd7,
	0x0e, 0x5a, 0xe1, 0x8c, 0x66, 0xb3, 0x2c, 0xaa,
}

// Hasher working area layout, relative to Hasher.Buf.
const (
	hashOffset  = 0x00
	blockOffset = 0x10
	saltOffset  = 0x20

	// BufSize is the size of the working area.
	BufSize = 0x30
)

// Region represents an authenticated image section.
type Region struct {
	Space falcon.Space
	Addr  uint32
	Size  uint32
}

// Hasher computes signatures through the engine.
type Hasher struct {
	Driver *scp.Driver
	Mem    *falcon.RAM

	// DMEM address of a 16 bytes aligned working area of BufSize bytes
	Buf uint32
}

// FirmwareSalt returns the key derivation salt for a firmware identifier.
func FirmwareSalt(fwID uint32) (salt [scp.BlockSize]byte) {
	salt = Salt
	binary.LittleEndian.PutUint32(salt[0:], binary.LittleEndian.Uint32(salt[0:])^fwID)
	return
}

// VersionBlock returns the hash block binding the firmware version.
func VersionBlock(version uint32) (b [scp.BlockSize]byte) {
	binary.LittleEndian.PutUint32(b[0:], version)
	return
}

func (h *Hasher) write(off uint32, buf []byte) (err error) {
	_, err = h.Mem.WriteAt(buf, int64(h.Buf+off))
	return
}

func (h *Hasher) read(off uint32, buf []byte) (err error) {
	_, err = h.Mem.ReadAt(buf, int64(h.Buf+off))
	return
}

// ChainedHash folds size bytes at addr, in memory space, into initial.
func (h *Hasher) ChainedHash(initial [scp.BlockSize]byte, addr uint32, size uint32, space falcon.Space) (hash [scp.BlockSize]byte, err error) {
	if addr%scp.BlockSize != 0 || size%scp.BlockSize != 0 || h.Buf%scp.BlockSize != 0 {
		return hash, fmt.Errorf("%w, hash region %s:%#x-%#x", scp.ErrInvalidArgument, space, addr, addr+size)
	}

	if err = h.write(hashOffset, initial[:]); err != nil {
		return
	}

	glog.V(1).Infof("signature: hashing %s:%#x-%#x", space, addr, addr+size)

	err = h.Driver.Run(func(e scp.Engine) (err error) {
		e.ArmTrap(scp.TrapDirect)
		defer e.DisarmTrap()

		for off := uint32(0); off < size; off += scp.BlockSize {
			block := scp.DMA{
				Size:  scp.BlockSize,
				Addr:  addr + off,
				Reg:   scp.R1,
				Space: space,
			}

			if err = h.Driver.LoadFrom(block); err != nil {
				return
			}

			if err = h.Driver.Load(scp.R2, h.Buf+hashOffset); err != nil {
				return
			}

			if err = scp.Issue(e,
				scp.Key(scp.R1),
				scp.Encrypt(scp.R2, scp.R3),
				scp.Xor(scp.R2, scp.R3),
			); err != nil {
				return
			}

			if err = h.Driver.Store(scp.R3, h.Buf+hashOffset); err != nil {
				return
			}
		}

		return
	})

	if err != nil {
		return
	}

	err = h.read(hashOffset, hash[:])

	return
}

// DeriveSignature encrypts hash under the key derived from secret and the
// firmware identifier.
func (h *Hasher) DeriveSignature(hash [scp.BlockSize]byte, fwID uint32, secret scp.Secret) (sig Signature, err error) {
	if h.Buf%scp.BlockSize != 0 {
		return sig, fmt.Errorf("%w, buffer alignment", scp.ErrInvalidArgument)
	}

	salt := FirmwareSalt(fwID)

	if err = h.write(saltOffset, salt[:]); err != nil {
		return
	}

	if err = h.write(blockOffset, hash[:]); err != nil {
		return
	}

	err = h.Driver.Run(func(e scp.Engine) (err error) {
		if err = h.Driver.DeriveSecretKey(e, secret, h.Buf+saltOffset); err != nil {
			return
		}

		e.ArmTrap(scp.TrapDirect)
		defer e.DisarmTrap()

		if err = h.Driver.Load(scp.R4, h.Buf+blockOffset); err != nil {
			return
		}

		if err = scp.Issue(e, scp.Key(scp.R3), scp.Encrypt(scp.R4, scp.R5)); err != nil {
			return
		}

		return h.Driver.Store(scp.R5, h.Buf+blockOffset)
	})

	if err != nil {
		return
	}

	err = h.read(blockOffset, sig[:])

	return
}

// Compute returns the signature of a region, the firmware version is
// folded in as a final hash block.
func (h *Hasher) Compute(r Region, version uint32, fwID uint32, secret scp.Secret) (sig Signature, err error) {
	hash, err := h.ChainedHash([scp.BlockSize]byte{}, r.Addr, r.Size, r.Space)

	if err != nil {
		return
	}

	vb := VersionBlock(version)

	if err = h.write(blockOffset, vb[:]); err != nil {
		return
	}

	if hash, err = h.ChainedHash(hash, h.Buf+blockOffset, scp.BlockSize, falcon.DMEM); err != nil {
		return
	}

	return h.DeriveSignature(hash, fwID, secret)
}
