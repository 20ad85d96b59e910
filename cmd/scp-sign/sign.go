// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package main

import (
	"bytes"
	"fmt"

	"github.com/golang/glog"
	"golang.org/x/sync/errgroup"

	"github.com/usbarmory/scp-hs/internal/falcon"
	"github.com/usbarmory/scp-hs/internal/scp"
	"github.com/usbarmory/scp-hs/internal/scp/sim"
	"github.com/usbarmory/scp-hs/internal/signature"
)

const tableHeader = "scp-hs signature table"

// Tables holds the signature tables of an HS image.
type Tables struct {
	FirmwareID uint32
	Version    uint32
	Revocation uint32

	IMEM signature.Table
	DMEM signature.Table
}

// computeSignature signs an image on a dedicated simulated engine, the image
// is placed at address 0 of its memory space.
func computeSignature(m *Manifest, space falcon.Space, image []byte) (sig signature.Signature, err error) {
	if len(image) == 0 || len(image)%scp.BlockSize != 0 {
		return sig, fmt.Errorf("%s image size %d is not a multiple of %d", space, len(image), scp.BlockSize)
	}

	size := uint32(len(image))
	work := uint32(0)

	if space == falcon.DMEM {
		work = size
	}

	scratch := work + signature.BufSize

	dmem := falcon.NewRAM(int(scratch) + scp.BlockSize)
	imem := falcon.NewRAM(scp.BlockSize)

	if space == falcon.IMEM {
		imem = falcon.NewRAM(len(image))
	}

	mem := dmem

	if space == falcon.IMEM {
		mem = imem
	}

	if _, err = mem.WriteAt(image, 0); err != nil {
		return
	}

	eng, err := sim.New(dmem, imem, m.seed)

	if err != nil {
		return
	}

	secret := scp.SecretHSProduction

	if m.Debug {
		secret = scp.SecretHSDebug
	}

	h := &signature.Hasher{
		Driver: &scp.Driver{Engine: eng, Scratch: scratch},
		Mem:    dmem,
		Buf:    work,
	}

	glog.Infof("signing %s image (%d bytes) with %s secret", space, size, secret)

	return h.Compute(signature.Region{Space: space, Size: size}, m.Version, m.FirmwareID, secret)
}

// table fills the slots of the accepted revocation generations.
func (m *Manifest) table(sig signature.Signature) (t signature.Table) {
	for i := 0; i < m.Generations && uint32(i) < m.Revocation; i++ {
		t[i] = sig
	}

	if m.Unfused {
		t[signature.NumPrevSignatures] = sig
	}

	return
}

// Sign computes the IMEM and DMEM signature tables.
func Sign(m *Manifest, imem []byte, dmem []byte) (t *Tables, err error) {
	var g errgroup.Group
	var imemSig, dmemSig signature.Signature

	g.Go(func() (err error) {
		imemSig, err = computeSignature(m, falcon.IMEM, imem)
		return
	})

	g.Go(func() (err error) {
		dmemSig, err = computeSignature(m, falcon.DMEM, dmem)
		return
	})

	if err = g.Wait(); err != nil {
		return
	}

	return &Tables{
		FirmwareID: m.FirmwareID,
		Version:    m.Version,
		Revocation: m.Revocation,
		IMEM:       m.table(imemSig),
		DMEM:       m.table(dmemSig),
	}, nil
}

// Marshal returns the text representation of the tables.
func (t *Tables) Marshal() []byte {
	b := &bytes.Buffer{}

	fmt.Fprintf(b, "%s\n", tableHeader)
	fmt.Fprintf(b, "firmware %#08x\n", t.FirmwareID)
	fmt.Fprintf(b, "version %d\n", t.Version)
	fmt.Fprintf(b, "revocation %d\n", t.Revocation)

	for _, r := range []struct {
		name  string
		table *signature.Table
	}{
		{"dmem", &t.DMEM},
		{"imem", &t.IMEM},
	} {
		for i, sig := range r.table {
			fmt.Fprintf(b, "%s %d %s\n", r.name, i, sig)
		}
	}

	return b.Bytes()
}
