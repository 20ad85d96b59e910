// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package sim

import (
	"errors"
	"testing"

	"github.com/usbarmory/scp-hs/internal/falcon"
	"github.com/usbarmory/scp-hs/internal/scp"
)

func newEngine(t *testing.T) (*Engine, *falcon.RAM) {
	t.Helper()

	dmem := falcon.NewRAM(0x1000)
	e, err := New(dmem, falcon.NewRAM(0x1000), []byte("test seed"))

	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	return e, dmem
}

func TestSecretNotFetchable(t *testing.T) {
	e, _ := newEngine(t)
	e.ArmTrap(scp.TrapDirect)

	if err := e.Issue(scp.Instruction{Op: scp.OpSecret, Y: scp.R2, Imm: uint8(scp.SecretGFEKEK)}); err != nil {
		t.Fatalf("secret: %v", err)
	}

	err := e.Transfer(scp.DMA{Dir: scp.FromEngine, Size: 16, Addr: 0x100, Reg: scp.R2})

	if !errors.Is(err, scp.ErrPermission) {
		t.Errorf("reading a secret register, err = %v, want ErrPermission", err)
	}
}

func TestTransferRequiresTrap(t *testing.T) {
	e, _ := newEngine(t)

	err := e.Transfer(scp.DMA{Dir: scp.ToEngine, Size: 16, Addr: 0x100, Reg: scp.R1})

	if !errors.Is(err, scp.ErrPermission) {
		t.Errorf("untrapped transfer, err = %v, want ErrPermission", err)
	}
}

func TestAdd(t *testing.T) {
	e, dmem := newEngine(t)

	ctr := make([]byte, 16)
	for i := 8; i < 16; i++ {
		ctr[i] = 0xff
	}
	dmem.WriteAt(ctr, 0x100)

	e.ArmTrap(scp.TrapDirect)

	if err := e.Transfer(scp.DMA{Dir: scp.ToEngine, Size: 16, Addr: 0x100, Reg: scp.R2}); err != nil {
		t.Fatal(err)
	}

	if err := e.Issue(scp.Add(1, scp.R2)); err != nil {
		t.Fatal(err)
	}

	got := e.Registers()[scp.R2]
	want := [16]byte{7: 1}

	if got != want {
		t.Errorf("add carry, got %x want %x", got, want)
	}
}

func TestTraceUnderrun(t *testing.T) {
	e, _ := newEngine(t)
	e.ArmTrap(scp.TrapSuppressed)

	err := e.Transfer(scp.DMA{Dir: scp.FromEngine, Size: 32, Addr: 0x100})

	if !errors.Is(err, scp.ErrInvalidArgument) {
		t.Errorf("fetch without output, err = %v", err)
	}
}
