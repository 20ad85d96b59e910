// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package hs implements the HS (heavy secure) entry sequence, which
// authenticates the loaded image with the secure co-processor before granting
// it an elevated privilege level.
//
// The sequence never returns an error to its caller on hardware: every
// failure halts the processor, silently for entry races and after reporting
// a Status in FALCON_MAILBOX0 otherwise.
package hs

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang/glog"
	"github.com/usbarmory/tamago/bits"

	"github.com/usbarmory/scp-hs/internal/canary"
	"github.com/usbarmory/scp-hs/internal/falcon"
	"github.com/usbarmory/scp-hs/internal/platform"
	"github.com/usbarmory/scp-hs/internal/scp"
	"github.com/usbarmory/scp-hs/internal/signature"
)

// Verifier runs the HS sequence.
type Verifier struct {
	Config   Config
	CPU      falcon.CPU
	Platform platform.Platform
	Driver   *scp.Driver

	// Canary overrides the engine RNG as canary source when set.
	Canary canary.Source

	// Stages records every state reached.
	Stages []State

	state State

	sp     uint32
	fuse   uint32
	guard  uint32
	plm    []falcon.Access
	halted *Fatal
}

// New returns a Verifier driving engine on behalf of the image described by
// conf.
func New(conf Config, cpu falcon.CPU, p platform.Platform, engine scp.Engine) *Verifier {
	return &Verifier{
		Config:   conf,
		CPU:      cpu,
		Platform: p,
		Driver: &scp.Driver{
			Engine:  engine,
			Scratch: conf.Scratch,
			VAToPA:  p.VAToPA,
		},
	}
}

// State returns the last state reached.
func (v *Verifier) State() State {
	return v.state
}

func (v *Verifier) advance(s State) {
	glog.Infof("hs: %s", s)

	v.state = s
	v.Stages = append(v.Stages, s)
}

// spin enters the silent halt.
func (v *Verifier) spin() error {
	f := &Fatal{Halt: HaltSilent, State: v.state}

	v.advance(Halted)
	v.halted = f
	v.CPU.Spin()

	return f
}

// halt reports status and executes the halt instruction.
func (v *Verifier) halt(status Status, err error) error {
	f := &Fatal{Halt: HaltReported, Status: status, State: v.state, Err: err}

	glog.Errorf("hs: %v", f)

	v.CPU.Write32(falcon.FALCON_MAILBOX0, uint32(status))
	v.CPU.Write32(falcon.FALCON_MAILBOX1, uint32(v.state))

	v.advance(Halted)
	v.halted = f
	v.CPU.Halt()

	return f
}

func (v *Verifier) pollTimeout() (t time.Duration) {
	if t = v.Config.PollTimeout; t == 0 {
		t = DefaultPollTimeout
	}

	return
}

// Run executes the HS sequence on behalf of caller c, a nil return
// corresponds to the return to the less secure caller.
func (v *Verifier) Run(c Caller) error {
	v.state = NotSecure
	v.Stages = []State{NotSecure}
	v.halted = nil

	if !validEntry(v.CPU, c) {
		return v.spin()
	}

	v.advance(EntryValidated)

	for _, step := range []struct {
		fn   func(c Caller) (Status, error)
		next State
	}{
		{v.checkEnvironment, EnvironmentChecked},
		{v.checkRevocation, RevocationChecked},
		{v.configurePrivilege, PrivilegeConfigured},
		{v.verifySignatures, SignatureVerified},
		{v.escalate, PrivilegeEscalated},
		{v.scrub, Scrubbed},
	} {
		status, err := step.fn(c)

		// the exception handler may have halted the sequence
		if v.halted != nil {
			return v.halted
		}

		if status != StatusOK {
			return v.halt(status, err)
		}

		v.advance(step.next)
	}

	v.CPU.Write32(falcon.FALCON_MAILBOX0, uint32(StatusOK))
	v.advance(ExitToLessSecure)

	return nil
}

// forgetSignature clears the engine signature state and registers.
func (v *Verifier) forgetSignature() error {
	return v.Driver.Run(func(e scp.Engine) error {
		return scp.Issue(e, scp.ForgetSignature())
	})
}

func (v *Verifier) checkEnvironment(Caller) (Status, error) {
	dmem := v.CPU.Memory(falcon.DMEM)

	if err := v.forgetSignature(); err != nil {
		return StatusEngineFault, err
	}

	v.CPU.ClearGPRs()
	v.sp = v.CPU.StackPointer()

	// prevent restarts of the secure context through the alias port
	ctl := v.CPU.Read32(falcon.FALCON_CPUCTL_ALIAS)
	bits.Clear(&ctl, falcon.CPUCTL_ALIAS_EN)
	v.CPU.Write32(falcon.FALCON_CPUCTL_ALIAS, ctl)

	if err := platform.Poll32(v.CPU, falcon.FALCON_CPUCTL_ALIAS, 1<<falcon.CPUCTL_ALIAS_EN, 0, v.pollTimeout(), platform.PollEqual); err != nil {
		return StatusEngineFault, err
	}

	v.CPU.SetExceptionHandler(func() {
		v.halt(StatusUnreachable, nil)
	})

	if !v.wordAligned(v.Config.Canary) || !v.wordAligned(v.Config.RevisionAddr) {
		return StatusAlignmentFault, errors.New("invalid DMEM layout")
	}

	v.guard = dmem.Read32(v.Config.Canary)

	val, err := v.newCanary()

	if err != nil {
		return StatusRandomFailure, err
	}

	dmem.Write32(v.Config.Canary, val)

	return StatusOK, nil
}

func (v *Verifier) wordAligned(addr uint32) bool {
	return addr%4 == 0 && int(addr)+4 <= v.CPU.Memory(falcon.DMEM).Size()
}

func (v *Verifier) newCanary() (uint32, error) {
	if v.Canary != nil {
		return canary.Generate(v.Canary)
	}

	src := &canary.EngineSource{
		Driver: v.Driver,
		Mem:    v.CPU.Memory(falcon.DMEM),
		Buf:    v.Config.Work,
	}

	return src.Generate(scp.DefaultRNG)
}

// CheckRevocation reports whether the image version is acceptable for the
// fuse and field programmable fuse revocation versions.
func CheckRevocation(version uint32, fuse uint32, fpf uint32) bool {
	return version >= fuse && version >= fpf
}

func (v *Verifier) checkRevocation(Caller) (Status, error) {
	id, err := v.Platform.ChipID()

	if err != nil {
		return StatusChipMismatch, err
	}

	if id != v.Config.ChipID {
		return StatusChipMismatch, fmt.Errorf("chip %#x", id)
	}

	if v.fuse, err = v.Platform.FuseRevocation(); err != nil {
		return StatusRevoked, err
	}

	fpf, err := v.Platform.FPFRevocation()

	if err != nil {
		return StatusRevoked, err
	}

	if !CheckRevocation(v.Config.Revocation, v.fuse, fpf) {
		return StatusRevoked, fmt.Errorf("version:%d fuse:%d fpf:%d", v.Config.Revocation, v.fuse, fpf)
	}

	sctl := v.CPU.Read32(falcon.FALCON_SCTL)

	if !bits.IsSet(&sctl, falcon.SCTL_DEBUG_MODE) {
		en, err := v.Platform.PrivSecEnabled()

		if err != nil || !en {
			return StatusPrivSecDisabled, err
		}
	}

	if rev := v.CPU.Memory(falcon.DMEM).Read32(v.Config.RevisionAddr); rev != v.Config.Revision {
		return StatusVersionMismatch, fmt.Errorf("HS revision %d, LS expects %d", v.Config.Revision, rev)
	}

	return StatusOK, nil
}

// HS privilege level masks, registers restored on exit are saved.
var hsPLM = []struct {
	addr    uint32
	val     uint32
	restore bool
}{
	// IMEM stays readable at all levels for debugging
	{falcon.FALCON_IMEM_PLM, falcon.PLM(falcon.PLM_ALL_LEVELS, falcon.PLM_LEVEL3), false},
	{falcon.FALCON_DMEM_PLM, falcon.PLM(falcon.PLM_LEVEL3, falcon.PLM_LEVEL3), false},
	{falcon.FALCON_SCTL_PLM, falcon.PLM(falcon.PLM_ALL_LEVELS, falcon.PLM_LEVEL3), false},
	{falcon.FALCON_CPUCTL_PLM, falcon.PLM(falcon.PLM_ALL_LEVELS, falcon.PLM_LEVEL3), true},
	{falcon.FALCON_RESET_PLM, falcon.PLM(falcon.PLM_ALL_LEVELS, falcon.PLM_LEVEL3), true},
}

func (v *Verifier) configurePrivilege(Caller) (Status, error) {
	v.plm = nil

	for _, r := range hsPLM {
		if r.restore {
			v.plm = append(v.plm, falcon.Access{Addr: r.addr, Val: v.CPU.Read32(r.addr)})
		}

		v.CPU.Write32(r.addr, r.val)
	}

	return StatusOK, nil
}

func (v *Verifier) verifySignatures(Caller) (Status, error) {
	secret := scp.SecretHSProduction

	if v.Config.Debug {
		secret = scp.SecretHSDebug
	}

	h := &signature.Hasher{
		Driver: v.Driver,
		Mem:    v.CPU.Memory(falcon.DMEM),
		Buf:    v.Config.Work,
	}

	for _, r := range []struct {
		space    falcon.Space
		image    Image
		table    *signature.Table
		mismatch Status
	}{
		{falcon.DMEM, v.Config.DMEM, &v.Config.DMEMSignatures, StatusSignatureMismatchDMEM},
		{falcon.IMEM, v.Config.IMEM, &v.Config.IMEMSignatures, StatusSignatureMismatchIMEM},
	} {
		if r.image.Size == 0 || r.image.Addr%scp.BlockSize != 0 || r.image.Size%scp.BlockSize != 0 {
			return StatusAlignmentFault, fmt.Errorf("%s image %#x-%#x", r.space, r.image.Addr, r.image.Addr+r.image.Size)
		}

		want, ok := r.table.Lookup(v.Config.Revocation, v.fuse)

		if !ok {
			return StatusRevoked, fmt.Errorf("no signature for fuse version %d", v.fuse)
		}

		region := signature.Region{
			Space: r.space,
			Addr:  r.image.Addr,
			Size:  r.image.Size,
		}

		sig, err := h.Compute(region, v.Config.Version, v.Config.FirmwareID, secret)

		switch {
		case errors.Is(err, scp.ErrInvalidArgument):
			return StatusAlignmentFault, err
		case err != nil:
			return StatusEngineFault, err
		case !sig.Equal(want):
			return r.mismatch, nil
		}
	}

	return StatusOK, nil
}

func (v *Verifier) escalate(c Caller) (Status, error) {
	sctl := v.CPU.Read32(falcon.FALCON_SCTL)

	bits.Set(&sctl, falcon.SCTL_AUTH_EN)
	bits.Set(&sctl, falcon.SCTL_LSMODE)
	bits.SetN(&sctl, falcon.SCTL_LSMODE_LEVEL, 0x3, c.Level)

	v.CPU.Write32(falcon.FALCON_SCTL, sctl)

	return StatusOK, nil
}

func (v *Verifier) scrub(Caller) (Status, error) {
	dmem := v.CPU.Memory(falcon.DMEM)
	tags := v.CPU.Tags()

	if err := v.forgetSignature(); err != nil {
		return StatusEngineFault, err
	}

	// drop stale code outside the authenticated image
	for i := 0; i < tags.Count(); i++ {
		b := tags.Block(i)

		if !b.Valid || b.Secure {
			continue
		}

		start := b.Tag * falcon.BlockSize

		if !v.Config.IMEM.contains(start, start+falcon.BlockSize) {
			glog.V(1).Infof("hs: invalidating IMEM block %d (%#x)", i, start)
			tags.Invalidate(i)
		}
	}

	guard := dmem.Read32(v.Config.Canary)
	dmem.Zero(v.Config.ScrubFrom, v.sp)
	dmem.Write32(v.Config.Canary, guard)

	for _, r := range v.plm {
		v.CPU.Write32(r.Addr, r.Val)
	}

	dmem.Write32(v.Config.Canary, v.guard)

	return StatusOK, nil
}
