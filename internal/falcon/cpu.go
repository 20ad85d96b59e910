// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package falcon

// CPU represents the processor facilities driven by the HS entry sequence.
type CPU interface {
	Bus

	// IMEM block tags (imtag, imblk, iminv)
	Tags() *Tags
	// Memory returns the data or instruction memory.
	Memory(s Space) *RAM

	// ClearGPRs zeroes all general purpose registers.
	ClearGPRs()
	// StackPointer returns the current stack pointer.
	StackPointer() uint32
	// SetExceptionHandler installs the exception vector.
	SetExceptionHandler(fn func())

	// Halt executes the halt instruction, it never returns on hardware.
	Halt()
	// Spin loops forever, it never returns on hardware.
	Spin()
}

// Sim is an in-memory CPU used on hosts and in tests, unlike hardware its
// Halt and Spin methods return after recording the event.
type Sim struct {
	CSB

	IMEMTags *Tags
	IMEMRAM  *RAM
	DMEMRAM  *RAM

	GPR [16]uint32
	SP  uint32

	Handler func()

	Halted   bool
	Spinning bool
}

// NewSim returns a CPU with the given memory sizes, the stack pointer is set
// to the top of DMEM.
func NewSim(imemSize int, dmemSize int) *Sim {
	return &Sim{
		IMEMTags: NewTags(imemSize / BlockSize),
		IMEMRAM:  NewRAM(imemSize),
		DMEMRAM:  NewRAM(dmemSize),
		SP:       uint32(dmemSize),
	}
}

func (s *Sim) Tags() *Tags {
	return s.IMEMTags
}

func (s *Sim) Memory(space Space) *RAM {
	if space == IMEM {
		return s.IMEMRAM
	}

	return s.DMEMRAM
}

func (s *Sim) ClearGPRs() {
	s.GPR = [16]uint32{}
}

func (s *Sim) StackPointer() uint32 {
	return s.SP
}

func (s *Sim) SetExceptionHandler(fn func()) {
	s.Handler = fn
}

func (s *Sim) Halt() {
	s.Halted = true
}

func (s *Sim) Spin() {
	s.Spinning = true
}
