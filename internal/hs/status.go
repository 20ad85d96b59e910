// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package hs

import (
	"fmt"
)

// State represents a step of the HS sequence.
type State int

const (
	NotSecure State = iota
	EntryValidated
	EnvironmentChecked
	RevocationChecked
	PrivilegeConfigured
	SignatureVerified
	PrivilegeEscalated
	Scrubbed
	ExitToLessSecure
	Halted
)

var stateNames = []string{
	"not-secure",
	"entry-validated",
	"environment-checked",
	"revocation-checked",
	"privilege-configured",
	"signature-verified",
	"privilege-escalated",
	"scrubbed",
	"exit-to-less-secure",
	"halted",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}

	return stateNames[s]
}

// Status is the failure reason reported in FALCON_MAILBOX0 before halting,
// its values are interpreted by external validation tooling and must not
// change.
type Status uint32

const (
	StatusOK Status = iota
	StatusChipMismatch
	StatusRevoked
	StatusSignatureMismatchIMEM
	StatusSignatureMismatchDMEM
	StatusAlignmentFault
	StatusVersionMismatch
	StatusUnreachable
	StatusRandomFailure
	StatusPrivSecDisabled
	StatusEngineFault
)

var statusNames = map[Status]string{
	StatusOK:                    "ok",
	StatusChipMismatch:          "chip mismatch",
	StatusRevoked:               "revoked",
	StatusSignatureMismatchIMEM: "IMEM signature mismatch",
	StatusSignatureMismatchDMEM: "DMEM signature mismatch",
	StatusAlignmentFault:        "alignment fault",
	StatusVersionMismatch:       "HS/LS version mismatch",
	StatusUnreachable:           "unreachable code",
	StatusRandomFailure:         "random generation failure",
	StatusPrivSecDisabled:       "priv sec disabled",
	StatusEngineFault:           "engine fault",
}

func (s Status) String() string {
	if n, ok := statusNames[s]; ok {
		return n
	}

	return fmt.Sprintf("status(%d)", uint32(s))
}

// HaltKind distinguishes the two terminal behaviours.
type HaltKind int

const (
	// infinite loop without any status report, used on entry races
	HaltSilent HaltKind = iota
	// status written to the mailbox followed by the halt instruction
	HaltReported
)

func (k HaltKind) String() string {
	if k == HaltSilent {
		return "silent"
	}

	return "reported"
}

// Fatal is returned when the sequence halted the processor, it can only be
// observed on simulated processors.
type Fatal struct {
	Halt   HaltKind
	Status Status
	// state reached before the failure
	State State
	Err   error
}

func (f *Fatal) Error() string {
	if f.Halt == HaltSilent {
		return fmt.Sprintf("halted (%s) in %s", f.Halt, f.State)
	}

	if f.Err != nil {
		return fmt.Sprintf("halted (%s) in %s: %s, %v", f.Halt, f.State, f.Status, f.Err)
	}

	return fmt.Sprintf("halted (%s) in %s: %s", f.Halt, f.State, f.Status)
}

func (f *Fatal) Unwrap() error {
	return f.Err
}
