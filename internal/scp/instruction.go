// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package scp

import (
	"fmt"
)

// Opcode represents an engine primitive instruction.
type Opcode uint8

// Engine opcodes
const (
	OpRand Opcode = iota + 1
	OpKey
	OpMov
	OpXor
	OpAdd
	OpEncrypt
	OpDecrypt
	OpRKey10
	OpSecret
	OpPush
	OpFetch
	OpLoadTrace
	OpLoopTrace
	OpForgetSignature
)

var opcodeNames = map[Opcode]string{
	OpRand:            "rand",
	OpKey:             "key",
	OpMov:             "mov",
	OpXor:             "xor",
	OpAdd:             "add",
	OpEncrypt:         "encrypt",
	OpDecrypt:         "decrypt",
	OpRKey10:          "rkey10",
	OpSecret:          "secret",
	OpPush:            "push",
	OpFetch:           "fetch",
	OpLoadTrace:       "load_trace",
	OpLoopTrace:       "loop_trace",
	OpForgetSignature: "forget_signature",
}

func (o Opcode) String() string {
	if s, ok := opcodeNames[o]; ok {
		return s
	}

	return fmt.Sprintf("op(%d)", uint8(o))
}

// Instruction is a single engine instruction, X is the source operand and Y
// the destination, Imm carries immediates (secret index, counts, addend).
type Instruction struct {
	Op  Opcode
	X   Register
	Y   Register
	Imm uint8
}

func (i Instruction) String() string {
	switch i.Op {
	case OpRand, OpPush:
		return fmt.Sprintf("%s %s", i.Op, i.Y)
	case OpKey, OpFetch:
		return fmt.Sprintf("%s %s", i.Op, i.X)
	case OpSecret, OpAdd:
		return fmt.Sprintf("%s %d, %s", i.Op, i.Imm, i.Y)
	case OpLoadTrace, OpLoopTrace:
		return fmt.Sprintf("%s %d", i.Op, i.Imm)
	case OpForgetSignature:
		return i.Op.String()
	default:
		return fmt.Sprintf("%s %s, %s", i.Op, i.X, i.Y)
	}
}

// Rand fills dst with hardware random data.
func Rand(dst Register) Instruction { return Instruction{Op: OpRand, Y: dst} }

// Key selects src as the AES key for subsequent encrypt/decrypt.
func Key(src Register) Instruction { return Instruction{Op: OpKey, X: src} }

// Mov copies src, along with its access attributes, into dst.
func Mov(src, dst Register) Instruction { return Instruction{Op: OpMov, X: src, Y: dst} }

// Xor sets dst to dst ^ src.
func Xor(src, dst Register) Instruction { return Instruction{Op: OpXor, X: src, Y: dst} }

// Add increments dst, as a big-endian 128-bit integer, by imm.
func Add(imm uint8, dst Register) Instruction { return Instruction{Op: OpAdd, Y: dst, Imm: imm} }

// Encrypt sets dst to AES-128(key, src).
func Encrypt(src, dst Register) Instruction { return Instruction{Op: OpEncrypt, X: src, Y: dst} }

// Decrypt sets dst to AES-128^-1(key, src), the selected key must be a last
// round key (see RKey10).
func Decrypt(src, dst Register) Instruction { return Instruction{Op: OpDecrypt, X: src, Y: dst} }

// RKey10 sets dst to the last round key of the AES-128 key schedule of src.
func RKey10(src, dst Register) Instruction { return Instruction{Op: OpRKey10, X: src, Y: dst} }

// Push loads the next trapped input block into dst, trace only.
func Push(dst Register) Instruction { return Instruction{Op: OpPush, Y: dst} }

// Fetch queues src for the next trapped output transfer, trace only.
func Fetch(src Register) Instruction { return Instruction{Op: OpFetch, X: src} }

// LoadTrace records the following n instructions as the sequencer trace.
func LoadTrace(n uint8) Instruction { return Instruction{Op: OpLoadTrace, Imm: n} }

// LoopTrace runs the sequencer trace n times.
func LoopTrace(n uint8) Instruction { return Instruction{Op: OpLoopTrace, Imm: n} }

// ForgetSignature clears any latched signature state.
func ForgetSignature() Instruction { return Instruction{Op: OpForgetSignature} }

// Secret identifies a hardware secret, the secret value is never readable by
// software and can only be referenced as an instruction immediate.
type Secret uint8

// Sanctioned hardware secrets
const (
	// HS signature derivation secret on debug fused units
	SecretHSDebug Secret = 0
	// HS signature derivation secret on production fused units
	SecretHSProduction Secret = 1
	// general purpose key derivation secret
	SecretIndex10 Secret = 10
	// key encryption key for GFE device ID decryption
	SecretGFEKEK Secret = 38
)

func (s Secret) String() string {
	switch s {
	case SecretHSDebug:
		return "hs-debug"
	case SecretHSProduction:
		return "hs-production"
	case SecretIndex10:
		return "index10"
	case SecretGFEKEK:
		return "gfe-kek"
	default:
		return fmt.Sprintf("secret(%d)", uint8(s))
	}
}

// Immediate returns the instruction immediate for a known secret.
func (s Secret) Immediate() (imm uint8, err error) {
	switch s {
	case SecretHSDebug, SecretHSProduction, SecretIndex10, SecretGFEKEK:
		return uint8(s), nil
	default:
		return 0, fmt.Errorf("%w, unknown secret %d", ErrInvalidArgument, uint8(s))
	}
}

// LoadSecret returns the instruction loading secret s into dst.
func LoadSecret(s Secret, dst Register) (i Instruction, err error) {
	imm, err := s.Immediate()

	if err != nil {
		return
	}

	return Instruction{Op: OpSecret, Y: dst, Imm: imm}, nil
}
