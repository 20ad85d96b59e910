// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package sim implements an in-memory secure co-processor for hosts and
// tests, it models the register file with its access attributes, trapped
// DMA, the trace sequencer and hardware secrets.
package sim

import (
	"crypto/aes"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/usbarmory/scp-hs/internal/falcon"
	"github.com/usbarmory/scp-hs/internal/scp"
)

// Secrets modelled by the simulator
var Secrets = []scp.Secret{
	scp.SecretHSDebug,
	scp.SecretHSProduction,
	scp.SecretIndex10,
	scp.SecretGFEKEK,
}

type register struct {
	val [scp.BlockSize]byte
	// DMA readable
	fetchable bool
	// loaded by the secret instruction
	secret bool
}

// Engine is a simulated co-processor implementing scp.Engine.
type Engine struct {
	DMEM falcon.Memory
	IMEM falcon.Memory

	// entropy for the rand instruction
	Rand io.Reader
	// Stuck forces the idle status bit low.
	Stuck bool

	// History records every issued instruction.
	History []scp.Instruction
	// Transfers records every trapped DMA transfer.
	Transfers []scp.DMA
	// Forgotten counts forget_signature instructions.
	Forgotten int

	regs      [scp.NumRegisters]register
	key       [scp.BlockSize]byte
	keySet    bool
	keySecret bool

	armed bool
	mode  scp.TrapMode

	rng     bool
	fake    bool
	counter uint64

	secrets map[uint8][scp.BlockSize]byte

	recording int
	trace     []scp.Instruction
	loops     int
	in        [][scp.BlockSize]byte
	out       [][scp.BlockSize]byte
}

// New returns a simulated engine whose hardware secrets are derived from the
// device seed.
func New(dmem falcon.Memory, imem falcon.Memory, seed []byte) (e *Engine, err error) {
	e = &Engine{
		DMEM:    dmem,
		IMEM:    imem,
		Rand:    rand.Reader,
		secrets: make(map[uint8][scp.BlockSize]byte),
	}

	for _, s := range Secrets {
		imm, _ := s.Immediate()
		kdf := hkdf.New(sha256.New, seed, nil, []byte(fmt.Sprintf("scp secret %d", imm)))

		var k [scp.BlockSize]byte

		if _, err = io.ReadFull(kdf, k[:]); err != nil {
			return nil, err
		}

		e.secrets[imm] = k
	}

	for i := range e.regs {
		e.regs[i].fetchable = true
	}

	return
}

// SecretValue returns the value of a hardware secret, which on hardware is
// never readable, to compute reference results in tests and tools.
func (e *Engine) SecretValue(s scp.Secret) (k [scp.BlockSize]byte, ok bool) {
	k, ok = e.secrets[uint8(s)]
	return
}

// Registers returns the register file contents.
func (e *Engine) Registers() (regs [scp.NumRegisters][scp.BlockSize]byte) {
	for i, r := range e.regs {
		regs[i] = r.val
	}

	return
}

// Fetchable reports whether a register can be read by DMA.
func (e *Engine) Fetchable(r scp.Register) bool {
	return e.regs[r].fetchable
}

// Armed reports whether DMA trapping is enabled.
func (e *Engine) Armed() bool {
	return e.armed
}

func (e *Engine) ArmTrap(mode scp.TrapMode) {
	e.armed = true
	e.mode = mode
}

func (e *Engine) DisarmTrap() {
	e.armed = false
}

func (e *Engine) Idle() bool {
	return !e.Stuck
}

func (e *Engine) StartRNG(conf scp.RNGConfig) error {
	e.rng = true
	e.fake = conf.Fake
	e.counter = 0

	return nil
}

func (e *Engine) StopRNG() {
	e.rng = false
}

func (e *Engine) memory(s falcon.Space) falcon.Memory {
	if s == falcon.IMEM {
		return e.IMEM
	}

	return e.DMEM
}

func (e *Engine) Transfer(d scp.DMA) (err error) {
	e.Transfers = append(e.Transfers, d)

	if !e.armed {
		return fmt.Errorf("%w, trap not armed", scp.ErrPermission)
	}

	if !d.Valid() {
		return scp.ErrInvalidArgument
	}

	mem := e.memory(d.Space)

	if e.mode == scp.TrapDirect {
		if d.Size != scp.BlockSize {
			return scp.ErrInvalidArgument
		}

		r := &e.regs[d.Reg]

		if d.Dir == scp.ToEngine {
			if _, err = mem.ReadAt(r.val[:], int64(d.Addr)); err != nil {
				return
			}

			r.fetchable = true
			r.secret = false

			return
		}

		if !r.fetchable {
			return fmt.Errorf("%w, %s", scp.ErrPermission, d.Reg)
		}

		_, err = mem.WriteAt(r.val[:], int64(d.Addr))

		return
	}

	n := d.Size / scp.BlockSize

	if d.Dir == scp.ToEngine {
		buf := make([]byte, d.Size)

		if _, err = mem.ReadAt(buf, int64(d.Addr)); err != nil {
			return
		}

		for i := 0; i < n; i++ {
			var blk [scp.BlockSize]byte
			copy(blk[:], buf[i*scp.BlockSize:])
			e.in = append(e.in, blk)
		}

		return e.run()
	}

	if len(e.out) < n {
		return fmt.Errorf("%w, sequencer output underrun", scp.ErrInvalidArgument)
	}

	for i := 0; i < n; i++ {
		if _, err = mem.WriteAt(e.out[i][:], int64(d.Addr)+int64(i*scp.BlockSize)); err != nil {
			return
		}
	}

	e.out = e.out[n:]

	return
}

// run executes pending trace iterations while input blocks are available.
func (e *Engine) run() (err error) {
	for e.loops > 0 && len(e.in) > 0 {
		for _, i := range e.trace {
			if err = e.exec(i); err != nil {
				return
			}
		}

		e.loops--
	}

	return
}

func (e *Engine) Issue(i scp.Instruction) error {
	e.History = append(e.History, i)

	if e.recording > 0 {
		e.trace = append(e.trace, i)
		e.recording--
		return nil
	}

	switch i.Op {
	case scp.OpLoadTrace:
		e.trace = nil
		e.recording = int(i.Imm)
		return nil
	case scp.OpLoopTrace:
		e.loops = int(i.Imm)
		return e.run()
	case scp.OpPush, scp.OpFetch:
		return fmt.Errorf("%w, %s outside trace", scp.ErrInvalidArgument, i.Op)
	}

	return e.exec(i)
}

func (e *Engine) random(buf []byte) (err error) {
	if !e.rng {
		return fmt.Errorf("%w, RNG disabled", scp.ErrPermission)
	}

	if e.fake {
		e.counter++
		binary.BigEndian.PutUint64(buf[0:], e.counter)
		binary.BigEndian.PutUint64(buf[8:], ^e.counter)
		return
	}

	_, err = io.ReadFull(e.Rand, buf)

	return
}

func (e *Engine) exec(i scp.Instruction) (err error) {
	if i.X >= scp.NumRegisters || i.Y >= scp.NumRegisters {
		return scp.ErrInvalidArgument
	}

	x := &e.regs[i.X]
	y := &e.regs[i.Y]

	switch i.Op {
	case scp.OpRand:
		if err = e.random(y.val[:]); err != nil {
			return
		}

		y.fetchable = true
		y.secret = false
	case scp.OpKey:
		e.key = x.val
		e.keySet = true
		e.keySecret = x.secret
	case scp.OpMov:
		*y = *x
	case scp.OpXor:
		if i.X == i.Y {
			y.val = [scp.BlockSize]byte{}
			return
		}

		for j := range y.val {
			y.val[j] ^= x.val[j]
		}

		y.fetchable = y.fetchable && x.fetchable
		y.secret = y.secret || x.secret
	case scp.OpAdd:
		c := uint16(i.Imm)

		for j := len(y.val) - 1; j >= 0 && c != 0; j-- {
			c += uint16(y.val[j])
			y.val[j] = byte(c)
			c >>= 8
		}
	case scp.OpEncrypt, scp.OpDecrypt:
		if !e.keySet {
			return fmt.Errorf("%w, no key selected", scp.ErrInvalidArgument)
		}

		key := e.key

		if i.Op == scp.OpDecrypt {
			key = firstRoundKey(key)
		}

		c, _ := aes.NewCipher(key[:])
		res := register{
			fetchable: x.fetchable && !e.keySecret,
		}

		if i.Op == scp.OpEncrypt {
			c.Encrypt(res.val[:], x.val[:])
		} else {
			c.Decrypt(res.val[:], x.val[:])
		}

		*y = res
	case scp.OpRKey10:
		*y = register{
			val:       lastRoundKey(x.val),
			fetchable: x.fetchable,
			secret:    x.secret,
		}
	case scp.OpSecret:
		s, ok := e.secrets[i.Imm]

		if !ok {
			return fmt.Errorf("%w, secret %d", scp.ErrInvalidArgument, i.Imm)
		}

		*y = register{val: s, secret: true}
	case scp.OpPush:
		if len(e.in) == 0 {
			return fmt.Errorf("%w, sequencer input underrun", scp.ErrInvalidArgument)
		}

		*y = register{val: e.in[0], fetchable: true}
		e.in = e.in[1:]
	case scp.OpFetch:
		if !x.fetchable {
			return fmt.Errorf("%w, %s", scp.ErrPermission, i.X)
		}

		e.out = append(e.out, x.val)
	case scp.OpForgetSignature:
		e.Forgotten++
	default:
		return fmt.Errorf("%w, opcode %s", scp.ErrInvalidArgument, i.Op)
	}

	return
}
