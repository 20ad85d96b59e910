// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package scp_test

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/usbarmory/scp-hs/internal/falcon"
	"github.com/usbarmory/scp-hs/internal/scp"
	"github.com/usbarmory/scp-hs/internal/scp/sim"
)

// DMEM test layout
const (
	keyAddr  = 0x0000
	ivAddr   = 0x0010
	saltAddr = 0x0020
	outAddr  = 0x0030
	srcAddr  = 0x0100
	dstAddr  = 0x0400
	dst2Addr = 0x0800
	scratch  = 0x0ff0
)

type env struct {
	dmem   *falcon.RAM
	engine *sim.Engine
	driver *scp.Driver
}

func newEnv(t *testing.T) *env {
	t.Helper()

	dmem := falcon.NewRAM(0x1000)
	engine, err := sim.New(dmem, falcon.NewRAM(0x1000), []byte("test seed"))

	if err != nil {
		t.Fatalf("sim.New() error: %v", err)
	}

	return &env{
		dmem:   dmem,
		engine: engine,
		driver: &scp.Driver{
			Engine:  engine,
			Scratch: scratch,
		},
	}
}

func (e *env) write(t *testing.T, addr uint32, buf []byte) {
	t.Helper()

	if _, err := e.dmem.WriteAt(buf, int64(addr)); err != nil {
		t.Fatalf("WriteAt(%#x): %v", addr, err)
	}
}

func (e *env) read(t *testing.T, addr uint32, size int) []byte {
	t.Helper()

	buf := make([]byte, size)

	if _, err := e.dmem.ReadAt(buf, int64(addr)); err != nil {
		t.Fatalf("ReadAt(%#x): %v", addr, err)
	}

	return buf
}

func (e *env) checkScrubbed(t *testing.T) {
	t.Helper()

	if diff := cmp.Diff([scp.NumRegisters][scp.BlockSize]byte{}, e.engine.Registers()); diff != "" {
		t.Errorf("registers not scrubbed (-want +got):\n%s", diff)
	}

	for r := scp.R0; r < scp.NumRegisters; r++ {
		if !e.engine.Fetchable(r) {
			t.Errorf("%s left without fetchable attribute", r)
		}
	}

	if e.engine.Armed() {
		t.Errorf("trap left armed")
	}
}

func pattern(size int) []byte {
	buf := make([]byte, size)

	for i := range buf {
		buf[i] = byte(i)
	}

	return buf
}

var sizes = []int{16, 32, 48, 64, 128, 144, 256, 272}

func TestCBC(t *testing.T) {
	key := bytes.Repeat([]byte{0x2b}, 16)
	iv := pattern(16)

	for _, size := range sizes {
		for _, off := range []uint32{0, 16} {
			t.Run(fmt.Sprintf("size %d offset %d", size, off), func(t *testing.T) {
				e := newEnv(t)
				plaintext := pattern(size)

				e.write(t, keyAddr, key)
				e.write(t, ivAddr, iv)
				e.write(t, srcAddr+off, plaintext)

				if err := e.driver.CBC(scp.RawKey(keyAddr), true, false, srcAddr+off, size, dstAddr+off, ivAddr); err != nil {
					t.Fatalf("CBC encrypt: %v", err)
				}

				e.checkScrubbed(t)

				block, _ := aes.NewCipher(key)
				want := make([]byte, size)
				cipher.NewCBCEncrypter(block, iv).CryptBlocks(want, plaintext)

				if diff := cmp.Diff(want, e.read(t, dstAddr+off, size)); diff != "" {
					t.Errorf("ciphertext mismatch (-want +got):\n%s", diff)
				}

				if err := e.driver.CBC(scp.RawKey(keyAddr), false, true, dstAddr+off, size, dst2Addr+off, ivAddr); err != nil {
					t.Fatalf("CBC decrypt: %v", err)
				}

				e.checkScrubbed(t)

				if diff := cmp.Diff(plaintext, e.read(t, dst2Addr+off, size)); diff != "" {
					t.Errorf("round trip mismatch (-want +got):\n%s", diff)
				}
			})
		}
	}
}

func TestCTR(t *testing.T) {
	key := bytes.Repeat([]byte{0x11}, 16)
	// exercise the counter carry across 64-bit halves
	iv := append(make([]byte, 8), bytes.Repeat([]byte{0xff}, 8)...)

	for _, size := range sizes {
		for _, off := range []uint32{0, 16} {
			t.Run(fmt.Sprintf("size %d offset %d", size, off), func(t *testing.T) {
				e := newEnv(t)
				plaintext := pattern(size)

				e.write(t, keyAddr, key)
				e.write(t, ivAddr, iv)
				e.write(t, srcAddr+off, plaintext)

				if err := e.driver.CTR(scp.RawKey(keyAddr), false, srcAddr+off, size, dstAddr+off, ivAddr); err != nil {
					t.Fatalf("CTR encrypt: %v", err)
				}

				e.checkScrubbed(t)

				block, _ := aes.NewCipher(key)
				want := make([]byte, size)
				cipher.NewCTR(block, iv).XORKeyStream(want, plaintext)

				if diff := cmp.Diff(want, e.read(t, dstAddr+off, size)); diff != "" {
					t.Errorf("ciphertext mismatch (-want +got):\n%s", diff)
				}

				if err := e.driver.CTR(scp.RawKey(keyAddr), true, dstAddr+off, size, dst2Addr+off, ivAddr); err != nil {
					t.Fatalf("CTR decrypt: %v", err)
				}

				if diff := cmp.Diff(plaintext, e.read(t, dst2Addr+off, size)); diff != "" {
					t.Errorf("round trip mismatch (-want +got):\n%s", diff)
				}
			})
		}
	}
}

func TestInvalidArguments(t *testing.T) {
	for _, test := range []struct {
		desc string
		key  uint32
		src  uint32
		size int
		dst  uint32
		iv   uint32
	}{
		{"zero size", keyAddr, srcAddr, 0, dstAddr, ivAddr},
		{"negative size", keyAddr, srcAddr, -16, dstAddr, ivAddr},
		{"partial block", keyAddr, srcAddr, 17, dstAddr, ivAddr},
		{"key alignment", keyAddr + 4, srcAddr, 16, dstAddr, ivAddr},
		{"src alignment", keyAddr, srcAddr + 8, 16, dstAddr, ivAddr},
		{"dst alignment", keyAddr, srcAddr, 16, dstAddr + 1, ivAddr},
		{"iv alignment", keyAddr, srcAddr, 16, dstAddr, ivAddr + 12},
	} {
		t.Run(test.desc, func(t *testing.T) {
			e := newEnv(t)

			errs := []error{
				e.driver.CBC(scp.RawKey(test.key), true, false, test.src, test.size, test.dst, test.iv),
				e.driver.CBC(scp.RawKey(test.key), false, false, test.src, test.size, test.dst, test.iv),
				e.driver.CTR(scp.RawKey(test.key), false, test.src, test.size, test.dst, test.iv),
			}

			for _, err := range errs {
				if !errors.Is(err, scp.ErrInvalidArgument) {
					t.Errorf("err = %v, want ErrInvalidArgument", err)
				}
			}

			if len(e.engine.History) != 0 || len(e.engine.Transfers) != 0 {
				t.Errorf("engine side effects on rejected call: %v %v", e.engine.History, e.engine.Transfers)
			}
		})
	}
}

func TestDeriveKey(t *testing.T) {
	e := newEnv(t)
	salt := pattern(16)
	plaintext := pattern(64)

	e.write(t, saltAddr, salt)
	e.write(t, ivAddr, make([]byte, 16))
	e.write(t, srcAddr, plaintext)

	if err := e.driver.CBC(scp.DerivedKey(scp.SecretGFEKEK, saltAddr), true, false, srcAddr, len(plaintext), dstAddr, ivAddr); err != nil {
		t.Fatalf("CBC with derived key: %v", err)
	}

	e.checkScrubbed(t)

	secret, _ := e.engine.SecretValue(scp.SecretGFEKEK)
	kek, _ := aes.NewCipher(secret[:])
	key := make([]byte, 16)
	kek.Encrypt(key, salt)

	block, _ := aes.NewCipher(key)
	want := make([]byte, len(plaintext))
	cipher.NewCBCEncrypter(block, make([]byte, 16)).CryptBlocks(want, plaintext)

	if diff := cmp.Diff(want, e.read(t, dstAddr, len(want))); diff != "" {
		t.Errorf("ciphertext mismatch (-want +got):\n%s", diff)
	}
}

func TestDeriveKeyNotExported(t *testing.T) {
	e := newEnv(t)

	err := e.driver.Run(func(eng scp.Engine) error {
		if err := e.driver.DeriveKey(eng, scp.SecretIndex10, saltAddr); err != nil {
			return err
		}

		eng.ArmTrap(scp.TrapDirect)
		defer eng.DisarmTrap()

		return e.driver.Store(scp.R3, outAddr)
	})

	if !errors.Is(err, scp.ErrPermission) {
		t.Errorf("reading a derived key, err = %v, want ErrPermission", err)
	}

	e.checkScrubbed(t)
}

func TestDeriveKeySecrets(t *testing.T) {
	for _, s := range []scp.Secret{scp.SecretHSDebug, scp.SecretHSProduction, scp.Secret(7)} {
		e := newEnv(t)

		err := e.driver.Run(func(eng scp.Engine) error {
			return e.driver.DeriveKey(eng, s, saltAddr)
		})

		if !errors.Is(err, scp.ErrInvalidArgument) {
			t.Errorf("DeriveKey(%s) err = %v, want ErrInvalidArgument", s, err)
		}
	}
}

func TestScrubOnFailure(t *testing.T) {
	e := newEnv(t)
	errTest := errors.New("test failure")

	err := e.driver.Run(func(eng scp.Engine) error {
		i, err := scp.LoadSecret(scp.SecretHSProduction, scp.R6)

		if err != nil {
			return err
		}

		if err = scp.Issue(eng, i, scp.Key(scp.R6), scp.Encrypt(scp.R6, scp.R7)); err != nil {
			return err
		}

		return errTest
	})

	if !errors.Is(err, errTest) {
		t.Errorf("Run() err = %v, want %v", err, errTest)
	}

	e.checkScrubbed(t)
}

func TestTimeout(t *testing.T) {
	e := newEnv(t)
	e.engine.Stuck = true
	e.driver.Timeout = 5 * time.Millisecond

	err := e.driver.CBC(scp.RawKey(keyAddr), true, false, srcAddr, 16, dstAddr, ivAddr)

	if !errors.Is(err, scp.ErrTimeout) {
		t.Errorf("stuck engine, err = %v, want ErrTimeout", err)
	}

	e.checkScrubbed(t)
}

func TestTimeoutDerivedKey(t *testing.T) {
	e := newEnv(t)
	e.engine.Stuck = true
	e.driver.Timeout = 2 * time.Millisecond

	err := e.driver.CTR(scp.DerivedKey(scp.SecretGFEKEK, saltAddr), false, srcAddr, 32, dstAddr, ivAddr)

	if !errors.Is(err, scp.ErrTimeout) {
		t.Errorf("stuck engine, err = %v, want ErrTimeout", err)
	}

	e.checkScrubbed(t)
}

func TestDerivedKeyNotAllowed(t *testing.T) {
	for _, s := range []scp.Secret{scp.SecretHSDebug, scp.SecretHSProduction} {
		e := newEnv(t)

		errs := []error{
			e.driver.CBC(scp.DerivedKey(s, saltAddr), true, false, srcAddr, 16, dstAddr, ivAddr),
			e.driver.CTR(scp.DerivedKey(s, saltAddr), false, srcAddr, 16, dstAddr, ivAddr),
		}

		for _, err := range errs {
			if !errors.Is(err, scp.ErrInvalidArgument) {
				t.Errorf("DerivedKey(%s) err = %v, want ErrInvalidArgument", s, err)
			}
		}

		if len(e.engine.History) != 0 || len(e.engine.Transfers) != 0 {
			t.Errorf("DerivedKey(%s), engine side effects on rejected call", s)
		}
	}
}

func TestDeriveKeyOutsideRun(t *testing.T) {
	e := newEnv(t)

	err := e.driver.DeriveKey(e.engine, scp.SecretGFEKEK, saltAddr)

	if !errors.Is(err, scp.ErrPermission) {
		t.Errorf("DeriveKey() outside Run, err = %v, want ErrPermission", err)
	}

	if len(e.engine.History) != 0 || len(e.engine.Transfers) != 0 {
		t.Errorf("engine side effects outside Run: %v %v", e.engine.History, e.engine.Transfers)
	}

	other := newEnv(t)

	err = e.driver.Run(func(scp.Engine) error {
		return e.driver.DeriveKey(other.engine, scp.SecretGFEKEK, saltAddr)
	})

	if !errors.Is(err, scp.ErrPermission) {
		t.Errorf("DeriveKey() with foreign engine, err = %v, want ErrPermission", err)
	}
}

func TestSequence(t *testing.T) {
	e := newEnv(t)

	// a 48 bytes buffer starting on an odd block is processed as 16 + 32
	src := uint32(srcAddr - 16)
	dst := uint32(dstAddr - 16)

	if err := e.driver.CBC(scp.RawKey(keyAddr), false, false, src, 48, dst, ivAddr); err != nil {
		t.Fatalf("CBC: %v", err)
	}

	want := []scp.Instruction{
		scp.RKey10(scp.R3, scp.R4),
		scp.Key(scp.R4),
		scp.LoadTrace(5),
		scp.Push(scp.R3),
		scp.Decrypt(scp.R3, scp.R5),
		scp.Xor(scp.R2, scp.R5),
		scp.Mov(scp.R3, scp.R2),
		scp.Fetch(scp.R5),
		scp.LoopTrace(1),
		scp.LoopTrace(2),
	}

	if diff := cmp.Diff(want, e.engine.History[:len(want)]); diff != "" {
		t.Errorf("instruction sequence mismatch (-want +got):\n%s", diff)
	}

	var chunks []int

	for _, d := range e.engine.Transfers {
		if d.Dir == scp.ToEngine && d.Addr >= src && d.Addr < src+48 {
			chunks = append(chunks, d.Size)
		}
	}

	if diff := cmp.Diff([]int{16, 32}, chunks); diff != "" {
		t.Errorf("chunk sizes mismatch (-want +got):\n%s", diff)
	}
}

// TestErrorPropagation checks the locality of single byte ciphertext
// corruption for CTR and CBC.
func TestErrorPropagation(t *testing.T) {
	plaintext := pattern(32)
	key := bytes.Repeat([]byte{0x11}, 16)

	for _, mode := range []string{"ctr", "cbc"} {
		for _, pos := range []int{0, 5, 15, 16, 31} {
			t.Run(fmt.Sprintf("%s byte %d", mode, pos), func(t *testing.T) {
				e := newEnv(t)

				e.write(t, keyAddr, key)
				e.write(t, ivAddr, make([]byte, 16))
				e.write(t, srcAddr, plaintext)

				crypt := func(encrypt bool, src uint32, dst uint32) error {
					if mode == "ctr" {
						return e.driver.CTR(scp.RawKey(keyAddr), false, src, 32, dst, ivAddr)
					}

					return e.driver.CBC(scp.RawKey(keyAddr), encrypt, false, src, 32, dst, ivAddr)
				}

				if err := crypt(true, srcAddr, dstAddr); err != nil {
					t.Fatal(err)
				}

				if err := crypt(false, dstAddr, dst2Addr); err != nil {
					t.Fatal(err)
				}

				if diff := cmp.Diff(plaintext, e.read(t, dst2Addr, 32)); diff != "" {
					t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
				}

				ciphertext := e.read(t, dstAddr, 32)
				ciphertext[pos] ^= 0x04
				e.write(t, dstAddr, ciphertext)

				if err := crypt(false, dstAddr, dst2Addr); err != nil {
					t.Fatal(err)
				}

				got := e.read(t, dst2Addr, 32)
				blk := pos / 16

				for i := range got {
					changed := got[i] != plaintext[i]

					switch {
					case mode == "ctr":
						if changed != (i == pos) {
							t.Errorf("byte %d changed:%v", i, changed)
						}
					case i/16 == blk:
						// corrupted block, checked as a whole below
					case i/16 == blk+1:
						if want := plaintext[i] ^ 0x04*boolByte(i == pos+16); got[i] != want {
							t.Errorf("byte %d = %#x, want %#x", i, got[i], want)
						}
					default:
						if changed {
							t.Errorf("byte %d outside the affected blocks changed", i)
						}
					}
				}

				if mode == "cbc" && bytes.Equal(got[blk*16:blk*16+16], plaintext[blk*16:blk*16+16]) {
					t.Errorf("block %d not corrupted", blk)
				}
			})
		}
	}
}

func boolByte(b bool) byte {
	if b {
		return 1
	}

	return 0
}

func TestBlock(t *testing.T) {
	e := newEnv(t)
	key := bytes.Repeat([]byte{0x5a}, 16)
	plaintext := pattern(64)
	iv := pattern(16)

	e.write(t, keyAddr, key)

	block, err := scp.NewBlock(e.driver, e.dmem, keyAddr, dstAddr)

	if err != nil {
		t.Fatalf("NewBlock: %v", err)
	}

	got := make([]byte, len(plaintext))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(got, plaintext)

	ref, _ := aes.NewCipher(key)
	want := make([]byte, len(plaintext))
	cipher.NewCBCEncrypter(ref, iv).CryptBlocks(want, plaintext)

	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("engine block cipher mismatch (-want +got):\n%s", diff)
	}

	cipher.NewCBCDecrypter(block, iv).CryptBlocks(got, got)

	if diff := cmp.Diff(plaintext, got); diff != "" {
		t.Errorf("engine block cipher round trip (-want +got):\n%s", diff)
	}

	if _, err := scp.NewBlock(e.driver, e.dmem, keyAddr+1, dstAddr); !errors.Is(err, scp.ErrInvalidArgument) {
		t.Errorf("misaligned key, err = %v", err)
	}
}
