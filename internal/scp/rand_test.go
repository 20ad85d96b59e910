// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package scp_test

import (
	"bytes"
	"crypto/aes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/usbarmory/scp-hs/internal/scp"
)

func fakeDraw(n uint64) []byte {
	buf := make([]byte, 16)
	binary.BigEndian.PutUint64(buf[0:], n)
	binary.BigEndian.PutUint64(buf[8:], ^n)
	return buf
}

func TestRandomFakeRequiresDebug(t *testing.T) {
	e := newEnv(t)

	if err := e.driver.StartRNG(scp.RNGConfig{Fake: true}); !errors.Is(err, scp.ErrInvalidArgument) {
		t.Errorf("fake RNG without debug, err = %v", err)
	}
}

func TestRandomNotStarted(t *testing.T) {
	e := newEnv(t)

	if err := e.driver.Random128(outAddr); !errors.Is(err, scp.ErrInvalidArgument) {
		t.Errorf("RNG not started, err = %v", err)
	}

	e.checkScrubbed(t)

	if err := e.driver.StartRNG(scp.DefaultRNG); err != nil {
		t.Fatal(err)
	}

	e.driver.StopRNG()

	if err := e.driver.Random128(outAddr); !errors.Is(err, scp.ErrInvalidArgument) {
		t.Errorf("RNG stopped, err = %v", err)
	}
}

func TestRandomFake(t *testing.T) {
	e := newEnv(t)
	e.driver.Debug = true

	mix := bytes.Repeat([]byte{0xa5}, 16)
	e.write(t, saltAddr, mix)

	if err := e.driver.StartRNG(scp.RNGConfig{Fake: true}); err != nil {
		t.Fatal(err)
	}

	defer e.driver.StopRNG()

	if err := e.driver.Random128(outAddr, saltAddr); err != nil {
		t.Fatalf("Random128: %v", err)
	}

	e.checkScrubbed(t)

	r := fakeDraw(1)

	for i := range r {
		r[i] ^= mix[i]
	}

	c, _ := aes.NewCipher(fakeDraw(2))
	want := make([]byte, 16)
	c.Encrypt(want, r)

	if diff := cmp.Diff(want, e.read(t, outAddr, 16)); diff != "" {
		t.Errorf("whitened output mismatch (-want +got):\n%s", diff)
	}
}

func TestRandom(t *testing.T) {
	e := newEnv(t)

	if err := e.driver.StartRNG(scp.DefaultRNG); err != nil {
		t.Fatal(err)
	}

	defer e.driver.StopRNG()

	var prev []byte

	for i := 0; i < 4; i++ {
		if err := e.driver.Random128(outAddr); err != nil {
			t.Fatalf("Random128: %v", err)
		}

		out := e.read(t, outAddr, 16)

		if bytes.Equal(out, make([]byte, 16)) || bytes.Equal(out, prev) {
			t.Errorf("unexpected random output %x", out)
		}

		prev = out
	}

	if err := e.driver.Random128(outAddr + 8); !errors.Is(err, scp.ErrInvalidArgument) {
		t.Errorf("misaligned destination, err = %v", err)
	}
}
