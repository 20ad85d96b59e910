// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package canary provides stack protector canary values, drawn from the
// engine random number generator or from a software DRBG on builds without
// one.
package canary

import (
	"errors"

	"github.com/golang/glog"
)

// MaxAttempts bounds the draws performed before giving up.
const MaxAttempts = 8

var ErrEntropy = errors.New("no acceptable canary value")

// Source represents a 32-bit entropy source.
type Source interface {
	Read32() (uint32, error)
}

// Acceptable reports whether a value can be used as canary, all-zero and
// all-one values are rejected as guessable.
func Acceptable(c uint32) bool {
	return c != 0 && c != 0xffffffff
}

// Generate draws a canary value from src.
func Generate(src Source) (c uint32, err error) {
	for i := 0; i < MaxAttempts; i++ {
		if c, err = src.Read32(); err != nil {
			return 0, err
		}

		if Acceptable(c) {
			return
		}

		glog.Warningf("canary: rejected draw %d", i)
	}

	return 0, ErrEntropy
}
