// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package canary

import (
	"encoding/binary"
	"fmt"

	"github.com/canonical/go-sp800.90a-drbg"
)

// DRBGSource is a software NIST SP 800-90A CTR-DRBG source.
type DRBGSource struct {
	rng *drbg.DRBG
}

// NewDRBG instantiates an AES-256 CTR-DRBG from externally supplied entropy.
func NewDRBG(seed []byte, nonce []byte, personalization []byte) (s *DRBGSource, err error) {
	rng, err := drbg.NewCTRWithExternalEntropy(32, seed, nonce, personalization, nil)

	if err != nil {
		return nil, fmt.Errorf("could not instantiate DRBG, %v", err)
	}

	return &DRBGSource{rng: rng}, nil
}

// Read32 implements Source.
func (s *DRBGSource) Read32() (c uint32, err error) {
	buf := make([]byte, 4)

	if _, err = s.rng.Read(buf); err != nil {
		return
	}

	return binary.LittleEndian.Uint32(buf), nil
}
