// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package canary

import (
	"github.com/usbarmory/scp-hs/internal/falcon"
	"github.com/usbarmory/scp-hs/internal/scp"
)

// EngineSource draws values with scp.Driver.Random128, the previous output
// left in the staging buffer is mixed into each draw.
type EngineSource struct {
	Driver *scp.Driver
	Mem    *falcon.RAM
	// DMEM address of a 16 bytes aligned staging buffer
	Buf uint32
}

// Read32 implements Source, the engine RNG must be started.
func (s *EngineSource) Read32() (c uint32, err error) {
	if err = s.Driver.Random128(s.Buf, s.Buf); err != nil {
		return
	}

	return s.Mem.Read32(s.Buf), nil
}

// Generate starts the engine RNG with conf, draws a canary and stops it.
func (s *EngineSource) Generate(conf scp.RNGConfig) (c uint32, err error) {
	if err = s.Driver.StartRNG(conf); err != nil {
		return
	}

	defer s.Driver.StopRNG()

	return Generate(s)
}
