// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package main

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/usbarmory/scp-hs/internal/signature"
)

// Manifest describes an HS image to sign.
type Manifest struct {
	FirmwareID uint32 `yaml:"firmware_id"`
	Version    uint32 `yaml:"version"`
	// required revocation version
	Revocation uint32 `yaml:"revocation"`
	// number of accepted fuse revocation generations, including the
	// current one
	Generations int `yaml:"generations"`
	// accept units without fuse revocation version
	Unfused bool `yaml:"unfused"`
	Debug   bool `yaml:"debug"`

	// hex encoded device seed of the simulated engine
	Seed string `yaml:"seed"`

	// image paths, relative to the manifest
	IMEM string `yaml:"imem"`
	DMEM string `yaml:"dmem"`

	seed []byte
	dir  string
}

func loadManifest(path string) (m *Manifest, err error) {
	buf, err := os.ReadFile(path)

	if err != nil {
		return
	}

	m = &Manifest{}

	if err = yaml.Unmarshal(buf, m); err != nil {
		return nil, fmt.Errorf("invalid manifest, %v", err)
	}

	m.dir = filepath.Dir(path)

	return m, m.validate()
}

func (m *Manifest) validate() (err error) {
	if m.Generations < 1 || m.Generations > signature.NumPrevSignatures {
		return fmt.Errorf("generations must be between 1 and %d", signature.NumPrevSignatures)
	}

	if m.IMEM == "" || m.DMEM == "" {
		return errors.New("missing image path")
	}

	if m.seed, err = hex.DecodeString(m.Seed); err != nil || len(m.seed) == 0 {
		return errors.New("invalid device seed")
	}

	return
}

func (m *Manifest) image(p string) ([]byte, error) {
	if !filepath.IsAbs(p) {
		p = filepath.Join(m.dir, p)
	}

	return os.ReadFile(p)
}
