// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package signature

import (
	"crypto/subtle"
	"encoding/hex"
)

// NumPrevSignatures is the number of revocation generations a table covers.
const NumPrevSignatures = 4

// Size is the signature size in bytes.
const Size = 16

// Signature represents a chained hash signature.
type Signature [Size]byte

func (s Signature) String() string {
	return hex.EncodeToString(s[:])
}

// Equal compares two signatures in constant time.
func (s Signature) Equal(o Signature) bool {
	return subtle.ConstantTimeCompare(s[:], o[:]) == 1
}

// Table holds one expected signature per revocation generation, slot i
// verifies on units whose fuse revocation version is i versions behind the
// required one. The trailing slot is reserved for unfused (version 0) units.
type Table [NumPrevSignatures + 1]Signature

// Index returns the table slot to verify against, ok is false when the fuse
// version cannot be served by the table.
func Index(required uint32, fuse uint32) (idx uint32, ok bool) {
	if fuse == 0 {
		return NumPrevSignatures, true
	}

	if fuse > required {
		return
	}

	if idx = required - fuse; idx >= NumPrevSignatures {
		return 0, false
	}

	return idx, true
}

// Lookup returns the expected signature for the fuse version.
func (t *Table) Lookup(required uint32, fuse uint32) (s Signature, ok bool) {
	idx, ok := Index(required, fuse)

	if !ok {
		return
	}

	return t[idx], true
}
