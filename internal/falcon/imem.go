// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package falcon

// IMEM block size in bytes
const BlockSize = 256

// Falcon "jmp imm24" encoding used by the HS entry dummy jumps.
const (
	JMP_OPCODE = 0x3e
	JMP_SIZE   = 4
)

// BlockStatus describes an IMEM block as returned by the imtag and imblk
// instructions.
type BlockStatus struct {
	// physical block index
	Index int
	// virtual address tag (address >> 8)
	Tag uint32

	Valid   bool
	Pending bool
	Secure  bool

	// imtag only
	Miss     bool
	Multihit bool
}

// Tags tracks IMEM block mapping and security attributes.
type Tags struct {
	blocks []BlockStatus
}

// NewTags returns tags for n invalid physical blocks.
func NewTags(n int) *Tags {
	t := &Tags{
		blocks: make([]BlockStatus, n),
	}

	for i := range t.blocks {
		t.blocks[i].Index = i
	}

	return t
}

// Count returns the number of physical IMEM blocks.
func (t *Tags) Count() int {
	return len(t.blocks)
}

// Load maps physical block index to the virtual block containing addr.
func (t *Tags) Load(index int, addr uint32, secure bool) {
	t.blocks[index] = BlockStatus{
		Index:  index,
		Tag:    addr / BlockSize,
		Valid:  true,
		Secure: secure,
	}
}

// SetPending flags a block as having an outstanding transfer.
func (t *Tags) SetPending(index int, pending bool) {
	t.blocks[index].Pending = pending
}

// Lookup returns the status of the block mapping addr (imtag).
func (t *Tags) Lookup(addr uint32) (s BlockStatus) {
	tag := addr / BlockSize
	hits := 0

	for _, b := range t.blocks {
		if !b.Valid || b.Tag != tag {
			continue
		}

		if hits == 0 {
			s = b
		}

		hits++
	}

	switch hits {
	case 0:
		return BlockStatus{Index: -1, Tag: tag, Miss: true}
	case 1:
		return
	default:
		s.Multihit = true
		return
	}
}

// Block returns the status of a physical block (imblk).
func (t *Tags) Block(index int) BlockStatus {
	return t.blocks[index]
}

// Invalidate clears the valid bit of a physical block (iminv).
func (t *Tags) Invalidate(index int) {
	t.blocks[index].Valid = false
}

// EncodeJump returns the instruction word for "jmp target".
func EncodeJump(target uint32) uint32 {
	return target<<8 | JMP_OPCODE
}

// DecodeJump returns the target of a "jmp imm24" instruction word.
func DecodeJump(insn uint32) (target uint32, ok bool) {
	if insn&0xff != JMP_OPCODE {
		return
	}

	return insn >> 8, true
}
