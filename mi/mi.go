// Copyright (C) 2024 The Anvil Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package mi encodes the memory-interface commands the batch layer needs:
// jumps between batch buffers, end-of-batch markers, no-ops and immediate
// stores. Commands are little-endian dword streams; 48-bit graphics addresses
// are written in canonical (sign-extended) form.
//
// All writes go through bounds-checked patch sites rather than raw pointer
// arithmetic, so a bad offset fails loudly instead of corrupting a
// neighbouring command.
package mi

import (
	"encoding/binary"

	"github.com/anvil-gpu/anvil/core/fault"
)

// Byte lengths of the encoded commands.
const (
	BatchBufferStartLength = 12 // header dword + 2 address dwords
	BatchBufferEndLength   = 4
	NoopLength             = 4
	StoreDataImmLength     = 20 // header + 2 address dwords + 2 data dwords
)

// Command headers. The opcode lives in bits 28:23; bits 31:29 are zero for
// the MI command type.
const (
	opBatchBufferStart uint32 = 0x31
	opBatchBufferEnd   uint32 = 0x0a
	opStoreDataImm     uint32 = 0x20

	hdrBatchBufferStart uint32 = opBatchBufferStart<<23 |
		1<<8 | // address space: per-process GTT
		1 // dword length: 3 - 2 bias
	hdrBatchBufferEnd uint32 = opBatchBufferEnd << 23
	hdrStoreDataImm   uint32 = opStoreDataImm<<23 |
		1<<21 | // store qword
		3 // dword length: 5 - 2 bias
	hdrNoop uint32 = 0
)

// ErrBadPatch is returned when a patch site does not line up with the
// instruction it claims to hold.
const ErrBadPatch = fault.Const("patch site does not hold the expected command")

// Site is a bounds-checked patch-site descriptor: a byte range of width
// Width at Off within B.
type Site struct {
	B     []byte
	Off   int
	Width int
}

func (s Site) check() error {
	if s.Off < 0 || s.Width < 0 || s.Off+s.Width > len(s.B) {
		return ErrBadPatch
	}
	return nil
}

// PutQword stores v little-endian at the site, which must be 8 bytes wide.
func (s Site) PutQword(v uint64) error {
	if err := s.check(); err != nil {
		return err
	}
	if s.Width != 8 {
		return ErrBadPatch
	}
	binary.LittleEndian.PutUint64(s.B[s.Off:], v)
	return nil
}

// Qword loads the site's value.
func (s Site) Qword() (uint64, error) {
	if err := s.check(); err != nil {
		return 0, err
	}
	if s.Width != 8 {
		return 0, ErrBadPatch
	}
	return binary.LittleEndian.Uint64(s.B[s.Off:]), nil
}

// CanonicalAddress sign-extends a 48-bit graphics address as the command
// streamer expects.
func CanonicalAddress(addr uint64) uint64 {
	return uint64(int64(addr<<16) >> 16)
}

func putDword(b []byte, off int, v uint32) error {
	if off < 0 || off+4 > len(b) {
		return ErrBadPatch
	}
	binary.LittleEndian.PutUint32(b[off:], v)
	return nil
}

// EncodeBatchBufferStart writes a jump to target at b[off:].
func EncodeBatchBufferStart(b []byte, off int, target uint64) error {
	if err := putDword(b, off, hdrBatchBufferStart); err != nil {
		return err
	}
	return Site{B: b, Off: off + 4, Width: 8}.PutQword(CanonicalAddress(target))
}

// IsBatchBufferStart reports whether b[off:] holds a batch-buffer-start
// header.
func IsBatchBufferStart(b []byte, off int) bool {
	if off < 0 || off+4 > len(b) {
		return false
	}
	hdr := binary.LittleEndian.Uint32(b[off:])
	return hdr>>29 == 0 && (hdr>>23)&0x3f == opBatchBufferStart
}

// PatchBatchBufferStart rewrites the jump operand of an existing
// batch-buffer-start at b[off:]. It verifies the header first.
func PatchBatchBufferStart(b []byte, off int, target uint64) error {
	if !IsBatchBufferStart(b, off) {
		return ErrBadPatch
	}
	return Site{B: b, Off: off + 4, Width: 8}.PutQword(CanonicalAddress(target))
}

// EncodeBatchBufferEnd writes an end-of-batch marker at b[off:].
func EncodeBatchBufferEnd(b []byte, off int) error {
	return putDword(b, off, hdrBatchBufferEnd)
}

// EncodeNoop writes a single no-op dword at b[off:].
func EncodeNoop(b []byte, off int) error {
	return putDword(b, off, hdrNoop)
}

// EncodeStoreDataImm writes a qword immediate store to addr at b[off:] and
// returns the patch site of the 8-byte immediate, which the caller fills in
// once the value is known.
func EncodeStoreDataImm(b []byte, off int, addr uint64) (Site, error) {
	if err := putDword(b, off, hdrStoreDataImm); err != nil {
		return Site{}, err
	}
	if err := (Site{B: b, Off: off + 4, Width: 8}).PutQword(CanonicalAddress(addr)); err != nil {
		return Site{}, err
	}
	imm := Site{B: b, Off: off + 12, Width: 8}
	if err := imm.check(); err != nil {
		return Site{}, err
	}
	return imm, nil
}
