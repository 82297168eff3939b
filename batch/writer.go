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

package batch

import (
	"github.com/anvil-gpu/anvil/device"
	"github.com/anvil-gpu/anvil/mi"
)

// ExtendFunc is invoked when an emit would overflow the writer's storage.
// It must swap the writer onto fresh storage (chaining the old buffer to the
// new one) or return the error to latch on the writer.
type ExtendFunc func(*Writer) error

// Writer is an append-only cursor over the current batch BO's mapping. It is
// not safe for concurrent use; the recording thread owns it.
//
// The usable end is kept short of the physical buffer end while recording,
// reserving room for a trailing jump; the command-buffer layer restores the
// reserved tail when it emits that jump.
type Writer struct {
	startAddr device.Address
	buf       []byte
	next      int
	end       int

	relocs *RelocList
	extend ExtendFunc
	err    error
}

// NewWriter returns a writer that extends itself through cb.
func NewWriter(cb ExtendFunc) *Writer {
	return &Writer{extend: cb}
}

// SetStorage points the writer at a fresh buffer. addr is the device address
// of buf's start; usable is the byte count available for recording.
func (w *Writer) SetStorage(addr device.Address, buf []byte, usable int) {
	w.startAddr = addr
	w.buf = buf
	w.next = 0
	w.end = usable
}

// ContinueStorage is SetStorage resuming at byte offset at.
func (w *Writer) ContinueStorage(addr device.Address, buf []byte, at, usable int) {
	w.SetStorage(addr, buf, usable)
	w.next = at
}

// SetRelocs attaches the relocation list new emits record into.
func (w *Writer) SetRelocs(l *RelocList) { w.relocs = l }

// Relocs returns the current relocation list.
func (w *Writer) Relocs() *RelocList { return w.relocs }

// Used returns the number of bytes recorded into the current storage.
func (w *Writer) Used() int { return w.next }

// Remaining returns the usable bytes left before the writer must extend.
func (w *Writer) Remaining() int { return w.end - w.next }

// Address returns the device address of byte offset loc in the current
// storage.
func (w *Writer) Address(loc int) device.Address {
	return w.startAddr.Add(uint64(loc))
}

// CurrentAddress returns the device address the next emit will write to.
func (w *Writer) CurrentAddress() device.Address {
	return w.Address(w.next)
}

// GrowEnd restores n reserved tail bytes, making them emittable. Used just
// before the trailing jump or end marker is written.
func (w *Writer) GrowEnd(n int) {
	if w.end+n > len(w.buf) {
		panic("batch: GrowEnd past physical buffer")
	}
	w.end += n
}

// Error returns the sticky error latched on the writer, if any.
func (w *Writer) Error() error { return w.err }

// SetError latches err on the writer. The first error wins; once latched,
// every further emit is a no-op returning nil.
func (w *Writer) SetError(err error) {
	if w.err == nil {
		w.err = err
	}
}

// ClearError unlatches the sticky error. Only command-buffer reset uses it.
func (w *Writer) ClearError() { w.err = nil }

// Emit reserves n bytes and returns them for the caller to encode into, or
// nil if the writer is in the error state. On overflow the extend callback
// runs once; failure to make room latches the error.
func (w *Writer) Emit(n int) []byte {
	if w.err != nil {
		return nil
	}
	if w.next+n > w.end {
		if w.extend == nil {
			w.SetError(mi.ErrBadPatch)
			return nil
		}
		if err := w.extend(w); err != nil {
			w.SetError(err)
			return nil
		}
		if w.next+n > w.end {
			// A single batch BO must be able to hold any one command.
			panic("batch: emit larger than a whole batch BO")
		}
	}
	p := w.buf[w.next : w.next+n : w.next+n]
	w.next += n
	return p
}

// EmitBatch bulk-copies the used portion of other into w, extending storage
// as needed, and appends other's relocation list onto w's. It is how a tiny
// secondary command buffer is inlined into a primary.
func (w *Writer) EmitBatch(other *Writer) {
	size := other.next
	p := w.Emit(size)
	if p == nil {
		return
	}
	copy(p, other.buf[:size])
	if err := w.relocs.Append(other.relocs); err != nil {
		w.SetError(err)
	}
}

// EmitBatchBufferStart appends a jump to target.
func EmitBatchBufferStart(w *Writer, target device.Address) {
	p := w.Emit(mi.BatchBufferStartLength)
	if p == nil {
		return
	}
	if err := mi.EncodeBatchBufferStart(p, 0, target.Physical()); err != nil {
		w.SetError(err)
	}
}

// EmitBatchBufferEnd appends an end-of-batch marker.
func EmitBatchBufferEnd(w *Writer) {
	p := w.Emit(mi.BatchBufferEndLength)
	if p == nil {
		return
	}
	if err := mi.EncodeBatchBufferEnd(p, 0); err != nil {
		w.SetError(err)
	}
}

// EmitNoop appends a single no-op dword.
func EmitNoop(w *Writer) {
	p := w.Emit(mi.NoopLength)
	if p == nil {
		return
	}
	if err := mi.EncodeNoop(p, 0); err != nil {
		w.SetError(err)
	}
}

// EmitStoreDataImm appends a qword immediate store to addr, returning the
// patch site of the immediate for the caller to fill in.
func EmitStoreDataImm(w *Writer, addr device.Address) (mi.Site, bool) {
	p := w.Emit(mi.StoreDataImmLength)
	if p == nil {
		return mi.Site{}, false
	}
	site, err := mi.EncodeStoreDataImm(p, 0, addr.Physical())
	if err != nil {
		w.SetError(err)
		return mi.Site{}, false
	}
	return site, true
}
