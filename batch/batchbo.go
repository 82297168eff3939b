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

// BO is one fixed-size block of a command buffer's chain: a pooled buffer
// object, the relocation list of everything recorded into it, and the used
// length. Chained marks whether its tail currently holds a jump to the next
// block rather than an end marker.
type BO struct {
	Bo      *device.BO
	Relocs  RelocList
	Length  int
	Chained bool
}

// NewBO allocates a batch BO of the given size from the device pool.
func NewBO(dev *device.Device, size int) (*BO, error) {
	bo, err := dev.Pool.Alloc(uint64(size), "batch-bo")
	if err != nil {
		return nil, err
	}
	return &BO{Bo: bo}, nil
}

// Clone allocates a same-size BO and deep-copies the used byte range and the
// relocation list. Mutating the source afterwards leaves the clone untouched.
func (b *BO) Clone(dev *device.Device) (*BO, error) {
	nb, err := NewBO(dev, int(b.Bo.Size))
	if err != nil {
		return nil, err
	}
	nb.Relocs = b.Relocs.Clone()
	nb.Length = b.Length
	copy(nb.Bo.Map, b.Bo.Map[:b.Length])
	return nb, nil
}

// Start points w at the beginning of b, reserving padding bytes at the tail,
// and clears b's relocation list for fresh recording.
func (b *BO) Start(w *Writer, padding int) {
	w.SetStorage(device.Address{BO: b.Bo}, b.Bo.Map, int(b.Bo.Size)-padding)
	b.Relocs.Clear()
	w.SetRelocs(&b.Relocs)
}

// Continue points w at b resuming after the already-recorded length.
func (b *BO) Continue(w *Writer, padding int) {
	w.ContinueStorage(device.Address{BO: b.Bo}, b.Bo.Map, b.Length,
		int(b.Bo.Size)-padding)
	w.SetRelocs(&b.Relocs)
}

// Finish records how many bytes w has written into b.
func (b *BO) Finish(w *Writer) {
	b.Length = w.Used()
}

// Free returns the backing buffer to the pool.
func (b *BO) Free(dev *device.Device) {
	dev.Pool.Free(b.Bo)
	b.Bo = nil
}

// Link patches the jump at prev's tail to land offsetInNext bytes into next.
// The patch site is verified to hold a jump before it is rewritten. On
// platforms whose command streamer does not snoop CPU caches the patched
// range is flushed afterwards.
func Link(dev *device.Device, prev, next *BO, offsetInNext int) error {
	off := prev.Length - mi.BatchBufferStartLength
	target := next.Bo.Offset + uint64(offsetInNext)
	if err := mi.PatchBatchBufferStart(prev.Bo.Map, off, target); err != nil {
		return err
	}
	dev.FlushBatch(prev.Bo.Map[off : off+mi.BatchBufferStartLength])
	return nil
}

// CloneChain clones every BO in list, re-linking each clone to the next so
// the copies form an equivalent chain. On failure everything already cloned
// is freed.
func CloneChain(dev *device.Device, list []*BO) ([]*BO, error) {
	out := make([]*BO, 0, len(list))
	var prev *BO
	for _, b := range list {
		nb, err := b.Clone(dev)
		if err != nil {
			for _, c := range out {
				c.Free(dev)
			}
			return nil, err
		}
		out = append(out, nb)
		if prev != nil {
			if err := Link(dev, prev, nb, 0); err != nil {
				for _, c := range out {
					c.Free(dev)
				}
				return nil, err
			}
		}
		prev = nb
	}
	return out, nil
}
