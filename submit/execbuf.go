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

// Package submit turns ended command buffers into kernel submissions: it
// builds deduplicated execbuf object lists and drives the queue, including
// chaining compatible command buffers into a single ioctl.
package submit

import (
	"github.com/pkg/errors"

	"github.com/anvil-gpu/anvil/batch"
	"github.com/anvil-gpu/anvil/cmdbuf"
	"github.com/anvil-gpu/anvil/device"
	"github.com/anvil-gpu/anvil/drm"
	"github.com/anvil-gpu/anvil/mi"
)

// execbuf accumulates one submission's object list and fence array. The
// whole build runs under the device lock; BOs gathered here are retained
// until finish so a concurrent free cannot leave a dangling handle in the
// list.
type execbuf struct {
	dev *device.Device

	objects []drm.ExecObject
	bos     []*device.BO

	fences      []drm.ExecFence
	fenceValues []uint64
	hasTimeline bool

	batchStartOffset uint32
	batchLen         uint32
}

func newExecbuf(dev *device.Device) *execbuf {
	return &execbuf{
		dev:     dev,
		objects: make([]drm.ExecObject, 0, 64),
		bos:     make([]*device.BO, 0, 64),
	}
}

// addBO places bo in the object list exactly once. The cached ExecIndex is
// only a hint from some earlier submission, so it is verified against the
// list before being trusted. Flags merge across duplicate adds; a writer
// never keeps the async bit.
func (e *execbuf) addBO(bo *device.BO, relocs *batch.RelocList, extra uint64) error {
	var obj *drm.ExecObject
	if i := bo.ExecIndex; int(i) < len(e.bos) && e.bos[i] == bo {
		obj = &e.objects[i]
	}
	if obj == nil {
		bo.ExecIndex = uint32(len(e.bos))
		e.objects = append(e.objects, drm.ExecObject{
			Handle: bo.GemHandle,
			Offset: bo.Offset,
		})
		e.bos = append(e.bos, bo)
		bo.Retain()
		obj = &e.objects[bo.ExecIndex]
	}

	obj.Flags |= bo.Flags | extra
	if obj.Flags&drm.ExecObjectWrite != 0 {
		obj.Flags &^= drm.ExecObjectAsync
	}
	obj.Offset = bo.Offset

	if relocs == nil {
		return nil
	}
	// obj may be invalidated by the recursion below; it is not used again.
	return e.addRelocs(relocs, extra)
}

// addRelocs adds every BO a relocation list names, both the explicit array
// and the gem-handle dependency bitset. Bitset handles resolve through the
// device table, which the held device lock keeps stable.
func (e *execbuf) addRelocs(relocs *batch.RelocList, extra uint64) error {
	for _, rb := range relocs.BOs() {
		if err := e.addBO(rb, nil, extra); err != nil {
			return err
		}
	}
	return relocs.Deps().ForEach(func(handle uint32) error {
		dep := e.dev.Lookup(handle)
		if dep == nil {
			return errors.Errorf("execbuf: dependency on unknown gem handle %d", handle)
		}
		return e.addBO(dep, nil, extra)
	})
}

// addSyncobj appends a fence entry. The value array stays nil until the
// first timeline point appears, then is backfilled with zeros so it runs
// parallel to the fence array.
func (e *execbuf) addSyncobj(handle, flags uint32, value uint64) {
	if value != 0 && !e.hasTimeline {
		e.hasTimeline = true
		e.fenceValues = make([]uint64, len(e.fences))
	}
	e.fences = append(e.fences, drm.ExecFence{Handle: handle, Flags: flags})
	if e.hasTimeline {
		e.fenceValues = append(e.fenceValues, value)
	}
}

// addSync wires one synchronization primitive into the submission. BO-backed
// fences ride the object list and rely on implicit sync; signalling one
// means writing it.
func (e *execbuf) addSync(s *device.Sync, signal bool, value uint64) error {
	if s.BO != nil {
		var extra uint64
		if signal {
			extra = drm.ExecObjectWrite
		}
		return e.addBO(s.BO, nil, extra)
	}
	flags := drm.FenceWait
	if signal {
		flags = drm.FenceSignal
	}
	e.addSyncobj(s.Handle, flags, value)
	return nil
}

// setupCmdBuffers gathers every BO the chained run references: surface
// dependencies, every seen batch BO with its relocations, and side
// allocations. The kernel executes the last object in the list, so the lead
// command buffer's first batch BO is swapped into that slot at the end.
func (e *execbuf) setupCmdBuffers(cbs []*cmdbuf.CommandBuffer) error {
	for _, cb := range cbs {
		if err := e.addRelocs(cb.SurfaceRelocs(), 0); err != nil {
			return err
		}
	}
	for _, cb := range cbs {
		for _, bbo := range cb.SeenBBOs() {
			if err := e.addBO(bbo.Bo, &bbo.Relocs, 0); err != nil {
				return err
			}
		}
		for _, bo := range cb.DynamicBOs() {
			if err := e.addBO(bo, nil, 0); err != nil {
				return err
			}
		}
	}

	first := cbs[0].FirstBBO().Bo
	last := uint32(len(e.bos) - 1)
	if first.ExecIndex != last {
		i := first.ExecIndex
		e.objects[i], e.objects[last] = e.objects[last], e.objects[i]
		e.bos[i], e.bos[last] = e.bos[last], e.bos[i]
		e.bos[i].ExecIndex = i
		e.bos[last].ExecIndex = last
	}

	// The kernel parses from the start of the lead BO until it executes an
	// end-of-batch; the chain jumps carry it across BOs.
	e.batchStartOffset = 0
	e.batchLen = 0
	return nil
}

// setupEmpty submits the device's trivial batch, for fence-only submissions.
func (e *execbuf) setupEmpty() error {
	if err := e.addBO(e.dev.TrivialBatch, nil, 0); err != nil {
		return err
	}
	e.batchStartOffset = 0
	e.batchLen = uint32(mi.BatchBufferEndLength + mi.NoopLength)
	return nil
}

func (e *execbuf) build(context uint32) *drm.ExecBuffer {
	req := &drm.ExecBuffer{
		Objects:          e.objects,
		BatchStartOffset: e.batchStartOffset,
		BatchLen:         e.batchLen,
		Flags:            drm.ExecNoReloc | drm.ExecHandleLUT,
		Context:          context,
		Fences:           e.fences,
	}
	if e.hasTimeline {
		req.FenceValues = e.fenceValues
	}
	return req
}

// finish drops the references taken while building the list.
func (e *execbuf) finish() {
	for _, bo := range e.bos {
		bo.Release()
	}
	e.bos = e.bos[:0]
}
