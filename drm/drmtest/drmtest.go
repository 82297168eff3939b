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

// Package drmtest provides an in-memory drm.Device for tests.
package drmtest

import (
	"sync"

	"github.com/anvil-gpu/anvil/drm"
	"golang.org/x/sys/unix"
)

// Submission is a deep copy of one Execbuffer request.
type Submission struct {
	Objects          []drm.ExecObject
	BatchStartOffset uint32
	BatchLen         uint32
	Flags            uint64
	Context          uint32
	Fences           []drm.ExecFence
	FenceValues      []uint64
}

// Device records every request issued to it. Buffers are plain host memory;
// GPU virtual addresses are assigned from a bump allocator so that chaining
// code sees distinct, stable offsets.
type Device struct {
	mu sync.Mutex

	nextHandle  uint32
	nextSyncobj uint32
	buffers     map[uint32][]byte
	signaled    map[uint32]bool

	// Submissions holds every accepted Execbuffer request in order.
	Submissions []Submission

	// FailNext, when non-nil, is returned by the next Execbuffer call and
	// then cleared.
	FailNext error
}

var _ drm.Device = (*Device)(nil)

// New returns an empty fake device.
func New() *Device {
	return &Device{
		buffers:  map[uint32][]byte{},
		signaled: map[uint32]bool{},
	}
}

func (d *Device) Execbuffer(req *drm.ExecBuffer) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.FailNext; err != nil {
		d.FailNext = nil
		return err
	}

	s := Submission{
		Objects:          append([]drm.ExecObject(nil), req.Objects...),
		BatchStartOffset: req.BatchStartOffset,
		BatchLen:         req.BatchLen,
		Flags:            req.Flags,
		Context:          req.Context,
		Fences:           append([]drm.ExecFence(nil), req.Fences...),
	}
	if req.FenceValues != nil {
		s.FenceValues = append([]uint64(nil), req.FenceValues...)
	}
	d.Submissions = append(d.Submissions, s)

	for _, f := range req.Fences {
		if f.Flags&drm.FenceSignal != 0 {
			d.signaled[f.Handle] = true
		}
	}
	return nil
}

func (d *Device) CreateBuffer(size uint64) (uint32, []byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextHandle++
	m := make([]byte, size)
	d.buffers[d.nextHandle] = m
	return d.nextHandle, m, nil
}

func (d *Device) DestroyBuffer(handle uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.buffers, handle)
	return nil
}

func (d *Device) SyncobjCreate() (uint32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextSyncobj++
	d.signaled[d.nextSyncobj] = false
	return d.nextSyncobj, nil
}

func (d *Device) SyncobjDestroy(handle uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.signaled, handle)
	return nil
}

func (d *Device) SyncobjWait(handles []uint32, timeoutNs int64, flags uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, h := range handles {
		if !d.signaled[h] {
			return unix.ETIME
		}
	}
	return nil
}

func (d *Device) SyncobjSignal(handles []uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, h := range handles {
		d.signaled[h] = true
	}
	return nil
}

// Signaled reports whether the named sync object has been signaled.
func (d *Device) Signaled(handle uint32) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.signaled[handle]
}

// BufferContents returns the live contents of a buffer, or nil.
func (d *Device) BufferContents(handle uint32) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.buffers[handle]
}

func (d *Device) Close() error { return nil }
