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

// Package device owns buffer objects and the process-wide state the
// submission layer depends on: the BO pool, the handle lookup table, the
// tuning configuration and the sticky lost state.
package device

import (
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/anvil-gpu/anvil/core/fault"
	"github.com/anvil-gpu/anvil/drm"
	"github.com/anvil-gpu/anvil/mi"
)

// LookupFunc resolves a gem handle to its BO. It is the capability handed to
// the execbuf builder for walking dependency bitsets; implementations require
// the device lock to be held.
type LookupFunc func(handle uint32) *BO

// Device aggregates the kernel device, the BO pool and handle table, and the
// submission lock.
//
// The lock discipline follows the submission design: recording never takes
// the device lock; the whole build-execbuf-plus-ioctl sequence runs under it,
// and the handle table is guarded by the same lock because BO destruction
// removes entries concurrently with dependency walks.
type Device struct {
	DRM     drm.Device
	Context uint32
	Tuning  Tuning
	Log     *logrus.Entry

	Pool *Pool

	mu    sync.Mutex
	table map[uint32]*BO

	vaNext uint64

	lost atomic.Value // error

	// TrivialBatch is an eight-byte end-of-batch used for submissions with
	// no command buffers.
	TrivialBatch *BO
}

// New wraps a kernel device. The logger may be nil.
func New(dev drm.Device, tuning Tuning, log *logrus.Entry) (*Device, error) {
	if log == nil {
		l := logrus.New()
		l.SetLevel(logrus.WarnLevel)
		log = logrus.NewEntry(l)
	}
	d := &Device{
		DRM:    dev,
		Tuning: tuning,
		Log:    log,
		table:  map[uint32]*BO{},
		vaNext: 1 << 12, // keep the zero page unmapped
	}
	d.Pool = NewPool(d)

	trivial, err := d.Pool.Alloc(uint64(mi.BatchBufferEndLength+mi.NoopLength), "trivial-batch")
	if err != nil {
		return nil, errors.Wrap(err, "trivial batch")
	}
	if err := mi.EncodeBatchBufferEnd(trivial.Map, 0); err != nil {
		return nil, err
	}
	if err := mi.EncodeNoop(trivial.Map, mi.BatchBufferEndLength); err != nil {
		return nil, err
	}
	d.TrivialBatch = trivial
	return d, nil
}

// Lock takes the device submission lock.
func (d *Device) Lock() { d.mu.Lock() }

// Unlock releases the device submission lock.
func (d *Device) Unlock() { d.mu.Unlock() }

// allocVA assigns a GPU virtual address range. Addresses are never reused;
// a 48-bit address space outlives any realistic process.
func (d *Device) allocVA(size uint64) uint64 {
	const align = 1 << 12
	size = (size + align - 1) &^ uint64(align-1)
	va := atomic.AddUint64(&d.vaNext, size) - size
	return va
}

// addBO publishes a BO in the handle table.
func (d *Device) addBO(bo *BO) {
	d.mu.Lock()
	d.table[bo.GemHandle] = bo
	d.mu.Unlock()
}

// removeBO withdraws a BO from the handle table.
func (d *Device) removeBO(bo *BO) {
	d.mu.Lock()
	delete(d.table, bo.GemHandle)
	d.mu.Unlock()
}

// Lookup resolves a gem handle to its BO. The device lock must be held; this
// is the LookupFunc given to the execbuf builder.
func (d *Device) Lookup(handle uint32) *BO {
	return d.table[handle]
}

// SetLost latches the device into the lost state and returns ErrDeviceLost.
// The first cause wins; later calls keep the original.
func (d *Device) SetLost(cause error, msg string) error {
	err := errors.Wrap(cause, msg)
	if d.lost.CompareAndSwap(nil, err) {
		d.Log.WithError(err).Error("device lost")
	}
	return fault.ErrDeviceLost
}

// CheckLost returns ErrDeviceLost if the device has been lost.
func (d *Device) CheckLost() error {
	if d.lost.Load() != nil {
		return fault.ErrDeviceLost
	}
	return nil
}

// LostCause returns the error that lost the device, or nil.
func (d *Device) LostCause() error {
	if err, ok := d.lost.Load().(error); ok {
		return err
	}
	return nil
}

var flushFence uint32

// FlushBatch makes CPU stores to p visible to the command streamer on
// platforms that do not snoop CPU caches (Tuning.NeedCommandFlush). Batch
// mappings are requested write-back coherent, so an ordering fence suffices
// here; a platform needing real cacheline writeback hooks this.
func (d *Device) FlushBatch(p []byte) {
	if !d.Tuning.NeedCommandFlush {
		return
	}
	atomic.AddUint32(&flushFence, 1)
}

// Close releases the pool and the kernel device.
func (d *Device) Close() error {
	if d.TrivialBatch != nil {
		d.Pool.Free(d.TrivialBatch)
		d.TrivialBatch = nil
	}
	d.Pool.Destroy()
	return d.DRM.Close()
}
