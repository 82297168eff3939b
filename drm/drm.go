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

// Package drm models the kernel execbuffer submission interface.
//
// The types here mirror the i915 GEM execbuffer ABI closely enough that the
// real device implementation can translate them to the raw ioctl structures
// without losing information, while tests run against an in-memory device.
package drm

import (
	"github.com/anvil-gpu/anvil/core/fault"
	"golang.org/x/sys/unix"
)

// Per-object flags, matching EXEC_OBJECT_* in the kernel ABI.
const (
	ExecObjectNeedsFence uint64 = 1 << 0
	ExecObjectWrite      uint64 = 1 << 2
	ExecObjectSupports48 uint64 = 1 << 3
	ExecObjectPinned     uint64 = 1 << 4
	ExecObjectAsync      uint64 = 1 << 6
	ExecObjectCapture    uint64 = 1 << 7
)

// Submission flags, matching I915_EXEC_* in the kernel ABI.
const (
	ExecNoReloc       uint64 = 1 << 11
	ExecHandleLUT     uint64 = 1 << 12
	ExecFenceArray    uint64 = 1 << 19
	ExecUseExtensions uint64 = 1 << 21
)

// Fence flags, matching I915_EXEC_FENCE_* in the kernel ABI.
const (
	FenceWait   uint32 = 1 << 0
	FenceSignal uint32 = 1 << 1
)

// ExecObject is one entry of the submission's validation list.
type ExecObject struct {
	Handle uint32
	Offset uint64
	Flags  uint64
}

// ExecFence names a sync object the submission waits on or signals.
type ExecFence struct {
	Handle uint32
	Flags  uint32
}

// ExecBuffer is the request consumed by Device.Execbuffer. The object backing
// the batch to execute must be the last entry of Objects; the kernel starts
// decoding there.
type ExecBuffer struct {
	Objects          []ExecObject
	BatchStartOffset uint32
	BatchLen         uint32
	Flags            uint64
	Context          uint32

	// Fences lists sync objects to wait on or signal. FenceValues, when
	// non-nil, runs parallel to Fences and carries timeline point values;
	// a nil FenceValues means every fence is binary.
	Fences      []ExecFence
	FenceValues []uint64
}

// SyncFlags for Device.SyncobjWait.
const (
	SyncWaitAll        uint32 = 1 << 0
	SyncWaitForSubmit  uint32 = 1 << 1
	SyncWaitAvailable  uint32 = 1 << 2
)

// Device is the thin kernel boundary the submission layer drives. The real
// implementation wraps a /dev/dri render node; tests use drmtest.Device.
type Device interface {
	// Execbuffer submits req and blocks until the kernel has accepted it,
	// not until the GPU has executed it.
	Execbuffer(req *ExecBuffer) error

	// CreateBuffer allocates a GPU buffer of the given size and maps it,
	// returning the kernel handle and the CPU mapping.
	CreateBuffer(size uint64) (handle uint32, m []byte, err error)

	// DestroyBuffer unmaps and releases a buffer.
	DestroyBuffer(handle uint32) error

	SyncobjCreate() (uint32, error)
	SyncobjDestroy(handle uint32) error

	// SyncobjWait blocks until the named sync objects signal or timeoutNs
	// (absolute CLOCK_MONOTONIC) passes, returning unix.ETIME on timeout.
	SyncobjWait(handles []uint32, timeoutNs int64, flags uint32) error

	SyncobjSignal(handles []uint32) error

	Close() error
}

// ErrnoToError maps a kernel errno from an allocation path onto the module's
// error taxonomy. Submission failures are handled separately: any execbuffer
// error makes the queue lost.
func ErrnoToError(err error) error {
	switch err {
	case nil:
		return nil
	case unix.ENOMEM:
		return fault.ErrOutOfHostMemory
	case unix.ENOSPC, unix.E2BIG:
		return fault.ErrOutOfDeviceMemory
	default:
		return err
	}
}
