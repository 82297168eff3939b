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

package device

import (
	"math/bits"
	"sync"

	"github.com/anvil-gpu/anvil/core/fault"
	"github.com/anvil-gpu/anvil/drm"
)

// minPoolAlloc is the smallest bucket size handed out by the pool.
const minPoolAlloc = 1 << 12

// Pool recycles batch BOs by power-of-two size class. Freed BOs keep their
// kernel buffer and GPU address and are reused for the next allocation of
// the same class, which keeps command-buffer reset cheap.
type Pool struct {
	dev *Device

	mu   sync.Mutex
	free map[uint64][]*BO
}

// NewPool returns an empty pool backed by dev.
func NewPool(dev *Device) *Pool {
	return &Pool{dev: dev, free: map[uint64][]*BO{}}
}

func poolBucket(size uint64) uint64 {
	if size < minPoolAlloc {
		return minPoolAlloc
	}
	if size&(size-1) == 0 {
		return size
	}
	return 1 << bits.Len64(size)
}

// Alloc returns a mapped BO of at least size bytes. The BO stays in the
// device handle table until the pool is destroyed, so dependency walks can
// resolve it even while it sits on the free list.
func (p *Pool) Alloc(size uint64, name string) (*BO, error) {
	bucket := poolBucket(size)

	p.mu.Lock()
	if list := p.free[bucket]; len(list) > 0 {
		bo := list[len(list)-1]
		p.free[bucket] = list[:len(list)-1]
		p.mu.Unlock()
		bo.Name = name
		bo.Retain()
		return bo, nil
	}
	p.mu.Unlock()

	handle, m, err := p.dev.DRM.CreateBuffer(bucket)
	if err != nil {
		if err = drm.ErrnoToError(err); err == fault.ErrOutOfHostMemory {
			return nil, err
		}
		return nil, fault.ErrOutOfDeviceMemory
	}

	bo := &BO{
		GemHandle: handle,
		Offset:    p.dev.allocVA(bucket),
		Size:      bucket,
		Flags:     drm.ExecObjectSupports48 | drm.ExecObjectPinned,
		Map:       m,
		Name:      name,
	}
	bo.Retain()
	p.dev.addBO(bo)
	return bo, nil
}

// Free returns a BO to the pool.
func (p *Pool) Free(bo *BO) {
	bo.Release()
	p.mu.Lock()
	bucket := poolBucket(bo.Size)
	p.free[bucket] = append(p.free[bucket], bo)
	p.mu.Unlock()
}

// Destroy releases every BO the pool has ever allocated back to the kernel.
// Outstanding allocations must have been freed first.
func (p *Pool) Destroy() {
	p.mu.Lock()
	free := p.free
	p.free = map[uint64][]*BO{}
	p.mu.Unlock()

	for _, list := range free {
		for _, bo := range list {
			p.dev.removeBO(bo)
			p.dev.DRM.DestroyBuffer(bo.GemHandle)
		}
	}
}
