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

import "sync/atomic"

// BO is a buffer object: a block of device memory identified by its kernel
// handle. The batch layer only references BOs; their lifetime belongs to the
// pool (or external owner) that allocated them, beyond a reference-count bump
// for the duration of a submission.
type BO struct {
	GemHandle uint32
	Offset    uint64 // GPU virtual address
	Size      uint64
	Flags     uint64 // drm.ExecObject* usage bits
	Map       []byte // CPU mapping, nil if not mapped
	Name      string

	// ExecIndex caches the BO's slot in the most recent execbuf object
	// array. It is only meaningful while the builder's array actually holds
	// this BO at that index; consumers verify before trusting it.
	ExecIndex uint32

	refs atomic.Int32
}

// Retain bumps the BO's reference count.
func (b *BO) Retain() { b.refs.Add(1) }

// Release drops a reference taken with Retain.
func (b *BO) Release() { b.refs.Add(-1) }

// Refs returns the current reference count.
func (b *BO) Refs() int32 { return b.refs.Load() }

// Address is a location in device memory: a BO plus a byte offset into it.
// A nil BO with a non-zero offset denotes an absolute address.
type Address struct {
	BO     *BO
	Offset uint64
}

// Physical returns the GPU virtual address the Address resolves to.
func (a Address) Physical() uint64 {
	if a.BO == nil {
		return a.Offset
	}
	return a.BO.Offset + a.Offset
}

// Add returns the address delta bytes further into the same BO.
func (a Address) Add(delta uint64) Address {
	return Address{BO: a.BO, Offset: a.Offset + delta}
}
