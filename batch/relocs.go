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

// Package batch implements growable GPU command buffers: relocation lists,
// the append-only writer, batch buffer objects and the jump patching that
// chains them together.
package batch

import (
	"github.com/anvil-gpu/anvil/core/bitset"
	"github.com/anvil-gpu/anvil/device"
)

// RelocList tracks the buffer objects a batch depends on: an explicit BO
// array for objects the caller hands over directly, and a dense bitset keyed
// by gem handle for everything else. Growing the bitset never drops set bits.
//
// The list never touches BO reference counts; counting happens once per
// unique BO when the execbuf is built.
type RelocList struct {
	bos  []*device.BO
	deps bitset.Bits
}

// AddBO records a dependency on bo in the handle bitset.
func (l *RelocList) AddBO(bo *device.BO) error {
	return l.deps.Set(bo.GemHandle)
}

// AttachBO appends bo to the explicit array. Unlike AddBO this keeps the
// pointer, for BOs that may not be resolvable through the device table at
// submit time.
func (l *RelocList) AttachBO(bo *device.BO) {
	l.bos = append(l.bos, bo)
}

// Append merges other into l: the explicit array is concatenated and the
// dependency bitsets are OR'd. The bitset merge is idempotent, which makes a
// repeated append of the same list safe.
func (l *RelocList) Append(other *RelocList) error {
	l.bos = append(l.bos, other.bos...)
	return l.deps.Or(&other.deps)
}

// Clear resets the list for fresh recording, zeroing the dependency words in
// place and keeping the backing storage.
func (l *RelocList) Clear() {
	l.bos = l.bos[:0]
	l.deps.ClearAll()
}

// Clone returns a deep copy; later mutation of l leaves the copy untouched.
func (l *RelocList) Clone() RelocList {
	var bos []*device.BO
	if len(l.bos) > 0 {
		bos = append([]*device.BO(nil), l.bos...)
	}
	return RelocList{bos: bos, deps: l.deps.Clone()}
}

// BOs returns the explicit BO array.
func (l *RelocList) BOs() []*device.BO { return l.bos }

// Deps returns the dependency bitset.
func (l *RelocList) Deps() *bitset.Bits { return &l.deps }
