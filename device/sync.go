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
	"sync/atomic"

	"github.com/pkg/errors"
)

// SyncState tracks the lifecycle of a BO-backed fence.
type SyncState int32

const (
	SyncReset SyncState = iota
	SyncSubmitted
	SyncSignaled
)

// Sync is a synchronization primitive a submission can wait on or signal.
// It is either a kernel sync object (Handle != 0) or a BO-backed fence whose
// BO rides the execbuf object list with the write flag.
type Sync struct {
	Timeline bool
	Handle   uint32
	BO       *BO

	state atomic.Int32
}

// NewSyncobj allocates a binary kernel sync object.
func NewSyncobj(d *Device) (*Sync, error) {
	h, err := d.DRM.SyncobjCreate()
	if err != nil {
		return nil, errors.Wrap(err, "syncobj create")
	}
	return &Sync{Handle: h}, nil
}

// NewTimelineSyncobj allocates a timeline kernel sync object.
func NewTimelineSyncobj(d *Device) (*Sync, error) {
	s, err := NewSyncobj(d)
	if err != nil {
		return nil, err
	}
	s.Timeline = true
	return s, nil
}

// NewBOSync allocates a BO-backed binary fence.
func NewBOSync(d *Device) (*Sync, error) {
	bo, err := d.Pool.Alloc(minPoolAlloc, "bo-sync")
	if err != nil {
		return nil, err
	}
	return &Sync{BO: bo}, nil
}

// Destroy releases the kernel object or BO behind the sync.
func (s *Sync) Destroy(d *Device) {
	if s.Handle != 0 {
		d.DRM.SyncobjDestroy(s.Handle)
		s.Handle = 0
	}
	if s.BO != nil {
		d.Pool.Free(s.BO)
		s.BO = nil
	}
}

// State returns the BO-backed fence state.
func (s *Sync) State() SyncState { return SyncState(s.state.Load()) }

// SetState moves the BO-backed fence state.
func (s *Sync) SetState(st SyncState) { s.state.Store(int32(st)) }

// WaitSyncobjs blocks until every sync signals or the timeout passes. A
// timeout is converted into a lost device: the batch may still be running
// and its state is unknown, so the wait is never retried.
func (d *Device) WaitSyncobjs(syncs []*Sync, timeoutNs int64) error {
	if err := d.CheckLost(); err != nil {
		return err
	}
	handles := make([]uint32, 0, len(syncs))
	for _, s := range syncs {
		if s.Handle != 0 {
			handles = append(handles, s.Handle)
		}
	}
	if err := d.DRM.SyncobjWait(handles, timeoutNs, 0); err != nil {
		return d.SetLost(err, "syncobj wait")
	}
	return nil
}
