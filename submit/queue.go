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

package submit

import (
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/anvil-gpu/anvil/cmdbuf"
	"github.com/anvil-gpu/anvil/core/fault"
	"github.com/anvil-gpu/anvil/device"
	"github.com/anvil-gpu/anvil/mi"
)

// Wait names a sync the submission blocks on. Value is the timeline point
// for timeline syncs and zero otherwise.
type Wait struct {
	Sync  *device.Sync
	Value uint64
}

// Signal names a sync the submission fires on completion.
type Signal struct {
	Sync  *device.Sync
	Value uint64
}

// Queue serializes submissions onto one kernel context. A queue that has
// seen an execbuf failure is lost for good, as is its device: the hardware
// state behind it is unknown.
type Queue struct {
	dev     *device.Device
	context uint32
	log     *logrus.Entry

	lost atomic.Bool
}

// NewQueue binds a queue to a kernel context of dev.
func NewQueue(dev *device.Device, context uint32) *Queue {
	return &Queue{
		dev:     dev,
		context: context,
		log:     dev.Log.WithField("context", context),
	}
}

// Device returns the queue's device.
func (q *Queue) Device() *device.Device { return q.dev }

// Lost reports whether the queue is permanently dead.
func (q *Queue) Lost() bool {
	return q.lost.Load() || q.dev.CheckLost() != nil
}

func (q *Queue) checkLost() error {
	if err := q.dev.CheckLost(); err != nil {
		return err
	}
	if q.lost.Load() {
		return errors.WithStack(fault.ErrDeviceLost)
	}
	return nil
}

func (q *Queue) fail(cause error, msg string) error {
	q.lost.Store(true)
	return q.dev.SetLost(cause, msg)
}

// Submit hands a batch of primary command buffers to the kernel. Consecutive
// chainable buffers that agree on their query context share one ioctl, with
// their terminal jump slots rewritten into a physical chain. The waits are
// attached to the first ioctl and the signals to the last, so external
// observers see the whole batch as one unit.
func (q *Queue) Submit(waits []Wait, cbs []*cmdbuf.CommandBuffer, signals []Signal) error {
	q.dev.Lock()
	defer q.dev.Unlock()

	if err := q.checkLost(); err != nil {
		return err
	}
	for _, cb := range cbs {
		if cb.Level() != cmdbuf.Primary {
			return errors.WithStack(fault.ErrIncompatibleLevel)
		}
		if err := cb.Err(); err != nil {
			return err
		}
		if cb.Submitted() && cb.Usage()&cmdbuf.UsageSimultaneous == 0 {
			return errors.WithStack(fault.ErrNotResettable)
		}
	}

	runs := splitRuns(cbs)
	if len(runs) == 0 {
		runs = [][]*cmdbuf.CommandBuffer{nil}
	}
	for i, run := range runs {
		var w []Wait
		var s []Signal
		if i == 0 {
			w = waits
		}
		if i == len(runs)-1 {
			s = signals
		}
		if err := q.submitRun(run, w, s); err != nil {
			return err
		}
	}

	for _, cb := range cbs {
		cb.MarkSubmitted()
	}
	for _, s := range signals {
		if s.Sync.BO != nil {
			s.Sync.SetState(device.SyncSubmitted)
		}
	}
	return nil
}

// splitRuns groups consecutive command buffers that can share a physical
// submission: every buffer but the run's last must be chainable, and query
// contexts within a run must not conflict.
func splitRuns(cbs []*cmdbuf.CommandBuffer) [][]*cmdbuf.CommandBuffer {
	var runs [][]*cmdbuf.CommandBuffer
	var run []*cmdbuf.CommandBuffer
	var runCtx *cmdbuf.QueryContext
	for _, cb := range cbs {
		if len(run) > 0 {
			prev := run[len(run)-1]
			ctx := cb.QueryContext()
			compatible := ctx == nil || runCtx == nil || ctx == runCtx
			if !cmdbuf.IsChainable(prev) || !compatible {
				runs = append(runs, run)
				run = nil
				runCtx = nil
			}
		}
		run = append(run, cb)
		if runCtx == nil {
			runCtx = cb.QueryContext()
		}
	}
	if len(run) > 0 {
		runs = append(runs, run)
	}
	return runs
}

func (q *Queue) submitRun(run []*cmdbuf.CommandBuffer, waits []Wait, signals []Signal) error {
	e := newExecbuf(q.dev)
	defer e.finish()

	for _, w := range waits {
		if err := e.addSync(w.Sync, false, w.Value); err != nil {
			return err
		}
	}
	for _, s := range signals {
		if err := e.addSync(s.Sync, true, s.Value); err != nil {
			return err
		}
	}

	if len(run) == 0 {
		if err := e.setupEmpty(); err != nil {
			return err
		}
	} else {
		for i := 0; i < len(run)-1; i++ {
			if err := cmdbuf.RecordChainSubmit(run[i], run[i+1]); err != nil {
				return err
			}
		}
		if last := run[len(run)-1]; cmdbuf.IsChainable(last) {
			if err := cmdbuf.RecordEndSubmit(last); err != nil {
				return err
			}
		}
		if err := e.setupCmdBuffers(run); err != nil {
			return err
		}
	}

	req := e.build(q.context)
	if err := q.dev.DRM.Execbuffer(req); err != nil {
		return q.fail(err, "execbuffer")
	}
	q.log.WithFields(logrus.Fields{
		"objects": len(req.Objects),
		"fences":  len(req.Fences),
		"buffers": len(run),
	}).Debug("submitted")
	return nil
}

// SubmitSimple copies a raw batch into a fresh BO, appends an end-of-batch
// marker, submits it and blocks until it retires. Used for one-off
// housekeeping batches. A timeout loses the device.
func (q *Queue) SubmitSimple(data []byte, timeoutNs int64) error {
	if err := q.checkLost(); err != nil {
		return err
	}
	if len(data)%4 != 0 {
		return errors.New("batch length must be dword aligned")
	}

	size := len(data) + mi.BatchBufferEndLength + mi.NoopLength
	bo, err := q.dev.Pool.Alloc(uint64(size), "simple-batch")
	if err != nil {
		return err
	}
	defer q.dev.Pool.Free(bo)

	copy(bo.Map, data)
	if err := mi.EncodeBatchBufferEnd(bo.Map, len(data)); err != nil {
		return err
	}
	if err := mi.EncodeNoop(bo.Map, len(data)+mi.BatchBufferEndLength); err != nil {
		return err
	}
	q.dev.FlushBatch(bo.Map[:size])

	sync, err := device.NewSyncobj(q.dev)
	if err != nil {
		return err
	}
	defer sync.Destroy(q.dev)

	q.dev.Lock()
	e := newExecbuf(q.dev)
	err = func() error {
		if err := e.addSync(sync, true, 0); err != nil {
			return err
		}
		if err := e.addBO(bo, nil, 0); err != nil {
			return err
		}
		// The kernel wants an 8-aligned batch length; the trailing noop
		// covers the rounding.
		e.batchLen = uint32((len(data) + mi.BatchBufferEndLength + 7) &^ 7)
		req := e.build(q.context)
		if err := q.dev.DRM.Execbuffer(req); err != nil {
			return q.fail(err, "execbuffer")
		}
		return nil
	}()
	e.finish()
	q.dev.Unlock()
	if err != nil {
		return err
	}

	return q.dev.WaitSyncobjs([]*device.Sync{sync}, timeoutNs)
}
