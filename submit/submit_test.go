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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anvil-gpu/anvil/batch"
	"github.com/anvil-gpu/anvil/cmdbuf"
	"github.com/anvil-gpu/anvil/core/fault"
	"github.com/anvil-gpu/anvil/device"
	"github.com/anvil-gpu/anvil/drm"
	"github.com/anvil-gpu/anvil/drm/drmtest"
	"github.com/anvil-gpu/anvil/mi"
)

func testDevice(t *testing.T) (*device.Device, *drmtest.Device) {
	t.Helper()
	fake := drmtest.New()
	dev, err := device.New(fake, device.DefaultTuning(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { dev.Close() })
	return dev, fake
}

// newPrimary records n pattern bytes into a fresh ended primary.
func newPrimary(t *testing.T, dev *device.Device, usage cmdbuf.Usage, n int) *cmdbuf.CommandBuffer {
	t.Helper()
	cb, err := cmdbuf.New(dev, cmdbuf.Primary, usage, "render")
	require.NoError(t, err)
	t.Cleanup(cb.Destroy)
	require.Zero(t, n%16)
	pkt := make([]byte, 16)
	for off := 0; off < n; off += 16 {
		require.NoError(t, cb.RecordPacket(pkt))
	}
	require.NoError(t, cb.End())
	return cb
}

// tailJump returns the jump target written into cb's terminal slot. Recorded
// lengths in these tests are 16-byte multiples, so the slot sits one noop
// before the end of the BO's used range.
func tailJump(t *testing.T, cb *cmdbuf.CommandBuffer) uint64 {
	t.Helper()
	last := cb.LastBBO()
	off := last.Length - mi.BatchBufferStartLength - mi.NoopLength
	require.True(t, mi.IsBatchBufferStart(last.Bo.Map, off))
	v, err := mi.Site{B: last.Bo.Map, Off: off + 4, Width: 8}.Qword()
	require.NoError(t, err)
	return v
}

func TestExecbufDedupAndIndexVerify(t *testing.T) {
	dev, _ := testDevice(t)
	a, err := dev.Pool.Alloc(4096, "a")
	require.NoError(t, err)
	defer dev.Pool.Free(a)
	b, err := dev.Pool.Alloc(4096, "b")
	require.NoError(t, err)
	defer dev.Pool.Free(b)
	c, err := dev.Pool.Alloc(4096, "c")
	require.NoError(t, err)
	defer dev.Pool.Free(c)

	var relocs batch.RelocList
	relocs.AttachBO(b)
	require.NoError(t, relocs.AddBO(c))
	c.ExecIndex = 7 // stale hint from an imaginary earlier submission

	dev.Lock()
	defer dev.Unlock()
	e := newExecbuf(dev)
	defer e.finish()

	require.NoError(t, e.addBO(a, &relocs, 0))
	require.NoError(t, e.addBO(a, &relocs, 0))
	require.NoError(t, e.addBO(c, nil, drm.ExecObjectWrite))

	require.Len(t, e.objects, 3)
	for i, bo := range e.bos {
		assert.Equal(t, uint32(i), bo.ExecIndex)
		assert.Equal(t, bo.GemHandle, e.objects[i].Handle)
	}
	// Write merge cleared the async bit on c.
	cObj := e.objects[c.ExecIndex]
	assert.NotZero(t, cObj.Flags&drm.ExecObjectWrite)
	assert.Zero(t, cObj.Flags&drm.ExecObjectAsync)
}

func TestSubmitChainsCompatibleBuffers(t *testing.T) {
	dev, fake := testDevice(t)
	q := NewQueue(dev, 3)

	// a carries a folded secondary whose packet references a surface BO, so
	// the final object list must pick it up through the dependency bitset.
	a, err := cmdbuf.New(dev, cmdbuf.Primary, 0, "render")
	require.NoError(t, err)
	t.Cleanup(a.Destroy)
	surf, err := dev.Pool.Alloc(4096, "surface")
	require.NoError(t, err)
	defer dev.Pool.Free(surf)
	sec, err := cmdbuf.New(dev, cmdbuf.Secondary, 0, "render")
	require.NoError(t, err)
	t.Cleanup(sec.Destroy)
	require.NoError(t, sec.RecordPacket(make([]byte, 16), surf))
	require.NoError(t, sec.End())
	require.NoError(t, a.AddSecondary(sec))
	pkt := make([]byte, 16)
	for off := 16; off < 2000; off += 16 {
		require.NoError(t, a.RecordPacket(pkt))
	}
	require.NoError(t, a.End())

	b := newPrimary(t, dev, 0, 96)
	c := newPrimary(t, dev, 0, 3*dev.Tuning.MinBatchSize)

	sig, err := device.NewSyncobj(dev)
	require.NoError(t, err)
	defer sig.Destroy(dev)

	require.NoError(t, q.Submit(nil, []*cmdbuf.CommandBuffer{a, b, c},
		[]Signal{{Sync: sig}}))

	// One physical submission for the whole chainable run.
	require.Len(t, fake.Submissions, 1)
	sub := fake.Submissions[0]

	// a's tail jumps to b's head, b's to c's.
	assert.Equal(t, b.FirstBBO().Bo.Offset, tailJump(t, a))
	assert.Equal(t, c.FirstBBO().Bo.Offset, tailJump(t, b))

	// c, the last in the run, is sealed.
	last := c.LastBBO()
	off := last.Length - mi.BatchBufferStartLength - mi.NoopLength
	assert.Equal(t, []byte{0x00, 0x00, 0x00, 0x05},
		last.Bo.Map[off:off+mi.BatchBufferEndLength])

	// The lead batch BO sits in the kernel's batch slot, the last one.
	require.NotEmpty(t, sub.Objects)
	assert.Equal(t, a.FirstBBO().Bo.GemHandle, sub.Objects[len(sub.Objects)-1].Handle)
	assert.Equal(t, uint32(3), sub.Context)
	assert.NotZero(t, sub.Flags&drm.ExecNoReloc)
	assert.NotZero(t, sub.Flags&drm.ExecHandleLUT)

	// Every BO appears exactly once, and the transitively referenced surface
	// BO made it in.
	seen := map[uint32]bool{}
	for _, obj := range sub.Objects {
		assert.False(t, seen[obj.Handle], "handle %d duplicated", obj.Handle)
		seen[obj.Handle] = true
	}
	assert.True(t, seen[surf.GemHandle])
	assert.True(t, fake.Signaled(sig.Handle))
	assert.True(t, a.Submitted())
}

func TestSubmitWaitsFirstSignalsLast(t *testing.T) {
	dev, fake := testDevice(t)
	q := NewQueue(dev, 0)

	// A simultaneous-use buffer is sealed at End and cannot chain, which
	// forces a run split.
	a := newPrimary(t, dev, cmdbuf.UsageSimultaneous, 64)
	b := newPrimary(t, dev, 0, 64)

	wait, err := device.NewSyncobj(dev)
	require.NoError(t, err)
	defer wait.Destroy(dev)
	sig, err := device.NewSyncobj(dev)
	require.NoError(t, err)
	defer sig.Destroy(dev)

	require.NoError(t, q.Submit(
		[]Wait{{Sync: wait}},
		[]*cmdbuf.CommandBuffer{a, b},
		[]Signal{{Sync: sig}}))

	require.Len(t, fake.Submissions, 2)
	first, second := fake.Submissions[0], fake.Submissions[1]

	require.Len(t, first.Fences, 1)
	assert.Equal(t, wait.Handle, first.Fences[0].Handle)
	assert.Equal(t, drm.FenceWait, first.Fences[0].Flags)

	require.Len(t, second.Fences, 1)
	assert.Equal(t, sig.Handle, second.Fences[0].Handle)
	assert.Equal(t, drm.FenceSignal, second.Fences[0].Flags)
}

func TestSubmitTimelineValues(t *testing.T) {
	dev, fake := testDevice(t)
	q := NewQueue(dev, 0)

	wait, err := device.NewTimelineSyncobj(dev)
	require.NoError(t, err)
	defer wait.Destroy(dev)
	sig, err := device.NewSyncobj(dev)
	require.NoError(t, err)
	defer sig.Destroy(dev)

	cb := newPrimary(t, dev, 0, 64)
	require.NoError(t, q.Submit(
		[]Wait{{Sync: wait, Value: 7}},
		[]*cmdbuf.CommandBuffer{cb},
		[]Signal{{Sync: sig}}))

	require.Len(t, fake.Submissions, 1)
	sub := fake.Submissions[0]
	require.Len(t, sub.Fences, 2)
	assert.Equal(t, []uint64{7, 0}, sub.FenceValues)
}

func TestSubmitEmptySignalsFence(t *testing.T) {
	dev, fake := testDevice(t)
	q := NewQueue(dev, 0)

	sig, err := device.NewSyncobj(dev)
	require.NoError(t, err)
	defer sig.Destroy(dev)

	require.NoError(t, q.Submit(nil, nil, []Signal{{Sync: sig}}))

	require.Len(t, fake.Submissions, 1)
	sub := fake.Submissions[0]
	require.Len(t, sub.Objects, 1)
	assert.Equal(t, dev.TrivialBatch.GemHandle, sub.Objects[0].Handle)
	assert.Equal(t, uint32(8), sub.BatchLen)
	assert.True(t, fake.Signaled(sig.Handle))
}

func TestSubmitFailureLosesQueueAndDevice(t *testing.T) {
	dev, fake := testDevice(t)
	q := NewQueue(dev, 0)

	cb := newPrimary(t, dev, 0, 64)
	fake.FailNext = fault.ErrOutOfDeviceMemory

	err := q.Submit(nil, []*cmdbuf.CommandBuffer{cb}, nil)
	assert.ErrorIs(t, err, fault.ErrDeviceLost)
	assert.True(t, q.Lost())
	assert.ErrorIs(t, dev.CheckLost(), fault.ErrDeviceLost)
	assert.ErrorIs(t, dev.LostCause(), fault.ErrOutOfDeviceMemory)

	// Lost is sticky: later submissions fail without touching the kernel.
	n := len(fake.Submissions)
	assert.ErrorIs(t, q.Submit(nil, nil, nil), fault.ErrDeviceLost)
	assert.Len(t, fake.Submissions, n)
}

func TestSubmitRejectsReuseWithoutReset(t *testing.T) {
	dev, _ := testDevice(t)
	q := NewQueue(dev, 0)

	cb := newPrimary(t, dev, 0, 64)
	require.NoError(t, q.Submit(nil, []*cmdbuf.CommandBuffer{cb}, nil))
	assert.ErrorIs(t, q.Submit(nil, []*cmdbuf.CommandBuffer{cb}, nil),
		fault.ErrNotResettable)

	require.NoError(t, cb.Reset())
	pkt := make([]byte, 16)
	require.NoError(t, cb.RecordPacket(pkt))
	require.NoError(t, cb.End())
	assert.NoError(t, q.Submit(nil, []*cmdbuf.CommandBuffer{cb}, nil))
}

func TestSubmitRejectsSecondary(t *testing.T) {
	dev, _ := testDevice(t)
	q := NewQueue(dev, 0)

	sec, err := cmdbuf.New(dev, cmdbuf.Secondary, 0, "render")
	require.NoError(t, err)
	defer sec.Destroy()
	require.NoError(t, sec.End())

	assert.ErrorIs(t, q.Submit(nil, []*cmdbuf.CommandBuffer{sec}, nil),
		fault.ErrIncompatibleLevel)
}

func TestSubmitQueryContextSplitsRun(t *testing.T) {
	dev, fake := testDevice(t)
	q := NewQueue(dev, 0)

	qc1 := &cmdbuf.QueryContext{Name: "pass-1"}
	qc2 := &cmdbuf.QueryContext{Name: "pass-2"}

	a, err := cmdbuf.New(dev, cmdbuf.Primary, 0, "render")
	require.NoError(t, err)
	defer a.Destroy()
	a.SetQueryContext(qc1)
	require.NoError(t, a.End())

	b, err := cmdbuf.New(dev, cmdbuf.Primary, 0, "render")
	require.NoError(t, err)
	defer b.Destroy()
	b.SetQueryContext(qc2)
	require.NoError(t, b.End())

	require.NoError(t, q.Submit(nil, []*cmdbuf.CommandBuffer{a, b}, nil))
	assert.Len(t, fake.Submissions, 2)
}

func TestSubmitSimple(t *testing.T) {
	dev, fake := testDevice(t)
	q := NewQueue(dev, 0)

	data := make([]byte, 12)
	require.NoError(t, q.SubmitSimple(data, int64(time.Second)))

	require.Len(t, fake.Submissions, 1)
	sub := fake.Submissions[0]
	require.Len(t, sub.Objects, 1)
	assert.Equal(t, uint32(16), sub.BatchLen) // 12 + end marker, rounded to 8
	require.Len(t, sub.Fences, 1)
	assert.Equal(t, drm.FenceSignal, sub.Fences[0].Flags)
}

func TestSubmitPropagatesRecordingError(t *testing.T) {
	dev, _ := testDevice(t)
	q := NewQueue(dev, 0)

	cb, err := cmdbuf.New(dev, cmdbuf.Primary, 0, "render")
	require.NoError(t, err)
	defer cb.Destroy()
	cb.Batch.SetError(fault.ErrOutOfHostMemory)

	assert.ErrorIs(t, q.Submit(nil, []*cmdbuf.CommandBuffer{cb}, nil),
		fault.ErrOutOfHostMemory)
}
