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

package batch

import (
	"bytes"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anvil-gpu/anvil/core/fault"
	"github.com/anvil-gpu/anvil/device"
	"github.com/anvil-gpu/anvil/drm/drmtest"
	"github.com/anvil-gpu/anvil/mi"
)

func testDevice(t *testing.T) *device.Device {
	t.Helper()
	dev, err := device.New(drmtest.New(), device.DefaultTuning(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { dev.Close() })
	return dev
}

func newTestBO(t *testing.T, dev *device.Device, size int) *device.BO {
	t.Helper()
	bo, err := dev.Pool.Alloc(uint64(size), "test")
	require.NoError(t, err)
	t.Cleanup(func() { dev.Pool.Free(bo) })
	return bo
}

func TestRelocAppendIdempotent(t *testing.T) {
	dev := testDevice(t)
	a := newTestBO(t, dev, 4096)
	b := newTestBO(t, dev, 4096)

	var src, dst RelocList
	require.NoError(t, src.AddBO(a))
	require.NoError(t, src.AddBO(b))

	require.NoError(t, dst.Append(&src))
	once := dst.Deps().Clone()
	require.NoError(t, dst.Append(&src))

	assert.Equal(t, once.Words(), dst.Deps().Words())
}

func TestRelocClearKeepsStorage(t *testing.T) {
	dev := testDevice(t)
	bo := newTestBO(t, dev, 4096)

	var l RelocList
	require.NoError(t, l.AddBO(bo))
	l.AttachBO(bo)
	words := l.Deps().NumWords()

	l.Clear()
	assert.Equal(t, words, l.Deps().NumWords())
	assert.Empty(t, l.BOs())
	assert.False(t, l.Deps().Contains(bo.GemHandle))
}

// chainRecorder is the minimal extend behaviour: finish the current batch BO
// with a trailing jump into a fresh one and continue there. The real logic
// lives in package cmdbuf; this keeps the writer property test local.
type chainRecorder struct {
	dev  *device.Device
	bbos []*BO
	size int
}

func (c *chainRecorder) extend(w *Writer) error {
	nb, err := NewBO(c.dev, c.size)
	if err != nil {
		return err
	}
	cur := c.bbos[len(c.bbos)-1]
	w.GrowEnd(mi.BatchBufferStartLength)
	EmitBatchBufferStart(w, device.Address{BO: nb.Bo})
	cur.Finish(w)
	c.bbos = append(c.bbos, nb)
	nb.Start(w, mi.BatchBufferStartLength)
	return nil
}

func TestWriterOverflowChainsAndPreservesStream(t *testing.T) {
	dev := testDevice(t)

	rec := &chainRecorder{dev: dev, size: 4096}
	w := NewWriter(rec.extend)
	first, err := NewBO(dev, 4096)
	require.NoError(t, err)
	rec.bbos = append(rec.bbos, first)
	first.Start(w, mi.BatchBufferStartLength)

	// Emit far more than one BO's worth of patterned payload.
	var want bytes.Buffer
	for i := 0; i < 1000; i++ {
		p := w.Emit(16)
		require.NotNil(t, p)
		for j := range p {
			p[j] = byte(i + j)
		}
		want.Write(p)
	}
	require.NoError(t, w.Error())
	rec.bbos[len(rec.bbos)-1].Finish(w)

	require.Greater(t, len(rec.bbos), 1, "writer must have chained")

	// Following the chain, the concatenated payload must equal the logical
	// byte stream. Every BO but the last ends in a jump to its successor.
	var got bytes.Buffer
	for i, bbo := range rec.bbos {
		if i < len(rec.bbos)-1 {
			off := bbo.Length - mi.BatchBufferStartLength
			require.True(t, mi.IsBatchBufferStart(bbo.Bo.Map, off))
			addr, err := (mi.Site{B: bbo.Bo.Map, Off: off + 4, Width: 8}).Qword()
			require.NoError(t, err)
			assert.Equal(t, rec.bbos[i+1].Bo.Offset, addr)
			got.Write(bbo.Bo.Map[:off])
		} else {
			got.Write(bbo.Bo.Map[:bbo.Length])
		}
	}
	assert.Equal(t, want.Bytes(), got.Bytes())

	for _, bbo := range rec.bbos {
		bbo.Free(dev)
	}
}

func TestWriterStickyError(t *testing.T) {
	dev := testDevice(t)

	w := NewWriter(func(*Writer) error { return fault.ErrOutOfDeviceMemory })
	bbo, err := NewBO(dev, 4096)
	require.NoError(t, err)
	defer bbo.Free(dev)
	bbo.Start(w, 0)

	assert.NotNil(t, w.Emit(16))
	assert.Nil(t, w.Emit(8192)) // overflow, extend fails
	assert.Equal(t, fault.ErrOutOfDeviceMemory, w.Error())

	// All further emits fail fast without re-invoking extend.
	assert.Nil(t, w.Emit(4))
	assert.Equal(t, fault.ErrOutOfDeviceMemory, w.Error())
}

func TestEmitBatchCopiesBytesAndRelocs(t *testing.T) {
	dev := testDevice(t)
	dep := newTestBO(t, dev, 4096)

	src := NewWriter(nil)
	srcBO, err := NewBO(dev, 4096)
	require.NoError(t, err)
	defer srcBO.Free(dev)
	srcBO.Start(src, 0)
	copy(src.Emit(8), []byte("abcdefgh"))
	require.NoError(t, src.Relocs().AddBO(dep))

	dst := NewWriter(nil)
	dstBO, err := NewBO(dev, 4096)
	require.NoError(t, err)
	defer dstBO.Free(dev)
	dstBO.Start(dst, 0)

	dst.EmitBatch(src)
	require.NoError(t, dst.Error())
	assert.Equal(t, []byte("abcdefgh"), dstBO.Bo.Map[:8])
	assert.True(t, dst.Relocs().Deps().Contains(dep.GemHandle))
}

func TestCloneIsIndependent(t *testing.T) {
	dev := testDevice(t)
	dep := newTestBO(t, dev, 4096)

	w := NewWriter(nil)
	src, err := NewBO(dev, 4096)
	require.NoError(t, err)
	defer src.Free(dev)
	src.Start(w, 0)
	copy(w.Emit(16), []byte("0123456789abcdef"))
	require.NoError(t, w.Relocs().AddBO(dep))
	src.Finish(w)

	clone, err := src.Clone(dev)
	require.NoError(t, err)
	defer clone.Free(dev)

	assert.Equal(t, src.Length, clone.Length)
	assert.Empty(t, cmp.Diff(src.Bo.Map[:src.Length], clone.Bo.Map[:clone.Length]))
	assert.Equal(t, src.Relocs.Deps().Words(), clone.Relocs.Deps().Words())

	// Mutating the source must not affect the clone.
	copy(src.Bo.Map, []byte("XXXXXXXXXXXXXXXX"))
	require.NoError(t, src.Relocs.AddBO(src.Bo))
	assert.Equal(t, []byte("0123456789abcdef"), clone.Bo.Map[:16])
	assert.False(t, clone.Relocs.Deps().Contains(src.Bo.GemHandle))
}

func TestLinkPatchesVerifiedJump(t *testing.T) {
	dev := testDevice(t)

	w := NewWriter(nil)
	prev, err := NewBO(dev, 4096)
	require.NoError(t, err)
	defer prev.Free(dev)
	prev.Start(w, 0)
	copy(w.Emit(32), bytes.Repeat([]byte{0xaa}, 32))
	EmitBatchBufferStart(w, device.Address{BO: prev.Bo}) // placeholder self-jump
	prev.Finish(w)

	next, err := NewBO(dev, 4096)
	require.NoError(t, err)
	defer next.Free(dev)

	require.NoError(t, Link(dev, prev, next, 64))
	off := prev.Length - mi.BatchBufferStartLength
	addr, err := (mi.Site{B: prev.Bo.Map, Off: off + 4, Width: 8}).Qword()
	require.NoError(t, err)
	assert.Equal(t, next.Bo.Offset+64, addr)

	// A tail that is not a jump must be rejected.
	prev.Length = 16
	assert.Error(t, Link(dev, prev, next, 0))
}

func TestCloneChainLinksCopies(t *testing.T) {
	dev := testDevice(t)
	w := NewWriter(nil)

	var chain []*BO
	for i := 0; i < 3; i++ {
		bbo, err := NewBO(dev, 4096)
		require.NoError(t, err)
		defer bbo.Free(dev)
		bbo.Start(w, 0)
		copy(w.Emit(8), []byte{byte(i), 1, 2, 3, 4, 5, 6, 7})
		if i < 2 {
			EmitBatchBufferStart(w, device.Address{BO: bbo.Bo})
		}
		bbo.Finish(w)
		chain = append(chain, bbo)
	}

	clones, err := CloneChain(dev, chain)
	require.NoError(t, err)
	defer func() {
		for _, c := range clones {
			c.Free(dev)
		}
	}()

	require.Len(t, clones, 3)
	for i, c := range clones {
		assert.Equal(t, chain[i].Length, c.Length)
		assert.Equal(t, byte(i), c.Bo.Map[0])
		if i < 2 {
			off := c.Length - mi.BatchBufferStartLength
			addr, err := (mi.Site{B: c.Bo.Map, Off: off + 4, Width: 8}).Qword()
			require.NoError(t, err)
			assert.Equal(t, clones[i+1].Bo.Offset, addr)
		}
	}
}
