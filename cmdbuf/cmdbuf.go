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

// Package cmdbuf implements command buffers as chains of batch BOs: growing
// a recording across buffers, folding secondary command buffers into
// primaries, and the execution-mode decision made when recording ends.
package cmdbuf

import (
	"github.com/anvil-gpu/anvil/batch"
	"github.com/anvil-gpu/anvil/device"
	"github.com/anvil-gpu/anvil/mi"
)

// Level distinguishes primary command buffers, which are submitted, from
// secondary ones, which are folded into a primary.
type Level int

const (
	Primary Level = iota
	Secondary
)

// Usage flags set at the start of recording.
type Usage uint32

const (
	// UsageOneTime marks a buffer recorded for a single submission.
	UsageOneTime Usage = 1 << iota
	// UsageSimultaneous marks a buffer that may be pending on the device in
	// several submissions at once. Such a buffer is never mutated when it is
	// folded into a primary; it is cloned instead.
	UsageSimultaneous
)

// ExecMode says how a command buffer's contents reach the device. It is
// decided once, when recording ends.
type ExecMode int

const (
	// ModePrimary is the terminal mode of primary buffers: the tail holds
	// either a self-jump (to be repointed when physically chained to the
	// next primary at submit time) or a true end-of-batch marker.
	ModePrimary ExecMode = iota
	// ModeEmit copies a tiny single-BO secondary inline into the primary's
	// writer, avoiding a jump entirely.
	ModeEmit
	// ModeChain jumps from the primary into the secondary and patches the
	// secondary's tail to jump back.
	ModeChain
	// ModeCopyAndChain clones every BO of a simultaneous-use secondary
	// before chaining, leaving the original untouched for concurrent
	// replays.
	ModeCopyAndChain
	// ModeCallAndReturn stores a return address into the secondary's
	// trailing jump operand and calls into it.
	ModeCallAndReturn
)

func (m ExecMode) String() string {
	switch m {
	case ModePrimary:
		return "primary"
	case ModeEmit:
		return "emit"
	case ModeChain:
		return "chain"
	case ModeCopyAndChain:
		return "copy-and-chain"
	case ModeCallAndReturn:
		return "call-and-return"
	}
	return "invalid"
}

// QueryContext identifies a performance-query configuration a command buffer
// records against. Buffers with different contexts cannot share one physical
// submission. Identity is pointer identity.
type QueryContext struct {
	Name string
}

// CommandBuffer owns an ordered chain of batch BOs holding one logical
// recording. Recording is single-threaded per buffer; the caller serializes.
type CommandBuffer struct {
	dev    *device.Device
	level  Level
	usage  Usage
	engine string

	// Batch is the recording cursor over the current batch BO.
	Batch *batch.Writer

	batchBOs      []*batch.BO
	seenBBOs      []*batch.BO // includes BBOs adopted from secondaries
	surfaceRelocs batch.RelocList
	dynamicBOs    []*device.BO

	execMode   ExecMode
	returnAddr device.Address
	endBBO     *batch.BO
	endOff     int

	totalBatchSize int
	queryCtx       *QueryContext
	submitted      bool
	ended          bool
	sealed         bool
}

// New creates a command buffer with its first batch BO ready for recording.
func New(dev *device.Device, level Level, usage Usage, engine string) (*CommandBuffer, error) {
	cb := &CommandBuffer{
		dev:            dev,
		level:          level,
		usage:          usage,
		engine:         engine,
		totalBatchSize: dev.Tuning.MinBatchSize,
	}
	cb.Batch = batch.NewWriter(cb.extendBatch)

	bbo, err := batch.NewBO(dev, cb.totalBatchSize)
	if err != nil {
		return nil, err
	}
	cb.batchBOs = append(cb.batchBOs, bbo)
	cb.seenBBOs = append(cb.seenBBOs, bbo)
	bbo.Start(cb.Batch, mi.BatchBufferStartLength)
	return cb, nil
}

func (cb *CommandBuffer) current() *batch.BO {
	return cb.batchBOs[len(cb.batchBOs)-1]
}

// Level returns the buffer's level.
func (cb *CommandBuffer) Level() Level { return cb.level }

// Usage returns the buffer's usage flags.
func (cb *CommandBuffer) Usage() Usage { return cb.usage }

// ExecMode returns the mode decided by End.
func (cb *CommandBuffer) ExecMode() ExecMode { return cb.execMode }

// Err returns the sticky recording error, if any.
func (cb *CommandBuffer) Err() error { return cb.Batch.Error() }

// SeenBBOs returns every batch BO this buffer will reference at submission,
// including BOs adopted from folded secondaries.
func (cb *CommandBuffer) SeenBBOs() []*batch.BO { return cb.seenBBOs }

// FirstBBO returns the head of the chain; the kernel batch points at it.
func (cb *CommandBuffer) FirstBBO() *batch.BO { return cb.batchBOs[0] }

// LastBBO returns the tail of the chain.
func (cb *CommandBuffer) LastBBO() *batch.BO { return cb.current() }

// SurfaceRelocs returns the buffer's out-of-band relocation list.
func (cb *CommandBuffer) SurfaceRelocs() *batch.RelocList { return &cb.surfaceRelocs }

// DynamicBOs returns side allocations referenced by the recording.
func (cb *CommandBuffer) DynamicBOs() []*device.BO { return cb.dynamicBOs }

// QueryContext returns the buffer's query context, or nil.
func (cb *CommandBuffer) QueryContext() *QueryContext { return cb.queryCtx }

// SetQueryContext attaches a query context. Must happen before End.
func (cb *CommandBuffer) SetQueryContext(q *QueryContext) { cb.queryCtx = q }

// Submitted reports whether the buffer has been handed to a queue since the
// last reset.
func (cb *CommandBuffer) Submitted() bool { return cb.submitted }

// MarkSubmitted is called by the queue under the device lock.
func (cb *CommandBuffer) MarkSubmitted() { cb.submitted = true }

// RecordPacket appends opaque pre-encoded state to the batch and records the
// buffer objects it references. This is the surface the state tracker drives.
func (cb *CommandBuffer) RecordPacket(data []byte, bos ...*device.BO) error {
	p := cb.Batch.Emit(len(data))
	if p == nil {
		return cb.Batch.Error()
	}
	copy(p, data)
	for _, bo := range bos {
		if err := cb.surfaceRelocs.AddBO(bo); err != nil {
			cb.Batch.SetError(err)
			return err
		}
	}
	return nil
}

// AddDynamicBO references a side allocation (for example a scratch buffer)
// for the lifetime of the recording.
func (cb *CommandBuffer) AddDynamicBO(bo *device.BO) {
	cb.dynamicBOs = append(cb.dynamicBOs, bo)
}

// Reset returns the buffer to the freshly-created state: all but the first
// batch BO are freed, relocation lists and the sticky error are cleared, and
// the buffer may be recorded and submitted again.
func (cb *CommandBuffer) Reset() error {
	for _, bbo := range cb.batchBOs[1:] {
		bbo.Free(cb.dev)
	}
	cb.batchBOs = cb.batchBOs[:1]

	first := cb.batchBOs[0]
	cb.Batch.ClearError()
	first.Start(cb.Batch, mi.BatchBufferStartLength)
	first.Chained = false

	cb.surfaceRelocs.Clear()
	cb.seenBBOs = append(cb.seenBBOs[:0], first)
	cb.dynamicBOs = nil
	cb.execMode = ModePrimary
	cb.returnAddr = device.Address{}
	cb.endBBO = nil
	cb.endOff = 0
	cb.totalBatchSize = int(first.Bo.Size)
	cb.submitted = false
	cb.ended = false
	cb.sealed = false
	return nil
}

// Destroy frees every batch BO the buffer owns. Adopted secondary BOs are
// not owned and stay alive.
func (cb *CommandBuffer) Destroy() {
	for _, bbo := range cb.batchBOs {
		bbo.Free(cb.dev)
	}
	cb.batchBOs = nil
	cb.seenBBOs = nil
}

// IsChainable reports whether this buffer's tail may be patched to jump into
// another buffer at submit time.
func IsChainable(cb *CommandBuffer) bool {
	return cb.level == Primary &&
		cb.usage&UsageSimultaneous == 0 &&
		cb.ended &&
		!cb.sealed &&
		cb.Batch.Error() == nil
}
