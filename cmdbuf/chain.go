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

package cmdbuf

import (
	"github.com/pkg/errors"

	"github.com/anvil-gpu/anvil/batch"
	"github.com/anvil-gpu/anvil/core/fault"
	"github.com/anvil-gpu/anvil/device"
	"github.com/anvil-gpu/anvil/mi"
)

// extendBatch is the writer's overflow callback. It allocates the next batch
// BO in the chain, terminates the current one with a jump to the new BO, and
// repoints the writer. Chain sizes grow geometrically up to MaxBatchSize.
func (cb *CommandBuffer) extendBatch(w *batch.Writer) error {
	size := cb.totalBatchSize
	if size > cb.dev.Tuning.MaxBatchSize {
		size = cb.dev.Tuning.MaxBatchSize
	}
	nb, err := batch.NewBO(cb.dev, size)
	if err != nil {
		return err
	}
	cb.totalBatchSize += size

	cb.chainTo(nb)
	cb.batchBOs = append(cb.batchBOs, nb)
	cb.seenBBOs = append(cb.seenBBOs, nb)
	nb.Start(w, mi.BatchBufferStartLength)
	return nil
}

// chainTo terminates the current batch BO with a jump to the head of bbo,
// using the padding reserved when the BO was started.
func (cb *CommandBuffer) chainTo(bbo *batch.BO) {
	cur := cb.current()
	cb.Batch.GrowEnd(mi.BatchBufferStartLength)
	batch.EmitBatchBufferStart(cb.Batch, device.Address{BO: bbo.Bo})
	cur.Finish(cb.Batch)
}

// End finalizes the recording and decides the execution mode.
//
// Primaries keep the last jump slot fluid: the location is remembered so the
// queue can later rewrite it into a jump to the next primary's first BO, or
// it is sealed with an end-of-batch marker now if the buffer can never be
// chained.
//
// Secondaries pick, in order of precedence: call-and-return when the device
// supports returnable secondaries; inline emit when the whole recording fits
// in one small BO; chain when the secondary may be patched; copy-and-chain
// otherwise.
func (cb *CommandBuffer) End() error {
	if err := cb.Batch.Error(); err != nil {
		return err
	}

	if cb.level == Primary {
		cb.Batch.GrowEnd(mi.BatchBufferStartLength)
		cb.endBBO = cb.current()
		cb.endOff = cb.Batch.Used()
		if cb.usage&UsageSimultaneous == 0 {
			// Self-jump placeholder, repointed at submit time.
			cb.endBBO.Chained = true
			batch.EmitBatchBufferStart(cb.Batch, device.Address{BO: cb.endBBO.Bo})
		} else {
			batch.EmitBatchBufferEnd(cb.Batch)
		}
		// Round the batch up to an even number of dwords. The noop must fit
		// in the reserved tail; extending here would invalidate endOff.
		if cb.Batch.Used()&4 != 0 && cb.Batch.Remaining() >= mi.NoopLength {
			batch.EmitNoop(cb.Batch)
		}
		cb.execMode = ModePrimary
	} else {
		length := cb.Batch.Used()
		switch {
		case cb.dev.Tuning.UseCallSecondary:
			cb.execMode = ModeCallAndReturn

			// With a single BO the CS prefetcher may run past the trailing
			// jump before it is executed; pad with noops so everything it
			// fetches is harmless.
			if len(cb.batchBOs) == 1 {
				prefetch := cb.dev.Tuning.PrefetchLen(cb.engine)
				for i := length; i < prefetch; i += mi.NoopLength {
					batch.EmitNoop(cb.Batch)
				}
			}

			// Trailing jump with a zero operand. The primary stores the real
			// return address into it before every call. Emitting may spill
			// into a fresh BO, so the operand address is taken afterwards.
			if p := cb.Batch.Emit(mi.BatchBufferStartLength); p != nil {
				mi.EncodeBatchBufferStart(p, 0, 0)
			}
			cb.returnAddr = cb.Batch.Address(cb.Batch.Used() - mi.BatchBufferStartLength + 4)

		case len(cb.batchBOs) == 1 && length < cb.dev.Tuning.MinBatchSize/2:
			cb.execMode = ModeEmit

		case cb.usage&UsageSimultaneous == 0:
			cb.execMode = ModeChain
			cb.current().Chained = true
			cb.Batch.GrowEnd(mi.BatchBufferStartLength)
			batch.EmitBatchBufferStart(cb.Batch, device.Address{BO: cb.current().Bo})

		default:
			cb.execMode = ModeCopyAndChain
		}
	}

	cb.current().Finish(cb.Batch)
	cb.ended = true
	return cb.Batch.Error()
}

// AddSecondary folds an ended secondary command buffer into this primary
// according to the secondary's execution mode. The secondary's surface
// relocations are merged in every mode.
func (cb *CommandBuffer) AddSecondary(sec *CommandBuffer) error {
	if cb.level != Primary || sec.level != Secondary {
		return errors.WithStack(fault.ErrIncompatibleLevel)
	}
	if !sec.ended {
		return errors.WithStack(fault.ErrIncompatibleLevel)
	}
	if err := cb.Batch.Error(); err != nil {
		return err
	}
	if err := sec.Err(); err != nil {
		cb.Batch.SetError(err)
		return err
	}

	switch sec.execMode {
	case ModeEmit:
		cb.Batch.EmitBatch(sec.Batch)

	case ModeChain:
		first := sec.batchBOs[0]
		last := sec.current()
		batch.EmitBatchBufferStart(cb.Batch, device.Address{BO: first.Bo})
		// The emit may have spilled into a new BO, so resolve the return
		// point only now.
		ret := cb.current()
		if err := batch.Link(cb.dev, last, ret, cb.Batch.Used()); err != nil {
			cb.Batch.SetError(err)
			return err
		}
		cb.seenBBOs = append(cb.seenBBOs, sec.batchBOs...)

	case ModeCopyAndChain:
		clones, err := batch.CloneChain(cb.dev, sec.batchBOs)
		if err != nil {
			cb.Batch.SetError(err)
			return err
		}
		cb.chainTo(clones[0])
		cb.batchBOs = append(cb.batchBOs, clones...)
		cb.seenBBOs = append(cb.seenBBOs, clones...)
		// Recording resumes right after the secondary's trailing jump slot,
		// inside the last clone.
		last := clones[len(clones)-1]
		last.Continue(cb.Batch, mi.BatchBufferStartLength)

	case ModeCallAndReturn:
		first := sec.batchBOs[0]
		site, ok := batch.EmitStoreDataImm(cb.Batch, sec.returnAddr)
		batch.EmitBatchBufferStart(cb.Batch, device.Address{BO: first.Bo})
		if ok {
			// The secondary returns to the instruction after the call.
			ret := mi.CanonicalAddress(cb.Batch.CurrentAddress().Physical())
			if err := site.PutQword(ret); err != nil {
				cb.Batch.SetError(err)
				return err
			}
		}
		cb.seenBBOs = append(cb.seenBBOs, sec.batchBOs...)

	default:
		return errors.Errorf("secondary in unexpected mode %v", sec.execMode)
	}

	if err := cb.surfaceRelocs.Append(&sec.surfaceRelocs); err != nil {
		cb.Batch.SetError(err)
		return err
	}
	cb.dynamicBOs = append(cb.dynamicBOs, sec.dynamicBOs...)
	return cb.Batch.Error()
}

// RecordChainSubmit rewrites from's terminal jump slot into a jump to the
// first batch BO of to. Called by the queue under the device lock when two
// chainable primaries land in the same physical submission.
func RecordChainSubmit(from, to *CommandBuffer) error {
	if !IsChainable(from) {
		return errors.New("command buffer tail is sealed")
	}
	first := to.batchBOs[0]
	if err := mi.EncodeBatchBufferStart(from.endBBO.Bo.Map, from.endOff, first.Bo.Offset); err != nil {
		return err
	}
	from.endBBO.FlushTail(from.dev, from.endOff, mi.BatchBufferStartLength)
	return nil
}

// RecordEndSubmit seals the terminal jump slot of the last buffer in a run
// with an end-of-batch marker.
func RecordEndSubmit(cb *CommandBuffer) error {
	if !IsChainable(cb) {
		return errors.New("command buffer tail is sealed")
	}
	if err := mi.EncodeBatchBufferEnd(cb.endBBO.Bo.Map, cb.endOff); err != nil {
		return err
	}
	cb.sealed = true
	cb.endBBO.Chained = false
	cb.endBBO.FlushTail(cb.dev, cb.endOff, mi.BatchBufferEndLength)
	return nil
}
