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

// Package shader defines the compiler boundary. The driver never interprets
// shader binaries; it carries them and the compile-time metadata needed to
// build binding packets.
package shader

import "context"

// Stage discriminates the per-stage compile key payload.
type Stage int

const (
	StageVertex Stage = iota
	StageFragment
	StageCompute
)

func (s Stage) String() string {
	switch s {
	case StageVertex:
		return "vertex"
	case StageFragment:
		return "fragment"
	case StageCompute:
		return "compute"
	}
	return "invalid"
}

// VertexKey is the vertex-stage compile state.
type VertexKey struct {
	InstancedDraw bool
	AttributeMask uint32
}

// FragmentKey is the fragment-stage compile state.
type FragmentKey struct {
	AlphaToCoverage bool
	SampleCount     int
	ColorOutputs    uint8
}

// ComputeKey is the compute-stage compile state.
type ComputeKey struct {
	SubgroupSize int
}

// Key selects a compile variant. Exactly the payload matching Stage is
// consulted; the zero value of the others is ignored.
type Key struct {
	Stage    Stage
	Vertex   VertexKey
	Fragment FragmentKey
	Compute  ComputeKey
}

// Info is what the rest of the driver needs to know about a compiled shader.
type Info struct {
	PushConstantBytes int
	NumRegisters      int
	// BindingSlots maps the shader's binding index order to descriptor-set
	// slot numbers, in the layout the binding table packet expects.
	BindingSlots []uint32
}

// Binary is an opaque device-executable shader.
type Binary []byte

// Compiler turns stage IR into device binaries. Implementations are
// stateless and safe for concurrent use.
type Compiler interface {
	Compile(ctx context.Context, ir []byte, key Key) (Binary, Info, error)
}
