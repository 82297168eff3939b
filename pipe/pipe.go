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

// Package pipe is the state-tracker boundary. State objects are created once
// and bound per draw; binding reduces every object to an opaque packet that
// the command buffer records without interpreting.
package pipe

import (
	"encoding/binary"

	"github.com/anvil-gpu/anvil/device"
	"github.com/anvil-gpu/anvil/shader"
)

// Packet is pre-encoded command-stream bytes plus the buffer objects they
// reference. Data length must be a dword multiple.
type Packet struct {
	Data []byte
	BOs  []*device.BO
}

// State is anything bindable into a command buffer.
type State interface {
	// Packet returns the bytes and references recorded when the state is
	// bound. The returned packet must not alias mutable storage.
	Packet() Packet
}

// Recorder is the slice of the command buffer the pipe layer needs.
type Recorder interface {
	RecordPacket(data []byte, bos ...*device.BO) error
}

// Bind records every state object into cb in order.
func Bind(cb Recorder, states ...State) error {
	for _, s := range states {
		p := s.Packet()
		if err := cb.RecordPacket(p.Data, p.BOs...); err != nil {
			return err
		}
	}
	return nil
}

// BindingTable lays out a shader's binding slots into a packet pointing at
// the backing surface BOs. Slot i of the table holds the 32-bit offset of
// surfaces[i] plus the shader's descriptor slot number.
type BindingTable struct {
	Info     shader.Info
	Surfaces []*device.BO
}

// Packet encodes one dword per binding slot. Surfaces beyond the shader's
// slot list are ignored; missing surfaces encode as zero.
func (b BindingTable) Packet() Packet {
	data := make([]byte, 4*len(b.Info.BindingSlots))
	var bos []*device.BO
	for i, slot := range b.Info.BindingSlots {
		var v uint32
		if i < len(b.Surfaces) && b.Surfaces[i] != nil {
			v = uint32(b.Surfaces[i].Offset) + slot
			bos = append(bos, b.Surfaces[i])
		}
		binary.LittleEndian.PutUint32(data[4*i:], v)
	}
	return Packet{Data: data, BOs: bos}
}
