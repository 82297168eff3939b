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

package pipe

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anvil-gpu/anvil/cmdbuf"
	"github.com/anvil-gpu/anvil/device"
	"github.com/anvil-gpu/anvil/drm/drmtest"
	"github.com/anvil-gpu/anvil/shader"
)

func TestBindingTablePacket(t *testing.T) {
	dev, err := device.New(drmtest.New(), device.DefaultTuning(), nil)
	require.NoError(t, err)
	defer dev.Close()

	surf, err := dev.Pool.Alloc(4096, "surface")
	require.NoError(t, err)
	defer dev.Pool.Free(surf)

	bt := BindingTable{
		Info:     shader.Info{BindingSlots: []uint32{0, 8}},
		Surfaces: []*device.BO{surf, nil},
	}
	p := bt.Packet()
	require.Len(t, p.Data, 8)
	assert.Equal(t, uint32(surf.Offset), binary.LittleEndian.Uint32(p.Data))
	assert.Zero(t, binary.LittleEndian.Uint32(p.Data[4:]))
	assert.Equal(t, []*device.BO{surf}, p.BOs)
}

func TestBindRecordsIntoCommandBuffer(t *testing.T) {
	dev, err := device.New(drmtest.New(), device.DefaultTuning(), nil)
	require.NoError(t, err)
	defer dev.Close()

	cb, err := cmdbuf.New(dev, cmdbuf.Primary, 0, "render")
	require.NoError(t, err)
	defer cb.Destroy()

	surf, err := dev.Pool.Alloc(4096, "surface")
	require.NoError(t, err)
	defer dev.Pool.Free(surf)

	bt := BindingTable{
		Info:     shader.Info{BindingSlots: []uint32{4}},
		Surfaces: []*device.BO{surf},
	}
	require.NoError(t, Bind(cb, bt))

	got := cb.FirstBBO().Bo.Map[:4]
	assert.Equal(t, uint32(surf.Offset)+4, binary.LittleEndian.Uint32(got))
	assert.True(t, cb.SurfaceRelocs().Deps().Contains(surf.GemHandle))
}
