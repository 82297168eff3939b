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

// Package fault holds the constant error type used across the module.
package fault

// Const is the type for constant error values.
type Const string

// Error implements error for Const returning the string value of the const.
func (e Const) Error() string { return string(e) }

const (
	// ErrOutOfHostMemory is returned when a CPU-side allocation fails or a
	// growable structure would exceed its limit. It carries no device state
	// change and is recoverable by the caller.
	ErrOutOfHostMemory = Const("out of host memory")

	// ErrOutOfDeviceMemory is returned when a GPU buffer allocation fails.
	ErrOutOfDeviceMemory = Const("out of device memory")

	// ErrDeviceLost is the sticky error latched on a device or queue after a
	// failed submission. Every subsequent operation short-circuits to it.
	ErrDeviceLost = Const("device lost")

	// ErrNotResettable is returned when a command buffer is submitted again
	// without an intervening reset.
	ErrNotResettable = Const("command buffer reused without reset")

	// ErrIncompatibleLevel is returned when a primary-only operation is
	// invoked on a secondary command buffer or vice versa.
	ErrIncompatibleLevel = Const("incompatible command buffer level")
)
