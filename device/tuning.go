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
	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
)

// Tuning carries the hardware- and workaround-driven thresholds of the batch
// layer. The values are empirically tuned per platform, so they are
// configuration instead of constants baked into the call sites.
type Tuning struct {
	// MinBatchSize is the size of a command buffer's first batch BO and the
	// reference for the inline-copy threshold (a single-BO secondary shorter
	// than half of it is copied instead of jumped to).
	MinBatchSize int `toml:"min_batch_size"`

	// MaxBatchSize caps the size of batch BOs allocated when a command
	// buffer grows.
	MaxBatchSize int `toml:"max_batch_size"`

	// UseCallSecondary selects the call/return execution mode for secondary
	// command buffers when the platform supports it.
	UseCallSecondary bool `toml:"use_call_secondary"`

	// NeedCommandFlush is set on platforms whose command streamer does not
	// snoop CPU caches, requiring an explicit flush after patching batch
	// contents.
	NeedCommandFlush bool `toml:"need_command_flush"`

	// EnginePrefetch maps an engine class name to its command-streamer
	// prefetch window in bytes. Trailing jumps must sit outside this window.
	EnginePrefetch map[string]int `toml:"engine_prefetch"`
}

// DefaultPrefetch is used for engines absent from EnginePrefetch.
const DefaultPrefetch = 512

// DefaultTuning returns the tuning used when no configuration is loaded.
func DefaultTuning() Tuning {
	return Tuning{
		MinBatchSize: 8 << 10,
		MaxBatchSize: 16 << 20,
		EnginePrefetch: map[string]int{
			"render":  512,
			"compute": 512,
			"copy":    512,
		},
	}
}

// LoadTuning reads a TOML tuning file, overlaying it on the defaults.
func LoadTuning(path string) (Tuning, error) {
	t := DefaultTuning()
	if _, err := toml.DecodeFile(path, &t); err != nil {
		return Tuning{}, errors.Wrapf(err, "load tuning %s", path)
	}
	if t.MinBatchSize <= 0 || t.MaxBatchSize < t.MinBatchSize {
		return Tuning{}, errors.Errorf("tuning %s: bad batch sizes %d/%d",
			path, t.MinBatchSize, t.MaxBatchSize)
	}
	return t, nil
}

// PrefetchLen returns the prefetch window for an engine class.
func (t Tuning) PrefetchLen(engine string) int {
	if n, ok := t.EnginePrefetch[engine]; ok {
		return n
	}
	return DefaultPrefetch
}
