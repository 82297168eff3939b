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
	"github.com/anvil-gpu/anvil/device"
)

// FlushTail flushes n bytes at off after an out-of-band rewrite of b's
// contents, such as repointing a terminal jump at submit time. A no-op when
// the platform snoops CPU caches.
func (b *BO) FlushTail(dev *device.Device, off, n int) {
	dev.FlushBatch(b.Bo.Map[off : off+n])
}
