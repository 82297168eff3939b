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

// Package bitset provides a dense, growable bitset with word-level access.
//
// It is used to track buffer-object dependencies keyed by kernel handle,
// where merging two sets must be a cheap, idempotent word-wise OR.
package bitset

import (
	"math/bits"

	"github.com/anvil-gpu/anvil/core/fault"
)

// WordBits is the number of bits held by one backing word.
const WordBits = 64

// MaxBits is the upper limit on the number of bits a Bits may cover.
const MaxBits uint32 = 1 << 30

// Bits is a dense bitset backed by a slice of words. The zero value is an
// empty set. Growing never drops previously set bits.
type Bits struct {
	words []uint64
}

// NumWords returns the number of backing words.
func (b *Bits) NumWords() int { return len(b.words) }

// Words returns the backing words. The slice aliases the set's storage.
func (b *Bits) Words() []uint64 { return b.words }

// GrowWords extends the backing storage to hold at least n words, zero
// filling the new tail. The growth policy starts at 32 words and doubles.
func (b *Bits) GrowWords(n int) error {
	if n <= len(b.words) {
		return nil
	}
	if uint64(n)*WordBits > uint64(MaxBits) {
		return fault.ErrOutOfHostMemory
	}
	newLen := len(b.words) * 2
	if newLen < 32 {
		newLen = 32
	}
	for newLen < n {
		newLen *= 2
	}
	words := make([]uint64, newLen)
	copy(words, b.words)
	b.words = words
	return nil
}

// Set sets bit i, growing the storage to cover it.
func (b *Bits) Set(i uint32) error {
	if i >= MaxBits {
		return fault.ErrOutOfHostMemory
	}
	if err := b.GrowWords(int(i/WordBits) + 1); err != nil {
		return err
	}
	b.words[i/WordBits] |= 1 << (i % WordBits)
	return nil
}

// Contains reports whether bit i is set.
func (b *Bits) Contains(i uint32) bool {
	w := int(i / WordBits)
	if w >= len(b.words) {
		return false
	}
	return b.words[w]&(1<<(i%WordBits)) != 0
}

// Or merges other into b word-wise. Or is idempotent: merging the same set
// twice yields the same result as merging it once.
func (b *Bits) Or(other *Bits) error {
	if err := b.GrowWords(len(other.words)); err != nil {
		return err
	}
	for w, word := range other.words {
		b.words[w] |= word
	}
	return nil
}

// ForEach calls f for every set bit in ascending order, stopping at the
// first error.
func (b *Bits) ForEach(f func(i uint32) error) error {
	for w, word := range b.words {
		for word != 0 {
			i := bits.TrailingZeros64(word)
			word &^= 1 << i
			if err := f(uint32(w*WordBits + i)); err != nil {
				return err
			}
		}
	}
	return nil
}

// Count returns the number of set bits.
func (b *Bits) Count() int {
	n := 0
	for _, word := range b.words {
		n += bits.OnesCount64(word)
	}
	return n
}

// ClearAll zeroes every word in place, keeping the backing storage.
func (b *Bits) ClearAll() {
	for w := range b.words {
		b.words[w] = 0
	}
}

// Clone returns a deep copy of the set.
func (b *Bits) Clone() Bits {
	if len(b.words) == 0 {
		return Bits{}
	}
	words := make([]uint64, len(b.words))
	copy(words, b.words)
	return Bits{words: words}
}
