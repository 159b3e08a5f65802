// Copyright 2020 Grail Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package bt implements a fixed-length bit vector ("bit table") with range
// set/reset/copy and a search for the leftmost run of zeros of at least a
// given length. Every per-grain
// metadata table in the pool classes (alloc, mark, scanned, nongrey,
// nonwhite...) is one of these.
package bt

import (
	"math/bits"

	"github.com/grailbio/base/simd"
	"github.com/pkg/errors"
)

// wordBits is the number of bits per backing word, aliased from simd rather
// than hardcoded, the way circular.BitsPerWord aliases the same constant.
const wordBits = simd.BitsPerWord

// Table is a bit vector of a fixed length established at construction.
// The zero value is not usable; use New.
type Table struct {
	words []uint64
	n     int
}

// New returns a Table of length n, all bits reset.
func New(n int) *Table {
	if n < 0 {
		panic(errors.Errorf("bt: negative length %d", n))
	}
	return &Table{words: make([]uint64, (n+wordBits-1)/wordBits), n: n}
}

// Len returns the table's bit length.
func (t *Table) Len() int { return t.n }

func (t *Table) checkIndex(i int) {
	if i < 0 || i >= t.n {
		panic(errors.Errorf("bt: index %d out of range [0,%d)", i, t.n))
	}
}

func (t *Table) checkRange(i, j int) {
	if i < 0 || j < i || j > t.n {
		panic(errors.Errorf("bt: bad range [%d,%d) for length %d", i, j, t.n))
	}
}

// Get reports whether bit i is set.
func (t *Table) Get(i int) bool {
	t.checkIndex(i)
	return t.words[i/wordBits]&(uint64(1)<<uint(i%wordBits)) != 0
}

// Set sets bit i.
func (t *Table) Set(i int) {
	t.checkIndex(i)
	t.words[i/wordBits] |= uint64(1) << uint(i%wordBits)
}

// Reset clears bit i.
func (t *Table) Reset(i int) {
	t.checkIndex(i)
	t.words[i/wordBits] &^= uint64(1) << uint(i%wordBits)
}

// rangeMask returns the word covering bit positions [lo,hi) within a single
// word (0 <= lo <= hi <= 64), as a mask of 1-bits.
func rangeMask(lo, hi uint) uint64 {
	if lo >= hi {
		return 0
	}
	full := ^uint64(0)
	return (full << lo) & (full >> (wordBits - hi))
}

// forEachWordRange calls f once per backing word touched by [i,j), passing
// the word index and the in-word [lo,hi) sub-range.
func forEachWordRange(i, j int, f func(word int, lo, hi uint)) {
	if i >= j {
		return
	}
	wi, wj := i/wordBits, (j-1)/wordBits
	if wi == wj {
		f(wi, uint(i%wordBits), uint((j-1)%wordBits)+1)
		return
	}
	f(wi, uint(i%wordBits), wordBits)
	for w := wi + 1; w < wj; w++ {
		f(w, 0, wordBits)
	}
	f(wj, 0, uint((j-1)%wordBits)+1)
}

// SetRange sets every bit in [i,j).
func (t *Table) SetRange(i, j int) {
	t.checkRange(i, j)
	forEachWordRange(i, j, func(w int, lo, hi uint) {
		t.words[w] |= rangeMask(lo, hi)
	})
}

// ResetRange clears every bit in [i,j).
func (t *Table) ResetRange(i, j int) {
	t.checkRange(i, j)
	forEachWordRange(i, j, func(w int, lo, hi uint) {
		t.words[w] &^= rangeMask(lo, hi)
	})
}

// IsSetRange reports whether every bit in [i,j) is set. An empty range is
// vacuously true.
func (t *Table) IsSetRange(i, j int) bool {
	t.checkRange(i, j)
	ok := true
	forEachWordRange(i, j, func(w int, lo, hi uint) {
		m := rangeMask(lo, hi)
		if t.words[w]&m != m {
			ok = false
		}
	})
	return ok
}

// IsResetRange reports whether every bit in [i,j) is clear.
func (t *Table) IsResetRange(i, j int) bool {
	t.checkRange(i, j)
	ok := true
	forEachWordRange(i, j, func(w int, lo, hi uint) {
		m := rangeMask(lo, hi)
		if t.words[w]&m != 0 {
			ok = false
		}
	})
	return ok
}

// CountResRange returns the number of clear (reset) bits in [i,j).
func (t *Table) CountResRange(i, j int) int {
	t.checkRange(i, j)
	n := 0
	forEachWordRange(i, j, func(w int, lo, hi uint) {
		m := rangeMask(lo, hi)
		n += bits.OnesCount64(m &^ t.words[w])
	})
	return n
}

// CopyRange copies [i,j) of src into the same index range of t.
func (t *Table) CopyRange(src *Table, i, j int) {
	t.checkRange(i, j)
	src.checkRange(i, j)
	for k := i; k < j; k++ {
		if src.Get(k) {
			t.Set(k)
		} else {
			t.Reset(k)
		}
	}
}

// FindLongResRange finds the leftmost maximal run of at least minLen clear
// bits within [from,to), and returns its bounds [i,j). ok is false if no run
// of that length exists in the range.
//
// The search is monotone (i >= from, i < to-minLen+1 whenever ok) and
// leftmost: of all maximal runs of length >= minLen, the one that starts
// first is returned, even if a later run is longer. Callers that want to
// enumerate every sufficiently-long run left to right can resume scanning
// from the returned j, which is guaranteed to sit on a set bit or on to.
func (t *Table) FindLongResRange(from, to, minLen int) (i, j int, ok bool) {
	t.checkRange(from, to)
	if minLen <= 0 || to-from < minLen {
		return 0, 0, false
	}
	pos := from
	for pos+minLen <= to {
		// Skip forward to the first clear bit at or after pos.
		start := t.nextReset(pos, to)
		if start < 0 || start+minLen > to {
			return 0, 0, false
		}
		end := t.nextSet(start, to)
		if end < 0 {
			end = to
		}
		if end-start >= minLen {
			return start, end, true
		}
		pos = end + 1
	}
	return 0, 0, false
}

// nextReset returns the index of the first clear bit in [from,to), or -1.
func (t *Table) nextReset(from, to int) int {
	for from < to {
		wi := from / wordBits
		wordStart := wi * wordBits
		wordEnd := wordStart + wordBits
		if wordEnd > to {
			wordEnd = to
		}
		w := ^t.words[wi] & rangeMask(uint(from-wordStart), uint(wordEnd-wordStart))
		if w != 0 {
			return wordStart + bits.TrailingZeros64(w)
		}
		from = wordEnd
	}
	return -1
}

// nextSet returns the index of the first set bit in [from,to), or -1.
func (t *Table) nextSet(from, to int) int {
	for from < to {
		wi := from / wordBits
		wordStart := wi * wordBits
		wordEnd := wordStart + wordBits
		if wordEnd > to {
			wordEnd = to
		}
		w := t.words[wi] & rangeMask(uint(from-wordStart), uint(wordEnd-wordStart))
		if w != 0 {
			return wordStart + bits.TrailingZeros64(w)
		}
		from = wordEnd
	}
	return -1
}

// CheckPanic verifies internal consistency: the tail padding bits beyond n
// in the last word must stay clear, since range operations rely on it.
// Panics (rather than returning an error), the usual convention for
// debug-only invariant checks in this codebase.
func (t *Table) CheckPanic(tag string) {
	if t.n%wordBits == 0 {
		return
	}
	last := len(t.words) - 1
	pad := rangeMask(uint(t.n%wordBits), wordBits)
	if t.words[last]&pad != 0 {
		panic(errors.Errorf("bt: %s: tail padding bits set in last word", tag))
	}
}
