// Copyright 2020 Grail Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package snc implements the stack-no-check pool class: LIFO frame-based
// allocation with no per-object marking, grounded on
// _examples/original_source/code/poolsnc.c.
package snc

import "github.com/Hamid-Mansha2/mps/mps"

// Seg is an SNC segment: no colour tables at all, just chain linkage and a
// back-pointer to the buffer currently bumping its alloc cursor, if any.
//
// A segment's rank set and summary are not fixed at construction the way
// ams.Seg/awl.Seg's are: a freed segment is recycled for whatever rank the
// next buffer that claims it needs, so Seg leaves mps.Seg's rank-set storage
// as-is and mutates it in place via mps.Seg.SetRankSet instead of being
// re-derived per Seg instance.
type Seg struct {
	mps.Seg

	next   *Seg
	buffer *mps.Buffer
}

// NewSeg allocates a fresh SNC segment with no rank set yet (assigned on
// first fill).
func NewSeg(base, limit mps.Addr, alignment mps.Size) *Seg {
	s := mps.InitSeg(base, limit, alignment, mps.RankSet(0))
	return &Seg{Seg: s}
}

// Size is the segment's byte size, used by the freelist's first-fit search.
func (s *Seg) Size() mps.Size { return mps.Size(s.Limit() - s.Base()) }

// HasBuffer reports whether a buffer is currently bumping this segment's
// alloc cursor (it is the top of some buffer's chain).
func (s *Seg) HasBuffer() bool { return s.buffer != nil }
