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

package ams

import (
	"github.com/Hamid-Mansha2/mps/bt"
	"github.com/Hamid-Mansha2/mps/mps"
)

// Split divides a segment at a grain-aligned address mid into a low segment
// [base,mid) and a high segment [mid,limit). The high half must be entirely
// free and the segment must not have unresolved grey state. Tables for both
// halves are allocated before any state is mutated, so a failure here leaves
// the original segment untouched.
func (s *Seg) Split(mid mps.Addr, alignment mps.Size) (low, high *Seg, err error) {
	if mid <= s.Base() || mid >= s.Limit() {
		return nil, nil, mps.E(mps.KindParam, "ams: Split: mid out of range")
	}
	if mps.Size(mid-s.Base())%alignment != 0 {
		return nil, nil, mps.E(mps.KindParam, "ams: Split: mid not grain-aligned")
	}
	gl := int(mps.Size(mid-s.Base()) / alignment)
	gh := s.Grains() - gl

	if s.marksChanged {
		return nil, nil, mps.E(mps.KindParam, "ams: Split: marksChanged set")
	}
	if !s.highHalfFree(gl) {
		return nil, nil, mps.E(mps.KindParam, "ams: Split: high half is not entirely free")
	}
	if s.colourTablesInUse && !s.nonwhiteTable.IsResetRange(0, s.Grains()) {
		return nil, nil, mps.E(mps.KindParam, "ams: Split: colour tables in use with non-white grains")
	}

	// Allocate both halves' tables before mutating anything.
	lowAlloc, lowNongrey, lowNonwhite := bt.New(gl), bt.New(gl), bt.New(gl)
	highAlloc, highNongrey, highNonwhite := bt.New(gh), bt.New(gh), bt.New(gh)

	if gl > 0 {
		lowAlloc.CopyRange(s.allocTable, 0, gl)
		lowNongrey.CopyRange(s.nongreyTable, 0, gl)
		lowNonwhite.CopyRange(s.nonwhiteTable, 0, gl)
	}
	// High half is free: allocTable reset, colour tables set.
	if gh > 0 {
		highAlloc.ResetRange(0, gh)
		highNongrey.SetRange(0, gh)
		highNonwhite.SetRange(0, gh)
	}

	low = &Seg{
		Seg:               mps.InitSeg(s.Base(), mid, alignment, s.RankSet()),
		allocTable:        lowAlloc,
		nongreyTable:      lowNongrey,
		nonwhiteTable:     lowNonwhite,
		allocTableInUse:   s.allocTableInUse,
		colourTablesInUse: s.colourTablesInUse,
		freeGrains:        s.freeGrains - gh,
		bufferedGrains:    s.bufferedGrains,
		newGrains:         s.newGrains,
		oldGrains:         s.oldGrains,
		firstFree:         minInt(s.firstFree, gl),
	}
	high = &Seg{
		Seg:             mps.InitSeg(mid, s.Limit(), alignment, s.RankSet()),
		allocTable:      highAlloc,
		nongreyTable:    highNongrey,
		nonwhiteTable:   highNonwhite,
		allocTableInUse: s.allocTableInUse,
		freeGrains:      gh,
		firstFree:       0,
	}
	low.checkPartition()
	high.checkPartition()
	return low, high, nil
}

// highHalfFree reports whether grains [gl, Grains) are entirely free.
func (s *Seg) highHalfFree(gl int) bool {
	gh := s.Grains() - gl
	if s.freeGrains < gh {
		return false
	}
	if s.allocTableInUse {
		return s.allocTable.IsResetRange(gl, s.Grains())
	}
	return s.firstFree <= gl
}

// Merge is the inverse of Split. high must be entirely free.
func Merge(low, high *Seg, alignment mps.Size) (*Seg, error) {
	if high.freeGrains != high.Grains() {
		return nil, mps.E(mps.KindParam, "ams: Merge: high half is not entirely free")
	}
	if low.Limit() != high.Base() {
		return nil, mps.E(mps.KindParam, "ams: Merge: segments not adjacent")
	}
	gl, gh := low.Grains(), high.Grains()
	g := gl + gh

	alloc, nongrey, nonwhite := bt.New(g), bt.New(g), bt.New(g)
	if gl > 0 {
		alloc.CopyRange(low.allocTable, 0, gl)
		nongrey.CopyRange(low.nongreyTable, 0, gl)
		nonwhite.CopyRange(low.nonwhiteTable, 0, gl)
	}
	for i := 0; i < gh; i++ {
		if high.allocTable.Get(i) {
			alloc.Set(gl + i)
		}
		if high.nongreyTable.Get(i) {
			nongrey.Set(gl + i)
		}
		if high.nonwhiteTable.Get(i) {
			nonwhite.Set(gl + i)
		}
	}

	merged := &Seg{
		Seg:               mps.InitSeg(low.Base(), high.Limit(), alignment, low.RankSet()),
		allocTable:        alloc,
		nongreyTable:      nongrey,
		nonwhiteTable:     nonwhite,
		allocTableInUse:   low.allocTableInUse,
		colourTablesInUse: low.colourTablesInUse,
		freeGrains:        low.freeGrains + high.freeGrains,
		bufferedGrains:    low.bufferedGrains,
		newGrains:         low.newGrains,
		oldGrains:         low.oldGrains,
		firstFree:         low.firstFree,
	}
	if !low.allocTableInUse && low.firstFree == gl {
		merged.firstFree = gl
	}
	merged.checkPartition()
	return merged, nil
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
