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

// Package awl implements the automatic weak-linked pool class: like ams, but
// specialised for weak references, with a dependent-object scan hook and a
// single-reference access optimisation. It is grounded on
// _examples/original_source/code/poolawl.c.
package awl

import (
	"github.com/Hamid-Mansha2/mps/bt"
	"github.com/Hamid-Mansha2/mps/mps"
)

// Seg is an AWL segment: mark/scanned/alloc bit tables (the mark table plays
// the AMS nonwhite table's role, scanned plays nongrey's), plus per-segment
// single-access statistics. Segments are never split or merged.
type Seg struct {
	mps.Seg

	mark, scanned, alloc *bt.Table

	freeGrains, bufferedGrains, newGrains, oldGrains int

	// singleAccesses counts this segment's successful single-reference scans
	// since the last segment-wide scan.
	singleAccesses int
	sameAccesses   int
	lastAccess     mps.Addr

	buffer *mps.Buffer
}

// NewSeg allocates a fresh, fully-free AWL segment. rankSet must be exactly
// {EXACT} or {WEAK}.
func NewSeg(base, limit mps.Addr, alignment mps.Size, rankSet mps.RankSet) *Seg {
	exact := mps.NewRankSet(mps.RankExact)
	weak := mps.NewRankSet(mps.RankWeak)
	if rankSet != exact && rankSet != weak {
		panic("awl: segment rank set must be exactly {EXACT} or {WEAK}")
	}
	base_ := mps.InitSeg(base, limit, alignment, rankSet)
	g := base_.Grains()
	return &Seg{
		Seg:        base_,
		mark:       bt.New(g),
		scanned:    bt.New(g),
		alloc:      bt.New(g),
		freeGrains: g,
	}
}

func (s *Seg) Grains() int { return s.Seg.Grains() }

func (s *Seg) FreeGrains() int     { return s.freeGrains }
func (s *Seg) BufferedGrains() int { return s.bufferedGrains }
func (s *Seg) NewGrains() int      { return s.newGrains }
func (s *Seg) OldGrains() int      { return s.oldGrains }
func (s *Seg) SingleAccesses() int { return s.singleAccesses }

func (s *Seg) checkPartition() {
	sum := s.freeGrains + s.bufferedGrains + s.newGrains + s.oldGrains
	if sum != s.Grains() {
		panic("awl: grain partition invariant violated")
	}
}

func (s *Seg) IsAllocated(i int) bool { return s.alloc.Get(i) }
func (s *Seg) IsMarked(i int) bool    { return s.mark.Get(i) }
func (s *Seg) IsScanned(i int) bool   { return s.scanned.Get(i) }

func (s *Seg) whitenRange(i, j int) {
	if i >= j {
		return
	}
	s.mark.ResetRange(i, j)
	s.scanned.ResetRange(i, j)
}

// greyRange marks [i,j) grey: mark set, scanned reset.
func (s *Seg) greyRange(i, j int) {
	if i >= j {
		return
	}
	s.mark.SetRange(i, j)
	s.scanned.ResetRange(i, j)
}
