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

// Package ams implements the automatic mark-sweep pool class: non-moving,
// colour-table based, with optional support for ambiguous references. It is
// grounded on _examples/original_source/code/poolams.c.
package ams

import (
	"github.com/Hamid-Mansha2/mps/bt"
	"github.com/Hamid-Mansha2/mps/mps"
)

// Seg is an AMS segment: mps.Seg plus the three per-grain bit tables and the
// grain-count partition from its field table.
type Seg struct {
	mps.Seg

	allocTable    *bt.Table
	nongreyTable  *bt.Table
	nonwhiteTable *bt.Table

	// firstFree is the cheap "everything below here is allocated, everything
	// above is free" cursor used while allocTableInUse is false.
	firstFree int

	allocTableInUse   bool
	colourTablesInUse bool

	freeGrains, bufferedGrains, newGrains, oldGrains int

	marksChanged   bool
	ambiguousFixes bool

	buffer *mps.Buffer
}

// NewSeg allocates the three bit tables for a fresh, fully-free segment of
// grains grains.
func NewSeg(base, limit mps.Addr, alignment mps.Size, rankSet mps.RankSet) *Seg {
	base_ := mps.InitSeg(base, limit, alignment, rankSet)
	g := base_.Grains()
	s := &Seg{
		Seg:           base_,
		allocTable:    bt.New(g),
		nongreyTable:  bt.New(g),
		nonwhiteTable: bt.New(g),
		freeGrains:    g,
	}
	return s
}

// Grains returns the segment's grain count (shadowing mps.Seg.Grains only
// for documentation; same value).
func (s *Seg) Grains() int { return s.Seg.Grains() }

func (s *Seg) FreeGrains() int     { return s.freeGrains }
func (s *Seg) BufferedGrains() int { return s.bufferedGrains }
func (s *Seg) NewGrains() int      { return s.newGrains }
func (s *Seg) OldGrains() int      { return s.oldGrains }

// checkPartition is the Go expression of invariant I1: freeGrains +
// bufferedGrains + newGrains + oldGrains == grains.
func (s *Seg) checkPartition() {
	sum := s.freeGrains + s.bufferedGrains + s.newGrains + s.oldGrains
	if sum != s.Grains() {
		panic("ams: grain partition invariant violated")
	}
}

// IsAllocated reports whether grain i holds a live object head or body.
func (s *Seg) IsAllocated(i int) bool {
	if s.allocTableInUse {
		return s.allocTable.Get(i)
	}
	return i < s.firstFree
}

// IsWhite, IsGrey, IsBlack implement the segment's colour encoding. They are
// only meaningful while colourTablesInUse is true; callers check that
// separately (e.g. via ColourTablesInUse).
func (s *Seg) IsWhite(i int) bool {
	return s.IsAllocated(i) && !s.nonwhiteTable.Get(i)
}

func (s *Seg) IsGrey(i int) bool {
	return s.IsAllocated(i) && s.nonwhiteTable.Get(i) && !s.nongreyTable.Get(i)
}

func (s *Seg) IsBlack(i int) bool {
	return s.IsAllocated(i) && s.nonwhiteTable.Get(i) && s.nongreyTable.Get(i)
}

// ColourTablesInUse reports whether the nonwhite/nongrey tables currently
// hold meaningful colour, i.e. a trace has condemned this segment and it has
// not yet been reclaimed.
func (s *Seg) ColourTablesInUse() bool { return s.colourTablesInUse }

// CheckColour verifies invariant I2 ("no invalid colour": !(white && grey))
// for every allocated grain. Debug-only; panics on violation.
func (s *Seg) CheckColour() {
	if !s.colourTablesInUse {
		return
	}
	for i := 0; i < s.Grains(); i++ {
		if s.IsAllocated(i) && !s.nonwhiteTable.Get(i) && !s.nongreyTable.Get(i) {
			panic("ams: invalid colour (white and grey) at grain")
		}
	}
}

// whitenRange sets grains [i,j) to white: allocated-but-not-nonwhite. Since
// "white" is the absence of the nonwhite bit, whitening means resetting
// nonwhiteTable over the range and setting nongreyTable, so that no grain is
// left both white and grey (the grains must already be allocated, or
// whitening is a no-op on free grains, which is fine: free grains aren't
// considered any colour).
func (s *Seg) whitenRange(i, j int) {
	if i >= j {
		return
	}
	s.nonwhiteTable.ResetRange(i, j)
	s.nongreyTable.SetRange(i, j)
}

// blackenRange sets grains [i,j) to black directly (used for the buffer's
// reserved-not-committed region, which is black by definition, and for the
// no-grey-stop fast path).
func (s *Seg) blackenRange(i, j int) {
	if i >= j {
		return
	}
	s.nonwhiteTable.SetRange(i, j)
	s.nongreyTable.SetRange(i, j)
}

// greyenRange marks grains [i,j) grey: nonwhite set, nongrey reset.
func (s *Seg) greyenRange(i, j int) {
	if i >= j {
		return
	}
	s.nonwhiteTable.SetRange(i, j)
	s.nongreyTable.ResetRange(i, j)
}

// materialiseAllocTable switches from firstFree-cursor mode to full
// allocTable mode by setting [0,firstFree) and resetting the rest, then
// marks allocTableInUse. Idempotent.
func (s *Seg) materialiseAllocTable() {
	if s.allocTableInUse {
		return
	}
	if s.firstFree > 0 {
		s.allocTable.SetRange(0, s.firstFree)
	}
	if s.firstFree < s.Grains() {
		s.allocTable.ResetRange(s.firstFree, s.Grains())
	}
	s.allocTableInUse = true
}
