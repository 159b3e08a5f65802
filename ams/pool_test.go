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

package ams_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Hamid-Mansha2/mps/ams"
	"github.com/Hamid-Mansha2/mps/mps"
	"github.com/Hamid-Mansha2/mps/mpstest"
)

const alignment = mps.Size(8)

func newFixture() (*ams.Pool, *mpstest.Arena, *mpstest.Heap) {
	arena := mpstest.NewArena(256)
	heap := mpstest.NewHeap()
	format := &mpstest.Format{Heap: heap, Align: alignment, ScanRank: mps.RankExact}
	alloc := mpstest.SequentialAllocator(0x1000)
	pool := ams.NewPool("testams", arena, format, alloc, ams.Config{
		Alignment:        alignment,
		RankSet:          mps.NewRankSet(mps.RankExact),
		SupportAmbiguous: false,
	})
	return pool, arena, heap
}

// allocObject reserves and commits a 1-grain object with the given outgoing
// references through buf, recording its layout in heap.
func allocObject(t *testing.T, buf *mps.Buffer, heap *mpstest.Heap, refs []mps.Addr) mps.Addr {
	addr, err := buf.Reserve(alignment)
	require.NoError(t, err)
	heap.PutObject(addr, addr+mps.Addr(alignment), refs)
	ok, err := buf.Commit(addr, alignment)
	require.NoError(t, err)
	require.True(t, ok)
	return addr
}

func TestBufferFillReserveCommit(t *testing.T) {
	pool, _, heap := newFixture()
	buf := mps.NewBuffer(pool, mps.NewRankSet(mps.RankExact))
	require.NoError(t, buf.Fill(alignment*4))

	a := allocObject(t, buf, heap, nil)
	require.NotZero(t, a)
	assert.Equal(t, buf.Init(), buf.Alloc())
}

func TestWhitenScanFixReclaimCollectsGarbage(t *testing.T) {
	pool, arena, heap := newFixture()
	buf := mps.NewBuffer(pool, mps.NewRankSet(mps.RankExact))
	require.NoError(t, buf.Fill(alignment*8))

	// Live: root -> a -> b. Garbage: c (never referenced after the root
	// fix below).
	b := allocObject(t, buf, heap, nil)
	a := allocObject(t, buf, heap, []mps.Addr{b})
	c := allocObject(t, buf, heap, nil)

	segRef, ok := buf.Seg()
	require.True(t, ok)
	seg := segRef.(*ams.Seg)
	buf.AdvanceScanLimit()

	const traceID = mps.TraceID(0)
	arena.StartTrace(traceID)
	require.NoError(t, pool.Whiten(traceID, segRef))
	arena.Flip(traceID)

	require.Equal(t, 5, seg.BufferedGrains(), "uncommitted reserved tail stays buffered/uncondemned")
	require.Equal(t, 3, seg.OldGrains(), "the 3 committed objects age into old")

	ss := &mps.ScanState{
		Traces: mps.NewTraceSet(traceID),
		Arena:  arena,
		Zone:   mps.ZoneSetUniv,
		Rank:   mps.RankExact,
	}
	rootRef := a
	require.NoError(t, pool.Fix(ss, segRef, &rootRef))
	require.Equal(t, a, rootRef, "a is reachable, so fix must not splat or move it")

	total, err := pool.Scan(ss, segRef)
	require.NoError(t, err)
	require.False(t, total, "a grey-only scan suffices since ss.Traces is a subset of seg.White()")

	pool.Reclaim(traceID, segRef)
	arena.FinishTrace(traceID)

	assert.Equal(t, 25, seg.FreeGrains())
	assert.Equal(t, 5, seg.BufferedGrains())
	assert.Equal(t, 0, seg.NewGrains())
	assert.Equal(t, 2, seg.OldGrains())
	assert.Equal(t, seg.Grains(), seg.FreeGrains()+seg.BufferedGrains()+seg.NewGrains()+seg.OldGrains(), "I1: grain partition")

	assert.True(t, seg.IsAllocated(int(seg.IndexOfAddr(a, alignment))), "a survives")
	assert.True(t, seg.IsAllocated(int(seg.IndexOfAddr(b, alignment))), "b survives")
	assert.False(t, seg.IsAllocated(int(seg.IndexOfAddr(c, alignment))), "c is reclaimed")

	assert.True(t, seg.White().IsEmpty(), "reclaim removes the trace from seg.White()")
}

func TestSplitMergeRoundTrip(t *testing.T) {
	seg := ams.NewSeg(0, mps.Addr(alignment*16), alignment, mps.NewRankSet(mps.RankExact))
	mid := mps.Addr(alignment * 10)

	low, high, err := seg.Split(mid, alignment)
	require.NoError(t, err)
	assert.Equal(t, 10, low.Grains())
	assert.Equal(t, 6, high.Grains())

	merged, err := ams.Merge(low, high, alignment)
	require.NoError(t, err)
	assert.Equal(t, seg.Grains(), merged.Grains())
	assert.Equal(t, seg.FreeGrains(), merged.FreeGrains())
	assert.Equal(t, seg.Base(), merged.Base())
	assert.Equal(t, seg.Limit(), merged.Limit())
}

func TestSplitRejectsNonFreeHighHalf(t *testing.T) {
	pool, _, heap := newFixture()
	buf := mps.NewBuffer(pool, mps.NewRankSet(mps.RankExact))
	require.NoError(t, buf.Fill(alignment*8))
	allocObject(t, buf, heap, nil)

	segRef, ok := buf.Seg()
	require.True(t, ok)
	seg := segRef.(*ams.Seg)

	_, _, err := seg.Split(seg.Base()+mps.Addr(alignment), alignment)
	assert.Error(t, err, "high half overlaps the buffer's reserved grains, so it isn't free")
}
