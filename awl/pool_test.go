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

package awl_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Hamid-Mansha2/mps/awl"
	"github.com/Hamid-Mansha2/mps/mps"
	"github.com/Hamid-Mansha2/mps/mpstest"
)

const alignment = mps.Size(8)

func newFixture(t *testing.T) (*awl.Pool, *mpstest.Arena, *mpstest.Shield, *mpstest.Heap) {
	arena := mpstest.NewArena(256)
	shield := mpstest.NewShield()
	heap := mpstest.NewHeap()
	format := &mpstest.Format{Heap: heap, Align: alignment, ScanRank: mps.RankWeak}
	alloc := mpstest.SequentialAllocator(0x2000)
	pool := awl.NewPool("testawl", arena, shield, format, alloc, awl.Config{
		Alignment: alignment,
	})
	return pool, arena, shield, heap
}

func allocObject(t *testing.T, buf *mps.Buffer, heap *mpstest.Heap, refs []mps.Addr) mps.Addr {
	addr, err := buf.Reserve(alignment)
	require.NoError(t, err)
	heap.PutObject(addr, addr+mps.Addr(alignment), refs)
	ok, err := buf.Commit(addr, alignment)
	require.NoError(t, err)
	require.True(t, ok)
	return addr
}

func TestRankSetConstraintPanics(t *testing.T) {
	mixed := mps.NewRankSet(mps.RankExact, mps.RankWeak)
	assert.Panics(t, func() {
		awl.NewSeg(0, mps.Addr(alignment*4), alignment, mixed)
	})
}

func TestWeakReferenceSplatted(t *testing.T) {
	pool, arena, _, heap := newFixture(t)
	buf := mps.NewBuffer(pool, mps.NewRankSet(mps.RankWeak))
	require.NoError(t, buf.Fill(alignment*4))

	// table -> value (weakly referenced). table is the root; value has no
	// other referrer, so after a weak scan the reference should splat.
	value := allocObject(t, buf, heap, nil)
	table := allocObject(t, buf, heap, []mps.Addr{value})

	segRef, ok := buf.Seg()
	require.True(t, ok)
	seg := segRef.(*awl.Seg)
	buf.AdvanceScanLimit()

	const traceID = mps.TraceID(0)
	arena.StartTrace(traceID)
	require.NoError(t, pool.Whiten(traceID, segRef))
	arena.Flip(traceID)

	ss := &mps.ScanState{
		Traces: mps.NewTraceSet(traceID),
		Arena:  arena,
		Rank:   mps.RankExact,
	}
	root := table
	require.NoError(t, pool.Fix(ss, segRef, &root))
	require.Equal(t, table, root)

	// A weak scan pass discovers value is still white and splats it.
	ssWeak := &mps.ScanState{
		Traces: mps.NewTraceSet(traceID),
		Arena:  arena,
		Rank:   mps.RankWeak,
	}
	total, err := pool.Scan(ssWeak, segRef)
	require.NoError(t, err)
	require.False(t, total)

	assert.Equal(t, mps.Addr(0), heap.RefsOf(table)[0], "the weak reference to value was splatted")

	pool.Reclaim(traceID, segRef)
	arena.FinishTrace(traceID)

	assert.True(t, seg.IsAllocated(int(seg.IndexOfAddr(table, alignment))), "table survives (it was rooted)")
	assert.False(t, seg.IsAllocated(int(seg.IndexOfAddr(value, alignment))), "value is reclaimed once its sole referrer is splatted")
}

func TestCanTrySingleAccessDecisionPoints(t *testing.T) {
	pool, arena, _, _ := newFixture(t)
	seg := awl.NewSeg(0x3000, 0x3000+mps.Addr(alignment*8), alignment, mps.NewRankSet(mps.RankWeak))

	// No trace flipped: decline (ordinary write barrier hit).
	assert.False(t, pool.CanTrySingleAccess(seg, mps.RankExact))

	arena.StartTrace(0)
	arena.Flip(0)

	// Flipped, non-weak band: allowed.
	assert.True(t, pool.CanTrySingleAccess(seg, mps.RankExact))

	// Already in the weak band: no benefit, decline.
	assert.False(t, pool.CanTrySingleAccess(seg, mps.RankWeak))

	// Exhaust the per-segment limit.
	for i := 0; i < 3; i++ {
		pool.NoteSingleAccess(seg, mps.Addr(0x3000+mps.Addr(i)*8))
	}
	assert.False(t, pool.CanTrySingleAccess(seg, mps.RankExact))
	assert.Equal(t, 1, pool.Stats().Declined)
}

func TestCanTrySingleAccessRequiresWeakSegment(t *testing.T) {
	pool, arena, _, _ := newFixture(t)
	seg := awl.NewSeg(0x4000, 0x4000+mps.Addr(alignment*4), alignment, mps.NewRankSet(mps.RankExact))
	arena.StartTrace(0)
	arena.Flip(0)
	assert.False(t, pool.CanTrySingleAccess(seg, mps.RankExact), "an EXACT-only segment has no weak references to save a scan on")
}
