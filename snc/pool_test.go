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

package snc_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Hamid-Mansha2/mps/mps"
	"github.com/Hamid-Mansha2/mps/mpstest"
	"github.com/Hamid-Mansha2/mps/snc"
)

const (
	alignment = mps.Size(8)
	segGrain  = mps.Size(64) // 8 objects of `alignment` bytes per fresh segment
)

func newFixture(t *testing.T, base mps.Addr) (*snc.Pool, *mpstest.Arena, *mpstest.Heap) {
	arena := mpstest.NewArena(segGrain)
	shield := mpstest.NewShield()
	heap := mpstest.NewHeap()
	format := &mpstest.Format{Heap: heap, Align: alignment, ScanRank: mps.RankExact}
	alloc := mpstest.SequentialAllocator(base)
	pool := snc.NewPool("testsnc", arena, shield, format, alloc, snc.Config{
		Alignment: alignment,
	})
	return pool, arena, heap
}

// allocObject reserves and commits one object, filling the buffer first if
// there isn't room — the ordinary bump-allocator retry loop.
func allocObject(t *testing.T, buf *mps.Buffer, heap *mpstest.Heap) mps.Addr {
	addr, err := buf.Reserve(alignment)
	if err != nil {
		require.NoError(t, buf.Fill(alignment))
		addr, err = buf.Reserve(alignment)
		require.NoError(t, err)
	}
	heap.PutObject(addr, addr+mps.Addr(alignment), nil)
	ok, err := buf.Commit(addr, alignment)
	require.NoError(t, err)
	require.True(t, ok)
	return addr
}

func TestFrameRoundTripSameSegment(t *testing.T) {
	pool, _, heap := newFixture(t, 0x3000)
	buf := mps.NewBuffer(pool, mps.NewRankSet(mps.RankExact))
	require.NoError(t, buf.Fill(alignment))

	allocObject(t, buf, heap)

	frame, err := pool.FramePush(buf)
	require.NoError(t, err)

	allocObject(t, buf, heap)
	allocObject(t, buf, heap)

	require.NoError(t, pool.FramePop(buf, frame))
	assert.Equal(t, frame, buf.Init(), "I8: pop restores the buffer to the frame's alloc point")
	assert.Equal(t, frame, buf.Alloc())
}

func TestFramePushAtBottomOfStackIsNull(t *testing.T) {
	pool, _, _ := newFixture(t, 0x3000)
	buf := mps.NewBuffer(pool, mps.NewRankSet(mps.RankExact))

	frame, err := pool.FramePush(buf)
	require.NoError(t, err)
	assert.Equal(t, mps.Addr(0), frame, "an empty stack's frame is the NULL sentinel")
}

func TestFramePopBelowScanLimitPanics(t *testing.T) {
	pool, _, heap := newFixture(t, 0x3000)
	buf := mps.NewBuffer(pool, mps.NewRankSet(mps.RankExact))
	require.NoError(t, buf.Fill(alignment))

	allocObject(t, buf, heap)
	frame, err := pool.FramePush(buf)
	require.NoError(t, err)
	allocObject(t, buf, heap)
	buf.AdvanceScanLimit()

	assert.Panics(t, func() {
		_ = pool.FramePop(buf, frame)
	}, "popping below scanLimit would discard objects the collector may have already scanned")
}

// TestLIFOMultiSegmentChain exercises its LIFO scenario:
// push a bottom frame, grow the chain across several segments, push a
// second frame partway through, grow past it into a further segment, then
// pop back through both frames, confirm the buffer is reset, and confirm a
// new buffer is filled from a freelist segment.
func TestLIFOMultiSegmentChain(t *testing.T) {
	pool, _, heap := newFixture(t, 0x4000)
	buf := mps.NewBuffer(pool, mps.NewRankSet(mps.RankExact))

	f1, err := pool.FramePush(buf)
	require.NoError(t, err)
	assert.Equal(t, mps.Addr(0), f1)

	// 1.5 segments' worth: fills the first segment (8 objects) and starts a
	// second (4 more).
	for i := 0; i < 12; i++ {
		allocObject(t, buf, heap)
	}

	f2, err := pool.FramePush(buf)
	require.NoError(t, err)

	// Fill out the rest of the second segment (4 more) and force a third.
	for i := 0; i < 5; i++ {
		allocObject(t, buf, heap)
	}

	require.NoError(t, pool.FramePop(buf, f2))
	segRef, ok := buf.Seg()
	require.True(t, ok)
	require.Equal(t, f2, buf.Init(), "popping f2 rolls the buffer back into the segment that held it")
	require.Equal(t, f2, buf.Alloc())
	segAfterF2 := segRef.(*snc.Seg)

	require.NoError(t, pool.FramePop(buf, f1))
	assert.Equal(t, mps.BufferReset, buf.State(), "popping to the NULL frame resets the buffer")

	// Every segment the chain ever grew into (the one f2 popped back into,
	// plus whatever was below and above it) must now be free and reusable.
	buf2 := mps.NewBuffer(pool, mps.NewRankSet(mps.RankWeak))
	require.NoError(t, buf2.Fill(alignment))
	reusedRef, ok := buf2.Seg()
	require.True(t, ok)
	reused := reusedRef.(*snc.Seg)
	assert.Equal(t, mps.NewRankSet(mps.RankWeak), reused.RankSet(), "a freelist segment is reassigned to the new buffer's rank set")
	_ = segAfterF2
}

func TestBufferEmptyPadsUnusedTail(t *testing.T) {
	pool, _, heap := newFixture(t, 0x5000)
	buf := mps.NewBuffer(pool, mps.NewRankSet(mps.RankExact))
	require.NoError(t, buf.Fill(alignment))

	allocObject(t, buf, heap)
	init := buf.Init()
	limit := buf.Limit()

	buf.Empty()
	assert.True(t, heap.IsPad(init), "the unused tail [init,limit) is padded on empty")
	assert.Equal(t, mps.BufferReset, buf.State())
	_ = limit
}
