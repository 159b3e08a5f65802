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

package walk_test

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/grailbio/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Hamid-Mansha2/mps/ams"
	"github.com/Hamid-Mansha2/mps/mps"
	"github.com/Hamid-Mansha2/mps/mpstest"
	"github.com/Hamid-Mansha2/mps/walk"
)

const alignment = mps.Size(8)

func addrs(xs ...mps.Addr) []mps.Addr {
	sort.Slice(xs, func(i, j int) bool { return xs[i] < xs[j] })
	return xs
}

func TestHeapWalkAndPoolWalkAgree(t *testing.T) {
	arena := mpstest.NewArena(256)
	shield := mpstest.NewShield()
	heap := mpstest.NewHeap()
	format := &mpstest.Format{Heap: heap, Align: alignment, ScanRank: mps.RankExact}
	alloc := mpstest.SequentialAllocator(0x1000)
	pool := ams.NewPool("walktest", arena, format, alloc, ams.Config{
		Alignment: alignment,
		RankSet:   mps.NewRankSet(mps.RankExact),
	})

	buf := mps.NewBuffer(pool, mps.NewRankSet(mps.RankExact))
	require.NoError(t, buf.Fill(alignment*4))

	var want []mps.Addr
	for i := 0; i < 3; i++ {
		a, err := buf.Reserve(alignment)
		require.NoError(t, err)
		heap.PutObject(a, a+mps.Addr(alignment), nil)
		ok, err := buf.Commit(a, alignment)
		require.NoError(t, err)
		require.True(t, ok)
		want = append(want, a)
	}

	segRef, ok := buf.Seg()
	require.True(t, ok)
	arena.RegisterSeg(segRef)

	var gotHeap []mps.Addr
	err := walk.HeapWalk(arena, shield, []walk.PoolBinding{{Pool: pool, Segs: []mps.SegRef{segRef}}},
		func(obj mps.Addr) { gotHeap = append(gotHeap, obj) })
	require.NoError(t, err)
	assert.False(t, shield.AnyExposed(), "HeapWalk must cover every segment it exposes")
	assert.Equal(t, addrs(want...), addrs(gotHeap...))

	var gotPool []mps.Addr
	err = walk.PoolWalk(pool, []mps.SegRef{segRef}, func(obj mps.Addr) { gotPool = append(gotPool, obj) })
	require.NoError(t, err)
	assert.Equal(t, addrs(want...), addrs(gotPool...), "heap walk and pool walk see the same object set")
}

// TestHeapWalkGoldenDump exercises a heap-dump round trip: walk the heap,
// write the visited addresses to a file in a scratch directory, then read
// that dump back and check it against the set HeapWalk actually visited.
// This is the tempdir-write/read-back shape markduplicates.RunTestCases
// uses for its BAM/PAM output checks, adapted to a plain text address dump
// since this package owns no serialization format of its own.
func TestHeapWalkGoldenDump(t *testing.T) {
	arena := mpstest.NewArena(256)
	shield := mpstest.NewShield()
	heap := mpstest.NewHeap()
	format := &mpstest.Format{Heap: heap, Align: alignment, ScanRank: mps.RankExact}
	alloc := mpstest.SequentialAllocator(0x6000)
	pool := ams.NewPool("walkdump", arena, format, alloc, ams.Config{
		Alignment: alignment,
		RankSet:   mps.NewRankSet(mps.RankExact),
	})

	buf := mps.NewBuffer(pool, mps.NewRankSet(mps.RankExact))
	require.NoError(t, buf.Fill(alignment*4))

	var want []mps.Addr
	for i := 0; i < 4; i++ {
		a, err := buf.Reserve(alignment)
		require.NoError(t, err)
		heap.PutObject(a, a+mps.Addr(alignment), nil)
		ok, err := buf.Commit(a, alignment)
		require.NoError(t, err)
		require.True(t, ok)
		want = append(want, a)
	}

	segRef, ok := buf.Seg()
	require.True(t, ok)
	arena.RegisterSeg(segRef)

	dir, cleanup := testutil.TempDir(t, "", "walkdump")
	defer cleanup()
	dumpPath := filepath.Join(dir, "heap.dump")

	dumpFile, err := os.Create(dumpPath)
	require.NoError(t, err)
	w := bufio.NewWriter(dumpFile)
	err = walk.HeapWalk(arena, shield, []walk.PoolBinding{{Pool: pool, Segs: []mps.SegRef{segRef}}},
		func(obj mps.Addr) { fmt.Fprintf(w, "%#x\n", obj) })
	require.NoError(t, err)
	require.NoError(t, w.Flush())
	require.NoError(t, dumpFile.Close())

	dumped, err := readDumpedAddrs(dumpPath)
	require.NoError(t, err)
	assert.Equal(t, addrs(want...), addrs(dumped...), "the scratch-directory dump must list exactly the objects HeapWalk visited")
}

// readDumpedAddrs reads back a dump written by TestHeapWalkGoldenDump, one
// hex address per line.
func readDumpedAddrs(path string) ([]mps.Addr, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []mps.Addr
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var a uint64
		if _, err := fmt.Sscanf(scanner.Text(), "%#x", &a); err != nil {
			return nil, err
		}
		out = append(out, mps.Addr(a))
	}
	return out, scanner.Err()
}

func TestRootWalkVisitsEveryRootReference(t *testing.T) {
	arena := mpstest.NewArena(256)

	a, b := mps.Addr(0x2000), mps.Addr(0x3000)
	roots := []walk.Root{
		{Rank: mps.RankExact, Scan: func(ss *mps.ScanState) error {
			ref := a
			return ss.FixRef(mps.RankExact, &ref)
		}},
		{Rank: mps.RankAmbig, Scan: func(ss *mps.ScanState) error {
			ref := b
			return ss.FixRef(mps.RankAmbig, &ref)
		}},
	}

	var got []mps.Addr
	err := walk.RootWalk(arena, roots, func(obj mps.Addr) { got = append(got, obj) })
	require.NoError(t, err)
	assert.Equal(t, addrs(a, b), addrs(got...))
}

func TestRootWalkRejectsUnparkedArena(t *testing.T) {
	arena := mpstest.NewArena(256)
	arena.StartTrace(0)
	err := walk.RootWalk(arena, nil, func(mps.Addr) {})
	assert.Error(t, err)
}
