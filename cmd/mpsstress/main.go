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
package main

/*
mpsstress drives the AMS pool class through repeated whiten/scan/fix/reclaim
cycles over a pool of exact and ambiguous roots, until a configured number
of collections have completed. It is grounded on
_examples/original_source/code/amcss.c, reshaped into the driver loop the
rest of the core's tests already exercise (mpstest's fake arena/shield),
and on cmd/bio-pileup/main.go's flag/Usage/grail.Init shape.
*/

import (
	"flag"
	"fmt"
	"math/rand"
	"os"

	"github.com/grailbio/base/grail"
	"github.com/grailbio/base/log"

	"github.com/Hamid-Mansha2/mps/ams"
	"github.com/Hamid-Mansha2/mps/mps"
	"github.com/Hamid-Mansha2/mps/mpstest"
	"github.com/Hamid-Mansha2/mps/walk"
)

var (
	scale          = flag.Int("scale", 4, "Overall scale factor for object lengths")
	exactRootCount = flag.Int("exact-roots", 180, "Number of exact roots")
	ambigRootCount = flag.Int("ambig-roots", 50, "Number of ambiguous roots")
	gen1Size       = flag.Uint64("gen1-size", 20, "First generation capacity (grains)")
	gen2Size       = flag.Uint64("gen2-size", 85, "Second generation capacity (grains)")
	collections    = flag.Int("collections", 37, "Number of collections to run before exiting")
	seed           = flag.Int64("seed", 1, "PRNG seed")
	alignment      = flag.Uint64("alignment", 8, "Pool grain size, in bytes")
)

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: %s [OPTIONS]\n", os.Args[0])
	flag.PrintDefaults()
}

func main() {
	flag.Usage = usage
	flag.Parse()
	shutdown := grail.Init()
	defer shutdown()

	rng := rand.New(rand.NewSource(*seed))
	align := mps.Size(*alignment)

	arena := mpstest.NewArena(mps.Size(256) * align)
	shield := mpstest.NewShield()
	heap := mpstest.NewHeap()
	format := &mpstest.Format{Heap: heap, Align: align, ScanRank: mps.RankExact}
	allocRange := mpstest.SequentialAllocator(mps.Addr(align))

	// Two generations chained by capacity: this driver collects whenever the
	// combined live set reaches gen1's or gen2's capacity; both run the same
	// collection of the buffer's current segment. ams.Pool
	// itself only accrues into one mps.PoolGen (generation accounting is the
	// pool's own, not a chain the core machinery walks), so the chain here
	// is the driver's own bookkeeping over that one PoolGen, exactly as
	// amcss.c's testChain configures the pool it creates rather than
	// iterating generations itself.
	pool := ams.NewPool("mpsstress", arena, format, allocRange, ams.Config{
		Alignment:        align,
		RankSet:          mps.NewRankSet(mps.RankExact),
		SupportAmbiguous: true,
		Gen: mps.GenParams{
			Capacity:  mps.Size(*gen1Size) * align,
			Mortality: 0.85,
		},
	})
	gen2Cap := mps.Size(*gen2Size) * align

	buf := mps.NewBuffer(pool, mps.NewRankSet(mps.RankExact))
	if err := buf.Fill(align * 64); err != nil {
		log.Fatalf("mpsstress: initial buffer fill: %v", err)
	}

	exactRoots := make([]mps.Addr, *exactRootCount)
	ambigRoots := make([]mps.Addr, *ambigRootCount)
	for i := range ambigRoots {
		// Ambiguous roots start as noise; fix must ignore anything that isn't
		// a grain-aligned allocated address, which these almost never are.
		ambigRoots[i] = mps.Addr(rng.Uint64())
	}

	var traceID mps.TraceID
	nCollsStart, nCollsDone := 0, 0
	objs := 0

	makeObj := func(rootsCount int) mps.Addr {
		length := rng.Intn(int(*scale)*3 + 1)
		size := align * mps.Size(length+1)
		addr, err := buf.Reserve(size)
		if mps.IsFail(err) {
			if emptyErr := buf.Fill(align * 64); emptyErr != nil {
				log.Fatalf("mpsstress: buffer fill: %v", emptyErr)
			}
			addr, err = buf.Reserve(size)
		}
		if err != nil {
			log.Fatalf("mpsstress: reserve: %v", err)
		}
		refs := make([]mps.Addr, length)
		for i := range refs {
			if rootsCount == 0 {
				break
			}
			refs[i] = exactRoots[rng.Intn(rootsCount)]
		}
		heap.PutObject(addr, addr+mps.Addr(size), refs)
		ok, err := buf.Commit(addr, size)
		if err != nil {
			log.Fatalf("mpsstress: commit: %v", err)
		}
		if !ok {
			// Buffer was trapped by a trace flip since Reserve; the caller
			// must retry the whole reserve/commit pair. The next call to
			// makeObj does this.
			return 0
		}
		objs++
		return addr
	}

	runCollection := func() {
		segRef, ok := buf.Seg()
		if !ok {
			return
		}
		buf.AdvanceScanLimit()
		arena.StartTrace(traceID)
		nCollsStart++
		if err := pool.Whiten(traceID, segRef); err != nil {
			log.Fatalf("mpsstress: whiten: %v", err)
		}
		arena.Flip(traceID)

		ss := &mps.ScanState{
			Traces: mps.NewTraceSet(traceID),
			Arena:  arena,
			Zone:   mps.ZoneSetUniv,
			Rank:   mps.RankExact,
		}
		for i := range exactRoots {
			if err := pool.Fix(ss, segRef, &exactRoots[i]); err != nil {
				log.Fatalf("mpsstress: fix(exact): %v", err)
			}
		}
		ss.Rank = mps.RankAmbig
		for i := range ambigRoots {
			if err := pool.Fix(ss, segRef, &ambigRoots[i]); err != nil {
				log.Fatalf("mpsstress: fix(ambig): %v", err)
			}
		}
		ss.Rank = mps.RankExact
		if _, err := pool.Scan(ss, segRef); err != nil {
			log.Fatalf("mpsstress: scan: %v", err)
		}

		pool.Reclaim(traceID, segRef)
		arena.FinishTrace(traceID)
		traceID++
		nCollsDone++

		log.Debug.Printf("mpsstress: collection %d done, %d objects allocated so far", nCollsDone, objs)
	}

	registerCurrentSeg := func() {
		if segRef, ok := buf.Seg(); ok {
			arena.RegisterSeg(segRef)
		}
	}

	checkRoots := func() {
		registerCurrentSeg()
		for i, r := range exactRoots {
			if r == 0 {
				continue
			}
			if _, ok := arena.SegOfAddr(r); !ok {
				log.Fatalf("mpsstress: exact root %d at %x not in arena after collection", i, r)
			}
		}
		if _, ok := arena.SegOfAddr(0); ok {
			log.Fatalf("mpsstress: arena_has_addr(NULL) must be false")
		}
	}

	walkParity := func() {
		segRef, ok := buf.Seg()
		if !ok {
			return
		}
		segs := []mps.SegRef{segRef}
		var heapCount, poolCount int
		if err := walk.HeapWalk(arena, shield, []walk.PoolBinding{{Pool: pool, Segs: segs}},
			func(mps.Addr) { heapCount++ }); err != nil {
			log.Fatalf("mpsstress: heap walk: %v", err)
		}
		if err := walk.PoolWalk(pool, segs, func(mps.Addr) { poolCount++ }); err != nil {
			log.Fatalf("mpsstress: pool walk: %v", err)
		}
		if heapCount != poolCount {
			log.Fatalf("mpsstress: heap walk saw %d objects, pool walk saw %d", heapCount, poolCount)
		}
		log.Printf("mpsstress: midpoint park: heap walk and pool walk agree on %d objects", heapCount)
	}

	registerCurrentSeg()

	for nCollsDone < *collections {
		rootsCount := *exactRootCount
		addr := makeObj(rootsCount)
		if addr != 0 {
			exactRoots[rng.Intn(*exactRootCount)] = addr
		}

		live := pool.Gen().TotalSize() - pool.Gen().FreeSize()
		switch {
		case live >= gen2Cap:
			runCollection()
			checkRoots()
		case live >= pool.Gen().Params.Capacity:
			runCollection()
			checkRoots()
		}

		if nCollsDone == *collections/2 {
			walkParity()
		}
	}

	log.Printf("mpsstress: finished after %d objects, %d collections started, %d finished",
		objs, nCollsStart, nCollsDone)
}
