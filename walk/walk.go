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

// Package walk implements the three whole-heap traversals: a heap walk
// (every live object, shield-bracketed, driven through each pool's own Walk
// method), a root walk (every reference a root table holds, driven through a
// sacrificial non-recursing fix), and a pool walk (every formatted object in
// one pool, without tracing). It is grounded on
// _examples/original_source/code/walk.c's
// ArenaFormattedObjectsWalk/RootsWalk/PoolWalk trio.
package walk

import (
	"github.com/Hamid-Mansha2/mps/mps"
)

// PoolBinding names one pool and the segments it currently owns, since
// mps.Arena has no segment-enumeration hook of its own — only SegOfAddr, a
// single-address lookup. The caller (the arena's real owner, or a test
// fixture) is the one place that actually knows the full segment set, so
// HeapWalk takes it as an explicit argument rather than reaching back into
// Arena for it.
type PoolBinding struct {
	Pool mps.Pool
	Segs []mps.SegRef
}

// HeapWalk implements the heap walk step: the arena must be parked; every
// segment of every bound pool is shield-exposed, walked (invoking visitor
// once per live object), then covered.
func HeapWalk(arena mps.Arena, shield mps.Shield, pools []PoolBinding, visitor mps.ObjectVisitor) error {
	if !arena.Clamped() {
		return mps.Errorf(mps.KindParam, "walk: HeapWalk requires a parked (clamped) arena")
	}
	for _, pb := range pools {
		for _, seg := range pb.Segs {
			if err := walkOneSeg(shield, pb.Pool, seg, visitor); err != nil {
				return err
			}
		}
	}
	return nil
}

func walkOneSeg(shield mps.Shield, pool mps.Pool, seg mps.SegRef, visitor mps.ObjectVisitor) error {
	shield.Expose(seg)
	err := pool.Walk(seg, visitor)
	shield.Cover(seg)
	return err
}

// Root is a root table entry: a rank and the scan function that hands every
// reference it holds to ss.FixRef. This is the minimal surface walk needs
// from a "root" — the rest of a root's identity is out of scope beyond the
// interface it presents.
type Root struct {
	Rank Rank
	Scan func(ss *mps.ScanState) error
}

// Rank aliases mps.Rank so callers of this package need not import mps just
// to build a Root.
type Rank = mps.Rank

// sacrificialTrace is the TraceID RootWalk synthesises to drive roots
// through a scan pass; it is never registered with a real arena/trace
// controller, so its numeric value is arbitrary as long as it is consistent
// within one RootWalk call.
const sacrificialTrace mps.TraceID = 0

// RootWalk implements the root walk step: synthesises a sacrificial trace
// with white = ZoneSet::UNIV, then drives roots through rank levels
// RankMin..RankLimit using walkNoFix — a fix function that never recurses
// into the collector's colour machinery, it simply hands the reference to
// visitor. Requires the arena to be parked.
func RootWalk(arena mps.Arena, roots []Root, visitor mps.ObjectVisitor) error {
	if !arena.Clamped() || !arena.BusyTraces().IsEmpty() {
		return mps.Errorf(mps.KindParam, "walk: RootWalk requires a parked arena with no busy traces")
	}
	ss := &mps.ScanState{
		Traces: mps.NewTraceSet(sacrificialTrace),
		Arena:  arena,
		Zone:   mps.ZoneSetUniv,
	}
	ss.FixRef = walkNoFix(visitor)
	for rank := mps.RankMin; rank < mps.RankLimit; rank++ {
		ss.Rank = rank
		for _, r := range roots {
			if r.Rank != rank {
				continue
			}
			if err := r.Scan(ss); err != nil {
				return err
			}
		}
	}
	return nil
}

// walkNoFix is the fix function RootWalk installs on the scan state: it
// reports the reference to visitor and otherwise does nothing — no greying,
// no white-table consultation, no recursion into a pool's own Fix.
func walkNoFix(visitor mps.ObjectVisitor) func(rank mps.Rank, refIO *mps.Addr) error {
	return func(rank mps.Rank, refIO *mps.Addr) error {
		if *refIO != 0 {
			visitor(*refIO)
		}
		return nil
	}
}

// PoolWalk implements the pool walk step: walk every formatted object in one
// pool's segments without tracing. Unlike HeapWalk, this does not require a
// parked arena or a shield bracket — a pool's own Walk method (ams.Pool.Walk,
// awl.Pool.Walk, snc.Pool.Walk) already never invokes Fix, so there is no
// colour machinery to protect against re-entrant barrier faults here.
func PoolWalk(pool mps.Pool, segs []mps.SegRef, visitor mps.ObjectVisitor) error {
	for _, seg := range segs {
		if err := pool.Walk(seg, visitor); err != nil {
			return err
		}
	}
	return nil
}
