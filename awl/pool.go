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

package awl

import (
	"github.com/grailbio/base/log"

	"github.com/Hamid-Mansha2/mps/mps"
)

// defaultSegSALimit and defaultTotalSALimit bound the single-access
// optimisation absent an explicit Config override.
const (
	defaultSegSALimit   = 3
	defaultTotalSALimit = 64
)

// Config holds the construction-time parameters of an AWL pool. Unlike ams,
// an AWL pool is not fixed to one rank set: each buffer names its own rank
// set, and BufferFill creates same-rank segments on demand — "never mixed"
// is a per-segment invariant, not a per-pool one.
type Config struct {
	Alignment mps.Size
	Gen       mps.GenParams

	// FindDependent looks up an object's dependent object, for weak-hashtable
	// semantics. Nil means no object has a dependent.
	FindDependent func(obj mps.Addr) mps.Addr

	// SegSALimit and TotalSALimit bound the single-access optimisation. Zero
	// selects the package default.
	SegSALimit   int
	TotalSALimit int
}

// Stats is the AWL pool's observational single-access statistics band.
// Correctness does not depend on it.
type Stats struct {
	GoodScans     int
	BadScans      int
	SavedScans    int
	SavedAccesses int
	Declined      int
}

// Pool is the AWL pool class.
type Pool struct {
	mps.Base

	cfg    Config
	arena  mps.Arena
	shield mps.Shield
	format mps.Format
	gen    *mps.PoolGen
	alloc  mps.RangeAllocator

	segs []*Seg

	succAccesses int
	stats        Stats
}

// NewPool constructs an AWL pool bound to arena, shield, and format. shield
// brackets the dependent-object exposure during scan.
func NewPool(name string, arena mps.Arena, shield mps.Shield, format mps.Format, alloc mps.RangeAllocator, cfg Config) *Pool {
	if cfg.SegSALimit == 0 {
		cfg.SegSALimit = defaultSegSALimit
	}
	if cfg.TotalSALimit == 0 {
		cfg.TotalSALimit = defaultTotalSALimit
	}
	if cfg.FindDependent == nil {
		cfg.FindDependent = func(mps.Addr) mps.Addr { return 0 }
	}
	return &Pool{
		Base:   mps.Base{PoolName: name},
		cfg:    cfg,
		arena:  arena,
		shield: shield,
		format: format,
		alloc:  alloc,
		gen:    mps.NewPoolGen(name, cfg.Gen),
	}
}

func (p *Pool) Gen() *mps.PoolGen { return p.gen }
func (p *Pool) Stats() Stats      { return p.stats }

// Segs returns the pool's current segment set, for the same enumeration
// need documented on ams.Pool.Segs.
func (p *Pool) Segs() []mps.SegRef {
	out := make([]mps.SegRef, len(p.segs))
	for i, s := range p.segs {
		out[i] = s
	}
	return out
}

func (p *Pool) createSeg(size mps.Size, rankSet mps.RankSet) (*Seg, error) {
	segSize := p.arena.AlignUp(size)
	base, limit, err := p.alloc(segSize)
	if err != nil {
		return nil, mps.E(mps.KindMemory, err, "awl: segment allocation failed")
	}
	seg := NewSeg(base, limit, p.cfg.Alignment, rankSet)
	p.segs = append(p.segs, seg)
	log.Debug.Printf("awl %s: created segment [%x,%x) grains=%d rankSet=%v", p.PoolName, base, limit, seg.Grains(), rankSet)
	return seg, nil
}

// BufferFill searches existing unbuffered same-rank segments with a
// whole-table FindLongResRange, else creates a new segment.
func (p *Pool) BufferFill(buf *mps.Buffer, size mps.Size) (mps.Addr, mps.Addr, error) {
	if size == 0 {
		return 0, 0, mps.E(mps.KindParam, "awl: BufferFill size must be > 0")
	}
	grainsNeeded := int((size + p.cfg.Alignment - 1) / p.cfg.Alignment)

	for _, seg := range p.segs {
		if seg.buffer != nil || seg.RankSet() != buf.RankSet() {
			continue
		}
		if seg.freeGrains < grainsNeeded {
			continue
		}
		i, j, found := seg.alloc.FindLongResRange(0, seg.Grains(), grainsNeeded)
		if !found {
			continue
		}
		p.commitBufferRange(seg, buf, i, j)
		return seg.AddrOfIndex(mps.Index(i), p.cfg.Alignment),
			seg.AddrOfIndex(mps.Index(j), p.cfg.Alignment), nil
	}

	seg, err := p.createSeg(mps.Size(grainsNeeded)*p.cfg.Alignment, buf.RankSet())
	if err != nil {
		return 0, 0, err
	}
	i, j, found := seg.alloc.FindLongResRange(0, seg.Grains(), grainsNeeded)
	if !found {
		return 0, 0, mps.Errorf(mps.KindMemory, "awl: freshly created segment too small for request")
	}
	p.commitBufferRange(seg, buf, i, j)
	return seg.AddrOfIndex(mps.Index(i), p.cfg.Alignment),
		seg.AddrOfIndex(mps.Index(j), p.cfg.Alignment), nil
}

// commitBufferRange marks [i,j) allocated and black: objects are allocated
// black in this pool class.
func (p *Pool) commitBufferRange(seg *Seg, buf *mps.Buffer, i, j int) {
	seg.alloc.SetRange(i, j)
	seg.mark.SetRange(i, j)
	seg.scanned.SetRange(i, j)
	n := j - i
	seg.freeGrains -= n
	seg.bufferedGrains += n
	seg.checkPartition()
	seg.buffer = buf
	buf.AttachSeg(seg)
	p.gen.AccrueAlloc(mps.Size(n) * p.cfg.Alignment)
}

// BufferEmpty implements the Buffer empty step.
func (p *Pool) BufferEmpty(buf *mps.Buffer, init, limit mps.Addr) {
	segRef, ok := buf.Seg()
	if !ok {
		return
	}
	seg := segRef.(*Seg)
	i := int(seg.IndexOfAddr(init, p.cfg.Alignment))
	j := int(seg.IndexOfAddr(limit, p.cfg.Alignment))
	if i < j {
		seg.alloc.ResetRange(i, j)
	}
	unused := j - i
	used := seg.bufferedGrains - unused
	seg.freeGrains += unused
	seg.bufferedGrains = 0
	seg.newGrains += used
	seg.checkPartition()
	seg.buffer = nil
	p.gen.AccrueFree(mps.Size(unused) * p.cfg.Alignment)
}

// Whiten implements the Whiten (condemn) step.
func (p *Pool) Whiten(trace mps.TraceID, segRef mps.SegRef) error {
	seg := segRef.(*Seg)
	if !seg.White().IsEmpty() {
		return mps.Errorf(mps.KindParam, "awl: Whiten: segment already white")
	}

	var uncondemned int
	if seg.buffer == nil {
		seg.whitenRange(0, seg.Grains())
	} else {
		scanLimitIdx := int(seg.IndexOfAddr(seg.buffer.ScanLimit(), p.cfg.Alignment))
		limitIdx := int(seg.IndexOfAddr(seg.buffer.Limit(), p.cfg.Alignment))
		seg.whitenRange(0, scanLimitIdx)
		seg.whitenRange(limitIdx, seg.Grains())
		uncondemned = limitIdx - scanLimitIdx
	}

	agedGrains := seg.bufferedGrains - uncondemned
	if agedGrains < 0 {
		agedGrains = 0
	}
	seg.oldGrains += agedGrains + seg.newGrains
	seg.bufferedGrains = uncondemned
	seg.newGrains = 0
	seg.checkPartition()

	if seg.oldGrains > 0 {
		seg.SetWhite(seg.White().Add(trace))
	}
	return nil
}

// Grey implements the Grey step.
func (p *Pool) Grey(trace mps.TraceID, segRef mps.SegRef) {
	seg := segRef.(*Seg)
	if seg.White().Contains(trace) {
		return
	}
	seg.SetGrey(seg.Grey().Add(trace))
	if seg.buffer == nil {
		seg.greyRange(0, seg.Grains())
		return
	}
	scanLimitIdx := int(seg.IndexOfAddr(seg.buffer.ScanLimit(), p.cfg.Alignment))
	limitIdx := int(seg.IndexOfAddr(seg.buffer.Limit(), p.cfg.Alignment))
	seg.greyRange(0, scanLimitIdx)
	seg.greyRange(limitIdx, seg.Grains())
}

// Blacken implements the Blacken step: mark the whole segment scanned,
// unconditionally.
func (p *Pool) Blacken(traces mps.TraceSet, segRef mps.SegRef) {
	seg := segRef.(*Seg)
	seg.scanned.SetRange(0, seg.Grains())
}

// scanObject scans one object, exposing its dependent object (if any) with
// a forced UNIV summary around the scan.
func (p *Pool) scanObject(ss *mps.ScanState, base, limit mps.Addr) error {
	dep := p.cfg.FindDependent(base)
	var depSeg mps.SegRef
	hasDep := false
	if dep != 0 {
		depSeg, hasDep = p.arena.SegOfAddr(dep)
	}
	if hasDep {
		p.shield.Expose(depSeg)
		depSeg.SetSummary(mps.ZoneSetUniv)
	}
	err := p.format.Scan(ss, base, limit)
	if hasDep {
		p.shield.Cover(depSeg)
	}
	return err
}

// scanSinglePass makes one pass over the segment (skipping the buffered
// region), scanning every object if scanAllObjects, else only unscanned
// marked objects.
func (p *Pool) scanSinglePass(ss *mps.ScanState, seg *Seg, scanAllObjects bool) (anyScanned bool, err error) {
	base, limit := seg.Base(), seg.Limit()
	bufScanLimit := limit
	if seg.buffer != nil && seg.buffer.ScanLimit() != seg.buffer.Limit() {
		bufScanLimit = seg.buffer.ScanLimit()
	}

	addr := base
	for addr < limit {
		if seg.buffer != nil && addr == bufScanLimit && bufScanLimit != limit {
			addr = seg.buffer.Limit()
			continue
		}
		i := int(seg.IndexOfAddr(addr, p.cfg.Alignment))
		if !seg.alloc.Get(i) {
			addr += mps.Addr(p.cfg.Alignment)
			continue
		}
		next := p.format.Skip(addr)
		if scanAllObjects || (seg.mark.Get(i) && !seg.scanned.Get(i)) {
			ss.FixRef = func(rank mps.Rank, refIO *mps.Addr) error {
				return p.fixRefOnSeg(ss, seg, rank, refIO)
			}
			if err := p.scanObject(ss, addr, next); err != nil {
				return false, err
			}
			anyScanned = true
			seg.scanned.Set(i)
		}
		addr = next
	}
	return anyScanned, nil
}

// Scan implements the Scan pass step.
func (p *Pool) Scan(ss *mps.ScanState, segRef mps.SegRef) (total bool, err error) {
	seg := segRef.(*Seg)
	scanAllObjects := !ss.Traces.IsSubset(seg.White())

	for {
		anyScanned, err := p.scanSinglePass(ss, seg, scanAllObjects)
		if err != nil {
			return false, err
		}
		if scanAllObjects || !anyScanned {
			break
		}
	}
	p.noteScan(seg, ss.Rank)
	return scanAllObjects, nil
}

// noteScan updates the statistics band when this segment carries weak
// references.
func (p *Pool) noteScan(seg *Seg, rank mps.Rank) {
	weak := mps.NewRankSet(mps.RankWeak)
	if seg.RankSet() != weak {
		return
	}
	if rank == mps.RankWeak {
		p.stats.GoodScans++
		if seg.singleAccesses > 0 {
			p.stats.SavedScans++
			p.stats.SavedAccesses += seg.singleAccesses
		}
	} else {
		p.stats.BadScans++
	}
	seg.singleAccesses = 0
	seg.sameAccesses = 0
	seg.lastAccess = 0
}

// Fix implements the Fix step.
func (p *Pool) Fix(ss *mps.ScanState, segRef mps.SegRef, refIO *mps.Addr) error {
	seg := segRef.(*Seg)
	return p.fixRefOnSeg(ss, seg, ss.Rank, refIO)
}

func (p *Pool) fixRefOnSeg(ss *mps.ScanState, seg *Seg, rank mps.Rank, refIO *mps.Addr) error {
	clientRef := *refIO
	base := clientRef - mps.Addr(p.format.HeaderSize())
	if base < seg.Base() {
		return nil
	}
	i := int(seg.IndexOfAddr(base, p.cfg.Alignment))
	if i >= seg.Grains() {
		return nil
	}

	switch rank {
	case mps.RankAmbig:
		if mps.Size(base-seg.Base())%p.cfg.Alignment != 0 || !seg.alloc.Get(i) {
			return nil
		}
		fallthrough
	case mps.RankExact, mps.RankFinal, mps.RankWeak:
		if !seg.mark.Get(i) {
			if rank == mps.RankWeak {
				*refIO = 0
			} else {
				seg.mark.Set(i)
				seg.SetGrey(seg.Grey().Union(ss.Traces))
			}
		}
	}
	return nil
}

// Reclaim implements the Reclaim step.
func (p *Pool) Reclaim(trace mps.TraceID, segRef mps.SegRef) {
	seg := segRef.(*Seg)
	reclaimed := 0
	survived := 0

	i := 0
	for i < seg.Grains() {
		if !seg.alloc.Get(i) {
			i++
			continue
		}
		addr := seg.AddrOfIndex(mps.Index(i), p.cfg.Alignment)
		if seg.buffer != nil && addr == seg.buffer.ScanLimit() && seg.buffer.ScanLimit() != seg.buffer.Limit() {
			i = int(seg.IndexOfAddr(seg.buffer.Limit(), p.cfg.Alignment))
			continue
		}
		next := p.format.Skip(addr)
		j := int(seg.IndexOfAddr(next, p.cfg.Alignment))

		if seg.mark.Get(i) {
			if !seg.scanned.Get(i) {
				panic("awl: Reclaim: marked grain never scanned")
			}
			seg.mark.SetRange(i, j)
			seg.scanned.SetRange(i, j)
			survived += j - i
		} else {
			seg.mark.ResetRange(i, j)
			seg.scanned.SetRange(i, j)
			seg.alloc.ResetRange(i, j)
			reclaimed += j - i
		}
		i = j
	}

	seg.oldGrains -= reclaimed
	if seg.oldGrains < 0 {
		seg.oldGrains = 0
	}
	seg.freeGrains += reclaimed
	seg.SetWhite(seg.White().Remove(trace))
	seg.checkPartition()

	p.gen.RecordCollection(mps.Size(survived)*p.cfg.Alignment, mps.Size(reclaimed)*p.cfg.Alignment)
	p.gen.AccrueFree(mps.Size(reclaimed) * p.cfg.Alignment)

	if seg.freeGrains == seg.Grains() && seg.buffer == nil {
		p.releaseSeg(seg)
	}
}

func (p *Pool) releaseSeg(seg *Seg) {
	for idx, s := range p.segs {
		if s == seg {
			p.segs = append(p.segs[:idx], p.segs[idx+1:]...)
			break
		}
	}
	log.Debug.Printf("awl %s: released empty segment [%x,%x)", p.PoolName, seg.Base(), seg.Limit())
}

// CanTrySingleAccess implements the single-access optimisation's decision
// function. flippedRank is the rank band of the trace currently flipped
// (the caller, normally the shield/barrier handler, knows this; it is out
// of scope here).
func (p *Pool) CanTrySingleAccess(seg *Seg, flippedRank mps.Rank) bool {
	weak := mps.NewRankSet(mps.RankWeak)
	if seg.RankSet() != weak {
		return false
	}
	if p.arena.FlippedTraces().IsEmpty() {
		return false
	}
	if flippedRank == mps.RankWeak {
		return false
	}
	if seg.singleAccesses >= p.cfg.SegSALimit {
		p.stats.Declined++
		return false
	}
	if p.succAccesses >= p.cfg.TotalSALimit {
		p.stats.Declined++
		return false
	}
	return true
}

// NoteSingleAccess records a successful single-reference access.
func (p *Pool) NoteSingleAccess(seg *Seg, addr mps.Addr) {
	seg.singleAccesses++
	if addr == seg.lastAccess {
		seg.sameAccesses++
	}
	seg.lastAccess = addr
	p.succAccesses++
}

// NoteSegAccess records a full-segment access, resetting the successive
// single-access counter.
func (p *Pool) NoteSegAccess() { p.succAccesses = 0 }

// Access is the Pool interface's barrier handler. The interface surface
// carries no trace/rank context into a bare access, so this conservative
// implementation always greys the whole segment; the single-reference fast
// path (CanTrySingleAccess/NoteSingleAccess) is a capability the shield
// integration invokes directly once it has a ScanState for the in-progress
// trace, not through this method.
func (p *Pool) Access(segRef mps.SegRef, addr mps.Addr, mode mps.AccessMode) error {
	seg := segRef.(*Seg)
	p.NoteSegAccess()
	for id := mps.TraceID(0); id < 32; id++ {
		if seg.White().Contains(id) {
			p.Grey(id, seg)
		}
	}
	return nil
}

// Walk implements the Heap walk step for one AWL segment.
func (p *Pool) Walk(segRef mps.SegRef, visitor mps.ObjectVisitor) error {
	seg := segRef.(*Seg)
	addr := seg.Base()
	limit := seg.Limit()
	for addr < limit {
		if seg.buffer != nil && addr == seg.buffer.Init() && seg.buffer.Init() != seg.buffer.Limit() {
			addr = seg.buffer.Limit()
			continue
		}
		i := int(seg.IndexOfAddr(addr, p.cfg.Alignment))
		if !seg.alloc.Get(i) {
			addr += mps.Addr(p.cfg.Alignment)
			continue
		}
		next := p.format.Skip(addr)
		if seg.mark.Get(i) && seg.scanned.Get(i) {
			visitor(addr)
		}
		addr = next
	}
	return nil
}

func (p *Pool) TotalSize() mps.Size { return p.gen.TotalSize() }
func (p *Pool) FreeSize() mps.Size  { return p.gen.FreeSize() }

func (p *Pool) Finish() { p.segs = nil }
