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
	"github.com/grailbio/base/log"

	"github.com/Hamid-Mansha2/mps/mps"
)

// Config holds the construction-time parameters of an AMS pool.
type Config struct {
	Alignment mps.Size
	RankSet   mps.RankSet
	Gen       mps.GenParams
	// SupportAmbiguous enables ambiguous-reference fixing. When false
	// (shareAllocTable), the allocation table is not trusted while the colour
	// tables are in use, and Reclaim rebuilds it from the nonwhite table; the
	// two tables are still separate storage.
	SupportAmbiguous bool
	// DebugFreeSplat, if non-nil, is written over a buffer's returned tail
	// when the pool's Format implements mps.Splatter, and logged either way,
	// mirroring the debug subclass of the original pool.
	DebugFreeSplat []byte
}

// Pool is the AMS pool class.
type Pool struct {
	mps.Base

	cfg    Config
	arena  mps.Arena
	format mps.Format
	gen    *mps.PoolGen
	alloc  mps.RangeAllocator

	shareAllocTable bool

	// segs is the pool's segment ring, searched in order by BufferFill.
	segs []*Seg
}

// NewPool constructs an AMS pool bound to arena and format. alloc provides
// fresh segment address ranges (see mps.RangeAllocator).
func NewPool(name string, arena mps.Arena, format mps.Format, alloc mps.RangeAllocator, cfg Config) *Pool {
	return &Pool{
		Base:            mps.Base{PoolName: name},
		cfg:             cfg,
		arena:           arena,
		format:          format,
		alloc:           alloc,
		gen:             mps.NewPoolGen(name, cfg.Gen),
		shareAllocTable: !cfg.SupportAmbiguous,
	}
}

func (p *Pool) Gen() *mps.PoolGen { return p.gen }

// Segs returns the pool's current segment ring, for callers (package walk,
// cmd/mpsstress) that need to enumerate every segment a pool owns — a
// capability mps.Arena deliberately doesn't expose.
func (p *Pool) Segs() []mps.SegRef {
	out := make([]mps.SegRef, len(p.segs))
	for i, s := range p.segs {
		out[i] = s
	}
	return out
}

// createSeg allocates a new segment of at least size bytes (rounded up to
// the arena's grain) and adds it to the ring.
func (p *Pool) createSeg(size mps.Size) (*Seg, error) {
	segSize := p.arena.AlignUp(size)
	base, limit, err := p.alloc(segSize)
	if err != nil {
		return nil, mps.E(mps.KindMemory, err, "ams: segment allocation failed")
	}
	seg := NewSeg(base, limit, p.cfg.Alignment, p.cfg.RankSet)
	p.segs = append(p.segs, seg)
	log.Debug.Printf("ams %s: created segment [%x,%x) grains=%d", p.PoolName, base, limit, seg.Grains())
	return seg, nil
}

// BufferFill implements the Buffer fill step.
func (p *Pool) BufferFill(buf *mps.Buffer, size mps.Size) (mps.Addr, mps.Addr, error) {
	if size == 0 {
		return 0, 0, mps.E(mps.KindParam, "ams: BufferFill size must be > 0")
	}
	grainsNeeded := int((size + p.cfg.Alignment - 1) / p.cfg.Alignment)

	for _, seg := range p.segs {
		if seg.buffer != nil {
			continue
		}
		if seg.RankSet() != buf.RankSet() {
			continue
		}
		if !seg.White().IsEmpty() || !seg.Grey().IsEmpty() {
			continue
		}
		base, limit, ok := p.findFreeRange(seg, grainsNeeded)
		if !ok {
			continue
		}
		p.commitBufferRange(seg, buf, base, limit)
		return seg.AddrOfIndex(mps.Index(base), p.cfg.Alignment),
			seg.AddrOfIndex(mps.Index(limit), p.cfg.Alignment), nil
	}

	// No existing segment satisfies; create one sized to at least the
	// request, rounded to an arena grain.
	seg, err := p.createSeg(mps.Size(grainsNeeded) * p.cfg.Alignment)
	if err != nil {
		return 0, 0, err
	}
	base, limit, ok := p.findFreeRange(seg, grainsNeeded)
	if !ok {
		return 0, 0, mps.Errorf(mps.KindMemory, "ams: freshly created segment too small for request")
	}
	p.commitBufferRange(seg, buf, base, limit)
	return seg.AddrOfIndex(mps.Index(base), p.cfg.Alignment),
		seg.AddrOfIndex(mps.Index(limit), p.cfg.Alignment), nil
}

// findFreeRange finds grainsNeeded contiguous free grains in seg, using the
// cheap firstFree cursor when possible, else BT's range search.
func (p *Pool) findFreeRange(seg *Seg, grainsNeeded int) (base, limit int, ok bool) {
	if seg.freeGrains == seg.Grains() {
		return 0, seg.Grains(), true
	}
	if !seg.allocTableInUse {
		if seg.Grains()-seg.firstFree >= grainsNeeded {
			return seg.firstFree, seg.firstFree + grainsNeeded, true
		}
		return 0, 0, false
	}
	i, j, found := seg.allocTable.FindLongResRange(0, seg.Grains(), grainsNeeded)
	if !found {
		return 0, 0, false
	}
	return i, j, true
}

// commitBufferRange marks [base,limit) allocated and attaches buf to seg.
func (p *Pool) commitBufferRange(seg *Seg, buf *mps.Buffer, base, limit int) {
	if seg.allocTableInUse {
		seg.allocTable.SetRange(base, limit)
	} else if base == seg.firstFree {
		seg.firstFree = limit
	} else {
		seg.materialiseAllocTable()
		seg.allocTable.SetRange(base, limit)
	}
	n := limit - base
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
	initIdx := int(seg.IndexOfAddr(init, p.cfg.Alignment))
	limitIdx := int(seg.IndexOfAddr(limit, p.cfg.Alignment))
	unused := limitIdx - initIdx

	if p.cfg.DebugFreeSplat != nil {
		p.splatFree(seg, initIdx, limitIdx)
	}

	switch {
	case seg.allocTableInUse:
		seg.allocTable.ResetRange(initIdx, limitIdx)
	case limitIdx == seg.firstFree:
		seg.firstFree = initIdx
	case p.shareAllocTable && seg.colourTablesInUse:
		// Left allocTable out of date here and whiten the unused tail in the
		// colour tables instead; reclaim rebuilds allocTable from
		// nonwhiteTable afterwards. Do not "simplify" this by materialising
		// allocTable, which would require allocTableInUse and
		// colourTablesInUse simultaneously (forbidden by invariant I4).
		seg.whitenRange(initIdx, limitIdx)
	default:
		seg.materialiseAllocTable()
		seg.allocTable.ResetRange(initIdx, limitIdx)
	}

	used := initIdx - int(seg.IndexOfAddr(seg.buffer.Base(), p.cfg.Alignment))
	seg.bufferedGrains = 0
	seg.freeGrains += unused
	seg.newGrains += used
	seg.checkPartition()
	p.gen.AccrueFree(mps.Size(unused) * p.cfg.Alignment)
	seg.buffer = nil
}

func (p *Pool) splatFree(seg *Seg, initIdx, limitIdx int) {
	pattern := p.cfg.DebugFreeSplat
	if len(pattern) == 0 {
		return
	}
	addr := seg.AddrOfIndex(mps.Index(initIdx), p.cfg.Alignment)
	n := mps.Size(limitIdx-initIdx) * p.cfg.Alignment
	if splatter, ok := p.format.(mps.Splatter); ok {
		splatter.Splat(addr, n, pattern)
	}
	log.Debug.Printf("ams %s: splatting free range at %x size %d", p.PoolName, addr, n)
}

// Whiten implements the Whiten (condemn) step.
func (p *Pool) Whiten(trace mps.TraceID, segRef mps.SegRef) error {
	seg := segRef.(*Seg)
	if !seg.White().IsEmpty() {
		return mps.Errorf(mps.KindParam, "ams: Whiten: segment already white")
	}
	if seg.colourTablesInUse {
		return mps.Errorf(mps.KindParam, "ams: Whiten: colour tables already in use")
	}
	seg.colourTablesInUse = true
	seg.materialiseAllocTable()
	if p.shareAllocTable {
		seg.allocTableInUse = false
	}

	var uncondemned int
	if seg.buffer == nil {
		seg.whitenRange(0, seg.Grains())
	} else {
		scanLimitIdx := int(seg.IndexOfAddr(seg.buffer.ScanLimit(), p.cfg.Alignment))
		limitIdx := int(seg.IndexOfAddr(seg.buffer.Limit(), p.cfg.Alignment))
		seg.whitenRange(0, scanLimitIdx)
		seg.blackenRange(scanLimitIdx, limitIdx)
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
		return nil
	}
	// Nothing to collect: undo the colour-table activation.
	seg.colourTablesInUse = false
	if p.shareAllocTable {
		seg.allocTableInUse = true
	}
	return nil
}

// Grey marks all non-white, non-buffer grains grey for trace.
func (p *Pool) Grey(trace mps.TraceID, segRef mps.SegRef) {
	seg := segRef.(*Seg)
	if !seg.colourTablesInUse {
		return
	}
	for i := 0; i < seg.Grains(); i++ {
		if seg.IsWhite(i) {
			seg.greyenRange(i, i+1)
		}
	}
	seg.SetGrey(seg.Grey().Add(trace))
	seg.marksChanged = true
}

// Blacken implements the Blacken step.
func (p *Pool) Blacken(traces mps.TraceSet, segRef mps.SegRef) {
	seg := segRef.(*Seg)
	if !seg.colourTablesInUse {
		return
	}
	addr := seg.Base()
	for addr < seg.Limit() {
		i := int(seg.IndexOfAddr(addr, p.cfg.Alignment))
		next := p.format.Skip(addr)
		j := int(seg.IndexOfAddr(clampAddr(next, seg.Limit()), p.cfg.Alignment))
		if seg.IsAllocated(i) && seg.IsGrey(i) {
			seg.blackenRange(i, j)
		}
		addr = next
	}
	seg.SetGrey(seg.Grey().Remove(bitOf(traces)))
}

func clampAddr(a, limit mps.Addr) mps.Addr {
	if a > limit {
		return limit
	}
	return a
}

// bitOf picks an arbitrary member of traces for removal bookkeeping; AMS
// segments are white/grey for at most one trace at a time (invariant I3), so
// Blacken is always called with a singleton set in practice.
func bitOf(traces mps.TraceSet) mps.TraceID {
	for id := mps.TraceID(0); id < 32; id++ {
		if traces.Contains(id) {
			return id
		}
	}
	return 0
}

// Scan implements the Scan step.
func (p *Pool) Scan(ss *mps.ScanState, segRef mps.SegRef) (total bool, err error) {
	seg := segRef.(*Seg)
	totalScan := !ss.Traces.IsSubset(seg.White())
	if totalScan {
		if err := p.scanAllObjects(ss, seg); err != nil {
			return false, err
		}
		return true, nil
	}

	for {
		seg.marksChanged = false
		if err := p.scanGreyRuns(ss, seg); err != nil {
			return false, err
		}
		if !seg.marksChanged {
			break
		}
		if seg.ambiguousFixes {
			// Unsound to keep using the grey-only fast path; fall back.
			if err := p.scanAllObjects(ss, seg); err != nil {
				return false, err
			}
			return true, nil
		}
	}
	return false, nil
}

func (p *Pool) scanBounds(seg *Seg) (base, limit mps.Addr) {
	base, limit = seg.Base(), seg.Limit()
	if seg.buffer != nil {
		limit = seg.buffer.ScanLimit()
	}
	return
}

func (p *Pool) scanAllObjects(ss *mps.ScanState, seg *Seg) error {
	base, limit := p.scanBounds(seg)
	return p.scanRange(ss, seg, base, limit, true)
}

func (p *Pool) scanGreyRuns(ss *mps.ScanState, seg *Seg) error {
	i := 0
	for i < seg.Grains() {
		gi, gj, found := findGreyRun(seg, i)
		if !found {
			return nil
		}
		base := seg.AddrOfIndex(mps.Index(gi), p.cfg.Alignment)
		limit := seg.AddrOfIndex(mps.Index(gj), p.cfg.Alignment)
		if err := p.scanRange(ss, seg, base, limit, true); err != nil {
			return err
		}
		i = gj
	}
	return nil
}

// findGreyRun finds the next maximal run of grey grains at or after from.
func findGreyRun(seg *Seg, from int) (i, j int, ok bool) {
	n := seg.Grains()
	for from < n && !seg.IsGrey(from) {
		from++
	}
	if from >= n {
		return 0, 0, false
	}
	to := from
	for to < n && seg.IsGrey(to) {
		to++
	}
	return from, to, true
}

// scanRange walks formatted objects in [base,limit), invoking format.Scan
// per object and blackening grey objects found.
func (p *Pool) scanRange(ss *mps.ScanState, seg *Seg, base, limit mps.Addr, blackenGrey bool) error {
	addr := base
	for addr < limit {
		i := int(seg.IndexOfAddr(addr, p.cfg.Alignment))
		next := p.format.Skip(addr)
		if next > limit {
			next = limit
		}
		j := int(seg.IndexOfAddr(clampAddr(next, seg.Limit()), p.cfg.Alignment))
		if seg.IsAllocated(i) {
			ss.FixRef = func(rank mps.Rank, refIO *mps.Addr) error {
				return p.fixRef(ss, seg, rank, refIO)
			}
			if err := p.format.Scan(ss, addr, next); err != nil {
				return err
			}
			if blackenGrey && seg.IsGrey(i) {
				seg.blackenRange(i, j)
			}
		}
		addr = next
	}
	return nil
}

// Fix implements the Fix step. The target segment (not the referring
// root/segment) is single-rank for AMS/AWL, but a root scan may present an
// ambiguous reference to an EXACT-only segment, so the rank used is always
// the scan state's current rank (ss.Rank), not the target segment's own rank.
func (p *Pool) Fix(ss *mps.ScanState, segRef mps.SegRef, refIO *mps.Addr) error {
	seg := segRef.(*Seg)
	return p.fixRefOnSeg(ss, seg, ss.Rank, refIO)
}

func (p *Pool) fixRef(ss *mps.ScanState, seg *Seg, rank mps.Rank, refIO *mps.Addr) error {
	return p.fixRefOnSeg(ss, seg, rank, refIO)
}

func (p *Pool) fixRefOnSeg(ss *mps.ScanState, seg *Seg, rank mps.Rank, refIO *mps.Addr) error {
	clientRef := *refIO
	base := clientRef - mps.Addr(p.format.HeaderSize())
	if base < seg.Base() || base >= seg.Limit() || mps.Size(base-seg.Base())%p.cfg.Alignment != 0 {
		// Not a reference into this segment at grain granularity; only
		// reachable here for ambiguous refs, which must be left alone.
		return nil
	}
	i := int(seg.IndexOfAddr(base, p.cfg.Alignment))
	if !seg.IsAllocated(i) {
		return nil
	}

	switch rank {
	case mps.RankAmbig:
		if p.shareAllocTable {
			return nil
		}
		seg.ambiguousFixes = true
		fallthrough
	case mps.RankExact, mps.RankFinal:
		if !seg.IsWhite(i) {
			return nil
		}
		if seg.RankSet().IsEmpty() && rank != mps.RankAmbig {
			next := p.format.Skip(base)
			j := int(seg.IndexOfAddr(clampAddr(next, seg.Limit()), p.cfg.Alignment))
			seg.blackenRange(i, j)
			return nil
		}
		seg.greyenRange(i, i+1)
		if tid, ok := ss.Traces.Single(); ok {
			seg.SetGrey(seg.Grey().Add(tid))
		}
		seg.marksChanged = true
		return nil
	case mps.RankWeak:
		if seg.IsWhite(i) {
			*refIO = 0
		}
		return nil
	}
	return nil
}

// Reclaim implements the Reclaim step.
func (p *Pool) Reclaim(trace mps.TraceID, segRef mps.SegRef) {
	seg := segRef.(*Seg)
	if seg.marksChanged {
		panic("ams: Reclaim called with marksChanged set")
	}
	prevFree := seg.freeGrains
	nonwhite := 0
	for i := 0; i < seg.Grains(); i++ {
		if seg.IsAllocated(i) && seg.nonwhiteTable.Get(i) {
			nonwhite++
		}
	}
	nowFree := seg.Grains() - nonwhite

	// allocTable now records exactly the survivors. We keep allocTable and
	// nonwhiteTable as separate tables rather than literally aliasing
	// storage, so "swapping back" is simply resyncing alloc from nonwhite
	// and trusting it again.
	seg.allocTable.CopyRange(seg.nonwhiteTable, 0, seg.Grains())
	seg.allocTableInUse = true
	seg.colourTablesInUse = false

	reclaimed := nowFree - prevFree
	if reclaimed < 0 {
		reclaimed = 0
	}
	seg.oldGrains -= reclaimed
	if seg.oldGrains < 0 {
		seg.oldGrains = 0
	}
	seg.freeGrains += reclaimed
	seg.SetWhite(seg.White().Remove(trace))
	seg.checkPartition()

	p.gen.RecordCollection(mps.Size(nonwhite)*p.cfg.Alignment, mps.Size(reclaimed)*p.cfg.Alignment)
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
	log.Debug.Printf("ams %s: released empty segment [%x,%x)", p.PoolName, seg.Base(), seg.Limit())
}

// Walk implements the Heap walk step for one AMS segment: visit every live
// (non-white, non-free) object.
func (p *Pool) Walk(segRef mps.SegRef, visitor mps.ObjectVisitor) error {
	seg := segRef.(*Seg)
	addr := seg.Base()
	limit := seg.Limit()
	if seg.buffer != nil {
		limit = seg.buffer.Init()
	}
	for addr < limit {
		i := int(seg.IndexOfAddr(addr, p.cfg.Alignment))
		next := p.format.Skip(addr)
		if seg.IsAllocated(i) && !(seg.colourTablesInUse && seg.IsWhite(i)) {
			visitor(addr)
		}
		addr = next
	}
	return nil
}

// Access is the barrier handler: AMS has no single-reference optimisation
// (that's AWL's trick), so any access simply greys the whole segment for
// every trace it is white for and lets the next scan pass pick it up.
func (p *Pool) Access(segRef mps.SegRef, addr mps.Addr, mode mps.AccessMode) error {
	seg := segRef.(*Seg)
	white := seg.White()
	for id := mps.TraceID(0); id < 32; id++ {
		if white.Contains(id) {
			p.Grey(id, seg)
		}
	}
	return nil
}

func (p *Pool) TotalSize() mps.Size { return p.gen.TotalSize() }
func (p *Pool) FreeSize() mps.Size  { return p.gen.FreeSize() }

func (p *Pool) Finish() {
	p.segs = nil
}
