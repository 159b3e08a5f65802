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

package snc

import (
	"github.com/grailbio/base/log"

	"github.com/Hamid-Mansha2/mps/mps"
)

// Config holds the construction-time parameters of an SNC pool.
type Config struct {
	Alignment mps.Size
	Gen       mps.GenParams
}

// Pool is the stack-no-check pool class: a LIFO stack of segments per
// buffer, bump allocation within the current segment, and deterministic
// reclamation on frame pop rather than tracing.
type Pool struct {
	mps.Base

	cfg    Config
	arena  mps.Arena
	shield mps.Shield
	format mps.Format
	alloc  mps.RangeAllocator
	gen    *mps.PoolGen

	freeSegs *Seg

	// chains maps a buffer to the head (top of stack) of its segment chain.
	// The original subclasses Buffer to hold this field directly
	// (SNCBufStruct.topseg); mps.Buffer is a single concrete type shared by
	// every pool class here, so the per-buffer extension lives in a
	// pool-side map instead.
	chains map[*mps.Buffer]*Seg
}

// NewPool constructs an SNC pool bound to arena, shield, and format.
func NewPool(name string, arena mps.Arena, shield mps.Shield, format mps.Format, alloc mps.RangeAllocator, cfg Config) *Pool {
	return &Pool{
		Base:   mps.Base{PoolName: name},
		cfg:    cfg,
		arena:  arena,
		shield: shield,
		format: format,
		alloc:  alloc,
		gen:    mps.NewPoolGen(name, cfg.Gen),
		chains: map[*mps.Buffer]*Seg{},
	}
}

func (p *Pool) Gen() *mps.PoolGen { return p.gen }

// Segs returns every segment currently attached to some buffer's chain (the
// same enumeration need documented on ams.Pool.Segs). Freelist segments are
// excluded: they hold no live objects, only a single whole-segment pad.
func (p *Pool) Segs() []mps.SegRef {
	var out []mps.SegRef
	for _, head := range p.chains {
		for s := head; s != nil; s = s.next {
			out = append(out, s)
		}
	}
	return out
}

func (p *Pool) findFreeSeg(size mps.Size) (*Seg, bool) {
	var prev *Seg
	for s := p.freeSegs; s != nil; s = s.next {
		if s.Size() >= size {
			if prev == nil {
				p.freeSegs = s.next
			} else {
				prev.next = s.next
			}
			s.next = nil
			return s, true
		}
		prev = s
	}
	return nil, false
}

func (p *Pool) createSeg(size mps.Size) (*Seg, error) {
	segSize := p.arena.AlignUp(size)
	base, limit, err := p.alloc(segSize)
	if err != nil {
		return nil, mps.E(mps.KindMemory, err, "snc: segment allocation failed")
	}
	seg := NewSeg(base, limit, p.cfg.Alignment)
	log.Debug.Printf("snc %s: created segment [%x,%x)", p.PoolName, base, limit)
	return seg, nil
}

// recordAllocatedSeg prepends seg to buf's chain (poolsnc.c's
// sncRecordAllocatedSeg).
func (p *Pool) recordAllocatedSeg(buf *mps.Buffer, seg *Seg) {
	seg.next = p.chains[buf]
	p.chains[buf] = seg
}

// recordFreeSeg strips a segment's identity and pads it whole before
// prepending it to the freelist (poolsnc.c's sncRecordFreeSeg).
func (p *Pool) recordFreeSeg(seg *Seg) {
	seg.SetGrey(mps.TraceSet(0))
	seg.SetRankSet(mps.RankSet(0))
	seg.SetSummary(mps.ZoneSetEmpty)
	seg.buffer = nil

	p.shield.Expose(seg)
	p.format.Pad(seg.Base(), seg.Size())
	p.shield.Cover(seg)

	seg.next = p.freeSegs
	p.freeSegs = seg
	p.gen.AccrueFree(seg.Size())
}

// findInChain locates the segment in buf's chain covering addr. A frame
// address is only ever meaningful relative to the buffer that produced it
// (poolsnc.c resolves this with a global SegOfAddr, but the arena here is
// specified only by the interface it presents, and that interface has no
// segment-registration hook); searching the buffer's own chain gets the
// same answer without widening Arena's surface for one caller.
func (p *Pool) findInChain(buf *mps.Buffer, addr mps.Addr) (*Seg, bool) {
	for s := p.chains[buf]; s != nil; s = s.next {
		if addr >= s.Base() && addr < s.Limit() {
			return s, true
		}
	}
	return nil, false
}

// popPartialChain releases every segment in buf's chain above upTo to the
// freelist, leaving upTo (which may be nil) as the new chain head
// (poolsnc.c's sncPopPartialSegChain).
func (p *Pool) popPartialChain(buf *mps.Buffer, upTo *Seg) {
	s := p.chains[buf]
	for s != upTo {
		next := s.next
		s.next = nil
		p.recordFreeSeg(s)
		s = next
	}
	p.chains[buf] = upTo
}

// BufferFill implements poolsnc.c's SNCBufferFill: reuse a freelist segment
// big enough for size, else allocate a fresh one, then prepend it to buf's
// chain. A reused segment's rank set and summary are reassigned to buf's,
// since freelist segments carry no identity of their own.
func (p *Pool) BufferFill(buf *mps.Buffer, size mps.Size) (mps.Addr, mps.Addr, error) {
	if size == 0 {
		return 0, 0, mps.E(mps.KindParam, "snc: BufferFill size must be > 0")
	}

	seg, ok := p.findFreeSeg(size)
	if !ok {
		var err error
		seg, err = p.createSeg(size)
		if err != nil {
			return 0, 0, err
		}
	}

	if buf.RankSet().IsEmpty() {
		seg.SetRankSet(buf.RankSet())
		seg.SetSummary(mps.ZoneSetEmpty)
	} else {
		seg.SetRankSet(buf.RankSet())
		seg.SetSummary(mps.ZoneSetUniv)
	}

	seg.buffer = buf
	buf.AttachSeg(seg)
	p.recordAllocatedSeg(buf, seg)
	p.gen.AccrueAlloc(seg.Size())
	return seg.Base(), seg.Limit(), nil
}

// BufferEmpty pads the unused tail of buf's current segment
// (poolsnc.c's sncSegBufferEmpty).
func (p *Pool) BufferEmpty(buf *mps.Buffer, init, limit mps.Addr) {
	segRef, ok := buf.Seg()
	if !ok {
		return
	}
	seg := segRef.(*Seg)
	if init < limit {
		p.shield.Expose(seg)
		p.format.Pad(init, mps.Size(limit-init))
		p.shield.Cover(seg)
	}
	seg.buffer = nil
}

// Scan walks [base,scanLimit) as a run of formatted objects, each handed to
// format individually so the same Format fake other pool classes use (one
// call per object) works here too; padding objects are skipped without
// invoking the fix machinery.
func (p *Pool) Scan(ss *mps.ScanState, segRef mps.SegRef) (bool, error) {
	seg := segRef.(*Seg)
	limit := seg.Limit()
	if seg.buffer != nil {
		limit = seg.buffer.ScanLimit()
	}

	addr := seg.Base()
	for addr < limit {
		next := p.format.Skip(addr)
		if !p.format.IsPad(addr) {
			if err := p.format.Scan(ss, addr, next); err != nil {
				return false, err
			}
		}
		addr = next
	}
	return true, nil
}

// Walk visits every non-pad object in one SNC segment up to the committed
// limit.
func (p *Pool) Walk(segRef mps.SegRef, visitor mps.ObjectVisitor) error {
	seg := segRef.(*Seg)
	limit := seg.Limit()
	if seg.buffer != nil {
		limit = seg.buffer.ScanLimit()
	}

	addr := seg.Base()
	for addr < limit {
		next := p.format.Skip(addr)
		if !p.format.IsPad(addr) {
			visitor(addr)
		}
		addr = next
	}
	return nil
}

// FramePush returns a frame identifying the buffer's current allocation
// point: the NULL frame (0) for a reset buffer, else the buffer's init,
// refilling first if init sits exactly at its current segment's limit.
func (p *Pool) FramePush(buf *mps.Buffer) (mps.Addr, error) {
	if buf.State() == mps.BufferReset {
		return 0, nil
	}
	segRef, ok := buf.Seg()
	if !ok {
		return 0, nil
	}
	seg := segRef.(*Seg)
	if buf.Init() < seg.Limit() {
		return buf.Init(), nil
	}

	// Init coincides with the segment's limit: using it as the frame would
	// be ambiguous with the next segment's base (job003882 in poolsnc.c).
	// Refill instead and use the new segment's base.
	seg.buffer = nil
	if err := buf.Fill(p.cfg.Alignment); err != nil {
		return 0, err
	}
	return buf.Init(), nil
}

// FramePop rolls the buffer back to frame, releasing any segments above it
// in the chain to the freelist.
func (p *Pool) FramePop(buf *mps.Buffer, frame mps.Addr) error {
	if frame == 0 {
		if segRef, ok := buf.Seg(); ok {
			segRef.(*Seg).buffer = nil
		}
		buf.Empty()
		p.popPartialChain(buf, nil)
		return nil
	}

	seg, ok := p.findInChain(buf, frame)
	if !ok {
		return mps.Errorf(mps.KindParam, "snc: FramePop: frame does not correspond to any segment in this buffer's chain")
	}

	if curSegRef, ok := buf.Seg(); ok && curSegRef.(*Seg) == seg {
		buf.SetAlloc(frame)
		return nil
	}

	if oldSegRef, ok := buf.Seg(); ok {
		oldSegRef.(*Seg).buffer = nil
	}
	p.popPartialChain(buf, seg)
	seg.buffer = buf
	buf.Attach(seg, seg.Base(), seg.Limit(), frame)
	return nil
}

// Finish releases every segment owned by this pool, buffered or free
// (poolsnc.c's SNCFinish).
func (p *Pool) Finish() {
	p.freeSegs = nil
	p.chains = map[*mps.Buffer]*Seg{}
}

func (p *Pool) TotalSize() mps.Size { return p.gen.TotalSize() }
func (p *Pool) FreeSize() mps.Size  { return p.gen.FreeSize() }
