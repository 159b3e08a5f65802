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

package mps

// Filler is the pool-class half of the allocation buffer contract: asked to
// provide a fresh range when a buffer runs dry, and to reclaim the unused
// tail when a buffer is detached or refilled.
type Filler interface {
	// BufferFill returns a contiguous [base,limit) of at least size bytes,
	// possibly allocating a new segment, and binds buf to the segment it
	// came from.
	BufferFill(buf *Buffer, size Size) (base, limit Addr, err error)
	// BufferEmpty reclaims buf's unused tail [init,limit) back into the
	// segment's accounting.
	BufferEmpty(buf *Buffer, init, limit Addr)
}

// BufferState is the buffer lifecycle: Reset (no segment) -> Attached
// (segment bound) -> Trapped (limit temporarily lowered by barrier) ->
// Attached -> Reset.
type BufferState int

const (
	BufferReset BufferState = iota
	BufferAttached
	BufferTrapped
)

// Buffer is a reserved half-open range [base,limit) within one segment, with
// a bump-pointer reserve/commit protocol. It owns no memory itself; it is
// the mutator's view onto a range a pool class has lent it.
//
// Invariant: base <= scanLimit <= init <= alloc <= limit <= segment limit.
type Buffer struct {
	pool    Filler
	rankSet RankSet
	seg     SegRef
	state   BufferState

	base, scanLimit, init, alloc, limit Addr

	// trapGen counts Trap calls; a Reserve/Commit pair is only valid if no
	// Trap happened in between, which is how commit's "iff not trapped
	// since reserve" rule is implemented without a separate boolean that
	// would need resetting on every successful commit.
	trapGen    int
	pendingGen int
	reserving  bool
}

// NewBuffer returns a fresh, Reset buffer for the given rank set, owned by
// pool for fill/empty callbacks.
func NewBuffer(pool Filler, rankSet RankSet) *Buffer {
	return &Buffer{pool: pool, rankSet: rankSet, state: BufferReset}
}

func (b *Buffer) RankSet() RankSet    { return b.rankSet }
func (b *Buffer) State() BufferState  { return b.state }
func (b *Buffer) Seg() (SegRef, bool) {
	return b.seg, b.seg != nil
}

func (b *Buffer) Base() Addr      { return b.base }
func (b *Buffer) ScanLimit() Addr { return b.scanLimit }
func (b *Buffer) Init() Addr      { return b.init }
func (b *Buffer) Alloc() Addr     { return b.alloc }
func (b *Buffer) Limit() Addr     { return b.limit }

// Reserve returns alloc and advances alloc by size. It fails with KindFail
// if the buffer has no room; the caller must then call Fill.
func (b *Buffer) Reserve(size Size) (Addr, error) {
	if size == 0 {
		return 0, E(KindParam, "buffer reserve: size must be > 0")
	}
	if b.reserving {
		return 0, E(KindParam, "buffer reserve: previous reserve not yet committed")
	}
	if b.alloc+Addr(size) > b.limit {
		return 0, E(KindFail, "buffer reserve: insufficient space, caller must fill")
	}
	addr := b.alloc
	b.alloc += Addr(size)
	b.reserving = true
	b.pendingGen = b.trapGen
	return addr, nil
}

// Commit advances init to alloc, completing the object at [addr,addr+size)
// committed by Reserve. It reports ok=false if the buffer was trapped since
// the matching Reserve — the collector's flip may have lowered limit in the
// interim, and the caller must retry the whole reserve/commit pair (the sole
// synchronisation point with the collector's flip).
func (b *Buffer) Commit(addr Addr, size Size) (ok bool, err error) {
	if !b.reserving {
		return false, E(KindParam, "buffer commit: no outstanding reserve")
	}
	b.reserving = false
	if addr+Addr(size) != b.alloc {
		return false, E(KindParam, "buffer commit: addr/size does not match last reserve")
	}
	if b.pendingGen != b.trapGen {
		// Trapped since reserve: roll alloc back so the failed reservation
		// doesn't leak, and let the caller retry.
		b.alloc = addr
		return false, nil
	}
	b.init = b.alloc
	return true, nil
}

// Trap lowers limit to init, forcing the next Reserve to fail and the
// caller to Fill. Used by the collector at flip to stop the mutator from
// growing the buffer across the flip without the collector noticing.
func (b *Buffer) Trap() {
	if b.reserving {
		// An in-flight reservation is allowed to finish; only Commit will
		// discover the trap via trapGen.
	}
	b.limit = b.init
	b.trapGen++
	b.state = BufferTrapped
}

// AdvanceScanLimit sets scanLimit to init, as the collector does once it has
// scanned everything up to the previous scanLimit.
func (b *Buffer) AdvanceScanLimit() { b.scanLimit = b.init }

// releaseSeg returns the buffer's current [init,limit) to the pool via
// BufferEmpty if the buffer is attached to a segment, clearing the
// segment's buffer back-pointer before the buffer is rebound or reset. Both
// Fill (refill) and Empty (detach) are "empty" from the pool's point of
// view and must go through this.
func (b *Buffer) releaseSeg() {
	if b.seg != nil {
		b.pool.BufferEmpty(b, b.init, b.limit)
	}
	b.seg = nil
}

// Fill asks the pool for a fresh range and attaches this buffer to it. If
// the buffer was already attached to a segment, that segment's unused tail
// is emptied back to the pool first, exactly as a detach-then-refill would.
func (b *Buffer) Fill(size Size) error {
	b.releaseSeg()
	base, limit, err := b.pool.BufferFill(b, size)
	if err != nil {
		return err
	}
	b.base, b.scanLimit, b.init, b.alloc, b.limit = base, base, base, base, limit
	b.state = BufferAttached
	return nil
}

// Empty detaches the buffer from its segment, returning [init,limit) to the
// pool via BufferEmpty, and resets all cursors.
func (b *Buffer) Empty() {
	b.releaseSeg()
	b.base, b.scanLimit, b.init, b.alloc, b.limit = 0, 0, 0, 0, 0
	b.state = BufferReset
	b.reserving = false
}

// AttachSeg records which segment this buffer is currently filling from; it
// is called by the pool's BufferFill implementation, not by mutator code.
func (b *Buffer) AttachSeg(seg SegRef) { b.seg = seg }

// Attach binds the buffer directly to [base,limit) on seg with alloc already
// at init, bypassing the pool's BufferFill. SNC's FramePop uses this to
// reattach a buffer to a segment lower in its chain instead of asking the
// pool to fill a fresh range.
func (b *Buffer) Attach(seg SegRef, base, limit, init Addr) {
	b.seg = seg
	b.base, b.scanLimit, b.init, b.alloc, b.limit = base, base, init, init, limit
	b.state = BufferAttached
}

// SetAlloc rolls init and alloc back to addr without detaching the buffer,
// discarding any objects committed above addr. SNC's FramePop uses this when
// popping within the buffer's current segment. Panics if addr is below
// scanLimit: that would discard objects the collector may already have
// scanned past.
func (b *Buffer) SetAlloc(addr Addr) {
	if addr < b.scanLimit {
		panic("mps: Buffer.SetAlloc: frame is below scanLimit")
	}
	b.init = addr
	b.alloc = addr
}
