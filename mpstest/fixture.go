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

// Package mpstest provides fakes for the collaborators the mps package
// declares out of scope (arena, shield) and a minimal client object format,
// so that ams/awl/snc/walk tests can exercise the collectable-pool core end
// to end without a real address space. It is an ordinary (non-_test.go)
// file inside a test-support package, exporting fixtures other packages'
// tests import.
package mpstest

import (
	"sync"

	"github.com/Hamid-Mansha2/mps/mps"
)

// Arena is a fake mps.Arena: addresses are opaque integers handed out by a
// bump cursor, and "segments" are just the ranges SequentialAllocator
// returns. Grain alignment is configurable.
type Arena struct {
	mu      sync.Mutex
	grain   mps.Size
	busy    mps.TraceSet
	flipped mps.TraceSet
	segs    []mps.SegRef
}

// NewArena returns a fake arena that rounds segment requests up to grain
// bytes.
func NewArena(grain mps.Size) *Arena {
	return &Arena{grain: grain}
}

func (a *Arena) BusyTraces() mps.TraceSet    { return a.busy }
func (a *Arena) FlippedTraces() mps.TraceSet { return a.flipped }
func (a *Arena) Clamped() bool               { return a.busy.IsEmpty() }

func (a *Arena) AlignUp(size mps.Size) mps.Size {
	if a.grain == 0 {
		return size
	}
	return (size + a.grain - 1) / a.grain * a.grain
}

// RegisterSeg records seg for SegOfAddr lookups.
func (a *Arena) RegisterSeg(seg mps.SegRef) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.segs = append(a.segs, seg)
}

func (a *Arena) SegOfAddr(addr mps.Addr) (mps.SegRef, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, s := range a.segs {
		if addr >= s.Base() && addr < s.Limit() {
			return s, true
		}
	}
	return nil, false
}

// StartTrace marks id as busy (and not yet flipped).
func (a *Arena) StartTrace(id mps.TraceID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.busy = a.busy.Add(id)
}

// Flip marks id flipped: the mutator now sees the post-flip view.
func (a *Arena) Flip(id mps.TraceID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.flipped = a.flipped.Add(id)
}

// FinishTrace clears id from both busy and flipped.
func (a *Arena) FinishTrace(id mps.TraceID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.busy = a.busy.Remove(id)
	a.flipped = a.flipped.Remove(id)
}

// SequentialAllocator returns an mps.RangeAllocator that hands out
// monotonically increasing, grain-aligned address ranges starting at base.
func SequentialAllocator(base mps.Addr) mps.RangeAllocator {
	next := base
	var mu sync.Mutex
	return func(size mps.Size) (mps.Addr, mps.Addr, error) {
		mu.Lock()
		defer mu.Unlock()
		b := next
		l := b + mps.Addr(size)
		next = l
		return b, l, nil
	}
}

// Shield is a fake mps.Shield that just records which segments are
// currently exposed, enough to assert expose/cover calls are paired.
type Shield struct {
	mu      sync.Mutex
	exposed map[mps.SegRef]bool
}

func NewShield() *Shield { return &Shield{exposed: map[mps.SegRef]bool{}} }

func (s *Shield) Expose(seg mps.SegRef) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exposed[seg] = true
}

func (s *Shield) Cover(seg mps.SegRef) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.exposed, seg)
}

// AnyExposed reports whether some segment is currently exposed (i.e.
// Expose/Cover calls are unbalanced) — tests use this to catch a missing
// Cover.
func (s *Shield) AnyExposed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.exposed) > 0
}

// Heap is a simulated client heap: objects are identified by their address,
// and their layout (size and outgoing references) lives in side tables
// rather than real bytes, since the arena's backing memory is out of scope
// for this fixture.
type Heap struct {
	mu     sync.Mutex
	next   map[mps.Addr]mps.Addr   // obj addr -> address of the next object (Skip result)
	refs   map[mps.Addr][]mps.Addr // obj addr -> outgoing reference slots
	pads   map[mps.Addr]bool       // obj addr -> was written by PutPad
	splats map[mps.Addr][]byte     // obj addr -> bytes last written by Splat
}

func NewHeap() *Heap {
	return &Heap{
		next:   map[mps.Addr]mps.Addr{},
		refs:   map[mps.Addr][]mps.Addr{},
		pads:   map[mps.Addr]bool{},
		splats: map[mps.Addr][]byte{},
	}
}

// PutObject records an object at addr occupying [addr,next) with the given
// outgoing references.
func (h *Heap) PutObject(addr, next mps.Addr, refs []mps.Addr) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.next[addr] = next
	cp := make([]mps.Addr, len(refs))
	copy(cp, refs)
	h.refs[addr] = cp
	delete(h.pads, addr)
}

// PutPad records a padding object at addr occupying [addr,next).
func (h *Heap) PutPad(addr, next mps.Addr) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.next[addr] = next
	delete(h.refs, addr)
	h.pads[addr] = true
}

// IsPad reports whether addr was last written by PutPad.
func (h *Heap) IsPad(addr mps.Addr) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pads[addr]
}

func (h *Heap) RefsOf(addr mps.Addr) []mps.Addr {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]mps.Addr(nil), h.refs[addr]...)
}

// Splat records pattern as having overwritten size bytes starting at addr,
// tiling the pattern to fill the range. This is the fixture's stand-in for
// a real memory write, so tests can observe that a debug free-splat
// actually happened rather than only being logged.
func (h *Heap) Splat(addr mps.Addr, size mps.Size, pattern []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	buf := make([]byte, size)
	for i := range buf {
		buf[i] = pattern[i%len(pattern)]
	}
	h.splats[addr] = buf
}

// SplatAt returns the bytes last written by Splat at addr, or nil if none.
func (h *Heap) SplatAt(addr mps.Addr) []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]byte(nil), h.splats[addr]...)
}

// Format is an mps.Format backed by a Heap: zero header size (the client
// reference is the object's own address), objects of whatever size PutObject
// recorded, and a Scan that fixes every recorded outgoing reference at the
// given rank.
type Format struct {
	Heap     *Heap
	Align    mps.Size
	ScanRank mps.Rank
}

func (f *Format) HeaderSize() mps.Size { return 0 }
func (f *Format) Alignment() mps.Size  { return f.Align }

func (f *Format) Skip(obj mps.Addr) mps.Addr {
	f.Heap.mu.Lock()
	defer f.Heap.mu.Unlock()
	if next, ok := f.Heap.next[obj]; ok {
		return next
	}
	return obj + mps.Addr(f.Align)
}

func (f *Format) Pad(addr mps.Addr, size mps.Size) {
	f.Heap.PutPad(addr, addr+mps.Addr(size))
}

func (f *Format) IsPad(addr mps.Addr) bool { return f.Heap.IsPad(addr) }

// Splat implements mps.Splatter by forwarding to the backing Heap, so a
// pool's debug free-splat actually writes something observable.
func (f *Format) Splat(addr mps.Addr, size mps.Size, pattern []byte) {
	f.Heap.Splat(addr, size, pattern)
}

func (f *Format) Scan(ss *mps.ScanState, base, limit mps.Addr) error {
	refs := f.Heap.RefsOf(base)
	for i, r := range refs {
		ref := r
		if ref == 0 {
			continue
		}
		if err := ss.FixRef(f.ScanRank, &ref); err != nil {
			return err
		}
		refs[i] = ref
	}
	f.Heap.mu.Lock()
	f.Heap.refs[base] = refs
	f.Heap.mu.Unlock()
	return nil
}
