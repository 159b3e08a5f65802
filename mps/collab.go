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

// SegRef is the common surface every concrete segment (ams.Seg, awl.Seg,
// snc.Seg) presents to code outside its own pool class: the arena, the
// shield, and the trace/scan machinery in this package. It is satisfied by
// embedding Seg and is never implemented standalone.
type SegRef interface {
	Base() Addr
	Limit() Addr
	Grains() int
	RankSet() RankSet
	Summary() ZoneSet
	SetSummary(ZoneSet)
	White() TraceSet
	SetWhite(TraceSet)
	Grey() TraceSet
	SetGrey(TraceSet)
}

// Format is the client-supplied object layout, specified only by the
// interface it presents.
type Format interface {
	// HeaderSize is the number of bytes between a client reference and the
	// start of the object it addresses.
	HeaderSize() Size
	// Alignment is the pool's grain size; every object starts grain-aligned.
	Alignment() Size
	// Skip advances past one object starting at obj, returning the address of
	// the next object (or pad).
	Skip(obj Addr) Addr
	// Scan walks the formatted objects in [base,limit), invoking ss.FixRef on
	// every reference field it finds.
	Scan(ss *ScanState, base, limit Addr) error
	// Pad writes a single padding object of the given size at addr.
	Pad(addr Addr, size Size)
	// IsPad reports whether the object at addr was written by Pad. Walk
	// implementations that may legitimately traverse padding (SNC's
	// buffer-empty tail, a recycled freelist segment) use this to skip it
	// without invoking the visitor; AMS/AWL never call Pad, so their Walk
	// never needs to consult it.
	IsPad(addr Addr) bool
}

// Splatter is a capability a Format may optionally implement: writing a
// debug byte pattern over formatted-object storage that is about to be
// freed. Pool classes with a debug-splat config option probe for this via
// a type assertion; a Format that doesn't implement it has no bytes to
// write, and the splat stays log-only.
type Splatter interface {
	Splat(addr Addr, size Size, pattern []byte)
}

// TraceController is the narrow view of trace progress that anything
// driving or gating a trace needs: which traces are running, which have
// completed their flip, and whether the world is quiescent. It is kept
// separate from Arena so that a trace-status query (RootWalk's
// clamped/trace-free precondition, a future trace-progress reporter) can
// depend on this narrower surface instead of the full address-space
// manager; Arena embeds it because the arena is the only collaborator in
// scope here that actually tracks trace state.
type TraceController interface {
	// BusyTraces is the set of traces currently running anywhere in the
	// arena.
	BusyTraces() TraceSet
	// FlippedTraces is the set of traces that have completed their flip; a
	// segment is white for trace t only if t is in both FlippedTraces and
	// the segment's White.
	FlippedTraces() TraceSet
	// Clamped reports whether the arena is parked (no trace running) and
	// mutator activity quiesced, a precondition for heap/root walking.
	Clamped() bool
}

// Arena is the address-space and physical-memory manager: grain-aligned
// segment allocation and address-to-segment lookup, specified only by the
// interface it presents.
type Arena interface {
	TraceController
	// AlignUp rounds size up to a multiple of the arena's segment grain.
	AlignUp(size Size) Size
	// SegOfAddr returns the segment containing addr, if any.
	SegOfAddr(addr Addr) (SegRef, bool)
}

// RangeAllocator stands in for the arena's grain-aligned segment-creation
// call, which is out of scope for this repo. Production wiring
// provides one backed by the real arena; tests provide a fake that hands out
// monotonically increasing addresses (see mpstest.SequentialAllocator).
type RangeAllocator func(size Size) (base, limit Addr, err error)

// Shield is the memory-protection driver; expose/cover bracket a region of
// segment reads performed by the collector so that a barrier fault is not
// re-provoked.
type Shield interface {
	Expose(seg SegRef)
	Cover(seg SegRef)
}

// AccessMode is the kind of mutator access that triggered a barrier fault.
type AccessMode int

const (
	AccessRead AccessMode = iota
	AccessWrite
)

// ScanState carries the per-scan-pass context a Format.Scan implementation
// and a pool's Fix method share: which traces are being scanned for, the
// cheap zone-set filter, and the fix callback that performs the actual
// per-reference colour transition.
//
// Summary, AmbiguousFix and MarksChanged are carried for callers; the Fix
// and Scan methods of the pool classes here do not update them.
type ScanState struct {
	Traces TraceSet
	Arena  Arena
	// Rank is the rank level currently being scanned. Pool Fix methods use
	// it as the rank of the reference being fixed; during a segment scan
	// the rank passed to FixRef comes from the Format's Scan instead. It
	// matters for root scanning, where the same root table is scanned once
	// per rank.
	Rank Rank
	// Zone is the trace's white zone set, used as the first-stage cheap
	// filter before FixRef is invoked.
	Zone ZoneSet
	// FixRef is supplied by the pool class; it is called once per reference
	// field a Format.Scan implementation discovers.
	FixRef func(rank Rank, refIO *Addr) error

	Summary      ZoneSet
	AmbiguousFix bool
	MarksChanged bool
}

// AddToSummary folds the zone set z into ss.Summary. Zone computation is an
// arena concern (addresses partition into zones by some arena-chosen
// function of the address bits); callers that don't need summary precision
// may pass a degenerate Arena.AlignUp-only Arena and never call this.
func (ss *ScanState) AddToSummary(z ZoneSet) { ss.Summary = ss.Summary.Union(z) }
