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

// Seg holds the fields every concrete segment shares, regardless of pool
// class: its address range, rank set, summary, and trace-colour sets.
// ams.Seg/awl.Seg/snc.Seg each embed this instead of inheriting from a
// GCSeg/MutatorSeg chain; colour tables and other pool-specific metadata
// live in the embedding struct.
type Seg struct {
	base, limit Addr
	grains      int
	rankSet     RankSet
	summary     ZoneSet
	white       TraceSet
	grey        TraceSet

	// Buffer is a slot for a non-owning back-pointer to the buffer currently
	// filling this segment, or nil. It is an interface{} (not *Buffer) so
	// that this package doesn't force a single Buffer representation on pool
	// classes. The pool classes here (ams, awl, snc) do not set it; each
	// keeps its own buffer back-pointer in its segment type.
	Buffer interface{}
}

// InitSeg initialises a Seg covering [base,limit) with the given alignment
// and rank set. grains = (limit-base)/alignment.
func InitSeg(base, limit Addr, alignment Size, rankSet RankSet) Seg {
	if limit <= base {
		panic("mps: InitSeg: limit must be > base")
	}
	if alignment == 0 || Size(limit-base)%alignment != 0 {
		panic("mps: InitSeg: segment size must be a multiple of alignment")
	}
	return Seg{
		base:    base,
		limit:   limit,
		grains:  int(Size(limit-base) / alignment),
		rankSet: rankSet,
	}
}

func (s *Seg) Base() Addr             { return s.base }
func (s *Seg) Limit() Addr            { return s.limit }
func (s *Seg) Grains() int            { return s.grains }
func (s *Seg) RankSet() RankSet       { return s.rankSet }
func (s *Seg) SetRankSet(r RankSet)   { s.rankSet = r }
func (s *Seg) Summary() ZoneSet       { return s.summary }
func (s *Seg) SetSummary(z ZoneSet)   { s.summary = z }
func (s *Seg) White() TraceSet        { return s.white }
func (s *Seg) SetWhite(t TraceSet)    { s.white = t }
func (s *Seg) Grey() TraceSet         { return s.grey }
func (s *Seg) SetGrey(t TraceSet)     { s.grey = t }

// IsWhiteFor reports whether the segment is white for trace: it appears in
// arena.FlippedTraces() ∩ seg.White().
func (s *Seg) IsWhiteFor(arena Arena, id TraceID) bool {
	return arena.FlippedTraces().Contains(id) && s.white.Contains(id)
}

// IndexOfAddr converts an address within the segment to a grain index, at
// the given alignment. addr == Limit is allowed and yields Index(Grains)
// — callers that walk objects via Format.Skip need the one-past-the-end
// sentinel index when an object's end coincides with the segment's end.
// Panics if addr is not grain-aligned or out of range — callers (pool Fix
// methods) are expected to have already rejected non-references before
// calling this.
func (s *Seg) IndexOfAddr(addr Addr, alignment Size) Index {
	if addr < s.base || addr > s.limit {
		panic("mps: IndexOfAddr: address out of segment range")
	}
	off := Size(addr - s.base)
	if off%alignment != 0 {
		panic("mps: IndexOfAddr: address not grain-aligned")
	}
	return Index(off / alignment)
}

// AddrOfIndex is the inverse of IndexOfAddr.
func (s *Seg) AddrOfIndex(i Index, alignment Size) Addr {
	return s.base + Addr(Size(i)*alignment)
}
