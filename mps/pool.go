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

// ObjectVisitor is invoked once per live object by Pool.Walk and by the
// heap/root walking helpers in package walk.
type ObjectVisitor func(obj Addr)

// Pool is the virtual-dispatch surface every pool class binds: instead of a
// C-style vtable with NextMethod chaining, each concrete pool (ams.Pool,
// awl.Pool, snc.Pool) embeds Base and overrides the methods it supports.
// Unoverridden methods return a KindUnimpl error, the Go expression of
// "methods that do not apply return UNIMPL".
type Pool interface {
	Filler

	Finish()

	Whiten(trace TraceID, seg SegRef) error
	Grey(trace TraceID, seg SegRef)
	Blacken(traces TraceSet, seg SegRef)
	Scan(ss *ScanState, seg SegRef) (total bool, err error)
	Fix(ss *ScanState, seg SegRef, refIO *Addr) error
	Reclaim(trace TraceID, seg SegRef)
	Walk(seg SegRef, visitor ObjectVisitor) error

	Access(seg SegRef, addr Addr, mode AccessMode) error

	// FramePush and FramePop are SNC-only; they take the buffer whose stack
	// is being pushed or popped, since a pool may serve several independent
	// buffers each with their own frame stack.
	FramePush(buf *Buffer) (Addr, error)
	FramePop(buf *Buffer, frame Addr) error

	TotalSize() Size
	FreeSize() Size
}

// Base provides KindUnimpl stubs for every Pool method. Concrete pool
// classes embed Base so they only need to implement the subset of the
// surface their design actually uses (AMS/AWL never override FramePush/Pop;
// SNC overrides BufferFill/BufferEmpty/Scan/Walk/FramePush/FramePop but
// never Whiten/Grey/Blacken/Fix/Reclaim/Access).
type Base struct {
	PoolName string
}

func (b *Base) unimpl(op string) error {
	return Errorf(KindUnimpl, "%s: %s not supported by this pool class", b.PoolName, op)
}

func (b *Base) Finish() {}

func (b *Base) BufferFill(*Buffer, Size) (Addr, Addr, error) {
	return 0, 0, b.unimpl("BufferFill")
}
func (b *Base) BufferEmpty(*Buffer, Addr, Addr) {}

func (b *Base) Whiten(TraceID, SegRef) error          { return b.unimpl("Whiten") }
func (b *Base) Grey(TraceID, SegRef)                  {}
func (b *Base) Blacken(TraceSet, SegRef)               {}
func (b *Base) Scan(*ScanState, SegRef) (bool, error) { return false, b.unimpl("Scan") }
func (b *Base) Fix(*ScanState, SegRef, *Addr) error   { return b.unimpl("Fix") }
func (b *Base) Reclaim(TraceID, SegRef)               {}
func (b *Base) Walk(SegRef, ObjectVisitor) error      { return b.unimpl("Walk") }

func (b *Base) Access(SegRef, Addr, AccessMode) error { return b.unimpl("Access") }

func (b *Base) FramePush(*Buffer) (Addr, error) { return 0, b.unimpl("FramePush") }
func (b *Base) FramePop(*Buffer, Addr) error    { return b.unimpl("FramePop") }

func (b *Base) TotalSize() Size { return 0 }
func (b *Base) FreeSize() Size  { return 0 }
