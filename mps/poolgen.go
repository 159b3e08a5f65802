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

import "github.com/grailbio/base/log"

// GenParams configures one generation of a pool's chain: a capacity (the
// size, in bytes, at which the generation is considered for collection) and
// a mortality (the expected fraction of a collection's condemned bytes that
// will die).
type GenParams struct {
	Capacity  Size
	Mortality float64
}

// PoolGen is the accounting handle into one generation of a pool's chain.
// It does not own segments; it accrues the sizes pool classes report as
// grains move between free/buffered/new/old.
type PoolGen struct {
	Name   string
	Params GenParams

	totalSize Size
	freeSize  Size
	newSize   Size

	survivedSize Size
	diedSize     Size
}

// NewPoolGen returns a zeroed generation handle.
func NewPoolGen(name string, params GenParams) *PoolGen {
	return &PoolGen{Name: name, Params: params}
}

func (g *PoolGen) TotalSize() Size { return g.totalSize }
func (g *PoolGen) FreeSize() Size  { return g.freeSize }
func (g *PoolGen) NewSize() Size   { return g.newSize }

// AccrueAlloc records size bytes newly allocated into this generation.
func (g *PoolGen) AccrueAlloc(size Size) {
	g.totalSize += size
	g.newSize += size
}

// AccrueFree records size bytes returned to the generation's free pool.
func (g *PoolGen) AccrueFree(size Size) {
	g.freeSize += size
	if size <= g.totalSize {
		g.totalSize -= size
	} else {
		g.totalSize = 0
	}
}

// Age moves size bytes from "new" to "old" bookkeeping, as whiten does when
// a segment's bufferedGrains/newGrains convert to oldGrains.
func (g *PoolGen) Age(size Size) {
	if size > g.newSize {
		size = g.newSize
	}
	g.newSize -= size
}

// RecordCollection records the outcome of one collection cycle against this
// generation: survivedSize bytes were found live, diedSize bytes were
// reclaimed. Emits a survival-rate log line.
func (g *PoolGen) RecordCollection(survivedSize, diedSize Size) {
	g.survivedSize += survivedSize
	g.diedSize += diedSize
	total := survivedSize + diedSize
	rate := 0.0
	if total > 0 {
		rate = float64(survivedSize) / float64(total)
	}
	log.Debug.Printf("poolgen %s: collection survived=%d died=%d rate=%.3f (target mortality=%.3f)",
		g.Name, survivedSize, diedSize, rate, g.Params.Mortality)
}

// SurvivalRate returns the lifetime fraction of collected bytes in this
// generation that survived.
func (g *PoolGen) SurvivalRate() float64 {
	total := g.survivedSize + g.diedSize
	if total == 0 {
		return 0
	}
	return float64(g.survivedSize) / float64(total)
}

// ShouldCollect reports whether this generation has grown past its
// configured capacity and is a candidate for the next trace.
func (g *PoolGen) ShouldCollect() bool {
	return g.Params.Capacity > 0 && g.totalSize-g.freeSize >= g.Params.Capacity
}
