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

package bt_test

import (
	"math/rand"
	"testing"

	"github.com/Hamid-Mansha2/mps/bt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetGetReset(t *testing.T) {
	tb := bt.New(200)
	for i := 0; i < 200; i++ {
		assert.False(t, tb.Get(i))
	}
	tb.Set(63)
	tb.Set(64)
	tb.Set(199)
	assert.True(t, tb.Get(63))
	assert.True(t, tb.Get(64))
	assert.True(t, tb.Get(199))
	tb.Reset(64)
	assert.False(t, tb.Get(64))
}

func TestRangeOps(t *testing.T) {
	tb := bt.New(130)
	tb.SetRange(10, 70)
	assert.True(t, tb.IsSetRange(10, 70))
	assert.False(t, tb.IsSetRange(9, 70))
	assert.False(t, tb.IsSetRange(10, 71))
	assert.True(t, tb.IsResetRange(0, 10))
	assert.True(t, tb.IsResetRange(70, 130))
	assert.Equal(t, 0, tb.CountResRange(10, 70))
	assert.Equal(t, 10, tb.CountResRange(0, 10))

	tb.ResetRange(20, 30)
	assert.True(t, tb.IsResetRange(20, 30))
	assert.True(t, tb.IsSetRange(10, 20))
	assert.True(t, tb.IsSetRange(30, 70))
}

func TestCopyRange(t *testing.T) {
	src := bt.New(100)
	src.SetRange(5, 50)
	dst := bt.New(100)
	dst.CopyRange(src, 0, 100)
	assert.True(t, dst.IsSetRange(5, 50))
	assert.True(t, dst.IsResetRange(0, 5))
	assert.True(t, dst.IsResetRange(50, 100))
}

func TestFindLongResRangeBasic(t *testing.T) {
	tb := bt.New(64)
	tb.SetRange(0, 20)
	tb.SetRange(30, 40)
	// zeros at [20,30) length 10, and [40,64) length 24.
	i, j, ok := tb.FindLongResRange(0, 64, 5)
	require.True(t, ok)
	assert.Equal(t, 20, i)
	assert.Equal(t, 30, j)

	i, j, ok = tb.FindLongResRange(0, 64, 11)
	require.True(t, ok)
	assert.Equal(t, 40, i)
	assert.Equal(t, 64, j)

	_, _, ok = tb.FindLongResRange(0, 64, 25)
	assert.False(t, ok)
}

func TestFindLongResRangeNoneAndFull(t *testing.T) {
	tb := bt.New(64)
	i, j, ok := tb.FindLongResRange(0, 64, 64)
	require.True(t, ok)
	assert.Equal(t, 0, i)
	assert.Equal(t, 64, j)

	tb.SetRange(0, 64)
	_, _, ok = tb.FindLongResRange(0, 64, 1)
	assert.False(t, ok)
}

// TestFindLongResRangeSoak checks monotonicity and leftmost-ness against a
// naive reference implementation, in the style of circular.bitmap_test.go's
// randomized CheckPanic-driven soak tests.
func TestFindLongResRangeSoak(t *testing.T) {
	naiveFind := func(tb *bt.Table, from, to, minLen int) (int, int, bool) {
		pos := from
		for pos < to {
			if tb.Get(pos) {
				pos++
				continue
			}
			start := pos
			for pos < to && !tb.Get(pos) {
				pos++
			}
			if pos-start >= minLen {
				return start, pos, true
			}
		}
		return 0, 0, false
	}

	rng := rand.New(rand.NewSource(1))
	for iter := 0; iter < 500; iter++ {
		n := rng.Intn(200) + 1
		tb := bt.New(n)
		for i := 0; i < n; i++ {
			if rng.Intn(3) == 0 {
				tb.Set(i)
			}
		}
		from := rng.Intn(n)
		to := from + rng.Intn(n-from+1)
		minLen := rng.Intn(n) + 1

		gi, gj, gok := tb.FindLongResRange(from, to, minLen)
		ni, nj, nok := naiveFind(tb, from, to, minLen)
		require.Equal(t, nok, gok, "iter %d from=%d to=%d minLen=%d", iter, from, to, minLen)
		if gok {
			assert.Equal(t, ni, gi)
			assert.Equal(t, nj, gj)
			assert.GreaterOrEqual(t, gi, from)
			assert.Less(t, gi, to-minLen+1)
		}
	}
}

func TestCheckPanicClean(t *testing.T) {
	tb := bt.New(70)
	tb.SetRange(0, 70)
	assert.NotPanics(t, func() { tb.CheckPanic("tail") })
}
