// Copyright 2026 The VDO Authors
// This file is part of the vdo library.
//
// The vdo library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The vdo library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the vdo library. If not, see <http://www.gnu.org/licenses/>.

package compression

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdvanceWalksStagesInOrder(t *testing.T) {
	var s State
	want := []Stage{Compressing, Packing, Writing, PostPacker}
	for _, w := range want {
		got := s.Advance()
		assert.Equal(t, w, got)
	}
	// PostPacker is terminal: further advances stay put.
	assert.Equal(t, PostPacker, s.Advance())
}

func TestCancelForcesPostPackerOnNextAdvance(t *testing.T) {
	var s State
	s.Advance() // -> Compressing
	s.Advance() // -> Packing
	first := s.Cancel()
	require.True(t, first, "first canceller while Packing must report true")

	second := s.Cancel()
	assert.False(t, second, "second canceller must not also claim responsibility")

	stage := s.Advance()
	assert.Equal(t, PostPacker, stage)
	assert.True(t, s.MayNotCompress())
}

func TestCancelOutsidePackingReturnsFalse(t *testing.T) {
	var s State
	first := s.Cancel() // still NotStarted
	assert.False(t, first, "cancelling outside Packing never claims responsibility")
	assert.True(t, s.MayNotCompress())
}

func TestSetDoneIsIdempotentAndTerminal(t *testing.T) {
	var s State
	s.SetDone()
	stage, veto := s.Load()
	assert.Equal(t, PostPacker, stage)
	assert.True(t, veto)

	s.SetDone() // idempotent
	stage, veto = s.Load()
	assert.Equal(t, PostPacker, stage)
	assert.True(t, veto)
}

// TestConcurrentAdvanceIsSerializable exercises spec.md §8's testable
// property that, after any interleaving of advance/cancel, the observed
// (stage, veto) is one some serial ordering could have produced: no
// torn word is ever visible, and the stage never exceeds PostPacker nor
// regresses.
func TestConcurrentAdvanceIsSerializable(t *testing.T) {
	var s State
	var wg sync.WaitGroup
	const goroutines = 32
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func(n int) {
			defer wg.Done()
			if n%7 == 0 {
				s.Cancel()
			} else {
				s.Advance()
			}
		}(i)
	}
	wg.Wait()

	stage, _ := s.Load()
	assert.LessOrEqual(t, stage, PostPacker)
	assert.GreaterOrEqual(t, stage, NotStarted)
}
