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

package refcount

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/dm-vdo/vdo/internal/allocator"
	"github.com/dm-vdo/vdo/internal/lockcounter"
)

func TestIncrementThenDecrementReleasesToAllocator(t *testing.T) {
	alloc := allocator.New(32, 8, 1)
	counter := lockcounter.New(4, 1, 1)
	eng := New(alloc, counter, 0)

	pbn, err := alloc.Allocate(0)
	assert.NoError(t, err)
	alloc.ClearLease(pbn)

	assert.Equal(t, uint32(1), eng.Increment(0, pbn))
	assert.Equal(t, uint32(2), eng.Increment(0, pbn))

	count, err := eng.Decrement(0, pbn)
	assert.NoError(t, err)
	assert.Equal(t, uint32(1), count)
	assert.Equal(t, uint32(1), eng.CountOf(pbn))

	count, err = eng.Decrement(0, pbn)
	assert.NoError(t, err)
	assert.Equal(t, uint32(0), count)
	assert.Equal(t, uint32(0), eng.CountOf(pbn))

	// Fully released: the allocator must be able to hand pbn out again.
	// PBN 0 is reserved, so 31 of the 32 blocks are allocatable.
	reused := false
	for i := 0; i < 31; i++ {
		p, err := alloc.Allocate(0)
		assert.NoError(t, err)
		if p == pbn {
			reused = true
		}
	}
	assert.True(t, reused)
}

func TestDecrementOfUnreferencedPBNErrors(t *testing.T) {
	alloc := allocator.New(32, 8, 1)
	counter := lockcounter.New(4, 1, 1)
	eng := New(alloc, counter, 0)

	pbn, err := alloc.Allocate(0)
	assert.NoError(t, err)

	_, err = eng.Decrement(0, pbn)
	assert.Error(t, err)
}

func TestTotalSumsAllLiveCounts(t *testing.T) {
	alloc := allocator.New(32, 8, 1)
	counter := lockcounter.New(4, 1, 1)
	eng := New(alloc, counter, 0)

	a, _ := alloc.Allocate(0)
	b, _ := alloc.Allocate(0)
	alloc.ClearLease(a)
	alloc.ClearLease(b)

	eng.Increment(0, a)
	eng.Increment(0, a)
	eng.Increment(0, b)

	assert.Equal(t, uint64(3), eng.Total())
}
