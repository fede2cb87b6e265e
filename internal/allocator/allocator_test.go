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

package allocator

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/dm-vdo/vdo/internal/vdo"
)

func TestAllocateNeverHandsOutNoPBN(t *testing.T) {
	a := New(32, 8, 2)
	for z := 0; z < 2; z++ {
		for {
			pbn, err := a.Allocate(z)
			if err != nil {
				break
			}
			assert.NotEqual(t, vdo.NoPBN, pbn)
		}
	}
}

func TestAllocateReportsNoSpaceOncePartitionExhausted(t *testing.T) {
	a := New(8, 8, 1)
	count := 0
	for {
		_, err := a.Allocate(0)
		if err != nil {
			assert.True(t, errors.Is(err, vdo.ErrNoSpace))
			break
		}
		count++
	}
	// Slab 0 reserves PBN 0, so only slabSizeBlocks-1 are allocatable.
	assert.Equal(t, 7, count)
}

func TestReleaseReturnsPBNToFreeList(t *testing.T) {
	a := New(32, 8, 1)
	pbn, err := a.Allocate(0)
	assert.NoError(t, err)
	assert.Equal(t, LeaseWrite, a.LeaseOf(pbn))

	a.Release(pbn)
	assert.Equal(t, LeaseNone, a.LeaseOf(pbn))

	// The freed PBN must be reusable. PBN 0 is reserved, so 31 of the 32
	// blocks are allocatable.
	reused := false
	for i := 0; i < 31; i++ {
		p, err := a.Allocate(0)
		assert.NoError(t, err)
		if p == pbn {
			reused = true
		}
	}
	assert.True(t, reused)
}

func TestClearLeasePublishesWithoutFreeing(t *testing.T) {
	a := New(32, 8, 1)
	pbn, err := a.Allocate(0)
	assert.NoError(t, err)

	a.ClearLease(pbn)
	assert.Equal(t, LeaseNone, a.LeaseOf(pbn))

	// A published PBN must not be handed out again by Allocate.
	for i := 0; i < 6; i++ {
		p, err := a.Allocate(0)
		assert.NoError(t, err)
		assert.NotEqual(t, pbn, p)
	}
}
