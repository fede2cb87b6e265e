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

package hashlock

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/dm-vdo/vdo/internal/vdo"
)

func TestAcquireReturnsSameLockForSameFingerprint(t *testing.T) {
	r := NewRegistry()
	fp := vdo.Fingerprint{9}
	l1 := r.Acquire(fp)
	l2 := r.Acquire(fp)
	assert.Same(t, l1, l2)
	assert.Equal(t, 1, r.Len())
}

func TestReleaseRetiresLockAndFreesFingerprint(t *testing.T) {
	r := NewRegistry()
	fp := vdo.Fingerprint{9}
	l := r.Acquire(fp)
	id := r.NextMemberID()
	l.Join(id)

	empty, _, wasPromoted := r.Release(fp, id)
	assert.True(t, empty)
	assert.False(t, wasPromoted)
	assert.Equal(t, 0, r.Len())

	// A fresh Acquire for the same fingerprint must start over, not reuse
	// stale state from the retired lock.
	l2 := r.Acquire(fp)
	assert.Equal(t, Initializing, l2.State())
}

func TestRetiredLockIsReusedFromFreeList(t *testing.T) {
	r := NewRegistry()
	fpA := vdo.Fingerprint{1}
	fpB := vdo.Fingerprint{2}

	lA := r.Acquire(fpA)
	idA := r.NextMemberID()
	lA.Join(idA)
	r.Release(fpA, idA)

	lB := r.Acquire(fpB)
	assert.Same(t, lA, lB, "expected the retired lock struct to be reused")
	assert.Equal(t, fpB, lB.Fingerprint)
}
