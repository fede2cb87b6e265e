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

func TestFirstJoinerIsImmediatelyAgent(t *testing.T) {
	l := newLock(vdo.Fingerprint{1})
	isAgent, wake := l.Join(1)
	assert.True(t, isAgent)
	assert.Nil(t, wake)
	assert.True(t, l.IsAgent(1))
}

func TestLaterJoinersAreQueuedAndWakeOnPromotion(t *testing.T) {
	l := newLock(vdo.Fingerprint{1})
	l.Join(1)
	_, wake2 := l.Join(2)
	_, wake3 := l.Join(3)

	select {
	case <-wake2:
		t.Fatal("waiter 2 must not be woken while 1 is still agent")
	default:
	}

	empty, promoted, wasPromoted := l.Release(1)
	assert.False(t, empty)
	assert.True(t, wasPromoted)
	assert.Equal(t, uint64(2), promoted)
	assert.True(t, l.IsAgent(2))
	assert.Equal(t, Initializing, l.State())

	select {
	case <-wake2:
	default:
		t.Fatal("waiter 2 should have been woken")
	}
	select {
	case <-wake3:
		t.Fatal("waiter 3 must not be woken yet")
	default:
	}
}

func TestDedupeMatchPath(t *testing.T) {
	l := newLock(vdo.Fingerprint{1})
	l.Join(1)
	assert.NoError(t, l.StartQuery(1))
	assert.NoError(t, l.DedupeHit(1, vdo.PBN(42)))
	assert.NoError(t, l.BeginVerify(1))
	pbn, hasLease := l.DuplicatePBN()
	assert.Equal(t, vdo.PBN(42), pbn)
	assert.True(t, hasLease)
	assert.NoError(t, l.VerifyMatch(1))
	assert.Equal(t, Updating, l.State())
}

func TestDedupeMismatchReleasesLeaseBeforeLocking(t *testing.T) {
	l := newLock(vdo.Fingerprint{1})
	l.Join(1)
	assert.NoError(t, l.StartQuery(1))
	assert.NoError(t, l.DedupeHit(1, vdo.PBN(42)))
	assert.NoError(t, l.BeginVerify(1))
	assert.NoError(t, l.VerifyMismatch(1))

	pbn, hasLease := l.DuplicatePBN()
	assert.Equal(t, vdo.NoPBN, pbn)
	assert.False(t, hasLease)
	assert.Equal(t, Locking, l.State())
}

func TestWriteCompleteGrantsSharedLeaseForWaiters(t *testing.T) {
	l := newLock(vdo.Fingerprint{1})
	l.Join(1)
	assert.NoError(t, l.StartQuery(1))
	assert.NoError(t, l.DedupeMiss(1))
	assert.NoError(t, l.BeginWrite(1))
	assert.NoError(t, l.WriteComplete(1, vdo.PBN(7)))

	pbn, hasLease := l.DuplicatePBN()
	assert.Equal(t, vdo.PBN(7), pbn)
	assert.True(t, hasLease)
	assert.Equal(t, Unlocking, l.State())
}

func TestNonAgentCannotDriveTransitions(t *testing.T) {
	l := newLock(vdo.Fingerprint{1})
	l.Join(1)
	l.Join(2)
	assert.Error(t, l.StartQuery(2))
}

func TestReleaseOfLastMemberReportsEmpty(t *testing.T) {
	l := newLock(vdo.Fingerprint{1})
	l.Join(1)
	empty, _, wasPromoted := l.Release(1)
	assert.True(t, empty)
	assert.False(t, wasPromoted)
}
