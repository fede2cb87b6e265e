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

package request

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLBNLockAcquireGrantsImmediatelyWhenFree(t *testing.T) {
	l := NewLBNLocks()
	req := &Request{ID: 1}

	acquired, holder, wake := l.Acquire(1, req)
	assert.True(t, acquired)
	assert.Nil(t, holder)
	assert.Nil(t, wake)
}

// TestLBNLockAcquireQueuesBehindHolderAndReportsIt is the precondition
// mootIfPacking (pipeline.go) relies on for spec.md §4.3's cross-zone
// cancellation signal: a queuer must be able to identify the request
// currently holding the lock it is waiting on.
func TestLBNLockAcquireQueuesBehindHolderAndReportsIt(t *testing.T) {
	l := NewLBNLocks()
	first := &Request{ID: 1}
	second := &Request{ID: 2}

	acquired, _, _ := l.Acquire(5, first)
	require.True(t, acquired)

	acquired, holder, wake := l.Acquire(5, second)
	assert.False(t, acquired)
	assert.Same(t, first, holder)
	require.NotNil(t, wake)

	select {
	case <-wake:
		t.Fatal("wake must not close before the holder releases")
	default:
	}

	l.Release(5)

	select {
	case <-wake:
	default:
		t.Fatal("wake must close once the lock is handed to the next waiter")
	}
}

func TestLBNLockReleaseWithNoWaitersFreesTheLock(t *testing.T) {
	l := NewLBNLocks()
	l.Acquire(7, &Request{ID: 1})
	l.Release(7)

	acquired, holder, _ := l.Acquire(7, &Request{ID: 2})
	assert.True(t, acquired)
	assert.Nil(t, holder)
}

func TestLBNLockReleaseHandsOffHolderIdentityFIFO(t *testing.T) {
	l := NewLBNLocks()
	first := &Request{ID: 1}
	second := &Request{ID: 2}
	third := &Request{ID: 3}

	l.Acquire(9, first)
	_, _, wakeSecond := l.Acquire(9, second)
	_, holderForThird, _ := l.Acquire(9, third)
	assert.Same(t, first, holderForThird, "holder reported to a later queuer is still the current lock owner, not the next in line")

	l.Release(9)
	<-wakeSecond

	_, holderForNext, _ := l.Acquire(9, &Request{ID: 4})
	assert.Same(t, second, holderForNext, "Release must hand the lock to the next FIFO waiter and record it as the new holder")
}
