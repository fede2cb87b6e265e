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

import "github.com/dm-vdo/vdo/internal/vdo"

// waiter is one request queued behind an LBN lock it does not yet hold.
type waiter struct {
	req  *Request
	wake chan struct{}
}

// LBNLocks is the FIFO lock set of spec.md §4.2: one queue per logical
// block's page slot, held from stage 1 through stage 10, mutated only by
// the owning logical zone. held also remembers which request currently
// owns each lock, so a request arriving behind one in use can moot it
// (spec.md §4.3: "a writer for a newer LBN may need to cancel a still-
// packed older version to free the output bin").
type LBNLocks struct {
	held    map[vdo.LBN]*Request
	waiters map[vdo.LBN][]waiter
}

// NewLBNLocks builds an empty lock set for one logical zone.
func NewLBNLocks() *LBNLocks {
	return &LBNLocks{
		held:    make(map[vdo.LBN]*Request),
		waiters: make(map[vdo.LBN][]waiter),
	}
}

// Acquire grants the lock immediately to req if lbn is free, or queues
// req FIFO behind whoever already holds it. wake is nil when acquired is
// true; otherwise it closes once req reaches the front of the queue and
// the lock has been handed to it. holder is the request currently
// holding lbn's lock -- non-nil only when acquired is false, so the
// caller can attempt to moot it out of the compression path rather than
// simply wait.
func (l *LBNLocks) Acquire(lbn vdo.LBN, req *Request) (acquired bool, holder *Request, wake <-chan struct{}) {
	if cur := l.held[lbn]; cur == nil {
		l.held[lbn] = req
		return true, nil, nil
	}
	ch := make(chan struct{})
	l.waiters[lbn] = append(l.waiters[lbn], waiter{req: req, wake: ch})
	return false, l.held[lbn], ch
}

// Release hands the lock to the next queued waiter, if any, recording it
// as the new holder, or marks lbn free.
func (l *LBNLocks) Release(lbn vdo.LBN) {
	queue := l.waiters[lbn]
	if len(queue) == 0 {
		delete(l.held, lbn)
		return
	}
	next := queue[0]
	l.waiters[lbn] = queue[1:]
	l.held[lbn] = next.req
	close(next.wake)
}
