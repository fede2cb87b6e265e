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
	lru "github.com/hashicorp/golang-lru"

	"github.com/dm-vdo/vdo/internal/vdo"
)

// freeListSize bounds the number of idle *Lock structs a zone keeps
// ready for reuse before letting the garbage collector reclaim them --
// the same bounded-reuse idea the teacher applies to recently-mined
// blocks (miner/worker.go's recentMinedBlocks), repurposed here to avoid
// reallocating a Lock on every fresh fingerprint.
const freeListSize = 4096

// Registry owns every live hash lock for one hash zone, plus a free list
// of retired Lock structs ready for reuse. Only the owning hash zone
// goroutine may call its methods.
type Registry struct {
	live     map[vdo.Fingerprint]*Lock
	spare    *lru.Cache // *Lock values, keyed meaninglessly (used purely as a bounded FIFO pool)
	next     uint64
	spareSeq uint64
}

// NewRegistry builds a hash-lock registry for one hash zone.
func NewRegistry() *Registry {
	spare, err := lru.New(freeListSize)
	if err != nil {
		// Only returns an error for a non-positive size, which freeListSize
		// never is.
		panic(err)
	}
	return &Registry{
		live:  make(map[vdo.Fingerprint]*Lock),
		spare: spare,
	}
}

// NextMemberID hands out a process-unique (per registry) member
// identifier a request uses to join a lock.
func (r *Registry) NextMemberID() uint64 {
	r.next++
	return r.next
}

// Acquire returns the live lock for fp, creating one (reusing a spare if
// available) if this is the first request to need it this round.
func (r *Registry) Acquire(fp vdo.Fingerprint) *Lock {
	if l, ok := r.live[fp]; ok {
		return l
	}
	var l *Lock
	if _, v, ok := r.spare.RemoveOldest(); ok {
		l = v.(*Lock)
		l.Fingerprint = fp
		l.state = Initializing
		l.duplicatePBN = vdo.NoPBN
		l.hasLease = false
		l.waiters = l.waiters[:0]
	} else {
		l = newLock(fp)
	}
	r.live[fp] = l
	return l
}

// Release removes id from fp's lock, promoting a waiter if one remains,
// or retiring the lock to the free list if it is now empty. It returns
// whatever Lock.Release reported so the caller can wake a promoted
// waiter's continuation on this hash zone.
func (r *Registry) Release(fp vdo.Fingerprint, id uint64) (empty bool, promoted uint64, wasPromoted bool) {
	l, ok := r.live[fp]
	if !ok {
		return true, 0, false
	}
	empty, promoted, wasPromoted = l.Release(id)
	if empty {
		delete(r.live, fp)
		r.spareSeq++
		r.spare.Add(r.spareSeq, l)
	}
	return empty, promoted, wasPromoted
}

// Len reports the number of fingerprints with a live lock right now.
func (r *Registry) Len() int { return len(r.live) }
