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

import "github.com/dm-vdo/vdo/internal/vdo"

// Waiter is the member-side handle a request holds while it belongs to a
// hash lock. Wake is closed by the lock exactly once, when this member is
// promoted to agent; a freshly joined first member is already the agent
// and its Wake is never used.
type Waiter struct {
	ID   uint64
	Wake chan struct{}
}

// Lock is the content-addressed coordination site for one fingerprint
// (spec.md §4.5). Only the owning hash zone may call its methods --
// there is no internal locking, matching the "zone-owned, no locks"
// rule spec.md §5 states for hash locks.
type Lock struct {
	Fingerprint vdo.Fingerprint

	state State

	duplicatePBN vdo.PBN
	hasLease     bool

	waiters []*Waiter // waiters[0], if present, is the agent
}

func newLock(fp vdo.Fingerprint) *Lock {
	return &Lock{Fingerprint: fp, state: Initializing}
}

// State returns the lock's current state.
func (l *Lock) State() State { return l.state }

// DuplicatePBN returns the candidate PBN the lock currently holds a
// lease on, and whether a lease is held at all.
func (l *Lock) DuplicatePBN() (vdo.PBN, bool) { return l.duplicatePBN, l.hasLease }

// IsAgent reports whether id is the lock's current agent.
func (l *Lock) IsAgent(id uint64) bool {
	return len(l.waiters) > 0 && l.waiters[0].ID == id
}

// Join adds a new member to the lock's FIFO waiter queue. The first
// member to join an idle lock becomes the agent immediately (isAgent
// true, wake nil); every later arrival is queued and receives a wake
// channel that closes when it is promoted to agent by a later Release.
func (l *Lock) Join(id uint64) (isAgent bool, wake <-chan struct{}) {
	w := &Waiter{ID: id}
	first := len(l.waiters) == 0
	if !first {
		w.Wake = make(chan struct{})
	}
	l.waiters = append(l.waiters, w)
	return first, w.Wake
}

// StartQuery moves INITIALIZING -> QUERYING. Only the agent calls this,
// after computing the fingerprint and joining the lock.
func (l *Lock) StartQuery(agent uint64) error {
	if !l.IsAgent(agent) {
		return errNotAgent(agent)
	}
	if l.state != Initializing {
		return errWrongState(l.state, Initializing)
	}
	l.state = Querying
	return nil
}

// DedupeHit moves QUERYING -> DEDUPING on an oracle hit, recording the
// provisional candidate PBN.
func (l *Lock) DedupeHit(agent uint64, candidate vdo.PBN) error {
	if !l.IsAgent(agent) {
		return errNotAgent(agent)
	}
	if l.state != Querying {
		return errWrongState(l.state, Querying)
	}
	l.duplicatePBN = candidate
	l.state = Deduping
	return nil
}

// DedupeMiss moves QUERYING -> LOCKING on an oracle miss.
func (l *Lock) DedupeMiss(agent uint64) error {
	if !l.IsAgent(agent) {
		return errNotAgent(agent)
	}
	if l.state != Querying {
		return errWrongState(l.state, Querying)
	}
	l.state = Locking
	return nil
}

// BeginVerify moves DEDUPING -> VERIFYING, taking a shared read lease on
// the candidate PBN. A lock holds at most one PBN lease at a time
// (spec.md §4.5); BeginVerify is only ever called right after DedupeHit,
// so no prior lease can exist.
func (l *Lock) BeginVerify(agent uint64) error {
	if !l.IsAgent(agent) {
		return errNotAgent(agent)
	}
	if l.state != Deduping {
		return errWrongState(l.state, Deduping)
	}
	l.hasLease = true
	l.state = Verifying
	return nil
}

// VerifyMatch moves VERIFYING -> UPDATING: the candidate matched
// byte-for-byte and every member will share duplicatePBN.
func (l *Lock) VerifyMatch(agent uint64) error {
	if !l.IsAgent(agent) {
		return errNotAgent(agent)
	}
	if l.state != Verifying {
		return errWrongState(l.state, Verifying)
	}
	l.state = Updating
	return nil
}

// VerifyMismatch moves VERIFYING -> LOCKING: the dedupe advice was
// stale. The read lease on the failed candidate is released before the
// agent proceeds to write its own data (spec.md §4.5: "the old lease is
// released before the new one is acquired").
func (l *Lock) VerifyMismatch(agent uint64) error {
	if !l.IsAgent(agent) {
		return errNotAgent(agent)
	}
	if l.state != Verifying {
		return errWrongState(l.state, Verifying)
	}
	l.hasLease = false
	l.duplicatePBN = vdo.NoPBN
	l.state = Locking
	return nil
}

// BeginWrite moves LOCKING -> WRITING: the agent enters the
// compression/packer pipeline for its own allocation.
func (l *Lock) BeginWrite(agent uint64) error {
	if !l.IsAgent(agent) {
		return errNotAgent(agent)
	}
	if l.state != Locking {
		return errWrongState(l.state, Locking)
	}
	l.state = Writing
	return nil
}

// WriteComplete moves WRITING -> UNLOCKING, recording the PBN the agent
// wrote (so waiting members can dedupe against it) and taking the shared
// lease that now backs it.
func (l *Lock) WriteComplete(agent uint64, pbn vdo.PBN) error {
	if !l.IsAgent(agent) {
		return errNotAgent(agent)
	}
	if l.state != Writing {
		return errWrongState(l.state, Writing)
	}
	l.duplicatePBN = pbn
	l.hasLease = true
	l.state = Unlocking
	return nil
}

// Bypass marks the lock BYPASSING: dedupe is disabled or this is a
// synthesized internal write that must never share a PBN with any other
// request. A bypassing lock has exactly one member and is never joined
// by anyone else.
func (l *Lock) Bypass(agent uint64) error {
	if !l.IsAgent(agent) {
		return errNotAgent(agent)
	}
	l.state = Bypassing
	return nil
}

// Release removes id from the lock. If id was the agent and waiters
// remain, the next waiter is promoted to agent, the lock resets to
// INITIALIZING for its fresh round, and the promoted waiter's Wake
// channel is closed -- the hash zone must then run that waiter's
// continuation. Release reports whether the lock is now empty (its
// caller should return it to the zone's free list) and the ID of any
// newly promoted agent.
func (l *Lock) Release(id uint64) (empty bool, promoted uint64, wasPromoted bool) {
	idx := -1
	for i, w := range l.waiters {
		if w.ID == id {
			idx = i
			break
		}
	}
	if idx == -1 {
		return len(l.waiters) == 0, 0, false
	}
	wasAgent := idx == 0
	l.waiters = append(l.waiters[:idx], l.waiters[idx+1:]...)

	if len(l.waiters) == 0 {
		return true, 0, false
	}
	if wasAgent {
		next := l.waiters[0]
		l.state = Initializing
		if next.Wake != nil {
			close(next.Wake)
		}
		return false, next.ID, true
	}
	return false, 0, false
}

func errNotAgent(id uint64) error {
	return vdo.New(vdo.KindParameterMismatch, "hash lock: caller is not the current agent", nil)
}
