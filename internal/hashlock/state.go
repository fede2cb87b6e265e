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

// Package hashlock implements the per-fingerprint dedupe coordination
// site of spec.md §4.5: a state machine, one FIFO waiter queue with a
// single elected agent, and at most one PBN lease at a time. A lock is
// created on first need for a fingerprint in a hash zone and returned to
// that zone's free list once its last member leaves (spec.md
// "Lifecycles").
package hashlock

import "github.com/dm-vdo/vdo/internal/vdo"

// State is a hash lock's position in the dedupe decision sequence.
type State uint8

const (
	Initializing State = iota
	Querying
	Deduping
	Verifying
	Updating
	Locking
	Writing
	Unlocking
	Bypassing
)

func (s State) String() string {
	switch s {
	case Initializing:
		return "initializing"
	case Querying:
		return "querying"
	case Deduping:
		return "deduping"
	case Verifying:
		return "verifying"
	case Updating:
		return "updating"
	case Locking:
		return "locking"
	case Writing:
		return "writing"
	case Unlocking:
		return "unlocking"
	case Bypassing:
		return "bypassing"
	default:
		return "invalid"
	}
}

// errWrongState reports an attempted transition that does not match the
// lock's current state -- a programming error in the caller (the request
// pipeline), not a runtime condition a client can recover from.
func errWrongState(from State, want State) error {
	return vdo.New(vdo.KindParameterMismatch, "hash lock: expected state "+want.String()+", found "+from.String(), nil)
}
