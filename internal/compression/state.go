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

// Package compression implements the per-request compression state
// machine of spec.md §4.3: a single atomic word encoding a stage plus a
// veto bit, advanced and cancelled with compare-and-swap so that the
// cancellation signal -- which crosses zones -- never needs a lock.
package compression

import "sync/atomic"

// Stage is the request's position in the compression sub-pipeline.
type Stage uint8

const (
	NotStarted Stage = iota
	Compressing
	Packing
	Writing
	PostPacker
)

func (s Stage) String() string {
	switch s {
	case NotStarted:
		return "not-started"
	case Compressing:
		return "compressing"
	case Packing:
		return "packing"
	case Writing:
		return "writing"
	case PostPacker:
		return "post-packer"
	default:
		return "invalid"
	}
}

const vetoBit uint32 = 1 << 31

// State is the atomic (stage, may_not_compress) word described in
// spec.md §4.3. The zero value is (NotStarted, false), the correct
// initial state for a freshly reset request.
type State struct {
	word atomic.Uint32
}

func pack(stage Stage, veto bool) uint32 {
	w := uint32(stage)
	if veto {
		w |= vetoBit
	}
	return w
}

func unpack(w uint32) (Stage, bool) {
	return Stage(w &^ vetoBit), w&vetoBit != 0
}

// Load reads the current (stage, veto) pair. The underlying atomic load
// is itself the acquire fence spec.md §4.3 requires of readers.
func (s *State) Load() (Stage, bool) {
	return unpack(s.word.Load())
}

// Advance atomically moves from stage_k to stage_{k+1}, jumping directly
// to PostPacker if may_not_compress is set, and returns the resulting
// stage. Contention is retried with CAS until it succeeds, per spec.md
// §4.3.
func (s *State) Advance() Stage {
	for {
		old := s.word.Load()
		stage, veto := unpack(old)
		next := stage
		if veto {
			next = PostPacker
		} else if stage < PostPacker {
			next = stage + 1
		}
		newWord := pack(next, veto)
		if s.word.CompareAndSwap(old, newWord) {
			return next
		}
	}
}

// Cancel sets may_not_compress. It returns true iff this call was the
// first to set the veto bit *and* the request was in Packing at that
// moment, meaning the caller is now responsible for dislodging the
// request from the packer bin it occupies (spec.md §4.3, §4.4
// cancellation invariant).
func (s *State) Cancel() bool {
	for {
		old := s.word.Load()
		stage, veto := unpack(old)
		if veto {
			return false
		}
		newWord := pack(stage, true)
		if s.word.CompareAndSwap(old, newWord) {
			return stage == Packing
		}
	}
}

// SetDone forces the stage to PostPacker and sets may_not_compress,
// idempotently. Used when a request bypasses compression entirely (no
// allocation, FUA, disabled, trim, or no hash lock -- spec.md §4.3).
func (s *State) SetDone() {
	for {
		old := s.word.Load()
		newWord := pack(PostPacker, true)
		if old == newWord {
			return
		}
		if s.word.CompareAndSwap(old, newWord) {
			return
		}
	}
}

// MayNotCompress reports the veto bit without the stage.
func (s *State) MayNotCompress() bool {
	_, veto := s.Load()
	return veto
}

// Reset returns the state to (NotStarted, false). Only safe to call when
// the owning request has been fully released back to its pool -- never
// while any zone might still observe the old word.
func (s *State) Reset() {
	s.word.Store(pack(NotStarted, false))
}
