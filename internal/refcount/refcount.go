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

// Package refcount applies reference-count deltas recorded in the
// recovery journal (spec.md §4.7) under the lock-counter protocol of
// spec.md §4.6: each applied (journal_block, pbn, delta) entry opens a
// physical-vector count before the mutation and closes it after, so the
// journal can tell when every decrement an entry recorded has actually
// landed.
package refcount

import (
	"sync"

	"github.com/dm-vdo/vdo/internal/allocator"
	"github.com/dm-vdo/vdo/internal/lockcounter"
	"github.com/dm-vdo/vdo/internal/vdo"
)

// Engine holds the in-memory reference count for every allocated PBN in
// one physical zone's partition. A real device persists this table in a
// per-slab reference-count block; this Engine keeps the equivalent count
// in memory, which is sufficient to enforce the write-path invariants
// the spec describes.
type Engine struct {
	alloc   *allocator.Allocator
	counter *lockcounter.Counter
	zoneIdx int

	mu   sync.RWMutex
	refs map[vdo.PBN]uint32
}

// New builds a reference-count engine for one physical zone. counter is
// the recovery journal's shared lock counter; alloc is the shared
// allocator whose PBNs this engine counts references for.
func New(alloc *allocator.Allocator, counter *lockcounter.Counter, zoneIdx int) *Engine {
	return &Engine{
		alloc:   alloc,
		counter: counter,
		zoneIdx: zoneIdx,
		refs:    make(map[vdo.PBN]uint32),
	}
}

// Increment raises pbn's reference count by one, opening and closing the
// lock counter's physical vector for journalBlock around the mutation.
// Called both when a write publishes a fresh PBN (count starts at 1) and
// when a dedupe or packer write adds a second owner to an existing PBN.
func (e *Engine) Increment(journalBlock uint64, pbn vdo.PBN) uint32 {
	e.counter.IncrementPhysical(journalBlock, e.zoneIdx)
	defer e.counter.DecrementPhysical(journalBlock, e.zoneIdx)

	e.mu.Lock()
	defer e.mu.Unlock()
	e.refs[pbn]++
	return e.refs[pbn]
}

// Decrement lowers pbn's reference count by one. If the count reaches
// zero, pbn is returned to the allocator's free list -- the PBN's
// lifetime is governed entirely by this count once the allocator has
// cleared its provisional lease (spec.md §4.7).
func (e *Engine) Decrement(journalBlock uint64, pbn vdo.PBN) (uint32, error) {
	e.counter.IncrementPhysical(journalBlock, e.zoneIdx)
	defer e.counter.DecrementPhysical(journalBlock, e.zoneIdx)

	e.mu.Lock()
	defer e.mu.Unlock()
	count, ok := e.refs[pbn]
	if !ok || count == 0 {
		return 0, vdo.New(vdo.KindOutOfRange, "decrement of unreferenced pbn", nil)
	}
	count--
	if count == 0 {
		delete(e.refs, pbn)
		e.alloc.Release(pbn)
		return 0, nil
	}
	e.refs[pbn] = count
	return count, nil
}

// CountOf reports pbn's current reference count, 0 if it holds none.
func (e *Engine) CountOf(pbn vdo.PBN) uint32 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.refs[pbn]
}

// Total sums every tracked reference count, used by the property in
// spec.md §8 ("sum of all reference counts across all blocks equals the
// total count of blocks written via the logical interface since the
// last full rebuild, once all queues are quiesced").
func (e *Engine) Total() uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var total uint64
	for _, c := range e.refs {
		total += uint64(c)
	}
	return total
}
