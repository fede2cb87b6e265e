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

// Package lockcounter implements the recovery-journal lock counter of
// spec.md §4.6: a 3-tuple of counter vectors per journal block
// (journal, logical[z], physical[z]) that lets the journal head advance
// only once every increment a block recorded has a durable, applied
// decrement, without a single global lock on journal progress.
package lockcounter

import "sync/atomic"

// blockCounters holds one journal block's counter vectors. Each slice is
// indexed by zone ID; only the owning zone ever increments or decrements
// its own slot (spec.md §4.6 "Rules").
type blockCounters struct {
	journal atomic.Int32

	logical       []atomic.Int32
	logicalZeroed []atomic.Bool

	physical       []atomic.Int32
	physicalZeroed []atomic.Bool
}

func newBlockCounters(logicalZones, physicalZones int) *blockCounters {
	b := &blockCounters{
		logical:        make([]atomic.Int32, logicalZones),
		logicalZeroed:  make([]atomic.Bool, logicalZones),
		physical:       make([]atomic.Int32, physicalZones),
		physicalZeroed: make([]atomic.Bool, physicalZones),
	}
	// Every counter starts at zero, so every zone starts out zeroed.
	for i := range b.logicalZeroed {
		b.logicalZeroed[i].Store(true)
	}
	for i := range b.physicalZeroed {
		b.physicalZeroed[i].Store(true)
	}
	return b
}

func (b *blockCounters) unlocked() bool {
	if b.journal.Load() != 0 {
		return false
	}
	for i := range b.logicalZeroed {
		if !b.logicalZeroed[i].Load() {
			return false
		}
	}
	for i := range b.physicalZeroed {
		if !b.physicalZeroed[i].Load() {
			return false
		}
	}
	return true
}

// Counter is the lock counter for the whole recovery journal: one
// blockCounters per journal block in the ring.
type Counter struct {
	blocks         []*blockCounters
	logicalZones   int
	physicalZones  int
	unlockedNotify chan uint64 // journal block index that just became unlocked
}

// New builds a lock counter sized for blockCount journal blocks and the
// given zone counts.
func New(blockCount, logicalZones, physicalZones int) *Counter {
	c := &Counter{
		blocks:         make([]*blockCounters, blockCount),
		logicalZones:   logicalZones,
		physicalZones:  physicalZones,
		unlockedNotify: make(chan uint64, blockCount),
	}
	for i := range c.blocks {
		c.blocks[i] = newBlockCounters(logicalZones, physicalZones)
	}
	return c
}

func (c *Counter) block(journalBlock uint64) *blockCounters {
	return c.blocks[journalBlock%uint64(len(c.blocks))]
}

// Notifications returns the channel the journal zone should drain: each
// value is the index of a journal block that just became advanceable.
func (c *Counter) Notifications() <-chan uint64 { return c.unlockedNotify }

// IncrementJournal adds one open entry to journalBlock's journal vector.
// Called by the journal zone when it reserves an entry.
func (c *Counter) IncrementJournal(journalBlock uint64) {
	c.block(journalBlock).journal.Add(1)
}

// DecrementJournal marks one entry in journalBlock committed to the slab
// journal. If this drops the journal vector to zero, the journal zone is
// notified to check whether the block is now fully unlocked.
func (c *Counter) DecrementJournal(journalBlock uint64) {
	b := c.block(journalBlock)
	if b.journal.Add(-1) == 0 {
		c.maybeNotify(journalBlock, b)
	}
}

// IncrementLogical adds one outstanding block-map write for journalBlock,
// owned by logical zone z. Only zone z may call this for its own index.
func (c *Counter) IncrementLogical(journalBlock uint64, z int) {
	b := c.block(journalBlock)
	b.logicalZeroed[z].Store(false)
	b.logical[z].Add(1)
}

// DecrementLogical completes one outstanding block-map write. On
// reaching zero it atomically raises the zone's zeroed flag (spec.md
// §4.6: "on reaching zero for a non-journal counter, atomically set a
// per-zone decrements-zeroed flag").
func (c *Counter) DecrementLogical(journalBlock uint64, z int) {
	b := c.block(journalBlock)
	if b.logical[z].Add(-1) == 0 {
		b.logicalZeroed[z].Store(true)
		c.maybeNotify(journalBlock, b)
	}
}

// IncrementPhysical adds one outstanding reference-count decrement for
// journalBlock, owned by physical zone z.
func (c *Counter) IncrementPhysical(journalBlock uint64, z int) {
	b := c.block(journalBlock)
	b.physicalZeroed[z].Store(false)
	b.physical[z].Add(1)
}

// DecrementPhysical completes one outstanding reference-count decrement.
func (c *Counter) DecrementPhysical(journalBlock uint64, z int) {
	b := c.block(journalBlock)
	if b.physical[z].Add(-1) == 0 {
		b.physicalZeroed[z].Store(true)
		c.maybeNotify(journalBlock, b)
	}
}

func (c *Counter) maybeNotify(journalBlock uint64, b *blockCounters) {
	if !b.unlocked() {
		return
	}
	select {
	case c.unlockedNotify <- journalBlock:
	default:
		// Channel full: the journal zone is behind on draining
		// notifications. IsUnlocked below is still authoritative, so a
		// dropped notification only delays head advancement, it never
		// corrupts it.
	}
}

// IsUnlocked reports whether journalBlock is advanceable right now: all
// three counter vectors are zero (spec.md §8 testable property).
func (c *Counter) IsUnlocked(journalBlock uint64) bool {
	return c.block(journalBlock).unlocked()
}
