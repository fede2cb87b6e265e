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

package allocator

import (
	"github.com/dm-vdo/vdo/internal/fingerprint"
	"github.com/dm-vdo/vdo/internal/vdo"
)

// Allocator partitions the physical extent into slabs and groups them by
// the physical zone that owns them, using the same slab-index -> zone
// routing rule as zone.Fabric.ForPBN so a request's allocator zone and
// its eventual physical zone are always the same zone.
type Allocator struct {
	slabSizeBlocks uint64
	slabs          []*Slab
	byZone         [][]*Slab // byZone[z] lists, in slab-index order, the slabs zone z owns
}

// New builds an Allocator over [0, physicalBlocks) split into slabs of
// slabSizeBlocks, distributed across physicalZones the way
// fingerprint.RoutePBN would route each slab index. PBN 0 is reserved as
// vdo.NoPBN and is never handed out.
func New(physicalBlocks, slabSizeBlocks uint64, physicalZones int) *Allocator {
	slabCount := (physicalBlocks + slabSizeBlocks - 1) / slabSizeBlocks
	a := &Allocator{
		slabSizeBlocks: slabSizeBlocks,
		slabs:          make([]*Slab, slabCount),
		byZone:         make([][]*Slab, physicalZones),
	}
	for i := uint64(0); i < slabCount; i++ {
		first := vdo.PBN(i * slabSizeBlocks)
		count := slabSizeBlocks
		if i == slabCount-1 {
			if remainder := physicalBlocks - i*slabSizeBlocks; remainder < count {
				count = remainder
			}
		}
		if i == 0 {
			// Reserve PBN 0 (vdo.NoPBN) by starting the first slab's free
			// list one block in.
			first = 1
			count--
		}
		s := newSlab(i, first, count)
		a.slabs[i] = s

		z := fingerprint.RoutePBN(i, physicalZones)
		a.byZone[z] = append(a.byZone[z], s)
	}
	return a
}

// SlabForPBN returns the slab owning pbn.
func (a *Allocator) SlabForPBN(pbn vdo.PBN) *Slab {
	return a.slabs[uint64(pbn)/a.slabSizeBlocks]
}

// Allocate grants a write lease on a free PBN within zoneIdx's partition,
// trying its slabs in index order. It reports vdo.ErrNoSpace once every
// slab the zone owns is exhausted, without blocking -- the caller (the
// request pipeline's allocate stage, spec.md §4.7) then carries on
// without an allocation and fails the write with NoSpace only if dedupe
// finds no match either, matching "Allocation: request grants either
// success with (pbn, write_lease) or NO_SPACE".
func (a *Allocator) Allocate(zoneIdx int) (vdo.PBN, error) {
	for _, s := range a.byZone[zoneIdx] {
		if pbn, ok := s.allocate(); ok {
			return pbn, nil
		}
	}
	return vdo.NoPBN, vdo.ErrNoSpace
}

// Release returns pbn to its slab's free list, used to unwind a
// provisional allocation that a request abandons (e.g. a mooted
// compressed write, spec.md §8 scenario 4) without ever publishing it to
// the block map or reference-count engine.
func (a *Allocator) Release(pbn vdo.PBN) {
	a.SlabForPBN(pbn).release(pbn)
}

// SetLease transitions pbn's provisional lease, e.g. write -> read once a
// dedupe verify succeeds, or write -> shared once a packer agent's
// compressed write completes.
func (a *Allocator) SetLease(pbn vdo.PBN, kind LeaseKind) {
	a.SlabForPBN(pbn).setLease(pbn, kind)
}

// ClearLease drops pbn's provisional lease once it has been published
// into the block map: from this point the reference-count engine, not
// the allocator's lease table, governs pbn's lifetime.
func (a *Allocator) ClearLease(pbn vdo.PBN) {
	a.SlabForPBN(pbn).clearLease(pbn)
}

// LeaseOf reports pbn's current provisional lease, LeaseNone if it holds
// none (either free or already published).
func (a *Allocator) LeaseOf(pbn vdo.PBN) LeaseKind {
	return a.SlabForPBN(pbn).leaseOf(pbn)
}

// Claim marks pbn as already occupied, removing it from its slab's free
// list without granting a lease. Used only while reconstructing
// allocator state from the durable block map after a resume or restart
// (spec.md §8's crash-recovery property) -- never during normal
// request processing, which always goes through Allocate.
func (a *Allocator) Claim(pbn vdo.PBN) {
	a.SlabForPBN(pbn).claim(pbn)
}

// FreeBlocks sums the free-list length of every slab, for the admin
// stats query (spec.md §6 "stats").
func (a *Allocator) FreeBlocks() uint64 {
	var total uint64
	for _, s := range a.slabs {
		total += uint64(s.freeCount())
	}
	return total
}
