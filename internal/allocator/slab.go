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

// Package allocator implements the slab/allocator zone of spec.md §4.7 and
// §3: a contiguous PBN range mutated only by its owning (physical) zone,
// exposing "open a provisional lease on a free PBN" and "release lease"
// as its only core-visible operations.
package allocator

import "github.com/dm-vdo/vdo/internal/vdo"

// LeaseKind is the kind of PBN lease a request currently holds.
type LeaseKind uint8

const (
	LeaseNone LeaseKind = iota
	// LeaseWrite is held from allocation until the block's content has
	// been written and acknowledged (spec.md §3 invariant).
	LeaseWrite
	// LeaseRead is a shared read lease, held while verifying a dedupe
	// candidate or reading an already-shared compressed block.
	LeaseRead
	// LeaseShared is the downgraded lease a packer agent holds on its
	// PBN after the packed write completes (spec.md §4.4 step 5).
	LeaseShared
)

// Slab is a contiguous PBN range with its own free list and provisional
// lease table. Only its owning physical zone may call its methods.
type Slab struct {
	Index      uint64
	FirstPBN   vdo.PBN
	BlockCount uint64

	free   []vdo.PBN
	leases map[vdo.PBN]LeaseKind
}

func newSlab(index uint64, first vdo.PBN, count uint64) *Slab {
	free := make([]vdo.PBN, count)
	for i := uint64(0); i < count; i++ {
		free[i] = first + vdo.PBN(i)
	}
	return &Slab{
		Index:      index,
		FirstPBN:   first,
		BlockCount: count,
		free:       free,
		leases:     make(map[vdo.PBN]LeaseKind, count),
	}
}

// allocate pops a free PBN and grants it a write lease, or reports
// NO_SPACE via ok=false.
func (s *Slab) allocate() (pbn vdo.PBN, ok bool) {
	if len(s.free) == 0 {
		return vdo.NoPBN, false
	}
	n := len(s.free) - 1
	pbn = s.free[n]
	s.free = s.free[:n]
	s.leases[pbn] = LeaseWrite
	return pbn, true
}

// release returns pbn to the free list, dropping any lease it held. It
// is called both when a provisional allocation is aborted and when the
// reference-count engine reaches zero for a published PBN.
func (s *Slab) release(pbn vdo.PBN) {
	delete(s.leases, pbn)
	s.free = append(s.free, pbn)
}

// setLease transitions pbn's lease, e.g. write -> read after verification
// succeeds, or write -> shared after a packer agent's write completes.
func (s *Slab) setLease(pbn vdo.PBN, kind LeaseKind) {
	s.leases[pbn] = kind
}

// clearLease drops pbn's provisional lease without freeing the PBN --
// used once a PBN has been published into the block map and its
// lifetime is now governed purely by the reference-count engine.
func (s *Slab) clearLease(pbn vdo.PBN) {
	delete(s.leases, pbn)
}

func (s *Slab) leaseOf(pbn vdo.PBN) LeaseKind {
	return s.leases[pbn]
}

func (s *Slab) freeCount() int { return len(s.free) }

// claim removes a specific pbn from the free list without granting it a
// lease, used to mark a block already occupied -- per the durable block
// map -- as unavailable for allocation. A no-op if pbn is not free (e.g.
// claimed twice while replaying a block shared by several compressed
// slots).
func (s *Slab) claim(pbn vdo.PBN) {
	for i, p := range s.free {
		if p == pbn {
			s.free[i] = s.free[len(s.free)-1]
			s.free = s.free[:len(s.free)-1]
			return
		}
	}
}
