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

package zone

import (
	"github.com/dm-vdo/vdo/internal/fingerprint"
	"github.com/dm-vdo/vdo/internal/vdo"
)

const defaultQueueSize = 4096

// Fabric owns every zone in the device: one per configured logical,
// physical and hash thread ID, one journal zone, one packer zone, a CPU
// pool, and an optional bio-ack zone (spec.md §4.8).
type Fabric struct {
	Logical  []*Zone
	Physical []*Zone
	HashZ    []*Zone
	JournalZ *Zone
	PackerZ  *Zone
	BioAck   *Zone // nil if not configured
	CPU      *Pool

	slabSizeBlocks uint64
}

// New builds the fabric for the given geometry/thread counts.
func New(logicalZones, physicalZones, hashZones, cpuWorkers int, useBioAck bool, slabSizeBlocks uint64) (*Fabric, error) {
	f := &Fabric{slabSizeBlocks: slabSizeBlocks}
	for i := 0; i < logicalZones; i++ {
		f.Logical = append(f.Logical, New2(Logical, i))
	}
	for i := 0; i < physicalZones; i++ {
		f.Physical = append(f.Physical, New2(Physical, i))
	}
	for i := 0; i < hashZones; i++ {
		f.HashZ = append(f.HashZ, New2(Hash, i))
	}
	f.JournalZ = New2(Journal, 0)
	f.PackerZ = New2(Packer, 0)
	if useBioAck {
		f.BioAck = New2(BioAck, 0)
	}
	pool, err := NewPool(cpuWorkers)
	if err != nil {
		return nil, err
	}
	f.CPU = pool
	return f, nil
}

// New2 is NewZone with the package's default queue size; kept as a tiny
// indirection so tests can construct a single zone without building a
// whole fabric.
func New2(kind Kind, id int) *Zone { return NewZone(kind, id, defaultQueueSize) }

// ForLBN returns the logical zone owning lbn.
func (f *Fabric) ForLBN(lbn vdo.LBN) *Zone {
	return f.Logical[fingerprint.RouteLBN(lbn, len(f.Logical))]
}

// ForPBN returns the physical zone owning pbn's slab.
func (f *Fabric) ForPBN(pbn vdo.PBN) *Zone {
	slabIndex := uint64(pbn) / f.slabSizeBlocks
	return f.Physical[fingerprint.RoutePBN(slabIndex, len(f.Physical))]
}

// ForFingerprint returns the hash zone owning fp.
func (f *Fabric) ForFingerprint(fp vdo.Fingerprint) *Zone {
	return f.HashZ[fingerprint.RouteFingerprint(fp, len(f.HashZ))]
}

// Stop shuts down every zone in the fabric in the order admin suspend
// requires deference to (spec.md §5: packer -> ... -> logical -> ...  ->
// journal); callers that need the full admin ordering use device.Suspend
// instead, which also drains in-flight requests between these steps.
func (f *Fabric) Stop() {
	f.PackerZ.Stop()
	for _, z := range f.Logical {
		z.Stop()
	}
	for _, z := range f.Physical {
		z.Stop()
	}
	for _, z := range f.HashZ {
		z.Stop()
	}
	f.JournalZ.Stop()
	if f.BioAck != nil {
		f.BioAck.Stop()
	}
	f.CPU.Release()
}
