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

package device

import (
	"context"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dm-vdo/vdo/internal/allocator"
	"github.com/dm-vdo/vdo/internal/blockmap"
	"github.com/dm-vdo/vdo/internal/journal"
	"github.com/dm-vdo/vdo/internal/lockcounter"
	"github.com/dm-vdo/vdo/internal/request"
	"github.com/dm-vdo/vdo/internal/vdo"
	"github.com/dm-vdo/vdo/internal/zone"
)

// drainPollInterval is how often Suspend polls the pipeline's in-flight
// count while waiting for it to reach zero.
const drainPollInterval = 2 * time.Millisecond

// beginAdmin enforces spec.md §7's ComponentBusy rule ("another admin
// operation in progress") and returns the unlock function to defer.
func (d *Device) beginAdmin() (unlock func(), err error) {
	d.mu.Lock()
	if d.adminBusy {
		d.mu.Unlock()
		return nil, vdo.New(vdo.KindComponentBusy, "another admin operation is in progress", nil)
	}
	d.adminBusy = true
	d.mu.Unlock()
	return func() {
		d.mu.Lock()
		d.adminBusy = false
		d.mu.Unlock()
	}, nil
}

// Suspend quiesces the device in the fixed order spec.md §5 prescribes:
// packer, then in-flight requests, then the logical zones and their
// durable collaborators. save is accepted for interface symmetry with
// spec.md §6; every commit this device makes is already durable (pebble
// Sync batches, fsync'd wal appends), so there is nothing additional to
// flush.
func (d *Device) Suspend(ctx context.Context, save bool) error {
	unlock, err := d.beginAdmin()
	if err != nil {
		return err
	}
	defer unlock()

	d.mu.Lock()
	state := d.state
	d.mu.Unlock()
	switch state {
	case StateSuspended:
		return vdo.New(vdo.KindInvalidAdminState, "device is already suspended", nil)
	case StateReadOnly:
		return vdo.New(vdo.KindReadOnly, "a read-only device cannot be suspended", nil)
	}

	// Stop the packer's own latency ticker, then force one last flush of
	// whatever is left so no bin is left half-packed across the suspend.
	close(d.tickerStop)
	<-d.tickerDone
	flushed := make(chan struct{})
	d.fab.PackerZ.Enqueue(func(*zone.Zone) {
		d.pipeline.CheckPackerLatency(time.Now().Add(d.cfg.PackerFlushLatency))
		close(flushed)
	})
	select {
	case <-flushed:
	case <-ctx.Done():
		return ctx.Err()
	}

	// Drain every request already admitted before suspend was called.
	// golang.org/x/sync/errgroup gives this a single cancellable waiter
	// instead of a hand-rolled context/ticker select.
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for d.pipeline.InFlightCount() > 0 {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case <-time.After(drainPollInterval):
			}
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		d.startPackerTicker()
		return err
	}

	d.fab.Stop()
	if err := d.bmap.Close(); err != nil {
		return err
	}
	if err := d.jour.Close(); err != nil {
		return err
	}

	d.mu.Lock()
	d.state = StateSuspended
	d.mu.Unlock()
	d.log.Infow("device suspended", "save", save)
	return nil
}

// Resume reverses Suspend: it reopens the durable collaborators, rebuilds
// the in-memory reference-count engines and allocator free lists from the
// block map (the same path a fresh Open takes), restarts the zone fabric
// and the packer ticker, and returns the device to normal operation.
func (d *Device) Resume() error {
	unlock, err := d.beginAdmin()
	if err != nil {
		return err
	}
	defer unlock()

	d.mu.Lock()
	state := d.state
	d.mu.Unlock()
	if state != StateSuspended {
		return vdo.New(vdo.KindInvalidAdminState, "device is not suspended", nil)
	}

	fab, err := zone.New(d.cfg.LogicalZones, d.cfg.PhysicalZones, d.cfg.HashZones, d.cfg.CPUZones, d.cfg.UseBioAckZone, d.cfg.SlabSizeBlocks)
	if err != nil {
		return vdo.New(vdo.KindIoError, "rebuild zone fabric", err)
	}
	counter := lockcounter.New(d.cfg.JournalBlockCount, d.cfg.LogicalZones, d.cfg.PhysicalZones)

	bmap, err := blockmap.Open(d.bmapDir(), d.cfg.BlockMapCleanCacheBytes)
	if err != nil {
		fab.Stop()
		return err
	}
	jour, err := journal.Open(d.jourDir(), d.cfg.JournalBlockCount, counter)
	if err != nil {
		fab.Stop()
		_ = bmap.Close()
		return err
	}

	alloc := allocator.New(d.cfg.PhysicalBlocks, d.cfg.SlabSizeBlocks, d.cfg.PhysicalZones)
	pipeline := request.New(fab, d.cfg, alloc, d.storage, bmap, jour, counter, d.oracle, d.codec)
	pipeline.SetCompressionEnabled(d.pipeline.CompressionEnabled())
	pipeline.SetDedupeEnabled(d.pipeline.DedupeEnabled())
	if err := pipeline.RebuildReferenceCounts(); err != nil {
		fab.Stop()
		_ = bmap.Close()
		_ = jour.Close()
		return err
	}

	d.fab = fab
	d.alloc = alloc
	d.bmap = bmap
	d.jour = jour
	d.counter = counter
	d.pipeline = pipeline
	d.startPackerTicker()

	d.mu.Lock()
	d.state = StateNormal
	d.mu.Unlock()
	d.log.Infow("device resumed")
	return nil
}

func (d *Device) bmapDir() string { return filepath.Join(d.dataDir, d.cfg.BlockMapDir) }
func (d *Device) jourDir() string { return filepath.Join(d.dataDir, d.cfg.JournalDir) }

// GrowLogical increases the logical address space a device exposes
// (spec.md §6 grow_logical). It may only run against a suspended device:
// the write path assumes cfg.LogicalBlocks is fixed for the life of a
// running fabric's logical-zone routing.
func (d *Device) GrowLogical(newLogicalBlocks uint64) error {
	unlock, err := d.beginAdmin()
	if err != nil {
		return err
	}
	defer unlock()

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != StateSuspended {
		return vdo.New(vdo.KindInvalidAdminState, "grow_logical requires a suspended device", nil)
	}
	if newLogicalBlocks < d.cfg.LogicalBlocks {
		return vdo.New(vdo.KindParameterMismatch, "grow_logical cannot shrink the device", nil)
	}
	d.cfg.LogicalBlocks = newLogicalBlocks
	return nil
}

// GrowPhysical increases the physical extent a device's allocator draws
// from (spec.md §6 grow_physical). Like GrowLogical it requires a
// suspended device, since the allocator's slab table is sized once at
// fabric-build time.
func (d *Device) GrowPhysical(newPhysicalBlocks uint64) error {
	unlock, err := d.beginAdmin()
	if err != nil {
		return err
	}
	defer unlock()

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != StateSuspended {
		return vdo.New(vdo.KindInvalidAdminState, "grow_physical requires a suspended device", nil)
	}
	if newPhysicalBlocks < d.cfg.PhysicalBlocks {
		return vdo.New(vdo.KindParameterMismatch, "grow_physical cannot shrink the device", nil)
	}
	d.cfg.PhysicalBlocks = newPhysicalBlocks
	return nil
}

// SetCompression toggles whether new writes are eligible for the packer
// (spec.md §6 set_compression). It takes effect immediately, even on a
// running device.
func (d *Device) SetCompression(enabled bool) {
	d.pipeline.SetCompressionEnabled(enabled)
	d.mu.Lock()
	d.cfg.CompressionEnabled = enabled
	d.mu.Unlock()
}

// SetDedupe toggles whether new writes consult the dedupe oracle
// (spec.md §6 set_dedupe). It takes effect immediately, even on a running
// device.
func (d *Device) SetDedupe(enabled bool) {
	d.pipeline.SetDedupeEnabled(enabled)
	d.mu.Lock()
	d.cfg.DedupeEnabled = enabled
	d.mu.Unlock()
}

// Stats is the structured snapshot spec.md §6's admin stats/dump query
// returns: allocation, whether dedupe and compression are enabled, and
// per-zone queue depths. It reports no dedupe hit rate or compression
// ratio. PhysicalBlocksUsed counts the reserved PBN 0.
type Stats struct {
	DeviceID             string
	State                string
	PhysicalBlocksTotal  uint64
	PhysicalBlocksFree   uint64
	PhysicalBlocksUsed   uint64
	CompressionEnabled   bool
	DedupeEnabled        bool
	InFlightRequests     int
	LogicalZoneDepths    []int64
	PhysicalZoneDepths   []int64
	HashZoneDepths       []int64
	PackerZoneDepth      int64
	JournalZoneDepth     int64
}

// Stats gathers the admin stats/dump query's structured snapshot.
func (d *Device) Stats() Stats {
	state := d.State() // locks/unlocks d.mu itself; must not nest under the lock below

	d.mu.Lock()
	defer d.mu.Unlock()

	free := d.alloc.FreeBlocks()
	s := Stats{
		DeviceID:            d.ID.String(),
		State:               state.String(),
		PhysicalBlocksTotal: d.cfg.PhysicalBlocks,
		PhysicalBlocksFree:  free,
		PhysicalBlocksUsed:  d.cfg.PhysicalBlocks - free,
		CompressionEnabled:  d.pipeline.CompressionEnabled(),
		DedupeEnabled:       d.pipeline.DedupeEnabled(),
		InFlightRequests:    d.pipeline.InFlightCount(),
		PackerZoneDepth:     d.fab.PackerZ.QueueDepth(),
		JournalZoneDepth:    d.fab.JournalZ.QueueDepth(),
	}
	for _, z := range d.fab.Logical {
		s.LogicalZoneDepths = append(s.LogicalZoneDepths, z.QueueDepth())
	}
	for _, z := range d.fab.Physical {
		s.PhysicalZoneDepths = append(s.PhysicalZoneDepths, z.QueueDepth())
	}
	for _, z := range d.fab.HashZ {
		s.HashZoneDepths = append(s.HashZoneDepths, z.QueueDepth())
	}
	return s
}
