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

package request

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dm-vdo/vdo/internal/allocator"
	"github.com/dm-vdo/vdo/internal/blockmap"
	"github.com/dm-vdo/vdo/internal/codec"
	"github.com/dm-vdo/vdo/internal/dedupe"
	"github.com/dm-vdo/vdo/internal/fingerprint"
	"github.com/dm-vdo/vdo/internal/journal"
	"github.com/dm-vdo/vdo/internal/lockcounter"
	"github.com/dm-vdo/vdo/internal/packer"
	"github.com/dm-vdo/vdo/internal/vdo"
	"github.com/dm-vdo/vdo/internal/zone"
)

func testPipelineConfig() vdo.Config {
	return vdo.Config{
		LogicalBlocks:           128,
		PhysicalBlocks:          128,
		SlabSizeBlocks:          32,
		LogicalZones:            2,
		PhysicalZones:           2,
		HashZones:               2,
		CPUZones:                2,
		UseBioAckZone:           true,
		PackerBinCapacity:       4,
		PackerFlushLatency:      20 * time.Millisecond,
		CompressionEnabled:      true,
		DedupeEnabled:           true,
		DedupeTimeout:           50 * time.Millisecond,
		BlockMapCleanCacheBytes: 1 << 20,
		BlockMapDir:             "blockmap",
		JournalDir:              "journal",
		JournalBlockCount:       64,
	}
}

// newTestPipeline wires a full Pipeline the way internal/device.openLocked
// does, over a fresh temp directory.
func newTestPipeline(t *testing.T, cfg vdo.Config) *Pipeline {
	t.Helper()

	fab, err := zone.New(cfg.LogicalZones, cfg.PhysicalZones, cfg.HashZones, cfg.CPUZones, cfg.UseBioAckZone, cfg.SlabSizeBlocks)
	require.NoError(t, err)
	t.Cleanup(fab.Stop)

	counter := lockcounter.New(cfg.JournalBlockCount, cfg.LogicalZones, cfg.PhysicalZones)

	dir := t.TempDir()
	bmap, err := blockmap.Open(filepath.Join(dir, cfg.BlockMapDir), cfg.BlockMapCleanCacheBytes)
	require.NoError(t, err)
	t.Cleanup(func() { _ = bmap.Close() })

	jour, err := journal.Open(filepath.Join(dir, cfg.JournalDir), cfg.JournalBlockCount, counter)
	require.NoError(t, err)
	t.Cleanup(func() { _ = jour.Close() })

	oracle, err := dedupe.New(cfg.LogicalBlocks, 1<<10, cfg.DedupeTimeout)
	require.NoError(t, err)

	alloc := allocator.New(cfg.PhysicalBlocks, cfg.SlabSizeBlocks, cfg.PhysicalZones)
	storage := NewStorage()

	p := New(fab, cfg, alloc, storage, bmap, jour, counter, oracle, codec.Snappy{})

	// Drive packer latency flushes as Device.startPackerTicker does;
	// without them a lone compressed write never leaves its bin.
	tickerStop := make(chan struct{})
	tickerDone := make(chan struct{})
	go func() {
		defer close(tickerDone)
		ticker := time.NewTicker(cfg.PackerFlushLatency / 4)
		defer ticker.Stop()
		for {
			select {
			case now := <-ticker.C:
				fab.PackerZ.Enqueue(func(*zone.Zone) { p.CheckPackerLatency(now) })
			case <-tickerStop:
				return
			}
		}
	}()
	t.Cleanup(func() { close(tickerStop); <-tickerDone })
	return p
}

func submitAndWait(p *Pipeline, lbn vdo.LBN, op vdo.Operation, payload []byte) error {
	req := Acquire(lbn, op, payload)
	p.Submit(req)
	err := req.Wait()
	Release(req)
	return err
}

func TestSubmitTracksAndClearsInFlight(t *testing.T) {
	p := newTestPipeline(t, testPipelineConfig())
	payload := make([]byte, vdo.BlockSize)
	require.NoError(t, submitAndWait(p, 1, vdo.OpWrite, payload))
	assert.Equal(t, 0, p.InFlightCount(), "a finished request must be removed from in-flight tracking")
}

func TestWriteInstallsMappingInBlockMap(t *testing.T) {
	p := newTestPipeline(t, testPipelineConfig())
	payload := make([]byte, vdo.BlockSize)
	payload[0] = 7
	require.NoError(t, submitAndWait(p, 3, vdo.OpWrite, payload))

	mapping, err := p.BlockMap().Get(3)
	require.NoError(t, err)
	assert.True(t, mapping.IsMapped())
	assert.Equal(t, payload, p.Storage().Read(mapping.PBN))
}

func TestSetCompressionEnabledTogglesEligibility(t *testing.T) {
	p := newTestPipeline(t, testPipelineConfig())
	assert.True(t, p.CompressionEnabled())
	p.SetCompressionEnabled(false)
	assert.False(t, p.CompressionEnabled())
	p.SetCompressionEnabled(true)
	assert.True(t, p.CompressionEnabled())
}

func TestSetDedupeEnabledTogglesOracleConsultation(t *testing.T) {
	p := newTestPipeline(t, testPipelineConfig())
	assert.True(t, p.DedupeEnabled())
	p.SetDedupeEnabled(false)
	assert.False(t, p.DedupeEnabled())

	// With dedupe off, two identical writes must not be deduplicated
	// against each other: each gets its own PBN.
	payload := make([]byte, vdo.BlockSize)
	payload[0] = 1
	require.NoError(t, submitAndWait(p, 10, vdo.OpWrite, payload))
	require.NoError(t, submitAndWait(p, 11, vdo.OpWrite, payload))

	m1, err := p.BlockMap().Get(10)
	require.NoError(t, err)
	m2, err := p.BlockMap().Get(11)
	require.NoError(t, err)
	assert.NotEqual(t, m1.PBN, m2.PBN, "dedupe disabled must not share a PBN between identical writes")
}

// TestAllocationExhaustionReportsNoSpaceWithoutWritingPBNZero exercises
// spec.md §7: "NoSpace is reported to the host only if no allocation and
// no dedupe were possible." Every LBN here gets distinct payload, so
// dedupe can never supply a match once the allocator's single slab runs
// out.
func TestAllocationExhaustionReportsNoSpaceWithoutWritingPBNZero(t *testing.T) {
	cfg := testPipelineConfig()
	cfg.LogicalZones = 1
	cfg.PhysicalZones = 1
	cfg.HashZones = 1
	cfg.CPUZones = 1
	cfg.PhysicalBlocks = 4
	cfg.SlabSizeBlocks = 4
	p := newTestPipeline(t, cfg)

	// PBN 0 is reserved, leaving 3 free blocks in the lone slab.
	for i := vdo.LBN(0); i < 3; i++ {
		payload := make([]byte, vdo.BlockSize)
		payload[0] = byte(i + 1)
		require.NoError(t, submitAndWait(p, i, vdo.OpWrite, payload))
	}

	payload := make([]byte, vdo.BlockSize)
	payload[0] = 0xFF
	err := submitAndWait(p, 3, vdo.OpWrite, payload)
	require.Error(t, err)
	assert.Equal(t, vdo.KindNoSpace, vdo.KindOf(err))

	mapping, err := p.BlockMap().Get(3)
	require.NoError(t, err)
	assert.False(t, mapping.IsMapped(), "a NoSpace failure must not install any mapping, especially not PBN 0")
}

// TestMootIfPackingCancelsPackedPredecessorAndFallsBackUncompressed
// exercises spec.md §4.3's cross-zone cancellation signal and §4.4's
// cancellation invariant directly against Pipeline.mootIfPacking: a
// request sitting alone in a packer bin, PACKING, is dislodged and
// falls back to an uncompressed write once a newer write to the same
// LBN queues behind its (still held) LBN lock -- the "Mooted compressor
// write" scenario of spec.md §8 scenario 4. stageLaunch's queuing path
// is exercised separately via the LBNLocks holder-tracking it relies on;
// this test drives mootIfPacking directly so the packer-bin dislodge
// itself does not depend on timing a real second writer's arrival.
func TestMootIfPackingCancelsPackedPredecessorAndFallsBackUncompressed(t *testing.T) {
	p := newTestPipeline(t, testPipelineConfig())

	holder := Acquire(1, vdo.OpWrite, make([]byte, vdo.BlockSize))
	defer Release(holder)

	holder.LogicalZoneIdx = p.fab.ForLBN(holder.LBN).ID
	holder.PhysicalZoneIdx = fingerprint.RouteLBN(holder.LBN, len(p.fab.Physical))
	pbn, err := p.alloc.Allocate(holder.PhysicalZoneIdx)
	require.NoError(t, err)
	holder.HasAllocation = true
	holder.AllocatedPBN = pbn
	holder.Fingerprint = fingerprint.Of(holder.Payload)
	holder.CompressedData = []byte("stand-in-compressed-bytes")

	hz := p.fab.ForFingerprint(holder.Fingerprint)
	reg := p.hashRegs[hz.ID]
	lock := reg.Acquire(holder.Fingerprint)
	holder.HashMemberID = reg.NextMemberID()
	holder.InHashLock = true
	isAgent, _ := lock.Join(holder.HashMemberID)
	require.True(t, isAgent)
	require.NoError(t, lock.StartQuery(holder.HashMemberID))
	require.NoError(t, lock.DedupeMiss(holder.HashMemberID))
	require.NoError(t, lock.BeginWrite(holder.HashMemberID))

	holder.State.Advance() // NOT_STARTED -> COMPRESSING
	holder.State.Advance() // COMPRESSING -> PACKING

	admitted := make(chan struct{})
	p.fab.PackerZ.Enqueue(func(*zone.Zone) {
		p.packed[holder.ID] = &packedEntry{req: holder, lock: lock}
		member := &packer.Member{ID: holder.ID, Size: len(holder.CompressedData), PBN: holder.AllocatedPBN, State: holder.State}
		result, admitErr := p.pack.Admit(member, time.Now())
		assert.NoError(t, admitErr)
		assert.Nil(t, result, "a lone member must not flush by itself")
		close(admitted)
	})
	<-admitted

	p.mootIfPacking(holder)

	// mootIfPacking's own callback was enqueued onto the packer zone
	// before this one; the zone's FIFO ordering guarantees it has
	// finished running by the time this barrier closes.
	barrier := make(chan struct{})
	p.fab.PackerZ.Enqueue(func(*zone.Zone) { close(barrier) })
	<-barrier

	assert.True(t, holder.State.MayNotCompress())
	_, stillPacked := p.packed[holder.ID]
	assert.False(t, stillPacked, "a lone cancelled member must be dislodged from its bin")

	require.NoError(t, holder.Wait())

	mapping, err := p.BlockMap().Get(holder.LBN)
	require.NoError(t, err)
	assert.Equal(t, pbn, mapping.PBN)
	assert.Equal(t, vdo.StateUncompressed, mapping.State, "a mooted compressor write must fall back to an uncompressed write of its own data")
}

func TestRebuildReferenceCountsReclaimsOnlyMappedPBNs(t *testing.T) {
	cfg := testPipelineConfig()
	p := newTestPipeline(t, cfg)

	payload := make([]byte, vdo.BlockSize)
	payload[0] = 9
	require.NoError(t, submitAndWait(p, 1, vdo.OpWrite, payload))

	mapping, err := p.BlockMap().Get(1)
	require.NoError(t, err)

	freeBefore := p.alloc.FreeBlocks()

	// Simulate a fresh allocator (as a resume/restart would build) that
	// has forgotten every lease, then replay the durable block map.
	p.alloc = allocator.New(cfg.PhysicalBlocks, cfg.SlabSizeBlocks, cfg.PhysicalZones)
	require.NoError(t, p.RebuildReferenceCounts())

	assert.Equal(t, freeBefore, p.alloc.FreeBlocks(), "rebuild must reclaim exactly the mapped PBNs, no more and no fewer")
	assert.Equal(t, allocator.LeaseNone, p.alloc.LeaseOf(mapping.PBN), "Claim marks a PBN occupied without granting a lease")
}
