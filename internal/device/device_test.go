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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dm-vdo/vdo/internal/vdo"
)

func testConfig() vdo.Config {
	return vdo.Config{
		LogicalBlocks:           256,
		PhysicalBlocks:          256,
		SlabSizeBlocks:          64,
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

func openTestDevice(t *testing.T) *Device {
	t.Helper()
	d, err := Open(t.TempDir(), testConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func TestOpenRegistersAndClosesDeregisters(t *testing.T) {
	d := openTestDevice(t)
	_, ok := Registry.Lookup(d.ID)
	assert.True(t, ok, "Open must register the new instance")

	require.NoError(t, d.Close())
	_, ok = Registry.Lookup(d.ID)
	assert.False(t, ok, "Close must deregister the instance")
}

func TestOpenTwiceOnSameDataDirFails(t *testing.T) {
	dir := t.TempDir()
	d, err := Open(dir, testConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })

	_, err = Open(dir, testConfig())
	require.Error(t, err)
	assert.Equal(t, vdo.KindComponentBusy, vdo.KindOf(err))
}

func TestWriteThenReadRoundTrips(t *testing.T) {
	d := openTestDevice(t)
	payload := make([]byte, vdo.BlockSize)
	for i := range payload {
		payload[i] = byte(i)
	}

	require.NoError(t, d.Submit(vdo.OpWrite, 1, payload))

	got, err := d.Read(1)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestReadUnmappedLBNReturnsZeroBlock(t *testing.T) {
	d := openTestDevice(t)
	got, err := d.Read(99)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, vdo.BlockSize), got)
}

func TestSuspendRejectsWhileAlreadySuspended(t *testing.T) {
	d := openTestDevice(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, d.Suspend(ctx, false))
	assert.Equal(t, StateSuspended, d.State())

	err := d.Suspend(ctx, false)
	require.Error(t, err)
	assert.Equal(t, vdo.KindInvalidAdminState, vdo.KindOf(err))
}

func TestSubmitRejectedWhileSuspended(t *testing.T) {
	d := openTestDevice(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, d.Suspend(ctx, false))

	err := d.Submit(vdo.OpWrite, 1, make([]byte, vdo.BlockSize))
	require.Error(t, err)
	assert.Equal(t, vdo.KindInvalidAdminState, vdo.KindOf(err))
}

func TestResumeRestoresNormalOperationAndData(t *testing.T) {
	d := openTestDevice(t)
	payload := make([]byte, vdo.BlockSize)
	payload[0] = 0xAB
	require.NoError(t, d.Submit(vdo.OpWrite, 5, payload))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, d.Suspend(ctx, false))
	require.NoError(t, d.Resume())
	assert.Equal(t, StateNormal, d.State())

	got, err := d.Read(5)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	// A fresh write after resume must land on a PBN the rebuilt allocator
	// considers free, proving RebuildReferenceCounts correctly reclaimed
	// only the blocks the durable map says are unmapped.
	require.NoError(t, d.Submit(vdo.OpWrite, 6, payload))
}

func TestCloseAfterSuspendDoesNotDoubleStop(t *testing.T) {
	d, err := Open(t.TempDir(), testConfig())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, d.Suspend(ctx, false))

	assert.NotPanics(t, func() {
		require.NoError(t, d.Close())
	})
}

func TestGrowLogicalRequiresSuspend(t *testing.T) {
	d := openTestDevice(t)
	err := d.GrowLogical(512)
	require.Error(t, err)
	assert.Equal(t, vdo.KindInvalidAdminState, vdo.KindOf(err))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, d.Suspend(ctx, false))
	require.NoError(t, d.GrowLogical(512))

	err = d.GrowLogical(100)
	require.Error(t, err, "shrinking must be rejected")
	assert.Equal(t, vdo.KindParameterMismatch, vdo.KindOf(err))
}

func TestSetCompressionAndDedupeTakeEffectImmediately(t *testing.T) {
	d := openTestDevice(t)
	d.SetCompression(false)
	d.SetDedupe(false)

	stats := d.Stats()
	assert.False(t, stats.CompressionEnabled)
	assert.False(t, stats.DedupeEnabled)

	d.SetCompression(true)
	d.SetDedupe(true)
	stats = d.Stats()
	assert.True(t, stats.CompressionEnabled)
	assert.True(t, stats.DedupeEnabled)
}

func TestStatsReportsAllocation(t *testing.T) {
	d := openTestDevice(t)
	before := d.Stats()
	assert.Equal(t, testConfig().PhysicalBlocks, before.PhysicalBlocksTotal)
	// PBN 0 is reserved and never free, so it counts as used.
	assert.Equal(t, uint64(1), before.PhysicalBlocksUsed)

	// An all-zero block takes no PBN, so the payload must be non-zero.
	payload := make([]byte, vdo.BlockSize)
	payload[0] = 1
	require.NoError(t, d.Submit(vdo.OpWrite, 1, payload))
	after := d.Stats()
	assert.Greater(t, after.PhysicalBlocksUsed, before.PhysicalBlocksUsed)
}

func TestAdminOpsMutuallyExclusive(t *testing.T) {
	d := openTestDevice(t)
	unlock, err := d.beginAdmin()
	require.NoError(t, err)
	defer unlock()

	_, err = d.beginAdmin()
	require.Error(t, err)
	assert.Equal(t, vdo.KindComponentBusy, vdo.KindOf(err))
}
