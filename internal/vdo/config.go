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

package vdo

import (
	"fmt"
	"os"
	"time"

	"github.com/naoina/toml"
)

// Config is the device geometry and tunables, loaded once at Open time.
// Field layout mirrors the teacher's flat, validated config-struct idiom
// (params/config.go).
type Config struct {
	// Geometry.
	LogicalBlocks  uint64 `toml:"logical_blocks"`
	PhysicalBlocks uint64 `toml:"physical_blocks"`
	SlabSizeBlocks uint64 `toml:"slab_size_blocks"`

	// Thread/zone fabric (spec.md §4.8).
	LogicalZones  int `toml:"logical_zones"`
	PhysicalZones int `toml:"physical_zones"`
	HashZones     int `toml:"hash_zones"`
	CPUZones      int `toml:"cpu_zones"`
	UseBioAckZone bool `toml:"use_bio_ack_zone"`

	// Packer (spec.md §4.4, §9 open question: latency deadline is a host
	// parameter).
	PackerBinCapacity  int           `toml:"packer_bin_capacity"`
	PackerFlushLatency time.Duration `toml:"packer_flush_latency"`

	// Feature toggles (spec.md §6 admin interface).
	CompressionEnabled bool `toml:"compression_enabled"`
	DedupeEnabled      bool `toml:"dedupe_enabled"`
	DedupeTimeout      time.Duration `toml:"dedupe_timeout"`

	// Caches.
	BlockMapCleanCacheBytes int `toml:"block_map_clean_cache_bytes"`

	// Storage paths for the external collaborators' stand-in backends.
	BlockMapDir string `toml:"block_map_dir"`
	JournalDir  string `toml:"journal_dir"`

	// JournalBlockCount sizes the recovery journal's lock-counter ring
	// (spec.md §4.6): the number of in-flight journal blocks the lock
	// counter tracks at once.
	JournalBlockCount int `toml:"journal_block_count"`
}

// DefaultConfig returns sane defaults for a small test/demo device.
func DefaultConfig() Config {
	return Config{
		LogicalBlocks:           1 << 20,
		PhysicalBlocks:          1 << 18,
		SlabSizeBlocks:          1 << 15,
		LogicalZones:            4,
		PhysicalZones:           4,
		HashZones:               4,
		CPUZones:                4,
		UseBioAckZone:           true,
		PackerBinCapacity:       MaxCompressionSlots,
		PackerFlushLatency:      100 * time.Millisecond,
		CompressionEnabled:      true,
		DedupeEnabled:           true,
		DedupeTimeout:           250 * time.Millisecond,
		BlockMapCleanCacheBytes: 32 << 20,
		BlockMapDir:             "blockmap",
		JournalDir:              "journal",
		JournalBlockCount:       2048,
	}
}

// LoadConfig reads and validates a TOML config file over a copy of
// DefaultConfig, so a field the file does not set keeps its default (a
// field the file sets to zero stays zero) -- the same "parse then
// validate" shape the teacher uses when loading chain configuration.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	return cfg, cfg.Validate()
}

// Validate rejects configurations that would make the write path
// undefined: zero geometry, more slab blocks than physical blocks, a
// packer bin too small to ever pack two fragments.
func (c Config) Validate() error {
	if c.LogicalBlocks == 0 {
		return fmt.Errorf("%w: logical_blocks must be non-zero", ErrParameterMismatch)
	}
	if c.PhysicalBlocks == 0 {
		return fmt.Errorf("%w: physical_blocks must be non-zero", ErrParameterMismatch)
	}
	if c.SlabSizeBlocks == 0 || c.SlabSizeBlocks > c.PhysicalBlocks {
		return fmt.Errorf("%w: slab_size_blocks out of range", ErrParameterMismatch)
	}
	if c.LogicalZones <= 0 || c.PhysicalZones <= 0 || c.HashZones <= 0 || c.CPUZones <= 0 {
		return fmt.Errorf("%w: zone counts must be positive", ErrParameterMismatch)
	}
	if c.PackerBinCapacity < 2 || c.PackerBinCapacity > MaxCompressionSlots {
		return fmt.Errorf("%w: packer_bin_capacity must be in [2, %d]", ErrParameterMismatch, MaxCompressionSlots)
	}
	if c.JournalBlockCount <= 0 {
		return fmt.Errorf("%w: journal_block_count must be positive", ErrParameterMismatch)
	}
	return nil
}

// SlabCount returns the number of slabs the physical extent is divided
// into, rounding up.
func (c Config) SlabCount() uint64 {
	return (c.PhysicalBlocks + c.SlabSizeBlocks - 1) / c.SlabSizeBlocks
}
