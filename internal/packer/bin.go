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

// Package packer implements the compressed-fragment packer of spec.md
// §4.4: single-threaded on the packer zone, it bins compressed requests
// so several small fragments share one physical block, flushing a bin
// once it is full or has aged past a latency threshold.
package packer

import (
	"time"

	"github.com/dm-vdo/vdo/internal/compression"
	"github.com/dm-vdo/vdo/internal/vdo"
)

// Member is one request's compressed fragment waiting in a bin.
type Member struct {
	ID    uint64
	Size  int
	PBN   vdo.PBN
	Slot  vdo.Slot
	State *compression.State
}

// Bin holds up to vdo.MaxCompressionSlots members whose compressed
// sizes sum to at most one physical block.
type Bin struct {
	capacity int
	used     int
	members  []*Member
	opened   time.Time
}

func newBin(capacity int, opened time.Time) *Bin {
	return &Bin{capacity: capacity, opened: opened}
}

func (b *Bin) remaining() int { return b.capacity - b.used }

func (b *Bin) admit(m *Member) {
	m.Slot = vdo.Slot(len(b.members))
	b.members = append(b.members, m)
	b.used += m.Size
}

func (b *Bin) full() bool { return b.remaining() <= 0 || len(b.members) >= vdo.MaxCompressionSlots }

func (b *Bin) age(now time.Time) time.Duration { return now.Sub(b.opened) }

func (b *Bin) remove(id uint64) bool {
	for i, m := range b.members {
		if m.ID == id {
			b.members = append(b.members[:i], b.members[i+1:]...)
			b.used -= m.Size
			return true
		}
	}
	return false
}
