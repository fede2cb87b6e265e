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

package packer

import (
	"errors"
	"time"

	"github.com/dm-vdo/vdo/internal/vdo"
)

// ErrTooLarge is returned by Admit when a fragment's compressed size
// alone meets or exceeds one bin's capacity: it can never share a block
// with anything and must take the uncompressed path.
var ErrTooLarge = errors.New("packer: fragment at least as large as one physical block")

// FlushResult describes the outcome of flushing one bin.
type FlushResult struct {
	// Cancelled is true if fewer than two members remained after
	// removing vetoed ones: every member in Members must fall back to
	// an uncompressed write (spec.md §4.4 cancellation invariant).
	Cancelled bool

	// AgentID/AgentPBN are set only when !Cancelled: the member whose
	// allocation becomes the bin's shared physical block.
	AgentID  uint64
	AgentPBN vdo.PBN

	// Members lists every member that must now act on this result: for
	// a successful flush, every packed member (including the agent);
	// for a cancelled flush, every member who was still eligible right
	// up to the cancellation (vetoed members already knew to go
	// uncompressed and are not repeated here).
	Members []uint64

	// Slots maps each packed member, the agent included, to its slot within the
	// shared block. Only populated when !Cancelled.
	Slots map[uint64]vdo.Slot

	// Vetoed lists members removed from the bin because their
	// may_not_compress bit was already set when the bin flushed.
	Vetoed []uint64
}

// Packer is the packer zone's bin set. Only the packer zone goroutine
// may call its methods -- like hash locks, packer bins are zone-owned
// and need no internal locking (spec.md §5).
type Packer struct {
	capacity int
	latency  time.Duration

	bins     []*Bin
	byMember map[uint64]*Bin
}

// New builds a Packer whose bins hold up to capacity bytes (one
// physical block) and flush after latency if never filled.
func New(capacity int, latency time.Duration) *Packer {
	return &Packer{
		capacity: capacity,
		latency:  latency,
		byMember: make(map[uint64]*Bin),
	}
}

// Admit runs the admit operation of spec.md §4.4: reject fragments that
// cannot possibly share a block, otherwise place m in the fullest bin
// with enough remaining capacity (opening a new one if none fits), and
// flush immediately if that bin is now full.
func (p *Packer) Admit(m *Member, now time.Time) (*FlushResult, error) {
	if m.Size >= p.capacity {
		return nil, ErrTooLarge
	}

	bin := p.bestFit(m.Size)
	if bin == nil {
		bin = newBin(p.capacity, now)
		p.bins = append(p.bins, bin)
	}
	bin.admit(m)
	p.byMember[m.ID] = bin

	if bin.full() {
		return p.flush(bin), nil
	}
	return nil, nil
}

// bestFit returns the bin with the least remaining capacity that can
// still hold size bytes, to maximize packing density (spec.md §4.4 step
// 2: "prefer bins closest to full").
func (p *Packer) bestFit(size int) *Bin {
	var best *Bin
	for _, b := range p.bins {
		if b.remaining() < size {
			continue
		}
		if best == nil || b.remaining() < best.remaining() {
			best = b
		}
	}
	return best
}

// CheckLatency flushes every bin that has aged past the configured
// latency threshold without filling, returning one FlushResult per bin
// flushed. The packer zone calls this periodically (spec.md §4.4 step
// 4: "the bin has been open longer than a latency threshold").
func (p *Packer) CheckLatency(now time.Time) []*FlushResult {
	var results []*FlushResult
	for _, b := range append([]*Bin(nil), p.bins...) {
		if b.age(now) >= p.latency {
			results = append(results, p.flush(b))
		}
	}
	return results
}

// Cancel implements the cancellation invariant of spec.md §4.4: a
// member whose compression state transitioned to cancelled while still
// PACKING must be dislodged from its bin, and if that drops membership
// below two, the whole bin cancels immediately rather than waiting for
// its latency deadline. ok is false if id was not packed in any bin
// (e.g. it already flushed).
func (p *Packer) Cancel(id uint64) (result *FlushResult, ok bool) {
	bin, found := p.byMember[id]
	if !found {
		return nil, false
	}
	bin.remove(id)
	delete(p.byMember, id)

	if len(bin.members) >= 2 {
		return nil, true
	}
	return p.flush(bin), true
}

// flush removes bin from the packer's live set and runs the flush
// operation of spec.md §4.4 steps 1-5: advance every member's
// compression state from PACKING to WRITING, drop any that turn out to
// already be vetoed, and either elect an agent or cancel the bin if
// fewer than two members survive.
func (p *Packer) flush(bin *Bin) *FlushResult {
	p.removeBin(bin)

	var remaining, vetoed []uint64
	for _, m := range bin.members {
		m.State.Advance()
		if m.State.MayNotCompress() {
			vetoed = append(vetoed, m.ID)
			continue
		}
		remaining = append(remaining, m.ID)
	}

	if len(remaining) < 2 {
		// Every surviving member falls back to an uncompressed write;
		// vetoed members were already headed there.
		for _, id := range remaining {
			findMember(bin, id).State.SetDone()
		}
		return &FlushResult{Cancelled: true, Members: remaining, Vetoed: vetoed}
	}

	agentID := remaining[0]
	agent := findMember(bin, agentID)
	slots := make(map[uint64]vdo.Slot, len(remaining))
	for _, id := range remaining {
		slots[id] = findMember(bin, id).Slot
	}
	return &FlushResult{
		AgentID:  agentID,
		AgentPBN: agent.PBN,
		Members:  remaining,
		Slots:    slots,
		Vetoed:   vetoed,
	}
}

func findMember(bin *Bin, id uint64) *Member {
	for _, m := range bin.members {
		if m.ID == id {
			return m
		}
	}
	return nil
}

func (p *Packer) removeBin(bin *Bin) {
	for i, b := range p.bins {
		if b == bin {
			p.bins = append(p.bins[:i], p.bins[i+1:]...)
			break
		}
	}
	for _, m := range bin.members {
		delete(p.byMember, m.ID)
	}
}
