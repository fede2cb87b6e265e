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

// Package request implements the request object and write-path pipeline
// of spec.md §4.1: a directed sequence of stages, each running on a
// specific zone's thread, coordinating the allocator, hash lock,
// compression state machine, packer, recovery journal, reference-count
// engine and block map collaborators.
package request

import (
	"sync"

	"github.com/dm-vdo/vdo/internal/compression"
	"github.com/dm-vdo/vdo/internal/vdo"
)

// Request is one host bio (or an internally synthesized rewrite) as it
// moves through the write-path pipeline. Requests are recycled through a
// sync.Pool rather than allocated fresh per I/O (spec.md "Lifecycles");
// the pool does not bound how many Requests exist at once.
type Request struct {
	ID        uint64
	LBN       vdo.LBN
	Operation vdo.Operation
	Payload   []byte

	OldMapping vdo.Mapping
	NewMapping vdo.Mapping

	Fingerprint vdo.Fingerprint
	IsZero      bool

	AllocatedPBN  vdo.PBN
	HasAllocation bool

	HashMemberID uint64
	InHashLock   bool
	IsDuplicate  bool

	CompressedData []byte
	State          *compression.State

	JournalBlock    uint64
	LogicalZoneIdx  int
	PhysicalZoneIdx int

	done chan error
}

var pool = sync.Pool{
	New: func() any {
		return &Request{State: &compression.State{}}
	},
}

// counter hands out process-unique request identifiers. It is a
// package-level, mutex-guarded counter rather than per-pipeline state
// because request IDs must be unique across every zone, not just within
// one. Hash-lock membership IDs come from hashlock.Registry.NextMemberID
// instead.
var counter idCounter

// Acquire returns a zeroed Request ready for a new I/O, taken from the
// pool when possible.
func Acquire(lbn vdo.LBN, op vdo.Operation, payload []byte) *Request {
	r := pool.Get().(*Request)
	r.ID = counter.next()
	r.LBN = lbn
	r.Operation = op
	r.Payload = payload
	r.OldMapping = vdo.Mapping{}
	r.NewMapping = vdo.Mapping{}
	r.Fingerprint = vdo.Fingerprint{}
	r.IsZero = false
	r.AllocatedPBN = vdo.NoPBN
	r.HasAllocation = false
	r.HashMemberID = 0
	r.InHashLock = false
	r.IsDuplicate = false
	r.CompressedData = nil
	r.State.Reset()
	r.JournalBlock = 0
	r.done = make(chan error, 1)
	return r
}

// Release returns r to the pool. Callers must not touch r afterward.
func Release(r *Request) {
	pool.Put(r)
}

// Finish delivers the write path's outcome to whoever is waiting on
// Wait, satisfying the "submit(bio) -> future<ack>" contract of spec.md
// §4.1.
func (r *Request) Finish(err error) {
	r.done <- err
}

// Wait blocks until the request's pipeline run finishes.
func (r *Request) Wait() error {
	return <-r.done
}

type idCounter struct {
	mu    sync.Mutex
	value uint64
}

func (c *idCounter) next() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.value++
	return c.value
}
