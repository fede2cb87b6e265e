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
	"github.com/panjf2000/ants/v2"

	"github.com/dm-vdo/vdo/internal/vdolog"
)

// Pool backs the "pool of CPU zones for hashing/compression" of
// spec.md §4.8. Unlike the other zone kinds, CPU work is embarrassingly
// parallel and owns no shard state, so a bounded goroutine pool (rather
// than one dedicated goroutine per CPU zone) is the idiomatic fit.
type Pool struct {
	pool *ants.Pool
}

// NewPool creates a CPU pool with the given worker capacity.
func NewPool(workers int) (*Pool, error) {
	p, err := ants.NewPool(workers, ants.WithNonblocking(false))
	if err != nil {
		return nil, err
	}
	return &Pool{pool: p}, nil
}

// Submit runs fn on a pool worker. It blocks the caller's own zone
// goroutine only long enough to hand off the closure, never for fn's
// duration -- fn itself typically re-enqueues its result onto another
// zone when done.
func (p *Pool) Submit(fn func()) error {
	return p.pool.Submit(fn)
}

// Running reports the number of CPU-pool goroutines currently executing
// work, for stats/dump.
func (p *Pool) Running() int { return p.pool.Running() }

// Release shuts the pool down, waiting for in-flight work to finish.
func (p *Pool) Release() {
	p.pool.Release()
	vdolog.For("cpu-pool").Debug("released")
}
