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
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/dm-vdo/vdo/internal/vdolog"
)

// Callback is a unit of work that runs on exactly one zone's goroutine.
// It receives the zone it is running on, which doubles as the "token"
// debug assertions compare against (spec.md §4.8's "asserts that any
// operation touching a zone's state runs on that zone's thread").
type Callback func(z *Zone)

// Zone is a single-threaded shard: a dedicated goroutine draining a FIFO
// queue of callbacks. Logical, physical, hash, journal, packer and
// bio-ack zones are all instances of this type; CPU zones use Pool
// instead, since they own no shard state requiring serialization.
type Zone struct {
	Kind Kind
	ID   int

	queue    chan Callback
	done     chan struct{}
	wg       sync.WaitGroup
	depth    atomic.Int64 // queue depth, for stats
	log      *zap.SugaredLogger
}

// NewZone starts a zone's goroutine and returns the handle. queueSize bounds
// how many pending callbacks may be buffered before Enqueue blocks,
// which is the fabric's only back-pressure mechanism.
func NewZone(kind Kind, id int, queueSize int) *Zone {
	z := &Zone{
		Kind:  kind,
		ID:    id,
		queue: make(chan Callback, queueSize),
		done:  make(chan struct{}),
		log:   vdolog.ForZone(kind.String(), id),
	}
	z.wg.Add(1)
	go z.loop()
	return z
}

func (z *Zone) loop() {
	defer z.wg.Done()
	for {
		select {
		case cb := <-z.queue:
			z.depth.Add(-1)
			cb(z)
		case <-z.done:
			// Drain anything already enqueued before a clean shutdown, so a
			// request mid-flight at suspend time still completes its hop.
			for {
				select {
				case cb := <-z.queue:
					z.depth.Add(-1)
					cb(z)
				default:
					return
				}
			}
		}
	}
}

// Enqueue schedules cb to run on z's goroutine. This is the "continue on
// zone Z with callback C" primitive of spec.md §4.8.
func (z *Zone) Enqueue(cb Callback) {
	z.depth.Add(1)
	z.queue <- cb
}

// TryEnqueue is like Enqueue but never blocks; it reports whether the
// callback was accepted. Used by code that must not suspend its own
// zone's goroutine while scheduling work elsewhere under backpressure.
func (z *Zone) TryEnqueue(cb Callback) bool {
	select {
	case z.queue <- cb:
		z.depth.Add(1)
		return true
	default:
		return false
	}
}

// QueueDepth returns the approximate number of callbacks waiting to run,
// for stats/dump (spec.md §6 admin interface).
func (z *Zone) QueueDepth() int64 { return z.depth.Load() }

// Stop signals the zone's goroutine to drain and exit, then waits for it.
func (z *Zone) Stop() {
	close(z.done)
	z.wg.Wait()
}

// Log returns the zone's scoped logger.
func (z *Zone) Log() *zap.SugaredLogger { return z.log }

// Debug enables the AssertOwner panics below. Off by default so a
// production build pays no cost; nothing in this module sets it, so a
// caller that wants the checks sets it to true itself.
var Debug = false

// AssertOwner panics, when Debug is enabled, if self is not owner --
// i.e. if code claiming to run "on the owning zone" is in fact running
// somewhere else. This stands in for the source's runtime thread-ID
// assertion, expressed as an explicit token comparison since Go has no
// ambient thread identity to interrogate.
func AssertOwner(owner, self *Zone) {
	if !Debug {
		return
	}
	if owner != self {
		panic("zone: operation on " + owner.Kind.String() + " zone state from " + self.Kind.String() + " zone context")
	}
}
