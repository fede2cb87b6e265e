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

// Package dedupe is the dedupe-oracle collaborator of spec.md §6: given a
// fingerprint, it returns a candidate PBN that may hold matching content,
// or reports no advice within a bounded time. The oracle never guarantees
// the candidate still matches -- that is what hash lock VERIFYING is for
// (spec.md §4.5, §8 "stale dedupe advice" scenario); the oracle only
// needs to answer quickly and, most of the time, usefully.
package dedupe

import (
	"context"
	"encoding/binary"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/holiman/bloomfilter/v2"

	"github.com/dm-vdo/vdo/internal/vdo"
)

// Oracle is the index of fingerprint -> most-recently-known PBN, guarded
// by a bloom-filter prefilter (cheap "definitely not present" answers)
// and a bounded local cache of recent query results.
type Oracle struct {
	timeout time.Duration

	mu        sync.RWMutex
	index     map[vdo.Fingerprint]vdo.PBN
	prefilter *bloomfilter.Filter

	cache *lru.Cache[vdo.Fingerprint, vdo.PBN]
}

// New builds an Oracle sized for roughly maxElements distinct
// fingerprints at a target false-positive rate of 1%, with a query
// result cache of cacheSize entries and the given per-query timeout.
func New(maxElements uint64, cacheSize int, timeout time.Duration) (*Oracle, error) {
	filter, err := bloomfilter.NewOptimal(maxElements, 0.01)
	if err != nil {
		return nil, vdo.New(vdo.KindParameterMismatch, "dedupe: build bloom filter", err)
	}
	cache, err := lru.New[vdo.Fingerprint, vdo.PBN](cacheSize)
	if err != nil {
		return nil, vdo.New(vdo.KindParameterMismatch, "dedupe: build result cache", err)
	}
	return &Oracle{
		timeout:   timeout,
		index:     make(map[vdo.Fingerprint]vdo.PBN),
		prefilter: filter,
		cache:     cache,
	}, nil
}

// Post records that fp's content now lives at pbn, making it available
// as dedupe advice to future queries. Called from the journal/block-map
// stages once a unique write's mapping is durable (spec.md §4.1 steps
// 9-10): posting before durability would let a query recommend a PBN
// whose write could still be rolled back.
func (o *Oracle) Post(fp vdo.Fingerprint, pbn vdo.PBN) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.index[fp] = pbn
	o.prefilter.AddHash(fingerprintHash(fp))
	o.cache.Add(fp, pbn)
}

// Invalidate drops fp's advice, e.g. once a decrement frees its PBN back
// to the allocator (the bloom filter keeps reporting a maybe-present
// hit, which is fine: a spurious candidate only costs an extra verify
// that will find a mismatch).
func (o *Oracle) Invalidate(fp vdo.Fingerprint) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.index, fp)
	o.cache.Remove(fp)
}

// Query consults the local cache, then the bloom filter, then the index,
// returning a candidate PBN if one is known. It respects ctx's deadline
// in addition to the oracle's own configured timeout, whichever is
// sooner -- matching "Dedupe query" as a collaborator call the hash-lock
// QUERYING state waits on (spec.md §4.1 step 5, §4.5).
func (o *Oracle) Query(ctx context.Context, fp vdo.Fingerprint) (vdo.PBN, bool, error) {
	deadline := time.Now().Add(o.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if time.Now().After(deadline) {
		return vdo.NoPBN, false, vdo.New(vdo.KindComponentBusy, "dedupe: query deadline exceeded", nil)
	}

	if pbn, ok := o.cache.Get(fp); ok {
		return pbn, true, nil
	}

	o.mu.RLock()
	defer o.mu.RUnlock()
	if !o.prefilter.ContainsHash(fingerprintHash(fp)) {
		return vdo.NoPBN, false, nil
	}
	pbn, ok := o.index[fp]
	return pbn, ok, nil
}

// fingerprintHash folds a 128-bit fingerprint down to the 64-bit hash
// the bloom filter operates on.
func fingerprintHash(fp vdo.Fingerprint) uint64 {
	return binary.BigEndian.Uint64(fp[0:8]) ^ binary.BigEndian.Uint64(fp[8:16])
}
