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
	"bytes"
	"context"
	"sync"
	"sync/atomic"
	"time"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/dm-vdo/vdo/internal/allocator"
	"github.com/dm-vdo/vdo/internal/blockmap"
	"github.com/dm-vdo/vdo/internal/codec"
	"github.com/dm-vdo/vdo/internal/dedupe"
	"github.com/dm-vdo/vdo/internal/fingerprint"
	"github.com/dm-vdo/vdo/internal/hashlock"
	"github.com/dm-vdo/vdo/internal/journal"
	"github.com/dm-vdo/vdo/internal/lockcounter"
	"github.com/dm-vdo/vdo/internal/metrics"
	"github.com/dm-vdo/vdo/internal/packer"
	"github.com/dm-vdo/vdo/internal/refcount"
	"github.com/dm-vdo/vdo/internal/vdo"
	"github.com/dm-vdo/vdo/internal/zone"
)

// packedEntry is what the packer zone needs to resume a request once its
// bin flushes: the request itself plus the hash lock it is (still) the
// agent of.
type packedEntry struct {
	req  *Request
	lock *hashlock.Lock
}

// Pipeline wires every write-path collaborator together and drives a
// Request through the twelve stages of spec.md §4.1, one zone hop at a
// time.
type Pipeline struct {
	fab     *zone.Fabric
	cfg     vdo.Config
	alloc   *allocator.Allocator
	storage *Storage
	bmap    *blockmap.BlockMap
	jour    *journal.Journal
	counter *lockcounter.Counter
	oracle  *dedupe.Oracle
	codec   codec.Codec

	lbnLocks   []*LBNLocks
	hashRegs   []*hashlock.Registry
	refEngines []*refcount.Engine

	// pack and packed are touched only from callbacks running on the
	// packer zone -- no lock needed, same discipline as hash locks.
	pack   *packer.Packer
	packed map[uint64]*packedEntry

	// inFlight tracks LBNs with a request currently somewhere in the
	// pipeline, so an admin suspend (spec.md §5) can poll drain progress
	// without threading a wait group through every stage.
	inFlight mapset.Set[vdo.LBN]

	// layouts records, per shared physical block, the byte range each
	// slot's compressed fragment occupies -- written once at packer
	// flush time by that block's owning physical zone, read later under
	// layoutMu by Device.Read (through FragmentAt) on the caller's own
	// goroutine to serve a compressed read. The packer and the
	// block map never need this; it exists only to let Device.Read
	// decompress a fragment without re-deriving the concatenation order
	// spec.md §5 leaves unspecified as a wire format.
	layoutMu sync.RWMutex
	layouts  map[vdo.PBN]map[vdo.Slot]fragment

	// compressionEnabled and dedupeEnabled mirror cfg's initial values
	// but are live-toggleable by the admin interface's set_compression
	// and set_dedupe (spec.md §6), so they are atomics rather than
	// fields read once out of cfg.
	compressionEnabled atomic.Bool
	dedupeEnabled       atomic.Bool

	readOnly readOnlyFlag
}

// fragment is one compressed member's byte range within a shared
// physical block.
type fragment struct {
	offset int
	length int
}

// New builds a Pipeline over an already-started zone fabric and its
// collaborators. counter must be the same lock counter jour was opened
// with.
func New(
	fab *zone.Fabric,
	cfg vdo.Config,
	alloc *allocator.Allocator,
	storage *Storage,
	bmap *blockmap.BlockMap,
	jour *journal.Journal,
	counter *lockcounter.Counter,
	oracle *dedupe.Oracle,
	cdc codec.Codec,
) *Pipeline {
	p := &Pipeline{
		fab:     fab,
		cfg:     cfg,
		alloc:   alloc,
		storage: storage,
		bmap:    bmap,
		jour:    jour,
		counter: counter,
		oracle:  oracle,
		codec:   cdc,
		pack:     packer.New(vdo.BlockSize, cfg.PackerFlushLatency),
		packed:   make(map[uint64]*packedEntry),
		inFlight: mapset.NewSet[vdo.LBN](),
		layouts:  make(map[vdo.PBN]map[vdo.Slot]fragment),
	}
	for range fab.Logical {
		p.lbnLocks = append(p.lbnLocks, NewLBNLocks())
	}
	for range fab.HashZ {
		p.hashRegs = append(p.hashRegs, hashlock.NewRegistry())
	}
	for i := range fab.Physical {
		p.refEngines = append(p.refEngines, refcount.New(alloc, counter, i))
	}
	p.compressionEnabled.Store(cfg.CompressionEnabled)
	p.dedupeEnabled.Store(cfg.DedupeEnabled)
	return p
}

// SetCompressionEnabled toggles whether new writes are eligible for the
// packer (spec.md §6 set_compression); in-flight writes already past the
// compress stage are unaffected.
func (p *Pipeline) SetCompressionEnabled(enabled bool) { p.compressionEnabled.Store(enabled) }

// SetDedupeEnabled toggles whether new writes consult the dedupe oracle
// (spec.md §6 set_dedupe); a write admitted while disabled always takes
// its own PBN.
func (p *Pipeline) SetDedupeEnabled(enabled bool) { p.dedupeEnabled.Store(enabled) }

// Submit assigns req to its logical zone and begins stage 1 (Launch).
func (p *Pipeline) Submit(req *Request) {
	p.inFlight.Add(req.LBN)
	lz := p.fab.ForLBN(req.LBN)
	lz.Enqueue(func(z *zone.Zone) { p.stageLaunch(req, z) })
}

func (p *Pipeline) fail(req *Request, err error) {
	if vdo.IsMetadata(err) {
		p.readOnly.set()
	}
	p.inFlight.Remove(req.LBN)
	req.Finish(err)
}

// failNoSpace reports vdo.ErrNoSpace to the host and unwinds the locks
// req still holds -- unlike fail, this is not a metadata error, so the
// device stays writable and the LBN lock and hash-lock membership it
// leaves behind must be released for other requests to proceed. Nothing
// was journaled or installed into the block map, so there is no old
// mapping to decrement and no reference count to touch.
func (p *Pipeline) failNoSpace(req *Request) {
	lbn := req.LBN
	logicalZoneIdx := req.LogicalZoneIdx
	fp := req.Fingerprint
	memberID := req.HashMemberID
	inHashLock := req.InHashLock

	p.inFlight.Remove(lbn)
	req.Finish(vdo.ErrNoSpace)

	lz := p.fab.Logical[logicalZoneIdx]
	lz.Enqueue(func(zz *zone.Zone) { p.lbnLocks[zz.ID].Release(lbn) })

	if inHashLock {
		hz := p.fab.ForFingerprint(fp)
		hz.Enqueue(func(zz *zone.Zone) {
			p.hashRegs[zz.ID].Release(fp, memberID)
		})
	}
}

// InFlightCount reports how many LBNs currently have a request somewhere
// in the pipeline, for admin suspend's drain poll.
func (p *Pipeline) InFlightCount() int { return p.inFlight.Cardinality() }

// CompressionEnabled reports the live (admin-toggleable) compression
// setting, for the stats query.
func (p *Pipeline) CompressionEnabled() bool { return p.compressionEnabled.Load() }

// DedupeEnabled reports the live (admin-toggleable) dedupe setting, for
// the stats query.
func (p *Pipeline) DedupeEnabled() bool { return p.dedupeEnabled.Load() }

// Storage returns the physical block store the write path reads and
// writes, so the device layer's read path (spec.md §5) can serve a read
// without re-running the write pipeline.
func (p *Pipeline) Storage() *Storage { return p.storage }

// BlockMap returns the durable LBN->mapping collaborator, for the
// device's read path to look up a mapping before fetching its PBN.
func (p *Pipeline) BlockMap() *blockmap.BlockMap { return p.bmap }

// Codec returns the compression codec, so the device's read path can
// decompress a compressed fragment the same way the write path produced
// it.
func (p *Pipeline) Codec() codec.Codec { return p.codec }

// RebuildReferenceCounts replays every live entry in the durable block
// map into the in-memory reference-count engines and allocator free
// lists. The reference-count engine keeps its table purely in memory
// (refcount.Engine's doc comment) so resuming or reopening a device
// after a restart must reconstruct it from the block map, the one
// durable source of truth for which PBNs are live. Callers must invoke
// this before the fabric begins accepting requests -- it touches
// allocator and refcount.Engine state directly rather than through a
// zone hop, which is safe only because nothing else is running yet.
func (p *Pipeline) RebuildReferenceCounts() error {
	return p.bmap.All(func(_ vdo.LBN, m vdo.Mapping) error {
		if !m.IsMapped() {
			return nil
		}
		p.alloc.Claim(m.PBN)
		zoneIdx := p.fab.ForPBN(m.PBN).ID
		p.refEngines[zoneIdx].Increment(0, m.PBN)
		return nil
	})
}

// FragmentAt returns the byte range slot occupies within the shared
// physical block pbn, recorded when that block's packer bin flushed. ok
// is false if pbn was never written as a compressed block or slot is not
// among its members (e.g. pbn has since been reallocated).
func (p *Pipeline) FragmentAt(pbn vdo.PBN, slot vdo.Slot) (offset, length int, ok bool) {
	p.layoutMu.RLock()
	defer p.layoutMu.RUnlock()
	layout, found := p.layouts[pbn]
	if !found {
		return 0, 0, false
	}
	f, found := layout[slot]
	return f.offset, f.length, found
}

// -- Stage 1: Launch (logical zone) --------------------------------------

func (p *Pipeline) stageLaunch(req *Request, z *zone.Zone) {
	req.LogicalZoneIdx = z.ID
	locks := p.lbnLocks[z.ID]
	acquired, holder, wake := locks.Acquire(req.LBN, req)
	if !acquired {
		p.mootIfPacking(holder)
		go func() {
			<-wake
			z.Enqueue(func(zz *zone.Zone) { p.stageLaunchContinue(req, zz) })
		}()
		return
	}
	p.stageLaunchContinue(req, z)
}

// mootIfPacking implements the cross-zone cancellation signal of spec.md
// §4.3: a request queuing behind an LBN lock still held by a predecessor
// cancels that predecessor's compression word. Cancel reports true only
// if the predecessor was PACKING at that instant, meaning it is sitting
// in a packer bin and must be dislodged (spec.md §4.4's cancellation
// invariant, exercised by §8 scenario 4, "Mooted compressor write") --
// any other stage already either ignores the veto bit going forward or
// has nothing to dislodge.
func (p *Pipeline) mootIfPacking(holder *Request) {
	if holder == nil || !holder.State.Cancel() {
		return
	}
	id := holder.ID
	p.fab.PackerZ.Enqueue(func(*zone.Zone) {
		result, ok := p.pack.Cancel(id)
		if !ok {
			return
		}
		// The dislodged member is not in result; write it uncompressed here.
		p.fallBackUncompressed(id)
		if result != nil {
			p.handleFlush(result)
		}
	})
}

func (p *Pipeline) stageLaunchContinue(req *Request, z *zone.Zone) {
	mapping, err := p.bmap.Get(req.LBN)
	if err != nil {
		p.fail(req, err)
		return
	}
	req.OldMapping = mapping

	if req.Operation == vdo.OpFlush {
		// A flush leaves the LBN's mapping untouched: nothing is
		// allocated, journaled or decremented.
		req.NewMapping = mapping
		p.stageAcknowledge(req)
		return
	}

	if req.Operation == vdo.OpTrim {
		req.NewMapping = vdo.Mapping{PBN: vdo.NoPBN, State: vdo.StateUnmapped}
		p.stageJournal(req, z)
		return
	}

	req.PhysicalZoneIdx = fingerprint.RouteLBN(req.LBN, len(p.fab.Physical))
	pz := p.fab.Physical[req.PhysicalZoneIdx]
	pz.Enqueue(func(zz *zone.Zone) { p.stageAllocate(req, zz) })
}

// -- Stage 2: Allocate (physical zone) -----------------------------------

func (p *Pipeline) stageAllocate(req *Request, z *zone.Zone) {
	start := time.Now()
	pbn, err := p.alloc.Allocate(z.ID)
	metrics.AllocateTimer.UpdateSince(start)
	if err != nil {
		metrics.NoSpaceMeter.Mark(1)
		req.HasAllocation = false
		req.AllocatedPBN = vdo.NoPBN
		req.State.Cancel() // sets may_not_compress without forcing PostPacker
	} else {
		req.HasAllocation = true
		req.AllocatedPBN = pbn
	}
	p.fab.CPU.Submit(func() { p.stageHash(req) })
}

// -- Stage 3: Hash (CPU zone) ---------------------------------------------

func (p *Pipeline) stageHash(req *Request) {
	start := time.Now()
	req.Fingerprint = fingerprint.Of(req.Payload)
	req.IsZero = fingerprint.IsZeroPayload(req.Payload)
	metrics.HashTimer.UpdateSince(start)

	lz := p.fab.Logical[req.LogicalZoneIdx]
	if req.IsZero {
		if req.HasAllocation {
			pbn := req.AllocatedPBN
			pz := p.fab.Physical[req.PhysicalZoneIdx]
			pz.Enqueue(func(zz *zone.Zone) {
				p.alloc.Release(pbn)
				req.HasAllocation = false
				lz.Enqueue(func(zzz *zone.Zone) {
					req.NewMapping = vdo.Mapping{PBN: vdo.NoPBN, State: vdo.StateZero}
					p.stageJournal(req, zzz)
				})
			})
			return
		}
		lz.Enqueue(func(zz *zone.Zone) {
			req.NewMapping = vdo.Mapping{PBN: vdo.NoPBN, State: vdo.StateZero}
			p.stageJournal(req, zz)
		})
		return
	}

	hz := p.fab.ForFingerprint(req.Fingerprint)
	hz.Enqueue(func(zz *zone.Zone) { p.stageAcquireHashLock(req, zz) })
}

// -- Stage 4: Acquire hash lock (hash zone) -------------------------------

func (p *Pipeline) stageAcquireHashLock(req *Request, z *zone.Zone) {
	reg := p.hashRegs[z.ID]
	lock := reg.Acquire(req.Fingerprint)
	req.HashMemberID = reg.NextMemberID()
	req.InHashLock = true

	isAgent, wake := lock.Join(req.HashMemberID)
	if !isAgent {
		go func() {
			<-wake
			z.Enqueue(func(zz *zone.Zone) { p.stageDedupeQuery(req, zz, lock) })
		}()
		return
	}
	p.stageDedupeQuery(req, z, lock)
}

// -- Stage 5: Dedupe query ------------------------------------------------

func (p *Pipeline) stageDedupeQuery(req *Request, z *zone.Zone, lock *hashlock.Lock) {
	if err := lock.StartQuery(req.HashMemberID); err != nil {
		z.Log().Errorw("hash lock StartQuery", "err", err)
	}

	if !p.dedupeEnabled.Load() {
		metrics.DedupeMissMeter.Mark(1)
		_ = lock.DedupeMiss(req.HashMemberID)
		p.stageCompress(req, z, lock)
		return
	}

	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.DedupeTimeout)
	candidate, found, err := p.oracle.Query(ctx, req.Fingerprint)
	cancel()
	metrics.DedupeQueryTimer.UpdateSince(start)

	if err != nil || !found {
		metrics.DedupeMissMeter.Mark(1)
		_ = lock.DedupeMiss(req.HashMemberID)
		p.stageCompress(req, z, lock)
		return
	}
	metrics.DedupeHitMeter.Mark(1)
	_ = lock.DedupeHit(req.HashMemberID, candidate)

	pz := p.fab.ForPBN(candidate)
	pz.Enqueue(func(zz *zone.Zone) { p.stageVerify(req, zz, lock, candidate) })
}

// -- Stage 6: Verify (physical zone of the candidate) ---------------------

func (p *Pipeline) stageVerify(req *Request, z *zone.Zone, lock *hashlock.Lock, candidate vdo.PBN) {
	_ = lock.BeginVerify(req.HashMemberID)
	stored := p.storage.Read(candidate)

	if bytes.Equal(stored, req.Payload) {
		metrics.VerifyMatchMeter.Mark(1)
		_ = lock.VerifyMatch(req.HashMemberID)
		req.IsDuplicate = true
		req.NewMapping = vdo.Mapping{PBN: candidate, State: vdo.StateUncompressed}

		if req.HasAllocation {
			pbn := req.AllocatedPBN
			pz := p.fab.Physical[req.PhysicalZoneIdx]
			pz.Enqueue(func(zz *zone.Zone) {
				p.alloc.Release(pbn)
				req.HasAllocation = false
				p.toJournal(req)
			})
			return
		}
		p.toJournal(req)
		return
	}

	// Stale advice: the candidate no longer matches what the oracle
	// promised. Drop it so future queries do not repeat a wasted verify.
	metrics.VerifyMismatchMeter.Mark(1)
	metrics.DedupeStaleMeter.Mark(1)
	p.oracle.Invalidate(req.Fingerprint)
	_ = lock.VerifyMismatch(req.HashMemberID)
	p.stageCompress(req, z, lock)
}

func (p *Pipeline) toJournal(req *Request) {
	lz := p.fab.Logical[req.LogicalZoneIdx]
	lz.Enqueue(func(zz *zone.Zone) { p.stageJournal(req, zz) })
}

// -- Stage 7: Compress (CPU zone) -----------------------------------------

func (p *Pipeline) stageCompress(req *Request, z *zone.Zone, lock *hashlock.Lock) {
	if !req.HasAllocation {
		// Allocation failed back in stage 2 and dedupe did not find a
		// usable duplicate either -- a match would have gone straight
		// from stageVerify to toJournal and never reached here. spec.md
		// §7: NoSpace is reported to the host only when neither an
		// allocation nor a dedupe match was possible, so there is
		// nowhere left for this write to land.
		req.State.SetDone()
		p.failNoSpace(req)
		return
	}

	eligible := req.Operation != vdo.OpFUA &&
		req.Operation != vdo.OpTrim &&
		p.compressionEnabled.Load()

	if !eligible {
		req.State.SetDone()
		p.stageWriteOwn(req, z, lock)
		return
	}

	req.State.Advance() // NOT_STARTED -> COMPRESSING
	p.fab.CPU.Submit(func() {
		start := time.Now()
		out, err := p.codec.Compress(req.Payload, vdo.BlockSize)
		metrics.CompressTimer.UpdateSince(start)
		z.Enqueue(func(zz *zone.Zone) { p.stageAfterCompress(req, zz, lock, out, err) })
	})
}

func (p *Pipeline) stageAfterCompress(req *Request, z *zone.Zone, lock *hashlock.Lock, compressed []byte, compressErr error) {
	if compressErr != nil || req.State.MayNotCompress() {
		req.State.SetDone()
		p.stageWriteOwn(req, z, lock)
		return
	}
	req.CompressedData = compressed
	req.State.Advance() // COMPRESSING -> PACKING (or PostPacker if vetoed meanwhile)

	if req.State.MayNotCompress() {
		p.stageWriteOwn(req, z, lock)
		return
	}

	_ = lock.BeginWrite(req.HashMemberID) // LOCKING -> WRITING
	pz := p.fab.PackerZ
	pz.Enqueue(func(zz *zone.Zone) { p.stagePack(req, zz, lock) })
}

// -- Stage 8: Pack (packer zone) -------------------------------------------

func (p *Pipeline) stagePack(req *Request, z *zone.Zone, lock *hashlock.Lock) {
	member := &packer.Member{
		ID:    req.ID,
		Size:  len(req.CompressedData),
		PBN:   req.AllocatedPBN,
		State: req.State,
	}
	p.packed[req.ID] = &packedEntry{req: req, lock: lock}

	start := time.Now()
	result, err := p.pack.Admit(member, time.Now())
	metrics.PackerAdmitTimer.UpdateSince(start)
	if err != nil {
		delete(p.packed, req.ID)
		req.State.SetDone()
		p.stageWriteOwn(req, z, lock)
		return
	}
	if result != nil {
		p.handleFlush(result)
	}
}

// CheckPackerLatency flushes every bin that has aged past its latency
// threshold without filling (spec.md §4.4 step 4). The device layer calls
// this periodically on the packer zone.
func (p *Pipeline) CheckPackerLatency(now time.Time) {
	start := time.Now()
	for _, result := range p.pack.CheckLatency(now) {
		p.handleFlush(result)
	}
	metrics.PackerFlushTimer.UpdateSince(start)
}

func (p *Pipeline) handleFlush(result *packer.FlushResult) {
	for _, id := range result.Vetoed {
		p.fallBackUncompressed(id)
	}

	if result.Cancelled {
		metrics.PackerCancelMeter.Mark(1)
		for _, id := range result.Members {
			p.fallBackUncompressed(id)
		}
		return
	}

	agentEntry, ok := p.packed[result.AgentID]
	if !ok {
		return
	}
	delete(p.packed, result.AgentID)

	memberData := make(map[uint64][]byte, len(result.Members))
	memberData[result.AgentID] = agentEntry.req.CompressedData
	memberEntries := make(map[uint64]*packedEntry, len(result.Members))
	memberEntries[result.AgentID] = agentEntry
	for _, id := range result.Members {
		if id == result.AgentID {
			continue
		}
		if e, ok := p.packed[id]; ok {
			memberData[id] = e.req.CompressedData
			memberEntries[id] = e
			delete(p.packed, id)
		}
	}

	buf := make([]byte, 0, vdo.BlockSize)
	layout := make(map[vdo.Slot]fragment, len(result.Members))
	for _, id := range result.Members {
		off := len(buf)
		buf = append(buf, memberData[id]...)
		layout[result.Slots[id]] = fragment{offset: off, length: len(memberData[id])}
	}

	agentPBN := result.AgentPBN
	pz := p.fab.ForPBN(agentPBN)
	pz.Enqueue(func(zz *zone.Zone) {
		p.storage.Write(agentPBN, buf)
		p.alloc.SetLease(agentPBN, allocator.LeaseShared)
		p.layoutMu.Lock()
		p.layouts[agentPBN] = layout
		p.layoutMu.Unlock()

		for _, id := range result.Members {
			entry, ok := memberEntries[id]
			if !ok {
				continue
			}
			if id != result.AgentID && entry.req.HasAllocation {
				p.alloc.Release(entry.req.AllocatedPBN)
				entry.req.HasAllocation = false
			}
			slot := result.Slots[id]
			entry.req.NewMapping = vdo.Mapping{PBN: agentPBN, State: vdo.StateCompressed, Slot: slot}
			_ = entry.lock.WriteComplete(entry.req.HashMemberID, agentPBN)
			p.toJournal(entry.req)
		}
	})
}

func (p *Pipeline) fallBackUncompressed(id uint64) {
	entry, ok := p.packed[id]
	if !ok {
		return
	}
	delete(p.packed, id)
	p.stageWriteOwn(entry.req, p.fab.PackerZ, entry.lock)
}

// -- Uncompressed write path -----------------------------------------------

func (p *Pipeline) stageWriteOwn(req *Request, z *zone.Zone, lock *hashlock.Lock) {
	if lock.State() == hashlock.Locking {
		_ = lock.BeginWrite(req.HashMemberID)
	}
	payload := req.Payload
	pbn := req.AllocatedPBN
	pz := p.fab.Physical[req.PhysicalZoneIdx]
	pz.Enqueue(func(zz *zone.Zone) {
		p.storage.Write(pbn, payload)
		req.NewMapping = vdo.Mapping{PBN: pbn, State: vdo.StateUncompressed}
		_ = lock.WriteComplete(req.HashMemberID, pbn)
		p.toJournal(req)
	})
}

// -- Stage 9/10: Journal increment + block-map apply (logical zone) -------

func (p *Pipeline) stageJournal(req *Request, z *zone.Zone) {
	start := time.Now()
	entry := journal.Entry{
		LBN:      req.LBN,
		OldPBN:   req.OldMapping.PBN,
		NewPBN:   req.NewMapping.PBN,
		NewState: req.NewMapping.State,
	}
	block, err := p.jour.Append(entry)
	metrics.JournalWriteTimer.UpdateSince(start)
	if err != nil {
		p.fail(req, err)
		return
	}
	req.JournalBlock = block

	p.counter.IncrementLogical(block, z.ID)

	batch := p.bmap.NewBatch()
	if err := batch.Put(req.LBN, req.NewMapping); err != nil {
		p.counter.DecrementLogical(block, z.ID)
		p.fail(req, err)
		return
	}
	if err := batch.Commit(); err != nil {
		p.counter.DecrementLogical(block, z.ID)
		p.fail(req, err)
		return
	}
	p.counter.DecrementLogical(block, z.ID)

	if req.NewMapping.IsMapped() && req.NewMapping.PBN != vdo.NoPBN {
		pbn := req.NewMapping.PBN
		pz := p.fab.ForPBN(pbn)
		pz.Enqueue(func(zz *zone.Zone) {
			p.refEngines[zz.ID].Increment(block, pbn)
			if req.HasAllocation && req.AllocatedPBN == pbn {
				p.alloc.ClearLease(pbn)
			}
			if !req.IsDuplicate {
				p.oracle.Post(req.Fingerprint, pbn)
			}
			p.stageAcknowledge(req)
		})
		return
	}
	p.stageAcknowledge(req)
}

// -- Stage 11/12: Acknowledge, release locks, decrement old mapping -------

func (p *Pipeline) stageAcknowledge(req *Request) {
	lbn := req.LBN
	logicalZoneIdx := req.LogicalZoneIdx
	fp := req.Fingerprint
	memberID := req.HashMemberID
	inHashLock := req.InHashLock
	journalBlock := req.JournalBlock
	oldMapping := req.OldMapping
	newPBN := req.NewMapping.PBN

	ackNow := func() {
		p.inFlight.Remove(lbn)
		req.Finish(nil)

		lz := p.fab.Logical[logicalZoneIdx]
		lz.Enqueue(func(zz *zone.Zone) { p.lbnLocks[zz.ID].Release(lbn) })

		if inHashLock {
			hz := p.fab.ForFingerprint(fp)
			hz.Enqueue(func(zz *zone.Zone) {
				p.hashRegs[zz.ID].Release(fp, memberID)
			})
		}

		if oldMapping.IsMapped() && oldMapping.PBN != vdo.NoPBN && oldMapping.PBN != newPBN {
			oldPBN := oldMapping.PBN
			pz := p.fab.ForPBN(oldPBN)
			pz.Enqueue(func(zz *zone.Zone) {
				_, _ = p.refEngines[zz.ID].Decrement(journalBlock, oldPBN)
			})
		}
	}

	if p.fab.BioAck != nil {
		p.fab.BioAck.Enqueue(func(*zone.Zone) { ackNow() })
		return
	}
	ackNow()
}

// ReadOnly reports whether the device has transitioned to read-only mode
// due to a metadata I/O error (spec.md §7).
func (p *Pipeline) ReadOnly() bool { return p.readOnly.get() }

type readOnlyFlag struct {
	mu sync.RWMutex
	v  bool
}

func (f *readOnlyFlag) set() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.v = true
}

func (f *readOnlyFlag) get() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.v
}
