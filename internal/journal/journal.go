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

// Package journal is the recovery-journal collaborator of spec.md §4.6
// and §4.1 step 9: a circular append log of mapping-change entries,
// each one opening and closing the journal vector of the lock counter
// for the ring block it lands in, so the journal head only ever
// advances past entries whose effects are fully durable.
package journal

import (
	"encoding/binary"
	"sync"

	"github.com/tidwall/wal"

	"github.com/dm-vdo/vdo/internal/lockcounter"
	"github.com/dm-vdo/vdo/internal/vdo"
)

// Entry is one recovery-journal record: the mapping change a single
// write-path request applied.
type Entry struct {
	LBN      vdo.LBN
	OldPBN   vdo.PBN
	NewPBN   vdo.PBN
	NewState vdo.MappingState
}

const entryEncodedLen = 8 + 8 + 8 + 1

func encodeEntry(e Entry) []byte {
	buf := make([]byte, entryEncodedLen)
	binary.BigEndian.PutUint64(buf[0:8], uint64(e.LBN))
	binary.BigEndian.PutUint64(buf[8:16], uint64(e.OldPBN))
	binary.BigEndian.PutUint64(buf[16:24], uint64(e.NewPBN))
	buf[24] = byte(e.NewState)
	return buf
}

func decodeEntry(buf []byte) (Entry, error) {
	if len(buf) != entryEncodedLen {
		return Entry{}, vdo.New(vdo.KindMetadataCorruption, "journal: malformed entry record", nil)
	}
	return Entry{
		LBN:      vdo.LBN(binary.BigEndian.Uint64(buf[0:8])),
		OldPBN:   vdo.PBN(binary.BigEndian.Uint64(buf[8:16])),
		NewPBN:   vdo.PBN(binary.BigEndian.Uint64(buf[16:24])),
		NewState: vdo.MappingState(buf[24]),
	}, nil
}

// Journal is the durable, ring-indexed recovery journal.
type Journal struct {
	log        *wal.Log
	counter    *lockcounter.Counter
	blockCount uint64

	mu          sync.Mutex
	nextIndex   uint64 // next wal index (1-based) to write
	oldestIndex uint64 // oldest wal index still retained
}

// Open opens or creates the journal's append log at dir, resuming from
// whatever wal indices already exist, and binds it to counter -- the
// same lock counter the physical and logical zones report their side of
// each entry's durability against.
func Open(dir string, blockCount int, counter *lockcounter.Counter) (*Journal, error) {
	log, err := wal.Open(dir, nil)
	if err != nil {
		return nil, vdo.New(vdo.KindIoError, "journal: open", err)
	}
	last, err := log.LastIndex()
	if err != nil {
		return nil, vdo.New(vdo.KindIoError, "journal: last index", err)
	}
	first, err := log.FirstIndex()
	if err != nil {
		return nil, vdo.New(vdo.KindIoError, "journal: first index", err)
	}
	oldest := first
	if last == 0 {
		oldest = 1
	}
	return &Journal{
		log:         log,
		counter:     counter,
		blockCount:  uint64(blockCount),
		nextIndex:   last + 1,
		oldestIndex: oldest,
	}, nil
}

// Close releases the underlying wal handle.
func (j *Journal) Close() error {
	if err := j.log.Close(); err != nil {
		return vdo.New(vdo.KindIoError, "journal: close", err)
	}
	return nil
}

func (j *Journal) ringBlock(index uint64) uint64 { return (index - 1) % j.blockCount }

// Append reserves the next journal slot, opens its journal vector in the
// lock counter, durably writes the entry, then closes the journal
// vector -- the append itself is what spec.md §4.6 calls "committed to
// the slab journal". It returns the ring-block index the caller must
// pass to the lock counter's logical/physical increments for this
// entry (spec.md §4.1 step 9).
func (j *Journal) Append(e Entry) (journalBlock uint64, err error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	idx := j.nextIndex
	block := j.ringBlock(idx)
	j.counter.IncrementJournal(block)

	if err := j.log.Write(idx, encodeEntry(e)); err != nil {
		j.counter.DecrementJournal(block)
		return 0, vdo.New(vdo.KindIoError, "journal: append", err)
	}
	j.nextIndex++
	j.counter.DecrementJournal(block)
	return block, nil
}

// Read returns the entry stored at walIndex, primarily used by tests and
// recovery replay rather than the live write path.
func (j *Journal) Read(walIndex uint64) (Entry, error) {
	data, err := j.log.Read(walIndex)
	if err != nil {
		return Entry{}, vdo.New(vdo.KindIoError, "journal: read", err)
	}
	return decodeEntry(data)
}

// Notifications exposes the lock counter's unlocked-block channel, which
// the journal zone drains to know when AdvanceHead might make progress.
func (j *Journal) Notifications() <-chan uint64 { return j.counter.Notifications() }

// AdvanceHead truncates the log's front past every retained entry whose
// ring block the lock counter now reports fully unlocked, stopping at
// the first block that is still locked (spec.md §8 testable property:
// "journal block N is advanceable iff all three of its counters are
// zero").
func (j *Journal) AdvanceHead() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	advanced := false
	for j.oldestIndex < j.nextIndex {
		if !j.counter.IsUnlocked(j.ringBlock(j.oldestIndex)) {
			break
		}
		j.oldestIndex++
		advanced = true
	}
	if !advanced {
		return nil
	}
	// The wal cannot truncate past its last written index, so when every
	// entry is retired the newest one stays in the log.
	truncateAt := j.oldestIndex
	if last := j.nextIndex - 1; truncateAt > last {
		truncateAt = last
	}
	if err := j.log.TruncateFront(truncateAt); err != nil {
		return vdo.New(vdo.KindIoError, "journal: truncate front", err)
	}
	return nil
}

// OldestIndex reports the oldest wal index still retained, for tests and
// stats.
func (j *Journal) OldestIndex() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.oldestIndex
}
