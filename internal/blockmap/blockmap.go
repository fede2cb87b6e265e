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

// Package blockmap is the block-map collaborator of spec.md §6: the
// durable LBN -> (PBN, state, slot) mapping table. It is backed by
// cockroachdb/pebble, the same LSM-tree key/value engine the teacher's
// trie path-database layer (triedb/pathdb) sits on top of, fronted by a
// fastcache clean-page cache the way triedb/pathdb/disklayer.go fronts
// its own key/value reads.
package blockmap

import (
	"encoding/binary"

	"github.com/VictoriaMetrics/fastcache"
	"github.com/cockroachdb/pebble"

	"github.com/dm-vdo/vdo/internal/vdo"
)

const mappingEncodedLen = 10 // 8 bytes PBN + 1 byte state + 1 byte slot

// BlockMap is the durable logical-to-physical mapping table.
type BlockMap struct {
	db    *pebble.DB
	clean *fastcache.Cache
}

// Open opens (creating if necessary) the block map at dir, with a clean
// cache of cleanCacheBytes holding recently read mappings.
func Open(dir string, cleanCacheBytes int) (*BlockMap, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, vdo.New(vdo.KindIoError, "blockmap: open", err)
	}
	return &BlockMap{
		db:    db,
		clean: fastcache.New(cleanCacheBytes),
	}, nil
}

// Close releases the underlying pebble handle.
func (m *BlockMap) Close() error {
	if err := m.db.Close(); err != nil {
		return vdo.New(vdo.KindIoError, "blockmap: close", err)
	}
	return nil
}

func lbnKey(lbn vdo.LBN) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], uint64(lbn))
	return k[:]
}

func encodeMapping(m vdo.Mapping) []byte {
	buf := make([]byte, mappingEncodedLen)
	binary.BigEndian.PutUint64(buf[0:8], uint64(m.PBN))
	buf[8] = byte(m.State)
	buf[9] = byte(m.Slot)
	return buf
}

func decodeMapping(buf []byte) (vdo.Mapping, error) {
	if len(buf) != mappingEncodedLen {
		return vdo.Mapping{}, vdo.New(vdo.KindMetadataCorruption, "blockmap: malformed mapping record", nil)
	}
	return vdo.Mapping{
		PBN:   vdo.PBN(binary.BigEndian.Uint64(buf[0:8])),
		State: vdo.MappingState(buf[8]),
		Slot:  vdo.Slot(buf[9]),
	}, nil
}

// Get returns lbn's current mapping, or the zero (unmapped) Mapping if
// none has ever been recorded -- a freshly provisioned device reads as
// entirely unmapped.
func (m *BlockMap) Get(lbn vdo.LBN) (vdo.Mapping, error) {
	key := lbnKey(lbn)
	if cached, ok := m.clean.HasGet(nil, key); ok {
		mapping, err := decodeMapping(cached)
		if err != nil {
			return vdo.Mapping{}, err
		}
		return mapping, nil
	}

	val, closer, err := m.db.Get(key)
	if err == pebble.ErrNotFound {
		return vdo.Mapping{State: vdo.StateUnmapped}, nil
	}
	if err != nil {
		return vdo.Mapping{}, vdo.New(vdo.KindIoError, "blockmap: get", err)
	}
	defer closer.Close()

	mapping, err := decodeMapping(val)
	if err != nil {
		return vdo.Mapping{}, err
	}
	m.clean.Set(key, val)
	return mapping, nil
}

// All calls fn once for every LBN ever recorded in the map, in key
// (LBN) order, stopping and returning fn's error if it returns one. Used
// only during resume/restart to rebuild the in-memory reference-count
// engines and allocator free lists from durable truth (spec.md §8's
// crash-recovery property) -- the write path itself never scans the map.
func (m *BlockMap) All(fn func(lbn vdo.LBN, mapping vdo.Mapping) error) error {
	iter, err := m.db.NewIter(nil)
	if err != nil {
		return vdo.New(vdo.KindIoError, "blockmap: new iterator", err)
	}
	defer iter.Close()

	for valid := iter.First(); valid; valid = iter.Next() {
		lbn := vdo.LBN(binary.BigEndian.Uint64(iter.Key()))
		mapping, err := decodeMapping(iter.Value())
		if err != nil {
			return err
		}
		if err := fn(lbn, mapping); err != nil {
			return err
		}
	}
	return nil
}

// Batch accumulates block-map writes that must become visible together,
// matching "Install new_mapping in the block map page" running as one
// step of the journaled write path (spec.md §4.1 step 10).
type Batch struct {
	parent  *BlockMap
	pb      *pebble.Batch
	touched [][]byte
}

// NewBatch opens a batch for atomic multi-key application.
func (m *BlockMap) NewBatch() *Batch {
	return &Batch{parent: m, pb: m.db.NewBatch()}
}

// Put stages lbn's new mapping in the batch.
func (b *Batch) Put(lbn vdo.LBN, mapping vdo.Mapping) error {
	key := lbnKey(lbn)
	if err := b.pb.Set(key, encodeMapping(mapping), nil); err != nil {
		return vdo.New(vdo.KindIoError, "blockmap: batch set", err)
	}
	b.touched = append(b.touched, key)
	return nil
}

// Commit applies every staged write durably and invalidates the clean
// cache for each key touched, so the next Get re-reads from pebble.
func (b *Batch) Commit() error {
	if err := b.pb.Commit(pebble.Sync); err != nil {
		return vdo.New(vdo.KindIoError, "blockmap: batch commit", err)
	}
	for _, key := range b.touched {
		b.parent.clean.Del(key)
	}
	return nil
}
