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
	"sync"

	"github.com/dm-vdo/vdo/internal/vdo"
)

// Storage is the physical-block content store the verify and write
// stages read and write. The spec describes the PBN address space but
// not a wire format for the blocks behind it; a process-local map is a
// deliberate stand-in for a real block device's direct I/O path, which
// is out of scope here -- see DESIGN.md.
type Storage struct {
	mu     sync.RWMutex
	blocks map[vdo.PBN][]byte
}

// NewStorage builds an empty physical block store.
func NewStorage() *Storage {
	return &Storage{blocks: make(map[vdo.PBN][]byte)}
}

// Read returns a copy of pbn's stored content, or an all-zero block if
// nothing has been written there yet.
func (s *Storage) Read(pbn vdo.PBN) []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.blocks[pbn]
	if !ok {
		return make([]byte, vdo.BlockSize)
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out
}

// Write stores a copy of data at pbn.
func (s *Storage) Write(pbn vdo.PBN, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := make([]byte, len(data))
	copy(stored, data)
	s.blocks[pbn] = stored
}
