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

// Package zone implements the thread/zone fabric of spec.md §4.8: a
// single-threaded shard per resource class, with cross-zone transfer by
// message passing rather than shared-memory locking.
package zone

// Kind names a class of zone. Each Kind except CPU owns exactly the
// state its name implies and is mutated only by its own goroutine.
type Kind int

const (
	Logical Kind = iota
	Physical
	Hash
	Journal
	Packer
	CPU
	BioAck
)

func (k Kind) String() string {
	switch k {
	case Logical:
		return "logical"
	case Physical:
		return "physical"
	case Hash:
		return "hash"
	case Journal:
		return "journal"
	case Packer:
		return "packer"
	case CPU:
		return "cpu"
	case BioAck:
		return "bio-ack"
	default:
		return "unknown"
	}
}
