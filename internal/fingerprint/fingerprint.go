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

// Package fingerprint computes the 128-bit content fingerprint used to
// drive deduplication (spec.md §4.1.3) and the routing hashes the zone
// fabric uses to shard LBNs, PBNs and fingerprints across zones
// (spec.md §4.8). Both use murmur3, the same non-cryptographic hash a
// real block-level dedupe index uses for its fingerprint.
package fingerprint

import (
	"encoding/binary"

	"github.com/spaolacci/murmur3"

	"github.com/dm-vdo/vdo/internal/vdo"
)

// Of computes the content fingerprint of a single block's payload. The
// caller is responsible for zero-block short-circuiting (spec.md §4.1.3)
// before calling this -- Of does not special-case an all-zero buffer.
func Of(payload []byte) vdo.Fingerprint {
	hi, lo := murmur3.Sum128(payload)
	var fp vdo.Fingerprint
	binary.BigEndian.PutUint64(fp[0:8], hi)
	binary.BigEndian.PutUint64(fp[8:16], lo)
	return fp
}

// IsZeroPayload reports whether payload is entirely zero bytes.
func IsZeroPayload(payload []byte) bool {
	for _, b := range payload {
		if b != 0 {
			return false
		}
	}
	return true
}

// RouteLBN returns an index in [0, zones) for sharding logical zones by
// LBN (spec.md §4.8: "owns a partition of LBNs by hash").
func RouteLBN(lbn vdo.LBN, zones int) int {
	return routeUint64(uint64(lbn), zones)
}

// RoutePBN returns an index in [0, zones) for sharding physical zones by
// slab index (spec.md §4.8: "owns a partition of PBNs by slab index").
func RoutePBN(slabIndex uint64, zones int) int {
	return routeUint64(slabIndex, zones)
}

// RouteFingerprint returns an index in [0, zones) for sharding hash zones
// by fingerprint (spec.md §4.8: "owns a partition of fingerprints by
// hash").
func RouteFingerprint(fp vdo.Fingerprint, zones int) int {
	return routeUint64(binary.BigEndian.Uint64(fp[0:8]), zones)
}

func routeUint64(v uint64, zones int) int {
	if zones <= 0 {
		return 0
	}
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	h := murmur3.Sum32(buf[:])
	return int(h) % zones
}
