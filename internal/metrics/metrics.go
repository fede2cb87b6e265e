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

// Package metrics registers the write path's counters, meters and timers
// against a single process-wide registry, mirroring the package-level
// metrics.NewRegisteredTimer idiom of the teacher's miner/worker.go
// (writeBlockTimer, finalizeBlockTimer) but built directly on
// rcrowley/go-metrics rather than go-ethereum's wrapper around it.
package metrics

import (
	gometrics "github.com/rcrowley/go-metrics"
)

var Registry = gometrics.NewRegistry()

func newTimer(name string) gometrics.Timer {
	t := gometrics.NewTimer()
	gometrics.GetOrRegister(name, t, Registry)
	return t
}

func newMeter(name string) gometrics.Meter {
	m := gometrics.NewMeter()
	gometrics.GetOrRegister(name, m, Registry)
	return m
}

func newCounter(name string) gometrics.Counter {
	c := gometrics.NewCounter()
	gometrics.GetOrRegister(name, c, Registry)
	return c
}

var (
	AllocateTimer     = newTimer("allocator/allocate")
	HashTimer         = newTimer("cpu/hash")
	CompressTimer     = newTimer("cpu/compress")
	DedupeQueryTimer  = newTimer("dedupe/query")
	PackerAdmitTimer  = newTimer("packer/admit")
	PackerFlushTimer  = newTimer("packer/flush")
	JournalWriteTimer = newTimer("journal/write")

	DedupeHitMeter     = newMeter("dedupe/hit")
	DedupeMissMeter    = newMeter("dedupe/miss")
	DedupeStaleMeter   = newMeter("dedupe/stale")
	VerifyMatchMeter   = newMeter("verify/match")
	VerifyMismatchMeter = newMeter("verify/mismatch")
	PackerCancelMeter  = newMeter("packer/cancel")
	NoSpaceMeter       = newMeter("allocator/nospace")

	BlocksAllocatedCounter = newCounter("slab/blocksAllocated")
	BlocksFreeCounter      = newCounter("slab/blocksFree")
)
