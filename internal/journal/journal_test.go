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

package journal

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dm-vdo/vdo/internal/lockcounter"
	"github.com/dm-vdo/vdo/internal/vdo"
)

func openTestJournal(t *testing.T) (*Journal, *lockcounter.Counter) {
	t.Helper()
	counter := lockcounter.New(4, 1, 1)
	j, err := Open(t.TempDir(), 4, counter)
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })
	return j, counter
}

func TestAppendClosesJournalVectorImmediately(t *testing.T) {
	j, counter := openTestJournal(t)
	block, err := j.Append(Entry{LBN: 1, NewPBN: 9, NewState: vdo.StateUncompressed})
	assert.NoError(t, err)
	assert.True(t, counter.IsUnlocked(block), "append alone closes the journal vector, leaving only logical/physical vectors to clear")
}

func TestAdvanceHeadWaitsOnOutstandingCounters(t *testing.T) {
	j, counter := openTestJournal(t)
	block, err := j.Append(Entry{LBN: 1, NewPBN: 9})
	require.NoError(t, err)

	counter.IncrementLogical(block, 0)
	require.NoError(t, j.AdvanceHead())
	assert.Equal(t, uint64(1), j.OldestIndex(), "must not advance past a still-locked block")

	counter.DecrementLogical(block, 0)
	require.NoError(t, j.AdvanceHead())
	assert.Equal(t, uint64(2), j.OldestIndex())
}

func TestReadReturnsAppendedEntry(t *testing.T) {
	j, _ := openTestJournal(t)
	want := Entry{LBN: 5, OldPBN: 3, NewPBN: 9, NewState: vdo.StateCompressed}
	_, err := j.Append(want)
	require.NoError(t, err)

	got, err := j.Read(1)
	assert.NoError(t, err)
	assert.Equal(t, want, got)
}
