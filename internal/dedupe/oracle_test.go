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

package dedupe

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dm-vdo/vdo/internal/vdo"
)

func TestQueryMissesOnUnknownFingerprint(t *testing.T) {
	o, err := New(1000, 64, time.Second)
	require.NoError(t, err)

	pbn, ok, err := o.Query(context.Background(), vdo.Fingerprint{1})
	assert.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, vdo.NoPBN, pbn)
}

func TestPostThenQueryHits(t *testing.T) {
	o, err := New(1000, 64, time.Second)
	require.NoError(t, err)

	fp := vdo.Fingerprint{2}
	o.Post(fp, vdo.PBN(99))

	pbn, ok, err := o.Query(context.Background(), fp)
	assert.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, vdo.PBN(99), pbn)
}

func TestInvalidateRemovesAdvice(t *testing.T) {
	o, err := New(1000, 64, time.Second)
	require.NoError(t, err)

	fp := vdo.Fingerprint{3}
	o.Post(fp, vdo.PBN(5))
	o.Invalidate(fp)

	_, ok, err := o.Query(context.Background(), fp)
	assert.NoError(t, err)
	assert.False(t, ok, "invalidated advice must not be served from the index")
}

func TestQueryRespectsExpiredContextDeadline(t *testing.T) {
	o, err := New(1000, 64, time.Minute)
	require.NoError(t, err)

	fp := vdo.Fingerprint{4}
	o.Post(fp, vdo.PBN(1))

	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()

	_, _, err = o.Query(ctx, fp)
	assert.Error(t, err)
}
