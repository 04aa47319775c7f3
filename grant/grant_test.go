// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 The Noisy Sockets Authors.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package grant_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/noisysockets/vif/grant"
	"github.com/noisysockets/vif/mem"
)

func newTable(t *testing.T, entries int) *grant.Table {
	t.Helper()

	region, err := mem.NewRegion(1)
	require.NoError(t, err)

	table, err := grant.NewTable(region[:entries*grant.EntrySize], 7)
	require.NoError(t, err)
	return table
}

func TestTable(t *testing.T) {
	table := newTable(t, 8)
	require.Equal(t, 8, table.Entries())

	pool, err := grant.NewPool(table, 1, 7)
	require.NoError(t, err)

	// Grant a page read-only, as the transmit path does, and map it from
	// the peer's side.

	ref, err := pool.Claim()
	require.NoError(t, err)

	require.NoError(t, pool.Bind(ref, 42, grant.PeerReadOnly))

	frame, err := table.Map(ref, false)
	require.NoError(t, err)
	require.Equal(t, uint32(42), frame)
	require.Equal(t, uint32(42), table.Frame(ref))

	// A read-only grant cannot be mapped for writing.
	_, err = table.Map(ref, true)
	require.ErrorIs(t, err, grant.ErrReadOnly)

	// Revocation must fail while the mapping is live.
	err = pool.End(ref)
	require.ErrorIs(t, err, grant.ErrStillMapped)

	table.Unmap(ref)

	require.NoError(t, pool.End(ref))
	require.NoError(t, pool.Release(ref))

	// A revoked entry no longer permits access.
	_, err = table.Map(ref, false)
	require.ErrorIs(t, err, grant.ErrNotPermitted)
}

func TestTableWritable(t *testing.T) {
	table := newTable(t, 4)

	pool, err := grant.NewPool(table, 1, 3)
	require.NoError(t, err)

	ref, err := pool.Claim()
	require.NoError(t, err)
	require.NoError(t, pool.Bind(ref, 3, grant.PeerWritable))

	frame, err := table.Map(ref, true)
	require.NoError(t, err)
	require.Equal(t, uint32(3), frame)

	table.Unmap(ref)
	require.NoError(t, pool.End(ref))
}

func TestTableBadRefs(t *testing.T) {
	table := newTable(t, 4)

	// Entry zero is reserved and never a live grant.
	_, err := table.Map(grant.Invalid, false)
	require.ErrorIs(t, err, grant.ErrBadRef)

	_, err = table.Map(grant.Ref(100), false)
	require.ErrorIs(t, err, grant.ErrBadRef)
}

func TestNewTable(t *testing.T) {
	region, err := mem.NewRegion(1)
	require.NoError(t, err)

	_, err = grant.NewTable(region[:grant.EntrySize], 0)
	require.ErrorIs(t, err, grant.ErrBadRegion)

	_, err = grant.NewTable(region[:3*grant.EntrySize+1], 0)
	require.ErrorIs(t, err, grant.ErrBadRegion)
}

func TestPoolLifecycle(t *testing.T) {
	table := newTable(t, 8)

	pool, err := grant.NewPool(table, 1, 4)
	require.NoError(t, err)
	require.Equal(t, 4, pool.Count())
	require.Equal(t, 4, pool.Free())

	ref, err := pool.Claim()
	require.NoError(t, err)
	require.Equal(t, 3, pool.Free())

	state, err := pool.State(ref)
	require.NoError(t, err)
	require.Equal(t, grant.StateClaimed, state)

	// A claimed reference cannot be ended, only bound or released.
	require.Error(t, pool.End(ref))

	require.NoError(t, pool.Bind(ref, 1, grant.PeerReadOnly))
	state, _ = pool.State(ref)
	require.Equal(t, grant.StateBound, state)

	// A bound reference cannot be released without ending access first.
	require.Error(t, pool.Release(ref))

	require.NoError(t, pool.End(ref))
	state, _ = pool.State(ref)
	require.Equal(t, grant.StateEnded, state)

	require.NoError(t, pool.Release(ref))
	require.Equal(t, 4, pool.Free())

	// A claimed but never bound reference may be released directly.
	ref, err = pool.Claim()
	require.NoError(t, err)
	require.NoError(t, pool.Release(ref))
	require.Equal(t, 4, pool.Free())
}

func TestPoolExhaustion(t *testing.T) {
	table := newTable(t, 4)

	pool, err := grant.NewPool(table, 1, 2)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err := pool.Claim()
		require.NoError(t, err)
	}

	_, err = pool.Claim()
	require.ErrorIs(t, err, grant.ErrExhausted)
}

func TestPoolLeak(t *testing.T) {
	table := newTable(t, 4)

	pool, err := grant.NewPool(table, 1, 3)
	require.NoError(t, err)

	ref, err := pool.Claim()
	require.NoError(t, err)
	require.NoError(t, pool.Bind(ref, 2, grant.PeerWritable))

	// The peer maps the page and never lets go.
	_, err = table.Map(ref, true)
	require.NoError(t, err)

	err = pool.End(ref)
	require.ErrorIs(t, err, grant.ErrStillMapped)

	require.NoError(t, pool.Leak(ref))
	require.Equal(t, 1, pool.Leaked())

	state, err := pool.State(ref)
	require.NoError(t, err)
	require.Equal(t, grant.StateLeaked, state)

	// A leaked reference is retired for good.
	require.Error(t, pool.Release(ref))
	require.Equal(t, 2, pool.Free())
}

func TestPoolRanges(t *testing.T) {
	table := newTable(t, 8)

	// The reserved entry zero can never be pooled.
	_, err := grant.NewPool(table, 0, 4)
	require.ErrorIs(t, err, grant.ErrBadRef)

	// Nor can a range extend past the table.
	_, err = grant.NewPool(table, 4, 5)
	require.ErrorIs(t, err, grant.ErrBadRef)

	pool, err := grant.NewPool(table, 4, 4)
	require.NoError(t, err)

	_, err = pool.State(grant.Ref(3))
	require.ErrorIs(t, err, grant.ErrBadRef)
	_, err = pool.State(grant.Ref(8))
	require.ErrorIs(t, err, grant.ErrBadRef)
}
