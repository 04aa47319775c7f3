// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 The Noisy Sockets Authors.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package vif_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noisysockets/vif"
	"github.com/noisysockets/vif/internal/simback"
	"github.com/noisysockets/vif/internal/util"
	"github.com/noisysockets/vif/mem"
)

func fillSequence(b []byte) {
	for i := range b {
		b[i] = byte(i)
	}
}

func TestSend(t *testing.T) {
	dev, harness := newConnectedDevice(t, nil, nil)
	pool := dev.PacketPool()

	pkt, err := pool.Allocate(100)
	require.NoError(t, err)
	fillSequence(pkt.Head)
	want := append([]byte(nil), pkt.Head...)

	require.NoError(t, dev.Send(pkt))

	frames, err := harness.Backend.ProcessTx()
	require.NoError(t, err)
	require.Len(t, frames, 1)
	require.Equal(t, want, frames[0].Data)
	require.False(t, frames[0].CsumBlank)
	require.False(t, frames[0].CsumValid)

	stats := dev.Stats()
	require.Equal(t, uint64(1), stats.TxPackets)
	require.Equal(t, uint64(100), stats.TxBytes)

	// Completion hands the packet and its page back.
	require.Eventually(t, func() bool {
		return pool.Count() == 0
	}, 5*time.Second, time.Millisecond)
}

func TestSendScatterGather(t *testing.T) {
	dev, harness := newConnectedDevice(t, nil, nil)
	pool := dev.PacketPool()
	arena := dev.Arena()

	// A head crossing one page boundary plus a trailing fragment: three
	// descriptors on the wire, the first carrying the total length.
	pkt, err := pool.Allocate(5000)
	require.NoError(t, err)
	fillSequence(pkt.Head)

	frag, err := arena.Alloc()
	require.NoError(t, err)
	fillSequence(frag.Data[:700])
	pkt.Frags = append(pkt.Frags, vif.Fragment{Page: frag, Offset: 0, Len: 700})

	want := make([]byte, 0, 5700)
	want = append(want, pkt.Head...)
	want = append(want, frag.Data[:700]...)

	require.NoError(t, dev.Send(pkt))

	frames, err := harness.Backend.ProcessTx()
	require.NoError(t, err)
	require.Len(t, frames, 1)
	require.Equal(t, want, frames[0].Data)

	require.Eventually(t, func() bool {
		return pool.Count() == 0
	}, 5*time.Second, time.Millisecond)
}

func TestSendDescriptorChain(t *testing.T) {
	dev, harness := newConnectedDevice(t, nil, nil)
	pool := dev.PacketPool()
	arena := dev.Arena()

	// A 1500 byte head plus two page fragments, no offload: exactly three
	// descriptors on the wire.
	pkt, err := pool.Allocate(1500)
	require.NoError(t, err)
	pkt.Checksum = vif.ChecksumPartial
	for i := 0; i < 2; i++ {
		pg, err := arena.Alloc()
		require.NoError(t, err)
		pkt.Frags = append(pkt.Frags, vif.Fragment{Page: pg, Offset: 0, Len: 500})
	}

	require.NoError(t, dev.Send(pkt))

	backRing := harness.Backend.TxRing()
	require.Equal(t, uint32(3), backRing.UnconsumedRequests())

	descs := make([]vif.TxRequest, 3)
	for i := range descs {
		descs[i], err = vif.DecodeTxRequest(backRing.Request(backRing.Consumer() + uint32(i)))
		require.NoError(t, err)
	}

	// All but the last descriptor continue the chain.
	require.NotZero(t, descs[0].Flags&vif.FlagMoreData)
	require.NotZero(t, descs[1].Flags&vif.FlagMoreData)
	require.Zero(t, descs[2].Flags&vif.FlagMoreData)

	// The first descriptor advertises the total packet length and the
	// checksum state; the rest carry their own chunk sizes. No extra-info
	// record was asked for.
	require.Equal(t, uint16(2500), descs[0].Size)
	require.NotZero(t, descs[0].Flags&vif.FlagCsumBlank)
	require.Zero(t, descs[0].Flags&vif.FlagExtraInfo)
	require.Equal(t, uint16(500), descs[1].Size)
	require.Equal(t, uint16(500), descs[2].Size)

	// Every descriptor names its own id and grant.
	ids := make(map[uint16]struct{})
	grefs := make(map[uint32]struct{})
	for _, desc := range descs {
		ids[desc.ID] = struct{}{}
		grefs[uint32(desc.Gref)] = struct{}{}
	}
	require.Len(t, ids, 3)
	require.Len(t, grefs, 3)

	_, err = harness.Backend.ProcessTx()
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return pool.Count() == 0
	}, 5*time.Second, time.Millisecond)
}

func TestSendChecksumFlags(t *testing.T) {
	dev, harness := newConnectedDevice(t, nil, nil)
	pool := dev.PacketPool()

	pkt, err := pool.Allocate(64)
	require.NoError(t, err)
	pkt.Checksum = vif.ChecksumPartial
	require.NoError(t, dev.Send(pkt))

	pkt, err = pool.Allocate(64)
	require.NoError(t, err)
	pkt.Checksum = vif.ChecksumUnnecessary
	require.NoError(t, dev.Send(pkt))

	frames, err := harness.Backend.ProcessTx()
	require.NoError(t, err)
	require.Len(t, frames, 2)

	// An unfinished checksum crosses as blank, a vouched-for one as valid.
	require.True(t, frames[0].CsumBlank)
	require.True(t, frames[0].CsumValid)
	require.False(t, frames[1].CsumBlank)
	require.True(t, frames[1].CsumValid)
}

func TestSendGSO(t *testing.T) {
	dev, harness := newConnectedDevice(t, nil, nil)
	pool := dev.PacketPool()

	pkt, err := pool.Allocate(9000)
	require.NoError(t, err)
	fillSequence(pkt.Head)
	want := append([]byte(nil), pkt.Head...)
	pkt.Checksum = vif.ChecksumPartial
	pkt.GSOSize = 1448
	pkt.GSOType = vif.GSOTypeTCPv4

	require.NoError(t, dev.Send(pkt))

	frames, err := harness.Backend.ProcessTx()
	require.NoError(t, err)
	require.Len(t, frames, 1)
	require.Equal(t, want, frames[0].Data)
	require.Equal(t, uint16(1448), frames[0].GSOSize)
	require.Equal(t, vif.GSOTypeTCPv4, frames[0].GSOType)

	require.Eventually(t, func() bool {
		return pool.Count() == 0
	}, 5*time.Second, time.Millisecond)
}

func TestSendDrops(t *testing.T) {
	dev, _ := newConnectedDevice(t, nil, nil)
	pool := dev.PacketPool()
	arena := dev.Arena()

	drops := uint64(0)
	expectDrop := func(t *testing.T, err error, target error) {
		t.Helper()
		require.ErrorIs(t, err, vif.ErrDropped)
		if target != nil {
			require.ErrorIs(t, err, target)
		}
		drops++
		require.Equal(t, drops, dev.Stats().TxDropped)
		require.Zero(t, pool.Count(), "a dropped packet must be released")
	}

	t.Run("EmptyHead", func(t *testing.T) {
		pkt := pool.Borrow()
		expectDrop(t, dev.Send(pkt), nil)
	})

	t.Run("ForeignBuffer", func(t *testing.T) {
		pkt := pool.Borrow()
		pkt.Head = make([]byte, 64)
		expectDrop(t, dev.Send(pkt), vif.ErrForeignBuffer)
	})

	t.Run("FragmentExceedsPage", func(t *testing.T) {
		pkt, err := pool.Allocate(100)
		require.NoError(t, err)
		pg, err := arena.Alloc()
		require.NoError(t, err)
		pkt.Frags = append(pkt.Frags, vif.Fragment{Page: pg, Offset: 2000, Len: 3000})
		expectDrop(t, dev.Send(pkt), nil)
	})

	t.Run("TooLarge", func(t *testing.T) {
		pkt, err := pool.Allocate(60000)
		require.NoError(t, err)
		for i := 0; i < 2; i++ {
			pg, err := arena.Alloc()
			require.NoError(t, err)
			pkt.Frags = append(pkt.Frags, vif.Fragment{Page: pg, Offset: 0, Len: 3000})
		}
		expectDrop(t, dev.Send(pkt), nil)
	})

	t.Run("TooManyFragments", func(t *testing.T) {
		pkt, err := pool.Allocate(100)
		require.NoError(t, err)
		for i := 0; i < vif.MaxFragmentsPerPacket+1; i++ {
			pg, err := arena.Alloc()
			require.NoError(t, err)
			pkt.Frags = append(pkt.Frags, vif.Fragment{Page: pg, Offset: 0, Len: 16})
		}
		expectDrop(t, dev.Send(pkt), vif.ErrTooManyFragments)
	})

	t.Run("InvalidGSOType", func(t *testing.T) {
		pkt, err := pool.Allocate(100)
		require.NoError(t, err)
		pkt.GSOSize = 1000
		expectDrop(t, dev.Send(pkt), vif.ErrInvalidGSO)
	})
}

func TestSendNotNegotiated(t *testing.T) {
	dev, _ := newConnectedDevice(t, nil, &simback.Config{
		Features: util.PointerTo(vif.Features{RxCopy: true}),
	})
	pool := dev.PacketPool()

	// Multi-descriptor packets need scatter-gather.
	pkt, err := pool.Allocate(5000)
	require.NoError(t, err)
	err = dev.Send(pkt)
	require.ErrorIs(t, err, vif.ErrDropped)
	require.ErrorIs(t, err, vif.ErrNotNegotiated)

	// Segmentation offload was not negotiated either.
	pkt, err = pool.Allocate(1000)
	require.NoError(t, err)
	pkt.GSOSize = 536
	pkt.GSOType = vif.GSOTypeTCPv4
	err = dev.Send(pkt)
	require.ErrorIs(t, err, vif.ErrDropped)
	require.ErrorIs(t, err, vif.ErrNotNegotiated)

	// Single-descriptor traffic still flows.
	pkt, err = pool.Allocate(1000)
	require.NoError(t, err)
	require.NoError(t, dev.Send(pkt))
}

func TestSendLinkDown(t *testing.T) {
	dev, _ := newConnectedDevice(t, nil, nil)
	pool := dev.PacketPool()

	pkt, err := pool.Allocate(64)
	require.NoError(t, err)

	require.NoError(t, dev.Disconnect())

	err = dev.Send(pkt)
	require.ErrorIs(t, err, vif.ErrDropped)
	require.ErrorIs(t, err, vif.ErrLinkDown)
	require.Zero(t, pool.Count())
}

func TestSendBackpressure(t *testing.T) {
	dev, harness := newConnectedDevice(t, nil, nil)
	pool := dev.PacketPool()

	// The ring holds 256 slots; the headroom gate keeps one worst-case
	// packet plus its extra-info record in reserve.
	limit := 256 - vif.MaxFragmentsPerPacket - 2
	for i := 0; i < limit; i++ {
		pkt, err := pool.Allocate(64)
		require.NoError(t, err)
		require.NoError(t, dev.Send(pkt))
	}

	pkt, err := pool.Allocate(64)
	require.NoError(t, err)
	require.ErrorIs(t, dev.Send(pkt), vif.ErrTxBusy)

	// ErrTxBusy leaves the packet with the caller; once the peer drains
	// the ring, Sendable fires and the retry goes through.
	frames, err := harness.Backend.ProcessTx()
	require.NoError(t, err)
	require.Len(t, frames, limit)

	select {
	case <-dev.Sendable():
	case <-time.After(5 * time.Second):
		t.Fatal("sender was never woken")
	}

	require.NoError(t, dev.Send(pkt))

	_, err = harness.Backend.ProcessTx()
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return pool.Count() == 0
	}, 5*time.Second, time.Millisecond)
}

func TestSendPeerRejects(t *testing.T) {
	dev, harness := newConnectedDevice(t, nil, nil)
	pool := dev.PacketPool()

	harness.Backend.SetTxStatus(vif.StatusDropped)

	pkt, err := pool.Allocate(64)
	require.NoError(t, err)
	require.NoError(t, dev.Send(pkt))

	_, err = harness.Backend.ProcessTx()
	require.NoError(t, err)

	// A rejecting peer still completes the descriptor; the buffers come
	// back regardless of status.
	require.Eventually(t, func() bool {
		return pool.Count() == 0
	}, 5*time.Second, time.Millisecond)
	require.Equal(t, uint64(1), dev.Stats().TxPackets)
}

func TestSendBogusCompletionID(t *testing.T) {
	dev, harness := newConnectedDevice(t, nil, nil)
	pool := dev.PacketPool()

	pkt, err := pool.Allocate(64)
	require.NoError(t, err)
	require.NoError(t, dev.Send(pkt))

	harness.Backend.SetFaults(simback.Faults{BadTxID: true})
	_, err = harness.Backend.ProcessTx()
	require.NoError(t, err)

	// The completion named a descriptor that was never staged; it is
	// ignored and traffic continues.
	pkt2, err := pool.Allocate(64)
	require.NoError(t, err)
	require.NoError(t, dev.Send(pkt2))

	frames, err := harness.Backend.ProcessTx()
	require.NoError(t, err)
	require.Len(t, frames, 1)

	// The first packet is stranded until teardown reclaims it.
	require.NoError(t, dev.Close())
	require.Zero(t, pool.Count())
}

func TestSendGrantLeak(t *testing.T) {
	dev, harness := newConnectedDevice(t, nil, nil)
	pool := dev.PacketPool()
	arena := dev.Arena()

	pkt, err := pool.Allocate(64)
	require.NoError(t, err)
	require.NoError(t, dev.Send(pkt))

	// The peer completes the descriptor but never unmaps the page. The
	// grant and the page are written off, the packet still comes back.
	harness.Backend.SetFaults(simback.Faults{HoldGrant: true})
	_, err = harness.Backend.ProcessTx()
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return dev.Stats().GrantsLeaked == 1
	}, 5*time.Second, time.Millisecond)
	require.Eventually(t, func() bool {
		return pool.Count() == 0
	}, 5*time.Second, time.Millisecond)
	require.Equal(t, 1, arena.LeakedPages())

	// The link keeps working on the remaining grants.
	pkt, err = pool.Allocate(64)
	require.NoError(t, err)
	require.NoError(t, dev.Send(pkt))

	frames, err := harness.Backend.ProcessTx()
	require.NoError(t, err)
	require.Len(t, frames, 1)
}

func TestSendGrantsExhausted(t *testing.T) {
	dev, harness := newConnectedDevice(t, nil, nil)
	pool := dev.PacketPool()
	arena := dev.Arena()

	// Leak a handful of grants.
	leaks := 8
	for i := 0; i < leaks; i++ {
		pkt, err := pool.Allocate(64)
		require.NoError(t, err)
		require.NoError(t, dev.Send(pkt))

		harness.Backend.SetFaults(simback.Faults{HoldGrant: true})
		_, err = harness.Backend.ProcessTx()
		require.NoError(t, err)

		want := uint64(i + 1)
		require.Eventually(t, func() bool {
			return dev.Stats().GrantsLeaked == want
		}, 5*time.Second, time.Millisecond)
	}

	// Fill the ring almost to the headroom gate without completing
	// anything, leaving fewer free grants than ring headroom.
	inflight := 230
	for i := 0; i < inflight; i++ {
		pkt, err := pool.Allocate(64)
		require.NoError(t, err)
		require.NoError(t, dev.Send(pkt))
	}

	// 256 grants minus the leaks and the in-flight packets leaves too few
	// for a maximal chain, even though the ring itself has room.
	pkt, err := pool.Allocate(100)
	require.NoError(t, err)
	for i := 0; i < vif.MaxFragmentsPerPacket; i++ {
		pg, err := arena.Alloc()
		require.NoError(t, err)
		pkt.Frags = append(pkt.Frags, vif.Fragment{Page: pg, Offset: 0, Len: 16})
	}
	err = dev.Send(pkt)
	require.ErrorIs(t, err, vif.ErrDropped)
	require.ErrorIs(t, err, vif.ErrGrantsExhausted)

	_, err = harness.Backend.ProcessTx()
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return pool.Count() == 0
	}, 5*time.Second, time.Millisecond)
}

func TestSendHeadSpansPages(t *testing.T) {
	dev, harness := newConnectedDevice(t, nil, nil)
	pool := dev.PacketPool()

	// Nearly the full packet size limit: a 16 page head.
	size := 15*mem.PageSize + 1000
	pkt, err := pool.Allocate(size)
	require.NoError(t, err)
	fillSequence(pkt.Head)
	want := append([]byte(nil), pkt.Head...)

	require.NoError(t, dev.Send(pkt))

	frames, err := harness.Backend.ProcessTx()
	require.NoError(t, err)
	require.Len(t, frames, 1)
	require.Equal(t, want, frames[0].Data)
}
