// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 The Noisy Sockets Authors.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package vif

import (
	"sync/atomic"

	"github.com/noisysockets/vif/mem"
)

const (
	// MaxPacketSize is the maximum size of an Ethernet frame the device
	// will carry, headers included.
	MaxPacketSize = 65535
)

// ChecksumState describes how much checksum work remains for a packet.
type ChecksumState uint8

const (
	// ChecksumNone means nothing is known; checksums must be verified in
	// full before the payload is trusted.
	ChecksumNone ChecksumState = iota
	// ChecksumPartial means the transport checksum field holds only a
	// pseudo-header seed and the remainder is still to be computed.
	ChecksumPartial
	// ChecksumUnnecessary means the sender vouches for the checksum.
	ChecksumUnnecessary
)

func (s ChecksumState) String() string {
	switch s {
	case ChecksumNone:
		return "none"
	case ChecksumPartial:
		return "partial"
	case ChecksumUnnecessary:
		return "unnecessary"
	default:
		return "invalid"
	}
}

// Fragment is one single-page piece of a packet's payload following the
// head.
type Fragment struct {
	Page   mem.Page
	Offset int
	Len    int
}

// Packet represents an Ethernet frame exchanged with the peer. The packet
// owns every arena page its head and fragments reference; releasing the
// packet returns them all.
type Packet struct {
	// Head is the linear head of the frame. For transmit it must alias
	// arena memory, because its pages are granted to the peer in place.
	Head []byte
	// Frags are additional page fragments continuing the payload.
	Frags []Fragment
	// Checksum describes how much checksum work remains.
	Checksum ChecksumState
	// GSOSize is the segment size when segmentation offload applies to the
	// packet, zero otherwise.
	GSOSize uint16
	// GSOType identifies the segmentation scheme when GSOSize is non-zero.
	GSOType GSOType
	// refs counts the holders of the packet: the owner plus one per
	// in-flight transmit descriptor beyond the first.
	refs atomic.Int32
	// pool is the pool from which the packet was borrowed.
	pool *PacketPool
	// when debugPacketPool is true, borrowerName is the name of the function
	// that borrowed the packet.
	borrowerName string
}

// Release gives up the caller's hold on the packet. Once the last hold is
// gone the packet and all its pages return to their pools.
func (p *Packet) Release() {
	p.put()
}

// Reset resets the packet metadata. It does not touch page ownership.
func (p *Packet) Reset() {
	p.Head = nil
	p.Frags = p.Frags[:0]
	p.Checksum = ChecksumNone
	p.GSOSize = 0
	p.GSOType = GSOTypeNone
}

// Length returns the total payload length, head and fragments combined.
func (p *Packet) Length() int {
	n := len(p.Head)
	for _, frag := range p.Frags {
		n += frag.Len
	}
	return n
}

func (p *Packet) hold() {
	p.refs.Add(1)
}

func (p *Packet) put() {
	if p.refs.Add(-1) == 0 {
		p.pool.release(p)
	}
}
