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
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/noisysockets/netutil/waitpool"

	"github.com/noisysockets/vif/mem"
)

// PacketPool recycles packets and, on release, returns their arena pages.
type PacketPool struct {
	pool      *waitpool.WaitPool[*Packet]
	arena     *mem.Arena
	debug     bool
	borrowers sync.Map
}

// NewPacketPool creates a new packet pool backed by the given arena. A max
// of zero means the pool never blocks borrowers.
func NewPacketPool(max int, debug bool, arena *mem.Arena) *PacketPool {
	var pp *PacketPool
	pp = &PacketPool{
		pool: waitpool.New(uint32(max), func() *Packet {
			return &Packet{
				pool: pp,
			}
		}),
		arena: arena,
		debug: debug,
	}
	return pp
}

// Borrow takes a packet from the pool. The caller holds the only reference.
func (p *PacketPool) Borrow() *Packet {
	pkt := p.pool.Get()
	pkt.Reset()
	pkt.refs.Store(1)

	if p.debug {
		pc, _, _, _ := runtime.Caller(1)
		if fn := runtime.FuncForPC(pc); fn != nil {
			pkt.borrowerName = fn.Name()
			if file, line := fn.FileLine(pc); file != "" {
				pkt.borrowerName += fmt.Sprintf(":%d", line)
			}
		} else {
			pkt.borrowerName = "unknown"
		}

		counter, _ := p.borrowers.LoadOrStore(pkt.borrowerName, &atomic.Int32{})
		counter.(*atomic.Int32).Add(1)
	}

	return pkt
}

// Allocate borrows a packet and backs its head with freshly allocated arena
// pages, ready to hold a transmit payload of the given size. The pages are
// contiguous, so the head can be granted to the peer in place.
func (p *PacketPool) Allocate(size int) (*Packet, error) {
	if size <= 0 || size > MaxPacketSize {
		return nil, fmt.Errorf("cannot allocate %d byte packet", size)
	}

	pkt := p.Borrow()
	span, err := p.arena.AllocSpan((size + mem.PageSize - 1) / mem.PageSize)
	if err != nil {
		pkt.Release()
		return nil, err
	}
	pkt.Head = span.Data[:size]
	return pkt, nil
}

// release frees the packet's pages and returns it to the pool. Callers go
// through Packet.Release, which drops the last reference first.
func (p *PacketPool) release(pkt *Packet) {
	if p.arena != nil {
		p.arena.FreeRange(pkt.Head)
		for _, frag := range pkt.Frags {
			p.arena.Free(frag.Page)
		}
	}
	pkt.Reset()
	p.pool.Put(pkt)

	if p.debug {
		counter, _ := p.borrowers.Load(pkt.borrowerName)
		counter.(*atomic.Int32).Add(-1)
	}
}

// Count returns the number of packets currently borrowed from the pool.
func (p *PacketPool) Count() int {
	return p.pool.Count()
}
