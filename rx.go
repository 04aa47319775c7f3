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
	"log/slog"

	"github.com/noisysockets/vif/grant"
	"github.com/noisysockets/vif/mem"
)

// fillRxBuffersLocked tops the receive ring up to the adaptive fill target.
// Pages are allocated greedily into a batch even though ring updates are
// published in one go; if the arena runs dry the batch is flushed as is and
// the retry timer picks the fill up later.
func (d *Device) fillRxBuffersLocked() {
	rx := d.rx
	if !d.link.Load() {
		return
	}

	reqProd := rx.ring.PrivateProducer()
	batchTarget := rx.target - int(reqProd-rx.ring.Consumer())

	short := false
	for len(rx.batch) < batchTarget {
		page, err := d.arena.Alloc()
		if err != nil {
			short = true
			break
		}
		rx.batch = append(rx.batch, page)
	}

	if short {
		rx.refillTimer.Reset(refillRetryDelay)
	}

	if !short || len(rx.batch) == 0 {
		// Is the batch large enough to be worthwhile?
		if len(rx.batch) < rx.target/2 {
			if rx.ring.UnpushedRequests() {
				d.pushRxRequestsLocked()
			}
			return
		}

		// Raise the fill target if the ring nearly ran empty on us.
		if int(reqProd-rx.ring.ResponseProducer()) < rx.target/4 {
			rx.target *= 2
			if rx.target > rx.maxTarget {
				rx.target = rx.maxTarget
			}
		}
	}

	published := 0
	for _, page := range rx.batch {
		ref, err := rx.pool.Claim()
		if err != nil {
			// Leaked references have shrunk the pool below the target.
			// Whatever is left of the batch waits for the retry timer.
			rx.refillTimer.Reset(refillRetryDelay)
			break
		}
		_ = rx.pool.Bind(ref, page.Frame, grant.PeerWritable)

		slot, pos := rx.ring.ReserveRequest()
		id := uint16(pos & rx.ring.Mask())
		if rx.slots[id].present {
			panic("vif: receive slot collision")
		}
		rx.slots[id] = rxSlot{page: page, ref: ref, present: true}
		_ = RxRequest{ID: id, Gref: ref}.Encode(slot)
		published++
	}
	n := copy(rx.batch, rx.batch[published:])
	rx.batch = rx.batch[:n]

	d.pushRxRequestsLocked()
}

func (d *Device) pushRxRequestsLocked() {
	if d.rx.ring.PushRequests() {
		d.doorbell.Notify()
	}
}

// shrinkRxTargetLocked lowers the fill target when responses arrive in
// dribbles. Exponential increase, linear decrease.
func (d *Device) shrinkRxTargetLocked() {
	rx := d.rx
	if int(rx.ring.PrivateProducer()-rx.ring.ResponseProducer()) > 3*rx.target/4 {
		if rx.target--; rx.target < rx.minTarget {
			rx.target = rx.minTarget
		}
	}
}

// takeRxSlotLocked removes the buffer staged at a ring position. It reports
// false if the peer addressed a position nothing was posted at.
func (d *Device) takeRxSlotLocked(pos uint32) (mem.Page, grant.Ref, bool) {
	s := &d.rx.slots[pos&d.rx.ring.Mask()]
	if !s.present {
		return mem.Page{}, grant.Invalid, false
	}
	page, ref := s.page, s.ref
	*s = rxSlot{}
	return page, ref, true
}

// moveRxSlotLocked reposts a still-granted buffer at the next free ring
// position. The grant stays bound; the peer just gets a fresh descriptor
// for it.
func (d *Device) moveRxSlotLocked(page mem.Page, ref grant.Ref) {
	rx := d.rx
	slot, pos := rx.ring.ReserveRequest()
	id := uint16(pos & rx.ring.Mask())
	if rx.slots[id].present {
		panic("vif: receive slot collision")
	}
	rx.slots[id] = rxSlot{page: page, ref: ref, present: true}
	_ = RxRequest{ID: id, Gref: ref}.Encode(slot)
}

// releaseRxBuffersLocked revokes every posted receive buffer at disconnect.
// Buffers the peer still maps are leaked along with their grants.
func (d *Device) releaseRxBuffersLocked() {
	rx := d.rx
	for i := range rx.slots {
		s := &rx.slots[i]
		if !s.present {
			continue
		}
		if err := rx.pool.End(s.ref); err != nil {
			d.logger.Warn("Peer still maps receive grant, leaking it",
				slog.Int("gref", int(s.ref)),
				slog.Any("error", err))
			_ = rx.pool.Leak(s.ref)
			d.arena.Leak(s.page.Frame)
		} else {
			_ = rx.pool.Release(s.ref)
			d.arena.Free(s.page)
		}
		*s = rxSlot{}
	}

	for _, page := range rx.batch {
		d.arena.Free(page)
	}
	rx.batch = nil
}
