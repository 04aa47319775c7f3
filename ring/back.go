// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 The Noisy Sockets Authors.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package ring

import "sync/atomic"

// Back is the peer half of a ring: it consumes requests and produces
// responses. The in-process backend and the benchmark drive it; a real
// deployment has the privileged peer on this side.
type Back struct {
	shared

	// rspProdPvt is the private response producer.
	rspProdPvt uint32
	// reqCons is the private request consumer.
	reqCons atomic.Uint32
}

// AttachBack creates the back half over a region the front end has already
// initialized. Attach before any traffic flows; the back half starts with
// both cursors at zero.
func AttachBack(region []byte) (*Back, error) {
	s, err := attach(region)
	if err != nil {
		return nil, err
	}
	return &Back{shared: s}, nil
}

// Size returns the number of slots.
func (b *Back) Size() uint32 {
	return b.size
}

// Mask returns size-1.
func (b *Back) Mask() uint32 {
	return b.mask
}

// RequestProducer returns the front end's published request producer.
func (b *Back) RequestProducer() uint32 {
	return atomic.LoadUint32(b.reqProd)
}

// Request returns the request slot at an absolute ring index.
func (b *Back) Request(idx uint32) []byte {
	return b.slot(idx)
}

// Consumer returns the private request consumer position.
func (b *Back) Consumer() uint32 {
	return b.reqCons.Load()
}

// SetConsumer records that all requests before pos have been consumed.
func (b *Back) SetConsumer(pos uint32) {
	b.reqCons.Store(pos)
}

// UnconsumedRequests returns the number of published requests not yet
// consumed. The front end's producer is untrusted input here, so the count
// is clamped to the requests that can actually exist given the responses
// still owed.
func (b *Back) UnconsumedRequests() uint32 {
	cons := b.reqCons.Load()
	req := atomic.LoadUint32(b.reqProd) - cons
	rsp := b.size - (cons - b.rspProdPvt)
	if req < rsp {
		return req
	}
	return rsp
}

// HasUnconsumedRequests reports whether any published request awaits
// consumption.
func (b *Back) HasUnconsumedRequests() bool {
	return b.UnconsumedRequests() != 0
}

// SetRequestEvent asks the front end for a doorbell once it publishes the
// request at pos.
func (b *Back) SetRequestEvent(pos uint32) {
	atomic.StoreUint32(b.reqEvent, pos)
}

// FinalCheckRequests re-arms the request event at the current consumer
// position and reports whether requests slipped in before the re-arm.
func (b *Back) FinalCheckRequests() bool {
	b.SetRequestEvent(b.reqCons.Load() + 1)
	return b.HasUnconsumedRequests()
}

// ReserveResponse returns the next response slot and its absolute ring
// index, advancing the private producer.
func (b *Back) ReserveResponse() ([]byte, uint32) {
	idx := b.rspProdPvt
	b.rspProdPvt++
	return b.slot(idx), idx
}

// PrivateProducer returns the private response producer position.
func (b *Back) PrivateProducer() uint32 {
	return b.rspProdPvt
}

// PushResponses publishes all reserved responses and reports whether the
// front end asked to be notified about them.
func (b *Back) PushResponses() (notify bool) {
	old := atomic.LoadUint32(b.rspProd)
	prod := b.rspProdPvt
	atomic.StoreUint32(b.rspProd, prod)

	return prod-atomic.LoadUint32(b.rspEvent) < prod-old
}
