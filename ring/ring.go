// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 The Noisy Sockets Authors.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

// Package ring implements the shared-memory descriptor ring both ends of a
// split virtual interface communicate through. The ring itself is payload
// agnostic: slots are fixed-size byte arrays, and the packet semantics live
// with the callers.
//
// The shared layout is a small header of four counters followed by a
// power-of-two number of slots filling the rest of one or more pages. Each
// side owns exactly one producer counter and one private consumer cursor.
// Event counters throttle doorbell traffic: a producer only notifies when
// its update crosses the position the consumer asked to be woken at.
//
// Counter accesses use atomic loads and stores, which under the Go memory
// model gives the release/acquire pairing the protocol needs: slot contents
// written before a producer store are visible to a consumer that loads the
// producer before reading slots.
package ring

import (
	"errors"
	"sync/atomic"
	"unsafe"

	"github.com/noisysockets/vif/mem"
)

const (
	// SlotSize is the size of one ring slot. Requests, responses and
	// extra-info records all overlay a slot of this size.
	SlotSize = 12

	// headerSize is the shared counter block at the start of the region.
	headerSize = 64

	offReqProd  = 0
	offReqEvent = 4
	offRspProd  = 8
	offRspEvent = 12
)

var (
	// ErrBadRegion is returned for ring regions that are not whole pages or
	// are not word aligned.
	ErrBadRegion = errors.New("ring region must be page sized and word aligned")
)

// Entries returns the number of slots a ring of nPages pages holds: the
// slots that fit after the header, rounded down to a power of two.
func Entries(nPages int) uint32 {
	if nPages <= 0 {
		return 0
	}
	n := uint32((nPages*mem.PageSize - headerSize) / SlotSize)
	for n&(n-1) != 0 {
		n &= n - 1
	}
	return n
}

// shared is the view of the ring header both halves hold. The pointers
// alias the shared region; all access goes through atomics.
type shared struct {
	region []byte
	slots  []byte
	size   uint32
	mask   uint32

	reqProd  *uint32
	reqEvent *uint32
	rspProd  *uint32
	rspEvent *uint32
}

func attach(region []byte) (shared, error) {
	if len(region) == 0 || len(region)%mem.PageSize != 0 {
		return shared{}, ErrBadRegion
	}
	if uintptr(unsafe.Pointer(&region[0]))%4 != 0 {
		return shared{}, ErrBadRegion
	}

	size := Entries(len(region) / mem.PageSize)
	return shared{
		region:   region,
		slots:    region[headerSize:],
		size:     size,
		mask:     size - 1,
		reqProd:  counter(region, offReqProd),
		reqEvent: counter(region, offReqEvent),
		rspProd:  counter(region, offRspProd),
		rspEvent: counter(region, offRspEvent),
	}, nil
}

func counter(region []byte, off int) *uint32 {
	return (*uint32)(unsafe.Pointer(&region[off]))
}

func (s *shared) slot(idx uint32) []byte {
	off := (idx & s.mask) * SlotSize
	return s.slots[off : off+SlotSize]
}

// Front is the guest half of a ring: it produces requests and consumes
// responses. The caller serializes producer-side calls against each other
// and consumer-side calls against each other; the two sides need no mutual
// serialization.
type Front struct {
	shared

	// reqProdPvt is the private producer: requests reserved but not yet
	// published to the peer.
	reqProdPvt uint32
	// rspCons is the private response consumer. It is atomic because the
	// notification path inspects it from outside the consumer context.
	rspCons atomic.Uint32
}

// Init creates the front half over region and initializes the shared
// header. The front end allocates and initializes the ring; the peer
// attaches to it afterwards.
func Init(region []byte) (*Front, error) {
	s, err := attach(region)
	if err != nil {
		return nil, err
	}

	for i := range region[:headerSize] {
		region[i] = 0
	}
	// Both event counters start one past the producers, so the first push
	// from either side notifies.
	atomic.StoreUint32(s.reqEvent, 1)
	atomic.StoreUint32(s.rspEvent, 1)

	return &Front{shared: s}, nil
}

// Size returns the number of slots.
func (f *Front) Size() uint32 {
	return f.size
}

// Mask returns size-1, for deriving slot positions from ring indices.
func (f *Front) Mask() uint32 {
	return f.mask
}

// ReserveRequest returns the next request slot and its absolute ring index,
// advancing the private producer. The caller must leave enough headroom;
// the ring does not check for overflow.
func (f *Front) ReserveRequest() ([]byte, uint32) {
	idx := f.reqProdPvt
	f.reqProdPvt++
	return f.slot(idx), idx
}

// PrivateProducer returns the private request producer position.
func (f *Front) PrivateProducer() uint32 {
	return f.reqProdPvt
}

// RequestProducer returns the published request producer position.
func (f *Front) RequestProducer() uint32 {
	return atomic.LoadUint32(f.reqProd)
}

// UnpushedRequests reports whether reserved requests await publication.
func (f *Front) UnpushedRequests() bool {
	return f.reqProdPvt != atomic.LoadUint32(f.reqProd)
}

// PushRequests publishes all reserved requests and reports whether the peer
// asked to be notified about them. The producer store is what makes the
// slot contents visible, so it must and does come after the slot writes.
func (f *Front) PushRequests() (notify bool) {
	old := atomic.LoadUint32(f.reqProd)
	prod := f.reqProdPvt
	atomic.StoreUint32(f.reqProd, prod)

	// The peer wants a doorbell if its request event marker lies within
	// the newly published window, evaluated in wraparound arithmetic.
	return prod-atomic.LoadUint32(f.reqEvent) < prod-old
}

// PendingRequests returns the number of reserved requests not yet completed
// by a consumed response.
func (f *Front) PendingRequests() uint32 {
	return f.reqProdPvt - f.rspCons.Load()
}

// ResponseProducer returns the peer's published response producer. Slot
// reads for any index before it are ordered after this load.
func (f *Front) ResponseProducer() uint32 {
	return atomic.LoadUint32(f.rspProd)
}

// Response returns the slot at an absolute ring index.
func (f *Front) Response(idx uint32) []byte {
	return f.slot(idx)
}

// Request returns the request slot at an absolute ring index.
func (f *Front) Request(idx uint32) []byte {
	return f.slot(idx)
}

// Consumer returns the private response consumer position.
func (f *Front) Consumer() uint32 {
	return f.rspCons.Load()
}

// SetConsumer records that all responses before pos have been consumed.
func (f *Front) SetConsumer(pos uint32) {
	f.rspCons.Store(pos)
}

// Unconsumed returns the number of published responses not yet consumed.
func (f *Front) Unconsumed() uint32 {
	return atomic.LoadUint32(f.rspProd) - f.rspCons.Load()
}

// HasUnconsumed reports whether any published response awaits consumption.
func (f *Front) HasUnconsumed() bool {
	return f.Unconsumed() != 0
}

// SetResponseEvent asks the peer for a doorbell once it publishes the
// response at pos.
func (f *Front) SetResponseEvent(pos uint32) {
	atomic.StoreUint32(f.rspEvent, pos)
}

// FinalCheck re-arms the response event at the current consumer position
// and reports whether responses slipped in before the re-arm. Callers loop
// when it returns true instead of sleeping, otherwise the notification for
// those responses has already been missed.
func (f *Front) FinalCheck() bool {
	f.SetResponseEvent(f.rspCons.Load() + 1)
	return f.HasUnconsumed()
}
