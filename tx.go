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
	"errors"
	"fmt"
	"log/slog"
	"net"

	"github.com/noisysockets/vif/grant"
	"github.com/noisysockets/vif/mem"
)

// Send queues one packet for transmission. On success the device owns the
// packet and will release it once the peer is done with its pages. ErrTxBusy
// leaves the packet with the caller, to be retried after Sendable fires.
// Every other error wraps ErrDropped: the packet was accepted and discarded,
// and has already been released.
func (d *Device) Send(pkt *Packet) error {
	if d.shutdown.Load() {
		return net.ErrClosed
	}

	d.txMu.Lock()
	defer d.txMu.Unlock()

	if !d.link.Load() {
		return d.dropLocked(pkt, ErrLinkDown)
	}
	tx := d.tx

	if len(pkt.Head) == 0 {
		return d.dropLocked(pkt, errors.New("empty packet head"))
	}
	headFrame, headOff, ok := d.arena.Locate(pkt.Head)
	if !ok {
		return d.dropLocked(pkt, ErrForeignBuffer)
	}
	for _, frag := range pkt.Frags {
		if frag.Len <= 0 || frag.Offset < 0 || frag.Offset+frag.Len > mem.PageSize {
			return d.dropLocked(pkt, errors.New("fragment exceeds its page"))
		}
	}

	total := pkt.Length()
	if total > MaxPacketSize {
		return d.dropLocked(pkt, errors.New("packet too large"))
	}

	headSlots := (headOff + len(pkt.Head) + mem.PageSize - 1) / mem.PageSize
	descriptors := headSlots + len(pkt.Frags)
	if descriptors > MaxFragmentsPerPacket+1 {
		return d.dropLocked(pkt, ErrTooManyFragments)
	}
	if descriptors > 1 && !d.features.ScatterGather {
		return d.dropLocked(pkt, fmt.Errorf("%w: scatter-gather", ErrNotNegotiated))
	}
	gso := pkt.GSOSize > 0
	if gso {
		if pkt.GSOType != GSOTypeTCPv4 {
			return d.dropLocked(pkt, ErrInvalidGSO)
		}
		if !d.features.GSOTCPv4 {
			return d.dropLocked(pkt, fmt.Errorf("%w: segmentation offload", ErrNotNegotiated))
		}
	}

	// The headroom margin leaves room for a worst-case packet plus its
	// extra-info record, so a positive gate means the whole chain fits.
	if tx.paused || !d.txHeadroomLocked() {
		tx.paused = true
		return ErrTxBusy
	}
	// Leaked references may have eaten the pool below what the ring
	// headroom promises.
	if tx.pool.Free() < descriptors {
		return d.dropLocked(pkt, ErrGrantsExhausted)
	}

	// Stage the descriptor chain: head chunks split at page boundaries,
	// then the fragments. On the wire the first descriptor advertises the
	// total packet length rather than its own chunk size.
	reqs := tx.scratch[:0]

	off, remaining, frame := headOff, len(pkt.Head), headFrame
	for remaining > 0 {
		chunk := min(remaining, mem.PageSize-off)
		req, err := d.stageTxDescLocked(pkt, frame, off, chunk)
		if err != nil {
			d.unstageTxLocked(reqs)
			return d.dropLocked(pkt, err)
		}
		reqs = append(reqs, req)
		remaining -= chunk
		off = 0
		frame++
	}
	for _, frag := range pkt.Frags {
		req, err := d.stageTxDescLocked(pkt, frag.Page.Frame, frag.Offset, frag.Len)
		if err != nil {
			d.unstageTxLocked(reqs)
			return d.dropLocked(pkt, err)
		}
		reqs = append(reqs, req)
	}

	for i := 0; i < len(reqs)-1; i++ {
		reqs[i].Flags |= FlagMoreData
	}
	reqs[0].Flags |= txChecksumFlags(pkt.Checksum)
	reqs[0].Size = uint16(total)
	if gso {
		reqs[0].Flags |= FlagExtraInfo
	}

	// Commit to the ring in wire order: the first descriptor, any
	// extra-info record, then the rest of the chain.
	slot, _ := tx.ring.ReserveRequest()
	_ = reqs[0].Encode(slot)
	if gso {
		slot, _ := tx.ring.ReserveRequest()
		_ = ExtraInfo{
			Type: ExtraTypeGSO,
			GSO:  GSOInfo{Size: pkt.GSOSize, Type: pkt.GSOType},
		}.Encode(slot)
	}
	for _, req := range reqs[1:] {
		slot, _ := tx.ring.ReserveRequest()
		_ = req.Encode(slot)
	}

	// The caller's reference covers the first descriptor; each further
	// descriptor takes its own hold.
	for range reqs[1:] {
		pkt.hold()
	}
	tx.scratch = reqs[:0]

	d.stats.txPackets.Add(1)
	d.stats.txBytes.Add(uint64(total))

	if tx.ring.PushRequests() {
		d.doorbell.Notify()
	}

	d.reapTxCompletionsLocked()
	if !d.txHeadroomLocked() {
		tx.paused = true
	}

	return nil
}

func txChecksumFlags(state ChecksumState) Flags {
	switch state {
	case ChecksumPartial:
		return FlagCsumBlank | FlagCsumValid
	case ChecksumUnnecessary:
		return FlagCsumValid
	default:
		return 0
	}
}

// stageTxDescLocked claims a slot id and a grant for one descriptor and
// records the packet against the slot. Nothing is written to the ring yet.
func (d *Device) stageTxDescLocked(pkt *Packet, frame uint32, off, size int) (TxRequest, error) {
	tx := d.tx

	id := tx.popFreeLocked()
	ref, err := tx.pool.Claim()
	if err != nil {
		tx.pushFreeLocked(id)
		return TxRequest{}, err
	}
	if err := tx.pool.Bind(ref, frame, grant.PeerReadOnly); err != nil {
		_ = tx.pool.Release(ref)
		tx.pushFreeLocked(id)
		return TxRequest{}, err
	}

	tx.slots[id] = txSlot{pkt: pkt, ref: ref}
	return TxRequest{
		ID:     id,
		Offset: uint16(off),
		Size:   uint16(size),
		Gref:   ref,
	}, nil
}

// unstageTxLocked rolls back descriptors staged by a Send that could not
// complete. The peer has not seen any of them.
func (d *Device) unstageTxLocked(reqs []TxRequest) {
	tx := d.tx
	for _, req := range reqs {
		_ = tx.pool.End(req.Gref)
		_ = tx.pool.Release(req.Gref)
		tx.pushFreeLocked(req.ID)
	}
}

func (d *Device) dropLocked(pkt *Packet, cause error) error {
	d.stats.txDropped.Add(1)
	pkt.Release()
	return fmt.Errorf("%w: %w", ErrDropped, cause)
}

// txHeadroomLocked reports whether a worst-case packet still fits the ring.
func (d *Device) txHeadroomLocked() bool {
	return d.tx.ring.PendingRequests() < d.tx.ring.Size()-MaxFragmentsPerPacket-2
}

// reapTxCompletionsLocked retires every completion the peer has published,
// returning slot ids, grants and packet holds. It keeps rescanning until no
// completion slipped in behind the event re-arm.
func (d *Device) reapTxCompletionsLocked() {
	tx := d.tx
	for {
		prod := tx.ring.ResponseProducer()
		cons := tx.ring.Consumer()
		for ; cons != prod; cons++ {
			rsp, _ := DecodeResponse(tx.ring.Response(cons))
			if rsp.Status == StatusNull {
				continue
			}

			id := rsp.ID
			if int(id) >= len(tx.slots) || tx.slots[id].pkt == nil {
				d.logger.Warn("Peer completed an unknown descriptor",
					slog.Int("id", int(id)),
					slog.String("status", rsp.Status.String()))
				continue
			}
			if rsp.Status != StatusOK {
				d.logger.Debug("Peer rejected transmitted packet",
					slog.Int("id", int(id)),
					slog.String("status", rsp.Status.String()))
			}

			pkt := tx.slots[id].pkt
			d.reclaimTxGrantLocked(id)
			tx.pushFreeLocked(id)
			pkt.put()
		}
		tx.ring.SetConsumer(prod)

		// Re-arm the completion event halfway into the outstanding
		// window, then close the race with completions that arrived
		// while we were scanning.
		tx.ring.SetResponseEvent(prod + (tx.ring.RequestProducer()-prod)/2 + 1)
		if !tx.ring.HasUnconsumed() {
			break
		}
	}

	d.maybeWakeSendersLocked()
}

// reclaimTxGrantLocked revokes the grant of a completed descriptor. A grant
// the peer still maps is leaked along with its page; nothing shared is ever
// reused.
func (d *Device) reclaimTxGrantLocked(id uint16) {
	ref := d.tx.slots[id].ref
	if err := d.tx.pool.End(ref); err != nil {
		d.logger.Warn("Peer still maps transmit grant, leaking it",
			slog.Int("gref", int(ref)),
			slog.Any("error", err))
		_ = d.tx.pool.Leak(ref)
		d.arena.Leak(d.table.Frame(ref))
		return
	}
	_ = d.tx.pool.Release(ref)
}

func (d *Device) maybeWakeSendersLocked() {
	if d.tx.paused && d.link.Load() && d.txHeadroomLocked() {
		d.tx.paused = false
		select {
		case d.txReady <- struct{}{}:
		default:
		}
	}
}

// releaseTxBuffersLocked retires every in-flight transmit descriptor at
// disconnect, completed or not.
func (d *Device) releaseTxBuffersLocked() {
	tx := d.tx
	for id := range tx.slots {
		if tx.slots[id].pkt == nil {
			continue
		}
		pkt := tx.slots[id].pkt
		d.reclaimTxGrantLocked(uint16(id))
		tx.pushFreeLocked(uint16(id))
		pkt.put()
	}
}

func (t *txState) popFreeLocked() uint16 {
	id := t.freeHead
	if id == txFreeNone {
		panic("vif: transmit slot freelist exhausted")
	}
	t.freeHead = t.slots[id].next
	return id
}

func (t *txState) pushFreeLocked(id uint16) {
	t.slots[id] = txSlot{next: t.freeHead}
	t.freeHead = id
}
