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

	"github.com/noisysockets/vif/grant"
	"github.com/noisysockets/vif/mem"
)

// readChainLocked consumes one response chain starting at cons, bounded by
// the published producer rp. It returns the assembled packet and the ring
// position just past everything the chain occupied. The peer is not
// trusted: on any malformed chain the whole packet is discarded, but every
// buffer the chain touched is recycled, reclaimed or deliberately leaked,
// never lost track of.
func (d *Device) readChainLocked(cons, rp uint32) (*Packet, uint32, error) {
	rx := d.rx

	head, _ := DecodeResponse(rx.ring.Response(cons))

	// The head buffer must come out of its slot before the extras walk
	// recycles anything: with the ring fully posted, a recycled buffer
	// can land right back on the head's position.
	page, ref, ok := d.takeRxSlotLocked(cons)

	// Small packets get one fragment of slack on top of the limit.
	maxFrags := uint32(MaxFragmentsPerPacket)
	if head.Status <= RxCopyThreshold {
		maxFrags++
	}

	var chainErr error
	fail := func(err error) {
		if chainErr == nil {
			chainErr = err
		}
	}

	var gsoExtra *ExtraInfo
	extras := uint32(0)
	if head.Flags&FlagExtraInfo != 0 {
		pos := cons
		for {
			if pos+1 == rp {
				fail(fmt.Errorf("%w: missing extra info", ErrNeedMoreFragments))
				break
			}
			pos++
			extra, _ := DecodeExtraInfo(rx.ring.Response(pos))

			if extra.Type == ExtraTypeNone || extra.Type >= extraTypeCount {
				d.logger.Warn("Peer sent unknown extra info",
					slog.Int("type", int(extra.Type)))
				fail(errors.New("invalid extra info type"))
			} else {
				e := extra
				gsoExtra = &e
			}

			// The slot under the record still holds a granted buffer;
			// recycle it untouched.
			if epage, eref, ok := d.takeRxSlotLocked(pos); ok {
				d.moveRxSlotLocked(epage, eref)
			} else {
				fail(errors.New("extra info in unposted slot"))
			}

			if !extra.More {
				break
			}
		}
		extras = pos - cons
	}

	rsp := head
	frags := uint32(1)
	for {
		switch {
		case rsp.Status <= 0 || int(rsp.Offset)+int(rsp.Status) > mem.PageSize:
			d.logger.Warn("Peer sent bad response geometry",
				slog.Int("offset", int(rsp.Offset)),
				slog.String("status", rsp.Status.String()))
			if ok {
				d.moveRxSlotLocked(page, ref)
			}
			fail(errors.New("bad response geometry"))

		case !ok:
			d.logger.Warn("Peer answered an unposted slot",
				slog.Int("id", int(rsp.ID)))
			fail(errors.New("response for unposted slot"))

		default:
			if err := rx.pool.End(ref); err != nil {
				// The peer hangs on to the buffer. Retire the grant and
				// the page; the chain is poisoned but nothing shared
				// gets reused.
				d.logger.Warn("Peer still maps receive grant, leaking it",
					slog.Int("gref", int(ref)),
					slog.Any("error", err))
				_ = rx.pool.Leak(ref)
				d.arena.Leak(page.Frame)
				fail(grant.ErrStillMapped)
			} else {
				_ = rx.pool.Release(ref)
				rx.chain = append(rx.chain, rxFrag{
					page: page,
					off:  int(rsp.Offset),
					size: int(rsp.Status),
				})
			}
		}

		if rsp.Flags&FlagMoreData == 0 {
			break
		}
		next := cons + extras + frags
		if next == rp {
			fail(ErrNeedMoreFragments)
			break
		}
		rsp, _ = DecodeResponse(rx.ring.Response(next))
		page, ref, ok = d.takeRxSlotLocked(next)
		frags++
	}

	if frags > maxFrags {
		fail(ErrTooManyFragments)
	}

	if chainErr == nil && gsoExtra != nil {
		if gsoExtra.GSO.Size == 0 || gsoExtra.GSO.Type != GSOTypeTCPv4 {
			d.logger.Warn("Peer sent invalid segmentation parameters",
				slog.Int("size", int(gsoExtra.GSO.Size)),
				slog.Int("type", int(gsoExtra.GSO.Type)))
			fail(ErrInvalidGSO)
		}
	}

	consumed := cons + extras + frags

	if chainErr != nil {
		for _, f := range rx.chain {
			d.arena.Free(f.page)
		}
		rx.chain = rx.chain[:0]
		return nil, consumed, chainErr
	}

	first := rx.chain[0]
	pkt := d.pool.Borrow()
	pkt.Head = first.page.Data[first.off : first.off+first.size]
	for _, f := range rx.chain[1:] {
		pkt.Frags = append(pkt.Frags, Fragment{Page: f.page, Offset: f.off, Len: f.size})
	}
	if gsoExtra != nil {
		pkt.GSOSize = gsoExtra.GSO.Size
		pkt.GSOType = gsoExtra.GSO.Type
	}
	switch {
	case head.Flags&FlagCsumBlank != 0:
		pkt.Checksum = ChecksumPartial
	case head.Flags&FlagCsumValid != 0:
		pkt.Checksum = ChecksumUnnecessary
	}
	rx.chain = rx.chain[:0]

	return pkt, consumed, nil
}
