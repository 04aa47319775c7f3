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
	"context"
	"errors"
	"log/slog"
	"net"
)

// schedulePoll wakes the poll task. Wakeups coalesce.
func (d *Device) schedulePoll() {
	select {
	case d.pollWake <- struct{}{}:
	default:
	}
}

// pollLoop drains the receive ring whenever the doorbell or the refill
// timer asks for it.
func (d *Device) pollLoop() error {
	defer d.logger.Debug("Finished polling receive ring")

	for {
		select {
		case <-d.tasksCtx.Done():
			return nil
		case <-d.pollWake:
		}

		for d.pollPass() {
			if d.tasksCtx.Err() != nil {
				return nil
			}
		}
	}
}

// pollPass processes up to one budget's worth of response chains, delivers
// what survived, then tends the buffer supply. It reports whether more work
// is already waiting.
func (d *Device) pollPass() bool {
	d.rxMu.Lock()
	defer d.rxMu.Unlock()

	rx := d.rx
	if rx == nil || !d.link.Load() {
		return false
	}

	rp := rx.ring.ResponseProducer()
	cons := rx.ring.Consumer()

	workDone := 0
	for cons != rp && workDone < d.pollBudget {
		pkt, next, err := d.readChainLocked(cons, rp)
		rx.ring.SetConsumer(next)
		cons = next
		if err != nil {
			d.stats.rxErrors.Add(1)
			d.logger.Warn("Discarded malformed receive chain",
				slog.Any("error", err))
			continue
		}
		rx.deliver = append(rx.deliver, pkt)
		workDone++
	}

	for _, pkt := range rx.deliver {
		d.deliverLocked(pkt)
	}
	rx.deliver = rx.deliver[:0]

	d.shrinkRxTargetLocked()
	d.fillRxBuffersLocked()

	if workDone < d.pollBudget {
		// Budget to spare: close the race with responses that landed
		// after the scan, then sleep until the next doorbell.
		return rx.ring.FinalCheck()
	}
	return true
}

// deliverLocked finishes checksum state and queues the packet for Read.
func (d *Device) deliverLocked(pkt *Packet) {
	if err := d.checksumSetup(pkt); err != nil {
		d.stats.rxErrors.Add(1)
		d.logger.Warn("Dropping packet with unusable checksum",
			slog.Any("error", err))
		pkt.Release()
		return
	}

	select {
	case d.rxq <- pkt:
		d.stats.rxPackets.Add(1)
		d.stats.rxBytes.Add(uint64(pkt.Length()))
	default:
		// The consumer is not keeping up.
		d.stats.rxDropped.Add(1)
		pkt.Release()
	}
}

// watchDoorbell turns peer notifications into completion reaping and poll
// wakeups.
func (d *Device) watchDoorbell() error {
	defer d.logger.Debug("Finished watching doorbell")

	for {
		if err := d.doorbell.Wait(d.tasksCtx); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}

		d.txMu.Lock()
		if d.tx != nil && d.link.Load() {
			d.reapTxCompletionsLocked()
			// The receive consumer cursor is atomic precisely so this
			// check is safe from under the transmit lock.
			if d.rx != nil && d.rx.ring.HasUnconsumed() {
				d.schedulePoll()
			}
		}
		d.txMu.Unlock()
	}
}
