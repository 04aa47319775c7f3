// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 The Noisy Sockets Authors.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package vif

import "sync/atomic"

// Stats is a point-in-time snapshot of the device counters. Counters are
// cumulative across connect/disconnect cycles.
type Stats struct {
	// TxPackets and TxBytes count packets accepted for transmission.
	TxPackets uint64
	TxBytes   uint64
	// TxDropped counts packets Send accepted but discarded.
	TxDropped uint64
	// RxPackets and RxBytes count packets handed to the delivery queue.
	RxPackets uint64
	RxBytes   uint64
	// RxErrors counts malformed receive chains and checksum setup
	// failures.
	RxErrors uint64
	// RxDropped counts packets discarded because the delivery queue was
	// full.
	RxDropped uint64
	// RxGSOFixups counts offloaded packets that arrived without the blank
	// checksum flag and had their checksum reseeded.
	RxGSOFixups uint64
	// GrantsLeaked counts grant references retired because the peer never
	// let go of the underlying page.
	GrantsLeaked uint64
}

type deviceStats struct {
	txPackets  atomic.Uint64
	txBytes    atomic.Uint64
	txDropped  atomic.Uint64
	rxPackets  atomic.Uint64
	rxBytes    atomic.Uint64
	rxErrors   atomic.Uint64
	rxDropped  atomic.Uint64
	gsoFixups  atomic.Uint64
	leakedBase atomic.Uint64
}

// Stats returns a snapshot of the device counters.
func (d *Device) Stats() Stats {
	s := Stats{
		TxPackets:    d.stats.txPackets.Load(),
		TxBytes:      d.stats.txBytes.Load(),
		TxDropped:    d.stats.txDropped.Load(),
		RxPackets:    d.stats.rxPackets.Load(),
		RxBytes:      d.stats.rxBytes.Load(),
		RxErrors:     d.stats.rxErrors.Load(),
		RxDropped:    d.stats.rxDropped.Load(),
		RxGSOFixups:  d.stats.gsoFixups.Load(),
		GrantsLeaked: d.stats.leakedBase.Load(),
	}

	// Live sessions keep their leak counts in the grant pools; they fold
	// into leakedBase at disconnect.
	d.txMu.Lock()
	if d.tx != nil {
		s.GrantsLeaked += uint64(d.tx.pool.Leaked())
	}
	d.txMu.Unlock()

	d.rxMu.Lock()
	if d.rx != nil {
		s.GrantsLeaked += uint64(d.rx.pool.Leaked())
	}
	d.rxMu.Unlock()

	return s
}
