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
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/noisysockets/vif/grant"
	"github.com/noisysockets/vif/mem"
	"github.com/noisysockets/vif/ring"
)

// Features are the capability bits negotiated with the peer out of band.
type Features struct {
	// RxCopy means the peer copies received packet data into pages this
	// side grants it. The device requires it; page flipping is not
	// supported.
	RxCopy bool
	// ScatterGather allows packets to span multiple descriptors.
	ScatterGather bool
	// GSOTCPv4 allows TCPv4 segmentation offload metadata to accompany
	// packets.
	GSOTCPv4 bool
}

// Doorbell is the notification channel bound to a connection. Notifications
// coalesce: ringing a doorbell that has not been waited on yet is a no-op.
type Doorbell interface {
	io.Closer
	// Notify rings the peer's side.
	Notify()
	// Wait blocks until this side has been rung since the last Wait.
	Wait(ctx context.Context) error
}

// Transport carries everything the out-of-band negotiation produced: the
// shared memory regions, the peer's identity and its capabilities.
type Transport struct {
	// TxRing and RxRing are the shared ring regions. Each must be a power
	// of two pages, at most MaxRingPages.
	TxRing []byte
	RxRing []byte
	// GrantTable is the shared grant table region.
	GrantTable []byte
	// PeerDomain is the peer's domain identifier, stamped into every grant
	// entry.
	PeerDomain uint16
	// Pages is the arena granted buffers are drawn from.
	Pages *mem.Arena
	// Doorbell is the notification channel to and from the peer.
	Doorbell Doorbell
	// HardwareAddr is the interface's assigned MAC address.
	HardwareAddr net.HardwareAddr
	// Features are the peer's advertised capabilities.
	Features Features
}

func (t *Transport) validate() error {
	if t.Pages == nil {
		return errors.New("page arena is required")
	}
	if t.Doorbell == nil {
		return errors.New("doorbell is required")
	}
	if len(t.HardwareAddr) != 6 {
		return fmt.Errorf("hardware address must be 6 bytes, got %d", len(t.HardwareAddr))
	}

	for _, region := range [][]byte{t.TxRing, t.RxRing} {
		pages := len(region) / mem.PageSize
		if len(region) == 0 || len(region)%mem.PageSize != 0 ||
			pages&(pages-1) != 0 || pages > MaxRingPages {
			return fmt.Errorf("ring regions must be a power of two pages, at most %d", MaxRingPages)
		}
	}

	// Reference zero stays invalid, hence the extra entry.
	need := int(ring.Entries(len(t.TxRing)/mem.PageSize)+ring.Entries(len(t.RxRing)/mem.PageSize)+1) * grant.EntrySize
	if len(t.GrantTable) < need {
		return fmt.Errorf("grant table too small: need %d bytes, got %d", need, len(t.GrantTable))
	}

	return nil
}

type doorbell struct {
	peer      *doorbell
	bell      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// NewDoorbellPair returns two connected in-process doorbells, one per end of
// the transport. Ringing either end wakes a waiter on the other.
func NewDoorbellPair() (Doorbell, Doorbell) {
	a := &doorbell{bell: make(chan struct{}, 1), done: make(chan struct{})}
	b := &doorbell{bell: make(chan struct{}, 1), done: make(chan struct{})}
	a.peer, b.peer = b, a
	return a, b
}

func (d *doorbell) Notify() {
	select {
	case d.peer.bell <- struct{}{}:
	default:
	}
}

func (d *doorbell) Wait(ctx context.Context) error {
	select {
	case <-d.bell:
		return nil
	case <-d.done:
		return net.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *doorbell) Close() error {
	d.closeOnce.Do(func() {
		close(d.done)
	})
	return nil
}
