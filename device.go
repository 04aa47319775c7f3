// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 The Noisy Sockets Authors.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

// Package vif implements the guest half of a split virtual network
// interface. Packets travel through two shared memory rings, one per
// direction, with page grants carrying the payloads and a doorbell carrying
// wakeups. The peer is never trusted: every descriptor it produces is
// validated before any buffer changes hands.
package vif

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/noisysockets/netutil/defaults"
	"golang.org/x/sync/errgroup"

	"github.com/noisysockets/vif/grant"
	"github.com/noisysockets/vif/mem"
	"github.com/noisysockets/vif/ring"
)

type txSlot struct {
	// next links the slot into the freelist while pkt is nil.
	next uint16
	pkt  *Packet
	ref  grant.Ref
}

const txFreeNone = ^uint16(0)

type txState struct {
	ring     *ring.Front
	pool     *grant.Pool
	slots    []txSlot
	freeHead uint16
	scratch  []TxRequest
	paused   bool
}

type rxSlot struct {
	page    mem.Page
	ref     grant.Ref
	present bool
}

type rxFrag struct {
	page mem.Page
	off  int
	size int
}

type rxState struct {
	ring  *ring.Front
	pool  *grant.Pool
	slots []rxSlot
	// batch holds pages staged for the next fill but not yet published.
	batch     []mem.Page
	target    int
	minTarget int
	maxTarget int
	// refillTimer fires when a fill had to stop for lack of pages.
	refillTimer *time.Timer
	// parse and delivery scratch, reused across poll passes.
	chain   []rxFrag
	deliver []*Packet
}

// Device is the guest half of a split virtual network interface. A device
// is created unconnected; Connect binds it to the shared memory a
// negotiation produced. Any number of goroutines may Send, one consumer
// drains Read.
type Device struct {
	logger *slog.Logger

	name        string
	pollBudget  int
	rxMinTarget int
	rxMaxTarget int
	ourFeatures Features

	lifecycleMu sync.Mutex
	connected   bool
	closed      bool
	// shutdown mirrors closed for paths that cannot take lifecycleMu.
	shutdown atomic.Bool

	// link is the carrier. It flips under both txMu and rxMu but is read
	// all over, hence atomic.
	link atomic.Bool

	hwaddr   net.HardwareAddr
	features Features

	arena    *mem.Arena
	table    *grant.Table
	doorbell Doorbell
	pool     *PacketPool

	txMu sync.Mutex
	tx   *txState

	rxMu sync.Mutex
	rx   *rxState

	rxq      chan *Packet
	pollWake chan struct{}
	txReady  chan struct{}

	tasks       *errgroup.Group
	tasksCtx    context.Context
	tasksCancel context.CancelFunc

	stats deviceStats
}

// New creates an unconnected device.
func New(logger *slog.Logger, conf *Config) (*Device, error) {
	conf, err := defaults.WithDefaults(conf, &defaultConf)
	if err != nil {
		return nil, fmt.Errorf("failed to populate configuration with defaults: %w", err)
	}

	if *conf.PollBudget < 1 {
		return nil, errors.New("poll budget must be positive")
	}
	rxMinTarget := max(*conf.RxMinTarget, rxTargetFloor)
	if *conf.RxMaxTarget < rxMinTarget {
		return nil, errors.New("receive fill target bounds are inverted")
	}

	return &Device{
		logger:      logger.With(slog.String("interface", *conf.Name)),
		name:        *conf.Name,
		pollBudget:  *conf.PollBudget,
		rxMinTarget: rxMinTarget,
		rxMaxTarget: *conf.RxMaxTarget,
		ourFeatures: *conf.Features,
		rxq:         make(chan *Packet, *conf.DeliveryQueueSize),
		pollWake:    make(chan struct{}, 1),
		txReady:     make(chan struct{}, 1),
	}, nil
}

// Name returns the interface name.
func (d *Device) Name() string {
	return d.name
}

// HardwareAddr returns the MAC address assigned by the current transport,
// nil when disconnected.
func (d *Device) HardwareAddr() net.HardwareAddr {
	d.lifecycleMu.Lock()
	defer d.lifecycleMu.Unlock()

	return d.hwaddr
}

// Features returns the feature set in effect, the intersection of both
// sides' capabilities. The zero value when disconnected.
func (d *Device) Features() Features {
	d.lifecycleMu.Lock()
	defer d.lifecycleMu.Unlock()

	return d.features
}

// MTU returns the largest frame the device will carry. Without
// scatter-gather a frame must fit a single page chain, so the classic
// Ethernet MTU applies.
func (d *Device) MTU() int {
	d.lifecycleMu.Lock()
	defer d.lifecycleMu.Unlock()

	if d.features.ScatterGather {
		return MaxPacketSize - ethHeaderLen
	}
	return defaultMTU
}

// BatchSize returns the preferred number of packets per Read.
func (d *Device) BatchSize() int {
	return d.pollBudget
}

// Arena returns the page arena of the current transport, nil when
// disconnected. Senders allocate packet payloads from it.
func (d *Device) Arena() *mem.Arena {
	d.lifecycleMu.Lock()
	defer d.lifecycleMu.Unlock()

	return d.arena
}

// PacketPool returns the packet pool of the current transport, nil when
// disconnected.
func (d *Device) PacketPool() *PacketPool {
	d.lifecycleMu.Lock()
	defer d.lifecycleMu.Unlock()

	return d.pool
}

// Sendable returns a channel that receives a token whenever transmit
// headroom reappears after Send returned ErrTxBusy.
func (d *Device) Sendable() <-chan struct{} {
	return d.txReady
}

// Connect brings the link up over the given transport. The context bounds
// the lifetime of the connection's background tasks; after it is cancelled
// the device stops pumping and Disconnect tears the session down.
func (d *Device) Connect(ctx context.Context, transport *Transport) error {
	d.lifecycleMu.Lock()
	defer d.lifecycleMu.Unlock()

	if d.closed {
		return net.ErrClosed
	}
	if d.connected {
		return ErrConnected
	}

	if transport == nil {
		return errors.New("transport is required")
	}
	if err := transport.validate(); err != nil {
		return fmt.Errorf("invalid transport: %w", err)
	}
	if !transport.Features.RxCopy {
		return ErrRxCopyRequired
	}

	txRing, err := ring.Init(transport.TxRing)
	if err != nil {
		return fmt.Errorf("failed to initialize transmit ring: %w", err)
	}
	rxRing, err := ring.Init(transport.RxRing)
	if err != nil {
		return fmt.Errorf("failed to initialize receive ring: %w", err)
	}

	table, err := grant.NewTable(transport.GrantTable, transport.PeerDomain)
	if err != nil {
		return fmt.Errorf("failed to attach grant table: %w", err)
	}
	txPool, err := grant.NewPool(table, 1, int(txRing.Size()))
	if err != nil {
		return fmt.Errorf("failed to reserve transmit grants: %w", err)
	}
	rxPool, err := grant.NewPool(table, grant.Ref(1+txRing.Size()), int(rxRing.Size()))
	if err != nil {
		return fmt.Errorf("failed to reserve receive grants: %w", err)
	}

	tx := &txState{
		ring:    txRing,
		pool:    txPool,
		slots:   make([]txSlot, txRing.Size()),
		scratch: make([]TxRequest, 0, MaxFragmentsPerPacket+2),
	}
	for i := range tx.slots {
		tx.slots[i].next = uint16(i + 1)
	}
	tx.slots[len(tx.slots)-1].next = txFreeNone
	tx.freeHead = 0

	maxTarget := min(d.rxMaxTarget, int(rxRing.Size()))
	rx := &rxState{
		ring:      rxRing,
		pool:      rxPool,
		slots:     make([]rxSlot, rxRing.Size()),
		minTarget: min(d.rxMinTarget, maxTarget),
		maxTarget: maxTarget,
	}
	rx.target = rx.minTarget
	rx.refillTimer = time.AfterFunc(refillRetryDelay, d.schedulePoll)
	rx.refillTimer.Stop()

	// Session state is published under both ring locks so Send and the
	// poll task can read it under whichever one they already hold.
	d.rxMu.Lock()
	d.txMu.Lock()
	d.arena = transport.Pages
	d.table = table
	d.doorbell = transport.Doorbell
	d.pool = NewPacketPool(0, false, transport.Pages)
	d.hwaddr = transport.HardwareAddr
	d.features = Features{
		RxCopy:        true,
		ScatterGather: d.ourFeatures.ScatterGather && transport.Features.ScatterGather,
		GSOTCPv4:      d.ourFeatures.GSOTCPv4 && transport.Features.GSOTCPv4,
	}
	d.tx = tx
	d.rx = rx
	d.txMu.Unlock()
	d.rxMu.Unlock()

	tasksCtx, tasksCancel := context.WithCancel(ctx)
	tasks, tasksCtx := errgroup.WithContext(tasksCtx)
	d.tasks = tasks
	d.tasksCtx = tasksCtx
	d.tasksCancel = tasksCancel

	d.link.Store(true)
	d.connected = true

	// Kick the connection into motion: tell the peer we are here, reap
	// anything already pending and post the first receive buffers.
	d.doorbell.Notify()

	d.txMu.Lock()
	d.reapTxCompletionsLocked()
	d.txMu.Unlock()

	d.rxMu.Lock()
	d.fillRxBuffersLocked()
	d.rxMu.Unlock()

	d.tasks.Go(d.pollLoop)
	d.tasks.Go(d.watchDoorbell)
	d.schedulePoll()

	d.logger.Debug("Connected to peer",
		slog.String("hwaddr", d.hwaddr.String()),
		slog.Bool("sg", d.features.ScatterGather),
		slog.Bool("gso", d.features.GSOTCPv4))

	return nil
}

// Disconnect takes the link down and releases every buffer of the current
// connection. Counters and the delivery queue survive, so a later Connect
// resumes the device on a fresh transport. Disconnecting an unconnected
// device is a no-op.
func (d *Device) Disconnect() error {
	d.lifecycleMu.Lock()
	defer d.lifecycleMu.Unlock()

	return d.disconnectLocked()
}

func (d *Device) disconnectLocked() error {
	if !d.connected {
		return nil
	}

	// Drop the carrier first so senders and the poll loop stop touching
	// ring state, then stop the background tasks.
	d.rxMu.Lock()
	d.txMu.Lock()
	d.link.Store(false)
	d.rx.refillTimer.Stop()
	d.txMu.Unlock()
	d.rxMu.Unlock()

	// Rouse anyone parked on the backpressure channel so they observe the
	// link going away.
	select {
	case d.txReady <- struct{}{}:
	default:
	}

	d.tasksCancel()
	err := d.tasks.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}

	if closeErr := d.doorbell.Close(); closeErr != nil {
		err = errors.Join(err, closeErr)
	}

	d.rxMu.Lock()
	d.txMu.Lock()
	d.releaseTxBuffersLocked()
	d.releaseRxBuffersLocked()
	d.stats.leakedBase.Add(uint64(d.tx.pool.Leaked() + d.rx.pool.Leaked()))
	d.tx = nil
	d.rx = nil
	d.arena = nil
	d.table = nil
	d.doorbell = nil
	d.pool = nil
	d.hwaddr = nil
	d.features = Features{}
	d.txMu.Unlock()
	d.rxMu.Unlock()

	d.connected = false

	d.logger.Debug("Disconnected from peer")

	return err
}

// Close disconnects the device and drains the delivery queue. The device
// cannot be reconnected afterwards.
func (d *Device) Close() error {
	d.lifecycleMu.Lock()
	defer d.lifecycleMu.Unlock()

	if d.closed {
		return nil
	}
	d.shutdown.Store(true)

	err := d.disconnectLocked()
	d.closed = true

	close(d.rxq)
	for pkt := range d.rxq {
		pkt.Release()
	}

	return err
}

// Read blocks until at least one received packet is available, then drains
// up to BatchSize packets into the given slice. Ownership of the returned
// packets moves to the caller, who must Release each one.
func (d *Device) Read(ctx context.Context, packets []*Packet) ([]*Packet, error) {
	select {
	case pkt, ok := <-d.rxq:
		if !ok {
			return packets, net.ErrClosed
		}
		packets = append(packets, pkt)
	case <-ctx.Done():
		return packets, ctx.Err()
	}

	for len(packets) < d.BatchSize() {
		select {
		case pkt, ok := <-d.rxq:
			if !ok {
				return packets, nil
			}
			packets = append(packets, pkt)
		default:
			return packets, nil
		}
	}

	return packets, nil
}
