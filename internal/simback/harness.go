// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 The Noisy Sockets Authors.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package simback

import (
	"errors"
	"fmt"
	"log/slog"
	"net"

	"github.com/noisysockets/vif"
	"github.com/noisysockets/vif/grant"
	"github.com/noisysockets/vif/internal/util"
	"github.com/noisysockets/vif/mem"
	"github.com/noisysockets/vif/ring"
)

// Config is the simulated transport configuration.
type Config struct {
	// RingPages is the size of each ring region in pages.
	RingPages *int
	// ArenaPages is the size of the shared buffer arena in pages.
	ArenaPages *int
	// SharedMemory backs the regions with OS shared memory instead of the
	// Go heap.
	SharedMemory *bool
	// Features advertised by the backend.
	Features *vif.Features
	// Echo loops transmitted frames straight back into the receive path
	// when serving.
	Echo *bool
	// FrameQueueSize bounds the sink-mode receive queue.
	FrameQueueSize *int
}

// Default values (if not set).
var defaultConf = Config{
	RingPages:      util.PointerTo(1),
	ArenaPages:     util.PointerTo(512),
	SharedMemory:   util.PointerTo(false),
	Features:       util.PointerTo(vif.Features{RxCopy: true, ScatterGather: true, GSOTCPv4: true}),
	Echo:           util.PointerTo(false),
	FrameQueueSize: util.PointerTo(256),
}

// backendDomain is the domain identifier the backend presents to the device.
const backendDomain = 1

// Harness is a complete in-process transport pair: the device side ready to
// hand to Device.Connect and the backend driving the other end.
type Harness struct {
	Transport *vif.Transport
	Backend   *Backend

	closers []func() error
}

// NewHarness builds the shared regions, the grant table, the arena and the
// doorbell pair, and attaches a backend to the peer side.
func NewHarness(logger *slog.Logger, conf *Config) (*Harness, error) {
	conf, err := util.ConfigWithDefaults(conf, &defaultConf)
	if err != nil {
		return nil, fmt.Errorf("failed to populate configuration with defaults: %w", err)
	}

	ringPages := *conf.RingPages
	if ringPages <= 0 || ringPages&(ringPages-1) != 0 || ringPages > vif.MaxRingPages {
		return nil, fmt.Errorf("ring size must be a power of two pages, at most %d", vif.MaxRingPages)
	}

	var closers []func() error
	closeAll := func() {
		for _, closer := range closers {
			_ = closer()
		}
	}

	allocRegion := func(pages int) ([]byte, error) {
		if *conf.SharedMemory {
			region, closer, err := mem.NewSharedRegion(pages)
			if err != nil {
				return nil, err
			}
			closers = append(closers, closer)
			return region, nil
		}
		return mem.NewRegion(pages)
	}

	txRegion, err := allocRegion(ringPages)
	if err != nil {
		closeAll()
		return nil, fmt.Errorf("failed to allocate transmit ring: %w", err)
	}
	rxRegion, err := allocRegion(ringPages)
	if err != nil {
		closeAll()
		return nil, fmt.Errorf("failed to allocate receive ring: %w", err)
	}

	// Reference zero stays invalid, hence the extra entry.
	tableEntries := int(ring.Entries(ringPages)*2) + 1
	tablePages := (tableEntries*grant.EntrySize + mem.PageSize - 1) / mem.PageSize
	tableRegion, err := allocRegion(tablePages)
	if err != nil {
		closeAll()
		return nil, fmt.Errorf("failed to allocate grant table: %w", err)
	}

	arenaRegion, err := allocRegion(*conf.ArenaPages)
	if err != nil {
		closeAll()
		return nil, fmt.Errorf("failed to allocate buffer arena: %w", err)
	}
	arena, err := mem.NewArena(arenaRegion)
	if err != nil {
		closeAll()
		return nil, err
	}

	txRing, err := ring.AttachBack(txRegion)
	if err != nil {
		closeAll()
		return nil, err
	}
	rxRing, err := ring.AttachBack(rxRegion)
	if err != nil {
		closeAll()
		return nil, err
	}

	// The backend's table view only maps and unmaps, it never grants, so
	// the domain it would stamp is irrelevant.
	table, err := grant.NewTable(tableRegion, 0)
	if err != nil {
		closeAll()
		return nil, err
	}

	front, back := vif.NewDoorbellPair()
	closers = append(closers, back.Close)

	backend := &Backend{
		logger:   logger,
		doorbell: back,
		txRing:   txRing,
		rxRing:   rxRing,
		table:    table,
		arena:    arena,
		echo:     *conf.Echo,
		frames:   make(chan Frame, *conf.FrameQueueSize),
	}

	transport := &vif.Transport{
		TxRing:       txRegion,
		RxRing:       rxRegion,
		GrantTable:   tableRegion,
		PeerDomain:   backendDomain,
		Pages:        arena,
		Doorbell:     front,
		HardwareAddr: net.HardwareAddr{0x02, 0x00, 0x5e, 0x00, 0x53, 0x01},
		Features:     *conf.Features,
	}

	return &Harness{
		Transport: transport,
		Backend:   backend,
		closers:   closers,
	}, nil
}

// Close releases the backend's doorbell and any OS shared memory regions.
// Close the device first.
func (h *Harness) Close() error {
	var errs []error
	for _, closer := range h.closers {
		if err := closer(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
