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
	"time"

	"github.com/noisysockets/netutil/ptr"
)

const (
	// MaxRingPages bounds the size of a ring region.
	MaxRingPages = 4
	// MaxFragmentsPerPacket is the scatter-gather limit. A packet may
	// occupy one descriptor more than this when its head crosses a page
	// boundary, and a received packet may use one more when its head
	// response is at most RxCopyThreshold bytes.
	MaxFragmentsPerPacket = 18
	// RxCopyThreshold is the head size up to which a received packet is
	// allowed its extra fragment.
	RxCopyThreshold = 256

	// ethHeaderLen is the untagged Ethernet header size.
	ethHeaderLen = 14
	// defaultMTU applies when scatter-gather is off and every frame must
	// fit a single descriptor chain of one page.
	defaultMTU = 1500

	// rxTargetFloor is the hard lower bound on the fill target.
	rxTargetFloor = 8
	// refillRetryDelay is how long to wait for pages after the arena ran
	// dry during a fill.
	refillRetryDelay = 100 * time.Millisecond
)

// Config is the configuration for a device.
type Config struct {
	// Name of the interface, used in logs.
	Name *string
	// Maximum packets reassembled per poll pass before yielding.
	PollBudget *int
	// Lower bound of the adaptive receive fill target.
	RxMinTarget *int
	// Upper bound of the adaptive receive fill target. Capped at the
	// receive ring size.
	RxMaxTarget *int
	// Capacity of the delivery queue drained by Read.
	DeliveryQueueSize *int
	// Capabilities offered to the peer. The effective feature set is the
	// intersection with what the peer advertises.
	Features *Features
}

// Default values (if not set).
var defaultConf = Config{
	Name:              ptr.To("vif0"),
	PollBudget:        ptr.To(64),
	RxMinTarget:       ptr.To(64),
	RxMaxTarget:       ptr.To(256),
	DeliveryQueueSize: ptr.To(512),
	Features: ptr.To(Features{
		RxCopy:        true,
		ScatterGather: true,
		GSOTCPv4:      true,
	}),
}
