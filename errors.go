// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 The Noisy Sockets Authors.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package vif

import "errors"

var (
	// ErrDropped wraps every error that causes Send to accept and discard a
	// packet. The packet has been released; there is no retry contract.
	ErrDropped = errors.New("packet dropped")

	// ErrTxBusy is returned by Send when the transmit ring lacks headroom.
	// The packet is untouched; the caller may retry after Sendable fires.
	ErrTxBusy = errors.New("transmit ring is full")

	// ErrLinkDown is the drop cause while the device is not connected.
	ErrLinkDown = errors.New("link is down")

	// ErrTooManyFragments is the drop cause for packets needing more
	// descriptors than a single packet may occupy. It is also the parse
	// error for receive chains exceeding the fragment limit.
	ErrTooManyFragments = errors.New("too many fragments")

	// ErrNotNegotiated is the drop cause for packets requiring a capability
	// the peer did not offer.
	ErrNotNegotiated = errors.New("capability not negotiated")

	// ErrForeignBuffer is the drop cause for packets whose memory does not
	// belong to the device arena and therefore cannot be granted.
	ErrForeignBuffer = errors.New("buffer is not arena memory")

	// ErrInvalidGSO covers malformed segmentation parameters: a zero
	// segment size or an unrecognized segmentation type.
	ErrInvalidGSO = errors.New("invalid segmentation parameters")

	// ErrNeedMoreFragments is the parse error for a receive chain whose
	// continuation flag points past the last published response.
	ErrNeedMoreFragments = errors.New("response chain truncated")

	// ErrGrantsExhausted is the drop cause when leaked grant references have
	// eaten the headroom a packet would need.
	ErrGrantsExhausted = errors.New("grant references exhausted")

	// ErrRxCopyRequired is returned by Connect when the peer does not offer
	// receive-side copy, which the engine depends on.
	ErrRxCopyRequired = errors.New("peer does not support receive-side copy")

	// ErrConnected is returned by Connect on an already connected device.
	ErrConnected = errors.New("device already connected")
)
