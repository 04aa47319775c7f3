//go:build !linux

// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 The Noisy Sockets Authors.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package mem

// NewSharedRegion falls back to a process-private region on platforms
// without memory file support.
func NewSharedRegion(nPages int) ([]byte, func() error, error) {
	region, err := NewRegion(nPages)
	if err != nil {
		return nil, nil, err
	}
	return region, func() error { return nil }, nil
}
