// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 The Noisy Sockets Authors.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package mem

// NewRegion allocates a process-private region of nPages pages. It is
// suitable when both ends of the connection live in one process, as in tests
// and benchmarks.
func NewRegion(nPages int) ([]byte, error) {
	if nPages <= 0 {
		return nil, ErrBadRegion
	}
	return make([]byte, nPages*PageSize), nil
}
