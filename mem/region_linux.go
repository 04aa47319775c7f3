//go:build linux

// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 The Noisy Sockets Authors.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package mem

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// NewSharedRegion allocates a region of nPages pages backed by an anonymous
// memory file, so it can be mapped by another process. The returned close
// function unmaps and releases the region; no page of it may be used
// afterwards.
func NewSharedRegion(nPages int) ([]byte, func() error, error) {
	if nPages <= 0 {
		return nil, nil, ErrBadRegion
	}
	size := nPages * PageSize

	fd, err := unix.MemfdCreate("vif-region", unix.MFD_CLOEXEC)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create memory file: %w", err)
	}

	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		_ = unix.Close(fd)
		return nil, nil, fmt.Errorf("failed to size memory file: %w", err)
	}

	region, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = unix.Close(fd)
		return nil, nil, fmt.Errorf("failed to map memory file: %w", err)
	}

	closeRegion := func() error {
		return errors.Join(unix.Munmap(region), unix.Close(fd))
	}

	return region, closeRegion, nil
}
