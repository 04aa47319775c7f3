// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 The Noisy Sockets Authors.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

// Package mem provides the page arena backing rings and granted buffers.
// All pages come from one contiguous region, so a frame number is enough to
// address a page from either end of the connection.
package mem

import (
	"errors"
	"sync"
	"unsafe"
)

const (
	// PageSize is the size of a single page, the unit of granting and of
	// buffer exchange with the peer.
	PageSize = 4096

	pageShift = 12
)

var (
	// ErrNoPages is returned when the arena cannot satisfy an allocation.
	ErrNoPages = errors.New("out of pages")
	// ErrBadRegion is returned for regions that are not a whole number of pages.
	ErrBadRegion = errors.New("region must be a positive multiple of the page size")
	// ErrBadFrame is returned when a frame number lies outside the arena.
	ErrBadFrame = errors.New("frame outside arena")
)

// Page is a single page of the arena.
type Page struct {
	// Frame is the page frame number within the arena.
	Frame uint32
	// Data is the page contents, always PageSize bytes.
	Data []byte
}

// Span is a run of consecutive pages, used for linear packet heads that may
// cross a page boundary.
type Span struct {
	// Frame is the frame number of the first page.
	Frame uint32
	// Data covers every page of the span.
	Data []byte
}

// Arena hands out pages from a contiguous region. A page the peer refuses to
// let go of can be marked leaked: it stays out of circulation forever and
// later frees of it become no-ops, so buffer teardown paths need not track
// which of their pages went bad.
type Arena struct {
	mu     sync.Mutex
	region []byte
	used   []bool
	leaked []bool
	nfree  int
	// next is a scan hint, the frame after the most recent allocation.
	next int
}

// NewArena creates an arena over region, which must be a positive multiple
// of PageSize bytes.
func NewArena(region []byte) (*Arena, error) {
	if len(region) == 0 || len(region)%PageSize != 0 {
		return nil, ErrBadRegion
	}

	n := len(region) / PageSize
	return &Arena{
		region: region,
		used:   make([]bool, n),
		leaked: make([]bool, n),
		nfree:  n,
	}, nil
}

// Pages returns the total number of pages in the arena.
func (a *Arena) Pages() int {
	return len(a.used)
}

// FreePages returns the number of pages currently available.
func (a *Arena) FreePages() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.nfree
}

// Alloc returns a free page, or ErrNoPages if the arena is exhausted.
func (a *Arena) Alloc() (Page, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.nfree == 0 {
		return Page{}, ErrNoPages
	}

	n := len(a.used)
	for i := 0; i < n; i++ {
		frame := (a.next + i) % n
		if !a.used[frame] {
			a.used[frame] = true
			a.nfree--
			a.next = frame + 1
			return a.page(uint32(frame)), nil
		}
	}

	return Page{}, ErrNoPages
}

// AllocSpan returns a run of consecutive pages, or ErrNoPages if no such run
// exists. A single-page span is equivalent to Alloc.
func (a *Arena) AllocSpan(pages int) (Span, error) {
	if pages <= 0 || pages > len(a.used) {
		return Span{}, ErrNoPages
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.nfree < pages {
		return Span{}, ErrNoPages
	}

	run := 0
	for frame := 0; frame < len(a.used); frame++ {
		if a.used[frame] {
			run = 0
			continue
		}
		if run++; run == pages {
			first := frame - pages + 1
			for i := first; i <= frame; i++ {
				a.used[i] = true
			}
			a.nfree -= pages
			a.next = frame + 1
			return Span{
				Frame: uint32(first),
				Data:  a.region[first<<pageShift : (frame+1)<<pageShift],
			}, nil
		}
	}

	return Span{}, ErrNoPages
}

// Free returns a page to the arena.
func (a *Arena) Free(pg Page) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.freeFrame(int(pg.Frame))
}

// FreeSpan returns every page of a span to the arena.
func (a *Arena) FreeSpan(sp Span) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for i := 0; i < len(sp.Data)/PageSize; i++ {
		a.freeFrame(int(sp.Frame) + i)
	}
}

// FreeRange frees every page overlapped by b, which must alias arena memory.
// It reports whether b was arena memory at all.
func (a *Arena) FreeRange(b []byte) bool {
	if len(b) == 0 {
		return false
	}

	frame, offset, ok := a.Locate(b)
	if !ok {
		return false
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	last := (int(frame)<<pageShift + offset + len(b) - 1) >> pageShift
	for f := int(frame); f <= last; f++ {
		a.freeFrame(f)
	}
	return true
}

func (a *Arena) freeFrame(frame int) {
	if frame < 0 || frame >= len(a.used) || !a.used[frame] {
		panic("mem: freeing unallocated page")
	}
	if a.leaked[frame] {
		return
	}
	a.used[frame] = false
	a.nfree++
}

// Leak retires an allocated page that can never be reused, typically because
// the peer still maps it. Freeing a leaked page later is a tolerated no-op.
func (a *Arena) Leak(frame uint32) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if int(frame) >= len(a.used) || !a.used[frame] {
		panic("mem: leaking unallocated page")
	}
	a.leaked[frame] = true
}

// LeakedPages returns the number of pages retired via Leak.
func (a *Arena) LeakedPages() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	n := 0
	for _, l := range a.leaked {
		if l {
			n++
		}
	}
	return n
}

// Lookup resolves a frame number to its page. It is how the peer half turns
// a granted frame back into memory.
func (a *Arena) Lookup(frame uint32) (Page, error) {
	if int(frame) >= len(a.used) {
		return Page{}, ErrBadFrame
	}
	return a.page(frame), nil
}

// Locate maps a slice aliasing arena memory back to the frame and in-page
// offset of its first byte.
func (a *Arena) Locate(b []byte) (frame uint32, offset int, ok bool) {
	if len(b) == 0 {
		return 0, 0, false
	}

	start := uintptr(unsafe.Pointer(&a.region[0]))
	p := uintptr(unsafe.Pointer(&b[0]))
	if p < start || p >= start+uintptr(len(a.region)) {
		return 0, 0, false
	}

	off := int(p - start)
	return uint32(off >> pageShift), off & (PageSize - 1), true
}

func (a *Arena) page(frame uint32) Page {
	off := int(frame) << pageShift
	return Page{
		Frame: frame,
		Data:  a.region[off : off+PageSize],
	}
}
