// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 The Noisy Sockets Authors.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

// Package grant implements the page-sharing reference table and the
// reference pools drawn from it. A grant reference lets the peer access one
// local page for a bounded time and access mode; it is the mechanism that
// makes zero-copy packet exchange safe across the trust boundary.
package grant

import (
	"errors"
	"sync/atomic"
	"unsafe"
)

// Ref names one entry of the grant table.
type Ref uint32

// Invalid is the wire sentinel for "no grant". Table entry zero is reserved
// so that it never names a live grant.
const Invalid Ref = 0

// EntrySize is the size of one shared table entry: flags and peer domain in
// the first word, the page frame number in the second.
const EntrySize = 8

// Shared entry flag bits. The peer (or the hypervisor acting for it) sets
// the reading and writing bits for as long as it maps the page; ending
// access must fail while either is set.
const (
	flagPermitAccess uint16 = 1 << 0
	flagReadonly     uint16 = 1 << 2
	flagReading      uint16 = 1 << 3
	flagWriting      uint16 = 1 << 4
)

// Mode is the access the peer is granted to a page.
type Mode uint8

const (
	// PeerReadOnly lets the peer read the page but not write it. Used for
	// transmit data.
	PeerReadOnly Mode = iota
	// PeerWritable lets the peer write into the page. Used for receive
	// buffers the peer fills.
	PeerWritable
)

var (
	// ErrBadRegion is returned for table regions that cannot hold at least
	// the reserved entry plus one usable entry.
	ErrBadRegion = errors.New("table region too small or misaligned")
	// ErrBadRef is returned when a reference lies outside the table or pool.
	ErrBadRef = errors.New("grant reference out of range")
	// ErrStillMapped is returned by End when the peer still maps the page.
	// The reference must then be leaked, never released.
	ErrStillMapped = errors.New("peer still maps the grant")
	// ErrNotPermitted is returned when mapping a grant that permits no access.
	ErrNotPermitted = errors.New("grant does not permit access")
	// ErrReadOnly is returned when mapping a read-only grant for writing.
	ErrReadOnly = errors.New("grant is read-only")
)

// Table is the shared grant table. Both ends see the same entries; this side
// writes them to grant and revoke access, the peer's mapping layer flips the
// reading/writing bits.
type Table struct {
	region  []byte
	peer    uint16
	entries uint32
}

// NewTable creates a table over region, shared with the peer domain. The
// region must hold at least two entries and be word aligned.
func NewTable(region []byte, peerDomain uint16) (*Table, error) {
	if len(region) < 2*EntrySize || len(region)%EntrySize != 0 {
		return nil, ErrBadRegion
	}
	if uintptr(unsafe.Pointer(&region[0]))%4 != 0 {
		return nil, ErrBadRegion
	}

	return &Table{
		region:  region,
		peer:    peerDomain,
		entries: uint32(len(region) / EntrySize),
	}, nil
}

// Entries returns the number of entries in the table, including the reserved
// entry zero.
func (t *Table) Entries() int {
	return int(t.entries)
}

// word returns the entry's first shared word. On the little-endian hosts
// this protocol runs on, its low half is the flags field and its high half
// the peer domain, which lets flag updates use full-word atomics.
func (t *Table) word(ref Ref) *uint32 {
	return (*uint32)(unsafe.Pointer(&t.region[int(ref)*EntrySize]))
}

func makeWord(flags, domid uint16) uint32 {
	return uint32(flags) | uint32(domid)<<16
}

func flagsOf(w uint32) uint16 {
	return uint16(w)
}

// Frame returns the page frame number an entry currently names.
func (t *Table) Frame(ref Ref) uint32 {
	entry := t.region[int(ref)*EntrySize:]
	return uint32(entry[4]) | uint32(entry[5])<<8 | uint32(entry[6])<<16 | uint32(entry[7])<<24
}

// grantAccess publishes an entry. The frame store must be visible before the
// flags word that makes the entry live, hence the release-ordered store.
func (t *Table) grantAccess(ref Ref, frame uint32, mode Mode) {
	entry := t.region[int(ref)*EntrySize:]
	entry[4] = byte(frame)
	entry[5] = byte(frame >> 8)
	entry[6] = byte(frame >> 16)
	entry[7] = byte(frame >> 24)

	flags := flagPermitAccess
	if mode == PeerReadOnly {
		flags |= flagReadonly
	}
	atomic.StoreUint32(t.word(ref), makeWord(flags, t.peer))
}

// endAccess revokes an entry. It fails with ErrStillMapped, leaving the
// entry untouched, if the peer has the page mapped; clearing access under a
// live mapping would let the page be reused while the peer can still reach it.
func (t *Table) endAccess(ref Ref) error {
	w := t.word(ref)
	for {
		old := atomic.LoadUint32(w)
		if flagsOf(old)&(flagReading|flagWriting) != 0 {
			return ErrStillMapped
		}
		if atomic.CompareAndSwapUint32(w, old, makeWord(0, t.peer)) {
			return nil
		}
	}
}

// Map takes the peer's role: it marks the grant as mapped and returns the
// frame it names. In a real deployment the hypervisor does this on the
// peer's behalf; the in-process backend and the tests call it directly.
func (t *Table) Map(ref Ref, write bool) (uint32, error) {
	if ref == Invalid || uint32(ref) >= t.entries {
		return 0, ErrBadRef
	}

	w := t.word(ref)
	for {
		old := atomic.LoadUint32(w)
		flags := flagsOf(old)
		if flags&flagPermitAccess == 0 {
			return 0, ErrNotPermitted
		}
		if write && flags&flagReadonly != 0 {
			return 0, ErrReadOnly
		}

		nflags := flags | flagReading
		if write {
			nflags |= flagWriting
		}
		if atomic.CompareAndSwapUint32(w, old, makeWord(nflags, t.peer)) {
			return t.Frame(ref), nil
		}
	}
}

// Unmap clears the mapped bits set by Map.
func (t *Table) Unmap(ref Ref) {
	w := t.word(ref)
	for {
		old := atomic.LoadUint32(w)
		nw := makeWord(flagsOf(old)&^(flagReading|flagWriting), t.peer)
		if atomic.CompareAndSwapUint32(w, old, nw) {
			return
		}
	}
}
