// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 The Noisy Sockets Authors.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package grant

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// State is the lifecycle state of a pooled reference.
type State uint8

const (
	// StateFree means the reference is on the freelist, ready to claim.
	StateFree State = iota
	// StateClaimed means the reference is taken but not yet bound to a page.
	StateClaimed
	// StateBound means the entry is live: the peer may access the page.
	StateBound
	// StateEnded means access was revoked; the reference awaits release.
	StateEnded
	// StateLeaked means the peer never unmapped the page. The reference is
	// permanently retired.
	StateLeaked
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateFree:
		return "free"
	case StateClaimed:
		return "claimed"
	case StateBound:
		return "bound"
	case StateEnded:
		return "ended"
	case StateLeaked:
		return "leaked"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// ErrExhausted is returned by Claim when the pool has no free references.
var ErrExhausted = errors.New("no grant references available")

// Pool hands out references from a fixed range of the table, one range per
// traffic direction. It shadows the lifecycle of every reference so that a
// reference can never be claimed again while the peer may still use it.
type Pool struct {
	mu     sync.Mutex
	table  *Table
	first  Ref
	states []State
	free   []Ref
	leaked atomic.Int64
}

// NewPool carves the range [first, first+count) out of the table. The range
// must not include the reserved entry zero.
func NewPool(table *Table, first Ref, count int) (*Pool, error) {
	if first == Invalid || count <= 0 || uint32(first)+uint32(count) > table.entries {
		return nil, ErrBadRef
	}

	p := &Pool{
		table:  table,
		first:  first,
		states: make([]State, count),
		free:   make([]Ref, 0, count),
	}
	for i := count - 1; i >= 0; i-- {
		p.free = append(p.free, first+Ref(i))
	}
	return p, nil
}

// Count returns the total number of references the pool was created with.
func (p *Pool) Count() int {
	return len(p.states)
}

// Free returns the number of references available to claim.
func (p *Pool) Free() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return len(p.free)
}

// Leaked returns the number of references permanently retired because the
// peer never unmapped them.
func (p *Pool) Leaked() int {
	return int(p.leaked.Load())
}

// State returns the lifecycle state of a reference.
func (p *Pool) State(ref Ref) (State, error) {
	i, err := p.index(ref)
	if err != nil {
		return 0, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	return p.states[i], nil
}

// Claim takes a free reference.
func (p *Pool) Claim() (Ref, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.free) == 0 {
		return Invalid, ErrExhausted
	}

	ref := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	p.states[ref-p.first] = StateClaimed
	return ref, nil
}

// Bind makes a claimed reference live, giving the peer the requested access
// to the page frame.
func (p *Pool) Bind(ref Ref, frame uint32, mode Mode) error {
	i, err := p.index(ref)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.states[i] != StateClaimed {
		return fmt.Errorf("cannot bind %s grant %d", p.states[i], ref)
	}

	p.table.grantAccess(ref, frame, mode)
	p.states[i] = StateBound
	return nil
}

// End revokes the peer's access to a bound reference. On ErrStillMapped the
// reference stays bound and the caller must Leak it; releasing it would hand
// the page to new traffic while the peer can still write it.
func (p *Pool) End(ref Ref) error {
	i, err := p.index(ref)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.states[i] != StateBound {
		return fmt.Errorf("cannot end %s grant %d", p.states[i], ref)
	}

	if err := p.table.endAccess(ref); err != nil {
		return err
	}
	p.states[i] = StateEnded
	return nil
}

// Release returns a reference to the freelist. Only ended references, or
// claimed ones that were never bound, may be released.
func (p *Pool) Release(ref Ref) error {
	i, err := p.index(ref)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	switch p.states[i] {
	case StateEnded, StateClaimed:
	default:
		return fmt.Errorf("cannot release %s grant %d", p.states[i], ref)
	}

	p.states[i] = StateFree
	p.free = append(p.free, ref)
	return nil
}

// Leak permanently retires a bound reference whose access could not be
// ended. The entry is left untouched: the peer retains whatever access it
// holds, and the page must never be reused.
func (p *Pool) Leak(ref Ref) error {
	i, err := p.index(ref)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.states[i] != StateBound {
		return fmt.Errorf("cannot leak %s grant %d", p.states[i], ref)
	}

	p.states[i] = StateLeaked
	p.leaked.Add(1)
	return nil
}

func (p *Pool) index(ref Ref) (int, error) {
	if ref < p.first || ref >= p.first+Ref(len(p.states)) {
		return 0, ErrBadRef
	}
	return int(ref - p.first), nil
}
