// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 The Noisy Sockets Authors.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

// Package simback implements the peer half of a device transport: a
// backend that maps grants, copies frames and produces ring responses the
// way a real peer would. It doubles as a strict protocol checker, failing
// loudly on anything malformed the device emits, and as a fault injector
// for exercising the device's defenses.
package simback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/noisysockets/vif"
	"github.com/noisysockets/vif/grant"
	"github.com/noisysockets/vif/mem"
	"github.com/noisysockets/vif/ring"
)

// ErrNoBuffers means the device has not posted enough receive buffers for
// the frame. Retry after the next doorbell.
var ErrNoBuffers = errors.New("not enough posted buffers")

// Frame is one Ethernet frame crossing the backend, together with the
// offload metadata that travels beside the payload.
type Frame struct {
	Data []byte
	// GSOSize of zero means no segmentation offload.
	GSOSize uint16
	GSOType vif.GSOType
	// CsumBlank marks the transport checksum as unfilled; CsumValid vouches
	// for the payload.
	CsumBlank bool
	CsumValid bool
}

// Faults corrupt the next operation that can apply them, then clear
// themselves. They exist to exercise the device's handling of a hostile
// peer.
type Faults struct {
	// BadOffset makes the next injected head claim data past its page end.
	BadOffset bool
	// OversizedLength makes the next injected head claim more bytes than a
	// page holds.
	OversizedLength bool
	// TruncateChain promises a continuation after the next injected head
	// and never produces it.
	TruncateChain bool
	// UnknownExtra attaches an extra-info record of an unassigned type to
	// the next injected frame.
	UnknownExtra bool
	// ZeroGSOSize attaches segmentation parameters with a zero segment
	// size to the next injected frame.
	ZeroGSOSize bool
	// HoldGrant keeps the next mapped grant mapped forever, forcing the
	// device to leak it.
	HoldGrant bool
	// BadTxID completes the next transmitted packet under a fabricated
	// descriptor id.
	BadTxID bool
}

// Backend drives the back halves of both rings. The synchronous methods
// (ProcessTx, Inject) run one step under test control; Serve runs them in a
// loop off the doorbell for echo and sink operation.
type Backend struct {
	logger   *slog.Logger
	doorbell vif.Doorbell

	mu      sync.Mutex
	txRing  *ring.Back
	rxRing  *ring.Back
	table   *grant.Table
	arena   *mem.Arena
	faults  Faults
	held    []grant.Ref
	txState vif.Status

	echo    bool
	pending []Frame
	frames  chan Frame
}

// TxRing exposes the transmit ring's back half for white-box tests.
func (b *Backend) TxRing() *ring.Back { return b.txRing }

// RxRing exposes the receive ring's back half for white-box tests.
func (b *Backend) RxRing() *ring.Back { return b.rxRing }

// Table exposes the backend's grant table view for white-box tests.
func (b *Backend) Table() *grant.Table { return b.table }

// Frames returns the queue of frames received from the device when the
// backend is serving in sink mode.
func (b *Backend) Frames() <-chan Frame { return b.frames }

// SetFaults arms fault injection for the next applicable operation.
func (b *Backend) SetFaults(f Faults) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.faults = f
}

// SetTxStatus changes the completion status reported for transmitted
// packets from now on. The default is StatusOK.
func (b *Backend) SetTxStatus(status vif.Status) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.txState = status
}

// ReleaseHeld unmaps every grant a HoldGrant fault kept mapped. The device
// has already written the grants off; this only quiets the table.
func (b *Backend) ReleaseHeld() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ref := range b.held {
		b.table.Unmap(ref)
	}
	b.held = nil
}

// ProcessTx drains every complete transmit chain the device has pushed,
// copies the frames out and completes the descriptors. It returns the
// frames in ring order.
func (b *Backend) ProcessTx() ([]Frame, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	avail := b.txRing.UnconsumedRequests()
	if avail == 0 {
		return nil, nil
	}
	cons := b.txRing.Consumer()

	var frames []Frame
	processed := uint32(0)
	for processed < avail {
		frame, used, err := b.consumeTxChainLocked(cons+processed, avail-processed)
		if err != nil {
			return frames, err
		}
		frames = append(frames, frame)
		processed += used
	}

	b.txRing.SetConsumer(cons + processed)
	if b.txRing.PushResponses() {
		b.doorbell.Notify()
	}

	return frames, nil
}

// consumeTxChainLocked reads one transmit chain starting at pos, bounded by
// the avail slots known to be pushed, and writes one response per consumed
// slot.
func (b *Backend) consumeTxChainLocked(pos uint32, avail uint32) (Frame, uint32, error) {
	first, err := vif.DecodeTxRequest(b.txRing.Request(pos))
	if err != nil {
		return Frame{}, 0, err
	}
	used := uint32(1)

	var frame Frame
	frame.CsumBlank = first.Flags&vif.FlagCsumBlank != 0
	frame.CsumValid = first.Flags&vif.FlagCsumValid != 0

	extraSlots := uint32(0)
	if first.Flags&vif.FlagExtraInfo != 0 {
		for {
			if used+extraSlots >= avail {
				return Frame{}, 0, errors.New("simback: chain pushed without its extra info")
			}
			extra, err := vif.DecodeExtraInfo(b.txRing.Request(pos + used + extraSlots))
			if err != nil {
				return Frame{}, 0, err
			}
			extraSlots++
			if extra.Type != vif.ExtraTypeGSO {
				return Frame{}, 0, fmt.Errorf("simback: unexpected extra info type %d", extra.Type)
			}
			frame.GSOSize = extra.GSO.Size
			frame.GSOType = extra.GSO.Type
			if !extra.More {
				break
			}
		}
	}

	// Walk the data descriptors. The first advertises the total length;
	// everyone after it carries its own chunk size.
	descs := []vif.TxRequest{first}
	for descs[len(descs)-1].Flags&vif.FlagMoreData != 0 {
		if used+extraSlots >= avail {
			return Frame{}, 0, errors.New("simback: chain pushed incomplete")
		}
		desc, err := vif.DecodeTxRequest(b.txRing.Request(pos + used + extraSlots))
		if err != nil {
			return Frame{}, 0, err
		}
		descs = append(descs, desc)
		used++
	}

	total := int(first.Size)
	rest := 0
	for _, desc := range descs[1:] {
		rest += int(desc.Size)
	}
	headChunk := total - rest
	if headChunk <= 0 || int(first.Offset)+headChunk > mem.PageSize {
		return Frame{}, 0, fmt.Errorf("simback: first descriptor geometry is off: total %d, rest %d, offset %d",
			total, rest, first.Offset)
	}

	frame.Data = make([]byte, 0, total)
	for i, desc := range descs {
		off, size := int(desc.Offset), int(desc.Size)
		if i == 0 {
			size = headChunk
		}
		if off+size > mem.PageSize {
			return Frame{}, 0, fmt.Errorf("simback: descriptor %d overruns its page", i)
		}

		frameNum, err := b.table.Map(desc.Gref, false)
		if err != nil {
			return Frame{}, 0, fmt.Errorf("simback: failed to map grant %d: %w", desc.Gref, err)
		}
		page, err := b.arena.Lookup(frameNum)
		if err != nil {
			return Frame{}, 0, err
		}
		frame.Data = append(frame.Data, page.Data[off:off+size]...)

		if b.faults.HoldGrant {
			b.faults.HoldGrant = false
			b.held = append(b.held, desc.Gref)
		} else {
			b.table.Unmap(desc.Gref)
		}
	}

	// One response per consumed slot: data descriptors complete under
	// their ids, extra-info slots complete as null placeholders.
	status := b.txState
	respond := func(rsp vif.Response) error {
		slot, _ := b.txRing.ReserveResponse()
		return rsp.Encode(slot)
	}

	id := descs[0].ID
	if b.faults.BadTxID {
		b.faults.BadTxID = false
		id = ^uint16(0)
	}
	if err := respond(vif.Response{ID: id, Status: status}); err != nil {
		return Frame{}, 0, err
	}
	for i := uint32(0); i < extraSlots; i++ {
		if err := respond(vif.Response{Status: vif.StatusNull}); err != nil {
			return Frame{}, 0, err
		}
	}
	for _, desc := range descs[1:] {
		if err := respond(vif.Response{ID: desc.ID, Status: status}); err != nil {
			return Frame{}, 0, err
		}
	}

	return frame, used + extraSlots, nil
}

// Inject copies one frame into posted receive buffers and completes the
// response chain for it. ErrNoBuffers means the device has to post more
// first.
func (b *Backend) Inject(frame Frame) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	data := frame.Data
	if len(data) == 0 || len(data) > vif.MaxPacketSize {
		return fmt.Errorf("simback: cannot inject %d byte frame", len(data))
	}

	chunks := (len(data) + mem.PageSize - 1) / mem.PageSize
	wantExtra := frame.GSOSize > 0 || b.faults.UnknownExtra || b.faults.ZeroGSOSize
	needed := uint32(chunks)
	if wantExtra {
		needed++
	}
	if b.faults.TruncateChain {
		needed = 1
		if wantExtra {
			needed = 2
		}
	}

	if b.rxRing.UnconsumedRequests() < needed {
		return ErrNoBuffers
	}
	cons := b.rxRing.Consumer()
	used := uint32(0)

	// Head chunk.
	req, err := vif.DecodeRxRequest(b.rxRing.Request(cons))
	if err != nil {
		return err
	}
	used++

	headLen := min(len(data), mem.PageSize)
	if err := b.writeBufferLocked(req.Gref, data[:headLen]); err != nil {
		return err
	}

	head := vif.Response{ID: req.ID, Status: vif.Status(headLen)}
	if chunks > 1 || b.faults.TruncateChain {
		head.Flags |= vif.FlagMoreData
	}
	if wantExtra {
		head.Flags |= vif.FlagExtraInfo
	}
	if frame.CsumBlank {
		head.Flags |= vif.FlagCsumBlank
	}
	if frame.CsumValid {
		head.Flags |= vif.FlagCsumValid
	}
	if b.faults.BadOffset {
		b.faults.BadOffset = false
		head.Offset = mem.PageSize
	}
	if b.faults.OversizedLength {
		b.faults.OversizedLength = false
		head.Status = mem.PageSize + 1
	}
	slot, _ := b.rxRing.ReserveResponse()
	if err := head.Encode(slot); err != nil {
		return err
	}

	// The extra-info record overlays the response for the next posted
	// buffer; the buffer itself goes back to the device untouched.
	if wantExtra {
		if _, err := vif.DecodeRxRequest(b.rxRing.Request(cons + used)); err != nil {
			return err
		}
		used++

		extra := vif.ExtraInfo{
			Type: vif.ExtraTypeGSO,
			GSO:  vif.GSOInfo{Size: frame.GSOSize, Type: frame.GSOType},
		}
		if b.faults.UnknownExtra {
			b.faults.UnknownExtra = false
			extra.Type = 0x7f
		}
		if b.faults.ZeroGSOSize {
			b.faults.ZeroGSOSize = false
			extra.Type = vif.ExtraTypeGSO
			extra.GSO = vif.GSOInfo{Size: 0, Type: vif.GSOTypeTCPv4}
		}
		slot, _ := b.rxRing.ReserveResponse()
		if err := extra.Encode(slot); err != nil {
			return err
		}
	}

	if b.faults.TruncateChain {
		b.faults.TruncateChain = false
	} else {
		for rest := data[headLen:]; len(rest) > 0; {
			req, err := vif.DecodeRxRequest(b.rxRing.Request(cons + used))
			if err != nil {
				return err
			}
			used++

			n := min(len(rest), mem.PageSize)
			if err := b.writeBufferLocked(req.Gref, rest[:n]); err != nil {
				return err
			}
			rest = rest[n:]

			rsp := vif.Response{ID: req.ID, Status: vif.Status(n)}
			if len(rest) > 0 {
				rsp.Flags |= vif.FlagMoreData
			}
			slot, _ := b.rxRing.ReserveResponse()
			if err := rsp.Encode(slot); err != nil {
				return err
			}
		}
	}

	b.rxRing.SetConsumer(cons + used)
	if b.rxRing.PushResponses() {
		b.doorbell.Notify()
	}

	return nil
}

// writeBufferLocked maps a granted receive page, copies the chunk in at
// offset zero and unmaps again, unless a HoldGrant fault pins it.
func (b *Backend) writeBufferLocked(ref grant.Ref, chunk []byte) error {
	frameNum, err := b.table.Map(ref, true)
	if err != nil {
		return fmt.Errorf("simback: failed to map grant %d: %w", ref, err)
	}
	page, err := b.arena.Lookup(frameNum)
	if err != nil {
		return err
	}
	copy(page.Data, chunk)

	if b.faults.HoldGrant {
		b.faults.HoldGrant = false
		b.held = append(b.held, ref)
		return nil
	}
	b.table.Unmap(ref)
	return nil
}

// Serve pumps the backend off the doorbell until the context ends. In echo
// mode transmitted frames come straight back as receive traffic; otherwise
// they land on the Frames queue.
func (b *Backend) Serve(ctx context.Context) error {
	defer b.logger.Debug("Finished serving")

	for {
		if err := b.pump(); err != nil {
			return err
		}

		if err := b.doorbell.Wait(ctx); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
	}
}

func (b *Backend) pump() error {
	for {
		frames, err := b.ProcessTx()
		if err != nil {
			return err
		}
		for _, frame := range frames {
			if b.echo {
				b.pending = append(b.pending, frame)
			} else {
				select {
				case b.frames <- frame:
				default:
					b.logger.Warn("Dropping received frame, queue is full")
				}
			}
		}

		for len(b.pending) > 0 {
			if err := b.Inject(b.pending[0]); err != nil {
				if errors.Is(err, ErrNoBuffers) {
					break
				}
				return err
			}
			b.pending = b.pending[1:]
		}

		// Re-arm both events, then drain again if anything raced in.
		more := false
		b.mu.Lock()
		if b.txRing.FinalCheckRequests() {
			more = true
		}
		if len(b.pending) > 0 && b.rxRing.FinalCheckRequests() {
			more = true
		}
		b.mu.Unlock()
		if !more {
			return nil
		}
	}
}
