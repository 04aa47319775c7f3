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
	"encoding/binary"
	"fmt"
	"io"

	"github.com/noisysockets/vif/grant"
	"github.com/noisysockets/vif/ring"
)

// Flags carried in request and response descriptors. All fields on the wire
// are little-endian.
type Flags uint16

const (
	// FlagMoreData marks a descriptor that is continued by the next data
	// descriptor in the ring.
	FlagMoreData Flags = 1 << iota
	// FlagExtraInfo marks the first descriptor of a packet that is
	// immediately followed by extra-info records.
	FlagExtraInfo
	// FlagCsumBlank means the transport checksum field has not been filled
	// in; the receiver must complete it before handing the packet on.
	FlagCsumBlank
	// FlagCsumValid means the sender vouches for the payload checksum.
	FlagCsumValid
)

func (f Flags) String() string {
	return fmt.Sprintf("more=%t extra=%t blank=%t valid=%t",
		f&FlagMoreData != 0, f&FlagExtraInfo != 0, f&FlagCsumBlank != 0, f&FlagCsumValid != 0)
}

// Status is the completion code of a response descriptor. On the receive
// ring a non-negative status is the byte count written into the buffer.
type Status int16

const (
	// StatusOK acknowledges a transmitted packet.
	StatusOK Status = 0
	// StatusError means the peer failed to process the request.
	StatusError Status = -1
	// StatusDropped means the peer discarded the packet.
	StatusDropped Status = -2
	// StatusNull acknowledges a transmit slot that carried no buffer, such
	// as an extra-info record. Completion scans must skip it: its id field
	// is meaningless.
	StatusNull Status = 1
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusError:
		return "error"
	case StatusDropped:
		return "dropped"
	case StatusNull:
		return "null"
	default:
		return fmt.Sprintf("status(%d)", int16(s))
	}
}

// TxRequest is one transmit descriptor. The first descriptor of a packet
// carries the total packet length in Size; every later descriptor carries
// the length of its own slice of the payload.
type TxRequest struct {
	ID     uint16
	Flags  Flags
	Offset uint16
	Size   uint16
	Gref   grant.Ref
}

// Encode writes the descriptor into a ring slot.
func (r TxRequest) Encode(b []byte) error {
	if len(b) < ring.SlotSize {
		return io.ErrShortBuffer
	}
	binary.LittleEndian.PutUint16(b[0:2], r.ID)
	binary.LittleEndian.PutUint16(b[2:4], uint16(r.Flags))
	binary.LittleEndian.PutUint16(b[4:6], r.Offset)
	binary.LittleEndian.PutUint16(b[6:8], r.Size)
	binary.LittleEndian.PutUint32(b[8:12], uint32(r.Gref))
	return nil
}

// DecodeTxRequest reads a transmit descriptor from a ring slot.
func DecodeTxRequest(b []byte) (TxRequest, error) {
	if len(b) < ring.SlotSize {
		return TxRequest{}, io.ErrShortBuffer
	}
	return TxRequest{
		ID:     binary.LittleEndian.Uint16(b[0:2]),
		Flags:  Flags(binary.LittleEndian.Uint16(b[2:4])),
		Offset: binary.LittleEndian.Uint16(b[4:6]),
		Size:   binary.LittleEndian.Uint16(b[6:8]),
		Gref:   grant.Ref(binary.LittleEndian.Uint32(b[8:12])),
	}, nil
}

// RxRequest posts one writable page to the peer. The id names the slot the
// buffer is staged in, so the matching response can be tied back to it.
type RxRequest struct {
	ID   uint16
	Gref grant.Ref
}

// Encode writes the request into a ring slot. Unused bytes are cleared so
// stale descriptor contents never reach the peer.
func (r RxRequest) Encode(b []byte) error {
	if len(b) < ring.SlotSize {
		return io.ErrShortBuffer
	}
	binary.LittleEndian.PutUint16(b[0:2], r.ID)
	for i := 2; i < 8; i++ {
		b[i] = 0
	}
	binary.LittleEndian.PutUint32(b[8:12], uint32(r.Gref))
	return nil
}

// DecodeRxRequest reads a buffer-post request from a ring slot.
func DecodeRxRequest(b []byte) (RxRequest, error) {
	if len(b) < ring.SlotSize {
		return RxRequest{}, io.ErrShortBuffer
	}
	return RxRequest{
		ID:   binary.LittleEndian.Uint16(b[0:2]),
		Gref: grant.Ref(binary.LittleEndian.Uint32(b[8:12])),
	}, nil
}

// Response is one completion descriptor, shared by both rings. On the
// transmit ring only ID and Status are meaningful.
type Response struct {
	ID     uint16
	Flags  Flags
	Offset uint16
	Status Status
}

// Encode writes the response into a ring slot.
func (r Response) Encode(b []byte) error {
	if len(b) < ring.SlotSize {
		return io.ErrShortBuffer
	}
	binary.LittleEndian.PutUint16(b[0:2], r.ID)
	binary.LittleEndian.PutUint16(b[2:4], uint16(r.Flags))
	binary.LittleEndian.PutUint16(b[4:6], r.Offset)
	binary.LittleEndian.PutUint16(b[6:8], uint16(r.Status))
	for i := 8; i < 12; i++ {
		b[i] = 0
	}
	return nil
}

// DecodeResponse reads a completion descriptor from a ring slot.
func DecodeResponse(b []byte) (Response, error) {
	if len(b) < ring.SlotSize {
		return Response{}, io.ErrShortBuffer
	}
	return Response{
		ID:     binary.LittleEndian.Uint16(b[0:2]),
		Flags:  Flags(binary.LittleEndian.Uint16(b[2:4])),
		Offset: binary.LittleEndian.Uint16(b[4:6]),
		Status: Status(int16(binary.LittleEndian.Uint16(b[6:8]))),
	}, nil
}

// ExtraType identifies the payload of an extra-info record.
type ExtraType uint8

const (
	// ExtraTypeNone terminates nothing; it is never valid on the wire.
	ExtraTypeNone ExtraType = iota
	// ExtraTypeGSO carries segmentation offload parameters.
	ExtraTypeGSO

	extraTypeCount
)

// GSOType identifies the segmentation scheme of an offloaded packet.
type GSOType uint8

const (
	// GSOTypeNone means the packet needs no segmentation.
	GSOTypeNone GSOType = 0
	// GSOTypeTCPv4 means the payload is a TCP over IPv4 superframe.
	GSOTypeTCPv4 GSOType = 1
)

const extraFlagMore = 1 << 0

// ExtraInfo is an out-of-band record overlaid on a ring slot. It consumes
// the slot but carries no buffer, no id and no grant.
type ExtraInfo struct {
	Type ExtraType
	// More means another extra-info record follows this one.
	More bool
	GSO  GSOInfo
}

// GSOInfo is the ExtraTypeGSO payload.
type GSOInfo struct {
	// Size is the transport payload length of each segment.
	Size uint16
	Type GSOType
	// Features is reserved and must be zero.
	Features uint16
}

// Encode writes the record into a ring slot.
func (e ExtraInfo) Encode(b []byte) error {
	if len(b) < ring.SlotSize {
		return io.ErrShortBuffer
	}
	b[0] = byte(e.Type)
	b[1] = 0
	if e.More {
		b[1] = extraFlagMore
	}
	binary.LittleEndian.PutUint16(b[2:4], e.GSO.Size)
	b[4] = byte(e.GSO.Type)
	b[5] = 0
	binary.LittleEndian.PutUint16(b[6:8], e.GSO.Features)
	for i := 8; i < 12; i++ {
		b[i] = 0
	}
	return nil
}

// DecodeExtraInfo reads an extra-info record from a ring slot.
func DecodeExtraInfo(b []byte) (ExtraInfo, error) {
	if len(b) < ring.SlotSize {
		return ExtraInfo{}, io.ErrShortBuffer
	}
	return ExtraInfo{
		Type: ExtraType(b[0]),
		More: b[1]&extraFlagMore != 0,
		GSO: GSOInfo{
			Size:     binary.LittleEndian.Uint16(b[2:4]),
			Type:     GSOType(b[4]),
			Features: binary.LittleEndian.Uint16(b[6:8]),
		},
	}, nil
}
