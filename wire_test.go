// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 The Noisy Sockets Authors.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package vif_test

import (
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/noisysockets/vif"
)

func TestTxRequestLayout(t *testing.T) {
	req := vif.TxRequest{
		ID:     0x0102,
		Flags:  vif.FlagMoreData | vif.FlagCsumBlank,
		Offset: 0x0a0b,
		Size:   0x0c0d,
		Gref:   0x11223344,
	}

	var slot [12]byte
	require.NoError(t, req.Encode(slot[:]))

	// Little-endian: id, flags, offset, size, then the 32 bit grant.
	require.Equal(t, []byte{
		0x02, 0x01,
		0x05, 0x00,
		0x0b, 0x0a,
		0x0d, 0x0c,
		0x44, 0x33, 0x22, 0x11,
	}, slot[:])

	got, err := vif.DecodeTxRequest(slot[:])
	require.NoError(t, err)
	require.Equal(t, req, got)

	require.ErrorIs(t, req.Encode(slot[:8]), io.ErrShortBuffer)
	_, err = vif.DecodeTxRequest(slot[:8])
	require.ErrorIs(t, err, io.ErrShortBuffer)
}

func TestRxRequestLayout(t *testing.T) {
	var slot [12]byte
	for i := range slot {
		slot[i] = 0xff
	}

	req := vif.RxRequest{ID: 0xbeef, Gref: 0x01}
	require.NoError(t, req.Encode(slot[:]))

	// The pad between the id and the grant must be cleared, never leaked
	// from a previous occupant of the slot.
	require.Equal(t, []byte{
		0xef, 0xbe,
		0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
		0x01, 0x00, 0x00, 0x00,
	}, slot[:])

	got, err := vif.DecodeRxRequest(slot[:])
	require.NoError(t, err)
	require.Equal(t, req, got)
}

func TestResponseLayout(t *testing.T) {
	rsp := vif.Response{
		ID:     7,
		Flags:  vif.FlagMoreData | vif.FlagExtraInfo,
		Offset: 64,
		Status: vif.Status(1500),
	}

	var slot [12]byte
	require.NoError(t, rsp.Encode(slot[:]))

	require.Equal(t, []byte{
		0x07, 0x00,
		0x03, 0x00,
		0x40, 0x00,
		0xdc, 0x05,
		0x00, 0x00, 0x00, 0x00,
	}, slot[:])

	got, err := vif.DecodeResponse(slot[:])
	require.NoError(t, err)
	require.Equal(t, rsp, got)
}

func TestResponseNegativeStatus(t *testing.T) {
	var slot [12]byte
	require.NoError(t, vif.Response{ID: 1, Status: vif.StatusDropped}.Encode(slot[:]))

	// Status is a signed field.
	require.Equal(t, byte(0xfe), slot[6])
	require.Equal(t, byte(0xff), slot[7])

	got, err := vif.DecodeResponse(slot[:])
	require.NoError(t, err)
	require.Equal(t, vif.StatusDropped, got.Status)
	require.True(t, got.Status < 0)
}

func TestExtraInfoLayout(t *testing.T) {
	extra := vif.ExtraInfo{
		Type: vif.ExtraTypeGSO,
		More: true,
		GSO: vif.GSOInfo{
			Size: 1448,
			Type: vif.GSOTypeTCPv4,
		},
	}

	var slot [12]byte
	require.NoError(t, extra.Encode(slot[:]))

	require.Equal(t, []byte{
		0x01, 0x01,
		0xa8, 0x05,
		0x01, 0x00,
		0x00, 0x00,
		0x00, 0x00, 0x00, 0x00,
	}, slot[:])

	got, err := vif.DecodeExtraInfo(slot[:])
	require.NoError(t, err)
	require.Equal(t, extra, got)
}

func TestStatusString(t *testing.T) {
	require.Equal(t, "ok", vif.StatusOK.String())
	require.Equal(t, "error", vif.StatusError.String())
	require.Equal(t, "dropped", vif.StatusDropped.String())
	require.Equal(t, "null", vif.StatusNull.String())
	require.Equal(t, "status(100)", vif.Status(100).String())
}
