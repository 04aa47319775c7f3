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
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noisysockets/netstack/pkg/tcpip"
	"github.com/noisysockets/netstack/pkg/tcpip/checksum"
	"github.com/noisysockets/netstack/pkg/tcpip/header"

	"github.com/noisysockets/vif"
	"github.com/noisysockets/vif/internal/simback"
)

var (
	ip4PortA = netip.MustParseAddrPort("192.0.2.1:9000")
	ip4PortB = netip.MustParseAddrPort("192.0.2.2:9001")

	peerMAC   = tcpip.LinkAddress("\x02\x00\x5e\x00\x53\x02")
	deviceMAC = tcpip.LinkAddress("\x02\x00\x5e\x00\x53\x01")
)

func udp4Frame(srcIPPort, dstIPPort netip.AddrPort, payloadLen int) []byte {
	return udp4FrameMutateIPFields(srcIPPort, dstIPPort, payloadLen, nil)
}

func udp4FrameMutateIPFields(srcIPPort, dstIPPort netip.AddrPort, payloadLen int, ipFn func(*header.IPv4Fields)) []byte {
	b := make([]byte, header.EthernetMinimumSize+header.IPv4MinimumSize+header.UDPMinimumSize+payloadLen)

	eth := header.Ethernet(b)
	eth.Encode(&header.EthernetFields{
		SrcAddr: peerMAC,
		DstAddr: deviceMAC,
		Type:    header.IPv4ProtocolNumber,
	})

	ipv4H := header.IPv4(b[header.EthernetMinimumSize:])
	srcAs4 := srcIPPort.Addr().As4()
	dstAs4 := dstIPPort.Addr().As4()
	ipFields := &header.IPv4Fields{
		SrcAddr:     tcpip.AddrFromSlice(srcAs4[:]),
		DstAddr:     tcpip.AddrFromSlice(dstAs4[:]),
		Protocol:    uint8(header.UDPProtocolNumber),
		TTL:         64,
		TotalLength: uint16(header.IPv4MinimumSize + header.UDPMinimumSize + payloadLen),
	}
	if ipFn != nil {
		ipFn(ipFields)
	}
	ipv4H.Encode(ipFields)
	ipv4H.SetChecksum(^ipv4H.CalculateChecksum())

	udpH := header.UDP(b[header.EthernetMinimumSize+header.IPv4MinimumSize:])
	udpH.Encode(&header.UDPFields{
		SrcPort: srcIPPort.Port(),
		DstPort: dstIPPort.Port(),
		Length:  uint16(header.UDPMinimumSize + payloadLen),
	})
	for i := range b[header.EthernetMinimumSize+header.IPv4MinimumSize+header.UDPMinimumSize:] {
		b[header.EthernetMinimumSize+header.IPv4MinimumSize+header.UDPMinimumSize+i] = byte(i)
	}
	pseudoCsum := header.PseudoHeaderChecksum(header.UDPProtocolNumber,
		ipv4H.SourceAddress(), ipv4H.DestinationAddress(), uint16(header.UDPMinimumSize+payloadLen))
	udpH.SetChecksum(^udpH.CalculateChecksum(pseudoCsum))

	return b
}

func tcp4Frame(srcIPPort, dstIPPort netip.AddrPort, segmentSize int) []byte {
	b := make([]byte, header.EthernetMinimumSize+header.IPv4MinimumSize+header.TCPMinimumSize+segmentSize)

	eth := header.Ethernet(b)
	eth.Encode(&header.EthernetFields{
		SrcAddr: peerMAC,
		DstAddr: deviceMAC,
		Type:    header.IPv4ProtocolNumber,
	})

	ipv4H := header.IPv4(b[header.EthernetMinimumSize:])
	srcAs4 := srcIPPort.Addr().As4()
	dstAs4 := dstIPPort.Addr().As4()
	ipv4H.Encode(&header.IPv4Fields{
		SrcAddr:     tcpip.AddrFromSlice(srcAs4[:]),
		DstAddr:     tcpip.AddrFromSlice(dstAs4[:]),
		Protocol:    uint8(header.TCPProtocolNumber),
		TTL:         64,
		TotalLength: uint16(header.IPv4MinimumSize + header.TCPMinimumSize + segmentSize),
	})
	ipv4H.SetChecksum(^ipv4H.CalculateChecksum())

	tcpH := header.TCP(b[header.EthernetMinimumSize+header.IPv4MinimumSize:])
	tcpH.Encode(&header.TCPFields{
		SrcPort:    srcIPPort.Port(),
		DstPort:    dstIPPort.Port(),
		SeqNum:     1,
		AckNum:     1,
		DataOffset: 20,
		Flags:      header.TCPFlagAck | header.TCPFlagPsh,
		WindowSize: 3000,
	})
	for i := range b[header.EthernetMinimumSize+header.IPv4MinimumSize+header.TCPMinimumSize:] {
		b[header.EthernetMinimumSize+header.IPv4MinimumSize+header.TCPMinimumSize+i] = byte(i)
	}
	pseudoCsum := header.PseudoHeaderChecksum(header.TCPProtocolNumber,
		ipv4H.SourceAddress(), ipv4H.DestinationAddress(), uint16(header.TCPMinimumSize+segmentSize))
	tcpH.SetChecksum(^tcpH.CalculateChecksum(pseudoCsum))

	return b
}

func transportHeader(frame []byte) []byte {
	return frame[header.EthernetMinimumSize+header.IPv4MinimumSize:]
}

func TestChecksumPartialPassthrough(t *testing.T) {
	dev, harness := newConnectedDevice(t, nil, nil)

	// A well formed frame whose transport checksum is still pending passes
	// through with its checksum field exactly as the peer left it.
	frame := udp4Frame(ip4PortA, ip4PortB, 512)
	header.UDP(transportHeader(frame)).SetChecksum(0x1234)

	require.NoError(t, harness.Backend.Inject(simback.Frame{
		Data:      frame,
		CsumBlank: true,
		CsumValid: true,
	}))

	packets := readFrames(t, dev, 1)
	defer packets[0].Release()

	require.Equal(t, vif.ChecksumPartial, packets[0].Checksum)
	got := packetData(packets[0])
	require.Equal(t, frame, got)
	require.Equal(t, uint16(0x1234), header.UDP(transportHeader(got)).Checksum())
	require.Zero(t, dev.Stats().RxGSOFixups)
}

func TestChecksumUnnecessaryPassthrough(t *testing.T) {
	dev, harness := newConnectedDevice(t, nil, nil)

	// A vouched-for checksum needs no header parsing at all, so even an
	// unparseable payload is delivered.
	want := frameData(600, 3)
	require.NoError(t, harness.Backend.Inject(simback.Frame{
		Data:      want,
		CsumValid: true,
	}))

	packets := readFrames(t, dev, 1)
	defer packets[0].Release()

	require.Equal(t, vif.ChecksumUnnecessary, packets[0].Checksum)
	require.Equal(t, want, packetData(packets[0]))
}

func TestChecksumGSOFixup(t *testing.T) {
	dev, harness := newConnectedDevice(t, nil, nil)

	// An offloaded packet claiming a completed checksum cannot be trusted:
	// segmentation recomputes checksums anyway, so whatever the peer wrote is
	// replaced with the pseudo-header seed and the packet goes back onto the
	// partial path.
	segmentSize := 2896
	frame := tcp4Frame(ip4PortA, ip4PortB, segmentSize)
	header.TCP(transportHeader(frame)).SetChecksum(0xbeef)

	require.NoError(t, harness.Backend.Inject(simback.Frame{
		Data:    frame,
		GSOSize: 1448,
		GSOType: vif.GSOTypeTCPv4,
	}))

	packets := readFrames(t, dev, 1)
	defer packets[0].Release()
	pkt := packets[0]

	require.Equal(t, vif.ChecksumPartial, pkt.Checksum)
	require.Equal(t, uint16(1448), pkt.GSOSize)
	require.Equal(t, vif.GSOTypeTCPv4, pkt.GSOType)
	require.Equal(t, uint64(1), dev.Stats().RxGSOFixups)

	got := packetData(pkt)
	ipv4H := header.IPv4(got[header.EthernetMinimumSize:])
	pseudoCsum := header.PseudoHeaderChecksum(header.TCPProtocolNumber,
		ipv4H.SourceAddress(), ipv4H.DestinationAddress(), uint16(header.TCPMinimumSize+segmentSize))
	require.Equal(t, ^checksum.Checksum(nil, pseudoCsum), header.TCP(transportHeader(got)).Checksum())
}

func TestChecksumGSOAlreadySeeded(t *testing.T) {
	dev, harness := newConnectedDevice(t, nil, nil)

	// An offloaded packet already on the partial path keeps its seed.
	frame := tcp4Frame(ip4PortA, ip4PortB, 1448)
	header.TCP(transportHeader(frame)).SetChecksum(0xdead)

	require.NoError(t, harness.Backend.Inject(simback.Frame{
		Data:      frame,
		GSOSize:   1448,
		GSOType:   vif.GSOTypeTCPv4,
		CsumBlank: true,
		CsumValid: true,
	}))

	packets := readFrames(t, dev, 1)
	defer packets[0].Release()

	require.Equal(t, vif.ChecksumPartial, packets[0].Checksum)
	require.Zero(t, dev.Stats().RxGSOFixups)
	require.Equal(t, uint16(0xdead), header.TCP(transportHeader(packetData(packets[0]))).Checksum())
}

func TestChecksumUnusable(t *testing.T) {
	dev, harness := newConnectedDevice(t, nil, nil)

	rxErrors := uint64(0)
	expectDrop := func(t *testing.T, frame []byte) {
		t.Helper()

		require.NoError(t, harness.Backend.Inject(simback.Frame{
			Data:      frame,
			CsumBlank: true,
			CsumValid: true,
		}))

		rxErrors++
		require.Eventually(t, func() bool {
			return dev.Stats().RxErrors == rxErrors
		}, 5*time.Second, time.Millisecond)
		require.Zero(t, dev.Stats().RxPackets)
	}

	t.Run("NonIPv4", func(t *testing.T) {
		frame := udp4Frame(ip4PortA, ip4PortB, 64)
		header.Ethernet(frame).Encode(&header.EthernetFields{
			SrcAddr: peerMAC,
			DstAddr: deviceMAC,
			Type:    header.ARPProtocolNumber,
		})
		expectDrop(t, frame)
	})

	t.Run("UnsupportedProtocol", func(t *testing.T) {
		frame := udp4FrameMutateIPFields(ip4PortA, ip4PortB, 64, func(fields *header.IPv4Fields) {
			fields.Protocol = 253
		})
		expectDrop(t, frame)
	})

	t.Run("TruncatedTransport", func(t *testing.T) {
		// The IP payload ends before a complete UDP header.
		frame := udp4Frame(ip4PortA, ip4PortB, 0)
		expectDrop(t, frame[:header.EthernetMinimumSize+header.IPv4MinimumSize+4])
	})

	t.Run("BadHeaderLength", func(t *testing.T) {
		frame := udp4Frame(ip4PortA, ip4PortB, 64)
		// Version 4, IHL of three words: shorter than any valid IPv4 header.
		frame[header.EthernetMinimumSize] = 0x43
		expectDrop(t, frame)
	})
}
