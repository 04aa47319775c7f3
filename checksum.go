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
	"errors"
	"fmt"

	"github.com/noisysockets/netstack/pkg/tcpip/checksum"
	"github.com/noisysockets/netstack/pkg/tcpip/header"
)

// checksumSetup validates the transport header layout of a packet that
// still needs checksum work, so consumers can rely on ChecksumPartial
// packets being well formed. Offloaded packets that arrived without the
// blank checksum flag are forced back onto the partial path and their
// checksum field is reseeded with the pseudo-header sum, since whatever the
// peer put there cannot be trusted.
func (d *Device) checksumSetup(pkt *Packet) error {
	reseed := false
	if pkt.GSOSize > 0 && pkt.Checksum != ChecksumPartial {
		d.stats.gsoFixups.Add(1)
		pkt.Checksum = ChecksumPartial
		reseed = true
	}
	if pkt.Checksum != ChecksumPartial {
		return nil
	}

	frame := pkt.Head
	if len(frame) < header.EthernetMinimumSize {
		return errors.New("frame too short")
	}
	eth := header.Ethernet(frame)
	if eth.Type() != header.IPv4ProtocolNumber {
		return fmt.Errorf("cannot offload checksum for ethertype %#04x", uint16(eth.Type()))
	}

	ipb := frame[header.EthernetMinimumSize:]
	if len(ipb) < header.IPv4MinimumSize {
		return errors.New("truncated ip header")
	}
	ip := header.IPv4(ipb)
	ihl := int(ip.HeaderLength())
	if ihl < header.IPv4MinimumSize || ihl > len(ipb) {
		return errors.New("bad ip header length")
	}

	transport := ipb[ihl:]
	segLen := pkt.Length() - header.EthernetMinimumSize - ihl

	switch ip.TransportProtocol() {
	case header.TCPProtocolNumber:
		if len(transport) < header.TCPMinimumSize {
			return errors.New("truncated tcp header")
		}
		if reseed {
			xsum := header.PseudoHeaderChecksum(header.TCPProtocolNumber,
				ip.SourceAddress(), ip.DestinationAddress(), uint16(segLen))
			header.TCP(transport).SetChecksum(^checksum.Checksum(nil, xsum))
		}
	case header.UDPProtocolNumber:
		if len(transport) < header.UDPMinimumSize {
			return errors.New("truncated udp header")
		}
		if reseed {
			xsum := header.PseudoHeaderChecksum(header.UDPProtocolNumber,
				ip.SourceAddress(), ip.DestinationAddress(), uint16(segLen))
			header.UDP(transport).SetChecksum(^checksum.Checksum(nil, xsum))
		}
	default:
		return fmt.Errorf("cannot offload checksum for ip protocol %d", ip.Protocol())
	}

	return nil
}
