package decoder

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"

	"firestige.xyz/decap/internal/core"
)

const (
	ipv4HeaderMinLen = 20
	ipv6HeaderLen    = 40

	// IP protocol numbers the chain dispatches on
	protocolIPIP = 4
	protocolTCP  = 6
	protocolUDP  = 17
	protocolIPv6 = 41
	protocolGRE  = 47

	// IPv6 extension headers walked before the upper-layer protocol
	ipv6HopByHop    = 0
	ipv6Routing     = 43
	ipv6Fragment    = 44
	ipv6DestOptions = 60
	ipv6FragmentLen = 8
	ipv6ExtMinLen   = 8
)

// IPAnalyzer decodes IPv4/IPv6 headers and forwards by protocol number.
// The first header seen becomes the outer header; later ones, reached through
// a tunnel, are recorded as the inner header.
type IPAnalyzer struct {
	base
}

// NewIPAnalyzer creates the network-layer analyzer.
func NewIPAnalyzer(next *Dispatcher, sink core.AnomalySink) *IPAnalyzer {
	return &IPAnalyzer{base: newBase("IP", next, sink)}
}

func (a *IPAnalyzer) Analyze(data []byte, pkt *core.PacketContext) bool {
	ip, payload, err := decodeIP(data)
	if err != nil {
		if errors.Is(err, core.ErrUnsupportedProto) {
			a.weird(core.WeirdUnknownIPVersion, pkt, fmt.Sprintf("version=%d", data[0]>>4))
		} else {
			a.weird(core.WeirdTruncatedIP, pkt, "")
		}
		return false
	}

	hdr := &ip
	if pkt.IP == nil {
		pkt.IP = hdr
	} else {
		pkt.InnerIP = hdr
	}
	pkt.Protocol = uint32(ip.Protocol)

	// Fragments are not reassembled.
	if ip.Fragment {
		pkt.Payload = payload
		return true
	}
	return a.forward(payload, pkt)
}

// decodeIP decodes IP header (IPv4 or IPv6).
// Returns IPHeader and remaining payload.
func decodeIP(data []byte) (core.IPHeader, []byte, error) {
	if len(data) < 1 {
		return core.IPHeader{}, nil, core.ErrPacketTooShort
	}

	// Check IP version (first 4 bits)
	version := data[0] >> 4

	switch version {
	case 4:
		return decodeIPv4(data)
	case 6:
		return decodeIPv6(data)
	default:
		return core.IPHeader{}, nil, core.ErrUnsupportedProto
	}
}

// decodeIPv4 decodes IPv4 header.
func decodeIPv4(data []byte) (core.IPHeader, []byte, error) {
	if len(data) < ipv4HeaderMinLen {
		return core.IPHeader{}, nil, core.ErrPacketTooShort
	}

	// IHL (Internet Header Length) - lower 4 bits of first byte
	ihl := uint8(data[0] & 0x0F)
	headerLen := int(ihl * 4) // IHL is in 32-bit words

	if headerLen < ipv4HeaderMinLen || len(data) < headerLen {
		return core.IPHeader{}, nil, core.ErrPacketTooShort
	}

	ip := core.IPHeader{
		Version: 4,
	}

	// Total Length (2 bytes at offset 2)
	ip.TotalLen = binary.BigEndian.Uint16(data[2:4])

	// TTL (1 byte at offset 8)
	ip.TTL = data[8]

	// Protocol (1 byte at offset 9)
	ip.Protocol = data[9]

	// Source IP (4 bytes at offset 12)
	srcIPBytes := data[12:16]
	addr, ok := netip.AddrFromSlice(srcIPBytes)
	if !ok {
		return ip, nil, core.ErrPacketTooShort
	}
	ip.SrcIP = addr

	// Destination IP (4 bytes at offset 16)
	dstIPBytes := data[16:20]
	addr, ok = netip.AddrFromSlice(dstIPBytes)
	if !ok {
		return ip, nil, core.ErrPacketTooShort
	}
	ip.DstIP = addr

	if int(ip.TotalLen) < headerLen {
		return ip, nil, core.ErrPacketTooShort
	}
	ip.Fragment = isIPFragment(data, 4)

	// Link-layer padding beyond Total Length is not part of the payload.
	end := min(len(data), int(ip.TotalLen))
	return ip, data[headerLen:end], nil
}

// decodeIPv6 decodes IPv6 header.
func decodeIPv6(data []byte) (core.IPHeader, []byte, error) {
	if len(data) < ipv6HeaderLen {
		return core.IPHeader{}, nil, core.ErrPacketTooShort
	}

	ip := core.IPHeader{
		Version: 6,
	}

	// Payload Length (2 bytes at offset 4)
	payloadLen := binary.BigEndian.Uint16(data[4:6])
	ip.TotalLen = uint16(ipv6HeaderLen) + payloadLen

	// Next Header (1 byte at offset 6) - equivalent to Protocol in IPv4
	ip.Protocol = data[6]

	// Hop Limit (1 byte at offset 7) - equivalent to TTL in IPv4
	ip.TTL = data[7]

	// Source IP (16 bytes at offset 8)
	srcIPBytes := data[8:24]
	addr, ok := netip.AddrFromSlice(srcIPBytes)
	if !ok {
		return ip, nil, core.ErrPacketTooShort
	}
	ip.SrcIP = addr

	// Destination IP (16 bytes at offset 24)
	dstIPBytes := data[24:40]
	addr, ok = netip.AddrFromSlice(dstIPBytes)
	if !ok {
		return ip, nil, core.ErrPacketTooShort
	}
	ip.DstIP = addr

	end := min(len(data), ipv6HeaderLen+int(payloadLen))
	payload, err := walkIPv6Extensions(&ip, data[ipv6HeaderLen:end])
	if err != nil {
		return ip, nil, err
	}
	return ip, payload, nil
}

// walkIPv6Extensions skips hop-by-hop, routing, fragment and destination
// options headers, leaving ip.Protocol at the upper-layer protocol.
func walkIPv6Extensions(ip *core.IPHeader, data []byte) ([]byte, error) {
	for {
		switch ip.Protocol {
		case ipv6HopByHop, ipv6Routing, ipv6DestOptions:
			if len(data) < ipv6ExtMinLen {
				return nil, core.ErrPacketTooShort
			}
			n := (int(data[1]) + 1) * 8
			if len(data) < n {
				return nil, core.ErrPacketTooShort
			}
			ip.Protocol = data[0]
			data = data[n:]
		case ipv6Fragment:
			if len(data) < ipv6FragmentLen {
				return nil, core.ErrPacketTooShort
			}
			// Offset (13 bits) and M flag
			offsetFlags := binary.BigEndian.Uint16(data[2:4])
			if offsetFlags&0xFFF8 != 0 || offsetFlags&0x0001 != 0 {
				ip.Fragment = true
			}
			ip.Protocol = data[0]
			data = data[ipv6FragmentLen:]
		default:
			return data, nil
		}
	}
}

// isIPFragment checks if an IP packet is a fragment.
func isIPFragment(ipData []byte, version uint8) bool {
	if version == 4 {
		if len(ipData) < ipv4HeaderMinLen {
			return false
		}
		// Flags and Fragment Offset (2 bytes at offset 6)
		flagsOffset := binary.BigEndian.Uint16(ipData[6:8])
		moreFragments := (flagsOffset & 0x2000) != 0 // MF flag
		fragmentOffset := flagsOffset & 0x1FFF       // Fragment offset
		return moreFragments || fragmentOffset != 0
	}
	// IPv6 fragments are found while walking extension headers.
	return false
}
