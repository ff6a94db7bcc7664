// Package core defines core types with zero external dependencies.
package core

import "net/netip"

// EthernetHeader represents L2 Ethernet frame header.
type EthernetHeader struct {
	SrcMAC    [6]byte
	DstMAC    [6]byte
	EtherType uint16   // 0x0800=IPv4, 0x86DD=IPv6, 0x8100=VLAN
	VLANs     []uint16 // 0~2 VLAN IDs (QinQ scenarios have 2)
}

// IPHeader represents L3 IP header (IPv4/IPv6).
type IPHeader struct {
	Version  uint8
	SrcIP    netip.Addr
	DstIP    netip.Addr
	Protocol uint8 // TCP=6, UDP=17, GRE=47
	TTL      uint8
	TotalLen uint16
	Fragment bool // any fragment, first or later
}

// TransportHeader represents L4 transport layer header (TCP/UDP).
type TransportHeader struct {
	SrcPort  uint16
	DstPort  uint16
	Protocol uint8
	// TCP-specific fields (only populated for TCP)
	TCPFlags uint8
	SeqNum   uint32
	AckNum   uint32
}

// EtherType values used as next-header identifiers once a tunnel is stripped.
const (
	EtherTypeIPv4 uint16 = 0x0800
	EtherTypeIPv6 uint16 = 0x86DD
)

// LinkType is the framing of a payload, which selects the analyzer that runs on it.
type LinkType uint8

const (
	LinkTypeRaw      LinkType = iota // bare IP, no link header
	LinkTypeEthernet                 // Ethernet II framing
)

func (l LinkType) String() string {
	switch l {
	case LinkTypeRaw:
		return "raw"
	case LinkTypeEthernet:
		return "ethernet"
	default:
		return "unknown"
	}
}

// TunnelType identifies the encapsulation the current payload was carried in.
type TunnelType uint8

const (
	TunnelNone TunnelType = iota
	TunnelIP              // IP-in-IP / IPv6-in-IP
	TunnelGRE
)

func (t TunnelType) String() string {
	switch t {
	case TunnelNone:
		return "none"
	case TunnelIP:
		return "ip"
	case TunnelGRE:
		return "gre"
	default:
		return "unknown"
	}
}

// GREVariant is the GRE encapsulation flavour recognised for a packet.
type GREVariant uint8

const (
	GREVariantNone GREVariant = iota
	GREVariantPlain
	GREVariantEthernetBridge
	GREVariantERSPANI
	GREVariantERSPANII
	GREVariantERSPANIII
	GREVariantAruba
	GREVariantPPP
)

var greVariantNames = [...]string{
	GREVariantNone:           "none",
	GREVariantPlain:          "plain",
	GREVariantEthernetBridge: "ethernet_bridge",
	GREVariantERSPANI:        "erspan_i",
	GREVariantERSPANII:       "erspan_ii",
	GREVariantERSPANIII:      "erspan_iii",
	GREVariantAruba:          "aruba",
	GREVariantPPP:            "ppp",
}

func (v GREVariant) String() string {
	if int(v) < len(greVariantNames) {
		return greVariantNames[v]
	}
	return "unknown"
}
