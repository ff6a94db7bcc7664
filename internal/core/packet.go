// Package core defines core data structures with zero external dependencies.
package core

import "time"

// RawPacket is a frame handed over by a packet source.
type RawPacket struct {
	Data       []byte    // Raw frame data, zero-copy slice
	Timestamp  time.Time // Capture timestamp
	CaptureLen uint32    // Actual captured length
	OrigLen    uint32    // Original frame length
	LinkType   LinkType  // Framing of Data
}

// PacketContext is the per-packet metadata handed down the analyzer chain.
// It is owned by the analyzer currently executing; analyzers never keep it
// after returning.
type PacketContext struct {
	Timestamp  time.Time
	CaptureLen uint32

	Ethernet      EthernetHeader
	InnerEthernet EthernetHeader // Ethernet header stripped from a GRE payload

	// IP is the outermost IP header; nil until an IP analyzer ran.
	IP *IPHeader
	// InnerIP is the innermost IP header found after decapsulation.
	InnerIP *IPHeader

	Transport TransportHeader
	Payload   []byte

	// Protocol identifies the next header for the analyzer that runs next:
	// an IP protocol number after an IP header, an EtherType after a tunnel.
	Protocol uint32

	TunnelType TunnelType
	GREVersion uint8
	GREVariant GREVariant
	LinkType   LinkType
	EncapDepth int
}

// NewPacketContext creates a context for a freshly captured frame.
func NewPacketContext(raw RawPacket) *PacketContext {
	return &PacketContext{
		Timestamp:  raw.Timestamp,
		CaptureLen: raw.CaptureLen,
		LinkType:   raw.LinkType,
	}
}

// HasIPHeader reports whether an IP analyzer already ran on this packet.
func (p *PacketContext) HasIPHeader() bool {
	return p.IP != nil
}

// DecodedPacket is the result of running a frame through the analyzer chain.
type DecodedPacket struct {
	Timestamp time.Time
	Ethernet  EthernetHeader
	IP        IPHeader // outermost IP header
	InnerIP   IPHeader // zero value if not tunneled
	// InnerEthernet is the frame header carried by bridged and ERSPAN GRE
	InnerEthernet EthernetHeader
	Transport     TransportHeader
	Payload       []byte // Application layer payload, zero-copy slice
	CaptureLen    uint32
	OrigLen       uint32

	TunnelType TunnelType
	GREVersion uint8
	GREVariant GREVariant
	LinkType   LinkType // framing of the innermost frame
	EncapDepth int
}

// Tunneled reports whether the packet was decapsulated.
func (d *DecodedPacket) Tunneled() bool {
	return d.TunnelType != TunnelNone
}
