package decoder

import (
	"encoding/binary"

	"firestige.xyz/decap/internal/core"
)

const (
	// Ethernet constants
	ethernetHeaderLen = 14
	vlanHeaderLen     = 4

	// EtherType values
	etherTypeVLAN = 0x8100
	etherTypeQinQ = 0x88A8
)

// decodeEthernet decodes Ethernet frame header (including VLAN tags).
// Returns EthernetHeader and remaining payload.
func decodeEthernet(data []byte) (core.EthernetHeader, []byte, error) {
	if len(data) < ethernetHeaderLen {
		return core.EthernetHeader{}, nil, core.ErrPacketTooShort
	}

	eth := core.EthernetHeader{}

	// Destination MAC (6 bytes)
	copy(eth.DstMAC[:], data[0:6])

	// Source MAC (6 bytes)
	copy(eth.SrcMAC[:], data[6:12])

	// EtherType (2 bytes)
	etherType := binary.BigEndian.Uint16(data[12:14])

	etherType, vlans, payload, err := stripVLANTags(etherType, data[ethernetHeaderLen:])
	if err != nil {
		return eth, nil, err
	}

	eth.EtherType = etherType
	eth.VLANs = vlans
	return eth, payload, nil
}

func isVLANTag(etherType uint16) bool {
	return etherType == etherTypeVLAN || etherType == etherTypeQinQ
}

// stripVLANTags consumes 802.1Q/802.1ad tags (nested for QinQ) from the start
// of data and returns the final EtherType with the VLAN IDs seen.
func stripVLANTags(etherType uint16, data []byte) (uint16, []uint16, []byte, error) {
	var vlans []uint16
	for isVLANTag(etherType) {
		if len(data) < vlanHeaderLen {
			return etherType, vlans, nil, core.ErrPacketTooShort
		}

		// VLAN header: 2 bytes TCI + 2 bytes EtherType
		tci := binary.BigEndian.Uint16(data[0:2])
		vlans = append(vlans, tci&0x0FFF) // Lower 12 bits are VLAN ID

		etherType = binary.BigEndian.Uint16(data[2:4])
		data = data[vlanHeaderLen:]
	}
	return etherType, vlans, data, nil
}

// ethernetHeaderAt reads an untagged Ethernet header from the first
// ethernetHeaderLen bytes of data. Callers guarantee the length.
func ethernetHeaderAt(data []byte) core.EthernetHeader {
	var eth core.EthernetHeader
	copy(eth.DstMAC[:], data[0:6])
	copy(eth.SrcMAC[:], data[6:12])
	eth.EtherType = binary.BigEndian.Uint16(data[12:14])
	return eth
}

// EthernetAnalyzer decodes Ethernet II frames and forwards by EtherType.
type EthernetAnalyzer struct {
	base
}

// NewEthernetAnalyzer creates the link-layer analyzer.
func NewEthernetAnalyzer(next *Dispatcher, sink core.AnomalySink) *EthernetAnalyzer {
	return &EthernetAnalyzer{base: newBase("Ethernet", next, sink)}
}

func (e *EthernetAnalyzer) Analyze(data []byte, pkt *core.PacketContext) bool {
	eth, payload, err := decodeEthernet(data)
	if err != nil {
		e.weird(core.WeirdTruncatedEthernet, pkt, "")
		return false
	}

	pkt.Ethernet = eth
	pkt.LinkType = core.LinkTypeEthernet
	pkt.Protocol = uint32(eth.EtherType)
	return e.forward(payload, pkt)
}
