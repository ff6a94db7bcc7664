package decoder

import (
	"fmt"

	"firestige.xyz/decap/internal/core"
)

const defaultMaxTunnelDepth = 2

// TunnelAnalyzer runs on the payload of an encapsulation: IP-in-IP when
// reached from the IP analyzer, or whatever GRE left once its header is gone
// (through GREPayload). It enforces the nesting limit and hands the inner
// packet back to the IP analyzer.
type TunnelAnalyzer struct {
	base
	ipEnabled bool
	maxDepth  int
}

// NewTunnelAnalyzer creates the tunnel analyzer. next must map EtherTypes.
func NewTunnelAnalyzer(ipEnabled bool, maxDepth int, next *Dispatcher, sink core.AnomalySink) *TunnelAnalyzer {
	if maxDepth <= 0 {
		maxDepth = defaultMaxTunnelDepth
	}
	return &TunnelAnalyzer{
		base:      newBase("IPTunnel", next, sink),
		ipEnabled: ipEnabled,
		maxDepth:  maxDepth,
	}
}

// Analyze handles IP-in-IP; pkt.Protocol holds the outer IP protocol number.
func (t *TunnelAnalyzer) Analyze(data []byte, pkt *core.PacketContext) bool {
	if !t.ipEnabled {
		t.weird(core.WeirdIPTunnel, pkt, "")
		return false
	}
	if pkt.EncapDepth >= t.maxDepth {
		t.weird(core.WeirdTunnelMaxDepth, pkt, fmt.Sprintf("depth=%d", pkt.EncapDepth+1))
		return false
	}

	inner := core.EtherTypeIPv4
	if pkt.Protocol == protocolIPv6 {
		inner = core.EtherTypeIPv6
	}

	pkt.EncapDepth++
	pkt.TunnelType = core.TunnelIP
	pkt.LinkType = core.LinkTypeRaw
	pkt.Protocol = uint32(inner)
	return t.forward(data, pkt)
}

// GREPayload returns the analyzer GRE forwards to.
func (t *TunnelAnalyzer) GREPayload() Analyzer {
	return greTunnel{t}
}

type greTunnel struct {
	t *TunnelAnalyzer
}

func (g greTunnel) Name() string { return g.t.name }

// Analyze runs on a payload already stripped by GRE; pkt.Protocol is the
// inner EtherType.
func (g greTunnel) Analyze(data []byte, pkt *core.PacketContext) bool {
	t := g.t
	if pkt.EncapDepth >= t.maxDepth {
		t.weird(core.WeirdTunnelMaxDepth, pkt, fmt.Sprintf("depth=%d", pkt.EncapDepth+1))
		return false
	}

	// Mirrored traffic often keeps its 802.1Q tags inside the bridged frame.
	if pkt.LinkType == core.LinkTypeEthernet && pkt.GREVariant != core.GREVariantAruba && isVLANTag(uint16(pkt.Protocol)) {
		etherType, vlans, payload, err := stripVLANTags(uint16(pkt.Protocol), data)
		if err != nil {
			t.weird(core.WeirdTruncatedEthernet, pkt, "inner vlan tag")
			return false
		}
		pkt.InnerEthernet.EtherType = etherType
		pkt.InnerEthernet.VLANs = vlans
		pkt.Protocol = uint32(etherType)
		data = payload
	}

	if _, ok := t.next.Lookup(pkt.Protocol); !ok {
		// A bridged frame may carry ARP or anything else. A raw payload, or
		// an Aruba payload whose LLC was stripped, has to be IP.
		if pkt.LinkType == core.LinkTypeRaw || pkt.GREVariant == core.GREVariantAruba {
			t.weird(core.WeirdUnsupportedInner, pkt, fmt.Sprintf("proto=0x%04x", pkt.Protocol))
			return false
		}
	}

	pkt.EncapDepth++
	return t.forward(data, pkt)
}
