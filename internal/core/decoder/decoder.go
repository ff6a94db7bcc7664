// Package decoder implements the layered packet analyzer chain.
//
// Each analyzer consumes the bytes it recognises, updates the shared
// core.PacketContext and forwards the remainder to the analyzer registered
// for the identifier it chose. Protocol violations are reported through a
// core.AnomalySink and stop the chain for the current packet only.
package decoder

import (
	"fmt"

	"firestige.xyz/decap/internal/core"
)

// Decoder decodes raw packets into structured format.
type Decoder interface {
	Decode(raw core.RawPacket) (core.DecodedPacket, error)
}

// Analyzer is one stage of the chain.
type Analyzer interface {
	Name() string
	// Analyze returns false when the packet was refused; in that case the
	// analyzer has reported exactly one anomaly and left pkt untouched.
	Analyze(data []byte, pkt *core.PacketContext) bool
}

// Dispatcher maps next-header identifiers to analyzers.
type Dispatcher struct {
	table    map[uint32]Analyzer
	fallback Analyzer
}

// NewDispatcher creates a dispatcher; fallback may be nil.
func NewDispatcher(fallback Analyzer) *Dispatcher {
	return &Dispatcher{
		table:    make(map[uint32]Analyzer),
		fallback: fallback,
	}
}

// Register binds an identifier to an analyzer, replacing any earlier binding.
func (d *Dispatcher) Register(id uint32, a Analyzer) {
	d.table[id] = a
}

// Lookup returns the analyzer for id, or the fallback.
func (d *Dispatcher) Lookup(id uint32) (Analyzer, bool) {
	if a, ok := d.table[id]; ok {
		return a, true
	}
	if d.fallback != nil {
		return d.fallback, true
	}
	return nil, false
}

// base carries what every analyzer shares.
type base struct {
	name string
	next *Dispatcher
	sink core.AnomalySink
}

func newBase(name string, next *Dispatcher, sink core.AnomalySink) base {
	if next == nil {
		next = NewDispatcher(nil)
	}
	if sink == nil {
		sink = core.DiscardAnomalies{}
	}
	return base{name: name, next: next, sink: sink}
}

func (b *base) Name() string { return b.name }

func (b *base) weird(name string, pkt *core.PacketContext, detail string) {
	b.sink.Weird(name, pkt, detail)
}

// forward hands data to the analyzer registered for pkt.Protocol. When no
// analyzer claims the identifier the chain ends here and data is kept as the
// packet payload.
func (b *base) forward(data []byte, pkt *core.PacketContext) bool {
	a, ok := b.next.Lookup(pkt.Protocol)
	if !ok {
		pkt.Payload = data
		return true
	}
	return a.Analyze(data, pkt)
}

// Config controls which encapsulations the chain honours.
type Config struct {
	EnableGRE      bool // Tunnel::enable_gre equivalent
	EnableIPTunnel bool // IP-in-IP and IPv6-in-IP
	MaxTunnelDepth int  // nested encapsulations allowed, default 2
}

// DefaultConfig returns the configuration used when nothing is set.
func DefaultConfig() Config {
	return Config{
		EnableGRE:      true,
		EnableIPTunnel: true,
		MaxTunnelDepth: defaultMaxTunnelDepth,
	}
}

// StandardDecoder wires the Ethernet, IP, GRE, tunnel and transport analyzers.
type StandardDecoder struct {
	ethernet Analyzer
	ip       Analyzer
}

// NewStandardDecoder builds the analyzer chain. Anomalies go to sink.
func NewStandardDecoder(cfg Config, sink core.AnomalySink) *StandardDecoder {
	if cfg.MaxTunnelDepth <= 0 {
		cfg.MaxTunnelDepth = defaultMaxTunnelDepth
	}

	ipNext := NewDispatcher(nil)
	ip := NewIPAnalyzer(ipNext, sink)

	tunnelNext := NewDispatcher(nil)
	tunnel := NewTunnelAnalyzer(cfg.EnableIPTunnel, cfg.MaxTunnelDepth, tunnelNext, sink)

	gre := NewGREAnalyzer(cfg.EnableGRE, NewDispatcher(tunnel.GREPayload()), sink)
	transport := NewTransportAnalyzer(sink)

	ipNext.Register(protocolGRE, gre)
	ipNext.Register(protocolIPIP, tunnel)
	ipNext.Register(protocolIPv6, tunnel)
	ipNext.Register(protocolTCP, transport)
	ipNext.Register(protocolUDP, transport)

	ethNext := NewDispatcher(nil)
	ethNext.Register(uint32(core.EtherTypeIPv4), ip)
	ethNext.Register(uint32(core.EtherTypeIPv6), ip)
	ethernet := NewEthernetAnalyzer(ethNext, sink)

	tunnelNext.Register(uint32(core.EtherTypeIPv4), ip)
	tunnelNext.Register(uint32(core.EtherTypeIPv6), ip)

	return &StandardDecoder{
		ethernet: ethernet,
		ip:       ip,
	}
}

// Decode runs raw through the chain selected by its link type.
func (d *StandardDecoder) Decode(raw core.RawPacket) (core.DecodedPacket, error) {
	pkt := core.NewPacketContext(raw)

	var root Analyzer
	switch raw.LinkType {
	case core.LinkTypeEthernet:
		root = d.ethernet
	case core.LinkTypeRaw:
		root = d.ip
	default:
		return core.DecodedPacket{}, fmt.Errorf("link type %v: %w", raw.LinkType, core.ErrUnsupportedProto)
	}

	if !root.Analyze(raw.Data, pkt) {
		return core.DecodedPacket{}, fmt.Errorf("%s: %w", root.Name(), core.ErrPacketRejected)
	}

	decoded := core.DecodedPacket{
		Timestamp:     pkt.Timestamp,
		Ethernet:      pkt.Ethernet,
		InnerEthernet: pkt.InnerEthernet,
		Transport:     pkt.Transport,
		Payload:       pkt.Payload,
		CaptureLen:    raw.CaptureLen,
		OrigLen:       raw.OrigLen,
		TunnelType:    pkt.TunnelType,
		GREVersion:    pkt.GREVersion,
		GREVariant:    pkt.GREVariant,
		LinkType:      pkt.LinkType,
		EncapDepth:    pkt.EncapDepth,
	}
	if pkt.IP != nil {
		decoded.IP = *pkt.IP
	}
	if pkt.InnerIP != nil {
		decoded.InnerIP = *pkt.InnerIP
	}
	return decoded, nil
}
