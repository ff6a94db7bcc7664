package decoder

import (
	"encoding/binary"
	"errors"
	"fmt"

	"firestige.xyz/decap/internal/core"
)

const (
	greHeaderMinLen = 4 // flags/version + protocol type

	// Flags/version word (RFC 2784, RFC 2890, RFC 2637)
	greFlagChecksum  = 0x8000
	greFlagRouting   = 0x4000 // RFC 1701, deprecated
	greFlagKey       = 0x2000
	greFlagSequence  = 0x1000
	greFlagAck       = 0x0080
	greFlagsReserved = 0x0078
	greVersionMask   = 0x0007

	pppHeaderLen = 4
	pppProtoIPv4 = 0x0021
	pppProtoIPv6 = 0x0057
)

// greHeader is the fixed part of a GRE header plus what the flags imply.
type greHeader struct {
	flags    uint16
	protocol uint16
	length   int // base header length including optional words
	version  uint8
}

// greHeaderLen computes the base header length from the flags word. The
// routing bit never contributes: routing is rejected, not parsed.
func greHeaderLen(flags uint16) int {
	n := greHeaderMinLen
	if flags&greFlagChecksum != 0 {
		// Checksum + Reserved1
		n += 4
	}
	if flags&greFlagKey != 0 {
		n += 4
	}
	if flags&greFlagSequence != 0 {
		n += 4
	}
	if flags&greFlagAck != 0 {
		n += 4
	}
	return n
}

// parseGREHeader reads the two fixed words. data must hold greHeaderMinLen bytes.
func parseGREHeader(data []byte) greHeader {
	flags := binary.BigEndian.Uint16(data[0:2])
	return greHeader{
		flags:    flags,
		protocol: binary.BigEndian.Uint16(data[2:4]),
		length:   greHeaderLen(flags),
		version:  uint8(flags & greVersionMask),
	}
}

// weirdError is an anomaly raised while parsing; the analyzer turns it into
// exactly one report.
type weirdError struct {
	name   string
	detail string
}

func (e *weirdError) Error() string {
	if e.detail == "" {
		return e.name
	}
	return e.name + ": " + e.detail
}

func weirdf(name, format string, args ...any) error {
	return &weirdError{name: name, detail: fmt.Sprintf(format, args...)}
}

var (
	errTruncatedGRE = &weirdError{name: core.WeirdTruncatedGRE}
	errGRERouting   = &weirdError{name: core.WeirdGRERouting}
	errGREFlags     = &weirdError{name: core.WeirdUnknownGREFlags}
	errNonIPInEncap = &weirdError{name: core.WeirdNonIPInEncap}
	errArubaCCMP    = &weirdError{name: core.WeirdArubaCCMP}
	errArubaAMSDU   = &weirdError{name: core.WeirdArubaAggregate}
)

// GREAnalyzer strips GRE headers (including transparent Ethernet bridging,
// ERSPAN I/II/III, Aruba 802.11 and enhanced GRE/PPP) and forwards the
// payload. It needs an outer IP header already decoded into the context.
type GREAnalyzer struct {
	base
	enabled bool
}

// NewGREAnalyzer creates the GRE analyzer. When enabled is false every packet
// is refused with GRE_tunnel.
func NewGREAnalyzer(enabled bool, next *Dispatcher, sink core.AnomalySink) *GREAnalyzer {
	return &GREAnalyzer{
		base:    newBase("GRE", next, sink),
		enabled: enabled,
	}
}

func (g *GREAnalyzer) Analyze(data []byte, pkt *core.PacketContext) bool {
	if !pkt.HasIPHeader() {
		panic(&core.InternalError{Analyzer: g.name, Reason: "ip header not provided by an earlier analyzer"})
	}

	if !g.enabled {
		g.weird(core.WeirdGRETunnel, pkt, "")
		return false
	}

	out, consumed, err := decapsulateGRE(data)
	if err != nil {
		g.reject(pkt, err)
		return false
	}

	pkt.TunnelType = core.TunnelGRE
	pkt.GREVersion = out.version
	pkt.GREVariant = out.variant
	pkt.LinkType = out.link
	pkt.Protocol = out.protocol
	if out.ethernet != nil {
		pkt.InnerEthernet = *out.ethernet
	}

	// Success is reported once the payload is handed on; what the next
	// stage makes of it is its own business.
	g.forward(data[consumed:], pkt)
	return true
}

func (g *GREAnalyzer) reject(pkt *core.PacketContext, err error) {
	var we *weirdError
	if errors.As(err, &we) {
		g.weird(we.name, pkt, we.detail)
		return
	}
	g.weird(core.WeirdTruncatedGRE, pkt, err.Error())
}

// decapsulateGRE validates data as a GRE frame and returns the selected
// variant with the number of bytes to strip. It never reads past len(data)
// and has no side effects.
func decapsulateGRE(data []byte) (greOutcome, int, error) {
	if len(data) < greHeaderMinLen {
		return greOutcome{}, 0, errTruncatedGRE
	}

	hdr := parseGREHeader(data)

	if hdr.version != 0 && hdr.version != 1 {
		return greOutcome{}, 0, weirdf(core.WeirdUnknownGREVersion, "version=%d", hdr.version)
	}

	if len(data) < hdr.length {
		return greOutcome{}, 0, errTruncatedGRE
	}

	out, err := selectGREVariant(hdr, data)
	if err != nil {
		return greOutcome{}, 0, err
	}

	if hdr.flags&greFlagRouting != 0 {
		return greOutcome{}, 0, errGRERouting
	}

	if hdr.flags&greFlagsReserved != 0 {
		return greOutcome{}, 0, errGREFlags
	}

	consumed := hdr.length + out.pppLen + out.extra
	if len(data) < consumed {
		return greOutcome{}, 0, errTruncatedGRE
	}

	if out.variant == core.GREVariantPPP {
		pppProto := binary.BigEndian.Uint16(data[hdr.length+2 : hdr.length+4])
		switch pppProto {
		case pppProtoIPv4:
			out.protocol = uint32(core.EtherTypeIPv4)
		case pppProtoIPv6:
			out.protocol = uint32(core.EtherTypeIPv6)
		default:
			return greOutcome{}, 0, errNonIPInEncap
		}
	}

	return out, consumed, nil
}
