package decoder

import "firestige.xyz/decap/internal/core"

// Protocol-type values that select a GRE variant.
const (
	greProtoTransparentEthernet = 0x6558
	greProtoERSPAN              = 0x88be // type I, or type II with the sequence bit
	greProtoERSPANIII           = 0x22eb
	greProtoAruba               = 0x8200
	greProtoPPP                 = 0x880b // enhanced GRE (PPTP)

	erspanIIHeaderLen     = 8
	erspanIIIHeaderLen    = 12
	erspanIIIFlagsOffset  = erspanIIIHeaderLen - 1
	erspanIIIOptHeaderLen = 8

	// Aruba: proprietary header, then an 802.11 QoS data header whose frame
	// control flags sit at byte 1 and QoS control at byte 24, then LLC.
	arubaHeaderLen        = 26
	arubaLLCLen           = 8
	arubaPayloadOffset    = arubaHeaderLen + arubaLLCLen
	ieee80211FlagsOffset  = 1
	ieee80211QoSOffset    = 24
	ieee80211Protected    = 0x40
	ieee80211Order        = 0x80
	ieee80211QoSAggregate = 0x80
)

// greOutcome is the result of variant selection: what follows the base
// header and how much of it is stripped.
type greOutcome struct {
	variant  core.GREVariant
	version  uint8
	pppLen   int // PPP header, enhanced GRE only
	extra    int // variant bytes stripped after the base header
	link     core.LinkType
	protocol uint32               // next-header EtherType
	ethernet *core.EthernetHeader // stripped inner Ethernet header, if any
}

// greVariantFunc checks the variant's length requirement and computes its
// extra length. It runs after the base header length has been validated.
type greVariantFunc func(hdr greHeader, data []byte) (greOutcome, error)

// greV0Variants maps version 0 protocol types to their variant. Anything not
// listed is plain GRE.
var greV0Variants = map[uint16]greVariantFunc{
	greProtoTransparentEthernet: bridgeVariant,
	greProtoERSPAN:              erspanVariant,
	greProtoERSPANIII:           erspanIIIVariant,
	greProtoAruba:               arubaVariant,
}

// selectGREVariant maps (version, protocol type, flags) to exactly one
// variant or an anomaly.
func selectGREVariant(hdr greHeader, data []byte) (greOutcome, error) {
	switch hdr.version {
	case 0:
		if fn, ok := greV0Variants[hdr.protocol]; ok {
			return fn(hdr, data)
		}
		return plainVariant(hdr), nil
	case 1:
		return pppVariant(hdr)
	default:
		return greOutcome{}, weirdf(core.WeirdUnknownGREVersion, "version=%d", hdr.version)
	}
}

func plainVariant(hdr greHeader) greOutcome {
	return greOutcome{
		variant:  core.GREVariantPlain,
		link:     core.LinkTypeRaw,
		protocol: uint32(hdr.protocol),
	}
}

// pppVariant accepts enhanced GRE. The PPP protocol field is checked once the
// total length is known to cover it.
func pppVariant(hdr greHeader) (greOutcome, error) {
	if hdr.protocol != greProtoPPP {
		return greOutcome{}, weirdf(core.WeirdEGREProtocolType, "proto=%d", hdr.protocol)
	}
	return greOutcome{
		variant: core.GREVariantPPP,
		version: 1,
		pppLen:  pppHeaderLen,
		link:    core.LinkTypeRaw,
	}, nil
}

// ethernetVariant strips encapLen bytes of variant header followed by an
// Ethernet header. The caller has checked both are present.
func ethernetVariant(variant core.GREVariant, hdr greHeader, data []byte, encapLen int) greOutcome {
	eth := ethernetHeaderAt(data[hdr.length+encapLen:])
	return greOutcome{
		variant:  variant,
		extra:    encapLen + ethernetHeaderLen,
		link:     core.LinkTypeEthernet,
		protocol: uint32(eth.EtherType),
		ethernet: &eth,
	}
}

func bridgeVariant(hdr greHeader, data []byte) (greOutcome, error) {
	if len(data) <= hdr.length+ethernetHeaderLen {
		return greOutcome{}, errTruncatedGRE
	}
	return ethernetVariant(core.GREVariantEthernetBridge, hdr, data, 0), nil
}

func erspanVariant(hdr greHeader, data []byte) (greOutcome, error) {
	if len(data) <= hdr.length+ethernetHeaderLen {
		return greOutcome{}, errTruncatedGRE
	}
	if hdr.flags&greFlagSequence == 0 {
		return ethernetVariant(core.GREVariantERSPANI, hdr, data, 0), nil
	}
	// Type II carries an 8-byte ERSPAN header ahead of the frame.
	if len(data) < hdr.length+erspanIIHeaderLen+ethernetHeaderLen {
		return greOutcome{}, errTruncatedGRE
	}
	return ethernetVariant(core.GREVariantERSPANII, hdr, data, erspanIIHeaderLen), nil
}

func erspanIIIVariant(hdr greHeader, data []byte) (greOutcome, error) {
	if len(data) <= hdr.length+erspanIIIHeaderLen+ethernetHeaderLen {
		return greOutcome{}, errTruncatedGRE
	}
	encapLen := erspanIIIHeaderLen
	// O flag: platform-specific sub-header follows.
	if data[hdr.length+erspanIIIFlagsOffset]&0x01 != 0 {
		if len(data) <= hdr.length+erspanIIIHeaderLen+erspanIIIOptHeaderLen+ethernetHeaderLen {
			return greOutcome{}, errTruncatedGRE
		}
		encapLen += erspanIIIOptHeaderLen
	}
	return ethernetVariant(core.GREVariantERSPANIII, hdr, data, encapLen), nil
}

func arubaVariant(hdr greHeader, data []byte) (greOutcome, error) {
	if len(data) <= hdr.length+arubaHeaderLen {
		return greOutcome{}, errTruncatedGRE
	}
	wlan := data[hdr.length+arubaHeaderLen:]
	if len(wlan) <= ieee80211QoSOffset {
		return greOutcome{}, errTruncatedGRE
	}
	if wlan[ieee80211FlagsOffset]&(ieee80211Protected|ieee80211Order) == ieee80211Protected {
		// CCMP payload, cannot be decrypted. The Order bit must be clear.
		return greOutcome{}, errArubaCCMP
	}
	if wlan[ieee80211QoSOffset]&ieee80211QoSAggregate != 0 {
		// A-MSDU: several frames in one, only single frames are handled.
		return greOutcome{}, errArubaAMSDU
	}
	// The QoS guard above also covers the IP version byte at arubaPayloadOffset.
	return greOutcome{
		variant:  core.GREVariantAruba,
		extra:    arubaPayloadOffset,
		link:     core.LinkTypeEthernet,
		protocol: ipVersionEtherType(data[hdr.length+arubaPayloadOffset] >> 4),
	}, nil
}

// ipVersionEtherType maps an IP version nibble to its EtherType. Unknown
// nibbles are passed through so the next stage can reject them.
func ipVersionEtherType(nibble byte) uint32 {
	switch nibble {
	case 4:
		return uint32(core.EtherTypeIPv4)
	case 6:
		return uint32(core.EtherTypeIPv6)
	default:
		return uint32(nibble)
	}
}
