package core

// Anomaly names reported by analyzers.
const (
	// GRE
	WeirdTruncatedGRE      = "truncated_GRE"
	WeirdUnknownGREVersion = "unknown_gre_version"
	WeirdEGREProtocolType  = "egre_protocol_type"
	WeirdNonIPInEncap      = "non_ip_packet_in_encap"
	WeirdGRERouting        = "gre_routing"
	WeirdUnknownGREFlags   = "unknown_gre_flags"
	WeirdArubaCCMP         = "aruba_ccmp_encryption"
	WeirdArubaAggregate    = "aruba_aggregate_msdu"
	WeirdGRETunnel         = "GRE_tunnel"

	// Surrounding chain
	WeirdTruncatedEthernet  = "truncated_ethernet_frame"
	WeirdTruncatedIP        = "truncated_IP"
	WeirdUnknownIPVersion   = "unknown_ip_version"
	WeirdIPTunnel           = "IP_tunnel"
	WeirdTunnelMaxDepth     = "exceeded_tunnel_max_depth"
	WeirdUnsupportedInner   = "unsupported_inner_protocol"
	WeirdTruncatedTransport = "truncated_transport"
)

// AnomalySink receives named protocol anomalies. Reporting never fails and
// never aborts the caller.
type AnomalySink interface {
	Weird(name string, pkt *PacketContext, detail string)
}

// DiscardAnomalies is an AnomalySink that drops everything.
type DiscardAnomalies struct{}

func (DiscardAnomalies) Weird(string, *PacketContext, string) {}
