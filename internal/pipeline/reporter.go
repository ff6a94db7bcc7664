package pipeline

import (
	"bufio"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"firestige.xyz/decap/internal/core"
)

// ConsoleReporter prints one line per decoded packet.
type ConsoleReporter struct {
	mu sync.Mutex
	w  *bufio.Writer
}

// NewConsoleReporter writes to w, buffered until Flush.
func NewConsoleReporter(w io.Writer) *ConsoleReporter {
	return &ConsoleReporter{w: bufio.NewWriter(w)}
}

func (r *ConsoleReporter) Report(pkt *core.DecodedPacket) error {
	line := FormatPacket(pkt)
	r.mu.Lock()
	defer r.mu.Unlock()
	_, err := r.w.WriteString(line + "\n")
	return err
}

func (r *ConsoleReporter) Flush() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.w.Flush()
}

// FormatPacket renders pkt as
//
//	<time> <outer src> > <outer dst> [gre/<variant> [v1]] [inner src > inner dst] <proto> [sport > dport] len=<n>
func FormatPacket(pkt *core.DecodedPacket) string {
	var b strings.Builder
	b.WriteString(pkt.Timestamp.UTC().Format(time.RFC3339Nano))
	fmt.Fprintf(&b, " %s > %s", pkt.IP.SrcIP, pkt.IP.DstIP)

	inner := &pkt.IP
	switch pkt.TunnelType {
	case core.TunnelGRE:
		fmt.Fprintf(&b, " gre/%s", pkt.GREVariant)
		if pkt.GREVersion != 0 {
			fmt.Fprintf(&b, " v%d", pkt.GREVersion)
		}
		for _, id := range pkt.InnerEthernet.VLANs {
			fmt.Fprintf(&b, " vlan %d", id)
		}
	case core.TunnelIP:
		b.WriteString(" ipip")
	}
	if pkt.Tunneled() && pkt.InnerIP.Version != 0 {
		inner = &pkt.InnerIP
		fmt.Fprintf(&b, " %s > %s", inner.SrcIP, inner.DstIP)
	}

	switch pkt.Transport.Protocol {
	case 6:
		fmt.Fprintf(&b, " tcp %d > %d", pkt.Transport.SrcPort, pkt.Transport.DstPort)
	case 17:
		fmt.Fprintf(&b, " udp %d > %d", pkt.Transport.SrcPort, pkt.Transport.DstPort)
	default:
		fmt.Fprintf(&b, " proto=%d", inner.Protocol)
	}
	fmt.Fprintf(&b, " len=%d", len(pkt.Payload))
	return b.String()
}

// Summary is the end-of-run report.
type Summary struct {
	Packets StatsSnapshot     `yaml:"packets"`
	Weirds  map[string]uint64 `yaml:"weirds,omitempty"`
}

// WriteText prints the summary as aligned text.
func (s Summary) WriteText(w io.Writer) error {
	bw := bufio.NewWriter(w)
	p := s.Packets
	fmt.Fprintf(bw, "packets:  received=%d filtered=%d decoded=%d rejected=%d errors=%d\n",
		p.Received, p.Filtered, p.Decoded, p.Rejected, p.Errors)

	writeCounts(bw, "tunnels", p.Tunnels)
	writeCounts(bw, "weirds", s.Weirds)
	return bw.Flush()
}

func writeCounts(w io.Writer, title string, counts map[string]uint64) {
	if len(counts) == 0 {
		return
	}
	names := make([]string, 0, len(counts))
	width := 0
	for name := range counts {
		names = append(names, name)
		width = max(width, len(name))
	}
	sort.Strings(names)

	fmt.Fprintf(w, "%s:\n", title)
	for _, name := range names {
		fmt.Fprintf(w, "  %-*s %d\n", width, name, counts[name])
	}
}

// WriteYAML encodes the summary as YAML.
func (s Summary) WriteYAML(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(s); err != nil {
		return fmt.Errorf("encode summary: %w", err)
	}
	return enc.Close()
}
