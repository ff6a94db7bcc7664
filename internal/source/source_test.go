package source

import (
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/decap/internal/core"
)

func serialize(t *testing.T, ls ...gopacket.SerializableLayer) []byte {
	t.Helper()
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, ls...))
	return buf.Bytes()
}

func ethernet(et layers.EthernetType) *layers.Ethernet {
	return &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF},
		DstMAC:       net.HardwareAddr{0x00, 0x11, 0x22, 0x33, 0x44, 0x55},
		EthernetType: et,
	}
}

func ipv4(proto layers.IPProtocol) *layers.IPv4 {
	return &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: proto,
		SrcIP:    net.IP{10, 0, 0, 1},
		DstIP:    net.IP{10, 0, 0, 2},
	}
}

func ipv6(next layers.IPProtocol) *layers.IPv6 {
	return &layers.IPv6{
		Version:    6,
		HopLimit:   64,
		NextHeader: next,
		SrcIP:      net.ParseIP("2001:db8::1"),
		DstIP:      net.ParseIP("2001:db8::2"),
	}
}

func udp(t *testing.T, ip gopacket.NetworkLayer) *layers.UDP {
	t.Helper()
	u := &layers.UDP{SrcPort: 1, DstPort: 2}
	require.NoError(t, u.SetNetworkLayerForChecksum(ip))
	return u
}

func greIPv4Frame(t *testing.T) []byte {
	inner := ipv4(layers.IPProtocolUDP)
	return serialize(t,
		ethernet(layers.EthernetTypeIPv4),
		ipv4(layers.IPProtocolGRE),
		&layers.GRE{Protocol: layers.EthernetTypeIPv4},
		inner,
		udp(t, inner),
		gopacket.Payload("inner"),
	)
}

func udpFrame(t *testing.T) []byte {
	ip := ipv4(layers.IPProtocolUDP)
	return serialize(t,
		ethernet(layers.EthernetTypeIPv4),
		ip,
		udp(t, ip),
		gopacket.Payload("plain"),
	)
}

func writePcap(t *testing.T, link layers.LinkType, frames ...[]byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "capture.pcap")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	w := pcapgo.NewWriter(f)
	require.NoError(t, w.WriteFileHeader(65535, link))
	for i, data := range frames {
		ci := gopacket.CaptureInfo{
			Timestamp:     time.Unix(1700000000+int64(i), 0),
			CaptureLength: len(data),
			Length:        len(data) + 4, // pretend the FCS was cut
		}
		require.NoError(t, w.WritePacket(ci, data))
	}
	return path
}

func writePcapng(t *testing.T, link layers.LinkType, frames ...[]byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "capture.pcapng")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	w, err := pcapgo.NewNgWriter(f, link)
	require.NoError(t, err)
	for _, data := range frames {
		ci := gopacket.CaptureInfo{Timestamp: time.Now(), CaptureLength: len(data), Length: len(data)}
		require.NoError(t, w.WritePacket(ci, data))
	}
	require.NoError(t, w.Flush())
	return path
}

func readAll(t *testing.T, s Source) []core.RawPacket {
	t.Helper()
	var out []core.RawPacket
	for {
		p, err := s.ReadPacket()
		if errors.Is(err, io.EOF) {
			return out
		}
		require.NoError(t, err)
		out = append(out, p)
	}
}

func TestOpenFilePcap(t *testing.T) {
	gre, udp := greIPv4Frame(t), udpFrame(t)
	s, err := OpenFile(writePcap(t, layers.LinkTypeEthernet, gre, udp))
	require.NoError(t, err)
	defer s.Close()

	assert.Equal(t, core.LinkTypeEthernet, s.LinkType())
	packets := readAll(t, s)
	require.Len(t, packets, 2)

	assert.Equal(t, gre, packets[0].Data)
	assert.Equal(t, uint32(len(gre)), packets[0].CaptureLen)
	assert.Equal(t, uint32(len(gre)+4), packets[0].OrigLen)
	assert.Equal(t, core.LinkTypeEthernet, packets[0].LinkType)
	assert.True(t, packets[0].Timestamp.Equal(time.Unix(1700000000, 0)))
	assert.Equal(t, udp, packets[1].Data)
}

func TestOpenFilePcapng(t *testing.T) {
	raw := serialize(t, ipv4(layers.IPProtocolGRE), &layers.GRE{Protocol: layers.EthernetTypeIPv4})
	s, err := OpenFile(writePcapng(t, layers.LinkTypeRaw, raw))
	require.NoError(t, err)
	defer s.Close()

	assert.Equal(t, core.LinkTypeRaw, s.LinkType())
	packets := readAll(t, s)
	require.Len(t, packets, 1)
	assert.Equal(t, raw, packets[0].Data)
}

func TestOpenFileErrors(t *testing.T) {
	_, err := OpenFile(filepath.Join(t.TempDir(), "missing.pcap"))
	assert.Error(t, err)

	empty := filepath.Join(t.TempDir(), "empty.pcap")
	require.NoError(t, os.WriteFile(empty, nil, 0644))
	_, err = OpenFile(empty)
	assert.Error(t, err)

	_, err = OpenFile(writePcap(t, layers.LinkTypeLinuxSLL))
	assert.ErrorIs(t, err, core.ErrUnsupportedProto)
}

func TestFileSourceClose(t *testing.T) {
	s, err := OpenFile(writePcap(t, layers.LinkTypeEthernet, udpFrame(t)))
	require.NoError(t, err)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	_, err = s.ReadPacket()
	assert.Error(t, err)
	assert.False(t, errors.Is(err, io.EOF))
}

func TestMapLinkType(t *testing.T) {
	for _, lt := range []layers.LinkType{layers.LinkTypeRaw, layers.LinkTypeIPv4, layers.LinkTypeIPv6} {
		got, err := mapLinkType(lt)
		require.NoError(t, err, lt.String())
		assert.Equal(t, core.LinkTypeRaw, got)
	}
}

func TestMemorySource(t *testing.T) {
	s := NewMemorySource(core.LinkTypeRaw, core.RawPacket{Data: []byte{1, 2, 3}})
	packets := readAll(t, s)
	require.Len(t, packets, 1)
	assert.Equal(t, core.LinkTypeRaw, packets[0].LinkType)
	assert.Equal(t, uint32(3), packets[0].CaptureLen)
	assert.Equal(t, uint32(3), packets[0].OrigLen)
	assert.NoError(t, s.Close())
}
