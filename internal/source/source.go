// Package source reads packets for the analyzer pipeline.
package source

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"firestige.xyz/decap/internal/core"
)

// Source yields raw packets. ReadPacket returns io.EOF when exhausted.
type Source interface {
	ReadPacket() (core.RawPacket, error)
	LinkType() core.LinkType
	Close() error
}

// packetReader is satisfied by both pcapgo.Reader and pcapgo.NgReader.
type packetReader interface {
	ReadPacketData() ([]byte, gopacket.CaptureInfo, error)
	LinkType() layers.LinkType
}

var pcapngMagic = []byte{0x0A, 0x0D, 0x0D, 0x0A}

// FileSource reads a pcap or pcapng capture file.
type FileSource struct {
	path   string
	file   *os.File
	reader packetReader
	link   core.LinkType
}

// OpenFile opens a capture file; the format is detected from its magic.
func OpenFile(path string) (*FileSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open capture file %s: %w", path, err)
	}

	r, err := newPacketReader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to read capture file %s: %w", path, err)
	}

	link, err := mapLinkType(r.LinkType())
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("capture file %s: %w", path, err)
	}

	return &FileSource{path: path, file: f, reader: r, link: link}, nil
}

func newPacketReader(r io.Reader) (packetReader, error) {
	br := bufio.NewReader(r)
	magic, err := br.Peek(len(pcapngMagic))
	if err != nil {
		return nil, fmt.Errorf("read magic: %w", err)
	}
	if bytes.Equal(magic, pcapngMagic) {
		return pcapgo.NewNgReader(br, pcapgo.DefaultNgReaderOptions)
	}
	return pcapgo.NewReader(br)
}

// mapLinkType maps a capture link type onto what the analyzer chain has a
// root analyzer for.
func mapLinkType(lt layers.LinkType) (core.LinkType, error) {
	switch lt {
	case layers.LinkTypeEthernet:
		return core.LinkTypeEthernet, nil
	case layers.LinkTypeRaw, layers.LinkTypeIPv4, layers.LinkTypeIPv6:
		return core.LinkTypeRaw, nil
	default:
		return 0, fmt.Errorf("link type %s: %w", lt, core.ErrUnsupportedProto)
	}
}

func (fs *FileSource) ReadPacket() (core.RawPacket, error) {
	if fs.reader == nil {
		return core.RawPacket{}, fmt.Errorf("file source %s is closed", fs.path)
	}

	data, ci, err := fs.reader.ReadPacketData()
	if err != nil {
		if err == io.EOF {
			return core.RawPacket{}, io.EOF
		}
		return core.RawPacket{}, fmt.Errorf("failed to read packet: %w", err)
	}

	return core.RawPacket{
		Data:       data,
		Timestamp:  ci.Timestamp,
		CaptureLen: uint32(ci.CaptureLength),
		OrigLen:    uint32(ci.Length),
		LinkType:   fs.link,
	}, nil
}

func (fs *FileSource) LinkType() core.LinkType { return fs.link }

func (fs *FileSource) Close() error {
	if fs.file == nil {
		return nil
	}
	err := fs.file.Close()
	fs.file = nil
	fs.reader = nil
	return err
}

// MemorySource replays packets held in memory.
type MemorySource struct {
	link    core.LinkType
	packets []core.RawPacket
	next    int
}

// NewMemorySource creates a source over packets; each packet's LinkType is
// forced to link.
func NewMemorySource(link core.LinkType, packets ...core.RawPacket) *MemorySource {
	out := make([]core.RawPacket, len(packets))
	for i, p := range packets {
		p.LinkType = link
		if p.CaptureLen == 0 {
			p.CaptureLen = uint32(len(p.Data))
		}
		if p.OrigLen == 0 {
			p.OrigLen = p.CaptureLen
		}
		out[i] = p
	}
	return &MemorySource{link: link, packets: out}
}

func (m *MemorySource) ReadPacket() (core.RawPacket, error) {
	if m.next >= len(m.packets) {
		return core.RawPacket{}, io.EOF
	}
	p := m.packets[m.next]
	m.next++
	return p, nil
}

func (m *MemorySource) LinkType() core.LinkType { return m.link }

func (m *MemorySource) Close() error { return nil }
