package pipeline

import (
	"bytes"
	"encoding/binary"
	"strconv"
	"sync/atomic"

	"github.com/serialx/hashring"

	"firestige.xyz/decap/internal/config"
	"firestige.xyz/decap/internal/core"
)

// dispatcher picks the worker for a raw packet.
type dispatcher interface {
	pick(raw core.RawPacket) int
}

// flowDispatcher keeps both directions of an outer address pair on one
// worker through a consistent hash ring.
type flowDispatcher struct {
	ring  *hashring.HashRing
	nodes map[string]int
}

func newFlowDispatcher(workers int) *flowDispatcher {
	names := make([]string, workers)
	nodes := make(map[string]int, workers)
	for i := range names {
		names[i] = "worker-" + strconv.Itoa(i)
		nodes[names[i]] = i
	}
	return &flowDispatcher{ring: hashring.New(names), nodes: nodes}
}

func (d *flowDispatcher) pick(raw core.RawPacket) int {
	key, ok := flowKey(raw.Data, raw.LinkType)
	if !ok {
		return 0
	}
	node, ok := d.ring.GetNode(key)
	if !ok {
		return 0
	}
	return d.nodes[node]
}

type roundRobinDispatcher struct {
	workers uint64
	next    atomic.Uint64
}

func (d *roundRobinDispatcher) pick(core.RawPacket) int {
	return int((d.next.Add(1) - 1) % d.workers)
}

func newDispatcher(mode string, workers int) dispatcher {
	if mode == config.DispatchRoundRobin {
		return &roundRobinDispatcher{workers: uint64(workers)}
	}
	return newFlowDispatcher(workers)
}

// flowKey extracts the outer address pair, lower address first. It reads
// only the outermost IP header and looks through one VLAN tag.
func flowKey(data []byte, link core.LinkType) (string, bool) {
	off := 0
	if link == core.LinkTypeEthernet {
		if len(data) < 14 {
			return "", false
		}
		etherType := binary.BigEndian.Uint16(data[12:14])
		off = 14
		if etherType == 0x8100 {
			if len(data) < 18 {
				return "", false
			}
			etherType = binary.BigEndian.Uint16(data[16:18])
			off = 18
		}
		if etherType != core.EtherTypeIPv4 && etherType != core.EtherTypeIPv6 {
			return "", false
		}
	}
	if len(data) <= off {
		return "", false
	}

	var a, b []byte
	switch data[off] >> 4 {
	case 4:
		if len(data) < off+20 {
			return "", false
		}
		a, b = data[off+12:off+16], data[off+16:off+20]
	case 6:
		if len(data) < off+40 {
			return "", false
		}
		a, b = data[off+8:off+24], data[off+24:off+40]
	default:
		return "", false
	}

	if bytes.Compare(a, b) > 0 {
		a, b = b, a
	}
	key := make([]byte, 0, len(a)+len(b))
	key = append(key, a...)
	key = append(key, b...)
	return string(key), true
}
