package source

import (
	"fmt"

	"golang.org/x/net/bpf"

	"firestige.xyz/decap/internal/core"
)

const (
	ipProtoGRE    = 47
	etherTypeIPv4 = 0x0800
	etherTypeIPv6 = 0x86DD
	etherTypeVLAN = 0x8100

	acceptLen = 0xFFFF
)

// Filter runs a classic BPF program in user space, so no capture handle
// (and no libpcap) is needed. A packet matches when the program returns a
// non-zero length.
type Filter struct {
	vm *bpf.VM
}

// NewFilter validates prog and builds a filter.
func NewFilter(prog []bpf.Instruction) (*Filter, error) {
	vm, err := bpf.NewVM(prog)
	if err != nil {
		return nil, fmt.Errorf("invalid bpf program: %w", err)
	}
	return &Filter{vm: vm}, nil
}

// Match reports whether data passes the filter. Loads past the end of data
// reject the packet.
func (f *Filter) Match(data []byte) bool {
	n, err := f.vm.Run(data)
	return err == nil && n > 0
}

// GREOnlyFilter keeps IPv4 and IPv6 packets carrying GRE, i.e.
// `ip proto 47 or ip6 proto 47`, with one 802.1Q tag looked through on
// Ethernet.
func GREOnlyFilter(link core.LinkType) (*Filter, error) {
	switch link {
	case core.LinkTypeEthernet:
		return NewFilter(greEthernetProgram)
	case core.LinkTypeRaw:
		return NewFilter(greRawProgram)
	default:
		return nil, fmt.Errorf("gre filter for link type %s: %w", link, core.ErrUnsupportedProto)
	}
}

// X holds the network header offset; A the EtherType.
var greEthernetProgram = []bpf.Instruction{
	/*  0 */ bpf.LoadAbsolute{Off: 12, Size: 2},
	/*  1 */ bpf.JumpIf{Cond: bpf.JumpEqual, Val: etherTypeVLAN, SkipFalse: 3},
	/*  2 */ bpf.LoadConstant{Dst: bpf.RegX, Val: 18},
	/*  3 */ bpf.LoadAbsolute{Off: 16, Size: 2},
	/*  4 */ bpf.Jump{Skip: 1},
	/*  5 */ bpf.LoadConstant{Dst: bpf.RegX, Val: 14},
	/*  6 */ bpf.JumpIf{Cond: bpf.JumpEqual, Val: etherTypeIPv4, SkipFalse: 2},
	/*  7 */ bpf.LoadIndirect{Off: 9, Size: 1},
	/*  8 */ bpf.Jump{Skip: 2},
	/*  9 */ bpf.JumpIf{Cond: bpf.JumpEqual, Val: etherTypeIPv6, SkipFalse: 3},
	/* 10 */ bpf.LoadIndirect{Off: 6, Size: 1},
	/* 11 */ bpf.JumpIf{Cond: bpf.JumpEqual, Val: ipProtoGRE, SkipFalse: 1},
	/* 12 */ bpf.RetConstant{Val: acceptLen},
	/* 13 */ bpf.RetConstant{Val: 0},
}

// The version nibble selects the protocol field offset.
var greRawProgram = []bpf.Instruction{
	/* 0 */ bpf.LoadAbsolute{Off: 0, Size: 1},
	/* 1 */ bpf.ALUOpConstant{Op: bpf.ALUOpShiftRight, Val: 4},
	/* 2 */ bpf.JumpIf{Cond: bpf.JumpEqual, Val: 4, SkipFalse: 2},
	/* 3 */ bpf.LoadAbsolute{Off: 9, Size: 1},
	/* 4 */ bpf.Jump{Skip: 2},
	/* 5 */ bpf.JumpIf{Cond: bpf.JumpEqual, Val: 6, SkipFalse: 3},
	/* 6 */ bpf.LoadAbsolute{Off: 6, Size: 1},
	/* 7 */ bpf.JumpIf{Cond: bpf.JumpEqual, Val: ipProtoGRE, SkipFalse: 1},
	/* 8 */ bpf.RetConstant{Val: acceptLen},
	/* 9 */ bpf.RetConstant{Val: 0},
}
