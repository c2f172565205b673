package acd

import (
	"fmt"
	"net"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/asm"
	"golang.org/x/sys/unix"
)

// ebpfFilter attaches a classifying BPF_PROG_TYPE_SOCKET_FILTER program
// to a raw socket, so the kernel drops ARP frames this Context has no
// probe watching before they're ever copied into userspace (§4.3). The
// program is rebuilt and re-attached whenever the backing map grows.
type ebpfFilter struct {
	sockFD    int
	localMAC  net.HardwareAddr
	filterMap *ebpfFilterMap
	prog      *ebpf.Program
}

// newKernelFilter builds the initial filter map and classifier program
// and attaches it to sockFD via SO_ATTACH_BPF.
func newKernelFilter(sockFD int, localMAC net.HardwareAddr) (*ebpfFilter, error) {
	m, err := newEBPFFilterMap()
	if err != nil {
		return nil, err
	}

	f := &ebpfFilter{sockFD: sockFD, localMAC: append(net.HardwareAddr(nil), localMAC...), filterMap: m}
	if err := f.attach(); err != nil {
		m.close()
		return nil, err
	}
	return f, nil
}

// Add admits ip into the kernel-accepted set, growing and re-attaching
// the classifier if the backing map needs more room.
func (f *ebpfFilter) Add(ip net.IP) error {
	before := f.filterMap.capacity
	if err := f.filterMap.add(ipKey(ip)); err != nil {
		return err
	}
	if f.filterMap.capacity != before {
		return f.attach()
	}
	return nil
}

// Remove evicts ip from the kernel-accepted set.
func (f *ebpfFilter) Remove(ip net.IP) error {
	return f.filterMap.remove(ipKey(ip))
}

func (f *ebpfFilter) Close() error {
	err1 := unix.SetsockoptInt(f.sockFD, unix.SOL_SOCKET, unix.SO_DETACH_BPF, 0)
	err2 := f.filterMap.close()
	var err3 error
	if f.prog != nil {
		err3 = f.prog.Close()
	}
	for _, err := range []error{err1, err2, err3} {
		if err != nil {
			return err
		}
	}
	return nil
}

// attach (re)assembles the classifier program against the filter map's
// current fd and attaches it to the socket, replacing any program
// already attached.
func (f *ebpfFilter) attach() error {
	prog, err := ebpf.NewProgram(&ebpf.ProgramSpec{
		Name:         "acd_classify",
		Type:         ebpf.SocketFilter,
		Instructions: f.program(),
		License:      "GPL",
	})
	if err != nil {
		return fmt.Errorf("%w: assemble classifier program: %v", ErrResourceExhausted, err)
	}

	if err := unix.SetsockoptInt(f.sockFD, unix.SOL_SOCKET, unix.SO_ATTACH_BPF, prog.FD()); err != nil {
		prog.Close()
		return fmt.Errorf("%w: attach classifier program: %v", ErrResourceExhausted, err)
	}

	old := f.prog
	f.prog = prog
	if old != nil {
		_ = old.Close()
	}
	return nil
}

// program assembles the socket-filter classifier per §4.3: validate the
// Ethernet/ARP header shape, reject frames reflecting our own
// transmissions (sender hardware address == localMAC), then accept only
// if the sender protocol address is a key in filterMap — falling back to
// the target protocol address (the shape of an inbound probe from a
// competing host, SPA 0.0.0.0) before dropping.
//
// This mirrors the shape of n-acd's userspace BPF_MAP_TYPE_HASH gate
// (SPEC_FULL.md §10.2) as a real attached eBPF program: R1 holds the
// skb context on entry, loads at fixed Ethernet+ARP offsets read the
// header fields and addresses, and map lookups against filterMap decide
// accept (full frame length) vs. drop (0).
func (f *ebpfFilter) program() asm.Instructions {
	mac := f.localMAC
	shaHi := int32(uint32(mac[0])<<24 | uint32(mac[1])<<16 | uint32(mac[2])<<8 | uint32(mac[3]))
	shaLo := int32(uint32(mac[4])<<8 | uint32(mac[5]))

	return asm.Instructions{
		asm.Mov.Reg(asm.R6, asm.R1), // save skb pointer across helper calls

		// ethertype at byte offset 12; reject anything but ARP (0x0806).
		asm.LoadMem(asm.R0, asm.R6, 12, asm.Half),
		asm.HostTo(asm.BE, asm.R0, asm.Half),
		asm.JNE.Imm(asm.R0, acdwireEtherTypeARP, "drop"),

		// ARP header shape at offsets 14-19: htype=1 (Ethernet),
		// ptype=0x0800 (IPv4), hlen=6, plen=4.
		asm.LoadMem(asm.R0, asm.R6, 14, asm.Half),
		asm.HostTo(asm.BE, asm.R0, asm.Half),
		asm.JNE.Imm(asm.R0, acdwireHTypeEthernet, "drop"),
		asm.LoadMem(asm.R0, asm.R6, 16, asm.Half),
		asm.HostTo(asm.BE, asm.R0, asm.Half),
		asm.JNE.Imm(asm.R0, acdwirePTypeIPv4, "drop"),
		asm.LoadMem(asm.R0, asm.R6, 18, asm.Byte),
		asm.JNE.Imm(asm.R0, 6, "drop"),
		asm.LoadMem(asm.R0, asm.R6, 19, asm.Byte),
		asm.JNE.Imm(asm.R0, 4, "drop"),

		// Sender hardware address at offset 22 (14 Ethernet + 8 fixed
		// ARP header); a match against localMAC means the kernel is
		// just reflecting our own transmission back to us.
		asm.LoadMem(asm.R0, asm.R6, 22, asm.Word),
		asm.HostTo(asm.BE, asm.R0, asm.Word),
		asm.JNE.Imm(asm.R0, shaHi, "lookupSPA"),
		asm.LoadMem(asm.R0, asm.R6, 26, asm.Half),
		asm.HostTo(asm.BE, asm.R0, asm.Half),
		asm.JEq.Imm(asm.R0, shaLo, "drop"),

		// ARP sender protocol address at byte offset 28, loaded into
		// the lookup key slot on the stack at FP-4.
		asm.LoadMem(asm.R0, asm.R6, 28, asm.Word).WithSymbol("lookupSPA"),
		asm.StoreMem(asm.RFP, -4, asm.R0, asm.Word),
		asm.Mov.Reg(asm.R2, asm.RFP),
		asm.Add.Imm(asm.R2, -4),
		asm.LoadMapPtr(asm.R1, f.filterMap.m.FD()),
		asm.FnMapLookupElem.Call(),
		asm.JEq.Imm(asm.R0, 0, "lookupTPA"),

		// Hit: accept the whole frame.
		asm.Mov.Imm(asm.R0, 1<<16).WithSymbol("accept"),
		asm.Return(),

		// SPA missed the map: an inbound probe from a competing host
		// carries SPA 0.0.0.0 and the candidate address as TPA (offset
		// 38), so fall back to a second lookup before dropping.
		asm.LoadMem(asm.R0, asm.R6, 38, asm.Word).WithSymbol("lookupTPA"),
		asm.StoreMem(asm.RFP, -4, asm.R0, asm.Word),
		asm.Mov.Reg(asm.R2, asm.RFP),
		asm.Add.Imm(asm.R2, -4),
		asm.LoadMapPtr(asm.R1, f.filterMap.m.FD()),
		asm.FnMapLookupElem.Call(),
		asm.JNE.Imm(asm.R0, 0, "accept"),

		asm.Mov.Imm(asm.R0, 0).WithSymbol("drop"),
		asm.Return(),
	}
}

// acdwireEtherTypeARP mirrors pkg/acdwire.EtherTypeARP; acdwireHTypeEthernet
// and acdwirePTypeIPv4 mirror pkg/acdwire's HardwareTypeEthernet and
// ProtocolTypeIPv4. All three are duplicated here as untyped constants so
// this file never needs to import pkg/acdwire just for numeric literals
// used inside a BPF instruction stream.
const (
	acdwireEtherTypeARP  = 0x0806
	acdwireHTypeEthernet = 1
	acdwirePTypeIPv4     = 0x0800
)
