// Package acdwire provides constants and encoding helpers for the
// Ethernet-framed ARP packets used by RFC 5227 address conflict detection.
package acdwire

import (
	"encoding/binary"
	"fmt"
	"net"
)

// EtherType identifies the payload carried by an Ethernet frame.
type EtherType uint16

// EtherTypeARP is the EtherType value for ARP (RFC 826).
const EtherTypeARP EtherType = 0x0806

// HardwareType identifies the link-layer technology an ARP packet runs over.
type HardwareType uint16

// HardwareTypeEthernet is the only hardware type this engine speaks.
const HardwareTypeEthernet HardwareType = 1

// ProtocolType identifies the network-layer protocol an ARP packet carries.
type ProtocolType uint16

// ProtocolTypeIPv4 is the only protocol type this engine speaks.
const ProtocolTypeIPv4 ProtocolType = 0x0800

// Operation is the ARP opcode (RFC 826 §2).
type Operation uint16

const (
	OperationRequest Operation = 1 // ARP request
	OperationReply   Operation = 2 // ARP reply
)

func (o Operation) String() string {
	switch o {
	case OperationRequest:
		return "REQUEST"
	case OperationReply:
		return "REPLY"
	default:
		return "UNKNOWN"
	}
}

// Sizes of the fixed-format frame this package encodes/decodes.
const (
	EthernetHeaderLen = 14
	ARPHeaderLen      = 28
	FrameLen          = EthernetHeaderLen + ARPHeaderLen

	ethDstOff   = 0
	ethSrcOff   = 6
	ethTypeOff  = 12
	arpHTypeOff = EthernetHeaderLen + 0
	arpPTypeOff = EthernetHeaderLen + 2
	arpHLenOff  = EthernetHeaderLen + 4
	arpPLenOff  = EthernetHeaderLen + 5
	arpOperOff  = EthernetHeaderLen + 6
	arpSHAOff   = EthernetHeaderLen + 8
	arpSPAOff   = EthernetHeaderLen + 14
	arpTHAOff   = EthernetHeaderLen + 18
	arpTPAOff   = EthernetHeaderLen + 24
)

// BroadcastMAC is the link-layer broadcast address.
var BroadcastMAC = net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

// ZeroMAC is an all-zero hardware address, used for THA on probe packets.
var ZeroMAC = net.HardwareAddr{0x00, 0x00, 0x00, 0x00, 0x00, 0x00}

// Frame is a decoded Ethernet-framed ARP packet.
type Frame struct {
	DstMAC    net.HardwareAddr
	SrcMAC    net.HardwareAddr
	HType     HardwareType
	PType     ProtocolType
	Operation Operation
	SHA       net.HardwareAddr // sender hardware address
	SPA       net.IP           // sender protocol address
	THA       net.HardwareAddr // target hardware address
	TPA       net.IP           // target protocol address
}

// Encode serialises the frame into its wire representation.
func (f *Frame) Encode() []byte {
	buf := make([]byte, FrameLen)

	copy(buf[ethDstOff:ethDstOff+6], f.DstMAC)
	copy(buf[ethSrcOff:ethSrcOff+6], f.SrcMAC)
	binary.BigEndian.PutUint16(buf[ethTypeOff:], uint16(EtherTypeARP))

	binary.BigEndian.PutUint16(buf[arpHTypeOff:], uint16(HardwareTypeEthernet))
	binary.BigEndian.PutUint16(buf[arpPTypeOff:], uint16(ProtocolTypeIPv4))
	buf[arpHLenOff] = 6
	buf[arpPLenOff] = 4
	binary.BigEndian.PutUint16(buf[arpOperOff:], uint16(f.Operation))

	copy(buf[arpSHAOff:arpSHAOff+6], f.SHA)
	copy(buf[arpSPAOff:arpSPAOff+4], to4(f.SPA))
	copy(buf[arpTHAOff:arpTHAOff+6], f.THA)
	copy(buf[arpTPAOff:arpTPAOff+4], to4(f.TPA))

	return buf
}

// Decode parses an Ethernet-framed ARP packet. It rejects anything that
// is not Ethernet/IPv4 ARP with the expected address lengths — the kernel
// filter is expected to have already discarded most of that traffic, but
// dispatch must not trust it blindly.
func Decode(data []byte) (*Frame, error) {
	if len(data) < FrameLen {
		return nil, fmt.Errorf("acdwire: frame too short: %d bytes (want >= %d)", len(data), FrameLen)
	}

	if EtherType(binary.BigEndian.Uint16(data[ethTypeOff:])) != EtherTypeARP {
		return nil, fmt.Errorf("acdwire: not an ARP frame")
	}
	if HardwareType(binary.BigEndian.Uint16(data[arpHTypeOff:])) != HardwareTypeEthernet {
		return nil, fmt.Errorf("acdwire: unsupported hardware type")
	}
	if ProtocolType(binary.BigEndian.Uint16(data[arpPTypeOff:])) != ProtocolTypeIPv4 {
		return nil, fmt.Errorf("acdwire: unsupported protocol type")
	}
	if data[arpHLenOff] != 6 || data[arpPLenOff] != 4 {
		return nil, fmt.Errorf("acdwire: unexpected address lengths")
	}

	f := &Frame{
		DstMAC:    append(net.HardwareAddr(nil), data[ethDstOff:ethDstOff+6]...),
		SrcMAC:    append(net.HardwareAddr(nil), data[ethSrcOff:ethSrcOff+6]...),
		HType:     HardwareTypeEthernet,
		PType:     ProtocolTypeIPv4,
		Operation: Operation(binary.BigEndian.Uint16(data[arpOperOff:])),
		SHA:       append(net.HardwareAddr(nil), data[arpSHAOff:arpSHAOff+6]...),
		SPA:       net.IPv4(data[arpSPAOff], data[arpSPAOff+1], data[arpSPAOff+2], data[arpSPAOff+3]),
		THA:       append(net.HardwareAddr(nil), data[arpTHAOff:arpTHAOff+6]...),
		TPA:       net.IPv4(data[arpTPAOff], data[arpTPAOff+1], data[arpTPAOff+2], data[arpTPAOff+3]),
	}
	return f, nil
}

// BuildRequest builds a broadcast ARP request: a probe packet when spa is
// nil/zero (SPA = 0.0.0.0), or a gratuitous announcement/defense when
// spa equals tpa.
func BuildRequest(srcMAC net.HardwareAddr, spa, tpa net.IP) *Frame {
	sender := spa
	if sender == nil {
		sender = net.IPv4zero
	}
	return &Frame{
		DstMAC:    BroadcastMAC,
		SrcMAC:    srcMAC,
		HType:     HardwareTypeEthernet,
		PType:     ProtocolTypeIPv4,
		Operation: OperationRequest,
		SHA:       srcMAC,
		SPA:       sender,
		THA:       ZeroMAC,
		TPA:       tpa,
	}
}

func to4(ip net.IP) net.IP {
	if ip == nil {
		return net.IPv4zero.To4()
	}
	v4 := ip.To4()
	if v4 == nil {
		return net.IPv4zero.To4()
	}
	return v4
}
