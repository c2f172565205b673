package acdwire

import (
	"net"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	srcMAC := net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
	tpa := net.IPv4(192, 0, 2, 10)

	f := BuildRequest(srcMAC, nil, tpa)
	data := f.Encode()

	if len(data) != FrameLen {
		t.Fatalf("Encode produced %d bytes, want %d", len(data), FrameLen)
	}

	decoded, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode error: %v", err)
	}

	if decoded.Operation != OperationRequest {
		t.Errorf("Operation = %v, want %v", decoded.Operation, OperationRequest)
	}
	if !decoded.SPA.Equal(net.IPv4zero) {
		t.Errorf("SPA = %v, want 0.0.0.0", decoded.SPA)
	}
	if !decoded.TPA.Equal(tpa) {
		t.Errorf("TPA = %v, want %v", decoded.TPA, tpa)
	}
	if decoded.SHA.String() != srcMAC.String() {
		t.Errorf("SHA = %v, want %v", decoded.SHA, srcMAC)
	}
	if decoded.THA.String() != ZeroMAC.String() {
		t.Errorf("THA = %v, want zero", decoded.THA)
	}
}

func TestBuildRequestGratuitous(t *testing.T) {
	srcMAC := net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x02}
	ip := net.IPv4(192, 0, 2, 20)

	f := BuildRequest(srcMAC, ip, ip)
	if !f.SPA.Equal(ip) || !f.TPA.Equal(ip) {
		t.Fatalf("gratuitous request SPA/TPA = %v/%v, want both %v", f.SPA, f.TPA, ip)
	}
}

func TestDecodeRejectsShortFrame(t *testing.T) {
	if _, err := Decode(make([]byte, 10)); err == nil {
		t.Fatal("Decode accepted a too-short frame")
	}
}

func TestDecodeRejectsNonARP(t *testing.T) {
	data := make([]byte, FrameLen)
	// EtherType left as zero, not 0x0806.
	if _, err := Decode(data); err == nil {
		t.Fatal("Decode accepted a non-ARP EtherType")
	}
}
