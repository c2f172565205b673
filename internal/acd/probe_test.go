package acd

import (
	"net"
	"testing"
)

func mustProbe(t *testing.T, c *Context, ip net.IP, timeoutMs uint64) *Probe {
	t.Helper()
	p, err := c.NewProbe(ip, timeoutMs)
	if err != nil {
		t.Fatalf("NewProbe: %v", err)
	}
	return p
}

func TestProbeReadyAfterThreeProbesNoConflict(t *testing.T) {
	c, sock, _ := newTestContext(t)
	p := mustProbe(t, c, net.IPv4(192, 168, 1, 10), 3000)

	for i := 0; i < probeNum; i++ {
		p.handleProbingTimeout()
	}
	if len(sock.sent) != probeNum {
		t.Fatalf("sent %d probe frames, want %d", len(sock.sent), probeNum)
	}
	if p.state != stateProbing {
		t.Fatalf("state = %s, want Probing before the final timeout", p.state)
	}

	p.handleProbingTimeout()
	if p.state != stateConfiguring {
		t.Fatalf("state = %s, want Configuring", p.state)
	}

	ev, ok := c.PopEvent()
	if !ok {
		t.Fatal("expected a queued event")
	}
	if ev.Kind != EventReady {
		t.Fatalf("event kind = %s, want READY", ev.Kind)
	}
	if ev.Probe != p {
		t.Fatal("event probe does not match")
	}
}

func TestProbeZeroTimeoutSkipsProbing(t *testing.T) {
	c, sock, _ := newTestContext(t)
	p := mustProbe(t, c, net.IPv4(192, 168, 1, 11), 0)

	p.handleProbingTimeout()
	if len(sock.sent) != 0 {
		t.Fatalf("sent %d frames, want 0 for an immediate Ready", len(sock.sent))
	}
	ev, ok := c.PopEvent()
	if !ok || ev.Kind != EventReady {
		t.Fatalf("got event %+v, ok=%v, want an immediate READY", ev, ok)
	}
}

func TestProbePacketDuringProbingIsUsed(t *testing.T) {
	c, _, _ := newTestContext(t)
	ip := net.IPv4(192, 168, 1, 12)
	p := mustProbe(t, c, ip, 3000)

	sender := net.HardwareAddr{0x00, 0x11, 0x22, 0x33, 0x44, 0x55}
	p.handlePacket(true, 2, sender)

	if p.state != stateFailed {
		t.Fatalf("state = %s, want Failed", p.state)
	}
	ev, ok := c.PopEvent()
	if !ok || ev.Kind != EventUsed {
		t.Fatalf("got event %+v, ok=%v, want USED", ev, ok)
	}
	if ev.Sender.String() != sender.String() {
		t.Fatalf("event sender = %v, want %v", ev.Sender, sender)
	}
}

func TestProbePacketDuringConfiguringIsIgnored(t *testing.T) {
	c, _, _ := newTestContext(t)
	ip := net.IPv4(192, 168, 1, 13)
	p := mustProbe(t, c, ip, 0)
	p.handleProbingTimeout() // -> Configuring, Ready queued
	c.PopEvent()

	p.handlePacket(true, 2, net.HardwareAddr{0, 0, 0, 0, 0, 1})
	if p.state != stateConfiguring {
		t.Fatalf("state = %s, want Configuring unaffected", p.state)
	}
	if _, ok := c.PopEvent(); ok {
		t.Fatal("expected no event from a packet seen while Configuring")
	}
}

func TestProbeSoftConflictDuringAnnouncingIsIgnored(t *testing.T) {
	c, sock, _ := newTestContext(t)
	ip := net.IPv4(192, 168, 1, 14)
	p := mustProbe(t, c, ip, 0)
	p.handleProbingTimeout()
	c.PopEvent()
	if err := p.Announce(DefenseNever); err != nil {
		t.Fatalf("Announce: %v", err)
	}
	sock.sent = nil

	p.handlePacket(false, 1, net.HardwareAddr{0, 0, 0, 0, 0, 2})
	if p.state != stateAnnouncing {
		t.Fatalf("state = %s, want Announcing unaffected by a soft conflict", p.state)
	}
	if _, ok := c.PopEvent(); ok {
		t.Fatal("expected no event from a soft conflict while Announcing")
	}
}

func TestProbeHardConflictNeverDefenseFails(t *testing.T) {
	c, _, _ := newTestContext(t)
	ip := net.IPv4(192, 168, 1, 15)
	p := mustProbe(t, c, ip, 0)
	p.handleProbingTimeout()
	c.PopEvent()
	if err := p.Announce(DefenseNever); err != nil {
		t.Fatalf("Announce: %v", err)
	}

	p.handlePacket(true, 2, net.HardwareAddr{0, 0, 0, 0, 0, 3})
	if p.state != stateFailed {
		t.Fatalf("state = %s, want Failed", p.state)
	}
	ev, ok := c.PopEvent()
	if !ok || ev.Kind != EventConflict {
		t.Fatalf("got event %+v, ok=%v, want CONFLICT", ev, ok)
	}
}

func TestProbeHardConflictOnceDefendsThenFails(t *testing.T) {
	c, sock, _ := newTestContext(t)
	ip := net.IPv4(192, 168, 1, 16)
	p := mustProbe(t, c, ip, 0)
	p.handleProbingTimeout()
	c.PopEvent()
	if err := p.Announce(DefenseOnce); err != nil {
		t.Fatalf("Announce: %v", err)
	}
	sock.sent = nil

	sender := net.HardwareAddr{0, 0, 0, 0, 0, 4}
	p.handlePacket(true, 2, sender)
	if p.state != stateAnnouncing {
		t.Fatalf("state after first hard conflict = %s, want Announcing (defended)", p.state)
	}
	ev, ok := c.PopEvent()
	if !ok || ev.Kind != EventDefended {
		t.Fatalf("got event %+v, ok=%v, want DEFENDED", ev, ok)
	}
	if len(sock.sent) != 1 {
		t.Fatalf("sent %d defense frames, want 1", len(sock.sent))
	}

	p.handlePacket(true, 2, sender)
	if p.state != stateFailed {
		t.Fatalf("state after second hard conflict = %s, want Failed", p.state)
	}
	ev, ok = c.PopEvent()
	if !ok || ev.Kind != EventConflict {
		t.Fatalf("got event %+v, ok=%v, want CONFLICT", ev, ok)
	}
}

func TestProbeHardConflictAlwaysKeepsDefending(t *testing.T) {
	c, sock, _ := newTestContext(t)
	ip := net.IPv4(192, 168, 1, 17)
	p := mustProbe(t, c, ip, 0)
	p.handleProbingTimeout()
	c.PopEvent()
	if err := p.Announce(DefenseAlways); err != nil {
		t.Fatalf("Announce: %v", err)
	}
	sock.sent = nil

	sender := net.HardwareAddr{0, 0, 0, 0, 0, 5}
	for i := 0; i < 3; i++ {
		p.handlePacket(true, 2, sender)
		if p.state != stateAnnouncing {
			t.Fatalf("iteration %d: state = %s, want Announcing", i, p.state)
		}
	}
	// Only the first is rate-limit-eligible to actually transmit; the
	// others arrive within defendInterval and are absorbed without a
	// defensive send.
	if len(sock.sent) != 1 {
		t.Fatalf("sent %d defense frames, want 1 (rate limited)", len(sock.sent))
	}
}

func TestProbeAnnounceRejectsUnknownPolicy(t *testing.T) {
	c, _, _ := newTestContext(t)
	p := mustProbe(t, c, net.IPv4(192, 168, 1, 18), 0)
	p.handleProbingTimeout()
	c.PopEvent()

	if err := p.Announce(DefensePolicy(99)); err == nil {
		t.Fatal("expected an error for an unknown defense policy")
	}
}

func TestNewProbeRejectsZeroAddress(t *testing.T) {
	c, _, _ := newTestContext(t)
	if _, err := c.NewProbe(net.IPv4zero, 1000); err == nil {
		t.Fatal("expected an error for the zero address")
	}
}

func TestProbeFreeDropsQueuedEvents(t *testing.T) {
	c, _, _ := newTestContext(t)
	p := mustProbe(t, c, net.IPv4(192, 168, 1, 19), 0)
	p.handleProbingTimeout()

	p.Free()
	if _, ok := c.PopEvent(); ok {
		t.Fatal("expected Free to drop the probe's queued events")
	}
}
