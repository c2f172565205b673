package acd

import (
	"fmt"
	"net"
	"time"

	"github.com/athena-acd/athena-acd/pkg/acdwire"
	"golang.org/x/sys/unix"
)

// Timestamp is a monotonic offset from a Context's creation, expressed in
// the same units as time.Duration. It exists as a distinct type so timer
// arithmetic can't accidentally mix with wall-clock time.Duration values
// without an explicit conversion.
type Timestamp time.Duration

// jitterSource is the subset of *math/rand.Rand the engine needs, broken
// out so tests can substitute a deterministic source.
type jitterSource interface {
	Int63n(n int64) int64
}

// frameSocket is the raw-socket collaborator a Context drives. The
// production implementation (socket.go) wraps an AF_PACKET/SOCK_RAW fd;
// tests substitute an in-memory fake.
type frameSocket interface {
	// Send transmits an encoded Ethernet+ARP frame. A returned error is
	// always treated as a dropped packet, never as fatal to the context.
	Send(frame []byte) error
	// Recv returns the next available frame, or (nil, false, nil) if none
	// is currently queued. An error is fatal to the context.
	Recv() (frame []byte, ok bool, err error)
	// Close releases the underlying fd.
	Close() error
}

// kernelFilter is the collaborator maintaining the kernel-side hash-map
// classifier described in SPEC_FULL.md §4.3/§10.2.
type kernelFilter interface {
	// Add admits ip into the kernel-accepted set, growing the backing map
	// if it's at capacity.
	Add(ip net.IP) error
	// Remove evicts ip from the kernel-accepted set.
	Remove(ip net.IP) error
	Close() error
}

// Context multiplexes one network interface's raw socket, kernel packet
// filter, and the IP-indexed set of Probes running against it. All
// methods are single-threaded: a Context and its Probes must only ever
// be touched from one goroutine, the one driving Dispatch.
type Context struct {
	ifindex  int
	localMAC net.HardwareAddr

	sock   frameSocket
	filter kernelFilter

	ipIndex map[uint32][]*Probe
	events  eventQueue
	timers  timerHeap

	jitterSource jitterSource
	created      time.Time

	preempted bool

	conflicts      int
	conflictWindow Timestamp
}

// New creates a Context bound to the interface identified by ifindex,
// using localMAC to recognize and discard the host's own transmissions
// reflected back by the kernel (§4.1).
func New(ifindex int, localMAC net.HardwareAddr, sock frameSocket, filter kernelFilter) (*Context, error) {
	if ifindex <= 0 {
		return nil, fmt.Errorf("%w: ifindex must be positive", ErrInvalidArgument)
	}
	if len(localMAC) != 6 {
		return nil, fmt.Errorf("%w: localMAC must be a 6-byte hardware address", ErrInvalidArgument)
	}

	return &Context{
		ifindex:      ifindex,
		localMAC:     append(net.HardwareAddr(nil), localMAC...),
		sock:         sock,
		filter:       filter,
		ipIndex:      make(map[uint32][]*Probe),
		jitterSource: newJitterSource(),
		created:      time.Now(),
	}, nil
}

// NewForInterface opens a Context bound to the named network interface,
// wiring up the production raw-socket transport and eBPF kernel filter
// (§10.3). This is the entry point callers outside this package use;
// New itself stays reachable for tests that substitute fakes.
func NewForInterface(name string) (*Context, error) {
	localMAC, ifindex, err := interfaceHardwareAddr(name)
	if err != nil {
		return nil, err
	}

	sock, err := newRawSocket(ifindex)
	if err != nil {
		return nil, err
	}

	filter, err := newKernelFilter(sock.fd, localMAC)
	if err != nil {
		sock.Close()
		return nil, err
	}

	ctx, err := New(ifindex, localMAC, sock, filter)
	if err != nil {
		filter.Close()
		sock.Close()
		return nil, err
	}
	return ctx, nil
}

// GetFD returns the readiness handle the caller should poll (epoll, in
// the production socket implementation) to know when Dispatch has work.
// Contexts built with a fake socket for tests return -1.
func (c *Context) GetFD() int {
	type fder interface{ FD() int }
	if f, ok := c.sock.(fder); ok {
		return f.FD()
	}
	return -1
}

// now returns a Timestamp for the current instant, monotonic relative to
// the Context's creation.
func (c *Context) now() Timestamp {
	return Timestamp(time.Since(c.created))
}

// timerArmer is implemented by sockets that back GetFD with a real
// kernel timer (rawSocket's timerfd); fakes used in tests skip it.
type timerArmer interface {
	ArmTimer(unix.Timespec) error
}

// rearmTimer reprograms the socket's kernel timer source to fire at the
// context's earliest scheduled expiry, satisfying invariant 4 ("the
// context's kernel timer source fires no later than the earliest
// scheduled expiry"). A no-op for sockets with no real timer.
func (c *Context) rearmTimer() {
	armer, ok := c.sock.(timerArmer)
	if !ok {
		return
	}
	expiry, ok := c.earliestExpiry()
	if !ok {
		_ = armer.ArmTimer(unix.Timespec{})
		return
	}
	delay := time.Duration(expiry - c.now())
	if delay <= 0 {
		// A zero timerfd value disarms it; fire as soon as possible instead.
		delay = time.Nanosecond
	}
	_ = armer.ArmTimer(unix.NsecToTimespec(delay.Nanoseconds()))
}

func ipKey(ip net.IP) uint32 {
	ip4 := ip.To4()
	return uint32(ip4[0])<<24 | uint32(ip4[1])<<16 | uint32(ip4[2])<<8 | uint32(ip4[3])
}

// linkProbe admits p into the context's IP index and kernel filter.
func (c *Context) linkProbe(p *Probe) error {
	if err := c.filter.Add(p.ip); err != nil {
		return fmt.Errorf("%w: kernel filter: %v", ErrResourceExhausted, err)
	}
	key := ipKey(p.ip)
	c.ipIndex[key] = append(c.ipIndex[key], p)
	return nil
}

// unlinkProbe removes p from the context's IP index, dropping the
// kernel-filter entry once no other probe on this context still needs it.
func (c *Context) unlinkProbe(p *Probe) {
	key := ipKey(p.ip)
	probes := c.ipIndex[key]
	for i, q := range probes {
		if q == p {
			probes = append(probes[:i], probes[i+1:]...)
			break
		}
	}
	if len(probes) == 0 {
		delete(c.ipIndex, key)
		_ = c.filter.Remove(p.ip)
	} else {
		c.ipIndex[key] = probes
	}
}

// raise enqueues an event for delivery via PopEvent, applying the
// context-wide conflict rate limit (invariant: more than maxConflicts
// Conflict/Used events within rateLimitInterval brings the link itself
// into question, and the context goes Down rather than keep thrashing).
func (c *Context) raise(p *Probe, kind EventKind, operation uint16, sender net.HardwareAddr) {
	if kind == EventConflict || kind == EventUsed {
		now := c.now()
		if now-c.conflictWindow > Timestamp(rateLimitInterval) {
			c.conflictWindow = now
			c.conflicts = 0
		}
		c.conflicts++
		if c.conflicts > maxConflicts {
			c.preempted = true
			c.events.push(Event{Kind: EventDown})
			return
		}
	}

	c.events.push(Event{Kind: kind, Probe: p, Operation: operation, Sender: sender})
}

// PopEvent removes and returns the oldest pending event. ok is false if
// the queue is empty.
func (c *Context) PopEvent() (Event, bool) {
	return c.events.pop()
}

// send transmits an ARP frame for the given target/sender protocol
// addresses (spa nil means 0.0.0.0, a probe). On a preempted context it
// returns ErrPreempted without sending; otherwise a non-nil error means
// the packet was dropped at send time (errDropped wrapped). Neither is
// fatal to the context, matching send-failure handling in the
// probe/announce timeout paths.
func (c *Context) send(tpa, spa net.IP) error {
	if c.preempted {
		return ErrPreempted
	}
	frame := acdwire.BuildRequest(c.localMAC, spa, tpa)
	if err := c.sock.Send(frame.Encode()); err != nil {
		return fmt.Errorf("%w: %v", errDropped, err)
	}
	return nil
}

// Dispatch processes all currently-ready work: expired timers and queued
// inbound frames. It should be called whenever the fd returned by GetFD
// becomes readable. Safe to call when nothing is ready (a no-op).
func (c *Context) Dispatch() error {
	if c.preempted {
		return ErrPreempted
	}

	type timerDrainer interface{ DrainTimer() }
	if d, ok := c.sock.(timerDrainer); ok {
		d.DrainTimer()
	}

	for {
		expiry, ok := c.earliestExpiry()
		if !ok || expiry > c.now() {
			break
		}
		p := c.timers[0]
		c.unscheduleProbe(p)
		p.handleTimeout()
	}

	for {
		raw, ok, err := c.sock.Recv()
		if err != nil {
			c.preempted = true
			c.events.push(Event{Kind: EventDown})
			return fmt.Errorf("acd: socket failure: %w", err)
		}
		if !ok {
			break
		}
		c.dispatchFrame(raw)
	}

	return nil
}

// dispatchFrame classifies one inbound frame and routes it to every
// probe watching its target/sender protocol address, per §4.1/§4.2.
func (c *Context) dispatchFrame(raw []byte) {
	frame, err := acdwire.Decode(raw)
	if err != nil {
		return
	}
	if frame.SHA.String() == c.localMAC.String() {
		return // our own transmission, reflected back by the kernel
	}

	// A hard conflict is an announcement/reply naming our address as the
	// sender; a soft conflict is another host probing the same address
	// we're probing (sender 0.0.0.0, target == our address), per RFC 5227
	// §2.1.1's ARP-probe ambiguity.
	if probes := c.ipIndex[ipKey(frame.SPA)]; len(probes) > 0 && !frame.SPA.Equal(net.IPv4zero) {
		for _, p := range probes {
			p.handlePacket(true, uint16(frame.Operation), frame.SHA)
		}
	}
	if frame.SPA.Equal(net.IPv4zero) {
		if probes := c.ipIndex[ipKey(frame.TPA)]; len(probes) > 0 {
			for _, p := range probes {
				p.handlePacket(false, uint16(frame.Operation), frame.SHA)
			}
		}
	}
}

// Free preempts the context, closing the underlying socket and kernel
// filter. Outstanding probes are not individually notified; callers are
// expected to have already observed Down or to be tearing the whole
// context down deliberately.
func (c *Context) Free() error {
	c.preempted = true
	err1 := c.sock.Close()
	err2 := c.filter.Close()
	if err1 != nil {
		return err1
	}
	return err2
}
