package acd

import (
	"fmt"
	"net"
)

// probeState is the RFC 5227 state machine position of a Probe (§4.2).
type probeState int

const (
	stateProbing probeState = iota
	stateConfiguring
	stateAnnouncing
	stateFailed
)

func (s probeState) String() string {
	switch s {
	case stateProbing:
		return "Probing"
	case stateConfiguring:
		return "Configuring"
	case stateAnnouncing:
		return "Announcing"
	case stateFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// DefensePolicy selects how a Probe reacts to a hard conflict once it has
// moved into Announcing.
type DefensePolicy int

const (
	// DefenseNever surfaces every hard conflict as Conflict and fails.
	DefenseNever DefensePolicy = iota
	// DefenseOnce defends a single time, then behaves like DefenseNever
	// until DEFEND_INTERVAL has elapsed since the last successful defense.
	DefenseOnce
	// DefenseAlways defends every hard conflict, throttled to at most one
	// defensive send per DEFEND_INTERVAL.
	DefenseAlways
)

func (d DefensePolicy) valid() bool {
	return d == DefenseNever || d == DefenseOnce || d == DefenseAlways
}

// Probe is a single RFC 5227 conflict-detection attempt for one IPv4
// address on a Context. Probes are single-threaded like everything else
// in this package: the owning Context drives all of a Probe's state
// transitions from Dispatch.
type Probe struct {
	ctx *Context

	ip         net.IP // always 4-byte
	multiplier uint64

	state      probeState
	iteration  int
	defense    DefensePolicy
	defended   bool
	lastDefend Timestamp

	expiry    Timestamp
	scheduled bool
	heapIndex int

	userdata any
}

// NewProbe registers a probe for ip on ctx. ip must be a non-zero IPv4
// address. timeoutMs is the maximum duration, in milliseconds, from
// creation to the first announcement opportunity; 0 requests "no active
// probing" — Ready fires on the first dispatch.
func (c *Context) NewProbe(ip net.IP, timeoutMs uint64) (*Probe, error) {
	ip4 := ip.To4()
	if ip4 == nil || ip4.Equal(net.IPv4zero) {
		return nil, fmt.Errorf("%w: probe ip must be a non-zero IPv4 address", ErrInvalidArgument)
	}

	if c.preempted {
		return nil, ErrPreempted
	}

	p := &Probe{
		ctx:        c,
		ip:         ip4,
		multiplier: multiplier(timeoutMs),
		state:      stateProbing,
		heapIndex:  -1,
	}

	if err := c.linkProbe(p); err != nil {
		return nil, err
	}

	if p.multiplier > 0 {
		p.iteration = 0
		c.scheduleProbe(p, c.now()+jitter(c.jitterSource, 0, Timestamp(scale(probeWait, p.multiplier))))
	} else {
		p.iteration = probeNum
		c.scheduleProbe(p, c.now())
	}

	return p, nil
}

// Announce transitions the probe to Announcing. It must be called in
// response to a Ready event, after the caller has configured the address
// on the interface.
func (p *Probe) Announce(defense DefensePolicy) error {
	if !defense.valid() {
		return fmt.Errorf("%w: unknown defense policy %d", ErrInvalidArgument, defense)
	}

	p.state = stateAnnouncing
	p.defense = defense
	p.iteration = 0

	// A fake zero-delay timer, since state transitions only ever happen
	// from within Dispatch.
	p.ctx.scheduleProbe(p, p.ctx.now())
	return nil
}

// Free cancels all scheduled work for p and drops its unread events.
func (p *Probe) Free() {
	p.ctx.unscheduleProbe(p)
	p.ctx.unlinkProbe(p)
	p.ctx.events.dropOwnedBy(p)
}

// SetUserdata attaches an opaque caller-owned handle to p, carried on
// every event referencing it.
func (p *Probe) SetUserdata(v any) { p.userdata = v }

// Userdata returns the handle last set by SetUserdata, or nil.
func (p *Probe) Userdata() any { return p.userdata }

// IP returns the probed address.
func (p *Probe) IP() net.IP { return p.ip }

// State reports the probe's current RFC 5227 state, mostly useful for
// tests and diagnostics — callers should drive behavior off events, not
// by polling state.
func (p *Probe) State() string { return p.state.String() }

// handleTimeout advances the state machine in response to p's scheduled
// expiry firing. Called only from Context.Dispatch.
func (p *Probe) handleTimeout() {
	switch p.state {
	case stateProbing:
		p.handleProbingTimeout()
	case stateAnnouncing:
		p.handleAnnouncingTimeout()
	case stateConfiguring, stateFailed:
		panic(fmt.Sprintf("acd: timeout fired for probe in state %s", p.state))
	}
}

func (p *Probe) handleProbingTimeout() {
	c := p.ctx

	if p.iteration < probeNum {
		dropped := c.send(p.ip, nil) != nil
		if !dropped {
			p.iteration++
		}

		if p.iteration < probeNum {
			c.scheduleProbe(p, c.now()+jitter(c.jitterSource,
				Timestamp(scale(probeMin, p.multiplier)),
				Timestamp(scale(probeMax-probeMin, p.multiplier))))
		} else {
			c.scheduleProbe(p, c.now()+Timestamp(scale(announceWait, p.multiplier)))
		}
		return
	}

	c.raise(p, EventReady, 0, nil)
	p.state = stateConfiguring
}

func (p *Probe) handleAnnouncingTimeout() {
	c := p.ctx

	dropped := c.send(p.ip, p.ip) != nil
	if !dropped {
		p.iteration++
	}

	if p.iteration < announceNum {
		c.scheduleProbe(p, c.now()+Timestamp(scale(announceInterval, nTimeoutRFC)))
	}
	// After the last announcement no further timer is scheduled; the
	// probe remains passively listening (invariant 3).
}

// handlePacket advances the state machine in response to an inbound
// frame classified as a hard or soft conflict against p's IP. Called
// only from Context.Dispatch.
func (p *Probe) handlePacket(hard bool, operation uint16, sender net.HardwareAddr) {
	c := p.ctx

	switch p.state {
	case stateProbing:
		c.raise(p, EventUsed, operation, sender)
		c.unscheduleProbe(p)
		c.unlinkProbe(p)
		p.state = stateFailed

	case stateConfiguring:
		// Neither USED nor CONFLICT can be reported here: the caller may
		// already be using the address between Ready and Announce, and
		// we must not raise a spurious conflict (§4.2).

	case stateAnnouncing:
		if !hard {
			return // soft conflicts are other peers still probing; ignore
		}
		p.handleHardConflict(operation, sender)

	case stateFailed:
		panic("acd: packet delivered to a Failed probe")
	}
}

func (p *Probe) handleHardConflict(operation uint16, sender net.HardwareAddr) {
	c := p.ctx
	now := c.now()
	rateLimited := p.defended && now < p.lastDefend+Timestamp(defendInterval)

	conflict := false

	switch p.defense {
	case DefenseNever:
		conflict = true

	case DefenseOnce:
		if rateLimited {
			conflict = true
			break
		}
		fallthrough

	case DefenseAlways:
		if !rateLimited {
			dropped := c.send(p.ip, p.ip) != nil
			if dropped && p.defense == DefenseOnce {
				conflict = true
				break
			}
			p.lastDefend = now
			p.defended = true
		}
		if !conflict {
			c.raise(p, EventDefended, operation, sender)
		}
	}

	if conflict {
		c.raise(p, EventConflict, operation, sender)
		c.unscheduleProbe(p)
		c.unlinkProbe(p)
		p.state = stateFailed
	}
}

// jitter returns base shifted forward by a uniformly random delay in
// [0, window), or exactly base when window is zero.
func jitter(src jitterSource, base, window Timestamp) Timestamp {
	if window <= 0 {
		return base
	}
	return base + Timestamp(src.Int63n(int64(window)))
}
