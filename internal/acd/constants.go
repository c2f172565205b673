package acd

import "time"

// RFC 5227 §1.1 timing constants, expressed in microseconds. All but
// announceIntervalUsec are multiplied by the per-probe timeout multiplier
// at use time; announceIntervalUsec always uses nTimeoutRFC so announcement
// cadence stays independent of caller-supplied timeout scaling.
const (
	probeNum   = 3
	probeWait  = 111 * time.Microsecond
	probeMin   = 111 * time.Microsecond
	probeMax   = 333 * time.Microsecond
	announceNum    = 3
	announceWait     = 222 * time.Microsecond
	announceInterval = 222 * time.Microsecond

	maxConflicts      = 10
	rateLimitInterval = 60_000_000 * time.Microsecond
	defendInterval    = 10_000_000 * time.Microsecond

	// nTimeoutRFC is the fixed multiplier applied to announceInterval
	// regardless of the probe's own timeout multiplier, reproducing
	// RFC 5227's real-time announce cadence (timeout_ms=9000 == RFC time).
	nTimeoutRFC = 9000
)

// multiplier converts a caller-supplied timeout in milliseconds into the
// unitless scalar applied to the constants above: one multiplier unit is
// one microsecond of RFC-time divided by 1000.
func multiplier(timeoutMs uint64) uint64 {
	return timeoutMs
}

func scale(d time.Duration, mult uint64) time.Duration {
	return d * time.Duration(mult)
}
