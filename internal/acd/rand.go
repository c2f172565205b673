package acd

import (
	"crypto/rand"
	"encoding/binary"
	mathrand "math/rand"
)

// newJitterSource returns a PRNG seeded from a nondeterministic source.
// No cryptographic strength is required — only statistical decorrelation
// between probes sharing a host, so each context seeds once at creation
// and reuses the same generator for every scheduling decision.
func newJitterSource() *mathrand.Rand {
	var seed [8]byte
	if _, err := rand.Read(seed[:]); err != nil {
		// crypto/rand failing is effectively unheard of on a Linux host;
		// fall back to a fixed seed rather than fail context creation.
		binary.BigEndian.PutUint64(seed[:], 0x5eed5eed5eed5eed)
	}
	return mathrand.New(mathrand.NewSource(int64(binary.BigEndian.Uint64(seed[:]))))
}
