package acd

import "net"

// fakeSocket is an in-memory frameSocket used by the engine's unit
// tests, standing in for a real AF_PACKET socket the way ARPProber's
// teacher counterpart lets its sender be swapped out when
// Available() == false.
type fakeSocket struct {
	sent    [][]byte
	inbound [][]byte
	sendErr error
}

func (f *fakeSocket) Send(frame []byte) error {
	if f.sendErr != nil {
		err := f.sendErr
		f.sendErr = nil
		return err
	}
	cp := append([]byte(nil), frame...)
	f.sent = append(f.sent, cp)
	return nil
}

func (f *fakeSocket) Recv() ([]byte, bool, error) {
	if len(f.inbound) == 0 {
		return nil, false, nil
	}
	frame := f.inbound[0]
	f.inbound = f.inbound[1:]
	return frame, true, nil
}

func (f *fakeSocket) Close() error { return nil }

func (f *fakeSocket) deliver(frame []byte) {
	f.inbound = append(f.inbound, frame)
}

// fakeFilter is an in-memory kernelFilter: it records which addresses are
// admitted (and can be made to fail Add) but filters nothing, since tests
// feed frames straight to fakeSocket.
type fakeFilter struct {
	added   map[string]bool
	failAdd bool
}

func newFakeFilter() *fakeFilter {
	return &fakeFilter{added: make(map[string]bool)}
}

func (f *fakeFilter) Add(ip net.IP) error {
	if f.failAdd {
		return errDropped
	}
	f.added[ip.String()] = true
	return nil
}

func (f *fakeFilter) Remove(ip net.IP) error {
	delete(f.added, ip.String())
	return nil
}

func (f *fakeFilter) Close() error { return nil }

// fixedJitter always returns 0, making scheduling deterministic in tests
// that don't care about jitter's exact distribution.
type fixedJitter struct{}

func (fixedJitter) Int63n(n int64) int64 { return 0 }
