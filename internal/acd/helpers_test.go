package acd

import (
	"net"
	"testing"
)

func newTestContext(t *testing.T) (*Context, *fakeSocket, *fakeFilter) {
	t.Helper()
	sock := &fakeSocket{}
	filter := newFakeFilter()
	c, err := New(1, net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}, sock, filter)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c.jitterSource = fixedJitter{}
	return c, sock, filter
}
