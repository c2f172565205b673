package acd

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// rawSocket is the production frameSocket: an AF_PACKET/SOCK_RAW socket
// bound to one interface, with its own epoll instance combining the
// socket fd and a Linux timerfd into the single readiness handle Context
// exposes through GetFD (§10.3).
type rawSocket struct {
	fd      int
	timerFD int
	epollFD int
}

// newRawSocket opens and binds the raw socket for ifindex, and wires up
// the epoll/timerfd pair backing Context's readiness handle.
func newRawSocket(ifindex int) (*rawSocket, error) {
	fd, err := unix.Socket(unix.AF_PACKET, unix.SOCK_RAW, htons(unix.ETH_P_ARP))
	if err != nil {
		return nil, fmt.Errorf("%w: open AF_PACKET socket: %v", ErrResourceExhausted, err)
	}

	addr := &unix.SockaddrLinklayer{
		Protocol: htons(unix.ETH_P_ARP),
		Ifindex:  ifindex,
	}
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("%w: bind AF_PACKET socket: %v", ErrResourceExhausted, err)
	}

	timerFD, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_NONBLOCK)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("%w: create timerfd: %v", ErrResourceExhausted, err)
	}

	epollFD, err := unix.EpollCreate1(0)
	if err != nil {
		unix.Close(timerFD)
		unix.Close(fd)
		return nil, fmt.Errorf("%w: create epoll instance: %v", ErrResourceExhausted, err)
	}

	for _, watched := range []int{fd, timerFD} {
		ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(watched)}
		if err := unix.EpollCtl(epollFD, unix.EPOLL_CTL_ADD, watched, &ev); err != nil {
			unix.Close(epollFD)
			unix.Close(timerFD)
			unix.Close(fd)
			return nil, fmt.Errorf("%w: register fd with epoll: %v", ErrResourceExhausted, err)
		}
	}

	return &rawSocket{fd: fd, timerFD: timerFD, epollFD: epollFD}, nil
}

// FD returns the epoll instance's fd — the single readiness handle
// Context.GetFD hands back to the caller.
func (s *rawSocket) FD() int { return s.epollFD }

// ArmTimer schedules the timerfd to fire once after d. A zero d disarms
// it; a negative d is rejected by the kernel.
func (s *rawSocket) ArmTimer(d unix.Timespec) error {
	spec := unix.ItimerSpec{Value: d}
	return unix.TimerfdSettime(s.timerFD, 0, &spec, nil)
}

// DrainTimer consumes the timerfd's expiration counter so epoll stops
// reporting it readable until it's next armed.
func (s *rawSocket) DrainTimer() {
	var buf [8]byte
	_, _ = unix.Read(s.timerFD, buf[:])
}

func (s *rawSocket) Send(frame []byte) error {
	_, err := unix.Write(s.fd, frame)
	if err != nil {
		return fmt.Errorf("%w: %v", errDropped, err)
	}
	return nil
}

func (s *rawSocket) Recv() ([]byte, bool, error) {
	buf := make([]byte, 2048)
	n, _, err := unix.Recvfrom(s.fd, buf, unix.MSG_DONTWAIT)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return nil, false, nil
		}
		return nil, false, err
	}
	return buf[:n], true, nil
}

func (s *rawSocket) Close() error {
	err1 := unix.Close(s.epollFD)
	err2 := unix.Close(s.timerFD)
	err3 := unix.Close(s.fd)
	for _, err := range []error{err1, err2, err3} {
		if err != nil {
			return err
		}
	}
	return nil
}

func htons(v uint16) uint16 {
	return (v<<8)&0xff00 | v>>8
}

// interfaceHardwareAddr reads the MAC address of the named interface,
// used by callers building the Context for that interface.
func interfaceHardwareAddr(name string) (net.HardwareAddr, int, error) {
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: lookup interface %q: %v", ErrInvalidArgument, name, err)
	}
	return iface.HardwareAddr, iface.Index, nil
}
