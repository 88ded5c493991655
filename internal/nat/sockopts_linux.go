//go:build linux

package nat

import (
	"errors"
	"net/netip"

	"golang.org/x/sys/unix"
)

// platformSockets is the Linux implementation of platform, built directly
// on golang.org/x/sys/unix the way internal/fwmark_linux.go reaches past
// net.Conn for raw socket options — the engine needs non-blocking connect
// with SO_ERROR polling and a shared raw ICMP socket, neither of which
// net.Dialer exposes.
type platformSockets struct {
	mark int
}

func newPlatformSockets(mark uint32) platform { return platformSockets{mark: int(mark)} }

func sockaddrOf(dst netip.AddrPort) unix.Sockaddr {
	a4 := dst.Addr().As4()
	return &unix.SockaddrInet4{Port: int(dst.Port()), Addr: a4}
}

func (p platformSockets) dialTCP(dst netip.AddrPort) (int, connectOutcome, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err != nil {
		return -1, 0, err
	}
	if err := setSocketMark(fd, p.mark); err != nil {
		unix.Close(fd)
		return -1, 0, err
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, 0, err
	}
	err = unix.Connect(fd, sockaddrOf(dst))
	if err == nil {
		return fd, connectDone, nil
	}
	if errors.Is(err, unix.EINPROGRESS) {
		return fd, connectInProgress, nil
	}
	unix.Close(fd)
	return -1, 0, err
}

func (platformSockets) tcpSoError(fd int) error {
	errno, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if errno != 0 {
		return unix.Errno(errno)
	}
	return nil
}

func (platformSockets) setBlocking(fd int) error {
	return unix.SetNonblock(fd, false)
}

func (p platformSockets) dialUDP(dst netip.AddrPort) (int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, unix.IPPROTO_UDP)
	if err != nil {
		return -1, err
	}
	if err := setSocketMark(fd, p.mark); err != nil {
		unix.Close(fd)
		return -1, err
	}
	if err := unix.Connect(fd, sockaddrOf(dst)); err != nil {
		unix.Close(fd)
		return -1, err
	}
	return fd, nil
}

func (platformSockets) newICMPSocket() (int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_RAW, unix.IPPROTO_ICMP)
	if err != nil {
		return -1, err
	}
	return fd, nil
}

func (platformSockets) read(fd int, buf []byte) (int, error) {
	return unix.Read(fd, buf)
}

func (platformSockets) write(fd int, buf []byte) (int, error) {
	return unix.Write(fd, buf)
}

func (platformSockets) writeTo(fd int, buf []byte, dst netip.AddrPort) (int, error) {
	if err := unix.Sendto(fd, buf, 0, sockaddrOf(dst)); err != nil {
		return 0, err
	}
	return len(buf), nil
}

func (platformSockets) close(fd int) error {
	return unix.Close(fd)
}

func (platformSockets) isConnRefusedResetOrAborted(err error) bool {
	return errors.Is(err, unix.ECONNREFUSED) ||
		errors.Is(err, unix.ECONNRESET) ||
		errors.Is(err, unix.ECONNABORTED) ||
		errors.Is(err, unix.EPIPE)
}
