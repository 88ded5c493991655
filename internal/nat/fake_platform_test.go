package nat

import (
	"bytes"
	"errors"
	"net/netip"
)

// fakeSocket is an in-memory stand-in for an OS socket: readBuf holds bytes
// queued for the next read() (simulating "the server sent this"), and
// writes land in writeLog for assertions (simulating "we sent this to the
// server").
type fakeSocket struct {
	readBuf  bytes.Buffer
	writeLog [][]byte
	closed   bool
}

// fakePlatform implements the platform seam purely in memory so packet-
// handling logic can be exercised deterministically without real sockets.
type fakePlatform struct {
	nextFd int
	socks  map[int]*fakeSocket

	tcpOutcome connectOutcome
	dialErr    error

	icmpSock *fakeSocket
	icmpFd   int
	icmpSent []icmpSend
}

type icmpSend struct {
	payload []byte
	dst     netip.AddrPort
}

func newFakePlatform() *fakePlatform {
	return &fakePlatform{
		nextFd:     3,
		socks:      make(map[int]*fakeSocket),
		tcpOutcome: connectDone,
	}
}

func (p *fakePlatform) alloc() (int, *fakeSocket) {
	fd := p.nextFd
	p.nextFd++
	s := &fakeSocket{}
	p.socks[fd] = s
	return fd, s
}

func (p *fakePlatform) dialTCP(netip.AddrPort) (int, connectOutcome, error) {
	if p.dialErr != nil {
		return -1, 0, p.dialErr
	}
	fd, _ := p.alloc()
	return fd, p.tcpOutcome, nil
}

func (p *fakePlatform) tcpSoError(fd int) error { return nil }

func (p *fakePlatform) setBlocking(fd int) error { return nil }

func (p *fakePlatform) dialUDP(netip.AddrPort) (int, error) {
	if p.dialErr != nil {
		return -1, p.dialErr
	}
	fd, _ := p.alloc()
	return fd, nil
}

func (p *fakePlatform) newICMPSocket() (int, error) {
	fd, s := p.alloc()
	p.icmpFd = fd
	p.icmpSock = s
	return fd, nil
}

func (p *fakePlatform) read(fd int, buf []byte) (int, error) {
	s, ok := p.socks[fd]
	if !ok {
		return 0, errors.New("fake: bad fd")
	}
	// Mimic the real recv()/read() syscall convention: EOF is (0, nil),
	// not io.EOF (bytes.Buffer.Read follows the io.Reader convention and
	// would otherwise report io.EOF here).
	if s.readBuf.Len() == 0 {
		return 0, nil
	}
	return s.readBuf.Read(buf)
}

func (p *fakePlatform) write(fd int, buf []byte) (int, error) {
	s, ok := p.socks[fd]
	if !ok {
		return 0, errors.New("fake: bad fd")
	}
	cp := append([]byte(nil), buf...)
	s.writeLog = append(s.writeLog, cp)
	return len(buf), nil
}

func (p *fakePlatform) writeTo(fd int, buf []byte, dst netip.AddrPort) (int, error) {
	cp := append([]byte(nil), buf...)
	p.icmpSent = append(p.icmpSent, icmpSend{payload: cp, dst: dst})
	return len(buf), nil
}

func (p *fakePlatform) close(fd int) error {
	if s, ok := p.socks[fd]; ok {
		s.closed = true
	}
	return nil
}

func (p *fakePlatform) isConnRefusedResetOrAborted(err error) bool { return false }

// recordingCallbacks captures every frame handed to SendClient, in order.
type recordingCallbacks struct {
	NoopCallbacks
	sent   [][]byte
	closed []*Flow
}

func (r *recordingCallbacks) SendClient(pkt []byte, f *Flow) error {
	r.sent = append(r.sent, append([]byte(nil), pkt...))
	return nil
}

func (r *recordingCallbacks) OnConnectionClose(f *Flow) {
	r.closed = append(r.closed, f)
}
