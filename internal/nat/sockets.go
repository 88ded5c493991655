package nat

import "net/netip"

// connectOutcome is the result of issuing a non-blocking connect (§4.4,
// §9 "non-blocking connect").
type connectOutcome int

const (
	connectDone connectOutcome = iota
	connectInProgress
)

// platform is the narrow seam the engine uses to reach real OS sockets.
// Production code gets platformSockets (sockopts_linux.go /
// sockopts_other.go); tests substitute a fake so packet-handling logic can
// be exercised without opening real sockets.
type platform interface {
	// dialTCP opens a non-blocking TCP socket and issues connect().
	dialTCP(dst netip.AddrPort) (fd int, outcome connectOutcome, err error)
	// tcpSoError reads SO_ERROR on an fd in tcp_connecting after it
	// becomes writable.
	tcpSoError(fd int) error
	// setBlocking clears O_NONBLOCK once a TCP connect completes, matching
	// the documented behavior that outbound server-bound sends happen in
	// blocking mode.
	setBlocking(fd int) error

	// dialUDP opens a connected SOCK_DGRAM socket.
	dialUDP(dst netip.AddrPort) (fd int, err error)

	// newICMPSocket opens the single process-wide raw ICMP socket.
	newICMPSocket() (fd int, err error)

	read(fd int, buf []byte) (int, error)
	write(fd int, buf []byte) (int, error)
	// writeTo is used only by the shared raw ICMP socket, which is never
	// connect()ed since it is multiplexed across every ICMP flow.
	writeTo(fd int, buf []byte, dst netip.AddrPort) (int, error)
	close(fd int) error

	// errors classification, used on TCP recv (§4.6) to decide whether a
	// failure is a clean close or is logged first; the flow is closed in
	// both cases. Async-connect and UDP failures do not consult it.
	isConnRefusedResetOrAborted(err error) bool
}
