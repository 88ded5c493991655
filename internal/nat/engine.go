package nat

import (
	"fmt"
	"net/netip"
	"time"
)

// EngineConfig mirrors the zero-value-defaults style of the teacher
// repo's TunConfig (internal/config.go): unset fields are filled in with
// sane defaults by NewEngine rather than requiring every caller to know
// the platform constants.
type EngineConfig struct {
	// MaxWindowSize is the window we advertise to the client on every TCP
	// segment we synthesise, capped at 65535 on the wire. Defaults to 64KiB.
	MaxWindowSize uint32

	// DisableICMP skips opening the shared raw ICMP socket. Useful when
	// the host process lacks CAP_NET_RAW and only TCP/UDP are needed.
	DisableICMP bool

	// MaxNumSockets / NumSocketsAfterPurge override the per-platform
	// capacity constants (§4.10). Zero means "use the platform default".
	MaxNumSockets        int
	NumSocketsAfterPurge int

	// Fwmark, if non-zero, is applied via SO_MARK to every TCP/UDP socket
	// the engine opens (linux only), so host routing policy can steer NAT
	// traffic independently of the process's default route.
	Fwmark uint32
}

// Engine is the NAT engine described by §2-§4. It is strictly
// single-threaded and cooperative (§5): every method must be called from
// one goroutine, with no call overlapping another.
type Engine struct {
	cb       Callbacks
	table    *table
	sockets  platform
	maxWindow uint32
	icmpFd   int // closedSock if ICMP is disabled

	replyBuf [65536]byte

	clock func() int64
}

// NewEngine allocates the engine and, unless disabled, the shared raw
// ICMP socket. ICMP socket creation failure is fatal, matching §7's
// "inability to open the ICMP raw socket at init: abort initialization".
func NewEngine(cb Callbacks, cfg EngineConfig) (*Engine, error) {
	return newEngineWithPlatform(cb, cfg, newPlatformSockets(cfg.Fwmark))
}

func newEngineWithPlatform(cb Callbacks, cfg EngineConfig, sockets platform) (*Engine, error) {
	if cb == nil {
		cb = NoopCallbacks{}
	}
	maxWindow := cfg.MaxWindowSize
	if maxWindow == 0 {
		maxWindow = 65536
	}
	maxSockets := cfg.MaxNumSockets
	if maxSockets == 0 {
		maxSockets = defaultMaxNumSockets
	}
	afterPurge := cfg.NumSocketsAfterPurge
	if afterPurge == 0 {
		afterPurge = defaultNumSocketsAfterPurge
	}

	e := &Engine{
		cb:        cb,
		sockets:   sockets,
		maxWindow: maxWindow,
		icmpFd:    closedSock,
		clock:     func() int64 { return time.Now().Unix() },
	}
	e.table = newTable(maxSockets, afterPurge, !cfg.DisableICMP)

	if !cfg.DisableICMP {
		fd, err := e.sockets.newICMPSocket()
		if err != nil {
			return nil, fmt.Errorf("nat: open raw icmp socket: %w", err)
		}
		e.icmpFd = fd
		e.table.numOpenSocks++
		e.cb.OnSocketOpen(fd)
	}

	return e, nil
}

// Close finalizes the engine: every tracked flow is closed and the ICMP
// socket (if any) is released.
func (e *Engine) Close() {
	for _, f := range e.table.byTuple {
		f.close(e)
	}
	if e.icmpFd != closedSock {
		e.sockets.close(e.icmpFd)
		e.cb.OnSocketClose(e.icmpFd)
		e.icmpFd = closedSock
		e.table.numOpenSocks--
	}
}

// SetMaxWindowSize changes the window advertised on future TCP segments.
func (e *Engine) SetMaxWindowSize(size uint32) { e.maxWindow = size }

// NumConnections returns the number of flows in the table. A CLOSED flow
// is still counted until the purge pass (or DestroyConn) destroys it.
func (e *Engine) NumConnections() int { return e.table.numActiveConns }

// Stats returns a snapshot of engine-wide counters (§6).
func (e *Engine) Stats() Stats { return e.table.stats(e.clock()) }

// IterConnections visits every non-CLOSED flow; see table.iter for the
// safe-mutation contract.
func (e *Engine) IterConnections(cb func(*Flow) bool) bool { return e.table.iter(cb) }

// DestroyConn forces immediate destruction of a flow. Unlike the
// packet-handling paths, callers of this public operation are not inside
// a callback invocation, so destroying inline here is safe.
func (e *Engine) DestroyConn(f *Flow) { e.table.destroy(e, f) }

// PurgeExpired runs the expiry and capacity-pressure eviction pass (§4.10).
func (e *Engine) PurgeExpired(now int64) { e.table.purgeExpired(e, now) }

// ParsePacket exposes the packet codec (§4.1) directly.
func (e *Engine) ParsePacket(buf []byte) (*ParsedPacket, error) { return ParsePacket(buf) }

// Lookup returns the existing flow for tuple, or — if create is true and
// OnConnectionOpen accepts — creates one. Creation runs a forced purge
// first if the socket table is already at capacity (§4.2, invariant 5).
func (e *Engine) Lookup(tuple FlowKey, create bool) *Flow {
	if f := e.table.lookup(tuple); f != nil {
		return f
	}
	if !create {
		return nil
	}

	if e.table.numOpenSocks >= e.table.maxSockets {
		e.table.purgeExpired(e, e.clock())
	}

	f := &Flow{
		tuple:  tuple,
		tstamp: e.clock(),
		sock:   closedSock,
		status: StatusNew,
		engine: e,
	}
	if f.tuple.Proto == ProtoICMP {
		f.icmp.echoID = tuple.SrcPort
	}

	if err := e.cb.OnConnectionOpen(f); err != nil {
		return nil
	}

	e.table.insert(f)
	return f
}

// Forward dispatches a parsed inbound packet to the appropriate per-
// protocol handler (§4.4, §4.7, §4.8).
func (e *Engine) Forward(p *ParsedPacket, f *Flow) error {
	return e.forward(p, f, false)
}

// ForwardOOB behaves like Forward but suppresses the client-bound ACK that
// would otherwise be synthesised for TCP data (the "no_ack" out-of-band
// mode in §9's open questions: client_seq is not advanced and no ACK is
// emitted).
func (e *Engine) ForwardOOB(p *ParsedPacket, f *Flow) error {
	return e.forward(p, f, true)
}

func (e *Engine) forward(p *ParsedPacket, f *Flow, noAck bool) error {
	// A CLOSED flow lingers in the table until the next purge pass (§4.3);
	// refuse to forward on it rather than relying on each per-protocol
	// handler to notice independently (zdtun_forward_full's top-level
	// CONN_STATUS_CLOSED guard). TCP's own switch happens to cover this
	// already, but UDP and (especially) ICMP — whose shared raw socket
	// stays open independent of any one flow's state — do not.
	if f.status == StatusClosed {
		return nil
	}

	switch p.Tuple.Proto {
	case ProtoTCP:
		return e.inboundTCP(p, f, noAck)
	case ProtoUDP:
		return e.inboundUDP(p, f)
	case ProtoICMP:
		return e.inboundICMP(p, f)
	default:
		return fmt.Errorf("nat: forward: unhandled proto %v", p.Tuple.Proto)
	}
}

// EasyForward parses buf, looks up (creating if needed) the flow, and
// forwards it. It rejects non-SYN TCP packets for unknown flows, matching
// the original's easy_forward policy.
func (e *Engine) EasyForward(buf []byte) (*Flow, error) {
	p, err := ParsePacket(buf)
	if err != nil {
		return nil, err
	}

	existing := e.table.lookup(p.Tuple)
	// A bare SYN opens a new flow; a SYN also carrying ACK cannot be a
	// legitimate opener (no flow has been established yet to ACK), so it
	// is treated the same as any other packet for an unknown flow.
	notOpener := p.TCPFlags&tcpFlagSYN == 0 || p.TCPFlags&tcpFlagACK != 0
	if existing == nil && p.Tuple.Proto == ProtoTCP && notOpener {
		return nil, fmt.Errorf("nat: easy_forward: non-SYN packet for unknown TCP flow")
	}

	f := e.Lookup(p.Tuple, true)
	if f == nil {
		return nil, fmt.Errorf("nat: easy_forward: connection rejected")
	}

	e.cb.AccountPacket(buf, false, f)
	e.table.accountBytes(p.Tuple.Proto, false, len(buf))
	if err := e.forward(p, f, false); err != nil {
		// Transient socket error on the server-bound send: caller policy
		// is to destroy the flow (§7). EasyForward is not itself inside
		// a user callback, so destroying inline here is safe.
		e.table.destroy(e, f)
		return nil, err
	}
	return f, nil
}

// Fds reports the descriptor sets the host should poll: rd for readability
// (all_fds plus the ICMP socket), wr for writability (tcp_connecting).
func (e *Engine) Fds() (rd, wr []int) {
	rd = make([]int, 0, len(e.table.allFds)+1)
	for fd := range e.table.allFds {
		rd = append(rd, fd)
	}
	if e.icmpFd != closedSock {
		rd = append(rd, e.icmpFd)
	}
	wr = make([]int, 0, len(e.table.tcpConnecting))
	for fd := range e.table.tcpConnecting {
		wr = append(wr, fd)
	}
	return rd, wr
}

// HandleFd dispatches every ready descriptor to its protocol handler and
// returns the number of sockets serviced (§4.9). rd/wr are sets (as
// membership maps) of descriptors the host's poll/select reported ready.
func (e *Engine) HandleFd(rd, wr map[int]struct{}) int {
	hits := 0

	if e.icmpFd != closedSock {
		if _, ok := rd[e.icmpFd]; ok {
			e.handleICMPReadable()
			hits++
		}
	}

	// Snapshot flows first: handlers may close/destroy flows (removing
	// them from allFds/tcpConnecting) as a side effect, and the purge
	// pass itself mutates the table — iterating the live maps here would
	// be unsafe.
	type pending struct {
		f        *Flow
		readable bool
		writable bool
	}
	var work []pending
	for fd, f := range e.table.allFds {
		if _, ok := rd[fd]; ok {
			work = append(work, pending{f: f, readable: true})
		}
	}
	for fd, f := range e.table.tcpConnecting {
		if _, ok := wr[fd]; ok {
			work = append(work, pending{f: f, writable: true})
		}
	}

	for _, w := range work {
		if w.f.status == StatusClosed {
			continue
		}
		switch {
		case w.readable && w.f.tuple.Proto == ProtoTCP:
			e.handleTCPReadable(w.f)
		case w.readable && w.f.tuple.Proto == ProtoUDP:
			e.handleUDPReadable(w.f)
		case w.writable && w.f.tuple.Proto == ProtoTCP:
			e.handleTCPConnectComplete(w.f)
		}
		hits++
	}

	return hits
}

func (e *Engine) now() int64 { return e.clock() }

func (e *Engine) addr4(ip [4]byte, port uint16) netip.AddrPort {
	return netip.AddrPortFrom(netip.AddrFrom4(ip), port)
}

// attachSocket adds fd to all_fds and the secondary index, honoring
// invariant 1 (a socket is in exactly one of all_fds / tcp_connecting).
func (e *Engine) attachSocket(f *Flow, fd int) {
	f.sock = fd
	e.table.allFds[fd] = f
}

func (e *Engine) attachConnecting(f *Flow, fd int) {
	f.sock = fd
	e.table.tcpConnecting[fd] = f
}

func (e *Engine) promoteConnecting(f *Flow) {
	delete(e.table.tcpConnecting, f.sock)
	e.table.allFds[f.sock] = f
}

// pauseReads removes a TCP flow's socket from all_fds without closing it,
// used while a pending queue is draining (invariant 4).
func (e *Engine) pauseReads(f *Flow) {
	delete(e.table.allFds, f.sock)
}

func (e *Engine) resumeReads(f *Flow) {
	e.table.allFds[f.sock] = f
}

// detachSocket closes the OS socket and removes it from every descriptor
// set, decrementing the open-socket counter (§4.3).
func (e *Engine) detachSocket(f *Flow) {
	delete(e.table.allFds, f.sock)
	delete(e.table.tcpConnecting, f.sock)
	e.sockets.close(f.sock)
	e.cb.OnSocketClose(f.sock)
	e.table.numOpenSocks--
	f.sock = closedSock
}
