package nat

// tcpSubstate holds the TCP-specific bookkeeping for a flow: sequence
// numbers (host order), window accounting, and the pending send queue used
// when the client-advertised window is exhausted.
type tcpSubstate struct {
	clientSeq  uint32 // next byte number we expect from the client
	zdtunSeq   uint32 // next byte number we will emit to the client
	windowSize uint16 // client window minus in-flight bytes; wire-width, like the client's own th_win
	finAckSent bool

	pending      []byte
	pendingSofar int
}

func (t *tcpSubstate) hasPending() bool { return len(t.pending) > 0 }

type icmpSubstate struct {
	echoID  uint16
	echoSeq uint16
}

// Flow is a single NAT conversation. Its tuple is immutable after
// insertion; every other field may change over the flow's lifetime. Flow
// methods are not safe for concurrent use — see package doc.
type Flow struct {
	tuple  FlowKey
	tstamp int64 // last-activity epoch seconds
	sock   int   // OS socket fd, or closedSock
	status Status

	hasDNAT  bool
	dnatIP   [4]byte
	dnatPort uint16

	tcp  tcpSubstate
	icmp icmpSubstate

	userData any

	engine *Engine
}

// Tuple returns the flow's immutable five-tuple.
func (f *Flow) Tuple() FlowKey { return f.tuple }

// Status returns the flow's current lifecycle state.
func (f *Flow) Status() Status { return f.status }

// UserData returns the opaque value the host previously attached.
func (f *Flow) UserData() any { return f.userData }

// SetUserData attaches an opaque host-owned value to the flow.
func (f *Flow) SetUserData(v any) { f.userData = v }

// DNAT overrides the destination resolved at connect time. TCP and UDP
// flows read it only when their socket is opened, so it has no effect on
// them once connected; ICMP flows read it on every echo request sent and
// every reply matched.
func (f *Flow) DNAT(ip [4]byte, port uint16) {
	f.hasDNAT = true
	f.dnatIP = ip
	f.dnatPort = port
}

func (f *Flow) connectTarget() ([4]byte, uint16) {
	if f.hasDNAT {
		return f.dnatIP, f.dnatPort
	}
	return f.tuple.DstIP, f.tuple.DstPort
}

func (f *Flow) touch(now int64) { f.tstamp = now }

// close is idempotent: releasing the OS socket, freeing any pending TCP
// data, emitting a final RST|ACK for TCP flows that never sent a FIN, and
// invoking OnConnectionClose. It never removes the flow from the table —
// that is destroy's job, performed during purge or by DestroyConn /
// EasyForward outside packet handling (see table.go), so that callbacks
// (e.g. SendClient, which receives the flow) can still safely reference it
// until the next purge pass.
func (f *Flow) close(e *Engine) {
	if f.status == StatusClosed {
		return
	}

	if f.sock != closedSock {
		e.detachSocket(f)
	}

	needRST := f.tuple.Proto == ProtoTCP && !f.tcp.finAckSent
	f.tcp.pending = nil
	f.tcp.pendingSofar = 0

	if needRST {
		e.sendRST(f)
	}

	if e.cb != nil {
		e.cb.OnConnectionClose(f)
	}
	f.status = StatusClosed
}
