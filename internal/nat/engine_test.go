package nat

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func mustIP(a, b, c, d byte) [4]byte { return [4]byte{a, b, c, d} }

func buildClientTCP(srcIP, dstIP [4]byte, srcPort, dstPort uint16, seq, ack uint32, flags uint8, win uint16, payload []byte) []byte {
	buf := make([]byte, 64*1024)
	l4Len := buildTCP(buf, 20, srcIP, dstIP, srcPort, dstPort, seq, ack, flags, win, payload)
	buildIPv4(buf, 0, srcIP, dstIP, ProtoTCP, l4Len)
	return buf[:20+l4Len]
}

func buildClientUDP(srcIP, dstIP [4]byte, srcPort, dstPort uint16, payload []byte) []byte {
	buf := make([]byte, 64*1024)
	l4Len := buildUDP(buf, 20, srcPort, dstPort, payload)
	buildIPv4(buf, 0, srcIP, dstIP, ProtoUDP, l4Len)
	return buf[:20+l4Len]
}

func newTestEngine(t *testing.T, cb Callbacks, cfg EngineConfig) (*Engine, *fakePlatform) {
	t.Helper()
	p := newFakePlatform()
	e, err := newEngineWithPlatform(cb, cfg, p)
	if err != nil {
		t.Fatalf("newEngineWithPlatform: %v", err)
	}
	return e, p
}

// S1 — UDP echo.
func TestUDPEcho(t *testing.T) {
	cb := &recordingCallbacks{}
	e, p := newTestEngine(t, cb, EngineConfig{DisableICMP: true})

	client := mustIP(192, 168, 1, 2)
	dst := mustIP(8, 8, 8, 8)
	pkt := buildClientUDP(client, dst, 40000, 53, []byte("PING"))

	f, err := e.EasyForward(pkt)
	if err != nil {
		t.Fatalf("EasyForward: %v", err)
	}
	if f.status != StatusConnected {
		t.Fatalf("status=%v want CONNECTED", f.status)
	}

	sock := p.socks[f.sock]
	if len(sock.writeLog) != 1 || string(sock.writeLog[0]) != "PING" {
		t.Fatalf("server did not receive PING: %+v", sock.writeLog)
	}

	// Inject a server reply.
	sock.readBuf.WriteString("PONG")
	e.handleUDPReadable(f)

	if len(cb.sent) != 1 {
		t.Fatalf("expected 1 frame sent to client, got %d", len(cb.sent))
	}
	frame := cb.sent[0]
	if !verifyIPv4Checksum(frame[:20]) {
		t.Fatalf("bad ip checksum")
	}
	udpLen := binary.BigEndian.Uint16(frame[24:26])
	if udpLen != 12 {
		t.Fatalf("udp length = %d want 12", udpLen)
	}
	if !bytes.Equal(frame[28:], []byte("PONG")) {
		t.Fatalf("payload = %q want PONG", frame[28:])
	}
	if !bytes.Equal(frame[12:16], dst[:]) || !bytes.Equal(frame[16:20], client[:]) {
		t.Fatalf("src/dst not swapped")
	}
}

// S2 — TCP SYN handshake, immediate connect.
func TestTCPHandshakeImmediate(t *testing.T) {
	cb := &recordingCallbacks{}
	e, _ := newTestEngine(t, cb, EngineConfig{DisableICMP: true, MaxWindowSize: 65535})

	client := mustIP(10, 0, 0, 1)
	srv := mustIP(93, 184, 216, 34)
	syn := buildClientTCP(client, srv, 5000, 80, 1000, 0, tcpFlagSYN, 65535, nil)

	f, err := e.EasyForward(syn)
	if err != nil {
		t.Fatalf("EasyForward: %v", err)
	}
	if f.status != StatusConnected {
		t.Fatalf("status=%v want CONNECTED", f.status)
	}
	if len(cb.sent) != 1 {
		t.Fatalf("expected SYN|ACK sent, got %d frames", len(cb.sent))
	}
	frame := cb.sent[0]
	flags := frame[33]
	if flags != tcpFlagSYN|tcpFlagACK {
		t.Fatalf("flags=%x want SYN|ACK", flags)
	}
	seq := binary.BigEndian.Uint32(frame[24:28])
	ack := binary.BigEndian.Uint32(frame[28:32])
	if seq != zdtunISN {
		t.Fatalf("seq=%x want %x", seq, zdtunISN)
	}
	if ack != 1001 {
		t.Fatalf("ack=%d want 1001", ack)
	}
	if f.tcp.zdtunSeq != zdtunISN+1 {
		t.Fatalf("zdtunSeq=%x want %x", f.tcp.zdtunSeq, zdtunISN+1)
	}
}

// S3 — TCP data with windowing.
func TestTCPWindowing(t *testing.T) {
	cb := &recordingCallbacks{}
	e, p := newTestEngine(t, cb, EngineConfig{DisableICMP: true})

	client := mustIP(10, 0, 0, 1)
	srv := mustIP(1, 2, 3, 4)
	syn := buildClientTCP(client, srv, 5000, 80, 1000, 0, tcpFlagSYN, 100, nil)
	f, err := e.EasyForward(syn)
	if err != nil {
		t.Fatalf("syn: %v", err)
	}
	cb.sent = nil

	// Client ACKs the handshake advertising win=100.
	ackPkt := buildClientTCP(client, srv, 5000, 80, 1001, f.tcp.zdtunSeq, tcpFlagACK, 100, nil)
	if _, err := e.EasyForward(ackPkt); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if f.tcp.windowSize != 100 {
		t.Fatalf("windowSize=%d want 100", f.tcp.windowSize)
	}

	sock := p.socks[f.sock]
	payload := bytes.Repeat([]byte{'x'}, 250)
	sock.readBuf.Write(payload)
	e.handleTCPReadable(f)

	if len(cb.sent) != 1 {
		t.Fatalf("expected 1 segment, got %d", len(cb.sent))
	}
	first := cb.sent[0]
	if len(first[40:]) != 100 {
		t.Fatalf("first segment payload len=%d want 100", len(first[40:]))
	}
	if f.tcp.windowSize != 0 {
		t.Fatalf("windowSize=%d want 0", f.tcp.windowSize)
	}
	if !f.tcp.hasPending() || len(f.tcp.pending)-f.tcp.pendingSofar != 150 {
		t.Fatalf("expected 150 bytes pending")
	}
	if _, stillArmed := allFdsContains(e, f); stillArmed {
		t.Fatalf("socket should be paused while pending")
	}

	// Client ACKs the 100 bytes and opens win=200.
	newAck := f.tcp.zdtunSeq
	ackPkt2 := buildClientTCP(client, srv, 5000, 80, 1001, newAck, tcpFlagACK, 200, nil)
	cb.sent = nil
	if _, err := e.EasyForward(ackPkt2); err != nil {
		t.Fatalf("ack2: %v", err)
	}

	if len(cb.sent) != 1 {
		t.Fatalf("expected remaining segment, got %d", len(cb.sent))
	}
	if len(cb.sent[0][40:]) != 150 {
		t.Fatalf("second segment payload len=%d want 150", len(cb.sent[0][40:]))
	}
	if f.tcp.hasPending() {
		t.Fatalf("pending should be drained")
	}
	if _, armed := allFdsContains(e, f); !armed {
		t.Fatalf("socket should be re-armed in all_fds")
	}
}

func allFdsContains(e *Engine, f *Flow) (int, bool) {
	for fd, ff := range e.table.allFds {
		if ff == f {
			return fd, true
		}
	}
	return 0, false
}

// S4 — DNS response closes the UDP flow immediately.
func TestUDPDNSEarlyClose(t *testing.T) {
	cb := &recordingCallbacks{}
	e, p := newTestEngine(t, cb, EngineConfig{DisableICMP: true})

	client := mustIP(192, 168, 1, 2)
	dst := mustIP(8, 8, 8, 8)
	pkt := buildClientUDP(client, dst, 40000, 53, []byte("Q"))
	f, err := e.EasyForward(pkt)
	if err != nil {
		t.Fatalf("EasyForward: %v", err)
	}

	sock := p.socks[f.sock]
	dnsResp := make([]byte, 12)
	binary.BigEndian.PutUint16(dnsResp[2:4], 0x8180) // QR=1 response
	sock.readBuf.Write(dnsResp)

	e.handleUDPReadable(f)

	if f.status != StatusClosed {
		t.Fatalf("status=%v want CLOSED", f.status)
	}
	if len(cb.closed) != 1 {
		t.Fatalf("OnConnectionClose not called")
	}
}

// S5 — server EOF synthesises FIN|ACK and detaches the socket.
func TestTCPServerEOF(t *testing.T) {
	cb := &recordingCallbacks{}
	e, p := newTestEngine(t, cb, EngineConfig{DisableICMP: true})

	client := mustIP(10, 0, 0, 1)
	srv := mustIP(1, 2, 3, 4)
	syn := buildClientTCP(client, srv, 5000, 80, 1000, 0, tcpFlagSYN, 65535, nil)
	f, err := e.EasyForward(syn)
	if err != nil {
		t.Fatalf("syn: %v", err)
	}
	cb.sent = nil
	wantSeq := f.tcp.zdtunSeq

	// Simulate EOF: readBuf stays empty, Read returns (0, nil).
	sockFd := f.sock
	e.handleTCPReadable(f)

	if !f.tcp.finAckSent {
		t.Fatalf("finAckSent not set")
	}
	if f.tcp.zdtunSeq != wantSeq+1 {
		t.Fatalf("zdtunSeq=%x want %x", f.tcp.zdtunSeq, wantSeq+1)
	}
	if f.sock != closedSock {
		t.Fatalf("socket should be detached")
	}
	if !p.socks[sockFd].closed {
		t.Fatalf("underlying fd should be closed")
	}
	if len(cb.sent) != 1 || cb.sent[0][33] != tcpFlagFIN|tcpFlagACK {
		t.Fatalf("expected FIN|ACK sent")
	}
	if f.status == StatusClosed {
		t.Fatalf("flow must remain in table awaiting the client's final ACK")
	}
}

// S6 — capacity-driven purge.
func TestCapacityPurge(t *testing.T) {
	cb := &recordingCallbacks{}
	e, _ := newTestEngine(t, cb, EngineConfig{DisableICMP: true, MaxNumSockets: 4, NumSocketsAfterPurge: 3})

	var flows []*Flow
	base := int64(1000)
	for i := 0; i < 4; i++ {
		e.clock = func(i int) func() int64 { return func() int64 { return base + int64(i) } }(i)
		pkt := buildClientUDP(mustIP(192, 168, 1, byte(i+1)), mustIP(8, 8, 8, 8), uint16(40000+i), 53, []byte("Q"))
		f, err := e.EasyForward(pkt)
		if err != nil {
			t.Fatalf("flow %d: %v", i, err)
		}
		flows = append(flows, f)
	}
	if e.table.numOpenSocks != 4 {
		t.Fatalf("numOpenSocks=%d want 4", e.table.numOpenSocks)
	}

	e.clock = func() int64 { return base + 10 }
	pkt := buildClientUDP(mustIP(192, 168, 1, 99), mustIP(8, 8, 8, 8), 45000, 53, []byte("Q"))
	newFlow, err := e.EasyForward(pkt)
	if err != nil {
		t.Fatalf("5th flow: %v", err)
	}

	if _, ok := e.table.byTuple[flows[0].tuple]; ok {
		t.Fatalf("oldest flow should have been purged")
	}
	if e.table.numOpenSocks > e.table.maxSockets {
		t.Fatalf("numOpenSocks=%d exceeds max=%d", e.table.numOpenSocks, e.table.maxSockets)
	}
	if newFlow.status != StatusConnected {
		t.Fatalf("new flow should be admitted")
	}
}

func TestParsePacketRoundTrip(t *testing.T) {
	client := mustIP(10, 0, 0, 1)
	srv := mustIP(1, 2, 3, 4)
	payload := []byte("hello")
	pkt := buildClientTCP(client, srv, 1111, 80, 42, 0, tcpFlagPSH|tcpFlagACK, 1000, payload)

	p, err := ParsePacket(pkt)
	if err != nil {
		t.Fatalf("ParsePacket: %v", err)
	}
	if p.Tuple.SrcIP != client || p.Tuple.DstIP != srv {
		t.Fatalf("tuple ip mismatch")
	}
	if p.Tuple.SrcPort != 1111 || p.Tuple.DstPort != 80 {
		t.Fatalf("tuple port mismatch")
	}
	if !bytes.Equal(p.L7(), payload) {
		t.Fatalf("l7 = %q want %q", p.L7(), payload)
	}
	if !verifyIPv4Checksum(pkt[:20]) {
		t.Fatalf("ip checksum invalid")
	}
	if !verifyL4Checksum(client, srv, ProtoTCP, pkt[20:]) {
		t.Fatalf("tcp checksum invalid")
	}
}

func TestCloseIdempotent(t *testing.T) {
	cb := &recordingCallbacks{}
	e, _ := newTestEngine(t, cb, EngineConfig{DisableICMP: true})

	client := mustIP(10, 0, 0, 1)
	srv := mustIP(1, 2, 3, 4)
	syn := buildClientTCP(client, srv, 5000, 80, 1000, 0, tcpFlagSYN, 65535, nil)
	f, err := e.EasyForward(syn)
	if err != nil {
		t.Fatalf("syn: %v", err)
	}
	cb.sent = nil

	f.close(e)
	if len(cb.sent) != 1 || cb.sent[0][33] != tcpFlagRST|tcpFlagACK {
		t.Fatalf("expected one RST|ACK, got %d frames", len(cb.sent))
	}

	f.close(e)
	if len(cb.sent) != 1 {
		t.Fatalf("second close must be a no-op, got %d frames", len(cb.sent))
	}
}
