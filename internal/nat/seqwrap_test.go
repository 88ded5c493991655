package nat

import "testing"

// TestInFlightWrapsCorrectly exercises the in_flight = zdtunSeq - TCPAck
// arithmetic (§9 open question) across a 32-bit sequence-number wrap,
// relying on Go's defined unsigned-integer wraparound (RFC 793 arithmetic
// is mod 2^32 by construction).
func TestInFlightWrapsCorrectly(t *testing.T) {
	cb := &recordingCallbacks{}
	e, _ := newTestEngine(t, cb, EngineConfig{DisableICMP: true})

	client := mustIP(10, 0, 0, 1)
	srv := mustIP(1, 2, 3, 4)
	syn := buildClientTCP(client, srv, 5000, 80, 1000, 0, tcpFlagSYN, 65535, nil)
	f, err := e.EasyForward(syn)
	if err != nil {
		t.Fatalf("syn: %v", err)
	}

	// zdtunSeq has wrapped past 2^32 to 5; the client's ack still refers to
	// a pre-wrap sequence number (2^32-1). The true gap between them is 6
	// bytes, which only unsigned 32-bit subtraction recovers correctly.
	f.tcp.zdtunSeq = 5
	clientAck := uint32(0xFFFFFFFF)

	ackPkt := buildClientTCP(client, srv, 5000, 80, 1001, clientAck, tcpFlagACK, 1000, nil)
	if _, err := e.EasyForward(ackPkt); err != nil {
		t.Fatalf("ack: %v", err)
	}

	wantInFlight := uint32(6)
	wantWindow := uint16(uint32(1000) - wantInFlight)
	if f.tcp.windowSize != wantWindow {
		t.Fatalf("windowSize=%d want %d (in_flight should wrap cleanly)", f.tcp.windowSize, wantWindow)
	}
}
