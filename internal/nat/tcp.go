package nat

import "log"

const (
	tcpFlagFIN = 1 << 0
	tcpFlagSYN = 1 << 1
	tcpFlagRST = 1 << 2
	tcpFlagPSH = 1 << 3
	tcpFlagACK = 1 << 4
)

// zdtunISN is the fixed, arbitrary initial sequence number the engine
// emits toward the client on every new TCP flow (§6).
const zdtunISN uint32 = 0x77EB77EB

// inboundTCP is the client->server direction of the TCP engine (§4.4).
func (e *Engine) inboundTCP(p *ParsedPacket, f *Flow, noAck bool) error {
	switch f.status {
	case StatusConnecting:
		// The async-connect writable event drives the handshake; discard
		// silently until then.
		return nil

	case StatusNew:
		return e.tcpHandleNew(p, f)

	case StatusConnected:
		return e.tcpHandleConnected(p, f, noAck)

	default: // CLOSED
		return nil
	}
}

func (e *Engine) tcpHandleNew(p *ParsedPacket, f *Flow) error {
	f.tcp.clientSeq = p.TCPSeq + 1
	f.tcp.zdtunSeq = zdtunISN

	dstIP, dstPort := f.connectTarget()
	addr := e.addr4(dstIP, dstPort)

	fd, outcome, err := e.sockets.dialTCP(addr)
	if err != nil {
		return err
	}
	e.table.numOpenSocks++
	e.cb.OnSocketOpen(fd)

	switch outcome {
	case connectDone:
		e.attachSocket(f, fd)
		f.status = StatusConnected
		e.sendSynAck(f)
		f.tcp.zdtunSeq++
	case connectInProgress:
		e.attachConnecting(f, fd)
		f.status = StatusConnecting
	}

	f.touch(e.now())
	return nil
}

func (e *Engine) tcpHandleConnected(p *ParsedPacket, f *Flow, noAck bool) error {
	if p.TCPFlags&tcpFlagRST != 0 {
		f.close(e)
		return nil
	}

	if p.TCPFlags&tcpFlagFIN != 0 && p.TCPFlags&tcpFlagACK != 0 {
		f.tcp.clientSeq += uint32(p.L7Len) + 1
		e.sendBareAck(f)
		f.touch(e.now())
		return nil
	}

	if f.sock == closedSock {
		return nil
	}

	if p.TCPFlags&tcpFlagACK != 0 {
		inFlight := f.tcp.zdtunSeq - p.TCPAck
		win := uint32(p.TCPWin)
		if win > e.maxWindow {
			win = e.maxWindow
		}
		// No clamp to zero here: matches the original's unclamped
		// win-in_flight subtraction, which truncates to the wire-width
		// window field (u_int16_t there, uint16 here) and can legitimately
		// wrap to a large value when in_flight exceeds win.
		f.tcp.windowSize = uint16(win - inFlight)
		e.drainPending(f)
	}

	if p.L7Len > 0 {
		if _, err := e.sockets.write(f.sock, p.L7()); err != nil {
			return err
		}
		if !noAck {
			f.tcp.clientSeq += uint32(p.L7Len)
			e.sendBareAck(f)
		}
	}

	f.touch(e.now())
	return nil
}

// handleTCPConnectComplete runs when a tcp_connecting socket becomes
// writable (§4.5).
func (e *Engine) handleTCPConnectComplete(f *Flow) {
	err := e.sockets.tcpSoError(f.sock)
	if err != nil {
		f.close(e)
		return
	}

	e.promoteConnecting(f)
	e.sockets.setBlocking(f.sock)
	f.status = StatusConnected
	e.sendSynAck(f)
	f.tcp.zdtunSeq++
	f.touch(e.now())
}

// handleTCPReadable is the server->client direction (§4.6).
func (e *Engine) handleTCPReadable(f *Flow) {
	buf := e.replyBuf[reservedHeaderSpace:]
	n, err := e.sockets.read(f.sock, buf)
	if err != nil {
		if !e.sockets.isConnRefusedResetOrAborted(err) {
			log.Printf("[nat] tcp recv: %v", err)
		}
		f.close(e)
		return
	}

	if n == 0 {
		if !f.tcp.finAckSent {
			e.sendFinAck(f)
			f.tcp.finAckSent = true
			f.tcp.zdtunSeq++
		}
		if f.tcp.hasPending() {
			log.Printf("[nat] tcp eof with non-empty pending queue for %v", f.tuple)
		}
		e.detachSocket(f)
		return
	}

	data := buf[:n]
	if f.tcp.hasPending() || uint32(n) > uint32(f.tcp.windowSize) {
		f.tcp.pending = append(f.tcp.pending, data...)
		e.pauseReads(f)
		e.drainPending(f)
		f.touch(e.now())
		return
	}

	e.sendData(f, data)
	f.tcp.zdtunSeq += uint32(n)
	f.tcp.windowSize -= uint16(n)
	f.touch(e.now())
}

// drainPending sends as much of the pending server->client buffer as the
// current window allows (§4.6).
func (e *Engine) drainPending(f *Flow) {
	if !f.tcp.hasPending() {
		return
	}
	remaining := len(f.tcp.pending) - f.tcp.pendingSofar
	toSend := int(f.tcp.windowSize)
	if toSend > remaining {
		toSend = remaining
	}
	if toSend <= 0 {
		return
	}

	chunk := f.tcp.pending[f.tcp.pendingSofar : f.tcp.pendingSofar+toSend]
	e.sendData(f, chunk)
	f.tcp.zdtunSeq += uint32(toSend)
	f.tcp.windowSize -= uint16(toSend)
	f.tcp.pendingSofar += toSend

	if f.tcp.pendingSofar == len(f.tcp.pending) {
		f.tcp.pending = nil
		f.tcp.pendingSofar = 0
		if f.sock != closedSock {
			e.resumeReads(f)
		}
	}
}

// --- synthesis helpers ---

func (e *Engine) sendTCPSegment(f *Flow, flags uint8, payload []byte) {
	buf := e.replyBuf[:]
	var ack uint32
	if flags&tcpFlagACK != 0 {
		ack = f.tcp.clientSeq
	}
	// The wire window field is 16 bits: cap instead of truncating, so the
	// 64KiB default advertises 65535 rather than 0.
	window := e.maxWindow
	if window > 0xFFFF {
		window = 0xFFFF
	}
	l4Len := buildTCP(buf, 20, f.tuple.DstIP, f.tuple.SrcIP, f.tuple.DstPort, f.tuple.SrcPort,
		f.tcp.zdtunSeq, ack, flags, uint16(window), payload)
	buildIPv4(buf, 0, f.tuple.DstIP, f.tuple.SrcIP, ProtoTCP, l4Len)
	frame := buf[:20+l4Len]

	if err := e.cb.SendClient(frame, f); err != nil {
		f.close(e)
		return
	}
	e.cb.AccountPacket(frame, true, f)
	e.table.accountBytes(ProtoTCP, true, len(frame))
}

func (e *Engine) sendSynAck(f *Flow) { e.sendTCPSegment(f, tcpFlagSYN|tcpFlagACK, nil) }
func (e *Engine) sendBareAck(f *Flow) { e.sendTCPSegment(f, tcpFlagACK, nil) }
func (e *Engine) sendFinAck(f *Flow)  { e.sendTCPSegment(f, tcpFlagFIN|tcpFlagACK, nil) }
func (e *Engine) sendData(f *Flow, payload []byte) { e.sendTCPSegment(f, tcpFlagPSH|tcpFlagACK, payload) }

// sendRST emits RST|ACK toward the client at most once per flow, on close
// for any TCP flow that never sent a FIN (§4.3).
func (e *Engine) sendRST(f *Flow) { e.sendTCPSegment(f, tcpFlagRST|tcpFlagACK, nil) }
