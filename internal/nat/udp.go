package nat

import "encoding/binary"

// dnsMinHeaderLen is the minimal DNS message header length (id, flags,
// qdcount, ancount, nscount, arcount — 6 uint16 fields).
const dnsMinHeaderLen = 12

// inboundUDP forwards a client->server datagram (§4.7). On first packet it
// allocates the per-flow UDP socket.
func (e *Engine) inboundUDP(p *ParsedPacket, f *Flow) error {
	if f.status == StatusNew {
		dstIP, dstPort := f.connectTarget()
		fd, err := e.sockets.dialUDP(e.addr4(dstIP, dstPort))
		if err != nil {
			return err
		}
		e.table.numOpenSocks++
		e.cb.OnSocketOpen(fd)
		e.attachSocket(f, fd)
		f.status = StatusConnected
	}

	if _, err := e.sockets.write(f.sock, p.L7()); err != nil {
		return err
	}
	f.touch(e.now())
	return nil
}

// handleUDPReadable is the server->client direction, including the DNS
// single-shot early-close policy (§4.7).
func (e *Engine) handleUDPReadable(f *Flow) {
	buf := e.replyBuf[reservedHeaderSpace:]
	n, err := e.sockets.read(f.sock, buf)
	if err != nil {
		f.close(e)
		return
	}
	payload := buf[:n]

	out := e.replyBuf[:]
	l4Len := buildUDP(out, 20, f.tuple.DstPort, f.tuple.SrcPort, payload)
	buildIPv4(out, 0, f.tuple.DstIP, f.tuple.SrcIP, ProtoUDP, l4Len)
	frame := out[:20+l4Len]

	if err := e.cb.SendClient(frame, f); err != nil {
		f.close(e)
		return
	}
	e.cb.AccountPacket(frame, true, f)
	e.table.accountBytes(ProtoUDP, true, len(frame))
	f.touch(e.now())

	if isDNSResponse(f.tuple.DstPort, payload) {
		f.close(e)
	}
}

// isDNSResponse reports whether a UDP/53 datagram looks like a DNS
// response (QR bit set), in which case the flow is single-shot and
// closed immediately rather than waiting for the idle timeout.
func isDNSResponse(dstPort uint16, payload []byte) bool {
	if dstPort != 53 || len(payload) < dnsMinHeaderLen {
		return false
	}
	flags := binary.BigEndian.Uint16(payload[2:4])
	return flags&0x8000 == 0x8000
}
