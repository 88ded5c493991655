package nat

import "gvisor.dev/gvisor/pkg/tcpip/header"

// inboundICMP forwards a client echo request via the shared raw socket
// (§4.8). The ICMP message (header+payload) is relayed byte-for-byte: its
// checksum is already valid as received from the client.
func (e *Engine) inboundICMP(p *ParsedPacket, f *Flow) error {
	if f.status == StatusNew {
		f.status = StatusConnected
	}

	icmpStart := p.L7Off - 8
	msg := p.Raw[icmpStart:]

	dstIP, _ := f.connectTarget()
	if _, err := e.sockets.writeTo(e.icmpFd, msg, e.addr4(dstIP, 0)); err != nil {
		return err
	}
	f.touch(e.now())
	return nil
}

// handleICMPReadable demultiplexes one reply off the shared raw socket and
// relays it toward the owning flow's client (§4.8). There is no reverse
// index from the raw socket to a flow — see table.findICMPFlow.
func (e *Engine) handleICMPReadable() {
	buf := make([]byte, 65536)
	n, err := e.sockets.read(e.icmpFd, buf)
	if err != nil {
		return
	}
	frame := buf[:n]

	p, err := ParsePacket(frame)
	if err != nil {
		return
	}
	if p.Tuple.Proto != ProtoICMP {
		return
	}

	icmpStart := p.L7Off - 8
	icmpType := frame[icmpStart]
	if icmpType != uint8(header.ICMPv4Echo) && icmpType != uint8(header.ICMPv4EchoReply) {
		return
	}

	f := e.table.findICMPFlow(p.Tuple.SrcIP, p.Tuple.SrcPort)
	if f == nil {
		return
	}

	payload := frame[icmpStart+8:]

	out := e.replyBuf[:]
	l4Len := buildICMPEcho(out, 20, icmpType, 0, f.icmp.echoID, p.EchoSeq, payload)
	buildIPv4(out, 0, f.tuple.DstIP, f.tuple.SrcIP, ProtoICMP, l4Len)
	reply := out[:20+l4Len]

	if err := e.cb.SendClient(reply, f); err != nil {
		f.close(e)
		return
	}
	e.cb.AccountPacket(reply, true, f)
	e.table.accountBytes(ProtoICMP, true, len(reply))
	f.touch(e.now())
	f.icmp.echoSeq = 0
}
