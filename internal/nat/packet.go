package nat

import (
	"encoding/binary"
	"errors"

	"gvisor.dev/gvisor/pkg/tcpip/header"
)

// Parse error sentinels. ParsePacket wraps one of these into a ParseError so
// callers can use errors.Is instead of comparing magic integers, unlike the
// original C implementation's negative return codes (-1/-2/-3).
var (
	ErrMalformed       = errors.New("malformed ipv4 packet")
	ErrUnsupportedICMP = errors.New("unsupported icmp type")
	ErrUnknownProto    = errors.New("unknown ip protocol")
)

// ParseError reports why ParsePacket rejected a frame.
type ParseError struct {
	Err error
}

func (e *ParseError) Error() string { return e.Err.Error() }
func (e *ParseError) Unwrap() error { return e.Err }

// ParsedPacket is a zero-copy view over an inbound IPv4 frame: it keeps
// offsets into the caller-owned buffer rather than copying payload bytes.
type ParsedPacket struct {
	Raw      []byte
	Tuple    FlowKey
	EchoSeq  uint16 // ICMP only; excluded from Tuple on purpose (see FlowKey)
	TCPFlags uint8
	TCPSeq   uint32
	TCPAck   uint32
	TCPWin   uint16
	L7Off    int
	L7Len    int
}

func (p *ParsedPacket) L7() []byte { return p.Raw[p.L7Off : p.L7Off+p.L7Len] }

// ParsePacket validates and extracts the IPv4+L4 header fields needed to
// key and forward a flow. It never allocates payload copies.
func ParsePacket(buf []byte) (*ParsedPacket, error) {
	if len(buf) < header.IPv4MinimumSize {
		return nil, &ParseError{ErrMalformed}
	}
	if buf[0]>>4 != 4 {
		return nil, &ParseError{ErrMalformed}
	}
	ihl := int(buf[0]&0x0f) * 4
	if ihl < header.IPv4MinimumSize || len(buf) < ihl {
		return nil, &ParseError{ErrMalformed}
	}

	var tuple FlowKey
	copy(tuple.SrcIP[:], buf[12:16])
	copy(tuple.DstIP[:], buf[16:20])
	protocol := Proto(buf[9])
	tuple.Proto = protocol

	l4 := buf[ihl:]

	switch protocol {
	case ProtoTCP:
		if len(l4) < 20 {
			return nil, &ParseError{ErrMalformed}
		}
		l4Len := int(l4[12]>>4) * 4
		if l4Len < 20 || len(l4) < l4Len {
			return nil, &ParseError{ErrMalformed}
		}
		tuple.SrcPort = binary.BigEndian.Uint16(l4[0:2])
		tuple.DstPort = binary.BigEndian.Uint16(l4[2:4])
		return &ParsedPacket{
			Raw:      buf,
			Tuple:    tuple,
			TCPFlags: l4[13],
			TCPSeq:   binary.BigEndian.Uint32(l4[4:8]),
			TCPAck:   binary.BigEndian.Uint32(l4[8:12]),
			TCPWin:   binary.BigEndian.Uint16(l4[14:16]),
			L7Off:    ihl + l4Len,
			L7Len:    len(buf) - ihl - l4Len,
		}, nil

	case ProtoUDP:
		if len(l4) < 8 {
			return nil, &ParseError{ErrMalformed}
		}
		tuple.SrcPort = binary.BigEndian.Uint16(l4[0:2])
		tuple.DstPort = binary.BigEndian.Uint16(l4[2:4])
		return &ParsedPacket{
			Raw:   buf,
			Tuple: tuple,
			L7Off: ihl + 8,
			L7Len: len(buf) - ihl - 8,
		}, nil

	case ProtoICMP:
		if len(l4) < 8 {
			return nil, &ParseError{ErrMalformed}
		}
		icmpType := l4[0]
		if icmpType != uint8(header.ICMPv4Echo) && icmpType != uint8(header.ICMPv4EchoReply) {
			return nil, &ParseError{ErrUnsupportedICMP}
		}
		echoID := binary.BigEndian.Uint16(l4[4:6])
		echoSeq := binary.BigEndian.Uint16(l4[6:8])
		tuple.SrcPort = echoID
		tuple.DstPort = 0
		return &ParsedPacket{
			Raw:     buf,
			Tuple:   tuple,
			EchoSeq: echoSeq,
			L7Off:   ihl + 8,
			L7Len:   len(buf) - ihl - 8,
		}, nil

	default:
		return nil, &ParseError{ErrUnknownProto}
	}
}

// internetChecksum folds buf into initial using the RFC 1071 algorithm via
// gVisor's header package, the same routine the teacher repository already
// depends on gVisor for (it otherwise delegates all header math to a full
// tcpip.Stack — this engine needs only the checksum primitive, since flows
// are terminated on real OS sockets rather than a netstack endpoint).
func internetChecksum(buf []byte, initial uint16) uint16 {
	return header.Checksum(buf, initial)
}

// ipv4PseudoHeaderSum folds the TCP/UDP pseudo-header (RFC 793 §3.1) into
// initial. Checksums are just 1's-complement sums of 16-bit words, so
// folding the pseudo-header and the real header+payload in two calls is
// equivalent to summing one concatenated buffer.
func ipv4PseudoHeaderSum(srcIP, dstIP [4]byte, proto Proto, l4Len uint16, initial uint16) uint16 {
	var pseudo [12]byte
	copy(pseudo[0:4], srcIP[:])
	copy(pseudo[4:8], dstIP[:])
	pseudo[9] = byte(proto)
	binary.BigEndian.PutUint16(pseudo[10:12], l4Len)
	return internetChecksum(pseudo[:], initial)
}

// reservedHeaderSpace is the maximum bytes a synthesised IPv4+L4 header
// occupies (20 IPv4 + 20 TCP, the largest of the three L4 headers we
// build), matching the "reserved area" convention of reply_buf in §5/§9.
const reservedHeaderSpace = 40

// buildIPv4 writes a 20-byte IPv4 header (ihl=5, DF set, ttl=64) with its
// checksum into buf[off:off+20]. It returns nothing; the header length is
// always 20.
func buildIPv4(buf []byte, off int, srcIP, dstIP [4]byte, proto Proto, payloadLen int) {
	h := buf[off : off+20]
	for i := range h {
		h[i] = 0
	}
	h[0] = 0x45 // version=4, ihl=5
	h[1] = 0x00
	binary.BigEndian.PutUint16(h[2:4], uint16(20+payloadLen))
	binary.BigEndian.PutUint16(h[4:6], 0) // id
	binary.BigEndian.PutUint16(h[6:8], 0x4000)
	h[8] = 64 // ttl
	h[9] = byte(proto)
	copy(h[12:16], srcIP[:])
	copy(h[16:20], dstIP[:])

	sum := internetChecksum(h, 0)
	binary.BigEndian.PutUint16(h[10:12], ^sum)
}

// buildTCP writes a 20-byte TCP header (no options) plus payload at
// buf[off:] and computes the TCP checksum over the pseudo-header, header,
// and payload.
func buildTCP(buf []byte, off int, srcIP, dstIP [4]byte, srcPort, dstPort uint16,
	seq, ack uint32, flags uint8, window uint16, payload []byte) int {
	h := buf[off : off+20]
	for i := range h {
		h[i] = 0
	}
	binary.BigEndian.PutUint16(h[0:2], srcPort)
	binary.BigEndian.PutUint16(h[2:4], dstPort)
	binary.BigEndian.PutUint32(h[4:8], seq)
	binary.BigEndian.PutUint32(h[8:12], ack)
	h[12] = 5 << 4 // th_off=5, no options
	h[13] = flags
	binary.BigEndian.PutUint16(h[14:16], window)

	n := copy(buf[off+20:], payload)
	l4Len := 20 + n

	sum := ipv4PseudoHeaderSum(srcIP, dstIP, ProtoTCP, uint16(l4Len), 0)
	sum = internetChecksum(buf[off:off+l4Len], sum)
	binary.BigEndian.PutUint16(h[16:18], ^sum)

	return l4Len
}

// buildUDP writes an 8-byte UDP header plus payload. The emitted checksum
// is always zero — legal for IPv4 UDP, and elided deliberately for
// throughput (see spec design notes).
func buildUDP(buf []byte, off int, srcPort, dstPort uint16, payload []byte) int {
	h := buf[off : off+8]
	binary.BigEndian.PutUint16(h[0:2], srcPort)
	binary.BigEndian.PutUint16(h[2:4], dstPort)
	n := copy(buf[off+8:], payload)
	binary.BigEndian.PutUint16(h[4:6], uint16(8+n))
	binary.BigEndian.PutUint16(h[6:8], 0) // checksum elided
	return 8 + n
}

// buildICMPEcho writes an ICMP message (echo or echo-reply) plus payload
// and recomputes its checksum, which must always be recomputed because the
// kernel may have rewritten fields on the wire.
func buildICMPEcho(buf []byte, off int, icmpType uint8, code uint8, id, seq uint16, payload []byte) int {
	h := buf[off : off+8]
	h[0] = icmpType
	h[1] = code
	binary.BigEndian.PutUint16(h[2:4], 0)
	binary.BigEndian.PutUint16(h[4:6], id)
	binary.BigEndian.PutUint16(h[6:8], seq)
	n := copy(buf[off+8:], payload)
	l4Len := 8 + n

	sum := internetChecksum(buf[off:off+l4Len], 0)
	binary.BigEndian.PutUint16(h[2:4], ^sum)
	return l4Len
}

// verifyIPv4Checksum is used by tests to assert the checksum round-trip
// property (§8 invariant 5): recomputing over the header (with the stored
// checksum included) must fold to all ones (0xffff), since the stored
// field is the complement of the sum of the other words.
func verifyIPv4Checksum(h []byte) bool {
	return internetChecksum(h[:20], 0) == 0xffff
}

func verifyL4Checksum(srcIP, dstIP [4]byte, proto Proto, l4 []byte) bool {
	sum := ipv4PseudoHeaderSum(srcIP, dstIP, proto, uint16(len(l4)), 0)
	return internetChecksum(l4, sum) == 0xffff
}
