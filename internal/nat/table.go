package nat

import "sort"

// protoTimeout is the per-protocol idle timeout (seconds) used by purge.
func protoTimeout(p Proto) int64 {
	switch p {
	case ProtoTCP:
		return 30
	case ProtoUDP:
		return 15
	case ProtoICMP:
		return 5
	default:
		return 15
	}
}

// table is the engine's primary flow index plus the counters and
// descriptor sets §3 requires. It has no internal locking: the engine is
// single-threaded by contract.
type table struct {
	byTuple map[FlowKey]*Flow

	allFds        map[int]*Flow // sockets we read from
	tcpConnecting map[int]*Flow // sockets awaiting async-connect completion

	numOpenSocks         int
	numActiveConns       int
	openedByProto        [3]uint64 // indexed by protoIndex
	bytesInByProto       [3]uint64
	bytesOutByProto      [3]uint64
	maxSockets           int
	numSocketsAfterPurge int

	icmpEnabled bool
}

func protoIndex(p Proto) int {
	switch p {
	case ProtoTCP:
		return 0
	case ProtoUDP:
		return 1
	case ProtoICMP:
		return 2
	default:
		return 1
	}
}

func newTable(maxSockets, afterPurge int, icmpEnabled bool) *table {
	return &table{
		byTuple:              make(map[FlowKey]*Flow),
		allFds:               make(map[int]*Flow),
		tcpConnecting:        make(map[int]*Flow),
		maxSockets:           maxSockets,
		numSocketsAfterPurge: afterPurge,
		icmpEnabled:          icmpEnabled,
	}
}

func (t *table) lookup(k FlowKey) *Flow { return t.byTuple[k] }

func (t *table) insert(f *Flow) {
	t.byTuple[f.tuple] = f
	t.numActiveConns++
	t.openedByProto[protoIndex(f.tuple.Proto)]++
}

// accountBytes records per-protocol byte counters backing Stats(), matching
// the original's zdtun_statistics.{bytes_sent,bytes_rcvd} fields.
func (t *table) accountBytes(p Proto, toClient bool, n int) {
	if toClient {
		t.bytesOutByProto[protoIndex(p)] += uint64(n)
	} else {
		t.bytesInByProto[protoIndex(p)] += uint64(n)
	}
}

// destroy performs close (idempotent) then unlinks the flow from every
// index and frees it. Callers inside packet handling must never call this
// directly; it is called by purge and by the public DestroyConn and
// EasyForward paths, which do not run inside a callback.
func (t *table) destroy(e *Engine, f *Flow) {
	f.close(e)
	delete(t.byTuple, f.tuple)
	delete(t.allFds, f.sock)
	delete(t.tcpConnecting, f.sock)
	t.numActiveConns--
}

// iter visits flows whose status is not CLOSED. If cb returns true,
// iteration stops early. Safe for cb to close (but not destroy) the
// current flow, since we snapshot the flow pointers before iterating.
func (t *table) iter(cb func(*Flow) bool) bool {
	snapshot := make([]*Flow, 0, len(t.byTuple))
	for _, f := range t.byTuple {
		if f.status != StatusClosed {
			snapshot = append(snapshot, f)
		}
	}
	for _, f := range snapshot {
		if _, ok := t.byTuple[f.tuple]; !ok {
			continue // destroyed by an earlier callback invocation
		}
		if cb(f) {
			return true
		}
	}
	return false
}

// purgeExpired destroys every flow that is CLOSED or past its per-protocol
// idle timeout, then — if the socket count is still over budget — evicts
// the LRU remainder down to numSocketsAfterPurge (§4.10).
func (t *table) purgeExpired(e *Engine, now int64) {
	var toDestroy []*Flow
	for _, f := range t.byTuple {
		if f.status == StatusClosed || now >= f.tstamp+protoTimeout(f.tuple.Proto) {
			toDestroy = append(toDestroy, f)
		}
	}
	for _, f := range toDestroy {
		t.destroy(e, f)
	}

	// Note: uses >= (not the stricter > a literal reading of "after step 1
	// num_open_socks > MAX_NUM_SOCKETS" might suggest) so that the
	// capacity-driven purge triggered by Lookup when the table is already
	// at exactly MAX_NUM_SOCKETS (the common case — Lookup's own trigger
	// condition is num_open_socks >= MAX_NUM_SOCKETS) still evicts down
	// to NUM_SOCKETS_AFTER_PURGE instead of being a no-op. See DESIGN.md.
	if t.numOpenSocks < t.maxSockets {
		return
	}

	remaining := make([]*Flow, 0, len(t.byTuple))
	for _, f := range t.byTuple {
		remaining = append(remaining, f)
	}
	sort.Slice(remaining, func(i, j int) bool { return remaining[i].tstamp < remaining[j].tstamp })

	toEvict := t.numOpenSocks - t.numSocketsAfterPurge
	for i := 0; i < toEvict && i < len(remaining); i++ {
		t.destroy(e, remaining[i])
	}
}

// findICMPFlow scans for the ICMP flow matching a received reply, keyed by
// (dst_ip, echo_id) against the flow's own tuple (srcIP==our dst, srcPort
// is the echo id we used when forwarding). There is deliberately no
// reverse index here — see design notes: ICMP flow counts are low enough
// that a linear scan per raw-socket-readable event is acceptable.
func (t *table) findICMPFlow(replySrcIP [4]byte, echoID uint16) *Flow {
	for _, f := range t.byTuple {
		if f.tuple.Proto != ProtoICMP || f.status == StatusClosed {
			continue
		}
		dst, _ := f.connectTarget()
		if dst == replySrcIP && f.tuple.SrcPort == echoID {
			return f
		}
	}
	return nil
}

// Stats is a snapshot of engine-wide counters (§6).
type Stats struct {
	ActiveByProto   map[string]int
	OldestByProto   map[string]int64
	OpenedByProto   map[string]uint64
	BytesInByProto  map[string]uint64
	BytesOutByProto map[string]uint64
	NumOpenSockets  int
	NumActiveConns  int
}

func (t *table) stats(now int64) Stats {
	s := Stats{
		ActiveByProto:  map[string]int{"tcp": 0, "udp": 0, "icmp": 0},
		OldestByProto:  map[string]int64{},
		OpenedByProto: map[string]uint64{
			"tcp":  t.openedByProto[0],
			"udp":  t.openedByProto[1],
			"icmp": t.openedByProto[2],
		},
		BytesInByProto: map[string]uint64{
			"tcp":  t.bytesInByProto[0],
			"udp":  t.bytesInByProto[1],
			"icmp": t.bytesInByProto[2],
		},
		BytesOutByProto: map[string]uint64{
			"tcp":  t.bytesOutByProto[0],
			"udp":  t.bytesOutByProto[1],
			"icmp": t.bytesOutByProto[2],
		},
		NumOpenSockets: t.numOpenSocks,
		NumActiveConns: t.numActiveConns,
	}
	for _, f := range t.byTuple {
		if f.status == StatusClosed {
			continue
		}
		name := f.tuple.Proto.String()
		s.ActiveByProto[name]++
		if old, ok := s.OldestByProto[name]; !ok || f.tstamp < old {
			s.OldestByProto[name] = f.tstamp
		}
	}
	return s
}
