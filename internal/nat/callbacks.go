package nat

// Callbacks is the host collaborator surface (§6). SendClient is the only
// method a host must meaningfully implement; embed NoopCallbacks to get
// sensible no-op defaults for the rest, the same "implement only what you
// need" shape the teacher repo uses for its optional ProbeConfig/selection
// hooks.
type Callbacks interface {
	// SendClient must deliver an IPv4 frame to the client side (e.g. write
	// it to a TUN device). A non-nil error closes the flow.
	SendClient(pkt []byte, flow *Flow) error

	// AccountPacket fires for every successful client->engine and
	// engine->client frame. toClient is false for inbound, true for
	// outbound.
	AccountPacket(pkt []byte, toClient bool, flow *Flow)

	// OnConnectionOpen fires immediately after flow creation, before it is
	// added to the table. Returning an error rejects the flow: it is
	// discarded and Lookup returns nil.
	OnConnectionOpen(flow *Flow) error

	// OnConnectionClose fires during close, before status flips to CLOSED.
	OnConnectionClose(flow *Flow)

	// OnSocketOpen/OnSocketClose fire after a successful socket
	// create/close.
	OnSocketOpen(fd int)
	OnSocketClose(fd int)
}

// NoopCallbacks implements Callbacks with no-op defaults. Embed it and
// override only the methods you need.
type NoopCallbacks struct{}

func (NoopCallbacks) SendClient([]byte, *Flow) error    { return nil }
func (NoopCallbacks) AccountPacket([]byte, bool, *Flow) {}
func (NoopCallbacks) OnConnectionOpen(*Flow) error       { return nil }
func (NoopCallbacks) OnConnectionClose(*Flow)            {}
func (NoopCallbacks) OnSocketOpen(int)                   {}
func (NoopCallbacks) OnSocketClose(int)                  {}
