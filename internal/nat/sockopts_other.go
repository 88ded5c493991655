//go:build !linux

package nat

import (
	"errors"
	"net/netip"
)

// platformSockets on non-Linux platforms has no raw-socket / non-blocking
// connect support wired up, matching the fallback shape of
// internal/fwmark_other.go: the concern exists, it just isn't available
// on this OS.
type platformSockets struct{}

func newPlatformSockets(mark uint32) platform { return platformSockets{} }

var errUnsupportedPlatform = errors.New("nat: raw socket engine is only implemented for linux")

func (platformSockets) dialTCP(netip.AddrPort) (int, connectOutcome, error) {
	return -1, 0, errUnsupportedPlatform
}

func (platformSockets) tcpSoError(int) error { return errUnsupportedPlatform }

func (platformSockets) setBlocking(int) error { return errUnsupportedPlatform }

func (platformSockets) dialUDP(netip.AddrPort) (int, error) {
	return -1, errUnsupportedPlatform
}

func (platformSockets) newICMPSocket() (int, error) {
	return -1, errUnsupportedPlatform
}

func (platformSockets) read(int, []byte) (int, error) {
	return 0, errUnsupportedPlatform
}

func (platformSockets) write(int, []byte) (int, error) {
	return 0, errUnsupportedPlatform
}

func (platformSockets) writeTo(int, []byte, netip.AddrPort) (int, error) {
	return 0, errUnsupportedPlatform
}

func (platformSockets) close(int) error { return nil }

func (platformSockets) isConnRefusedResetOrAborted(error) bool { return false }
