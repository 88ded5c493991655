//go:build linux

package nat

import (
	"fmt"
	"syscall"
)

// setSocketMark applies SO_MARK to fd so the host's routing policy can steer
// NAT-originated sockets (e.g. away from a VPN's own default route). mark==0
// is a no-op.
func setSocketMark(fd, mark int) error {
	if mark == 0 {
		return nil
	}
	if err := syscall.SetsockoptInt(fd, syscall.SOL_SOCKET, syscall.SO_MARK, mark); err != nil {
		return fmt.Errorf("nat: setsockopt SO_MARK=%d: %w", mark, err)
	}
	return nil
}
