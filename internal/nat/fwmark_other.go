//go:build !linux

package nat

import "fmt"

func setSocketMark(fd, mark int) error {
	if mark == 0 {
		return nil
	}
	return fmt.Errorf("nat: fwmark is supported only on linux")
}
