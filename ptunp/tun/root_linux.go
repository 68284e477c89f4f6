//go:build linux

package tun

import (
	"fmt"

	"golang.org/x/sys/unix"
)

func ensureRoot() error {
	if uid := unix.Geteuid(); uid != 0 {
		return fmt.Errorf("%w: running with euid %d", ErrPermission, uid)
	}
	return nil
}
