//go:build darwin

package transport

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// controlSocket applies platform socket options before bind. macOS
// supports SO_REUSEPORT on modern versions; SO_REUSEADDR is the stable
// baseline.
func controlSocket(network, address string, c syscall.RawConn) error {
	var opErr error
	err := c.Control(func(fd uintptr) {
		if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
			opErr = err
			return
		}
		_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
		_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF, 1<<18)
	})
	if err != nil {
		return err
	}
	return opErr
}
