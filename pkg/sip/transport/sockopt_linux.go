//go:build linux

package transport

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// controlSocket applies platform socket options before bind. Signaling
// sockets want address reuse for fast rebinds after restart and a
// receive buffer large enough to absorb retransmission bursts.
func controlSocket(network, address string, c syscall.RawConn) error {
	var opErr error
	err := c.Control(func(fd uintptr) {
		if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
			opErr = err
			return
		}
		// SO_REUSEPORT lets a restarted process rebind while old
		// sockets drain; not fatal when the kernel refuses it.
		_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
		_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF, 1<<18)
	})
	if err != nil {
		return err
	}
	return opErr
}
