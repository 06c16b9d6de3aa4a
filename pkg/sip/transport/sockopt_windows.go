//go:build windows

package transport

import (
	"syscall"

	"golang.org/x/sys/windows"
)

// controlSocket applies platform socket options before bind. Windows
// only needs SO_REUSEADDR; there is no SO_REUSEPORT equivalent.
func controlSocket(network, address string, c syscall.RawConn) error {
	var opErr error
	err := c.Control(func(fd uintptr) {
		opErr = windows.SetsockoptInt(windows.Handle(fd), windows.SOL_SOCKET, windows.SO_REUSEADDR, 1)
	})
	if err != nil {
		return err
	}
	return opErr
}
