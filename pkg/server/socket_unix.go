//go:build unix

package server

import (
	"syscall"
)

// listenControl marks the listening socket SO_REUSEADDR so a restarted server
// can bind while old connections sit in TIME_WAIT
func listenControl(network, address string, c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		sockErr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
	})
	if err != nil {
		return err
	}
	return sockErr
}
