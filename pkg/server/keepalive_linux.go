//go:build linux

package server

import (
	"net"
	"time"

	"golang.org/x/sys/unix"
)

// tuneKeepalive configures SO_KEEPALIVE with explicit idle/interval/probe
// counts on Linux. Other platforms fall back to the coarser
// net.TCPConn.SetKeepAlivePeriod in keepalive_other.go.
func tuneKeepalive(conn *net.TCPConn, idle, interval time.Duration, probes int) error {
	if err := conn.SetKeepAlive(true); err != nil {
		return err
	}
	if err := conn.SetNoDelay(true); err != nil { // disables Nagle
		return err
	}

	rawConn, err := conn.SyscallConn()
	if err != nil {
		return err
	}

	var sockErr error
	ctrlErr := rawConn.Control(func(fd uintptr) {
		if sockErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_KEEPIDLE, int(idle.Seconds())); sockErr != nil {
			return
		}
		if sockErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_KEEPINTVL, int(interval.Seconds())); sockErr != nil {
			return
		}
		sockErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_KEEPCNT, probes)
	})
	if ctrlErr != nil {
		return ctrlErr
	}
	return sockErr
}
