//go:build !linux

package server

import (
	"net"
	"time"
)

// tuneKeepalive uses the closest available idle/interval pair on platforms
// without per-socket TCP_KEEPIDLE/TCP_KEEPINTVL/TCP_KEEPCNT control.
func tuneKeepalive(conn *net.TCPConn, idle, _ time.Duration, _ int) error {
	if err := conn.SetKeepAlive(true); err != nil {
		return err
	}
	if err := conn.SetNoDelay(true); err != nil {
		return err
	}
	return conn.SetKeepAlivePeriod(idle)
}
