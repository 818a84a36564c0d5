//go:build !linux

// Package dontfrag sets the Don't-Fragment bit on the server's per-query
// ephemeral upstream UDP socket.
package dontfrag

import "net"

// Set is a no-op outside Linux: there is no portable cross-platform socket
// option for this, and the upstream DNS exchange is small enough that
// fragmentation in practice does not occur on non-Linux builds of this
// server.
func Set(conn *net.UDPConn) error {
	return nil
}
