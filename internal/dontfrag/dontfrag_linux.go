//go:build linux

// Package dontfrag sets the Don't-Fragment bit on the server's per-query
// ephemeral upstream UDP socket.
package dontfrag

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// Set enables Don't-Fragment on conn via IP_MTU_DISCOVER/IP_PMTUDISC_DO.
func Set(conn *net.UDPConn) error {
	rawConn, err := conn.SyscallConn()
	if err != nil {
		return fmt.Errorf("dontfrag: get raw conn: %w", err)
	}
	var sockErr error
	err = rawConn.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_IP, unix.IP_MTU_DISCOVER, unix.IP_PMTUDISC_DO)
	})
	if err != nil {
		return fmt.Errorf("dontfrag: control: %w", err)
	}
	if sockErr != nil {
		return fmt.Errorf("dontfrag: setsockopt: %w", sockErr)
	}
	return nil
}
