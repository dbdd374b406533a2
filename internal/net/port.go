// Package net provides small networking helpers for the dev server lifecycle.
package net

import (
	"fmt"
	"net"
)

// AllocateEphemeralPort asks the OS for a free TCP port on the loopback
// interface by binding to port 0, reading back the assigned port, and
// immediately releasing the listener. The dev server is then told to bind
// the returned port, although it may ultimately report a different one.
func AllocateEphemeralPort() (int, error) {
	addr, err := net.ResolveTCPAddr("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("resolving loopback addr: %w", err)
	}
	listener, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return 0, fmt.Errorf("listening to acquire port: %w", err)
	}
	defer listener.Close()
	return listener.Addr().(*net.TCPAddr).Port, nil
}
