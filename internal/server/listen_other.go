//go:build !linux

package server

import (
	"context"
	"net"
)

const reusePortSupported = false

// listenUDP: без SO_REUSEPORT на не-Linux.
func listenUDP(ctx context.Context, addr string, _ bool) (*net.UDPConn, error) {
	var lc net.ListenConfig
	pc, err := lc.ListenPacket(ctx, "udp", addr)
	if err != nil {
		return nil, err
	}
	return pc.(*net.UDPConn), nil
}
