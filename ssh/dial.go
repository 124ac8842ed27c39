package ssh

import (
	"context"
	"fmt"
	"net"
)

// Dial opens a TCP connection to addr and runs Connect over it, the
// convenience entry point for the common case where the caller doesn't
// need a custom Socket.
func Dial(ctx context.Context, network, addr string, cfg Config) (*Connection, error) {
	conn, err := net.Dial(network, addr)
	if err != nil {
		return nil, fmt.Errorf("sshcore: ssh: dial %s: %w", addr, err)
	}
	c, err := Connect(ctx, NewNetSocket(conn), cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}
