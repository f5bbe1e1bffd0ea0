package client

import (
	"context"
	"log/slog"
	"net"
	"time"
)

type TCPTransport struct {
	KeepAlive time.Duration
}

func NewTCPTransport() *TCPTransport {
	return &TCPTransport{KeepAlive: 15 * time.Second}
}

func (t *TCPTransport) Dial(ctx context.Context, addr string) (net.Conn, error) {
	d := net.Dialer{KeepAlive: t.KeepAlive}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		// frames are tiny and latency matters more than packing
		if err := tc.SetNoDelay(true); err != nil {
			slog.Debug("Failed to disable Nagle", "addr", addr, "error", err)
		}
	}
	return conn, nil
}
