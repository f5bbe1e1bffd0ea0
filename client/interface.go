package client

import (
	"context"
	"net"
)

// Transport opens the byte stream a Client speaks the protocol over.
type Transport interface {
	Dial(ctx context.Context, addr string) (net.Conn, error)
}

// TransportFunc adapts a plain function to the Transport interface.
type TransportFunc func(ctx context.Context, addr string) (net.Conn, error)

func (f TransportFunc) Dial(ctx context.Context, addr string) (net.Conn, error) {
	return f(ctx, addr)
}
