package client

import (
	"log/slog"
	"time"
)

const (
	DefaultPort              = 2000
	DefaultDialTimeout       = 5 * time.Second
	DefaultHandshakeTimeout  = 5 * time.Second
	DefaultHeartbeatInterval = 1 * time.Second
	DefaultHeartbeatTimeout  = 5 * DefaultHeartbeatInterval
	DefaultReconnectDelay    = 5 * time.Second
)

type options struct {
	transport         Transport
	dialTimeout       time.Duration
	handshakeTimeout  time.Duration
	heartbeatInterval time.Duration
	heartbeatTimeout  time.Duration
	reconnectDelay    time.Duration
	logger            *slog.Logger
}

func defaultOptions() options {
	return options{
		transport:         NewTCPTransport(),
		dialTimeout:       DefaultDialTimeout,
		handshakeTimeout:  DefaultHandshakeTimeout,
		heartbeatInterval: DefaultHeartbeatInterval,
		heartbeatTimeout:  DefaultHeartbeatTimeout,
		reconnectDelay:    DefaultReconnectDelay,
		logger:            slog.Default(),
	}
}

// Option configures a Client.
type Option func(*options)

// WithTransport replaces the TCP dialer, e.g. with an in-memory pipe in tests.
func WithTransport(t Transport) Option {
	return func(o *options) {
		if t != nil {
			o.transport = t
		}
	}
}

func WithDialTimeout(d time.Duration) Option {
	return func(o *options) { o.dialTimeout = d }
}

// WithHandshakeTimeout bounds the wait for the HelloResponse and the
// initial status notification together.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(o *options) { o.handshakeTimeout = d }
}

// WithHeartbeat sets how often the peer is pinged and how long it may stay
// silent before the session is considered dead.
func WithHeartbeat(interval, timeout time.Duration) Option {
	return func(o *options) {
		o.heartbeatInterval = interval
		o.heartbeatTimeout = timeout
	}
}

func WithReconnectDelay(d time.Duration) Option {
	return func(o *options) { o.reconnectDelay = d }
}

func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}
