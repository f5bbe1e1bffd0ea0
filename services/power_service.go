package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/mbocsi/smartpower/client"
	"github.com/mbocsi/smartpower/proto"
)

const DefaultRequestTimeout = 5 * time.Second

// PowerServiceImpl implements PowerService on top of a client.Client. At
// most one session exists at a time; connecting to a different address
// replaces it.
type PowerServiceImpl struct {
	defaultAddr    string
	requestTimeout time.Duration
	clientOpts     []client.Option

	mu      sync.Mutex
	session *client.Client

	smu     sync.RWMutex
	subs    map[uint64]func(client.BridgeEvent)
	nextSub uint64
}

// NewPowerService creates a power service. defaultAddr is used when Connect
// is called without an address and may be empty.
func NewPowerService(defaultAddr string, requestTimeout time.Duration, opts ...client.Option) *PowerServiceImpl {
	if requestTimeout <= 0 {
		requestTimeout = DefaultRequestTimeout
	}
	return &PowerServiceImpl{
		defaultAddr:    defaultAddr,
		requestTimeout: requestTimeout,
		clientOpts:     opts,
		subs:           make(map[uint64]func(client.BridgeEvent)),
	}
}

// Connect opens (or reuses) the session for addr and waits for the
// handshake.
func (ps *PowerServiceImpl) Connect(ctx context.Context, addr string) (*SessionInfo, error) {
	session, err := ps.sessionFor(addr)
	if err != nil {
		return nil, err
	}
	if _, err := session.Connect(ctx); err != nil {
		return nil, mapClientError("connect to "+session.Addr(), err)
	}
	return sessionInfo(session), nil
}

func (ps *PowerServiceImpl) sessionFor(addr string) (*client.Client, error) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if addr == "" {
		if ps.session != nil {
			return ps.session, nil
		}
		addr = ps.defaultAddr
	}
	if addr == "" {
		return nil, ServiceError{
			Code:    ErrCodeInvalidInput,
			Message: "No device address given and none configured",
		}
	}
	addr = withDefaultPort(addr)

	if ps.session != nil {
		if ps.session.Addr() == addr {
			return ps.session, nil
		}
		slog.Info("Replacing session", "old_addr", ps.session.Addr(), "new_addr", addr)
		ps.session.Close()
	}

	session := client.NewClient(addr, ps.clientOpts...)
	session.OnStatus(func(s proto.SmartPowerStatus) {
		ps.publish(client.BridgeEvent{Type: client.EventStatus, Pins: s.Pins, Time: time.Now()})
	})
	session.OnStateChange(func(s client.State) {
		ps.publish(client.BridgeEvent{Type: client.EventState, State: s.String(), Time: time.Now()})
	})
	ps.session = session
	return session, nil
}

func (ps *PowerServiceImpl) current() (*client.Client, error) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if ps.session == nil {
		return nil, ServiceError{
			Code:    ErrCodeUnavailable,
			Message: "No device session",
		}
	}
	return ps.session, nil
}

// Disconnect closes the current session, if any. It stays configured and
// can be connected again.
func (ps *PowerServiceImpl) Disconnect() error {
	session, err := ps.current()
	if err != nil {
		return err
	}
	session.Disconnect()
	return nil
}

// Session reports the current session.
func (ps *PowerServiceImpl) Session() (*SessionInfo, error) {
	session, err := ps.current()
	if err != nil {
		return nil, ServiceError{
			Code:    ErrCodeNotFound,
			Message: "No device session",
		}
	}
	return sessionInfo(session), nil
}

func (ps *PowerServiceImpl) AllOn(ctx context.Context) error {
	return ps.do(ctx, "all on", (*client.Client).SendAllOn)
}

func (ps *PowerServiceImpl) AllOff(ctx context.Context) error {
	return ps.do(ctx, "all off", (*client.Client).SendAllOff)
}

func (ps *PowerServiceImpl) Invert(ctx context.Context, pin int) error {
	if pin < 0 || pin > 255 {
		return ServiceError{
			Code:    ErrCodeInvalidInput,
			Message: fmt.Sprintf("Pin %d out of range 0-255", pin),
		}
	}
	return ps.do(ctx, fmt.Sprintf("invert pin %d", pin), func(c *client.Client) *client.Request {
		return c.SetInversion(uint8(pin))
	})
}

func (ps *PowerServiceImpl) do(ctx context.Context, what string, send func(*client.Client) *client.Request) error {
	session, err := ps.current()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, ps.requestTimeout)
	defer cancel()

	if err := send(session).Wait(ctx); err != nil {
		return mapClientError(what, err)
	}
	slog.Debug("Command acknowledged", "command", what, "addr", session.Addr())
	return nil
}

func (ps *PowerServiceImpl) Subscribe(fn func(client.BridgeEvent)) func() {
	ps.smu.Lock()
	id := ps.nextSub
	ps.nextSub++
	ps.subs[id] = fn
	ps.smu.Unlock()

	return func() {
		ps.smu.Lock()
		delete(ps.subs, id)
		ps.smu.Unlock()
	}
}

func (ps *PowerServiceImpl) publish(ev client.BridgeEvent) {
	ps.smu.RLock()
	subs := make([]func(client.BridgeEvent), 0, len(ps.subs))
	for _, fn := range ps.subs {
		subs = append(subs, fn)
	}
	ps.smu.RUnlock()

	for _, fn := range subs {
		fn(ev)
	}
}

// Close releases the session for good.
func (ps *PowerServiceImpl) Close() error {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if ps.session == nil {
		return nil
	}
	err := ps.session.Close()
	ps.session = nil
	return err
}

func sessionInfo(c *client.Client) *SessionInfo {
	info := &SessionInfo{
		Addr:          c.Addr(),
		State:         c.State().String(),
		LastHeartbeat: c.LastHeartbeat(),
	}
	if dev, ok := c.Device(); ok {
		host, _, _ := net.SplitHostPort(c.Addr())
		d := convertFoundDevice(client.FoundDevice{
			DeviceType:   dev.DeviceType,
			HighDeviceID: dev.HighDeviceID,
			LowDeviceID:  dev.LowDeviceID,
			IP:           host,
		}, c.Addr())
		info.Device = &d
	}
	if status, ok := c.Status(); ok {
		info.Pins = status.Pins
	}
	return info
}

func withDefaultPort(addr string) string {
	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}
	return net.JoinHostPort(addr, strconv.Itoa(client.DefaultPort))
}

// mapClientError converts session errors into ServiceErrors.
func mapClientError(what string, err error) error {
	var rerr *client.ResponseError
	var netErr net.Error
	switch {
	case errors.As(err, &rerr):
		return ServiceError{
			Code:    ErrCodeDeviceRejected,
			Message: fmt.Sprintf("Device rejected %s (%s)", what, rerr.Type),
			Cause:   err,
		}
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, client.ErrHandshakeTimeout):
		return ServiceError{
			Code:    ErrCodeTimeout,
			Message: "Timed out: " + what,
			Cause:   err,
		}
	case errors.Is(err, client.ErrNotConnected),
		errors.Is(err, client.ErrDisconnected),
		errors.Is(err, client.ErrClosed),
		errors.As(err, &netErr):
		return ServiceError{
			Code:    ErrCodeUnavailable,
			Message: "Device unavailable: " + what,
			Cause:   err,
		}
	}
	return ServiceError{
		Code:    ErrCodeInternal,
		Message: "Failed: " + what,
		Cause:   err,
	}
}
