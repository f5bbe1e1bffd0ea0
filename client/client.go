package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/mbocsi/smartpower/broker"
	"github.com/mbocsi/smartpower/proto"
)

const readChunkSize = 1024

// State is the lifecycle phase of a session.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateAwaitingHello
	StateAwaitingInitialStatus
	StateReady
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAwaitingHello:
		return "awaiting_hello"
	case StateAwaitingInitialStatus:
		return "awaiting_initial_status"
	case StateReady:
		return "ready"
	case StateReconnecting:
		return "reconnecting"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

var (
	ErrNotConnected     = errors.New("client: not connected")
	ErrDisconnected     = errors.New("client: disconnected")
	ErrClosed           = errors.New("client: closed")
	ErrHeartbeatTimeout = errors.New("client: heartbeat timeout")
	ErrHandshakeTimeout = errors.New("client: handshake timeout")
)

// ResponseError is returned for a request the device answered with an
// ErrorResponse.
type ResponseError struct {
	RequestID uint32
	Type      proto.ErrorResponseType
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("device rejected request %d: %s", e.RequestID, e.Type)
}

type handshake struct {
	id     uint32
	hello  chan proto.HelloResponse
	status chan proto.SmartPowerStatus
	err    chan error
}

// Client is a session with one power strip. It connects on demand, keeps
// the link alive with pings and reconnects on its own after a failure once a
// handshake has succeeded.
//
// All session state is guarded by mu. The reader, writer and heartbeat
// goroutines belong to one connection generation and re-check gen under mu
// before touching anything, so work from a torn-down connection is dropped.
type Client struct {
	Id   string
	addr string
	opts options
	log  *slog.Logger

	connectGroup singleflight.Group

	ctx    context.Context
	cancel context.CancelFunc

	mu             sync.Mutex
	state          State
	stateEvents    []State
	conn           net.Conn
	gen            uint64
	connCancel     context.CancelCauseFunc
	armed          bool
	closed         bool
	reconnectTimer *time.Timer
	reconnectSeq   uint64

	counterID uint32
	pending   map[uint32]*Request
	queue     [][]byte
	writing   bool

	handshake *handshake
	lastBeat  time.Time
	pinging   bool
	device    proto.HelloResponse
	hasDevice bool
	status    proto.SmartPowerStatus
	hasStatus bool

	subMu      sync.RWMutex
	statusSubs []func(proto.SmartPowerStatus)
	stateSubs  []func(State)

	notifyMu    sync.Mutex
	notifyQueue []proto.SmartPowerStatus
	notifying   bool
}

// NewClient creates a session for the device at addr ("host:port"). No
// connection is made until Connect.
func NewClient(addr string, opts ...Option) *Client {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	id := "session-" + uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		Id:      id,
		addr:    addr,
		opts:    o,
		log:     o.logger.With("component", "client", "session", id, "addr", addr),
		ctx:     ctx,
		cancel:  cancel,
		pending: make(map[uint32]*Request),
	}
}

// Connect establishes the session and returns the device's initial pin
// states. Concurrent callers share a single attempt and all receive its
// outcome. Connecting an already ready session returns the latest status.
func (c *Client) Connect(ctx context.Context) (proto.SmartPowerStatus, error) {
	ch := c.connectGroup.DoChan("connect", func() (any, error) {
		return c.connect()
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return proto.SmartPowerStatus{}, res.Err
		}
		return res.Val.(proto.SmartPowerStatus).Clone(), nil
	case <-ctx.Done():
		return proto.SmartPowerStatus{}, ctx.Err()
	}
}

func (c *Client) connect() (proto.SmartPowerStatus, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return proto.SmartPowerStatus{}, ErrClosed
	}
	if c.state == StateReady {
		status := c.status.Clone()
		c.mu.Unlock()
		return status, nil
	}
	c.stopReconnectLocked()
	c.gen++
	gen := c.gen
	ctx, cancel := context.WithCancelCause(c.ctx)
	c.connCancel = cancel
	c.setStateLocked(StateConnecting)
	c.unlock()

	c.log.Info("Connecting to device")
	dialCtx, dialCancel := context.WithTimeout(ctx, c.opts.dialTimeout)
	conn, err := c.opts.transport.Dial(dialCtx, c.addr)
	dialCancel()
	if err != nil {
		if cause := context.Cause(ctx); cause != nil {
			return proto.SmartPowerStatus{}, cause
		}
		return proto.SmartPowerStatus{}, c.abort(gen, fmt.Errorf("dial %s: %w", c.addr, err))
	}

	hs := &handshake{
		hello:  make(chan proto.HelloResponse, 1),
		status: make(chan proto.SmartPowerStatus, 1),
		err:    make(chan error, 1),
	}

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		conn.Close()
		return proto.SmartPowerStatus{}, context.Cause(ctx)
	}
	c.conn = conn
	c.handshake = hs
	c.setStateLocked(StateAwaitingHello)
	go c.readLoop(conn, gen, c.newDispatcher(gen))

	hs.id = c.nextIDLocked()
	frame, err := proto.Encode(hs.id, proto.HelloRequest{})
	if err != nil {
		c.unlock()
		return proto.SmartPowerStatus{}, c.abort(gen, err)
	}
	c.enqueueLocked(frame)
	c.unlock()

	timeout := time.NewTimer(c.opts.handshakeTimeout)
	defer timeout.Stop()

	var hello proto.HelloResponse
	select {
	case hello = <-hs.hello:
	case err := <-hs.err:
		return proto.SmartPowerStatus{}, c.reject(gen, err)
	case <-ctx.Done():
		return proto.SmartPowerStatus{}, context.Cause(ctx)
	case <-timeout.C:
		return proto.SmartPowerStatus{}, c.abort(gen, fmt.Errorf("%w: no hello response", ErrHandshakeTimeout))
	}
	c.log.Info("Device identified",
		"device_type", hello.DeviceType.String(),
		"high_device_id", hello.HighDeviceID,
		"low_device_id", hello.LowDeviceID,
	)

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return proto.SmartPowerStatus{}, context.Cause(ctx)
	}
	c.device = hello
	c.hasDevice = true
	c.setStateLocked(StateAwaitingInitialStatus)
	c.unlock()

	var status proto.SmartPowerStatus
	select {
	case status = <-hs.status:
	case err := <-hs.err:
		return proto.SmartPowerStatus{}, c.reject(gen, err)
	case <-ctx.Done():
		return proto.SmartPowerStatus{}, context.Cause(ctx)
	case <-timeout.C:
		return proto.SmartPowerStatus{}, c.abort(gen, fmt.Errorf("%w: no initial status", ErrHandshakeTimeout))
	}

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return proto.SmartPowerStatus{}, context.Cause(ctx)
	}
	c.handshake = nil
	c.lastBeat = time.Now()
	c.armed = true
	c.setStateLocked(StateReady)
	go c.heartbeatLoop(ctx, gen)
	c.unlock()

	c.log.Info("Session ready", "pins", len(status.Pins))
	return status, nil
}

// abort tears down the connection attempt gen after a local failure such as
// a handshake timeout.
func (c *Client) abort(gen uint64, err error) error {
	c.mu.Lock()
	if gen == c.gen {
		c.log.Warn("Connect attempt failed", "error", err)
		c.teardownLocked(err)
		c.scheduleReconnectLocked()
	}
	c.unlock()
	return err
}

// reject tears down the connection attempt gen after the device answered the
// hello with an ErrorResponse. A VersionError stops reconnection since every
// later attempt would be refused the same way.
func (c *Client) reject(gen uint64, err error) error {
	c.mu.Lock()
	if gen == c.gen {
		c.log.Warn("Device rejected handshake", "error", err)
		var rerr *ResponseError
		if errors.As(err, &rerr) && rerr.Type == proto.VersionError {
			c.armed = false
		}
		c.teardownLocked(err)
		c.scheduleReconnectLocked()
	}
	c.unlock()
	return err
}

// Disconnect closes the connection and stops reconnecting. Outstanding
// requests fail with ErrDisconnected. The session can be connected again.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.armed = false
	c.stopReconnectLocked()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.log.Info("Disconnecting")
	c.teardownLocked(ErrDisconnected)
	c.unlock()
}

// Close releases the session for good. Every pending operation fails with
// ErrClosed. It does not wait for background goroutines and may be called
// from inside a status or state callback.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.armed = false
	c.stopReconnectLocked()
	c.teardownLocked(ErrClosed)
	c.unlock()
	c.cancel()
	c.log.Debug("Session closed")
	return nil
}

// SendAllOn switches every outlet on.
func (c *Client) SendAllOn() *Request {
	return c.send(proto.AllOnCommand{})
}

// SendAllOff switches every outlet off.
func (c *Client) SendAllOff() *Request {
	return c.send(proto.AllOffCommand{})
}

// SetInversion toggles a single outlet.
func (c *Client) SetInversion(pin uint8) *Request {
	return c.send(proto.Inversion{Pin: pin})
}

func (c *Client) send(msg proto.Request) *Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return failedRequest(msg.Kind(), ErrClosed)
	}
	if c.state != StateReady {
		return failedRequest(msg.Kind(), fmt.Errorf("%w: session is %s", ErrNotConnected, c.state))
	}
	return c.requestLocked(msg, nil)
}

func (c *Client) requestLocked(msg proto.Request, onReply func(error)) *Request {
	id := c.nextIDLocked()
	r := newRequest(c, id, msg.Kind(), onReply)
	frame, err := proto.Encode(id, msg)
	if err != nil {
		r.finish(err)
		return r
	}
	c.pending[id] = r
	c.enqueueLocked(frame)
	return r
}

func (c *Client) nextIDLocked() uint32 {
	id := c.counterID
	c.counterID++
	return id
}

// forget drops r from the correlation table when its caller stops waiting.
func (c *Client) forget(r *Request, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending[r.ID] == r {
		delete(c.pending, r.ID)
		r.finish(err)
	}
}

func (c *Client) enqueueLocked(frame []byte) {
	c.queue = append(c.queue, frame)
	if c.writing || c.conn == nil {
		return
	}
	c.writing = true
	go c.writeLoop(c.conn, c.gen)
}

// writeLoop drains the queue front to back with one write in flight. It
// exits when the queue is empty; the next enqueue starts a new one.
func (c *Client) writeLoop(conn net.Conn, gen uint64) {
	for {
		c.mu.Lock()
		if gen != c.gen {
			c.mu.Unlock()
			return
		}
		if len(c.queue) == 0 {
			c.writing = false
			c.mu.Unlock()
			return
		}
		frame := c.queue[0]
		c.mu.Unlock()

		if _, err := conn.Write(frame); err != nil {
			c.fail(gen, fmt.Errorf("write: %w", err))
			return
		}
		kind := proto.Kind(frame[0])
		metricFramesSent.WithLabelValues(kind.String()).Inc()
		c.log.Debug("Sent frame", "kind", kind.String(), "size", len(frame))

		c.mu.Lock()
		if gen == c.gen {
			c.queue = c.queue[1:]
		}
		c.mu.Unlock()
	}
}

func (c *Client) readLoop(conn net.Conn, gen uint64, d *broker.Dispatcher) {
	var acc proto.Reassembler
	buf := make([]byte, readChunkSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			acc.Write(buf[:n])
			if perr := c.dispatchFrames(&acc, d); perr != nil {
				metricDecodeErrors.Inc()
				c.fail(gen, perr)
				return
			}
		}
		if err != nil {
			c.fail(gen, fmt.Errorf("read: %w", err))
			return
		}
	}
}

// dispatchFrames hands every complete frame in acc to d, in order.
func (c *Client) dispatchFrames(acc *proto.Reassembler, d *broker.Dispatcher) error {
	for {
		frame, err := acc.Next()
		if err != nil {
			return fmt.Errorf("decode: %w", err)
		}
		if frame == nil {
			return nil
		}
		if err := d.Parse(frame); err != nil {
			return err
		}
		metricFramesReceived.WithLabelValues(proto.Kind(frame[0]).String()).Inc()
	}
}

// newDispatcher wires the handlers for one connection generation.
func (c *Client) newDispatcher(gen uint64) *broker.Dispatcher {
	d := broker.NewDispatcher()
	broker.Subscribe(d, func(id uint32, m proto.HelloResponse) {
		c.handleHello(gen, id, m)
	})
	broker.SubscribeStatus(d, func(s proto.SmartPowerStatus) {
		c.handleStatus(gen, s)
	})
	broker.Subscribe(d, func(id uint32, _ proto.OkResponse) {
		c.resolve(gen, id, nil)
	})
	broker.Subscribe(d, func(id uint32, m proto.ErrorResponse) {
		err := &ResponseError{RequestID: id, Type: m.Type}
		if !c.handleHandshakeError(gen, id, err) {
			c.resolve(gen, id, err)
		}
	})
	return d
}

func (c *Client) handleHello(gen uint64, id uint32, m proto.HelloResponse) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen || c.handshake == nil || c.handshake.id != id {
		c.log.Debug("Dropping unexpected hello response", "request_id", id)
		return
	}
	select {
	case c.handshake.hello <- m:
	default:
	}
}

func (c *Client) handleHandshakeError(gen uint64, id uint32, err error) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen || c.handshake == nil || c.handshake.id != id {
		return false
	}
	select {
	case c.handshake.err <- err:
	default:
	}
	return true
}

func (c *Client) handleStatus(gen uint64, s proto.SmartPowerStatus) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.status = s
	c.hasStatus = true
	if hs := c.handshake; hs != nil {
		select {
		case hs.status <- s.Clone():
		default:
		}
	}
	c.mu.Unlock()

	c.log.Debug("Status notification", "pins", len(s.Pins))
	c.notifyMu.Lock()
	c.notifyQueue = append(c.notifyQueue, s)
	if !c.notifying {
		c.notifying = true
		go c.notifyLoop()
	}
	c.notifyMu.Unlock()
}

// notifyLoop delivers queued status notifications in order, off the reader
// goroutine. At most one runs at a time.
func (c *Client) notifyLoop() {
	for {
		c.notifyMu.Lock()
		if len(c.notifyQueue) == 0 {
			c.notifying = false
			c.notifyMu.Unlock()
			return
		}
		s := c.notifyQueue[0]
		c.notifyQueue = c.notifyQueue[1:]
		c.notifyMu.Unlock()

		c.subMu.RLock()
		subs := slices.Clone(c.statusSubs)
		c.subMu.RUnlock()
		for _, fn := range subs {
			fn(s.Clone())
		}
	}
}

func (c *Client) resolve(gen uint64, id uint32, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return
	}
	r, ok := c.pending[id]
	if !ok {
		c.log.Debug("Dropping reply for unknown request", "request_id", id)
		return
	}
	delete(c.pending, id)
	r.finish(err)
}

func (c *Client) heartbeatLoop(ctx context.Context, gen uint64) {
	ticker := time.NewTicker(c.opts.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		c.mu.Lock()
		if gen != c.gen {
			c.mu.Unlock()
			return
		}
		if elapsed := time.Since(c.lastBeat); elapsed > c.opts.heartbeatTimeout {
			c.mu.Unlock()
			metricHeartbeatTimeouts.Inc()
			c.fail(gen, fmt.Errorf("%w: no reply for %s", ErrHeartbeatTimeout, elapsed.Round(time.Millisecond)))
			return
		}
		if !c.pinging {
			c.pinging = true
			c.requestLocked(proto.PingCommand{}, func(err error) {
				c.pinging = false
				var rerr *ResponseError
				if err == nil || errors.As(err, &rerr) {
					c.lastBeat = time.Now()
				}
			})
		}
		c.mu.Unlock()
	}
}

// fail tears the connection down after an error from generation gen.
// Errors from a generation that is already gone were caused locally and are
// dropped.
func (c *Client) fail(gen uint64, err error) {
	c.mu.Lock()
	if gen != c.gen || c.conn == nil {
		c.mu.Unlock()
		c.log.Debug("Ignoring error from closed connection", "error", err)
		return
	}
	c.log.Warn("Connection failed", "error", err)
	c.teardownLocked(err)
	c.scheduleReconnectLocked()
	c.unlock()
}

func (c *Client) teardownLocked(cause error) {
	if c.connCancel != nil {
		c.connCancel(cause)
		c.connCancel = nil
	}
	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			c.log.Debug("Error closing connection", "error", err)
		}
		c.conn = nil
	}
	c.gen++
	c.queue = nil
	c.writing = false
	c.handshake = nil
	c.pinging = false

	reqErr := cause
	if !errors.Is(cause, ErrDisconnected) && !errors.Is(cause, ErrClosed) {
		reqErr = fmt.Errorf("%w: %w", ErrDisconnected, cause)
	}
	for id, r := range c.pending {
		delete(c.pending, id)
		r.finish(reqErr)
	}
	c.setStateLocked(StateDisconnected)
}

func (c *Client) scheduleReconnectLocked() {
	if !c.armed || c.closed {
		return
	}
	c.stopReconnectLocked()
	c.setStateLocked(StateReconnecting)
	metricReconnects.Inc()
	c.log.Info("Scheduling reconnect", "delay", c.opts.reconnectDelay)

	seq := c.reconnectSeq
	c.reconnectTimer = time.AfterFunc(c.opts.reconnectDelay, func() {
		c.reconnect(seq)
	})
}

func (c *Client) stopReconnectLocked() {
	c.reconnectSeq++
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
}

func (c *Client) reconnect(seq uint64) {
	c.mu.Lock()
	if seq != c.reconnectSeq || c.closed || !c.armed || c.state != StateReconnecting {
		c.mu.Unlock()
		return
	}
	c.reconnectTimer = nil
	c.mu.Unlock()

	if _, err := c.Connect(c.ctx); err != nil {
		c.log.Warn("Reconnect failed", "error", err)
	}
}

func (c *Client) setStateLocked(s State) {
	if c.state == s {
		return
	}
	prev := c.state
	c.state = s
	if s == StateReady {
		metricSessionsReady.Inc()
	} else if prev == StateReady {
		metricSessionsReady.Dec()
	}
	c.stateEvents = append(c.stateEvents, s)
	c.log.Debug("State changed", "from", prev.String(), "to", s.String())
}

// unlock releases mu and then delivers any state changes recorded while it
// was held.
func (c *Client) unlock() {
	events := c.stateEvents
	c.stateEvents = nil
	c.mu.Unlock()
	if len(events) == 0 {
		return
	}

	c.subMu.RLock()
	subs := slices.Clone(c.stateSubs)
	c.subMu.RUnlock()
	for _, s := range events {
		for _, fn := range subs {
			fn(s)
		}
	}
}

// OnStatus registers fn for every status notification from the device,
// including the initial one of each handshake. Callbacks run in order on a
// goroutine separate from the connection reader, so fn may issue and wait on
// further requests.
func (c *Client) OnStatus(fn func(proto.SmartPowerStatus)) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	c.statusSubs = append(c.statusSubs, fn)
}

// OnStateChange registers fn for every lifecycle transition.
func (c *Client) OnStateChange(fn func(State)) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	c.stateSubs = append(c.stateSubs, fn)
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Status returns the latest pin states reported by the device.
func (c *Client) Status() (proto.SmartPowerStatus, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status.Clone(), c.hasStatus
}

// Device returns the identity from the most recent handshake.
func (c *Client) Device() (proto.HelloResponse, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.device, c.hasDevice
}

func (c *Client) LastHeartbeat() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastBeat
}

func (c *Client) Addr() string {
	return c.addr
}
