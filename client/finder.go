package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mbocsi/smartpower/broker"
	"github.com/mbocsi/smartpower/proto"
)

const (
	DefaultBroadcastAddr    = "255.255.255.255:5500"
	DefaultListenAddr       = "0.0.0.0:8000"
	DefaultAnnounceInterval = 5 * time.Second

	// maxDatagramSize is the largest UDP payload over IPv4.
	maxDatagramSize = 65507
)

var ErrFinderStopped = errors.New("finder: stopped")

// FoundDevice identifies a power strip that answered a broadcast. Two
// records are the same device only if every field matches.
type FoundDevice struct {
	DeviceType   proto.DeviceType `json:"device_type"`
	HighDeviceID uint32           `json:"high_device_id"`
	LowDeviceID  uint32           `json:"low_device_id"`
	IP           string           `json:"ip"`
}

// Addr joins the device IP with port.
func (d FoundDevice) Addr(port int) string {
	return net.JoinHostPort(d.IP, fmt.Sprint(port))
}

type finderOptions struct {
	broadcastAddr string
	listenAddr    string
	interval      time.Duration
	logger        *slog.Logger
}

type FinderOption func(*finderOptions)

func WithBroadcastAddr(addr string) FinderOption {
	return func(o *finderOptions) { o.broadcastAddr = addr }
}

// WithListenAddr sets where HelloResponse replies are received. Port 0
// picks a free port, which is then advertised in every KnockKnock.
func WithListenAddr(addr string) FinderOption {
	return func(o *finderOptions) { o.listenAddr = addr }
}

func WithAnnounceInterval(d time.Duration) FinderOption {
	return func(o *finderOptions) { o.interval = d }
}

func WithFinderLogger(l *slog.Logger) FinderOption {
	return func(o *finderOptions) {
		if l != nil {
			o.logger = l
		}
	}
}

// Finder broadcasts KnockKnock datagrams and collects the HelloResponse
// replies into a set of distinct devices.
type Finder struct {
	opts finderOptions
	log  *slog.Logger

	mu        sync.Mutex
	devices   map[FoundDevice]struct{}
	onFound   func(FoundDevice)
	send      *net.UDPConn
	recv      *net.UDPConn
	bcast     *net.UDPAddr
	cancel    context.CancelFunc
	group     *errgroup.Group
	started   bool
	stopped   bool
	counterID atomic.Uint32

	// sender is the source of the datagram being parsed. Only the receive
	// goroutine touches it.
	sender net.IP
}

func NewFinder(opts ...FinderOption) *Finder {
	o := finderOptions{
		broadcastAddr: DefaultBroadcastAddr,
		listenAddr:    DefaultListenAddr,
		interval:      DefaultAnnounceInterval,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &Finder{
		opts:    o,
		log:     o.logger.With("component", "finder"),
		devices: make(map[FoundDevice]struct{}),
	}
}

// OnFoundDevice sets the callback invoked once per newly discovered device.
// Set it before Start.
func (f *Finder) OnFoundDevice(fn func(FoundDevice)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onFound = fn
}

// Start binds both sockets and begins announcing. It returns once the
// sockets are ready; discovery runs until ctx ends or Stop is called.
func (f *Finder) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopped {
		return ErrFinderStopped
	}
	if f.started {
		return errors.New("finder: already started")
	}

	bcast, err := net.ResolveUDPAddr("udp4", f.opts.broadcastAddr)
	if err != nil {
		return fmt.Errorf("resolve broadcast address %q: %w", f.opts.broadcastAddr, err)
	}
	laddr, err := net.ResolveUDPAddr("udp4", f.opts.listenAddr)
	if err != nil {
		return fmt.Errorf("resolve listen address %q: %w", f.opts.listenAddr, err)
	}

	recv, err := net.ListenUDP("udp4", laddr)
	if err != nil {
		return fmt.Errorf("bind receive socket %s: %w", laddr, err)
	}
	// Go enables SO_BROADCAST on UDP sockets.
	send, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero})
	if err != nil {
		recv.Close()
		return fmt.Errorf("bind broadcast socket: %w", err)
	}

	f.recv = recv
	f.send = send
	f.bcast = bcast
	f.started = true

	ctx, cancel := context.WithCancel(ctx)
	f.cancel = cancel
	g, gctx := errgroup.WithContext(ctx)
	f.group = g

	d := f.newDispatcher()
	g.Go(func() error { return f.receiveLoop(gctx, recv, d) })
	g.Go(func() error { return f.announceLoop(gctx) })
	go func() {
		<-gctx.Done()
		f.Stop()
	}()

	f.log.Info("Discovery started",
		"listen", recv.LocalAddr().String(),
		"broadcast", bcast.String(),
		"interval", f.opts.interval,
	)
	return nil
}

// Stop ends discovery and closes both sockets. No datagram is sent once it
// returns. It does not wait for the loops to exit; use Wait for that.
func (f *Finder) Stop() {
	f.mu.Lock()
	if f.stopped {
		f.mu.Unlock()
		return
	}
	f.stopped = true
	if f.send != nil {
		f.send.Close()
	}
	if f.recv != nil {
		f.recv.Close()
	}
	cancel := f.cancel
	f.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	f.log.Info("Discovery stopped")
}

// Wait blocks until the loops started by Start have exited.
func (f *Finder) Wait() error {
	f.mu.Lock()
	g := f.group
	f.mu.Unlock()
	if g == nil {
		return nil
	}
	return g.Wait()
}

// Devices returns a snapshot of every device seen so far.
func (f *Finder) Devices() []FoundDevice {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]FoundDevice, 0, len(f.devices))
	for d := range f.devices {
		out = append(out, d)
	}
	return out
}

// LocalAddr is the bound address of the receive socket, or nil before Start.
func (f *Finder) LocalAddr() *net.UDPAddr {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.recv == nil {
		return nil
	}
	return f.recv.LocalAddr().(*net.UDPAddr)
}

func (f *Finder) newDispatcher() *broker.Dispatcher {
	d := broker.NewDispatcher()
	broker.Subscribe(d, func(_ uint32, m proto.HelloResponse) {
		f.found(FoundDevice{
			DeviceType:   m.DeviceType,
			HighDeviceID: m.HighDeviceID,
			LowDeviceID:  m.LowDeviceID,
			IP:           f.sender.String(),
		})
	})
	return d
}

func (f *Finder) found(dev FoundDevice) {
	f.mu.Lock()
	if _, ok := f.devices[dev]; ok {
		f.mu.Unlock()
		return
	}
	f.devices[dev] = struct{}{}
	fn := f.onFound
	f.mu.Unlock()

	metricDevicesFound.Inc()
	f.log.Info("Found device",
		"ip", dev.IP,
		"device_type", dev.DeviceType.String(),
		"high_device_id", dev.HighDeviceID,
		"low_device_id", dev.LowDeviceID,
	)
	if fn != nil {
		fn(dev)
	}
}

func (f *Finder) receiveLoop(ctx context.Context, conn *net.UDPConn, d *broker.Dispatcher) error {
	buf := make([]byte, maxDatagramSize)
	for {
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("receive: %w", err)
		}
		f.sender = addr.IP
		if err := d.Parse(buf[:n]); err != nil {
			f.log.Warn("Discarding datagram", "from", addr.String(), "error", err)
		}
	}
}

func (f *Finder) announceLoop(ctx context.Context) error {
	ticker := time.NewTicker(f.opts.interval)
	defer ticker.Stop()
	for {
		if err := f.knock(); err != nil {
			if errors.Is(err, ErrFinderStopped) {
				return nil
			}
			f.log.Warn("Broadcast failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (f *Finder) knock() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopped {
		return ErrFinderStopped
	}

	port := f.recv.LocalAddr().(*net.UDPAddr).Port
	frame, err := proto.Encode(f.counterID.Add(1), proto.KnockKnock{ReplyPort: uint16(port)})
	if err != nil {
		return err
	}
	if _, err := f.send.WriteToUDP(frame, f.bcast); err != nil {
		return fmt.Errorf("send to %s: %w", f.bcast, err)
	}
	metricKnocksSent.Inc()
	f.log.Debug("Sent knock", "to", f.bcast.String(), "reply_port", port)
	return nil
}
