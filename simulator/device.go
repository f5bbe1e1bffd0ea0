// Package simulator runs a fake power strip that speaks the device side of
// the smartpower protocol over TCP and answers discovery knocks over UDP.
package simulator

import (
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/mbocsi/smartpower/broker"
	"github.com/mbocsi/smartpower/proto"
)

const (
	DefaultPins       = 4
	DefaultMaxClients = 16
)

// Config describes the simulated device.
type Config struct {
	TCPAddr      string // e.g. ":2000"; empty disables the TCP side
	UDPAddr      string // e.g. ":5500"; empty disables discovery replies
	Pins         int
	DeviceType   proto.DeviceType
	HighDeviceID uint32
	LowDeviceID  uint32
	MaxClients   int
	Logger       *slog.Logger
}

// Device is a running simulated power strip.
type Device struct {
	cfg Config
	log *slog.Logger

	mu       sync.Mutex
	pins     map[uint8]proto.PinState
	peers    map[string]*peer
	listener net.Listener
	udp      *net.UDPConn
	wg       sync.WaitGroup

	ignoreHello    atomic.Bool
	ignorePings    atomic.Bool
	ignoreCommands atomic.Bool
	helloCount     atomic.Int64
	pingCount      atomic.Int64
	knockCount     atomic.Int64
}

func New(cfg Config) *Device {
	if cfg.Pins <= 0 {
		cfg.Pins = DefaultPins
	}
	if cfg.MaxClients <= 0 {
		cfg.MaxClients = DefaultMaxClients
	}
	if cfg.DeviceType == proto.DeviceTypeUnknown {
		cfg.DeviceType = proto.DeviceTypeSmartPowerStrip
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	pins := make(map[uint8]proto.PinState, cfg.Pins)
	for i := 0; i < cfg.Pins; i++ {
		pins[uint8(i)] = proto.Off
	}
	return &Device{
		cfg:   cfg,
		log:   cfg.Logger.With("component", "simulator"),
		pins:  pins,
		peers: make(map[string]*peer),
	}
}

// Start binds the configured listeners and serves them in the background.
func (d *Device) Start() error {
	if d.cfg.Pins > proto.MaxStatusPins {
		return fmt.Errorf("simulator: %d pins do not fit in a status frame (max %d)", d.cfg.Pins, proto.MaxStatusPins)
	}

	if d.cfg.TCPAddr != "" {
		l, err := net.Listen("tcp", d.cfg.TCPAddr)
		if err != nil {
			return err
		}
		d.mu.Lock()
		d.listener = l
		d.mu.Unlock()
		d.log.Info("Starting tcp listener", "addr", l.Addr().String())

		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.acceptLoop(l)
		}()
	}

	if d.cfg.UDPAddr != "" {
		laddr, err := net.ResolveUDPAddr("udp4", d.cfg.UDPAddr)
		if err != nil {
			d.Shutdown()
			return err
		}
		conn, err := net.ListenUDP("udp4", laddr)
		if err != nil {
			d.Shutdown()
			return err
		}
		d.mu.Lock()
		d.udp = conn
		d.mu.Unlock()
		d.log.Info("Starting udp listener", "addr", conn.LocalAddr().String())

		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.knockLoop(conn)
		}()
	}
	return nil
}

// Shutdown closes the listeners and every connection, then waits for the
// serving goroutines.
func (d *Device) Shutdown() error {
	d.mu.Lock()
	var errs []error
	if d.listener != nil {
		errs = append(errs, d.listener.Close())
		d.listener = nil
	}
	if d.udp != nil {
		errs = append(errs, d.udp.Close())
		d.udp = nil
	}
	for _, p := range d.peers {
		p.conn.Close()
	}
	d.mu.Unlock()

	d.wg.Wait()
	d.log.Info("Simulator stopped")
	return ignoreClosed(errors.Join(errs...))
}

// Addr is the bound TCP address.
func (d *Device) Addr() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.listener == nil {
		return ""
	}
	return d.listener.Addr().String()
}

// UDPAddr is the bound discovery address.
func (d *Device) UDPAddr() *net.UDPAddr {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.udp == nil {
		return nil
	}
	return d.udp.LocalAddr().(*net.UDPAddr)
}

// Identity is the HelloResponse this device sends.
func (d *Device) Identity() proto.HelloResponse {
	return proto.HelloResponse{
		DeviceType:   d.cfg.DeviceType,
		HighDeviceID: d.cfg.HighDeviceID,
		LowDeviceID:  d.cfg.LowDeviceID,
	}
}

func (d *Device) Pins() map[uint8]proto.PinState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return maps.Clone(d.pins)
}

// SetPin changes one outlet and notifies every connected client.
func (d *Device) SetPin(pin uint8, state proto.PinState) {
	d.mu.Lock()
	d.pins[pin] = state
	d.mu.Unlock()
	d.PushStatus()
}

// PushStatus sends an unsolicited status notification to every client.
func (d *Device) PushStatus() {
	frame, err := proto.Encode(0, d.status())
	if err != nil {
		d.log.Error("Failed to encode status", "error", err)
		return
	}
	d.mu.Lock()
	peers := make([]*peer, 0, len(d.peers))
	for _, p := range d.peers {
		peers = append(peers, p)
	}
	d.mu.Unlock()

	for _, p := range peers {
		p.write(frame)
	}
}

// DropConnections closes every client connection while staying up, as a
// device losing its network link would.
func (d *Device) DropConnections() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for id, p := range d.peers {
		d.log.Info("Dropping connection", "id", id)
		p.conn.Close()
	}
}

// Connections is the number of connected clients.
func (d *Device) Connections() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.peers)
}

func (d *Device) SetIgnoreHello(v bool)    { d.ignoreHello.Store(v) }
func (d *Device) SetIgnorePings(v bool)    { d.ignorePings.Store(v) }
func (d *Device) SetIgnoreCommands(v bool) { d.ignoreCommands.Store(v) }

func (d *Device) HelloCount() int { return int(d.helloCount.Load()) }
func (d *Device) PingCount() int  { return int(d.pingCount.Load()) }
func (d *Device) KnockCount() int { return int(d.knockCount.Load()) }

func (d *Device) status() proto.SmartPowerStatus {
	d.mu.Lock()
	defer d.mu.Unlock()
	return proto.SmartPowerStatus{Pins: maps.Clone(d.pins)}
}

func (d *Device) acceptLoop(l net.Listener) {
	for {
		conn, err := l.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				d.log.Warn("Accept failed", "error", err)
			}
			return
		}

		d.mu.Lock()
		full := len(d.peers) >= d.cfg.MaxClients
		d.mu.Unlock()
		if full {
			d.log.Warn("Max clients reached, rejecting connection", "remote_addr", conn.RemoteAddr().String())
			conn.Close()
			continue
		}

		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.handleConnection(conn)
		}()
	}
}

func (d *Device) handleConnection(conn net.Conn) {
	p := &peer{id: "peer-" + uuid.NewString(), conn: conn}
	log := d.log.With("id", p.id, "addr", conn.RemoteAddr().String())

	d.mu.Lock()
	d.peers[p.id] = p
	d.mu.Unlock()
	log.Info("Client connected")

	defer func() {
		d.mu.Lock()
		delete(d.peers, p.id)
		d.mu.Unlock()
		conn.Close()
		log.Info("Client disconnected")
	}()

	disp := d.newDispatcher(p)
	var acc proto.Reassembler
	buf := make([]byte, 512)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			acc.Write(buf[:n])
			for {
				frame, err := acc.Next()
				if err != nil {
					log.Warn("Invalid frame, closing connection", "error", err)
					return
				}
				if frame == nil {
					break
				}
				if err := disp.Parse(frame); err != nil {
					log.Warn("Invalid frame, closing connection", "error", err)
					return
				}
			}
		}
		if err != nil {
			return
		}
	}
}

func (d *Device) newDispatcher(p *peer) *broker.Dispatcher {
	disp := broker.NewDispatcher()
	broker.Subscribe(disp, func(id uint32, _ proto.HelloRequest) {
		d.helloCount.Add(1)
		if d.ignoreHello.Load() {
			return
		}
		p.send(id, d.Identity())
		p.send(0, d.status())
	})
	broker.Subscribe(disp, func(id uint32, _ proto.PingCommand) {
		d.pingCount.Add(1)
		if d.ignorePings.Load() {
			return
		}
		p.send(id, proto.OkResponse{})
	})
	broker.Subscribe(disp, func(id uint32, _ proto.AllOnCommand) {
		d.command(p, id, func(pins map[uint8]proto.PinState) error {
			for pin := range pins {
				pins[pin] = proto.On
			}
			return nil
		})
	})
	broker.Subscribe(disp, func(id uint32, _ proto.AllOffCommand) {
		d.command(p, id, func(pins map[uint8]proto.PinState) error {
			for pin := range pins {
				pins[pin] = proto.Off
			}
			return nil
		})
	})
	broker.Subscribe(disp, func(id uint32, m proto.Inversion) {
		d.command(p, id, func(pins map[uint8]proto.PinState) error {
			state, ok := pins[m.Pin]
			if !ok {
				return errInvalidPin
			}
			if state == proto.On {
				pins[m.Pin] = proto.Off
			} else {
				pins[m.Pin] = proto.On
			}
			return nil
		})
	})
	return disp
}

var errInvalidPin = errors.New("invalid pin")

// command applies a state change, acknowledges it to p and pushes the new
// status to every client.
func (d *Device) command(p *peer, id uint32, apply func(map[uint8]proto.PinState) error) {
	if d.ignoreCommands.Load() {
		return
	}
	d.mu.Lock()
	err := apply(d.pins)
	d.mu.Unlock()

	if err != nil {
		p.send(id, proto.ErrorResponse{Type: proto.InvalidPin})
		return
	}
	p.send(id, proto.OkResponse{})
	d.PushStatus()
}

// knockLoop answers KnockKnock datagrams with the device identity, sent to
// the knocker's IP at the port it asked for.
func (d *Device) knockLoop(conn *net.UDPConn) {
	var sender net.IP
	disp := broker.NewDispatcher()
	broker.Subscribe(disp, func(id uint32, m proto.KnockKnock) {
		d.knockCount.Add(1)
		frame, err := proto.Encode(id, d.Identity())
		if err != nil {
			d.log.Error("Failed to encode hello response", "error", err)
			return
		}
		to := &net.UDPAddr{IP: sender, Port: int(m.ReplyPort)}
		if _, err := conn.WriteToUDP(frame, to); err != nil {
			d.log.Warn("Failed to answer knock", "to", to.String(), "error", err)
			return
		}
		d.log.Debug("Answered knock", "to", to.String())
	})

	buf := make([]byte, 65507)
	for {
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				d.log.Warn("UDP read failed", "error", err)
			}
			return
		}
		sender = addr.IP
		if err := disp.Parse(buf[:n]); err != nil {
			d.log.Debug("Ignoring datagram", "from", addr.String(), "error", err)
		}
	}
}

func ignoreClosed(err error) error {
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

type peer struct {
	id   string
	conn net.Conn
	mu   sync.Mutex
}

func (p *peer) send(id uint32, m proto.Message) {
	frame, err := proto.Encode(id, m)
	if err != nil {
		slog.Error("Failed to encode frame", "kind", m.Kind().String(), "error", err)
		return
	}
	p.write(frame)
}

func (p *peer) write(frame []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, err := p.conn.Write(frame); err != nil {
		slog.Debug("Write to client failed", "id", p.id, "error", err)
	}
}
