package broker

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/mbocsi/smartpower/proto"
)

// Dispatcher routes decoded frames to the handlers subscribed to their
// message kind. All subscriptions must be made before the first Parse.
type Dispatcher struct {
	mu     sync.RWMutex
	subs   map[proto.Kind][]func(proto.Frame)
	sealed atomic.Bool
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		subs: make(map[proto.Kind][]func(proto.Frame)),
	}
}

// ParseError is returned by Parse when the input is not a valid frame.
type ParseError struct {
	Size int
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %d bytes: %v", e.Size, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// Subscribe registers fn for every frame of M's kind. Handlers receive the
// frame's request id along with the message.
func Subscribe[M proto.Request](d *Dispatcher, fn func(requestID uint32, msg M)) {
	var zero M
	d.add(zero.Kind(), func(f proto.Frame) {
		fn(f.RequestID, f.Message.(M))
	})
}

// SubscribeStatus registers fn for the unsolicited status notification.
func SubscribeStatus(d *Dispatcher, fn func(status proto.SmartPowerStatus)) {
	d.add(proto.KindSmartPowerStatus, func(f proto.Frame) {
		fn(f.Message.(proto.SmartPowerStatus))
	})
}

func (d *Dispatcher) add(kind proto.Kind, h func(proto.Frame)) {
	if d.sealed.Load() {
		panic("broker: subscribe to " + kind.String() + " after parsing started")
	}
	slog.Debug("Subscribing", "kind", kind.String())
	d.mu.Lock()
	defer d.mu.Unlock()
	d.subs[kind] = append(d.subs[kind], h)
}

// Parse decodes the frame at the front of b and invokes every handler
// subscribed to its kind, in registration order. b itself is not modified.
func (d *Dispatcher) Parse(b []byte) error {
	d.sealed.Store(true)

	size, err := proto.ExpectedFrameSize(b)
	if err != nil {
		return &ParseError{Size: len(b), Err: err}
	}
	if len(b) < size {
		return &ParseError{Size: len(b), Err: fmt.Errorf("%w: frame declares %d bytes", proto.ErrTruncated, size)}
	}
	f, err := proto.Decode(b[:size])
	if err != nil {
		return &ParseError{Size: size, Err: err}
	}

	d.mu.RLock()
	handlers := d.subs[f.Message.Kind()]
	d.mu.RUnlock()

	if len(handlers) == 0 {
		slog.Debug("No handler for message", "kind", f.Message.Kind().String(), "request_id", f.RequestID)
		return nil
	}
	for _, h := range handlers {
		h(f)
	}
	return nil
}

// Subscribed reports how many handlers are registered for kind.
func (d *Dispatcher) Subscribed(kind proto.Kind) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subs[kind])
}
