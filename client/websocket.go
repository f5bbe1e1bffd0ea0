package client

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mbocsi/smartpower/proto"
)

// Bridge event types.
const (
	EventStatus = "status"
	EventState  = "state"
)

// BridgeEvent is one message on a bridge's /ws stream.
type BridgeEvent struct {
	Type  string                   `json:"type"`
	State string                   `json:"state,omitempty"`
	Pins  map[uint8]proto.PinState `json:"pins,omitempty"`
	Time  time.Time                `json:"time"`
}

// WatchBridge follows the event stream of the bridge at baseURL and hands
// each event to fn until ctx ends or the bridge closes the stream.
func WatchBridge(ctx context.Context, baseURL string, fn func(BridgeEvent)) error {
	u, err := url.Parse(baseURL)
	if err != nil {
		return fmt.Errorf("invalid bridge URL: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "", "http":
		u.Scheme = "ws"
	}
	u.Path = "/ws"

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("failed to connect to bridge stream: %w", err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() {
		err := conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		if err != nil {
			slog.Debug("Failed to send close message", "error", err)
		}
		conn.Close()
	})
	defer stop()

	for {
		var ev BridgeEvent
		if err := conn.ReadJSON(&ev); err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("bridge stream: %w", err)
		}
		fn(ev)
	}
}
