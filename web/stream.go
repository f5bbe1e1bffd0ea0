package web

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/mbocsi/smartpower/client"
)

const (
	streamBuffer = 32
	writeWait    = 5 * time.Second
)

// stream is one websocket subscriber to session events.
type stream struct {
	id     string
	conn   *websocket.Conn
	events chan client.BridgeEvent
	done   chan struct{}
	once   sync.Once
}

func (s *stream) close() {
	s.once.Do(func() {
		close(s.done)
		s.conn.Close()
	})
}

func (s *stream) offer(ev client.BridgeEvent) {
	select {
	case s.events <- ev:
	case <-s.done:
	default:
		slog.Warn("Stream too slow, dropping event", "stream", s.id, "type", ev.Type)
	}
}

func (s *stream) writeLoop() {
	defer s.close()
	for {
		select {
		case <-s.done:
			return
		case ev := <-s.events:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteJSON(ev); err != nil {
				slog.Debug("Stream write failed", "stream", s.id, "error", err)
				return
			}
		}
	}
}

// HandleStream upgrades to a websocket and streams status and state events
// until the peer goes away.
func (w *WebClient) HandleStream(wr http.ResponseWriter, r *http.Request) {
	w.smu.Lock()
	full := len(w.streams) >= w.maxStreams
	w.smu.Unlock()
	if full {
		slog.Warn("Max streams reached, rejecting connection", "remote_addr", r.RemoteAddr)
		http.Error(wr, "too many streams", http.StatusServiceUnavailable)
		return
	}

	conn, err := w.upgrader.Upgrade(wr, r, nil)
	if err != nil {
		slog.Error("Failed to upgrade connection", "error", err)
		return
	}

	s := &stream{
		id:     "ws-" + uuid.NewString(),
		conn:   conn,
		events: make(chan client.BridgeEvent, streamBuffer),
		done:   make(chan struct{}),
	}
	w.smu.Lock()
	w.streams[s.id] = s
	w.smu.Unlock()
	slog.Info("Stream connected", "stream", s.id, "addr", r.RemoteAddr)

	unsubscribe := w.services.Power.Subscribe(s.offer)
	defer func() {
		unsubscribe()
		s.close()
		w.smu.Lock()
		delete(w.streams, s.id)
		w.smu.Unlock()
		slog.Info("Stream disconnected", "stream", s.id)
	}()

	if info, err := w.services.Power.Session(); err == nil {
		now := time.Now()
		s.offer(client.BridgeEvent{Type: client.EventState, State: info.State, Time: now})
		if info.Pins != nil {
			s.offer(client.BridgeEvent{Type: client.EventStatus, Pins: info.Pins, Time: now})
		}
	}
	go s.writeLoop()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Warn("Stream connection error", "stream", s.id, "error", err)
			}
			return
		}
	}
}
