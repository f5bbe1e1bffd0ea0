package web

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mbocsi/smartpower/services"
)

const DefaultMaxStreams = 16

// WebClient serves the bridge's JSON API, its event stream and metrics.
type WebClient struct {
	services *services.ServiceContainer
	upgrader websocket.Upgrader

	maxStreams int
	smu        sync.Mutex
	streams    map[string]*stream
}

// NewWebClient creates the HTTP bridge over the given services
func NewWebClient(serviceContainer *services.ServiceContainer) *WebClient {
	return &WebClient{
		services: serviceContainer,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins for now
			},
		},
		maxStreams: DefaultMaxStreams,
		streams:    make(map[string]*stream),
	}
}

func (w *WebClient) SetMaxStreams(n int) {
	w.maxStreams = n
}

// Routes returns the HTTP routes of the bridge
func (w *WebClient) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/", w.HandleHome)
	r.Get("/devices", w.HandleDevices)
	r.Get("/devices/{id}", w.HandleDeviceDetail)
	r.Get("/session", w.HandleSession)
	r.Post("/session/connect", w.HandleConnect)
	r.Post("/session/disconnect", w.HandleDisconnect)
	r.Post("/power/on", w.HandlePowerOn)
	r.Post("/power/off", w.HandlePowerOff)
	r.Post("/pins/{pin}/invert", w.HandleInvert)
	r.Get("/ws", w.HandleStream)
	r.Handle("/metrics", promhttp.Handler())
	return r
}

// Shutdown closes every open event stream.
func (w *WebClient) Shutdown() error {
	w.smu.Lock()
	defer w.smu.Unlock()
	for id, s := range w.streams {
		s.close()
		delete(w.streams, id)
	}
	slog.Info("Web client shut down")
	return nil
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(wr http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
		}
		wr.Header().Set("X-Request-Id", id)

		ww := middleware.NewWrapResponseWriter(wr, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		slog.Debug("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", id,
		)
	})
}
