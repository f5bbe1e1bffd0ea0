package web

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/mbocsi/smartpower/services"
)

func (w *WebClient) HandleHome(wr http.ResponseWriter, r *http.Request) {
	http.Redirect(wr, r, "/session", http.StatusMovedPermanently)
}

func (w *WebClient) HandleDevices(wr http.ResponseWriter, r *http.Request) {
	devices, err := w.services.Device.ListDevices()
	if err != nil {
		w.handleError(wr, err)
		return
	}
	writeJSON(wr, http.StatusOK, map[string]any{
		"devices": devices,
		"count":   len(devices),
	})
}

func (w *WebClient) HandleDeviceDetail(wr http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	device, err := w.services.Device.GetDevice(id)
	if err != nil {
		w.handleError(wr, err)
		return
	}
	writeJSON(wr, http.StatusOK, device)
}

func (w *WebClient) HandleSession(wr http.ResponseWriter, r *http.Request) {
	info, err := w.services.Power.Session()
	if err != nil {
		w.handleError(wr, err)
		return
	}
	writeJSON(wr, http.StatusOK, info)
}

type connectRequest struct {
	Addr     string `json:"addr"`
	DeviceID string `json:"device_id"`
}

// HandleConnect connects to the device named by addr or device_id in the
// JSON body. An empty body reconnects the current or configured device.
func (w *WebClient) HandleConnect(wr http.ResponseWriter, r *http.Request) {
	var req connectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		w.handleError(wr, services.ServiceError{
			Code:    services.ErrCodeInvalidInput,
			Message: "Invalid JSON body",
			Cause:   err,
		})
		return
	}

	addr := req.Addr
	if addr == "" && req.DeviceID != "" {
		device, err := w.services.Device.GetDevice(req.DeviceID)
		if err != nil {
			w.handleError(wr, err)
			return
		}
		addr = device.Addr
	}

	info, err := w.services.Power.Connect(r.Context(), addr)
	if err != nil {
		w.handleError(wr, err)
		return
	}
	writeJSON(wr, http.StatusOK, info)
}

func (w *WebClient) HandleDisconnect(wr http.ResponseWriter, r *http.Request) {
	if err := w.services.Power.Disconnect(); err != nil {
		w.handleError(wr, err)
		return
	}
	wr.WriteHeader(http.StatusNoContent)
}

func (w *WebClient) HandlePowerOn(wr http.ResponseWriter, r *http.Request) {
	if err := w.services.Power.AllOn(r.Context()); err != nil {
		w.handleError(wr, err)
		return
	}
	wr.WriteHeader(http.StatusNoContent)
}

func (w *WebClient) HandlePowerOff(wr http.ResponseWriter, r *http.Request) {
	if err := w.services.Power.AllOff(r.Context()); err != nil {
		w.handleError(wr, err)
		return
	}
	wr.WriteHeader(http.StatusNoContent)
}

func (w *WebClient) HandleInvert(wr http.ResponseWriter, r *http.Request) {
	pin, err := strconv.Atoi(chi.URLParam(r, "pin"))
	if err != nil {
		w.handleError(wr, services.ServiceError{
			Code:    services.ErrCodeInvalidInput,
			Message: "Pin must be a number",
			Cause:   err,
		})
		return
	}
	if err := w.services.Power.Invert(r.Context(), pin); err != nil {
		w.handleError(wr, err)
		return
	}
	wr.WriteHeader(http.StatusNoContent)
}

func writeJSON(wr http.ResponseWriter, status int, v any) {
	wr.Header().Set("Content-Type", "application/json")
	wr.WriteHeader(status)
	if err := json.NewEncoder(wr).Encode(v); err != nil {
		slog.Warn("Failed to write response", "error", err)
	}
}

// handleError handles service errors with proper HTTP status codes
func (w *WebClient) handleError(wr http.ResponseWriter, err error) {
	var serviceErr services.ServiceError
	if !errors.As(err, &serviceErr) {
		slog.Error("Unexpected error", "error", err)
		writeJSON(wr, http.StatusInternalServerError, services.ServiceError{
			Code:    services.ErrCodeInternal,
			Message: "Internal server error",
		})
		return
	}

	status := http.StatusInternalServerError
	switch serviceErr.Code {
	case services.ErrCodeNotFound:
		status = http.StatusNotFound
	case services.ErrCodeInvalidInput:
		status = http.StatusBadRequest
	case services.ErrCodeTimeout:
		status = http.StatusGatewayTimeout
	case services.ErrCodeUnavailable:
		status = http.StatusServiceUnavailable
	case services.ErrCodeDeviceRejected:
		status = http.StatusUnprocessableEntity
	}
	if status >= http.StatusInternalServerError {
		slog.Error("Service error", "error", err)
	} else {
		slog.Debug("Request rejected", "error", err)
	}
	writeJSON(wr, status, serviceErr)
}
