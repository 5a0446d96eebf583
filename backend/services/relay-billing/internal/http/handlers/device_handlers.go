package handlers

import (
	"context"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"relayrent/backend/services/relay-billing/internal/service"
)

// DeviceHandlers serves device liveness.
type DeviceHandlers struct {
	registry *service.Registry
	// sweepOnRead, when set, runs before listing devices.
	sweepOnRead func(ctx context.Context) error
	now         func() time.Time
	logger      *zap.Logger
}

func NewDeviceHandlers(registry *service.Registry, sweepOnRead func(ctx context.Context) error, now func() time.Time, logger *zap.Logger) *DeviceHandlers {
	return &DeviceHandlers{registry: registry, sweepOnRead: sweepOnRead, now: now, logger: logger}
}

type heartbeatRequest struct {
	DeviceID   string     `json:"device_id"`
	IP         string     `json:"ip"`
	ClientTime *time.Time `json:"client_time"`
}

// Heartbeat handles POST /api/heartbeat.
func (h *DeviceHandlers) Heartbeat(w http.ResponseWriter, r *http.Request) {
	var req heartbeatRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.IP == "" {
		req.IP = remoteIP(r)
	}

	device, err := h.registry.RecordHeartbeat(r.Context(), service.HeartbeatInput{
		DeviceID:   req.DeviceID,
		IP:         req.IP,
		ClientTime: req.ClientTime,
	})
	if err != nil {
		writeServiceError(w, h.logger, err, "heartbeat failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "ok",
		"server_time": h.now(),
		"device":      device,
	})
}

// List handles GET /api/devices.
func (h *DeviceHandlers) List(w http.ResponseWriter, r *http.Request) {
	if h.sweepOnRead != nil {
		if err := h.sweepOnRead(r.Context()); err != nil {
			h.logger.Warn("sweep before device list failed", zap.Error(err))
		}
	}
	devices, err := h.registry.List(r.Context())
	if err != nil {
		writeServiceError(w, h.logger, err, "list devices failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"devices": devices})
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
