package handlers

import (
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"relayrent/backend/services/relay-billing/internal/models"
	"relayrent/backend/services/relay-billing/internal/service"
)

// RelayHandlers serves relay state to devices and the manual override to operators.
type RelayHandlers struct {
	relays *service.Relays
	logger *zap.Logger
}

func NewRelayHandlers(relays *service.Relays, logger *zap.Logger) *RelayHandlers {
	return &RelayHandlers{relays: relays, logger: logger}
}

type relayView struct {
	Pin         int    `json:"pin"`
	Energized   bool   `json:"energized"`
	DisplayName string `json:"display_name"`
}

// Status handles GET /api/relays?device_id=. Devices poll it to learn desired relay states.
func (h *RelayHandlers) Status(w http.ResponseWriter, r *http.Request) {
	deviceID := strings.TrimSpace(r.URL.Query().Get("device_id"))
	if deviceID == "" {
		writeError(w, http.StatusBadRequest, "device_id required")
		return
	}
	relays, err := h.relays.List(r.Context(), deviceID)
	if err != nil {
		writeServiceError(w, h.logger, err, "list relays failed")
		return
	}
	views := make([]relayView, 0, len(relays))
	for _, relay := range relays {
		views = append(views, relayView{Pin: relay.Pin, Energized: relay.Energized, DisplayName: relay.DisplayName})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"device_id": deviceID, "relays": views})
}

type controlRequest struct {
	DeviceID  string `json:"device_id"`
	Pin       int    `json:"pin"`
	Energized *bool  `json:"energized"`
}

// Control handles POST /api/relays/control.
func (h *RelayHandlers) Control(w http.ResponseWriter, r *http.Request) {
	var req controlRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.DeviceID == "" || req.Pin <= 0 || req.Energized == nil {
		writeError(w, http.StatusBadRequest, "device_id, pin and energized required")
		return
	}

	occ, err := h.relays.Control(r.Context(), models.RelayRef{DeviceID: req.DeviceID, Pin: req.Pin}, *req.Energized)
	if err != nil && !errors.Is(err, service.ErrPhysicalControl) {
		writeServiceError(w, h.logger, err, "relay control failed")
		return
	}

	body := map[string]interface{}{
		"relay":             occ,
		"active_session_id": occ.ActiveSessionID,
	}
	if err != nil {
		body["error"] = err.Error()
		writeJSON(w, http.StatusBadGateway, body)
		return
	}
	writeJSON(w, http.StatusOK, body)
}
