package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"relayrent/backend/services/relay-billing/internal/models"
	"relayrent/backend/services/relay-billing/internal/service"
)

// AdminHandlers serves catalogue maintenance: devices and promotions.
type AdminHandlers struct {
	registry   *service.Registry
	promotions *service.Promotions
	logger     *zap.Logger
}

func NewAdminHandlers(registry *service.Registry, promotions *service.Promotions, logger *zap.Logger) *AdminHandlers {
	return &AdminHandlers{registry: registry, promotions: promotions, logger: logger}
}

type registerDeviceRequest struct {
	DeviceID string `json:"device_id"`
	Name     string `json:"name"`
	Relays   []struct {
		Pin         int    `json:"pin"`
		DisplayName string `json:"display_name"`
	} `json:"relays"`
}

// RegisterDevice handles POST /api/admin/devices.
func (h *AdminHandlers) RegisterDevice(w http.ResponseWriter, r *http.Request) {
	var req registerDeviceRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	in := service.RegisterDeviceInput{DeviceID: req.DeviceID, Name: req.Name}
	for _, relay := range req.Relays {
		in.Relays = append(in.Relays, service.RelayInput{Pin: relay.Pin, DisplayName: relay.DisplayName})
	}

	device, relays, err := h.registry.Register(r.Context(), in)
	if err != nil {
		writeServiceError(w, h.logger, err, "register device failed")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{"device": device, "relays": relays})
}

type promotionRequest struct {
	ID              int64   `json:"id"`
	Name            string  `json:"name"`
	Kind            string  `json:"kind"`
	Value           float64 `json:"value"`
	MinimumDuration *int    `json:"minimum_duration"`
	Active          bool    `json:"active"`
}

// UpsertPromotion handles POST /api/admin/promotions.
func (h *AdminHandlers) UpsertPromotion(w http.ResponseWriter, r *http.Request) {
	var req promotionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	saved, err := h.promotions.Upsert(r.Context(), models.Promotion{
		ID:              req.ID,
		Name:            req.Name,
		Kind:            models.PromotionKind(req.Kind),
		Value:           req.Value,
		MinimumDuration: req.MinimumDuration,
		Active:          req.Active,
	})
	if err != nil {
		writeServiceError(w, h.logger, err, "save promotion failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"promotion": saved})
}

// ListPromotions handles GET /api/admin/promotions.
func (h *AdminHandlers) ListPromotions(w http.ResponseWriter, r *http.Request) {
	promos, err := h.promotions.List(r.Context())
	if err != nil {
		writeServiceError(w, h.logger, err, "list promotions failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"promotions": promos})
}
