package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"relayrent/backend/services/relay-billing/internal/models"
	"relayrent/backend/services/relay-billing/internal/service"
	"relayrent/backend/services/relay-billing/internal/sweeper"
)

// Sweeper runs one reconciliation pass on demand.
type Sweeper interface {
	Tick(ctx context.Context) (sweeper.Report, error)
}

// BillingHandlers serves the session lifecycle.
type BillingHandlers struct {
	engine  *service.Engine
	sweeper Sweeper
	logger  *zap.Logger
}

func NewBillingHandlers(engine *service.Engine, sweeper Sweeper, logger *zap.Logger) *BillingHandlers {
	return &BillingHandlers{engine: engine, sweeper: sweeper, logger: logger}
}

type startRequest struct {
	DeviceID               string `json:"device_id"`
	Pin                    int    `json:"pin"`
	CustomerName           string `json:"customer_name"`
	Mode                   string `json:"mode"`
	HourlyRate             int64  `json:"hourly_rate"`
	PromotionID            *int64 `json:"promotion_id"`
	PlannedDurationSeconds *int64 `json:"planned_duration_seconds"`
}

// Start handles POST /api/billing/start.
func (h *BillingHandlers) Start(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	mode, ok := models.ParseBillingMode(strings.ToLower(strings.TrimSpace(req.Mode)))
	if !ok {
		writeError(w, http.StatusBadRequest, "mode must be open_ended or fixed_duration")
		return
	}

	in := service.StartInput{
		DeviceID:     req.DeviceID,
		Pin:          req.Pin,
		CustomerName: strings.TrimSpace(req.CustomerName),
		Mode:         mode,
		HourlyRate:   req.HourlyRate,
		PromotionID:  req.PromotionID,
	}
	if req.PlannedDurationSeconds != nil {
		secs := *req.PlannedDurationSeconds
		if secs <= 0 || secs > int64(service.MaxPlannedDuration/time.Second) {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("planned_duration_seconds must be between 1 and %d", int64(service.MaxPlannedDuration/time.Second)))
			return
		}
		planned := time.Duration(secs) * time.Second
		in.PlannedDuration = &planned
	}

	session, err := h.engine.Start(r.Context(), in)
	if err != nil {
		writeServiceError(w, h.logger, err, "start session failed")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"session_id": session.ID,
		"started_at": session.StartedAt,
		"session":    toSessionDTO(session),
	})
}

type stopRequest struct {
	DeviceID     string `json:"device_id"`
	Pin          int    `json:"pin"`
	ComputedCost *int64 `json:"computed_cost"`
	Duration     *int64 `json:"duration"`
}

// Stop handles POST /api/billing/stop. The client's cost and duration are only compared, never used.
func (h *BillingHandlers) Stop(w http.ResponseWriter, r *http.Request) {
	var req stopRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.DeviceID == "" || req.Pin <= 0 {
		writeError(w, http.StatusBadRequest, "device_id and pin required")
		return
	}

	session, err := h.engine.Stop(r.Context(), service.StopInput{
		DeviceID:     req.DeviceID,
		Pin:          req.Pin,
		CostHint:     req.ComputedCost,
		DurationHint: req.Duration,
	})
	h.writeCompletion(w, session, err, "stop session failed")
}

func (h *BillingHandlers) writeCompletion(w http.ResponseWriter, session models.Session, err error, msg string) {
	if err == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"session": toSessionDTO(session)})
		return
	}
	// billing committed even though the relay did not respond
	if errors.Is(err, service.ErrPhysicalControl) && session.ID != 0 {
		writeJSON(w, http.StatusBadGateway, map[string]interface{}{
			"error":   err.Error(),
			"session": toSessionDTO(session),
		})
		return
	}
	writeServiceError(w, h.logger, err, msg)
}

// Active handles GET /api/billing/active?device_id=&pin=.
func (h *BillingHandlers) Active(w http.ResponseWriter, r *http.Request) {
	deviceID := strings.TrimSpace(r.URL.Query().Get("device_id"))
	pin, ok, err := queryInt(r, "pin")
	if deviceID == "" || !ok || err != nil || pin <= 0 {
		writeError(w, http.StatusBadRequest, "device_id and pin required")
		return
	}

	session, err := h.engine.Active(r.Context(), models.RelayRef{DeviceID: deviceID, Pin: pin})
	if err != nil {
		writeServiceError(w, h.logger, err, "active session lookup failed")
		return
	}
	if session == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"session": nil})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"session": toSessionDTO(*session)})
}

// CheckExpired handles POST /api/billing/check-expired by running one sweep now.
func (h *BillingHandlers) CheckExpired(w http.ResponseWriter, r *http.Request) {
	report, err := h.sweeper.Tick(r.Context())
	body := map[string]interface{}{
		"skipped":         len(report.Skipped) > 0,
		"skipped_jobs":    report.Skipped,
		"expired":         report.Expired,
		"offline_devices": report.OfflineDevices,
	}
	if report.Expired == nil {
		body["expired"] = []sweeper.Closed{}
	}
	if err != nil {
		h.logger.Error("check-expired finished with errors", zap.Error(err))
		body["errors"] = err.Error()
	}
	writeJSON(w, http.StatusOK, body)
}

type settleRequest struct {
	SessionID   int64  `json:"session_id"`
	PromotionID *int64 `json:"promotion_id"`
}

// Settle handles POST /api/billing/settle.
func (h *BillingHandlers) Settle(w http.ResponseWriter, r *http.Request) {
	var req settleRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.SessionID == 0 {
		writeError(w, http.StatusBadRequest, "session_id required")
		return
	}
	session, err := h.engine.SettlePayment(r.Context(), req.SessionID, req.PromotionID)
	if err != nil {
		writeServiceError(w, h.logger, err, "settle session failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"session": toSessionDTO(session)})
}

// Sessions handles GET /api/billing/sessions.
func (h *BillingHandlers) Sessions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := models.SessionFilter{
		DeviceID: strings.TrimSpace(q.Get("device_id")),
		State:    models.SessionState(q.Get("state")),
	}
	if raw := q.Get("mode"); raw != "" {
		mode, ok := models.ParseBillingMode(raw)
		if !ok {
			writeError(w, http.StatusBadRequest, "unknown mode")
			return
		}
		filter.Mode = mode
	}
	if pin, ok, err := queryInt(r, "pin"); err != nil {
		writeError(w, http.StatusBadRequest, "invalid pin")
		return
	} else if ok {
		filter.Pin = &pin
	}
	if limit, ok, err := queryInt(r, "limit"); err != nil || (ok && limit <= 0) {
		writeError(w, http.StatusBadRequest, "invalid limit")
		return
	} else if ok {
		filter.Limit = limit
	}

	sessions, err := h.engine.List(r.Context(), filter)
	if err != nil {
		writeServiceError(w, h.logger, err, "list sessions failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": toSessionDTOs(sessions)})
}
