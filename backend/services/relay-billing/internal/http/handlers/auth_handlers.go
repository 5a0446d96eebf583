package handlers

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"relayrent/backend/services/relay-billing/internal/auth"
)

// AuthHandlers serves operator login.
type AuthHandlers struct {
	service *auth.AuthService
	logger  *zap.Logger
}

func NewAuthHandlers(service *auth.AuthService, logger *zap.Logger) *AuthHandlers {
	return &AuthHandlers{service: service, logger: logger}
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Login handles POST /api/auth/login.
func (h *AuthHandlers) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	token, err := h.service.Login(r.Context(), req.Username, req.Password)
	if errors.Is(err, auth.ErrInvalidCredentials) {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	if err != nil {
		h.logger.Error("login failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token, "token_type": "Bearer"})
}
