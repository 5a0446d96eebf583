package httpserver

import (
	"net/http"
	"strings"

	"relayrent/backend/services/relay-billing/internal/http/handlers"
	"relayrent/backend/services/relay-billing/internal/http/middleware"
)

// RouterDeps collects handler dependencies.
type RouterDeps struct {
	AuthHandlers    *handlers.AuthHandlers
	DeviceHandlers  *handlers.DeviceHandlers
	RelayHandlers   *handlers.RelayHandlers
	BillingHandlers *handlers.BillingHandlers
	AdminHandlers   *handlers.AdminHandlers
	EventsHandler   http.HandlerFunc
	HealthHandler   http.HandlerFunc
	MetricsHandler  http.Handler
}

// NewRouter wires HTTP routes. A nil authMiddleware leaves operator routes open.
func NewRouter(deps RouterDeps, authMiddleware func(http.Handler) http.Handler) http.Handler {
	mux := http.NewServeMux()

	mux.Handle("/health", method(http.MethodGet, deps.HealthHandler))
	if deps.MetricsHandler != nil {
		mux.Handle("/metrics", method(http.MethodGet, deps.MetricsHandler))
	}
	if deps.AuthHandlers != nil {
		mux.Handle("/api/auth/login", method(http.MethodPost, http.HandlerFunc(deps.AuthHandlers.Login)))
	}

	// device-facing
	mux.Handle("/api/heartbeat", method(http.MethodPost, http.HandlerFunc(deps.DeviceHandlers.Heartbeat)))
	mux.Handle("/api/relays", method(http.MethodGet, http.HandlerFunc(deps.RelayHandlers.Status)))

	operator := func(handler http.HandlerFunc) http.Handler {
		return middleware.Chain(handler, authMiddleware)
	}

	mux.Handle("/api/devices", method(http.MethodGet, operator(deps.DeviceHandlers.List)))
	mux.Handle("/api/relays/control", method(http.MethodPost, operator(deps.RelayHandlers.Control)))

	mux.Handle("/api/billing/start", method(http.MethodPost, operator(deps.BillingHandlers.Start)))
	mux.Handle("/api/billing/stop", method(http.MethodPost, operator(deps.BillingHandlers.Stop)))
	mux.Handle("/api/billing/active", method(http.MethodGet, operator(deps.BillingHandlers.Active)))
	mux.Handle("/api/billing/check-expired", method(http.MethodPost, operator(deps.BillingHandlers.CheckExpired)))
	mux.Handle("/api/billing/settle", method(http.MethodPost, operator(deps.BillingHandlers.Settle)))
	mux.Handle("/api/billing/sessions", method(http.MethodGet, operator(deps.BillingHandlers.Sessions)))

	mux.Handle("/api/admin/devices", method(http.MethodPost, operator(deps.AdminHandlers.RegisterDevice)))
	mux.Handle("/api/admin/promotions", methods(map[string]http.Handler{
		http.MethodGet:  operator(deps.AdminHandlers.ListPromotions),
		http.MethodPost: operator(deps.AdminHandlers.UpsertPromotion),
	}))

	if deps.EventsHandler != nil {
		mux.Handle("/api/events", method(http.MethodGet, operator(deps.EventsHandler)))
	}

	return mux
}

func method(expected string, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != expected {
			w.Header().Set("Allow", expected)
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		handler.ServeHTTP(w, r)
	})
}

func methods(byMethod map[string]http.Handler) http.Handler {
	allowed := make([]string, 0, len(byMethod))
	for m := range byMethod {
		allowed = append(allowed, m)
	}
	allow := strings.Join(allowed, ", ")

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handler, ok := byMethod[r.Method]
		if !ok {
			w.Header().Set("Allow", allow)
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		handler.ServeHTTP(w, r)
	})
}
