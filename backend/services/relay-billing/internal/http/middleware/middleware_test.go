package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"relayrent/backend/services/relay-billing/internal/auth"
)

func echoOperator(w http.ResponseWriter, r *http.Request) {
	op, ok := OperatorFromContext(r.Context())
	if !ok {
		w.WriteHeader(http.StatusTeapot)
		return
	}
	_, _ = w.Write([]byte(op.Username + ":" + op.Role))
}

func TestAuthMiddleware(t *testing.T) {
	tokens := auth.NewTokenService("secret", time.Hour)
	token, err := tokens.GenerateToken("desk", "operator")
	require.NoError(t, err)

	handler := AuthMiddleware(tokens)(http.HandlerFunc(echoOperator))

	tests := []struct {
		name   string
		setup  func(r *http.Request)
		status int
		body   string
	}{
		{name: "missing header", setup: func(*http.Request) {}, status: http.StatusUnauthorized},
		{name: "wrong scheme", setup: func(r *http.Request) { r.Header.Set("Authorization", "Basic abc") }, status: http.StatusUnauthorized},
		{name: "bad token", setup: func(r *http.Request) { r.Header.Set("Authorization", "Bearer nope") }, status: http.StatusUnauthorized},
		{name: "valid token", setup: func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+token) }, status: http.StatusOK, body: "desk:operator"},
		{
			name: "query token on plain request",
			setup: func(r *http.Request) {
				r.URL.RawQuery = "access_token=" + token
			},
			status: http.StatusUnauthorized,
		},
		{
			name: "query token on websocket upgrade",
			setup: func(r *http.Request) {
				r.URL.RawQuery = "access_token=" + token
				r.Header.Set("Upgrade", "websocket")
			},
			status: http.StatusOK,
			body:   "desk:operator",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/devices", nil)
			tt.setup(req)
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			assert.Equal(t, tt.status, rec.Code)
			if tt.body != "" {
				assert.Equal(t, tt.body, rec.Body.String())
			}
		})
	}
}

func TestChainOrderSkipsNil(t *testing.T) {
	var order []string
	mark := func(name string) func(http.Handler) http.Handler {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}
	h := Chain(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { order = append(order, "handler") }),
		mark("outer"), nil, mark("inner"))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, []string{"outer", "inner", "handler"}, order)
}

func TestRecover(t *testing.T) {
	h := Recover(zap.NewNop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"error":"internal error"}`, rec.Body.String())
}

func TestRequestLoggerKeepsStatus(t *testing.T) {
	h := RequestLogger(zap.NewNop())(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/billing/start", nil))
	assert.Equal(t, http.StatusCreated, rec.Code)
}
