// Package client is a typed client for the relay billing API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

// APIError is a non-2xx response.
type APIError struct {
	Status  int
	Message string
	// Session is set when billing committed but the relay did not switch (502 on stop).
	Session *Session
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api: status %d", e.Status)
	}
	return fmt.Sprintf("api: status %d: %s", e.Status, e.Message)
}

// IsStatus reports whether err is an APIError with the given status.
func IsStatus(err error, status int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == status
}

// HTTPDoer is the part of *http.Client the client needs.
type HTTPDoer interface {
	Do(*http.Request) (*http.Response, error)
}

// NewHTTPClient returns an *http.Client whose timeout bounds one API call.
func NewHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{Timeout: timeout}
}

// maxResponseBytes caps how much of a response body is read.
const maxResponseBytes = 4 << 20

// Client calls the relay billing API.
type Client struct {
	baseURL string
	http    HTTPDoer

	mu    sync.RWMutex
	token string
}

// New returns a client for baseURL, e.g. http://localhost:8080.
func New(baseURL string, httpClient HTTPDoer) *Client {
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: httpClient}
}

// SetToken sets the bearer token sent on every request.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

func (c *Client) bearer() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// call sends in as JSON to path and decodes a 2xx body into out. Non-2xx answers
// become *APIError, keeping the session the server attached to a 502.
func (c *Client) call(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("client: encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("client: build %s %s: %w", method, path, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := c.bearer(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("client: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("client: read %s %s: %w", method, path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Status: resp.StatusCode}
		var payload struct {
			Error   string   `json:"error"`
			Session *Session `json:"session"`
		}
		if json.Unmarshal(respBody, &payload) == nil {
			apiErr.Message = payload.Error
			apiErr.Session = payload.Session
		}
		if apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(respBody))
		}
		return apiErr
	}
	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("client: decode response: %w", err)
	}
	return nil
}

// Login exchanges operator credentials for a token and keeps it for later calls.
func (c *Client) Login(ctx context.Context, username, password string) (string, error) {
	var resp struct {
		Token string `json:"token"`
	}
	in := map[string]string{"username": username, "password": password}
	if err := c.call(ctx, http.MethodPost, "/api/auth/login", in, &resp); err != nil {
		return "", err
	}
	c.SetToken(resp.Token)
	return resp.Token, nil
}

func (c *Client) Devices(ctx context.Context) ([]Device, error) {
	var resp struct {
		Devices []Device `json:"devices"`
	}
	err := c.call(ctx, http.MethodGet, "/api/devices", nil, &resp)
	return resp.Devices, err
}

func (c *Client) Relays(ctx context.Context, deviceID string) ([]Relay, error) {
	var resp struct {
		Relays []Relay `json:"relays"`
	}
	path := "/api/relays?device_id=" + url.QueryEscape(deviceID)
	err := c.call(ctx, http.MethodGet, path, nil, &resp)
	return resp.Relays, err
}

// Heartbeat reports liveness on behalf of a device, for bench testing.
func (c *Client) Heartbeat(ctx context.Context, deviceID string) (Device, error) {
	var resp struct {
		Device Device `json:"device"`
	}
	err := c.call(ctx, http.MethodPost, "/api/heartbeat", map[string]string{"device_id": deviceID}, &resp)
	return resp.Device, err
}

func (c *Client) Control(ctx context.Context, deviceID string, pin int, on bool) (ControlResult, error) {
	var resp ControlResult
	in := map[string]interface{}{"device_id": deviceID, "pin": pin, "energized": on}
	err := c.call(ctx, http.MethodPost, "/api/relays/control", in, &resp)
	return resp, err
}

func (c *Client) Start(ctx context.Context, req StartRequest) (Session, error) {
	var resp struct {
		Session Session `json:"session"`
	}
	err := c.call(ctx, http.MethodPost, "/api/billing/start", req, &resp)
	return resp.Session, err
}

// Stop ends the active session on a relay. On a 502 the returned APIError carries the billed session.
func (c *Client) Stop(ctx context.Context, deviceID string, pin int) (Session, error) {
	var resp struct {
		Session Session `json:"session"`
	}
	in := map[string]interface{}{"device_id": deviceID, "pin": pin}
	err := c.call(ctx, http.MethodPost, "/api/billing/stop", in, &resp)
	return resp.Session, err
}

// Active returns the active session on a relay, nil when idle.
func (c *Client) Active(ctx context.Context, deviceID string, pin int) (*Session, error) {
	var resp struct {
		Session *Session `json:"session"`
	}
	q := url.Values{}
	q.Set("device_id", deviceID)
	q.Set("pin", strconv.Itoa(pin))
	err := c.call(ctx, http.MethodGet, "/api/billing/active?"+q.Encode(), nil, &resp)
	return resp.Session, err
}

func (c *Client) Settle(ctx context.Context, sessionID int64, promotionID *int64) (Session, error) {
	var resp struct {
		Session Session `json:"session"`
	}
	in := map[string]interface{}{"session_id": sessionID}
	if promotionID != nil {
		in["promotion_id"] = *promotionID
	}
	err := c.call(ctx, http.MethodPost, "/api/billing/settle", in, &resp)
	return resp.Session, err
}

func (c *Client) Sessions(ctx context.Context, query SessionQuery) ([]Session, error) {
	var resp struct {
		Sessions []Session `json:"sessions"`
	}
	q := url.Values{}
	if query.DeviceID != "" {
		q.Set("device_id", query.DeviceID)
	}
	if query.State != "" {
		q.Set("state", query.State)
	}
	if query.Limit > 0 {
		q.Set("limit", strconv.Itoa(query.Limit))
	}
	path := "/api/billing/sessions"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	err := c.call(ctx, http.MethodGet, path, nil, &resp)
	return resp.Sessions, err
}

// CheckExpired asks the server to run one sweep now.
func (c *Client) CheckExpired(ctx context.Context) (SweepResult, error) {
	var resp SweepResult
	err := c.call(ctx, http.MethodPost, "/api/billing/check-expired", nil, &resp)
	return resp, err
}
