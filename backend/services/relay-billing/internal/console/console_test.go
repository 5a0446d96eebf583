package console

import (
	"bytes"
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relayrent/backend/services/relay-billing/internal/client"
)

type fakeAPI struct {
	started   []client.StartRequest
	settled   []*int64
	control   []bool
	stopErr   error
	active    *client.Session
	activeSID *int64
	sweep     client.SweepResult
	username  string
}

func (f *fakeAPI) Login(_ context.Context, username, _ string) (string, error) {
	f.username = username
	return "token", nil
}

func (f *fakeAPI) Devices(context.Context) ([]client.Device, error) {
	return []client.Device{{DeviceID: "esp-01", Name: "Lobby", Online: true}}, nil
}

func (f *fakeAPI) Relays(context.Context, string) ([]client.Relay, error) {
	return []client.Relay{{Pin: 12, DisplayName: "PS 1", Energized: true}, {Pin: 13, DisplayName: "PS 2"}}, nil
}

func (f *fakeAPI) Heartbeat(_ context.Context, deviceID string) (client.Device, error) {
	return client.Device{DeviceID: deviceID}, nil
}

func (f *fakeAPI) Control(_ context.Context, deviceID string, pin int, on bool) (client.ControlResult, error) {
	f.control = append(f.control, on)
	var res client.ControlResult
	res.Relay.DeviceID, res.Relay.Pin, res.Relay.Energized = deviceID, pin, on
	res.ActiveSessionID = f.activeSID
	return res, nil
}

func (f *fakeAPI) Start(_ context.Context, req client.StartRequest) (client.Session, error) {
	f.started = append(f.started, req)
	return client.Session{ID: 1, DeviceID: req.DeviceID, Pin: req.Pin, Mode: req.Mode}, nil
}

func (f *fakeAPI) Stop(_ context.Context, deviceID string, pin int) (client.Session, error) {
	cost := int64(5000)
	return client.Session{ID: 1, DeviceID: deviceID, Pin: pin, State: "completed", ComputedCost: &cost}, f.stopErr
}

func (f *fakeAPI) Active(context.Context, string, int) (*client.Session, error) {
	return f.active, nil
}

func (f *fakeAPI) Settle(_ context.Context, id int64, promo *int64) (client.Session, error) {
	f.settled = append(f.settled, promo)
	return client.Session{ID: id, State: "paid"}, nil
}

func (f *fakeAPI) Sessions(context.Context, client.SessionQuery) ([]client.Session, error) {
	return []client.Session{{ID: 3, DeviceID: "esp-01", Pin: 12, Mode: "open_ended", State: "active"}}, nil
}

func (f *fakeAPI) CheckExpired(context.Context) (client.SweepResult, error) {
	return f.sweep, nil
}

func newConsole() (*Console, *fakeAPI, *bytes.Buffer) {
	api := &fakeAPI{}
	out := &bytes.Buffer{}
	return New(api, out, time.Second), api, out
}

func TestStartParsesOptions(t *testing.T) {
	c, api, out := newConsole()

	err := c.Execute(context.Background(), "start esp-01 12 rate=10000 mode=timer minutes=90 name=Budi promo=4")
	require.NoError(t, err)
	require.Len(t, api.started, 1)

	req := api.started[0]
	assert.Equal(t, "esp-01", req.DeviceID)
	assert.Equal(t, 12, req.Pin)
	assert.Equal(t, "timer", req.Mode)
	assert.Equal(t, int64(10000), req.HourlyRate)
	assert.Equal(t, "Budi", req.CustomerName)
	require.NotNil(t, req.PlannedDurationSeconds)
	assert.Equal(t, int64(5400), *req.PlannedDurationSeconds)
	require.NotNil(t, req.PromotionID)
	assert.Equal(t, int64(4), *req.PromotionID)
	assert.Contains(t, out.String(), "session 1 started on esp-01/12")
}

func TestStartDefaultsToOpenEnded(t *testing.T) {
	c, api, _ := newConsole()

	require.NoError(t, c.Execute(context.Background(), "start esp-01 13 rate=8000"))
	require.Len(t, api.started, 1)
	assert.Equal(t, "bebas", api.started[0].Mode)
	assert.Nil(t, api.started[0].PlannedDurationSeconds)
}

func TestUsageErrors(t *testing.T) {
	c, api, _ := newConsole()

	for _, line := range []string{
		"start esp-01 12 mode=timer minutes=10",
		"start esp-01 x rate=1",
		"start esp-01 12 rate=abc",
		"start esp-01 12 rate=100 minutes=0",
		"control esp-01 12 maybe",
		"stop esp-01",
		"settle nope",
		"sessions limit=-1",
		"sessions oops",
		"frobnicate",
	} {
		assert.Error(t, c.Execute(context.Background(), line), line)
	}
	assert.Empty(t, api.started)
}

func TestQuitAndBlankLines(t *testing.T) {
	c, _, _ := newConsole()
	assert.NoError(t, c.Execute(context.Background(), "   "))
	assert.ErrorIs(t, c.Execute(context.Background(), "quit"), ErrQuit)
	assert.ErrorIs(t, c.Execute(context.Background(), "EXIT"), ErrQuit)
}

func TestControlWarnsAboutActiveSession(t *testing.T) {
	c, api, out := newConsole()
	sid := int64(42)
	api.activeSID = &sid

	require.NoError(t, c.Execute(context.Background(), "control esp-01 12 off"))
	assert.Equal(t, []bool{false}, api.control)
	assert.Contains(t, out.String(), "session 42 is still active")
}

func TestStopPhysicalFailurePrintsBilledSession(t *testing.T) {
	c, api, out := newConsole()
	cost := int64(1000)
	api.stopErr = &client.APIError{
		Status:  http.StatusBadGateway,
		Message: "relay did not answer",
		Session: &client.Session{ID: 8, DeviceID: "esp-01", Pin: 12, State: "completed", ComputedCost: &cost},
	}

	err := c.Execute(context.Background(), "stop esp-01 12")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "relay did not switch off")
	assert.Contains(t, out.String(), "session 8")
	assert.Contains(t, out.String(), "cost 1000")
}

func TestActiveIdle(t *testing.T) {
	c, _, out := newConsole()
	require.NoError(t, c.Execute(context.Background(), "active esp-01 12"))
	assert.Contains(t, out.String(), "esp-01/12 is idle")
}

func TestSettleWithPromotion(t *testing.T) {
	c, api, _ := newConsole()
	require.NoError(t, c.Execute(context.Background(), "settle 5 promo=2"))
	require.NoError(t, c.Execute(context.Background(), "settle 6"))
	require.Len(t, api.settled, 2)
	require.NotNil(t, api.settled[0])
	assert.Equal(t, int64(2), *api.settled[0])
	assert.Nil(t, api.settled[1])
}

func TestSweepReport(t *testing.T) {
	c, api, out := newConsole()
	cost := int64(10000)
	api.sweep = client.SweepResult{
		OfflineDevices: []string{"esp-02"},
		Expired: []client.Closed{
			{SessionID: 3, DeviceID: "esp-01", Pin: 13, Reason: "expired", ComputedCost: &cost, PhysicalError: "timeout"},
		},
	}

	require.NoError(t, c.Execute(context.Background(), "sweep"))
	assert.Contains(t, out.String(), "device esp-02 went offline")
	assert.Contains(t, out.String(), "session 3 on esp-01/13 closed (expired), cost 10000")
	assert.Contains(t, out.String(), "relay error: timeout")
}

func TestTables(t *testing.T) {
	c, api, out := newConsole()
	require.NoError(t, c.Execute(context.Background(), "login desk pw"))
	assert.Equal(t, "desk", api.username)

	require.NoError(t, c.Execute(context.Background(), "devices"))
	require.NoError(t, c.Execute(context.Background(), "relays esp-01"))
	require.NoError(t, c.Execute(context.Background(), "sessions device=esp-01 limit=5"))
	assert.Contains(t, out.String(), "Lobby")
	assert.Contains(t, out.String(), "PS 2")
	assert.Contains(t, out.String(), "esp-01/12")
}
