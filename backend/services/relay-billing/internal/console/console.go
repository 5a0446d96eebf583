// Package console is the relayctl interactive operator shell.
package console

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/chzyer/readline"

	"relayrent/backend/services/relay-billing/internal/client"
)

// ErrQuit is returned by Execute for quit/exit.
var ErrQuit = errors.New("console: quit")

// API is the subset of the client the console drives.
type API interface {
	Login(ctx context.Context, username, password string) (string, error)
	Devices(ctx context.Context) ([]client.Device, error)
	Relays(ctx context.Context, deviceID string) ([]client.Relay, error)
	Heartbeat(ctx context.Context, deviceID string) (client.Device, error)
	Control(ctx context.Context, deviceID string, pin int, on bool) (client.ControlResult, error)
	Start(ctx context.Context, req client.StartRequest) (client.Session, error)
	Stop(ctx context.Context, deviceID string, pin int) (client.Session, error)
	Active(ctx context.Context, deviceID string, pin int) (*client.Session, error)
	Settle(ctx context.Context, sessionID int64, promotionID *int64) (client.Session, error)
	Sessions(ctx context.Context, query client.SessionQuery) ([]client.Session, error)
	CheckExpired(ctx context.Context) (client.SweepResult, error)
}

const helpText = `commands:
  login <username> <password>
  devices
  relays <device>
  heartbeat <device>
  control <device> <pin> on|off
  start <device> <pin> rate=<per hour> [mode=bebas|timer] [minutes=N] [name=...] [promo=ID]
  stop <device> <pin>
  active <device> <pin>
  settle <session_id> [promo=ID]
  sessions [device=...] [state=active|completed|paid] [limit=N]
  sweep
  help
  quit`

// Console executes one command line at a time against the API.
type Console struct {
	api     API
	out     io.Writer
	timeout time.Duration
}

// New builds a console writing to out. timeout bounds each API call.
func New(api API, out io.Writer, timeout time.Duration) *Console {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Console{api: api, out: out, timeout: timeout}
}

// Execute runs one command line. It returns ErrQuit for quit.
func (c *Console) Execute(ctx context.Context, line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	cmd, args := strings.ToLower(fields[0]), fields[1:]

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	switch cmd {
	case "help", "?":
		fmt.Fprintln(c.out, helpText)
		return nil
	case "quit", "exit":
		return ErrQuit
	case "login":
		return c.login(ctx, args)
	case "devices":
		return c.devices(ctx)
	case "relays":
		return c.relays(ctx, args)
	case "heartbeat":
		return c.heartbeat(ctx, args)
	case "control":
		return c.control(ctx, args)
	case "start":
		return c.start(ctx, args)
	case "stop":
		return c.stop(ctx, args)
	case "active":
		return c.active(ctx, args)
	case "settle":
		return c.settle(ctx, args)
	case "sessions":
		return c.sessions(ctx, args)
	case "sweep":
		return c.sweep(ctx)
	default:
		return fmt.Errorf("unknown command %q (try 'help')", cmd)
	}
}

func (c *Console) login(ctx context.Context, args []string) error {
	if len(args) != 2 {
		return errors.New("usage: login <username> <password>")
	}
	if _, err := c.api.Login(ctx, args[0], args[1]); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "logged in as %s\n", args[0])
	return nil
}

func (c *Console) devices(ctx context.Context) error {
	devices, err := c.api.Devices(ctx)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "DEVICE\tNAME\tONLINE\tLAST HEARTBEAT")
	for _, d := range devices {
		fmt.Fprintf(tw, "%s\t%s\t%t\t%s\n", d.DeviceID, d.Name, d.Online, formatTime(d.LastHeartbeat))
	}
	return tw.Flush()
}

func (c *Console) relays(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: relays <device>")
	}
	relays, err := c.api.Relays(ctx, args[0])
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PIN\tNAME\tSTATE")
	for _, r := range relays {
		fmt.Fprintf(tw, "%d\t%s\t%s\n", r.Pin, r.DisplayName, onOff(r.Energized))
	}
	return tw.Flush()
}

func (c *Console) heartbeat(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: heartbeat <device>")
	}
	d, err := c.api.Heartbeat(ctx, args[0])
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "%s heartbeat at %s\n", d.DeviceID, formatTime(d.LastHeartbeat))
	return nil
}

func (c *Console) control(ctx context.Context, args []string) error {
	if len(args) != 3 {
		return errors.New("usage: control <device> <pin> on|off")
	}
	pin, err := parsePin(args[1])
	if err != nil {
		return err
	}
	var on bool
	switch strings.ToLower(args[2]) {
	case "on":
		on = true
	case "off":
	default:
		return errors.New("state must be on or off")
	}

	res, err := c.api.Control(ctx, args[0], pin, on)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "%s/%d %s\n", args[0], pin, onOff(on))
	if res.ActiveSessionID != nil {
		fmt.Fprintf(c.out, "warning: session %d is still active on this relay\n", *res.ActiveSessionID)
	}
	return nil
}

func (c *Console) start(ctx context.Context, args []string) error {
	if len(args) < 3 {
		return errors.New("usage: start <device> <pin> rate=<per hour> [mode=bebas|timer] [minutes=N] [name=...] [promo=ID]")
	}
	pin, err := parsePin(args[1])
	if err != nil {
		return err
	}
	opts, err := parseOptions(args[2:])
	if err != nil {
		return err
	}

	req := client.StartRequest{DeviceID: args[0], Pin: pin, Mode: "bebas", CustomerName: opts["name"]}
	if mode, ok := opts["mode"]; ok {
		req.Mode = mode
	}
	rate, ok := opts["rate"]
	if !ok {
		return errors.New("rate=<per hour> is required")
	}
	if req.HourlyRate, err = strconv.ParseInt(rate, 10, 64); err != nil {
		return fmt.Errorf("invalid rate %q", rate)
	}
	if raw, ok := opts["minutes"]; ok {
		minutes, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || minutes <= 0 {
			return fmt.Errorf("invalid minutes %q", raw)
		}
		secs := minutes * 60
		req.PlannedDurationSeconds = &secs
	}
	if raw, ok := opts["promo"]; ok {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid promo %q", raw)
		}
		req.PromotionID = &id
	}

	s, err := c.api.Start(ctx, req)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "session %d started on %s/%d (%s)\n", s.ID, s.DeviceID, s.Pin, s.Mode)
	if s.DueAt != nil {
		fmt.Fprintf(c.out, "due at %s\n", s.DueAt.Local().Format(time.Kitchen))
	}
	return nil
}

func (c *Console) stop(ctx context.Context, args []string) error {
	deviceID, pin, err := relayArgs("stop", args)
	if err != nil {
		return err
	}
	s, err := c.api.Stop(ctx, deviceID, pin)
	var apiErr *client.APIError
	if errors.As(err, &apiErr) && apiErr.Session != nil {
		c.printSession(*apiErr.Session)
		return fmt.Errorf("session billed but the relay did not switch off: %w", err)
	}
	if err != nil {
		return err
	}
	c.printSession(s)
	return nil
}

func (c *Console) active(ctx context.Context, args []string) error {
	deviceID, pin, err := relayArgs("active", args)
	if err != nil {
		return err
	}
	s, err := c.api.Active(ctx, deviceID, pin)
	if err != nil {
		return err
	}
	if s == nil {
		fmt.Fprintf(c.out, "%s/%d is idle\n", deviceID, pin)
		return nil
	}
	c.printSession(*s)
	return nil
}

func (c *Console) settle(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return errors.New("usage: settle <session_id> [promo=ID]")
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid session id %q", args[0])
	}
	opts, err := parseOptions(args[1:])
	if err != nil {
		return err
	}
	var promo *int64
	if raw, ok := opts["promo"]; ok {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid promo %q", raw)
		}
		promo = &v
	}

	s, err := c.api.Settle(ctx, id, promo)
	if err != nil {
		return err
	}
	c.printSession(s)
	return nil
}

func (c *Console) sessions(ctx context.Context, args []string) error {
	opts, err := parseOptions(args)
	if err != nil {
		return err
	}
	query := client.SessionQuery{DeviceID: opts["device"], State: opts["state"]}
	if raw, ok := opts["limit"]; ok {
		if query.Limit, err = strconv.Atoi(raw); err != nil || query.Limit <= 0 {
			return fmt.Errorf("invalid limit %q", raw)
		}
	}

	sessions, err := c.api.Sessions(ctx, query)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tRELAY\tMODE\tSTATE\tSTARTED\tCOST\tPAID")
	for _, s := range sessions {
		fmt.Fprintf(tw, "%d\t%s/%d\t%s\t%s\t%s\t%s\t%s\n",
			s.ID, s.DeviceID, s.Pin, s.Mode, s.State, formatTime(&s.StartedAt), amount(s.ComputedCost), amount(s.CostAfterDiscount))
	}
	return tw.Flush()
}

func (c *Console) sweep(ctx context.Context) error {
	res, err := c.api.CheckExpired(ctx)
	if err != nil {
		return err
	}
	if res.Skipped {
		fmt.Fprintf(c.out, "skipped jobs: %s\n", strings.Join(res.SkippedJobs, ", "))
	}
	for _, d := range res.OfflineDevices {
		fmt.Fprintf(c.out, "device %s went offline\n", d)
	}
	for _, closed := range res.Expired {
		fmt.Fprintf(c.out, "session %d on %s/%d closed (%s), cost %s\n",
			closed.SessionID, closed.DeviceID, closed.Pin, closed.Reason, amount(closed.ComputedCost))
		if closed.PhysicalError != "" {
			fmt.Fprintf(c.out, "  relay error: %s\n", closed.PhysicalError)
		}
	}
	if len(res.Expired) == 0 {
		fmt.Fprintln(c.out, "nothing to close")
	}
	if res.Errors != "" {
		return errors.New(res.Errors)
	}
	return nil
}

func (c *Console) printSession(s client.Session) {
	fmt.Fprintf(c.out, "session %d %s/%d %s %s started %s\n",
		s.ID, s.DeviceID, s.Pin, s.Mode, s.State, formatTime(&s.StartedAt))
	if s.ComputedCost != nil {
		fmt.Fprintf(c.out, "  cost %s", amount(s.ComputedCost))
		if s.CostAfterDiscount != nil {
			fmt.Fprintf(c.out, ", discount %s, due %s", amount(s.Discount), amount(s.CostAfterDiscount))
		}
		fmt.Fprintln(c.out)
	}
}

func relayArgs(cmd string, args []string) (string, int, error) {
	if len(args) != 2 {
		return "", 0, fmt.Errorf("usage: %s <device> <pin>", cmd)
	}
	pin, err := parsePin(args[1])
	return args[0], pin, err
}

func parsePin(raw string) (int, error) {
	pin, err := strconv.Atoi(raw)
	if err != nil || pin <= 0 {
		return 0, fmt.Errorf("invalid pin %q", raw)
	}
	return pin, nil
}

// parseOptions reads key=value arguments. Later keys win.
func parseOptions(args []string) (map[string]string, error) {
	opts := make(map[string]string, len(args))
	for _, arg := range args {
		key, value, ok := strings.Cut(arg, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("expected key=value, got %q", arg)
		}
		opts[strings.ToLower(key)] = value
	}
	return opts, nil
}

func onOff(on bool) string {
	if on {
		return "on"
	}
	return "off"
}

func amount(v *int64) string {
	if v == nil {
		return "-"
	}
	return strconv.FormatInt(*v, 10)
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

// Run reads commands until quit, EOF or Ctrl+C.
func (c *Console) Run(ctx context.Context, rl *readline.Instance) error {
	fmt.Fprintln(c.out, "relayctl ready (type 'help' for commands)")
	for {
		if ctx.Err() != nil {
			return nil
		}
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) || errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		err = c.Execute(ctx, line)
		if errors.Is(err, ErrQuit) {
			return nil
		}
		if err != nil {
			fmt.Fprintf(c.out, "error: %v\n", err)
		}
	}
}

// HistoryFile returns the readline history path under the user cache dir, or "" when unavailable.
func HistoryFile() string {
	cacheDir := os.Getenv("XDG_CACHE_HOME")
	if cacheDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		cacheDir = filepath.Join(home, ".cache")
	}
	dir := filepath.Join(cacheDir, "relayctl")
	_ = os.MkdirAll(dir, 0o750)
	return filepath.Join(dir, "history")
}
