package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/kihw/modhub-central-management-sub000/internal/config"
	"github.com/kihw/modhub-central-management-sub000/internal/control"
	"github.com/kihw/modhub-central-management-sub000/internal/monitor"
)

const (
	// defaultTimeout is used when the caller does not provide a context deadline.
	defaultTimeout = 3 * time.Second
)

// Client talks to the running daemon over its control socket.
type Client struct {
	socketPath string
}

type (
	// DaemonStatus mirrors the daemon status payload.
	DaemonStatus = control.DaemonStatus
	// TypesResult mirrors the condition/action vocabulary payload.
	TypesResult = control.TypesResult
	// HistoryResult mirrors the snapshot history payload.
	HistoryResult = control.HistoryResult
	// EventsResult mirrors the event history payload.
	EventsResult = control.EventsResult
	// ProcessesResult mirrors the tracked process payload.
	ProcessesResult = control.ProcessesResult
	// ModsResult mirrors the mod inventory payload.
	ModsResult = control.ModsResult
	// RulesResult mirrors the per-rule runtime state payload.
	RulesResult = control.RulesResult
	// RuleEvalResult mirrors the engine's edge transition payload.
	RuleEvalResult = control.RuleEvalResult
)

// New creates a client that connects to the provided socket path. When
// path is empty, the default runtime path is used.
func New(path string) (*Client, error) {
	if path == "" {
		var err error
		path, err = control.DefaultSocketPath()
		if err != nil {
			return nil, err
		}
	}
	return &Client{socketPath: path}, nil
}

// Status retrieves the daemon summary.
func (c *Client) Status(ctx context.Context) (DaemonStatus, error) {
	var status DaemonStatus
	if err := c.do(ctx, control.Request{Action: control.ActionStatus}, &status); err != nil {
		return DaemonStatus{}, err
	}
	return status, nil
}

// Reload asks the daemon to reload its configuration.
func (c *Client) Reload(ctx context.Context) error {
	return c.do(ctx, control.Request{Action: control.ActionReload}, nil)
}

// Mods retrieves the registered mod inventory.
func (c *Client) Mods(ctx context.Context) (ModsResult, error) {
	var result ModsResult
	if err := c.do(ctx, control.Request{Action: control.ActionModsList}, &result); err != nil {
		return ModsResult{}, err
	}
	return result, nil
}

// ActivateMod activates a mod, optionally overriding its config.
func (c *Client) ActivateMod(ctx context.Context, id string, cfg map[string]any) error {
	if id == "" {
		return errors.New("mod id cannot be empty")
	}
	params := map[string]any{"mod": id}
	if len(cfg) > 0 {
		params["config"] = cfg
	}
	return c.do(ctx, control.Request{Action: control.ActionModActivate, Params: params}, nil)
}

// DeactivateMod deactivates a mod.
func (c *Client) DeactivateMod(ctx context.Context, id string) error {
	if id == "" {
		return errors.New("mod id cannot be empty")
	}
	params := map[string]any{"mod": id}
	return c.do(ctx, control.Request{Action: control.ActionModDeactivate, Params: params}, nil)
}

// Rules retrieves per-rule runtime state.
func (c *Client) Rules(ctx context.Context) (RulesResult, error) {
	var result RulesResult
	if err := c.do(ctx, control.Request{Action: control.ActionRulesStatus}, &result); err != nil {
		return RulesResult{}, err
	}
	return result, nil
}

// RuleHistory retrieves the engine's recorded edge transitions.
func (c *Client) RuleHistory(ctx context.Context) (RuleEvalResult, error) {
	var result RuleEvalResult
	if err := c.do(ctx, control.Request{Action: control.ActionRulesHistory}, &result); err != nil {
		return RuleEvalResult{}, err
	}
	return result, nil
}

// RegisterRule adds a rule to the running daemon.
func (c *Client) RegisterRule(ctx context.Context, rule config.RuleConfig) error {
	params := map[string]any{"rule": rule}
	return c.do(ctx, control.Request{Action: control.ActionRuleRegister, Params: params}, nil)
}

// UpdateRule replaces a rule in the running daemon.
func (c *Client) UpdateRule(ctx context.Context, rule config.RuleConfig) error {
	params := map[string]any{"rule": rule}
	return c.do(ctx, control.Request{Action: control.ActionRuleUpdate, Params: params}, nil)
}

// UnregisterRule removes a rule from the running daemon.
func (c *Client) UnregisterRule(ctx context.Context, id string) error {
	if id == "" {
		return errors.New("rule id cannot be empty")
	}
	params := map[string]any{"rule": id}
	return c.do(ctx, control.Request{Action: control.ActionRuleUnregister, Params: params}, nil)
}

// EnableRule toggles evaluation of a rule.
func (c *Client) EnableRule(ctx context.Context, id string, enabled bool) error {
	if id == "" {
		return errors.New("rule id cannot be empty")
	}
	params := map[string]any{"rule": id, "enabled": enabled}
	return c.do(ctx, control.Request{Action: control.ActionRuleEnable, Params: params}, nil)
}

// Snapshot retrieves the latest committed snapshot.
func (c *Client) Snapshot(ctx context.Context) (monitor.Snapshot, error) {
	var snap monitor.Snapshot
	if err := c.do(ctx, control.Request{Action: control.ActionSnapshotGet}, &snap); err != nil {
		return monitor.Snapshot{}, err
	}
	return snap, nil
}

// History retrieves snapshot history within the window; zero means all.
func (c *Client) History(ctx context.Context, since time.Duration) (HistoryResult, error) {
	var result HistoryResult
	if err := c.do(ctx, historyRequest(control.ActionHistory, since), &result); err != nil {
		return HistoryResult{}, err
	}
	return result, nil
}

// Peaks retrieves the running peak metrics.
func (c *Client) Peaks(ctx context.Context) (monitor.PeakMetrics, error) {
	var peaks monitor.PeakMetrics
	if err := c.do(ctx, control.Request{Action: control.ActionPeaks}, &peaks); err != nil {
		return monitor.PeakMetrics{}, err
	}
	return peaks, nil
}

// Critical retrieves threshold-crossing events within the window.
func (c *Client) Critical(ctx context.Context, since time.Duration) (EventsResult, error) {
	var result EventsResult
	if err := c.do(ctx, historyRequest(control.ActionCritical, since), &result); err != nil {
		return EventsResult{}, err
	}
	return result, nil
}

// Processes retrieves the tracked process set.
func (c *Client) Processes(ctx context.Context) (ProcessesResult, error) {
	var result ProcessesResult
	if err := c.do(ctx, control.Request{Action: control.ActionProcesses}, &result); err != nil {
		return ProcessesResult{}, err
	}
	return result, nil
}

// Events retrieves bus event history within the window.
func (c *Client) Events(ctx context.Context, since time.Duration) (EventsResult, error) {
	var result EventsResult
	if err := c.do(ctx, historyRequest(control.ActionEvents, since), &result); err != nil {
		return EventsResult{}, err
	}
	return result, nil
}

// Types retrieves the condition and action vocabularies.
func (c *Client) Types(ctx context.Context) (TypesResult, error) {
	var result TypesResult
	if err := c.do(ctx, control.Request{Action: control.ActionTypes}, &result); err != nil {
		return TypesResult{}, err
	}
	return result, nil
}

// RecordActivity pings the daemon's idle tracker.
func (c *Client) RecordActivity(ctx context.Context) error {
	return c.do(ctx, control.Request{Action: control.ActionActivity}, nil)
}

// Settings retrieves the settings applied by rule actions.
func (c *Client) Settings(ctx context.Context) (map[string]any, error) {
	var result map[string]any
	if err := c.do(ctx, control.Request{Action: control.ActionSettings}, &result); err != nil {
		return nil, err
	}
	return result, nil
}

func historyRequest(action string, since time.Duration) control.Request {
	req := control.Request{Action: action}
	if since > 0 {
		req.Params = map[string]any{"sinceSeconds": since.Seconds()}
	}
	return req
}

func (c *Client) do(ctx context.Context, req control.Request, out any) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultTimeout)
		defer cancel()
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return fmt.Errorf("dial control socket: %w", err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	var resp control.Response
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if resp.Status != control.StatusOK {
		if resp.Error == "" {
			resp.Error = "unknown control error"
		}
		return errors.New(resp.Error)
	}
	if out == nil || resp.Data == nil {
		return nil
	}
	data, err := json.Marshal(resp.Data)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}
