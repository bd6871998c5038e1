// Package client talks to a running swayspaced over its diagnostic socket.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/swayspace/swayspace/internal/control"
	"github.com/swayspace/swayspace/internal/state"
)

const defaultTimeout = 3 * time.Second

// Client issues diagnostic requests against the daemon's socket.
type Client struct {
	socketPath string
	nextID     atomic.Int64
}

type (
	// Health describes the daemon's liveness and pipeline counters.
	Health = control.Health
	// RuleAnswer describes the classification a window would receive.
	RuleAnswer = control.RuleAnswer
	// DiagnosticReport aggregates every diagnostic surface.
	DiagnosticReport = control.DiagnosticReport
	// WindowIdentity is the daemon's resolved view of one window.
	WindowIdentity = state.WindowIdentity
	// EventRecord is one entry of the daemon's event history.
	EventRecord = state.EventRecord
)

// New creates a client for the provided socket path. When path is empty, the
// default runtime path is used.
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

// HealthCheck retrieves the daemon's health payload.
func (c *Client) HealthCheck(ctx context.Context) (Health, error) {
	var health Health
	err := c.do(ctx, control.MethodHealthCheck, nil, &health)
	return health, err
}

// WindowIdentity retrieves the tracked identity for one container id.
func (c *Client) WindowIdentity(ctx context.Context, conID int64) (WindowIdentity, error) {
	var win WindowIdentity
	err := c.do(ctx, control.MethodGetWindowIdentity, map[string]any{"con_id": conID}, &win)
	return win, err
}

// WorkspaceRule asks which rule a window with the given properties would hit.
func (c *Client) WorkspaceRule(ctx context.Context, class, instance, title string) (RuleAnswer, error) {
	if class == "" {
		return RuleAnswer{}, errors.New("class cannot be empty")
	}
	params := map[string]any{"class": class}
	if instance != "" {
		params["instance"] = instance
	}
	if title != "" {
		params["title"] = title
	}
	var answer RuleAnswer
	err := c.do(ctx, control.MethodGetWorkspaceRule, params, &answer)
	return answer, err
}

// RecentEvents retrieves up to limit event records, optionally filtered by
// kind ("window", "workspace", "output", "tick").
func (c *Client) RecentEvents(ctx context.Context, limit int, kind string) ([]EventRecord, error) {
	params := map[string]any{"limit": limit}
	if kind != "" {
		params["kind"] = kind
	}
	var records []EventRecord
	err := c.do(ctx, control.MethodGetRecentEvents, params, &records)
	return records, err
}

// ValidateState asks the daemon to diff its cache against the live tree.
func (c *Client) ValidateState(ctx context.Context) (json.RawMessage, error) {
	var result json.RawMessage
	err := c.do(ctx, control.MethodValidateState, nil, &result)
	return result, err
}

// DiagnosticReport retrieves the full aggregated diagnostic payload.
func (c *Client) DiagnosticReport(ctx context.Context) (DiagnosticReport, error) {
	var report DiagnosticReport
	err := c.do(ctx, control.MethodGetDiagnosticReport, nil, &report)
	return report, err
}

// ReloadRules asks the daemon to reload its rule registry from disk.
func (c *Client) ReloadRules(ctx context.Context) error {
	return c.do(ctx, control.MethodReloadRules, nil, nil)
}

func (c *Client) do(ctx context.Context, method string, params map[string]any, out any) error {
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
		return fmt.Errorf("dial diagnostic socket: %w", err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	id := c.nextID.Add(1)
	req := control.Request{Method: method, Params: params, ID: id}
	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return fmt.Errorf("send request: %w", err)
	}

	var resp struct {
		ID     int64                  `json:"id"`
		Result json.RawMessage        `json:"result"`
		Error  *control.ResponseError `json:"error"`
	}
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if resp.ID != id {
		return fmt.Errorf("response id %d does not match request id %d", resp.ID, id)
	}
	if resp.Error != nil {
		return fmt.Errorf("daemon error %d: %s", resp.Error.Code, resp.Error.Message)
	}
	if out == nil {
		return nil
	}
	if len(resp.Result) == 0 {
		return errors.New("empty result")
	}
	if err := json.Unmarshal(resp.Result, out); err != nil {
		return fmt.Errorf("decode result: %w", err)
	}
	return nil
}
