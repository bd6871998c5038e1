package ipc

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"
)

// Workspace is one entry from a GET_WORKSPACES query.
type Workspace struct {
	Num     int    `json:"num"`
	Name    string `json:"name"`
	Output  string `json:"output"`
	Focused bool   `json:"focused"`
	Visible bool   `json:"visible"`
}

// TreeSource abstracts the authoritative-state queries the daemon issues.
type TreeSource interface {
	GetTree(ctx context.Context) (*Node, error)
	GetWorkspaces(ctx context.Context) ([]Workspace, error)
}

// Commander abstracts imperative window manager commands.
type Commander interface {
	RunCommand(ctx context.Context, command string) error
}

// Client talks to the sway/i3 command socket. A single connection is shared
// and serialized; queries and commands are request/response on this socket.
type Client struct {
	mu   sync.Mutex
	conn net.Conn
	path string
}

// NewClient connects to the window manager command socket.
func NewClient() (*Client, error) {
	path, err := SocketPath()
	if err != nil {
		return nil, err
	}
	conn, err := net.Dial("unix", path)
	if err != nil {
		return nil, fmt.Errorf("connect command socket: %w", err)
	}
	return &Client{conn: conn, path: path}, nil
}

// Close releases the command connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

func (c *Client) request(ctx context.Context, msgType uint32, payload []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		conn, err := net.Dial("unix", c.path)
		if err != nil {
			return nil, fmt.Errorf("reconnect command socket: %w", err)
		}
		c.conn = conn
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetDeadline(deadline)
	} else {
		// Clear any deadline left over from an earlier request so a
		// deadline-free call cannot inherit a stale one.
		_ = c.conn.SetDeadline(time.Time{})
	}
	reply, err := roundTrip(c.conn, msgType, payload)
	if err != nil {
		// The connection state is unknown after a failed round trip;
		// drop it and reconnect lazily on the next request.
		c.conn.Close()
		c.conn = nil
		return nil, err
	}
	return reply, nil
}

// GetTree queries the full layout tree.
func (c *Client) GetTree(ctx context.Context) (*Node, error) {
	raw, err := c.request(ctx, msgGetTree, nil)
	if err != nil {
		return nil, err
	}
	var root Node
	if err := json.Unmarshal(raw, &root); err != nil {
		return nil, fmt.Errorf("decode tree: %w", err)
	}
	return &root, nil
}

// GetWorkspaces queries the workspace list.
func (c *Client) GetWorkspaces(ctx context.Context) ([]Workspace, error) {
	raw, err := c.request(ctx, msgGetWorkspaces, nil)
	if err != nil {
		return nil, err
	}
	var workspaces []Workspace
	if err := json.Unmarshal(raw, &workspaces); err != nil {
		return nil, fmt.Errorf("decode workspaces: %w", err)
	}
	return workspaces, nil
}

// RunCommand issues one command string and fails if any chunk is rejected.
func (c *Client) RunCommand(ctx context.Context, command string) error {
	raw, err := c.request(ctx, msgRunCommand, []byte(command))
	if err != nil {
		return err
	}
	var results []struct {
		Success bool   `json:"success"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(raw, &results); err != nil {
		return fmt.Errorf("decode command reply: %w", err)
	}
	var failures []string
	for _, res := range results {
		if !res.Success {
			failures = append(failures, res.Error)
		}
	}
	if len(failures) > 0 {
		return fmt.Errorf("command %q failed: %s", command, strings.Join(failures, "; "))
	}
	return nil
}

// MoveToWorkspace builds the placement command for a container.
func MoveToWorkspace(conID int64, workspace int) string {
	return fmt.Sprintf("[con_id=%d] move container to workspace number %d", conID, workspace)
}

// MoveToScratchpad builds the parking command for a container.
func MoveToScratchpad(conID int64) string {
	return fmt.Sprintf("[con_id=%d] move scratchpad", conID)
}

var _ TreeSource = (*Client)(nil)
var _ Commander = (*Client)(nil)
