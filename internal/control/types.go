package control

import (
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/swayspace/swayspace/internal/assign"
	"github.com/swayspace/swayspace/internal/engine"
	"github.com/swayspace/swayspace/internal/rules"
	"github.com/swayspace/swayspace/internal/state"
)

const (
	// SocketFileName is the filename of the diagnostic socket within the
	// runtime dir.
	SocketFileName = "diag.sock"

	// Method names supported by the diagnostic protocol.
	MethodHealthCheck         = "health_check"
	MethodGetWindowIdentity   = "get_window_identity"
	MethodGetWorkspaceRule    = "get_workspace_rule"
	MethodGetRecentEvents     = "get_recent_events"
	MethodValidateState       = "validate_state"
	MethodGetDiagnosticReport = "get_diagnostic_report"
	MethodReloadRules         = "reload_rules"
)

// Error codes carried in error responses.
const (
	CodeParse         = 1
	CodeUnknownMethod = 2
	CodeBadParams     = 3
	CodeInternal      = 4
)

// Request is one newline-delimited protocol request.
type Request struct {
	Method string         `json:"method"`
	Params map[string]any `json:"params,omitempty"`
	ID     int64          `json:"id"`
}

// ResponseError carries a failed request's code and message.
type ResponseError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Response is one protocol response. Exactly one of Result and Error is set.
type Response struct {
	ID     int64          `json:"id"`
	Result any            `json:"result,omitempty"`
	Error  *ResponseError `json:"error,omitempty"`
}

// Health is the health_check payload.
type Health struct {
	Status          string               `json:"status"`
	InstanceID      string               `json:"instanceId"`
	UptimeSeconds   float64              `json:"uptimeSeconds"`
	WindowsTracked  int                  `json:"windowsTracked"`
	QueueDepth      int                  `json:"queueDepth"`
	ActiveProject   string               `json:"activeProject,omitempty"`
	ActiveWorkspace int                  `json:"activeWorkspace"`
	Reconnects      int                  `json:"reconnects"`
	Subscriptions   []state.Subscription `json:"subscriptions"`
	Assignments     assign.Snapshot      `json:"assignments"`
}

// RuleAnswer is the get_workspace_rule payload: the classification a window
// with the given properties would receive right now.
type RuleAnswer struct {
	Matched   bool       `json:"matched"`
	Rule      string     `json:"rule,omitempty"`
	Workspace int        `json:"workspace,omitempty"`
	Tier      rules.Tier `json:"tier"`
	Conflicts []string   `json:"conflicts,omitempty"`
}

// DiagnosticReport aggregates every diagnostic surface into one payload.
type DiagnosticReport struct {
	GeneratedAt  time.Time               `json:"generatedAt"`
	Health       Health                  `json:"health"`
	Windows      []state.WindowIdentity  `json:"windows"`
	RecentEvents []state.EventRecord     `json:"recentEvents"`
	Validation   engine.ValidationResult `json:"validation"`
	Rules        []rules.WorkspaceRule   `json:"rules"`
}

// DefaultSocketPath returns the expected location of the diagnostic socket.
func DefaultSocketPath() (string, error) {
	if env := os.Getenv("SWAYSPACE_DIAG_SOCKET"); env != "" {
		return env, nil
	}
	base := os.Getenv("XDG_RUNTIME_DIR")
	if base == "" {
		base = os.TempDir()
		if base == "" {
			return "", errors.New("no runtime directory available")
		}
	}
	return filepath.Join(base, "swayspace", SocketFileName), nil
}
