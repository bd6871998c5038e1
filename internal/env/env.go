// Package env resolves the launch context a window inherited from the
// instrumented launcher by reading process environment blocks from /proc.
package env

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Variable names written by the instrumented launcher.
const (
	VarApp         = "SWAYSPACE_APP"
	VarWorkspace   = "SWAYSPACE_WORKSPACE"
	VarProject     = "SWAYSPACE_PROJECT"
	VarProjectRoot = "SWAYSPACE_PROJECT_ROOT"
	VarScope       = "SWAYSPACE_SCOPE"
	VarLaunchedAt  = "SWAYSPACE_LAUNCHED_AT"
	VarLauncherPID = "SWAYSPACE_LAUNCHER_PID"
)

// Scope classifies whether a window follows project visibility.
type Scope string

const (
	ScopeScoped Scope = "scoped"
	ScopeGlobal Scope = "global"
)

// Context is the launch context resolved for a window. Immutable once
// resolved; windows that predate the daemon or bypassed the launcher have
// none.
type Context struct {
	App             string    `json:"app"`
	TargetWorkspace int       `json:"targetWorkspace,omitempty"` // 0 means unset
	Project         string    `json:"project,omitempty"`
	ProjectRoot     string    `json:"projectRoot,omitempty"`
	Scope           Scope     `json:"scope"`
	LaunchedAt      time.Time `json:"launchedAt,omitempty"`
	LauncherPID     int       `json:"launcherPid,omitempty"`
}

// maxParentHops bounds the walk up the process tree when the window's own
// process carries no launch context (terminal emulator owning a child's
// window, wrapper scripts).
const maxParentHops = 5

// Resolver reads launch contexts from the proc filesystem. The zero value is
// not usable; construct with NewResolver.
type Resolver struct {
	readEnviron func(pid int) (map[string]string, error)
	parentPID   func(pid int) (int, error)
}

// NewResolver returns a resolver backed by /proc.
func NewResolver() *Resolver {
	return &Resolver{
		readEnviron: readProcEnviron,
		parentPID:   readProcParent,
	}
}

// Resolve reads the launch context for pid, walking up the parent chain a
// bounded number of hops when the immediate process carries none. Returns
// (nil, nil) when no context exists; read failures are likewise non-fatal
// and reported as absent context.
func (r *Resolver) Resolve(pid int) (*Context, error) {
	if pid <= 0 {
		return nil, nil
	}
	current := pid
	for hop := 0; hop <= maxParentHops; hop++ {
		environ, err := r.readEnviron(current)
		if err != nil {
			// Process exited or is unreadable: proceed without context.
			return nil, nil
		}
		if _, ok := environ[VarApp]; ok {
			ctx, err := contextFromEnviron(environ)
			if err != nil {
				return nil, fmt.Errorf("pid %d: %w", current, err)
			}
			return ctx, nil
		}
		parent, err := r.parentPID(current)
		if err != nil || parent <= 1 || parent == current {
			return nil, nil
		}
		current = parent
	}
	return nil, nil
}

func contextFromEnviron(environ map[string]string) (*Context, error) {
	ctx := &Context{
		App:         environ[VarApp],
		Project:     environ[VarProject],
		ProjectRoot: environ[VarProjectRoot],
		Scope:       ScopeGlobal,
	}
	switch Scope(environ[VarScope]) {
	case ScopeScoped:
		ctx.Scope = ScopeScoped
	case ScopeGlobal, "":
	default:
		return nil, fmt.Errorf("unknown scope %q", environ[VarScope])
	}
	if raw := environ[VarWorkspace]; raw != "" {
		ws, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid target workspace %q: %w", raw, err)
		}
		ctx.TargetWorkspace = ws
	}
	if raw := environ[VarLaunchedAt]; raw != "" {
		if unix, err := strconv.ParseInt(raw, 10, 64); err == nil {
			ctx.LaunchedAt = time.Unix(unix, 0)
		}
	}
	if raw := environ[VarLauncherPID]; raw != "" {
		if launcher, err := strconv.Atoi(raw); err == nil {
			ctx.LauncherPID = launcher
		}
	}
	return ctx, nil
}

func readProcEnviron(pid int) (map[string]string, error) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/environ", pid))
	if err != nil {
		return nil, err
	}
	environ := make(map[string]string)
	for _, entry := range strings.Split(string(data), "\x00") {
		if entry == "" {
			continue
		}
		key, value, found := strings.Cut(entry, "=")
		if !found {
			continue
		}
		environ[key] = value
	}
	return environ, nil
}

// readProcParent extracts the ppid from /proc/<pid>/stat. The comm field may
// contain spaces and parentheses, so fields are taken after the last ')'.
func readProcParent(pid int) (int, error) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return 0, err
	}
	s := string(data)
	idx := strings.LastIndex(s, ")")
	if idx == -1 {
		return 0, errors.New("malformed stat")
	}
	fields := strings.Fields(s[idx+1:])
	if len(fields) < 2 {
		return 0, errors.New("malformed stat")
	}
	return strconv.Atoi(fields[1])
}
