package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/swayspace/swayspace/internal/ipc"
	"github.com/swayspace/swayspace/internal/rules"
	"github.com/swayspace/swayspace/internal/state"
)

// rebuild replaces all cached window state with a fresh authoritative
// snapshot. Used at startup and after every reconnect; cached state is
// never merged with a rebuilt one.
func (e *Engine) rebuild(ctx context.Context) error {
	root, err := e.wm.GetTree(ctx)
	if err != nil {
		return fmt.Errorf("query tree: %w", err)
	}
	reg := e.Registry()
	tree := root.Windows()
	windows := make([]state.WindowIdentity, 0, len(tree))
	for _, win := range tree {
		windows = append(windows, e.adopt(win, reg))
	}
	e.tracker.Replace(windows)
	e.syncActiveWorkspace(ctx)
	return nil
}

// adopt builds a tracked identity for a window the daemon did not see being
// created, classifying it and resolving its launch context from procfs.
func (e *Engine) adopt(win ipc.TreeWindow, reg *rules.Registry) state.WindowIdentity {
	class := win.Node.Class()
	instance := win.Node.Instance()
	identity := state.WindowIdentity{
		ConID:           win.Node.ID,
		Class:           class,
		Instance:        instance,
		NormalizedClass: rules.Normalize(class),
		Title:           win.Node.Name,
		PID:             win.Node.PID,
		WorkspaceNum:    win.WorkspaceNum,
		WorkspaceName:   win.WorkspaceName,
		Output:          win.Output,
		Floating:        win.Node.Floating(),
		Focused:         win.Node.Focused,
		Visibility:      state.VisibilityVisible,
		Marks:           append([]string(nil), win.Node.Marks...),
		FirstSeen:       time.Now(),
		LastSeen:        time.Now(),
	}
	if win.InScratchpad() {
		identity.Visibility = state.VisibilityParked
	}
	if envCtx, err := e.resolver.Resolve(win.Node.PID); err == nil {
		identity.Environment = envCtx
	} else {
		e.logger.Debugf("resolve environment for pid %d: %v", win.Node.PID, err)
	}
	hit := reg.MatchWindow(class, instance, win.Node.Name)
	identity.MatchTier = hit.Tier
	if hit.Rule != nil {
		identity.MatchedRule = hit.Rule.Identifier
	}
	return identity
}

// Reconcile diffs cached state against the authoritative tree: windows the
// tree no longer reports are evicted, windows it reports but we never saw
// are adopted, and drifted placements are corrected in the cache.
func (e *Engine) Reconcile(ctx context.Context) error {
	root, err := e.wm.GetTree(ctx)
	if err != nil {
		return fmt.Errorf("query tree: %w", err)
	}
	reg := e.Registry()
	live := make(map[int64]struct{})
	adopted, corrected := 0, 0
	for _, win := range root.Windows() {
		live[win.Node.ID] = struct{}{}
		cached, tracked := e.tracker.Window(win.Node.ID)
		if !tracked {
			identity := e.adopt(win, reg)
			e.tracker.Upsert(identity.ConID, func(w *state.WindowIdentity) {
				*w = identity
			})
			adopted++
			continue
		}
		if cached.WorkspaceNum != win.WorkspaceNum || cached.Title != win.Node.Name {
			corrected++
		}
		e.tracker.Upsert(win.Node.ID, func(w *state.WindowIdentity) {
			w.WorkspaceNum = win.WorkspaceNum
			w.WorkspaceName = win.WorkspaceName
			w.Output = win.Output
			w.Title = win.Node.Name
			w.Floating = win.Node.Floating()
			w.Marks = append([]string(nil), win.Node.Marks...)
			if win.InScratchpad() {
				w.Visibility = state.VisibilityParked
			} else {
				w.Visibility = state.VisibilityVisible
			}
		})
	}
	evicted := 0
	for _, cached := range e.tracker.Windows() {
		if _, ok := live[cached.ConID]; !ok {
			e.filter.Evict(ctx, cached.ConID)
			evicted++
		}
	}
	e.filter.Prune(ctx, live)
	e.syncActiveWorkspace(ctx)
	if adopted > 0 || evicted > 0 || corrected > 0 {
		e.logger.Infof("reconcile: adopted %d, evicted %d, corrected %d", adopted, evicted, corrected)
	}
	return nil
}

func (e *Engine) syncActiveWorkspace(ctx context.Context) {
	workspaces, err := e.wm.GetWorkspaces(ctx)
	if err != nil {
		e.logger.Debugf("query workspaces: %v", err)
		return
	}
	for _, ws := range workspaces {
		if ws.Focused {
			e.tracker.SetActiveWorkspace(ws.Num)
			return
		}
	}
}

// Mismatch describes one divergence between cached and authoritative state.
type Mismatch struct {
	ConID         int64  `json:"conId"`
	Property      string `json:"property"`
	Cached        string `json:"cached"`
	Authoritative string `json:"authoritative"`
	Severity      string `json:"severity"`
}

// ValidationResult summarizes a cache-versus-tree consistency check.
type ValidationResult struct {
	Timestamp      time.Time  `json:"timestamp"`
	WindowsChecked int        `json:"windowsChecked"`
	Consistent     int        `json:"consistent"`
	Inconsistent   int        `json:"inconsistent"`
	Mismatches     []Mismatch `json:"mismatches,omitempty"`
}

const (
	severityCritical = "critical"
	severityWarning  = "warning"
)

// ValidateState re-queries the tree and reports where the cache disagrees
// with it. Tracked windows missing from the tree are critical; placement
// drift is a warning. The check never mutates state.
func (e *Engine) ValidateState(ctx context.Context) (ValidationResult, error) {
	result := ValidationResult{Timestamp: time.Now()}
	root, err := e.wm.GetTree(ctx)
	if err != nil {
		return result, fmt.Errorf("query tree: %w", err)
	}
	tree := make(map[int64]ipc.TreeWindow)
	for _, win := range root.Windows() {
		tree[win.Node.ID] = win
	}
	for _, cached := range e.tracker.Windows() {
		result.WindowsChecked++
		authoritative, ok := tree[cached.ConID]
		if !ok {
			result.Inconsistent++
			result.Mismatches = append(result.Mismatches, Mismatch{
				ConID:         cached.ConID,
				Property:      "presence",
				Cached:        "tracked",
				Authoritative: "missing",
				Severity:      severityCritical,
			})
			continue
		}
		delete(tree, cached.ConID)
		if cached.WorkspaceNum != authoritative.WorkspaceNum {
			result.Inconsistent++
			result.Mismatches = append(result.Mismatches, Mismatch{
				ConID:         cached.ConID,
				Property:      "workspace",
				Cached:        fmt.Sprintf("%d", cached.WorkspaceNum),
				Authoritative: fmt.Sprintf("%d", authoritative.WorkspaceNum),
				Severity:      severityWarning,
			})
			continue
		}
		result.Consistent++
	}
	for conID := range tree {
		result.WindowsChecked++
		result.Inconsistent++
		result.Mismatches = append(result.Mismatches, Mismatch{
			ConID:         conID,
			Property:      "presence",
			Cached:        "untracked",
			Authoritative: "present",
			Severity:      severityWarning,
		})
	}
	return result, nil
}
