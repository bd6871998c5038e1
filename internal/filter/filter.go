// Package filter parks and restores project-scoped windows when the active
// project changes.
package filter

import (
	"context"
	"errors"
	"fmt"

	"github.com/swayspace/swayspace/internal/env"
	"github.com/swayspace/swayspace/internal/ipc"
	"github.com/swayspace/swayspace/internal/registry"
	"github.com/swayspace/swayspace/internal/state"
	"github.com/swayspace/swayspace/internal/util"
)

// Transition summarizes one project switch.
type Transition struct {
	Project  string  `json:"project"`
	Previous string  `json:"previous,omitempty"`
	Parked   []int64 `json:"parked,omitempty"`
	Restored []int64 `json:"restored,omitempty"`
	Errors   int     `json:"errors,omitempty"`
}

// Engine drives scoped-window visibility. It runs only on project-switch
// signals, touching only windows whose project disagrees with the new active
// project.
type Engine struct {
	commander ipc.Commander
	tree      ipc.TreeSource
	store     *registry.Store
	tracker   *state.Tracker
	logger    *util.Logger
}

// New creates a filtering engine. store may be nil when persistence is
// disabled; park/restore then relies on tracked state alone.
func New(commander ipc.Commander, tree ipc.TreeSource, store *registry.Store, tracker *state.Tracker, logger *util.Logger) *Engine {
	return &Engine{
		commander: commander,
		tree:      tree,
		store:     store,
		tracker:   tracker,
		logger:    logger,
	}
}

// SwitchProject transitions visibility for the new active project. Global
// windows are never touched. Individual window failures are logged and
// counted but do not abort the remaining transitions.
func (e *Engine) SwitchProject(ctx context.Context, project string) (Transition, error) {
	transition := Transition{Project: project, Previous: e.tracker.ActiveProject()}
	if transition.Previous == project {
		return transition, nil
	}

	root, err := e.tree.GetTree(ctx)
	if err != nil {
		return transition, fmt.Errorf("query tree before project switch: %w", err)
	}
	// Commit only once the pass can run. A failed query must leave the
	// previous project active so the same switch can be retried.
	e.tracker.SetActiveProject(project)

	for _, win := range e.tracker.Windows() {
		if win.Environment == nil || win.Environment.Scope != env.ScopeScoped {
			continue
		}
		switch {
		case win.Environment.Project != project && win.Visibility == state.VisibilityVisible:
			if err := e.park(ctx, win, root); err != nil {
				e.logger.Warnf("park window %d: %v", win.ConID, err)
				transition.Errors++
				continue
			}
			transition.Parked = append(transition.Parked, win.ConID)
		case win.Environment.Project == project && win.Visibility == state.VisibilityParked:
			if err := e.restore(ctx, win); err != nil {
				e.logger.Warnf("restore window %d: %v", win.ConID, err)
				transition.Errors++
				continue
			}
			transition.Restored = append(transition.Restored, win.ConID)
		}
	}
	return transition, nil
}

// park moves a window to the scratchpad holding area, preserving its
// authoritative workspace for the eventual restore.
func (e *Engine) park(ctx context.Context, win state.WindowIdentity, root *ipc.Node) error {
	workspace := win.WorkspaceNum
	if fresh, ok := root.FindWindow(win.ConID); ok && fresh.WorkspaceNum > 0 {
		workspace = fresh.WorkspaceNum
	}
	if err := e.commander.RunCommand(ctx, ipc.MoveToScratchpad(win.ConID)); err != nil {
		return err
	}
	e.tracker.Upsert(win.ConID, func(w *state.WindowIdentity) {
		w.Visibility = state.VisibilityParked
		w.SavedWorkspace = workspace
	})
	if e.store != nil {
		if err := e.persist(ctx, win, workspace); err != nil {
			// The move already happened; persistence failure only degrades
			// restore-after-restart.
			e.logger.Warnf("persist parked window %d: %v", win.ConID, err)
		}
	}
	return nil
}

// restore brings a parked window back to its preserved workspace.
func (e *Engine) restore(ctx context.Context, win state.WindowIdentity) error {
	workspace := win.SavedWorkspace
	if e.store != nil {
		if record, err := e.store.Get(ctx, win.ConID); err == nil && record.SavedWorkspace > 0 {
			workspace = record.SavedWorkspace
		} else if err != nil && !errors.Is(err, registry.ErrNotFound) {
			e.logger.Warnf("read saved workspace for %d: %v", win.ConID, err)
		}
	}
	if workspace <= 0 {
		return fmt.Errorf("no saved workspace for container %d", win.ConID)
	}
	if err := e.commander.RunCommand(ctx, ipc.MoveToWorkspace(win.ConID, workspace)); err != nil {
		return err
	}
	e.tracker.Upsert(win.ConID, func(w *state.WindowIdentity) {
		w.Visibility = state.VisibilityVisible
		w.WorkspaceNum = workspace
	})
	return nil
}

func (e *Engine) persist(ctx context.Context, win state.WindowIdentity, workspace int) error {
	record := registry.Record{
		ConID:          win.ConID,
		Class:          win.Class,
		SavedWorkspace: workspace,
		Marks:          win.Marks,
		Scope:          string(env.ScopeScoped),
	}
	if win.Environment != nil {
		record.App = win.Environment.App
		record.Project = win.Environment.Project
	}
	return e.store.Upsert(ctx, record)
}

// Track persists a newly classified project-scoped window so its placement
// survives daemon restarts. Global windows are never written.
func (e *Engine) Track(ctx context.Context, win state.WindowIdentity, workspace int) {
	if e.store == nil || win.Environment == nil || win.Environment.Scope != env.ScopeScoped {
		return
	}
	if err := e.persist(ctx, win, workspace); err != nil {
		e.logger.Warnf("persist window %d: %v", win.ConID, err)
	}
}

// Prune removes registry rows for windows absent from the live set.
func (e *Engine) Prune(ctx context.Context, live map[int64]struct{}) {
	if e.store == nil {
		return
	}
	pruned, err := e.store.PruneExcept(ctx, live)
	if err != nil {
		e.logger.Warnf("prune registry: %v", err)
		return
	}
	if pruned > 0 {
		e.logger.Debugf("pruned %d stale registry rows", pruned)
	}
}

// Evict drops a window from tracking and the durable registry, used when the
// authoritative tree no longer reports it or its process exited.
func (e *Engine) Evict(ctx context.Context, conID int64) {
	e.tracker.Remove(conID)
	if e.store != nil {
		if err := e.store.Delete(ctx, conID); err != nil {
			e.logger.Warnf("evict window %d from registry: %v", conID, err)
		}
	}
}
