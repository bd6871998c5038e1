// Package assign decides and issues workspace placement for newly observed
// windows using an ordered priority policy.
package assign

import (
	"context"
	"fmt"
	"time"

	"github.com/swayspace/swayspace/internal/env"
	"github.com/swayspace/swayspace/internal/ipc"
	"github.com/swayspace/swayspace/internal/rules"
	"github.com/swayspace/swayspace/internal/state"
	"github.com/swayspace/swayspace/internal/util"
)

// Source tiers in strict priority order; the first applicable tier wins.
const (
	SourceHandler  = "handler"
	SourceExplicit = "explicit"
	SourceRegistry = "registry"
	SourceClass    = "class"
	SourceFallback = "fallback"
)

// Handler is per-application custom placement logic for applications whose
// workspace intent cannot be expressed by a static rule.
type Handler func(win state.WindowIdentity, envCtx *env.Context) (int, bool)

// Decision is the resolved placement for one window.
type Decision struct {
	Target    int
	Source    string
	RuleName  string
	Tier      rules.Tier
	Conflicts []string
	Placed    bool
	Failed    bool
	Err       string
}

// Engine applies the priority policy and issues placement commands.
type Engine struct {
	commander ipc.Commander
	tree      ipc.TreeSource
	logger    *util.Logger
	metrics   *Collector

	maxWorkspace int
	handlers     map[string]Handler
}

// New creates an assignment engine. maxWorkspace bounds legal workspace
// numbers; zero or negative disables the bound.
func New(commander ipc.Commander, tree ipc.TreeSource, logger *util.Logger, metrics *Collector, maxWorkspace int) *Engine {
	return &Engine{
		commander:    commander,
		tree:         tree,
		logger:       logger,
		metrics:      metrics,
		maxWorkspace: maxWorkspace,
		handlers:     make(map[string]Handler),
	}
}

// RegisterHandler installs custom placement logic for an application
// identifier (matched against the environment app or the normalized class).
func (e *Engine) RegisterHandler(app string, handler Handler) {
	e.handlers[app] = handler
}

// Metrics exposes the collector for diagnostic reads.
func (e *Engine) Metrics() *Collector {
	return e.metrics
}

// Assign resolves and applies placement for a newly observed window. The
// current workspace is re-queried from the authoritative tree right before
// comparison: the workspace field delivered with the creation event is
// frequently stale because the window may not be attached yet.
func (e *Engine) Assign(ctx context.Context, win state.WindowIdentity, envCtx *env.Context, reg *rules.Registry, currentWorkspace int) Decision {
	started := time.Now()
	decision := e.decide(win, envCtx, reg, currentWorkspace)

	if !decision.Failed && decision.Source != SourceFallback {
		fresh, err := e.freshWorkspace(ctx, win.ConID, currentWorkspace)
		if err != nil {
			e.logger.Debugf("workspace re-query for %d failed, trusting cached value: %v", win.ConID, err)
			fresh = currentWorkspace
		}
		if decision.Target != fresh {
			command := ipc.MoveToWorkspace(win.ConID, decision.Target)
			if err := e.commander.RunCommand(ctx, command); err != nil {
				decision.Failed = true
				decision.Err = fmt.Sprintf("placement: %v", err)
			} else {
				decision.Placed = true
			}
		}
	}

	e.metrics.Record(decision.Source, decision.Placed, decision.Failed, time.Since(started))
	return decision
}

// decide walks the priority tiers without side effects.
func (e *Engine) decide(win state.WindowIdentity, envCtx *env.Context, reg *rules.Registry, currentWorkspace int) Decision {
	// Tier 1: app-specific handler.
	if handler, name, ok := e.handlerFor(win, envCtx); ok {
		if target, handled := handler(win, envCtx); handled {
			return e.validated(Decision{Target: target, Source: SourceHandler, RuleName: name},
				rules.FallbackStayCurrent, currentWorkspace)
		}
	}

	// Tier 2: explicit target from the launch environment, bypasses rules.
	if envCtx != nil && envCtx.TargetWorkspace != 0 {
		return e.validated(Decision{Target: envCtx.TargetWorkspace, Source: SourceExplicit},
			rules.FallbackStayCurrent, currentWorkspace)
	}

	// Tier 3: direct identifier lookup for instrumented launches.
	if envCtx != nil && envCtx.App != "" {
		if rule, ok := reg.Lookup(envCtx.App); ok {
			return e.validated(Decision{Target: rule.Workspace, Source: SourceRegistry, RuleName: rule.Identifier},
				rule.Fallback, currentWorkspace)
		}
		if app, ok := reg.App(envCtx.App); ok && app.PreferredWorkspace > 0 {
			return e.validated(Decision{Target: app.PreferredWorkspace, Source: SourceRegistry, RuleName: app.Name},
				rules.FallbackStayCurrent, currentWorkspace)
		}
	}

	// Tier 4: tiered class matching.
	if hit := reg.MatchWindow(win.Class, win.Instance, win.Title); hit.Rule != nil {
		return e.validated(Decision{
			Target:    hit.Rule.Workspace,
			Source:    SourceClass,
			RuleName:  hit.Rule.Identifier,
			Tier:      hit.Tier,
			Conflicts: hit.Conflicts,
		}, hit.Rule.Fallback, currentWorkspace)
	}

	// Tier 5: stay put. A successful outcome, not a failure.
	return Decision{Target: currentWorkspace, Source: SourceFallback}
}

func (e *Engine) handlerFor(win state.WindowIdentity, envCtx *env.Context) (Handler, string, bool) {
	if envCtx != nil && envCtx.App != "" {
		if handler, ok := e.handlers[envCtx.App]; ok {
			return handler, envCtx.App, true
		}
	}
	if handler, ok := e.handlers[win.NormalizedClass]; ok {
		return handler, win.NormalizedClass, true
	}
	return nil, "", false
}

// validated enforces workspace-number legality against the fallback policy.
func (e *Engine) validated(decision Decision, fallback rules.FallbackPolicy, currentWorkspace int) Decision {
	if e.legalWorkspace(decision.Target) {
		return decision
	}
	switch fallback {
	case rules.FallbackError:
		decision.Failed = true
		decision.Err = fmt.Sprintf("target workspace %d out of range", decision.Target)
		return decision
	case rules.FallbackCreate:
		// The window manager creates workspaces on demand; only reject
		// numbers it cannot represent at all.
		if decision.Target > 0 {
			return decision
		}
		fallthrough
	default:
		e.logger.Warnf("target workspace %d out of range, staying on current", decision.Target)
		decision.Target = currentWorkspace
		decision.Source = SourceFallback
		return decision
	}
}

func (e *Engine) legalWorkspace(num int) bool {
	if num <= 0 {
		return false
	}
	return e.maxWorkspace <= 0 || num <= e.maxWorkspace
}

// freshWorkspace re-queries the authoritative tree for the window's current
// workspace.
func (e *Engine) freshWorkspace(ctx context.Context, conID int64, fallback int) (int, error) {
	root, err := e.tree.GetTree(ctx)
	if err != nil {
		return fallback, err
	}
	win, ok := root.FindWindow(conID)
	if !ok {
		return fallback, fmt.Errorf("container %d not in tree", conID)
	}
	return win.WorkspaceNum, nil
}
