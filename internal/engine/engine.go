// Package engine runs the single-writer event pipeline: it consumes window
// manager events in receipt order, dispatches to the classification,
// assignment, and filtering engines, and records per-event outcomes.
package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/swayspace/swayspace/internal/assign"
	"github.com/swayspace/swayspace/internal/env"
	"github.com/swayspace/swayspace/internal/filter"
	"github.com/swayspace/swayspace/internal/ipc"
	"github.com/swayspace/swayspace/internal/rules"
	"github.com/swayspace/swayspace/internal/state"
	"github.com/swayspace/swayspace/internal/util"
)

type wmClient interface {
	ipc.TreeSource
	ipc.Commander
}

// EnvResolver resolves launch contexts for window-owning processes.
type EnvResolver interface {
	Resolve(pid int) (*env.Context, error)
}

type ticker interface {
	C() <-chan time.Time
	Stop()
}

type realTicker struct {
	*time.Ticker
}

func (t realTicker) C() <-chan time.Time {
	return t.Ticker.C
}

type subscribeFunc func(ctx context.Context, logger *util.Logger, kinds []ipc.EventKind) (<-chan ipc.Event, error)

const (
	defaultReconcileInterval = 60 * time.Second
	startupQueueSize         = 256

	reconnectAttempts   = 5
	reconnectBackoffMin = 500 * time.Millisecond
	reconnectBackoffMax = 5 * time.Second

	// Assignment runs inline on the dispatch loop; bound its tree query
	// so a stalled socket cannot wedge every later event behind it.
	defaultAssignTimeout = 2 * time.Second

	// Tick payload prefix that signals a project switch.
	tickProjectPrefix = "project:switch:"
)

// Engine ties the event stream to the daemon's engines and state.
type Engine struct {
	wm       wmClient
	tracker  *state.Tracker
	resolver EnvResolver
	assigner *assign.Engine
	filter   *filter.Engine
	logger   *util.Logger

	mu       sync.Mutex
	registry *rules.Registry
	queued   <-chan ipc.Event

	subscribe     subscribeFunc
	tickerFactory func() ticker
	assignTimeout time.Duration
}

// New creates the pipeline engine.
func New(wm wmClient, tracker *state.Tracker, resolver EnvResolver, assigner *assign.Engine, filterEngine *filter.Engine, reg *rules.Registry, logger *util.Logger) *Engine {
	return &Engine{
		wm:        wm,
		tracker:   tracker,
		resolver:  resolver,
		assigner:  assigner,
		filter:    filterEngine,
		registry:  reg,
		logger:    logger,
		subscribe: ipc.Subscribe,
		tickerFactory: func() ticker {
			return realTicker{time.NewTicker(defaultReconcileInterval)}
		},
		assignTimeout: defaultAssignTimeout,
	}
}

// SetReconcileInterval overrides the periodic reconciliation cadence.
func (e *Engine) SetReconcileInterval(interval time.Duration) {
	if interval <= 0 {
		return
	}
	e.tickerFactory = func() ticker {
		return realTicker{time.NewTicker(interval)}
	}
}

// Registry returns the current rule registry.
func (e *Engine) Registry() *rules.Registry {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.registry
}

func (e *Engine) setQueue(queued <-chan ipc.Event) {
	e.mu.Lock()
	e.queued = queued
	e.mu.Unlock()
}

// QueueDepth reports how many events are buffered awaiting dispatch.
func (e *Engine) QueueDepth() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.queued == nil {
		return 0
	}
	return len(e.queued)
}

// ReloadRegistry swaps the rule registry, used by hot reload.
func (e *Engine) ReloadRegistry(reg *rules.Registry) {
	e.mu.Lock()
	e.registry = reg
	e.mu.Unlock()
	e.logger.Infof("reloaded registry with %d rules", reg.Len())
}

// Run drives the pipeline until context cancellation. Events that arrive
// while the initial state rebuild is still running are queued and replayed
// afterwards so no creation event is lost to the startup race.
func (e *Engine) Run(ctx context.Context) error {
	events, err := e.subscribeEvents(ctx)
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	queued := bufferEvents(ctx, events)
	e.setQueue(queued)

	if err := e.rebuild(ctx); err != nil {
		return fmt.Errorf("initial state rebuild: %w", err)
	}
	e.tracker.MarkSubscriptionActive(true)
	e.logger.Infof("subscriptions active, %d windows tracked", e.tracker.WindowCount())

	tick := e.newTicker()
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C():
			if err := e.Reconcile(ctx); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				e.logger.Errorf("periodic reconcile failed: %v", err)
			}
		case ev, ok := <-queued:
			if !ok {
				queued, err = e.reconnect(ctx)
				if err != nil {
					return err
				}
				e.setQueue(queued)
				continue
			}
			e.dispatch(ctx, ev)
		}
	}
}

// bufferEvents decouples the stream reader from the dispatch loop with a
// bounded queue. The queue absorbs the startup window between subscription
// and the first full rebuild.
func bufferEvents(ctx context.Context, events <-chan ipc.Event) <-chan ipc.Event {
	queued := make(chan ipc.Event, startupQueueSize)
	go func() {
		defer close(queued)
		for ev := range events {
			select {
			case queued <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return queued
}

func (e *Engine) subscribeEvents(ctx context.Context) (<-chan ipc.Event, error) {
	return e.subscribe(ctx, e.logger, ipc.SubscribedKinds)
}

func (e *Engine) newTicker() ticker {
	if e.tickerFactory != nil {
		return e.tickerFactory()
	}
	return realTicker{time.NewTicker(defaultReconcileInterval)}
}

// reconnect re-establishes the subscription after a stream drop, then
// replaces cached state with a fresh authoritative rebuild. Attempts are
// bounded to guarantee forward progress.
func (e *Engine) reconnect(ctx context.Context) (<-chan ipc.Event, error) {
	e.tracker.MarkSubscriptionActive(false)
	backoff := reconnectBackoffMin
	var lastErr error
	for attempt := 1; attempt <= reconnectAttempts; attempt++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		e.logger.Warnf("event stream lost, reconnect attempt %d/%d", attempt, reconnectAttempts)
		events, err := e.subscribeEvents(ctx)
		if err == nil {
			if err := e.rebuild(ctx); err != nil {
				lastErr = err
			} else {
				e.tracker.MarkSubscriptionActive(true)
				e.tracker.RecordReconnect()
				e.logger.Infof("event stream re-established")
				return bufferEvents(ctx, events), nil
			}
		} else {
			lastErr = err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > reconnectBackoffMax {
			backoff = reconnectBackoffMax
		}
	}
	return nil, fmt.Errorf("event stream lost and reconnect failed: %w", lastErr)
}

// dispatch processes one event. Handler failures, including panics, are
// contained: they are logged, recorded as failed events, and never halt the
// loop.
func (e *Engine) dispatch(ctx context.Context, ev ipc.Event) {
	started := time.Now()
	record := state.EventRecord{
		Kind:   ev.Kind,
		Change: ev.Change(),
	}
	if ev.Window != nil {
		record.ConID = ev.Window.Container.ID
		record.Class = ev.Window.Container.Class()
		record.Title = ev.Window.Container.Name
	}

	err := e.handleSafely(ctx, ev, &record)
	record.HandlerDuration = time.Since(started)
	if err != nil {
		record.Error = err.Error()
		e.logger.Errorf("handle %s/%s: %v", ev.Kind, ev.Change(), err)
	}
	e.tracker.CountEvent(ev.Kind, ev.Change())
	e.tracker.AppendEvent(record)
	e.logger.Tracef("event %s/%s handled in %s", ev.Kind, ev.Change(), record.HandlerDuration)
}

func (e *Engine) handleSafely(ctx context.Context, ev ipc.Event, record *state.EventRecord) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return e.handle(ctx, ev, record)
}

func (e *Engine) handle(ctx context.Context, ev ipc.Event, record *state.EventRecord) error {
	switch ev.Kind {
	case ipc.KindWindow:
		return e.handleWindow(ctx, ev.Window, record)
	case ipc.KindWorkspace:
		return e.handleWorkspace(ev.Workspace)
	case ipc.KindOutput:
		// Output topology changed; cached placements may be stale.
		return e.Reconcile(ctx)
	case ipc.KindTick:
		return e.handleTick(ctx, ev.Tick)
	default:
		return nil
	}
}

func (e *Engine) handleWindow(ctx context.Context, change *ipc.WindowChange, record *state.EventRecord) error {
	if change == nil {
		return fmt.Errorf("window event without payload")
	}
	conID := change.Container.ID
	switch change.Change {
	case "new":
		return e.handleWindowNew(ctx, change.Container, record)
	case "close":
		e.filter.Evict(ctx, conID)
		return nil
	case "focus":
		e.tracker.Upsert(conID, func(w *state.WindowIdentity) {
			w.Focused = true
		})
		return nil
	case "move":
		return e.handleWindowMove(ctx, conID)
	case "title":
		e.tracker.Upsert(conID, func(w *state.WindowIdentity) {
			w.Title = change.Container.Name
		})
		return nil
	case "mark":
		marks := append([]string(nil), change.Container.Marks...)
		e.tracker.Upsert(conID, func(w *state.WindowIdentity) {
			w.Marks = marks
		})
		return nil
	default:
		return nil
	}
}

// handleWindowNew classifies, resolves launch context, and assigns a
// workspace for a newly created window.
func (e *Engine) handleWindowNew(ctx context.Context, container ipc.Node, record *state.EventRecord) error {
	reg := e.Registry()
	class := container.Class()
	instance := container.Instance()
	normalized := rules.Normalize(class)

	envCtx, err := e.resolver.Resolve(container.PID)
	if err != nil {
		// Malformed context is transient: proceed without it.
		e.logger.Warnf("resolve environment for pid %d: %v", container.PID, err)
		envCtx = nil
	}

	hit := reg.MatchWindow(class, instance, container.Name)
	win := e.tracker.Upsert(container.ID, func(w *state.WindowIdentity) {
		w.Class = class
		w.Instance = instance
		w.NormalizedClass = normalized
		w.Title = container.Name
		w.PID = container.PID
		w.Floating = container.Floating()
		w.Focused = container.Focused
		w.Marks = append([]string(nil), container.Marks...)
		w.Environment = envCtx
		if hit.Rule != nil {
			w.MatchedRule = hit.Rule.Identifier
			w.MatchTier = hit.Tier
		} else {
			w.MatchTier = rules.TierNone
		}
	})

	assignCtx := ctx
	if e.assignTimeout > 0 {
		var cancel context.CancelFunc
		assignCtx, cancel = context.WithTimeout(ctx, e.assignTimeout)
		defer cancel()
	}
	decision := e.assigner.Assign(assignCtx, win, envCtx, reg, e.tracker.ActiveWorkspace())
	e.tracker.Upsert(container.ID, func(w *state.WindowIdentity) {
		if !decision.Failed {
			w.WorkspaceNum = decision.Target
		}
		if decision.RuleName != "" {
			w.MatchedRule = decision.RuleName
		}
	})

	record.AssignedWorkspace = decision.Target
	if len(decision.Conflicts) > 0 {
		e.logger.Warnf("rules %v also matched window %d at the winning tier; kept %q",
			decision.Conflicts, container.ID, decision.RuleName)
	}
	e.filter.Track(ctx, win, decision.Target)
	if decision.Failed {
		return fmt.Errorf("assign window %d: %s", container.ID, decision.Err)
	}
	return nil
}

// handleWindowMove refreshes the moved window's workspace from the
// authoritative tree; the move payload does not carry it reliably.
func (e *Engine) handleWindowMove(ctx context.Context, conID int64) error {
	root, err := e.wm.GetTree(ctx)
	if err != nil {
		return fmt.Errorf("query tree after move: %w", err)
	}
	win, ok := root.FindWindow(conID)
	if !ok {
		// The window vanished mid-processing; the next reconcile evicts it.
		return nil
	}
	e.tracker.Upsert(conID, func(w *state.WindowIdentity) {
		w.WorkspaceNum = win.WorkspaceNum
		w.WorkspaceName = win.WorkspaceName
		w.Output = win.Output
		if win.InScratchpad() {
			w.Visibility = state.VisibilityParked
		} else {
			w.Visibility = state.VisibilityVisible
		}
	})
	return nil
}

func (e *Engine) handleWorkspace(change *ipc.WorkspaceChange) error {
	if change == nil {
		return fmt.Errorf("workspace event without payload")
	}
	if change.Change == "focus" && change.Current != nil {
		e.tracker.SetActiveWorkspace(change.Current.Num)
	}
	return nil
}

func (e *Engine) handleTick(ctx context.Context, tick *ipc.TickPayload) error {
	if tick == nil || tick.First {
		return nil
	}
	payload := strings.TrimSpace(tick.Payload)
	if !strings.HasPrefix(payload, tickProjectPrefix) {
		return nil
	}
	project := strings.TrimPrefix(payload, tickProjectPrefix)
	transition, err := e.filter.SwitchProject(ctx, project)
	if err != nil {
		return err
	}
	e.logger.Infof("project %q: parked %d, restored %d", project, len(transition.Parked), len(transition.Restored))
	if transition.Errors > 0 {
		return fmt.Errorf("project switch to %q: %d window transitions failed", project, transition.Errors)
	}
	return nil
}
