// Package state owns the daemon's mutable runtime state. One Tracker is
// constructed at startup and threaded explicitly into the pipeline (sole
// writer) and the control server (readers); composite reads return copies.
package state

import (
	"sync"
	"time"

	"github.com/swayspace/swayspace/internal/env"
	"github.com/swayspace/swayspace/internal/ipc"
	"github.com/swayspace/swayspace/internal/rules"
)

// Visibility is the filtering state of a tracked window.
type Visibility string

const (
	VisibilityVisible Visibility = "visible"
	VisibilityParked  Visibility = "parked"
)

// WindowIdentity is the daemon's resolved view of one window. Created on
// first observation, mutated on every event referencing the same container
// id, evicted on close or reconciliation.
type WindowIdentity struct {
	ConID           int64        `json:"conId"`
	Class           string       `json:"class"`
	Instance        string       `json:"instance,omitempty"`
	NormalizedClass string       `json:"normalizedClass"`
	Title           string       `json:"title,omitempty"`
	PID             int          `json:"pid,omitempty"`
	WorkspaceNum    int          `json:"workspaceNum"`
	WorkspaceName   string       `json:"workspaceName,omitempty"`
	Output          string       `json:"output,omitempty"`
	Floating        bool         `json:"floating"`
	Focused         bool         `json:"focused"`
	Visibility      Visibility   `json:"visibility"`
	SavedWorkspace  int          `json:"savedWorkspace,omitempty"`
	Environment     *env.Context `json:"environment,omitempty"`
	Marks           []string     `json:"marks,omitempty"`
	MatchedRule     string       `json:"matchedRule,omitempty"`
	MatchTier       rules.Tier   `json:"matchTier,omitempty"`
	FirstSeen       time.Time    `json:"firstSeen"`
	LastSeen        time.Time    `json:"lastSeen"`
}

// Subscription tracks activity for one subscribed event kind.
type Subscription struct {
	Kind       ipc.EventKind `json:"kind"`
	Active     bool          `json:"active"`
	EventCount uint64        `json:"eventCount"`
	LastEvent  time.Time     `json:"lastEvent,omitempty"`
	LastChange string        `json:"lastChange,omitempty"`
}

// Tracker is the owned state container.
type Tracker struct {
	mu            sync.RWMutex
	windows       map[int64]*WindowIdentity
	subscriptions map[ipc.EventKind]*Subscription
	history       *eventHistory
	activeProject string
	activeWSNum   int
	startedAt     time.Time
	reconnects    int
}

// NewTracker creates an empty state container.
func NewTracker(historyLimit int) *Tracker {
	subs := make(map[ipc.EventKind]*Subscription, len(ipc.SubscribedKinds))
	for _, kind := range ipc.SubscribedKinds {
		subs[kind] = &Subscription{Kind: kind}
	}
	return &Tracker{
		windows:       make(map[int64]*WindowIdentity),
		subscriptions: subs,
		history:       newEventHistory(historyLimit),
		startedAt:     time.Now(),
	}
}

// Upsert applies mutate to the identity for conID, creating it first when
// unseen. Returns a copy of the stored identity.
func (t *Tracker) Upsert(conID int64, mutate func(*WindowIdentity)) WindowIdentity {
	now := time.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	win, ok := t.windows[conID]
	if !ok {
		win = &WindowIdentity{
			ConID:      conID,
			Visibility: VisibilityVisible,
			FirstSeen:  now,
		}
		t.windows[conID] = win
	}
	win.LastSeen = now
	if mutate != nil {
		mutate(win)
	}
	return cloneWindow(win)
}

// Window returns a copy of the tracked identity for conID.
func (t *Tracker) Window(conID int64) (WindowIdentity, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	win, ok := t.windows[conID]
	if !ok {
		return WindowIdentity{}, false
	}
	return cloneWindow(win), true
}

// Remove evicts a window from tracking.
func (t *Tracker) Remove(conID int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.windows[conID]; !ok {
		return false
	}
	delete(t.windows, conID)
	return true
}

// Windows returns copies of every tracked identity.
func (t *Tracker) Windows() []WindowIdentity {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]WindowIdentity, 0, len(t.windows))
	for _, win := range t.windows {
		out = append(out, cloneWindow(win))
	}
	return out
}

// WindowCount reports the number of tracked windows.
func (t *Tracker) WindowCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.windows)
}

// Replace swaps the entire tracked set, used for the full rebuild after a
// reconnect (stale state is replaced, never merged).
func (t *Tracker) Replace(windows []WindowIdentity) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fresh := make(map[int64]*WindowIdentity, len(windows))
	for i := range windows {
		win := windows[i]
		fresh[win.ConID] = &win
	}
	t.windows = fresh
}

// ActiveProject returns the currently active project name.
func (t *Tracker) ActiveProject() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.activeProject
}

// SetActiveProject records a project switch and returns the previous value.
func (t *Tracker) SetActiveProject(project string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	prev := t.activeProject
	t.activeProject = project
	return prev
}

// ActiveWorkspace returns the currently focused workspace number.
func (t *Tracker) ActiveWorkspace() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.activeWSNum
}

// SetActiveWorkspace records the focused workspace number.
func (t *Tracker) SetActiveWorkspace(num int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.activeWSNum = num
}

// MarkSubscriptionActive flags all subscriptions as established.
func (t *Tracker) MarkSubscriptionActive(active bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, sub := range t.subscriptions {
		sub.Active = active
	}
}

// CountEvent bumps the per-kind subscription counters.
func (t *Tracker) CountEvent(kind ipc.EventKind, change string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	sub, ok := t.subscriptions[kind]
	if !ok {
		return
	}
	sub.EventCount++
	sub.LastEvent = time.Now()
	sub.LastChange = change
}

// Subscriptions returns copies of the subscription records.
func (t *Tracker) Subscriptions() []Subscription {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Subscription, 0, len(t.subscriptions))
	for _, kind := range ipc.SubscribedKinds {
		if sub, ok := t.subscriptions[kind]; ok {
			out = append(out, *sub)
		}
	}
	return out
}

// RecordReconnect bumps the reconnect counter.
func (t *Tracker) RecordReconnect() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.reconnects++
}

// Reconnects reports how many times the event stream was re-established.
func (t *Tracker) Reconnects() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.reconnects
}

// StartedAt reports daemon start time.
func (t *Tracker) StartedAt() time.Time {
	return t.startedAt
}

func cloneWindow(src *WindowIdentity) WindowIdentity {
	out := *src
	if len(src.Marks) > 0 {
		out.Marks = append([]string(nil), src.Marks...)
	}
	if src.Environment != nil {
		envCopy := *src.Environment
		out.Environment = &envCopy
	}
	return out
}
