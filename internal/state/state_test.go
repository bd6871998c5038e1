package state

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/swayspace/swayspace/internal/env"
	"github.com/swayspace/swayspace/internal/ipc"
)

func TestUpsertCreatesThenMutates(t *testing.T) {
	tracker := NewTracker(8)
	first := tracker.Upsert(1, func(w *WindowIdentity) {
		w.Class = "firefox"
		w.WorkspaceNum = 2
	})
	require.Equal(t, "firefox", first.Class)
	require.Equal(t, VisibilityVisible, first.Visibility)
	require.False(t, first.FirstSeen.IsZero())

	second := tracker.Upsert(1, func(w *WindowIdentity) {
		w.Title = "Mozilla Firefox"
	})
	require.Equal(t, "firefox", second.Class, "existing fields survive later events")
	require.Equal(t, "Mozilla Firefox", second.Title)
	require.Equal(t, 1, tracker.WindowCount())
}

func TestWindowReturnsCopy(t *testing.T) {
	tracker := NewTracker(8)
	tracker.Upsert(1, func(w *WindowIdentity) {
		w.Marks = []string{"a"}
		w.Environment = &env.Context{App: "editor", Scope: env.ScopeScoped}
	})
	snapshot, ok := tracker.Window(1)
	require.True(t, ok)
	snapshot.Marks[0] = "mutated"
	snapshot.Environment.App = "mutated"

	fresh, _ := tracker.Window(1)
	require.Equal(t, "a", fresh.Marks[0])
	require.Equal(t, "editor", fresh.Environment.App)
}

func TestReplaceSwapsWholeSet(t *testing.T) {
	tracker := NewTracker(8)
	tracker.Upsert(1, nil)
	tracker.Upsert(2, nil)
	tracker.Replace([]WindowIdentity{{ConID: 9, Class: "foot"}})
	require.Equal(t, 1, tracker.WindowCount())
	_, ok := tracker.Window(1)
	require.False(t, ok)
	win, ok := tracker.Window(9)
	require.True(t, ok)
	require.Equal(t, "foot", win.Class)
}

func TestHistoryPreservesFIFOOrderUnderBurst(t *testing.T) {
	tracker := NewTracker(128)
	for i := 0; i < 50; i++ {
		tracker.AppendEvent(EventRecord{
			Kind:   ipc.KindWindow,
			Change: "new",
			ConID:  int64(i),
			Class:  fmt.Sprintf("app-%d", i),
		})
	}
	records := tracker.RecentEvents(0, "")
	require.Len(t, records, 50)
	for i, rec := range records {
		require.Equal(t, int64(i), rec.ConID, "receipt order must be preserved")
		require.NotEmpty(t, rec.ID)
	}
}

func TestHistoryEvictsOldestFirst(t *testing.T) {
	tracker := NewTracker(4)
	for i := 0; i < 6; i++ {
		tracker.AppendEvent(EventRecord{Kind: ipc.KindWindow, ConID: int64(i)})
	}
	records := tracker.RecentEvents(0, "")
	require.Len(t, records, 4)
	require.Equal(t, int64(2), records[0].ConID)
	require.Equal(t, int64(5), records[3].ConID)
}

func TestRecentEventsFilterAndLimit(t *testing.T) {
	tracker := NewTracker(16)
	tracker.AppendEvent(EventRecord{Kind: ipc.KindWindow, ConID: 1})
	tracker.AppendEvent(EventRecord{Kind: ipc.KindTick})
	tracker.AppendEvent(EventRecord{Kind: ipc.KindWindow, ConID: 2})
	windowOnly := tracker.RecentEvents(0, ipc.KindWindow)
	require.Len(t, windowOnly, 2)
	limited := tracker.RecentEvents(1, ipc.KindWindow)
	require.Len(t, limited, 1)
	require.Equal(t, int64(2), limited[0].ConID)
}

func TestSubscriptionCounters(t *testing.T) {
	tracker := NewTracker(8)
	tracker.MarkSubscriptionActive(true)
	tracker.CountEvent(ipc.KindWindow, "new")
	tracker.CountEvent(ipc.KindWindow, "close")
	tracker.CountEvent(ipc.KindTick, "")
	subs := tracker.Subscriptions()
	byKind := map[ipc.EventKind]Subscription{}
	for _, sub := range subs {
		byKind[sub.Kind] = sub
	}
	require.True(t, byKind[ipc.KindWindow].Active)
	require.Equal(t, uint64(2), byKind[ipc.KindWindow].EventCount)
	require.Equal(t, "close", byKind[ipc.KindWindow].LastChange)
	require.Equal(t, uint64(1), byKind[ipc.KindTick].EventCount)
	require.Equal(t, uint64(0), byKind[ipc.KindOutput].EventCount)
}

func TestActiveProjectSwitch(t *testing.T) {
	tracker := NewTracker(8)
	prev := tracker.SetActiveProject("alpha")
	require.Equal(t, "", prev)
	prev = tracker.SetActiveProject("beta")
	require.Equal(t, "alpha", prev)
	require.Equal(t, "beta", tracker.ActiveProject())
}
