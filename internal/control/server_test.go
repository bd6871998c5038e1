package control_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/swayspace/swayspace/internal/assign"
	"github.com/swayspace/swayspace/internal/control"
	"github.com/swayspace/swayspace/internal/control/client"
	"github.com/swayspace/swayspace/internal/engine"
	"github.com/swayspace/swayspace/internal/env"
	"github.com/swayspace/swayspace/internal/filter"
	"github.com/swayspace/swayspace/internal/ipc"
	"github.com/swayspace/swayspace/internal/rules"
	"github.com/swayspace/swayspace/internal/state"
	"github.com/swayspace/swayspace/internal/util"
)

type fakeWM struct {
	tree *ipc.Node
}

func (f *fakeWM) GetTree(context.Context) (*ipc.Node, error) {
	if f.tree == nil {
		return &ipc.Node{Type: "root"}, nil
	}
	return f.tree, nil
}

func (f *fakeWM) GetWorkspaces(context.Context) ([]ipc.Workspace, error) {
	return []ipc.Workspace{{Num: 1, Focused: true}}, nil
}

func (f *fakeWM) RunCommand(context.Context, string) error { return nil }

type staticResolver struct{}

func (staticResolver) Resolve(int) (*env.Context, error) { return nil, nil }

func windowNode(id int64, class string) ipc.Node {
	return ipc.Node{
		ID:   id,
		Type: "con",
		PID:  int(id) * 10,
		WindowProperties: &ipc.WindowProperties{
			Class:    class,
			Instance: class,
		},
	}
}

func treeWith(windows ...ipc.Node) *ipc.Node {
	return &ipc.Node{Type: "root", Nodes: []ipc.Node{{
		Type: "output",
		Name: "DP-1",
		Nodes: []ipc.Node{{
			Type:  "workspace",
			Num:   2,
			Name:  "2",
			Nodes: windows,
		}},
	}}}
}

const serverRules = `
rules:
  - identifier: editor
    workspace: 2
`

type fixture struct {
	client  *client.Client
	tracker *state.Tracker
	reloads *atomic.Int64
	socket  string
}

func startServer(t *testing.T, wm *fakeWM) *fixture {
	t.Helper()
	socket := filepath.Join(t.TempDir(), "diag.sock")
	t.Setenv("SWAYSPACE_DIAG_SOCKET", socket)

	logger := util.NewLoggerWithWriter(util.LevelError, io.Discard)
	tracker := state.NewTracker(64)
	parsed, err := rules.ParseRules([]byte(serverRules))
	require.NoError(t, err)
	reg := rules.NewRegistry(parsed, nil)

	metrics := assign.NewCollector()
	assigner := assign.New(wm, wm, logger, metrics, 10)
	filterEngine := filter.New(wm, wm, nil, tracker, logger)
	pipeline := engine.New(wm, tracker, staticResolver{}, assigner, filterEngine, reg, logger)

	var reloads atomic.Int64
	srv, err := control.NewServer(pipeline, tracker, metrics, logger, func(string) error {
		reloads.Add(1)
		return nil
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	require.Eventually(t, func() bool {
		_, err := os.Stat(socket)
		return err == nil
	}, 2*time.Second, 5*time.Millisecond)

	c, err := client.New(socket)
	require.NoError(t, err)
	return &fixture{client: c, tracker: tracker, reloads: &reloads, socket: socket}
}

func TestHealthCheckReportsTrackedState(t *testing.T) {
	f := startServer(t, &fakeWM{})
	f.tracker.Upsert(1, func(w *state.WindowIdentity) { w.Class = "editor" })
	f.tracker.MarkSubscriptionActive(true)
	f.tracker.SetActiveProject("alpha")

	health, err := f.client.HealthCheck(context.Background())
	require.NoError(t, err)
	require.Equal(t, "ok", health.Status)
	require.Equal(t, 1, health.WindowsTracked)
	require.Equal(t, "alpha", health.ActiveProject)
	require.NotEmpty(t, health.InstanceID)
	require.Zero(t, health.QueueDepth)
	require.Len(t, health.Subscriptions, len(ipc.SubscribedKinds))
}

func TestHealthCheckDegradedWhenSubscriptionInactive(t *testing.T) {
	f := startServer(t, &fakeWM{})
	health, err := f.client.HealthCheck(context.Background())
	require.NoError(t, err)
	require.Equal(t, "degraded", health.Status)
}

func TestWindowIdentityLookup(t *testing.T) {
	f := startServer(t, &fakeWM{})
	f.tracker.Upsert(42, func(w *state.WindowIdentity) {
		w.Class = "editor"
		w.WorkspaceNum = 2
		w.MatchedRule = "editor"
		w.MatchTier = rules.TierExact
	})

	win, err := f.client.WindowIdentity(context.Background(), 42)
	require.NoError(t, err)
	require.Equal(t, "editor", win.Class)
	require.Equal(t, rules.TierExact, win.MatchTier)

	_, err = f.client.WindowIdentity(context.Background(), 99)
	require.ErrorContains(t, err, "no tracked window")
}

func TestWorkspaceRuleAnswer(t *testing.T) {
	f := startServer(t, &fakeWM{})

	answer, err := f.client.WorkspaceRule(context.Background(), "editor", "", "")
	require.NoError(t, err)
	require.True(t, answer.Matched)
	require.Equal(t, "editor", answer.Rule)
	require.Equal(t, 2, answer.Workspace)
	require.Equal(t, rules.TierExact, answer.Tier)

	answer, err = f.client.WorkspaceRule(context.Background(), "nothing-like-it", "", "")
	require.NoError(t, err)
	require.False(t, answer.Matched)
	require.Equal(t, rules.TierNone, answer.Tier)
}

func TestRecentEventsFilteredByKind(t *testing.T) {
	f := startServer(t, &fakeWM{})
	f.tracker.AppendEvent(state.EventRecord{Kind: ipc.KindWindow, Change: "new", ConID: 1})
	f.tracker.AppendEvent(state.EventRecord{Kind: ipc.KindTick, Change: ""})
	f.tracker.AppendEvent(state.EventRecord{Kind: ipc.KindWindow, Change: "close", ConID: 1})

	records, err := f.client.RecentEvents(context.Background(), 10, "window")
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, "new", records[0].Change)
	require.Equal(t, "close", records[1].Change)
}

func TestValidateStateOverSocket(t *testing.T) {
	wm := &fakeWM{tree: treeWith(windowNode(1, "editor"))}
	f := startServer(t, wm)
	f.tracker.Upsert(1, func(w *state.WindowIdentity) {
		w.Class = "editor"
		w.WorkspaceNum = 5
	})

	raw, err := f.client.ValidateState(context.Background())
	require.NoError(t, err)
	var result struct {
		WindowsChecked int `json:"windowsChecked"`
		Inconsistent   int `json:"inconsistent"`
		Mismatches     []struct {
			Severity string `json:"severity"`
			Property string `json:"property"`
		} `json:"mismatches"`
	}
	require.NoError(t, json.Unmarshal(raw, &result))
	require.Equal(t, 1, result.WindowsChecked)
	require.Equal(t, 1, result.Inconsistent)
	require.Equal(t, "workspace", result.Mismatches[0].Property)
	require.Equal(t, "warning", result.Mismatches[0].Severity)
}

func TestDiagnosticReportAggregates(t *testing.T) {
	wm := &fakeWM{tree: treeWith(windowNode(1, "editor"))}
	f := startServer(t, wm)
	f.tracker.Upsert(1, func(w *state.WindowIdentity) {
		w.Class = "editor"
		w.WorkspaceNum = 2
	})
	f.tracker.AppendEvent(state.EventRecord{Kind: ipc.KindWindow, Change: "new", ConID: 1})

	report, err := f.client.DiagnosticReport(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Windows, 1)
	require.Len(t, report.RecentEvents, 1)
	require.Len(t, report.Rules, 1)
	require.Equal(t, 1, report.Validation.Consistent)
	require.False(t, report.GeneratedAt.IsZero())
}

func TestReloadRules(t *testing.T) {
	f := startServer(t, &fakeWM{})
	require.NoError(t, f.client.ReloadRules(context.Background()))
	require.Equal(t, int64(1), f.reloads.Load())
}

func TestUnknownMethodAndPipelinedRequests(t *testing.T) {
	f := startServer(t, &fakeWM{})
	conn, err := net.Dial("unix", f.socket)
	require.NoError(t, err)
	defer conn.Close()

	// Two requests on one connection, answered in order.
	_, err = fmt.Fprintln(conn, `{"method":"bogus","id":1}`)
	require.NoError(t, err)
	_, err = fmt.Fprintln(conn, `{"method":"health_check","id":2}`)
	require.NoError(t, err)

	dec := json.NewDecoder(conn)
	var first control.Response
	require.NoError(t, dec.Decode(&first))
	require.Equal(t, int64(1), first.ID)
	require.NotNil(t, first.Error)
	require.Equal(t, control.CodeUnknownMethod, first.Error.Code)

	var second control.Response
	require.NoError(t, dec.Decode(&second))
	require.Equal(t, int64(2), second.ID)
	require.Nil(t, second.Error)
}
