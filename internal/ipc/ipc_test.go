package ipc

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/swayspace/swayspace/internal/util"
)

func fakeSocket(t *testing.T, handler func(conn net.Conn)) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sway.sock")
	listener, err := net.Listen("unix", path)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { listener.Close() })
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go handler(conn)
		}
	}()
	t.Setenv("SWAYSOCK", path)
	return path
}

func writeFrame(t *testing.T, conn net.Conn, msgType uint32, payload []byte) {
	t.Helper()
	msg := make([]byte, headerLen+len(payload))
	copy(msg[0:6], ipcMagic)
	binary.LittleEndian.PutUint32(msg[6:10], uint32(len(payload)))
	binary.LittleEndian.PutUint32(msg[10:14], msgType)
	copy(msg[headerLen:], payload)
	if _, err := conn.Write(msg); err != nil {
		t.Errorf("write frame: %v", err)
	}
}

func TestSubscribeDecodesEventsInOrder(t *testing.T) {
	fakeSocket(t, func(conn net.Conn) {
		if _, _, err := readMessage(conn); err != nil {
			return
		}
		writeFrame(t, conn, msgSubscribe, []byte(`{"success":true}`))
		writeFrame(t, conn, eventFlag|eventTypeWindow,
			[]byte(`{"change":"new","container":{"id":7,"type":"con","app_id":"foot","pid":42}}`))
		writeFrame(t, conn, eventFlag|eventTypeTick,
			[]byte(`{"first":false,"payload":"project:switch:alpha"}`))
		select {} // hold the connection open
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	logger := util.NewLogger(util.LevelError)
	events, err := Subscribe(ctx, logger, SubscribedKinds)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	first := <-events
	if first.Kind != KindWindow || first.Window == nil {
		t.Fatalf("expected window event first, got %+v", first)
	}
	if first.Window.Change != "new" || first.Window.Container.ID != 7 {
		t.Fatalf("unexpected window payload: %+v", first.Window)
	}
	second := <-events
	if second.Kind != KindTick || second.Tick == nil {
		t.Fatalf("expected tick event second, got %+v", second)
	}
	if second.Tick.Payload != "project:switch:alpha" {
		t.Fatalf("unexpected tick payload: %+v", second.Tick)
	}
}

func TestSubscribeRejectedByWindowManager(t *testing.T) {
	fakeSocket(t, func(conn net.Conn) {
		defer conn.Close()
		if _, _, err := readMessage(conn); err != nil {
			return
		}
		writeFrame(t, conn, msgSubscribe, []byte(`{"success":false}`))
	})
	logger := util.NewLogger(util.LevelError)
	if _, err := Subscribe(context.Background(), logger, SubscribedKinds); err == nil {
		t.Fatal("expected subscribe rejection error")
	}
}

func TestRunCommandAggregatesFailures(t *testing.T) {
	fakeSocket(t, func(conn net.Conn) {
		defer conn.Close()
		for {
			msgType, _, err := readMessage(conn)
			if err != nil {
				return
			}
			writeFrame(t, conn, msgType, []byte(`[{"success":true},{"success":false,"error":"no such workspace"}]`))
		}
	})
	client, err := NewClient()
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	defer client.Close()
	err = client.RunCommand(context.Background(), "[con_id=1] move container to workspace number 99")
	if err == nil {
		t.Fatal("expected command failure")
	}
}

func TestRequestClearsInheritedDeadline(t *testing.T) {
	fakeSocket(t, func(conn net.Conn) {
		defer conn.Close()
		for {
			msgType, _, err := readMessage(conn)
			if err != nil {
				return
			}
			writeFrame(t, conn, msgType, []byte(`[]`))
		}
	})
	client, err := NewClient()
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	if _, err := client.GetWorkspaces(ctx); err != nil {
		t.Fatalf("get workspaces with deadline: %v", err)
	}
	cancel()

	// Let the first context's deadline lapse; a deadline-free request on
	// the same connection must not trip over it.
	time.Sleep(80 * time.Millisecond)
	if _, err := client.GetWorkspaces(context.Background()); err != nil {
		t.Fatalf("get workspaces without deadline: %v", err)
	}
}

func TestGetTreeAndWorkspaces(t *testing.T) {
	tree := Node{
		Type: "root",
		Nodes: []Node{{
			Type: "output", Name: "DP-1",
			Nodes: []Node{{
				Type: "workspace", Name: "3", Num: 3,
				Nodes: []Node{{
					ID: 11, Type: "con", PID: 100,
					WindowProperties: &WindowProperties{Class: "firefox", Instance: "Navigator", Title: "Mozilla Firefox"},
				}},
				FloatingNodes: []Node{{ID: 12, Type: "floating_con", AppID: "org.pwmt.zathura", PID: 101}},
			}},
		}},
	}
	treeJSON, err := json.Marshal(tree)
	if err != nil {
		t.Fatalf("marshal tree: %v", err)
	}
	fakeSocket(t, func(conn net.Conn) {
		defer conn.Close()
		for {
			msgType, _, err := readMessage(conn)
			if err != nil {
				return
			}
			switch msgType {
			case msgGetTree:
				writeFrame(t, conn, msgGetTree, treeJSON)
			case msgGetWorkspaces:
				writeFrame(t, conn, msgGetWorkspaces, []byte(`[{"num":3,"name":"3","output":"DP-1","focused":true}]`))
			}
		}
	})

	client, err := NewClient()
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	defer client.Close()

	root, err := client.GetTree(context.Background())
	if err != nil {
		t.Fatalf("get tree: %v", err)
	}
	windows := root.Windows()
	if len(windows) != 2 {
		t.Fatalf("expected 2 windows, got %d", len(windows))
	}
	if windows[0].Node.ID != 11 || windows[0].WorkspaceNum != 3 || windows[0].Output != "DP-1" {
		t.Fatalf("unexpected first window: %+v", windows[0])
	}
	if windows[0].Node.Class() != "firefox" || windows[0].Node.Instance() != "Navigator" {
		t.Fatalf("unexpected class/instance: %+v", windows[0].Node)
	}
	if !windows[1].Node.Floating() || windows[1].Node.Class() != "org.pwmt.zathura" {
		t.Fatalf("unexpected floating window: %+v", windows[1].Node)
	}
	if _, found := root.FindWindow(11); !found {
		t.Fatal("expected FindWindow to locate container 11")
	}

	workspaces, err := client.GetWorkspaces(context.Background())
	if err != nil {
		t.Fatalf("get workspaces: %v", err)
	}
	if len(workspaces) != 1 || workspaces[0].Num != 3 || !workspaces[0].Focused {
		t.Fatalf("unexpected workspaces: %+v", workspaces)
	}
}
