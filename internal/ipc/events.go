package ipc

import (
	"context"
	"encoding/json"
	"fmt"
	"net"

	"github.com/swayspace/swayspace/internal/util"
)

// EventKind identifies one subscribed event family.
type EventKind string

const (
	KindWindow    EventKind = "window"
	KindWorkspace EventKind = "workspace"
	KindOutput    EventKind = "output"
	KindTick      EventKind = "tick"
)

// SubscribedKinds is the full event vocabulary the daemon consumes.
var SubscribedKinds = []EventKind{KindWindow, KindWorkspace, KindOutput, KindTick}

// WindowChange is the decoded payload of a window event.
type WindowChange struct {
	Change    string `json:"change"`
	Container Node   `json:"container"`
}

// WorkspaceChange is the decoded payload of a workspace event.
type WorkspaceChange struct {
	Change  string `json:"change"`
	Current *Node  `json:"current"`
	Old     *Node  `json:"old"`
}

// OutputChange is the decoded payload of an output event.
type OutputChange struct {
	Change string `json:"change"`
}

// TickPayload is the decoded payload of a tick event. Payload carries the
// free-form string supplied by the sender of SEND_TICK.
type TickPayload struct {
	First   bool   `json:"first"`
	Payload string `json:"payload"`
}

// Event is the closed union of decoded event payloads. Exactly one of the
// pointer fields matching Kind is populated; decoding happens once here at
// the pipeline boundary.
type Event struct {
	Kind      EventKind
	Window    *WindowChange
	Workspace *WorkspaceChange
	Output    *OutputChange
	Tick      *TickPayload
}

// Change returns the kind-specific change string, or "" for kinds without one.
func (e Event) Change() string {
	switch {
	case e.Window != nil:
		return e.Window.Change
	case e.Workspace != nil:
		return e.Workspace.Change
	case e.Output != nil:
		return e.Output.Change
	}
	return ""
}

// Subscribe opens a dedicated event connection, subscribes to the requested
// kinds, and streams decoded events until context cancellation or stream
// error. The returned channel is closed when the stream ends.
func Subscribe(ctx context.Context, logger *util.Logger, kinds []EventKind) (<-chan Event, error) {
	socket, err := SocketPath()
	if err != nil {
		return nil, err
	}
	conn, err := net.Dial("unix", socket)
	if err != nil {
		return nil, fmt.Errorf("connect event socket: %w", err)
	}
	payload, err := json.Marshal(kinds)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("encode subscribe payload: %w", err)
	}
	if err := writeMessage(conn, msgSubscribe, payload); err != nil {
		conn.Close()
		return nil, err
	}
	if err := confirmSubscribe(conn); err != nil {
		conn.Close()
		return nil, err
	}

	events := make(chan Event)
	go func() {
		defer close(events)
		defer conn.Close()
		// Unblock the blocking read when the context ends.
		done := make(chan struct{})
		defer close(done)
		go func() {
			select {
			case <-ctx.Done():
				conn.Close()
			case <-done:
			}
		}()
		for {
			msgType, raw, err := readMessage(conn)
			if err != nil {
				if ctx.Err() == nil {
					logger.Warnf("event stream error: %v", err)
				}
				return
			}
			ev, ok := decodeEvent(msgType, raw, logger)
			if !ok {
				continue
			}
			select {
			case events <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return events, nil
}

func confirmSubscribe(conn net.Conn) error {
	msgType, raw, err := readMessage(conn)
	if err != nil {
		return fmt.Errorf("read subscribe reply: %w", err)
	}
	if msgType != msgSubscribe {
		return fmt.Errorf("unexpected reply type %d to subscribe", msgType)
	}
	var reply struct {
		Success bool `json:"success"`
	}
	if err := json.Unmarshal(raw, &reply); err != nil {
		return fmt.Errorf("decode subscribe reply: %w", err)
	}
	if !reply.Success {
		return fmt.Errorf("window manager rejected subscription")
	}
	return nil
}

func decodeEvent(msgType uint32, raw []byte, logger *util.Logger) (Event, bool) {
	if msgType&eventFlag == 0 {
		logger.Debugf("ignoring non-event frame %d on event connection", msgType)
		return Event{}, false
	}
	switch msgType &^ eventFlag {
	case eventTypeWindow:
		var payload WindowChange
		if err := json.Unmarshal(raw, &payload); err != nil {
			logger.Warnf("decode window event: %v", err)
			return Event{}, false
		}
		return Event{Kind: KindWindow, Window: &payload}, true
	case eventTypeWorkspace:
		var payload WorkspaceChange
		if err := json.Unmarshal(raw, &payload); err != nil {
			logger.Warnf("decode workspace event: %v", err)
			return Event{}, false
		}
		return Event{Kind: KindWorkspace, Workspace: &payload}, true
	case eventTypeOutput:
		var payload OutputChange
		if err := json.Unmarshal(raw, &payload); err != nil {
			logger.Warnf("decode output event: %v", err)
			return Event{}, false
		}
		return Event{Kind: KindOutput, Output: &payload}, true
	case eventTypeTick:
		var payload TickPayload
		if err := json.Unmarshal(raw, &payload); err != nil {
			logger.Warnf("decode tick event: %v", err)
			return Event{}, false
		}
		return Event{Kind: KindTick, Tick: &payload}, true
	default:
		return Event{}, false
	}
}
