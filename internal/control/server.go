// Package control hosts the diagnostic Unix socket. The protocol is
// newline-delimited JSON: each request line carries a method, optional
// params, and a caller-chosen id echoed back on the response line.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/swayspace/swayspace/internal/assign"
	"github.com/swayspace/swayspace/internal/engine"
	"github.com/swayspace/swayspace/internal/ipc"
	"github.com/swayspace/swayspace/internal/state"
	"github.com/swayspace/swayspace/internal/util"
)

// Server hosts the diagnostic socket and serves requests. Every handler
// reads tracked state through the Tracker's snapshot accessors; none of
// them mutate pipeline state.
type Server struct {
	pipeline   *engine.Engine
	tracker    *state.Tracker
	metrics    *assign.Collector
	logger     *util.Logger
	reload     func(reason string) error
	socketPath string
	instanceID string

	mu       sync.Mutex
	listener net.Listener
}

// NewServer creates the diagnostic server on the default socket path.
func NewServer(pipeline *engine.Engine, tracker *state.Tracker, metrics *assign.Collector, logger *util.Logger, reload func(reason string) error) (*Server, error) {
	path, err := DefaultSocketPath()
	if err != nil {
		return nil, err
	}
	return &Server{
		pipeline:   pipeline,
		tracker:    tracker,
		metrics:    metrics,
		logger:     logger,
		reload:     reload,
		socketPath: path,
		instanceID: uuid.NewString(),
	}, nil
}

// Serve listens on the diagnostic socket until the context is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	if err := s.prepareSocket(); err != nil {
		return err
	}
	s.logger.Infof("diagnostic server listening on %s", s.socketPath)
	defer s.cleanup()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		if s.listener != nil {
			s.listener.Close()
		}
		s.mu.Unlock()
	}()

	for {
		conn, err := s.accept(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, net.ErrClosed) {
				return nil
			}
			if ctx.Err() != nil {
				return nil
			}
			s.logger.Errorf("diagnostic accept error: %v", err)
			continue
		}
		go s.handle(ctx, conn)
	}
}

func (s *Server) accept(ctx context.Context) (net.Conn, error) {
	s.mu.Lock()
	listener := s.listener
	s.mu.Unlock()
	if listener == nil {
		return nil, context.Canceled
	}
	conn, err := listener.Accept()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	return conn, nil
}

func (s *Server) prepareSocket() error {
	dir := filepath.Dir(s.socketPath)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create diagnostic dir: %w", err)
	}
	if err := os.Remove(s.socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove stale socket: %w", err)
	}
	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listen on diagnostic socket: %w", err)
	}
	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		listener.Close()
		return fmt.Errorf("chmod diagnostic socket: %w", err)
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()
	return nil
}

func (s *Server) cleanup() {
	s.mu.Lock()
	listener := s.listener
	s.listener = nil
	s.mu.Unlock()
	if listener != nil {
		listener.Close()
	}
	if err := os.Remove(s.socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.logger.Warnf("remove diagnostic socket: %v", err)
	}
}

// handle serves one connection. Multiple requests may arrive on the same
// connection; each gets exactly one response line.
func (s *Server) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	dec := json.NewDecoder(conn)
	enc := json.NewEncoder(conn)
	for {
		var req Request
		if err := dec.Decode(&req); err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.writeError(enc, req.ID, CodeParse, fmt.Sprintf("decode request: %v", err))
			}
			return
		}
		s.dispatch(ctx, enc, req)
	}
}

func (s *Server) dispatch(ctx context.Context, enc *json.Encoder, req Request) {
	switch req.Method {
	case MethodHealthCheck:
		s.writeResult(enc, req.ID, s.health())
	case MethodGetWindowIdentity:
		s.handleWindowIdentity(enc, req)
	case MethodGetWorkspaceRule:
		s.handleWorkspaceRule(enc, req)
	case MethodGetRecentEvents:
		s.handleRecentEvents(enc, req)
	case MethodValidateState:
		s.handleValidateState(ctx, enc, req)
	case MethodGetDiagnosticReport:
		s.handleDiagnosticReport(ctx, enc, req)
	case MethodReloadRules:
		s.handleReload(enc, req)
	default:
		s.writeError(enc, req.ID, CodeUnknownMethod, fmt.Sprintf("unknown method %q", req.Method))
	}
}

func (s *Server) health() Health {
	subs := s.tracker.Subscriptions()
	status := "ok"
	for _, sub := range subs {
		if !sub.Active {
			status = "degraded"
			break
		}
	}
	return Health{
		Status:          status,
		InstanceID:      s.instanceID,
		UptimeSeconds:   time.Since(s.tracker.StartedAt()).Seconds(),
		WindowsTracked:  s.tracker.WindowCount(),
		QueueDepth:      s.pipeline.QueueDepth(),
		ActiveProject:   s.tracker.ActiveProject(),
		ActiveWorkspace: s.tracker.ActiveWorkspace(),
		Reconnects:      s.tracker.Reconnects(),
		Subscriptions:   subs,
		Assignments:     s.metrics.Snapshot(),
	}
}

func (s *Server) handleWindowIdentity(enc *json.Encoder, req Request) {
	conID, ok := intParam(req.Params, "con_id")
	if !ok {
		s.writeError(enc, req.ID, CodeBadParams, "con_id is required")
		return
	}
	win, tracked := s.tracker.Window(conID)
	if !tracked {
		s.writeError(enc, req.ID, CodeBadParams, fmt.Sprintf("no tracked window with con_id %d", conID))
		return
	}
	s.writeResult(enc, req.ID, win)
}

func (s *Server) handleWorkspaceRule(enc *json.Encoder, req Request) {
	class, _ := req.Params["class"].(string)
	if class == "" {
		s.writeError(enc, req.ID, CodeBadParams, "class is required")
		return
	}
	instance, _ := req.Params["instance"].(string)
	title, _ := req.Params["title"].(string)
	hit := s.pipeline.Registry().MatchWindow(class, instance, title)
	answer := RuleAnswer{Tier: hit.Tier, Conflicts: hit.Conflicts}
	if hit.Rule != nil {
		answer.Matched = true
		answer.Rule = hit.Rule.Identifier
		answer.Workspace = hit.Rule.Workspace
	}
	s.writeResult(enc, req.ID, answer)
}

func (s *Server) handleRecentEvents(enc *json.Encoder, req Request) {
	limit, _ := intParam(req.Params, "limit")
	kind, _ := req.Params["kind"].(string)
	records := s.tracker.RecentEvents(int(limit), ipc.EventKind(kind))
	s.writeResult(enc, req.ID, records)
}

func (s *Server) handleValidateState(ctx context.Context, enc *json.Encoder, req Request) {
	result, err := s.pipeline.ValidateState(ctx)
	if err != nil {
		s.writeError(enc, req.ID, CodeInternal, err.Error())
		return
	}
	s.writeResult(enc, req.ID, result)
}

func (s *Server) handleDiagnosticReport(ctx context.Context, enc *json.Encoder, req Request) {
	validation, err := s.pipeline.ValidateState(ctx)
	if err != nil {
		s.writeError(enc, req.ID, CodeInternal, err.Error())
		return
	}
	report := DiagnosticReport{
		GeneratedAt:  time.Now(),
		Health:       s.health(),
		Windows:      s.tracker.Windows(),
		RecentEvents: s.tracker.RecentEvents(100, ""),
		Validation:   validation,
		Rules:        s.pipeline.Registry().Rules(),
	}
	s.writeResult(enc, req.ID, report)
}

func (s *Server) handleReload(enc *json.Encoder, req Request) {
	if s.reload == nil {
		s.writeError(enc, req.ID, CodeInternal, "reload not supported")
		return
	}
	if err := s.reload("diagnostic request"); err != nil {
		s.writeError(enc, req.ID, CodeInternal, err.Error())
		return
	}
	s.writeResult(enc, req.ID, map[string]string{"status": "reloaded"})
}

func (s *Server) writeResult(enc *json.Encoder, id int64, result any) {
	if err := enc.Encode(Response{ID: id, Result: result}); err != nil {
		s.logger.Warnf("write diagnostic response: %v", err)
	}
}

func (s *Server) writeError(enc *json.Encoder, id int64, code int, message string) {
	if err := enc.Encode(Response{ID: id, Error: &ResponseError{Code: code, Message: message}}); err != nil {
		s.logger.Warnf("write diagnostic error: %v", err)
	}
}

// intParam extracts an integer param; JSON numbers decode as float64.
func intParam(params map[string]any, key string) (int64, bool) {
	switch v := params[key].(type) {
	case float64:
		return int64(v), true
	case int64:
		return v, true
	default:
		return 0, false
	}
}
