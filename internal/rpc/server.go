package rpc

import (
	"context"
	"net"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ponybunny-ai/taskforge/internal/auth"
	apperrors "github.com/ponybunny-ai/taskforge/internal/common/errors"
	"github.com/ponybunny-ai/taskforge/internal/common/logger"
	"github.com/ponybunny-ai/taskforge/internal/events"
	"github.com/ponybunny-ai/taskforge/internal/ipc"
	v1 "github.com/ponybunny-ai/taskforge/pkg/api/v1"
)

// subscribeParams is the params object of goal.subscribe / goal.unsubscribe.
type subscribeParams struct {
	GoalID string `json:"goal_id"`
}

// connState tracks one client connection's authentication and event
// subscription state.
type connState struct {
	conn    net.Conn
	session *v1.Session
	mu      sync.RWMutex
	goalIDs map[string]bool
}

func (c *connState) wants(goalID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.session == nil {
		return false
	}
	return c.goalIDs[goalID]
}

// Server is the control plane's client-facing socket: it authenticates
// each connection (challenge/signature handshake), dispatches RPC frames
// through a Dispatcher, and pushes scheduler events to subscribed
// connections.
type Server struct {
	socketPath string
	authr      *auth.Authenticator
	dispatcher *Dispatcher
	bus        events.Bus
	logger     *logger.Logger

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]*connState
	wg       sync.WaitGroup
}

// NewServer builds an RPC server bound to socketPath.
func NewServer(socketPath string, authr *auth.Authenticator, dispatcher *Dispatcher, bus events.Bus, log *logger.Logger) *Server {
	if log == nil {
		log = logger.Default()
	}
	return &Server{
		socketPath: socketPath,
		authr:      authr,
		dispatcher: dispatcher,
		bus:        bus,
		logger:     log,
		conns:      make(map[net.Conn]*connState),
	}
}

// Start listens on the client-facing socket, subscribes to every
// scheduler event for fan-out, and begins accepting connections.
func (s *Server) Start() error {
	_ = os.Remove(s.socketPath)

	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	if s.bus != nil {
		if _, err := s.bus.Subscribe("scheduler.>", s.onEvent); err != nil {
			ln.Close()
			return err
		}
	}

	s.wg.Add(1)
	go s.acceptLoop(ln)
	return nil
}

// Stop closes the listener and every open connection.
func (s *Server) Stop() {
	s.mu.Lock()
	if s.listener != nil {
		s.listener.Close()
	}
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	_ = os.Remove(s.socketPath)
}

func (s *Server) onEvent(ctx context.Context, env *events.Envelope) error {
	data, err := ipc.EncodeData(env.Payload)
	if err != nil {
		return err
	}
	frame := &v1.Frame{Type: v1.FrameSchedulerEvent, Data: data}

	s.mu.Lock()
	defer s.mu.Unlock()
	for conn, state := range s.conns {
		if !state.wants(env.Payload.GoalID) {
			continue
		}
		if err := ipc.WriteFrame(conn, frame); err != nil {
			s.logger.Warn("rpc server: event push failed", zap.Error(err))
		}
	}
	return nil
}

func (s *Server) acceptLoop(ln net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		state := &connState{conn: conn, goalIDs: make(map[string]bool)}
		s.mu.Lock()
		s.conns[conn] = state
		s.mu.Unlock()

		s.wg.Add(1)
		go s.handleConn(state)
	}
}

func (s *Server) handleConn(state *connState) {
	connID := uuid.New().String()
	defer func() {
		s.mu.Lock()
		delete(s.conns, state.conn)
		s.mu.Unlock()
		state.conn.Close()
		s.wg.Done()
	}()

	for {
		frame, err := ipc.ReadFrame(state.conn)
		if err != nil {
			return
		}

		switch frame.Type {
		case v1.FrameHello:
			s.handleHello(state, connID, frame)
		case v1.FrameCommand:
			s.handleCommand(state, connID, frame)
		default:
			s.logger.Warn("rpc server: unexpected frame type", zap.String("type", string(frame.Type)))
		}
	}
}

// helloParams is the data payload of a hello frame, extended beyond
// v1.HelloPayload with the auth handshake's identity/signature fields.
type helloParams struct {
	v1.HelloPayload
	ClientIdentity string `json:"client_identity"`
	Signature      []byte `json:"signature,omitempty"`
}

func (s *Server) handleHello(state *connState, connID string, frame *v1.Frame) {
	var hello helloParams
	if err := ipc.DecodeData(frame.Data, &hello); err != nil {
		s.logger.Warn("rpc server: malformed hello", zap.Error(err))
		return
	}

	if hello.Signature == nil {
		// First hello: issue the challenge the client must sign and resend.
		challenge, err := s.authr.IssueChallenge(connID)
		if err != nil {
			s.logger.Error("rpc server: failed to issue challenge", zap.Error(err))
			return
		}
		data, _ := ipc.EncodeData(map[string]interface{}{"challenge": challenge})
		_ = ipc.WriteFrame(state.conn, &v1.Frame{Type: v1.FrameHello, Data: data})
		return
	}

	session, err := s.authr.Authenticate(connID, hello.ClientIdentity, hello.Signature)
	if err != nil {
		data, _ := ipc.EncodeData(map[string]interface{}{"error": err.Error()})
		_ = ipc.WriteFrame(state.conn, &v1.Frame{Type: v1.FrameHello, Data: data})
		return
	}

	state.mu.Lock()
	state.session = session
	state.mu.Unlock()

	data, _ := ipc.EncodeData(map[string]interface{}{"session_id": session.ID})
	_ = ipc.WriteFrame(state.conn, &v1.Frame{Type: v1.FrameHello, Data: data})
}

func (s *Server) handleCommand(state *connState, connID string, frame *v1.Frame) {
	var req v1.CommandRequest
	if err := ipc.DecodeData(frame.Data, &req); err != nil {
		s.logger.Warn("rpc server: malformed command frame", zap.Error(err))
		return
	}

	state.mu.RLock()
	session := state.session
	state.mu.RUnlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	result := s.dispatchOne(ctx, state, session, req)
	result.RequestID = req.RequestID

	data, err := ipc.EncodeData(result)
	if err != nil {
		s.logger.Error("rpc server: failed to encode command result", zap.Error(err))
		return
	}
	if err := ipc.WriteFrame(state.conn, &v1.Frame{Type: v1.FrameCommandResult, Data: data}); err != nil {
		s.logger.Warn("rpc server: failed to write command result", zap.Error(err))
	}
}

func (s *Server) dispatchOne(ctx context.Context, state *connState, session *v1.Session, req v1.CommandRequest) v1.CommandResult {
	switch req.Command {
	case "goal.subscribe", "goal.unsubscribe":
		return s.handleSubscription(session, state, req)
	}

	result, appErr := s.dispatcher.Dispatch(ctx, session, req.Command, req.Params)
	if appErr != nil {
		return v1.CommandResult{Success: false, Message: appErr.Message, Data: map[string]interface{}{"code": appErr.Code}}
	}

	data, err := ipc.EncodeData(result)
	if err != nil {
		return v1.CommandResult{Success: false, Message: apperrors.InternalError("failed to encode result", err).Message}
	}
	return v1.CommandResult{Success: true, Data: data}
}

func (s *Server) handleSubscription(session *v1.Session, state *connState, req v1.CommandRequest) v1.CommandResult {
	perm, ok := RequiredPermission(req.Command)
	if !ok {
		return v1.CommandResult{Success: false, Message: "unknown method", Data: map[string]interface{}{"code": apperrors.ErrCodeMethodNotFound}}
	}
	if session == nil {
		appErr := apperrors.AuthRequired()
		return v1.CommandResult{Success: false, Message: appErr.Message, Data: map[string]interface{}{"code": appErr.Code}}
	}
	if !session.Permissions.Has(perm) {
		appErr := apperrors.PermissionDenied(string(perm))
		return v1.CommandResult{Success: false, Message: appErr.Message, Data: map[string]interface{}{"code": appErr.Code}}
	}

	var p subscribeParams
	if err := ipc.DecodeData(req.Params, &p); err != nil {
		return v1.CommandResult{Success: false, Message: "invalid subscription params"}
	}

	state.mu.Lock()
	if req.Command == "goal.subscribe" {
		state.goalIDs[p.GoalID] = true
	} else {
		delete(state.goalIDs, p.GoalID)
	}
	state.mu.Unlock()

	return v1.CommandResult{Success: true}
}
