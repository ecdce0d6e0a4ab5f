package ipc

import (
	"context"
	"net"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ponybunny-ai/taskforge/internal/common/logger"
	v1 "github.com/ponybunny-ai/taskforge/pkg/api/v1"
)

// CommandHandler executes one scheduler_command frame's payload and
// returns the result to send back. Implemented by cmd/daemon for the
// small submit_goal/cancel_goal surface.
type CommandHandler func(ctx context.Context, req v1.CommandRequest) v1.CommandResult

// Server is the execution daemon's side of the cross-process coordination
// socket: it accepts the control plane's connection, dispatches inbound
// scheduler_command frames, and broadcasts scheduler_event/debug_event
// frames out to every connected client.
type Server struct {
	socketPath string
	handler    CommandHandler
	logger     *logger.Logger

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	wg       sync.WaitGroup
}

// NewServer builds an IPC server bound to socketPath, not yet listening.
func NewServer(socketPath string, handler CommandHandler, log *logger.Logger) *Server {
	if log == nil {
		log = logger.Default()
	}
	return &Server{
		socketPath: socketPath,
		handler:    handler,
		logger:     log,
		conns:      make(map[net.Conn]struct{}),
	}
}

// Start removes any stale socket file, listens, and begins accepting
// connections in the background.
func (s *Server) Start() error {
	_ = os.Remove(s.socketPath)

	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.wg.Add(1)
	go s.acceptLoop(ln)
	return nil
}

// Stop closes the listener and every open connection, then waits for the
// accept loop and all connection handlers to exit.
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

func (s *Server) acceptLoop(ln net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
		s.wg.Done()
	}()

	for {
		frame, err := ReadFrame(conn)
		if err != nil {
			return
		}

		switch frame.Type {
		case v1.FrameHello:
			// Informational only; no reply required.
		case v1.FrameCommand:
			s.dispatch(conn, frame)
		default:
			s.logger.Warn("ipc server: unexpected frame type from client", zap.String("type", string(frame.Type)))
		}
	}
}

func (s *Server) dispatch(conn net.Conn, frame *v1.Frame) {
	var req v1.CommandRequest
	if err := DecodeData(frame.Data, &req); err != nil {
		s.logger.Warn("ipc server: malformed command frame", zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	result := s.handler(ctx, req)
	result.RequestID = req.RequestID

	data, err := EncodeData(result)
	if err != nil {
		s.logger.Error("ipc server: failed to encode command result", zap.Error(err))
		return
	}
	reply := &v1.Frame{Type: v1.FrameCommandResult, Data: data}
	if err := WriteFrame(conn, reply); err != nil {
		s.logger.Warn("ipc server: failed to write command result", zap.Error(err))
	}
}

// Broadcast sends frame to every currently connected client, silently
// dropping it for any connection whose write fails (that connection's
// handler will observe the break on its next read and clean it up).
func (s *Server) Broadcast(frame *v1.Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.conns {
		if err := WriteFrame(conn, frame); err != nil {
			s.logger.Warn("ipc server: broadcast write failed", zap.Error(err))
		}
	}
}
