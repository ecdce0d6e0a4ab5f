package ipc

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ponybunny-ai/taskforge/internal/common/logger"
	v1 "github.com/ponybunny-ai/taskforge/pkg/api/v1"
)

// EventHandler is called for every scheduler_event or debug_event frame
// the daemon pushes, outside the request/reply correlation below.
type EventHandler func(frame *v1.Frame)

// Client is the control plane's side of the cross-process coordination
// socket: it dials the execution daemon, correlates scheduler_command /
// scheduler_command_result frames by requestId via a pending-request map,
// and forwards any other frame to an EventHandler.
type Client struct {
	conn    net.Conn
	timeout time.Duration
	logger  *logger.Logger
	onEvent EventHandler

	mu      sync.Mutex
	pending map[string]chan v1.CommandResult
	closed  bool
	done    chan struct{}
}

// Dial connects to the daemon's socket at path and starts the read loop.
func Dial(path string, timeout time.Duration, onEvent EventHandler, log *logger.Logger) (*Client, error) {
	if log == nil {
		log = logger.Default()
	}
	conn, err := net.Dial("unix", path)
	if err != nil {
		return nil, fmt.Errorf("ipc: dial %s: %w", path, err)
	}

	c := &Client{
		conn:    conn,
		timeout: timeout,
		logger:  log,
		onEvent: onEvent,
		pending: make(map[string]chan v1.CommandResult),
		done:    make(chan struct{}),
	}

	hello, err := EncodeData(v1.HelloPayload{ClientType: "controlplane"})
	if err == nil {
		_ = WriteFrame(conn, &v1.Frame{Type: v1.FrameHello, Data: hello})
	}

	go c.readLoop()
	return c, nil
}

// Close shuts down the connection and fails every pending call.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	close(c.done)
	c.mu.Unlock()
	return c.conn.Close()
}

// Done returns a channel closed once the client's connection has been
// torn down, by either Close or the read loop observing the socket close.
// Callers that want to redial on disconnect should select on it.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Call sends a scheduler_command frame and blocks for its matching
// scheduler_command_result, or until ctx is done or the client's request
// timeout elapses, whichever comes first.
func (c *Client) Call(ctx context.Context, command string, params map[string]interface{}) (v1.CommandResult, error) {
	requestID := uuid.New().String()
	replyCh := make(chan v1.CommandResult, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return v1.CommandResult{}, fmt.Errorf("ipc: client is closed")
	}
	c.pending[requestID] = replyCh
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, requestID)
		c.mu.Unlock()
	}()

	data, err := EncodeData(v1.CommandRequest{RequestID: requestID, Command: command, Params: params})
	if err != nil {
		return v1.CommandResult{}, err
	}
	if err := WriteFrame(c.conn, &v1.Frame{Type: v1.FrameCommand, Data: data}); err != nil {
		return v1.CommandResult{}, err
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	select {
	case result, ok := <-replyCh:
		if !ok {
			return v1.CommandResult{}, fmt.Errorf("ipc: client closed while waiting for %s", command)
		}
		return result, nil
	case <-timeoutCtx.Done():
		return v1.CommandResult{}, fmt.Errorf("ipc: command %q timed out waiting for daemon: %w", command, timeoutCtx.Err())
	}
}

func (c *Client) readLoop() {
	for {
		frame, err := ReadFrame(c.conn)
		if err != nil {
			c.logger.Warn("ipc client: connection closed", zap.Error(err))
			_ = c.Close()
			return
		}

		switch frame.Type {
		case v1.FrameCommandResult:
			c.handleResult(frame)
		case v1.FrameSchedulerEvent, v1.FrameDebugEvent:
			if c.onEvent != nil {
				c.onEvent(frame)
			}
		default:
			c.logger.Warn("ipc client: unexpected frame type from daemon", zap.String("type", string(frame.Type)))
		}
	}
}

func (c *Client) handleResult(frame *v1.Frame) {
	var result v1.CommandResult
	if err := DecodeData(frame.Data, &result); err != nil {
		c.logger.Warn("ipc client: malformed command result", zap.Error(err))
		return
	}

	c.mu.Lock()
	ch, ok := c.pending[result.RequestID]
	if ok {
		delete(c.pending, result.RequestID)
	}
	c.mu.Unlock()

	if !ok {
		c.logger.Warn("ipc client: result for unknown or expired request", zap.String("request_id", result.RequestID))
		return
	}
	ch <- result
}
