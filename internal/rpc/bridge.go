package rpc

import (
	"context"
	"sync"

	apperrors "github.com/ponybunny-ai/taskforge/internal/common/errors"
	"github.com/ponybunny-ai/taskforge/internal/common/logger"
	"github.com/ponybunny-ai/taskforge/internal/ipc"
)

// DaemonBridge is the control plane's goalSubmitter: it forwards
// submit_goal/cancel_goal to the execution daemon over the IPC socket
// instead of driving the Scheduler in-process, matching the
// two-process model. The Persistence write (CreateGoal/CreateWorkItem)
// still happens directly against the shared store in Dispatcher.goalSubmit;
// this bridge only forwards the scheduler command that admits the goal
// into the daemon's active set.
type DaemonBridge struct {
	logger *logger.Logger

	mu     sync.RWMutex
	client *ipc.Client
}

// NewDaemonBridge builds a bridge with no daemon connection yet; Attach
// supplies one once the control plane has dialed the daemon's socket.
func NewDaemonBridge(log *logger.Logger) *DaemonBridge {
	if log == nil {
		log = logger.Default()
	}
	return &DaemonBridge{logger: log}
}

// Attach records the dialed IPC client the bridge forwards commands over.
func (b *DaemonBridge) Attach(client *ipc.Client) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.client = client
}

// Detach clears the client, e.g. after the connection's read loop observes
// the socket close. Subsequent calls fail with IPCFault until re-attached.
func (b *DaemonBridge) Detach() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.client = nil
}

func (b *DaemonBridge) current() *ipc.Client {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.client
}

// SubmitGoal forwards a submit_goal command to the daemon.
func (b *DaemonBridge) SubmitGoal(ctx context.Context, goalID string) error {
	client := b.current()
	if client == nil {
		return apperrors.IPCFault("Scheduler daemon is not connected", nil)
	}

	result, err := client.Call(ctx, "submit_goal", map[string]interface{}{"goalId": goalID})
	if err != nil {
		return apperrors.IPCFault("Scheduler daemon is not connected", err)
	}
	if !result.Success {
		return apperrors.Wrap(apperrors.InternalError(result.Message, nil), "submit_goal rejected by daemon")
	}
	return nil
}

// CancelGoal forwards a cancel_goal command to the daemon.
func (b *DaemonBridge) CancelGoal(ctx context.Context, goalID, reason string) error {
	client := b.current()
	if client == nil {
		return apperrors.IPCFault("Scheduler daemon is not connected", nil)
	}

	result, err := client.Call(ctx, "cancel_goal", map[string]interface{}{"goalId": goalID, "reason": reason})
	if err != nil {
		return apperrors.IPCFault("Scheduler daemon is not connected", err)
	}
	if !result.Success {
		return apperrors.Wrap(apperrors.InternalError(result.Message, nil), "cancel_goal rejected by daemon")
	}
	return nil
}
