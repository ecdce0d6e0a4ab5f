package rpc

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/ponybunny-ai/taskforge/internal/common/errors"
	"github.com/ponybunny-ai/taskforge/internal/ipc"
	v1 "github.com/ponybunny-ai/taskforge/pkg/api/v1"
)

func TestDaemonBridge_SubmitGoalWithoutAttachedClientFails(t *testing.T) {
	bridge := NewDaemonBridge(nil)

	err := bridge.SubmitGoal(context.Background(), "g-1")
	require.Error(t, err)

	appErr, ok := err.(*apperrors.AppError)
	require.True(t, ok)
	assert.Equal(t, apperrors.ErrCodeIPCFault, appErr.Code)
	assert.Contains(t, appErr.Message, "not connected")
}

func TestDaemonBridge_CancelGoalWithoutAttachedClientFails(t *testing.T) {
	bridge := NewDaemonBridge(nil)

	err := bridge.CancelGoal(context.Background(), "g-1", "operator requested")
	require.Error(t, err)

	appErr, ok := err.(*apperrors.AppError)
	require.True(t, ok)
	assert.Equal(t, apperrors.ErrCodeIPCFault, appErr.Code)
}

func TestDaemonBridge_ForwardsSubmitGoalToAttachedDaemon(t *testing.T) {
	dir := t.TempDir()
	sockPath := filepath.Join(dir, "daemon.sock")

	var received v1.CommandRequest
	srv := ipc.NewServer(sockPath, func(ctx context.Context, req v1.CommandRequest) v1.CommandResult {
		received = req
		return v1.CommandResult{Success: true}
	}, nil)
	require.NoError(t, srv.Start())
	defer srv.Stop()

	client, err := ipc.Dial(sockPath, time.Second, nil, nil)
	require.NoError(t, err)
	defer client.Close()

	bridge := NewDaemonBridge(nil)
	bridge.Attach(client)

	require.NoError(t, bridge.SubmitGoal(context.Background(), "g-42"))
	assert.Equal(t, "submit_goal", received.Command)
}

func TestDaemonBridge_DetachReturnsToDisconnectedError(t *testing.T) {
	dir := t.TempDir()
	sockPath := filepath.Join(dir, "daemon.sock")

	srv := ipc.NewServer(sockPath, func(ctx context.Context, req v1.CommandRequest) v1.CommandResult {
		return v1.CommandResult{Success: true}
	}, nil)
	require.NoError(t, srv.Start())
	defer srv.Stop()

	client, err := ipc.Dial(sockPath, time.Second, nil, nil)
	require.NoError(t, err)
	defer client.Close()

	bridge := NewDaemonBridge(nil)
	bridge.Attach(client)
	require.NoError(t, bridge.SubmitGoal(context.Background(), "g-1"))

	bridge.Detach()
	err = bridge.SubmitGoal(context.Background(), "g-1")
	require.Error(t, err)
	appErr, ok := err.(*apperrors.AppError)
	require.True(t, ok)
	assert.Equal(t, apperrors.ErrCodeIPCFault, appErr.Code)
}
