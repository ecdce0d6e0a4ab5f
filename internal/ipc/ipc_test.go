package ipc

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v1 "github.com/ponybunny-ai/taskforge/pkg/api/v1"
)

func TestFrameRoundTrip(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	sent := &v1.Frame{
		Type: v1.FrameCommand,
		Data: map[string]interface{}{"foo": "bar"},
	}

	done := make(chan error, 1)
	go func() {
		done <- WriteFrame(client, sent)
	}()

	received, err := ReadFrame(server)
	require.NoError(t, err)
	require.NoError(t, <-done)

	assert.Equal(t, sent.Type, received.Type)
	assert.Equal(t, "bar", received.Data["foo"])
	assert.False(t, received.Timestamp.IsZero())
}

func TestEncodeDecodeDataRoundTrip(t *testing.T) {
	req := v1.CommandRequest{RequestID: "abc", Command: "submit_goal", Params: map[string]interface{}{"goalId": "g-1"}}
	data, err := EncodeData(req)
	require.NoError(t, err)

	var out v1.CommandRequest
	require.NoError(t, DecodeData(data, &out))
	assert.Equal(t, req.RequestID, out.RequestID)
	assert.Equal(t, req.Command, out.Command)
}

func TestPIDLock_AcquireRefusesLiveHolder(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "daemon.pid")

	require.NoError(t, os.WriteFile(path, []byte("1"), 0o644))

	lock := NewPIDLock(path)
	err := lock.Acquire()
	assert.Error(t, err, "pid 1 (init) is always alive, so the lock must refuse")
}

func TestPIDLock_AcquireOverwritesStaleLock(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "daemon.pid")

	// A pid astronomically unlikely to correspond to a live process.
	require.NoError(t, os.WriteFile(path, []byte("999999"), 0o644))

	lock := NewPIDLock(path)
	require.NoError(t, lock.Acquire())
	require.NoError(t, lock.Release())

	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestServerClient_CallRoundTrip(t *testing.T) {
	dir := t.TempDir()
	sockPath := filepath.Join(dir, "daemon.sock")

	handler := func(ctx context.Context, req v1.CommandRequest) v1.CommandResult {
		if req.Command != "submit_goal" {
			return v1.CommandResult{Success: false, Message: "unknown command"}
		}
		return v1.CommandResult{Success: true, Data: map[string]interface{}{"accepted": true}}
	}

	srv := NewServer(sockPath, handler, nil)
	require.NoError(t, srv.Start())
	defer srv.Stop()

	client, err := Dial(sockPath, 2*time.Second, nil, nil)
	require.NoError(t, err)
	defer client.Close()

	result, err := client.Call(context.Background(), "submit_goal", map[string]interface{}{"goalId": "g-1"})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, true, result.Data["accepted"])
}

func TestServerClient_CallTimesOutWithoutHandlerReply(t *testing.T) {
	dir := t.TempDir()
	sockPath := filepath.Join(dir, "daemon.sock")

	block := make(chan struct{})
	handler := func(ctx context.Context, req v1.CommandRequest) v1.CommandResult {
		<-block
		return v1.CommandResult{Success: true}
	}

	srv := NewServer(sockPath, handler, nil)
	require.NoError(t, srv.Start())
	defer func() {
		close(block)
		srv.Stop()
	}()

	client, err := Dial(sockPath, 50*time.Millisecond, nil, nil)
	require.NoError(t, err)
	defer client.Close()

	_, err = client.Call(context.Background(), "submit_goal", nil)
	assert.Error(t, err)
}

func TestServer_BroadcastsEventsToClient(t *testing.T) {
	dir := t.TempDir()
	sockPath := filepath.Join(dir, "daemon.sock")

	srv := NewServer(sockPath, func(ctx context.Context, req v1.CommandRequest) v1.CommandResult {
		return v1.CommandResult{Success: true}
	}, nil)
	require.NoError(t, srv.Start())
	defer srv.Stop()

	events := make(chan *v1.Frame, 1)
	client, err := Dial(sockPath, time.Second, func(f *v1.Frame) { events <- f }, nil)
	require.NoError(t, err)
	defer client.Close()

	// Give the server a moment to register the connection before broadcasting.
	require.Eventually(t, func() bool {
		srv.mu.Lock()
		defer srv.mu.Unlock()
		return len(srv.conns) == 1
	}, time.Second, 10*time.Millisecond)

	srv.Broadcast(&v1.Frame{Type: v1.FrameSchedulerEvent, Data: map[string]interface{}{"goal_id": "g-1"}})

	select {
	case f := <-events:
		assert.Equal(t, v1.FrameSchedulerEvent, f.Type)
		assert.Equal(t, "g-1", f.Data["goal_id"])
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for broadcast event")
	}
}
