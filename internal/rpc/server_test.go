package rpc

import (
	"context"
	"crypto/ed25519"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ponybunny-ai/taskforge/internal/auth"
	"github.com/ponybunny-ai/taskforge/internal/cron"
	"github.com/ponybunny-ai/taskforge/internal/events"
	"github.com/ponybunny-ai/taskforge/internal/ipc"
	"github.com/ponybunny-ai/taskforge/internal/persistence"
	v1 "github.com/ponybunny-ai/taskforge/pkg/api/v1"
)

func startTestServer(t *testing.T) (sockPath string, priv ed25519.PrivateKey, bus events.Bus, stop func()) {
	t.Helper()
	dir := t.TempDir()
	sockPath = filepath.Join(dir, "rpc.sock")

	pub, pk, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	priv = pk

	registry := auth.NewRegistry()
	registry.Register(auth.PairedClient{
		ClientIdentity: "client-1",
		PublicKey:      pub,
		Permissions:    v1.PermissionSet{v1.PermissionRead: true, v1.PermissionWrite: true},
	})
	authr := auth.NewAuthenticator(registry, time.Minute)

	store := persistence.NewMemoryStore()
	bus = events.NewMemoryBus(nil)
	dispatcher := New(store, &stubScheduler{}, cron.NewRegistry(), &stubAuditor{page: &v1.AuditListPage{}}, nil)

	srv := NewServer(sockPath, authr, dispatcher, bus, nil)
	require.NoError(t, srv.Start())
	return sockPath, priv, bus, srv.Stop
}

func newRawConn(sockPath string) (net.Conn, error) {
	return net.Dial("unix", sockPath)
}

// requestChallenge sends the first, unsigned hello frame and returns the
// challenge bytes the server issues in reply.
func requestChallenge(t *testing.T, conn net.Conn) []byte {
	t.Helper()
	data, err := ipc.EncodeData(map[string]interface{}{"client_identity": "client-1"})
	require.NoError(t, err)
	require.NoError(t, ipc.WriteFrame(conn, &v1.Frame{Type: v1.FrameHello, Data: data}))

	reply, err := ipc.ReadFrame(conn)
	require.NoError(t, err)

	var payload struct {
		Challenge []byte `json:"challenge"`
	}
	require.NoError(t, ipc.DecodeData(reply.Data, &payload))
	require.NotEmpty(t, payload.Challenge)
	return payload.Challenge
}

// authenticateRawConn sends the signed second hello frame and requires the
// server to grant a session.
func authenticateRawConn(t *testing.T, conn net.Conn, sig []byte) {
	t.Helper()
	data, err := ipc.EncodeData(map[string]interface{}{"client_identity": "client-1", "signature": sig})
	require.NoError(t, err)
	require.NoError(t, ipc.WriteFrame(conn, &v1.Frame{Type: v1.FrameHello, Data: data}))

	reply, err := ipc.ReadFrame(conn)
	require.NoError(t, err)

	var payload struct {
		SessionID string `json:"session_id"`
	}
	require.NoError(t, ipc.DecodeData(reply.Data, &payload))
	require.NotEmpty(t, payload.SessionID)
}

func TestRPCServer_UnauthenticatedCallDenied(t *testing.T) {
	sockPath, _, _, stop := startTestServer(t)
	defer stop()

	client, err := ipc.Dial(sockPath, time.Second, nil, nil)
	require.NoError(t, err)
	defer client.Close()

	result, err := client.Call(context.Background(), "goal.list", map[string]interface{}{})
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, "AUTH_REQUIRED", result.Data["code"])
}

func TestRPCServer_GoalSubmitAfterAuth(t *testing.T) {
	sockPath, priv, _, stop := startTestServer(t)
	defer stop()

	conn, err := newRawConn(sockPath)
	require.NoError(t, err)
	defer conn.Close()

	challenge := requestChallenge(t, conn)
	sig := ed25519.Sign(priv, challenge)
	authenticateRawConn(t, conn, sig)

	params, err := ipc.EncodeData(GoalSubmitParams{Goal: v1.Goal{ID: "g-1", Title: "t", Status: v1.GoalStatusQueued}})
	require.NoError(t, err)
	reqData, err := ipc.EncodeData(v1.CommandRequest{RequestID: "r-1", Command: "goal.submit", Params: params})
	require.NoError(t, err)
	require.NoError(t, ipc.WriteFrame(conn, &v1.Frame{Type: v1.FrameCommand, Data: reqData}))

	reply, err := ipc.ReadFrame(conn)
	require.NoError(t, err)
	var result v1.CommandResult
	require.NoError(t, ipc.DecodeData(reply.Data, &result))
	assert.True(t, result.Success)
}
