package rpc

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/ponybunny-ai/taskforge/internal/common/errors"
	"github.com/ponybunny-ai/taskforge/internal/cron"
	"github.com/ponybunny-ai/taskforge/internal/ipc"
	"github.com/ponybunny-ai/taskforge/internal/persistence"
	v1 "github.com/ponybunny-ai/taskforge/pkg/api/v1"
)

type stubScheduler struct {
	submitted []string
	cancelled []string
	cancelErr error
}

func (s *stubScheduler) SubmitGoal(ctx context.Context, goalID string) error {
	s.submitted = append(s.submitted, goalID)
	return nil
}

func (s *stubScheduler) CancelGoal(ctx context.Context, goalID, reason string) error {
	if s.cancelErr != nil {
		return s.cancelErr
	}
	s.cancelled = append(s.cancelled, goalID)
	return nil
}

type stubAuditor struct {
	page    *v1.AuditListPage
	entries []*v1.AuditEntry
}

func (a *stubAuditor) List(ctx context.Context, filter persistence.AuditFilter, limit, offset int) (*v1.AuditListPage, error) {
	return a.page, nil
}

func (a *stubAuditor) Record(ctx context.Context, entry *v1.AuditEntry) error {
	a.entries = append(a.entries, entry)
	return nil
}

func readSession(perms ...v1.Permission) *v1.Session {
	set := v1.PermissionSet{}
	for _, p := range perms {
		set[p] = true
	}
	return &v1.Session{ID: "sess-1", Permissions: set}
}

func TestDispatch_UnknownMethod(t *testing.T) {
	d := New(persistence.NewMemoryStore(), &stubScheduler{}, cron.NewRegistry(), &stubAuditor{}, nil)
	_, appErr := d.Dispatch(context.Background(), readSession(v1.PermissionAdmin), "nonexistent.method", nil)
	require.NotNil(t, appErr)
	assert.Equal(t, apperrors.ErrCodeMethodNotFound, appErr.Code)
}

func TestDispatch_MissingSessionRequiresAuth(t *testing.T) {
	d := New(persistence.NewMemoryStore(), &stubScheduler{}, cron.NewRegistry(), &stubAuditor{}, nil)
	_, appErr := d.Dispatch(context.Background(), nil, "goal.list", nil)
	require.NotNil(t, appErr)
	assert.Equal(t, apperrors.ErrCodeAuthRequired, appErr.Code)
}

func TestDispatch_InsufficientPermission(t *testing.T) {
	d := New(persistence.NewMemoryStore(), &stubScheduler{}, cron.NewRegistry(), &stubAuditor{}, nil)
	_, appErr := d.Dispatch(context.Background(), readSession(v1.PermissionRead), "goal.submit", map[string]interface{}{})
	require.NotNil(t, appErr)
	assert.Equal(t, apperrors.ErrCodePermissionDenied, appErr.Code)
}

func TestDispatch_GoalSubmitAndStatus(t *testing.T) {
	store := persistence.NewMemoryStore()
	sched := &stubScheduler{}
	auditor := &stubAuditor{}
	d := New(store, sched, cron.NewRegistry(), auditor, nil)

	params, err := ipc.EncodeData(GoalSubmitParams{
		Goal: v1.Goal{ID: "g-1", Title: "test", Status: v1.GoalStatusQueued},
	})
	require.NoError(t, err)

	result, appErr := d.Dispatch(context.Background(), readSession(v1.PermissionWrite), "goal.submit", params)
	require.Nil(t, appErr)
	require.NotNil(t, result)
	assert.Equal(t, []string{"g-1"}, sched.submitted)
	require.Len(t, auditor.entries, 1, "goal.submit must append a synchronous audit entry")
	assert.Equal(t, "goal.submit", auditor.entries[0].Action)
	assert.Equal(t, "g-1", auditor.entries[0].GoalID)

	statusParams, err := ipc.EncodeData(GoalStatusParams{GoalID: "g-1"})
	require.NoError(t, err)
	statusResult, appErr := d.Dispatch(context.Background(), readSession(v1.PermissionRead), "goal.status", statusParams)
	require.Nil(t, appErr)
	goal, ok := statusResult.(*v1.Goal)
	require.True(t, ok)
	assert.Equal(t, "g-1", goal.ID)
}

func TestDispatch_GoalCancelMapsAppError(t *testing.T) {
	sched := &stubScheduler{cancelErr: apperrors.GoalAlreadyCancelled("g-2")}
	d := New(persistence.NewMemoryStore(), sched, cron.NewRegistry(), &stubAuditor{}, nil)

	params, err := ipc.EncodeData(GoalCancelParams{GoalID: "g-2"})
	require.NoError(t, err)

	_, appErr := d.Dispatch(context.Background(), readSession(v1.PermissionWrite), "goal.cancel", params)
	require.NotNil(t, appErr)
	assert.Equal(t, apperrors.ErrCodeGoalAlreadyCancelled, appErr.Code)
}

func TestDispatch_AgentRegisterRequiresAdmin(t *testing.T) {
	d := New(persistence.NewMemoryStore(), &stubScheduler{}, cron.NewRegistry(), &stubAuditor{}, nil)

	params, err := ipc.EncodeData(v1.RegisterAgentRequest{Agent: v1.AgentDefinition{AgentID: "agent-1", Kind: "market_listener"}})
	require.NoError(t, err)

	_, appErr := d.Dispatch(context.Background(), readSession(v1.PermissionWrite), "agent.register", params)
	require.NotNil(t, appErr)
	assert.Equal(t, apperrors.ErrCodePermissionDenied, appErr.Code)

	_, appErr = d.Dispatch(context.Background(), readSession(v1.PermissionAdmin), "agent.register", params)
	assert.Nil(t, appErr)
}
