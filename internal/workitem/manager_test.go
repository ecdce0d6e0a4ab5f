package workitem

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/ponybunny-ai/taskforge/internal/common/errors"
	"github.com/ponybunny-ai/taskforge/internal/persistence"
	v1 "github.com/ponybunny-ai/taskforge/pkg/api/v1"
)

func newTestManager(t *testing.T) (*Manager, persistence.Store, *v1.Goal) {
	t.Helper()
	store := persistence.NewMemoryStore()
	mgr := NewManager(store, nil)

	goal := &v1.Goal{Title: "test goal"}
	require.NoError(t, store.CreateGoal(context.Background(), goal))
	return mgr, store, goal
}

func TestManager_Transition_EnforcesStateMachine(t *testing.T) {
	mgr, store, goal := newTestManager(t)
	ctx := context.Background()

	item := &v1.WorkItem{GoalID: goal.ID, Title: "w"}
	require.NoError(t, store.CreateWorkItem(ctx, item))

	err := mgr.Transition(ctx, item.ID, v1.WorkItemDone, "skip straight to done")
	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperrors.ErrCodeInvalidTransition, appErr.Code)

	require.NoError(t, mgr.Transition(ctx, item.ID, v1.WorkItemReady, ""))
	require.NoError(t, mgr.Transition(ctx, item.ID, v1.WorkItemInProgress, ""))
	require.NoError(t, mgr.Transition(ctx, item.ID, v1.WorkItemDone, "gates passed"))

	fetched, err := store.GetWorkItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.WorkItemDone, fetched.Status)
}

func TestManager_Transition_RecordsBoundedHistory(t *testing.T) {
	mgr, store, goal := newTestManager(t)
	ctx := context.Background()

	item := &v1.WorkItem{GoalID: goal.ID, Title: "w"}
	require.NoError(t, store.CreateWorkItem(ctx, item))

	require.NoError(t, mgr.Transition(ctx, item.ID, v1.WorkItemReady, "promoted"))
	require.NoError(t, mgr.Transition(ctx, item.ID, v1.WorkItemInProgress, "dispatched"))

	history := mgr.History(item.ID)
	require.Len(t, history, 2)
	assert.Equal(t, v1.WorkItemQueued, history[0].From)
	assert.Equal(t, v1.WorkItemReady, history[0].To)
	assert.Equal(t, v1.WorkItemInProgress, history[1].To)
}

func TestManager_ReadySelection_PromotesOnlyUnblockedItems(t *testing.T) {
	mgr, store, goal := newTestManager(t)
	ctx := context.Background()

	root := &v1.WorkItem{GoalID: goal.ID, Title: "root", Priority: 1}
	require.NoError(t, store.CreateWorkItem(ctx, root))
	leaf := &v1.WorkItem{GoalID: goal.ID, Title: "leaf", Priority: 9, Dependencies: []string{root.ID}}
	require.NoError(t, store.CreateWorkItem(ctx, leaf))

	ready, err := mgr.ReadySelection(ctx, goal.ID)
	require.NoError(t, err)
	require.Len(t, ready, 1)
	assert.Equal(t, root.ID, ready[0].ID, "leaf is blocked on root")

	require.NoError(t, mgr.Transition(ctx, root.ID, v1.WorkItemInProgress, ""))
	require.NoError(t, mgr.Transition(ctx, root.ID, v1.WorkItemVerify, ""))
	require.NoError(t, mgr.Transition(ctx, root.ID, v1.WorkItemDone, ""))

	ready, err = mgr.ReadySelection(ctx, goal.ID)
	require.NoError(t, err)
	require.Len(t, ready, 1)
	assert.Equal(t, leaf.ID, ready[0].ID)
}

func TestManager_IsGoalComplete(t *testing.T) {
	mgr, store, goal := newTestManager(t)
	ctx := context.Background()

	item := &v1.WorkItem{GoalID: goal.ID, Title: "w"}
	require.NoError(t, store.CreateWorkItem(ctx, item))

	complete, err := mgr.IsGoalComplete(ctx, goal.ID)
	require.NoError(t, err)
	assert.False(t, complete)

	require.NoError(t, mgr.Transition(ctx, item.ID, v1.WorkItemReady, ""))
	require.NoError(t, mgr.Transition(ctx, item.ID, v1.WorkItemInProgress, ""))
	require.NoError(t, mgr.Transition(ctx, item.ID, v1.WorkItemDone, ""))

	complete, err = mgr.IsGoalComplete(ctx, goal.ID)
	require.NoError(t, err)
	assert.True(t, complete)
}

func TestValidateDAG_DetectsMissingDependency(t *testing.T) {
	items := []*v1.WorkItem{
		{ID: "a", Dependencies: []string{"missing"}},
	}
	err := ValidateDAG(items)
	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperrors.ErrCodeDependencyViolation, appErr.Code)
}

func TestValidateDAG_DetectsCycle(t *testing.T) {
	items := []*v1.WorkItem{
		{ID: "a", Dependencies: []string{"b"}},
		{ID: "b", Dependencies: []string{"c"}},
		{ID: "c", Dependencies: []string{"a"}},
	}
	err := ValidateDAG(items)
	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperrors.ErrCodeDependencyViolation, appErr.Code)
	assert.Contains(t, appErr.Message, "cyclic")
}

func TestValidateDAG_AcceptsValidDAG(t *testing.T) {
	items := []*v1.WorkItem{
		{ID: "a"},
		{ID: "b", Dependencies: []string{"a"}},
		{ID: "c", Dependencies: []string{"a", "b"}},
	}
	assert.NoError(t, ValidateDAG(items))
}

func TestManager_ValidateGoalDAG(t *testing.T) {
	mgr, store, goal := newTestManager(t)
	ctx := context.Background()

	a := &v1.WorkItem{GoalID: goal.ID, Title: "a"}
	require.NoError(t, store.CreateWorkItem(ctx, a))
	b := &v1.WorkItem{GoalID: goal.ID, Title: "b", Dependencies: []string{a.ID}}
	require.NoError(t, store.CreateWorkItem(ctx, b))

	assert.NoError(t, mgr.ValidateGoalDAG(ctx, goal.ID))
}
