package persistence

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/ponybunny-ai/taskforge/internal/common/errors"
	v1 "github.com/ponybunny-ai/taskforge/pkg/api/v1"
)

func TestMemoryStore_GoalCRUD(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	goal := &v1.Goal{Title: "ship feature", Priority: 5}
	require.NoError(t, store.CreateGoal(ctx, goal))
	assert.NotEmpty(t, goal.ID)
	assert.False(t, goal.CreatedAt.IsZero())
	assert.Equal(t, v1.GoalStatusQueued, goal.Status)

	fetched, err := store.GetGoal(ctx, goal.ID)
	require.NoError(t, err)
	assert.Equal(t, "ship feature", fetched.Title)

	_, err = store.GetGoal(ctx, "missing")
	assert.True(t, apperrors.IsNotFound(err))
}

func TestMemoryStore_UpdateGoalStatus_TerminalGuard(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	goal := &v1.Goal{Title: "one-shot"}
	require.NoError(t, store.CreateGoal(ctx, goal))

	require.NoError(t, store.UpdateGoalStatus(ctx, goal.ID, v1.GoalStatusCompleted, ""))
	require.NoError(t, store.UpdateGoalStatus(ctx, goal.ID, v1.GoalStatusFailed, "should not apply"))

	fetched, err := store.GetGoal(ctx, goal.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.GoalStatusCompleted, fetched.Status, "terminal status must not regress")
}

func TestMemoryStore_UpdateGoalStatus_AlreadyCancelled(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	goal := &v1.Goal{Title: "cancel me"}
	require.NoError(t, store.CreateGoal(ctx, goal))
	require.NoError(t, store.UpdateGoalStatus(ctx, goal.ID, v1.GoalStatusCancelled, "user request"))

	err := store.UpdateGoalStatus(ctx, goal.ID, v1.GoalStatusCancelled, "again")
	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperrors.ErrCodeGoalAlreadyCancelled, appErr.Code)
}

func TestMemoryStore_AddGoalSpend_Accumulates(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	goal := &v1.Goal{Title: "spendy"}
	require.NoError(t, store.CreateGoal(ctx, goal))

	require.NoError(t, store.AddGoalSpend(ctx, goal.ID, v1.SpentCounters{Tokens: 100, Cost: 1.5}))
	require.NoError(t, store.AddGoalSpend(ctx, goal.ID, v1.SpentCounters{Tokens: 50, Cost: 0.5}))

	fetched, err := store.GetGoal(ctx, goal.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 150, fetched.Spent.Tokens)
	assert.Equal(t, 2.0, fetched.Spent.Cost)
}

func TestMemoryStore_PromoteReadyWorkItems(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	goal := &v1.Goal{Title: "dag"}
	require.NoError(t, store.CreateGoal(ctx, goal))

	root := &v1.WorkItem{GoalID: goal.ID, Title: "root"}
	require.NoError(t, store.CreateWorkItem(ctx, root))

	leaf := &v1.WorkItem{GoalID: goal.ID, Title: "leaf", Dependencies: []string{root.ID}}
	require.NoError(t, store.CreateWorkItem(ctx, leaf))

	promoted, err := store.PromoteReadyWorkItems(ctx, goal.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{root.ID}, promoted, "leaf's dependency is not yet done")

	require.NoError(t, store.UpdateWorkItemStatus(ctx, root.ID, v1.WorkItemInProgress, ""))
	require.NoError(t, store.UpdateWorkItemStatus(ctx, root.ID, v1.WorkItemVerify, ""))
	require.NoError(t, store.UpdateWorkItemStatus(ctx, root.ID, v1.WorkItemDone, ""))

	promoted, err = store.PromoteReadyWorkItems(ctx, goal.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{leaf.ID}, promoted)
}

func TestMemoryStore_ListReadyWorkItems_Ordering(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	goal := &v1.Goal{Title: "ordering"}
	require.NoError(t, store.CreateGoal(ctx, goal))

	low := &v1.WorkItem{GoalID: goal.ID, Title: "low", Priority: 1, Status: v1.WorkItemReady}
	high := &v1.WorkItem{GoalID: goal.ID, Title: "high", Priority: 9, Status: v1.WorkItemReady}
	require.NoError(t, store.CreateWorkItem(ctx, low))
	require.NoError(t, store.CreateWorkItem(ctx, high))

	ready, err := store.ListReadyWorkItems(ctx)
	require.NoError(t, err)
	require.Len(t, ready, 2)
	assert.Equal(t, high.ID, ready[0].ID, "higher priority must sort first")
}

func TestMemoryStore_RunSequenceAndCompletion(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	goal := &v1.Goal{Title: "runs"}
	require.NoError(t, store.CreateGoal(ctx, goal))
	item := &v1.WorkItem{GoalID: goal.ID, Title: "w"}
	require.NoError(t, store.CreateWorkItem(ctx, item))

	seq, err := store.NextRunSequence(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, seq)

	run := &v1.Run{WorkItemID: item.ID, GoalID: goal.ID, Sequence: seq}
	require.NoError(t, store.CreateRun(ctx, run))

	seq2, err := store.NextRunSequence(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, seq2)

	require.NoError(t, store.CompleteRun(ctx, run.ID, v1.RunResult{Status: v1.RunSuccess, TokensUsed: 42}))
	runs, err := store.ListRunsByWorkItem(ctx, item.ID)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, v1.RunSuccess, runs[0].Status)
	assert.NotNil(t, runs[0].CompletedAt)
}

func TestMemoryStore_CronJobClaimIsExclusive(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	job := &v1.CronJob{AgentID: "agent-1", Enabled: true, NextRunAt: now.Add(-time.Minute), DefinitionHash: "h1"}
	require.NoError(t, store.UpsertCronJob(ctx, job))

	claimed, err := store.ClaimDueCronJobs(ctx, now, "daemon-a", now.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	againstSameWindow, err := store.ClaimDueCronJobs(ctx, now, "daemon-b", now.Add(time.Minute))
	require.NoError(t, err)
	assert.Empty(t, againstSameWindow, "a job already claimed must not be claimable again before its lease expires")
}

func TestMemoryStore_UpsertCronJob_PreservesNextRunWhenUnchanged(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	fixedNextRun := time.Now().UTC().Add(time.Hour)

	job := &v1.CronJob{AgentID: "agent-1", Enabled: true, NextRunAt: fixedNextRun, DefinitionHash: "h1"}
	require.NoError(t, store.UpsertCronJob(ctx, job))

	resubmit := &v1.CronJob{AgentID: "agent-1", Enabled: true, NextRunAt: time.Now().UTC(), DefinitionHash: "h1"}
	require.NoError(t, store.UpsertCronJob(ctx, resubmit))

	fetched, err := store.GetCronJob(ctx, "agent-1")
	require.NoError(t, err)
	assert.True(t, fetched.NextRunAt.Equal(fixedNextRun), "unchanged definition hash must not reset next_run_at")
}

func TestMemoryStore_InsertCronJobRun_DedupesByRunKey(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	first, err := store.InsertCronJobRun(ctx, &v1.CronJobRun{AgentID: "agent-1", RunKey: "key-1", ScheduledFor: time.Now()})
	require.NoError(t, err)

	second, err := store.InsertCronJobRun(ctx, &v1.CronJobRun{AgentID: "agent-1", RunKey: "key-1", ScheduledFor: time.Now()})
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID, "duplicate run key must return the existing row")
}

func TestMemoryStore_InsertCronJobRun_StoresZeroCoalescedCountVerbatim(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	run, err := store.InsertCronJobRun(ctx, &v1.CronJobRun{AgentID: "agent-1", RunKey: "key-1", ScheduledFor: time.Now()})
	require.NoError(t, err)
	assert.Equal(t, 0, run.CoalescedCount, "a non-coalesced firing must persist coalesced_count=0, not be coerced to 1")
}

func TestMemoryStore_AuditAppendAndPrune(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.AppendAuditEntry(ctx, &v1.AuditEntry{ActorType: v1.ActorUser, Action: "goal.submit", EntityType: "goal", EntityID: "g1"}))
	require.NoError(t, store.AppendAuditEntry(ctx, &v1.AuditEntry{ActorType: v1.ActorDaemon, Action: "work_item.transition", EntityType: "work_item", EntityID: "w1"}))

	entries, total, err := store.ListAuditEntries(ctx, AuditFilter{}, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Len(t, entries, 2)

	removed, err := store.PruneAuditEntries(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 2, removed)

	_, total, err = store.ListAuditEntries(ctx, AuditFilter{}, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, total)
}
