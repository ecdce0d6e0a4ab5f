package cron

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ponybunny-ai/taskforge/internal/common/config"
	"github.com/ponybunny-ai/taskforge/internal/persistence"
	v1 "github.com/ponybunny-ai/taskforge/pkg/api/v1"
)

func TestEvaluateInterval_FirstFireRunsImmediately(t *testing.T) {
	now := time.Now().UTC()
	job := &v1.CronJob{
		AgentID:  "agent-1",
		Schedule: v1.Schedule{Kind: v1.ScheduleInterval, EveryMs: 60_000},
	}

	outcome, err := Evaluate(job, now)
	require.NoError(t, err)
	assert.Equal(t, 0, outcome.CoalescedCount)
	assert.WithinDuration(t, now, outcome.ScheduledFor, time.Second)
	assert.Equal(t, outcome.ScheduledFor.Add(time.Minute), outcome.NextRunAt)
}

func TestEvaluateInterval_CoalescesSkippedFires(t *testing.T) {
	now := time.Now().UTC()
	lastRun := now.Add(-5 * time.Minute)
	job := &v1.CronJob{
		AgentID:   "agent-1",
		Schedule:  v1.Schedule{Kind: v1.ScheduleInterval, EveryMs: 60_000},
		LastRunAt: &lastRun,
	}

	outcome, err := Evaluate(job, now)
	require.NoError(t, err)
	// Five minutes elapsed on a one-minute interval: four intermediate
	// fires are coalesced into the single dispatch.
	assert.Equal(t, 4, outcome.CoalescedCount)
	assert.False(t, outcome.ScheduledFor.After(now))
}

func TestEvaluateInterval_FutureAnchorDefersToFirstFire(t *testing.T) {
	now := time.Now().UTC()
	future := now.Add(time.Hour)
	job := &v1.CronJob{
		AgentID:   "agent-1",
		Schedule:  v1.Schedule{Kind: v1.ScheduleInterval, EveryMs: 60_000},
		LastRunAt: &future,
	}

	outcome, err := Evaluate(job, now)
	require.NoError(t, err)
	assert.Equal(t, 0, outcome.CoalescedCount)
	assert.Equal(t, now, outcome.ScheduledFor)
}

func TestEvaluateCron_FiresOnExpression(t *testing.T) {
	now := time.Date(2026, 7, 29, 12, 0, 0, 0, time.UTC)
	job := &v1.CronJob{
		AgentID:   "agent-2",
		Schedule:  v1.Schedule{Kind: v1.ScheduleCron, Expression: "0 * * * *"},
		NextRunAt: time.Date(2026, 7, 29, 11, 0, 0, 0, time.UTC),
	}

	outcome, err := Evaluate(job, now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 7, 29, 12, 0, 0, 0, time.UTC), outcome.ScheduledFor)
	assert.Equal(t, time.Date(2026, 7, 29, 13, 0, 0, 0, time.UTC), outcome.NextRunAt)
}

func TestEvaluateCron_InvalidExpression(t *testing.T) {
	job := &v1.CronJob{
		AgentID:  "agent-2",
		Schedule: v1.Schedule{Kind: v1.ScheduleCron, Expression: "not a cron expression"},
	}
	_, err := Evaluate(job, time.Now())
	assert.Error(t, err)
}

func TestRunKey_DeterministicAndUnique(t *testing.T) {
	ts := time.Date(2026, 7, 29, 12, 0, 0, 0, time.UTC)
	a := RunKey("agent-1", "hash-a", ts)
	b := RunKey("agent-1", "hash-a", ts)
	assert.Equal(t, a, b)

	c := RunKey("agent-1", "hash-b", ts)
	assert.NotEqual(t, a, c)

	d := RunKey("agent-2", "hash-a", ts)
	assert.NotEqual(t, a, d)
}

func TestRegistry_BuildUnknownKindErrors(t *testing.T) {
	r := NewRegistry()
	def := v1.AgentDefinition{AgentID: "agent-3", Kind: "unsupported"}
	_, _, err := r.Build(def, time.Now())
	assert.Error(t, err)
}

func TestRegistry_BuildMarketListener(t *testing.T) {
	r := NewRegistry()
	def := v1.AgentDefinition{
		AgentID:  "agent-1",
		Kind:     "market_listener",
		Schedule: v1.Schedule{Kind: v1.ScheduleInterval, EveryMs: 60_000},
	}

	goal, item, err := r.Build(def, time.Now())
	require.NoError(t, err)
	require.NotNil(t, goal)
	require.NotNil(t, item)
	assert.Equal(t, goal.ID, item.GoalID)
	assert.Equal(t, v1.GoalStatusQueued, goal.Status)
	assert.Equal(t, v1.WorkItemQueued, item.Status)
	assert.Equal(t, v1.LaneOriginCron, item.LaneOrigin)
}

func TestDefinitionHash_ChangesWithSchedule(t *testing.T) {
	def := v1.AgentDefinition{
		AgentID:  "agent-1",
		Kind:     "market_listener",
		Schedule: v1.Schedule{Kind: v1.ScheduleInterval, EveryMs: 60_000},
	}
	h1 := DefinitionHash(def)

	def.Schedule.EveryMs = 120_000
	h2 := DefinitionHash(def)

	assert.NotEqual(t, h1, h2)
}

func newTestScheduler(t *testing.T, submitted *[]string) (*Scheduler, persistence.Store) {
	t.Helper()
	store := persistence.NewMemoryStore()
	registry := NewRegistry()
	registry.Register(v1.AgentDefinition{
		AgentID:  "agent-1",
		Kind:     "market_listener",
		Enabled:  true,
		Schedule: v1.Schedule{Kind: v1.ScheduleInterval, EveryMs: 10},
	})
	cfg := config.CronConfig{TickIntervalMs: 5, ClaimTTLTicks: 2}
	submit := func(ctx context.Context, goalID string) error {
		*submitted = append(*submitted, goalID)
		return nil
	}
	return New(store, registry, submit, cfg, nil), store
}

func TestScheduler_StartDispatchesAndSubmits(t *testing.T) {
	var submitted []string
	sched, store := newTestScheduler(t, &submitted)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, sched.Start(ctx))
	defer sched.Stop()

	require.Eventually(t, func() bool {
		return len(submitted) > 0
	}, 2*time.Second, 10*time.Millisecond)

	runs, err := store.ListCronJobRuns(context.Background(), "agent-1", 10)
	require.NoError(t, err)
	require.NotEmpty(t, runs)
	assert.Equal(t, v1.CronJobRunSubmitted, runs[0].Status)
	assert.NotEmpty(t, runs[0].GoalID)
}

func TestScheduler_DispatchIsIdempotentForSameRunKey(t *testing.T) {
	store := persistence.NewMemoryStore()
	registry := NewRegistry()
	cfg := config.CronConfig{TickIntervalMs: 1000, ClaimTTLTicks: 2}

	var calls int
	submit := func(ctx context.Context, goalID string) error {
		calls++
		return nil
	}
	sched := New(store, registry, submit, cfg, nil)

	job := &v1.CronJob{
		AgentID:        "agent-1",
		Enabled:        true,
		Schedule:       v1.Schedule{Kind: v1.ScheduleInterval, EveryMs: 60_000},
		DefinitionHash: "fixed-hash",
	}
	require.NoError(t, store.UpsertCronJob(context.Background(), job))
	registry.Register(v1.AgentDefinition{AgentID: "agent-1", Kind: "market_listener", Enabled: true})

	now := time.Now().UTC()
	sched.dispatch(context.Background(), job, now)
	sched.dispatch(context.Background(), job, now)

	assert.Equal(t, 1, calls, "dispatching the same job twice at the same instant must only submit once")
}

func TestScheduler_DispatchSetsInFlightLeaseAndClearsClaim(t *testing.T) {
	store := persistence.NewMemoryStore()
	registry := NewRegistry()
	cfg := config.CronConfig{TickIntervalMs: 1000, ClaimTTLTicks: 2}

	var submittedGoalID string
	submit := func(ctx context.Context, goalID string) error {
		submittedGoalID = goalID
		return nil
	}
	sched := New(store, registry, submit, cfg, nil)

	job := &v1.CronJob{
		AgentID:        "agent-1",
		Enabled:        true,
		Schedule:       v1.Schedule{Kind: v1.ScheduleInterval, EveryMs: 60_000},
		DefinitionHash: "fixed-hash",
	}
	require.NoError(t, store.UpsertCronJob(context.Background(), job))
	registry.Register(v1.AgentDefinition{AgentID: "agent-1", Kind: "market_listener", Enabled: true})

	claimed, err := store.ClaimDueCronJobs(context.Background(), time.Now().UTC().Add(time.Hour), "instance-1", time.Now().UTC().Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	sched.dispatch(context.Background(), claimed[0], time.Now().UTC())

	require.NotEmpty(t, submittedGoalID)

	stored, err := store.GetCronJob(context.Background(), "agent-1")
	require.NoError(t, err)
	assert.Equal(t, submittedGoalID, stored.Lease.InFlightGoalID, "in_flight_goal_id must be set after dispatch")
	assert.NotEmpty(t, stored.Lease.InFlightRunKey, "in_flight_run_key must be set after dispatch")
	require.NotNil(t, stored.Lease.InFlightStartedAt)
	assert.Empty(t, stored.Lease.ClaimedBy, "claim must be cleared once the firing is dispatched")
	assert.Nil(t, stored.Lease.ClaimExpiresAt, "claim must be cleared once the firing is dispatched")
}
