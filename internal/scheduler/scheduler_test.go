package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/ponybunny-ai/taskforge/internal/common/errors"
	"github.com/ponybunny-ai/taskforge/internal/common/config"
	"github.com/ponybunny-ai/taskforge/internal/common/logger"
	"github.com/ponybunny-ai/taskforge/internal/events"
	"github.com/ponybunny-ai/taskforge/internal/execservice"
	"github.com/ponybunny-ai/taskforge/internal/persistence"
	"github.com/ponybunny-ai/taskforge/internal/workitem"
	v1 "github.com/ponybunny-ai/taskforge/pkg/api/v1"
)

func testConfig() config.SchedulerConfig {
	return config.SchedulerConfig{
		TickIntervalMs:     10,
		LaneCapMain:        2,
		LaneCapSubagent:    2,
		LaneCapCron:        1,
		LaneCapSession:     2,
		CancelGraceSeconds: 5,
		CompletionRetryMax: 3,
	}
}

func newTestScheduler(t *testing.T, exec *execservice.StubExecutionService) (*Scheduler, persistence.Store) {
	t.Helper()
	store := persistence.NewMemoryStore()
	mgr := workitem.NewManager(store, nil)
	bus := events.NewMemoryBus(logger.Default())
	return New(store, mgr, exec, bus, nil, testConfig(), nil), store
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestScheduler_DispatchesAndCompletesGoal(t *testing.T) {
	exec := execservice.NewStubExecutionService(nil)
	s, store := newTestScheduler(t, exec)
	ctx := context.Background()

	goal := &v1.Goal{Title: "single item goal"}
	require.NoError(t, store.CreateGoal(ctx, goal))
	item := &v1.WorkItem{GoalID: goal.ID, Title: "only item"}
	require.NoError(t, store.CreateWorkItem(ctx, item))
	require.NoError(t, store.UpdateWorkItemStatus(ctx, item.ID, v1.WorkItemReady, ""))

	require.NoError(t, s.SubmitGoal(ctx, goal.ID))
	require.NoError(t, s.Start(ctx))
	defer s.Stop()

	waitFor(t, 2*time.Second, func() bool {
		fetched, err := store.GetGoal(ctx, goal.ID)
		return err == nil && fetched.Status == v1.GoalStatusCompleted
	})

	fetched, err := store.GetWorkItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.WorkItemDone, fetched.Status)
}

func TestScheduler_RetriesThenFailsWorkItem(t *testing.T) {
	exec := execservice.NewStubExecutionService(nil)
	exec.Outcome = func(item *v1.WorkItem) (v1.RunResult, error) {
		return v1.RunResult{Status: v1.RunFailed, ErrorMessage: "boom"}, nil
	}
	s, store := newTestScheduler(t, exec)
	ctx := context.Background()

	goal := &v1.Goal{Title: "always fails"}
	require.NoError(t, store.CreateGoal(ctx, goal))
	item := &v1.WorkItem{GoalID: goal.ID, Title: "doomed", MaxRetries: 1}
	require.NoError(t, store.CreateWorkItem(ctx, item))
	require.NoError(t, store.UpdateWorkItemStatus(ctx, item.ID, v1.WorkItemReady, ""))

	require.NoError(t, s.SubmitGoal(ctx, goal.ID))
	require.NoError(t, s.Start(ctx))
	defer s.Stop()

	waitFor(t, 3*time.Second, func() bool {
		fetched, err := store.GetWorkItem(ctx, item.ID)
		return err == nil && fetched.Status == v1.WorkItemFailed
	})

	fetched, err := store.GetWorkItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, fetched.RetryCount, "one initial attempt plus one retry before exhausting max_retries")
}

func TestScheduler_FailsGoalOnBudgetExceeded(t *testing.T) {
	exec := execservice.NewStubExecutionService(nil)
	s, store := newTestScheduler(t, exec)
	ctx := context.Background()

	goal := &v1.Goal{Title: "over budget", Budget: v1.Budget{Tokens: 100}, Spent: v1.SpentCounters{Tokens: 200}}
	require.NoError(t, store.CreateGoal(ctx, goal))
	require.NoError(t, store.UpdateGoal(ctx, goal))

	require.NoError(t, s.SubmitGoal(ctx, goal.ID))
	require.NoError(t, s.Start(ctx))
	defer s.Stop()

	waitFor(t, 2*time.Second, func() bool {
		fetched, err := store.GetGoal(ctx, goal.ID)
		return err == nil && fetched.Status == v1.GoalStatusFailed
	})
}

type stubAuditor struct {
	mu      sync.Mutex
	entries []*v1.AuditEntry
}

func (a *stubAuditor) Record(ctx context.Context, entry *v1.AuditEntry) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, entry)
	return nil
}

func (a *stubAuditor) actions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.entries))
	for i, e := range a.entries {
		out[i] = e.Action
	}
	return out
}

func TestScheduler_EmitsEventsInOrderForDependentChain(t *testing.T) {
	exec := execservice.NewStubExecutionService(nil)
	exec.Outcome = func(item *v1.WorkItem) (v1.RunResult, error) {
		return v1.RunResult{Status: v1.RunSuccess, TokensUsed: 100}, nil
	}
	s, store := newTestScheduler(t, exec)
	ctx := context.Background()

	var mu sync.Mutex
	var seen []v1.EventType
	bus := events.NewMemoryBus(logger.Default())
	mgr := workitem.NewManager(store, nil)
	auditor := &stubAuditor{}
	s = New(store, mgr, exec, bus, auditor, testConfig(), nil)
	_, err := bus.Subscribe(">", func(_ context.Context, env *events.Envelope) error {
		mu.Lock()
		seen = append(seen, env.Payload.Type)
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)

	goal := &v1.Goal{Title: "build X"}
	require.NoError(t, store.CreateGoal(ctx, goal))
	w1 := &v1.WorkItem{GoalID: goal.ID, Title: "W1"}
	require.NoError(t, store.CreateWorkItem(ctx, w1))
	w2 := &v1.WorkItem{GoalID: goal.ID, Title: "W2", Dependencies: []string{w1.ID}}
	require.NoError(t, store.CreateWorkItem(ctx, w2))

	require.NoError(t, s.SubmitGoal(ctx, goal.ID))
	require.NoError(t, s.Start(ctx))
	defer s.Stop()

	waitFor(t, 2*time.Second, func() bool {
		fetched, err := store.GetGoal(ctx, goal.ID)
		return err == nil && fetched.Status == v1.GoalStatusCompleted
	})
	time.Sleep(20 * time.Millisecond)

	fetchedGoal, err := store.GetGoal(ctx, goal.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(200), fetchedGoal.Spent.Tokens)

	mu.Lock()
	defer mu.Unlock()
	require.Contains(t, seen, v1.EventGoalStarted)
	require.Contains(t, seen, v1.EventGoalCompleted)

	idx := func(evt v1.EventType) int {
		for i, s := range seen {
			if s == evt {
				return i
			}
		}
		return -1
	}
	startedIdx := idx(v1.EventGoalStarted)
	completedIdx := idx(v1.EventGoalCompleted)
	assert.Less(t, startedIdx, completedIdx, "goal.started must precede goal.completed")

	assert.Contains(t, auditor.actions(), "goal.completed", "goal completion must write a synchronous audit entry")
	assert.Contains(t, auditor.actions(), "work_item.done", "work item completion must write a synchronous audit entry")
}

func TestScheduler_CyclicDependencyFailsGoalImmediately(t *testing.T) {
	exec := execservice.NewStubExecutionService(nil)
	s, store := newTestScheduler(t, exec)
	ctx := context.Background()

	goal := &v1.Goal{Title: "cyclic goal"}
	require.NoError(t, store.CreateGoal(ctx, goal))
	id1, id2 := uuid.New().String(), uuid.New().String()
	w1 := &v1.WorkItem{ID: id1, GoalID: goal.ID, Title: "W1", Dependencies: []string{id2}}
	require.NoError(t, store.CreateWorkItem(ctx, w1))
	w2 := &v1.WorkItem{ID: id2, GoalID: goal.ID, Title: "W2", Dependencies: []string{id1}}
	require.NoError(t, store.CreateWorkItem(ctx, w2))

	err := s.SubmitGoal(ctx, goal.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Cycle detected")

	fetched, err := store.GetGoal(ctx, goal.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.GoalStatusFailed, fetched.Status)
	assert.Contains(t, fetched.FailureReason, "Cycle detected")

	runs, err := store.ListRunsByWorkItem(ctx, w1.ID)
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestScheduler_CancelGoalTwiceIsIdempotent(t *testing.T) {
	exec := execservice.NewStubExecutionService(nil)
	s, store := newTestScheduler(t, exec)
	ctx := context.Background()

	goal := &v1.Goal{Title: "cancel me twice"}
	require.NoError(t, store.CreateGoal(ctx, goal))
	require.NoError(t, s.SubmitGoal(ctx, goal.ID))

	require.NoError(t, s.CancelGoal(ctx, goal.ID, "operator requested"))

	err := s.CancelGoal(ctx, goal.ID, "operator requested again")
	require.Error(t, err)
	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperrors.ErrCodeGoalAlreadyCancelled, appErr.Code)

	fetched, err := store.GetGoal(ctx, goal.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.GoalStatusCancelled, fetched.Status)
}

func TestScheduler_LaneCapLimitsConcurrentDispatch(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 10)
	exec := execservice.NewStubExecutionService(nil)
	exec.Outcome = func(item *v1.WorkItem) (v1.RunResult, error) {
		started <- struct{}{}
		<-release
		return v1.RunResult{Status: v1.RunSuccess}, nil
	}

	s, store := newTestScheduler(t, exec)
	s.cfg.LaneCapMain = 1
	s.lanes = newLaneState(laneCaps{main: 1, subagent: 1, cron: 1, session: 1})
	ctx := context.Background()

	goal := &v1.Goal{Title: "many items"}
	require.NoError(t, store.CreateGoal(ctx, goal))
	for i := 0; i < 3; i++ {
		item := &v1.WorkItem{GoalID: goal.ID, Title: "item"}
		require.NoError(t, store.CreateWorkItem(ctx, item))
		require.NoError(t, store.UpdateWorkItemStatus(ctx, item.ID, v1.WorkItemReady, ""))
	}

	require.NoError(t, s.SubmitGoal(ctx, goal.ID))
	require.NoError(t, s.Start(ctx))
	defer func() {
		close(release)
		s.Stop()
	}()

	waitFor(t, 2*time.Second, func() bool { return len(started) >= 1 })
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, len(started), "lane cap of 1 must admit only one concurrent execution")
}
