// Package scheduler drives active goals forward within concurrency and
// budget limits: a fixed-interval, self-skipping tick loop that dispatches
// ready Work Items to an ExecutionService, tracks lane occupancy, and
// resolves completed Runs into Work Item and Goal transitions.
package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/ponybunny-ai/taskforge/internal/common/errors"
	"github.com/ponybunny-ai/taskforge/internal/common/config"
	"github.com/ponybunny-ai/taskforge/internal/common/logger"
	"github.com/ponybunny-ai/taskforge/internal/events"
	"github.com/ponybunny-ai/taskforge/internal/execservice"
	"github.com/ponybunny-ai/taskforge/internal/persistence"
	"github.com/ponybunny-ai/taskforge/internal/scheduler/queue"
	"github.com/ponybunny-ai/taskforge/internal/workitem"
	v1 "github.com/ponybunny-ai/taskforge/pkg/api/v1"
)

// completionPersistenceRetries bounds retries of a persistence fault while
// resolving a finished execution.
const completionPersistenceRetries = 3

// laneCaps holds the four fixed lane capacities.
type laneCaps struct {
	main, subagent, cron, session int
}

// laneState tracks a lane's current active count.
type laneState struct {
	mu     sync.Mutex
	active map[v1.LaneOrigin]int
	caps   laneCaps
}

func newLaneState(caps laneCaps) *laneState {
	return &laneState{active: make(map[v1.LaneOrigin]int), caps: caps}
}

func (l *laneState) capFor(lane v1.LaneOrigin) int {
	switch lane {
	case v1.LaneOriginMain:
		return l.caps.main
	case v1.LaneOriginSubagent:
		return l.caps.subagent
	case v1.LaneOriginCron:
		return l.caps.cron
	case v1.LaneOriginSession:
		return l.caps.session
	default:
		return l.caps.main
	}
}

func (l *laneState) tryAcquire(lane v1.LaneOrigin) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.active[lane] >= l.capFor(lane) {
		return false
	}
	l.active[lane]++
	return true
}

func (l *laneState) release(lane v1.LaneOrigin) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.active[lane] > 0 {
		l.active[lane]--
	}
}

// auditor is the subset of audit.Service the scheduler needs to record
// goal/work item status transitions. Named narrowly to avoid an import
// cycle between internal/scheduler and internal/audit.
type auditor interface {
	Record(ctx context.Context, entry *v1.AuditEntry) error
}

// Scheduler is the Scheduling & Execution Core's tick-driven orchestrator.
type Scheduler struct {
	store      persistence.Store
	workItems  *workitem.Manager
	exec       execservice.ExecutionService
	bus        events.Bus
	audit      auditor
	logger     *logger.Logger
	cfg        config.SchedulerConfig
	lanes      *laneState

	mu          sync.Mutex
	activeGoals map[string]bool
	running     bool
	ticking     int32
	stopCh      chan struct{}
	wg          sync.WaitGroup

	totalProcessed int64
	totalFailed    int64
	tickErrors     int64
}

// New builds a Scheduler over its Persistence Contract, Work Item Manager,
// ExecutionService, event bus, and audit service. audit may be nil, in
// which case status transitions are simply not recorded to the audit log.
func New(store persistence.Store, wiMgr *workitem.Manager, exec execservice.ExecutionService, bus events.Bus, audit auditor, cfg config.SchedulerConfig, log *logger.Logger) *Scheduler {
	if log == nil {
		log = logger.Default()
	}
	return &Scheduler{
		store:     store,
		workItems: wiMgr,
		exec:      exec,
		bus:       bus,
		audit:     audit,
		logger:    log,
		cfg:       cfg,
		lanes: newLaneState(laneCaps{
			main:     cfg.LaneCapMain,
			subagent: cfg.LaneCapSubagent,
			cron:     cfg.LaneCapCron,
			session:  cfg.LaneCapSession,
		}),
		activeGoals: make(map[string]bool),
	}
}

// SubmitGoal admits a goal into the active set after validating its Work
// Item DAG. Validation failure fails the goal and is not retried.
func (s *Scheduler) SubmitGoal(ctx context.Context, goalID string) error {
	if err := s.workItems.ValidateGoalDAG(ctx, goalID); err != nil {
		reason := err.Error()
		if uerr := s.store.UpdateGoalStatus(ctx, goalID, v1.GoalStatusFailed, reason); uerr != nil {
			s.logger.Error("failed to mark goal failed after DAG validation error", zap.String("goal_id", goalID), zap.Error(uerr))
		}
		s.emit(ctx, v1.SchedulerEvent{Type: v1.EventGoalFailed, GoalID: goalID, Timestamp: time.Now().UTC(),
			Data: map[string]interface{}{"reason": reason}})
		s.recordAudit(ctx, "goal", goalID, goalID, "goal.failed", map[string]interface{}{"status": string(v1.GoalStatusFailed), "reason": reason})
		return err
	}

	if err := s.store.UpdateGoalStatus(ctx, goalID, v1.GoalStatusActive, ""); err != nil {
		return err
	}

	s.mu.Lock()
	s.activeGoals[goalID] = true
	s.mu.Unlock()

	s.emit(ctx, v1.SchedulerEvent{Type: v1.EventGoalStarted, GoalID: goalID, Timestamp: time.Now().UTC()})
	return nil
}

// Start begins the tick loop. Ticks are serialized: a firing that lands
// while the previous tick is still running is dropped, not queued.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	if err := s.recover(ctx); err != nil {
		return err
	}

	s.wg.Add(1)
	go s.tickLoop(ctx)
	return nil
}

// Stop halts the tick loop and waits for any in-flight tick to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
}

func (s *Scheduler) tickLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.TickInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			if !atomic.CompareAndSwapInt32(&s.ticking, 0, 1) {
				continue // previous tick still running; this firing is dropped
			}
			s.runTick(ctx)
			atomic.StoreInt32(&s.ticking, 0)
		}
	}
}

// recover re-admits queued/active goals on start and resets stale Work
// Item state: in_progress items with no open Run go back to ready, items
// with an open Run stay in_progress and the stale Run is closed aborted.
func (s *Scheduler) recover(ctx context.Context) error {
	goals, _, err := s.store.ListGoals(ctx, []v1.GoalStatus{v1.GoalStatusQueued, v1.GoalStatusActive}, 0, 0)
	if err != nil {
		return err
	}

	for _, goal := range goals {
		s.mu.Lock()
		s.activeGoals[goal.ID] = true
		s.mu.Unlock()

		items, err := s.store.ListWorkItemsByGoal(ctx, goal.ID)
		if err != nil {
			s.logger.Error("recovery: failed to list work items", zap.String("goal_id", goal.ID), zap.Error(err))
			continue
		}
		for _, item := range items {
			if item.Status != v1.WorkItemInProgress {
				continue
			}
			runs, err := s.store.ListRunsByWorkItem(ctx, item.ID)
			if err != nil {
				s.logger.Error("recovery: failed to list runs", zap.String("work_item_id", item.ID), zap.Error(err))
				continue
			}
			hasOpenRun := false
			for _, run := range runs {
				if !run.Status.IsTerminal() {
					hasOpenRun = true
					if err := s.store.CompleteRun(ctx, run.ID, v1.RunResult{Status: v1.RunAborted, ErrorMessage: "daemon restarted mid-run"}); err != nil {
						s.logger.Error("recovery: failed to abort stale run", zap.String("run_id", run.ID), zap.Error(err))
					}
				}
			}
			if !hasOpenRun {
				if err := s.workItems.Transition(ctx, item.ID, v1.WorkItemReady, "recovered: no open run"); err != nil {
					s.logger.Warn("recovery: failed to reset work item to ready", zap.String("work_item_id", item.ID), zap.Error(err))
				}
			}
		}
	}
	return nil
}

func (s *Scheduler) activeGoalIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.activeGoals))
	for id, active := range s.activeGoals {
		if active {
			ids = append(ids, id)
		}
	}
	return ids
}

func (s *Scheduler) deactivateGoal(goalID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.activeGoals, goalID)
}

// runTick executes one full tick: budget/cancellation checks, ready
// selection, dispatch within lane caps.
func (s *Scheduler) runTick(ctx context.Context) {
	for _, goalID := range s.activeGoalIDs() {
		goal, err := s.store.GetGoal(ctx, goalID)
		if err != nil {
			s.logger.Error("tick: failed to load goal", zap.String("goal_id", goalID), zap.Error(err))
			continue
		}

		if goal.Status.IsTerminal() {
			s.deactivateGoal(goalID)
			continue
		}

		if goal.Spent.Exceeds(goal.Budget) {
			s.failGoalForBudget(ctx, goal)
			continue
		}

		s.dispatchGoal(ctx, goal)

		complete, err := s.workItems.IsGoalComplete(ctx, goal.ID)
		if err != nil {
			s.logger.Error("tick: completion check failed", zap.String("goal_id", goal.ID), zap.Error(err))
			continue
		}
		if complete {
			if err := s.store.UpdateGoalStatus(ctx, goal.ID, v1.GoalStatusCompleted, ""); err != nil {
				s.logger.Error("tick: failed to mark goal completed", zap.String("goal_id", goal.ID), zap.Error(err))
				continue
			}
			s.deactivateGoal(goal.ID)
			s.emit(ctx, v1.SchedulerEvent{Type: v1.EventGoalCompleted, GoalID: goal.ID, Timestamp: time.Now().UTC()})
			s.recordAudit(ctx, "goal", goal.ID, goal.ID, "goal.completed", map[string]interface{}{"status": string(v1.GoalStatusCompleted)})
		}
	}
}

func (s *Scheduler) failGoalForBudget(ctx context.Context, goal *v1.Goal) {
	if err := s.store.UpdateGoalStatus(ctx, goal.ID, v1.GoalStatusFailed, "budget exceeded"); err != nil {
		s.logger.Error("tick: failed to fail goal on budget", zap.String("goal_id", goal.ID), zap.Error(err))
		return
	}
	s.deactivateGoal(goal.ID)
	s.emit(ctx, v1.SchedulerEvent{Type: v1.EventBudgetExceeded, GoalID: goal.ID, Timestamp: time.Now().UTC()})
	s.emit(ctx, v1.SchedulerEvent{Type: v1.EventGoalFailed, GoalID: goal.ID, Timestamp: time.Now().UTC(),
		Data: map[string]interface{}{"reason": "budget exceeded"}})
	s.recordAudit(ctx, "goal", goal.ID, goal.ID, "goal.failed", map[string]interface{}{"status": string(v1.GoalStatusFailed), "reason": "budget exceeded"})
}

// dispatchGoal selects the ready Work Items of a goal, orders them via the
// dispatch queue, and launches every one whose lane has capacity.
func (s *Scheduler) dispatchGoal(ctx context.Context, goal *v1.Goal) {
	ready, err := s.workItems.ReadySelection(ctx, goal.ID)
	if err != nil {
		s.logger.Error("tick: ready selection failed", zap.String("goal_id", goal.ID), zap.Error(err))
		return
	}
	if len(ready) == 0 {
		return
	}

	dq := queue.NewDispatchQueue()
	for _, item := range ready {
		if err := dq.Enqueue(item); err != nil {
			s.logger.Warn("tick: duplicate ready item skipped", zap.String("work_item_id", item.ID), zap.Error(err))
		}
	}

	for {
		qi := dq.Dequeue()
		if qi == nil {
			return
		}
		if !s.lanes.tryAcquire(qi.Lane) {
			continue // lane full this tick; item stays ready for the next one
		}
		s.dispatch(ctx, goal, qi.Item)
	}
}

// dispatch transitions a Work Item to in_progress and launches its
// execution asynchronously.
func (s *Scheduler) dispatch(ctx context.Context, goal *v1.Goal, item *v1.WorkItem) {
	lane := item.Lane()
	if err := s.workItems.Transition(ctx, item.ID, v1.WorkItemInProgress, "dispatched"); err != nil {
		s.logger.Warn("tick: failed to transition item to in_progress, leaving ready for retry", zap.String("work_item_id", item.ID), zap.Error(err))
		s.lanes.release(lane)
		return
	}

	s.emit(ctx, v1.SchedulerEvent{Type: v1.EventWorkItemStarted, GoalID: goal.ID, WorkItemID: item.ID, Timestamp: time.Now().UTC()})

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.lanes.release(lane)
		s.executeAndResolve(context.Background(), goal, item)
	}()
}

// executeAndResolve runs the item through the ExecutionService, records
// the Run, and drives the resulting Work Item and Goal transitions.
func (s *Scheduler) executeAndResolve(ctx context.Context, goal *v1.Goal, item *v1.WorkItem) {
	seq, err := s.store.NextRunSequence(ctx, item.ID)
	if err != nil {
		s.logger.Error("failed to allocate run sequence", zap.String("work_item_id", item.ID), zap.Error(err))
		return
	}

	run := &v1.Run{WorkItemID: item.ID, GoalID: goal.ID, AgentType: item.Type, Sequence: seq, Status: v1.RunRunning}
	if err := s.store.CreateRun(ctx, run); err != nil {
		s.logger.Error("failed to create run", zap.String("work_item_id", item.ID), zap.Error(err))
		return
	}
	s.emit(ctx, v1.SchedulerEvent{Type: v1.EventRunStarted, GoalID: goal.ID, WorkItemID: item.ID, RunID: run.ID, Timestamp: time.Now().UTC()})

	result, execErr := s.exec.Execute(ctx, item)
	if execErr != nil {
		result = v1.RunResult{Status: v1.RunFailed, ErrorMessage: apperrors.ExecutionFault(execErr).Error()}
	}

	if err := s.completeRunWithRetry(ctx, run.ID, result); err != nil {
		atomic.AddInt64(&s.tickErrors, 1)
		s.logger.Error("persistence fault completing run, giving up after retries", zap.String("run_id", run.ID), zap.Error(err))
		return
	}
	s.emit(ctx, v1.SchedulerEvent{Type: v1.EventRunCompleted, GoalID: goal.ID, WorkItemID: item.ID, RunID: run.ID, Timestamp: time.Now().UTC(),
		Data: map[string]interface{}{"status": string(result.Status)}})

	if err := s.store.AddGoalSpend(ctx, goal.ID, v1.SpentCounters{
		Tokens: result.TokensUsed, WallTimeMins: int64(result.WallSeconds / 60), Cost: result.Cost,
	}); err != nil {
		s.logger.Error("failed to record goal spend", zap.String("goal_id", goal.ID), zap.Error(err))
	}

	switch result.Status {
	case v1.RunSuccess:
		atomic.AddInt64(&s.totalProcessed, 1)
		s.resolveSuccess(ctx, goal, item)
	default:
		atomic.AddInt64(&s.totalFailed, 1)
		s.resolveFailure(ctx, goal, item, result)
	}
}

func (s *Scheduler) completeRunWithRetry(ctx context.Context, runID string, result v1.RunResult) error {
	var err error
	for attempt := 0; attempt < completionPersistenceRetries; attempt++ {
		if err = s.store.CompleteRun(ctx, runID, result); err == nil {
			return nil
		}
	}
	return err
}

// resolveSuccess runs the Work Item's verification plan (if any) and
// advances it to done or failed.
func (s *Scheduler) resolveSuccess(ctx context.Context, goal *v1.Goal, item *v1.WorkItem) {
	if item.VerificationPlan == nil || len(item.VerificationPlan.Gates) == 0 {
		s.markWorkItemDone(ctx, goal, item)
		return
	}

	if err := s.workItems.Transition(ctx, item.ID, v1.WorkItemVerify, "running quality gates"); err != nil {
		s.logger.Error("failed to transition to verify", zap.String("work_item_id", item.ID), zap.Error(err))
		return
	}
	if err := s.store.UpdateWorkItemVerification(ctx, item.ID, v1.VerificationInProgress); err != nil {
		s.logger.Error("failed to record verification in_progress", zap.String("work_item_id", item.ID), zap.Error(err))
	}
	s.emit(ctx, v1.SchedulerEvent{Type: v1.EventVerificationStarted, GoalID: goal.ID, WorkItemID: item.ID, Timestamp: time.Now().UTC()})

	deterministicOK, reviewOK, failedGate, reason := evaluateGates(item.VerificationPlan.Gates)

	if !deterministicOK {
		s.failVerification(ctx, goal, item, failedGate, reason)
		return
	}
	if !reviewOK {
		// Review gates are consulted only after every deterministic gate
		// passed; a failing review gate fails the item since it was
		// declared in the plan.
		s.failVerification(ctx, goal, item, failedGate, reason)
		return
	}

	if err := s.store.UpdateWorkItemVerification(ctx, item.ID, v1.VerificationPassed); err != nil {
		s.logger.Error("failed to record verification passed", zap.String("work_item_id", item.ID), zap.Error(err))
	}
	s.emit(ctx, v1.SchedulerEvent{Type: v1.EventVerificationCompleted, GoalID: goal.ID, WorkItemID: item.ID, Timestamp: time.Now().UTC(),
		Data: map[string]interface{}{"result": "passed"}})

	s.markWorkItemDone(ctx, goal, item)
}

// evaluateGates runs deterministic gates first; any failure there is
// authoritative. Review gates are only consulted if every deterministic
// gate passed.
func evaluateGates(gates []v1.QualityGate) (deterministicOK, reviewOK bool, failedGate, reason string) {
	deterministicOK = true
	reviewOK = true

	for _, gate := range gates {
		if gate.Kind != v1.GateDeterministic {
			continue
		}
		if !runDeterministicGate(gate) {
			return false, reviewOK, gate.Name, "deterministic check did not pass"
		}
	}
	if !deterministicOK {
		return
	}

	for _, gate := range gates {
		if gate.Kind != v1.GateReview {
			continue
		}
		if !runReviewGate(gate) {
			return deterministicOK, false, gate.Name, "review gate did not pass"
		}
	}
	return
}

// runDeterministicGate and runReviewGate are placeholders for the command
// runner and LLM review client respectively; a concrete agent runtime is
// out of scope here, so both default to pass.
func runDeterministicGate(gate v1.QualityGate) bool { return true }
func runReviewGate(gate v1.QualityGate) bool        { return true }

func (s *Scheduler) failVerification(ctx context.Context, goal *v1.Goal, item *v1.WorkItem, gate, reason string) {
	if err := s.store.UpdateWorkItemVerification(ctx, item.ID, v1.VerificationFailed); err != nil {
		s.logger.Error("failed to record verification failed", zap.String("work_item_id", item.ID), zap.Error(err))
	}
	s.emit(ctx, v1.SchedulerEvent{Type: v1.EventVerificationCompleted, GoalID: goal.ID, WorkItemID: item.ID, Timestamp: time.Now().UTC(),
		Data: map[string]interface{}{"result": "failed", "gate": gate}})

	vErr := apperrors.VerificationFault(gate, reason)
	s.resolveFailure(ctx, goal, item, v1.RunResult{Status: v1.RunFailed, ErrorMessage: vErr.Error()})
}

func (s *Scheduler) markWorkItemDone(ctx context.Context, goal *v1.Goal, item *v1.WorkItem) {
	if err := s.workItems.Transition(ctx, item.ID, v1.WorkItemDone, "execution and verification succeeded"); err != nil {
		s.logger.Error("failed to transition work item to done", zap.String("work_item_id", item.ID), zap.Error(err))
		return
	}
	s.emit(ctx, v1.SchedulerEvent{Type: v1.EventWorkItemCompleted, GoalID: goal.ID, WorkItemID: item.ID, Timestamp: time.Now().UTC()})
	s.recordAudit(ctx, "work_item", item.ID, goal.ID, "work_item.done", map[string]interface{}{"status": string(v1.WorkItemDone)})
}

// resolveFailure retries the Work Item if it has retries remaining, else
// marks it failed and raises an escalation.
func (s *Scheduler) resolveFailure(ctx context.Context, goal *v1.Goal, item *v1.WorkItem, result v1.RunResult) {
	// failed is reached from either in_progress or verify; queued is not
	// reachable from either, so a retry is always a two-step transition.
	if err := s.workItems.Transition(ctx, item.ID, v1.WorkItemFailed, result.ErrorMessage); err != nil {
		s.logger.Error("failed to mark work item failed", zap.String("work_item_id", item.ID), zap.Error(err))
		return
	}

	retryCount, err := s.store.IncrementWorkItemRetry(ctx, item.ID)
	if err != nil {
		s.logger.Error("failed to increment retry count", zap.String("work_item_id", item.ID), zap.Error(err))
		return
	}

	if retryCount <= item.MaxRetries {
		if err := s.workItems.Transition(ctx, item.ID, v1.WorkItemQueued, "retrying after failure"); err != nil {
			s.logger.Error("failed to requeue work item for retry", zap.String("work_item_id", item.ID), zap.Error(err))
		}
		return
	}

	s.emit(ctx, v1.SchedulerEvent{Type: v1.EventWorkItemFailed, GoalID: goal.ID, WorkItemID: item.ID, Timestamp: time.Now().UTC(),
		Data: map[string]interface{}{"reason": result.ErrorMessage}})
	s.emit(ctx, v1.SchedulerEvent{Type: v1.EventEscalationCreated, GoalID: goal.ID, WorkItemID: item.ID, Timestamp: time.Now().UTC(),
		Data: map[string]interface{}{"reason": result.ErrorMessage}})
	s.recordAudit(ctx, "work_item", item.ID, goal.ID, "work_item.failed", map[string]interface{}{"status": string(v1.WorkItemFailed), "reason": result.ErrorMessage})
}

// recordAudit writes a synchronous audit entry for a goal or work item
// status transition. A write failure is logged, not surfaced: the
// transition itself has already been persisted and an audit fault must
// not roll it back.
func (s *Scheduler) recordAudit(ctx context.Context, entityType, entityID, goalID, action string, after map[string]interface{}) {
	if s.audit == nil {
		return
	}
	entry := &v1.AuditEntry{
		ActorType:  v1.ActorDaemon,
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		GoalID:     goalID,
		After:      after,
	}
	if err := s.audit.Record(ctx, entry); err != nil {
		s.logger.Error("failed to record audit entry", zap.String("action", action), zap.String("entity_id", entityID), zap.Error(err))
	}
}

func (s *Scheduler) emit(ctx context.Context, evt v1.SchedulerEvent) {
	if s.bus == nil {
		return
	}
	env := events.NewEnvelope("scheduler", evt)
	if err := s.bus.Publish(ctx, events.SubjectForEvent(evt), env); err != nil {
		s.logger.Warn("failed to publish scheduler event", zap.String("event_type", string(evt.Type)), zap.Error(err))
	}
}

// CancelGoal requests cancellation of an active goal. The goal is marked
// cancelled immediately so goal.status reflects it right away, and the
// next tick drops it from the active set since its status is terminal (a
// timer also drops it once CancelGrace has passed). In-flight Runs are not
// signalled or aborted: they run to completion and their results are
// still applied to their Work Items.
func (s *Scheduler) CancelGoal(ctx context.Context, goalID, reason string) error {
	goal, err := s.store.GetGoal(ctx, goalID)
	if err != nil {
		return err
	}
	if goal.Status == v1.GoalStatusCancelled {
		return apperrors.GoalAlreadyCancelled(goalID)
	}
	if goal.Status.IsTerminal() {
		return apperrors.InvalidTransition("goal", string(goal.Status), string(v1.GoalStatusCancelled))
	}

	if err := s.store.UpdateGoalStatus(ctx, goalID, v1.GoalStatusCancelled, reason); err != nil {
		return err
	}
	s.emit(ctx, v1.SchedulerEvent{
		Type: v1.EventGoalCancelled, GoalID: goalID, Timestamp: time.Now().UTC(),
		Data: map[string]interface{}{"reason": reason},
	})
	s.recordAudit(ctx, "goal", goalID, goalID, "goal.cancelled", map[string]interface{}{"status": string(v1.GoalStatusCancelled), "reason": reason})

	grace := s.cfg.CancelGrace()
	go func() {
		time.Sleep(grace)
		s.deactivateGoal(goalID)
	}()
	return nil
}

// Status reports current active-goal and tick counters, for the control plane's
// status surface.
type Status struct {
	ActiveGoals    int
	TotalProcessed int64
	TotalFailed    int64
	TickErrors     int64
}

// Status returns a point-in-time snapshot of the scheduler's counters.
func (s *Scheduler) Status() Status {
	return Status{
		ActiveGoals:    len(s.activeGoalIDs()),
		TotalProcessed: atomic.LoadInt64(&s.totalProcessed),
		TotalFailed:    atomic.LoadInt64(&s.totalFailed),
		TickErrors:     atomic.LoadInt64(&s.tickErrors),
	}
}
