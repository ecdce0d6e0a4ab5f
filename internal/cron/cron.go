package cron

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ponybunny-ai/taskforge/internal/common/config"
	"github.com/ponybunny-ai/taskforge/internal/common/logger"
	"github.com/ponybunny-ai/taskforge/internal/persistence"
	v1 "github.com/ponybunny-ai/taskforge/pkg/api/v1"
)

// SubmitFunc hands a newly dispatched Goal to the Scheduler for admission.
// Cron-originated goals and client-submitted goals share this one
// in-process call.
type SubmitFunc func(ctx context.Context, goalID string) error

// Scheduler is the Agent Scheduler: a second ticker-driven cooperative
// task (same shape as internal/scheduler.Scheduler, separate timer) that
// claims due Cron Jobs and idempotently dispatches Goals for them.
type Scheduler struct {
	store      persistence.Store
	registry   *Registry
	submit     SubmitFunc
	logger     *logger.Logger
	cfg        config.CronConfig
	instanceID string

	mu      sync.Mutex
	running bool
	ticking int32
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New builds an Agent Scheduler over its Persistence Contract, Agent
// Definition registry, and the Scheduler's goal-admission callback.
func New(store persistence.Store, registry *Registry, submit SubmitFunc, cfg config.CronConfig, log *logger.Logger) *Scheduler {
	if log == nil {
		log = logger.Default()
	}
	return &Scheduler{
		store:      store,
		registry:   registry,
		submit:     submit,
		logger:     log,
		cfg:        cfg,
		instanceID: uuid.New().String(),
	}
}

// Start seeds the store with the registry's definitions as enabled Cron
// Jobs and begins the tick loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	if err := s.syncRegistry(ctx); err != nil {
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

// syncRegistry upserts every enabled Agent Definition as a Cron Job, only
// resetting next_run_at when the definition hash (schedule included)
// changed since the job was last stored.
func (s *Scheduler) syncRegistry(ctx context.Context) error {
	now := time.Now().UTC()
	for _, def := range s.registry.List() {
		if !def.Enabled {
			continue
		}
		hash := DefinitionHash(def)
		nextRun := now
		if outcome, err := Evaluate(&v1.CronJob{AgentID: def.AgentID, Schedule: def.Schedule, NextRunAt: now}, now); err == nil {
			nextRun = outcome.NextRunAt
		}
		job := &v1.CronJob{
			AgentID:        def.AgentID,
			Enabled:        true,
			Schedule:       def.Schedule,
			DefinitionHash: hash,
			NextRunAt:      nextRun,
		}
		if err := s.store.UpsertCronJob(ctx, job); err != nil {
			s.logger.Error("cron: failed to upsert agent definition", zap.String("agent_id", def.AgentID), zap.Error(err))
			return err
		}
	}
	return nil
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
				continue
			}
			s.runTick(ctx)
			atomic.StoreInt32(&s.ticking, 0)
		}
	}
}

// runTick claims every due Cron Job and dispatches it. Claims prevent two
// instances (or two overlapping ticks) from double-firing the same job.
func (s *Scheduler) runTick(ctx context.Context) {
	now := time.Now().UTC()
	claimed, err := s.store.ClaimDueCronJobs(ctx, now, s.instanceID, now.Add(s.cfg.ClaimTTL()))
	if err != nil {
		s.logger.Error("cron: failed to claim due jobs", zap.Error(err))
		return
	}

	for _, job := range claimed {
		s.dispatch(ctx, job, now)
	}
}

// dispatch implements the five-step lease/dispatch flow: compute the
// schedule outcome, form the run key, insert-or-detect the Cron Job Run,
// build and link the Goal on first insert, then record the in-flight lease
// (setDispatched) and submit the Goal to the Scheduler.
func (s *Scheduler) dispatch(ctx context.Context, job *v1.CronJob, now time.Time) {
	outcome, err := Evaluate(job, now)
	if err != nil {
		s.logger.Error("cron: failed to evaluate schedule", zap.String("agent_id", job.AgentID), zap.Error(err))
		s.releaseLease(ctx, job, now)
		return
	}

	runKey := RunKey(job.AgentID, job.DefinitionHash, outcome.ScheduledFor)

	run, err := s.store.InsertCronJobRun(ctx, &v1.CronJobRun{
		AgentID:        job.AgentID,
		RunKey:         runKey,
		ScheduledFor:   outcome.ScheduledFor,
		CoalescedCount: outcome.CoalescedCount,
		Status:         v1.CronJobRunPending,
	})
	if err != nil {
		s.logger.Error("cron: failed to insert cron job run", zap.String("agent_id", job.AgentID), zap.Error(err))
		s.releaseLease(ctx, job, now)
		return
	}

	if run.GoalID != "" {
		s.logger.Debug("run_already_linked_to_goal", zap.String("agent_id", job.AgentID), zap.String("run_key", runKey))
		s.setDispatched(ctx, job, runKey, run.GoalID, now, outcome)
		return
	}

	def, ok := s.registry.Get(job.AgentID)
	if !ok {
		s.logger.Error("cron: no agent definition registered", zap.String("agent_id", job.AgentID))
		return
	}

	goal, item, err := s.registry.Build(def, outcome.ScheduledFor)
	if err != nil {
		s.logger.Error("cron: failed to build goal for firing", zap.String("agent_id", job.AgentID), zap.Error(err))
		return
	}

	if err := s.store.CreateGoal(ctx, goal); err != nil {
		s.logger.Error("cron: failed to create goal", zap.String("agent_id", job.AgentID), zap.Error(err))
		return
	}
	if err := s.store.CreateWorkItem(ctx, item); err != nil {
		s.logger.Error("cron: failed to create initial work item", zap.String("agent_id", job.AgentID), zap.Error(err))
		return
	}
	if err := s.store.UpdateCronJobRunStatus(ctx, run.ID, v1.CronJobRunSubmitted, goal.ID); err != nil {
		s.logger.Error("cron: failed to link cron job run to goal", zap.String("agent_id", job.AgentID), zap.Error(err))
	}

	s.setDispatched(ctx, job, runKey, goal.ID, now, outcome)

	if err := s.submit(ctx, goal.ID); err != nil {
		s.logger.Error("cron: failed to submit goal to scheduler", zap.String("agent_id", job.AgentID), zap.String("goal_id", goal.ID), zap.Error(err))
	}
}

// releaseLease clears the claim, leaving no in-flight lease, and stamps
// last_run_at; next_run_at is set to nextRunAt when one is given and left
// at the job's current value otherwise. Used when a firing could not be
// evaluated or recorded at all, so there is no run key or goal id to stamp.
func (s *Scheduler) releaseLease(ctx context.Context, job *v1.CronJob, lastRunAt time.Time, nextRunAt ...time.Time) {
	next := job.NextRunAt
	if len(nextRunAt) > 0 {
		next = nextRunAt[0]
	}
	if err := s.store.ReleaseCronJobLease(ctx, job.AgentID, next, lastRunAt); err != nil {
		s.logger.Error("cron: failed to release lease", zap.String("agent_id", job.AgentID), zap.Error(err))
	}
}

// setDispatched records the in-flight run key/goal id/start time of the
// firing just dispatched (or found already dispatched), clears the claim,
// and advances next_run_at/last_run_at.
func (s *Scheduler) setDispatched(ctx context.Context, job *v1.CronJob, runKey, goalID string, dispatchedAt time.Time, outcome Outcome) {
	if err := s.store.SetCronJobDispatched(ctx, job.AgentID, runKey, goalID, dispatchedAt, outcome.NextRunAt, outcome.ScheduledFor); err != nil {
		s.logger.Error("cron: failed to record in-flight lease", zap.String("agent_id", job.AgentID), zap.Error(err))
	}
}
