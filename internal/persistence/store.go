// Package persistence exposes the narrow, synchronous, transactional
// Persistence Contract shared by the Scheduler, Work Item Manager, and
// Agent Scheduler: goals, work items, runs, cron jobs, cron job runs, and
// the audit log.
//
// Every mutating call is its own transaction unless noted otherwise. I/O
// or constraint errors surface as *errors.AppError built with
// errors.PersistenceFault; callers never see a raw database error.
package persistence

import (
	"context"
	"time"

	v1 "github.com/ponybunny-ai/taskforge/pkg/api/v1"
)

// Store is the relational store consumed by the scheduling core. SQLite
// and in-memory implementations both satisfy it.
type Store interface {
	// Goals

	CreateGoal(ctx context.Context, goal *v1.Goal) error
	GetGoal(ctx context.Context, id string) (*v1.Goal, error)
	UpdateGoal(ctx context.Context, goal *v1.Goal) error
	ListGoals(ctx context.Context, statusFilter []v1.GoalStatus, limit, offset int) ([]*v1.Goal, int, error)
	// AddGoalSpend adds to a goal's spent counters. Additive; never resets.
	AddGoalSpend(ctx context.Context, goalID string, delta v1.SpentCounters) error
	// UpdateGoalStatus sets a goal's status unless it is already terminal.
	UpdateGoalStatus(ctx context.Context, goalID string, status v1.GoalStatus, failureReason string) error

	// Work Items

	CreateWorkItem(ctx context.Context, item *v1.WorkItem) error
	GetWorkItem(ctx context.Context, id string) (*v1.WorkItem, error)
	// UpdateWorkItemStatus sets status unconditionally. The reason is
	// accepted but not persisted; transition history lives in the Work
	// Item Manager.
	UpdateWorkItemStatus(ctx context.Context, id string, status v1.WorkItemStatus, reason string) error
	// PromoteReadyWorkItems atomically moves every `queued` Work Item of the
	// goal to `ready` where every dependency id is `done`, returning the ids
	// promoted.
	PromoteReadyWorkItems(ctx context.Context, goalID string) ([]string, error)
	UpdateWorkItemVerification(ctx context.Context, id string, status v1.VerificationStatus) error
	IncrementWorkItemRetry(ctx context.Context, id string) (int, error)
	ListWorkItemsByGoal(ctx context.Context, goalID string) ([]*v1.WorkItem, error)
	// ListReadyWorkItems lists every `ready` Work Item across all goals,
	// ordered by priority desc, created-at asc, id asc.
	ListReadyWorkItems(ctx context.Context) ([]*v1.WorkItem, error)

	// Runs

	CreateRun(ctx context.Context, run *v1.Run) error
	// CompleteRun sets status and metrics atomically and stamps completed_at.
	CompleteRun(ctx context.Context, runID string, result v1.RunResult) error
	ListRunsByWorkItem(ctx context.Context, workItemID string) ([]*v1.Run, error)
	// NextRunSequence returns a gap-free, monotonically increasing sequence
	// number for the next Run of a Work Item.
	NextRunSequence(ctx context.Context, workItemID string) (int, error)

	// Cron Jobs

	// UpsertCronJob replaces the schedule and definition hash for agentID,
	// resetting next_run_at to nextRun only when the schedule changed
	// (definition hash differs from what's stored).
	UpsertCronJob(ctx context.Context, job *v1.CronJob) error
	GetCronJob(ctx context.Context, agentID string) (*v1.CronJob, error)
	ListCronJobs(ctx context.Context) ([]*v1.CronJob, error)
	// ClaimDueCronJobs selects every enabled cron job whose next_run_at has
	// passed and whose lease is empty or expired, and atomically claims
	// them for claimedBy until expiresAt, returning only the jobs it
	// actually claimed.
	ClaimDueCronJobs(ctx context.Context, now time.Time, claimedBy string, expiresAt time.Time) ([]*v1.CronJob, error)
	// ReleaseCronJobLease clears a cron job's claim and in-flight lease
	// fields (no run was dispatched) and advances next_run_at/last_run_at.
	ReleaseCronJobLease(ctx context.Context, agentID string, nextRunAt time.Time, lastRunAt time.Time) error
	// SetCronJobDispatched records the in-flight run key/goal id/start time
	// of the firing just dispatched (or detected already dispatched),
	// clears the claim fields, and advances next_run_at/last_run_at.
	SetCronJobDispatched(ctx context.Context, agentID, runKey, goalID string, startedAt, nextRunAt, lastRunAt time.Time) error

	// Cron Job Runs

	// InsertCronJobRun inserts a new Cron Job Run unique on (agent id, run
	// key); on conflict it returns the existing row untouched.
	InsertCronJobRun(ctx context.Context, run *v1.CronJobRun) (*v1.CronJobRun, error)
	UpdateCronJobRunStatus(ctx context.Context, id string, status v1.CronJobRunStatus, goalID string) error
	ListCronJobRuns(ctx context.Context, agentID string, limit int) ([]*v1.CronJobRun, error)

	// Audit

	AppendAuditEntry(ctx context.Context, entry *v1.AuditEntry) error
	ListAuditEntries(ctx context.Context, filter AuditFilter, limit, offset int) ([]*v1.AuditEntry, int, error)

	// Maintenance

	// PruneAuditEntries deletes audit entries older than olderThan.
	PruneAuditEntries(ctx context.Context, olderThan time.Time) (int64, error)
	// PruneTerminalGoals deletes goals in a terminal status whose
	// updated_at is older than olderThan, cascading to work items and runs.
	PruneTerminalGoals(ctx context.Context, olderThan time.Time) (int64, error)

	Close() error
}

// AuditFilter narrows an audit.list query. Zero-valued fields are ignored.
type AuditFilter struct {
	GoalID     string
	WorkItemID string
	EntityType string
}
