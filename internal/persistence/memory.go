package persistence

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/ponybunny-ai/taskforge/internal/common/errors"
	v1 "github.com/ponybunny-ai/taskforge/pkg/api/v1"
)

// MemoryStore is an in-memory Store for unit tests and the scheduler's
// own test suite. It preserves the same invariants as SQLiteStore
// (terminal-status guard, conditional promotion, run-key uniqueness) so
// tests written against it exercise real semantics, not a stub.
type MemoryStore struct {
	mu          sync.RWMutex
	goals       map[string]*v1.Goal
	workItems   map[string]*v1.WorkItem
	runs        map[string]*v1.Run
	cronJobs    map[string]*v1.CronJob
	cronJobRuns map[string]*v1.CronJobRun
	auditLog    []*v1.AuditEntry
	nextAuditID int64
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		goals:       make(map[string]*v1.Goal),
		workItems:   make(map[string]*v1.WorkItem),
		runs:        make(map[string]*v1.Run),
		cronJobs:    make(map[string]*v1.CronJob),
		cronJobRuns: make(map[string]*v1.CronJobRun),
	}
}

func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) CreateGoal(ctx context.Context, goal *v1.Goal) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if goal.ID == "" {
		goal.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	goal.CreatedAt = now
	goal.UpdatedAt = now
	if goal.Status == "" {
		goal.Status = v1.GoalStatusQueued
	}
	cp := *goal
	m.goals[goal.ID] = &cp
	return nil
}

func (m *MemoryStore) GetGoal(ctx context.Context, id string) (*v1.Goal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	g, ok := m.goals[id]
	if !ok {
		return nil, apperrors.NotFound("goal", id)
	}
	cp := *g
	return &cp, nil
}

func (m *MemoryStore) UpdateGoal(ctx context.Context, goal *v1.Goal) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.goals[goal.ID]; !ok {
		return apperrors.NotFound("goal", goal.ID)
	}
	goal.UpdatedAt = time.Now().UTC()
	cp := *goal
	m.goals[goal.ID] = &cp
	return nil
}

func (m *MemoryStore) ListGoals(ctx context.Context, statusFilter []v1.GoalStatus, limit, offset int) ([]*v1.Goal, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	wanted := map[v1.GoalStatus]bool{}
	for _, s := range statusFilter {
		wanted[s] = true
	}

	var all []*v1.Goal
	for _, g := range m.goals {
		if len(wanted) > 0 && !wanted[g.Status] {
			continue
		}
		cp := *g
		all = append(all, &cp)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })

	total := len(all)
	if offset > len(all) {
		offset = len(all)
	}
	all = all[offset:]
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}
	return all, total, nil
}

func (m *MemoryStore) AddGoalSpend(ctx context.Context, goalID string, delta v1.SpentCounters) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok := m.goals[goalID]
	if !ok {
		return apperrors.NotFound("goal", goalID)
	}
	g.Spent.Tokens += delta.Tokens
	g.Spent.WallTimeMins += delta.WallTimeMins
	g.Spent.Cost += delta.Cost
	g.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) UpdateGoalStatus(ctx context.Context, goalID string, status v1.GoalStatus, failureReason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok := m.goals[goalID]
	if !ok {
		return apperrors.NotFound("goal", goalID)
	}
	if g.Status.IsTerminal() {
		if g.Status == v1.GoalStatusCancelled {
			return apperrors.GoalAlreadyCancelled(goalID)
		}
		return nil
	}
	g.Status = status
	g.FailureReason = failureReason
	g.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) CreateWorkItem(ctx context.Context, item *v1.WorkItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if item.ID == "" {
		item.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	item.CreatedAt = now
	item.UpdatedAt = now
	if item.Status == "" {
		item.Status = v1.WorkItemQueued
	}
	if item.VerificationStatus == "" {
		item.VerificationStatus = v1.VerificationNotStarted
	}
	cp := *item
	m.workItems[item.ID] = &cp
	return nil
}

func (m *MemoryStore) GetWorkItem(ctx context.Context, id string) (*v1.WorkItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	wi, ok := m.workItems[id]
	if !ok {
		return nil, apperrors.NotFound("work item", id)
	}
	cp := *wi
	return &cp, nil
}

func (m *MemoryStore) UpdateWorkItemStatus(ctx context.Context, id string, status v1.WorkItemStatus, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	wi, ok := m.workItems[id]
	if !ok {
		return apperrors.NotFound("work item", id)
	}
	wi.Status = status
	wi.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) PromoteReadyWorkItems(ctx context.Context, goalID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	done := map[string]bool{}
	for _, wi := range m.workItems {
		if wi.GoalID == goalID && wi.Status == v1.WorkItemDone {
			done[wi.ID] = true
		}
	}

	var promoted []string
	for _, wi := range m.workItems {
		if wi.GoalID != goalID || wi.Status != v1.WorkItemQueued {
			continue
		}
		ready := true
		for _, dep := range wi.Dependencies {
			if !done[dep] {
				ready = false
				break
			}
		}
		if !ready {
			continue
		}
		wi.Status = v1.WorkItemReady
		wi.UpdatedAt = time.Now().UTC()
		promoted = append(promoted, wi.ID)
	}
	return promoted, nil
}

func (m *MemoryStore) UpdateWorkItemVerification(ctx context.Context, id string, status v1.VerificationStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	wi, ok := m.workItems[id]
	if !ok {
		return apperrors.NotFound("work item", id)
	}
	wi.VerificationStatus = status
	wi.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) IncrementWorkItemRetry(ctx context.Context, id string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	wi, ok := m.workItems[id]
	if !ok {
		return 0, apperrors.NotFound("work item", id)
	}
	wi.RetryCount++
	wi.UpdatedAt = time.Now().UTC()
	return wi.RetryCount, nil
}

func (m *MemoryStore) ListWorkItemsByGoal(ctx context.Context, goalID string) ([]*v1.WorkItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*v1.WorkItem
	for _, wi := range m.workItems {
		if wi.GoalID == goalID {
			cp := *wi
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) ListReadyWorkItems(ctx context.Context) ([]*v1.WorkItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*v1.WorkItem
	for _, wi := range m.workItems {
		if wi.Status == v1.WorkItemReady {
			cp := *wi
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *MemoryStore) CreateRun(ctx context.Context, run *v1.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	run.CreatedAt = time.Now().UTC()
	if run.Status == "" {
		run.Status = v1.RunRunning
	}
	cp := *run
	m.runs[run.ID] = &cp
	return nil
}

func (m *MemoryStore) CompleteRun(ctx context.Context, runID string, result v1.RunResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.runs[runID]
	if !ok {
		return apperrors.NotFound("run", runID)
	}
	now := time.Now().UTC()
	r.Status = result.Status
	r.TokensUsed = result.TokensUsed
	r.WallSeconds = result.WallSeconds
	r.Cost = result.Cost
	r.Artifacts = result.Artifacts
	r.Log = result.Log
	r.ErrorMessage = result.ErrorMessage
	r.CompletedAt = &now
	return nil
}

func (m *MemoryStore) ListRunsByWorkItem(ctx context.Context, workItemID string) ([]*v1.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*v1.Run
	for _, r := range m.runs {
		if r.WorkItemID == workItemID {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

func (m *MemoryStore) NextRunSequence(ctx context.Context, workItemID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	max := 0
	for _, r := range m.runs {
		if r.WorkItemID == workItemID && r.Sequence > max {
			max = r.Sequence
		}
	}
	return max + 1, nil
}

func (m *MemoryStore) UpsertCronJob(ctx context.Context, job *v1.CronJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	existing, ok := m.cronJobs[job.AgentID]
	if !ok {
		job.CreatedAt = now
		job.UpdatedAt = now
		cp := *job
		m.cronJobs[job.AgentID] = &cp
		return nil
	}

	nextRunAt := job.NextRunAt
	if existing.DefinitionHash == job.DefinitionHash {
		nextRunAt = existing.NextRunAt
	}
	existing.Enabled = job.Enabled
	existing.Schedule = job.Schedule
	existing.DefinitionHash = job.DefinitionHash
	existing.NextRunAt = nextRunAt
	existing.UpdatedAt = now
	return nil
}

func (m *MemoryStore) GetCronJob(ctx context.Context, agentID string) (*v1.CronJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	j, ok := m.cronJobs[agentID]
	if !ok {
		return nil, apperrors.NotFound("cron job", agentID)
	}
	cp := *j
	return &cp, nil
}

func (m *MemoryStore) ListCronJobs(ctx context.Context) ([]*v1.CronJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*v1.CronJob
	for _, j := range m.cronJobs {
		cp := *j
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out, nil
}

func (m *MemoryStore) ClaimDueCronJobs(ctx context.Context, now time.Time, claimedBy string, expiresAt time.Time) ([]*v1.CronJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var claimed []*v1.CronJob
	for _, j := range m.cronJobs {
		if !j.Enabled || j.NextRunAt.After(now) {
			continue
		}
		if j.Lease.ClaimExpiresAt != nil && now.Before(*j.Lease.ClaimExpiresAt) {
			continue
		}
		j.Lease.ClaimedBy = claimedBy
		expires := expiresAt
		j.Lease.ClaimExpiresAt = &expires
		j.UpdatedAt = now
		cp := *j
		claimed = append(claimed, &cp)
	}
	sort.Slice(claimed, func(i, j int) bool { return claimed[i].NextRunAt.Before(claimed[j].NextRunAt) })
	return claimed, nil
}

func (m *MemoryStore) ReleaseCronJobLease(ctx context.Context, agentID string, nextRunAt time.Time, lastRunAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.cronJobs[agentID]
	if !ok {
		return apperrors.NotFound("cron job", agentID)
	}
	j.Lease = v1.Lease{}
	j.NextRunAt = nextRunAt
	last := lastRunAt
	j.LastRunAt = &last
	j.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) SetCronJobDispatched(ctx context.Context, agentID, runKey, goalID string, startedAt, nextRunAt, lastRunAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.cronJobs[agentID]
	if !ok {
		return apperrors.NotFound("cron job", agentID)
	}
	started := startedAt
	j.Lease = v1.Lease{InFlightRunKey: runKey, InFlightGoalID: goalID, InFlightStartedAt: &started}
	j.NextRunAt = nextRunAt
	last := lastRunAt
	j.LastRunAt = &last
	j.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) InsertCronJobRun(ctx context.Context, run *v1.CronJobRun) (*v1.CronJobRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, r := range m.cronJobRuns {
		if r.AgentID == run.AgentID && r.RunKey == run.RunKey {
			cp := *r
			return &cp, nil
		}
	}

	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	run.CreatedAt = time.Now().UTC()
	if run.Status == "" {
		run.Status = v1.CronJobRunPending
	}
	cp := *run
	m.cronJobRuns[run.ID] = &cp
	return &cp, nil
}

func (m *MemoryStore) UpdateCronJobRunStatus(ctx context.Context, id string, status v1.CronJobRunStatus, goalID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.cronJobRuns[id]
	if !ok {
		return apperrors.NotFound("cron job run", id)
	}
	r.Status = status
	r.GoalID = goalID
	return nil
}

func (m *MemoryStore) ListCronJobRuns(ctx context.Context, agentID string, limit int) ([]*v1.CronJobRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*v1.CronJobRun
	for _, r := range m.cronJobRuns {
		if r.AgentID == agentID {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) AppendAuditEntry(ctx context.Context, entry *v1.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextAuditID++
	entry.ID = m.nextAuditID
	entry.CreatedAt = time.Now().UTC()
	cp := *entry
	m.auditLog = append(m.auditLog, &cp)
	return nil
}

func (m *MemoryStore) ListAuditEntries(ctx context.Context, filter AuditFilter, limit, offset int) ([]*v1.AuditEntry, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matched []*v1.AuditEntry
	for i := len(m.auditLog) - 1; i >= 0; i-- {
		e := m.auditLog[i]
		if filter.GoalID != "" && e.GoalID != filter.GoalID {
			continue
		}
		if filter.WorkItemID != "" && e.WorkItemID != filter.WorkItemID {
			continue
		}
		if filter.EntityType != "" && e.EntityType != filter.EntityType {
			continue
		}
		cp := *e
		matched = append(matched, &cp)
	}

	total := len(matched)
	if offset > len(matched) {
		offset = len(matched)
	}
	matched = matched[offset:]
	if limit > 0 && limit < len(matched) {
		matched = matched[:limit]
	}
	return matched, total, nil
}

func (m *MemoryStore) PruneAuditEntries(ctx context.Context, olderThan time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var kept []*v1.AuditEntry
	var removed int64
	for _, e := range m.auditLog {
		if e.CreatedAt.Before(olderThan) {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	m.auditLog = kept
	return removed, nil
}

func (m *MemoryStore) PruneTerminalGoals(ctx context.Context, olderThan time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var removed int64
	for id, g := range m.goals {
		if !g.Status.IsTerminal() || !g.UpdatedAt.Before(olderThan) {
			continue
		}
		delete(m.goals, id)
		removed++
		for wid, wi := range m.workItems {
			if wi.GoalID == id {
				delete(m.workItems, wid)
				for rid, r := range m.runs {
					if r.WorkItemID == wid {
						delete(m.runs, rid)
					}
				}
			}
		}
	}
	return removed, nil
}
