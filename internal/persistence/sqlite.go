package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	apperrors "github.com/ponybunny-ai/taskforge/internal/common/errors"
	"github.com/ponybunny-ai/taskforge/internal/db"
	v1 "github.com/ponybunny-ai/taskforge/pkg/api/v1"
)

// SQLiteStore implements Store over a single SQLite database, reached
// through a writer/reader Pool so reads don't queue behind the single
// writer connection WAL mode requires.
type SQLiteStore struct {
	pool *db.Pool
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (creating if absent) the SQLite database at dbPath
// and applies the schema.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	writer, err := db.OpenSQLite(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite writer: %w", err)
	}
	reader, err := db.OpenSQLiteReader(dbPath)
	if err != nil {
		_ = writer.Close()
		return nil, fmt.Errorf("open sqlite reader: %w", err)
	}

	pool := db.NewPool(sqlx.NewDb(writer, "sqlite3"), sqlx.NewDb(reader, "sqlite3"))
	if _, err := pool.Writer().Exec(schemaSQLite); err != nil {
		_ = pool.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &SQLiteStore{pool: pool}, nil
}

// NewSQLiteStoreFromPool builds a store over an already-open Pool, for
// callers that share one database connection across several stores.
func NewSQLiteStoreFromPool(pool *db.Pool) (*SQLiteStore, error) {
	if _, err := pool.Writer().Exec(schemaSQLite); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &SQLiteStore{pool: pool}, nil
}

func (s *SQLiteStore) Close() error {
	return s.pool.Close()
}

// goalRow mirrors the goals table for sqlx scanning.
type goalRow struct {
	ID                    string    `db:"id"`
	Title                 string    `db:"title"`
	Description           string    `db:"description"`
	SuccessCriteria       string    `db:"success_criteria"`
	Priority              int       `db:"priority"`
	BudgetTokens          int64     `db:"budget_tokens"`
	BudgetWallTimeMinutes int64     `db:"budget_wall_time_minutes"`
	BudgetCost            float64   `db:"budget_cost"`
	SpentTokens           int64     `db:"spent_tokens"`
	SpentWallTimeMinutes  int64     `db:"spent_wall_time_minutes"`
	SpentCost             float64   `db:"spent_cost"`
	Status                string    `db:"status"`
	FailureReason         string    `db:"failure_reason"`
	CreatedBy             string    `db:"created_by"`
	CreatedAt             time.Time `db:"created_at"`
	UpdatedAt             time.Time `db:"updated_at"`
}

func (r *goalRow) toGoal() (*v1.Goal, error) {
	var criteria []v1.SuccessCriterion
	if r.SuccessCriteria != "" {
		if err := json.Unmarshal([]byte(r.SuccessCriteria), &criteria); err != nil {
			return nil, err
		}
	}
	return &v1.Goal{
		ID:              r.ID,
		Title:           r.Title,
		Description:     r.Description,
		SuccessCriteria: criteria,
		Priority:        r.Priority,
		Budget: v1.Budget{
			Tokens:       r.BudgetTokens,
			WallTimeMins: r.BudgetWallTimeMinutes,
			Cost:         r.BudgetCost,
		},
		Spent: v1.SpentCounters{
			Tokens:       r.SpentTokens,
			WallTimeMins: r.SpentWallTimeMinutes,
			Cost:         r.SpentCost,
		},
		Status:        v1.GoalStatus(r.Status),
		FailureReason: r.FailureReason,
		CreatedBy:     r.CreatedBy,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}, nil
}

func (s *SQLiteStore) CreateGoal(ctx context.Context, goal *v1.Goal) error {
	if goal.ID == "" {
		goal.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	goal.CreatedAt = now
	goal.UpdatedAt = now
	if goal.Status == "" {
		goal.Status = v1.GoalStatusQueued
	}

	criteria, err := json.Marshal(goal.SuccessCriteria)
	if err != nil {
		return apperrors.PersistenceFault(err)
	}

	_, err = s.pool.Writer().ExecContext(ctx, `
		INSERT INTO goals (id, title, description, success_criteria, priority,
			budget_tokens, budget_wall_time_minutes, budget_cost,
			spent_tokens, spent_wall_time_minutes, spent_cost,
			status, failure_reason, created_by, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, goal.ID, goal.Title, goal.Description, string(criteria), goal.Priority,
		goal.Budget.Tokens, goal.Budget.WallTimeMins, goal.Budget.Cost,
		goal.Spent.Tokens, goal.Spent.WallTimeMins, goal.Spent.Cost,
		goal.Status, goal.FailureReason, goal.CreatedBy, goal.CreatedAt, goal.UpdatedAt)
	if err != nil {
		return apperrors.PersistenceFault(err)
	}
	return nil
}

func (s *SQLiteStore) GetGoal(ctx context.Context, id string) (*v1.Goal, error) {
	var row goalRow
	err := s.pool.Reader().GetContext(ctx, &row, `SELECT * FROM goals WHERE id = ?`, id)
	if err == sql.ErrNoRows {
		return nil, apperrors.NotFound("goal", id)
	}
	if err != nil {
		return nil, apperrors.PersistenceFault(err)
	}
	return row.toGoal()
}

func (s *SQLiteStore) UpdateGoal(ctx context.Context, goal *v1.Goal) error {
	goal.UpdatedAt = time.Now().UTC()
	criteria, err := json.Marshal(goal.SuccessCriteria)
	if err != nil {
		return apperrors.PersistenceFault(err)
	}

	result, err := s.pool.Writer().ExecContext(ctx, `
		UPDATE goals SET title = ?, description = ?, success_criteria = ?, priority = ?,
			budget_tokens = ?, budget_wall_time_minutes = ?, budget_cost = ?,
			status = ?, failure_reason = ?, updated_at = ?
		WHERE id = ?
	`, goal.Title, goal.Description, string(criteria), goal.Priority,
		goal.Budget.Tokens, goal.Budget.WallTimeMins, goal.Budget.Cost,
		goal.Status, goal.FailureReason, goal.UpdatedAt, goal.ID)
	if err != nil {
		return apperrors.PersistenceFault(err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return apperrors.NotFound("goal", goal.ID)
	}
	return nil
}

func (s *SQLiteStore) ListGoals(ctx context.Context, statusFilter []v1.GoalStatus, limit, offset int) ([]*v1.Goal, int, error) {
	query := `SELECT * FROM goals`
	args := []interface{}{}
	if len(statusFilter) > 0 {
		query += ` WHERE status IN (?` + repeatPlaceholder(len(statusFilter)-1) + `)`
		for _, st := range statusFilter {
			args = append(args, string(st))
		}
	}
	query += ` ORDER BY created_at DESC`
	if limit > 0 {
		query += fmt.Sprintf(` LIMIT %d OFFSET %d`, limit, offset)
	}

	var rows []goalRow
	if err := s.pool.Reader().SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, 0, apperrors.PersistenceFault(err)
	}

	var total int
	countQuery := `SELECT COUNT(*) FROM goals`
	countArgs := args
	if len(statusFilter) > 0 {
		countQuery += ` WHERE status IN (?` + repeatPlaceholder(len(statusFilter)-1) + `)`
	} else {
		countArgs = nil
	}
	if err := s.pool.Reader().GetContext(ctx, &total, countQuery, countArgs...); err != nil {
		return nil, 0, apperrors.PersistenceFault(err)
	}

	goals := make([]*v1.Goal, 0, len(rows))
	for i := range rows {
		g, err := rows[i].toGoal()
		if err != nil {
			return nil, 0, apperrors.PersistenceFault(err)
		}
		goals = append(goals, g)
	}
	return goals, total, nil
}

func repeatPlaceholder(n int) string {
	out := ""
	for i := 0; i < n; i++ {
		out += ", ?"
	}
	return out
}

func (s *SQLiteStore) AddGoalSpend(ctx context.Context, goalID string, delta v1.SpentCounters) error {
	result, err := s.pool.Writer().ExecContext(ctx, `
		UPDATE goals SET spent_tokens = spent_tokens + ?, spent_wall_time_minutes = spent_wall_time_minutes + ?,
			spent_cost = spent_cost + ?, updated_at = ?
		WHERE id = ?
	`, delta.Tokens, delta.WallTimeMins, delta.Cost, time.Now().UTC(), goalID)
	if err != nil {
		return apperrors.PersistenceFault(err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return apperrors.NotFound("goal", goalID)
	}
	return nil
}

// UpdateGoalStatus sets status unless the current status is already
// terminal, per the Goal invariant that terminal statuses never revert.
func (s *SQLiteStore) UpdateGoalStatus(ctx context.Context, goalID string, status v1.GoalStatus, failureReason string) error {
	result, err := s.pool.Writer().ExecContext(ctx, `
		UPDATE goals SET status = ?, failure_reason = ?, updated_at = ?
		WHERE id = ? AND status NOT IN ('completed', 'failed', 'cancelled')
	`, status, failureReason, time.Now().UTC(), goalID)
	if err != nil {
		return apperrors.PersistenceFault(err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		var current string
		if err := s.pool.Reader().GetContext(ctx, &current, `SELECT status FROM goals WHERE id = ?`, goalID); err != nil {
			return apperrors.NotFound("goal", goalID)
		}
		if current == string(v1.GoalStatusCancelled) {
			return apperrors.GoalAlreadyCancelled(goalID)
		}
		// Already terminal in some other status; a no-op regression attempt.
	}
	return nil
}

// workItemRow mirrors the work_items table for sqlx scanning.
type workItemRow struct {
	ID                 string    `db:"id"`
	GoalID             string    `db:"goal_id"`
	Title              string    `db:"title"`
	Description        string    `db:"description"`
	Type               string    `db:"type"`
	Priority           int       `db:"priority"`
	Dependencies       string    `db:"dependencies"`
	VerificationPlan   string    `db:"verification_plan"`
	RetryCount         int       `db:"retry_count"`
	MaxRetries         int       `db:"max_retries"`
	Status             string    `db:"status"`
	VerificationStatus string    `db:"verification_status"`
	Context            string    `db:"context"`
	Hints              string    `db:"hints"`
	LaneOrigin         string    `db:"lane_origin"`
	ParentWorkItemID   string    `db:"parent_work_item_id"`
	SessionID          string    `db:"session_id"`
	CreatedAt          time.Time `db:"created_at"`
	UpdatedAt          time.Time `db:"updated_at"`
}

func (r *workItemRow) toWorkItem() (*v1.WorkItem, error) {
	var deps []string
	if r.Dependencies != "" {
		if err := json.Unmarshal([]byte(r.Dependencies), &deps); err != nil {
			return nil, err
		}
	}
	var plan *v1.VerificationPlan
	if r.VerificationPlan != "" {
		plan = &v1.VerificationPlan{}
		if err := json.Unmarshal([]byte(r.VerificationPlan), plan); err != nil {
			return nil, err
		}
	}
	var hints *v1.RunnerHints
	if r.Hints != "" {
		hints = &v1.RunnerHints{}
		if err := json.Unmarshal([]byte(r.Hints), hints); err != nil {
			return nil, err
		}
	}
	var context map[string]interface{}
	if r.Context != "" && r.Context != "{}" {
		if err := json.Unmarshal([]byte(r.Context), &context); err != nil {
			return nil, err
		}
	}
	return &v1.WorkItem{
		ID:                 r.ID,
		GoalID:             r.GoalID,
		Title:              r.Title,
		Description:        r.Description,
		Type:               r.Type,
		Priority:           r.Priority,
		Dependencies:       deps,
		VerificationPlan:   plan,
		RetryCount:         r.RetryCount,
		MaxRetries:         r.MaxRetries,
		Status:             v1.WorkItemStatus(r.Status),
		VerificationStatus: v1.VerificationStatus(r.VerificationStatus),
		Context:            context,
		Hints:              hints,
		LaneOrigin:         v1.LaneOrigin(r.LaneOrigin),
		ParentWorkItemID:   r.ParentWorkItemID,
		SessionID:          r.SessionID,
		CreatedAt:          r.CreatedAt,
		UpdatedAt:          r.UpdatedAt,
	}, nil
}

func (s *SQLiteStore) CreateWorkItem(ctx context.Context, item *v1.WorkItem) error {
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

	deps, _ := json.Marshal(item.Dependencies)
	var plan, hints, context []byte
	if item.VerificationPlan != nil {
		plan, _ = json.Marshal(item.VerificationPlan)
	}
	if item.Hints != nil {
		hints, _ = json.Marshal(item.Hints)
	}
	if item.Context != nil {
		context, _ = json.Marshal(item.Context)
	} else {
		context = []byte("{}")
	}

	_, err := s.pool.Writer().ExecContext(ctx, `
		INSERT INTO work_items (id, goal_id, title, description, type, priority, dependencies,
			verification_plan, retry_count, max_retries, status, verification_status, context, hints,
			lane_origin, parent_work_item_id, session_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, item.ID, item.GoalID, item.Title, item.Description, item.Type, item.Priority, string(deps),
		string(plan), item.RetryCount, item.MaxRetries, item.Status, item.VerificationStatus,
		string(context), string(hints), item.LaneOrigin, item.ParentWorkItemID, item.SessionID,
		item.CreatedAt, item.UpdatedAt)
	if err != nil {
		return apperrors.PersistenceFault(err)
	}
	return nil
}

func (s *SQLiteStore) GetWorkItem(ctx context.Context, id string) (*v1.WorkItem, error) {
	var row workItemRow
	err := s.pool.Reader().GetContext(ctx, &row, `SELECT * FROM work_items WHERE id = ?`, id)
	if err == sql.ErrNoRows {
		return nil, apperrors.NotFound("work item", id)
	}
	if err != nil {
		return nil, apperrors.PersistenceFault(err)
	}
	return row.toWorkItem()
}

func (s *SQLiteStore) UpdateWorkItemStatus(ctx context.Context, id string, status v1.WorkItemStatus, reason string) error {
	result, err := s.pool.Writer().ExecContext(ctx, `
		UPDATE work_items SET status = ?, updated_at = ? WHERE id = ?
	`, status, time.Now().UTC(), id)
	if err != nil {
		return apperrors.PersistenceFault(err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return apperrors.NotFound("work item", id)
	}
	return nil
}

// PromoteReadyWorkItems implements the conditional promotion at the heart
// of ready selection: every `queued` Work Item whose dependencies are all
// `done` moves to `ready`, all in one write transaction.
func (s *SQLiteStore) PromoteReadyWorkItems(ctx context.Context, goalID string) ([]string, error) {
	var candidates []workItemRow
	err := s.pool.Reader().SelectContext(ctx, &candidates, `
		SELECT * FROM work_items WHERE goal_id = ? AND status = ?
	`, goalID, v1.WorkItemQueued)
	if err != nil {
		return nil, apperrors.PersistenceFault(err)
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	done := map[string]bool{}
	var allItems []workItemRow
	if err := s.pool.Reader().SelectContext(ctx, &allItems, `SELECT * FROM work_items WHERE goal_id = ?`, goalID); err != nil {
		return nil, apperrors.PersistenceFault(err)
	}
	for _, it := range allItems {
		if it.Status == string(v1.WorkItemDone) {
			done[it.ID] = true
		}
	}

	tx, err := s.pool.Writer().BeginTxx(ctx, nil)
	if err != nil {
		return nil, apperrors.PersistenceFault(err)
	}
	defer tx.Rollback()

	var promoted []string
	now := time.Now().UTC()
	for _, c := range candidates {
		var deps []string
		if c.Dependencies != "" {
			_ = json.Unmarshal([]byte(c.Dependencies), &deps)
		}
		ready := true
		for _, d := range deps {
			if !done[d] {
				ready = false
				break
			}
		}
		if !ready {
			continue
		}
		if _, err := tx.ExecContext(ctx, `UPDATE work_items SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
			v1.WorkItemReady, now, c.ID, v1.WorkItemQueued); err != nil {
			return nil, apperrors.PersistenceFault(err)
		}
		promoted = append(promoted, c.ID)
	}

	if err := tx.Commit(); err != nil {
		return nil, apperrors.PersistenceFault(err)
	}
	return promoted, nil
}

func (s *SQLiteStore) UpdateWorkItemVerification(ctx context.Context, id string, status v1.VerificationStatus) error {
	result, err := s.pool.Writer().ExecContext(ctx, `
		UPDATE work_items SET verification_status = ?, updated_at = ? WHERE id = ?
	`, status, time.Now().UTC(), id)
	if err != nil {
		return apperrors.PersistenceFault(err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return apperrors.NotFound("work item", id)
	}
	return nil
}

func (s *SQLiteStore) IncrementWorkItemRetry(ctx context.Context, id string) (int, error) {
	tx, err := s.pool.Writer().BeginTxx(ctx, nil)
	if err != nil {
		return 0, apperrors.PersistenceFault(err)
	}
	defer tx.Rollback()

	var count int
	if err := tx.GetContext(ctx, &count, `SELECT retry_count FROM work_items WHERE id = ?`, id); err != nil {
		if err == sql.ErrNoRows {
			return 0, apperrors.NotFound("work item", id)
		}
		return 0, apperrors.PersistenceFault(err)
	}
	count++
	if _, err := tx.ExecContext(ctx, `UPDATE work_items SET retry_count = ?, updated_at = ? WHERE id = ?`, count, time.Now().UTC(), id); err != nil {
		return 0, apperrors.PersistenceFault(err)
	}
	if err := tx.Commit(); err != nil {
		return 0, apperrors.PersistenceFault(err)
	}
	return count, nil
}

func (s *SQLiteStore) ListWorkItemsByGoal(ctx context.Context, goalID string) ([]*v1.WorkItem, error) {
	var rows []workItemRow
	if err := s.pool.Reader().SelectContext(ctx, &rows, `SELECT * FROM work_items WHERE goal_id = ? ORDER BY created_at ASC`, goalID); err != nil {
		return nil, apperrors.PersistenceFault(err)
	}
	items := make([]*v1.WorkItem, 0, len(rows))
	for i := range rows {
		item, err := rows[i].toWorkItem()
		if err != nil {
			return nil, apperrors.PersistenceFault(err)
		}
		items = append(items, item)
	}
	return items, nil
}

func (s *SQLiteStore) ListReadyWorkItems(ctx context.Context) ([]*v1.WorkItem, error) {
	var rows []workItemRow
	err := s.pool.Reader().SelectContext(ctx, &rows, `
		SELECT * FROM work_items WHERE status = ?
		ORDER BY priority DESC, created_at ASC, id ASC
	`, v1.WorkItemReady)
	if err != nil {
		return nil, apperrors.PersistenceFault(err)
	}
	items := make([]*v1.WorkItem, 0, len(rows))
	for i := range rows {
		item, err := rows[i].toWorkItem()
		if err != nil {
			return nil, apperrors.PersistenceFault(err)
		}
		items = append(items, item)
	}
	return items, nil
}

// runRow mirrors the runs table for sqlx scanning.
type runRow struct {
	ID           string         `db:"id"`
	WorkItemID   string         `db:"work_item_id"`
	GoalID       string         `db:"goal_id"`
	AgentType    string         `db:"agent_type"`
	Sequence     int            `db:"sequence"`
	Status       string         `db:"status"`
	TokensUsed   int64          `db:"tokens_used"`
	WallSeconds  float64        `db:"wall_seconds"`
	Cost         float64        `db:"cost"`
	Artifacts    string         `db:"artifacts"`
	Log          string         `db:"log"`
	ErrorMessage string         `db:"error_message"`
	CreatedAt    time.Time      `db:"created_at"`
	CompletedAt  sql.NullTime   `db:"completed_at"`
}

func (r *runRow) toRun() (*v1.Run, error) {
	var artifacts []v1.Artifact
	if r.Artifacts != "" {
		if err := json.Unmarshal([]byte(r.Artifacts), &artifacts); err != nil {
			return nil, err
		}
	}
	run := &v1.Run{
		ID:           r.ID,
		WorkItemID:   r.WorkItemID,
		GoalID:       r.GoalID,
		AgentType:    r.AgentType,
		Sequence:     r.Sequence,
		Status:       v1.RunStatus(r.Status),
		TokensUsed:   r.TokensUsed,
		WallSeconds:  r.WallSeconds,
		Cost:         r.Cost,
		Artifacts:    artifacts,
		Log:          r.Log,
		ErrorMessage: r.ErrorMessage,
		CreatedAt:    r.CreatedAt,
	}
	if r.CompletedAt.Valid {
		run.CompletedAt = &r.CompletedAt.Time
	}
	return run, nil
}

func (s *SQLiteStore) CreateRun(ctx context.Context, run *v1.Run) error {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	run.CreatedAt = time.Now().UTC()
	if run.Status == "" {
		run.Status = v1.RunRunning
	}
	artifacts, _ := json.Marshal(run.Artifacts)

	_, err := s.pool.Writer().ExecContext(ctx, `
		INSERT INTO runs (id, work_item_id, goal_id, agent_type, sequence, status,
			tokens_used, wall_seconds, cost, artifacts, log, error_message, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, run.ID, run.WorkItemID, run.GoalID, run.AgentType, run.Sequence, run.Status,
		run.TokensUsed, run.WallSeconds, run.Cost, string(artifacts), run.Log, run.ErrorMessage, run.CreatedAt)
	if err != nil {
		return apperrors.PersistenceFault(err)
	}
	return nil
}

func (s *SQLiteStore) CompleteRun(ctx context.Context, runID string, result v1.RunResult) error {
	artifacts, _ := json.Marshal(result.Artifacts)
	res, err := s.pool.Writer().ExecContext(ctx, `
		UPDATE runs SET status = ?, tokens_used = ?, wall_seconds = ?, cost = ?,
			artifacts = ?, log = ?, error_message = ?, completed_at = ?
		WHERE id = ?
	`, result.Status, result.TokensUsed, result.WallSeconds, result.Cost,
		string(artifacts), result.Log, result.ErrorMessage, time.Now().UTC(), runID)
	if err != nil {
		return apperrors.PersistenceFault(err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return apperrors.NotFound("run", runID)
	}
	return nil
}

func (s *SQLiteStore) ListRunsByWorkItem(ctx context.Context, workItemID string) ([]*v1.Run, error) {
	var rows []runRow
	if err := s.pool.Reader().SelectContext(ctx, &rows, `
		SELECT * FROM runs WHERE work_item_id = ? ORDER BY sequence ASC
	`, workItemID); err != nil {
		return nil, apperrors.PersistenceFault(err)
	}
	runs := make([]*v1.Run, 0, len(rows))
	for i := range rows {
		run, err := rows[i].toRun()
		if err != nil {
			return nil, apperrors.PersistenceFault(err)
		}
		runs = append(runs, run)
	}
	return runs, nil
}

func (s *SQLiteStore) NextRunSequence(ctx context.Context, workItemID string) (int, error) {
	var max sql.NullInt64
	err := s.pool.Writer().GetContext(ctx, &max, `SELECT MAX(sequence) FROM runs WHERE work_item_id = ?`, workItemID)
	if err != nil {
		return 0, apperrors.PersistenceFault(err)
	}
	if !max.Valid {
		return 1, nil
	}
	return int(max.Int64) + 1, nil
}

// cronJobRow mirrors the cron_jobs table for sqlx scanning.
type cronJobRow struct {
	AgentID            string         `db:"agent_id"`
	Enabled            bool           `db:"enabled"`
	ScheduleKind       string         `db:"schedule_kind"`
	ScheduleEveryMs    int64          `db:"schedule_every_ms"`
	ScheduleExpression string         `db:"schedule_expression"`
	ScheduleTimezone   string         `db:"schedule_timezone"`
	DefinitionHash     string         `db:"definition_hash"`
	LastRunAt          sql.NullTime   `db:"last_run_at"`
	NextRunAt          time.Time      `db:"next_run_at"`
	InFlightRunKey     string         `db:"in_flight_run_key"`
	InFlightGoalID     string         `db:"in_flight_goal_id"`
	InFlightStartedAt  sql.NullTime   `db:"in_flight_started_at"`
	ClaimedBy          string         `db:"claimed_by"`
	ClaimExpiresAt     sql.NullTime   `db:"claim_expires_at"`
	CreatedAt          time.Time      `db:"created_at"`
	UpdatedAt          time.Time      `db:"updated_at"`
}

func (r *cronJobRow) toCronJob() *v1.CronJob {
	job := &v1.CronJob{
		AgentID: r.AgentID,
		Enabled: r.Enabled,
		Schedule: v1.Schedule{
			Kind:       v1.ScheduleKind(r.ScheduleKind),
			EveryMs:    r.ScheduleEveryMs,
			Expression: r.ScheduleExpression,
			Timezone:   r.ScheduleTimezone,
		},
		DefinitionHash: r.DefinitionHash,
		NextRunAt:      r.NextRunAt,
		Lease: v1.Lease{
			InFlightRunKey: r.InFlightRunKey,
			InFlightGoalID: r.InFlightGoalID,
			ClaimedBy:      r.ClaimedBy,
		},
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
	if r.LastRunAt.Valid {
		job.LastRunAt = &r.LastRunAt.Time
	}
	if r.InFlightStartedAt.Valid {
		job.Lease.InFlightStartedAt = &r.InFlightStartedAt.Time
	}
	if r.ClaimExpiresAt.Valid {
		job.Lease.ClaimExpiresAt = &r.ClaimExpiresAt.Time
	}
	return job
}

// UpsertCronJob replaces the schedule and definition hash for the agent;
// next_run_at only resets when the definition hash changed.
func (s *SQLiteStore) UpsertCronJob(ctx context.Context, job *v1.CronJob) error {
	now := time.Now().UTC()

	var existingHash string
	err := s.pool.Writer().GetContext(ctx, &existingHash, `SELECT definition_hash FROM cron_jobs WHERE agent_id = ?`, job.AgentID)
	switch err {
	case sql.ErrNoRows:
		job.CreatedAt = now
		job.UpdatedAt = now
		_, err = s.pool.Writer().ExecContext(ctx, `
			INSERT INTO cron_jobs (agent_id, enabled, schedule_kind, schedule_every_ms, schedule_expression,
				schedule_timezone, definition_hash, next_run_at, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, job.AgentID, job.Enabled, job.Schedule.Kind, job.Schedule.EveryMs, job.Schedule.Expression,
			job.Schedule.Timezone, job.DefinitionHash, job.NextRunAt, job.CreatedAt, job.UpdatedAt)
		if err != nil {
			return apperrors.PersistenceFault(err)
		}
		return nil
	case nil:
		nextRunAt := job.NextRunAt
		if existingHash == job.DefinitionHash {
			// Schedule unchanged: keep the existing next_run_at untouched.
			if err := s.pool.Writer().GetContext(ctx, &nextRunAt, `SELECT next_run_at FROM cron_jobs WHERE agent_id = ?`, job.AgentID); err != nil {
				return apperrors.PersistenceFault(err)
			}
		}
		_, err = s.pool.Writer().ExecContext(ctx, `
			UPDATE cron_jobs SET enabled = ?, schedule_kind = ?, schedule_every_ms = ?, schedule_expression = ?,
				schedule_timezone = ?, definition_hash = ?, next_run_at = ?, updated_at = ?
			WHERE agent_id = ?
		`, job.Enabled, job.Schedule.Kind, job.Schedule.EveryMs, job.Schedule.Expression,
			job.Schedule.Timezone, job.DefinitionHash, nextRunAt, now, job.AgentID)
		if err != nil {
			return apperrors.PersistenceFault(err)
		}
		return nil
	default:
		return apperrors.PersistenceFault(err)
	}
}

func (s *SQLiteStore) GetCronJob(ctx context.Context, agentID string) (*v1.CronJob, error) {
	var row cronJobRow
	err := s.pool.Reader().GetContext(ctx, &row, `SELECT * FROM cron_jobs WHERE agent_id = ?`, agentID)
	if err == sql.ErrNoRows {
		return nil, apperrors.NotFound("cron job", agentID)
	}
	if err != nil {
		return nil, apperrors.PersistenceFault(err)
	}
	return row.toCronJob(), nil
}

func (s *SQLiteStore) ListCronJobs(ctx context.Context) ([]*v1.CronJob, error) {
	var rows []cronJobRow
	if err := s.pool.Reader().SelectContext(ctx, &rows, `SELECT * FROM cron_jobs ORDER BY agent_id ASC`); err != nil {
		return nil, apperrors.PersistenceFault(err)
	}
	jobs := make([]*v1.CronJob, 0, len(rows))
	for i := range rows {
		jobs = append(jobs, rows[i].toCronJob())
	}
	return jobs, nil
}

// ClaimDueCronJobs selects every due, unclaimed cron job and atomically
// stamps the claim columns in the same transaction, so two callers can
// never both believe they claimed the same job.
func (s *SQLiteStore) ClaimDueCronJobs(ctx context.Context, now time.Time, claimedBy string, expiresAt time.Time) ([]*v1.CronJob, error) {
	tx, err := s.pool.Writer().BeginTxx(ctx, nil)
	if err != nil {
		return nil, apperrors.PersistenceFault(err)
	}
	defer tx.Rollback()

	var rows []cronJobRow
	err = tx.SelectContext(ctx, &rows, `
		SELECT * FROM cron_jobs
		WHERE enabled = 1 AND next_run_at <= ?
		  AND (claim_expires_at IS NULL OR claim_expires_at < ?)
		ORDER BY next_run_at ASC
	`, now, now)
	if err != nil {
		return nil, apperrors.PersistenceFault(err)
	}
	if len(rows) == 0 {
		return nil, tx.Commit()
	}

	var claimed []*v1.CronJob
	for i := range rows {
		res, err := tx.ExecContext(ctx, `
			UPDATE cron_jobs SET claimed_by = ?, claim_expires_at = ?, updated_at = ?
			WHERE agent_id = ? AND (claim_expires_at IS NULL OR claim_expires_at < ?)
		`, claimedBy, expiresAt, now, rows[i].AgentID, now)
		if err != nil {
			return nil, apperrors.PersistenceFault(err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			continue
		}
		job := rows[i].toCronJob()
		job.Lease.ClaimedBy = claimedBy
		job.Lease.ClaimExpiresAt = &expiresAt
		claimed = append(claimed, job)
	}

	if err := tx.Commit(); err != nil {
		return nil, apperrors.PersistenceFault(err)
	}
	return claimed, nil
}

func (s *SQLiteStore) ReleaseCronJobLease(ctx context.Context, agentID string, nextRunAt time.Time, lastRunAt time.Time) error {
	res, err := s.pool.Writer().ExecContext(ctx, `
		UPDATE cron_jobs SET claimed_by = '', claim_expires_at = NULL,
			in_flight_run_key = '', in_flight_goal_id = '', in_flight_started_at = NULL,
			next_run_at = ?, last_run_at = ?, updated_at = ?
		WHERE agent_id = ?
	`, nextRunAt, lastRunAt, time.Now().UTC(), agentID)
	if err != nil {
		return apperrors.PersistenceFault(err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return apperrors.NotFound("cron job", agentID)
	}
	return nil
}

func (s *SQLiteStore) SetCronJobDispatched(ctx context.Context, agentID, runKey, goalID string, startedAt, nextRunAt, lastRunAt time.Time) error {
	res, err := s.pool.Writer().ExecContext(ctx, `
		UPDATE cron_jobs SET claimed_by = '', claim_expires_at = NULL,
			in_flight_run_key = ?, in_flight_goal_id = ?, in_flight_started_at = ?,
			next_run_at = ?, last_run_at = ?, updated_at = ?
		WHERE agent_id = ?
	`, runKey, goalID, startedAt, nextRunAt, lastRunAt, time.Now().UTC(), agentID)
	if err != nil {
		return apperrors.PersistenceFault(err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return apperrors.NotFound("cron job", agentID)
	}
	return nil
}

func (s *SQLiteStore) InsertCronJobRun(ctx context.Context, run *v1.CronJobRun) (*v1.CronJobRun, error) {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	run.CreatedAt = time.Now().UTC()
	if run.Status == "" {
		run.Status = v1.CronJobRunPending
	}

	_, err := s.pool.Writer().ExecContext(ctx, `
		INSERT INTO cron_job_runs (id, agent_id, run_key, goal_id, scheduled_for, coalesced_count, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (agent_id, run_key) DO NOTHING
	`, run.ID, run.AgentID, run.RunKey, run.GoalID, run.ScheduledFor, run.CoalescedCount, run.Status, run.CreatedAt)
	if err != nil {
		return nil, apperrors.PersistenceFault(err)
	}

	var existing cronJobRunRow
	if err := s.pool.Writer().GetContext(ctx, &existing, `
		SELECT * FROM cron_job_runs WHERE agent_id = ? AND run_key = ?
	`, run.AgentID, run.RunKey); err != nil {
		return nil, apperrors.PersistenceFault(err)
	}
	return existing.toCronJobRun(), nil
}

type cronJobRunRow struct {
	ID             string    `db:"id"`
	AgentID        string    `db:"agent_id"`
	RunKey         string    `db:"run_key"`
	GoalID         string    `db:"goal_id"`
	ScheduledFor   time.Time `db:"scheduled_for"`
	CoalescedCount int       `db:"coalesced_count"`
	Status         string    `db:"status"`
	CreatedAt      time.Time `db:"created_at"`
}

func (r *cronJobRunRow) toCronJobRun() *v1.CronJobRun {
	return &v1.CronJobRun{
		ID:             r.ID,
		AgentID:        r.AgentID,
		RunKey:         r.RunKey,
		GoalID:         r.GoalID,
		ScheduledFor:   r.ScheduledFor,
		CoalescedCount: r.CoalescedCount,
		Status:         v1.CronJobRunStatus(r.Status),
		CreatedAt:      r.CreatedAt,
	}
}

func (s *SQLiteStore) UpdateCronJobRunStatus(ctx context.Context, id string, status v1.CronJobRunStatus, goalID string) error {
	res, err := s.pool.Writer().ExecContext(ctx, `
		UPDATE cron_job_runs SET status = ?, goal_id = ? WHERE id = ?
	`, status, goalID, id)
	if err != nil {
		return apperrors.PersistenceFault(err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return apperrors.NotFound("cron job run", id)
	}
	return nil
}

func (s *SQLiteStore) ListCronJobRuns(ctx context.Context, agentID string, limit int) ([]*v1.CronJobRun, error) {
	query := `SELECT * FROM cron_job_runs WHERE agent_id = ? ORDER BY created_at DESC`
	if limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, limit)
	}
	var rows []cronJobRunRow
	if err := s.pool.Reader().SelectContext(ctx, &rows, query, agentID); err != nil {
		return nil, apperrors.PersistenceFault(err)
	}
	runs := make([]*v1.CronJobRun, 0, len(rows))
	for i := range rows {
		runs = append(runs, rows[i].toCronJobRun())
	}
	return runs, nil
}

// auditRow mirrors the audit_entries table for sqlx scanning.
type auditRow struct {
	ID         int64     `db:"id"`
	ActorID    string    `db:"actor_id"`
	ActorType  string    `db:"actor_type"`
	Action     string    `db:"action"`
	EntityType string    `db:"entity_type"`
	EntityID   string    `db:"entity_id"`
	GoalID     string    `db:"goal_id"`
	WorkItemID string    `db:"work_item_id"`
	RunID      string    `db:"run_id"`
	SessionID  string    `db:"session_id"`
	Before     string    `db:"before_state"`
	After      string    `db:"after_state"`
	Metadata   string    `db:"metadata"`
	CreatedAt  time.Time `db:"created_at"`
}

func (r *auditRow) toAuditEntry() (*v1.AuditEntry, error) {
	entry := &v1.AuditEntry{
		ID:         r.ID,
		ActorID:    r.ActorID,
		ActorType:  v1.ActorType(r.ActorType),
		Action:     r.Action,
		EntityType: r.EntityType,
		EntityID:   r.EntityID,
		GoalID:     r.GoalID,
		WorkItemID: r.WorkItemID,
		RunID:      r.RunID,
		SessionID:  r.SessionID,
		CreatedAt:  r.CreatedAt,
	}
	if r.Before != "" {
		if err := json.Unmarshal([]byte(r.Before), &entry.Before); err != nil {
			return nil, err
		}
	}
	if r.After != "" {
		if err := json.Unmarshal([]byte(r.After), &entry.After); err != nil {
			return nil, err
		}
	}
	if r.Metadata != "" {
		if err := json.Unmarshal([]byte(r.Metadata), &entry.Metadata); err != nil {
			return nil, err
		}
	}
	return entry, nil
}

func (s *SQLiteStore) AppendAuditEntry(ctx context.Context, entry *v1.AuditEntry) error {
	entry.CreatedAt = time.Now().UTC()
	before, _ := json.Marshal(entry.Before)
	after, _ := json.Marshal(entry.After)
	metadata, _ := json.Marshal(entry.Metadata)

	res, err := s.pool.Writer().ExecContext(ctx, `
		INSERT INTO audit_entries (actor_id, actor_type, action, entity_type, entity_id,
			goal_id, work_item_id, run_id, session_id, before_state, after_state, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, entry.ActorID, entry.ActorType, entry.Action, entry.EntityType, entry.EntityID,
		entry.GoalID, entry.WorkItemID, entry.RunID, entry.SessionID,
		string(before), string(after), string(metadata), entry.CreatedAt)
	if err != nil {
		return apperrors.PersistenceFault(err)
	}
	id, err := res.LastInsertId()
	if err == nil {
		entry.ID = id
	}
	return nil
}

func (s *SQLiteStore) ListAuditEntries(ctx context.Context, filter AuditFilter, limit, offset int) ([]*v1.AuditEntry, int, error) {
	where := ""
	args := []interface{}{}
	addClause := func(col, val string) {
		if val == "" {
			return
		}
		if where == "" {
			where = " WHERE "
		} else {
			where += " AND "
		}
		where += col + " = ?"
		args = append(args, val)
	}
	addClause("goal_id", filter.GoalID)
	addClause("work_item_id", filter.WorkItemID)
	addClause("entity_type", filter.EntityType)

	query := `SELECT * FROM audit_entries` + where + ` ORDER BY created_at DESC`
	if limit > 0 {
		query += fmt.Sprintf(` LIMIT %d OFFSET %d`, limit, offset)
	}

	var rows []auditRow
	if err := s.pool.Reader().SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, 0, apperrors.PersistenceFault(err)
	}

	var total int
	if err := s.pool.Reader().GetContext(ctx, &total, `SELECT COUNT(*) FROM audit_entries`+where, args...); err != nil {
		return nil, 0, apperrors.PersistenceFault(err)
	}

	entries := make([]*v1.AuditEntry, 0, len(rows))
	for i := range rows {
		e, err := rows[i].toAuditEntry()
		if err != nil {
			return nil, 0, apperrors.PersistenceFault(err)
		}
		entries = append(entries, e)
	}
	return entries, total, nil
}

func (s *SQLiteStore) PruneAuditEntries(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.pool.Writer().ExecContext(ctx, `DELETE FROM audit_entries WHERE created_at < ?`, olderThan)
	if err != nil {
		return 0, apperrors.PersistenceFault(err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *SQLiteStore) PruneTerminalGoals(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.pool.Writer().ExecContext(ctx, `
		DELETE FROM goals WHERE status IN ('completed', 'failed', 'cancelled') AND updated_at < ?
	`, olderThan)
	if err != nil {
		return 0, apperrors.PersistenceFault(err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
