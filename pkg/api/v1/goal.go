package v1

import "time"

// GoalStatus represents the lifecycle status of a Goal.
type GoalStatus string

const (
	GoalStatusQueued    GoalStatus = "queued"
	GoalStatusActive    GoalStatus = "active"
	GoalStatusCompleted GoalStatus = "completed"
	GoalStatusFailed    GoalStatus = "failed"
	GoalStatusCancelled GoalStatus = "cancelled"
)

// terminalGoalStatuses never revert once reached.
var terminalGoalStatuses = map[GoalStatus]bool{
	GoalStatusCompleted: true,
	GoalStatusFailed:    true,
	GoalStatusCancelled: true,
}

// IsTerminal reports whether a Goal in this status can never transition again.
func (s GoalStatus) IsTerminal() bool {
	return terminalGoalStatuses[s]
}

// CriterionKind tags a success criterion as checked mechanically or by an
// LLM review pass.
type CriterionKind string

const (
	CriterionDeterministic CriterionKind = "deterministic"
	CriterionReview        CriterionKind = "review"
)

// SuccessCriterion is one entry of a Goal's ordered success-criteria list.
type SuccessCriterion struct {
	Description string        `json:"description"`
	Kind        CriterionKind `json:"kind"`
	Required    bool          `json:"required"`
}

// Budget bounds what a Goal may spend before the scheduler forces it to a
// terminal status.
type Budget struct {
	Tokens        int64   `json:"tokens"`
	WallTimeMins  int64   `json:"wall_time_minutes"`
	Cost          float64 `json:"cost"`
}

// SpentCounters track cumulative consumption against a Goal's Budget.
// Monotonically non-decreasing for the lifetime of the Goal.
type SpentCounters struct {
	Tokens       int64   `json:"tokens"`
	WallTimeMins int64   `json:"wall_time_minutes"`
	Cost         float64 `json:"cost"`
}

// Exceeds reports whether s has consumed at least as much as b allows in any
// one dimension. A zero-valued field in b is treated as unbounded.
func (s SpentCounters) Exceeds(b Budget) bool {
	if b.Tokens > 0 && s.Tokens >= b.Tokens {
		return true
	}
	if b.WallTimeMins > 0 && s.WallTimeMins >= b.WallTimeMins {
		return true
	}
	if b.Cost > 0 && s.Cost >= b.Cost {
		return true
	}
	return false
}

// Goal is a user-submitted objective decomposed into a dependency DAG of
// Work Items.
type Goal struct {
	ID                string             `json:"id"`
	Title             string             `json:"title"`
	Description       string             `json:"description"`
	SuccessCriteria   []SuccessCriterion `json:"success_criteria,omitempty"`
	Priority          int                `json:"priority"`
	Budget            Budget             `json:"budget"`
	Spent             SpentCounters      `json:"spent"`
	Status            GoalStatus         `json:"status"`
	FailureReason     string             `json:"failure_reason,omitempty"`
	CreatedBy         string             `json:"created_by,omitempty"`
	CreatedAt         time.Time          `json:"created_at"`
	UpdatedAt         time.Time          `json:"updated_at"`
}

// CreateGoalRequest submits a new Goal and its initial Work Items.
type CreateGoalRequest struct {
	Title           string                 `json:"title" binding:"required,max=500"`
	Description     string                 `json:"description"`
	SuccessCriteria []SuccessCriterion     `json:"success_criteria,omitempty"`
	Priority        int                    `json:"priority" binding:"min=0,max=10"`
	Budget          Budget                 `json:"budget"`
	CreatedBy       string                 `json:"created_by,omitempty"`
	WorkItems       []CreateWorkItemRequest `json:"work_items"`
}

// CancelGoalRequest cancels a non-terminal Goal.
type CancelGoalRequest struct {
	GoalID string `json:"goal_id" binding:"required"`
	Reason string `json:"reason,omitempty"`
}

// GoalListPage is a page of Goals returned by goal.list.
type GoalListPage struct {
	Goals      []*Goal `json:"goals"`
	NextOffset int     `json:"next_offset,omitempty"`
	Total      int     `json:"total"`
}
