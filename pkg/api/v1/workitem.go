package v1

import "time"

// WorkItemStatus is a node's position in the Work Item state machine.
type WorkItemStatus string

const (
	WorkItemQueued     WorkItemStatus = "queued"
	WorkItemReady      WorkItemStatus = "ready"
	WorkItemInProgress WorkItemStatus = "in_progress"
	WorkItemVerify     WorkItemStatus = "verify"
	WorkItemDone       WorkItemStatus = "done"
	WorkItemFailed     WorkItemStatus = "failed"
	WorkItemBlocked    WorkItemStatus = "blocked"
)

// VerificationStatus tracks progress of a Work Item's verification plan.
type VerificationStatus string

const (
	VerificationNotStarted VerificationStatus = "not_started"
	VerificationInProgress VerificationStatus = "in_progress"
	VerificationPassed     VerificationStatus = "passed"
	VerificationFailed     VerificationStatus = "failed"
)

// workItemTransitions enumerates every legal state-machine move. All others
// fail with an invalid-transition error.
var workItemTransitions = map[WorkItemStatus]map[WorkItemStatus]bool{
	WorkItemQueued: {
		WorkItemReady:   true,
		WorkItemBlocked: true,
		WorkItemFailed:  true,
	},
	WorkItemReady: {
		WorkItemInProgress: true,
		WorkItemBlocked:    true,
		WorkItemFailed:     true,
	},
	WorkItemInProgress: {
		WorkItemVerify: true,
		WorkItemDone:   true,
		WorkItemFailed: true,
		WorkItemBlocked: true,
	},
	WorkItemVerify: {
		WorkItemDone:       true,
		WorkItemFailed:     true,
		WorkItemInProgress: true,
	},
	WorkItemFailed: {
		WorkItemQueued: true,
		WorkItemReady:  true,
	},
	WorkItemBlocked: {
		WorkItemQueued: true,
		WorkItemReady:  true,
		WorkItemFailed: true,
	},
}

// CanTransition reports whether moving from this status to `to` is a legal
// Work Item state-machine move.
func (s WorkItemStatus) CanTransition(to WorkItemStatus) bool {
	return workItemTransitions[s][to]
}

// IsTerminal reports whether the status never transitions again (barring an
// explicit retry policy, which is itself a transition out of `failed`).
func (s WorkItemStatus) IsTerminal() bool {
	return s == WorkItemDone
}

// GateKind tags a quality gate as checked mechanically (a command) or by an
// LLM review pass (a prompt).
type GateKind string

const (
	GateDeterministic GateKind = "deterministic"
	GateReview        GateKind = "review"
)

// QualityGate is one check a Work Item's verification plan runs before it
// may be marked done.
type QualityGate struct {
	Name    string   `json:"name"`
	Kind    GateKind `json:"kind"`
	Command string   `json:"command,omitempty"`
	Prompt  string   `json:"prompt,omitempty"`
}

// VerificationPlan is the declared set of quality gates a Work Item must
// pass to be marked done.
type VerificationPlan struct {
	Gates []QualityGate `json:"gates"`
}

// RunnerHints carries agent-provided model/tool-policy hints for a Work
// Item; opaque to the core beyond the fields it reads.
type RunnerHints struct {
	ModelHint      string   `json:"model_hint,omitempty"`
	ToolAllowList  []string `json:"tool_allow_list,omitempty"`
}

// LaneOrigin tags why a Work Item belongs to a particular scheduling lane.
type LaneOrigin string

const (
	LaneOriginCron    LaneOrigin = "cron"
	LaneOriginSubagent LaneOrigin = "subagent"
	LaneOriginSession LaneOrigin = "session"
	LaneOriginMain    LaneOrigin = "main"
)

// TransitionEntry is one recorded move in a Work Item's in-memory,
// bounded transition history.
type TransitionEntry struct {
	From      WorkItemStatus `json:"from"`
	To        WorkItemStatus `json:"to"`
	Timestamp time.Time      `json:"timestamp"`
	Reason    string         `json:"reason,omitempty"`
}

// WorkItem is one executable unit within a Goal.
type WorkItem struct {
	ID                 string                 `json:"id"`
	GoalID             string                 `json:"goal_id"`
	Title              string                 `json:"title"`
	Description        string                 `json:"description"`
	Type               string                 `json:"type"`
	Priority           int                    `json:"priority"`
	Dependencies       []string               `json:"dependencies,omitempty"`
	VerificationPlan   *VerificationPlan      `json:"verification_plan,omitempty"`
	RetryCount         int                    `json:"retry_count"`
	MaxRetries         int                    `json:"max_retries"`
	Status             WorkItemStatus         `json:"status"`
	VerificationStatus VerificationStatus     `json:"verification_status"`
	Context            map[string]interface{} `json:"context,omitempty"`
	Hints              *RunnerHints           `json:"hints,omitempty"`
	LaneOrigin         LaneOrigin             `json:"lane_origin,omitempty"`
	ParentWorkItemID   string                 `json:"parent_work_item_id,omitempty"`
	SessionID          string                 `json:"session_id,omitempty"`
	CreatedAt          time.Time              `json:"created_at"`
	UpdatedAt          time.Time              `json:"updated_at"`
}

// Lane returns the scheduling lane this Work Item belongs to, per
// cron if it originated from the Agent Scheduler,
// subagent if it is a child of another Work Item, session if tied to a
// user chat session, main otherwise.
func (w *WorkItem) Lane() LaneOrigin {
	switch {
	case w.LaneOrigin == LaneOriginCron:
		return LaneOriginCron
	case w.ParentWorkItemID != "":
		return LaneOriginSubagent
	case w.SessionID != "":
		return LaneOriginSession
	default:
		return LaneOriginMain
	}
}

// CreateWorkItemRequest describes one Work Item to create alongside or
// within a Goal.
type CreateWorkItemRequest struct {
	Title            string                 `json:"title" binding:"required"`
	Description      string                 `json:"description"`
	Type             string                 `json:"type,omitempty"`
	Priority         int                    `json:"priority"`
	Dependencies     []string               `json:"dependencies,omitempty"`
	VerificationPlan *VerificationPlan      `json:"verification_plan,omitempty"`
	MaxRetries       int                    `json:"max_retries"`
	Context          map[string]interface{} `json:"context,omitempty"`
	Hints            *RunnerHints           `json:"hints,omitempty"`
	LaneOrigin       LaneOrigin             `json:"lane_origin,omitempty"`
	ParentWorkItemID string                 `json:"parent_work_item_id,omitempty"`
	SessionID        string                 `json:"session_id,omitempty"`
}
