package v1

import "time"

// EventType enumerates every Scheduler Event the core emits.
type EventType string

const (
	EventGoalStarted            EventType = "goal_started"
	EventGoalCompleted          EventType = "goal_completed"
	EventGoalFailed             EventType = "goal_failed"
	EventGoalCancelled          EventType = "goal_cancelled"
	EventWorkItemStarted        EventType = "work_item_started"
	EventWorkItemCompleted      EventType = "work_item_completed"
	EventWorkItemFailed         EventType = "work_item_failed"
	EventRunStarted             EventType = "run_started"
	EventRunCompleted           EventType = "run_completed"
	EventVerificationStarted    EventType = "verification_started"
	EventVerificationCompleted  EventType = "verification_completed"
	EventEscalationCreated      EventType = "escalation_created"
	EventBudgetWarning          EventType = "budget_warning"
	EventBudgetExceeded         EventType = "budget_exceeded"
)

// SchedulerEvent is emitted for every state transition the Scheduler drives.
type SchedulerEvent struct {
	Type       EventType              `json:"type"`
	Timestamp  time.Time              `json:"timestamp"`
	GoalID     string                 `json:"goal_id"`
	WorkItemID string                 `json:"work_item_id,omitempty"`
	RunID      string                 `json:"run_id,omitempty"`
	Data       map[string]interface{} `json:"data,omitempty"`
}
