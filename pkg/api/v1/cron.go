package v1

import "time"

// ScheduleKind selects how a Cron Job's next fire time is computed.
type ScheduleKind string

const (
	ScheduleInterval ScheduleKind = "interval"
	ScheduleCron     ScheduleKind = "cron"
)

// Schedule is a Cron Job's firing rule: either a fixed interval or a 5-field
// cron expression, both evaluated against a timezone.
type Schedule struct {
	Kind       ScheduleKind `json:"kind"`
	EveryMs    int64        `json:"every_ms,omitempty"`
	Expression string       `json:"expression,omitempty"`
	Timezone   string       `json:"timezone,omitempty"`
}

// Lease is the in-flight claim block on a Cron Job. At most one non-null
// lease may exist per agent id at a time.
type Lease struct {
	InFlightRunKey    string     `json:"in_flight_run_key,omitempty"`
	InFlightGoalID    string     `json:"in_flight_goal_id,omitempty"`
	InFlightStartedAt *time.Time `json:"in_flight_started_at,omitempty"`
	ClaimedBy         string     `json:"claimed_by,omitempty"`
	ClaimExpiresAt    *time.Time `json:"claim_expires_at,omitempty"`
}

// IsClaimed reports whether the lease's claim is currently valid.
func (l Lease) IsClaimed(now time.Time) bool {
	return l.ClaimExpiresAt != nil && now.Before(*l.ClaimExpiresAt)
}

// CronJob is a scheduled agent definition registered in the store.
type CronJob struct {
	AgentID        string    `json:"agent_id"`
	Enabled        bool      `json:"enabled"`
	Schedule       Schedule  `json:"schedule"`
	DefinitionHash string    `json:"definition_hash"`
	LastRunAt      *time.Time `json:"last_run_at,omitempty"`
	NextRunAt      time.Time `json:"next_run_at"`
	Lease          Lease     `json:"lease"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// CronJobRunStatus is the lifecycle status of one materialized firing.
type CronJobRunStatus string

const (
	CronJobRunPending   CronJobRunStatus = "pending"
	CronJobRunSubmitted CronJobRunStatus = "submitted"
	CronJobRunSuccess   CronJobRunStatus = "success"
	CronJobRunFailed    CronJobRunStatus = "failed"
)

// CronJobRun materializes one scheduled firing of a Cron Job.
type CronJobRun struct {
	ID             string           `json:"id"`
	AgentID        string           `json:"agent_id"`
	RunKey         string           `json:"run_key"`
	GoalID         string           `json:"goal_id,omitempty"`
	ScheduledFor   time.Time        `json:"scheduled_for"`
	CoalescedCount int              `json:"coalesced_count"`
	Status         CronJobRunStatus `json:"status"`
	CreatedAt      time.Time        `json:"created_at"`
}

// AgentDefinition is a named, versioned runner configuration the Agent
// Scheduler dispatches on a schedule.
type AgentDefinition struct {
	AgentID       string      `json:"agent_id"`
	Kind          string      `json:"kind"`
	Schedule      Schedule    `json:"schedule"`
	ToolAllowList []string    `json:"tool_allow_list,omitempty"`
	ModelHint     string      `json:"model_hint,omitempty"`
	InitialBudget Budget      `json:"initial_budget"`
	Enabled       bool        `json:"enabled"`
}

// RegisterAgentRequest registers or updates an Agent Definition and its
// backing Cron Job.
type RegisterAgentRequest struct {
	Agent AgentDefinition `json:"agent" binding:"required"`
}
