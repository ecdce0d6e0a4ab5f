package v1

import "time"

// ActorType identifies who or what performed an audited action.
type ActorType string

const (
	ActorUser   ActorType = "user"
	ActorSystem ActorType = "system"
	ActorDaemon ActorType = "daemon"
	ActorAgent  ActorType = "agent"
)

// AuditEntry is an append-only record of a state-changing action. Never
// mutated after insertion.
type AuditEntry struct {
	ID         int64                  `json:"id"`
	ActorID    string                 `json:"actor_id"`
	ActorType  ActorType              `json:"actor_type"`
	Action     string                 `json:"action"`
	EntityType string                 `json:"entity_type"`
	EntityID   string                 `json:"entity_id"`
	GoalID     string                 `json:"goal_id,omitempty"`
	WorkItemID string                 `json:"work_item_id,omitempty"`
	RunID      string                 `json:"run_id,omitempty"`
	SessionID  string                 `json:"session_id,omitempty"`
	Before     map[string]interface{} `json:"before,omitempty"`
	After      map[string]interface{} `json:"after,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt  time.Time              `json:"created_at"`
}

// AuditListPage is a page of Audit Entries returned by audit.list.
type AuditListPage struct {
	Entries    []*AuditEntry `json:"entries"`
	NextOffset int           `json:"next_offset,omitempty"`
	Total      int           `json:"total"`
}
