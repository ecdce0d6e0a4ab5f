package v1

import "time"

// RunStatus is the lifecycle status of one Work Item execution attempt.
type RunStatus string

const (
	RunRunning  RunStatus = "running"
	RunSuccess  RunStatus = "success"
	RunFailed   RunStatus = "failed"
	RunAborted  RunStatus = "aborted"
)

// IsTerminal reports whether the Run has finished (successfully or not).
func (s RunStatus) IsTerminal() bool {
	return s == RunSuccess || s == RunFailed || s == RunAborted
}

// Artifact is one output produced by a Run (a file, a diff, a link — opaque
// beyond the fields the core reads).
type Artifact struct {
	Name string `json:"name"`
	Kind string `json:"kind,omitempty"`
	URI  string `json:"uri,omitempty"`
}

// Run is one execution attempt of a Work Item.
type Run struct {
	ID          string     `json:"id"`
	WorkItemID  string     `json:"work_item_id"`
	GoalID      string     `json:"goal_id"`
	AgentType   string     `json:"agent_type"`
	Sequence    int        `json:"sequence"`
	Status      RunStatus  `json:"status"`
	TokensUsed  int64      `json:"tokens_used"`
	WallSeconds float64    `json:"wall_seconds"`
	Cost        float64    `json:"cost"`
	Artifacts   []Artifact `json:"artifacts,omitempty"`
	Log         string     `json:"log,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// RunResult is what an ExecutionService returns for one dispatched Work
// Item. It is translated into a completed Run plus a Work Item transition
// by the Scheduler.
type RunResult struct {
	Status       RunStatus  `json:"status"`
	TokensUsed   int64      `json:"tokens_used"`
	WallSeconds  float64    `json:"wall_seconds"`
	Cost         float64    `json:"cost"`
	Artifacts    []Artifact `json:"artifacts,omitempty"`
	Log          string     `json:"log,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
}
