package cron

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	v1 "github.com/ponybunny-ai/taskforge/pkg/api/v1"
)

// GoalBuilder constructs the initial Goal and Work Item for one firing of
// an Agent Definition. Kind-tagged builders are dispatched by Registry,
// generalized from Docker launch configs to Goal/WorkItem construction.
type GoalBuilder func(def v1.AgentDefinition, scheduledFor time.Time) (*v1.Goal, *v1.WorkItem)

// Registry holds the in-process set of Agent Definitions the Agent
// Scheduler dispatches, plus the kind-tagged builders that turn a firing
// into a Goal. A new Registry holds no definitions; Register adds them
// (the agent.register admin RPC calls it on the registry it was built with).
type Registry struct {
	mu       sync.RWMutex
	defs     map[string]v1.AgentDefinition
	builders map[string]GoalBuilder
}

// NewRegistry creates an empty Registry with the built-in kind builders
// registered.
func NewRegistry() *Registry {
	r := &Registry{
		defs:     make(map[string]v1.AgentDefinition),
		builders: make(map[string]GoalBuilder),
	}
	r.RegisterBuilder("market_listener", buildMarketListenerGoal)
	r.RegisterBuilder("react_goal", buildReactGoal)
	return r
}

// RegisterBuilder installs (or replaces) the GoalBuilder for kind.
func (r *Registry) RegisterBuilder(kind string, builder GoalBuilder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.builders[kind] = builder
}

// Register adds or updates an Agent Definition.
func (r *Registry) Register(def v1.AgentDefinition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defs[def.AgentID] = def
}

// Get returns the Agent Definition for agentID.
func (r *Registry) Get(agentID string) (v1.AgentDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[agentID]
	return def, ok
}

// List returns every registered Agent Definition.
func (r *Registry) List() []v1.AgentDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]v1.AgentDefinition, 0, len(r.defs))
	for _, def := range r.defs {
		out = append(out, def)
	}
	return out
}

// Build dispatches to the builder registered for def.Kind.
func (r *Registry) Build(def v1.AgentDefinition, scheduledFor time.Time) (*v1.Goal, *v1.WorkItem, error) {
	r.mu.RLock()
	builder, ok := r.builders[def.Kind]
	r.mu.RUnlock()
	if !ok {
		return nil, nil, fmt.Errorf("cron: no goal builder registered for agent kind %q", def.Kind)
	}
	goal, item := builder(def, scheduledFor)
	return goal, item, nil
}

// DefinitionHash returns a stable hash of an Agent Definition's config, used
// to detect schedule/definition changes so UpsertCronJob knows whether to
// reset next_run_at.
func DefinitionHash(def v1.AgentDefinition) string {
	// Every field of the definition is hashed.
	canonical := def
	data, _ := json.Marshal(canonical)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func newScheduledGoal(def v1.AgentDefinition, scheduledFor time.Time, title, workItemType string) (*v1.Goal, *v1.WorkItem) {
	goal := &v1.Goal{
		ID:          uuid.New().String(),
		Title:       title,
		Description: fmt.Sprintf("scheduled firing of agent %q at %s", def.AgentID, scheduledFor.UTC().Format(time.RFC3339)),
		Priority:    0,
		Budget:      def.InitialBudget,
		Status:      v1.GoalStatusQueued,
		CreatedBy:   "scheduler.cron",
	}
	item := &v1.WorkItem{
		ID:         uuid.New().String(),
		GoalID:     goal.ID,
		Title:      title,
		Type:       workItemType,
		Priority:   0,
		MaxRetries: 1,
		Status:     v1.WorkItemQueued,
		Hints: &v1.RunnerHints{
			ModelHint:     def.ModelHint,
			ToolAllowList: def.ToolAllowList,
		},
		LaneOrigin: v1.LaneOriginCron,
		Context: map[string]interface{}{
			"agent_id":      def.AgentID,
			"agent_kind":    def.Kind,
			"scheduled_for": scheduledFor.UTC(),
			"source":        "scheduler.cron",
		},
	}
	return goal, item
}

// buildMarketListenerGoal seeds a single-Work-Item Goal for a market-data
// polling agent: one analysis pass per firing, no verification plan (the
// agent's own output determines whether a follow-up Goal is warranted).
func buildMarketListenerGoal(def v1.AgentDefinition, scheduledFor time.Time) (*v1.Goal, *v1.WorkItem) {
	return newScheduledGoal(def, scheduledFor, fmt.Sprintf("%s: market scan", def.AgentID), "analysis")
}

// buildReactGoal seeds a single-Work-Item Goal for a ReAct-style agent
// that reasons and acts within one firing.
func buildReactGoal(def v1.AgentDefinition, scheduledFor time.Time) (*v1.Goal, *v1.WorkItem) {
	return newScheduledGoal(def, scheduledFor, fmt.Sprintf("%s: scheduled run", def.AgentID), "code")
}
