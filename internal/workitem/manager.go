// Package workitem is the single authority on the Work Item state machine
// and dependency semantics: legal transitions, ready selection, DAG
// validation at goal admission, and goal completion checks.
package workitem

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/ponybunny-ai/taskforge/internal/common/errors"
	"github.com/ponybunny-ai/taskforge/internal/common/logger"
	"github.com/ponybunny-ai/taskforge/internal/persistence"
	v1 "github.com/ponybunny-ai/taskforge/pkg/api/v1"
)

// historyCap bounds the in-memory transition history kept per work item.
const historyCap = 50

// Manager owns work item transitions and dependency graph validation on
// top of the Persistence Contract.
type Manager struct {
	store  persistence.Store
	logger *logger.Logger

	mu      sync.Mutex
	history map[string][]v1.TransitionEntry
}

// NewManager builds a Manager over store.
func NewManager(store persistence.Store, log *logger.Logger) *Manager {
	if log == nil {
		log = logger.Default()
	}
	return &Manager{
		store:   store,
		logger:  log,
		history: make(map[string][]v1.TransitionEntry),
	}
}

// Transition moves a work item from its current status to `to`, enforcing
// the state machine, and records a bounded transition-history entry.
func (m *Manager) Transition(ctx context.Context, workItemID string, to v1.WorkItemStatus, reason string) error {
	item, err := m.store.GetWorkItem(ctx, workItemID)
	if err != nil {
		return err
	}

	if !item.Status.CanTransition(to) {
		return apperrors.InvalidTransition("work_item", string(item.Status), string(to))
	}

	if err := m.store.UpdateWorkItemStatus(ctx, workItemID, to, reason); err != nil {
		return err
	}

	m.recordTransition(workItemID, item.Status, to, reason)
	m.logger.Debug("work item transitioned",
		zap.String("work_item_id", workItemID),
		zap.String("from", string(item.Status)),
		zap.String("to", string(to)),
	)
	return nil
}

// History returns the bounded in-memory transition history for a work
// item, oldest first. It is process-local and reset on restart.
func (m *Manager) History(workItemID string) []v1.TransitionEntry {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries := m.history[workItemID]
	out := make([]v1.TransitionEntry, len(entries))
	copy(out, entries)
	return out
}

func (m *Manager) recordTransition(workItemID string, from, to v1.WorkItemStatus, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry := v1.TransitionEntry{From: from, To: to, Timestamp: time.Now().UTC(), Reason: reason}
	entries := append(m.history[workItemID], entry)
	if len(entries) > historyCap {
		entries = entries[len(entries)-historyCap:]
	}
	m.history[workItemID] = entries
}

// ReadySelection loads the work items of a goal, promotes every queued
// item whose dependencies are all done, and returns the resulting ready
// set sorted by priority descending, created-at ascending, id ascending.
func (m *Manager) ReadySelection(ctx context.Context, goalID string) ([]*v1.WorkItem, error) {
	if _, err := m.store.PromoteReadyWorkItems(ctx, goalID); err != nil {
		return nil, err
	}

	items, err := m.store.ListWorkItemsByGoal(ctx, goalID)
	if err != nil {
		return nil, err
	}

	ready := make([]*v1.WorkItem, 0, len(items))
	for _, item := range items {
		if item.Status == v1.WorkItemReady {
			ready = append(ready, item)
		}
	}
	sortReady(ready)
	return ready, nil
}

// ReadyAcrossGoals lists every ready work item across all goals, in the
// same deterministic order ReadySelection uses. It does not promote;
// callers that also need promotion should drive ReadySelection per goal
// first.
func (m *Manager) ReadyAcrossGoals(ctx context.Context) ([]*v1.WorkItem, error) {
	return m.store.ListReadyWorkItems(ctx)
}

func sortReady(items []*v1.WorkItem) {
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Priority != items[j].Priority {
			return items[i].Priority > items[j].Priority
		}
		if !items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].CreatedAt.Before(items[j].CreatedAt)
		}
		return items[i].ID < items[j].ID
	})
}

// IsGoalComplete reports whether every work item of a goal is done.
func (m *Manager) IsGoalComplete(ctx context.Context, goalID string) (bool, error) {
	items, err := m.store.ListWorkItemsByGoal(ctx, goalID)
	if err != nil {
		return false, err
	}
	if len(items) == 0 {
		return false, nil
	}
	for _, item := range items {
		if item.Status != v1.WorkItemDone {
			return false, nil
		}
	}
	return true, nil
}

// ValidateGoalDAG validates the dependency graph of every work item of a
// goal: every dependency id must resolve within the goal, and the graph
// (edge from dependency to dependent) must be acyclic. It returns a
// DependencyViolation AppError naming the offending vertex sequence on
// failure.
func (m *Manager) ValidateGoalDAG(ctx context.Context, goalID string) error {
	items, err := m.store.ListWorkItemsByGoal(ctx, goalID)
	if err != nil {
		return err
	}
	return ValidateDAG(items)
}

// color marks a vertex's DFS visitation state for cycle detection.
type color int

const (
	white color = iota // unvisited
	gray               // on the current DFS stack
	black              // fully explored
)

// ValidateDAG checks a set of work items for missing dependency
// references and cycles via a depth-first traversal with gray/black
// coloring; a back edge to a gray vertex is a cycle, reported with its
// vertex sequence.
func ValidateDAG(items []*v1.WorkItem) error {
	byID := make(map[string]*v1.WorkItem, len(items))
	for _, item := range items {
		byID[item.ID] = item
	}

	for _, item := range items {
		for _, dep := range item.Dependencies {
			if _, ok := byID[dep]; !ok {
				return apperrors.DependencyViolation(fmt.Sprintf(
					"work item %s depends on unknown work item %s", item.ID, dep))
			}
		}
	}

	colors := make(map[string]color, len(items))
	var stack []string

	var visit func(id string) error
	visit = func(id string) error {
		colors[id] = gray
		stack = append(stack, id)

		item := byID[id]
		for _, dep := range item.Dependencies {
			switch colors[dep] {
			case white:
				if err := visit(dep); err != nil {
					return err
				}
			case gray:
				cycle := cycleSequence(stack, dep)
				return apperrors.DependencyViolation(fmt.Sprintf(
					"Cycle detected in cyclic work item dependency chain: %v", cycle))
			case black:
				// already fully explored via another path, no cycle through it
			}
		}

		stack = stack[:len(stack)-1]
		colors[id] = black
		return nil
	}

	for _, item := range items {
		if colors[item.ID] == white {
			if err := visit(item.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

// cycleSequence extracts the cycle's vertex sequence from the DFS stack,
// starting at the vertex the back edge closes on.
func cycleSequence(stack []string, closesOn string) []string {
	for i, id := range stack {
		if id == closesOn {
			cycle := make([]string, len(stack[i:]))
			copy(cycle, stack[i:])
			return append(cycle, closesOn)
		}
	}
	return append(append([]string{}, stack...), closesOn)
}
