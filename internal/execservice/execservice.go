// Package execservice is the Scheduler's collaborator for actually running
// a Work Item: the narrow boundary between the scheduling core and
// whatever launches and supervises the agent doing the work.
package execservice

import (
	"context"

	v1 "github.com/ponybunny-ai/taskforge/pkg/api/v1"
)

// ExecutionService dispatches one Work Item and reports how it went. The
// Scheduler never inspects the agent process directly; it only ever sees
// a RunResult.
type ExecutionService interface {
	Execute(ctx context.Context, item *v1.WorkItem) (v1.RunResult, error)
}
