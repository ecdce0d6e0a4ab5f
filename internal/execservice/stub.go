package execservice

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ponybunny-ai/taskforge/internal/common/logger"
	v1 "github.com/ponybunny-ai/taskforge/pkg/api/v1"
)

// StubExecutionService is an in-memory ExecutionService for tests and
// single-binary demos that never actually launches a container.
type StubExecutionService struct {
	logger *logger.Logger
	// Outcome, when set, overrides the default successful result for every
	// call. Tests mutate this to exercise retry and failure paths.
	Outcome func(item *v1.WorkItem) (v1.RunResult, error)
	// Delay simulates execution wall time before returning.
	Delay time.Duration
}

// NewStubExecutionService returns a stub that succeeds immediately unless
// Outcome is set.
func NewStubExecutionService(log *logger.Logger) *StubExecutionService {
	if log == nil {
		log = logger.Default()
	}
	return &StubExecutionService{logger: log}
}

// Execute returns Outcome's result if set, else an immediate success.
func (s *StubExecutionService) Execute(ctx context.Context, item *v1.WorkItem) (v1.RunResult, error) {
	if s.Delay > 0 {
		select {
		case <-time.After(s.Delay):
		case <-ctx.Done():
			return v1.RunResult{}, ctx.Err()
		}
	}

	if s.Outcome != nil {
		return s.Outcome(item)
	}

	s.logger.Debug("stub execution succeeded", zap.String("work_item_id", item.ID))
	return v1.RunResult{Status: v1.RunSuccess, WallSeconds: 0.001}, nil
}
