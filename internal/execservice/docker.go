package execservice

import (
	"context"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/ponybunny-ai/taskforge/internal/agent/docker"
	"github.com/ponybunny-ai/taskforge/internal/common/config"
	"github.com/ponybunny-ai/taskforge/internal/common/logger"
	v1 "github.com/ponybunny-ai/taskforge/pkg/api/v1"
)

// DockerExecutionService dispatches a Work Item by running the agent type
// named by its Type field as a one-shot container, narrowed to the one call
// the Scheduler needs: run it, wait for it, report what happened.
type DockerExecutionService struct {
	client *docker.Client
	logger *logger.Logger
	cfg    config.DockerConfig
}

// NewDockerExecutionService wraps a Docker client as an ExecutionService.
func NewDockerExecutionService(cfg config.DockerConfig, log *logger.Logger) (*DockerExecutionService, error) {
	client, err := docker.NewClient(cfg, log)
	if err != nil {
		return nil, fmt.Errorf("execservice: docker client: %w", err)
	}
	return &DockerExecutionService{client: client, logger: log, cfg: cfg}, nil
}

// Execute runs item's agent type as a container, waits for it to exit, and
// translates the container's outcome into a RunResult. Container stdout and
// stderr (capped) become the Run's log.
func (s *DockerExecutionService) Execute(ctx context.Context, item *v1.WorkItem) (v1.RunResult, error) {
	start := time.Now()

	agentType := item.Type
	if agentType == "" {
		agentType = "default"
	}

	containerCfg := docker.ContainerConfig{
		Name:        fmt.Sprintf("taskforge-workitem-%s", item.ID),
		Image:       agentType,
		Env:         []string{fmt.Sprintf("TASKFORGE_WORK_ITEM_ID=%s", item.ID), fmt.Sprintf("TASKFORGE_GOAL_ID=%s", item.GoalID)},
		Labels:      map[string]string{"taskforge.work_item_id": item.ID, "taskforge.goal_id": item.GoalID},
		AutoRemove:  false,
		NetworkMode: "bridge",
	}

	containerID, err := s.client.CreateContainer(ctx, containerCfg)
	if err != nil {
		return v1.RunResult{}, fmt.Errorf("create container: %w", err)
	}
	defer func() {
		_ = s.client.RemoveContainer(context.Background(), containerID, true)
	}()

	if err := s.client.StartContainer(ctx, containerID); err != nil {
		return v1.RunResult{}, fmt.Errorf("start container: %w", err)
	}

	exitCode, waitErr := s.client.WaitContainer(ctx, containerID)
	logText := s.collectLogs(ctx, containerID)
	wall := time.Since(start).Seconds()

	if waitErr != nil {
		return v1.RunResult{
			Status:       v1.RunFailed,
			WallSeconds:  wall,
			Log:          logText,
			ErrorMessage: waitErr.Error(),
		}, nil
	}

	if exitCode != 0 {
		return v1.RunResult{
			Status:       v1.RunFailed,
			WallSeconds:  wall,
			Log:          logText,
			ErrorMessage: fmt.Sprintf("container exited with code %d", exitCode),
		}, nil
	}

	return v1.RunResult{
		Status:      v1.RunSuccess,
		WallSeconds: wall,
		Log:         logText,
	}, nil
}

const maxCollectedLogBytes = 64 * 1024

func (s *DockerExecutionService) collectLogs(ctx context.Context, containerID string) string {
	reader, err := s.client.GetContainerLogs(ctx, containerID, false, "all")
	if err != nil {
		s.logger.Warn("failed to collect container logs", zap.String("container_id", containerID), zap.Error(err))
		return ""
	}
	defer reader.Close()

	buf := make([]byte, maxCollectedLogBytes)
	n, _ := io.ReadFull(reader, buf)
	return string(buf[:n])
}

// Close releases the underlying Docker client.
func (s *DockerExecutionService) Close() error {
	return s.client.Close()
}
