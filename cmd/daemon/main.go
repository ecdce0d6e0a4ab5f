// Command daemon is the execution daemon half of the Scheduling & Execution
// Core's two-process model: it holds the host's single PID lock, runs the
// Scheduler tick loop and the Agent Scheduler's cron loop, executes Work
// Items through an ExecutionService, and serves the cross-process IPC
// socket the control plane dials for submit_goal/cancel_goal and scheduler
// event fan-out.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/ponybunny-ai/taskforge/internal/audit"
	"github.com/ponybunny-ai/taskforge/internal/common/config"
	"github.com/ponybunny-ai/taskforge/internal/common/logger"
	"github.com/ponybunny-ai/taskforge/internal/cron"
	"github.com/ponybunny-ai/taskforge/internal/events"
	"github.com/ponybunny-ai/taskforge/internal/execservice"
	"github.com/ponybunny-ai/taskforge/internal/ipc"
	"github.com/ponybunny-ai/taskforge/internal/persistence"
	"github.com/ponybunny-ai/taskforge/internal/scheduler"
	"github.com/ponybunny-ai/taskforge/internal/workitem"
	v1 "github.com/ponybunny-ai/taskforge/pkg/api/v1"
)

func main() {
	// 1. Load configuration.
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger.
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("starting taskforge execution daemon")

	// 3. Acquire the PID lock; refuse to start if another daemon is alive.
	lock := ipc.NewPIDLock(cfg.IPC.PIDLockPath)
	if err := lock.Acquire(); err != nil {
		log.Error("failed to acquire daemon pid lock", zap.Error(err))
		os.Exit(1)
	}
	defer lock.Release()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Open the Persistence store.
	store, err := persistence.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		log.Error("failed to open persistence store", zap.Error(err))
		os.Exit(1)
	}
	defer store.Close()
	log.Info("opened persistence store", zap.String("path", cfg.Database.Path))

	// 5. Connect the event bus: NATS if configured, in-memory otherwise.
	bus, err := newEventBus(cfg, log)
	if err != nil {
		log.Error("failed to initialize event bus", zap.Error(err))
		os.Exit(1)
	}
	defer bus.Close()

	// 6. Build the Work Item Manager, ExecutionService, audit service, and
	// Scheduler. This process keeps its own audit.Service instance over the
	// shared store, independent of the control plane's.
	wiMgr := workitem.NewManager(store, log)
	execSvc := executionService(cfg, log)
	auditSvc := audit.New(store, log)
	auditSvc.Start()
	defer auditSvc.Stop()
	sched := scheduler.New(store, wiMgr, execSvc, bus, auditSvc, cfg.Scheduler, log)

	if err := sched.Start(ctx); err != nil {
		log.Error("failed to start scheduler", zap.Error(err))
		os.Exit(1)
	}
	log.Info("scheduler tick loop started", zap.Duration("tick_interval", cfg.Scheduler.TickInterval()))

	// 7. Build the Agent Scheduler (cron), handing it the Scheduler's
	// SubmitGoal as its goal-admission callback.
	registry := cron.NewRegistry()
	cronSched := cron.New(store, registry, sched.SubmitGoal, cfg.Cron, log)
	if err := cronSched.Start(ctx); err != nil {
		log.Error("failed to start agent scheduler", zap.Error(err))
		os.Exit(1)
	}
	log.Info("agent scheduler started", zap.Duration("tick_interval", cfg.Cron.TickInterval()))

	// 8. Start the IPC server: the control plane's submit_goal/cancel_goal
	// commands arrive here; scheduler events are broadcast back out.
	ipcSrv := ipc.NewServer(cfg.IPC.SocketPath, commandHandler(sched), log)
	if err := ipcSrv.Start(); err != nil {
		log.Error("failed to start ipc server", zap.Error(err))
		os.Exit(1)
	}
	defer ipcSrv.Stop()
	log.Info("ipc server listening", zap.String("socket", cfg.IPC.SocketPath))

	unsub, err := bus.Subscribe("scheduler.>", func(evtCtx context.Context, env *events.Envelope) error {
		data, err := ipc.EncodeData(env.Payload)
		if err != nil {
			return err
		}
		ipcSrv.Broadcast(&v1.Frame{Type: v1.FrameSchedulerEvent, Data: data})
		return nil
	})
	if err != nil {
		log.Error("failed to subscribe ipc broadcast to scheduler events", zap.Error(err))
		os.Exit(1)
	}
	defer unsub.Unsubscribe()

	// 9. Wait for a shutdown signal.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down execution daemon")
	cancel()

	cronSched.Stop()
	sched.Stop()

	log.Info("execution daemon stopped")
}

// newEventBus selects NATS when a URL is configured, otherwise the
// in-memory bus suited to a single-host default deployment.
func newEventBus(cfg *config.Config, log *logger.Logger) (events.Bus, error) {
	if cfg.NATS.URL == "" {
		return events.NewMemoryBus(log), nil
	}
	return events.NewNATSBus(cfg.NATS, log)
}

func executionService(cfg *config.Config, log *logger.Logger) execservice.ExecutionService {
	if cfg.Docker.Enabled {
		svc, err := execservice.NewDockerExecutionService(cfg.Docker, log)
		if err != nil {
			log.Warn("docker execution service unavailable, falling back to stub", zap.Error(err))
			return execservice.NewStubExecutionService(log)
		}
		return svc
	}
	return execservice.NewStubExecutionService(log)
}

// commandHandler routes inbound scheduler_command frames (submit_goal,
// cancel_goal) to the Scheduler.
func commandHandler(sched *scheduler.Scheduler) ipc.CommandHandler {
	return func(ctx context.Context, req v1.CommandRequest) v1.CommandResult {
		switch req.Command {
		case "submit_goal":
			var p v1.SubmitGoalParams
			if err := ipc.DecodeData(req.Params, &p); err != nil {
				return v1.CommandResult{Success: false, Message: "invalid submit_goal params: " + err.Error()}
			}
			if err := sched.SubmitGoal(ctx, p.GoalID); err != nil {
				return v1.CommandResult{Success: false, Message: err.Error()}
			}
			return v1.CommandResult{Success: true}

		case "cancel_goal":
			var p v1.CancelGoalParams
			if err := ipc.DecodeData(req.Params, &p); err != nil {
				return v1.CommandResult{Success: false, Message: "invalid cancel_goal params: " + err.Error()}
			}
			if err := sched.CancelGoal(ctx, p.GoalID, p.Reason); err != nil {
				return v1.CommandResult{Success: false, Message: err.Error()}
			}
			return v1.CommandResult{Success: true}

		default:
			return v1.CommandResult{Success: false, Message: fmt.Sprintf("unknown command %q", req.Command)}
		}
	}
}
