// Command controlplane is the client-facing half of the Scheduling &
// Execution Core's two-process model: it authenticates RPC clients, records
// audit entries, and dispatches goal/agent/audit commands, forwarding
// scheduler admission (submit_goal/cancel_goal) to the execution daemon
// over the cross-process IPC socket rather than driving the Scheduler
// in-process.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/ponybunny-ai/taskforge/internal/audit"
	"github.com/ponybunny-ai/taskforge/internal/auth"
	"github.com/ponybunny-ai/taskforge/internal/common/config"
	"github.com/ponybunny-ai/taskforge/internal/common/logger"
	"github.com/ponybunny-ai/taskforge/internal/cron"
	"github.com/ponybunny-ai/taskforge/internal/events"
	"github.com/ponybunny-ai/taskforge/internal/ipc"
	orchestratorapi "github.com/ponybunny-ai/taskforge/internal/orchestrator/api"
	"github.com/ponybunny-ai/taskforge/internal/orchestrator/streaming"
	"github.com/ponybunny-ai/taskforge/internal/persistence"
	"github.com/ponybunny-ai/taskforge/internal/rpc"
	v1 "github.com/ponybunny-ai/taskforge/pkg/api/v1"
)

// daemonRedialInterval is how often the control plane retries dialing the
// execution daemon's IPC socket while disconnected.
const daemonRedialInterval = 5 * time.Second

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

	log.Info("starting taskforge control plane")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. Open the Persistence store. The control plane and execution daemon
	// are separate processes sharing the same database file: the daemon
	// owns the schema, the control plane opens it read/write alongside it.
	store, err := persistence.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		log.Error("failed to open persistence store", zap.Error(err))
		os.Exit(1)
	}
	defer store.Close()
	log.Info("opened persistence store", zap.String("path", cfg.Database.Path))

	// 4. Build the auth registry/authenticator and audit service.
	authRegistry := auth.NewRegistry()
	authr := auth.NewAuthenticator(authRegistry, cfg.Auth.ChallengeTTL())

	auditSvc := audit.New(store, log)
	auditSvc.Start()
	defer auditSvc.Stop()

	// 5. Build the bridge to the execution daemon and start dialing it.
	// agentRegistry tracks agent.register/agent.list bookkeeping for this
	// process; the daemon holds the registry that actually drives dispatch.
	agentRegistry := cron.NewRegistry()
	bridge := rpc.NewDaemonBridge(log)
	localBus := events.NewMemoryBus(log)
	go dialDaemonLoop(ctx, cfg, bridge, localBus, log)

	// 6. Build the dispatcher and the client-facing RPC server.
	dispatcher := rpc.New(store, bridge, agentRegistry, auditSvc, log)
	rpcSrv := rpc.NewServer(cfg.IPC.RPCSocketPath, authr, dispatcher, localBus, log)
	if err := rpcSrv.Start(); err != nil {
		log.Error("failed to start rpc server", zap.Error(err))
		os.Exit(1)
	}
	defer rpcSrv.Stop()
	log.Info("rpc server listening", zap.String("socket", cfg.IPC.RPCSocketPath))

	// 7. Start the HTTP fallback server: a WebSocket event stream for
	// callers that can't open the primary IPC/RPC socket (e.g. browser
	// dashboards). It only ever pushes scheduler events; commands still go
	// through the RPC server above.
	hub, err := streaming.NewHub(localBus, log)
	if err != nil {
		log.Error("failed to start event stream hub", zap.Error(err))
		os.Exit(1)
	}
	httpSrv := newHTTPServer(cfg, hub, log)
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("http fallback server failed", zap.Error(err))
		}
	}()
	log.Info("http fallback server listening", zap.String("addr", httpSrv.Addr))

	// 8. Wait for a shutdown signal.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down control plane")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http fallback server shutdown error", zap.Error(err))
	}

	log.Info("control plane stopped")
}

// newHTTPServer builds the gin router backing the event-stream fallback:
// request logging, panic recovery, and CORS middleware wrap a single
// WebSocket upgrade endpoint backed by hub.
func newHTTPServer(cfg *config.Config, hub *streaming.Hub, log *logger.Logger) *http.Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(orchestratorapi.RequestLogger(log), orchestratorapi.Recovery(log), orchestratorapi.CORS())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/v1/events/stream", func(c *gin.Context) {
		client, err := streaming.NewClient(c.Writer, c.Request, hub, log)
		if err != nil {
			log.Warn("event stream upgrade failed", zap.Error(err))
			return
		}
		go client.WritePump()
		client.ReadPump()
	})

	return &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}
}

// dialDaemonLoop keeps the bridge attached to the execution daemon's IPC
// socket, redialing on a fixed interval whenever the connection is absent
// or has dropped. Scheduler event frames relayed through onEvent are
// republished onto localBus, which feeds the RPC server's own
// scheduler.> subscription fan-out to connected clients.
func dialDaemonLoop(ctx context.Context, cfg *config.Config, bridge *rpc.DaemonBridge, localBus events.Bus, log *logger.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		client, err := ipc.Dial(cfg.IPC.SocketPath, cfg.IPC.RequestTimeout(), onDaemonEvent(localBus, log), log)
		if err != nil {
			log.Warn("control plane: daemon not reachable, retrying",
				zap.String("socket", cfg.IPC.SocketPath), zap.Error(err))
			if !sleepOrDone(ctx, daemonRedialInterval) {
				return
			}
			continue
		}

		log.Info("control plane: connected to execution daemon", zap.String("socket", cfg.IPC.SocketPath))
		bridge.Attach(client)

		select {
		case <-client.Done():
			bridge.Detach()
			log.Warn("control plane: lost connection to execution daemon, will retry")
		case <-ctx.Done():
			bridge.Detach()
			client.Close()
			return
		}

		if !sleepOrDone(ctx, daemonRedialInterval) {
			return
		}
	}
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// onDaemonEvent relays a scheduler_event frame from the daemon onto the
// control plane's local bus, from which the RPC server broadcasts it to
// subscribed clients.
func onDaemonEvent(localBus events.Bus, log *logger.Logger) ipc.EventHandler {
	return func(frame *v1.Frame) {
		if frame.Type != v1.FrameSchedulerEvent {
			return
		}
		var env events.Envelope
		if err := ipc.DecodeData(frame.Data, &env); err != nil {
			log.Warn("control plane: failed to decode daemon event frame", zap.Error(err))
			return
		}
		subject := events.SubjectForEvent(env.Payload)
		if err := localBus.Publish(context.Background(), subject, &env); err != nil {
			log.Warn("control plane: failed to republish daemon event", zap.Error(err))
		}
	}
}
