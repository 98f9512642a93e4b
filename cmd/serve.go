package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/zjrosen/skillforge/internal/infrastructure/sqlite"
	"github.com/zjrosen/skillforge/internal/log"
	"github.com/zjrosen/skillforge/internal/orchestration/engine"
	"github.com/zjrosen/skillforge/internal/orchestration/events"
	"github.com/zjrosen/skillforge/internal/orchestration/lock"
	"github.com/zjrosen/skillforge/internal/orchestration/pool"
	"github.com/zjrosen/skillforge/internal/orchestration/usage"
	"github.com/zjrosen/skillforge/internal/orchestration/workflow"
	"github.com/zjrosen/skillforge/internal/paths"
	"github.com/zjrosen/skillforge/internal/pubsub"
	"github.com/zjrosen/skillforge/internal/server"
	"github.com/zjrosen/skillforge/internal/telemetry"
)

// shutdownTimeout bounds how long serve waits for workers and in-flight
// requests at exit.
const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestration core and its GUI-facing API",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, telemetry.Options{
		Exporter: telemetry.Exporter(cfg.Tracing.Exporter),
		Endpoint: cfg.Tracing.Endpoint,
	})
	if err != nil {
		return fmt.Errorf("setting up tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = shutdownTracing(shutdownCtx)
	}()

	dbPath := cfg.DatabasePath
	if dbPath == "" {
		dbPath = paths.DatabaseFile()
	}
	db, err := sqlite.NewDB(dbPath)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() { _ = db.Close() }()

	tmplDir := cfg.TemplateDir
	if tmplDir == "" {
		tmplDir = paths.TemplateDir()
	}
	registry, err := workflow.NewRegistry(tmplDir)
	if err != nil {
		return fmt.Errorf("loading workflow templates: %w", err)
	}

	broker := pubsub.NewBroker[events.AgentEvent]()
	defer broker.Shutdown()

	workerPool := pool.New(broker, pool.Options{
		IdleTimeout:    cfg.Pool.IdleTimeout,
		ReaperInterval: cfg.Pool.ReaperInterval,
		KillGrace:      cfg.Pool.KillGrace,
	})
	defer workerPool.ShutdownAll(shutdownTimeout)

	locks := lock.NewManager(db.LockRepository(), lock.Options{
		StaleAfter:        cfg.Lock.StaleAfter,
		HeartbeatInterval: cfg.Lock.HeartbeatInterval,
	})
	defer locks.ReleaseAll()

	eng := engine.New(db.RunRepository(), db.ArtifactRepository(), registry, workerPool, broker, engine.Options{
		Guard: locks,
	})
	if err := eng.RecoverInterrupted(); err != nil {
		return fmt.Errorf("recovering interrupted steps: %w", err)
	}

	recorder := usage.NewRecorder(db.UsageRepository(), broker)
	recorder.Start(ctx)

	handler := server.NewHandler(eng, locks, workerPool, broker, db.UsageRepository())
	srv := server.New(cfg.Server.Listen, handler)

	errCh := make(chan error, 1)
	log.SafeGo("http-server", func() { errCh <- srv.Start() })

	select {
	case <-ctx.Done():
		log.Info(log.CatServer, "shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
