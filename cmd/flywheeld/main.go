// Command flywheeld runs the Flywheel execution-core worker: the
// event-trigger worker, the checkpoint expiry sweep, the capability
// registry refresh loop, and a Prometheus metrics endpoint.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/GoCodeAlone/flywheel/capability"
	"github.com/GoCodeAlone/flywheel/checkpoint"
	"github.com/GoCodeAlone/flywheel/config"
	"github.com/GoCodeAlone/flywheel/events"
	"github.com/GoCodeAlone/flywheel/executor"
	"github.com/GoCodeAlone/flywheel/internal/version"
	"github.com/GoCodeAlone/flywheel/lock"
	"github.com/GoCodeAlone/flywheel/preference"
	"github.com/GoCodeAlone/flywheel/task"
	"github.com/GoCodeAlone/flywheel/trigger"
)

var configPath = flag.String("config", "flywheel.yaml", "path to config file")

const (
	registryRefreshInterval = time.Minute
	checkpointSweepInterval = time.Minute
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			log.Fatalf("Failed to load config %s: %v", *configPath, err)
		}
		cfg = config.DefaultConfig()
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel(cfg.LogLevel),
	}))
	logger.Info("starting flywheeld",
		"version", version.Version,
		"commit", version.Commit,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.Postgres.DSN)
	if err != nil {
		log.Fatalf("Failed to connect to postgres: %v", err)
	}
	defer pool.Close()

	tasks := task.NewPostgresStore(pool)
	if err := tasks.EnsureSchema(ctx); err != nil {
		log.Fatalf("Failed to prepare task schema: %v", err)
	}

	capStore, err := capability.NewSQLiteStore(cfg.SQLite.CapabilityPath)
	if err != nil {
		log.Fatalf("Failed to open capability store: %v", err)
	}
	defer capStore.Close()

	registry := capability.NewRegistry(capStore)
	if err := registry.Refresh(ctx); err != nil {
		log.Fatalf("Failed to load capability registry: %v", err)
	}

	triggerReg, err := trigger.NewSQLiteRegistry(cfg.SQLite.TriggerPath)
	if err != nil {
		log.Fatalf("Failed to open trigger registry: %v", err)
	}
	defer triggerReg.Close()

	cpStore, err := checkpoint.NewSQLiteStore(cfg.SQLite.CheckpointPath)
	if err != nil {
		log.Fatalf("Failed to open checkpoint store: %v", err)
	}
	defer cpStore.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer func() { _ = rdb.Close() }()

	publisher := events.NewRedisPublisher(rdb, cfg.Worker.Prefix, logger)
	notifier := events.NewNotifier(publisher)
	learner := preference.NewLearner(preference.NewRedisStore(rdb), logger)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())

	tracker := executor.NewTracker(capStore, 0, logger)
	defer tracker.Stop()
	exec := executor.New(executor.Options{
		Registry: registry,
		Tracker:  tracker,
		Metrics:  executor.NewMetrics(reg),
		Logger:   logger,
	})

	manager := checkpoint.NewManager(checkpoint.ManagerOptions{
		Store:     cpStore,
		Tasks:     tasks,
		Learner:   learner,
		Notifier:  notifier,
		Threshold: cfg.Checkpoint.AutoApproveThreshold,
		Timeout:   cfg.Checkpoint.TimeoutMinutes,
		Logger:    logger,
	})

	worker := trigger.NewWorker(trigger.WorkerOptions{
		ID:       cfg.Worker.ID,
		Bus:      trigger.NewRedisBus(rdb),
		Source:   trigger.NewRedisSource(rdb, cfg.Worker.Prefix, cfg.Worker.EventTTL()),
		Locker:   lock.NewRedisLocker(rdb),
		Registry: triggerReg,
		Engine: &taskEngine{
			tasks:    tasks,
			exec:     exec,
			manager:  manager,
			notifier: notifier,
			logger:   logger,
		},
		Notifier: notifier,
		Prefix:   cfg.Worker.Prefix,
		LockTTL:  cfg.Worker.LockTTL(),
		Metrics:  trigger.NewMetrics(reg),
		Logger:   logger,
	})

	if cfg.Metrics.Addr != "" {
		go serveMetrics(cfg.Metrics.Addr, reg, logger)
	}
	go refreshLoop(ctx, registry, logger)
	go sweepLoop(ctx, manager, logger)

	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker stopped", "error", err)
	}
	logger.Info("shutdown complete")
}

// taskEngine is the in-process callback engine: execute_task moves the
// matched task into execution and dispatches its ready steps; other
// actions are logged notifications. Step readiness is marked by the
// external scheduler; this engine only consumes it.
type taskEngine struct {
	tasks    task.Store
	exec     *executor.Executor
	manager  *checkpoint.Manager
	notifier *events.Notifier
	logger   *slog.Logger
}

func (e *taskEngine) Execute(ctx context.Context, cb *trigger.Callback) error {
	switch cb.Action {
	case trigger.ActionExecuteTask:
		t, err := e.tasks.TransitionStatus(ctx, cb.TaskID, task.StatusExecuting, nil)
		if err != nil {
			return err
		}
		if err := e.notifier.TaskStarted(ctx, cb.TaskID, map[string]any{
			"trigger_event": cb.Event.ID,
		}); err != nil {
			e.logger.Warn("publish task started failed", "task_id", cb.TaskID, "error", err)
		}
		e.runReadySteps(ctx, t)
		return nil
	default:
		e.logger.Info("source callback", "action", cb.Action, "event_id", cb.Event.ID)
		return nil
	}
}

func (e *taskEngine) runReadySteps(ctx context.Context, t *task.Task) {
	for i := range t.Steps {
		step := &t.Steps[i]
		if step.Status != task.StepReady {
			continue
		}
		if _, err := e.tasks.UpdateStep(ctx, t.ID, step.ID, stepStatus(task.StepRunning)); err != nil {
			e.logger.Error("mark step running failed", "task_id", t.ID, "step_id", step.ID, "error", err)
			continue
		}

		res := e.exec.ExecuteStep(ctx, t, step)
		switch res.Status {
		case executor.StatusCheckpoint:
			e.openCheckpoint(ctx, t, step, res)
		case executor.StatusError:
			upd := stepStatus(task.StepFailed)
			upd.Error = &res.Error
			if _, err := e.tasks.UpdateStep(ctx, t.ID, step.ID, upd); err != nil {
				e.logger.Error("record step failure failed", "task_id", t.ID, "step_id", step.ID, "error", err)
			}
			_ = e.notifier.StepFailed(ctx, t.ID, step.ID, res.Error)
		default:
			upd := stepStatus(task.StepDone)
			upd.Output = res.Output
			if _, err := e.tasks.UpdateStep(ctx, t.ID, step.ID, upd); err != nil {
				e.logger.Error("record step result failed", "task_id", t.ID, "step_id", step.ID, "error", err)
			}
			_ = e.notifier.StepCompleted(ctx, t.ID, step.ID, res.Output)
		}
	}
}

func (e *taskEngine) openCheckpoint(ctx context.Context, t *task.Task, step *task.Step, res *executor.ExecutionResult) {
	name, _ := res.Metadata["checkpoint_name"].(string)
	if name == "" {
		name = step.Name
	}
	cpCtx := map[string]any{
		"agent_type":      step.AgentType,
		"checkpoint_name": name,
	}
	for k, v := range res.Metadata {
		if _, taken := cpCtx[k]; !taken {
			cpCtx[k] = v
		}
	}
	cp, auto, err := e.manager.Create(ctx, &checkpoint.Checkpoint{
		TaskID:  t.ID,
		StepID:  step.ID,
		UserID:  t.UserID,
		Name:    name,
		Context: cpCtx,
	})
	if err != nil {
		e.logger.Error("open checkpoint failed", "task_id", t.ID, "step_id", step.ID, "error", err)
		return
	}
	if auto {
		if _, err := e.tasks.UpdateStep(ctx, t.ID, step.ID, stepStatus(task.StepDone)); err != nil {
			e.logger.Error("complete auto-approved step failed", "task_id", t.ID, "step_id", step.ID, "error", err)
		}
		return
	}
	e.logger.Info("checkpoint awaiting decision", "checkpoint_id", cp.ID, "task_id", t.ID, "step_id", step.ID)
}

func stepStatus(s task.StepStatus) *task.StepUpdates {
	return &task.StepUpdates{Status: &s}
}

func refreshLoop(ctx context.Context, registry *capability.Registry, logger *slog.Logger) {
	ticker := time.NewTicker(registryRefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := registry.Refresh(ctx); err != nil {
				logger.Warn("capability registry refresh failed", "error", err)
			}
		}
	}
}

func sweepLoop(ctx context.Context, manager *checkpoint.Manager, logger *slog.Logger) {
	ticker := time.NewTicker(checkpointSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := manager.ExpireStale(ctx)
			if err != nil {
				logger.Warn("checkpoint expiry sweep failed", "error", err)
				continue
			}
			if n > 0 {
				logger.Info("expired stale checkpoints", "count", n)
			}
		}
	}
}

func serveMetrics(addr string, reg *prometheus.Registry, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	logger.Info("metrics listening", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("metrics server stopped", "error", err)
	}
}

func logLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
