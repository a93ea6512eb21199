package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/harborwatch/harborwatch/internal/batch"
	"github.com/harborwatch/harborwatch/internal/config"
	"github.com/harborwatch/harborwatch/internal/events"
	"github.com/harborwatch/harborwatch/internal/gateway"
	"github.com/harborwatch/harborwatch/internal/intent"
	"github.com/harborwatch/harborwatch/internal/jobs"
	"github.com/harborwatch/harborwatch/internal/metrics"
	"github.com/harborwatch/harborwatch/internal/scheduler"
	"github.com/harborwatch/harborwatch/internal/store"
	"github.com/harborwatch/harborwatch/internal/store/sqlite"
)

// engine bundles the assembled components and their lifecycle.
type engine struct {
	db      *sql.DB
	manager *batch.Manager
	gateway *gateway.Gateway
}

func (e *engine) Start(ctx context.Context) error {
	if err := e.manager.Start(ctx); err != nil {
		return err
	}
	if err := e.gateway.Start(ctx); err != nil {
		_ = e.manager.Stop(ctx)
		return err
	}
	return nil
}

func (e *engine) Stop(ctx context.Context, logger *slog.Logger) {
	if err := e.gateway.Stop(ctx); err != nil {
		logger.Error("app: gateway stop", "error", err)
	}
	if err := e.manager.Stop(ctx); err != nil {
		logger.Error("app: engine stop", "error", err)
	}
}

func (e *engine) Close(logger *slog.Logger) {
	if err := e.db.Close(); err != nil {
		logger.Error("app: close database", "error", err)
	}
}

// buildEngine opens the store and wires store, bus, metrics, manager,
// scheduler, intent evaluator, job handlers, and the HTTP gateway together.
func buildEngine(ctx context.Context, cfg *config.Config, logger *slog.Logger, collab Collaborators) (*engine, error) {
	st, db, err := sqlite.Open(cfg.Database.Path)
	if err != nil {
		return nil, err
	}

	registry := prometheus.NewRegistry()
	engineMetrics := metrics.NewEngine(registry)
	bus := events.NewBus()

	manager := batch.NewManager(batch.Config{
		Store:   st,
		Bus:     bus,
		Metrics: engineMetrics,
		Logger:  logger,
	})

	if err := registerHandlers(manager, collab, logger); err != nil {
		_ = db.Close()
		return nil, err
	}

	sched := scheduler.New(scheduler.Config{
		PollInterval:    config.DurationOr(cfg.Scheduler.PollInterval, 0),
		FailureCooldown: config.DurationOr(cfg.Scheduler.FailureCooldown, 0),
		Logger:          logger,
	}, st, st, manager, engineMetrics)

	evaluator := intent.NewEvaluator(intent.Config{
		PollInterval: config.DurationOr(cfg.Intents.PollInterval, 0),
		StartupDelay: config.DurationOr(cfg.Intents.StartupDelay, 0),
		Logger:       logger,
	}, st, intentExecutor(collab, logger), bus, engineMetrics)

	manager.Attach(sched, evaluator)

	if err := seedBatchConfigs(ctx, st, manager, cfg.Users, logger); err != nil {
		_ = db.Close()
		return nil, err
	}

	gw := gateway.New(gateway.Config{
		Listen:       cfg.Server.Listen,
		AuthToken:    cfg.Server.AuthToken,
		ReadTimeout:  config.DurationOr(cfg.Server.ReadTimeout, 0),
		WriteTimeout: config.DurationOr(cfg.Server.WriteTimeout, 0),
	}, logger, manager, st, bus, registry)

	return &engine{db: db, manager: manager, gateway: gw}, nil
}

// registerHandlers registers the built-in job handlers. The update check
// needs a container source and a registry client; without them only the
// housekeeping job is available.
func registerHandlers(manager *batch.Manager, collab Collaborators, logger *slog.Logger) error {
	if collab.Source != nil && collab.Registry != nil {
		h := &jobs.UpdateCheckHandler{Source: collab.Source, Registry: collab.Registry}
		if err := manager.RegisterHandler(h); err != nil {
			return err
		}
	} else {
		logger.Warn("app: no container source wired, update checks disabled")
	}

	return manager.RegisterHandler(&jobs.ImagePruneHandler{Pruner: collab.Pruner})
}

// intentExecutor returns the intent execution collaborator: the container
// upgrader when a source is wired, otherwise a stub that fails every intent
// with a clear error.
func intentExecutor(collab Collaborators, logger *slog.Logger) intent.Executor {
	if collab.Source != nil {
		return &jobs.ContainerUpgrader{
			Source:  collab.Source,
			Runtime: collab.Runtime,
			Logger:  logger,
		}
	}
	return unconfiguredExecutor{}
}

// unconfiguredExecutor rejects intent executions on installations without a
// container source.
type unconfiguredExecutor struct{}

func (unconfiguredExecutor) ExecuteIntent(context.Context, store.Intent, intent.Trigger) (intent.ExecResult, error) {
	return intent.ExecResult{}, errors.New("app: no container source configured")
}

// seedBatchConfigs writes one batch_configs row per (user, registered job
// type): the handler's defaults, overridden by the user's config entry.
func seedBatchConfigs(ctx context.Context, configs store.ConfigStore, manager *batch.Manager, users []config.UserConfig, logger *slog.Logger) error {
	for _, user := range users {
		overrides := make(map[string]config.JobConfig, len(user.Jobs))
		for _, job := range user.Jobs {
			overrides[job.Type] = job
		}

		for _, jobType := range manager.JobTypes() {
			h, _ := manager.Handler(jobType)
			defaults := h.DefaultConfig()

			row := store.BatchConfig{
				UserID:          user.ID,
				JobType:         jobType,
				Enabled:         defaults.Enabled,
				IntervalMinutes: defaults.IntervalMinutes,
			}
			if o, ok := overrides[jobType]; ok {
				if o.Enabled != nil {
					row.Enabled = *o.Enabled
				}
				if o.IntervalMinutes > 0 {
					row.IntervalMinutes = o.IntervalMinutes
				}
				delete(overrides, jobType)
			}

			if err := configs.UpsertBatchConfig(ctx, row); err != nil {
				return fmt.Errorf("app: seed config for %s/%s: %w", user.ID, jobType, err)
			}
		}

		for jobType := range overrides {
			logger.Warn("app: config references unregistered job type",
				"user", user.ID, "job", jobType)
		}
	}
	return nil
}
