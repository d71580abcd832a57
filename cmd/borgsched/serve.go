package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/borgsched/borgsched/internal/config"
	"github.com/borgsched/borgsched/internal/models"
	"github.com/borgsched/borgsched/internal/services/borg"
	"github.com/borgsched/borgsched/internal/services/connection"
	"github.com/borgsched/borgsched/internal/services/history"
	"github.com/borgsched/borgsched/internal/services/jobs"
	"github.com/borgsched/borgsched/internal/services/retention"
	"github.com/borgsched/borgsched/internal/services/runner"
	"github.com/borgsched/borgsched/internal/services/scheduler"
	"github.com/borgsched/borgsched/internal/services/supervisor"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the backup scheduler daemon",
	Long: `Run the scheduler daemon:
1. Reconcile runs interrupted by the previous shutdown
2. Sync repositories and jobs from the config file
3. Dispatch every enabled job on its cron schedule until stopped`,
	RunE: runServe,
}

// app bundles the wired service graph.
type app struct {
	store   history.Store
	runner  runner.Service
	sched   *scheduler.Impl
	jobsSvc jobs.Service
}

// buildApp wires the full service graph from the parsed configuration.
func buildApp(cfg *models.ServerConfig) (*app, error) {
	store, err := history.Open(log.Logger, cfg.DatabasePath)
	if err != nil {
		return nil, err
	}

	borgSvc := borg.New(log.Logger, cfg.BorgBinary)
	connSvc := connection.New(log.Logger, borgSvc, cfg.ConnectionTimeout)
	superSvc := supervisor.New(log.Logger)
	retentionSvc := retention.New(log.Logger, borgSvc)
	locks := supervisor.NewLockRegistry()

	runnerSvc := runner.New(log.Logger, store, connSvc, superSvc, retentionSvc,
		locks, cfg.BorgBinary, cfg.Hostname)

	schedSvc := scheduler.New(log.Logger, store, runnerSvc.Dispatch, cfg.TickInterval)
	jobsSvc := jobs.New(log.Logger, store, schedSvc)

	return &app{store: store, runner: runnerSvc, sched: schedSvc, jobsSvc: jobsSvc}, nil
}

func loadConfig() (*models.ServerConfig, error) {
	if configFile == "" {
		return nil, fmt.Errorf("config file is required")
	}

	parser := config.NewParser()
	cfg, err := parser.LoadFile(configFile)
	if err != nil {
		return nil, err
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		log.Error().Err(err).Msg("failed to load config")
		return err
	}

	log.Info().
		Str("config", configFile).
		Str("database", cfg.DatabasePath).
		Int("repositories", len(cfg.Repositories)).
		Int("jobs", len(cfg.Jobs)).
		Msg("configuration loaded")

	application, err := buildApp(cfg)
	if err != nil {
		log.Error().Err(err).Msg("failed to initialize services")
		return err
	}

	// Any run still marked running belongs to a dead process.
	reclaimed, err := application.store.ReconcileInterrupted()
	if err != nil {
		log.Error().Err(err).Msg("failed to reconcile interrupted runs")
		return err
	}
	if reclaimed > 0 {
		log.Warn().Int64("runs", reclaimed).Msg("marked stale runs as interrupted")
	}

	if err := application.jobsSvc.SyncConfig(*cfg); err != nil {
		log.Error().Err(err).Msg("failed to sync configured jobs")
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		log.Warn().Str("signal", sig.String()).Msg("received signal, shutting down")
		cancel()
	}()

	application.sched.Start(ctx)
	return nil
}
