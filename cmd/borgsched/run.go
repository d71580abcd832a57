package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/borgsched/borgsched/internal/models"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var runJobName string

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute a single backup job immediately",
	Long: `Execute one configured job outside its schedule and wait for it
to finish. Progress is reported while borg is running and the exit
code reflects the final run state.`,
	RunE: runOnce,
}

func init() {
	runCmd.Flags().StringVar(&runJobName, "job", "", "Name of the job to run (required)")
	_ = runCmd.MarkFlagRequired("job")
}

func runOnce(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		log.Error().Err(err).Msg("failed to load config")
		return err
	}

	application, err := buildApp(cfg)
	if err != nil {
		log.Error().Err(err).Msg("failed to initialize services")
		return err
	}

	if _, err := application.store.ReconcileInterrupted(); err != nil {
		log.Error().Err(err).Msg("failed to reconcile interrupted runs")
		return err
	}
	if err := application.jobsSvc.SyncConfig(*cfg); err != nil {
		log.Error().Err(err).Msg("failed to sync configured jobs")
		return err
	}

	job, err := application.store.GetJobByName(runJobName)
	if err != nil {
		log.Error().Err(err).Str("job", runJobName).Msg("job not found")
		return err
	}

	run, err := application.runner.RunNow(cmd.Context(), job.ID)
	if err != nil {
		log.Error().Err(err).Str("job", job.Name).Msg("run rejected")
		return err
	}
	log.Info().Str("job", job.Name).Str("run_id", run.ID).Msg("run started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case sig := <-sigChan:
			log.Warn().Str("signal", sig.String()).Msg("cancelling run")
			application.runner.CancelRun(run.ID)
		case <-ticker.C:
			if snap, ok := application.runner.GetProgress(run.ID); ok {
				log.Info().
					Int("files", snap.NFiles).
					Int64("original_bytes", snap.OriginalSize).
					Int64("deduplicated_bytes", snap.DeduplicatedSize).
					Str("path", snap.CurrentPath).
					Msg("backup in progress")
				continue
			}

			final, err := application.store.GetRun(run.ID)
			if err != nil {
				log.Error().Err(err).Msg("failed to read run state")
				return err
			}
			if !final.Status.Terminal() {
				continue
			}
			return reportRun(final.Status, final.ErrorMessage, final.Warning, final.DurationSeconds)
		}
	}
}

func reportRun(status models.RunStatus, errMsg, warning string, duration int) error {
	if warning != "" {
		log.Warn().Str("warning", warning).Msg("run completed with warnings")
	}
	switch status {
	case models.RunSucceeded:
		log.Info().Int("duration_seconds", duration).Msg("run succeeded")
		return nil
	case models.RunCancelled:
		log.Warn().Msg("run cancelled")
		return fmt.Errorf("run cancelled")
	default:
		log.Error().Str("error", errMsg).Msg("run failed")
		return fmt.Errorf("run failed: %s", errMsg)
	}
}
