package main

import (
	"fmt"
	"os"
	"time"

	"github.com/borgsched/borgsched/internal/config"
	"github.com/borgsched/borgsched/internal/models"
	"github.com/borgsched/borgsched/internal/services/jobs"
	"github.com/borgsched/borgsched/internal/services/scheduler"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	Long:  `Validate the configuration file and every job schedule without executing any backups.`,
	RunE:  validateConfig,
}

func validateConfig(cmd *cobra.Command, args []string) error {
	if configFile == "" {
		log.Error().Msg("config file is required")
		return cmd.Help()
	}

	// Check if file exists
	if _, err := os.Stat(configFile); os.IsNotExist(err) {
		log.Error().Str("file", configFile).Msg("config file not found")
		return fmt.Errorf("config file not found: %s", configFile)
	}

	// Load configuration
	parser := config.NewParser()
	cfg, err := parser.LoadFile(configFile)
	if err != nil {
		log.Error().Err(err).Str("file", configFile).Msg("failed to parse config")
		return err
	}

	// Validate configuration
	if err := config.Validate(cfg); err != nil {
		log.Error().Err(err).Msg("configuration validation failed")
		return err
	}

	// Validate each job definition, including its cron expression
	for _, def := range cfg.Jobs {
		if err := jobs.Validate(&def.Job); err != nil {
			log.Error().Err(err).Str("job", def.Job.Name).Msg("job validation failed")
			return err
		}
	}

	// Print configuration summary
	fmt.Println("Configuration is valid!")
	fmt.Println()
	fmt.Println("Summary:")
	fmt.Printf("  Borg binary: %s\n", cfg.BorgBinary)
	fmt.Printf("  Database: %s\n", cfg.DatabasePath)
	fmt.Printf("  Repositories: %d\n", len(cfg.Repositories))
	fmt.Printf("  Jobs: %d\n", len(cfg.Jobs))

	for _, repo := range cfg.Repositories {
		fmt.Println()
		fmt.Printf("Repository %q:\n", repo.Name)
		fmt.Printf("  URL: %s\n", repo.URL)
		fmt.Printf("  Kind: %s\n", repo.Kind)
		if repo.Kind == models.RepositorySSH {
			fmt.Printf("  Auth method: %s\n", repo.SSHAuthMethod)
			fmt.Printf("  Remote path: %s\n", repo.RemotePath)
		}
		fmt.Printf("  Wake-on-LAN: %v\n", repo.WOL.Enabled())
	}

	now := time.Now()
	for _, def := range cfg.Jobs {
		fmt.Println()
		fmt.Printf("Job %q:\n", def.Job.Name)
		fmt.Printf("  Repository: %s\n", def.Repository)
		fmt.Printf("  Schedule: %s (%s)\n", def.Job.ScheduleCron, timezoneOrUTC(def.Job.Timezone))
		fmt.Printf("  Paths: %v\n", []string(def.Job.SourcePaths))
		fmt.Printf("  Compression: %s\n", def.Job.Compression)
		fmt.Printf("  Enabled: %v\n", def.Job.Enabled)
		fmt.Printf("  Auto-prune: %v\n", def.Job.AutoPrune)
		if next, err := scheduler.NextTrigger(def.Job.ScheduleCron, def.Job.Timezone, now); err == nil {
			fmt.Printf("  Next trigger: %s\n", next.Format(time.RFC3339))
		}
	}

	return nil
}

func timezoneOrUTC(tz string) string {
	if tz == "" {
		return "UTC"
	}
	return tz
}
