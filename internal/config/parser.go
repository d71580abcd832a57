// Package config provides configuration file parsing.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/borgsched/borgsched/internal/models"
	"github.com/spf13/viper"
)

// Parser handles configuration file parsing.
type Parser struct {
	v *viper.Viper
}

// NewParser creates a new configuration parser.
func NewParser() *Parser {
	v := viper.New()
	v.SetConfigType("yaml")
	return &Parser{v: v}
}

// LoadFile loads configuration from a file path.
func (p *Parser) LoadFile(path string) (*models.ServerConfig, error) {
	p.v.SetConfigFile(path)

	if err := p.v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	return p.parse()
}

// LoadReader loads configuration from a string (useful for testing).
func (p *Parser) LoadReader(content string) (*models.ServerConfig, error) {
	if err := p.v.ReadConfig(strings.NewReader(content)); err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	return p.parse()
}

// rawRepository mirrors one entry of the repositories list.
type rawRepository struct {
	Name          string `mapstructure:"name"`
	URL           string `mapstructure:"url"`
	Kind          string `mapstructure:"kind"`
	SSHAuthMethod string `mapstructure:"ssh_auth_method"`
	SSHKeyPath    string `mapstructure:"ssh_key_path"`
	SSHPassword   string `mapstructure:"ssh_password"`
	RemotePath    string `mapstructure:"remote_path"`
	Passphrase    string `mapstructure:"passphrase"`
	WOL           *struct {
		MACAddress  string `mapstructure:"mac_address"`
		BroadcastIP string `mapstructure:"broadcast_ip"`
	} `mapstructure:"wol"`
}

// rawJob mirrors one entry of the jobs list.
type rawJob struct {
	Name                string   `mapstructure:"name"`
	Repository          string   `mapstructure:"repository"`
	Enabled             *bool    `mapstructure:"enabled"`
	SourcePaths         []string `mapstructure:"source_paths"`
	ExclusionPatterns   []string `mapstructure:"exclusion_patterns"`
	Schedule            string   `mapstructure:"schedule"`
	Timezone            string   `mapstructure:"timezone"`
	Compression         string   `mapstructure:"compression"`
	ArchiveNameTemplate string   `mapstructure:"archive_name_template"`
	CheckpointInterval  int      `mapstructure:"checkpoint_interval"`
	PreBackupScript     string   `mapstructure:"pre_backup_script"`
	PostBackupScript    string   `mapstructure:"post_backup_script"`
	AutoPrune           *bool    `mapstructure:"auto_prune"`
	Retention           struct {
		KeepLast    int `mapstructure:"keep_last"`
		KeepHourly  int `mapstructure:"keep_hourly"`
		KeepDaily   int `mapstructure:"keep_daily"`
		KeepWeekly  int `mapstructure:"keep_weekly"`
		KeepMonthly int `mapstructure:"keep_monthly"`
		KeepYearly  int `mapstructure:"keep_yearly"`
	} `mapstructure:"retention"`
}

func (p *Parser) parse() (*models.ServerConfig, error) {
	cfg := &models.ServerConfig{
		BorgBinary:        p.v.GetString("borg_binary"),
		DatabasePath:      p.expandEnv(p.v.GetString("database")),
		Hostname:          p.v.GetString("hostname"),
		TickInterval:      p.v.GetDuration("tick_interval"),
		ConnectionTimeout: p.v.GetDuration("connection_timeout"),
	}

	// Defaults.
	if cfg.BorgBinary == "" {
		cfg.BorgBinary = "borg"
	}
	if cfg.DatabasePath == "" {
		cfg.DatabasePath = "borgsched.db"
	}
	if cfg.TickInterval == 0 {
		cfg.TickInterval = 30 * time.Second
	}
	if cfg.ConnectionTimeout == 0 {
		cfg.ConnectionTimeout = 10 * time.Second
	}

	var rawRepos []rawRepository
	if err := p.v.UnmarshalKey("repositories", &rawRepos); err != nil {
		return nil, fmt.Errorf("parsing repositories: %w", err)
	}
	for _, raw := range rawRepos {
		repo, err := p.parseRepository(raw)
		if err != nil {
			return nil, err
		}
		cfg.Repositories = append(cfg.Repositories, repo)
	}

	var rawJobs []rawJob
	if err := p.v.UnmarshalKey("jobs", &rawJobs); err != nil {
		return nil, fmt.Errorf("parsing jobs: %w", err)
	}
	for _, raw := range rawJobs {
		def, err := p.parseJob(raw)
		if err != nil {
			return nil, err
		}
		cfg.Jobs = append(cfg.Jobs, def)
	}

	return cfg, nil
}

//nolint:gocognit // config parsing requires checking many fields
func (p *Parser) parseRepository(raw rawRepository) (models.Repository, error) {
	repo := models.Repository{
		Name:          raw.Name,
		URL:           p.expandEnv(raw.URL),
		Kind:          models.RepositoryKind(raw.Kind),
		SSHAuthMethod: models.SSHAuthMethod(raw.SSHAuthMethod),
		SSHKeyPath:    p.expandEnv(raw.SSHKeyPath),
		SSHPassword:   p.expandEnv(raw.SSHPassword),
		RemotePath:    raw.RemotePath,
		Passphrase:    p.expandEnv(raw.Passphrase),
	}

	if repo.Name == "" {
		return repo, fmt.Errorf("repository name is required")
	}
	if repo.URL == "" {
		return repo, fmt.Errorf("repository %s: url is required", repo.Name)
	}

	switch repo.Kind {
	case "":
		repo.Kind = models.RepositoryLocal
	case models.RepositoryLocal, models.RepositorySSH:
	default:
		return repo, fmt.Errorf("repository %s: kind must be one of: local, ssh", repo.Name)
	}

	if repo.Kind == models.RepositorySSH {
		switch repo.SSHAuthMethod {
		case "":
			repo.SSHAuthMethod = models.SSHAuthKey
		case models.SSHAuthKey, models.SSHAuthPassword:
		default:
			return repo, fmt.Errorf("repository %s: ssh_auth_method must be one of: key, password", repo.Name)
		}
		if repo.SSHAuthMethod == models.SSHAuthKey && repo.SSHKeyPath == "" {
			return repo, fmt.Errorf("repository %s: ssh_key_path is required for key authentication", repo.Name)
		}
		if repo.SSHAuthMethod == models.SSHAuthPassword && repo.SSHPassword == "" {
			return repo, fmt.Errorf("repository %s: ssh_password is required for password authentication", repo.Name)
		}
		if repo.RemotePath == "" {
			repo.RemotePath = "borg-1.4"
		}
	}

	if raw.WOL != nil {
		if raw.WOL.MACAddress == "" {
			return repo, fmt.Errorf("repository %s: wol.mac_address is required when wol is configured", repo.Name)
		}
		repo.WOL = models.WOLConfig{
			MACAddress:  raw.WOL.MACAddress,
			BroadcastIP: raw.WOL.BroadcastIP,
		}
		if repo.WOL.BroadcastIP == "" {
			repo.WOL.BroadcastIP = "255.255.255.255"
		}
	}

	return repo, nil
}

func (p *Parser) parseJob(raw rawJob) (models.JobDefinition, error) {
	def := models.JobDefinition{
		Repository: raw.Repository,
		Job: models.BackupJob{
			Name:                raw.Name,
			Enabled:             true,
			SourcePaths:         raw.SourcePaths,
			ExclusionPatterns:   raw.ExclusionPatterns,
			ScheduleCron:        raw.Schedule,
			Timezone:            raw.Timezone,
			Compression:         raw.Compression,
			ArchiveNameTemplate: raw.ArchiveNameTemplate,
			CheckpointInterval:  raw.CheckpointInterval,
			PreBackupScript:     raw.PreBackupScript,
			PostBackupScript:    raw.PostBackupScript,
			AutoPrune:           true,
			Retention: models.RetentionPolicy{
				KeepLast:    raw.Retention.KeepLast,
				KeepHourly:  raw.Retention.KeepHourly,
				KeepDaily:   raw.Retention.KeepDaily,
				KeepWeekly:  raw.Retention.KeepWeekly,
				KeepMonthly: raw.Retention.KeepMonthly,
				KeepYearly:  raw.Retention.KeepYearly,
			},
		},
	}

	if raw.Enabled != nil {
		def.Job.Enabled = *raw.Enabled
	}
	if raw.AutoPrune != nil {
		def.Job.AutoPrune = *raw.AutoPrune
	}

	if def.Job.Name == "" {
		return def, fmt.Errorf("job name is required")
	}
	if def.Repository == "" {
		return def, fmt.Errorf("job %s: repository is required", def.Job.Name)
	}
	if len(def.Job.SourcePaths) == 0 {
		return def, fmt.Errorf("job %s: source_paths is required", def.Job.Name)
	}
	if def.Job.ScheduleCron == "" {
		return def, fmt.Errorf("job %s: schedule is required", def.Job.Name)
	}

	if def.Job.Compression == "" {
		def.Job.Compression = models.CompressionLZ4
	}
	if !models.SupportedCompression(def.Job.Compression) {
		return def, fmt.Errorf("job %s: compression must be one of: none, lz4, zstd, zlib, lzma", def.Job.Name)
	}
	if def.Job.ArchiveNameTemplate == "" {
		def.Job.ArchiveNameTemplate = "{hostname}-{now}"
	}
	if def.Job.CheckpointInterval == 0 {
		def.Job.CheckpointInterval = 1800
	}

	// Expand env in paths; hooks keep their literal text.
	for i, path := range def.Job.SourcePaths {
		def.Job.SourcePaths[i] = p.expandEnv(path)
	}

	return def, nil
}

// expandEnv expands environment variables in the format ${VAR} or $VAR.
func (p *Parser) expandEnv(s string) string {
	return os.ExpandEnv(s)
}

// Validate performs validation on the loaded configuration.
func Validate(cfg *models.ServerConfig) error {
	if cfg == nil {
		return fmt.Errorf("configuration is nil")
	}

	names := make(map[string]bool, len(cfg.Repositories))
	for _, repo := range cfg.Repositories {
		if names[repo.Name] {
			return fmt.Errorf("duplicate repository name %q", repo.Name)
		}
		names[repo.Name] = true
	}

	jobNames := make(map[string]bool, len(cfg.Jobs))
	for _, def := range cfg.Jobs {
		if jobNames[def.Job.Name] {
			return fmt.Errorf("duplicate job name %q", def.Job.Name)
		}
		jobNames[def.Job.Name] = true
		if !names[def.Repository] {
			return fmt.Errorf("job %s references unknown repository %q", def.Job.Name, def.Repository)
		}
	}

	return nil
}
