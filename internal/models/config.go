package models

import "time"

// ServerConfig holds the daemon-wide configuration.
type ServerConfig struct {
	BorgBinary        string
	DatabasePath      string
	Hostname          string // archive name substitution; defaults to os.Hostname
	TickInterval      time.Duration
	ConnectionTimeout time.Duration

	// Declarative definitions synced into the store on startup.
	Repositories []Repository
	Jobs         []JobDefinition
}

// JobDefinition is a BackupJob as declared in the config file, where the
// owning repository is referenced by name instead of database id.
type JobDefinition struct {
	Job        BackupJob
	Repository string
}
