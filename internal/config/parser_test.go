package config

import (
	"testing"
	"time"

	"github.com/borgsched/borgsched/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const fullConfig = `
borg_binary: /usr/local/bin/borg
database: /var/lib/borgsched/borgsched.db
hostname: backuphost
tick_interval: 15s
connection_timeout: 20s

repositories:
  - name: local
    url: /backups/repo
    passphrase: secret
  - name: nas
    url: ssh://borg@nas.local:2222/./repo
    kind: ssh
    ssh_auth_method: key
    ssh_key_path: /etc/borgsched/id_ed25519
    passphrase: secret
    wol:
      mac_address: "aa:bb:cc:dd:ee:ff"
      broadcast_ip: 192.168.1.255

jobs:
  - name: documents
    repository: local
    source_paths:
      - /home/user/documents
      - /home/user/photos
    exclusion_patterns:
      - "*.tmp"
    schedule: "0 2 * * *"
    timezone: Europe/Berlin
    compression: zstd
    archive_name_template: "{hostname}-docs-{now}"
    checkpoint_interval: 600
    pre_backup_script: /usr/local/bin/pre.sh
    post_backup_script: /usr/local/bin/post.sh
    retention:
      keep_daily: 7
      keep_weekly: 4
      keep_monthly: 6
  - name: minimal
    repository: nas
    source_paths:
      - /etc
    schedule: "30 3 * * 0"
    enabled: false
    auto_prune: false
`

func TestLoadReader_FullConfig(t *testing.T) {
	cfg, err := NewParser().LoadReader(fullConfig)
	require.NoError(t, err)

	assert.Equal(t, "/usr/local/bin/borg", cfg.BorgBinary)
	assert.Equal(t, "/var/lib/borgsched/borgsched.db", cfg.DatabasePath)
	assert.Equal(t, "backuphost", cfg.Hostname)
	assert.Equal(t, 15*time.Second, cfg.TickInterval)
	assert.Equal(t, 20*time.Second, cfg.ConnectionTimeout)

	require.Len(t, cfg.Repositories, 2)
	local := cfg.Repositories[0]
	assert.Equal(t, models.RepositoryLocal, local.Kind)
	assert.Equal(t, "secret", local.Passphrase)
	assert.False(t, local.WOL.Enabled())

	nas := cfg.Repositories[1]
	assert.Equal(t, models.RepositorySSH, nas.Kind)
	assert.Equal(t, models.SSHAuthKey, nas.SSHAuthMethod)
	assert.Equal(t, "/etc/borgsched/id_ed25519", nas.SSHKeyPath)
	assert.Equal(t, "borg-1.4", nas.RemotePath)
	require.True(t, nas.WOL.Enabled())
	assert.Equal(t, "aa:bb:cc:dd:ee:ff", nas.WOL.MACAddress)
	assert.Equal(t, "192.168.1.255", nas.WOL.BroadcastIP)

	require.Len(t, cfg.Jobs, 2)
	docs := cfg.Jobs[0]
	assert.Equal(t, "local", docs.Repository)
	assert.True(t, docs.Job.Enabled)
	assert.True(t, docs.Job.AutoPrune)
	assert.Equal(t, models.StringList{"/home/user/documents", "/home/user/photos"}, docs.Job.SourcePaths)
	assert.Equal(t, "0 2 * * *", docs.Job.ScheduleCron)
	assert.Equal(t, "Europe/Berlin", docs.Job.Timezone)
	assert.Equal(t, models.CompressionZstd, docs.Job.Compression)
	assert.Equal(t, "{hostname}-docs-{now}", docs.Job.ArchiveNameTemplate)
	assert.Equal(t, 600, docs.Job.CheckpointInterval)
	assert.Equal(t, 7, docs.Job.Retention.KeepDaily)
	assert.Equal(t, 4, docs.Job.Retention.KeepWeekly)

	minimal := cfg.Jobs[1]
	assert.False(t, minimal.Job.Enabled)
	assert.False(t, minimal.Job.AutoPrune)
}

func TestLoadReader_Defaults(t *testing.T) {
	cfg, err := NewParser().LoadReader(`
repositories:
  - name: local
    url: /backups/repo
jobs:
  - name: docs
    repository: local
    source_paths: [/home]
    schedule: "0 2 * * *"
`)
	require.NoError(t, err)

	assert.Equal(t, "borg", cfg.BorgBinary)
	assert.Equal(t, "borgsched.db", cfg.DatabasePath)
	assert.Equal(t, 30*time.Second, cfg.TickInterval)
	assert.Equal(t, 10*time.Second, cfg.ConnectionTimeout)

	job := cfg.Jobs[0].Job
	assert.True(t, job.Enabled)
	assert.True(t, job.AutoPrune)
	assert.Equal(t, models.CompressionLZ4, job.Compression)
	assert.Equal(t, "{hostname}-{now}", job.ArchiveNameTemplate)
	assert.Equal(t, 1800, job.CheckpointInterval)
	assert.True(t, job.Retention.IsZero())
}

func TestLoadReader_EnvExpansion(t *testing.T) {
	t.Setenv("BORG_TEST_PASS", "s3cret")
	t.Setenv("BORG_TEST_HOME", "/home/tester")

	cfg, err := NewParser().LoadReader(`
repositories:
  - name: local
    url: /backups/repo
    passphrase: ${BORG_TEST_PASS}
jobs:
  - name: docs
    repository: local
    source_paths:
      - ${BORG_TEST_HOME}/documents
    schedule: "0 2 * * *"
`)
	require.NoError(t, err)

	assert.Equal(t, "s3cret", cfg.Repositories[0].Passphrase)
	assert.Equal(t, models.StringList{"/home/tester/documents"}, cfg.Jobs[0].Job.SourcePaths)
}

func TestLoadReader_RepositoryErrors(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "missing name",
			yaml:    "repositories:\n  - url: /backups/repo\n",
			wantErr: "name is required",
		},
		{
			name:    "missing url",
			yaml:    "repositories:\n  - name: local\n",
			wantErr: "url is required",
		},
		{
			name:    "bad kind",
			yaml:    "repositories:\n  - name: local\n    url: /r\n    kind: ftp\n",
			wantErr: "kind must be one of",
		},
		{
			name:    "ssh without key",
			yaml:    "repositories:\n  - name: nas\n    url: ssh://b@h/./r\n    kind: ssh\n",
			wantErr: "ssh_key_path is required",
		},
		{
			name:    "ssh password auth without password",
			yaml:    "repositories:\n  - name: nas\n    url: ssh://b@h/./r\n    kind: ssh\n    ssh_auth_method: password\n",
			wantErr: "ssh_password is required",
		},
		{
			name:    "wol without mac",
			yaml:    "repositories:\n  - name: nas\n    url: /r\n    wol:\n      broadcast_ip: 10.0.0.255\n",
			wantErr: "mac_address is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewParser().LoadReader(tt.yaml)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadReader_JobErrors(t *testing.T) {
	repoBlock := "repositories:\n  - name: local\n    url: /r\n"

	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "missing name",
			yaml:    repoBlock + "jobs:\n  - repository: local\n    source_paths: [/h]\n    schedule: \"0 2 * * *\"\n",
			wantErr: "job name is required",
		},
		{
			name:    "missing repository",
			yaml:    repoBlock + "jobs:\n  - name: j\n    source_paths: [/h]\n    schedule: \"0 2 * * *\"\n",
			wantErr: "repository is required",
		},
		{
			name:    "missing source paths",
			yaml:    repoBlock + "jobs:\n  - name: j\n    repository: local\n    schedule: \"0 2 * * *\"\n",
			wantErr: "source_paths is required",
		},
		{
			name:    "missing schedule",
			yaml:    repoBlock + "jobs:\n  - name: j\n    repository: local\n    source_paths: [/h]\n",
			wantErr: "schedule is required",
		},
		{
			name:    "bad compression",
			yaml:    repoBlock + "jobs:\n  - name: j\n    repository: local\n    source_paths: [/h]\n    schedule: \"0 2 * * *\"\n    compression: brotli\n",
			wantErr: "compression must be one of",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewParser().LoadReader(tt.yaml)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidate(t *testing.T) {
	valid := &models.ServerConfig{
		Repositories: []models.Repository{{Name: "local", URL: "/r"}},
		Jobs: []models.JobDefinition{
			{Repository: "local", Job: models.BackupJob{Name: "docs"}},
		},
	}
	assert.NoError(t, Validate(valid))
}

func TestValidate_DuplicateRepositoryName(t *testing.T) {
	cfg := &models.ServerConfig{
		Repositories: []models.Repository{
			{Name: "local", URL: "/a"},
			{Name: "local", URL: "/b"},
		},
	}
	err := Validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate repository name")
}

func TestValidate_DuplicateJobName(t *testing.T) {
	cfg := &models.ServerConfig{
		Repositories: []models.Repository{{Name: "local", URL: "/r"}},
		Jobs: []models.JobDefinition{
			{Repository: "local", Job: models.BackupJob{Name: "docs"}},
			{Repository: "local", Job: models.BackupJob{Name: "docs"}},
		},
	}
	err := Validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate job name")
}

func TestValidate_UnknownRepositoryReference(t *testing.T) {
	cfg := &models.ServerConfig{
		Repositories: []models.Repository{{Name: "local", URL: "/r"}},
		Jobs: []models.JobDefinition{
			{Repository: "ghost", Job: models.BackupJob{Name: "docs"}},
		},
	}
	err := Validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown repository")
}

func TestValidate_NilConfig(t *testing.T) {
	assert.Error(t, Validate(nil))
}
