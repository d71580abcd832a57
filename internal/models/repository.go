// Package models contains the data structures used throughout borgsched.
package models

import "time"

// RepositoryKind is the transport used to reach a borg repository.
type RepositoryKind string

const (
	RepositoryLocal RepositoryKind = "local"
	RepositorySSH   RepositoryKind = "ssh"
)

// SSHAuthMethod is how an SSH repository authenticates.
type SSHAuthMethod string

const (
	SSHAuthKey      SSHAuthMethod = "key"
	SSHAuthPassword SSHAuthMethod = "password"
)

// ConnectionStatus is the outcome of a repository connection test.
type ConnectionStatus string

const (
	// ConnectionConnected means the transport is reachable and borg answered.
	ConnectionConnected ConnectionStatus = "connected"
	// ConnectionUnreachable means the transport could not be reached at all
	// (network or authentication failure).
	ConnectionUnreachable ConnectionStatus = "unreachable"
	// ConnectionError means borg responded but reported an unexpected
	// failure, e.g. repository corruption.
	ConnectionError ConnectionStatus = "error"
)

// WOLConfig optionally wakes the host backing an SSH repository before a
// connection is attempted. An empty MAC address means wake-on-LAN is
// disabled.
type WOLConfig struct {
	MACAddress  string
	BroadcastIP string // defaults to 255.255.255.255
}

// Enabled reports whether a wake packet should be sent.
func (w WOLConfig) Enabled() bool {
	return w.MACAddress != ""
}

// Repository is a borg storage target, local or remote over SSH.
//
// At most one operation (backup, prune, connection test) may be in flight
// per repository at any instant; the supervisor's lock registry enforces it.
type Repository struct {
	ID   uint   `gorm:"primaryKey"`
	Name string `gorm:"uniqueIndex;not null"`
	URL  string `gorm:"not null"`
	Kind RepositoryKind

	SSHAuthMethod SSHAuthMethod
	SSHKeyPath    string
	SSHPassword   string
	RemotePath    string // remote borg binary, e.g. "borg-1.4"
	Passphrase    string

	WOL WOLConfig `gorm:"embedded;embeddedPrefix:wol_"`

	LastChecked *time.Time
	LastStatus  ConnectionStatus

	CreatedAt time.Time
	UpdatedAt time.Time
}

// ConnectionResult is the outcome of a single connection test.
type ConnectionResult struct {
	Status    ConnectionStatus
	Message   string
	CheckedAt time.Time
}
