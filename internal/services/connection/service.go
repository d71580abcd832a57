// Package connection provides the pre-flight repository reachability check.
package connection

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/borgsched/borgsched/internal/models"
	"github.com/borgsched/borgsched/internal/services/borg"
	"github.com/mdlayher/wol"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
)

// DefaultTimeout bounds a single connection test.
const DefaultTimeout = 10 * time.Second

// Service defines the interface for repository connection tests.
type Service interface {
	Test(ctx context.Context, repo models.Repository) *models.ConnectionResult
}

// Dialer probes SSH transport reachability. Wraps ssh.Dial for mocking.
type Dialer interface {
	Dial(addr string, config *ssh.ClientConfig) error
}

// DefaultDialer is the default dialer using golang.org/x/crypto/ssh.
type DefaultDialer struct{}

// Dial opens and immediately closes an authenticated SSH connection.
func (d *DefaultDialer) Dial(addr string, config *ssh.ClientConfig) error {
	client, err := ssh.Dial("tcp", addr, config)
	if err != nil {
		return err
	}
	return client.Close()
}

// Waker sends a Wake-on-LAN magic packet. Wraps mdlayher/wol for mocking.
type Waker interface {
	Wake(broadcastIP string, mac net.HardwareAddr) error
}

// DefaultWaker is the default implementation using mdlayher/wol.
type DefaultWaker struct{}

// Wake sends a magic packet to the specified MAC address.
func (w *DefaultWaker) Wake(broadcastIP string, mac net.HardwareAddr) error {
	client, err := wol.NewClient()
	if err != nil {
		return fmt.Errorf("failed to create WOL client: %w", err)
	}
	defer func() { _ = client.Close() }()

	ip := net.ParseIP(broadcastIP)
	if ip == nil {
		return fmt.Errorf("invalid broadcast IP: %s", broadcastIP)
	}

	if err := client.Wake(ip.String()+":9", mac); err != nil {
		return fmt.Errorf("failed to send WOL packet: %w", err)
	}
	return nil
}

// Impl implements the connection Service interface.
type Impl struct {
	borgSvc borg.Service
	dialer  Dialer
	waker   Waker
	timeout time.Duration
	logger  zerolog.Logger
}

// New creates a new connection validator.
func New(logger zerolog.Logger, borgSvc borg.Service, timeout time.Duration) *Impl {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Impl{
		borgSvc: borgSvc,
		dialer:  &DefaultDialer{},
		waker:   &DefaultWaker{},
		timeout: timeout,
		logger:  logger,
	}
}

// NewWithClients creates a new connection validator with custom transport
// clients (for testing).
func NewWithClients(logger zerolog.Logger, borgSvc borg.Service, dialer Dialer, waker Waker, timeout time.Duration) *Impl {
	svc := New(logger, borgSvc, timeout)
	svc.dialer = dialer
	svc.waker = waker
	return svc
}

// Test verifies that the repository transport is reachable and that borg
// answers there, within the configured timeout. It classifies the outcome as
// connected, unreachable or error and never mutates the repository itself.
func (s *Impl) Test(ctx context.Context, repo models.Repository) *models.ConnectionResult {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	s.logger.Info().Str("repository", repo.Name).Str("kind", string(repo.Kind)).Msg("testing repository connection")

	if repo.Kind == models.RepositorySSH {
		if result := s.checkTransport(ctx, repo); result != nil {
			return result
		}
	}

	output, err := s.borgSvc.Info(ctx, repo)
	checked := time.Now().UTC()

	switch {
	case err == nil:
		return &models.ConnectionResult{Status: models.ConnectionConnected, Message: "repository is accessible", CheckedAt: checked}
	case isExitError(err):
		// borg ran and answered, but reported a failure (bad passphrase,
		// corruption, missing repository).
		return &models.ConnectionResult{Status: models.ConnectionError, Message: lastLine(output, err), CheckedAt: checked}
	default:
		return &models.ConnectionResult{Status: models.ConnectionUnreachable, Message: err.Error(), CheckedAt: checked}
	}
}

// checkTransport dials the SSH endpoint, optionally waking the host first.
// Returns nil when the transport is fine.
func (s *Impl) checkTransport(ctx context.Context, repo models.Repository) *models.ConnectionResult {
	addr, user, err := sshEndpoint(repo.URL)
	if err != nil {
		return &models.ConnectionResult{Status: models.ConnectionUnreachable, Message: err.Error(), CheckedAt: time.Now().UTC()}
	}

	config, err := s.sshConfig(repo, user)
	if err != nil {
		return &models.ConnectionResult{Status: models.ConnectionUnreachable, Message: err.Error(), CheckedAt: time.Now().UTC()}
	}

	if repo.WOL.Enabled() {
		s.wake(repo)
	}

	dialErr := s.dialer.Dial(addr, config)
	for dialErr != nil && repo.WOL.Enabled() {
		// Host may still be booting after the wake packet.
		select {
		case <-ctx.Done():
			return &models.ConnectionResult{Status: models.ConnectionUnreachable, Message: dialErr.Error(), CheckedAt: time.Now().UTC()}
		case <-time.After(time.Second):
		}
		dialErr = s.dialer.Dial(addr, config)
	}
	if dialErr != nil {
		return &models.ConnectionResult{Status: models.ConnectionUnreachable, Message: dialErr.Error(), CheckedAt: time.Now().UTC()}
	}
	return nil
}

func (s *Impl) wake(repo models.Repository) {
	mac, err := net.ParseMAC(repo.WOL.MACAddress)
	if err != nil {
		s.logger.Warn().Err(err).Str("mac", repo.WOL.MACAddress).Msg("invalid WOL MAC address, skipping wake")
		return
	}
	broadcast := repo.WOL.BroadcastIP
	if broadcast == "" {
		broadcast = "255.255.255.255"
	}
	if err := s.waker.Wake(broadcast, mac); err != nil {
		s.logger.Warn().Err(err).Msg("failed to send WOL packet")
		return
	}
	s.logger.Info().Str("mac", repo.WOL.MACAddress).Msg("WOL packet sent")
}

func (s *Impl) sshConfig(repo models.Repository, user string) (*ssh.ClientConfig, error) {
	var auth []ssh.AuthMethod

	switch repo.SSHAuthMethod {
	case models.SSHAuthPassword:
		auth = append(auth, ssh.Password(repo.SSHPassword))
	default:
		if repo.SSHKeyPath == "" {
			return nil, fmt.Errorf("no SSH key configured for repository %s", repo.Name)
		}
		key, err := os.ReadFile(repo.SSHKeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read SSH key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("failed to parse SSH key: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}

	return &ssh.ClientConfig{
		User:            user,
		Auth:            auth,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), //nolint:gosec // unattended runs cannot answer host key prompts
		Timeout:         s.timeout,
	}, nil
}

// sshEndpoint extracts "host:port" and the user from a borg repository URL,
// accepting both ssh://user@host:port/path and user@host:path forms.
func sshEndpoint(rawURL string) (addr, user string, err error) {
	if strings.HasPrefix(rawURL, "ssh://") {
		u, err := url.Parse(rawURL)
		if err != nil {
			return "", "", fmt.Errorf("invalid SSH repository URL %q: %w", rawURL, err)
		}
		host := u.Host
		if u.Port() == "" {
			host = net.JoinHostPort(u.Hostname(), "22")
		}
		return host, u.User.Username(), nil
	}

	// scp-like form: user@host:path
	head, _, found := strings.Cut(rawURL, ":")
	if !found {
		return "", "", fmt.Errorf("invalid SSH repository URL %q", rawURL)
	}
	userPart, host, found := strings.Cut(head, "@")
	if !found {
		return net.JoinHostPort(head, "22"), "", nil
	}
	return net.JoinHostPort(host, "22"), userPart, nil
}

func isExitError(err error) bool {
	var exitErr *exec.ExitError
	return errors.As(err, &exitErr)
}

// lastLine promotes the most useful diagnostic: the final non-empty output
// line, falling back to the error text.
func lastLine(output []byte, err error) string {
	lines := strings.Split(strings.TrimSpace(string(output)), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(lines[i]); line != "" {
			return line
		}
	}
	return err.Error()
}
