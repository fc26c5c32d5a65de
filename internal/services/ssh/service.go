// Package ssh shuts a repository host down over SSH once the backups
// targeting it have finished.
package ssh

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/fgeck/goborg-homelab/internal/models"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
)

// Service defines the interface for SSH operations on repository hosts.
type Service interface {
	Shutdown(ctx context.Context, cfg models.SSHShutdownConfig) (*models.SSHResult, error)
}

// Dialer opens SSH connections, abstracted for tests.
type Dialer interface {
	Dial(ctx context.Context, addr string, config *ssh.ClientConfig) (Conn, error)
}

// Conn is an established SSH connection that can run one-shot commands.
type Conn interface {
	Run(cmd string) ([]byte, error)
	Close() error
}

// errSession marks a failure before the command could be sent.
var errSession = errors.New("session setup failed")

// netDialer dials real SSH connections. The dial runs in a goroutine so
// the context can abort a hanging TCP connect.
type netDialer struct{}

func (netDialer) Dial(ctx context.Context, addr string, config *ssh.ClientConfig) (Conn, error) {
	type dialResult struct {
		client *ssh.Client
		err    error
	}
	ch := make(chan dialResult, 1)
	go func() {
		client, err := ssh.Dial("tcp", addr, config)
		ch <- dialResult{client, err}
	}()

	select {
	case <-ctx.Done():
		// A late successful dial must not leak the connection.
		go func() {
			if r := <-ch; r.err == nil {
				_ = r.client.Close()
			}
		}()
		return nil, ctx.Err()
	case r := <-ch:
		if r.err != nil {
			return nil, r.err
		}
		return &netConn{client: r.client}, nil
	}
}

type netConn struct {
	client *ssh.Client
}

func (c *netConn) Run(cmd string) ([]byte, error) {
	session, err := c.client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errSession, err)
	}
	defer session.Close()
	return session.CombinedOutput(cmd)
}

func (c *netConn) Close() error {
	return c.client.Close()
}

// Impl implements the SSH Service interface.
type Impl struct {
	dialer Dialer
	logger zerolog.Logger
}

// New creates a new SSH service.
func New(logger zerolog.Logger) *Impl {
	return &Impl{dialer: netDialer{}, logger: logger}
}

// NewWithDialer creates an SSH service with a custom dialer (for testing).
func NewWithDialer(logger zerolog.Logger, dialer Dialer) *Impl {
	return &Impl{dialer: dialer, logger: logger}
}

func (s *Impl) clientConfig(cfg models.SSHShutdownConfig) (*ssh.ClientConfig, error) {
	key := cfg.PrivateKey
	if len(key) == 0 {
		if cfg.KeyPath == "" {
			return nil, fmt.Errorf("no private key provided")
		}
		data, err := os.ReadFile(cfg.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("reading private key from %s: %w", cfg.KeyPath, err)
		}
		key = data
	}

	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("parsing private key: %w", err)
	}

	return &ssh.ClientConfig{
		User:            cfg.Username,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), //nolint:gosec // homelab environment
		Timeout:         30 * time.Second,
	}, nil
}

// shutdownCommand renders the delayed halt. The delay is in minutes,
// zero means immediately.
func shutdownCommand(delay int) string {
	if delay == 0 {
		return "sudo shutdown -h now"
	}
	return fmt.Sprintf("sudo shutdown -h +%d", delay)
}

// Shutdown initiates a delayed shutdown of the repository host.
// Failures land in the result, not in the error return.
func (s *Impl) Shutdown(ctx context.Context, cfg models.SSHShutdownConfig) (*models.SSHResult, error) {
	result := &models.SSHResult{}

	s.logger.Info().
		Str("host", cfg.Host).
		Int("port", cfg.Port).
		Str("user", cfg.Username).
		Int("delay", cfg.ShutdownDelay).
		Msg("shutting repository host down")

	clientConfig, err := s.clientConfig(cfg)
	if err != nil {
		result.Error = err
		return result, nil
	}

	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	conn, err := s.dialer.Dial(ctx, addr, clientConfig)
	if err != nil {
		result.Error = fmt.Errorf("connecting to %s: %w", addr, err)
		return result, nil //nolint:nilerr // error is stored in result struct by design
	}
	defer func() { _ = conn.Close() }()

	cmd := shutdownCommand(cfg.ShutdownDelay)
	s.logger.Debug().Str("command", cmd).Msg("executing shutdown command")

	output, err := conn.Run(cmd)
	if errors.Is(err, errSession) {
		result.Error = err
		return result, nil
	}
	result.Output = string(output)
	result.CommandRun = true

	if err != nil {
		if ctx.Err() != nil {
			result.Error = ctx.Err()
		} else {
			// The connection often drops when the shutdown takes effect,
			// which surfaces as an error even though the command ran.
			s.logger.Warn().Err(err).Str("output", result.Output).Msg("shutdown command returned error")
		}
	}
	return result, nil
}
