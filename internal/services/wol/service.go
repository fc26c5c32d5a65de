// Package wol wakes sleeping repository hosts before borg reaches out
// to them.
package wol

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/fgeck/goborg-homelab/internal/models"
	"github.com/mdlayher/wol"
	"github.com/rs/zerolog"
)

// Service wakes a repository host and waits until it answers.
type Service interface {
	Wake(ctx context.Context, cfg models.WOLConfig) (*models.WOLResult, error)
}

// PacketSender abstracts the magic packet transport for tests.
type PacketSender interface {
	Send(broadcast string, target net.HardwareAddr) error
}

// Prober abstracts the HTTP readiness probe for tests.
type Prober interface {
	Do(req *http.Request) (*http.Response, error)
}

// udpSender broadcasts magic packets on UDP port 9 via mdlayher/wol.
type udpSender struct{}

func (udpSender) Send(broadcast string, target net.HardwareAddr) error {
	ip := net.ParseIP(broadcast)
	if ip == nil {
		return fmt.Errorf("invalid broadcast IP: %s", broadcast)
	}

	client, err := wol.NewClient()
	if err != nil {
		return fmt.Errorf("creating WOL client: %w", err)
	}
	defer func() { _ = client.Close() }()

	if err := client.Wake(ip.String()+":9", target); err != nil {
		return fmt.Errorf("sending WOL packet: %w", err)
	}
	return nil
}

// Impl implements the WOL Service interface.
type Impl struct {
	sender PacketSender
	prober Prober
	logger zerolog.Logger
}

// New creates a new WOL service.
func New(logger zerolog.Logger) *Impl {
	return &Impl{
		sender: udpSender{},
		prober: &http.Client{Timeout: 5 * time.Second},
		logger: logger,
	}
}

// NewWithClients creates a WOL service with custom transports (for testing).
func NewWithClients(logger zerolog.Logger, sender PacketSender, prober Prober) *Impl {
	return &Impl{
		sender: sender,
		prober: prober,
		logger: logger,
	}
}

// Wake broadcasts the magic packet. With a poll URL configured it then
// probes the host until it answers or the timeout passes, and finally
// sleeps the stabilize interval so services on the host can come up.
// Failures land in the result, not in the error return.
func (s *Impl) Wake(ctx context.Context, cfg models.WOLConfig) (*models.WOLResult, error) {
	result := &models.WOLResult{}
	started := time.Now()
	defer func() { result.WaitDuration = time.Since(started) }()

	target, err := net.ParseMAC(cfg.MACAddress)
	if err != nil {
		result.Error = fmt.Errorf("invalid MAC address %q: %w", cfg.MACAddress, err)
		return result, nil
	}

	s.logger.Info().
		Str("mac", cfg.MACAddress).
		Str("broadcast", cfg.BroadcastIP).
		Msg("waking repository host")

	if err := s.sender.Send(cfg.BroadcastIP, target); err != nil {
		result.Error = err
		return result, nil //nolint:nilerr // error is stored in result struct by design
	}
	result.PacketSent = true

	if cfg.PollURL != "" {
		s.logger.Info().
			Str("url", cfg.PollURL).
			Dur("timeout", cfg.Timeout).
			Msg("waiting for repository host")

		if err := s.awaitHost(ctx, cfg.PollURL, cfg.Timeout, cfg.PollInterval); err != nil {
			result.Error = err
			return result, nil //nolint:nilerr // error is stored in result struct by design
		}
		if err := settle(ctx, cfg.StabilizeWait); err != nil {
			result.Error = err
			return result, nil
		}
	}

	result.TargetReady = true
	s.logger.Info().Dur("took", time.Since(started)).Msg("repository host is up")
	return result, nil
}

// awaitHost probes url until any HTTP response comes back, the timeout
// passes, or ctx is cancelled.
func (s *Impl) awaitHost(ctx context.Context, url string, timeout, every time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return fmt.Errorf("building probe request: %w", err)
		}

		resp, err := s.prober.Do(req)
		if err == nil {
			_ = resp.Body.Close()
			// Any response at all counts as awake.
			return nil
		}
		s.logger.Debug().Err(err).Msg("repository host not answering yet")

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return fmt.Errorf("timed out waiting for host at %s after %s", url, timeout)
			}
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// settle sleeps for d unless ctx is cancelled first.
func settle(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
