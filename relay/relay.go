// Package relay forwards messages through an SMTP submission server.
package relay

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/migadu/sift/config"
	"github.com/migadu/sift/consts"
	"github.com/migadu/sift/logger"
	"github.com/migadu/sift/pkg/circuitbreaker"
	"github.com/migadu/sift/pkg/metrics"
)

// RelayError marks a failed forward as permanent (5xx, bad configuration)
// or temporary (4xx, network).
type RelayError struct {
	Err       error
	Permanent bool
}

func (e *RelayError) Error() string {
	if e.Permanent {
		return fmt.Sprintf("permanent failure: %v", e.Err)
	}
	return fmt.Sprintf("temporary failure: %v", e.Err)
}

func (e *RelayError) Unwrap() error {
	return e.Err
}

// IsPermanentError reports whether err should not be retried.
func IsPermanentError(err error) bool {
	if err == nil {
		return false
	}
	var relayErr *RelayError
	if errors.As(err, &relayErr) {
		return relayErr.Permanent
	}
	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) {
		return !smtpErr.Temporary()
	}
	return false
}

// SMTPRelay sends forwarded copies to the configured relay. It satisfies
// filter.Forwarder.
type SMTPRelay struct {
	cfg     config.RelayConfig
	timeout time.Duration
	breaker *circuitbreaker.CircuitBreaker
}

// New returns a relay for cfg, or consts.ErrRelayNotConfigured when cfg
// names no host.
func New(cfg config.RelayConfig) (*SMTPRelay, error) {
	if !cfg.IsConfigured() {
		return nil, consts.ErrRelayNotConfigured
	}
	timeout, err := cfg.GetTimeout()
	if err != nil {
		return nil, fmt.Errorf("invalid relay timeout: %w", err)
	}
	return &SMTPRelay{
		cfg:     cfg,
		timeout: timeout,
		breaker: circuitbreaker.New(circuitbreaker.Settings{
			Name:      "smtp_relay",
			Threshold: 5,
			Timeout:   30 * time.Second,
			IsFailure: func(err error) bool { return err != nil && !IsPermanentError(err) },
		}),
	}, nil
}

// Breaker exposes the relay's circuit breaker for health reporting.
func (r *SMTPRelay) Breaker() *circuitbreaker.CircuitBreaker { return r.breaker }

// Forward sends raw to the single recipient to.
func (r *SMTPRelay) Forward(ctx context.Context, to string, raw []byte) error {
	start := time.Now()
	err := r.breaker.Do(ctx, func(ctx context.Context) error {
		return r.send(ctx, to, raw)
	})
	metrics.ForwardDuration.Observe(time.Since(start).Seconds())

	switch {
	case err == nil:
		metrics.ForwardsTotal.WithLabelValues("success").Inc()
		logger.Info("Relay: message forwarded", "to", to, "host", r.cfg.SMTPHost)
	case errors.Is(err, circuitbreaker.ErrOpen), errors.Is(err, circuitbreaker.ErrTooManyRequests):
		metrics.ForwardsTotal.WithLabelValues("circuit_open").Inc()
		logger.Warn("Relay: circuit breaker is open, skipping forward", "to", to, "host", r.cfg.SMTPHost)
		err = &RelayError{Err: err}
	case IsPermanentError(err):
		metrics.ForwardsTotal.WithLabelValues("permanent_failure").Inc()
		logger.Warn("Relay: forward rejected", "to", to, "error", err)
	default:
		metrics.ForwardsTotal.WithLabelValues("temporary_failure").Inc()
		logger.Warn("Relay: forward failed", "to", to, "error", err)
	}
	return err
}

func (r *SMTPRelay) tlsConfig() (*tls.Config, error) {
	tlsConfig := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		Renegotiation:      tls.RenegotiateNever,
		InsecureSkipVerify: !r.cfg.SMTPTLSVerify,
	}
	if r.cfg.SMTPTLSCertFile != "" && r.cfg.SMTPTLSKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(r.cfg.SMTPTLSCertFile, r.cfg.SMTPTLSKeyFile)
		if err != nil {
			return nil, &RelayError{Err: fmt.Errorf("failed to load client certificate: %w", err), Permanent: true}
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}
	return tlsConfig, nil
}

func (r *SMTPRelay) dial() (*smtp.Client, error) {
	if !r.cfg.SMTPTLS {
		c, err := smtp.Dial(r.cfg.SMTPHost)
		if err != nil {
			return nil, &RelayError{Err: fmt.Errorf("failed to connect to SMTP relay: %w", err)}
		}
		return c, nil
	}

	tlsConfig, err := r.tlsConfig()
	if err != nil {
		return nil, err
	}
	if r.cfg.SMTPUseStartTLS {
		c, err := smtp.DialStartTLS(r.cfg.SMTPHost, tlsConfig)
		if err != nil {
			return nil, &RelayError{Err: fmt.Errorf("failed to connect to SMTP relay with STARTTLS: %w", err)}
		}
		return c, nil
	}
	c, err := smtp.DialTLS(r.cfg.SMTPHost, tlsConfig)
	if err != nil {
		return nil, &RelayError{Err: fmt.Errorf("failed to connect to SMTP relay with TLS: %w", err)}
	}
	return c, nil
}

func (r *SMTPRelay) send(ctx context.Context, to string, raw []byte) error {
	c, err := r.dial()
	if err != nil {
		return err
	}
	defer c.Close()
	c.CommandTimeout = r.timeout
	c.SubmissionTimeout = r.timeout

	if r.cfg.HasAuth() {
		if err := c.Auth(sasl.NewPlainClient("", r.cfg.Username, r.cfg.Password)); err != nil {
			return &RelayError{Err: fmt.Errorf("authentication failed: %w", err), Permanent: IsPermanentError(err)}
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	from := r.cfg.From
	if err := c.Mail(from, nil); err != nil {
		return &RelayError{Err: fmt.Errorf("failed to set sender: %w", err), Permanent: IsPermanentError(err)}
	}
	if err := c.Rcpt(to, nil); err != nil {
		return &RelayError{Err: fmt.Errorf("failed to set recipient: %w", err), Permanent: IsPermanentError(err)}
	}

	wc, err := c.Data()
	if err != nil {
		return &RelayError{Err: fmt.Errorf("failed to start data: %w", err), Permanent: IsPermanentError(err)}
	}
	if _, err := wc.Write(raw); err != nil {
		_ = wc.Close()
		return &RelayError{Err: fmt.Errorf("failed to write message: %w", err)}
	}
	if err := wc.Close(); err != nil {
		return &RelayError{Err: fmt.Errorf("failed to close data writer: %w", err), Permanent: IsPermanentError(err)}
	}

	if err := c.Quit(); err != nil {
		logger.Warn("Relay: failed to send QUIT", "error", err)
	}
	return nil
}
