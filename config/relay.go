package config

import (
	"time"

	"github.com/migadu/sift/helpers"
)

// RelayConfig defines the SMTP server used by the forward-to action.
type RelayConfig struct {
	SMTPHost        string `toml:"smtp_host"`          // SMTP server address (e.g., "smtp.example.com:587")
	SMTPTLS         bool   `toml:"smtp_tls"`           // Use TLS for SMTP connection
	SMTPTLSVerify   bool   `toml:"smtp_tls_verify"`    // Verify TLS certificates
	SMTPUseStartTLS bool   `toml:"smtp_use_starttls"`  // Use STARTTLS instead of direct TLS
	SMTPTLSCertFile string `toml:"smtp_tls_cert_file"` // Client certificate for mTLS (optional)
	SMTPTLSKeyFile  string `toml:"smtp_tls_key_file"`  // Client key for mTLS (optional)

	Username string `toml:"username"` // SASL PLAIN credentials (optional)
	Password string `toml:"password"`

	From    string `toml:"from"`    // Envelope sender of forwarded copies
	Timeout string `toml:"timeout"` // Dial and command timeout
}

// IsConfigured returns true if the relay is configured
func (r *RelayConfig) IsConfigured() bool {
	return r.SMTPHost != ""
}

func (r *RelayConfig) HasAuth() bool {
	return r.Username != ""
}

func (r *RelayConfig) GetTimeout() (time.Duration, error) {
	if r.Timeout == "" {
		return 30 * time.Second, nil
	}
	return helpers.ParseDuration(r.Timeout)
}
