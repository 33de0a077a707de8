package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sift.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestNewDefaultConfigIsValid(t *testing.T) {
	cfg := NewDefaultConfig()
	require.NoError(t, cfg.Validate())

	size, err := cfg.Filter.GetMaxMessageSize()
	require.NoError(t, err)
	assert.Equal(t, int64(25<<20), size)

	timeout, err := cfg.Filter.GetEvaluationTimeout()
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, timeout)
}

func TestLoadConfigFromFile(t *testing.T) {
	path := writeConfig(t, `
[logging]
level = " debug "
format = "json"

[rules]
files = ["/etc/sift/rules.toml", "/etc/sift/extra.yaml"]

[filter]
max_message_size = "10mb"
evaluation_timeout = "2s"

[store]
path = "/var/lib/sift/sift.db"
busy_timeout = "1d"

[relay]
smtp_host = "smtp.example.com:587"
smtp_use_starttls = true
from = "filters@example.com"

[http_api]
start = true
addr = ":8081"
api_key = "secret"
`)

	cfg := NewDefaultConfig()
	require.NoError(t, LoadConfigFromFile(path, &cfg))
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, []string{"/etc/sift/rules.toml", "/etc/sift/extra.yaml"}, cfg.Rules.Files)
	assert.True(t, cfg.Relay.IsConfigured())
	assert.True(t, cfg.Relay.SMTPTLSVerify, "defaults survive partial tables")

	busy, err := cfg.Store.GetBusyTimeout()
	require.NoError(t, err)
	assert.Equal(t, 24*time.Hour, busy)

	size, err := cfg.Filter.GetMaxMessageSize()
	require.NoError(t, err)
	assert.Equal(t, int64(10<<20), size)
}

func TestLoadConfigFromFile_UnknownKeys(t *testing.T) {
	path := writeConfig(t, `
[store]
path = "x.db"
typo_setting = 123
`)
	cfg := NewDefaultConfig()
	require.NoError(t, LoadConfigFromFile(path, &cfg))
	assert.Equal(t, "x.db", cfg.Store.Path)
}

func TestLoadConfigFromFile_Errors(t *testing.T) {
	cfg := NewDefaultConfig()
	assert.Error(t, LoadConfigFromFile(filepath.Join(t.TempDir(), "missing.toml"), &cfg))

	path := writeConfig(t, "[metrics]\nenabled = t\n")
	err := LoadConfigFromFile(path, &cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HINT")
}

func TestRemoveDuplicateKeys(t *testing.T) {
	content := `
[store]
path = "a.db"
path = "b.db"

[[rules]]
name = "one"

[[rules]]
name = "two"
`
	cleaned := removeDuplicateKeysFromTOML(content)
	assert.Contains(t, cleaned, `# DUPLICATE IGNORED: path = "b.db"`)
	assert.Contains(t, cleaned, `path = "a.db"`)
	assert.NotContains(t, cleaned, "# DUPLICATE IGNORED: name")
	assert.Equal(t, 1, strings.Count(cleaned, "DUPLICATE IGNORED"))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
		{"bad size", func(c *Config) { c.Filter.MaxMessageSize = "huge" }, "max_message_size"},
		{"bad timeout", func(c *Config) { c.Filter.EvaluationTimeout = "soon" }, "evaluation_timeout"},
		{"no store path", func(c *Config) { c.Store.Path = "" }, "store.path"},
		{"relay without from", func(c *Config) { c.Relay.SMTPHost = "smtp:25" }, "relay.from"},
		{"api without key", func(c *Config) { c.HTTPAPI.Start = true }, "api_key"},
		{"api tls without files", func(c *Config) {
			c.HTTPAPI.Start = true
			c.HTTPAPI.APIKey = "k"
			c.HTTPAPI.TLS = true
		}, "tls_cert_file"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}
