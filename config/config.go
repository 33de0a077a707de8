package config

import (
	"fmt"
	"log"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/migadu/sift/helpers"
)

// LoggingConfig selects where and how log lines are written.
type LoggingConfig struct {
	Output string `toml:"output"` // Log output: "stderr", "stdout", "syslog", or file path
	Format string `toml:"format"` // Log format: "json", "console" or "auto"
	Level  string `toml:"level"`  // Log level: "debug", "info", "warn", "error"
}

// RulesConfig lists the rule files loaded at startup, in order.
type RulesConfig struct {
	Files []string `toml:"files"`
}

// FilterConfig holds limits for the rule-execution driver.
type FilterConfig struct {
	MaxMessageSize    string   `toml:"max_message_size"`   // Messages above this are not filtered
	EvaluationTimeout string   `toml:"evaluation_timeout"` // Upper bound for one message
	DefaultFolder     string   `toml:"default_folder"`     // Folder for messages nothing moved
	SieveExtensions   []string `toml:"sieve_extensions"`   // Extensions enabled for sieve rules; empty means all supported
}

func (f *FilterConfig) GetMaxMessageSize() (int64, error) {
	if f.MaxMessageSize == "" {
		return 25 << 20, nil
	}
	return helpers.ParseSize(f.MaxMessageSize)
}

func (f *FilterConfig) GetEvaluationTimeout() (time.Duration, error) {
	if f.EvaluationTimeout == "" {
		return 10 * time.Second, nil
	}
	return helpers.ParseDuration(f.EvaluationTimeout)
}

// StoreConfig configures the SQLite message store.
type StoreConfig struct {
	Path            string `toml:"path"`
	BusyTimeout     string `toml:"busy_timeout"`
	MaxOpenConns    int    `toml:"max_open_conns"`
	MaxRetries      int    `toml:"max_retries"`      // Retries of writes hitting SQLITE_BUSY
	InitialInterval string `toml:"initial_interval"` // First retry delay
	MaxInterval     string `toml:"max_interval"`     // Retry delay cap
}

func (s *StoreConfig) GetBusyTimeout() (time.Duration, error) {
	if s.BusyTimeout == "" {
		return 60 * time.Second, nil
	}
	return helpers.ParseDuration(s.BusyTimeout)
}

func (s *StoreConfig) GetInitialInterval() (time.Duration, error) {
	if s.InitialInterval == "" {
		return 50 * time.Millisecond, nil
	}
	return helpers.ParseDuration(s.InitialInterval)
}

func (s *StoreConfig) GetMaxInterval() (time.Duration, error) {
	if s.MaxInterval == "" {
		return 2 * time.Second, nil
	}
	return helpers.ParseDuration(s.MaxInterval)
}

// MetricsConfig holds metrics server configuration
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Addr    string `toml:"addr"`
	Path    string `toml:"path"`
}

// HTTPAPIConfig holds HTTP API server configuration
type HTTPAPIConfig struct {
	Start        bool     `toml:"start"`
	Addr         string   `toml:"addr"`
	APIKey       string   `toml:"api_key"`
	AllowedHosts []string `toml:"allowed_hosts"` // If empty, all hosts are allowed
	TLS          bool     `toml:"tls"`
	TLSCertFile  string   `toml:"tls_cert_file"`
	TLSKeyFile   string   `toml:"tls_key_file"`
	MaxBodySize  string   `toml:"max_body_size"`
}

func (h *HTTPAPIConfig) GetMaxBodySize() (int64, error) {
	if h.MaxBodySize == "" {
		return 32 << 20, nil
	}
	return helpers.ParseSize(h.MaxBodySize)
}

// Config is the top-level configuration of sift.
type Config struct {
	Logging LoggingConfig `toml:"logging"`
	Rules   RulesConfig   `toml:"rules"`
	Filter  FilterConfig  `toml:"filter"`
	Store   StoreConfig   `toml:"store"`
	Relay   RelayConfig   `toml:"relay"`
	HTTPAPI HTTPAPIConfig `toml:"http_api"`
	Metrics MetricsConfig `toml:"metrics"`
}

// NewDefaultConfig returns a configuration usable without a config file.
func NewDefaultConfig() Config {
	return Config{
		Logging: LoggingConfig{
			Output: "stderr",
			Format: "auto",
			Level:  "info",
		},
		Filter: FilterConfig{
			MaxMessageSize:    "25mb",
			EvaluationTimeout: "10s",
			DefaultFolder:     "INBOX",
		},
		Store: StoreConfig{
			Path:            "sift.db",
			BusyTimeout:     "60s",
			MaxOpenConns:    4,
			MaxRetries:      5,
			InitialInterval: "50ms",
			MaxInterval:     "2s",
		},
		Relay: RelayConfig{
			SMTPTLS:       true,
			SMTPTLSVerify: true,
			Timeout:       "30s",
		},
		HTTPAPI: HTTPAPIConfig{
			Addr:        "127.0.0.1:8080",
			MaxBodySize: "32mb",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    ":9090",
			Path:    "/metrics",
		},
	}
}

// Validate checks values that cannot be caught by decoding alone.
func (c *Config) Validate() error {
	switch c.Logging.Format {
	case "", "json", "console", "auto":
	default:
		return fmt.Errorf("logging.format: unknown format %q", c.Logging.Format)
	}
	if _, err := c.Filter.GetMaxMessageSize(); err != nil {
		return fmt.Errorf("filter.max_message_size: %w", err)
	}
	if _, err := c.Filter.GetEvaluationTimeout(); err != nil {
		return fmt.Errorf("filter.evaluation_timeout: %w", err)
	}
	if c.Store.Path == "" {
		return fmt.Errorf("store.path must be set")
	}
	if _, err := c.Store.GetBusyTimeout(); err != nil {
		return fmt.Errorf("store.busy_timeout: %w", err)
	}
	if c.Store.MaxRetries < 0 {
		return fmt.Errorf("store.max_retries must not be negative")
	}
	if _, err := c.Relay.GetTimeout(); err != nil {
		return fmt.Errorf("relay.timeout: %w", err)
	}
	if c.Relay.IsConfigured() && c.Relay.From == "" {
		return fmt.Errorf("relay.from must be set when relay.smtp_host is")
	}
	if c.HTTPAPI.Start {
		if c.HTTPAPI.Addr == "" {
			return fmt.Errorf("http_api.addr must be set")
		}
		if c.HTTPAPI.APIKey == "" {
			return fmt.Errorf("http_api.api_key must be set")
		}
		if c.HTTPAPI.TLS && (c.HTTPAPI.TLSCertFile == "" || c.HTTPAPI.TLSKeyFile == "") {
			return fmt.Errorf("http_api.tls requires tls_cert_file and tls_key_file")
		}
	}
	return nil
}

// LoadConfigFromFile decodes the TOML file at configPath over cfg. Unknown
// keys are reported but do not fail the load.
func LoadConfigFromFile(configPath string, cfg *Config) error {
	content, err := os.ReadFile(configPath)
	if err != nil {
		return err
	}

	metadata, err := toml.Decode(string(content), cfg)
	if err != nil {
		if !strings.Contains(err.Error(), "has already been defined") {
			return enhanceConfigError(err)
		}
		log.Printf("WARNING: Configuration file '%s' contains duplicate keys: %v", configPath, err)
		log.Printf("WARNING: Only the first occurrence of each key will be used.")
		metadata, err = toml.Decode(removeDuplicateKeysFromTOML(string(content)), cfg)
		if err != nil {
			return enhanceConfigError(err)
		}
	}

	if undecoded := metadata.Undecoded(); len(undecoded) > 0 {
		log.Printf("WARNING: Configuration file '%s' contains unknown keys that will be ignored:", configPath)
		for _, key := range undecoded {
			log.Printf("WARNING:   - %s", key)
		}
	}

	trimStringFields(reflect.ValueOf(cfg).Elem())
	return nil
}

// removeDuplicateKeysFromTOML comments out every repeated key of a table,
// keeping the first occurrence. Each [[array]] element starts afresh.
func removeDuplicateKeysFromTOML(content string) string {
	lines := strings.Split(content, "\n")
	seen := make(map[string]int)
	section := ""

	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		switch {
		case trimmed == "" || strings.HasPrefix(trimmed, "#"):
			continue
		case strings.HasPrefix(trimmed, "[[") && strings.HasSuffix(trimmed, "]]"):
			section = strings.TrimSpace(trimmed[2 : len(trimmed)-2])
			for k := range seen {
				if strings.HasPrefix(k, section+".") {
					delete(seen, k)
				}
			}
			continue
		case strings.HasPrefix(trimmed, "[") && strings.HasSuffix(trimmed, "]"):
			section = strings.TrimSpace(trimmed[1 : len(trimmed)-1])
			continue
		}

		key, _, ok := strings.Cut(trimmed, "=")
		if !ok {
			continue
		}
		full := strings.TrimSpace(key)
		if section != "" {
			full = section + "." + full
		}
		if first, dup := seen[full]; dup {
			log.Printf("WARNING: Duplicate key '%s' at line %d (first at line %d). Ignoring duplicate.", full, i+1, first+1)
			lines[i] = "# DUPLICATE IGNORED: " + line
			continue
		}
		seen[full] = i
	}
	return strings.Join(lines, "\n")
}

// enhanceConfigError adds a hint to common TOML mistakes.
func enhanceConfigError(err error) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, `expected value but found "f"`), strings.Contains(msg, `expected value but found "t"`):
		return fmt.Errorf("%w\n\nHINT: TOML booleans must be exactly 'true' or 'false'", err)
	case strings.Contains(msg, "expected"), strings.Contains(msg, "invalid"):
		return fmt.Errorf("%w\n\nHINT: check quoting, balanced brackets and [section] headers", err)
	}
	return err
}

// trimStringFields recursively trims whitespace from all string fields in a struct
func trimStringFields(v reflect.Value) {
	if !v.IsValid() || !v.CanSet() {
		return
	}
	switch v.Kind() {
	case reflect.String:
		v.SetString(strings.TrimSpace(v.String()))
	case reflect.Slice:
		for i := 0; i < v.Len(); i++ {
			trimStringFields(v.Index(i))
		}
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			trimStringFields(v.Field(i))
		}
	case reflect.Ptr:
		if !v.IsNil() {
			trimStringFields(v.Elem())
		}
	}
}
