package config

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/buildpulse/buildpulse/server/internal/metrics"
)

// Default values for the server configuration.
const (
	DefaultHTTPPort      = 8080
	DefaultSQLitePath    = "buildpulse.db"
	DefaultQueueSize     = 64
	DefaultCacheTTL      = 10 * time.Second
	DefaultWindow        = "7d"
	DefaultRatePerMinute = 6
	DefaultAlertWorkers  = 2
	DefaultAlertBuffer   = 100
	DefaultRelayAddr     = "localhost:6379"
	DefaultRelayChannel  = "buildpulse:builds"
	DefaultLogMaxSizeMB  = 100
	DefaultLogMaxBackups = 3
	DefaultLogMaxAgeDays = 28
	DefaultSMTPPort      = 587
)

// Config holds the server-side configuration parsed from the `server:` section
// of config.yaml. The `agent:` key in the same file is ignored.
type Config struct {
	Server ServerConfig `yaml:"server"`
}

// ServerConfig holds all server-side settings.
type ServerConfig struct {
	// HTTPPort is the port the REST API and WebSocket stream listen on (default 8080).
	HTTPPort int `yaml:"http_port"`

	Log     LogConfig     `yaml:"log"`
	Storage StorageConfig `yaml:"storage"`
	Hub     HubConfig     `yaml:"hub"`
	Metrics MetricsConfig `yaml:"metrics"`

	// Alerts configures failure notifications. Webhook targets are reloaded
	// when the file changes; the other fields need a restart.
	Alerts AlertsConfig `yaml:"alerts"`

	Relay RelayConfig `yaml:"relay"`
}

// LogConfig controls the process logger.
type LogConfig struct {
	// Level is one of: debug | info | warn | error.
	Level string `yaml:"level"`

	// File, when set, sends logs to a size-rotated file instead of stdout.
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// SlogLevel maps Level onto a slog.Level. Unknown values mean info.
func (l LogConfig) SlogLevel() slog.Level {
	switch strings.ToLower(l.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// StorageConfig selects the build store backend.
type StorageConfig struct {
	// Driver is one of: sqlite | mysql (default sqlite).
	Driver string `yaml:"driver"`

	// Path is the SQLite database file.
	Path string `yaml:"path"`

	// DSNEnv is the name of the environment variable that holds the MySQL DSN.
	DSNEnv string `yaml:"dsn_env"`
}

// DSN returns the MySQL DSN resolved from the environment.
func (s StorageConfig) DSN() string {
	if s.DSNEnv == "" {
		return ""
	}
	return os.Getenv(s.DSNEnv)
}

// HubConfig sizes live-update fan-out.
type HubConfig struct {
	// QueueSize is the per-subscriber event queue depth (default 64).
	QueueSize int `yaml:"queue_size"`
}

// MetricsConfig controls summary computation.
type MetricsConfig struct {
	// CacheTTL bounds how long a computed summary is reused. Zero disables caching.
	CacheTTL time.Duration `yaml:"cache_ttl"`

	// DefaultWindow is used when a request does not name one (default 7d).
	DefaultWindow string `yaml:"default_window"`
}

// Window returns DefaultWindow parsed. It is valid after Load.
func (m MetricsConfig) Window() time.Duration {
	d, err := metrics.ParseWindow(m.DefaultWindow)
	if err != nil {
		return metrics.DefaultWindow
	}
	return d
}

// AlertsConfig holds failure alert delivery settings.
type AlertsConfig struct {
	// RatePerMinute caps alerts per pipeline. Zero disables the limit.
	RatePerMinute int `yaml:"rate_per_minute"`

	// Workers is the number of concurrent webhook senders.
	Workers int `yaml:"workers"`

	// BufferSize is the number of alerts that may wait for a worker before
	// new ones are dropped.
	BufferSize int `yaml:"buffer_size"`

	Webhooks []WebhookConfig `yaml:"webhooks"`
}

// WebhookConfig defines one alert delivery target.
type WebhookConfig struct {
	// Type is one of: slack | teams | http | email.
	Type string `yaml:"type"`

	// URLEnv is the name of the environment variable that holds the webhook
	// URL. Unused by email targets.
	URLEnv string `yaml:"url_env"`

	// SMTP settings, used only by email targets.
	SMTPHost string   `yaml:"smtp_host"`
	SMTPPort int      `yaml:"smtp_port"`
	Username string   `yaml:"username"`
	From     string   `yaml:"from"`
	To       []string `yaml:"to"`

	// PasswordEnv is the name of the environment variable that holds the
	// SMTP password. Empty means no AUTH.
	PasswordEnv string `yaml:"password_env"`
}

// URL returns the webhook URL resolved from the environment.
func (w WebhookConfig) URL() string {
	if w.URLEnv == "" {
		return ""
	}
	return os.Getenv(w.URLEnv)
}

// SMTPAddr returns host:port of the mail relay, defaulting the port to 587.
func (w WebhookConfig) SMTPAddr() string {
	port := w.SMTPPort
	if port == 0 {
		port = DefaultSMTPPort
	}
	return net.JoinHostPort(w.SMTPHost, strconv.Itoa(port))
}

// Password returns the SMTP password resolved from the environment.
func (w WebhookConfig) Password() string {
	if w.PasswordEnv == "" {
		return ""
	}
	return os.Getenv(w.PasswordEnv)
}

// RelayConfig controls republishing of build events to Redis.
type RelayConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`

	// PasswordEnv is the name of the environment variable that holds the
	// Redis password. Empty means no AUTH.
	PasswordEnv string `yaml:"password_env"`

	DB      int    `yaml:"db"`
	Channel string `yaml:"channel"`
}

// Password returns the Redis password resolved from the environment.
func (r RelayConfig) Password() string {
	if r.PasswordEnv == "" {
		return ""
	}
	return os.Getenv(r.PasswordEnv)
}

// Load reads and parses the config file at path, returning the server configuration.
// Missing fields are filled with sensible defaults before validation.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("server config: read %q: %w", path, err)
	}
	return Parse(data)
}

// Parse is Load for configuration already in memory.
func Parse(data []byte) (*Config, error) {
	cfg := Defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("server config: parse yaml: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("server config: %w", err)
	}

	return cfg, nil
}

// Defaults returns a Config pre-populated with default values. It is what the
// server runs with when no config file is given.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPPort: DefaultHTTPPort,
			Log: LogConfig{
				Level:      "info",
				MaxSizeMB:  DefaultLogMaxSizeMB,
				MaxBackups: DefaultLogMaxBackups,
				MaxAgeDays: DefaultLogMaxAgeDays,
			},
			Storage: StorageConfig{
				Driver: "sqlite",
				Path:   DefaultSQLitePath,
			},
			Hub: HubConfig{QueueSize: DefaultQueueSize},
			Metrics: MetricsConfig{
				CacheTTL:      DefaultCacheTTL,
				DefaultWindow: DefaultWindow,
			},
			Alerts: AlertsConfig{
				RatePerMinute: DefaultRatePerMinute,
				Workers:       DefaultAlertWorkers,
				BufferSize:    DefaultAlertBuffer,
			},
			Relay: RelayConfig{
				Addr:    DefaultRelayAddr,
				Channel: DefaultRelayChannel,
			},
		},
	}
}

// validate checks structural constraints on the parsed configuration.
func validate(cfg *Config) error {
	s := &cfg.Server
	if s.HTTPPort <= 0 || s.HTTPPort > 65535 {
		return fmt.Errorf("server.http_port %d is out of range [1, 65535]", s.HTTPPort)
	}

	switch strings.ToLower(s.Log.Level) {
	case "debug", "info", "warn", "error", "":
	default:
		return fmt.Errorf("server.log.level %q unknown: want debug|info|warn|error", s.Log.Level)
	}

	switch s.Storage.Driver {
	case "sqlite", "":
		if s.Storage.Path == "" {
			return fmt.Errorf("server.storage.path is required for sqlite")
		}
	case "mysql":
		if s.Storage.DSNEnv == "" {
			return fmt.Errorf("server.storage.dsn_env is required for mysql")
		}
	default:
		return fmt.Errorf("server.storage.driver %q unknown: want sqlite|mysql", s.Storage.Driver)
	}

	if s.Hub.QueueSize <= 0 {
		return fmt.Errorf("server.hub.queue_size must be positive")
	}

	if s.Metrics.CacheTTL < 0 {
		return fmt.Errorf("server.metrics.cache_ttl must not be negative")
	}
	if _, err := metrics.ParseWindow(s.Metrics.DefaultWindow); err != nil {
		return fmt.Errorf("server.metrics.default_window: %w", err)
	}

	if s.Alerts.RatePerMinute < 0 {
		return fmt.Errorf("server.alerts.rate_per_minute must not be negative")
	}
	if s.Alerts.Workers <= 0 {
		return fmt.Errorf("server.alerts.workers must be positive")
	}
	if s.Alerts.BufferSize <= 0 {
		return fmt.Errorf("server.alerts.buffer_size must be positive")
	}
	for i, wh := range s.Alerts.Webhooks {
		switch wh.Type {
		case "slack", "teams", "http":
			if wh.URLEnv == "" {
				return fmt.Errorf("server.alerts.webhooks[%d].url_env is required", i)
			}
		case "email":
			if wh.SMTPHost == "" {
				return fmt.Errorf("server.alerts.webhooks[%d].smtp_host is required for email", i)
			}
			if wh.SMTPPort < 0 || wh.SMTPPort > 65535 {
				return fmt.Errorf("server.alerts.webhooks[%d].smtp_port %d is out of range [1, 65535]", i, wh.SMTPPort)
			}
			if wh.From == "" {
				return fmt.Errorf("server.alerts.webhooks[%d].from is required for email", i)
			}
			if len(wh.To) == 0 {
				return fmt.Errorf("server.alerts.webhooks[%d].to needs at least one recipient", i)
			}
		default:
			return fmt.Errorf("server.alerts.webhooks[%d].type %q unknown: want slack|teams|http|email", i, wh.Type)
		}
	}

	if s.Relay.Enabled {
		if s.Relay.Addr == "" {
			return fmt.Errorf("server.relay.addr is required when the relay is enabled")
		}
		if s.Relay.Channel == "" {
			return fmt.Errorf("server.relay.channel is required when the relay is enabled")
		}
	}
	return nil
}
