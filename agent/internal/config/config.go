package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Default values applied when fields are absent from the config file.
const (
	DefaultPollInterval  = 60 * time.Second
	DefaultLookback      = 24 * time.Hour
	DefaultBufferSize    = 1000
	DefaultGitHubAPIURL  = "https://api.github.com"
	DefaultServerTimeout = 10 * time.Second
)

// Config is the top-level collector configuration.
type Config struct {
	Agent AgentConfig `yaml:"agent"`
}

// AgentConfig holds all collector settings.
type AgentConfig struct {
	// ServerURL is the base URL of buildpulse-server, e.g. http://localhost:8080.
	ServerURL string `yaml:"server_url"`

	// PollInterval controls how often each source is polled.
	PollInterval time.Duration `yaml:"poll_interval"`

	// Lookback bounds how far back a poll asks the provider for builds. It is
	// also how long shipped build keys are remembered.
	Lookback time.Duration `yaml:"lookback"`

	// BufferSize is the maximum number of builds held in memory while the
	// server is unreachable.
	BufferSize int `yaml:"buffer_size"`

	// ServerTimeout bounds a single ingest request.
	ServerTimeout time.Duration `yaml:"server_timeout"`

	// Sources is the list of CI providers to poll.
	Sources []Source `yaml:"sources"`
}

// Source describes one polled CI provider.
type Source struct {
	// ID is a unique, human-readable identifier for this source.
	ID string `yaml:"id"`

	// Type is the provider: github | jenkins.
	Type string `yaml:"type"`

	// Endpoint is the provider API base URL. Defaults to the public GitHub
	// API for github sources; required for jenkins.
	Endpoint string `yaml:"endpoint"`

	// Repos lists "owner/name" repositories (github).
	Repos []string `yaml:"repos"`

	// Jobs lists job names (jenkins). Folder jobs use "folder/job".
	Jobs []string `yaml:"jobs"`

	Auth AuthConfig `yaml:"auth"`
	TLS  TLSConfig  `yaml:"tls"`
}

// AuthConfig specifies how the collector authenticates to a source.
type AuthConfig struct {
	// Mode is one of: bearer | basic | mtls | none.
	Mode string `yaml:"mode"`

	// TokenEnv names the environment variable holding the bearer token
	// (GitHub personal access token) or the basic-auth password (Jenkins
	// API token).
	TokenEnv string `yaml:"token_env"`

	// Username is the basic-auth user.
	Username string `yaml:"username"`

	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
	CAFile   string `yaml:"ca_file"`
}

// Token returns the secret resolved from the environment.
func (a AuthConfig) Token() string {
	if a.TokenEnv == "" {
		return ""
	}
	return os.Getenv(a.TokenEnv)
}

// TLSConfig holds per-source TLS dial options.
type TLSConfig struct {
	// InsecureSkipVerify disables TLS certificate verification.
	InsecureSkipVerify bool `yaml:"insecure_skip_verify"`
}

// Load reads and parses the YAML config file at path.
// Missing optional fields are filled with sensible defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read file: %w", err)
	}

	cfg := defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse yaml: %w", err)
	}
	for i := range cfg.Agent.Sources {
		src := &cfg.Agent.Sources[i]
		if src.Type == "github" && src.Endpoint == "" {
			src.Endpoint = DefaultGitHubAPIURL
		}
		src.Endpoint = strings.TrimRight(src.Endpoint, "/")
	}
	cfg.Agent.ServerURL = strings.TrimRight(cfg.Agent.ServerURL, "/")

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Agent: AgentConfig{
			PollInterval:  DefaultPollInterval,
			Lookback:      DefaultLookback,
			BufferSize:    DefaultBufferSize,
			ServerTimeout: DefaultServerTimeout,
		},
	}
}

func validate(cfg *Config) error {
	a := cfg.Agent
	if a.ServerURL == "" {
		return fmt.Errorf("agent.server_url is required")
	}
	if u, err := url.Parse(a.ServerURL); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("agent.server_url %q is not an absolute URL", a.ServerURL)
	}
	if a.PollInterval <= 0 {
		return fmt.Errorf("agent.poll_interval must be positive")
	}
	if a.Lookback <= 0 {
		return fmt.Errorf("agent.lookback must be positive")
	}
	if a.BufferSize <= 0 {
		return fmt.Errorf("agent.buffer_size must be positive")
	}
	if a.ServerTimeout <= 0 {
		return fmt.Errorf("agent.server_timeout must be positive")
	}

	ids := make(map[string]bool, len(a.Sources))
	for i, src := range a.Sources {
		if src.ID == "" {
			return fmt.Errorf("sources[%d]: id is required", i)
		}
		if ids[src.ID] {
			return fmt.Errorf("sources[%d]: duplicate id %q", i, src.ID)
		}
		ids[src.ID] = true

		switch src.Type {
		case "github":
			if len(src.Repos) == 0 {
				return fmt.Errorf("sources[%d] %q: at least one repo is required", i, src.ID)
			}
			for _, r := range src.Repos {
				if owner, name, ok := strings.Cut(r, "/"); !ok || owner == "" || name == "" {
					return fmt.Errorf("sources[%d] %q: repo %q must be owner/name", i, src.ID, r)
				}
			}
		case "jenkins":
			if src.Endpoint == "" {
				return fmt.Errorf("sources[%d] %q: endpoint is required", i, src.ID)
			}
			if len(src.Jobs) == 0 {
				return fmt.Errorf("sources[%d] %q: at least one job is required", i, src.ID)
			}
		default:
			return fmt.Errorf("sources[%d] %q: unknown type %q", i, src.ID, src.Type)
		}

		switch src.Auth.Mode {
		case "bearer", "basic", "mtls", "none", "":
		default:
			return fmt.Errorf("sources[%d] %q: unknown auth mode %q", i, src.ID, src.Auth.Mode)
		}
		if src.Auth.Mode == "mtls" && (src.Auth.CertFile == "" || src.Auth.KeyFile == "") {
			return fmt.Errorf("sources[%d] %q: mtls requires cert_file and key_file", i, src.ID)
		}
	}
	return nil
}
