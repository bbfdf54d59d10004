// Package config handles configuration loading and management for Courier.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration for YAML parsing of values like "30s" or "5m".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// ServerConfig holds the HTTP server settings.
type ServerConfig struct {
	// Host is the HTTP server host/IP address (default: 127.0.0.1).
	// Use "0.0.0.0" to listen on all interfaces.
	Host string `yaml:"host"`
	// Port is the HTTP server port (default: 8080)
	Port int `yaml:"port"`
	// AuthToken is an optional bearer token required on API endpoints.
	// Loopback requests are exempt when no token is configured.
	AuthToken string `yaml:"auth_token"`
	// MaxConversations caps the number of live conversations (0 = unlimited)
	MaxConversations int `yaml:"max_conversations"`
	// RateLimitRPS is the per-client request rate limit (0 disables limiting)
	RateLimitRPS float64 `yaml:"rate_limit_rps"`
	// RateLimitBurst is the per-client burst allowance
	RateLimitBurst int `yaml:"rate_limit_burst"`
	// UpstreamURL is an optional agent backend to proxy prompts to.
	// When empty, the built-in echo producer answers prompts.
	UpstreamURL string `yaml:"upstream_url"`
}

// BroadcastConfig holds event fan-out settings.
type BroadcastConfig struct {
	// RingCapacity is the per-conversation replay buffer size
	RingCapacity int `yaml:"ring_capacity"`
	// SubscriberBuffer is the per-subscriber channel depth
	SubscriberBuffer int `yaml:"subscriber_buffer"`
	// MaxSeen caps the per-conversation dedup fingerprint set
	MaxSeen int `yaml:"max_seen"`
	// ConversationTTL is how long an idle conversation survives
	ConversationTTL Duration `yaml:"conversation_ttl"`
	// ReapInterval is how often idle conversations are scanned
	ReapInterval Duration `yaml:"reap_interval"`
	// HeartbeatInterval is how often heartbeats are fanned out
	HeartbeatInterval Duration `yaml:"heartbeat_interval"`
	// DegradedThreshold is the conversation count where health turns degraded
	DegradedThreshold int `yaml:"degraded_threshold"`
	// CriticalThreshold is the conversation count where health turns critical
	CriticalThreshold int `yaml:"critical_threshold"`
}

// ClientConfig holds streaming client reconnection settings.
type ClientConfig struct {
	// BackoffBase is the initial reconnect delay
	BackoffBase Duration `yaml:"backoff_base"`
	// BackoffMax caps the reconnect delay
	BackoffMax Duration `yaml:"backoff_max"`
	// MaxAttempts is the reconnect attempt limit before giving up
	MaxAttempts int `yaml:"max_attempts"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level      string   `yaml:"level"`
	FileLevel  string   `yaml:"file_level"`
	File       string   `yaml:"file"`
	JSON       bool     `yaml:"json"`
	Components []string `yaml:"components"`
}

// Config represents the complete Courier configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Broadcast BroadcastConfig `yaml:"broadcast"`
	Client    ClientConfig    `yaml:"client"`
	Log       LogConfig       `yaml:"log"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:           "127.0.0.1",
			Port:           8080,
			RateLimitRPS:   10,
			RateLimitBurst: 20,
		},
		Broadcast: BroadcastConfig{
			RingCapacity:      512,
			SubscriberBuffer:  256,
			MaxSeen:           4096,
			ConversationTTL:   Duration(30 * time.Minute),
			ReapInterval:      Duration(time.Minute),
			HeartbeatInterval: Duration(30 * time.Second),
			DegradedThreshold: 500,
			CriticalThreshold: 2000,
		},
		Client: ClientConfig{
			BackoffBase: Duration(time.Second),
			BackoffMax:  Duration(30 * time.Second),
			MaxAttempts: 10,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// DefaultConfigPath returns the default configuration file path for the
// current platform.
func DefaultConfigPath() string {
	if envPath := os.Getenv("COURIERRC"); envPath != "" {
		return envPath
	}

	var configDir string
	switch runtime.GOOS {
	case "windows":
		configDir = os.Getenv("APPDATA")
		if configDir == "" {
			configDir = filepath.Join(os.Getenv("USERPROFILE"), "AppData", "Roaming")
		}
	case "darwin":
		home, _ := os.UserHomeDir()
		configDir = home
	default: // linux and others
		if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
			configDir = xdgConfig
		} else {
			home, _ := os.UserHomeDir()
			configDir = home
		}
	}

	return filepath.Join(configDir, ".courierrc")
}

// Load reads and parses the configuration file from the given path.
// Values not present in the file keep their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	return Parse(data)
}

// Parse parses YAML configuration data into a Config struct, applying
// defaults for missing values.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for inconsistent values.
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Broadcast.RingCapacity <= 0 {
		return fmt.Errorf("broadcast.ring_capacity must be positive, got %d", c.Broadcast.RingCapacity)
	}
	if c.Broadcast.SubscriberBuffer <= 0 {
		return fmt.Errorf("broadcast.subscriber_buffer must be positive, got %d", c.Broadcast.SubscriberBuffer)
	}
	if c.Broadcast.HeartbeatInterval.Std() <= 0 {
		return fmt.Errorf("broadcast.heartbeat_interval must be positive")
	}
	if c.Broadcast.CriticalThreshold < c.Broadcast.DegradedThreshold {
		return fmt.Errorf("broadcast.critical_threshold %d below degraded_threshold %d",
			c.Broadcast.CriticalThreshold, c.Broadcast.DegradedThreshold)
	}
	if c.Client.BackoffBase.Std() <= 0 {
		return fmt.Errorf("client.backoff_base must be positive")
	}
	if c.Client.BackoffMax.Std() < c.Client.BackoffBase.Std() {
		return fmt.Errorf("client.backoff_max below backoff_base")
	}
	if c.Client.MaxAttempts <= 0 {
		return fmt.Errorf("client.max_attempts must be positive, got %d", c.Client.MaxAttempts)
	}
	return nil
}

// Addr returns the host:port string the server listens on.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
