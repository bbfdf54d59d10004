package config

import (
	"testing"
	"time"
)

func TestParse_ValidConfig(t *testing.T) {
	yaml := `
server:
  host: "0.0.0.0"
  port: 9000
  auth_token: "secret"
  max_conversations: 100
broadcast:
  ring_capacity: 128
  conversation_ttl: "10m"
  heartbeat_interval: "15s"
client:
  backoff_base: "500ms"
  max_attempts: 5
log:
  level: "debug"
  components: ["web", "broadcast"]
`
	cfg, err := Parse([]byte(yaml))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	if cfg.Server.Host != "0.0.0.0" {
		t.Errorf("Server.Host = %q, want %q", cfg.Server.Host, "0.0.0.0")
	}
	if cfg.Server.Port != 9000 {
		t.Errorf("Server.Port = %d, want %d", cfg.Server.Port, 9000)
	}
	if cfg.Server.AuthToken != "secret" {
		t.Errorf("Server.AuthToken = %q, want %q", cfg.Server.AuthToken, "secret")
	}
	if cfg.Broadcast.RingCapacity != 128 {
		t.Errorf("Broadcast.RingCapacity = %d, want 128", cfg.Broadcast.RingCapacity)
	}
	if cfg.Broadcast.ConversationTTL.Std() != 10*time.Minute {
		t.Errorf("Broadcast.ConversationTTL = %v, want 10m", cfg.Broadcast.ConversationTTL.Std())
	}
	if cfg.Broadcast.HeartbeatInterval.Std() != 15*time.Second {
		t.Errorf("Broadcast.HeartbeatInterval = %v, want 15s", cfg.Broadcast.HeartbeatInterval.Std())
	}
	if cfg.Client.BackoffBase.Std() != 500*time.Millisecond {
		t.Errorf("Client.BackoffBase = %v, want 500ms", cfg.Client.BackoffBase.Std())
	}
	if cfg.Client.MaxAttempts != 5 {
		t.Errorf("Client.MaxAttempts = %d, want 5", cfg.Client.MaxAttempts)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want %q", cfg.Log.Level, "debug")
	}
	if len(cfg.Log.Components) != 2 {
		t.Errorf("Log.Components count = %d, want 2", len(cfg.Log.Components))
	}
}

func TestParse_DefaultsPreservedForMissingValues(t *testing.T) {
	yaml := `
server:
  port: 9999
`
	cfg, err := Parse([]byte(yaml))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	def := Default()
	if cfg.Server.Port != 9999 {
		t.Errorf("Server.Port = %d, want 9999", cfg.Server.Port)
	}
	if cfg.Server.Host != def.Server.Host {
		t.Errorf("Server.Host = %q, want default %q", cfg.Server.Host, def.Server.Host)
	}
	if cfg.Broadcast.RingCapacity != def.Broadcast.RingCapacity {
		t.Errorf("Broadcast.RingCapacity = %d, want default %d",
			cfg.Broadcast.RingCapacity, def.Broadcast.RingCapacity)
	}
	if cfg.Client.BackoffMax.Std() != def.Client.BackoffMax.Std() {
		t.Errorf("Client.BackoffMax = %v, want default %v",
			cfg.Client.BackoffMax.Std(), def.Client.BackoffMax.Std())
	}
}

func TestParse_InvalidYAML(t *testing.T) {
	yaml := `{{invalid yaml`
	_, err := Parse([]byte(yaml))
	if err == nil {
		t.Error("expected error for invalid YAML, got nil")
	}
}

func TestParse_InvalidDuration(t *testing.T) {
	yaml := `
broadcast:
  conversation_ttl: "soon"
`
	_, err := Parse([]byte(yaml))
	if err == nil {
		t.Error("expected error for invalid duration, got nil")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults are valid", func(c *Config) {}, false},
		{"port out of range", func(c *Config) { c.Server.Port = 70000 }, true},
		{"zero ring capacity", func(c *Config) { c.Broadcast.RingCapacity = 0 }, true},
		{"zero subscriber buffer", func(c *Config) { c.Broadcast.SubscriberBuffer = 0 }, true},
		{"critical below degraded", func(c *Config) {
			c.Broadcast.DegradedThreshold = 100
			c.Broadcast.CriticalThreshold = 50
		}, true},
		{"zero heartbeat interval", func(c *Config) { c.Broadcast.HeartbeatInterval = 0 }, true},
		{"zero backoff base", func(c *Config) { c.Client.BackoffBase = 0 }, true},
		{"backoff max below base", func(c *Config) {
			c.Client.BackoffBase = Duration(10 * time.Second)
			c.Client.BackoffMax = Duration(time.Second)
		}, true},
		{"zero max attempts", func(c *Config) { c.Client.MaxAttempts = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestAddr(t *testing.T) {
	cfg := Default()
	if got := cfg.Addr(); got != "127.0.0.1:8080" {
		t.Errorf("Addr() = %q, want %q", got, "127.0.0.1:8080")
	}
}
