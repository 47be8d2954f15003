package config

import (
	"strings"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.QuoteEngine.WaitDuration() != 5*time.Second {
		t.Errorf("default auction window = %v, want 5s", cfg.QuoteEngine.WaitDuration())
	}
	if cfg.DirectMessaging.TimeoutDuration() != 10*time.Second {
		t.Errorf("default direct timeout = %v, want 10s", cfg.DirectMessaging.TimeoutDuration())
	}
	if cfg.DirectMessaging.MaxMessageSize != 10<<20 {
		t.Errorf("default maxMessageSize = %d, want 10MiB", cfg.DirectMessaging.MaxMessageSize)
	}
	if cfg.Network.MinConnections != 2 || cfg.Network.MaxConnections != 100 {
		t.Errorf("default connection bounds = %d/%d, want 2/100",
			cfg.Network.MinConnections, cfg.Network.MaxConnections)
	}
}

func TestParseOverridesDefaults(t *testing.T) {
	yaml := `
node:
  port: 9000
libp2pBootstrapServers:
  - /dns4/boot.diiisco.net/tcp/4040/p2p/12D3KooWExample
directMessaging:
  enabled: false
  timeout: 2500
quoteEngine:
  waitTime: 1000
  quoteSelectionFunction: highest-stake
models:
  enabled: true
  chargePer1MTokens: 0.25
`
	cfg, err := Parse([]byte(yaml))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Node.Port != 9000 {
		t.Errorf("node.port = %d, want 9000", cfg.Node.Port)
	}
	if len(cfg.BootstrapServers) != 1 {
		t.Errorf("bootstrap servers = %d, want 1", len(cfg.BootstrapServers))
	}
	if cfg.DirectMessaging.Enabled {
		t.Error("directMessaging.enabled should be false")
	}
	if cfg.DirectMessaging.TimeoutDuration() != 2500*time.Millisecond {
		t.Errorf("timeout = %v", cfg.DirectMessaging.TimeoutDuration())
	}
	if cfg.QuoteEngine.QuoteSelectionFunction != "highest-stake" {
		t.Errorf("selection = %s", cfg.QuoteEngine.QuoteSelectionFunction)
	}
	// Untouched sections keep their defaults.
	if cfg.API.Port != 8080 {
		t.Errorf("api.port = %d, want default 8080", cfg.API.Port)
	}
	if cfg.Models.ChargePer1MTokens != 0.25 {
		t.Errorf("chargePer1MTokens = %v", cfg.Models.ChargePer1MTokens)
	}
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	_, err := Parse([]byte("node:\n  port: 4040\nnotAThing: true\n"))
	if err == nil {
		t.Fatal("expected error for unknown key")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad port", func(c *Config) { c.Node.Port = 0 }},
		{"max below min", func(c *Config) { c.Network.MaxConnections = 1 }},
		{"zero frame cap", func(c *Config) { c.DirectMessaging.MaxMessageSize = 0 }},
		{"zero window", func(c *Config) { c.QuoteEngine.WaitTime = 0 }},
		{"unknown policy", func(c *Config) { c.QuoteEngine.QuoteSelectionFunction = "dearest" }},
		{"auth without keys", func(c *Config) { c.API.BearerAuthentication = true; c.API.Keys = nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestListenAddrs(t *testing.T) {
	cfg := Default()
	cfg.Node.Port = 4242
	addrs := cfg.ListenAddrs()
	if len(addrs) != 2 {
		t.Fatalf("got %d listen addrs, want 2", len(addrs))
	}
	for _, a := range addrs {
		if !strings.Contains(a, "4242") {
			t.Errorf("addr %s missing port", a)
		}
	}
}
