// Package config holds the daemon configuration: one value constructed at
// start-up and passed explicitly through constructors.
package config

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full configuration contract. Unknown keys in the YAML file
// are rejected at load time.
type Config struct {
	Node             NodeConfig            `yaml:"node"`
	BootstrapServers []string              `yaml:"libp2pBootstrapServers"`
	Network          NetworkConfig         `yaml:"network"`
	Relay            RelayConfig           `yaml:"relay"`
	DirectMessaging  DirectMessagingConfig `yaml:"directMessaging"`
	QuoteEngine      QuoteEngineConfig     `yaml:"quoteEngine"`
	Models           ModelsConfig          `yaml:"models"`
	Algorand         AlgorandConfig        `yaml:"algorand"`
	API              APIConfig             `yaml:"api"`
	Identity         IdentityConfig        `yaml:"identity"`
	Storage          StorageConfig         `yaml:"storage"`
	Logging          LoggingConfig         `yaml:"logging"`
}

// NodeConfig holds the listen port and advertised host.
type NodeConfig struct {
	Port int    `yaml:"port"`
	URL  string `yaml:"url"`
}

// NetworkConfig holds connection manager and discovery settings.
type NetworkConfig struct {
	MinConnections             int  `yaml:"minConnections"`
	MaxConnections             int  `yaml:"maxConnections"`
	InboundConnectionThreshold int  `yaml:"inboundConnectionThreshold"`
	EnableMDNS                 bool `yaml:"enableMDNS"`
	EnableDHT                  bool `yaml:"enableDHT"`
}

// RelayConfig controls NAT traversal behavior.
type RelayConfig struct {
	EnableRelayServer     bool  `yaml:"enableRelayServer"`
	EnableRelayClient     bool  `yaml:"enableRelayClient"`
	EnableDCUtR           bool  `yaml:"enableDCUtR"`
	MaxRelayedConnections int   `yaml:"maxRelayedConnections"`
	MaxDataPerConnection  int64 `yaml:"maxDataPerConnection"`
	MaxRelayDuration      int64 `yaml:"maxRelayDuration"` // milliseconds
}

// DirectMessagingConfig gates the one-shot direct stream protocol.
type DirectMessagingConfig struct {
	Enabled             bool   `yaml:"enabled"`
	Timeout             int64  `yaml:"timeout"` // milliseconds
	FallbackToGossipsub bool   `yaml:"fallbackToGossipsub"`
	Protocol            string `yaml:"protocol"`
	MaxMessageSize      int64  `yaml:"maxMessageSize"`
}

// TimeoutDuration returns the per-stream abort timeout.
func (c DirectMessagingConfig) TimeoutDuration() time.Duration {
	return time.Duration(c.Timeout) * time.Millisecond
}

// QuoteEngineConfig controls the auction window and selection policy.
type QuoteEngineConfig struct {
	WaitTime               int64    `yaml:"waitTime"` // milliseconds
	QuoteSelectionFunction string   `yaml:"quoteSelectionFunction"`
	QuoteCreationFunction  []string `yaml:"quoteCreationFunction"`
}

// WaitDuration returns the auction window length.
func (c QuoteEngineConfig) WaitDuration() time.Duration {
	return time.Duration(c.WaitTime) * time.Millisecond
}

// ModelsConfig enables provider mode against a local OpenAI-compatible runtime.
type ModelsConfig struct {
	Enabled           bool    `yaml:"enabled"`
	BaseURL           string  `yaml:"baseURL"`
	Port              int     `yaml:"port"`
	APIKey            string  `yaml:"apiKey"`
	ChargePer1MTokens float64 `yaml:"chargePer1MTokens"`
}

// AlgorandConfig identifies the ledger account and endpoint.
type AlgorandConfig struct {
	Addr     string            `yaml:"addr"`
	Mnemonic string            `yaml:"mnemonic"`
	Network  string            `yaml:"network"`
	Client   AlgodClientConfig `yaml:"client"`
	AssetID  uint64            `yaml:"assetId"`
	AppID    uint64            `yaml:"appId"`
}

// AlgodClientConfig is the ledger RPC endpoint.
type AlgodClientConfig struct {
	URL   string `yaml:"url"`
	Token string `yaml:"token"`
}

// APIConfig controls the HTTP request facade.
type APIConfig struct {
	Enabled              bool     `yaml:"enabled"`
	Port                 int      `yaml:"port"`
	BearerAuthentication bool     `yaml:"bearerAuthentication"`
	Keys                 []string `yaml:"keys"`
}

// IdentityConfig holds the node key file location.
type IdentityConfig struct {
	KeyFile string `yaml:"keyFile"`
}

// StorageConfig holds the data directory for the peer cache.
type StorageConfig struct {
	DataDir string `yaml:"dataDir"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Default returns a Config with the documented defaults.
func Default() *Config {
	return &Config{
		Node: NodeConfig{
			Port: 4040,
			URL:  "0.0.0.0",
		},
		Network: NetworkConfig{
			MinConnections:             2,
			MaxConnections:             100,
			InboundConnectionThreshold: 80,
			EnableMDNS:                 true,
			EnableDHT:                  true,
		},
		Relay: RelayConfig{
			EnableRelayServer:     true,
			EnableRelayClient:     true,
			EnableDCUtR:           true,
			MaxRelayedConnections: 16,
			MaxDataPerConnection:  1 << 27, // 128 MiB
			MaxRelayDuration:      int64((2 * time.Minute) / time.Millisecond),
		},
		DirectMessaging: DirectMessagingConfig{
			Enabled:             true,
			Timeout:             10_000,
			FallbackToGossipsub: true,
			Protocol:            "/diiisco/direct/1.0.0",
			MaxMessageSize:      10 << 20, // 10 MiB
		},
		QuoteEngine: QuoteEngineConfig{
			WaitTime:               5_000,
			QuoteSelectionFunction: "cheapest",
			QuoteCreationFunction:  []string{"charge-per-token"},
		},
		Models: ModelsConfig{
			Enabled:           false,
			BaseURL:           "http://127.0.0.1",
			Port:              11434,
			ChargePer1MTokens: 0.5,
		},
		Algorand: AlgorandConfig{
			Network: "testnet",
		},
		API: APIConfig{
			Enabled: true,
			Port:    8080,
		},
		Identity: IdentityConfig{
			KeyFile: "identity.key",
		},
		Storage: StorageConfig{
			DataDir: "~/.diiisco",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads the YAML file at path over the defaults. Unknown keys are a
// load error, not a silent ignore.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML config bytes over the defaults.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.Node.Port <= 0 || c.Node.Port > 65535 {
		return fmt.Errorf("node.port %d out of range", c.Node.Port)
	}
	if c.Network.MinConnections < 0 || c.Network.MaxConnections < c.Network.MinConnections {
		return fmt.Errorf("network connection bounds invalid: min=%d max=%d",
			c.Network.MinConnections, c.Network.MaxConnections)
	}
	if c.DirectMessaging.MaxMessageSize <= 0 {
		return fmt.Errorf("directMessaging.maxMessageSize must be positive")
	}
	if c.QuoteEngine.WaitTime <= 0 {
		return fmt.Errorf("quoteEngine.waitTime must be positive")
	}
	switch c.QuoteEngine.QuoteSelectionFunction {
	case "cheapest", "first", "random", "highest-stake":
	default:
		return fmt.Errorf("unknown quoteEngine.quoteSelectionFunction %q",
			c.QuoteEngine.QuoteSelectionFunction)
	}
	if c.API.BearerAuthentication && len(c.API.Keys) == 0 {
		return fmt.Errorf("api.bearerAuthentication enabled with no api.keys")
	}
	return nil
}

// ListenAddrs returns the multiaddr strings the host listens on.
func (c *Config) ListenAddrs() []string {
	return []string{
		fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", c.Node.Port),
		fmt.Sprintf("/ip4/0.0.0.0/udp/%d/quic-v1", c.Node.Port),
	}
}
