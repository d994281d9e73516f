package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"nostr-system/internal/nips"
	"nostr-system/internal/types"
)

// Duration is a time.Duration written as "500ms", "10s" or "1h" in JSON
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("duration must be a string like \"10s\": %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the value as a time.Duration
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// MetadataConfig tunes the profile prefetch loop
type MetadataConfig struct {
	Interval  Duration `json:"interval"`
	Expiry    Duration `json:"expiry"`
	BatchSize int      `json:"batchSize"`
}

// Config represents the nostr.json configuration
type Config struct {
	Relays             map[string]types.RelaySettings `json:"relays"`
	NostrConnectRelays []string                       `json:"nostrConnectRelays"`
	RequestTimeout     Duration                       `json:"requestTimeout"`
	PublishTimeout     Duration                       `json:"publishTimeout"`
	Metadata           MetadataConfig                 `json:"metadata"`
	BlockPrivateRelays bool                           `json:"blockPrivateRelays"`
}

// Env holds secrets and infrastructure settings that never live in the file
type Env struct {
	SecretKey   string // NOSTR_SECRET_KEY, hex or nsec
	Bunker      string // NOSTR_BUNKER, bunker:// URI
	RedisURL    string // REDIS_URL
	MetricsAddr string // METRICS_ADDR
}

var (
	config     *Config
	configMu   sync.RWMutex
	configOnce sync.Once
)

// Get returns the current configuration (thread-safe)
func Get() *Config {
	configOnce.Do(func() {
		configMu.Lock()
		defer configMu.Unlock()
		if config == nil {
			config = loadFromFile(path())
		}
	})

	configMu.RLock()
	defer configMu.RUnlock()
	return config
}

// Reload re-reads the configuration file
func Reload() error {
	newConfig := loadFromFile(path())
	configMu.Lock()
	defer configMu.Unlock()
	config = newConfig
	configOnce.Do(func() {})
	slog.Info("configuration reloaded", "relays", len(newConfig.Relays))
	return nil
}

func path() string {
	if p := os.Getenv("NOSTR_CONFIG"); p != "" {
		return p
	}
	return "config/nostr.json"
}

func loadFromFile(configPath string) *Config {
	cfg, err := Load(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Debug("config file not found, using defaults", "path", configPath)
		} else {
			slog.Error("invalid config, using defaults", "path", configPath, "error", err)
		}
		return Default()
	}

	slog.Info("loaded configuration",
		"path", configPath,
		"relays", len(cfg.Relays),
		"requestTimeout", cfg.RequestTimeout.Std(),
		"blockPrivateRelays", cfg.BlockPrivateRelays)
	return cfg
}

// Load reads configPath on top of the defaults. Relays listed in the file
// replace the default relay set rather than extending it.
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	cfg.Relays = nil
	cfg.NostrConnectRelays = nil
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", configPath, err)
	}

	def := Default()
	if len(cfg.Relays) == 0 {
		cfg.Relays = def.Relays
	}
	if len(cfg.NostrConnectRelays) == 0 {
		cfg.NostrConnectRelays = def.NostrConnectRelays
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = def.PublishTimeout
	}
	if cfg.Metadata.Interval <= 0 {
		cfg.Metadata.Interval = def.Metadata.Interval
	}
	if cfg.Metadata.Expiry <= 0 {
		cfg.Metadata.Expiry = def.Metadata.Expiry
	}
	if cfg.Metadata.BatchSize <= 0 {
		cfg.Metadata.BatchSize = def.Metadata.BatchSize
	}
	return cfg, nil
}

// Default returns the embedded default configuration
func Default() *Config {
	return &Config{
		Relays: map[string]types.RelaySettings{
			"wss://relay.damus.io":   types.ReadWrite,
			"wss://nos.lol":          types.ReadWrite,
			"wss://relay.primal.net": types.ReadWrite,
			"wss://relay.nostr.band": {Read: true},
		},
		NostrConnectRelays: []string{
			"wss://relay.nsec.app",
			"wss://relay.damus.io",
		},
		RequestTimeout: Duration(10 * time.Second),
		PublishTimeout: Duration(5 * time.Second),
		Metadata: MetadataConfig{
			Interval:  Duration(500 * time.Millisecond),
			Expiry:    Duration(time.Hour),
			BatchSize: 100,
		},
		BlockPrivateRelays: true,
	}
}

// RelayURLs returns the configured relay addresses sorted
func (c *Config) RelayURLs() []string {
	urls := make([]string, 0, len(c.Relays))
	for url := range c.Relays {
		urls = append(urls, url)
	}
	sort.Strings(urls)
	return urls
}

// LoadEnv reads the environment settings
func LoadEnv() Env {
	return Env{
		SecretKey:   os.Getenv("NOSTR_SECRET_KEY"),
		Bunker:      os.Getenv("NOSTR_BUNKER"),
		RedisURL:    os.Getenv("REDIS_URL"),
		MetricsAddr: os.Getenv("METRICS_ADDR"),
	}
}

// HexSecretKey returns NOSTR_SECRET_KEY as hex, accepting nsec form.
// It returns "" without error when no key is set.
func (e Env) HexSecretKey() (string, error) {
	if e.SecretKey == "" {
		return "", nil
	}
	return nips.ParseSecretKey(e.SecretKey)
}
