package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// JWTSecretEnv overrides Auth.HMACSecret when set.
const JWTSecretEnv = "ESCROW_JWT_SECRET"

type Config struct {
	ListenAddress  string          `toml:"ListenAddress"`
	DataDir        string          `toml:"DataDir"`
	MaxConnections int             `toml:"MaxConnections"`
	Storage        StorageConfig   `toml:"Storage"`
	Archive        ArchiveConfig   `toml:"Archive"`
	Auth           AuthConfig      `toml:"Auth"`
	RateLimit      RateLimitConfig `toml:"RateLimit"`
	Idempotency    IdemConfig      `toml:"Idempotency"`
	Log            LogConfig       `toml:"Log"`
	Telemetry      TelemetryConfig `toml:"Telemetry"`
}

// StorageConfig selects the ledger key-value backend.
type StorageConfig struct {
	Backend string `toml:"Backend"`
	Path    string `toml:"Path"`
}

// ArchiveConfig configures the SQL event archive. An empty driver disables it.
type ArchiveConfig struct {
	Driver string `toml:"Driver"`
	DSN    string `toml:"DSN"`
}

type AuthConfig struct {
	Enabled    bool     `toml:"Enabled"`
	HMACSecret string   `toml:"HMACSecret"`
	Issuer     string   `toml:"Issuer"`
	Audience   string   `toml:"Audience"`
	ClockSkew  Duration `toml:"ClockSkew"`
}

type RateLimitConfig struct {
	RequestsPerSecond float64 `toml:"RequestsPerSecond"`
	Burst             int     `toml:"Burst"`
}

type IdemConfig struct {
	Path string   `toml:"Path"`
	TTL  Duration `toml:"TTL"`
}

type LogConfig struct {
	Env        string `toml:"Env"`
	Level      string `toml:"Level"`
	File       string `toml:"File"`
	MaxSizeMB  int    `toml:"MaxSizeMB"`
	MaxBackups int    `toml:"MaxBackups"`
	MaxAgeDays int    `toml:"MaxAgeDays"`
	Compress   bool   `toml:"Compress"`
}

type TelemetryConfig struct {
	Endpoint string `toml:"Endpoint"`
	Insecure bool   `toml:"Insecure"`
	Headers  string `toml:"Headers"`
	Traces   bool   `toml:"Traces"`
	Metrics  bool   `toml:"Metrics"`
}

// Duration decodes TOML strings such as "90s" into a time.Duration.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Default returns the configuration written when no file exists.
func Default() *Config {
	return &Config{
		ListenAddress:  ":8545",
		DataDir:        "./escrow-data",
		MaxConnections: 256,
		Storage:        StorageConfig{Backend: "leveldb"},
		Archive:        ArchiveConfig{Driver: "sqlite"},
		Auth: AuthConfig{
			Enabled:   true,
			Issuer:    "escrowd",
			ClockSkew: Duration{2 * time.Minute},
		},
		RateLimit:   RateLimitConfig{RequestsPerSecond: 20, Burst: 40},
		Idempotency: IdemConfig{TTL: Duration{24 * time.Hour}},
		Log:         LogConfig{Env: "local", Level: "info", MaxSizeMB: 100, MaxBackups: 5, MaxAgeDays: 14},
	}
}

// Load loads the configuration from the given path, writing a default file
// first when none exists.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := Default()
		if err := persist(path, cfg); err != nil {
			return nil, err
		}
		return finalize(cfg)
	}

	cfg := Default()
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, key := range undecoded {
			keys[i] = key.String()
		}
		return nil, fmt.Errorf("config file %s has unknown keys: %s", path, strings.Join(keys, ", "))
	}
	return finalize(cfg)
}

func finalize(cfg *Config) (*Config, error) {
	if secret := strings.TrimSpace(os.Getenv(JWTSecretEnv)); secret != "" {
		cfg.Auth.HMACSecret = secret
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = "./escrow-data"
	}
	if cfg.Storage.Path == "" && cfg.Storage.Backend != "memory" {
		name := "ledger"
		if cfg.Storage.Backend == "bolt" {
			name = "ledger.bolt"
		}
		cfg.Storage.Path = filepath.Join(cfg.DataDir, name)
	}
	if cfg.Archive.Driver == "sqlite" && cfg.Archive.DSN == "" {
		cfg.Archive.DSN = filepath.Join(cfg.DataDir, "events.db")
	}
	if cfg.Idempotency.Path == "" {
		cfg.Idempotency.Path = filepath.Join(cfg.DataDir, "idempotency.db")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}
