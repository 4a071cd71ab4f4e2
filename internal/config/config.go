// Package config loads process settings from the environment, an optional
// .env file, and the YAML moderation policy.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Storage backends.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendBadger = "badger"
)

// Config holds the server settings.
type Config struct {
	ListenAddr      string        `envconfig:"LISTEN_ADDR" default:":8080"`
	LogLevel        string        `envconfig:"LOG_LEVEL" default:"info"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"10s"`

	StorageBackend string        `envconfig:"STORAGE_BACKEND" default:"memory"`
	StorageTimeout time.Duration `envconfig:"STORAGE_TIMEOUT" default:"2s"`
	RedisAddr      string        `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	BadgerDir      string        `envconfig:"BADGER_DIR" default:"data/badger"`

	// HistorySize is how many chat messages are kept per room; HistoryLimit
	// how many of them a joiner receives.
	HistorySize  int `envconfig:"HISTORY_SIZE" default:"200"`
	HistoryLimit int `envconfig:"HISTORY_LIMIT" default:"50"`

	RegisterRateLimit  int           `envconfig:"REGISTER_RATE_LIMIT" default:"10"`
	RegisterRateWindow time.Duration `envconfig:"REGISTER_RATE_WINDOW" default:"1m"`

	MaxConns       int           `envconfig:"WS_MAX_CONNS" default:"0"`
	IdleTimeout    time.Duration `envconfig:"WS_IDLE_TIMEOUT" default:"10m"`
	AllowedOrigins []string      `envconfig:"ALLOWED_ORIGINS"`

	PolicyFile string `envconfig:"POLICY_FILE"`
	Policy     Policy `ignored:"true"`
}

// Policy is the moderation policy file.
type Policy struct {
	BlockedWords     []string `yaml:"blocked_words"`
	AdminExternalIDs []string `yaml:"admin_external_ids"`
}

// DefaultPolicy is used when no policy file is configured, and supplies any
// list a policy file leaves out.
func DefaultPolicy() Policy {
	return Policy{
		BlockedWords:     []string{"badword1", "badword2", "badword3"},
		AdminExternalIDs: []string{"S1xsGG"},
	}
}

// Load reads .env when present, then the environment, then the policy file.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, fmt.Errorf("process env: %w", err)
	}

	switch cfg.StorageBackend {
	case BackendMemory, BackendRedis, BackendBadger:
	default:
		return Config{}, fmt.Errorf("unknown STORAGE_BACKEND %q", cfg.StorageBackend)
	}

	policy, err := LoadPolicy(cfg.PolicyFile)
	if err != nil {
		return Config{}, err
	}
	cfg.Policy = policy
	return cfg, nil
}

// LoadPolicy reads the policy at path. An empty path yields DefaultPolicy.
func LoadPolicy(path string) (Policy, error) {
	p := DefaultPolicy()
	if path == "" {
		return p, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("read policy: %w", err)
	}
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Policy{}, fmt.Errorf("parse policy %s: %w", path, err)
	}
	return p, nil
}
