// Package config loads client settings from YAML with environment overrides.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Store kinds
const (
	StoreMemory = "memory"
	StoreFile   = "file"
	StoreRedis  = "redis"
)

// Notifier kinds
const (
	NotifierLog   = "log"
	NotifierRedis = "redis"
)

type Config struct {
	AllocatorURL string        `yaml:"allocatorUrl"`
	IndexerURL   string        `yaml:"indexerUrl"`
	ChainID      uint64        `yaml:"chainId"`
	PrivateKey   string        `yaml:"privateKey"`
	HTTPTimeout  time.Duration `yaml:"httpTimeout"`

	Polling  PollingConfig  `yaml:"polling"`
	Store    StoreConfig    `yaml:"store"`
	Notifier NotifierConfig `yaml:"notifier"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type PollingConfig struct {
	Balances          time.Duration `yaml:"balances"`
	Indexer           time.Duration `yaml:"indexer"`
	SessionRevalidate time.Duration `yaml:"sessionRevalidate"`
	WithdrawalTick    time.Duration `yaml:"withdrawalTick"`
	MaxAllocationTTL  time.Duration `yaml:"maxAllocationTtl"`
	IndexerCacheTTL   time.Duration `yaml:"indexerCacheTtl"`
}

type StoreConfig struct {
	Kind     string `yaml:"kind"`
	RedisURL string `yaml:"redisUrl"`
	Dir      string `yaml:"dir"`
}

type NotifierConfig struct {
	Kind     string `yaml:"kind"`
	RedisURL string `yaml:"redisUrl"`
	Topic    string `yaml:"topic"`
}

type LoggingConfig struct {
	Level       string `yaml:"level"`
	Environment string `yaml:"environment"`
}

// Default returns the settings used when nothing is configured
func Default() Config {
	return Config{
		AllocatorURL: "http://localhost:3000",
		IndexerURL:   "http://localhost:42069/graphql",
		ChainID:      1,
		Polling: PollingConfig{
			Balances:          time.Second,
			Indexer:           time.Second,
			SessionRevalidate: time.Minute,
			WithdrawalTick:    time.Second,
			MaxAllocationTTL:  2 * time.Hour,
		},
		Store:    StoreConfig{Kind: StoreFile},
		Notifier: NotifierConfig{Kind: NotifierLog},
		Logging:  LoggingConfig{Level: "info", Environment: "production"},
	}
}

// Load reads path (optional) over the defaults and applies env overrides
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}
	if err := ApplyEnv(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

// ApplyEnv overrides cfg from COMPACT_* variables
func ApplyEnv(cfg *Config) error {
	if v := env("COMPACT_ALLOCATOR_URL"); v != "" {
		cfg.AllocatorURL = v
	}
	if v := env("COMPACT_INDEXER_URL"); v != "" {
		cfg.IndexerURL = v
	}
	if v := env("COMPACT_CHAIN_ID"); v != "" {
		id, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return fmt.Errorf("COMPACT_CHAIN_ID: %w", err)
		}
		cfg.ChainID = id
	}
	if v := env("COMPACT_PRIVATE_KEY"); v != "" {
		cfg.PrivateKey = v
	}
	if v := env("COMPACT_STORE"); v != "" {
		cfg.Store.Kind = strings.ToLower(v)
	}
	if v := env("COMPACT_STORE_DIR"); v != "" {
		cfg.Store.Dir = v
	}
	if v := env("COMPACT_REDIS_URL"); v != "" {
		cfg.Store.RedisURL = v
		if cfg.Notifier.RedisURL == "" {
			cfg.Notifier.RedisURL = v
		}
	}
	if v := env("COMPACT_NOTIFIER"); v != "" {
		cfg.Notifier.Kind = strings.ToLower(v)
	}
	if v := env("COMPACT_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := env("COMPACT_ENV"); v != "" {
		cfg.Logging.Environment = v
	}
	if v := env("COMPACT_HTTP_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("COMPACT_HTTP_TIMEOUT: %w", err)
		}
		cfg.HTTPTimeout = d
	}
	return nil
}

func env(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

// Validate rejects settings the client cannot run with
func (c Config) Validate() error {
	var errs []error
	if err := httpURL("allocatorUrl", c.AllocatorURL); err != nil {
		errs = append(errs, err)
	}
	if err := httpURL("indexerUrl", c.IndexerURL); err != nil {
		errs = append(errs, err)
	}
	if c.ChainID == 0 {
		errs = append(errs, errors.New("chainId must be positive"))
	}
	for name, d := range map[string]time.Duration{
		"polling.balances":          c.Polling.Balances,
		"polling.indexer":           c.Polling.Indexer,
		"polling.sessionRevalidate": c.Polling.SessionRevalidate,
		"polling.withdrawalTick":    c.Polling.WithdrawalTick,
		"polling.maxAllocationTtl":  c.Polling.MaxAllocationTTL,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if c.HTTPTimeout < 0 {
		errs = append(errs, errors.New("httpTimeout must not be negative"))
	}

	switch c.Store.Kind {
	case StoreMemory, StoreFile:
	case StoreRedis:
		if c.Store.RedisURL == "" {
			errs = append(errs, errors.New("store.redisUrl is required for the redis store"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store kind %q", c.Store.Kind))
	}

	switch c.Notifier.Kind {
	case NotifierLog:
	case NotifierRedis:
		if c.Notifier.RedisURL == "" {
			errs = append(errs, errors.New("notifier.redisUrl is required for the redis notifier"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown notifier kind %q", c.Notifier.Kind))
	}
	return errors.Join(errs...)
}

func httpURL(field, raw string) error {
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%s %q must be an http(s) url", field, raw)
	}
	return nil
}
