package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Database drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Nonce store backends.
const (
	NonceBackendDatabase = "database"
	NonceBackendMemory   = "memory"
)

// Config represents runtime configuration for the staking gateway.
type Config struct {
	Listen   string         `yaml:"listen"`
	Env      string         `yaml:"env"`
	ChainID  uint64         `yaml:"chainId"`
	Database DatabaseConfig `yaml:"database"`
	Nonce    NonceConfig    `yaml:"nonce"`
	Staking  StakingConfig  `yaml:"staking"`
}

// DatabaseConfig selects the gorm dialector. The sqlite driver exists for
// single-node deployments and local development; production runs postgres.
type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// NonceConfig controls challenge issuance and garbage collection. The backend
// is an explicit startup choice, never a silently swapped singleton: memory
// is only safe when a single process serves all traffic.
type NonceConfig struct {
	Backend       string        `yaml:"backend"`
	TTL           time.Duration `yaml:"ttl"`
	SweepInterval time.Duration `yaml:"sweepInterval"`
}

// StakingConfig carries ledger policy knobs. The APY value itself is
// configuration, not part of the accrual algorithm.
type StakingConfig struct {
	LockDuration       time.Duration `yaml:"lockDuration"`
	MinAccrualInterval time.Duration `yaml:"minAccrualInterval"`
	MinStakeCents      int64         `yaml:"minStakeCents"`
	APYBasisPoints     int64         `yaml:"apyBasisPoints"`
}

// Load reads the optional YAML file at path, applies environment overrides
// and defaults, then validates. An empty path skips the file entirely.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if strings.TrimSpace(path) != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Listen = envDefault("STAKEGATE_LISTEN", c.Listen)
	c.Env = envDefault("STAKEGATE_ENV", c.Env)
	c.ChainID = envUint("STAKEGATE_CHAIN_ID", c.ChainID)
	c.Database.Driver = envDefault("STAKEGATE_DB_DRIVER", c.Database.Driver)
	c.Database.DSN = envDefault("STAKEGATE_DB_DSN", c.Database.DSN)
	c.Nonce.Backend = envDefault("STAKEGATE_NONCE_BACKEND", c.Nonce.Backend)
	c.Nonce.TTL = envDuration("STAKEGATE_NONCE_TTL", c.Nonce.TTL)
	c.Nonce.SweepInterval = envDuration("STAKEGATE_NONCE_SWEEP_INTERVAL", c.Nonce.SweepInterval)
	c.Staking.LockDuration = envDuration("STAKEGATE_LOCK_DURATION", c.Staking.LockDuration)
	c.Staking.MinAccrualInterval = envDuration("STAKEGATE_MIN_ACCRUAL_INTERVAL", c.Staking.MinAccrualInterval)
	c.Staking.MinStakeCents = envInt("STAKEGATE_MIN_STAKE_CENTS", c.Staking.MinStakeCents)
	c.Staking.APYBasisPoints = envInt("STAKEGATE_APY_BASIS_POINTS", c.Staking.APYBasisPoints)
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.Listen) == "" {
		c.Listen = ":8080"
	}
	if c.ChainID == 0 {
		c.ChainID = 1
	}
	if strings.TrimSpace(c.Database.Driver) == "" {
		c.Database.Driver = DriverPostgres
	}
	if strings.TrimSpace(c.Nonce.Backend) == "" {
		c.Nonce.Backend = NonceBackendDatabase
	}
	if c.Nonce.TTL <= 0 {
		c.Nonce.TTL = 5 * time.Minute
	}
	if c.Nonce.SweepInterval <= 0 {
		c.Nonce.SweepInterval = time.Minute
	}
	if c.Staking.LockDuration <= 0 {
		c.Staking.LockDuration = 7 * 24 * time.Hour
	}
	if c.Staking.MinAccrualInterval <= 0 {
		c.Staking.MinAccrualInterval = time.Hour
	}
	if c.Staking.MinStakeCents <= 0 {
		c.Staking.MinStakeCents = 1000
	}
	if c.Staking.APYBasisPoints <= 0 {
		c.Staking.APYBasisPoints = 500
	}
}

// Validate rejects configurations the service cannot run with.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case DriverPostgres, DriverSQLite:
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	if strings.TrimSpace(c.Database.DSN) == "" {
		return fmt.Errorf("database dsn is required")
	}
	switch c.Nonce.Backend {
	case NonceBackendDatabase, NonceBackendMemory:
	default:
		return fmt.Errorf("unsupported nonce backend %q", c.Nonce.Backend)
	}
	return nil
}

func envDefault(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if parsed, err := time.ParseDuration(v); err == nil {
			return parsed
		}
	}
	return fallback
}

func envInt(key string, fallback int64) int64 {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if parsed, err := strconv.ParseInt(v, 10, 64); err == nil {
			return parsed
		}
	}
	return fallback
}

func envUint(key string, fallback uint64) uint64 {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if parsed, err := strconv.ParseUint(v, 10, 64); err == nil {
			return parsed
		}
	}
	return fallback
}
