// Package config handles configuration for the server component,
// including defaults, JSON overlay, environment variables and
// command-line flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/dmitrijs2005/authkeeper/internal/dbx"
	"github.com/dmitrijs2005/authkeeper/internal/server/repositories/repomanager"
	"golang.org/x/crypto/bcrypt"
)

// Supported values of Config.DatabaseDriver. They are the names
// repomanager.New switches on.
const (
	DriverPostgres = string(dbx.DialectPostgres)
	DriverSQLite   = string(dbx.DialectSQLite)
	DriverMemory   = repomanager.DriverMemory
)

// Config holds runtime settings for the authkeeper server.
//
// Fields:
//   - EndpointAddrHTTP: bind address of the JSON API.
//   - EndpointAddrGRPC: bind address of the gRPC health endpoint; empty disables it.
//   - DatabaseDriver / DatabaseDSN: storage backend (postgres, sqlite, memory) and its DSN.
//   - AccessTokenSecret / RefreshTokenSecret: HMAC secrets, one per token class.
//     Do not use the development defaults in prod.
//   - AccessTokenValidityDuration / RefreshTokenValidityDuration: token lifetimes.
//   - PasswordHashCost: bcrypt cost factor.
//   - SweepInterval: how often expired refresh tokens are pruned; 0 disables.
//   - LogLevel / LogFormat: slog settings.
type Config struct {
	EndpointAddrHTTP             string        `env:"HTTP_ADDR"`
	EndpointAddrGRPC             string        `env:"GRPC_ADDR"`
	DatabaseDriver               string        `env:"DATABASE_DRIVER"`
	DatabaseDSN                  string        `env:"DATABASE_URL"`
	AccessTokenSecret            string        `env:"JWT_SECRET"`
	RefreshTokenSecret           string        `env:"JWT_REFRESH_SECRET"`
	AccessTokenValidityDuration  time.Duration `env:"ACCESS_TOKEN_TTL"`
	RefreshTokenValidityDuration time.Duration `env:"REFRESH_TOKEN_TTL"`
	PasswordHashCost             int           `env:"PASSWORD_HASH_COST"`
	SweepInterval                time.Duration `env:"SWEEP_INTERVAL"`
	ShutdownTimeout              time.Duration `env:"SHUTDOWN_TIMEOUT"`
	LogLevel                     string        `env:"LOG_LEVEL"`
	LogFormat                    string        `env:"LOG_FORMAT"`
}

// LoadDefaults populates Config with development defaults.
// NOTE: the secrets are insecure for production and must be overridden.
func (c *Config) LoadDefaults() {
	c.EndpointAddrHTTP = ":3001"
	c.EndpointAddrGRPC = ":50051"
	c.DatabaseDriver = DriverSQLite
	c.DatabaseDSN = "file:authkeeper.db"
	c.AccessTokenSecret = "dev-access-secret-change-me"
	c.RefreshTokenSecret = "dev-refresh-secret-change-me"
	c.AccessTokenValidityDuration = 15 * time.Minute
	c.RefreshTokenValidityDuration = 7 * 24 * time.Hour
	c.PasswordHashCost = 12
	c.SweepInterval = time.Hour
	c.ShutdownTimeout = 10 * time.Second
	c.LogLevel = "info"
	c.LogFormat = "json"
}

// Validate rejects configurations the server cannot run safely with.
func (c *Config) Validate() error {
	var errs []error

	if c.AccessTokenSecret == "" || c.RefreshTokenSecret == "" {
		errs = append(errs, errors.New("access and refresh token secrets are required"))
	} else if c.AccessTokenSecret == c.RefreshTokenSecret {
		errs = append(errs, errors.New("access and refresh token secrets must differ"))
	}
	if c.AccessTokenValidityDuration <= 0 || c.RefreshTokenValidityDuration <= 0 {
		errs = append(errs, errors.New("token validity durations must be positive"))
	}
	if c.PasswordHashCost < bcrypt.MinCost || c.PasswordHashCost > bcrypt.MaxCost {
		errs = append(errs, fmt.Errorf("password hash cost must be within [%d, %d]", bcrypt.MinCost, bcrypt.MaxCost))
	}
	if c.SweepInterval < 0 {
		errs = append(errs, errors.New("sweep interval must not be negative"))
	}
	switch c.DatabaseDriver {
	case DriverPostgres, DriverSQLite:
		if c.DatabaseDSN == "" {
			errs = append(errs, fmt.Errorf("database DSN is required for driver %q", c.DatabaseDriver))
		}
	case DriverMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown database driver %q", c.DatabaseDriver))
	}
	if c.EndpointAddrHTTP == "" {
		errs = append(errs, errors.New("http address is required"))
	}

	return errors.Join(errs...)
}

// LoadConfig builds a Config by applying defaults, then overlaying values
// from an optional JSON file, the environment and finally command-line flags.
func LoadConfig() (*Config, error) {
	return load(os.Args[1:])
}

func load(args []string) (*Config, error) {
	cfg := &Config{}
	cfg.LoadDefaults()
	if err := parseJson(cfg, args); err != nil {
		return nil, err
	}
	if err := parseEnv(cfg); err != nil {
		return nil, err
	}
	if err := parseFlags(cfg, args); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}
