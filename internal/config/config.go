package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
)

type Config struct {
	Env      string `mapstructure:"ENV"`
	LogLevel string `mapstructure:"LOG_LEVEL"`

	TelegramToken       string `mapstructure:"TELEGRAM_TOKEN"`
	TelegramDebug       bool   `mapstructure:"TELEGRAM_DEBUG"`
	TelegramPollTimeout int    `mapstructure:"TELEGRAM_POLL_TIMEOUT"`
	AllowedUserIDs      string `mapstructure:"ALLOWED_USER_IDS"`

	StoreDriver         string        `mapstructure:"STORE_DRIVER"`
	DatabaseURL         string        `mapstructure:"DATABASE_URL"`
	DBMaxConns          int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns          int32         `mapstructure:"DB_MIN_CONNS"`
	DBTimeout           time.Duration `mapstructure:"DB_TIMEOUT"`
	SQLitePath          string        `mapstructure:"SQLITE_PATH"`
	SQLiteBusyTimeoutMS int           `mapstructure:"SQLITE_BUSY_TIMEOUT_MS"`
	MigrationsDir       string        `mapstructure:"MIGRATIONS_DIR"`

	Timezone        string        `mapstructure:"TIMEZONE"`
	CommissionRate  float64       `mapstructure:"COMMISSION_RATE"`
	SessionTypes    string        `mapstructure:"SESSION_TYPES"`
	DialogueTTL     time.Duration `mapstructure:"DIALOGUE_TTL"`
	PatientCacheTTL time.Duration `mapstructure:"PATIENT_CACHE_TTL"`
	LatestLimit     int           `mapstructure:"LATEST_LIMIT"`

	AdminEnabled    bool   `mapstructure:"ADMIN_ENABLED"`
	Port            string `mapstructure:"PORT"`
	AdminSigningKey string `mapstructure:"ADMIN_SIGNING_KEY"`
	AdminIssuer     string `mapstructure:"ADMIN_ISSUER"`
}

var keys = []string{
	"ENV", "LOG_LEVEL",
	"TELEGRAM_DEBUG", "TELEGRAM_POLL_TIMEOUT", "ALLOWED_USER_IDS",
	"STORE_DRIVER", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "DB_TIMEOUT",
	"SQLITE_PATH", "SQLITE_BUSY_TIMEOUT_MS", "MIGRATIONS_DIR",
	"TIMEZONE", "COMMISSION_RATE", "SESSION_TYPES", "DIALOGUE_TTL", "PATIENT_CACHE_TTL", "LATEST_LIMIT",
	"ADMIN_ENABLED", "PORT", "ADMIN_SIGNING_KEY", "ADMIN_ISSUER",
}

// Load reads configuration from the environment and an optional .env file in
// the working directory.
func Load() (*Config, error) {
	return LoadFile(".env")
}

// LoadFile is Load with an explicit dotenv path. A missing file is not an
// error; environment variables win over file values.
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("TELEGRAM_DEBUG", false)
	v.SetDefault("TELEGRAM_POLL_TIMEOUT", 60)
	v.SetDefault("STORE_DRIVER", StoreSQLite)
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("DB_MIN_CONNS", 1)
	v.SetDefault("DB_TIMEOUT", "5s")
	v.SetDefault("SQLITE_PATH", "pacientes.db")
	v.SetDefault("SQLITE_BUSY_TIMEOUT_MS", 5000)
	v.SetDefault("MIGRATIONS_DIR", "./migrations")
	v.SetDefault("TIMEZONE", "America/Argentina/Buenos_Aires")
	v.SetDefault("COMMISSION_RATE", 0.20)
	v.SetDefault("SESSION_TYPES", "particular:Particular,obra_social:Obra Social")
	v.SetDefault("DIALOGUE_TTL", "30m")
	v.SetDefault("PATIENT_CACHE_TTL", "1h")
	v.SetDefault("LATEST_LIMIT", 10)
	v.SetDefault("ADMIN_ENABLED", false)
	v.SetDefault("PORT", "8080")
	v.SetDefault("ADMIN_ISSUER", "pacientes-bot")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, key := range keys {
		_ = v.BindEnv(key)
	}
	_ = v.BindEnv("TELEGRAM_TOKEN", "TELEGRAM_TOKEN", "BOT_TOKEN")

	// Try reading the .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.StoreDriver = strings.ToLower(strings.TrimSpace(cfg.StoreDriver))
	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the bot is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Location loads the configured reporting timezone.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("TIMEZONE %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// AllowedUsers parses ALLOWED_USER_IDS. An empty value yields nil, which
// allows every user.
func (c *Config) AllowedUsers() ([]int64, error) {
	var ids []int64
	for _, part := range strings.Split(c.AllowedUserIDs, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("ALLOWED_USER_IDS: invalid user id %q", part)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Validate checks the cross-field rules needed by every command.
func (c *Config) Validate() error {
	switch c.StoreDriver {
	case StorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE_DRIVER is %q", StorePostgres)
		}
		if c.DBMinConns > c.DBMaxConns {
			return fmt.Errorf("DB_MIN_CONNS (%d) must not exceed DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
		}
	case StoreSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH is required when STORE_DRIVER is %q", StoreSQLite)
		}
	default:
		return fmt.Errorf("STORE_DRIVER must be %q or %q, got %q", StoreSQLite, StorePostgres, c.StoreDriver)
	}

	if c.CommissionRate < 0 || c.CommissionRate > 1 {
		return fmt.Errorf("COMMISSION_RATE must be between 0 and 1, got %v", c.CommissionRate)
	}
	if c.LatestLimit <= 0 {
		return fmt.Errorf("LATEST_LIMIT must be positive, got %d", c.LatestLimit)
	}
	if c.DBTimeout <= 0 {
		return fmt.Errorf("DB_TIMEOUT must be positive, got %s", c.DBTimeout)
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	if _, err := c.AllowedUsers(); err != nil {
		return err
	}
	if c.AdminEnabled && !c.IsDev() && c.AdminSigningKey == "" {
		return fmt.Errorf("ADMIN_SIGNING_KEY is required when ADMIN_ENABLED is true outside development (current ENV=%q)", c.Env)
	}
	return nil
}

// ValidateServe adds the rules that only apply to the long-running bot.
func (c *Config) ValidateServe() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.TelegramToken == "" {
		return fmt.Errorf("TELEGRAM_TOKEN (or BOT_TOKEN) is required to serve")
	}
	if c.TelegramPollTimeout < 0 {
		return fmt.Errorf("TELEGRAM_POLL_TIMEOUT must not be negative, got %d", c.TelegramPollTimeout)
	}
	return nil
}
