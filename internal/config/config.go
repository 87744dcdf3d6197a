package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Backend names accepted by the storage adapter.
const (
	BackendSQLite     = "sqlite"
	BackendPostgreSQL = "postgresql"
)

type Config struct {
	Port                 string `mapstructure:"PORT"`
	Env                  string `mapstructure:"ENV"`
	Backend              string `mapstructure:"BACKEND"`
	DatabaseURL          string `mapstructure:"DATABASE_URL"`
	DBMaxConns           int    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns           int    `mapstructure:"DB_MIN_CONNS"`
	ClearDataOnStartup   bool   `mapstructure:"CLEAR_DATA_ON_STARTUP"`
	UseServerGeneratedID bool   `mapstructure:"USE_SERVER_GENERATED_IDS"`
	BaseURL              string `mapstructure:"BASE_URL"`
	AuthTokenSecret      string `mapstructure:"AUTH_TOKEN_SECRET"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8080")
	v.SetDefault("ENV", "development")
	v.SetDefault("BACKEND", BackendSQLite)
	v.SetDefault("DATABASE_URL", "file:fhir.db")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("CLEAR_DATA_ON_STARTUP", false)
	v.SetDefault("USE_SERVER_GENERATED_IDS", false)

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("PORT")
	v.BindEnv("ENV")
	v.BindEnv("BACKEND")
	v.BindEnv("DATABASE_URL")
	v.BindEnv("DB_MAX_CONNS")
	v.BindEnv("DB_MIN_CONNS")
	v.BindEnv("CLEAR_DATA_ON_STARTUP")
	v.BindEnv("USE_SERVER_GENERATED_IDS")
	v.BindEnv("BASE_URL")
	v.BindEnv("AUTH_TOKEN_SECRET")

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.BaseURL == "" {
		cfg.BaseURL = fmt.Sprintf("http://localhost:%s/fhir/r4", cfg.Port)
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// Validate checks that the configuration names a known backend and carries a
// connection target for it.
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendSQLite, BackendPostgreSQL:
	default:
		return fmt.Errorf("BACKEND must be %q or %q, got %q", BackendSQLite, BackendPostgreSQL, c.Backend)
	}
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	return nil
}
