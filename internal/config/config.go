package config

import (
	"Coffer/internal/observability"
	"Coffer/internal/persistence"
	"Coffer/internal/registry"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvConfigPath names the variable holding the config file path.
const EnvConfigPath = "COFFER_CONFIG"

// Config holds all application configuration. It is read from an optional
// YAML file, then overridden by COFFER_* environment variables.
type Config struct {
	DataDir     string `yaml:"data_dir"`
	CurrencyDir string `yaml:"currency_dir"`

	SaveIntervalMinutes     int           `yaml:"save_interval_minutes"`
	LeaderboardCacheMinutes int           `yaml:"leaderboard_cache_minutes"`
	LoginTimeout            time.Duration `yaml:"login_timeout"`

	AccountCache AccountCache `yaml:"account_cache"`
	Storage      Storage      `yaml:"storage"`

	HTTPAddr string `yaml:"http_addr"`
	NATSURL  string `yaml:"nats_url"`
	LogLevel string `yaml:"log_level"`
}

type AccountCache struct {
	MaxSize           int           `yaml:"max_size"`
	ExpireAfterAccess time.Duration `yaml:"expire_after_access"`
}

type Storage struct {
	Engine       string `yaml:"engine"`
	Path         string `yaml:"path"`
	DSN          string `yaml:"dsn"`
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	Username     string `yaml:"username"`
	Password     string `yaml:"password"`
	Database     string `yaml:"database"`
	SSLMode      string `yaml:"sslmode"`
	MaxOpenConns int    `yaml:"max_open_conns"`
}

func Default() Config {
	return Config{
		DataDir:                 "data",
		SaveIntervalMinutes:     10,
		LeaderboardCacheMinutes: 5,
		LoginTimeout:            registry.DefaultLoginTimeout,
		AccountCache: AccountCache{
			MaxSize:           registry.DefaultMaxSize,
			ExpireAfterAccess: registry.DefaultExpireAfterAccess,
		},
		Storage: Storage{
			Engine:       string(persistence.EngineSQLite),
			Host:         "localhost",
			Port:         5432,
			Username:     "coffer",
			Database:     "coffer",
			SSLMode:      "disable",
			MaxOpenConns: 10,
		},
		HTTPAddr: ":8080",
		LogLevel: "info",
	}
}

// Load reads path (skipped when empty), applies environment overrides and
// validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	overrideWithEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	if c.SaveIntervalMinutes < 1 {
		errs = append(errs, fmt.Errorf("save_interval_minutes must be at least 1, got %d", c.SaveIntervalMinutes))
	}
	if c.LeaderboardCacheMinutes < 1 {
		errs = append(errs, fmt.Errorf("leaderboard_cache_minutes must be at least 1, got %d", c.LeaderboardCacheMinutes))
	}
	if c.LoginTimeout <= 0 {
		errs = append(errs, errors.New("login_timeout must be positive"))
	}
	if c.AccountCache.MaxSize < 1 {
		errs = append(errs, errors.New("account_cache.max_size must be positive"))
	}
	if c.DataDir == "" {
		errs = append(errs, errors.New("data_dir is required"))
	}
	if c.HTTPAddr == "" {
		errs = append(errs, errors.New("http_addr is required"))
	}
	return errors.Join(errs...)
}

func (c Config) SaveInterval() time.Duration {
	return time.Duration(c.SaveIntervalMinutes) * time.Minute
}

func (c Config) LeaderboardTTL() time.Duration {
	return time.Duration(c.LeaderboardCacheMinutes) * time.Minute
}

// CurrencyPath returns the currency directory, defaulting to
// <data_dir>/currencies.
func (c Config) CurrencyPath() string {
	if c.CurrencyDir != "" {
		return c.CurrencyDir
	}
	return filepath.Join(c.DataDir, "currencies")
}

// StoreConfig translates the storage section. ok is false when the engine
// name was not recognised and SQLite is used instead.
func (c Config) StoreConfig() (cfg persistence.Config, ok bool) {
	engine, ok := persistence.ParseEngine(c.Storage.Engine)
	cfg = persistence.Config{
		Engine:       engine,
		Path:         c.Storage.Path,
		DSN:          c.Storage.DSN,
		Host:         c.Storage.Host,
		Port:         c.Storage.Port,
		User:         c.Storage.Username,
		Password:     c.Storage.Password,
		Database:     c.Storage.Database,
		SSLMode:      c.Storage.SSLMode,
		MaxOpenConns: c.Storage.MaxOpenConns,
	}
	if engine == persistence.EngineSQLite && cfg.Path == "" {
		cfg.Path = filepath.Join(c.DataDir, "coffer.db")
	}
	return cfg, ok
}

func (c Config) RegistryOptions() registry.Options {
	opts := registry.DefaultOptions()
	opts.MaxSize = c.AccountCache.MaxSize
	if c.AccountCache.ExpireAfterAccess > 0 {
		opts.ExpireAfterAccess = c.AccountCache.ExpireAfterAccess
	}
	return opts
}

func overrideWithEnv(cfg *Config) {
	cfg.DataDir = envOrDefault("COFFER_DATA_DIR", cfg.DataDir)
	cfg.CurrencyDir = envOrDefault("COFFER_CURRENCY_DIR", cfg.CurrencyDir)
	cfg.SaveIntervalMinutes = envIntOrDefault("COFFER_SAVE_INTERVAL_MINUTES", cfg.SaveIntervalMinutes)
	cfg.LeaderboardCacheMinutes = envIntOrDefault("COFFER_LEADERBOARD_CACHE_MINUTES", cfg.LeaderboardCacheMinutes)
	cfg.LoginTimeout = envDurationOrDefault("COFFER_LOGIN_TIMEOUT", cfg.LoginTimeout)

	cfg.AccountCache.MaxSize = envIntOrDefault("COFFER_ACCOUNT_CACHE_SIZE", cfg.AccountCache.MaxSize)
	cfg.AccountCache.ExpireAfterAccess = envDurationOrDefault("COFFER_ACCOUNT_CACHE_EXPIRY", cfg.AccountCache.ExpireAfterAccess)

	cfg.Storage.Engine = envOrDefault("COFFER_STORAGE_ENGINE", cfg.Storage.Engine)
	cfg.Storage.Path = envOrDefault("COFFER_STORAGE_PATH", cfg.Storage.Path)
	cfg.Storage.DSN = envOrDefault("COFFER_POSTGRES_DSN", cfg.Storage.DSN)
	cfg.Storage.Host = envOrDefault("COFFER_STORAGE_HOST", cfg.Storage.Host)
	cfg.Storage.Port = envIntOrDefault("COFFER_STORAGE_PORT", cfg.Storage.Port)
	cfg.Storage.Username = envOrDefault("COFFER_STORAGE_USER", cfg.Storage.Username)
	cfg.Storage.Password = envOrDefault("COFFER_STORAGE_PASSWORD", cfg.Storage.Password)
	cfg.Storage.Database = envOrDefault("COFFER_STORAGE_DATABASE", cfg.Storage.Database)
	cfg.Storage.MaxOpenConns = envIntOrDefault("COFFER_STORAGE_MAX_OPEN_CONNS", cfg.Storage.MaxOpenConns)

	cfg.HTTPAddr = envOrDefault("COFFER_HTTP_ADDR", cfg.HTTPAddr)
	cfg.NATSURL = envOrDefault("COFFER_NATS_URL", cfg.NATSURL)
	cfg.LogLevel = envOrDefault(observability.LogLevelEnv, cfg.LogLevel)
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envIntOrDefault(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envDurationOrDefault(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
