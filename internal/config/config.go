package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

const (
	EnvPrefix      = "TSCTL"
	configName     = ".tsctl"
	legacyWorkerCt = "REMOTE_THREAD_CT"
)

type Config struct {
	State   StateConfig  `mapstructure:"state"`
	Workers int          `mapstructure:"workers"`
	Remote  RemoteConfig `mapstructure:"remote"`
	Log     LogConfig    `mapstructure:"log"`
	API     APIConfig    `mapstructure:"api"`
}

type StateConfig struct {
	Dir     string `mapstructure:"dir"`
	File    string `mapstructure:"file"`
	Backend string `mapstructure:"backend"`
	// Profile picks a ledger backend when Backend is empty: memory,
	// durable-local or production.
	Profile     string `mapstructure:"profile"`
	PostgresDSN string `mapstructure:"postgres_dsn"`
}

type RemoteConfig struct {
	BaseURL    string        `mapstructure:"base_url"`
	UserID     string        `mapstructure:"user_id"`
	APIKey     string        `mapstructure:"api_key"`
	Timeout    time.Duration `mapstructure:"timeout"`
	RateLimit  int           `mapstructure:"rate_limit"`
	MaxRetries int           `mapstructure:"max_retries"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type APIConfig struct {
	Addr            string        `mapstructure:"addr"`
	Token           string        `mapstructure:"token"`
	RateLimitMax    int           `mapstructure:"rate_limit_max"`
	RateLimitWindow time.Duration `mapstructure:"rate_limit_window"`
	MaxBodyBytes    int64         `mapstructure:"max_body_bytes"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

func SetDefaults(v *viper.Viper) {
	v.SetDefault("state.dir", "~/.threatstack")
	v.SetDefault("state.file", ".threatstack.state.json")
	v.SetDefault("state.backend", "")
	v.SetDefault("state.profile", "")
	v.SetDefault("state.postgres_dsn", "")
	v.SetDefault("workers", 4)
	v.SetDefault("remote.base_url", "https://api.threatstack.com")
	v.SetDefault("remote.user_id", "")
	v.SetDefault("remote.api_key", "")
	v.SetDefault("remote.timeout", 15*time.Second)
	v.SetDefault("remote.rate_limit", 300)
	v.SetDefault("remote.max_retries", 3)
	v.SetDefault("log.level", "info")
	v.SetDefault("api.addr", ":8080")
	v.SetDefault("api.token", "")
	v.SetDefault("api.rate_limit_max", 0)
	v.SetDefault("api.rate_limit_window", time.Minute)
	v.SetDefault("api.max_body_bytes", 1<<20)
	v.SetDefault("api.shutdown_timeout", 10*time.Second)
}

// New returns a viper instance with defaults and environment bindings in
// place. TSCTL_STATE_DIR overrides state.dir and so on.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("workers", EnvPrefix+"_WORKERS", legacyWorkerCt)
	return v
}

// Load reads file, or $HOME/.tsctl.yaml when file is empty, and decodes the
// merged result. A missing default config file is not an error.
func Load(v *viper.Viper, file string) (Config, error) {
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", file, err)
		}
	} else {
		home, err := homedir.Dir()
		if err != nil {
			return Config{}, err
		}
		v.AddConfigPath(home)
		v.SetConfigName(configName)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	dir, err := homedir.Expand(cfg.State.Dir)
	if err != nil {
		return Config{}, err
	}
	cfg.State.Dir = dir
	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.State.Dir) == "" {
		return errors.New("state.dir must be set")
	}
	if c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", c.Workers)
	}
	if c.Remote.RateLimit < 1 {
		return fmt.Errorf("remote.rate_limit must be at least 1, got %d", c.Remote.RateLimit)
	}
	if c.Remote.MaxRetries < 0 {
		return fmt.Errorf("remote.max_retries must not be negative, got %d", c.Remote.MaxRetries)
	}
	if _, err := c.LogLevel(); err != nil {
		return err
	}
	return nil
}

// LedgerDSN is state.backend, or the DSN state.profile implies, or a file
// DSN inside the state root.
func (c Config) LedgerDSN() (string, error) {
	if dsn := strings.TrimSpace(c.State.Backend); dsn != "" {
		return dsn, nil
	}
	fileDSN := "file://" + filepath.Join(c.State.Dir, c.State.File)
	profile := strings.ToLower(strings.TrimSpace(c.State.Profile))
	switch profile {
	case "", "custom", "durable-local", "local-durable":
		return fileDSN, nil
	case "memory", "inmemory":
		return "memory://", nil
	case "production", "prod":
		dsn := strings.TrimSpace(c.State.PostgresDSN)
		if dsn == "" {
			return "", fmt.Errorf("state.postgres_dsn is required when state.profile=%s", profile)
		}
		return dsn, nil
	default:
		return "", fmt.Errorf("unsupported state.profile: %s", profile)
	}
}

func (c Config) LogLevel() (logrus.Level, error) {
	level := strings.TrimSpace(c.Log.Level)
	if level == "" {
		return logrus.InfoLevel, nil
	}
	return logrus.ParseLevel(level)
}
