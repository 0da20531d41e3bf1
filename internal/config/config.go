package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/memberworks/membersync/internal/store"
)

// Config holds the full application configuration.
type Config struct {
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	VoterRoll VoterRollConfig `yaml:"voterroll" mapstructure:"voterroll"`
	RateLimit RateLimitConfig `yaml:"ratelimit" mapstructure:"ratelimit"`
	Verify    VerifyConfig    `yaml:"verify" mapstructure:"verify"`
	Ingest    IngestConfig    `yaml:"ingest" mapstructure:"ingest"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string            `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string            `yaml:"database_url" mapstructure:"database_url"`
	SQLitePath  string            `yaml:"sqlite_path" mapstructure:"sqlite_path"`
	Pool        *store.PoolConfig `yaml:"pool" mapstructure:"pool"`
}

// VoterRollConfig holds the external verification service credentials.
type VoterRollConfig struct {
	BaseURL           string `yaml:"base_url" mapstructure:"base_url"`
	ClientID          string `yaml:"client_id" mapstructure:"client_id"`
	ClientSecret      string `yaml:"client_secret" mapstructure:"client_secret"`
	LookupTimeoutSecs int    `yaml:"lookup_timeout_secs" mapstructure:"lookup_timeout_secs"`
	RequestsPerSecond int    `yaml:"requests_per_second" mapstructure:"requests_per_second"`
}

// RateLimitConfig configures the shared hourly quota. Backend selects who
// coordinates the counter: "memory" for a single process, "redis" for
// multiple pipeline instances sharing one quota, or "service" to defer to
// the coordination endpoint of another instance.
type RateLimitConfig struct {
	Backend        string `yaml:"backend" mapstructure:"backend"`
	HourlyCapacity int    `yaml:"hourly_capacity" mapstructure:"hourly_capacity"`
	RedisAddr      string `yaml:"redis_addr" mapstructure:"redis_addr"`
	RedisPassword  string `yaml:"redis_password" mapstructure:"redis_password"`
	RedisDB        int    `yaml:"redis_db" mapstructure:"redis_db"`
	ServiceURL     string `yaml:"service_url" mapstructure:"service_url"`
}

// VerifyConfig tunes the verification worker pool.
type VerifyConfig struct {
	Workers int `yaml:"workers" mapstructure:"workers"`
}

// IngestConfig configures batch file handling.
type IngestConfig struct {
	SheetIndex int    `yaml:"sheet_index" mapstructure:"sheet_index"`
	SheetName  string `yaml:"sheet_name" mapstructure:"sheet_name"`
}

// ServerConfig configures the coordination/status server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("MEMBERSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.sqlite_path", "membersync.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("verify.workers", 15)
	v.SetDefault("voterroll.lookup_timeout_secs", 12)
	v.SetDefault("voterroll.requests_per_second", 10)
	v.SetDefault("ratelimit.backend", "memory")
	v.SetDefault("ratelimit.hourly_capacity", 5000)
	v.SetDefault("ratelimit.redis_addr", "localhost:6379")
	v.SetDefault("ingest.sheet_index", 0)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks that the fields a command needs are present. Mode is the
// command family: "ingest" covers the pipeline commands, "serve" the
// coordination server.
func (c *Config) Validate(mode string) error {
	switch mode {
	case "ingest":
		switch c.Store.Driver {
		case "postgres":
			if c.Store.DatabaseURL == "" {
				return eris.New("config: store.database_url is required for the postgres driver")
			}
		case "sqlite":
			if c.Store.SQLitePath == "" {
				return eris.New("config: store.sqlite_path is required for the sqlite driver")
			}
		default:
			return eris.Errorf("config: unknown store driver %q", c.Store.Driver)
		}
		if c.VoterRoll.BaseURL == "" {
			return eris.New("config: voterroll.base_url is required")
		}
		if c.VoterRoll.ClientID == "" || c.VoterRoll.ClientSecret == "" {
			return eris.New("config: voterroll client credentials are required")
		}
		if c.Verify.Workers < 1 || c.Verify.Workers > 100 {
			return eris.Errorf("config: verify.workers must be 1-100, got %d", c.Verify.Workers)
		}
		if c.RateLimit.HourlyCapacity < 1 {
			return eris.New("config: ratelimit.hourly_capacity must be positive")
		}
		return nil
	case "serve":
		if c.Server.Port < 1 || c.Server.Port > 65535 {
			return eris.Errorf("config: invalid server port %d", c.Server.Port)
		}
		return nil
	default:
		return eris.Errorf("config: unknown validation mode %q", mode)
	}
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
