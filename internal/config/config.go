package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store  StoreConfig  `yaml:"store" mapstructure:"store"`
	GLEIF  GLEIFConfig  `yaml:"gleif" mapstructure:"gleif"`
	DnB    DnBConfig    `yaml:"dnb" mapstructure:"dnb"`
	IDR    IDRConfig    `yaml:"idr" mapstructure:"idr"`
	Server ServerConfig `yaml:"server" mapstructure:"server"`
	Log    LogConfig    `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int    `yaml:"max_conns" mapstructure:"max_conns"`
}

// GLEIFConfig holds GLEIF API settings. The API is public.
type GLEIFConfig struct {
	BaseURL     string  `yaml:"base_url" mapstructure:"base_url"`
	RatePerSec  float64 `yaml:"rate_per_sec" mapstructure:"rate_per_sec"`
	TimeoutSecs int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// DnBConfig holds D&B Direct+ settings. The token is issued out of band.
type DnBConfig struct {
	BaseURL     string  `yaml:"base_url" mapstructure:"base_url"`
	Token       string  `yaml:"token" mapstructure:"token"`
	RatePerSec  float64 `yaml:"rate_per_sec" mapstructure:"rate_per_sec"`
	TimeoutSecs int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// IDRConfig configures stage execution.
type IDRConfig struct {
	ChunkSize           int     `yaml:"chunk_size" mapstructure:"chunk_size"`
	DBWritesPerSec      float64 `yaml:"db_writes_per_sec" mapstructure:"db_writes_per_sec"`
	NonCriticalStatuses []int   `yaml:"non_critical_statuses" mapstructure:"non_critical_statuses"`
	RetryAttempts       int     `yaml:"retry_attempts" mapstructure:"retry_attempts"`
	DataDir             string  `yaml:"data_dir" mapstructure:"data_dir"`

	// RegNumTypeCodes overrides the D&B registration number type codes of a
	// country's normalization rule, keyed by ISO alpha-2 code.
	RegNumTypeCodes map[string][]int `yaml:"regnum_type_codes" mapstructure:"regnum_type_codes"`
}

// ServerConfig configures the status server.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
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
	v.SetEnvPrefix("APIHUB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults. Every key needs one, even empty, or AutomaticEnv never
	// reaches it on Unmarshal.
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.database_url", "")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("gleif.base_url", "https://api.gleif.org/api/v1")
	v.SetDefault("gleif.rate_per_sec", 2)
	v.SetDefault("gleif.timeout_secs", 30)
	v.SetDefault("dnb.base_url", "https://plus.dnb.com/v1")
	v.SetDefault("dnb.token", "")
	v.SetDefault("dnb.rate_per_sec", 4)
	v.SetDefault("dnb.timeout_secs", 30)
	v.SetDefault("idr.chunk_size", 100)
	v.SetDefault("idr.db_writes_per_sec", 50)
	v.SetDefault("idr.non_critical_statuses", []int{404})
	v.SetDefault("idr.retry_attempts", 3)
	v.SetDefault("idr.data_dir", ".")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

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

// Validate checks the settings a command mode depends on. Every problem is
// reported at once.
func (c *Config) Validate(mode string) error {
	var errs []string

	switch c.Store.Driver {
	case "postgres", "sqlite":
	default:
		errs = append(errs, "store.driver must be postgres or sqlite")
	}
	if c.Store.DatabaseURL == "" {
		errs = append(errs, "store.database_url is required")
	}

	switch mode {
	case "migrate":
	case "idr":
		if c.IDR.ChunkSize < 1 || c.IDR.ChunkSize > 1000 {
			errs = append(errs, "idr.chunk_size must be between 1 and 1000")
		}
		if c.IDR.DBWritesPerSec <= 0 {
			errs = append(errs, "idr.db_writes_per_sec must be > 0")
		}
		if c.IDR.RetryAttempts < 1 {
			errs = append(errs, "idr.retry_attempts must be >= 1")
		}
		for _, s := range c.IDR.NonCriticalStatuses {
			if s < 400 || s > 599 {
				errs = append(errs, "idr.non_critical_statuses must be 4xx or 5xx codes")
				break
			}
		}
		if c.GLEIF.RatePerSec <= 0 {
			errs = append(errs, "gleif.rate_per_sec must be > 0")
		}
		if c.DnB.RatePerSec <= 0 {
			errs = append(errs, "dnb.rate_per_sec must be > 0")
		}
	case "serve":
		if c.Server.Port <= 0 {
			errs = append(errs, "server.port must be > 0")
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
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
